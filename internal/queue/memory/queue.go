// Package memory provides an in-process job queue for local development and tests.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/queue"
)

// DeadLetter is a message rejected by a consumer.
type DeadLetter struct {
	Body   []byte
	Reason string
}

type message struct {
	seq      uint64
	priority int
	body     []byte
}

// Queue is a priority queue with FIFO ordering among equal priorities. Received
// messages stay in flight until settled.
type Queue struct {
	mu       sync.Mutex
	pending  messageHeap
	inFlight map[uint64]message
	dead     []DeadLetter
	nextSeq  uint64
	closed   bool
}

var _ queue.JobQueue = (*Queue)(nil)

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{inFlight: make(map[uint64]message)}
}

// Publish encodes the job and enqueues it.
func (q *Queue) Publish(ctx context.Context, job crawler.CrawlJob) error {
	body, err := queue.Encode(job)
	if err != nil {
		return err
	}
	return q.PublishRaw(ctx, body, job.Priority)
}

// PublishRaw enqueues an arbitrary body, which lets tests inject malformed messages.
func (q *Queue) PublishRaw(ctx context.Context, body []byte, priority int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	q.nextSeq++
	heap.Push(&q.pending, message{seq: q.nextSeq, priority: priority, body: append([]byte(nil), body...)})
	return nil
}

// Receive pops the highest-priority message without blocking.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("receive canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false, queue.ErrClosed
	}
	if q.pending.Len() == 0 {
		return nil, false, nil
	}
	msg, _ := heap.Pop(&q.pending).(message)
	q.inFlight[msg.seq] = msg
	return &delivery{q: q, seq: msg.seq, body: msg.body}, true, nil
}

// Len reports the number of messages waiting to be received.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// InFlight reports the number of received but unsettled messages.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// DeadLetters returns a copy of the dead-letter list.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close stops the queue. Unsettled messages are dropped.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Queue) settle(seq uint64) (message, error) {
	msg, ok := q.inFlight[seq]
	if !ok {
		return message{}, queue.ErrSettled
	}
	delete(q.inFlight, seq)
	return msg, nil
}

type delivery struct {
	q    *Queue
	seq  uint64
	body []byte
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Ack(_ context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	_, err := d.q.settle(d.seq)
	return err
}

// Requeue puts the message back at its original position among equal priorities.
func (d *delivery) Requeue(_ context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	msg, err := d.q.settle(d.seq)
	if err != nil {
		return err
	}
	if !d.q.closed {
		heap.Push(&d.q.pending, msg)
	}
	return nil
}

func (d *delivery) DeadLetter(_ context.Context, reason string) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	msg, err := d.q.settle(d.seq)
	if err != nil {
		return err
	}
	d.q.dead = append(d.q.dead, DeadLetter{Body: msg.body, Reason: reason})
	return nil
}

type messageHeap []message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) {
	msg, _ := x.(message)
	*h = append(*h, msg)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
