// Package pubsub implements the job queue on Google Cloud Pub/Sub.
//
// The subscription is pulled with a single outstanding message so that one
// zone is processed at a time. Malformed messages are republished to a
// dead-letter topic with the rejection reason as an attribute.
package pubsub

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/queue"
)

// Message attributes set by this backend.
const (
	PriorityAttribute = "priority"
	GameAttribute     = "game"
	ReasonAttribute   = "reject_reason"
)

// Config identifies the topics and subscription.
type Config struct {
	ProjectID       string        `mapstructure:"project_id"`
	Topic           string        `mapstructure:"topic"`
	Subscription    string        `mapstructure:"subscription"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	PollWait        time.Duration `mapstructure:"poll_wait"`
}

// Queue is a Pub/Sub-backed queue.JobQueue.
type Queue struct {
	client   *pubsub.Client
	topic    *pubsub.Topic
	dlq      *pubsub.Topic
	sub      *pubsub.Subscription
	pollWait time.Duration
	logger   *zap.Logger

	inbox  chan *pubsub.Message
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ queue.JobQueue = (*Queue)(nil)

// New creates the client, verifies the topics and subscription exist and
// starts pulling in the background. It authenticates with Application Default
// Credentials unless opts say otherwise.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q := &Queue{
		client:   client,
		topic:    client.Topic(cfg.Topic),
		dlq:      client.Topic(cfg.DeadLetterTopic),
		sub:      client.Subscription(cfg.Subscription),
		pollWait: cfg.PollWait,
		logger:   logger,
		inbox:    make(chan *pubsub.Message),
		done:     make(chan struct{}),
	}
	if err := q.verify(ctx, cfg); err != nil {
		q.topic.Stop()
		q.dlq.Stop()
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after verification failure", zap.Error(closeErr))
		}
		return nil, err
	}
	q.sub.ReceiveSettings.MaxOutstandingMessages = 1
	q.sub.ReceiveSettings.NumGoroutines = 1

	runCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.pull(runCtx)
	return q, nil
}

func (q *Queue) verify(ctx context.Context, cfg Config) error {
	for _, topic := range []*pubsub.Topic{q.topic, q.dlq} {
		exists, err := topic.Exists(ctx)
		if err != nil {
			return fmt.Errorf("check pubsub topic %q: %w", topic.ID(), err)
		}
		if !exists {
			return fmt.Errorf("pubsub topic %q does not exist in project %q", topic.ID(), cfg.ProjectID)
		}
	}
	exists, err := q.sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check pubsub subscription %q: %w", cfg.Subscription, err)
	}
	if !exists {
		return fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.Subscription, cfg.ProjectID)
	}
	return nil
}

// pull keeps a streaming receive open until Close, restarting it after errors.
func (q *Queue) pull(ctx context.Context) {
	defer close(q.done)
	for {
		err := q.sub.Receive(ctx, func(msgCtx context.Context, m *pubsub.Message) {
			select {
			case q.inbox <- m:
			case <-msgCtx.Done():
				m.Nack()
			}
		})
		if ctx.Err() != nil {
			return
		}
		q.logger.Warn("pubsub receive stopped, restarting", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Publish sends the job and waits for the server to accept it.
func (q *Queue) Publish(ctx context.Context, job crawler.CrawlJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return queue.ErrClosed
	}
	body, err := queue.Encode(job)
	if err != nil {
		return err
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			PriorityAttribute: strconv.Itoa(job.Priority),
			GameAttribute:     job.Game,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive waits up to the configured poll wait for a message.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("receive canceled: %w", err)
	}
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return nil, false, queue.ErrClosed
	}
	if q.pollWait <= 0 {
		select {
		case m := <-q.inbox:
			return &delivery{q: q, msg: m}, true, nil
		default:
			return nil, false, nil
		}
	}
	timer := time.NewTimer(q.pollWait)
	defer timer.Stop()
	select {
	case m := <-q.inbox:
		return &delivery{q: q, msg: m}, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-q.done:
		return nil, false, queue.ErrClosed
	case <-ctx.Done():
		return nil, false, fmt.Errorf("receive canceled: %w", ctx.Err())
	}
}

// Close stops pulling, flushes publishers and closes the client.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done
	q.topic.Stop()
	q.dlq.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

type delivery struct {
	q   *Queue
	msg *pubsub.Message
}

func (d *delivery) Body() []byte { return d.msg.Data }

func (d *delivery) Ack(_ context.Context) error {
	d.msg.Ack()
	return nil
}

func (d *delivery) Requeue(_ context.Context) error {
	d.msg.Nack()
	return nil
}

// DeadLetter republishes the original bytes to the dead-letter topic and acks.
// When the republish fails the message is nacked and the error returned.
func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	attrs := make(map[string]string, len(d.msg.Attributes)+1)
	maps.Copy(attrs, d.msg.Attributes)
	attrs[ReasonAttribute] = reason
	result := d.q.dlq.Publish(ctx, &pubsub.Message{Data: d.msg.Data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		d.msg.Nack()
		return fmt.Errorf("publish dead letter: %w", err)
	}
	d.msg.Ack()
	return nil
}
