// Package amqp implements the job queue on RabbitMQ. The primary queue is
// durable, dead-letters into a sibling queue and honours message priority.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/queue"
)

// RejectReasonHeader carries the dead-letter reason on DLQ messages.
const RejectReasonHeader = "x-reject-reason"

// Config controls the broker connection and queue topology.
type Config struct {
	URL               string        `mapstructure:"url"`
	Queue             string        `mapstructure:"queue"`
	DeadLetterQueue   string        `mapstructure:"dead_letter_queue"`
	MaxPriority       int           `mapstructure:"max_priority"`
	PriorityOffset    int           `mapstructure:"priority_offset"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = "zone-crawl"
	}
	if c.DeadLetterQueue == "" {
		c.DeadLetterQueue = c.Queue + ".dlq"
	}
	if c.MaxPriority < 0 {
		c.MaxPriority = 0
	}
	if c.MaxPriority > 255 {
		c.MaxPriority = 255
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	return c
}

// Channel is the subset of *amqp.Channel the queue uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a connection and a channel on it.
type Dialer func(url string) (Channel, io.Closer, error)

// Dial is the production Dialer.
func Dial(url string) (Channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return ch, conn, nil
}

// Queue is a RabbitMQ-backed queue.JobQueue.
type Queue struct {
	cfg    Config
	dial   Dialer
	logger *zap.Logger

	mu     sync.Mutex
	ch     Channel
	conn   io.Closer
	closed bool
}

var _ queue.JobQueue = (*Queue)(nil)

// New connects to the broker and declares the queue topology.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	return NewWithDialer(ctx, cfg, Dial, logger)
}

// NewWithDialer is New with an injectable dialer.
func NewWithDialer(ctx context.Context, cfg Config, dial Dialer, logger *zap.Logger) (*Queue, error) {
	if dial == nil {
		return nil, errors.New("amqp dialer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{cfg: cfg.withDefaults(), dial: dial, logger: logger}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// BrokerPriority maps a job priority onto the broker's 0..MaxPriority range.
func (q *Queue) BrokerPriority(priority int) uint8 {
	p := priority + q.cfg.PriorityOffset
	if p < 0 {
		p = 0
	}
	if p > q.cfg.MaxPriority {
		p = q.cfg.MaxPriority
	}
	return uint8(p) //nolint:gosec // clamped to 0..255 above
}

// Publish sends a persistent message to the primary queue.
func (q *Queue) Publish(ctx context.Context, job crawler.CrawlJob) error {
	body, err := queue.Encode(job)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     q.BrokerPriority(job.Priority),
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	return q.withChannel(ctx, "publish job", func(ch Channel) error {
		return ch.PublishWithContext(ctx, "", q.cfg.Queue, false, false, msg)
	})
}

// Receive performs a basic.get with manual acknowledgement.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("receive canceled: %w", err)
	}
	var (
		msg amqp.Delivery
		ok  bool
	)
	err := q.withChannel(ctx, "get message", func(ch Channel) error {
		var getErr error
		msg, ok, getErr = ch.Get(q.cfg.Queue, false)
		return getErr
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return &delivery{q: q, msg: msg}, true, nil
}

// Close closes the channel and connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.disconnectLocked()
}

// withChannel runs fn on the live channel, reconnecting once when the broker
// reports the channel or connection closed.
func (q *Queue) withChannel(ctx context.Context, op string, fn func(Channel) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.ch == nil {
		if err := q.reconnectLocked(ctx); err != nil {
			return err
		}
	}
	err := fn(q.ch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	q.logger.Warn("amqp channel closed, reconnecting", zap.String("op", op), zap.Error(err))
	_ = q.disconnectLocked()
	if err := q.reconnectLocked(ctx); err != nil {
		return err
	}
	if err := fn(q.ch); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (q *Queue) reconnectLocked(ctx context.Context) error {
	delay := q.cfg.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= q.cfg.ReconnectAttempts; attempt++ {
		if lastErr = q.connectLocked(ctx); lastErr == nil {
			return nil
		}
		q.logger.Warn("amqp reconnect failed",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		if attempt == q.cfg.ReconnectAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("reconnect amqp: %w", ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if delay > q.cfg.ReconnectMaxDelay {
			delay = q.cfg.ReconnectMaxDelay
		}
	}
	return fmt.Errorf("reconnect amqp after %d attempts: %w", q.cfg.ReconnectAttempts, lastErr)
}

func (q *Queue) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("connect amqp: %w", err)
	}
	ch, conn, err := q.dial(q.cfg.URL)
	if err != nil {
		return err
	}
	if err := q.declare(ch); err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return err
	}
	q.ch, q.conn = ch, conn
	return nil
}

func (q *Queue) declare(ch Channel) error {
	if _, err := ch.QueueDeclare(q.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", q.cfg.DeadLetterQueue, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.cfg.DeadLetterQueue,
	}
	if q.cfg.MaxPriority > 0 {
		args["x-max-priority"] = int32(q.cfg.MaxPriority) //nolint:gosec // clamped to 0..255
	}
	if _, err := ch.QueueDeclare(q.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.cfg.Queue, err)
	}
	return nil
}

func (q *Queue) disconnectLocked() error {
	var errs []error
	if q.ch != nil {
		if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close amqp channel: %w", err))
		}
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close amqp connection: %w", err))
		}
	}
	q.ch, q.conn = nil, nil
	return errors.Join(errs...)
}

type delivery struct {
	q   *Queue
	msg amqp.Delivery
}

func (d *delivery) Body() []byte { return d.msg.Body }

func (d *delivery) Ack(_ context.Context) error {
	if err := d.msg.Ack(false); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

func (d *delivery) Requeue(_ context.Context) error {
	if err := d.msg.Nack(false, true); err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	return nil
}

// DeadLetter publishes the original bytes to the dead-letter queue with the
// reason header, then acks. If that publish fails the message is rejected
// without requeue so the broker's dead-letter exchange routes it instead.
func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	msg := amqp.Publishing{
		ContentType:  d.msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.msg.MessageId,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{RejectReasonHeader: reason},
		Body:         d.msg.Body,
	}
	pubErr := d.q.withChannel(ctx, "publish dead letter", func(ch Channel) error {
		return ch.PublishWithContext(ctx, "", d.q.cfg.DeadLetterQueue, false, false, msg)
	})
	if pubErr != nil {
		d.q.logger.Warn("dead-letter publish failed, rejecting", zap.String("reason", reason), zap.Error(pubErr))
		if err := d.msg.Reject(false); err != nil {
			return fmt.Errorf("reject message: %w", errors.Join(pubErr, err))
		}
		return nil
	}
	if err := d.msg.Ack(false); err != nil {
		return fmt.Errorf("ack dead-lettered message: %w", err)
	}
	return nil
}
