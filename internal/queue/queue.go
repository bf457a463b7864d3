// Package queue defines the job queue contracts shared by every broker backend.
// This abstraction keeps the orchestrator independent of a specific message
// queue implementation (RabbitMQ, GCP Pub/Sub, or the in-process queue).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
)

// Priorities used by producers. Seeds are non-negative, discovered zones sit below them.
const (
	SeedPriority      = 0
	DiscoveryPriority = -1
)

var (
	// ErrMalformed marks a message body that cannot be decoded into a CrawlJob.
	ErrMalformed = errors.New("malformed job message")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrSettled is returned when a delivery is acknowledged twice.
	ErrSettled = errors.New("delivery already settled")
)

// Delivery is one received message awaiting settlement. Exactly one of Ack,
// Requeue or DeadLetter should be called.
type Delivery interface {
	// Body returns the raw message bytes as published.
	Body() []byte
	// Ack removes the message from the queue.
	Ack(ctx context.Context) error
	// Requeue returns the message to the primary queue for redelivery.
	Requeue(ctx context.Context) error
	// DeadLetter moves the original bytes to the dead-letter target with a reason.
	DeadLetter(ctx context.Context, reason string) error
}

// Consumer polls for work.
type Consumer interface {
	// Receive returns the next available delivery. ok is false when the queue
	// currently has nothing to hand out; Receive never waits indefinitely.
	Receive(ctx context.Context) (d Delivery, ok bool, err error)
}

// Publisher enqueues jobs.
type Publisher interface {
	Publish(ctx context.Context, job crawler.CrawlJob) error
}

// JobQueue is a durable queue carrying both seed and discovery jobs.
type JobQueue interface {
	Consumer
	Publisher
	Close() error
}

// Encode renders a job as the minimal JSON body {zone_name, game, priority}.
func Encode(job crawler.CrawlJob) ([]byte, error) {
	if strings.TrimSpace(job.ZoneName) == "" {
		return nil, fmt.Errorf("encode job: %w: zone_name is required", ErrMalformed)
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return body, nil
}

// Decode parses a message body. Invalid encodings and schema violations wrap
// ErrMalformed so callers can route them to the dead-letter queue.
func Decode(body []byte) (crawler.CrawlJob, error) {
	if !utf8.Valid(body) {
		return crawler.CrawlJob{}, fmt.Errorf("%w: body is not valid utf-8", ErrMalformed)
	}
	var job crawler.CrawlJob
	if err := json.Unmarshal(body, &job); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	job.ZoneName = strings.TrimSpace(job.ZoneName)
	job.Game = strings.TrimSpace(job.Game)
	if job.ZoneName == "" {
		return crawler.CrawlJob{}, fmt.Errorf("%w: zone_name is required", ErrMalformed)
	}
	return job, nil
}
