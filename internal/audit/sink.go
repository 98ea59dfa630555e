package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one audit line pushed to the external audit consumer.
type Entry struct {
	Action  string            `json:"action"`
	ActorID string            `json:"actorId,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Detail  map[string]string `json:"detail,omitempty"`
	At      time.Time         `json:"at"`
}

// Queue is the write-only transport an audit sink publishes to.
type Queue interface {
	Publish(ctx context.Context, data []byte) error
}

// Sink records audit entries best-effort; failures are logged and never
// propagate to the request path.
type Sink struct {
	q Queue
}

// NewSink creates a sink over a queue.
func NewSink(q Queue) *Sink {
	return &Sink{q: q}
}

// Record publishes one entry.
func (s *Sink) Record(ctx context.Context, e Entry) {
	if s == nil || s.q == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("audit: marshal failed: %v", err)
		return
	}
	if err := s.q.Publish(ctx, data); err != nil {
		log.Printf("audit: publish failed: %v", err)
	}
}

// RedisQueue pushes entries onto a redis list consumed by the audit
// store.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "rollcall:audit"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues an entry.
func (q *RedisQueue) Publish(ctx context.Context, data []byte) error {
	return q.client.LPush(ctx, q.key, data).Err()
}

// InMemory is a bounded channel-backed queue for dev/testing. Entries
// are dropped when the buffer is full.
type InMemory struct {
	ch chan []byte
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan []byte, size)}
}

// Publish enqueues an entry without blocking.
func (q *InMemory) Publish(_ context.Context, data []byte) error {
	select {
	case q.ch <- data:
	default:
	}
	return nil
}

// Drain returns the buffered entries channel for consumers.
func (q *InMemory) Drain() <-chan []byte {
	return q.ch
}
