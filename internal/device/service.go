package device

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"rollcall/internal/checkin"
	"rollcall/internal/metrics"
)

// Store is the persistence contract for devices.
type Store interface {
	Insert(ctx context.Context, d Device) error
	Get(ctx context.Context, id string) (Device, error)
}

// Engine replays buffered events; it is the check-in ingest engine.
type Engine interface {
	Apply(ctx context.Context, ev checkin.Event) (checkin.Result, error)
}

// RateLimiter throttles sync calls per device before any verification
// work happens.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Service implements the device sync protocol.
type Service struct {
	store   Store
	engine  Engine
	limiter RateLimiter
}

// NewService creates the sync service.
func NewService(store Store, engine Engine, limiter RateLimiter) *Service {
	return &Service{store: store, engine: engine, limiter: limiter}
}

// Register creates a device and returns it with the plaintext secret.
// The secret is not retrievable afterwards.
func (s *Service) Register(ctx context.Context, name, ownerID string) (Device, error) {
	if name == "" {
		return Device{}, fmt.Errorf("name required")
	}
	d := Device{
		ID:      uuid.NewString(),
		Name:    name,
		OwnerID: ownerID,
		Secret:  newSecret(),
	}
	if err := s.store.Insert(ctx, d); err != nil {
		return Device{}, err
	}
	return d, nil
}

// Sync verifies a signed batch and replays each event through the ingest
// engine. payload is the raw JSON bytes of the events array exactly as
// transmitted; the signature is HMAC-SHA256 over those bytes, hex-encoded.
// One event's failure never aborts the batch: the channel is at-least-once
// and replay protection makes whole-batch retries safe.
func (s *Service) Sync(ctx context.Context, deviceID string, payload []byte, signature string) ([]SyncResult, error) {
	allowed, err := s.limiter.Allow(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		metrics.SyncBatches.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	dev, err := s.store.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if !verifySignature(dev.Secret, payload, signature) {
		metrics.SyncBatches.WithLabelValues("invalid_signature").Inc()
		return nil, ErrInvalidSignature
	}

	var events []SyncEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, fmt.Errorf("malformed events payload: %w", err)
	}

	log.Printf("device sync from %s: %d events", deviceID, len(events))

	results := make([]SyncResult, 0, len(events))
	for _, ev := range events {
		results = append(results, s.applyOne(ctx, deviceID, ev))
	}
	metrics.SyncBatches.WithLabelValues("ok").Inc()
	return results, nil
}

func (s *Service) applyOne(ctx context.Context, deviceID string, ev SyncEvent) SyncResult {
	event := checkin.Event{
		ClientEventID: ev.ClientEventID,
		SessionToken:  ev.SessionToken,
		StudentID:     ev.StudentID,
		Status:        ev.Status,
		Method:        ev.Method,
		DeviceID:      deviceID,
	}
	if ev.Timestamp != nil {
		event.Timestamp = *ev.Timestamp
	}

	res, err := s.engine.Apply(ctx, event)
	switch {
	case err == checkin.ErrInvalidOrExpiredSession:
		return s.fail(ev, ReasonInvalidSession)
	case err == checkin.ErrSessionExpired:
		return s.fail(ev, ReasonSessionExpired)
	case err == checkin.ErrStudentNotFound:
		return s.fail(ev, ReasonInvalidStudent)
	case err != nil:
		return s.fail(ev, err.Error())
	case res.Duplicate:
		return s.fail(ev, ReasonDuplicateEvent)
	}
	metrics.SyncEvents.WithLabelValues("ok").Inc()
	return SyncResult{ClientEventID: ev.ClientEventID, OK: true}
}

func (s *Service) fail(ev SyncEvent, reason string) SyncResult {
	label := reason
	switch reason {
	case ReasonInvalidSession, ReasonSessionExpired, ReasonInvalidStudent, ReasonDuplicateEvent:
	default:
		label = "error"
	}
	metrics.SyncEvents.WithLabelValues(label).Inc()
	return SyncResult{ClientEventID: ev.ClientEventID, OK: false, Reason: reason}
}

// verifySignature recomputes the batch HMAC and compares in constant time.
func verifySignature(secret string, payload []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), sig)
}

func newSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
