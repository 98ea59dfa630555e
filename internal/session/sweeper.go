package session

import (
	"context"
	"log"
	"time"

	"rollcall/internal/bus"
	"rollcall/internal/metrics"
)

// Sweeper closes sessions whose token expiry has passed. It is owned by
// the lifecycle manager: started at service init, stopped at shutdown.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper running at the given interval.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in a goroutine until Stop is called.
func (w *Sweeper) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Sweep(context.Background())
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (w *Sweeper) Stop() {
	close(w.stop)
	<-w.done
}

// Sweep closes every open session past its expiry. A per-session failure
// is logged and the pass continues. The transition is guarded by the
// current status, so racing an explicit Close is harmless.
func (w *Sweeper) Sweep(ctx context.Context) {
	now := w.svc.now().UTC()
	expired, err := w.svc.store.ExpiredOpen(ctx, now)
	if err != nil {
		log.Printf("sweep: list expired sessions failed: %v", err)
		return
	}
	for _, sess := range expired {
		applied, err := w.svc.store.CloseIfOpen(ctx, sess.ID, now)
		if err != nil {
			log.Printf("sweep: close session %s failed: %v", sess.ID, err)
			continue
		}
		if !applied {
			continue
		}
		metrics.SweptSessions.Inc()
		w.svc.events.Publish(bus.Event{Name: bus.Ended, SessionID: sess.ID, Timestamp: now})
		log.Printf("sweep: session %s auto-closed", sess.ID)
	}
}
