package session

import (
	"context"
	"testing"
	"time"
)

func TestSweepClosesExpiredSessions(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	expired, _ := svc.Open(context.Background(), OpenParams{ClassID: "c1", TeacherID: "t1", TTL: time.Minute})
	fresh, _ := svc.Open(context.Background(), OpenParams{ClassID: "c2", TeacherID: "t1", TTL: time.Hour})

	svc.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	w := NewSweeper(svc, time.Second)
	w.Sweep(context.Background())

	got, _ := store.Get(context.Background(), expired.Session.ID)
	if _, ok := got.State.(Closed); !ok {
		t.Errorf("expired session state = %T, want Closed", got.State)
	}
	got, _ = store.Get(context.Background(), fresh.Session.ID)
	if _, ok := got.State.(Open); !ok {
		t.Errorf("fresh session state = %T, want Open", got.State)
	}
}

func TestSweepTwiceIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	res, _ := svc.Open(context.Background(), OpenParams{ClassID: "c1", TeacherID: "t1", TTL: time.Minute})
	svc.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	w := NewSweeper(svc, time.Second)
	w.Sweep(context.Background())
	w.Sweep(context.Background())

	got, _ := store.Get(context.Background(), res.Session.ID)
	if _, ok := got.State.(Closed); !ok {
		t.Fatalf("state = %T, want Closed", got.State)
	}

	// an explicit close after the sweep reports the conflict
	if _, err := svc.Close(context.Background(), res.Session.ID, teacher); err != ErrAlreadyClosed {
		t.Errorf("close after sweep error = %v, want ErrAlreadyClosed", err)
	}
}

func TestSweeperStartStop(t *testing.T) {
	svc := newTestService(newMemStore())
	w := NewSweeper(svc, 10*time.Millisecond)
	w.Start()
	time.Sleep(25 * time.Millisecond)
	w.Stop()
}
