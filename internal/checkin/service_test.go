package checkin

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"rollcall/internal/roster"
	"rollcall/internal/session"
)

type fakeSessions struct {
	byToken map[string]session.Session
	now     func() time.Time
}

func (f *fakeSessions) ResolveToken(_ context.Context, token string) (*session.Session, error) {
	s, ok := f.byToken[token]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeSessions) ValidateToken(ctx context.Context, token string) (*session.Session, error) {
	s, err := f.ResolveToken(ctx, token)
	if err != nil || s == nil {
		return nil, err
	}
	if open, ok := s.State.(session.Open); !ok || !open.ExpiresAt.After(f.now()) {
		return nil, nil
	}
	return s, nil
}

type memCheckinStore struct {
	mu        sync.Mutex
	processed map[string]bool
	records   map[string]Record
	lastID    int
}

func newMemCheckinStore() *memCheckinStore {
	return &memCheckinStore{processed: make(map[string]bool), records: make(map[string]Record)}
}

func (m *memCheckinStore) InsertProcessed(_ context.Context, deviceID, clientEventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceID + "/" + clientEventID
	if m.processed[key] {
		return false, nil
	}
	m.processed[key] = true
	return true, nil
}

func (m *memCheckinStore) UpsertRecord(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.SessionID + "/" + rec.StudentID
	if existing, ok := m.records[key]; ok {
		rec.ID = existing.ID
	} else {
		m.lastID++
		rec.ID = fmt.Sprintf("r%d", m.lastID)
	}
	m.records[key] = rec
	return rec, nil
}

func (m *memCheckinStore) FindByClientEvent(_ context.Context, clientEventID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ClientEventID != nil && *rec.ClientEventID == clientEventID {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memCheckinStore) FindBySessionStudent(_ context.Context, sessionID, studentID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[sessionID+"/"+studentID]; ok {
		r := rec
		return &r, nil
	}
	return nil, nil
}

func (m *memCheckinStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fakeDirectory struct {
	byQR map[string]roster.Student
	byID map[string]roster.Student
}

func (f *fakeDirectory) FindByQRToken(_ context.Context, token string) (roster.Student, error) {
	s, ok := f.byQR[token]
	if !ok {
		return roster.Student{}, roster.ErrNotFound
	}
	return s, nil
}

func (f *fakeDirectory) FindByID(_ context.Context, id string) (roster.Student, error) {
	s, ok := f.byID[id]
	if !ok {
		return roster.Student{}, roster.ErrNotFound
	}
	return s, nil
}

func fixture() (*Service, *memCheckinStore, *fakeSessions) {
	now := time.Now().UTC()
	sessions := &fakeSessions{
		byToken: map[string]session.Session{
			"live-token": {
				ID:      "sess1",
				ClassID: "class1",
				State:   session.Open{Token: "live-token", ExpiresAt: now.Add(time.Hour)},
			},
			"stale-token": {
				ID:      "sess2",
				ClassID: "class1",
				State:   session.Open{Token: "stale-token", ExpiresAt: now.Add(-time.Minute)},
			},
		},
		now: time.Now,
	}
	store := newMemCheckinStore()
	students := &fakeDirectory{
		byQR: map[string]roster.Student{"qr-alice": {ID: "alice"}},
		byID: map[string]roster.Student{"alice": {ID: "alice"}, "bob": {ID: "bob"}},
	}
	return NewService(sessions, store, students, 0.75), store, sessions
}

func TestRecordQR(t *testing.T) {
	svc, store, _ := fixture()

	res, err := svc.RecordQR(context.Background(), QRCheckIn{
		SessionToken: "live-token", StudentQRToken: "qr-alice",
		DeviceID: "d1", ClientEventID: "ev1",
	})
	if err != nil {
		t.Fatalf("RecordQR() error = %v", err)
	}
	if res.Duplicate {
		t.Error("first check-in reported as duplicate")
	}
	if res.Record.StudentID != "alice" || res.Record.Status != StatusPresent || res.Record.Method != session.MethodQR {
		t.Errorf("record = %+v", res.Record)
	}
	if store.count() != 1 {
		t.Errorf("record count = %d, want 1", store.count())
	}
}

func TestRecordQRRejectsDeadSessions(t *testing.T) {
	svc, _, _ := fixture()

	for _, token := range []string{"stale-token", "unknown", ""} {
		_, err := svc.RecordQR(context.Background(), QRCheckIn{SessionToken: token, StudentQRToken: "qr-alice"})
		if err != ErrInvalidOrExpiredSession {
			t.Errorf("token %q: error = %v, want ErrInvalidOrExpiredSession", token, err)
		}
	}
}

func TestRecordQRUnknownStudent(t *testing.T) {
	svc, _, _ := fixture()
	_, err := svc.RecordQR(context.Background(), QRCheckIn{SessionToken: "live-token", StudentQRToken: "nope"})
	if err != ErrStudentNotFound {
		t.Errorf("error = %v, want ErrStudentNotFound", err)
	}
}

func TestDuplicateClientEventConverges(t *testing.T) {
	svc, store, _ := fixture()

	in := QRCheckIn{SessionToken: "live-token", StudentQRToken: "qr-alice", DeviceID: "d1", ClientEventID: "ev1"}
	first, err := svc.RecordQR(context.Background(), in)
	if err != nil {
		t.Fatalf("first RecordQR() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		res, err := svc.RecordQR(context.Background(), in)
		if err != nil {
			t.Fatalf("replay %d error = %v", i, err)
		}
		if !res.Duplicate {
			t.Fatalf("replay %d not flagged duplicate", i)
		}
		if res.Record.ID != first.Record.ID {
			t.Errorf("replay %d returned record %q, want %q", i, res.Record.ID, first.Record.ID)
		}
	}
	if store.count() != 1 {
		t.Errorf("record count = %d, want 1", store.count())
	}
}

func TestSecondMethodOverwritesNotDuplicates(t *testing.T) {
	svc, store, _ := fixture()

	_, err := svc.RecordQR(context.Background(), QRCheckIn{
		SessionToken: "live-token", StudentQRToken: "qr-alice", DeviceID: "d1", ClientEventID: "ev1",
	})
	if err != nil {
		t.Fatal(err)
	}

	// same student, fresh event id: converges onto the one record
	res, err := svc.RecordQR(context.Background(), QRCheckIn{
		SessionToken: "live-token", StudentQRToken: "qr-alice", DeviceID: "d2", ClientEventID: "ev2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate {
		t.Error("fresh event id flagged duplicate")
	}
	if store.count() != 1 {
		t.Errorf("record count = %d, want 1", store.count())
	}
}

func TestRecordFacePolicy(t *testing.T) {
	tests := []struct {
		name    string
		match   *Match
		outcome string
		wrote   bool
	}{
		{"no candidate", nil, FaceOutcomeFailed, false},
		{"empty candidate", &Match{}, FaceOutcomeFailed, false},
		{"below threshold", &Match{StudentID: "alice", Score: 0.60}, FaceOutcomePending, false},
		{"at threshold", &Match{StudentID: "alice", Score: 0.75}, FaceOutcomePresent, true},
		{"above threshold", &Match{StudentID: "alice", Score: 0.91}, FaceOutcomePresent, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := fixture()
			res, err := svc.RecordFace(context.Background(), FaceCheckIn{SessionToken: "live-token", Match: tt.match})
			if err != nil {
				t.Fatalf("RecordFace() error = %v", err)
			}
			if res.Outcome != tt.outcome {
				t.Errorf("outcome = %q, want %q", res.Outcome, tt.outcome)
			}
			if got := store.count() == 1; got != tt.wrote {
				t.Errorf("wrote = %v, want %v", got, tt.wrote)
			}
			if tt.wrote && (res.Result.Record.Score == nil || *res.Result.Record.Score != tt.match.Score) {
				t.Errorf("stored score = %v, want %v", res.Result.Record.Score, tt.match.Score)
			}
		})
	}
}

func TestApplyDistinguishesExpiredFromUnknown(t *testing.T) {
	svc, _, _ := fixture()

	_, err := svc.Apply(context.Background(), Event{ClientEventID: "e1", SessionToken: "unknown", StudentID: "alice"})
	if err != ErrInvalidOrExpiredSession {
		t.Errorf("unknown token error = %v, want ErrInvalidOrExpiredSession", err)
	}

	_, err = svc.Apply(context.Background(), Event{ClientEventID: "e2", SessionToken: "stale-token", StudentID: "alice"})
	if err != ErrSessionExpired {
		t.Errorf("stale token error = %v, want ErrSessionExpired", err)
	}
}

func TestApplyNormalizesAndStamps(t *testing.T) {
	svc, _, _ := fixture()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	res, err := svc.Apply(context.Background(), Event{
		ClientEventID: "e1", SessionToken: "live-token", StudentID: "alice",
		Status: "late", Method: "qr", Timestamp: ts, DeviceID: "d1",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Record.Status != StatusLate || !res.Record.Timestamp.Equal(ts) {
		t.Errorf("record = %+v", res.Record)
	}

	// bogus status and method fall back to defaults
	res, err = svc.Apply(context.Background(), Event{
		ClientEventID: "e2", SessionToken: "live-token", StudentID: "bob",
		Status: "vanished", Method: "telepathy",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Record.Status != StatusPresent || res.Record.Method != session.MethodQR {
		t.Errorf("record = %+v", res.Record)
	}
	if res.Record.Timestamp.IsZero() {
		t.Error("zero timestamp not stamped")
	}
}

func TestOverride(t *testing.T) {
	svc, store, sessions := fixture()
	sess := sessions.byToken["live-token"]

	res, err := svc.Override(context.Background(), sess, "teacher1", "alice", StatusExcused, "doctor note")
	if err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	rec := res.Record
	if rec.Status != StatusExcused || rec.Method != session.MethodManual {
		t.Errorf("record = %+v", rec)
	}
	if !rec.Overridden || rec.OverriddenBy == nil || *rec.OverriddenBy != "teacher1" {
		t.Errorf("override stamp missing: %+v", rec)
	}
	if rec.OverrideReason == nil || *rec.OverrideReason != "doctor note" {
		t.Errorf("override reason = %v", rec.OverrideReason)
	}

	if _, err := svc.Override(context.Background(), sess, "teacher1", "ghost", StatusAbsent, ""); err != ErrStudentNotFound {
		t.Errorf("unknown student error = %v, want ErrStudentNotFound", err)
	}

	if store.count() != 1 {
		t.Errorf("record count = %d, want 1", store.count())
	}
}
