package claim

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type claimEntry struct {
	name        string
	codeHash    string
	expiresAt   time.Time
	attempts    int
	lockedUntil *time.Time
	claimed     bool
}

type memClaimStore struct {
	mu       sync.Mutex
	entries  map[string]*claimEntry
	emails   map[string]bool
	users    map[string]Identity
	pwHashes map[string]string
}

func newMemClaimStore() *memClaimStore {
	return &memClaimStore{
		entries:  make(map[string]*claimEntry),
		emails:   make(map[string]bool),
		users:    make(map[string]Identity),
		pwHashes: make(map[string]string),
	}
}

func (m *memClaimStore) SetClaimCode(_ context.Context, studentID, codeHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[studentID]
	if !ok {
		e = &claimEntry{}
		m.entries[studentID] = e
	} else if e.claimed {
		return nil
	}
	e.codeHash = codeHash
	e.expiresAt = expiresAt
	e.attempts = 0
	e.lockedUntil = nil
	return nil
}

func (m *memClaimStore) FindUnclaimedByHash(_ context.Context, codeHash string, now time.Time) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if !e.claimed && e.codeHash == codeHash && e.expiresAt.After(now) {
			return State{StudentID: id, Name: e.name, Attempts: e.attempts, LockedUntil: e.lockedUntil}, nil
		}
	}
	return State{}, ErrInvalidOrExpiredClaim
}

func (m *memClaimStore) RecordFailedAttempt(_ context.Context, studentID string, maxAttempts int, lockUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[studentID]
	if !ok {
		return nil
	}
	e.attempts++
	if e.attempts >= maxAttempts {
		until := lockUntil
		e.lockedUntil = &until
		e.attempts = 0
	}
	return nil
}

func (m *memClaimStore) EmailExists(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emails[email], nil
}

func (m *memClaimStore) Redeem(_ context.Context, studentID string, ident Identity, passwordHash string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emails[ident.Email] {
		return false, ErrEmailTaken
	}
	e, ok := m.entries[studentID]
	if !ok || e.claimed {
		return false, nil
	}
	e.claimed = true
	m.emails[ident.Email] = true
	m.users[ident.ID] = ident
	m.pwHashes[ident.ID] = passwordHash
	return true, nil
}

func stubIssuer(userID, role string) (string, time.Time, error) {
	return "jwt-for-" + userID + "-" + role, time.Now().Add(time.Hour), nil
}

func claimFixture() (*Service, *memClaimStore) {
	store := newMemClaimStore()
	store.entries["stu1"] = &claimEntry{name: "Ada"}
	svc := NewService(store, "test-secret", time.Hour, 3, 10*time.Minute, stubIssuer)
	return svc, store
}

func TestIssueAndRedeem(t *testing.T) {
	svc, store := claimFixture()

	issued, err := svc.Issue(context.Background(), "stu1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(issued.Code) != codeLength {
		t.Errorf("code length = %d, want %d", len(issued.Code), codeLength)
	}
	if store.entries["stu1"].codeHash == issued.Code {
		t.Error("plaintext code persisted")
	}

	res, err := svc.Redeem(context.Background(), issued.Code, "Ada@Example.com ", "hunter22", "")
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if res.StudentID != "stu1" || res.Token == "" {
		t.Errorf("result = %+v", res)
	}

	ident := store.users[res.UserID]
	if ident.Email != "ada@example.com" {
		t.Errorf("email = %q, want normalized lowercase", ident.Email)
	}
	if ident.Name != "Ada" {
		t.Errorf("name = %q, want roster name fallback", ident.Name)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(store.pwHashes[res.UserID]), []byte("hunter22")); err != nil {
		t.Errorf("stored password hash does not verify: %v", err)
	}
}

func TestRedeemIsOneShot(t *testing.T) {
	svc, _ := claimFixture()
	issued, _ := svc.Issue(context.Background(), "stu1")

	if _, err := svc.Redeem(context.Background(), issued.Code, "a@x.com", "password1", "A"); err != nil {
		t.Fatalf("first Redeem() error = %v", err)
	}
	if _, err := svc.Redeem(context.Background(), issued.Code, "b@x.com", "password2", "B"); err != ErrInvalidOrExpiredClaim {
		t.Errorf("second Redeem() error = %v, want ErrInvalidOrExpiredClaim", err)
	}
}

// racingStore still reports the entry as unclaimed at find time while
// the guarded redeem update sees it already claimed, reproducing two
// redemptions racing between the lookup and the status flip.
type racingStore struct {
	*memClaimStore
}

func (r *racingStore) FindUnclaimedByHash(_ context.Context, codeHash string, _ time.Time) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.codeHash == codeHash {
			return State{StudentID: id, Name: e.name}, nil
		}
	}
	return State{}, ErrInvalidOrExpiredClaim
}

func TestRedeemLosesRace(t *testing.T) {
	svc, store := claimFixture()
	issued, _ := svc.Issue(context.Background(), "stu1")
	store.entries["stu1"].claimed = true

	raced := NewService(&racingStore{memClaimStore: store}, "test-secret", time.Hour, 3, 10*time.Minute, stubIssuer)
	if _, err := raced.Redeem(context.Background(), issued.Code, "late@x.com", "password1", ""); err != ErrInvalidOrExpiredClaim {
		t.Errorf("error = %v, want ErrInvalidOrExpiredClaim", err)
	}
}

func TestRedeemExpiredCode(t *testing.T) {
	svc, _ := claimFixture()
	issued, _ := svc.Issue(context.Background(), "stu1")

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.Redeem(context.Background(), issued.Code, "a@x.com", "password1", ""); err != ErrInvalidOrExpiredClaim {
		t.Errorf("error = %v, want ErrInvalidOrExpiredClaim", err)
	}
}

func TestRedeemWrongCode(t *testing.T) {
	svc, _ := claimFixture()
	svc.Issue(context.Background(), "stu1")
	if _, err := svc.Redeem(context.Background(), strings.Repeat("x", codeLength), "a@x.com", "password1", ""); err != ErrInvalidOrExpiredClaim {
		t.Errorf("error = %v, want ErrInvalidOrExpiredClaim", err)
	}
}

func TestRedeemEmailTakenCountsAttemptsThenLocks(t *testing.T) {
	svc, store := claimFixture()
	store.emails["taken@x.com"] = true
	issued, _ := svc.Issue(context.Background(), "stu1")

	// maxAttempts is 3: two failures count, the third locks the entry
	for i := 0; i < 3; i++ {
		if _, err := svc.Redeem(context.Background(), issued.Code, "taken@x.com", "password1", ""); err != ErrEmailTaken {
			t.Fatalf("attempt %d error = %v, want ErrEmailTaken", i, err)
		}
	}
	if store.entries["stu1"].lockedUntil == nil {
		t.Fatal("entry not locked after max failed attempts")
	}

	if _, err := svc.Redeem(context.Background(), issued.Code, "fresh@x.com", "password1", ""); err != ErrTooManyAttempts {
		t.Errorf("locked redeem error = %v, want ErrTooManyAttempts", err)
	}

	// lock expires, redemption goes through
	svc.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	if _, err := svc.Redeem(context.Background(), issued.Code, "fresh@x.com", "password1", ""); err != nil {
		t.Errorf("redeem after lock expiry error = %v", err)
	}
}

func TestRegenerateInvalidatesOldCode(t *testing.T) {
	svc, store := claimFixture()

	first, _ := svc.Issue(context.Background(), "stu1")
	store.entries["stu1"].attempts = 2

	second, err := svc.Regenerate(context.Background(), "stu1")
	if err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}
	if first.Code == second.Code {
		t.Error("regenerate returned the same code")
	}
	if store.entries["stu1"].attempts != 0 {
		t.Error("regenerate did not reset attempt counter")
	}

	if _, err := svc.Redeem(context.Background(), first.Code, "a@x.com", "password1", ""); err != ErrInvalidOrExpiredClaim {
		t.Errorf("old code error = %v, want ErrInvalidOrExpiredClaim", err)
	}
	if _, err := svc.Redeem(context.Background(), second.Code, "a@x.com", "password1", ""); err != nil {
		t.Errorf("new code error = %v", err)
	}
}
