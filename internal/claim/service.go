package claim

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"rollcall/internal/metrics"
)

const codeLength = 9

// Store is the persistence contract for claim state.
type Store interface {
	SetClaimCode(ctx context.Context, studentID, codeHash string, expiresAt time.Time) error
	FindUnclaimedByHash(ctx context.Context, codeHash string, now time.Time) (State, error)
	RecordFailedAttempt(ctx context.Context, studentID string, maxAttempts int, lockUntil time.Time) error
	EmailExists(ctx context.Context, email string) (bool, error)
	Redeem(ctx context.Context, studentID string, ident Identity, passwordHash string, claimedAt time.Time) (bool, error)
}

// TokenIssuer mints a session-equivalent credential for a new identity.
// It is the external auth collaborator's job; the claim service only
// delegates to it.
type TokenIssuer func(userID, role string) (token string, expiresAt time.Time, err error)

// Service issues and redeems one-time claim codes binding roster entries
// to login identities.
type Service struct {
	store        Store
	secret       []byte
	ttl          time.Duration
	maxAttempts  int
	lockDuration time.Duration
	issueToken   TokenIssuer
	now          func() time.Time
}

// NewService creates the claim service. secret keys the code hash; codes
// themselves are never persisted.
func NewService(store Store, secret string, ttl time.Duration, maxAttempts int, lockDuration time.Duration, issueToken TokenIssuer) *Service {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockDuration <= 0 {
		lockDuration = 15 * time.Minute
	}
	return &Service{
		store:        store,
		secret:       []byte(secret),
		ttl:          ttl,
		maxAttempts:  maxAttempts,
		lockDuration: lockDuration,
		issueToken:   issueToken,
		now:          time.Now,
	}
}

// Issue mints a fresh claim code for a roster entry, replacing any prior
// code outright and resetting attempt state. The plaintext is returned
// exactly once for out-of-band delivery.
func (s *Service) Issue(ctx context.Context, studentID string) (IssueResult, error) {
	code, err := newCode()
	if err != nil {
		return IssueResult{}, err
	}
	expiresAt := s.now().UTC().Add(s.ttl)
	if err := s.store.SetClaimCode(ctx, studentID, s.hash(code), expiresAt); err != nil {
		return IssueResult{}, err
	}
	return IssueResult{Code: code, ExpiresAt: expiresAt}, nil
}

// Regenerate reissues a code on a still-unclaimed entry. Attempt counters
// are bound to the roster entry and reset here.
func (s *Service) Regenerate(ctx context.Context, studentID string) (IssueResult, error) {
	return s.Issue(ctx, studentID)
}

// Redeem exchanges a valid code plus new credentials for a linked login
// identity. Exactly one concurrent attempt can win; the loser observes
// the flipped status and gets ErrInvalidOrExpiredClaim.
func (s *Service) Redeem(ctx context.Context, code, email, password, name string) (RedeemResult, error) {
	now := s.now().UTC()
	email = strings.ToLower(strings.TrimSpace(email))

	st, err := s.store.FindUnclaimedByHash(ctx, s.hash(code), now)
	if err != nil {
		if err == ErrInvalidOrExpiredClaim {
			metrics.ClaimRedemptions.WithLabelValues("invalid").Inc()
		}
		return RedeemResult{}, err
	}

	if st.LockedUntil != nil && st.LockedUntil.After(now) {
		metrics.ClaimRedemptions.WithLabelValues("locked").Inc()
		return RedeemResult{}, ErrTooManyAttempts
	}

	if taken, err := s.store.EmailExists(ctx, email); err != nil {
		return RedeemResult{}, err
	} else if taken {
		return RedeemResult{}, s.failAttempt(ctx, st, ErrEmailTaken)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return RedeemResult{}, err
	}

	if name == "" {
		name = st.Name
	}
	ident := Identity{
		ID:    uuid.NewString(),
		Name:  name,
		Email: email,
		Role:  "student",
	}

	applied, err := s.store.Redeem(ctx, st.StudentID, ident, string(hash), now)
	if err != nil {
		if err == ErrEmailTaken {
			return RedeemResult{}, s.failAttempt(ctx, st, ErrEmailTaken)
		}
		return RedeemResult{}, err
	}
	if !applied {
		// A concurrent redemption flipped the status first.
		metrics.ClaimRedemptions.WithLabelValues("invalid").Inc()
		return RedeemResult{}, ErrInvalidOrExpiredClaim
	}

	token, expiresAt, err := s.issueToken(ident.ID, ident.Role)
	if err != nil {
		return RedeemResult{}, err
	}
	metrics.ClaimRedemptions.WithLabelValues("ok").Inc()
	return RedeemResult{Token: token, ExpiresAt: expiresAt, UserID: ident.ID, StudentID: st.StudentID}, nil
}

// failAttempt records a failed redemption against a found entry before
// surfacing the cause.
func (s *Service) failAttempt(ctx context.Context, st State, cause error) error {
	metrics.ClaimRedemptions.WithLabelValues("email_taken").Inc()
	lockUntil := s.now().UTC().Add(s.lockDuration)
	if err := s.store.RecordFailedAttempt(ctx, st.StudentID, s.maxAttempts, lockUntil); err != nil {
		return err
	}
	return cause
}

func (s *Service) hash(code string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

const codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newCode draws an alphanumeric code from crypto/rand.
func newCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
