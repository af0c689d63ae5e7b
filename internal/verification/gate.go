package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
	"github.com/visioncare/eyecare-scheduling/internal/config"
	"github.com/visioncare/eyecare-scheduling/internal/notify"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
)

var (
	ErrCodeMismatch    = errors.New("verification code does not match")
	ErrCodeExpired     = errors.New("verification code expired or was never issued")
	ErrNotConfirmed    = errors.New("contact has no confirmed verification code")
	ErrTooManyAttempts = errors.New("too many incorrect verification attempts")
	ErrNoToken         = errors.New("no verification token")
)

// State is where a contact address sits in the verification cycle.
type State string

const (
	StateUnrequested State = "unrequested"
	StatePending     State = "pending"
	StateConfirmed   State = "confirmed"
	StateExpired     State = "expired"
)

// Token is the stored record for one contact address. Only the bcrypt hash
// of the code is kept.
type Token struct {
	Contact   string
	CodeHash  []byte
	ExpiresAt time.Time
	Confirmed bool
	Attempts  int
}

// Store persists tokens. Put replaces any previous token for the contact.
// MarkConfirmed only succeeds while the stored hash equals codeHash, so a
// concurrently re-issued code is never confirmed by a stale match. Consume
// deletes the token only while it is confirmed and still holds codeHash, and
// returns ErrNotConfirmed otherwise; it must be atomic.
type Store interface {
	Put(ctx context.Context, t Token, ttl time.Duration) error
	Get(ctx context.Context, contact string) (*Token, error)
	IncrementAttempts(ctx context.Context, contact string) (int, error)
	MarkConfirmed(ctx context.Context, contact string, codeHash []byte, ttl time.Duration) error
	Consume(ctx context.Context, contact string, codeHash []byte) error
	Delete(ctx context.Context, contact string) error
}

type Gate struct {
	store       Store
	sender      notify.Sender
	ttl         time.Duration
	length      int
	maxAttempts int
	cost        int
	now         func() time.Time
}

func NewGate(store Store, sender notify.Sender, cfg config.VerificationConfig) *Gate {
	g := &Gate{
		store:       store,
		sender:      sender,
		ttl:         cfg.CodeTTL,
		length:      cfg.CodeLength,
		maxAttempts: cfg.MaxAttempts,
		cost:        bcrypt.DefaultCost,
		now:         time.Now,
	}
	if g.ttl <= 0 {
		g.ttl = 10 * time.Minute
	}
	if g.length < 4 {
		g.length = 6
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = 5
	}
	return g
}

// WithHashCost overrides the bcrypt cost.
func (g *Gate) WithHashCost(cost int) *Gate {
	g.cost = cost
	return g
}

// WithClock overrides the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// IssueCode generates a fresh code for contact, replacing any unconsumed one,
// and delivers it.
func (g *Gate) IssueCode(ctx context.Context, contact string) error {
	addr, err := subject.NormalizeEmail(contact)
	if err != nil {
		return err
	}

	code, err := randomDigits(g.length)
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), g.cost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}

	tok := Token{
		Contact:   addr,
		CodeHash:  hash,
		ExpiresAt: g.now().Add(g.ttl),
	}
	// The record outlives ExpiresAt slightly so an expired code is reported
	// as expired by the clock check rather than vanishing mid-request.
	if err := g.store.Put(ctx, tok, g.ttl+time.Minute); err != nil {
		return apperr.Transient("store verification code", fmt.Errorf("store verification code: %w", err))
	}

	msg := notify.Message{
		To:      addr,
		Subject: "Your verification code",
		Body:    fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(g.ttl.Minutes())),
	}
	if err := g.sender.Send(ctx, msg); err != nil {
		// Without delivery the code is useless; drop it so the caller can re-issue.
		if delErr := g.store.Delete(ctx, addr); delErr != nil {
			log.Printf("failed to drop undelivered code for %s: %v", addr, delErr)
		}
		return fmt.Errorf("deliver verification code: %w", err)
	}
	return nil
}

// ConfirmCode checks code against the pending token for contact.
func (g *Gate) ConfirmCode(ctx context.Context, contact, code string) error {
	addr, err := subject.NormalizeEmail(contact)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return apperr.Validation("code is required")
	}

	tok, err := g.store.Get(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return ErrCodeExpired
		}
		return apperr.Transient("load verification code", fmt.Errorf("load verification code: %w", err))
	}

	if tok.Confirmed {
		if bcrypt.CompareHashAndPassword(tok.CodeHash, []byte(code)) == nil {
			return nil
		}
		return g.mismatch(ctx, addr)
	}

	if !g.now().Before(tok.ExpiresAt) {
		if err := g.store.Delete(ctx, addr); err != nil {
			log.Printf("failed to drop expired code for %s: %v", addr, err)
		}
		return ErrCodeExpired
	}

	if bcrypt.CompareHashAndPassword(tok.CodeHash, []byte(code)) != nil {
		return g.mismatch(ctx, addr)
	}

	if err := g.store.MarkConfirmed(ctx, addr, tok.CodeHash, g.ttl); err != nil {
		if errors.Is(err, ErrNoToken) {
			// Re-issued or expired between the read and the write.
			return ErrCodeExpired
		}
		return apperr.Transient("confirm verification code", fmt.Errorf("confirm verification code: %w", err))
	}
	return nil
}

// mismatch counts a wrong code against the token and burns it once the
// attempt limit is reached.
func (g *Gate) mismatch(ctx context.Context, addr string) error {
	attempts, err := g.store.IncrementAttempts(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return ErrCodeExpired
		}
		return apperr.Transient("record attempt", fmt.Errorf("record attempt: %w", err))
	}
	if attempts >= g.maxAttempts {
		if err := g.store.Delete(ctx, addr); err != nil {
			log.Printf("failed to burn code for %s: %v", addr, err)
		}
		return ErrTooManyAttempts
	}
	return ErrCodeMismatch
}

// Consume spends the confirmation for contact. The caller must present the
// confirmed code again; a wrong code counts as a failed attempt and leaves
// the confirmation in place. It succeeds at most once per confirmed code.
func (g *Gate) Consume(ctx context.Context, contact, code string) error {
	addr, err := subject.NormalizeEmail(contact)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return apperr.Validation("code is required")
	}

	tok, err := g.store.Get(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return ErrNotConfirmed
		}
		return apperr.Transient("load verification code", fmt.Errorf("load verification code: %w", err))
	}
	if !tok.Confirmed {
		return ErrNotConfirmed
	}
	if bcrypt.CompareHashAndPassword(tok.CodeHash, []byte(code)) != nil {
		return g.mismatch(ctx, addr)
	}

	if err := g.store.Consume(ctx, addr, tok.CodeHash); err != nil {
		if errors.Is(err, ErrNotConfirmed) {
			return err
		}
		return apperr.Transient("consume verification", fmt.Errorf("consume verification: %w", err))
	}
	return nil
}

// State reports the current verification state for contact.
func (g *Gate) State(ctx context.Context, contact string) (State, error) {
	addr, err := subject.NormalizeEmail(contact)
	if err != nil {
		return "", err
	}
	tok, err := g.store.Get(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return StateUnrequested, nil
		}
		return "", apperr.Transient("load verification code", fmt.Errorf("load verification code: %w", err))
	}
	switch {
	case tok.Confirmed:
		return StateConfirmed, nil
	case !g.now().Before(tok.ExpiresAt):
		return StateExpired, nil
	default:
		return StatePending, nil
	}
}

func randomDigits(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}
