package subject

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
)

const maxNameLength = 120

// Contact is the creation payload for an external user.
type Contact struct {
	Name  string
	Email string
	Phone string
}

// Request asks the resolver for one subject. Identifier is used for
// registered and past users, and for already-persisted external users;
// Contact is used to build a provisional external user.
type Request struct {
	Kind       Kind
	Identifier string
	Contact    *Contact
}

type Resolver struct {
	store   Store
	timeout time.Duration
}

func NewResolver(store Store, timeout time.Duration) *Resolver {
	return &Resolver{store: store, timeout: timeout}
}

// Resolve maps a request to exactly one subject. It never persists anything.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Subject, error) {
	switch req.Kind {
	case KindRegistered:
		return r.registered(ctx, req.Identifier)
	case KindPast:
		return r.past(ctx, req.Identifier, KindPast)
	case KindExternal:
		if req.Contact != nil {
			return ProvisionalExternal(*req.Contact)
		}
		return r.past(ctx, req.Identifier, KindExternal)
	default:
		return Subject{}, apperr.Validationf("subject kind %q is not one of registered, past, external", req.Kind)
	}
}

func (r *Resolver) registered(ctx context.Context, id string) (Subject, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Subject{}, apperr.Validation("identifier is required")
	}

	lookupCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	u, err := r.store.GetRegisteredUser(lookupCtx, id)
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return Subject{}, fmt.Errorf("registered user %s: %w", id, err)
		}
		return Subject{}, apperr.Transient("lookup registered user", fmt.Errorf("lookup registered user: %w", err))
	}

	return Subject{
		Ref:   Ref{Kind: KindRegistered, ID: u.ID},
		Name:  u.Name,
		Email: deref(u.Email),
		Phone: deref(u.Phone),
	}, nil
}

func (r *Resolver) past(ctx context.Context, raw string, want Kind) (Subject, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Subject{}, apperr.Validationf("identifier %q must be a valid UUID", raw)
	}

	lookupCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	p, err := r.store.GetPastUser(lookupCtx, id)
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return Subject{}, fmt.Errorf("%s user %s: %w", want, id, err)
		}
		return Subject{}, apperr.Transient("lookup past user", fmt.Errorf("lookup past user: %w", err))
	}
	// External users share storage with past users but live in their own
	// identity space.
	if p.Kind() != want {
		return Subject{}, fmt.Errorf("%s user %s: %w", want, id, ErrSubjectNotFound)
	}

	return Subject{
		Ref:   Ref{Kind: want, ID: p.ID.String()},
		Name:  p.Name,
		Email: deref(p.Email),
		Phone: deref(p.Phone),
	}, nil
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, r.timeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ProvisionalExternal validates an external user's contact details and
// returns an unpersisted subject.
func ProvisionalExternal(c Contact) (Subject, error) {
	name, err := normalizeName(c.Name)
	if err != nil {
		return Subject{}, err
	}
	email, err := NormalizeEmail(c.Email)
	if err != nil {
		return Subject{}, err
	}
	phone, err := normalizePhone(c.Phone)
	if err != nil {
		return Subject{}, err
	}
	return Subject{
		Ref:         Ref{Kind: KindExternal},
		Name:        name,
		Email:       email,
		Phone:       phone,
		Provisional: true,
	}, nil
}

func normalizeName(raw string) (string, error) {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return "", apperr.Validation("name is required")
	}
	if len(name) > maxNameLength {
		return "", apperr.Validationf("name must be at most %d characters", maxNameLength)
	}
	return name, nil
}

// NormalizeEmail lower-cases and validates a bare email address.
func NormalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", apperr.Validation("email is required")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed || !strings.Contains(addr.Address, "@") {
		return "", apperr.Validationf("email %q is not a valid address", raw)
	}
	return strings.ToLower(addr.Address), nil
}

// normalizePhone accepts an optional phone number of digits with common
// separators and an optional leading plus.
func normalizePhone(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	digits := 0
	for i, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", apperr.Validationf("phone %q contains invalid characters", raw)
		}
	}
	if digits < 7 || digits > 15 {
		return "", apperr.Validationf("phone %q must have 7 to 15 digits", raw)
	}
	return trimmed, nil
}
