package subject

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of identity spaces an appointment can belong to.
type Kind string

const (
	KindRegistered Kind = "registered"
	KindPast       Kind = "past"
	KindExternal   Kind = "external"
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrSubjectInUse    = errors.New("subject still has booked appointments")
	ErrUnknownKind     = errors.New("unknown subject kind")
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindRegistered, KindPast, KindExternal:
		return Kind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// Ref identifies a subject across the three identity spaces.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Subject is the resolved person an appointment is for. Provisional is true
// for external users that have not been persisted yet; their Ref.ID is empty.
type Subject struct {
	Ref         Ref
	Name        string
	Email       string
	Phone       string
	Provisional bool
}

// RegisteredUser is a self-registered account. Its lifecycle belongs to the
// auth service; this module only reads it.
type RegisteredUser struct {
	ID    string
	Name  string
	Email *string
	Phone *string
}

// Origin records how a past_users row came to exist.
type Origin string

const (
	OriginAdmin    Origin = "admin"
	OriginExternal Origin = "external"
)

// PastUser is an admin-entered walk-in, or an external user promoted after
// verification.
type PastUser struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	Origin    Origin
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p PastUser) Kind() Kind {
	if p.Origin == OriginExternal {
		return KindExternal
	}
	return KindPast
}

type EyeMeasurement struct {
	Sphere   float64
	Cylinder float64
	Axis     int
}

// EyeTest is one refraction result in a past user's history.
type EyeTest struct {
	ID         uuid.UUID
	PastUserID uuid.UUID
	TestedOn   time.Time
	Right      EyeMeasurement
	Left       EyeMeasurement
	Notes      string
	CreatedAt  time.Time
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
