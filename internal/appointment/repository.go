package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/visioncare/eyecare-scheduling/internal/subject"
)

var (
	ErrNotFound          = errors.New("appointment not found")
	ErrSlotConflict      = errors.New("slot is already booked")
	ErrInvalidTransition = errors.New("appointment is in a terminal state")
	ErrForbidden         = errors.New("not allowed to access this appointment")
)

// Repository contains all DB interactions needed by the ledger.
type Repository interface {
	// InScheduleTx runs fn in one transaction that holds the schedule lock
	// for dayKey (YYYY-MM-DD). Conflict checks and writes for that day must
	// go through the ScheduleTx so they commit or roll back together.
	InScheduleTx(ctx context.Context, dayKey string, fn func(ctx context.Context, tx ScheduleTx) error) error

	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListBySubject(ctx context.Context, ref subject.Ref) ([]Appointment, error)
	ListActiveBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)

	// UpdateStatus only applies while the row is still in status from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
	Delete(ctx context.Context, id uuid.UUID) error

	InsertEvent(ctx context.Context, ev EventLog) error

	// Housekeeping
	ListDueReminders(ctx context.Context, from, to time.Time, limit int) ([]Appointment, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID) error
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// ScheduleTx is the locked view of one day's schedule.
type ScheduleTx interface {
	// ListActiveBetween returns non-cancelled appointments overlapping [from, to).
	ListActiveBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Insert(ctx context.Context, a Appointment) (*Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, start, end time.Time, reason *string) (*Appointment, error)
	// LockSubject holds ref's stored record until the transaction ends so it
	// cannot be deleted under a booking. It returns subject.ErrSubjectNotFound
	// once the record is gone.
	LockSubject(ctx context.Context, ref subject.Ref) error
	CreateExternalUser(ctx context.Context, p subject.PastUser) (*subject.PastUser, error)
}
