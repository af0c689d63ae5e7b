package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	redisclient "github.com/visioncare/eyecare-scheduling/internal/redis"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentDeleted     = "APPOINTMENT_DELETED"
	EventReminderSent           = "APPOINTMENT_REMINDER_SENT"
)

const maxReasonLength = 500

type SubjectResolver interface {
	Resolve(ctx context.Context, req subject.Request) (subject.Subject, error)
}

// VerificationConsumer spends a confirmed verification for a contact address.
// The caller presents the confirmed code again.
type VerificationConsumer interface {
	Consume(ctx context.Context, contact, code string) error
}

// Actor is the caller of a ledger operation. Non-admin actors are
// registered users identified by their account id.
type Actor struct {
	ID    string
	Admin bool
}

func (a Actor) owns(ref subject.Ref) bool {
	return ref.Kind == subject.KindRegistered && ref.ID == a.ID
}

type BookingRequest struct {
	Date   string
	Slot   string
	Reason string
}

// RescheduleRequest moves an appointment to a new slot. A nil Reason keeps
// the current one. When Kind is set the appointment must belong to a
// subject of that kind.
type RescheduleRequest struct {
	Date   string
	Slot   string
	Reason *string
	Kind   subject.Kind
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	hours    *calendar.BusinessHours
	resolver SubjectResolver
	gate     VerificationConsumer
	timeout  time.Duration
	now      func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, hours *calendar.BusinessHours, resolver SubjectResolver, gate VerificationConsumer, timeout time.Duration) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		hours:    hours,
		resolver: resolver,
		gate:     gate,
		timeout:  timeout,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// placement is a validated grid slot on one day.
type placement struct {
	day time.Time
	iv  calendar.Interval
}

func (p placement) dayKey() string {
	return p.day.Format(calendar.DateLayout)
}

func (p placement) lockKey() string {
	return p.dayKey() + "T" + p.iv.Start.Format("15:04")
}

func (s *Service) place(date, slot string, enforceRange bool) (placement, error) {
	day, err := s.hours.ParseDate(date)
	if err != nil {
		return placement{}, err
	}
	now := s.now()
	if enforceRange {
		if err := s.hours.CheckBookable(day, now); err != nil {
			return placement{}, err
		}
	}
	iv, err := s.hours.ResolveSlot(day, slot)
	if err != nil {
		return placement{}, err
	}
	if enforceRange && !iv.Start.After(now) {
		return placement{}, fmt.Errorf("%w: slot %s on %s has already started", calendar.ErrInvalidDateRange, slot, day.Format(calendar.DateLayout))
	}
	return placement{day: s.hours.Day(day), iv: iv}, nil
}

func normalizeReason(raw string) (string, error) {
	reason := strings.TrimSpace(raw)
	if len(reason) > maxReasonLength {
		return "", apperr.Validationf("reason must be at most %d characters", maxReasonLength)
	}
	return reason, nil
}

// BookSelf books a slot for the calling registered user.
func (s *Service) BookSelf(ctx context.Context, actor Actor, req BookingRequest) (*Appointment, error) {
	if actor.ID == "" {
		return nil, ErrForbidden
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	subj, err := s.resolver.Resolve(ctx, subject.Request{Kind: subject.KindRegistered, Identifier: actor.ID})
	if err != nil {
		return nil, err
	}
	return s.book(ctx, subj, "", req, OriginSelf)
}

// BookForSubject is the admin path. It skips the past and horizon checks but
// keeps the grid and conflict rules.
func (s *Service) BookForSubject(ctx context.Context, actor Actor, who subject.Request, req BookingRequest) (*Appointment, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if who.Contact != nil {
		return nil, apperr.Validation("admin bookings must reference an existing subject by identifier")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	subj, err := s.resolver.Resolve(ctx, who)
	if err != nil {
		return nil, err
	}
	return s.book(ctx, subj, "", req, OriginAdmin)
}

// BookExternal creates an external user and their appointment. The contact
// email must hold a confirmed verification and code must be the code that
// confirmed it. The verification is consumed only once the slot is known to
// be free.
func (s *Service) BookExternal(ctx context.Context, contact subject.Contact, code string, req BookingRequest) (*Appointment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	subj, err := s.resolver.Resolve(ctx, subject.Request{Kind: subject.KindExternal, Contact: &contact})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, apperr.Validation("code is required")
	}
	return s.book(ctx, subj, code, req, OriginSelf)
}

// book places subj into the requested slot. code is only used for
// provisional subjects.
func (s *Service) book(ctx context.Context, subj subject.Subject, code string, req BookingRequest, origin Origin) (*Appointment, error) {
	reason, err := normalizeReason(req.Reason)
	if err != nil {
		return nil, err
	}
	p, err := s.place(req.Date, req.Slot, origin == OriginSelf)
	if err != nil {
		return nil, err
	}

	var created *Appointment
	var promoted *subject.PastUser

	err = s.locker.WithSlotLock(ctx, p.lockKey(), func(lockCtx context.Context) error {
		return s.repo.InScheduleTx(lockCtx, p.dayKey(), func(txCtx context.Context, tx ScheduleTx) error {
			existing, err := tx.ListActiveBetween(txCtx, p.iv.Start, p.iv.End)
			if err != nil {
				return fmt.Errorf("check conflicts: %w", err)
			}
			if len(existing) > 0 {
				return ErrSlotConflict
			}

			ref := subj.Ref
			switch {
			case subj.Provisional:
				if err := s.gate.Consume(txCtx, subj.Email, code); err != nil {
					return err
				}
				pu, err := tx.CreateExternalUser(txCtx, subject.PastUser{
					ID:     uuid.New(),
					Name:   subj.Name,
					Email:  optionalString(subj.Email),
					Phone:  optionalString(subj.Phone),
					Origin: subject.OriginExternal,
				})
				if err != nil {
					return fmt.Errorf("create external user: %w", err)
				}
				promoted = pu
				ref = subject.Ref{Kind: subject.KindExternal, ID: pu.ID.String()}
			default:
				// Resolved before the lock; the record may have been deleted since.
				if err := tx.LockSubject(txCtx, ref); err != nil {
					return err
				}
			}

			appt, err := tx.Insert(txCtx, Appointment{
				ID:        uuid.New(),
				Subject:   ref,
				StartTime: p.iv.Start,
				EndTime:   p.iv.End,
				Reason:    reason,
				Status:    StatusBooked,
				CreatedBy: origin,
			})
			if err != nil {
				return fmt.Errorf("insert appointment: %w", err)
			}
			created = appt
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: %s is being booked by another request", ErrSlotConflict, p.lockKey())
		}
		return nil, apperr.Transient("book appointment", err)
	}

	payload := map[string]any{
		"subject":    created.Subject.String(),
		"start_time": created.StartTime,
		"created_by": created.CreatedBy,
	}
	if promoted != nil {
		payload["external_user_created"] = true
	}
	s.logEvent(ctx, created.ID, EventAppointmentBooked, payload)

	return created, nil
}

// Reschedule moves a booked appointment to another slot. Only the
// destination day is locked; the source day can only gain free slots.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	var reason *string
	if req.Reason != nil {
		r, err := normalizeReason(*req.Reason)
		if err != nil {
			return nil, err
		}
		reason = &r
	}
	p, err := s.place(req.Date, req.Slot, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var before, after *Appointment
	err = s.locker.WithSlotLock(ctx, p.lockKey(), func(lockCtx context.Context) error {
		return s.repo.InScheduleTx(lockCtx, p.dayKey(), func(txCtx context.Context, tx ScheduleTx) error {
			cur, err := tx.GetForUpdate(txCtx, id)
			if err != nil {
				return err
			}
			if req.Kind != "" && cur.Subject.Kind != req.Kind {
				return fmt.Errorf("%w: no %s appointment %s", ErrNotFound, req.Kind, id)
			}
			if cur.Status.Terminal() {
				return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, cur.Status)
			}

			existing, err := tx.ListActiveBetween(txCtx, p.iv.Start, p.iv.End)
			if err != nil {
				return fmt.Errorf("check conflicts: %w", err)
			}
			for _, other := range existing {
				if other.ID != cur.ID {
					return ErrSlotConflict
				}
			}

			updated, err := tx.Reschedule(txCtx, id, p.iv.Start, p.iv.End, reason)
			if err != nil {
				return fmt.Errorf("reschedule appointment: %w", err)
			}
			before, after = cur, updated
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: %s is being booked by another request", ErrSlotConflict, p.lockKey())
		}
		return nil, apperr.Transient("reschedule appointment", err)
	}

	s.logEvent(ctx, after.ID, EventAppointmentRescheduled, map[string]any{
		"from": before.StartTime,
		"to":   after.StartTime,
	})
	return after, nil
}

// Cancel is allowed for the owning registered user and for admins.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	a, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, a, StatusCancelled, EventAppointmentCancelled)
}

// Complete is admin only; it is normally driven by the post-visit workflow.
func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	a, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, a, StatusCompleted, EventAppointmentCompleted)
}

func (s *Service) transition(ctx context.Context, a *Appointment, to Status, eventType string) (*Appointment, error) {
	if !a.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: cannot move %s appointment to %s", ErrInvalidTransition, a.Status, to)
	}

	updated, err := s.repo.UpdateStatus(ctx, a.ID, StatusBooked, to)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, apperr.Transient("update appointment status", fmt.Errorf("update appointment status: %w", err))
		}
		// Lost a race: the row is gone or no longer booked.
		if _, getErr := s.repo.GetByID(ctx, a.ID); getErr != nil {
			return nil, apperr.Transient("load appointment", getErr)
		}
		return nil, fmt.Errorf("%w: appointment changed concurrently", ErrInvalidTransition)
	}

	s.logEvent(ctx, updated.ID, eventType, map[string]any{"from": a.Status, "to": to})
	return updated, nil
}

// Delete removes the record entirely. Admin only. When kind is set the
// appointment must belong to a subject of that kind.
func (s *Service) Delete(ctx context.Context, actor Actor, id uuid.UUID, kind subject.Kind) error {
	if !actor.Admin {
		return ErrForbidden
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	a, err := s.load(ctx, actor, id)
	if err != nil {
		return err
	}
	if kind != "" && a.Subject.Kind != kind {
		return fmt.Errorf("%w: no %s appointment %s", ErrNotFound, kind, id)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return apperr.Transient("delete appointment", err)
	}

	s.logEvent(ctx, id, EventAppointmentDeleted, map[string]any{
		"subject":    a.Subject.String(),
		"start_time": a.StartTime,
		"status":     a.Status,
	})
	return nil
}

// Get returns one appointment visible to actor.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.load(ctx, actor, id)
}

func (s *Service) load(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Transient("load appointment", fmt.Errorf("load appointment: %w", err))
	}
	if !actor.Admin && !actor.owns(a.Subject) {
		return nil, ErrForbidden
	}
	return a, nil
}

// ListForSubject returns every appointment of ref ordered by start time.
// Admins may list any subject, which must exist; users only their own.
func (s *Service) ListForSubject(ctx context.Context, actor Actor, ref subject.Ref) ([]Appointment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if !actor.owns(ref) {
		if !actor.Admin {
			return nil, ErrForbidden
		}
		subj, err := s.resolver.Resolve(ctx, subject.Request{Kind: ref.Kind, Identifier: ref.ID})
		if err != nil {
			return nil, err
		}
		ref = subj.Ref
	}

	list, err := s.repo.ListBySubject(ctx, ref)
	if err != nil {
		return nil, apperr.Transient("list appointments", fmt.Errorf("list appointments: %w", err))
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	if list == nil {
		list = []Appointment{}
	}
	return list, nil
}

// ListMine lists the calling registered user's appointments.
func (s *Service) ListMine(ctx context.Context, actor Actor) ([]Appointment, error) {
	if actor.ID == "" {
		return nil, ErrForbidden
	}
	return s.ListForSubject(ctx, actor, subject.Ref{Kind: subject.KindRegistered, ID: actor.ID})
}

// BookedIntervals reads the current non-cancelled appointments of the day
// containing date. It satisfies calendar.BookingSource.
func (s *Service) BookedIntervals(ctx context.Context, date time.Time) ([]calendar.Interval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	from := s.hours.Day(date)
	active, err := s.repo.ListActiveBetween(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, apperr.Transient("list booked intervals", fmt.Errorf("list booked intervals: %w", err))
	}
	out := make([]calendar.Interval, 0, len(active))
	for _, a := range active {
		out = append(out, a.Interval())
	}
	return out, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	logEvent(ctx, s.repo, appointmentID, eventType, payload, s.now())
}

func logEvent(ctx context.Context, repo Repository, appointmentID uuid.UUID, eventType string, payload map[string]any, at time.Time) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     at,
	}

	if err := repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s for appointment %s: %v", eventType, appointmentID, err)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
