package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visioncare/eyecare-scheduling/internal/db"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
)

const overlapConstraint = "appointments_no_overlap"

const appointmentColumns = `id, subject_kind, subject_id, start_time, end_time, reason, status, created_by, reminder_sent, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.Subject.Kind,
		&a.Subject.ID,
		&a.StartTime,
		&a.EndTime,
		&a.Reason,
		&a.Status,
		&a.CreatedBy,
		&a.ReminderSent,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// storeError maps driver errors onto this package's errors. An exclusion
// violation on the overlap constraint is the last line of defence behind the
// schedule lock and reads as ErrSlotConflict. Connectivity failures come back
// as apperr.ErrTransient.
func storeError(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSlotConflict), errors.Is(err, subject.ErrSubjectNotFound):
		return err
	case errors.As(err, &pgErr) && pgErr.Code == "23P01" && pgErr.ConstraintName == overlapConstraint:
		return ErrSlotConflict
	}
	return db.StoreError(op, err)
}

func listActiveBetween(ctx context.Context, q querier, from, to time.Time) ([]Appointment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status <> 'cancelled'
		  AND start_time < $2
		  AND end_time > $1
		ORDER BY start_time ASC
	`, from, to)
	if err != nil {
		return nil, storeError("list active appointments", err)
	}
	out, err := collectAppointments(rows)
	return out, storeError("list active appointments", err)
}

// Interface methods

func (r *PgRepository) InScheduleTx(ctx context.Context, dayKey string, fn func(ctx context.Context, tx ScheduleTx) error) error {
	var fnErr error
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "schedule:"+dayKey); err != nil {
			return fmt.Errorf("lock schedule %s: %w", dayKey, err)
		}
		fnErr = fn(ctx, scheduleTx{tx: tx})
		return fnErr
	})
	if err != nil && fnErr == nil {
		// Begin, lock or commit failed.
		return storeError("schedule transaction "+dayKey, err)
	}
	return err
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	a, err := scanAppointment(row)
	return a, storeError("get appointment", err)
}

func (r *PgRepository) ListBySubject(ctx context.Context, ref subject.Ref) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE subject_kind = $1
		  AND subject_id = $2
		ORDER BY start_time ASC, created_at ASC
	`, ref.Kind, ref.ID)
	if err != nil {
		return nil, storeError("list subject appointments", err)
	}
	out, err := collectAppointments(rows)
	return out, storeError("list subject appointments", err)
}

func (r *PgRepository) ListActiveBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return listActiveBetween(ctx, r.pool, from, to)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns, id, to, from)
	a, err := scanAppointment(row)
	return a, storeError("update appointment status", err)
}

func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return storeError("delete appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return storeError("insert event log", err)
	}
	return nil
}

func (r *PgRepository) ListDueReminders(ctx context.Context, from, to time.Time, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'booked'
		  AND reminder_sent = false
		  AND start_time >= $1
		  AND start_time < $2
		ORDER BY start_time ASC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, storeError("list due reminders", err)
	}
	out, err := collectAppointments(rows)
	return out, storeError("list due reminders", err)
}

func (r *PgRepository) MarkReminderSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET reminder_sent = true,
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return storeError("mark reminder sent", err)
	}
	return nil
}

func (r *PgRepository) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM event_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, storeError("prune event logs", err)
	}
	return tag.RowsAffected(), nil
}

type scheduleTx struct {
	tx pgx.Tx
}

func (s scheduleTx) ListActiveBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return listActiveBetween(ctx, s.tx, from, to)
}

func (s scheduleTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	a, err := scanAppointment(row)
	return a, storeError("lock appointment", err)
}

func (s scheduleTx) Insert(ctx context.Context, a Appointment) (*Appointment, error) {
	row := s.tx.QueryRow(ctx, `
		INSERT INTO appointments (id, subject_kind, subject_id, start_time, end_time, reason, status, created_by, reminder_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.Subject.Kind, a.Subject.ID, a.StartTime, a.EndTime, a.Reason, a.Status, a.CreatedBy)
	out, err := scanAppointment(row)
	if err != nil {
		return nil, storeError("insert appointment", err)
	}
	return out, nil
}

func (s scheduleTx) Reschedule(ctx context.Context, id uuid.UUID, start, end time.Time, reason *string) (*Appointment, error) {
	row := s.tx.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $2,
		    end_time = $3,
		    reason = COALESCE($4, reason),
		    reminder_sent = false,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns, id, start, end, reason)
	out, err := scanAppointment(row)
	if err != nil {
		return nil, storeError("reschedule appointment", err)
	}
	return out, nil
}

// LockSubject takes a share lock on the past_users row behind ref until the
// transaction ends, so the record cannot be deleted under a booking.
// Registered users are owned elsewhere and are not locked.
func (s scheduleTx) LockSubject(ctx context.Context, ref subject.Ref) error {
	var origin subject.Origin
	switch ref.Kind {
	case subject.KindPast:
		origin = subject.OriginAdmin
	case subject.KindExternal:
		origin = subject.OriginExternal
	default:
		return nil
	}
	id, err := uuid.Parse(ref.ID)
	if err != nil {
		return fmt.Errorf("%s user %s: %w", ref.Kind, ref.ID, subject.ErrSubjectNotFound)
	}

	var one int
	err = s.tx.QueryRow(ctx, `
		SELECT 1
		FROM past_users
		WHERE id = $1
		  AND origin = $2
		FOR SHARE
	`, id, origin).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s user %s: %w", ref.Kind, ref.ID, subject.ErrSubjectNotFound)
	}
	return storeError("lock subject", err)
}

func (s scheduleTx) CreateExternalUser(ctx context.Context, p subject.PastUser) (*subject.PastUser, error) {
	row := s.tx.QueryRow(ctx, `
		INSERT INTO past_users (id, name, email, phone, origin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'external', now(), now())
		RETURNING id, name, email, phone, origin, created_at, updated_at
	`, p.ID, p.Name, p.Email, p.Phone)
	out, err := subject.ScanPastUser(row)
	if err != nil {
		return nil, db.StoreError("create external user", err)
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
