package subject

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visioncare/eyecare-scheduling/internal/db"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

// storeError keeps this package's sentinels and marks connectivity failures
// as transient.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrSubjectNotFound
	case errors.Is(err, ErrSubjectNotFound), errors.Is(err, ErrSubjectInUse):
		return err
	}
	return db.StoreError(op, err)
}

func scanRegisteredUser(row pgx.Row) (*RegisteredUser, error) {
	var u RegisteredUser

	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubjectNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ScanPastUser scans the column list id, name, email, phone, origin,
// created_at, updated_at.
func ScanPastUser(row pgx.Row) (*PastUser, error) {
	var p PastUser

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.Origin,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubjectNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanEyeTest(row pgx.Row) (*EyeTest, error) {
	var e EyeTest

	err := row.Scan(
		&e.ID,
		&e.PastUserID,
		&e.TestedOn,
		&e.Right.Sphere,
		&e.Right.Cylinder,
		&e.Right.Axis,
		&e.Left.Sphere,
		&e.Left.Cylinder,
		&e.Left.Axis,
		&e.Notes,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubjectNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Interface methods

func (s *PgStore) GetRegisteredUser(ctx context.Context, id string) (*RegisteredUser, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, email, phone
		FROM users
		WHERE id = $1
	`, id)
	u, err := scanRegisteredUser(row)
	return u, storeError("get registered user", err)
}

func (s *PgStore) GetPastUser(ctx context.Context, id uuid.UUID) (*PastUser, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, origin, created_at, updated_at
		FROM past_users
		WHERE id = $1
	`, id)
	p, err := ScanPastUser(row)
	return p, storeError("get past user", err)
}

func (s *PgStore) ListPastUsers(ctx context.Context, limit, offset int) ([]PastUser, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, phone, origin, created_at, updated_at
		FROM past_users
		ORDER BY name ASC, id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, storeError("list past users", err)
	}
	defer rows.Close()

	result := []PastUser{}
	for rows.Next() {
		p, err := ScanPastUser(rows)
		if err != nil {
			return nil, storeError("list past users", err)
		}
		result = append(result, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, storeError("list past users", err)
	}

	return result, nil
}

func (s *PgStore) CreatePastUser(ctx context.Context, p PastUser) (*PastUser, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO past_users (id, name, email, phone, origin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING id, name, email, phone, origin, created_at, updated_at
	`, p.ID, p.Name, p.Email, p.Phone, p.Origin)
	out, err := ScanPastUser(row)
	return out, storeError("create past user", err)
}

func (s *PgStore) UpdatePastUser(ctx context.Context, p PastUser) (*PastUser, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE past_users
		SET name = $2,
		    email = $3,
		    phone = $4,
		    updated_at = now()
		WHERE id = $1
		RETURNING id, name, email, phone, origin, created_at, updated_at
	`, p.ID, p.Name, p.Email, p.Phone)
	out, err := ScanPastUser(row)
	return out, storeError("update past user", err)
}

// DeletePastUser locks the row before checking for booked appointments.
// Bookings hold a share lock on the same row inside their schedule
// transaction, so a delete waits for in-flight bookings to commit and new
// bookings wait for the delete.
func (s *PgStore) DeletePastUser(ctx context.Context, id uuid.UUID) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT id
			FROM past_users
			WHERE id = $1
			FOR UPDATE
		`, id).Scan(&locked)
		if err != nil {
			return err
		}

		// Runs on a fresh snapshot, so bookings committed while we waited
		// for the row lock are visible.
		var inUse bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM appointments
				WHERE subject_kind IN ('past', 'external')
				  AND subject_id = $1
				  AND status = 'booked'
			)
		`, id.String()).Scan(&inUse)
		if err != nil {
			return err
		}
		if inUse {
			return ErrSubjectInUse
		}

		_, err = tx.Exec(ctx, `DELETE FROM past_users WHERE id = $1`, id)
		return err
	})
	return storeError("delete past user", err)
}

func (s *PgStore) ListEyeTests(ctx context.Context, pastUserID uuid.UUID) ([]EyeTest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, past_user_id, tested_on,
		       right_sphere, right_cylinder, right_axis,
		       left_sphere, left_cylinder, left_axis,
		       notes, created_at
		FROM eye_tests
		WHERE past_user_id = $1
		ORDER BY tested_on DESC, created_at DESC
	`, pastUserID)
	if err != nil {
		return nil, storeError("list eye tests", err)
	}
	defer rows.Close()

	result := []EyeTest{}
	for rows.Next() {
		e, err := scanEyeTest(rows)
		if err != nil {
			return nil, storeError("list eye tests", err)
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, storeError("list eye tests", err)
	}

	return result, nil
}

func (s *PgStore) CreateEyeTest(ctx context.Context, e EyeTest) (*EyeTest, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO eye_tests (
			id, past_user_id, tested_on,
			right_sphere, right_cylinder, right_axis,
			left_sphere, left_cylinder, left_axis,
			notes, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		RETURNING id, past_user_id, tested_on,
		          right_sphere, right_cylinder, right_axis,
		          left_sphere, left_cylinder, left_axis,
		          notes, created_at
	`, e.ID, e.PastUserID, e.TestedOn,
		e.Right.Sphere, e.Right.Cylinder, e.Right.Axis,
		e.Left.Sphere, e.Left.Cylinder, e.Left.Axis,
		e.Notes)
	out, err := scanEyeTest(row)
	return out, storeError("create eye test", err)
}
