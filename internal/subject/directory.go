package subject

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
)

const maxNotesLength = 2000

// Directory is the admin surface over past users and their eye-test history.
type Directory struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

func NewDirectory(store Store, timeout time.Duration) *Directory {
	return &Directory{store: store, timeout: timeout, now: time.Now}
}

type PastUserInput struct {
	Name  string
	Email string
	Phone string
}

func (in PastUserInput) normalize() (PastUserInput, error) {
	name, err := normalizeName(in.Name)
	if err != nil {
		return PastUserInput{}, err
	}
	out := PastUserInput{Name: name}
	if strings.TrimSpace(in.Email) != "" {
		email, err := NormalizeEmail(in.Email)
		if err != nil {
			return PastUserInput{}, err
		}
		out.Email = email
	}
	phone, err := normalizePhone(in.Phone)
	if err != nil {
		return PastUserInput{}, err
	}
	out.Phone = phone
	return out, nil
}

func (d *Directory) CreatePastUser(ctx context.Context, in PastUserInput) (*PastUser, error) {
	norm, err := in.normalize()
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	p, err := d.store.CreatePastUser(ctx, PastUser{
		ID:     uuid.New(),
		Name:   norm.Name,
		Email:  optional(norm.Email),
		Phone:  optional(norm.Phone),
		Origin: OriginAdmin,
	})
	if err != nil {
		return nil, apperr.Transient("create past user", fmt.Errorf("create past user: %w", err))
	}
	return p, nil
}

func (d *Directory) GetPastUser(ctx context.Context, id uuid.UUID) (*PastUser, error) {
	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	p, err := d.store.GetPastUser(ctx, id)
	if err != nil {
		return nil, apperr.Transient("get past user", fmt.Errorf("get past user: %w", err))
	}
	return p, nil
}

func (d *Directory) ListPastUsers(ctx context.Context, limit, offset int) ([]PastUser, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	users, err := d.store.ListPastUsers(ctx, limit, offset)
	if err != nil {
		return nil, apperr.Transient("list past users", fmt.Errorf("list past users: %w", err))
	}
	return users, nil
}

func (d *Directory) UpdatePastUser(ctx context.Context, id uuid.UUID, in PastUserInput) (*PastUser, error) {
	norm, err := in.normalize()
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	p, err := d.store.UpdatePastUser(ctx, PastUser{
		ID:    id,
		Name:  norm.Name,
		Email: optional(norm.Email),
		Phone: optional(norm.Phone),
	})
	if err != nil {
		return nil, apperr.Transient("update past user", fmt.Errorf("update past user: %w", err))
	}
	return p, nil
}

// DeletePastUser removes a past user. It fails with ErrSubjectInUse while
// the user still has booked appointments.
func (d *Directory) DeletePastUser(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.store.DeletePastUser(ctx, id); err != nil {
		return apperr.Transient("delete past user", fmt.Errorf("delete past user: %w", err))
	}
	return nil
}

type EyeTestInput struct {
	TestedOn time.Time
	Right    EyeMeasurement
	Left     EyeMeasurement
	Notes    string
}

func validateMeasurement(side string, m EyeMeasurement) error {
	if math.IsNaN(m.Sphere) || m.Sphere < -30 || m.Sphere > 30 {
		return apperr.Validationf("%s sphere must be between -30 and +30 dioptres", side)
	}
	if math.IsNaN(m.Cylinder) || m.Cylinder < -10 || m.Cylinder > 10 {
		return apperr.Validationf("%s cylinder must be between -10 and +10 dioptres", side)
	}
	if m.Axis < 0 || m.Axis > 180 {
		return apperr.Validationf("%s axis must be between 0 and 180 degrees", side)
	}
	return nil
}

func (d *Directory) RecordEyeTest(ctx context.Context, pastUserID uuid.UUID, in EyeTestInput) (*EyeTest, error) {
	if in.TestedOn.IsZero() {
		return nil, apperr.Validation("tested_on is required")
	}
	if in.TestedOn.After(d.now()) {
		return nil, apperr.Validation("tested_on must not be in the future")
	}
	if err := validateMeasurement("right", in.Right); err != nil {
		return nil, err
	}
	if err := validateMeasurement("left", in.Left); err != nil {
		return nil, err
	}
	notes := strings.TrimSpace(in.Notes)
	if len(notes) > maxNotesLength {
		return nil, apperr.Validationf("notes must be at most %d characters", maxNotesLength)
	}

	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	if _, err := d.store.GetPastUser(ctx, pastUserID); err != nil {
		return nil, apperr.Transient("get past user", fmt.Errorf("get past user: %w", err))
	}

	e, err := d.store.CreateEyeTest(ctx, EyeTest{
		ID:         uuid.New(),
		PastUserID: pastUserID,
		TestedOn:   in.TestedOn,
		Right:      in.Right,
		Left:       in.Left,
		Notes:      notes,
	})
	if err != nil {
		return nil, apperr.Transient("record eye test", fmt.Errorf("record eye test: %w", err))
	}
	return e, nil
}

func (d *Directory) EyeTestHistory(ctx context.Context, pastUserID uuid.UUID) ([]EyeTest, error) {
	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	if _, err := d.store.GetPastUser(ctx, pastUserID); err != nil {
		return nil, apperr.Transient("get past user", fmt.Errorf("get past user: %w", err))
	}
	tests, err := d.store.ListEyeTests(ctx, pastUserID)
	if err != nil {
		return nil, apperr.Transient("list eye tests", fmt.Errorf("list eye tests: %w", err))
	}
	return tests, nil
}
