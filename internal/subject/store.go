package subject

import (
	"context"

	"github.com/google/uuid"
)

// Store reads registered users and owns past users and their eye tests.
type Store interface {
	GetRegisteredUser(ctx context.Context, id string) (*RegisteredUser, error)

	GetPastUser(ctx context.Context, id uuid.UUID) (*PastUser, error)
	ListPastUsers(ctx context.Context, limit, offset int) ([]PastUser, error)
	CreatePastUser(ctx context.Context, p PastUser) (*PastUser, error)
	UpdatePastUser(ctx context.Context, p PastUser) (*PastUser, error)
	DeletePastUser(ctx context.Context, id uuid.UUID) error

	ListEyeTests(ctx context.Context, pastUserID uuid.UUID) ([]EyeTest, error)
	CreateEyeTest(ctx context.Context, e EyeTest) (*EyeTest, error)
}
