package repository

import (
	"context"

	"constellation/backend/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Create returns domain.ErrEmailTaken when the email is already registered.
	Create(ctx context.Context, u *domain.User) error
	// SetVerified reports whether a user with id existed.
	SetVerified(ctx context.Context, id string, verified bool) (bool, error)
	ListUnverified(ctx context.Context, limit, offset int32) ([]*domain.User, error)
}
