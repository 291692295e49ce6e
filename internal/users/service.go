package users

import (
	"context"

	"github.com/lodestar-erp/lodestar-erp/internal/rbac"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (User, error)
	List(ctx context.Context) ([]User, error)
}

// Service handles user business logic and satisfies the resolver's
// UserDirectory port.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Get fetches a single user.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	return s.repo.Get(ctx, id)
}

// List returns all users.
func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.repo.List(ctx)
}

// FindSubject implements rbac.UserDirectory.
func (s *Service) FindSubject(ctx context.Context, userID int64) (rbac.Subject, error) {
	user, err := s.repo.Get(ctx, userID)
	if err != nil {
		return rbac.Subject{}, err
	}
	return rbac.Subject{
		ID:          user.ID,
		IsSuperuser: user.IsSuperuser,
		IsActive:    user.IsActive,
	}, nil
}
