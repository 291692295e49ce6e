package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
)

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Authenticate verifies email/password and returns the user on success.
// Any failure mode maps to ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, httpx.ErrNotFound) {
			s.logger.Error("auth lookup failed", "error", err)
		}
		// Burn a comparison on a fixed hash so unknown accounts take the
		// same time as wrong passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0q3kCkW0v9v6q0cFQyC1yR6oK7m"), []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) RegisterSession(ctx context.Context, sessionID string, userID int64, ttl time.Duration) error {
	return s.repo.CreateSession(ctx, sessionID, userID, time.Now().Add(ttl))
}

func (s *Service) RemoveSession(ctx context.Context, sessionID string) error {
	return s.repo.DeleteSession(ctx, sessionID)
}
