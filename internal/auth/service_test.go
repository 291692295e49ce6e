package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
	_ "github.com/lodestar-erp/lodestar-erp/testing"
)

type fakeAuthRepo struct {
	users    map[string]User
	sessions map[string]int64
}

func newFakeAuthRepo() *fakeAuthRepo {
	return &fakeAuthRepo{
		users:    make(map[string]User),
		sessions: make(map[string]int64),
	}
}

func (f *fakeAuthRepo) FindByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.users[email]
	if !ok {
		return User{}, httpx.ErrNotFound
	}
	return user, nil
}

func (f *fakeAuthRepo) CreateSession(ctx context.Context, sessionID string, userID int64, expiresAt time.Time) error {
	f.sessions[sessionID] = userID
	return nil
}

func (f *fakeAuthRepo) DeleteSession(ctx context.Context, sessionID string) error {
	if _, ok := f.sessions[sessionID]; !ok {
		return httpx.ErrNotFound
	}
	delete(f.sessions, sessionID)
	return nil
}

func addUser(t *testing.T, repo *fakeAuthRepo, email, password string, active bool) User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := User{
		ID:           int64(len(repo.users) + 1),
		Email:        email,
		Name:         "Test User",
		PasswordHash: string(hash),
		IsActive:     active,
	}
	repo.users[email] = user
	return user
}

func testAuthService(repo Repository) *Service {
	return NewService(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthenticateSuccess(t *testing.T) {
	repo := newFakeAuthRepo()
	want := addUser(t, repo, "ops@example.com", "correct horse battery", true)
	svc := testAuthService(repo)

	user, err := svc.Authenticate(context.Background(), "ops@example.com", "correct horse battery")
	require.NoError(t, err)
	require.Equal(t, want.ID, user.ID)
	require.Equal(t, want.Email, user.Email)
}

func TestAuthenticateFailureModesCollapse(t *testing.T) {
	repo := newFakeAuthRepo()
	addUser(t, repo, "ops@example.com", "correct horse battery", true)
	addUser(t, repo, "gone@example.com", "whatever", false)
	svc := testAuthService(repo)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "ops@example.com", "wrong password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "whatever")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "gone@example.com", "whatever")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionLifecycle(t *testing.T) {
	repo := newFakeAuthRepo()
	svc := testAuthService(repo)
	ctx := context.Background()

	require.NoError(t, svc.RegisterSession(ctx, "sess-1", 7, time.Hour))
	require.EqualValues(t, 7, repo.sessions["sess-1"])

	require.NoError(t, svc.RemoveSession(ctx, "sess-1"))
	require.ErrorIs(t, svc.RemoveSession(ctx, "sess-1"), httpx.ErrNotFound)
}
