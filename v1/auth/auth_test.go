package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/solveshq/solves/v1/auth/password"
	"github.com/solveshq/solves/v1/cache"
	"github.com/solveshq/solves/v1/database/dbtest"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/users"
)

func init() { password.Cost = bcrypt.MinCost }

type fixture struct {
	svc   *Service
	users *users.Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	us := users.NewService(dbtest.Open(t, users.Models()...))
	sessions := cache.NewInMemory[Session]()
	t.Cleanup(sessions.Close)
	f := &fixture{users: us, now: time.Now()}
	f.svc = NewService(us, sessions, Options{SessionTTL: time.Hour, JWTSecret: "test-secret", JWTTTL: time.Minute})
	f.svc.now = func() time.Time { return f.now }
	return f
}

func signUp(t *testing.T, f *fixture, email string) (*users.User, string) {
	t.Helper()
	u, token, err := f.svc.SignUp(context.Background(), users.CreateInput{Email: email, Name: "N", Password: "passw0rd", Role: users.RoleAdmin})
	require.NoError(t, err)
	return u, token
}

func TestSignUpOpensSessionAsRegularUser(t *testing.T) {
	f := newFixture(t)
	u, token := signUp(t, f, "a@example.com")
	assert.Equal(t, users.RoleUser, u.Role, "sign up must not grant admin")
	assert.Len(t, token, 2*tokenBytes)

	got, err := f.svc.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestSignInAndOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	signUp(t, f, "a@example.com")

	_, _, err := f.svc.SignIn(ctx, "a@example.com", "wrongpass1")
	require.ErrorIs(t, err, solveserrors.ErrUnauthorized)
	_, _, err = f.svc.SignIn(ctx, "nobody@example.com", "passw0rd")
	require.ErrorIs(t, err, solveserrors.ErrUnauthorized)

	_, token, err := f.svc.SignIn(ctx, "A@Example.com", "passw0rd")
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, token)
	require.NoError(t, err)

	require.NoError(t, f.svc.SignOut(ctx, token))
	_, err = f.svc.Resolve(ctx, token)
	require.ErrorIs(t, err, solveserrors.ErrUnauthorized)
	require.NoError(t, f.svc.SignOut(ctx, ""))
}

func TestSignInRejectsBanned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, token := signUp(t, f, "b@example.com")

	until := time.Now().Add(time.Hour)
	_, err := f.users.Ban(ctx, u.ID, "abuse", &until)
	require.NoError(t, err)

	_, _, err = f.svc.SignIn(ctx, "b@example.com", "passw0rd")
	require.ErrorIs(t, err, solveserrors.ErrForbidden)
	assert.Contains(t, err.Error(), "abuse")

	_, err = f.svc.Resolve(ctx, token)
	require.ErrorIs(t, err, solveserrors.ErrForbidden)

	f.now = f.now.Add(2 * time.Hour)
	_, _, err = f.svc.SignIn(ctx, "b@example.com", "passw0rd")
	require.NoError(t, err, "expired ban must not block sign in")
}

func TestResolveExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, token := signUp(t, f, "c@example.com")

	f.now = f.now.Add(59 * time.Minute)
	_, err := f.svc.Resolve(ctx, token)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.svc.Resolve(ctx, token)
	require.ErrorIs(t, err, solveserrors.ErrUnauthorized)

	f.now = f.now.Add(-30 * time.Minute)
	_, err = f.svc.Resolve(ctx, token)
	require.ErrorIs(t, err, solveserrors.ErrUnauthorized, "expired session must have been removed")
}

func TestResolveDeletedUser(t *testing.T) {
	f := newFixture(t)
	u, token := signUp(t, f, "d@example.com")
	require.NoError(t, f.users.Delete(context.Background(), u.ID))
	_, err := f.svc.Resolve(context.Background(), token)
	require.ErrorIs(t, err, solveserrors.ErrUnauthorized)
	_, err = f.svc.Resolve(context.Background(), "")
	require.ErrorIs(t, err, solveserrors.ErrUnauthorized)
}

func TestSessionKeyHidesToken(t *testing.T) {
	k := sessionKey("abc")
	assert.Len(t, k, 64)
	assert.NotContains(t, k, "abc")
}
