// Package auth signs users in with cookie sessions and bearer JWTs.
//
// Sessions are opaque random tokens; the session cache is keyed by the
// SHA-256 of the token.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/solveshq/solves/v1/auth/password"
	"github.com/solveshq/solves/v1/cache"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/users"
)

const tokenBytes = 32

// Session is the server side record of a signed in browser.
type Session struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Options tune the Service.
type Options struct {
	SessionTTL time.Duration
	JWTSecret  string
	JWTTTL     time.Duration
	Issuer     string
	Logger     *slog.Logger
}

// Service authenticates users.
type Service struct {
	users    *users.Service
	sessions cache.Cache[Session]
	opts     Options
	log      *slog.Logger
	now      func() time.Time
	rand     io.Reader
}

// NewService returns a Service storing sessions in sessions.
func NewService(u *users.Service, sessions cache.Cache[Session], opts Options) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 7 * 24 * time.Hour
	}
	if opts.JWTTTL <= 0 {
		opts.JWTTTL = time.Hour
	}
	if opts.Issuer == "" {
		opts.Issuer = "solves"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{users: u, sessions: sessions, opts: opts, log: log, now: time.Now, rand: rand.Reader}
}

// SessionTTL returns how long new sessions last.
func (s *Service) SessionTTL() time.Duration { return s.opts.SessionTTL }

// SignUp creates a regular user and opens a session for it.
func (s *Service) SignUp(ctx context.Context, in users.CreateInput) (*users.User, string, error) {
	in.Role = users.RoleUser
	u, err := s.users.Create(ctx, in)
	if err != nil {
		return nil, "", err
	}
	token, err := s.openSession(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.InfoContext(ctx, "user signed up", "user_id", u.ID)
	return u, token, nil
}

// SignIn checks credentials and opens a session. Unknown emails and wrong
// passwords give the same error.
func (s *Service) SignIn(ctx context.Context, email, pass string) (*users.User, string, error) {
	u, err := s.Authenticate(ctx, email, pass)
	if err != nil {
		return nil, "", err
	}
	token, err := s.openSession(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.InfoContext(ctx, "user signed in", "user_id", u.ID)
	return u, token, nil
}

// Authenticate checks credentials without opening a session.
func (s *Service) Authenticate(ctx context.Context, email, pass string) (*users.User, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, solveserrors.ErrNotFound) {
		return nil, solveserrors.Unauthorized("invalid email or password")
	}
	if err != nil {
		return nil, err
	}
	if !password.Verify(pass, u.PasswordHash) {
		return nil, solveserrors.Unauthorized("invalid email or password")
	}
	if u.IsBanned(s.now()) {
		return nil, bannedError(u)
	}
	return u, nil
}

// SignOut ends the session of token. Unknown tokens are ignored.
func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.Invalidate(ctx, sessionKey(token))
}

// Resolve returns the user owning the session token. Sessions are never
// extended; an expired session is removed and reported as unauthorized.
func (s *Service) Resolve(ctx context.Context, token string) (*users.User, error) {
	if token == "" {
		return nil, solveserrors.Unauthorized("not signed in")
	}
	key := sessionKey(token)
	sess, ok, err := s.sessions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !ok {
		return nil, solveserrors.Unauthorized("session expired")
	}
	if !s.now().Before(sess.ExpiresAt) {
		_ = s.sessions.Invalidate(ctx, key)
		return nil, solveserrors.Unauthorized("session expired")
	}
	u, err := s.activeUser(ctx, sess.UserID)
	if err != nil {
		_ = s.sessions.Invalidate(ctx, key)
		return nil, err
	}
	return u, nil
}

func (s *Service) activeUser(ctx context.Context, id string) (*users.User, error) {
	u, err := s.users.Get(ctx, id)
	if errors.Is(err, solveserrors.ErrNotFound) {
		return nil, solveserrors.Unauthorized("account no longer exists")
	}
	if err != nil {
		return nil, err
	}
	if u.IsBanned(s.now()) {
		return nil, bannedError(u)
	}
	return u, nil
}

func (s *Service) openSession(ctx context.Context, userID string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)
	now := s.now()
	sess := Session{UserID: userID, CreatedAt: now, ExpiresAt: now.Add(s.opts.SessionTTL)}
	if err := s.sessions.Set(ctx, sessionKey(token), sess, s.opts.SessionTTL); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return token, nil
}

func sessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func bannedError(u *users.User) error {
	msg := "account is banned"
	if u.BanReason != "" {
		msg += ": " + u.BanReason
	}
	return &solveserrors.Error{Kind: solveserrors.ErrForbidden, Message: msg}
}
