// Package middleware holds the gin middleware shared by the solves HTTP
// services.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-uuid"

	"github.com/solveshq/solves/v1/auth"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/httpapi/respond"
	"github.com/solveshq/solves/v1/logging"
	"github.com/solveshq/solves/v1/metrics"
	"github.com/solveshq/solves/v1/users"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const (
	requestIDKey = "request_id"
	userKey      = "user"
	sessionKey   = "session_token"
)

// Engine returns a gin engine running RequestID, AccessLog, Recovery and,
// when m is set, the HTTP metrics middleware.
func Engine(log *slog.Logger, m *metrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(RequestID(), AccessLog(log), Recovery())
	if m != nil {
		r.Use(m.Middleware())
	}
	r.NoRoute(func(c *gin.Context) {
		respond.Error(c, solveserrors.NotFound("route", c.Request.URL.Path))
	})
	return r
}

// RequestID assigns every request an id, reusing a sane incoming one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			var err error
			if id, err = uuid.GenerateUUID(); err != nil {
				id = fmt.Sprintf("%d", time.Now().UnixNano())
			}
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id assigned by RequestID.
func GetRequestID(c *gin.Context) string { return c.GetString(requestIDKey) }

// AccessLog stores a request scoped logger in the request context and logs
// one line per request once it completes.
func AccessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLog := log.With("request_id", GetRequestID(c))
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), reqLog))
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		reqLog.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// Recovery turns a panic into a 500 envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if r == http.ErrAbortHandler {
					panic(r)
				}
				logging.FromContext(c.Request.Context()).Error("panic recovered",
					"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				respond.Error(c, solveserrors.Internal("panic", fmt.Errorf("%v", r)))
			}
		}()
		c.Next()
	}
}

type userCtxKey struct{}

// UserFromContext returns the user stored by Authenticate in a request
// context, for plain net/http handlers mounted under gin.
func UserFromContext(ctx context.Context) (*users.User, bool) {
	u, ok := ctx.Value(userCtxKey{}).(*users.User)
	return u, ok && u != nil
}

// CurrentUser returns the authenticated user, or nil.
func CurrentUser(c *gin.Context) *users.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, _ := v.(*users.User)
	return u
}

// SessionToken returns the session token the request authenticated with.
func SessionToken(c *gin.Context) string { return c.GetString(sessionKey) }

// Authenticate resolves the caller from a bearer token or the session
// cookie. A bearer value containing dots is treated as an API token (JWT),
// anything else as a session token. Requests without credentials pass
// through anonymously, as do requests carrying an expired session cookie.
func Authenticate(a *auth.Service, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, fromHeader := bearer(c.GetHeader("Authorization"))
		if !fromHeader && cookieName != "" {
			token, _ = c.Cookie(cookieName)
		}
		if token == "" {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		var (
			u   *users.User
			err error
		)
		isJWT := fromHeader && strings.Count(token, ".") == 2
		if isJWT {
			u, err = a.ResolveToken(ctx, token)
		} else {
			u, err = a.Resolve(ctx, token)
		}
		if err != nil {
			if fromHeader || errors.Is(err, solveserrors.ErrForbidden) {
				respond.Error(c, err)
				return
			}
			// stale cookie: drop it and continue anonymously
			c.SetCookie(cookieName, "", -1, "/", "", false, true)
			c.Next()
			return
		}
		if !isJWT {
			c.Set(sessionKey, token)
		}
		c.Set(userKey, u)
		reqCtx := context.WithValue(ctx, userCtxKey{}, u)
		reqCtx = logging.WithLogger(reqCtx, logging.FromContext(ctx).With("user_id", u.ID))
		c.Request = c.Request.WithContext(reqCtx)
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireUser rejects anonymous requests.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == nil {
			respond.Error(c, solveserrors.Unauthorized("not signed in"))
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		u := CurrentUser(c)
		if u == nil {
			respond.Error(c, solveserrors.Unauthorized("not signed in"))
			return
		}
		if !u.IsAdmin() {
			respond.Error(c, solveserrors.Forbidden("access", "admin area"))
			return
		}
		c.Next()
	}
}
