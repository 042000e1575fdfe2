package mcptools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/server"

	"github.com/solveshq/solves/v1/auth"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/users"
)

// EndpointPath is where the streamable HTTP transport is mounted.
const EndpointPath = "/mcp"

type actorKey struct{}

// WithActor stores the admin performing tool calls in ctx.
func WithActor(ctx context.Context, u *users.User) context.Context {
	return context.WithValue(ctx, actorKey{}, u)
}

// ActorFromContext returns the admin stored by WithActor.
func ActorFromContext(ctx context.Context) (*users.User, bool) {
	u, ok := ctx.Value(actorKey{}).(*users.User)
	return u, ok && u != nil
}

// ServeStdio serves s on in/out until ctx is done. The stdio transport is
// trusted: whoever can start the process can already reach the database.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

// HTTPHandler serves s over streamable HTTP. Every request must carry an API
// token (JWT) of a non banned admin.
func HTTPHandler(s *server.MCPServer, a *auth.Service) http.Handler {
	mcpHTTP := server.NewStreamableHTTPServer(s,
		server.WithEndpointPath(EndpointPath),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if u, ok := ActorFromContext(r.Context()); ok {
				return WithActor(ctx, u)
			}
			return ctx
		}),
	)
	return RequireAdmin(a, mcpHTTP)
}

// RequireAdmin rejects requests without a valid admin bearer token.
func RequireAdmin(a *auth.Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			writeError(w, solveserrors.Unauthorized("bearer token required"))
			return
		}
		u, err := a.ResolveToken(r.Context(), strings.TrimSpace(token))
		if err != nil {
			writeError(w, err)
			return
		}
		if !u.IsAdmin() {
			writeError(w, solveserrors.Forbidden("use", "admin tools"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), u)))
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := solveserrors.HTTPStatus(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="solves-admin"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   err.Error(),
		"code":    solveserrors.Code(err),
	})
}
