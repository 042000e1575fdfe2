package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/solveshq/solves/v1/auth"
	"github.com/solveshq/solves/v1/auth/password"
	"github.com/solveshq/solves/v1/cache"
	"github.com/solveshq/solves/v1/database/dbtest"
	"github.com/solveshq/solves/v1/logging"
	"github.com/solveshq/solves/v1/users"
)

func init() { password.Cost = bcrypt.MinCost }

type rpcResponse struct {
	Result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type fixture struct {
	srv   *server.MCPServer
	users *users.Service
	id    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	us := users.NewService(dbtest.Open(t, users.Models()...))
	return &fixture{srv: NewServer(New(us, logging.Discard())), users: us}
}

func (f *fixture) rpc(t *testing.T, ctx context.Context, method string, params any) rpcResponse {
	t.Helper()
	f.id++
	msg, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": f.id, "method": method, "params": params})
	require.NoError(t, err)
	raw, err := json.Marshal(f.srv.HandleMessage(ctx, msg))
	require.NoError(t, err)
	var out rpcResponse
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	require.Nil(t, out.Error, string(raw))
	return out
}

func (f *fixture) call(t *testing.T, ctx context.Context, tool string, args map[string]any) (string, bool) {
	t.Helper()
	out := f.rpc(t, ctx, "tools/call", map[string]any{"name": tool, "arguments": args})
	require.NotEmpty(t, out.Result.Content)
	return out.Result.Content[0].Text, out.Result.IsError
}

func TestToolsAreListed(t *testing.T) {
	f := newFixture(t)
	out := f.rpc(t, context.Background(), "tools/list", map[string]any{})
	var names []string
	for _, tool := range out.Result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"ban_user", "create_user", "delete_user", "get_user", "list_users", "set_user_role", "unban_user"}, names)
}

func TestUserLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text, isErr := f.call(t, ctx, "create_user", map[string]any{"email": "Op@Example.com", "name": "Op", "password": "passw0rd"})
	require.False(t, isErr, text)
	var created users.User
	require.NoError(t, json.Unmarshal([]byte(text), &created))
	assert.Equal(t, "op@example.com", created.Email)
	assert.Equal(t, users.RoleUser, created.Role)
	assert.NotContains(t, text, "passw0rd")

	text, isErr = f.call(t, ctx, "get_user", map[string]any{"email": "op@example.com"})
	require.False(t, isErr, text)
	assert.Contains(t, text, created.ID)

	text, isErr = f.call(t, ctx, "set_user_role", map[string]any{"id": created.ID, "role": "admin"})
	require.False(t, isErr, text)
	assert.Contains(t, text, `"role": "admin"`)

	text, isErr = f.call(t, ctx, "ban_user", map[string]any{"id": created.ID, "reason": "spam", "days": 3})
	require.False(t, isErr, text)
	u, err := f.users.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, u.IsBanned(f.users.Now()))
	assert.Equal(t, "spam", u.BanReason)

	_, isErr = f.call(t, ctx, "unban_user", map[string]any{"id": created.ID})
	require.False(t, isErr)
	u, err = f.users.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, u.IsBanned(f.users.Now()))

	text, isErr = f.call(t, ctx, "list_users", map[string]any{"search": "op", "limit": 10})
	require.False(t, isErr, text)
	var page users.Page
	require.NoError(t, json.Unmarshal([]byte(text), &page))
	assert.EqualValues(t, 1, page.Total)

	_, isErr = f.call(t, ctx, "delete_user", map[string]any{"id": created.ID})
	require.False(t, isErr)
	text, isErr = f.call(t, ctx, "get_user", map[string]any{"id": created.ID})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")
}

func TestDomainErrorsBecomeToolErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text, isErr := f.call(t, ctx, "create_user", map[string]any{"email": "bad", "name": "x", "password": "passw0rd"})
	assert.True(t, isErr)
	assert.Contains(t, text, "email")

	text, isErr = f.call(t, ctx, "get_user", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, "id or email")

	text, isErr = f.call(t, ctx, "ban_user", map[string]any{"id": "x", "days": -1})
	assert.True(t, isErr)
	assert.Contains(t, text, "days")

	text, isErr = f.call(t, ctx, "set_user_role", map[string]any{"id": "missing", "role": "admin"})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")
}

func TestCannotDeleteSelf(t *testing.T) {
	f := newFixture(t)
	admin, err := f.users.Create(context.Background(), users.CreateInput{Email: "a@example.com", Name: "A", Password: "passw0rd", Role: users.RoleAdmin})
	require.NoError(t, err)
	ctx := WithActor(context.Background(), admin)

	text, isErr := f.call(t, ctx, "delete_user", map[string]any{"id": admin.ID})
	assert.True(t, isErr)
	assert.Contains(t, text, "your own account")
}

func TestCannotLockSelfOut(t *testing.T) {
	f := newFixture(t)
	bg := context.Background()
	admin, err := f.users.Create(bg, users.CreateInput{Email: "a@example.com", Name: "A", Password: "passw0rd", Role: users.RoleAdmin})
	require.NoError(t, err)
	ctx := WithActor(bg, admin)

	text, isErr := f.call(t, ctx, "ban_user", map[string]any{"id": admin.ID, "reason": "oops"})
	assert.True(t, isErr)
	assert.Contains(t, text, "your own account")

	text, isErr = f.call(t, ctx, "set_user_role", map[string]any{"id": admin.ID, "role": "user"})
	assert.True(t, isErr)
	assert.Contains(t, text, "your own admin role")

	text, isErr = f.call(t, ctx, "set_user_role", map[string]any{"id": admin.ID, "role": "admin"})
	assert.False(t, isErr, text)

	u, err := f.users.Get(bg, admin.ID)
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())
	assert.False(t, u.IsBanned(f.users.Now()))
}

func TestRequireAdmin(t *testing.T) {
	us := users.NewService(dbtest.Open(t, users.Models()...))
	sessions := cache.NewInMemory[auth.Session]()
	t.Cleanup(sessions.Close)
	a := auth.NewService(us, sessions, auth.Options{JWTSecret: "secret"})
	ctx := context.Background()

	member, err := us.Create(ctx, users.CreateInput{Email: "m@example.com", Name: "M", Password: "passw0rd"})
	require.NoError(t, err)
	admin, err := us.Create(ctx, users.CreateInput{Email: "a@example.com", Name: "A", Password: "passw0rd", Role: users.RoleAdmin})
	require.NoError(t, err)

	h := RequireAdmin(a, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		fmt.Fprint(w, actor.ID)
	}))
	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, EndpointPath, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := do("")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	memberToken, _, err := a.IssueToken(member)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(memberToken).Code)

	adminToken, _, err := a.IssueToken(admin)
	require.NoError(t, err)
	w = do(adminToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, admin.ID, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do("garbage").Code)
}
