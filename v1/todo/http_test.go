package todo

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/solveshq/solves/v1/auth"
	"github.com/solveshq/solves/v1/auth/password"
	"github.com/solveshq/solves/v1/cache"
	"github.com/solveshq/solves/v1/database/dbtest"
	"github.com/solveshq/solves/v1/httpapi/middleware"
	"github.com/solveshq/solves/v1/logging"
	"github.com/solveshq/solves/v1/users"
	"github.com/solveshq/solves/v1/watchbus"
)

func init() {
	password.Cost = bcrypt.MinCost
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	router *gin.Engine
	bus    *watchbus.InMemoryWatchBus
	token  string
	userID string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	db := dbtest.Open(t, append(users.Models(), Models()...)...)
	sessions := cache.NewInMemory[auth.Session]()
	t.Cleanup(sessions.Close)
	a := auth.NewService(users.NewService(db), sessions, auth.Options{JWTSecret: "s"})
	u, token, err := a.SignUp(context.Background(), users.CreateInput{Email: "t@example.com", Name: "T", Password: "passw0rd"})
	require.NoError(t, err)

	bus := watchbus.NewInMemory()
	r := middleware.Engine(logging.Discard(), nil)
	api := r.Group("/", middleware.Authenticate(a, "sid"), middleware.RequireUser())
	NewHandler(NewService(db, bus, logging.Discard()), bus).Register(api)
	return &apiFixture{router: r, bus: bus, token: token, userID: u.ID}
}

type envelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Fields  map[string]string `json:"fields"`
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestTodoREST(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, http.MethodPost, "/todos", `{"title":"ship it"}`)
	require.Equal(t, http.StatusCreated, code)
	var created Todo
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, f.userID, created.OwnerID)

	code, env = f.do(t, http.MethodPost, "/todos/"+created.ID+"/toggle", "")
	require.Equal(t, http.StatusOK, code)
	var toggled Todo
	require.NoError(t, json.Unmarshal(env.Data, &toggled))
	assert.True(t, toggled.Done)

	code, env = f.do(t, http.MethodPatch, "/todos/"+created.ID, `{"title":"ship it now"}`)
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(t, http.MethodGet, "/todos?done=true", "")
	require.Equal(t, http.StatusOK, code)
	var list []Todo
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "ship it now", list[0].Title)

	code, env = f.do(t, http.MethodDelete, "/todos/completed", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"removed":1}`, string(env.Data))

	code, env = f.do(t, http.MethodGet, "/todos/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestTodoRESTValidation(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, http.MethodPost, "/todos", `{"title":""}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)
	assert.Contains(t, env.Fields, "title")

	code, env = f.do(t, http.MethodPost, "/todos", `{`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Fields, "body")

	code, _ = f.do(t, http.MethodGet, "/todos?done=maybe", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTodoRESTRequiresUser(t *testing.T) {
	f := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/todos", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/todos", nil)
	req.Header.Set("Authorization", "Bearer not-a-session")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTodoEventsStream(t *testing.T) {
	f := newAPI(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/todos/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Errorf("get: %v", err)
			return
		}
		respCh <- resp
	}()

	key := WatchKey(f.userID)
	for i := 0; i < 100 && f.bus.Watchers(key) == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, f.bus.Watchers(key))

	code, _ := f.do(t, http.MethodPost, "/todos", `{"title":"live"}`)
	require.Equal(t, http.StatusCreated, code)

	var resp *http.Response
	select {
	case resp = <-respCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
	}
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, EventCreated, ev.Type)
}
