package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/solveshq/solves/v1/adapter"
	"github.com/solveshq/solves/v1/ai"
	"github.com/solveshq/solves/v1/auth"
	"github.com/solveshq/solves/v1/auth/password"
	"github.com/solveshq/solves/v1/billing"
	"github.com/solveshq/solves/v1/cache"
	"github.com/solveshq/solves/v1/database/dbtest"
	"github.com/solveshq/solves/v1/lock"
	"github.com/solveshq/solves/v1/logging"
	"github.com/solveshq/solves/v1/metrics"
	"github.com/solveshq/solves/v1/policy"
	"github.com/solveshq/solves/v1/pricing"
	"github.com/solveshq/solves/v1/solve"
	"github.com/solveshq/solves/v1/users"
	"github.com/solveshq/solves/v1/watchbus"
	"github.com/solveshq/solves/v1/workbook"
)

func init() {
	password.Cost = bcrypt.MinCost
	gin.SetMode(gin.TestMode)
}

// stubModel answers every chat request with a fixed content message.
type stubModel struct{ content string }

func (m stubModel) Chat(context.Context, ai.Request) (*ai.Response, error) {
	return &ai.Response{Model: "stub", Choices: []ai.Choice{{Message: ai.Message{Role: "assistant", Content: m.content}}}}, nil
}

type fixture struct {
	router *gin.Engine
	svc    Services
	tokens map[string]string
	ids    map[string]string
}

func newFixture(t *testing.T, model ai.Client) *fixture {
	t.Helper()
	var models []any
	for _, m := range [][]any{users.Models(), billing.Models(), pricing.Models(), policy.Models(), workbook.Models(), solve.Models()} {
		models = append(models, m...)
	}
	db := dbtest.Open(t, models...)
	sessions := cache.NewInMemory[auth.Session]()
	t.Cleanup(sessions.Close)
	locks := lock.NewInMemory(nil)
	prices, err := pricing.NewService(db, nil)
	require.NoError(t, err)
	t.Cleanup(prices.Close)

	us := users.NewService(db)
	wb := workbook.NewService(db)
	bus := watchbus.NewInMemory()
	svc := Services{
		DB:        db,
		Users:     us,
		Auth:      auth.NewService(us, sessions, auth.Options{JWTSecret: "test-secret"}),
		Billing:   billing.NewService(db, locks),
		Pricing:   prices,
		Policies:  policy.NewService(db),
		Workbooks: wb,
		Solve:     solve.NewService(db, wb, adapter.NewInMemoryStore[solve.Progress](), locks, bus, logging.Discard()),
		Watch:     bus,
	}
	if model != nil {
		svc.Generator = ai.NewGenerator(model, prices, locks, ai.Options{Logger: logging.Discard()})
	}
	reg := metrics.NewRegistry()
	set := metrics.Register(reg)
	f := &fixture{
		router: NewRouter(svc, Options{Logger: logging.Discard(), Metrics: set.HTTP, Gatherer: reg}),
		svc:    svc,
		tokens: map[string]string{},
		ids:    map[string]string{},
	}

	ctx := context.Background()
	for _, name := range []string{"admin", "author", "learner"} {
		role := users.RoleUser
		if name == "admin" {
			role = users.RoleAdmin
		}
		u, err := us.Create(ctx, users.CreateInput{Email: name + "@example.com", Name: name, Password: "passw0rd", Role: role})
		require.NoError(t, err)
		_, token, err := svc.Auth.SignIn(ctx, u.Email, "passw0rd")
		require.NoError(t, err)
		f.tokens[name] = token
		f.ids[name] = u.ID
	}
	return f
}

type envelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Fields  map[string]string `json:"fields"`
}

// do sends a request as who; an empty who is anonymous.
func (f *fixture) do(t *testing.T, who, method, path, body string) (int, envelope) {
	t.Helper()
	w := f.raw(who, method, path, body)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (f *fixture) raw(who, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[who])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), string(env.Data))
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	code, env := f.do(t, "", http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	w := f.raw("", http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "solves_http_requests_total")
}

func TestSignUpSetsCookie(t *testing.T) {
	f := newFixture(t, nil)

	w := f.raw("", http.MethodPost, "/api/auth/sign-up", `{"email":"new@example.com","name":"New","password":"passw0rd","role":"admin"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "solves_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(cookies[0])
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	me := decode[meResponse](t, env)
	assert.Equal(t, users.RoleUser, me.User.Role)
	assert.Empty(t, me.PendingPolicies)
}

func TestSignInRejectsBadPassword(t *testing.T) {
	f := newFixture(t, nil)
	code, env := f.do(t, "", http.MethodPost, "/api/auth/sign-in", `{"email":"author@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHORIZED", env.Code)
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t, nil)
	code, env := f.do(t, "author", http.MethodPost, "/api/workbooks", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)
	assert.Contains(t, env.Fields, "body")
}

func TestPendingPolicies(t *testing.T) {
	f := newFixture(t, nil)

	code, env := f.do(t, "admin", http.MethodPost, "/api/admin/policies", `{"kind":"terms","title":"Terms","body":"Be nice."}`)
	require.Equal(t, http.StatusCreated, code)
	draft := decode[policy.Policy](t, env)
	code, _ = f.do(t, "admin", http.MethodPost, "/api/admin/policies/"+draft.ID+"/publish", "")
	require.Equal(t, http.StatusOK, code)

	_, env = f.do(t, "learner", http.MethodGet, "/api/auth/me", "")
	assert.Equal(t, []string{policy.KindTerms}, decode[meResponse](t, env).PendingPolicies)

	code, env = f.do(t, "", http.MethodGet, "/api/policies/terms", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, draft.ID, decode[policy.Policy](t, env).ID)

	code, _ = f.do(t, "learner", http.MethodPost, "/api/policies/"+draft.ID+"/accept", "")
	require.Equal(t, http.StatusOK, code)
	_, env = f.do(t, "learner", http.MethodGet, "/api/auth/me", "")
	assert.Empty(t, decode[meResponse](t, env).PendingPolicies)
}

func TestAdminRoutesNeedAdmin(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(t, "", http.MethodGet, "/api/admin/plans", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, "learner", http.MethodGet, "/api/admin/plans", "")
	assert.Equal(t, http.StatusForbidden, code)

	code, env := f.do(t, "admin", http.MethodPost, "/api/admin/plans", `{"slug":"pro","name":"Pro","active":true}`)
	require.Equal(t, http.StatusCreated, code)
	plan := decode[billing.Plan](t, env)

	code, env = f.do(t, "", http.MethodGet, "/api/plans", "")
	require.Equal(t, http.StatusOK, code)
	catalog := decode[[]billing.Plan](t, env)
	require.Len(t, catalog, 1)
	assert.Equal(t, plan.ID, catalog[0].ID)

	code, env = f.do(t, "admin", http.MethodPut, "/api/admin/plans/"+plan.ID+"/active", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Fields, "active")
}

func TestAdminCannotLockThemselvesOut(t *testing.T) {
	f := newFixture(t, nil)
	self := f.ids["admin"]

	code, env := f.do(t, "admin", http.MethodPut, "/api/admin/users/"+self+"/role", `{"role":"user"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", env.Code)
	code, _ = f.do(t, "admin", http.MethodPost, "/api/admin/users/"+self+"/ban", `{"days":1}`)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = f.do(t, "admin", http.MethodDelete, "/api/admin/users/"+self, "")
	assert.Equal(t, http.StatusConflict, code)

	code, env = f.do(t, "admin", http.MethodPost, "/api/admin/users/"+f.ids["learner"]+"/ban", `{"reason":"spam","days":2}`)
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, decode[users.User](t, env).BanExpires)

	code, _ = f.do(t, "learner", http.MethodGet, "/api/auth/me", "")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestBanDaysAreBounded(t *testing.T) {
	f := newFixture(t, nil)
	target := "/api/admin/users/" + f.ids["learner"] + "/ban"

	code, env := f.do(t, "admin", http.MethodPost, target, `{"days":9223372036854775807}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Fields, "days")

	code, env = f.do(t, "admin", http.MethodPost, target, `{"days":3651}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Fields, "days")

	code, env = f.do(t, "admin", http.MethodPost, target, `{"days":3650}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.NotNil(t, decode[users.User](t, env).BanExpires)
}

const capitals = `{"blocks":[
	{"type":"free_response","question":"Capital of France?","answer":{"accepted":["Paris"]},"explanation":"Since 508"},
	{"type":"true_false","question":"Rome is in Spain","answer":{"value":false}}
]}`

func (f *fixture) publishedWorkbook(t *testing.T) workbook.Workbook {
	t.Helper()
	code, env := f.do(t, "author", http.MethodPost, "/api/workbooks", `{"title":"Capitals","tags":["Geo"]}`)
	require.Equal(t, http.StatusCreated, code)
	w := decode[workbook.Workbook](t, env)

	code, env = f.do(t, "author", http.MethodPost, "/api/workbooks/"+w.ID+"/blocks/batch", capitals)
	require.Equal(t, http.StatusCreated, code, env.Error)
	code, env = f.do(t, "author", http.MethodPost, "/api/workbooks/"+w.ID+"/publish", "")
	require.Equal(t, http.StatusOK, code, env.Error)
	return decode[workbook.Workbook](t, env)
}

func TestWorkbookVisibility(t *testing.T) {
	f := newFixture(t, nil)

	code, env := f.do(t, "author", http.MethodPost, "/api/workbooks", `{"title":"Draft"}`)
	require.Equal(t, http.StatusCreated, code)
	draft := decode[workbook.Workbook](t, env)

	code, _ = f.do(t, "", http.MethodGet, "/api/workbooks/"+draft.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, "learner", http.MethodPut, "/api/workbooks/"+draft.ID, `{"title":"Mine now"}`)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = f.do(t, "", http.MethodPost, "/api/workbooks", `{"title":"Anon"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	w := f.publishedWorkbook(t)
	code, env = f.do(t, "", http.MethodGet, "/api/workbooks/"+w.ID, "")
	require.Equal(t, http.StatusOK, code)
	public := decode[workbook.Workbook](t, env)
	require.Len(t, public.Blocks, 2)
	assert.Empty(t, public.Blocks[0].Answer)
	assert.Empty(t, public.Blocks[0].Explanation)

	_, env = f.do(t, "", http.MethodGet, "/api/workbooks?tag=geo", "")
	page := decode[workbookPage](t, env)
	assert.EqualValues(t, 1, page.Total)

	_, env = f.do(t, "author", http.MethodGet, "/api/workbooks?mine=true", "")
	assert.EqualValues(t, 2, decode[workbookPage](t, env).Total)

	code, _ = f.do(t, "", http.MethodGet, "/api/workbooks?mine=true", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, env = f.do(t, "", http.MethodGet, "/api/workbooks?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Fields, "limit")
}

func TestEditBlocks(t *testing.T) {
	f := newFixture(t, nil)
	code, env := f.do(t, "author", http.MethodPost, "/api/workbooks", `{"title":"Order"}`)
	require.Equal(t, http.StatusCreated, code)
	w := decode[workbook.Workbook](t, env)

	code, env = f.do(t, "author", http.MethodPost, "/api/workbooks/"+w.ID+"/blocks", `{"type":"true_false","question":"One"}`)
	require.Equal(t, http.StatusCreated, code, env.Error)
	first := decode[workbook.Block](t, env)
	code, env = f.do(t, "author", http.MethodPost, "/api/workbooks/"+w.ID+"/blocks", `{"type":"true_false","question":"Two"}`)
	require.Equal(t, http.StatusCreated, code)
	second := decode[workbook.Block](t, env)

	code, env = f.do(t, "author", http.MethodPut, "/api/workbooks/"+w.ID+"/order", `{"ids":["`+second.ID+`","`+first.ID+`"]}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	reordered := decode[workbook.Workbook](t, env)
	assert.Equal(t, second.ID, reordered.Blocks[0].ID)

	code, env = f.do(t, "author", http.MethodPut, "/api/workbooks/"+w.ID+"/blocks/"+first.ID, `{"type":"true_false","question":"One!","answer":{"value":true}}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, "One!", decode[workbook.Block](t, env).Question)

	code, _ = f.do(t, "author", http.MethodPut, "/api/workbooks/other/blocks/"+first.ID, `{"type":"true_false","question":"x"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, "author", http.MethodDelete, "/api/workbooks/"+w.ID+"/blocks/"+second.ID, "")
	require.Equal(t, http.StatusOK, code)
	_, env = f.do(t, "author", http.MethodGet, "/api/workbooks/"+w.ID, "")
	assert.Len(t, decode[workbook.Workbook](t, env).Blocks, 1)
}

func TestSolveFlow(t *testing.T) {
	f := newFixture(t, nil)
	w := f.publishedWorkbook(t)
	first, second := w.Blocks[0].ID, w.Blocks[1].ID
	base := "/api/workbooks/" + w.ID

	code, env := f.do(t, "learner", http.MethodPut, base+"/progress", `{"answers":{"`+first+`":{"text":" paris "}}}`)
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = f.do(t, "learner", http.MethodGet, base+"/progress", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, decode[solve.Progress](t, env).Answers, first)

	code, env = f.do(t, "learner", http.MethodPost, base+"/submit", `{"answers":{"`+second+`":{"value":true}}}`)
	require.Equal(t, http.StatusCreated, code, env.Error)
	sub := decode[solve.Submission](t, env)
	assert.Equal(t, 1, sub.Score)
	assert.Equal(t, 2, sub.Total)

	_, env = f.do(t, "learner", http.MethodGet, base+"/submissions", "")
	assert.Len(t, decode[[]solve.Submission](t, env), 1)

	code, _ = f.do(t, "author", http.MethodGet, "/api/submissions/"+sub.ID, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, "admin", http.MethodGet, "/api/submissions/"+sub.ID, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, env = f.do(t, "learner", http.MethodPost, base+"/submit", `{"answers":{"nope":{"value":true}}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Fields, "answers.nope")
}

func TestWorkbookEventsOwnerOnly(t *testing.T) {
	f := newFixture(t, nil)
	w := f.publishedWorkbook(t)

	code, env := f.do(t, "learner", http.MethodGet, "/api/workbooks/"+w.ID+"/events", "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PERMISSION_DENIED", env.Code)
	code, _ = f.do(t, "author", http.MethodGet, "/api/workbooks/missing/events", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGenerateAppendsBlocks(t *testing.T) {
	f := newFixture(t, stubModel{content: "```json\n" + capitals + "\n```"})
	code, env := f.do(t, "author", http.MethodPost, "/api/workbooks", `{"title":"Generated"}`)
	require.Equal(t, http.StatusCreated, code)
	w := decode[workbook.Workbook](t, env)

	code, env = f.do(t, "learner", http.MethodPost, "/api/workbooks/generate", `{"topic":"capitals","count":2,"workbookId":"`+w.ID+`"}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = f.do(t, "author", http.MethodPost, "/api/workbooks/generate", `{"topic":"capitals","count":2,"workbookId":"`+w.ID+`"}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	out := decode[generateResponse](t, env)
	assert.Len(t, out.Blocks, 2)
	assert.Len(t, out.Added, 2)

	code, env = f.do(t, "author", http.MethodPost, "/api/workbooks/generate", `{"count":2}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Fields, "topic")
}

func TestGenerateWithoutModel(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.do(t, "author", http.MethodPost, "/api/workbooks/generate", `{"topic":"x"}`)
	assert.Equal(t, http.StatusNotFound, code)
}
