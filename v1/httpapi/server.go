// Package httpapi is the JSON REST API of solves.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/solveshq/solves/v1/ai"
	"github.com/solveshq/solves/v1/auth"
	"github.com/solveshq/solves/v1/billing"
	"github.com/solveshq/solves/v1/database"
	solveserrors "github.com/solveshq/solves/v1/errors"
	mw "github.com/solveshq/solves/v1/httpapi/middleware"
	"github.com/solveshq/solves/v1/httpapi/respond"
	"github.com/solveshq/solves/v1/metrics"
	"github.com/solveshq/solves/v1/policy"
	"github.com/solveshq/solves/v1/pricing"
	"github.com/solveshq/solves/v1/solve"
	"github.com/solveshq/solves/v1/users"
	"github.com/solveshq/solves/v1/watchbus"
	"github.com/solveshq/solves/v1/workbook"
)

// Services are the domain services behind the API. Generator and Watch may
// be nil; the routes depending on them then answer 404.
type Services struct {
	DB        *gorm.DB
	Users     *users.Service
	Auth      *auth.Service
	Billing   *billing.Service
	Pricing   *pricing.Service
	Policies  *policy.Service
	Workbooks *workbook.Service
	Solve     *solve.Service
	Generator *ai.Generator
	Watch     watchbus.WatchBus
}

// Options tune the router.
type Options struct {
	CookieName   string
	CookieSecure bool
	Logger       *slog.Logger
	Metrics      *metrics.HTTPMetrics
	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
}

type api struct {
	svc  Services
	opts Options
}

// NewRouter builds the gin engine serving every route.
func NewRouter(svc Services, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CookieName == "" {
		opts.CookieName = "solves_session"
	}
	a := &api{svc: svc, opts: opts}

	r := mw.Engine(opts.Logger, opts.Metrics)
	r.GET("/healthz", a.health)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(opts.Gatherer)))
	}

	g := r.Group("/api", mw.Authenticate(svc.Auth, opts.CookieName))
	a.authRoutes(g.Group("/auth"))
	a.publicRoutes(g)
	a.adminRoutes(g.Group("/admin", mw.RequireAdmin()))
	a.workbookRoutes(g)
	return r
}

func (a *api) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := database.Ping(ctx, a.svc.DB); err != nil {
		c.JSON(http.StatusServiceUnavailable, respond.Envelope{Success: false, Error: "database unavailable", Code: "UNAVAILABLE"})
		return
	}
	respond.OK(c, gin.H{"status": "ok"})
}

func currentUser(c *gin.Context) *users.User { return mw.CurrentUser(c) }

// viewerID is the caller's id, empty for anonymous requests.
func viewerID(c *gin.Context) string {
	if u := mw.CurrentUser(c); u != nil {
		return u.ID
	}
	return ""
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, solveserrors.Invalid(name, "must be an integer")
	}
	return v, nil
}

func queryBool(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, solveserrors.Invalid(name, "must be true or false")
	}
	return v, nil
}

// reply writes v or the error.
func reply(c *gin.Context, v any, err error) {
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, v)
}

func replyCreated(c *gin.Context, v any, err error) {
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Created(c, v)
}

type activeBody struct {
	Active *bool `json:"active"`
}

func bindActive(c *gin.Context) (bool, bool) {
	var body activeBody
	if !respond.Bind(c, &body) {
		return false, false
	}
	if body.Active == nil {
		respond.Error(c, solveserrors.Invalid("active", "is required"))
		return false, false
	}
	return *body.Active, true
}
