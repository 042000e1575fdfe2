package todo

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/httpapi/middleware"
	"github.com/solveshq/solves/v1/httpapi/respond"
	"github.com/solveshq/solves/v1/watchbus"
)

// Handler serves the todo REST API.
type Handler struct {
	svc   *Service
	watch watchbus.WatchBus
}

// NewHandler returns a Handler. watch may be nil, which disables the event
// stream.
func NewHandler(svc *Service, watch watchbus.WatchBus) *Handler {
	return &Handler{svc: svc, watch: watch}
}

// Register mounts the routes on rg. rg must run middleware.Authenticate and
// middleware.RequireUser.
func (h *Handler) Register(rg gin.IRouter) {
	g := rg.Group("/todos")
	g.GET("", h.list)
	g.POST("", h.create)
	g.DELETE("/completed", h.clearCompleted)
	g.GET("/events", h.events)
	g.GET("/:id", h.get)
	g.PATCH("/:id", h.update)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/toggle", h.toggle)
}

func owner(c *gin.Context) string { return middleware.CurrentUser(c).ID }

func (h *Handler) list(c *gin.Context) {
	var done *bool
	if raw := c.Query("done"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respond.Error(c, solveserrors.Invalid("done", "must be true or false"))
			return
		}
		done = &v
	}
	out, err := h.svc.List(c.Request.Context(), owner(c), done)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, out)
}

func (h *Handler) create(c *gin.Context) {
	var in Input
	if !respond.Bind(c, &in) {
		return
	}
	t, err := h.svc.Create(c.Request.Context(), owner(c), in)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Created(c, t)
}

func (h *Handler) get(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, t)
}

func (h *Handler) update(c *gin.Context) {
	var p Patch
	if !respond.Bind(c, &p) {
		return
	}
	t, err := h.svc.Update(c.Request.Context(), owner(c), c.Param("id"), p)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, t)
}

func (h *Handler) toggle(c *gin.Context) {
	t, err := h.svc.Toggle(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, t)
}

func (h *Handler) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, nil)
}

func (h *Handler) clearCompleted(c *gin.Context) {
	n, err := h.svc.ClearCompleted(c.Request.Context(), owner(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, gin.H{"removed": n})
}

func (h *Handler) events(c *gin.Context) {
	if h.watch == nil {
		respond.Error(c, solveserrors.NotFound("event stream", ""))
		return
	}
	watchbus.SSEHandler(h.watch, ownerKey).ServeHTTP(c.Writer, c.Request)
}

var errNoUser = errors.New("not signed in")

func ownerKey(r *http.Request) (string, error) {
	u, ok := middleware.UserFromContext(r.Context())
	if !ok {
		return "", errNoUser
	}
	return WatchKey(u.ID), nil
}
