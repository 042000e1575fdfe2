package httpapi

import (
	"github.com/gin-gonic/gin"

	mw "github.com/solveshq/solves/v1/httpapi/middleware"
)

func (a *api) publicRoutes(g *gin.RouterGroup) {
	g.GET("/plans", a.catalog)
	// :ref is a policy kind for GET and a policy id for accept.
	g.GET("/policies/:ref", a.currentPolicy)
	g.POST("/policies/:ref/accept", mw.RequireUser(), a.acceptPolicy)
}

func (a *api) catalog(c *gin.Context) {
	out, err := a.svc.Billing.Catalog(c.Request.Context())
	reply(c, out, err)
}

func (a *api) currentPolicy(c *gin.Context) {
	p, err := a.svc.Policies.Current(c.Request.Context(), c.Param("ref"))
	reply(c, p, err)
}

func (a *api) acceptPolicy(c *gin.Context) {
	out, err := a.svc.Policies.Accept(c.Request.Context(), currentUser(c).ID, c.Param("ref"))
	reply(c, out, err)
}
