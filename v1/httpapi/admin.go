package httpapi

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/solveshq/solves/v1/billing"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/httpapi/respond"
	"github.com/solveshq/solves/v1/policy"
	"github.com/solveshq/solves/v1/pricing"
	"github.com/solveshq/solves/v1/users"
)

func (a *api) adminRoutes(g *gin.RouterGroup) {
	plans := g.Group("/plans")
	plans.GET("", a.adminListPlans)
	plans.POST("", a.createPlan)
	plans.GET("/:id", a.getPlan)
	plans.PUT("/:id", a.updatePlan)
	plans.DELETE("/:id", a.deletePlan)
	plans.PUT("/:id/active", a.setPlanActive)
	plans.POST("/:id/prices", a.createPrice)

	prices := g.Group("/prices")
	prices.PUT("/:id/active", a.setPriceActive)
	prices.DELETE("/:id", a.deletePrice)

	models := g.Group("/ai-pricing")
	models.GET("", a.listModelPrices)
	models.POST("", a.upsertModelPrice)
	models.GET("/:id", a.getModelPrice)
	models.DELETE("/:id", a.deleteModelPrice)
	models.PUT("/:id/active", a.setModelPriceActive)

	providers := g.Group("/ai-providers")
	providers.GET("/:name", a.getProvider)
	providers.PUT("/:name", a.setProvider)

	policies := g.Group("/policies")
	policies.GET("", a.adminListPolicies)
	policies.POST("", a.createPolicy)
	policies.GET("/:id", a.getPolicy)
	policies.PUT("/:id", a.updatePolicy)
	policies.DELETE("/:id", a.deletePolicy)
	policies.POST("/:id/publish", a.publishPolicy)

	accounts := g.Group("/users")
	accounts.GET("", a.listUsers)
	accounts.GET("/:id", a.getUser)
	accounts.PUT("/:id/role", a.setUserRole)
	accounts.POST("/:id/ban", a.banUser)
	accounts.POST("/:id/unban", a.unbanUser)
	accounts.DELETE("/:id", a.deleteUser)
}

// plans

func (a *api) adminListPlans(c *gin.Context) {
	out, err := a.svc.Billing.ListPlans(c.Request.Context(), true)
	reply(c, out, err)
}

func (a *api) createPlan(c *gin.Context) {
	var in billing.PlanInput
	if !respond.Bind(c, &in) {
		return
	}
	p, err := a.svc.Billing.CreatePlan(c.Request.Context(), in)
	replyCreated(c, p, err)
}

func (a *api) getPlan(c *gin.Context) {
	p, err := a.svc.Billing.GetPlan(c.Request.Context(), c.Param("id"))
	reply(c, p, err)
}

func (a *api) updatePlan(c *gin.Context) {
	var in billing.PlanInput
	if !respond.Bind(c, &in) {
		return
	}
	p, err := a.svc.Billing.UpdatePlan(c.Request.Context(), c.Param("id"), in)
	reply(c, p, err)
}

func (a *api) deletePlan(c *gin.Context) {
	reply(c, nil, a.svc.Billing.DeletePlan(c.Request.Context(), c.Param("id")))
}

func (a *api) setPlanActive(c *gin.Context) {
	active, ok := bindActive(c)
	if !ok {
		return
	}
	p, err := a.svc.Billing.SetPlanActive(c.Request.Context(), c.Param("id"), active)
	reply(c, p, err)
}

func (a *api) createPrice(c *gin.Context) {
	var in billing.PriceInput
	if !respond.Bind(c, &in) {
		return
	}
	p, err := a.svc.Billing.CreatePrice(c.Request.Context(), c.Param("id"), in)
	replyCreated(c, p, err)
}

func (a *api) setPriceActive(c *gin.Context) {
	active, ok := bindActive(c)
	if !ok {
		return
	}
	p, err := a.svc.Billing.SetPriceActive(c.Request.Context(), c.Param("id"), active)
	reply(c, p, err)
}

func (a *api) deletePrice(c *gin.Context) {
	reply(c, nil, a.svc.Billing.DeletePrice(c.Request.Context(), c.Param("id")))
}

// model pricing

func (a *api) listModelPrices(c *gin.Context) {
	out, err := a.svc.Pricing.List(c.Request.Context())
	reply(c, out, err)
}

func (a *api) upsertModelPrice(c *gin.Context) {
	var in pricing.PriceInput
	if !respond.Bind(c, &in) {
		return
	}
	p, err := a.svc.Pricing.Upsert(c.Request.Context(), in)
	reply(c, p, err)
}

func (a *api) getModelPrice(c *gin.Context) {
	p, err := a.svc.Pricing.Get(c.Request.Context(), c.Param("id"))
	reply(c, p, err)
}

func (a *api) deleteModelPrice(c *gin.Context) {
	reply(c, nil, a.svc.Pricing.Delete(c.Request.Context(), c.Param("id")))
}

func (a *api) setModelPriceActive(c *gin.Context) {
	active, ok := bindActive(c)
	if !ok {
		return
	}
	p, err := a.svc.Pricing.SetActive(c.Request.Context(), c.Param("id"), active)
	reply(c, p, err)
}

type providerView struct {
	Name      string    `json:"name"`
	BaseURL   string    `json:"baseUrl"`
	HasKey    bool      `json:"hasKey"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func viewProvider(p *pricing.Provider) providerView {
	return providerView{Name: p.Name, BaseURL: p.BaseURL, HasKey: p.HasKey(), UpdatedAt: p.UpdatedAt}
}

func (a *api) getProvider(c *gin.Context) {
	p, err := a.svc.Pricing.Provider(c.Request.Context(), c.Param("name"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, viewProvider(p))
}

type providerBody struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

func (a *api) setProvider(c *gin.Context) {
	var in providerBody
	if !respond.Bind(c, &in) {
		return
	}
	p, err := a.svc.Pricing.SetProviderKey(c.Request.Context(), c.Param("name"), in.BaseURL, in.APIKey)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, viewProvider(p))
}

// policies

func (a *api) adminListPolicies(c *gin.Context) {
	out, err := a.svc.Policies.List(c.Request.Context(), c.Query("kind"))
	reply(c, out, err)
}

func (a *api) createPolicy(c *gin.Context) {
	var in policy.DraftInput
	if !respond.Bind(c, &in) {
		return
	}
	p, err := a.svc.Policies.CreateDraft(c.Request.Context(), in)
	replyCreated(c, p, err)
}

func (a *api) getPolicy(c *gin.Context) {
	p, err := a.svc.Policies.Get(c.Request.Context(), c.Param("id"))
	reply(c, p, err)
}

type policyBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (a *api) updatePolicy(c *gin.Context) {
	var in policyBody
	if !respond.Bind(c, &in) {
		return
	}
	p, err := a.svc.Policies.UpdateDraft(c.Request.Context(), c.Param("id"), in.Title, in.Body)
	reply(c, p, err)
}

func (a *api) deletePolicy(c *gin.Context) {
	reply(c, nil, a.svc.Policies.Delete(c.Request.Context(), c.Param("id")))
}

func (a *api) publishPolicy(c *gin.Context) {
	p, err := a.svc.Policies.Publish(c.Request.Context(), c.Param("id"))
	reply(c, p, err)
}

// users

func (a *api) listUsers(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		respond.Error(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		respond.Error(c, err)
		return
	}
	page, err := a.svc.Users.List(c.Request.Context(), users.Query{
		Search: c.Query("search"),
		Role:   c.Query("role"),
		Limit:  limit,
		Offset: offset,
	})
	reply(c, page, err)
}

func (a *api) getUser(c *gin.Context) {
	u, err := a.svc.Users.Get(c.Request.Context(), c.Param("id"))
	reply(c, u, err)
}

type roleBody struct {
	Role string `json:"role"`
}

func (a *api) setUserRole(c *gin.Context) {
	var in roleBody
	if !respond.Bind(c, &in) {
		return
	}
	if c.Param("id") == currentUser(c).ID && in.Role != users.RoleAdmin {
		respond.Error(c, &solveserrors.Error{Kind: solveserrors.ErrConflict, Field: "role", Message: "you cannot remove your own admin role"})
		return
	}
	u, err := a.svc.Users.SetRole(c.Request.Context(), c.Param("id"), in.Role)
	reply(c, u, err)
}

type banBody struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until"`
	Days   int        `json:"days"`
}

func (a *api) banUser(c *gin.Context) {
	var in banBody
	if !respond.Bind(c, &in) {
		return
	}
	if c.Param("id") == currentUser(c).ID {
		respond.Error(c, &solveserrors.Error{Kind: solveserrors.ErrConflict, Message: "you cannot ban yourself"})
		return
	}
	until := in.Until
	if until == nil && in.Days != 0 {
		if in.Days < 0 || in.Days > users.MaxBanDays {
			respond.Error(c, solveserrors.Invalid("days", fmt.Sprintf("must be between 0 and %d", users.MaxBanDays)))
			return
		}
		end := a.svc.Users.Now().Add(time.Duration(in.Days) * 24 * time.Hour)
		until = &end
	}
	u, err := a.svc.Users.Ban(c.Request.Context(), c.Param("id"), in.Reason, until)
	reply(c, u, err)
}

func (a *api) unbanUser(c *gin.Context) {
	u, err := a.svc.Users.Unban(c.Request.Context(), c.Param("id"))
	reply(c, u, err)
}

func (a *api) deleteUser(c *gin.Context) {
	if c.Param("id") == currentUser(c).ID {
		respond.Error(c, &solveserrors.Error{Kind: solveserrors.ErrConflict, Message: "you cannot delete your own account"})
		return
	}
	reply(c, nil, a.svc.Users.Delete(c.Request.Context(), c.Param("id")))
}
