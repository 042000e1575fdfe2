package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	mw "github.com/solveshq/solves/v1/httpapi/middleware"
	"github.com/solveshq/solves/v1/httpapi/respond"
	"github.com/solveshq/solves/v1/policy"
	"github.com/solveshq/solves/v1/users"
)

func (a *api) authRoutes(g *gin.RouterGroup) {
	g.POST("/sign-up", a.signUp)
	g.POST("/sign-in", a.signIn)
	g.POST("/sign-out", a.signOut)
	g.GET("/me", mw.RequireUser(), a.me)
	g.POST("/token", mw.RequireUser(), a.issueToken)
}

type sessionResponse struct {
	User  *users.User `json:"user"`
	Token string      `json:"token"`
}

type signInBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *api) setSessionCookie(c *gin.Context, token string, ttl time.Duration) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(a.opts.CookieName, token, int(ttl.Seconds()), "/", "", a.opts.CookieSecure, true)
}

func (a *api) signUp(c *gin.Context) {
	var in users.CreateInput
	if !respond.Bind(c, &in) {
		return
	}
	u, token, err := a.svc.Auth.SignUp(c.Request.Context(), in)
	if err != nil {
		respond.Error(c, err)
		return
	}
	a.setSessionCookie(c, token, a.svc.Auth.SessionTTL())
	respond.Created(c, sessionResponse{User: u, Token: token})
}

func (a *api) signIn(c *gin.Context) {
	var in signInBody
	if !respond.Bind(c, &in) {
		return
	}
	u, token, err := a.svc.Auth.SignIn(c.Request.Context(), in.Email, in.Password)
	if err != nil {
		respond.Error(c, err)
		return
	}
	a.setSessionCookie(c, token, a.svc.Auth.SessionTTL())
	respond.OK(c, sessionResponse{User: u, Token: token})
}

func (a *api) signOut(c *gin.Context) {
	if err := a.svc.Auth.SignOut(c.Request.Context(), mw.SessionToken(c)); err != nil {
		respond.Error(c, err)
		return
	}
	a.setSessionCookie(c, "", -time.Second)
	respond.OK(c, nil)
}

type meResponse struct {
	User *users.User `json:"user"`
	// PendingPolicies lists the kinds whose current version the user has
	// not accepted yet.
	PendingPolicies []string `json:"pendingPolicies"`
}

func (a *api) me(c *gin.Context) {
	u := currentUser(c)
	out := meResponse{User: u, PendingPolicies: []string{}}
	if a.svc.Policies != nil {
		for _, kind := range []string{policy.KindTerms, policy.KindPrivacy, policy.KindRefund} {
			ok, err := a.svc.Policies.HasAccepted(c.Request.Context(), u.ID, kind)
			if err != nil {
				respond.Error(c, err)
				return
			}
			if !ok {
				out.PendingPolicies = append(out.PendingPolicies, kind)
			}
		}
	}
	respond.OK(c, out)
}

func (a *api) issueToken(c *gin.Context) {
	token, exp, err := a.svc.Auth.IssueToken(currentUser(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Created(c, gin.H{"token": token, "tokenType": "Bearer", "expiresAt": exp})
}
