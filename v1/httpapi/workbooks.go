package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/solveshq/solves/v1/ai"
	solveserrors "github.com/solveshq/solves/v1/errors"
	mw "github.com/solveshq/solves/v1/httpapi/middleware"
	"github.com/solveshq/solves/v1/httpapi/respond"
	"github.com/solveshq/solves/v1/solve"
	"github.com/solveshq/solves/v1/watchbus"
	"github.com/solveshq/solves/v1/workbook"
)

func (a *api) workbookRoutes(g *gin.RouterGroup) {
	auth := mw.RequireUser()
	wb := g.Group("/workbooks")
	wb.GET("", a.listWorkbooks)
	wb.POST("", auth, a.createWorkbook)
	wb.POST("/generate", auth, a.generateBlocks)
	wb.GET("/:id", a.getWorkbook)
	wb.PUT("/:id", auth, a.updateWorkbook)
	wb.DELETE("/:id", auth, a.deleteWorkbook)
	wb.POST("/:id/publish", auth, a.publishWorkbook)
	wb.POST("/:id/unpublish", auth, a.unpublishWorkbook)
	wb.PUT("/:id/order", auth, a.reorderBlocks)

	wb.POST("/:id/blocks", auth, a.addBlock)
	wb.POST("/:id/blocks/batch", auth, a.addBlocks)
	wb.PUT("/:id/blocks/:blockId", auth, a.updateBlock)
	wb.DELETE("/:id/blocks/:blockId", auth, a.deleteBlock)

	wb.GET("/:id/progress", auth, a.loadProgress)
	wb.PUT("/:id/progress", auth, a.saveProgress)
	wb.DELETE("/:id/progress", auth, a.clearProgress)
	wb.POST("/:id/submit", auth, a.submit)
	wb.GET("/:id/submissions", auth, a.listSubmissions)
	wb.GET("/:id/events", auth, a.workbookEvents)

	g.GET("/submissions/:id", auth, a.getSubmission)
}

type workbookPage struct {
	Items []workbook.Workbook `json:"items"`
	Total int64               `json:"total"`
}

// listWorkbooks lists published workbooks, or the caller's own ones with
// ?mine=true.
func (a *api) listWorkbooks(c *gin.Context) {
	mine, err := queryBool(c, "mine")
	if err != nil {
		respond.Error(c, err)
		return
	}
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
	q := workbook.Query{Tag: c.Query("tag"), Search: c.Query("search"), Limit: limit, Offset: offset}
	if mine {
		u := currentUser(c)
		if u == nil {
			respond.Error(c, solveserrors.Unauthorized("not signed in"))
			return
		}
		q.OwnerID = u.ID
	}
	items, total, err := a.svc.Workbooks.List(c.Request.Context(), q)
	reply(c, workbookPage{Items: items, Total: total}, err)
}

func (a *api) createWorkbook(c *gin.Context) {
	var in workbook.Input
	if !respond.Bind(c, &in) {
		return
	}
	w, err := a.svc.Workbooks.Create(c.Request.Context(), currentUser(c).ID, in)
	replyCreated(c, w, err)
}

func (a *api) getWorkbook(c *gin.Context) {
	w, err := a.svc.Workbooks.View(c.Request.Context(), c.Param("id"), viewerID(c))
	reply(c, w, err)
}

func (a *api) updateWorkbook(c *gin.Context) {
	var in workbook.Input
	if !respond.Bind(c, &in) {
		return
	}
	w, err := a.svc.Workbooks.Update(c.Request.Context(), c.Param("id"), currentUser(c).ID, in)
	reply(c, w, err)
}

func (a *api) deleteWorkbook(c *gin.Context) {
	reply(c, nil, a.svc.Workbooks.Delete(c.Request.Context(), c.Param("id"), currentUser(c).ID))
}

func (a *api) publishWorkbook(c *gin.Context) {
	w, err := a.svc.Workbooks.Publish(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	reply(c, w, err)
}

func (a *api) unpublishWorkbook(c *gin.Context) {
	w, err := a.svc.Workbooks.Unpublish(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	reply(c, w, err)
}

type orderBody struct {
	IDs []string `json:"ids"`
}

func (a *api) reorderBlocks(c *gin.Context) {
	var in orderBody
	if !respond.Bind(c, &in) {
		return
	}
	w, err := a.svc.Workbooks.ReorderBlocks(c.Request.Context(), c.Param("id"), currentUser(c).ID, in.IDs)
	reply(c, w, err)
}

func (a *api) addBlock(c *gin.Context) {
	var in workbook.BlockInput
	if !respond.Bind(c, &in) {
		return
	}
	b, err := a.svc.Workbooks.AddBlock(c.Request.Context(), c.Param("id"), currentUser(c).ID, in)
	replyCreated(c, b, err)
}

type blocksBody struct {
	Blocks []workbook.BlockInput `json:"blocks"`
}

func (a *api) addBlocks(c *gin.Context) {
	var in blocksBody
	if !respond.Bind(c, &in) {
		return
	}
	out, err := a.svc.Workbooks.AddBlocks(c.Request.Context(), c.Param("id"), currentUser(c).ID, in.Blocks)
	replyCreated(c, out, err)
}

// ownedBlock checks that :blockId belongs to workbook :id.
func (a *api) ownedBlock(c *gin.Context) bool {
	w, err := a.svc.Workbooks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return false
	}
	for _, b := range w.Blocks {
		if b.ID == c.Param("blockId") {
			return true
		}
	}
	respond.Error(c, solveserrors.NotFound("block", c.Param("blockId")))
	return false
}

func (a *api) updateBlock(c *gin.Context) {
	var in workbook.BlockInput
	if !respond.Bind(c, &in) || !a.ownedBlock(c) {
		return
	}
	b, err := a.svc.Workbooks.UpdateBlock(c.Request.Context(), c.Param("blockId"), currentUser(c).ID, in)
	reply(c, b, err)
}

func (a *api) deleteBlock(c *gin.Context) {
	if !a.ownedBlock(c) {
		return
	}
	reply(c, nil, a.svc.Workbooks.DeleteBlock(c.Request.Context(), c.Param("blockId"), currentUser(c).ID))
}

type generateBody struct {
	ai.GenerateRequest
	// WorkbookID, when set, appends the generated blocks to that workbook.
	WorkbookID string `json:"workbookId"`
}

type generateResponse struct {
	*ai.Result
	Added []workbook.Block `json:"added,omitempty"`
}

func (a *api) generateBlocks(c *gin.Context) {
	if a.svc.Generator == nil {
		respond.Error(c, solveserrors.NotFound("block generator", ""))
		return
	}
	var in generateBody
	if !respond.Bind(c, &in) {
		return
	}
	ctx := c.Request.Context()
	user := currentUser(c)
	if in.WorkbookID != "" {
		w, err := a.svc.Workbooks.Get(ctx, in.WorkbookID)
		if err != nil {
			respond.Error(c, err)
			return
		}
		if w.OwnerID != user.ID {
			respond.Error(c, solveserrors.Forbidden("modify", "workbook"))
			return
		}
	}
	res, err := a.svc.Generator.GenerateBlocks(ctx, user.ID, in.GenerateRequest)
	if err != nil {
		respond.Error(c, err)
		return
	}
	out := generateResponse{Result: res}
	if in.WorkbookID != "" {
		out.Added, err = a.svc.Workbooks.AddBlocks(ctx, in.WorkbookID, user.ID, res.Blocks)
		if err != nil {
			respond.Error(c, err)
			return
		}
	}
	respond.OK(c, out)
}

// solving

type answersBody struct {
	Answers map[string]json.RawMessage `json:"answers"`
}

func (a *api) loadProgress(c *gin.Context) {
	p, err := a.svc.Solve.LoadProgress(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	reply(c, p, err)
}

func (a *api) saveProgress(c *gin.Context) {
	var in answersBody
	if !respond.Bind(c, &in) {
		return
	}
	p, err := a.svc.Solve.SaveProgress(c.Request.Context(), c.Param("id"), currentUser(c).ID, in.Answers)
	reply(c, p, err)
}

func (a *api) clearProgress(c *gin.Context) {
	reply(c, nil, a.svc.Solve.ClearProgress(c.Request.Context(), c.Param("id"), currentUser(c).ID))
}

func (a *api) submit(c *gin.Context) {
	var in answersBody
	if c.Request.ContentLength != 0 && !respond.Bind(c, &in) {
		return
	}
	s, err := a.svc.Solve.Submit(c.Request.Context(), c.Param("id"), currentUser(c).ID, in.Answers)
	replyCreated(c, s, err)
}

func (a *api) listSubmissions(c *gin.Context) {
	out, err := a.svc.Solve.ListSubmissions(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	reply(c, out, err)
}

func (a *api) getSubmission(c *gin.Context) {
	s, err := a.svc.Solve.GetSubmission(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	reply(c, s, err)
}

// workbookEvents streams submission events of a workbook to its owner.
func (a *api) workbookEvents(c *gin.Context) {
	if a.svc.Watch == nil {
		respond.Error(c, solveserrors.NotFound("event stream", ""))
		return
	}
	w, err := a.svc.Workbooks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	if w.OwnerID != currentUser(c).ID {
		respond.Error(c, solveserrors.Forbidden("follow", "workbook"))
		return
	}
	key := solve.WatchKey(w.ID)
	watchbus.SSEHandler(a.svc.Watch, func(*http.Request) (string, error) { return key, nil }).ServeHTTP(c.Writer, c.Request)
}
