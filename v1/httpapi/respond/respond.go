// Package respond writes the JSON envelope shared by every solves endpoint:
// {"success":true,"data":...} on success and
// {"success":false,"error":...,"code":...,"fields":{...}} on failure.
package respond

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/logging"
	"github.com/solveshq/solves/v1/validator"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Success bool              `json:"success"`
	Data    any               `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Code    string            `json:"code,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// OK writes data with status 200.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes data with status 201.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Envelope{Success: true, Data: data})
}

// Error maps err to its status and writes the failure envelope. Internal
// errors are logged and their message is not exposed.
func Error(c *gin.Context, err error) {
	status := solveserrors.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		logging.FromContext(c.Request.Context()).ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, Envelope{
		Success: false,
		Error:   msg,
		Code:    solveserrors.Code(err),
		Fields:  validator.Fields(err),
	})
}

// Bind decodes the JSON body into v. On failure it writes a 400 and
// returns false. Field validation is left to the services.
func Bind(c *gin.Context, v any) bool {
	dec := json.NewDecoder(c.Request.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			Error(c, solveserrors.Invalid("body", "request body is required"))
			return false
		}
		Error(c, solveserrors.Invalid("body", "malformed JSON: "+err.Error()))
		return false
	}
	return true
}
