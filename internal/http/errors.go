package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/eventlog"
	"github.com/fyrsmithlabs/verdict/internal/faults"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`

	// AlreadyDone marks a repeated terminal transition. Clients treat it
	// as success.
	AlreadyDone bool `json:"already_done,omitempty"`
}

var notFound = []error{
	audit.ErrNotFound,
	approval.ErrNotFound,
	epitaph.ErrNotFound,
	escalation.ErrNotFound,
	eventlog.ErrNotFound,
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	switch {
	case faults.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, faults.ErrInput):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrAnalysisIncomplete):
		return http.StatusServiceUnavailable
	}
	for _, nf := range notFound {
		if errors.Is(err, nf) {
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}

// writeError renders err. Internal errors are logged by the caller and
// reported without detail.
func writeError(c echo.Context, err error) error {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Kind: faults.Label(err)}
	if status == http.StatusConflict {
		resp.AlreadyDone = true
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	return c.JSON(status, resp)
}
