package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/chorus"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/logging"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

// fail logs internal errors and renders err.
func (s *Server) fail(c echo.Context, op string, err error) error {
	if statusFor(err) == http.StatusInternalServerError {
		s.logger.Error(op+" failed",
			append(logging.ContextFields(c.Request().Context()), zap.Error(err))...)
	}
	return writeError(c, err)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Kind: "input_error"})
}

func (s *Server) handleRoute(c echo.Context) error {
	var sig gate.Signal
	if err := c.Bind(&sig); err != nil {
		s.logger.Warn("invalid signal body", zap.Error(err))
		return badRequest(c, "invalid request body")
	}
	ctx := logging.WithSignalID(c.Request().Context(), sig.ID)
	out, err := s.kernel.Route(ctx, sig)
	if err != nil {
		return s.fail(c, "route", err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetSignal(c echo.Context) error {
	sig, d, err := s.kernel.Signal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "get signal", err)
	}
	return c.JSON(http.StatusOK, SignalResponse{Signal: sig, Decision: d})
}

func (s *Server) handleBaselines(c echo.Context) error {
	return c.JSON(http.StatusOK, s.kernel.Baselines())
}

func (s *Server) handleListPending(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		limit = n
	}
	recs, err := s.kernel.ListPending(c.Request().Context(), limit)
	if err != nil {
		return s.fail(c, "list pending", err)
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	return c.JSON(http.StatusOK, PendingResponse{Audits: recs, Count: len(recs)})
}

func (s *Server) handleGetAudit(c echo.Context) error {
	rec, err := s.kernel.GetAudit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "get audit", err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleSubmitAudit(c echo.Context) error {
	var sub audit.Submission
	if err := c.Bind(&sub); err != nil {
		return badRequest(c, "invalid request body")
	}
	id := c.Param("id")
	ctx := logging.WithSignalID(c.Request().Context(), id)
	rec, err := s.kernel.SubmitAudit(ctx, id, sub)
	if err != nil {
		return s.fail(c, "submit audit", err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleRunAnalysis(c echo.Context) error {
	report, err := s.kernel.RunAnalysis(c.Request().Context())
	switch {
	case errors.Is(err, metalearning.ErrRunInProgress):
		return c.JSON(http.StatusAccepted, report)
	case errors.Is(err, faults.ErrAnalysisIncomplete) && report != nil:
		return c.JSON(http.StatusOK, report)
	case err != nil:
		return s.fail(c, "analysis", err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleLastReport(c echo.Context) error {
	report, err := s.kernel.LastReport()
	if err != nil {
		return s.fail(c, "last report", err)
	}
	if report == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "no analysis has run yet"})
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleListAdjustments(c echo.Context) error {
	pending := c.QueryParam("pending") == "true"
	ps, err := s.kernel.Adjustments(c.Request().Context(), pending)
	if err != nil {
		return s.fail(c, "list adjustments", err)
	}
	if ps == nil {
		ps = []approval.Proposal{}
	}
	return c.JSON(http.StatusOK, AdjustmentsResponse{Adjustments: ps, Count: len(ps)})
}

func (s *Server) handleGetAdjustment(c echo.Context) error {
	p, err := s.kernel.Adjustment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "get adjustment", err)
	}
	return c.JSON(http.StatusOK, p)
}

// handleDecisions records a batch. Per-decision failures, conflicts
// included, are reported in the results with a 200.
func (s *Server) handleDecisions(c echo.Context) error {
	var req DecisionsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Decisions) == 0 {
		return badRequest(c, "decisions are required")
	}
	results, err := s.kernel.ReviewAdjustments(c.Request().Context(), req.Decisions)
	if err != nil {
		return s.fail(c, "review adjustments", err)
	}
	return c.JSON(http.StatusOK, DecisionsResponse{Results: results})
}

// handleDecision records one decision; a repeat answers 409.
func (s *Server) handleDecision(c echo.Context) error {
	var req approval.DecisionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.AdjustmentID = c.Param("id")
	ctx := logging.WithAdjustmentID(c.Request().Context(), req.AdjustmentID)
	results, err := s.kernel.ReviewAdjustments(ctx, []approval.DecisionRequest{req})
	if err != nil {
		return s.fail(c, "review adjustment", err)
	}
	if len(results) == 1 && results[0].Err != nil {
		return s.fail(c, "review adjustment", results[0].Err)
	}
	return c.JSON(http.StatusOK, results[0])
}

func (s *Server) handleRecordEpitaph(c echo.Context) error {
	var req epitaph.RecordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	e, err := s.kernel.RecordEpitaph(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, "record epitaph", err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (s *Server) handleListEpitaphs(c echo.Context) error {
	eps := s.kernel.ListEpitaphs(c.Request().Context())
	if eps == nil {
		eps = []epitaph.Epitaph{}
	}
	return c.JSON(http.StatusOK, EpitaphsResponse{Epitaphs: eps, Count: len(eps)})
}

func (s *Server) handleGetEpitaph(c echo.Context) error {
	e, err := s.kernel.GetEpitaph(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "get epitaph", err)
	}
	return c.JSON(http.StatusOK, e)
}

func (s *Server) handleChorus(c echo.Context) error {
	var req ChorusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ctx := c.Request().Context()
	var (
		comp chorus.Composition
		err  error
	)
	if req.Signals != nil {
		sig := *req.Signals
		if sig.Text == "" {
			sig.Text = req.Text
		}
		comp, err = s.kernel.DetectChorus(ctx, sig)
	} else {
		comp, err = s.kernel.ComposeChorus(ctx, req.Text, chorus.Mode(req.Mode))
	}
	if err != nil {
		return s.fail(c, "chorus", err)
	}
	return c.JSON(http.StatusOK, comp)
}

func (s *Server) handleVolume(c echo.Context) error {
	return c.JSON(http.StatusOK, s.kernel.Volume(c.Request().Context()))
}

func (s *Server) handleListEscalations(c echo.Context) error {
	sigs, err := s.kernel.Escalations(c.Request().Context(), escalation.Status(c.QueryParam("status")))
	if err != nil {
		return s.fail(c, "list escalations", err)
	}
	if sigs == nil {
		sigs = []escalation.Signal{}
	}
	return c.JSON(http.StatusOK, EscalationsResponse{Escalations: sigs, Count: len(sigs)})
}

func (s *Server) handleEscalationStatus(c echo.Context) error {
	var req EscalationStatusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	sig, err := s.kernel.UpdateEscalation(c.Request().Context(), c.Param("id"), req.Status, req.Note)
	if err != nil {
		return s.fail(c, "update escalation", err)
	}
	return c.JSON(http.StatusOK, sig)
}
