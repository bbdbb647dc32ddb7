package http

import (
	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/chorus"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/kernel"
	"github.com/fyrsmithlabs/verdict/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	kernel.Health
	Version   string                  `json:"version,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// SignalResponse is the response body for GET /api/v1/signals/:id.
type SignalResponse struct {
	Signal   gate.Signal   `json:"signal"`
	Decision gate.Decision `json:"decision"`
}

// PendingResponse is the response body for GET /api/v1/audits/pending.
type PendingResponse struct {
	Audits []audit.Record `json:"audits"`
	Count  int            `json:"count"`
}

// AdjustmentsResponse is the response body for GET /api/v1/adjustments.
type AdjustmentsResponse struct {
	Adjustments []approval.Proposal `json:"adjustments"`
	Count       int                 `json:"count"`
}

// DecisionsRequest is the request body for POST /api/v1/adjustments/decisions.
type DecisionsRequest struct {
	Decisions []approval.DecisionRequest `json:"decisions"`
}

// DecisionsResponse is the response body for POST /api/v1/adjustments/decisions.
type DecisionsResponse struct {
	Results []approval.Result `json:"results"`
}

// EpitaphsResponse is the response body for GET /api/v1/epitaphs.
type EpitaphsResponse struct {
	Epitaphs []epitaph.Epitaph `json:"epitaphs"`
	Count    int               `json:"count"`
}

// ChorusRequest is the request body for POST /api/v1/chorus. When Signals
// is set the mode is detected from it and Mode is ignored.
type ChorusRequest struct {
	Text    string          `json:"text"`
	Mode    string          `json:"mode,omitempty"`
	Signals *chorus.Signals `json:"signals,omitempty"`
}

// EscalationsResponse is the response body for GET /api/v1/escalations.
type EscalationsResponse struct {
	Escalations []escalation.Signal `json:"escalations"`
	Count       int                 `json:"count"`
}

// EscalationStatusRequest is the request body for
// POST /api/v1/escalations/:id/status.
type EscalationStatusRequest struct {
	Status escalation.Status `json:"status"`
	Note   string            `json:"note,omitempty"`
}
