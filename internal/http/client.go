package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/chorus"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/kernel"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	ErrorResponse
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Kind, e.ErrorResponse.Error)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.ErrorResponse.Error)
}

// Client calls the review API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &apiErr.ErrorResponse) != nil || apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health returns daemon health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	return out, c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// Route routes one signal.
func (c *Client) Route(ctx context.Context, sig gate.Signal) (kernel.Outcome, error) {
	var out kernel.Outcome
	return out, c.do(ctx, http.MethodPost, "/api/v1/signals", sig, &out)
}

// Baselines returns the current baseline snapshot.
func (c *Client) Baselines(ctx context.Context) (gate.Snapshot, error) {
	var out gate.Snapshot
	return out, c.do(ctx, http.MethodGet, "/api/v1/baselines", nil, &out)
}

// Pending lists pending audits; limit 0 lists all.
func (c *Client) Pending(ctx context.Context, limit int) ([]audit.Record, error) {
	path := "/api/v1/audits/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out PendingResponse
	return out.Audits, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Audit returns one audit record.
func (c *Client) Audit(ctx context.Context, signalID string) (audit.Record, error) {
	var out audit.Record
	return out, c.do(ctx, http.MethodGet, "/api/v1/audits/"+url.PathEscape(signalID), nil, &out)
}

// Submit resolves a pending audit.
func (c *Client) Submit(ctx context.Context, signalID string, sub audit.Submission) (audit.Record, error) {
	var out audit.Record
	return out, c.do(ctx, http.MethodPost, "/api/v1/audits/"+url.PathEscape(signalID)+"/submit", sub, &out)
}

// RunAnalysis triggers an analysis pass.
func (c *Client) RunAnalysis(ctx context.Context) (*metalearning.Report, error) {
	var out metalearning.Report
	if err := c.do(ctx, http.MethodPost, "/api/v1/analysis/run", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LastReport returns the last analysis report.
func (c *Client) LastReport(ctx context.Context) (*metalearning.Report, error) {
	var out metalearning.Report
	if err := c.do(ctx, http.MethodGet, "/api/v1/analysis/report", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Adjustments lists proposals, optionally only undecided ones.
func (c *Client) Adjustments(ctx context.Context, pendingOnly bool) ([]approval.Proposal, error) {
	path := "/api/v1/adjustments"
	if pendingOnly {
		path += "?pending=true"
	}
	var out AdjustmentsResponse
	return out.Adjustments, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Decide records a batch of decisions.
func (c *Client) Decide(ctx context.Context, reqs []approval.DecisionRequest) ([]approval.Result, error) {
	var out DecisionsResponse
	return out.Results, c.do(ctx, http.MethodPost, "/api/v1/adjustments/decisions", DecisionsRequest{Decisions: reqs}, &out)
}

// RecordEpitaph stores an epitaph.
func (c *Client) RecordEpitaph(ctx context.Context, req epitaph.RecordRequest) (epitaph.Epitaph, error) {
	var out epitaph.Epitaph
	return out, c.do(ctx, http.MethodPost, "/api/v1/epitaphs", req, &out)
}

// Epitaphs lists every epitaph.
func (c *Client) Epitaphs(ctx context.Context) ([]epitaph.Epitaph, error) {
	var out EpitaphsResponse
	return out.Epitaphs, c.do(ctx, http.MethodGet, "/api/v1/epitaphs", nil, &out)
}

// Chorus composes a chorus.
func (c *Client) Chorus(ctx context.Context, req ChorusRequest) (chorus.Composition, error) {
	var out chorus.Composition
	return out, c.do(ctx, http.MethodPost, "/api/v1/chorus", req, &out)
}

// Volume returns the epitaph pool summary.
func (c *Client) Volume(ctx context.Context) (epitaph.Volume, error) {
	var out epitaph.Volume
	return out, c.do(ctx, http.MethodGet, "/api/v1/chorus/volume", nil, &out)
}

// Escalations lists escalation signals; an empty status lists all.
func (c *Client) Escalations(ctx context.Context, status escalation.Status) ([]escalation.Signal, error) {
	path := "/api/v1/escalations"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out EscalationsResponse
	return out.Escalations, c.do(ctx, http.MethodGet, path, nil, &out)
}

// UpdateEscalation moves an escalation signal to status.
func (c *Client) UpdateEscalation(ctx context.Context, id string, status escalation.Status, note string) (escalation.Signal, error) {
	var out escalation.Signal
	return out, c.do(ctx, http.MethodPost, "/api/v1/escalations/"+url.PathEscape(id)+"/status",
		EscalationStatusRequest{Status: status, Note: note}, &out)
}
