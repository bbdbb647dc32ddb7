package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/chorus"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
)

func setupTestClient(t *testing.T) *Client {
	t.Helper()
	server := setupTestServer(t, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL+"/", 5*time.Second)
}

func TestClient(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)

	out, err := c.Route(ctx, gate.Signal{ID: "sig-1", Category: "routing", Confidences: map[string]float64{"routing": 0.8}})
	require.NoError(t, err)
	assert.Equal(t, gate.RouteReview, out.Route)

	pending, err := c.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sig-1", pending[0].SignalID)

	rec, err := c.Submit(ctx, "sig-1", audit.Submission{
		Correction: &ledger.Correction{Deltas: map[string]float64{"routing": -0.2}, FailureCode: "HALLUCINATION"},
	})
	require.NoError(t, err)
	assert.Equal(t, audit.StateResolved, rec.State)

	t.Run("conflict decodes as an api error", func(t *testing.T) {
		_, err := c.Submit(ctx, "sig-1", audit.Submission{})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
		assert.True(t, apiErr.AlreadyDone)
		assert.Equal(t, "state_conflict", apiErr.Kind)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.Audit(ctx, "missing")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	})

	eps, err := c.Epitaphs(ctx)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "HALLUCINATION", eps[0].FailureCode)

	e, err := c.RecordEpitaph(ctx, epitaph.RecordRequest{Message: "check the ticket exists before citing it"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)

	v, err := c.Volume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Total)

	comp, err := c.Chorus(ctx, ChorusRequest{Text: "citing a ticket", Signals: &chorus.Signals{Retries: 2}})
	require.NoError(t, err)
	assert.Equal(t, chorus.ModeUnderPressure, comp.Mode)

	report, err := c.RunAnalysis(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Entries)

	last, err := c.LastReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.GeneratedAt.Unix(), last.GeneratedAt.Unix())

	adjs, err := c.Adjustments(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, adjs)

	snap, err := c.Baselines(ctx)
	require.NoError(t, err)
	assert.NotZero(t, snap.Version)

	escs, err := c.Escalations(ctx, escalation.StatusActive)
	require.NoError(t, err)
	assert.Empty(t, escs)
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.Health(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
