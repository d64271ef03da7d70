package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
	"git.home.luguber.info/inful/conveyor/internal/state"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	store, err := state.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	def := &config.Pipeline{
		Name:   "tvb-tests",
		Stages: []config.Stage{{Name: "build", Steps: []config.Step{{Sh: &config.ShStep{Script: "true"}}}}},
	}
	return &Daemon{
		cfg:       &config.Config{},
		pipelines: map[string]*supervised{"tvb-tests": {def: def, ref: config.PipelineRef{File: "pipeline.yaml"}}},
		queue:     NewQueue(10),
		pool:      NewAgentPool([]config.AgentConfig{{Name: "local"}}),
		store:     store,
		recorder:  metrics.NoopRecorder{},
		startTime: time.Now(),
	}
}

func serve(t *testing.T, d *Daemon, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	server := NewHTTPServer(config.HTTPConfig{Listen: ":0"}, d)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	rec := serve(t, newTestDaemon(t), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	rec := serve(t, newTestDaemon(t), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Pipelines, 1)
	assert.Equal(t, "tvb-tests", status.Pipelines[0].Name)
	require.Len(t, status.Agents, 1)
	assert.False(t, status.Agents[0].Busy)
}

func TestTriggerEndpointQueuesManualRun(t *testing.T) {
	d := newTestDaemon(t)
	rec := serve(t, d, http.MethodPost, "/api/pipelines/tvb-tests/run")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, d.queue.Len())

	pending := d.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, pipeline.TriggerManual, pending[0].Trigger)
}

func TestTriggerEndpointUnknownPipeline(t *testing.T) {
	rec := serve(t, newTestDaemon(t), http.MethodPost, "/api/pipelines/nope/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsEndpoint(t *testing.T) {
	d := newTestDaemon(t)
	run := &pipeline.Run{
		ID: "run-1", Pipeline: "tvb-tests", Number: 1,
		Trigger: pipeline.TriggerManual, Result: pipeline.ResultSuccess,
		StartedAt: time.Now(),
	}
	ctx := context.Background()
	require.NoError(t, d.store.RecordStart(ctx, run))
	now := time.Now()
	run.FinishedAt = &now
	require.NoError(t, d.store.RecordFinish(ctx, run))

	rec := serve(t, d, http.MethodGet, "/api/runs?pipeline=tvb-tests")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []*pipeline.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "run-1", body.Runs[0].ID)
}

func TestRunsEndpointBadLimit(t *testing.T) {
	rec := serve(t, newTestDaemon(t), http.MethodGet, "/api/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpointNotFound(t *testing.T) {
	rec := serve(t, newTestDaemon(t), http.MethodGet, "/api/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConsoleEndpointUnknownRunNotFound(t *testing.T) {
	rec := serve(t, newTestDaemon(t), http.MethodGet, "/runs/missing/console")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConsoleEndpointServesPlainText(t *testing.T) {
	d := newTestDaemon(t)

	consolePath := filepath.Join(t.TempDir(), "console.log")
	require.NoError(t, os.WriteFile(consolePath, []byte("Starting tvb-tests #1\n"), 0o644))

	run := &pipeline.Run{
		ID: "run-1", Pipeline: "tvb-tests", Number: 1,
		Trigger: pipeline.TriggerManual, Result: pipeline.ResultSuccess,
		StartedAt: time.Now(), ConsolePath: consolePath,
	}
	require.NoError(t, d.store.RecordStart(context.Background(), run))

	rec := serve(t, d, http.MethodGet, "/runs/run-1/console")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "Starting tvb-tests #1")
}
