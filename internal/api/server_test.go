package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salvo/internal/clock"
	"salvo/internal/domain"
	"salvo/internal/journal"
	"salvo/internal/metrics"
)

var targets = []domain.TargetItem{{ID: "A", Label: "first"}, {ID: "B", Label: "second"}}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealth(t *testing.T) {
	h := NewServer(NewTracker("run_1", targets, time.Time{}, time.Time{}), nil, nil, nil)
	rr := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestStatus(t *testing.T) {
	fire := time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)
	tr := NewTracker("run_1", targets, fire, fire.Add(-200*time.Millisecond))
	tr.ObserveState(domain.StateFiring)
	tr.ObserveBatch(domain.BatchResult{Item: targets[0], Attempts: []domain.AttemptRecord{
		{Item: targets[0], Outcome: domain.OutcomeOverloaded},
		{Item: targets[0], Outcome: domain.OutcomeSuccess},
	}})
	offset := func() clock.Offset { return clock.Offset{Value: 12 * time.Millisecond, Synced: true} }

	rr := get(t, NewServer(tr, offset, nil, nil), "/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var got statusResp
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, "run_1", got.RunID)
	assert.Equal(t, domain.StateFiring, got.State)
	assert.Equal(t, 1, got.Batches)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, map[string]int{"overloaded": 1, "success": 1}, got.Counts)
	assert.Equal(t, []string{"A"}, got.Succeeded)
	assert.Equal(t, []string{"B"}, got.Pending)
	require.NotNil(t, got.FireAt)
	assert.True(t, got.FireAt.Equal(fire))
	assert.Equal(t, 12.0, got.Clock.OffsetMS)
	assert.True(t, got.Clock.Synced)
	require.NotNil(t, got.LastBatch)
	assert.Equal(t, 2, got.LastBatch.Size)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.NewCollector()
	m.ObserveState(domain.StateWaiting)
	rr := get(t, NewServer(NewTracker("run_1", targets, time.Time{}, time.Time{}), nil, m.Handler(), nil), "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "salvo_arm_state")
}

func TestAttemptsRoute(t *testing.T) {
	db, err := journal.Open(filepath.Join(t.TempDir(), "j.db"))
	require.NoError(t, err)
	defer db.Close()
	j := journal.NewSQLite(db)
	id, err := j.StartRun(context.Background(), journal.Run{Goal: domain.GoalFirstSuccess, Targets: 2, Concurrency: 2})
	require.NoError(t, err)
	require.NoError(t, j.RecordBatch(context.Background(), id, domain.BatchResult{Item: targets[1], Attempts: []domain.AttemptRecord{
		{Item: targets[1], Seq: 1, DispatchAt: time.Now(), Latency: 8 * time.Millisecond, Outcome: domain.OutcomeRejected, Status: 400},
	}}))

	h := NewServer(NewTracker(id, targets, time.Time{}, time.Time{}), nil, nil, j)
	rr := get(t, h, "/api/attempts?limit=5")
	require.Equal(t, http.StatusOK, rr.Code)
	var rows []attemptResp
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0].Item)
	assert.Equal(t, "rejected", rows[0].Outcome)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/attempts?limit=x").Code)
}

func TestAttemptsWithoutJournal(t *testing.T) {
	h := NewServer(NewTracker("run_1", targets, time.Time{}, time.Time{}), nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/attempts").Code)
}

func TestRunRoute(t *testing.T) {
	ctx := context.Background()
	db, err := journal.Open(filepath.Join(t.TempDir(), "j.db"))
	require.NoError(t, err)
	defer db.Close()
	j := journal.NewSQLite(db)
	fire := time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)
	id, err := j.StartRun(ctx, journal.Run{Goal: domain.GoalAllItems, Targets: 2, Concurrency: 4, FireAt: fire, ClockOffset: 20 * time.Millisecond, ClockSynced: true})
	require.NoError(t, err)
	require.NoError(t, j.RecordBatch(ctx, id, domain.BatchResult{Item: targets[0], Attempts: []domain.AttemptRecord{
		{Item: targets[0], Seq: 1, DispatchAt: time.Now(), Outcome: domain.OutcomeOverloaded, Status: 503},
		{Item: targets[0], Seq: 2, DispatchAt: time.Now(), Outcome: domain.OutcomeSuccess, Status: 200},
	}}))
	require.NoError(t, j.FinishRun(ctx, id, "goals_exhausted", fire.Add(time.Second)))

	rr := get(t, NewServer(NewTracker(id, targets, fire, fire), nil, nil, j), "/api/run")
	require.Equal(t, http.StatusOK, rr.Code)
	var got runResp
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, id, got.RunID)
	assert.Equal(t, "all_items", got.Goal)
	assert.Equal(t, 4, got.Concurrency)
	assert.Equal(t, 20.0, got.OffsetMS)
	assert.Equal(t, "goals_exhausted", got.Reason)
	require.NotNil(t, got.StoppedAt)
	assert.Equal(t, map[string]int{"overloaded": 1, "success": 1}, got.Outcomes)

	assert.Equal(t, http.StatusNotFound, get(t, NewServer(NewTracker(id, targets, fire, fire), nil, nil, nil), "/api/run").Code)
}

func TestDebugRoutesOnlyWhenEnabled(t *testing.T) {
	tr := NewTracker("run_1", targets, time.Time{}, time.Time{})
	assert.Equal(t, http.StatusNotFound, get(t, NewServer(tr, nil, nil, nil), "/debug/pprof/").Code)

	rr := get(t, NewServerWithDebug(tr, nil, nil, nil, true), "/debug/pprof/")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "goroutine")
}
