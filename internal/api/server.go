package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"salvo/internal/clock"
	"salvo/internal/domain"
	"salvo/internal/journal"
)

// Tracker keeps a live view of one run for the status endpoint. It satisfies
// scheduler.Observer.
type Tracker struct {
	mu        sync.RWMutex
	runID     string
	items     []domain.TargetItem
	fireAt    time.Time
	startAt   time.Time
	state     domain.ArmState
	batches   int
	attempts  int
	counts    map[string]int
	succeeded map[string]bool
	last      *batchView
}

type batchView struct {
	Item     string         `json:"item"`
	Size     int            `json:"size"`
	Outcomes map[string]int `json:"outcomes"`
	At       time.Time      `json:"at"`
}

func NewTracker(runID string, items []domain.TargetItem, fireAt, startAt time.Time) *Tracker {
	return &Tracker{
		runID:     runID,
		items:     items,
		fireAt:    fireAt,
		startAt:   startAt,
		state:     domain.StateIdle,
		counts:    map[string]int{},
		succeeded: map[string]bool{},
	}
}

func (t *Tracker) ObserveState(s domain.ArmState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tracker) ObserveBatch(b domain.BatchResult) {
	v := &batchView{Item: b.Item.ID, Size: len(b.Attempts), Outcomes: map[string]int{}, At: time.Now()}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches++
	t.attempts += len(b.Attempts)
	for _, a := range b.Attempts {
		t.counts[a.Outcome.String()]++
		v.Outcomes[a.Outcome.String()]++
		if a.Outcome == domain.OutcomeSuccess {
			t.succeeded[b.Item.ID] = true
		}
	}
	t.last = v
}

type statusResp struct {
	RunID     string          `json:"run_id"`
	State     domain.ArmState `json:"state"`
	FireAt    *time.Time      `json:"fire_at,omitempty"`
	StartAt   *time.Time      `json:"start_at,omitempty"`
	Batches   int             `json:"batches"`
	Attempts  int             `json:"attempts"`
	Counts    map[string]int  `json:"counts"`
	Succeeded []string        `json:"succeeded"`
	Pending   []string        `json:"pending"`
	LastBatch *batchView      `json:"last_batch,omitempty"`
	Clock     clockResp       `json:"clock"`
}

type clockResp struct {
	OffsetMS float64 `json:"offset_ms"`
	RTTMS    float64 `json:"rtt_ms"`
	Synced   bool    `json:"synced"`
}

func (t *Tracker) snapshot() statusResp {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := statusResp{
		RunID:     t.runID,
		State:     t.state,
		Batches:   t.batches,
		Attempts:  t.attempts,
		Counts:    make(map[string]int, len(t.counts)),
		Succeeded: []string{},
		Pending:   []string{},
		LastBatch: t.last,
	}
	if !t.fireAt.IsZero() {
		f, s := t.fireAt, t.startAt
		r.FireAt, r.StartAt = &f, &s
	}
	for k, v := range t.counts {
		r.Counts[k] = v
	}
	for _, it := range t.items {
		if t.succeeded[it.ID] {
			r.Succeeded = append(r.Succeeded, it.ID)
		} else {
			r.Pending = append(r.Pending, it.ID)
		}
	}
	return r
}

type Server struct {
	r       *chi.Mux
	tracker *Tracker
	offset  func() clock.Offset
	journal journal.Journal
}

// NewServer builds the status router. metrics and j may be nil.
func NewServer(t *Tracker, offset func() clock.Offset, metrics http.Handler, j journal.Journal) http.Handler {
	return NewServerWithDebug(t, offset, metrics, j, false)
}

// NewServerWithDebug also mounts the pprof handlers under /debug/pprof.
func NewServerWithDebug(t *Tracker, offset func() clock.Offset, metrics http.Handler, j journal.Journal, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: r, tracker: t, offset: offset, journal: j}

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Get("/api/run", s.run)
	r.Get("/api/attempts", s.attempts)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	if enableDebug {
		r.Mount("/debug", middleware.Profiler())
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := s.tracker.snapshot()
	if s.offset != nil {
		o := s.offset()
		resp.Clock = clockResp{
			OffsetMS: float64(o.Value) / float64(time.Millisecond),
			RTTMS:    float64(o.RTT) / float64(time.Millisecond),
			Synced:   o.Synced,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type runResp struct {
	RunID       string         `json:"run_id"`
	Goal        string         `json:"goal"`
	Targets     int            `json:"targets"`
	Concurrency int            `json:"concurrency"`
	FireAt      time.Time      `json:"fire_at"`
	StartedAt   time.Time      `json:"started_at"`
	StoppedAt   *time.Time     `json:"stopped_at,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	ClockSynced bool           `json:"clock_synced"`
	OffsetMS    float64        `json:"clock_offset_ms"`
	Outcomes    map[string]int `json:"outcomes"`
}

// run reports the journaled view of the current run, with outcome counts
// as committed to the journal.
func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	run, err := s.journal.GetRun(r.Context(), s.tracker.runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts, err := s.journal.CountByOutcome(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runResp{
		RunID:       run.ID,
		Goal:        string(run.Goal),
		Targets:     run.Targets,
		Concurrency: run.Concurrency,
		FireAt:      run.FireAt,
		StartedAt:   run.StartedAt,
		StoppedAt:   run.StoppedAt,
		Reason:      run.Reason,
		ClockSynced: run.ClockSynced,
		OffsetMS:    float64(run.ClockOffset) / float64(time.Millisecond),
		Outcomes:    counts,
	})
}

type attemptResp struct {
	Seq          uint64    `json:"seq"`
	Item         string    `json:"item"`
	DispatchedAt time.Time `json:"dispatched_at"`
	LatencyMS    float64   `json:"latency_ms"`
	Outcome      string    `json:"outcome"`
	Status       int       `json:"status"`
	Error        string    `json:"error,omitempty"`
}

func (s *Server) attempts(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rows, err := s.journal.ListAttempts(r.Context(), s.tracker.runID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]attemptResp, 0, len(rows))
	for _, a := range rows {
		out = append(out, attemptResp{
			Seq:          a.Seq,
			Item:         a.ItemID,
			DispatchedAt: a.DispatchedAt,
			LatencyMS:    float64(a.Latency) / float64(time.Millisecond),
			Outcome:      a.Outcome,
			Status:       a.Status,
			Error:        a.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
