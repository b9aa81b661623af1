package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"salvo/internal/domain"
)

// Open opens (or creates) the SQLite journal at path.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  goal TEXT NOT NULL,
  targets INTEGER NOT NULL,
  concurrency INTEGER NOT NULL,
  fire_at DATETIME,
  clock_offset_ms REAL NOT NULL DEFAULT 0,
  clock_synced INTEGER NOT NULL DEFAULT 0,
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  stopped_at DATETIME,
  reason TEXT
);
CREATE TABLE IF NOT EXISTS attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  item_id TEXT NOT NULL,
  item_label TEXT NOT NULL DEFAULT '',
  dispatched_at DATETIME NOT NULL,
  latency_ms REAL NOT NULL,
  outcome TEXT NOT NULL CHECK(outcome IN ('success','rejected','overloaded','transport_error','unknown')),
  status INTEGER NOT NULL DEFAULT 0,
  fragment TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id, seq);
`
	_, err := db.Exec(schema)
	return err
}

type Run struct {
	ID          string
	Goal        domain.Goal
	Targets     int
	Concurrency int
	FireAt      time.Time
	ClockOffset time.Duration
	ClockSynced bool
	StartedAt   time.Time
	StoppedAt   *time.Time
	Reason      string
}

type Attempt struct {
	RunID        string
	Seq          uint64
	ItemID       string
	ItemLabel    string
	DispatchedAt time.Time
	Latency      time.Duration
	Outcome      string
	Status       int
	Fragment     string
	Error        string
}

// Journal is a write-mostly diagnostic log of runs. Nothing in it is read
// back to resume a run.
type Journal interface {
	StartRun(ctx context.Context, r Run) (string, error)
	RecordBatch(ctx context.Context, runID string, b domain.BatchResult) error
	FinishRun(ctx context.Context, runID, reason string, at time.Time) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListAttempts(ctx context.Context, runID string, limit int) ([]Attempt, error)
	CountByOutcome(ctx context.Context, runID string) (map[string]int, error)
}

type sqliteJournal struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Journal { return &sqliteJournal{db: db} }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

func (j *sqliteJournal) StartRun(ctx context.Context, r Run) (string, error) {
	id := r.ID
	if id == "" {
		id = NewRunID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	var fireAt sql.NullTime
	if !r.FireAt.IsZero() {
		fireAt = sql.NullTime{Time: r.FireAt, Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO runs (id,goal,targets,concurrency,fire_at,clock_offset_ms,clock_synced,started_at)
VALUES (?,?,?,?,?,?,?,?)
`, id, string(r.Goal), r.Targets, r.Concurrency, fireAt, ms(r.ClockOffset), r.ClockSynced, r.StartedAt)
	return id, err
}

func (j *sqliteJournal) RecordBatch(ctx context.Context, runID string, b domain.BatchResult) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO attempts (run_id,seq,item_id,item_label,dispatched_at,latency_ms,outcome,status,fragment,error)
VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range b.Attempts {
		errStr := ""
		if a.Err != nil {
			errStr = a.Err.Error()
		}
		if _, err = stmt.ExecContext(ctx, runID, a.Seq, a.Item.ID, a.Item.Label, a.DispatchAt, ms(a.Latency), a.Outcome.String(), a.Status, a.Fragment, errStr); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (j *sqliteJournal) FinishRun(ctx context.Context, runID, reason string, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `UPDATE runs SET stopped_at=?, reason=? WHERE id=?`, at, reason, runID)
	return err
}

func (j *sqliteJournal) GetRun(ctx context.Context, id string) (Run, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id,goal,targets,concurrency,fire_at,clock_offset_ms,clock_synced,started_at,stopped_at,reason
FROM runs WHERE id=?`, id)
	var (
		r        Run
		goal     string
		fireAt   sql.NullTime
		offsetMS float64
		stopped  sql.NullTime
		reason   sql.NullString
	)
	if err := row.Scan(&r.ID, &goal, &r.Targets, &r.Concurrency, &fireAt, &offsetMS, &r.ClockSynced, &r.StartedAt, &stopped, &reason); err != nil {
		return Run{}, err
	}
	r.Goal = domain.Goal(goal)
	r.ClockOffset = time.Duration(offsetMS * float64(time.Millisecond))
	if fireAt.Valid {
		r.FireAt = fireAt.Time
	}
	if stopped.Valid {
		r.StoppedAt = &stopped.Time
	}
	r.Reason = reason.String
	return r, nil
}

func (j *sqliteJournal) ListAttempts(ctx context.Context, runID string, limit int) ([]Attempt, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT run_id,seq,item_id,item_label,dispatched_at,latency_ms,outcome,status,fragment,error
FROM attempts WHERE run_id=? ORDER BY seq LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var latencyMS float64
		if err := rows.Scan(&a.RunID, &a.Seq, &a.ItemID, &a.ItemLabel, &a.DispatchedAt, &latencyMS, &a.Outcome, &a.Status, &a.Fragment, &a.Error); err != nil {
			return nil, err
		}
		a.Latency = time.Duration(latencyMS * float64(time.Millisecond))
		out = append(out, a)
	}
	return out, rows.Err()
}

func (j *sqliteJournal) CountByOutcome(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM attempts WHERE run_id=? GROUP BY outcome`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var o string
		var n int
		if err := rows.Scan(&o, &n); err != nil {
			return nil, err
		}
		out[o] = n
	}
	return out, rows.Err()
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// Recorder adapts a Journal to scheduler.Observer. Batches are queued to a
// writer goroutine, so the scheduler never waits on SQLite between batches.
// A full queue drops the batch with a warning.
type Recorder struct {
	j       Journal
	runID   string
	queue   chan domain.BatchResult
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

const recorderQueue = 1024

func NewRecorder(j Journal, runID string) *Recorder {
	r := &Recorder{
		j:     j,
		runID: runID,
		queue: make(chan domain.BatchResult, recorderQueue),
		done:  make(chan struct{}),
	}
	go r.write()
	return r
}

func (r *Recorder) write() {
	defer close(r.done)
	for b := range r.queue {
		if err := r.j.RecordBatch(context.Background(), r.runID, b); err != nil {
			log.Error().Err(err).Str("run_id", r.runID).Str("item", b.Item.ID).Msg("journal write failed")
		}
	}
}

func (r *Recorder) ObserveState(domain.ArmState) {}

func (r *Recorder) ObserveBatch(b domain.BatchResult) {
	select {
	case r.queue <- b:
	default:
		n := r.dropped.Add(1)
		log.Warn().Str("run_id", r.runID).Str("item", b.Item.ID).Int64("dropped", n).Msg("journal queue full, batch not recorded")
	}
}

// Dropped is the number of batches lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting batches and waits until queued ones are written.
// ObserveBatch must not be called after Close.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.queue) })
	<-r.done
	return nil
}
