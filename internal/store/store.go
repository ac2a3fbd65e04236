// File: internal/store/store.go

// Package store persists the append-only audit history and the cross-run
// knowledge aggregates in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/config"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const schemaDDL = `
CREATE TABLE IF NOT EXISTS audit_records (
	run_id      TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	step        TEXT    NOT NULL,
	assessment  TEXT    NOT NULL,
	result      TEXT    NOT NULL,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS knowledge (
	signature         TEXT    PRIMARY KEY,
	tool              TEXT    NOT NULL,
	success_count     INTEGER NOT NULL DEFAULT 0,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	total_duration_ms INTEGER NOT NULL DEFAULT 0,
	last_seen         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS goal_history (
	run_id      TEXT    PRIMARY KEY,
	goal        TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	steps       INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
`

// Store wraps the SQLite handle. All methods are safe for the
// single-threaded loop plus background sweeps.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (creating if needed) the database at cfg.Path and applies the
// schema.
func New(cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent sweeps.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}
	return &Store{db: db, logger: logger.Named("store")}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Append writes one audit record and folds its outcome into the knowledge
// table in a single transaction. Records are append-only; a duplicate
// (run, seq) pair is a programming error surfaced as a constraint failure.
func (s *Store) Append(ctx context.Context, rec schemas.AuditRecord) error {
	stepJSON, err := json.Marshal(rec.Step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	assessJSON, err := json.Marshal(rec.Assessment)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_records (run_id, seq, step, assessment, result, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Seq, string(stepJSON), string(assessJSON), string(resultJSON),
		rec.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	// Rejected steps carry no execution signal worth aggregating.
	if rec.Result.Status != schemas.StatusRejected {
		sig := Signature(rec.Step)
		success := 0
		failure := 0
		if rec.Result.OK() {
			success = 1
		} else {
			failure = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO knowledge (signature, tool, success_count, failure_count, total_duration_ms, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(signature) DO UPDATE SET
			   success_count     = success_count + excluded.success_count,
			   failure_count     = failure_count + excluded.failure_count,
			   total_duration_ms = total_duration_ms + excluded.total_duration_ms,
			   last_seen         = excluded.last_seen`,
			sig, rec.Step.Tool, success, failure,
			rec.Result.Duration.Milliseconds(), rec.RecordedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("upsert knowledge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// Replay returns the full ordered history of a run.
func (s *Store) Replay(ctx context.Context, runID string) ([]schemas.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, step, assessment, result, recorded_at
		 FROM audit_records WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []schemas.AuditRecord
	for rows.Next() {
		var rec schemas.AuditRecord
		var stepJSON, assessJSON, resultJSON string
		var recordedAt int64
		if err := rows.Scan(&rec.RunID, &rec.Seq, &stepJSON, &assessJSON, &resultJSON, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if err := json.Unmarshal([]byte(stepJSON), &rec.Step); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		if err := json.Unmarshal([]byte(assessJSON), &rec.Assessment); err != nil {
			return nil, fmt.Errorf("decode assessment: %w", err)
		}
		if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		rec.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Knowledge returns the aggregate entry for a signature.
func (s *Store) Knowledge(ctx context.Context, signature string) (schemas.KnowledgeEntry, error) {
	var e schemas.KnowledgeEntry
	var totalMS, lastSeen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT signature, tool, success_count, failure_count, total_duration_ms, last_seen
		 FROM knowledge WHERE signature = ?`, signature).
		Scan(&e.Signature, &e.Tool, &e.SuccessCount, &e.FailureCount, &totalMS, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return schemas.KnowledgeEntry{}, ErrNotFound
	}
	if err != nil {
		return schemas.KnowledgeEntry{}, fmt.Errorf("query knowledge: %w", err)
	}
	if total := e.SuccessCount + e.FailureCount; total > 0 {
		e.AvgDurationMS = totalMS / int64(total)
	}
	e.LastSeen = time.Unix(0, lastSeen).UTC()
	return e, nil
}

// KnowledgeForTool returns every aggregate recorded for a tool name.
func (s *Store) KnowledgeForTool(ctx context.Context, tool string) ([]schemas.KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature, tool, success_count, failure_count, total_duration_ms, last_seen
		 FROM knowledge WHERE tool = ? ORDER BY signature`, tool)
	if err != nil {
		return nil, fmt.Errorf("query knowledge by tool: %w", err)
	}
	defer rows.Close()

	var out []schemas.KnowledgeEntry
	for rows.Next() {
		var e schemas.KnowledgeEntry
		var totalMS, lastSeen int64
		if err := rows.Scan(&e.Signature, &e.Tool, &e.SuccessCount, &e.FailureCount, &totalMS, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		if total := e.SuccessCount + e.FailureCount; total > 0 {
			e.AvgDurationMS = totalMS / int64(total)
		}
		e.LastSeen = time.Unix(0, lastSeen).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordGoal archives a finished run for the historical-average heuristic.
func (s *Store) RecordGoal(ctx context.Context, summary schemas.RunSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO goal_history (run_id, goal, outcome, steps, finished_at)
		 VALUES (?, ?, ?, ?, ?)`,
		summary.RunID, summary.Goal, string(summary.Class), summary.Steps,
		summary.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record goal: %w", err)
	}
	return nil
}

// HistoricalAvgSteps estimates the step count of similar past goals by
// keyword overlap against completed runs. Returns 0 when no past goal
// shares at least two keywords.
func (s *Store) HistoricalAvgSteps(ctx context.Context, goalText string) (float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT goal, steps FROM goal_history
		 WHERE outcome = ? ORDER BY finished_at DESC LIMIT 100`,
		string(schemas.RunCompleted))
	if err != nil {
		return 0, fmt.Errorf("query goal history: %w", err)
	}
	defer rows.Close()

	want := keywordSet(goalText)
	var total, matched int
	for rows.Next() {
		var goal string
		var steps int
		if err := rows.Scan(&goal, &steps); err != nil {
			return 0, fmt.Errorf("scan goal history: %w", err)
		}
		overlap := 0
		for w := range keywordSet(goal) {
			if _, ok := want[w]; ok {
				overlap++
			}
		}
		if overlap >= 2 {
			total += steps
			matched++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if matched == 0 {
		return 0, nil
	}
	return float64(total) / float64(matched), nil
}

// Stats is the counter set surfaced to the model via the memory_stats tool.
type Stats struct {
	AuditRecords int     `json:"audit_records"`
	Signatures   int     `json:"signatures"`
	Goals        int     `json:"goals"`
	SuccessRate  float64 `json:"success_rate"`
}

// Statistics summarizes the store contents.
func (s *Store) Statistics(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&st.AuditRecords); err != nil {
		return st, fmt.Errorf("count audit records: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge`).Scan(&st.Signatures); err != nil {
		return st, fmt.Errorf("count knowledge: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM goal_history`).Scan(&st.Goals); err != nil {
		return st, fmt.Errorf("count goals: %w", err)
	}
	var success, failure sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(success_count), SUM(failure_count) FROM knowledge`).Scan(&success, &failure)
	if err != nil {
		return st, fmt.Errorf("sum knowledge counters: %w", err)
	}
	if total := success.Int64 + failure.Int64; total > 0 {
		st.SuccessRate = float64(success.Int64) / float64(total)
	}
	return st, nil
}

// Sweep removes stale low-value knowledge rows: entries older than the
// retention window that were seen fewer than three times. Audit records
// are never touched.
func (s *Store) Sweep(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge
		 WHERE last_seen < ? AND success_count + failure_count < 3`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep knowledge: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Swept stale knowledge entries", zap.Int64("removed", n))
	}
	return n, nil
}

func keywordSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) >= 4 {
			out[w] = struct{}{}
		}
	}
	return out
}
