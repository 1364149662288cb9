package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patenthub/pipelined/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS record_fields (
    record_id TEXT NOT NULL,
    name      TEXT NOT NULL,
    value     TEXT NOT NULL,
    PRIMARY KEY (record_id, name)
);
CREATE TABLE IF NOT EXISTS task_states (
    record_id      TEXT NOT NULL,
    stage_key      TEXT NOT NULL,
    status         TEXT NOT NULL,
    step_id        TEXT,
    started_at     DATETIME,
    last_heartbeat DATETIME,
    run_count      INTEGER NOT NULL DEFAULT 0,
    success_count  INTEGER NOT NULL DEFAULT 0,
    last_error     TEXT NOT NULL DEFAULT '',
    last_cost      REAL NOT NULL DEFAULT 0,
    last_time_s    REAL NOT NULL DEFAULT 0,
    total_cost     REAL NOT NULL DEFAULT 0,
    total_time_s   REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (record_id, stage_key)
)`

const taskColumns = `record_id, stage_key, status, step_id, started_at, last_heartbeat,
	run_count, success_count, last_error, last_cost, last_time_s, total_cost, total_time_s`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers, which is what the short
	// check-then-set transactions rely on. It also keeps :memory: databases
	// coherent across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRecord inserts a new workflow record.
func (s *SQLiteStore) CreateRecord(ctx context.Context, r *model.WorkflowRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO records (id, title, created_at) VALUES (?, ?, ?)",
		r.ID, r.Title, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetRecord retrieves a workflow record by ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.WorkflowRecord, error) {
	r := &model.WorkflowRecord{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at FROM records WHERE id = ?", id,
	).Scan(&r.ID, &r.Title, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// ListRecords returns a paginated list of records ordered by created_at DESC,
// along with the total count.
func (s *SQLiteStore) ListRecords(ctx context.Context, limit, offset int) ([]*model.WorkflowRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id, title, created_at FROM records ORDER BY created_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []*model.WorkflowRecord
	for rows.Next() {
		r := &model.WorkflowRecord{}
		if err := rows.Scan(&r.ID, &r.Title, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate records: %w", err)
	}

	return records, total, nil
}

// SetFields upserts named fields on a record.
func (s *SQLiteStore) SetFields(ctx context.Context, recordID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := recordExists(ctx, tx, recordID); err != nil {
		return err
	}
	if err := upsertFields(ctx, tx, recordID, fields); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fields: %w", err)
	}
	return nil
}

// GetFields returns the requested named fields of a record. With no names it
// returns all fields. Missing fields are simply absent from the result.
func (s *SQLiteStore) GetFields(ctx context.Context, recordID string, names []string) (map[string]string, error) {
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, value FROM record_fields WHERE record_id = ?", recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("get fields: %w", err)
	}
	defer rows.Close()

	all := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		all[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}

	if len(names) == 0 {
		return all, nil
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := all[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

// GetTaskState returns the task state for (record, stage). A stage that has
// never been admitted reports an implicit idle state.
func (s *SQLiteStore) GetTaskState(ctx context.Context, recordID, stageKey string) (*model.TaskState, error) {
	st, err := scanTask(s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM task_states WHERE record_id = ? AND stage_key = ?",
		recordID, stageKey,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.GetRecord(ctx, recordID); err != nil {
			return nil, err
		}
		return &model.TaskState{
			RecordID: recordID,
			StageKey: stageKey,
			Status:   model.StatusIdle,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task state: %w", err)
	}
	return st, nil
}

// AdmitTask performs the atomic check-then-set that transitions a stage into
// running. The transaction is short and never spans network I/O.
func (s *SQLiteStore) AdmitTask(ctx context.Context, recordID, stageKey, stepPrefix string, force bool) (*model.TaskState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := recordExists(ctx, tx, recordID); err != nil {
		return nil, err
	}

	status := model.StatusIdle
	runCount := 0
	successCount := 0
	var totalCost, totalTimeS float64
	err = tx.QueryRowContext(ctx,
		"SELECT status, run_count, success_count, total_cost, total_time_s FROM task_states WHERE record_id = ? AND stage_key = ?",
		recordID, stageKey,
	).Scan(&status, &runCount, &successCount, &totalCost, &totalTimeS)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read task state: %w", err)
	}

	switch {
	case status == model.StatusRunning:
		return nil, ErrAlreadyRunning
	case status == model.StatusDone && !force:
		return nil, ErrAlreadyDone
	}

	now := time.Now().UTC()
	runCount++
	stepID := model.StepID(recordID, stepPrefix, runCount)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_states (record_id, stage_key, status, step_id, started_at, last_heartbeat, run_count, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '')
		 ON CONFLICT(record_id, stage_key) DO UPDATE SET
		   status = excluded.status,
		   step_id = excluded.step_id,
		   started_at = excluded.started_at,
		   last_heartbeat = excluded.last_heartbeat,
		   run_count = excluded.run_count,
		   last_error = excluded.last_error`,
		recordID, stageKey, model.StatusRunning, stepID, now, now, runCount,
	)
	if err != nil {
		return nil, fmt.Errorf("admit task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit admission: %w", err)
	}

	return &model.TaskState{
		RecordID:      recordID,
		StageKey:      stageKey,
		Status:        model.StatusRunning,
		StepID:        stepID,
		StartedAt:     &now,
		LastHeartbeat: &now,
		RunCount:      runCount,
		SuccessCount:  successCount,
		TotalCost:     totalCost,
		TotalTimeS:    totalTimeS,
	}, nil
}

// CompleteTask finalizes the successful run identified by stepID. The re-check
// happens inside the transaction and matches both status and step id: a
// cancellation that landed while the remote call was in flight always wins,
// and a stale run superseded by a forced re-admission can never commit onto
// the newer run's state.
func (s *SQLiteStore) CompleteTask(ctx context.Context, recordID, stageKey, stepID string, res *CompletionResult, beforeCommit func() error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status, curStepID string
	err = tx.QueryRowContext(ctx,
		"SELECT status, COALESCE(step_id, '') FROM task_states WHERE record_id = ? AND stage_key = ?",
		recordID, stageKey,
	).Scan(&status, &curStepID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("read task state: %w", err)
	}
	if status != model.StatusRunning || curStepID != stepID {
		return ErrNotRunning
	}

	if beforeCommit != nil {
		if err := beforeCommit(); err != nil {
			return fmt.Errorf("pre-commit step: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE task_states SET
		   status = ?, last_error = ?, last_heartbeat = ?,
		   success_count = success_count + 1,
		   last_cost = ?, last_time_s = ?,
		   total_cost = total_cost + ?, total_time_s = total_time_s + ?
		 WHERE record_id = ? AND stage_key = ?`,
		model.StatusDone, model.SuccessMarker, now,
		res.Cost, res.TimeS, res.Cost, res.TimeS,
		recordID, stageKey,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}

	if err := upsertFields(ctx, tx, recordID, res.Fields); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completion: %w", err)
	}
	return nil
}

// FailTask marks a task failed regardless of its current status.
func (s *SQLiteStore) FailTask(ctx context.Context, recordID, stageKey, cause string) error {
	return s.fail(ctx, recordID, stageKey, cause, false)
}

// FailIfRunning marks a task failed only when it is currently running.
func (s *SQLiteStore) FailIfRunning(ctx context.Context, recordID, stageKey, cause string) error {
	return s.fail(ctx, recordID, stageKey, cause, true)
}

func (s *SQLiteStore) fail(ctx context.Context, recordID, stageKey, cause string, onlyRunning bool) error {
	query := "UPDATE task_states SET status = ?, last_error = ?, last_heartbeat = ? WHERE record_id = ? AND stage_key = ?"
	args := []any{model.StatusFailed, cause, time.Now().UTC(), recordID, stageKey}
	if onlyRunning {
		query += " AND status = ?"
		args = append(args, model.StatusRunning)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if onlyRunning {
			return ErrNotRunning
		}
		return ErrTaskNotFound
	}
	return nil
}

// Heartbeat refreshes last_heartbeat for a running task. Deliberately a single
// unlocked write; the committer's own status re-check is the authority, so a
// racing heartbeat is harmless.
func (s *SQLiteStore) Heartbeat(ctx context.Context, recordID, stageKey string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE task_states SET last_heartbeat = ? WHERE record_id = ? AND stage_key = ? AND status = ?",
		time.Now().UTC(), recordID, stageKey, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotRunning
	}
	return nil
}

// ListRunning returns all running task states for a stage, across records.
func (s *SQLiteStore) ListRunning(ctx context.Context, stageKey string) ([]*model.TaskState, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM task_states WHERE stage_key = ? AND status = ?",
		stageKey, model.StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list running: %w", err)
	}
	defer rows.Close()

	var tasks []*model.TaskState
	for rows.Next() {
		st, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		tasks = append(tasks, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task states: %w", err)
	}
	return tasks, nil
}

// GetTaskStats returns aggregate pipeline statistics.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		PerStage:      make(map[string]StageStats),
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&stats.Records); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM task_states GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	stageRows, err := tx.QueryContext(ctx,
		`SELECT stage_key, SUM(run_count), SUM(success_count), SUM(total_cost), SUM(total_time_s)
		 FROM task_states GROUP BY stage_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("stage stats: %w", err)
	}
	defer stageRows.Close()
	for stageRows.Next() {
		var key string
		var ss StageStats
		if err := stageRows.Scan(&key, &ss.Runs, &ss.Successes, &ss.TotalCost, &ss.TotalTimeS); err != nil {
			return nil, fmt.Errorf("scan stage stats: %w", err)
		}
		stats.PerStage[key] = ss
	}
	if err := stageRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage stats: %w", err)
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.TaskState, error) {
	st := &model.TaskState{}
	var stepID sql.NullString
	var startedAt, lastHeartbeat sql.NullTime
	err := row.Scan(
		&st.RecordID, &st.StageKey, &st.Status, &stepID, &startedAt, &lastHeartbeat,
		&st.RunCount, &st.SuccessCount, &st.LastError,
		&st.LastCost, &st.LastTimeS, &st.TotalCost, &st.TotalTimeS,
	)
	if err != nil {
		return nil, err
	}
	if stepID.Valid {
		st.StepID = stepID.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		st.StartedAt = &t
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		st.LastHeartbeat = &t
	}
	return st, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func recordExists(ctx context.Context, q execQuerier, recordID string) error {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE id = ?", recordID).Scan(&n); err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func upsertFields(ctx context.Context, q execQuerier, recordID string, fields map[string]string) error {
	for name, value := range fields {
		_, err := q.ExecContext(ctx,
			`INSERT INTO record_fields (record_id, name, value) VALUES (?, ?, ?)
			 ON CONFLICT(record_id, name) DO UPDATE SET value = excluded.value`,
			recordID, name, value,
		)
		if err != nil {
			return fmt.Errorf("upsert field %q: %w", name, err)
		}
	}
	return nil
}
