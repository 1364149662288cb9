package store

import (
	"context"
	"errors"

	"github.com/patenthub/pipelined/internal/model"
)

// ErrRecordNotFound is returned when a workflow record does not exist.
var ErrRecordNotFound = errors.New("record not found")

// ErrTaskNotFound is returned when a task state row does not exist.
var ErrTaskNotFound = errors.New("task state not found")

// ErrAlreadyRunning rejects admission of a stage that is currently running.
var ErrAlreadyRunning = errors.New("task already running")

// ErrAlreadyDone rejects admission of a completed stage without force.
var ErrAlreadyDone = errors.New("task already done")

// ErrNotRunning is returned when an operation requires a running task: result
// commits after cancellation, cancels of idle tasks, reaper races.
var ErrNotRunning = errors.New("task not running")

// CompletionResult carries everything a successful run writes to the record:
// mapped output fields plus the remote-reported cost and elapsed seconds.
type CompletionResult struct {
	Fields map[string]string
	Cost   float64
	TimeS  float64
}

// StageStats aggregates run bookkeeping across all records for one stage.
type StageStats struct {
	Runs       int     `json:"runs"`
	Successes  int     `json:"successes"`
	TotalCost  float64 `json:"total_cost"`
	TotalTimeS float64 `json:"total_time_s"`
}

// TaskStats holds aggregate pipeline statistics.
type TaskStats struct {
	Records       int                   `json:"records"`
	CountByStatus map[string]int        `json:"count_by_status"`
	PerStage      map[string]StageStats `json:"per_stage"`
}

// Store defines persistence for workflow records, their named fields, and
// per-stage task states. Mutations that decide a task's fate (admit, complete,
// fail, cancel) are atomic check-then-set operations inside short
// transactions; Heartbeat is deliberately unlocked and best-effort.
type Store interface {
	CreateRecord(ctx context.Context, r *model.WorkflowRecord) error
	GetRecord(ctx context.Context, id string) (*model.WorkflowRecord, error)
	ListRecords(ctx context.Context, limit, offset int) ([]*model.WorkflowRecord, int, error)

	SetFields(ctx context.Context, recordID string, fields map[string]string) error
	GetFields(ctx context.Context, recordID string, names []string) (map[string]string, error)

	// GetTaskState returns the task state for (record, stage). Stages that
	// have never been admitted report an implicit idle state.
	GetTaskState(ctx context.Context, recordID, stageKey string) (*model.TaskState, error)

	// AdmitTask atomically transitions (record, stage) into running: it
	// rejects running tasks and, unless force is set, done tasks; otherwise
	// it mints a fresh step id, increments run_count, and stamps
	// started_at/last_heartbeat.
	AdmitTask(ctx context.Context, recordID, stageKey, stepPrefix string, force bool) (*model.TaskState, error)

	// CompleteTask finalizes the successful run identified by stepID. It
	// re-checks inside the transaction that the task is still running AND that
	// the running run is still this one (a cancelled or superseded run's
	// result must be discarded), invokes beforeCommit (artifact replacement)
	// under that same guard, applies mapped fields, and accumulates cost/time.
	CompleteTask(ctx context.Context, recordID, stageKey, stepID string, res *CompletionResult, beforeCommit func() error) error

	// FailTask marks a task failed regardless of current status, recording
	// the cause. Used by the execution engine's uniform failure handler and
	// by admission rollback after a queue submission error.
	FailTask(ctx context.Context, recordID, stageKey, cause string) error

	// FailIfRunning marks a task failed only if it is currently running.
	// Used by user cancellation and the stuck-task reaper.
	FailIfRunning(ctx context.Context, recordID, stageKey, cause string) error

	// Heartbeat refreshes last_heartbeat for a running task. No transaction:
	// this is a liveness signal, not a consistency-critical write.
	Heartbeat(ctx context.Context, recordID, stageKey string) error

	ListRunning(ctx context.Context, stageKey string) ([]*model.TaskState, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}
