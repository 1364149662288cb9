package model

import "time"

// Task status constants.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// SuccessMarker is written to LastError when a run completes, so the field
// always reflects the outcome of the most recent run.
const SuccessMarker = "success"

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusIdle: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusDone:   true,
		StatusFailed: true,
	},
	StatusDone: {
		StatusRunning: true, // force re-run
	},
	StatusFailed: {
		StatusRunning: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TaskState is the mutable status and bookkeeping of one pipeline stage on one
// record. A record owns one TaskState per stage key; states are created
// implicitly on first admission and default to idle before that.
type TaskState struct {
	RecordID      string     `json:"record_id"`
	StageKey      string     `json:"stage_key"`
	Status        string     `json:"status"`
	StepID        string     `json:"step_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	RunCount      int        `json:"run_count"`
	SuccessCount  int        `json:"success_count"`
	LastError     string     `json:"last_error,omitempty"`

	// LastCost/LastTimeS are the remote-reported cost and elapsed seconds of
	// the most recent successful run. The Total* accumulators only ever grow.
	LastCost   float64 `json:"last_cost"`
	LastTimeS  float64 `json:"last_time_s"`
	TotalCost  float64 `json:"total_cost"`
	TotalTimeS float64 `json:"total_time_s"`
}
