package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStage is returned when a stage key has no definition.
var ErrUnknownStage = errors.New("unknown stage")

// ErrSupervisorStopped reports that the heartbeat supervisor observed the task
// leave the running state while the remote call was still in flight: the task
// was cancelled or reaped underneath the worker, so its result is abandoned.
var ErrSupervisorStopped = errors.New("heartbeat supervisor stopped: task no longer running")

// ValidationError rejects admission when required input fields are missing or
// empty on the record. It never reaches the job queue.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required inputs: %s", strings.Join(e.Missing, ", "))
}
