package engine

import (
	"context"
	"errors"
	"time"

	"github.com/patenthub/pipelined/internal/config"
	"github.com/patenthub/pipelined/internal/remote"
	"github.com/patenthub/pipelined/internal/store"
)

// callWithHeartbeat runs the remote call and the heartbeat loop as siblings
// under one cancellation scope. Whichever finishes first cancels the other.
// The call finishing means the loop writes one final heartbeat and exits; the
// loop finishing first means it observed the task leave the running state, so
// the call is abandoned with ErrSupervisorStopped.
func (e *Engine) callWithHeartbeat(ctx context.Context, stage config.StageDefinition, recordID string, input map[string]any) (*remote.Envelope, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type callResult struct {
		env *remote.Envelope
		err error
	}
	callCh := make(chan callResult, 1)
	hbDone := make(chan struct{})

	go func() {
		env, err := e.remote.Invoke(ctx, stage.Endpoint, input)
		callCh <- callResult{env: env, err: err}
	}()
	go func() {
		defer close(hbDone)
		e.heartbeatLoop(ctx, recordID, stage)
	}()

	select {
	case res := <-callCh:
		cancel()
		// Wait for the final heartbeat write before handing off to commit.
		<-hbDone
		return res.env, res.err
	case <-hbDone:
		if err := ctx.Err(); err != nil {
			// The scope itself ended (job wall-clock timeout), not the task.
			return nil, err
		}
		cancel()
		return nil, ErrSupervisorStopped
	}
}

// heartbeatLoop refreshes last_heartbeat on the stage's interval until the
// scope is cancelled, then performs one final write so liveness reflects the
// moment execution stopped. It returns early when the task is observed to no
// longer be running underneath it.
func (e *Engine) heartbeatLoop(ctx context.Context, recordID string, stage config.StageDefinition) {
	ticker := time.NewTicker(stage.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !e.writeHeartbeat(recordID, stage.Key) {
				return
			}
		case <-ctx.Done():
			e.writeHeartbeat(recordID, stage.Key)
			return
		}
	}
}

// writeHeartbeat records one liveness signal. It reports false when the task
// has left the running state. Transient write failures are logged and
// tolerated; a missed heartbeat at worst invites the reaper.
func (e *Engine) writeHeartbeat(recordID, stageKey string) bool {
	err := e.store.Heartbeat(context.Background(), recordID, stageKey)
	switch {
	case err == nil:
		heartbeatsTotal.WithLabelValues(stageKey).Inc()
		return true
	case errors.Is(err, store.ErrNotRunning):
		return false
	default:
		e.logger.Warn("heartbeat write failed",
			"record_id", recordID, "stage", stageKey, "error", err)
		return true
	}
}
