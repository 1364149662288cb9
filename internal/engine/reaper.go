package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/patenthub/pipelined/internal/config"
	"github.com/patenthub/pipelined/internal/events"
	"github.com/patenthub/pipelined/internal/model"
	"github.com/patenthub/pipelined/internal/store"
)

// Reaper force-fails running tasks whose liveness has lapsed. It runs on a
// cron schedule independent of any request, so a worker that died without
// writing a terminal state never strands its record in running.
type Reaper struct {
	store  store.Store
	stages config.Stages
	bus    *events.Bus
	logger *slog.Logger
	cron   *cron.Cron
}

// NewReaper builds a reaper on the given cron schedule expression
// (e.g. "@every 1m").
func NewReaper(s store.Store, stages config.Stages, bus *events.Bus, schedule string, logger *slog.Logger) (*Reaper, error) {
	r := &Reaper{
		store:  s,
		stages: stages,
		bus:    bus,
		logger: logger,
		cron:   cron.New(),
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		r.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start launches the schedule.
func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep scans every stage for running tasks whose freshest liveness timestamp
// is older than the stage timeout and force-fails them.
func (r *Reaper) Sweep(ctx context.Context) {
	for _, key := range r.stages.Keys() {
		stage, _ := r.stages.Get(key)
		r.sweepStage(ctx, stage)
	}
}

func (r *Reaper) sweepStage(ctx context.Context, stage config.StageDefinition) {
	running, err := r.store.ListRunning(ctx, stage.Key)
	if err != nil {
		r.logger.Error("reaper failed to list running tasks", "stage", stage.Key, "error", err)
		return
	}

	now := time.Now()
	for _, t := range running {
		// Rows that were never admitted carry no liveness signal to judge.
		if t.RunCount == 0 {
			continue
		}

		freshest, hadHeartbeat := freshestTimestamp(t)
		if freshest.IsZero() {
			continue
		}
		elapsed := now.Sub(freshest)
		if elapsed <= stage.Timeout() {
			continue
		}

		causeLabel := causeStartupTimeout
		causeMsg := fmt.Sprintf("startup timeout: no heartbeat %s after start, limit %s",
			elapsed.Round(time.Second), stage.Timeout())
		if hadHeartbeat {
			causeLabel = causeHeartbeatTimeout
			causeMsg = fmt.Sprintf("heartbeat timeout: last heartbeat %s ago, limit %s",
				elapsed.Round(time.Second), stage.Timeout())
		}

		if err := r.store.FailIfRunning(ctx, t.RecordID, stage.Key, causeMsg); err != nil {
			if errors.Is(err, store.ErrNotRunning) {
				// Finished or was cancelled while we were sweeping.
				continue
			}
			r.logger.Error("reaper failed to fail stuck task",
				"record_id", t.RecordID, "stage", stage.Key, "error", err)
			continue
		}

		tasksReapedTotal.WithLabelValues(stage.Key, causeLabel).Inc()
		r.logger.Warn("reaped stuck task",
			"record_id", t.RecordID,
			"stage", stage.Key,
			"step_id", t.StepID,
			"elapsed", elapsed.Round(time.Second).String(),
			"cause", causeLabel,
		)
		r.bus.Publish(events.Event{
			Topic:    events.FailedTopic(stage.Key),
			RecordID: t.RecordID,
			StageKey: stage.Key,
			Error:    causeMsg,
		})
	}
}

// freshestTimestamp returns the task's most recent liveness timestamp and
// whether a heartbeat (rather than only the start time) produced it.
func freshestTimestamp(t *model.TaskState) (time.Time, bool) {
	var freshest time.Time
	if t.StartedAt != nil {
		freshest = *t.StartedAt
	}
	hadHeartbeat := false
	if t.LastHeartbeat != nil && !t.LastHeartbeat.Before(freshest) {
		freshest = *t.LastHeartbeat
		hadHeartbeat = true
	}
	return freshest, hadHeartbeat
}
