// Package engine orchestrates pipeline stage execution: admission, the remote
// call with heartbeat supervision, result commit, cancellation, and the
// stuck-task reaper.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/patenthub/pipelined/internal/artifact"
	"github.com/patenthub/pipelined/internal/codec"
	"github.com/patenthub/pipelined/internal/config"
	"github.com/patenthub/pipelined/internal/events"
	"github.com/patenthub/pipelined/internal/model"
	"github.com/patenthub/pipelined/internal/queue"
	"github.com/patenthub/pipelined/internal/remote"
	"github.com/patenthub/pipelined/internal/store"
)

// JobRunStage is the queue handler name for stage execution jobs.
const JobRunStage = "run_stage"

// Engine runs pipeline stages against records. All stages share one generic
// lifecycle; a StageDefinition is the only thing that distinguishes them.
type Engine struct {
	store       store.Store
	stages      config.Stages
	queue       *queue.Queue
	remote      *remote.Client
	artifacts   *artifact.Store
	bus         *events.Bus
	logger      *slog.Logger
	scratchRoot string
}

// New creates the engine and registers its job handler on the queue.
func New(s store.Store, stages config.Stages, q *queue.Queue, rc *remote.Client,
	as *artifact.Store, bus *events.Bus, scratchRoot string, logger *slog.Logger) *Engine {

	e := &Engine{
		store:       s,
		stages:      stages,
		queue:       q,
		remote:      rc,
		artifacts:   as,
		bus:         bus,
		logger:      logger,
		scratchRoot: scratchRoot,
	}
	q.Register(JobRunStage, e.runStage)
	return e
}

// Start admits one stage run for a record and submits it to the job queue.
// Validation and conflict errors are returned synchronously; everything after
// admission is observed through task state and the event bus.
func (e *Engine) Start(ctx context.Context, recordID, stageKey string, force bool) (*model.TaskState, error) {
	stage, ok := e.stages.Get(stageKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stageKey)
	}

	if err := e.checkRequiredInputs(ctx, recordID, stage); err != nil {
		return nil, err
	}

	state, err := e.store.AdmitTask(ctx, recordID, stageKey, stage.StepIDPrefix, force)
	if err != nil {
		return nil, err
	}

	jobID, err := e.queue.Submit(JobRunStage, map[string]string{
		"record_id": recordID,
		"stage_key": stageKey,
		"step_id":   state.StepID,
	})
	if err != nil {
		// Never strand the record in running when no worker will pick it up.
		cause := fmt.Sprintf("queue submission failed: %v", err)
		if ferr := e.store.FailTask(ctx, recordID, stageKey, cause); ferr != nil {
			e.logger.Error("failed to roll back admission",
				"record_id", recordID, "stage", stageKey, "error", ferr)
		}
		e.publishFailure(recordID, stageKey, cause)
		return nil, fmt.Errorf("submit stage job: %w", err)
	}

	tasksStartedTotal.WithLabelValues(stageKey).Inc()
	e.logger.Info("stage admitted",
		"record_id", recordID,
		"stage", stageKey,
		"step_id", state.StepID,
		"job_id", jobID,
		"run_count", state.RunCount,
	)
	return state, nil
}

// Cancel force-fails a running stage. The in-flight worker keeps going until
// its next heartbeat or its commit attempt observes the state change; its
// result is then discarded.
func (e *Engine) Cancel(ctx context.Context, recordID, stageKey string) error {
	if _, ok := e.stages.Get(stageKey); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stageKey)
	}

	if err := e.store.FailIfRunning(ctx, recordID, stageKey, "cancelled by user"); err != nil {
		return err
	}

	tasksCancelledTotal.WithLabelValues(stageKey).Inc()
	e.logger.Info("stage cancelled", "record_id", recordID, "stage", stageKey)
	e.publishFailure(recordID, stageKey, "cancelled by user")
	return nil
}

// checkRequiredInputs verifies every required field is present and non-empty.
func (e *Engine) checkRequiredInputs(ctx context.Context, recordID string, stage config.StageDefinition) error {
	if len(stage.RequiredInputs) == 0 {
		// Still surface a missing record before admission touches task state.
		_, err := e.store.GetRecord(ctx, recordID)
		return err
	}

	fields, err := e.store.GetFields(ctx, recordID, stage.RequiredInputs)
	if err != nil {
		return err
	}

	var missing []string
	for _, name := range stage.RequiredInputs {
		if fields[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// runStage is the queue handler executing one admitted stage run. It returns
// the failure error so the queue's own accounting observes it too.
func (e *Engine) runStage(ctx context.Context, job queue.Job) error {
	recordID := job.Args["record_id"]
	stageKey := job.Args["stage_key"]
	stepID := job.Args["step_id"]

	stage, ok := e.stages.Get(stageKey)
	if !ok {
		return e.failRun(recordID, stageKey, fmt.Errorf("%w: %s", ErrUnknownStage, stageKey))
	}

	// Torn reads are fine here; this only short-circuits jobs whose task was
	// cancelled or superseded before a worker picked them up.
	state, err := e.store.GetTaskState(ctx, recordID, stageKey)
	if err != nil {
		return e.failRun(recordID, stageKey, fmt.Errorf("read task state: %w", err))
	}
	if state.Status != model.StatusRunning || state.StepID != stepID {
		e.logger.Info("skipping stale stage job",
			"record_id", recordID, "stage", stageKey, "step_id", stepID, "status", state.Status)
		return nil
	}

	start := time.Now()

	input, err := e.buildPayload(ctx, recordID, stepID, stage)
	if err != nil {
		return e.failRun(recordID, stageKey, fmt.Errorf("build payload: %w", err))
	}

	env, err := e.callWithHeartbeat(ctx, stage, recordID, input)
	if errors.Is(err, ErrSupervisorStopped) {
		// The task was already failed by a cancel or the reaper, with its own
		// recorded cause; abandon the run without overwriting it.
		e.logger.Info("abandoning run, task no longer running",
			"record_id", recordID, "stage", stageKey, "step_id", stepID)
		return nil
	}
	if err != nil {
		return e.failRun(recordID, stageKey, err)
	}

	if err := e.commit(ctx, recordID, stepID, stage, env); err != nil {
		if errors.Is(err, store.ErrNotRunning) {
			// Cancelled or superseded while the remote call was in flight; the
			// newer state wins.
			e.logger.Info("discarding result of cancelled run",
				"record_id", recordID, "stage", stageKey, "step_id", stepID)
			return nil
		}
		return e.failRun(recordID, stageKey, fmt.Errorf("commit result: %w", err))
	}

	stageDuration.WithLabelValues(stageKey).Observe(time.Since(start).Seconds())
	tasksSucceededTotal.WithLabelValues(stageKey).Inc()
	e.bus.Publish(events.Event{
		Topic:    events.DoneTopic(stageKey),
		RecordID: recordID,
		StageKey: stageKey,
	})
	e.logger.Info("stage completed",
		"record_id", recordID,
		"stage", stageKey,
		"step_id", stepID,
		"attempts", env.Attempts,
		"cost", env.Cost,
		"remote_time_s", env.TimeS,
	)
	return nil
}

// buildPayload assembles the remote input: every required record field
// compressed for transport, plus the scratch directory derived from the step
// id so concurrent runs never share disk state.
func (e *Engine) buildPayload(ctx context.Context, recordID, stepID string, stage config.StageDefinition) (map[string]any, error) {
	input := make(map[string]any, len(stage.RequiredInputs)+1)

	if len(stage.RequiredInputs) > 0 {
		fields, err := e.store.GetFields(ctx, recordID, stage.RequiredInputs)
		if err != nil {
			return nil, err
		}
		for _, name := range stage.RequiredInputs {
			compressed, err := codec.CompressString(fields[name])
			if err != nil {
				return nil, fmt.Errorf("compress %s: %w", name, err)
			}
			input[name] = compressed
		}
	}

	input["tmp_folder"] = filepath.Join(e.scratchRoot, stepID)
	return input, nil
}

type pendingArtifact struct {
	role string
	data []byte
}

// commit finalizes one successful run. The result blob is decoded outside the
// transaction; the running re-check, artifact generation replacement, field
// writes, and bookkeeping all happen inside it, so a concurrent cancellation
// always wins over the result.
func (e *Engine) commit(ctx context.Context, recordID, stepID string, stage config.StageDefinition, env *remote.Envelope) error {
	result, err := codec.DecompressJSON(env.Res)
	if err != nil {
		return fmt.Errorf("decode result blob: %w", err)
	}

	// Unmapped or null result values leave the record untouched. Scalars are
	// written through as text; record fields are TEXT columns.
	fields := make(map[string]string)
	for key, fieldName := range stage.FieldMapping {
		raw, ok := result[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case string:
			fields[fieldName] = v
		case float64:
			fields[fieldName] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			fields[fieldName] = strconv.FormatBool(v)
		default:
			e.logger.Warn("skipping non-scalar mapped result value",
				"record_id", recordID, "stage", stage.Key, "key", key)
		}
	}

	var artifacts []pendingArtifact
	for key, role := range stage.ArtifactRoles {
		raw, ok := result[key]
		if !ok || raw == nil {
			continue
		}
		data, ok := raw.([]byte)
		if !ok {
			e.logger.Warn("skipping non-binary artifact result value",
				"record_id", recordID, "stage", stage.Key, "key", key)
			continue
		}
		artifacts = append(artifacts, pendingArtifact{role: role, data: data})
	}

	res := &store.CompletionResult{Fields: fields, Cost: env.Cost, TimeS: env.TimeS}
	prefix := model.StepIDPrefix(stepID)
	return e.store.CompleteTask(ctx, recordID, stage.Key, stepID, res, func() error {
		if len(artifacts) == 0 {
			return nil
		}
		if err := e.artifacts.RemoveGeneration(recordID, prefix); err != nil {
			return fmt.Errorf("remove superseded artifacts: %w", err)
		}
		for _, a := range artifacts {
			if _, err := e.artifacts.Save(recordID, stepID, a.role, a.data); err != nil {
				return fmt.Errorf("save artifact %s: %w", a.role, err)
			}
		}
		return nil
	})
}

// failRun is the uniform failure handler for everything from payload
// construction through the remote call: record the cause, publish the failure,
// and hand the error back for the queue's accounting. It uses a fresh context
// because the job context may already be dead.
func (e *Engine) failRun(recordID, stageKey string, cause error) error {
	tasksFailedTotal.WithLabelValues(stageKey).Inc()
	if err := e.store.FailTask(context.Background(), recordID, stageKey, cause.Error()); err != nil {
		e.logger.Error("failed to record task failure",
			"record_id", recordID, "stage", stageKey, "error", err)
	}
	e.publishFailure(recordID, stageKey, cause.Error())
	return cause
}

func (e *Engine) publishFailure(recordID, stageKey, cause string) {
	e.bus.Publish(events.Event{
		Topic:    events.FailedTopic(stageKey),
		RecordID: recordID,
		StageKey: stageKey,
		Error:    cause,
	})
}
