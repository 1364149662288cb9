package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/patenthub/pipelined/internal/artifact"
	"github.com/patenthub/pipelined/internal/codec"
	"github.com/patenthub/pipelined/internal/config"
	"github.com/patenthub/pipelined/internal/events"
	"github.com/patenthub/pipelined/internal/model"
	"github.com/patenthub/pipelined/internal/queue"
	"github.com/patenthub/pipelined/internal/remote"
	"github.com/patenthub/pipelined/internal/store"
)

type testEnv struct {
	engine    *Engine
	store     store.Store
	queue     *queue.Queue
	bus       *events.Bus
	artifacts *artifact.Store
}

func testStages() config.Stages {
	return config.Stages{
		"scene2tech": {
			Key:          "scene2tech",
			Endpoint:     "scene2tech",
			StepIDPrefix: "S2T",
			TimeoutS:     60,
			// Long enough that no ticker fires during a test; the final write
			// on cancellation still happens.
			HeartbeatIntervalS: 50,
			RequiredInputs: []string{"scene_md"},
			FieldMapping: map[string]string{
				"tech_md":      "tech_md",
				"confidence":   "tech_confidence",
				"needs_review": "needs_review",
			},
			ArtifactRoles: map[string]string{"docx_bytes": "docx"},
		},
	}
}

func newTestEngine(t *testing.T, handler http.Handler) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rc := remote.NewClient(srv.URL, logger)
	rc.BackoffBase = time.Millisecond

	as, err := artifact.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("artifact.NewStore: %v", err)
	}

	q := queue.New(2, 16, 30*time.Second, logger)
	bus := events.NewBus()
	e := New(st, testStages(), q, rc, as, bus, t.TempDir(), logger)

	q.Start()
	t.Cleanup(q.Stop)

	return &testEnv{engine: e, store: st, queue: q, bus: bus, artifacts: as}
}

func createRecord(t *testing.T, s store.Store, id string, fields map[string]string) {
	t.Helper()
	ctx := context.Background()
	r := &model.WorkflowRecord{ID: id, Title: "test record", CreatedAt: time.Now().UTC()}
	if err := s.CreateRecord(ctx, r); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if len(fields) > 0 {
		if err := s.SetFields(ctx, id, fields); err != nil {
			t.Fatalf("SetFields: %v", err)
		}
	}
}

func waitForStatus(t *testing.T, s store.Store, recordID, stageKey, want string) *model.TaskState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := s.GetTaskState(context.Background(), recordID, stageKey)
		if err == nil && state.Status == want {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	state, _ := s.GetTaskState(context.Background(), recordID, stageKey)
	t.Fatalf("task never reached %q, last state: %+v", want, state)
	return nil
}

// successBody builds a remote response whose res blob decodes to result.
func successBody(t *testing.T, result map[string]any, timeS, cost float64) string {
	t.Helper()
	res, err := codec.CompressJSON(result)
	if err != nil {
		t.Fatalf("CompressJSON: %v", err)
	}
	out, _ := json.Marshal(map[string]any{"res": res, "TIME(s)": timeS, "cost": cost})
	body, _ := json.Marshal(map[string]any{"output": string(out)})
	return string(body)
}

func TestStartRunsStageToCompletion(t *testing.T) {
	docx := []byte{0x50, 0x4b, 0x03, 0x04, 0x00}
	env := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scene2tech/invoke" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req struct {
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		compressed, _ := req.Input["scene_md"].(string)
		scene, err := codec.DecompressString(compressed)
		if err != nil || scene != "a robot arm" {
			t.Errorf("scene_md = %q, %v", scene, err)
		}
		if req.Input["tmp_folder"] == "" {
			t.Error("payload missing tmp_folder")
		}
		io.WriteString(w, successBody(t, map[string]any{
			"tech_md":    "generated technology description",
			"docx_bytes": docx,
		}, 3.5, 0.25))
	}))

	createRecord(t, env.store, "rec1", map[string]string{"scene_md": "a robot arm"})

	done, unsub := env.bus.Subscribe(events.DoneTopic("scene2tech"))
	defer unsub()

	state, err := env.engine.Start(context.Background(), "rec1", "scene2tech", false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state.Status != model.StatusRunning || state.RunCount != 1 {
		t.Errorf("admitted state = %+v", state)
	}

	final := waitForStatus(t, env.store, "rec1", "scene2tech", model.StatusDone)
	if final.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", final.SuccessCount)
	}
	if final.LastError != model.SuccessMarker {
		t.Errorf("LastError = %q, want success marker", final.LastError)
	}
	if final.LastCost != 0.25 || final.TotalCost != 0.25 {
		t.Errorf("cost = %v/%v, want 0.25", final.LastCost, final.TotalCost)
	}
	if final.LastTimeS != 3.5 || final.TotalTimeS != 3.5 {
		t.Errorf("time = %v/%v, want 3.5", final.LastTimeS, final.TotalTimeS)
	}

	fields, err := env.store.GetFields(context.Background(), "rec1", []string{"tech_md"})
	if err != nil {
		t.Fatalf("GetFields: %v", err)
	}
	if fields["tech_md"] != "generated technology description" {
		t.Errorf("tech_md = %q", fields["tech_md"])
	}

	infos, err := env.artifacts.List("rec1")
	if err != nil {
		t.Fatalf("List artifacts: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != state.StepID+"_docx" {
		t.Errorf("artifacts = %+v, want one %s_docx", infos, state.StepID)
	}

	select {
	case ev := <-done:
		if ev.RecordID != "rec1" || ev.Error != "" {
			t.Errorf("done event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Error("no done event published")
	}
}

func TestScalarResultValuesStoredAsText(t *testing.T) {
	env := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, successBody(t, map[string]any{
			"tech_md":      "generated technology description",
			"confidence":   0.87,
			"needs_review": true,
		}, 1, 0))
	}))
	createRecord(t, env.store, "rec1", map[string]string{"scene_md": "x"})

	if _, err := env.engine.Start(context.Background(), "rec1", "scene2tech", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, env.store, "rec1", "scene2tech", model.StatusDone)

	fields, err := env.store.GetFields(context.Background(), "rec1",
		[]string{"tech_md", "tech_confidence", "needs_review"})
	if err != nil {
		t.Fatalf("GetFields: %v", err)
	}
	if fields["tech_md"] != "generated technology description" {
		t.Errorf("tech_md = %q", fields["tech_md"])
	}
	if fields["tech_confidence"] != "0.87" {
		t.Errorf("tech_confidence = %q, want 0.87", fields["tech_confidence"])
	}
	if fields["needs_review"] != "true" {
		t.Errorf("needs_review = %q, want true", fields["needs_review"])
	}
}

func TestStartMissingInputsRejected(t *testing.T) {
	var calls atomic.Int32
	env := newTestEngine(t, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	createRecord(t, env.store, "rec1", nil)

	_, err := env.engine.Start(context.Background(), "rec1", "scene2tech", false)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if len(verr.Missing) != 1 || verr.Missing[0] != "scene_md" {
		t.Errorf("Missing = %v", verr.Missing)
	}

	// Rejection happens before admission: the task stays idle and the remote
	// endpoint is never contacted.
	state, err := env.store.GetTaskState(context.Background(), "rec1", "scene2tech")
	if err != nil {
		t.Fatalf("GetTaskState: %v", err)
	}
	if state.Status != model.StatusIdle || state.RunCount != 0 {
		t.Errorf("state = %+v, want untouched idle", state)
	}
	if calls.Load() != 0 {
		t.Errorf("remote called %d times", calls.Load())
	}
}

func TestStartUnknownStage(t *testing.T) {
	env := newTestEngine(t, http.NotFoundHandler())
	createRecord(t, env.store, "rec1", nil)

	_, err := env.engine.Start(context.Background(), "rec1", "no-such-stage", false)
	if !errors.Is(err, ErrUnknownStage) {
		t.Errorf("error = %v, want ErrUnknownStage", err)
	}
}

func TestStartUnknownRecord(t *testing.T) {
	env := newTestEngine(t, http.NotFoundHandler())

	_, err := env.engine.Start(context.Background(), "ghost", "scene2tech", false)
	if !errors.Is(err, store.ErrRecordNotFound) {
		t.Errorf("error = %v, want ErrRecordNotFound", err)
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	release := make(chan struct{})
	env := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		io.WriteString(w, successBody(t, map[string]any{"tech_md": "out"}, 1, 0))
	}))
	createRecord(t, env.store, "rec1", map[string]string{"scene_md": "x"})

	if _, err := env.engine.Start(context.Background(), "rec1", "scene2tech", false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := env.engine.Start(context.Background(), "rec1", "scene2tech", false)
	if !errors.Is(err, store.ErrAlreadyRunning) {
		t.Errorf("second start = %v, want ErrAlreadyRunning", err)
	}
	// Force does not override a running task either.
	_, err = env.engine.Start(context.Background(), "rec1", "scene2tech", true)
	if !errors.Is(err, store.ErrAlreadyRunning) {
		t.Errorf("forced start while running = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	waitForStatus(t, env.store, "rec1", "scene2tech", model.StatusDone)
}

func TestForceRerunReplacesGeneration(t *testing.T) {
	env := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, successBody(t, map[string]any{
			"tech_md":    "out",
			"docx_bytes": []byte("doc"),
		}, 2, 0.25))
	}))
	createRecord(t, env.store, "rec1", map[string]string{"scene_md": "x"})

	if _, err := env.engine.Start(context.Background(), "rec1", "scene2tech", false); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	waitForStatus(t, env.store, "rec1", "scene2tech", model.StatusDone)

	if _, err := env.engine.Start(context.Background(), "rec1", "scene2tech", false); !errors.Is(err, store.ErrAlreadyDone) {
		t.Fatalf("unforced re-run = %v, want ErrAlreadyDone", err)
	}

	state, err := env.engine.Start(context.Background(), "rec1", "scene2tech", true)
	if err != nil {
		t.Fatalf("forced Start: %v", err)
	}
	if state.RunCount != 2 {
		t.Errorf("RunCount = %d, want 2", state.RunCount)
	}

	// Wait for the second run specifically: the first run's done state would
	// satisfy a plain status poll.
	deadline := time.Now().Add(5 * time.Second)
	var final *model.TaskState
	for time.Now().Before(deadline) {
		final, _ = env.store.GetTaskState(context.Background(), "rec1", "scene2tech")
		if final != nil && final.Status == model.StatusDone && final.StepID == state.StepID {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if final == nil || final.Status != model.StatusDone || final.StepID != state.StepID {
		t.Fatalf("second run never completed, state: %+v", final)
	}

	if final.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", final.SuccessCount)
	}
	if final.TotalCost != 0.5 {
		t.Errorf("TotalCost = %v, want 0.5", final.TotalCost)
	}

	// Only the second generation's artifact survives.
	infos, err := env.artifacts.List("rec1")
	if err != nil {
		t.Fatalf("List artifacts: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("artifacts = %+v, want exactly 1", infos)
	}
	if infos[0].Name != state.StepID+"_docx" {
		t.Errorf("survivor = %q, want %s_docx", infos[0].Name, state.StepID)
	}
}

func TestRemoteFailureMarksTaskFailed(t *testing.T) {
	env := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported scene format", http.StatusBadRequest)
	}))
	createRecord(t, env.store, "rec1", map[string]string{"scene_md": "x"})

	failed, unsub := env.bus.Subscribe(events.FailedTopic("scene2tech"))
	defer unsub()

	if _, err := env.engine.Start(context.Background(), "rec1", "scene2tech", false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForStatus(t, env.store, "rec1", "scene2tech", model.StatusFailed)
	if !strings.Contains(final.LastError, "permanent remote error 400") {
		t.Errorf("LastError = %q", final.LastError)
	}
	if final.SuccessCount != 0 {
		t.Errorf("SuccessCount = %d, want 0", final.SuccessCount)
	}

	select {
	case ev := <-failed:
		if ev.Error == "" {
			t.Errorf("failure event missing error: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Error("no failure event published")
	}
}

func TestCancelWinsOverInFlightResult(t *testing.T) {
	release := make(chan struct{})
	env := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		io.WriteString(w, successBody(t, map[string]any{
			"tech_md":    "late result",
			"docx_bytes": []byte("doc"),
		}, 1, 1))
	}))
	createRecord(t, env.store, "rec1", map[string]string{"scene_md": "x"})

	if _, err := env.engine.Start(context.Background(), "rec1", "scene2tech", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, env.store, "rec1", "scene2tech", model.StatusRunning)

	if err := env.engine.Cancel(context.Background(), "rec1", "scene2tech"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	state := waitForStatus(t, env.store, "rec1", "scene2tech", model.StatusFailed)
	if state.LastError != "cancelled by user" {
		t.Errorf("LastError = %q", state.LastError)
	}

	// Let the remote call finish; its result must be discarded.
	close(release)
	time.Sleep(200 * time.Millisecond)

	final, err := env.store.GetTaskState(context.Background(), "rec1", "scene2tech")
	if err != nil {
		t.Fatalf("GetTaskState: %v", err)
	}
	if final.Status != model.StatusFailed || final.SuccessCount != 0 {
		t.Errorf("state after late result = %+v, cancellation must win", final)
	}

	fields, err := env.store.GetFields(context.Background(), "rec1", []string{"tech_md"})
	if err != nil {
		t.Fatalf("GetFields: %v", err)
	}
	if _, leaked := fields["tech_md"]; leaked {
		t.Error("cancelled run's fields leaked onto the record")
	}
	infos, _ := env.artifacts.List("rec1")
	if len(infos) != 0 {
		t.Errorf("cancelled run wrote artifacts: %+v", infos)
	}
}

func TestCancelRequiresRunningTask(t *testing.T) {
	env := newTestEngine(t, http.NotFoundHandler())
	createRecord(t, env.store, "rec1", nil)

	err := env.engine.Cancel(context.Background(), "rec1", "scene2tech")
	if !errors.Is(err, store.ErrNotRunning) && !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("cancel of idle task = %v", err)
	}

	if err := env.engine.Cancel(context.Background(), "rec1", "no-such-stage"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("cancel of unknown stage = %v, want ErrUnknownStage", err)
	}
}
