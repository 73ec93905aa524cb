package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/config"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/httpmw"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/scheduler"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeExecutions stops runs in storage only.
type fakeExecutions struct {
	repo *repository.MemoryRepository

	mu    sync.Mutex
	live  map[string]bool
	stops []string
}

func (f *fakeExecutions) Has(taskID, modelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[models.RunKey(taskID, modelID)]
}

func (f *fakeExecutions) Stop(ctx context.Context, taskID, modelID string, reason models.StopReason) error {
	run, err := f.repo.GetRunByKey(ctx, taskID, modelID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.stops = append(f.stops, run.Key())
	delete(f.live, run.Key())
	f.mu.Unlock()
	_, err = f.repo.TransitionRun(ctx, run.ID,
		[]models.RunStatus{models.RunStatusPending, models.RunStatusRunning},
		models.RunStatusStopped, reason)
	return err
}

func (f *fakeExecutions) StopTask(ctx context.Context, taskID string, reason models.StopReason) error {
	if _, err := f.repo.GetTask(ctx, taskID); err != nil {
		return err
	}
	runs, err := f.repo.ListRunsByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if err := f.Stop(ctx, taskID, r.ModelID, reason); err != nil {
			return err
		}
	}
	return nil
}

type fakeAdmission struct {
	mu    sync.Mutex
	kicks int
}

func (f *fakeAdmission) Kick() {
	f.mu.Lock()
	f.kicks++
	f.mu.Unlock()
}

func (f *fakeAdmission) Status(ctx context.Context) (*scheduler.Status, error) {
	return &scheduler.Status{Running: 1, Pending: 2}, nil
}

type testEnv struct {
	repo    *repository.MemoryRepository
	execs   *fakeExecutions
	admit   *fakeAdmission
	runtime *config.Runtime
	router  *gin.Engine
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewTestLogger(t)
	repo := repository.NewMemoryRepository()
	env := &testEnv{
		repo:    repo,
		execs:   &fakeExecutions{repo: repo, live: map[string]bool{}},
		admit:   &fakeAdmission{},
		runtime: config.NewRuntime(&config.Config{}),
	}
	env.runtime.SetMaxParallel(3)
	svc := orchestrator.NewService(repo, env.execs, env.admit, env.runtime, nil, nil, log)

	env.router = gin.New()
	env.router.Use(httpmw.ErrorHandler(log))
	SetupRoutes(env.router.Group("/api/v1"), svc, log)
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) submit(t *testing.T, modelIDs ...string) *orchestrator.TaskView {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Prompt: "build a snake game", ModelIDs: modelIDs})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var view orchestrator.TaskView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return &view
}

func TestHandler_CreateTask(t *testing.T) {
	env := setupTestEnv(t)

	view := env.submit(t, "m1", "m2", "m1")

	assert.NotEmpty(t, view.Task.ID)
	assert.Equal(t, models.QueueStatusPending, view.Queue.Status)
	require.Len(t, view.Runs, 2)
	for _, r := range view.Runs {
		assert.Equal(t, models.RunStatusPending, r.Status)
	}
	assert.Equal(t, 1, env.admit.kicks)
}

func TestHandler_CreateTask_Validation(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.repo.UpsertModelConfig(ctx, &models.ModelConfig{ModelID: "off", Enabled: false}))

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing prompt", map[string]interface{}{"model_ids": []string{"m1"}}},
		{"blank prompt", CreateTaskRequest{Prompt: "   ", ModelIDs: []string{"m1"}}},
		{"no models", CreateTaskRequest{Prompt: "x", ModelIDs: []string{}}},
		{"path in model id", CreateTaskRequest{Prompt: "x", ModelIDs: []string{"../etc"}}},
		{"disabled model", CreateTaskRequest{Prompt: "x", ModelIDs: []string{"off"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, 0, env.admit.kicks)
}

func TestHandler_GetTask(t *testing.T) {
	env := setupTestEnv(t)
	view := env.submit(t, "m1", "m2")
	ctx := context.Background()

	for i, r := range view.Runs {
		_, err := env.repo.SaveRunProgress(ctx, r.ID, models.RunStatusRunning, models.StopReasonNone, models.Stats{
			Turns:      i + 1,
			CostUSD:    0.5,
			ToolCounts: map[string]int{"Bash": 2},
		})
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/tasks/"+view.Task.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got orchestrator.TaskView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Totals.Turns)
	assert.InDelta(t, 1.0, got.Totals.CostUSD, 1e-9)
	assert.Equal(t, 4, got.Totals.ToolCounts["Bash"])

	w = env.do(t, http.MethodGet, "/api/v1/tasks/absent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StopRunIsIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	view := env.submit(t, "m1")
	target := "/api/v1/tasks/" + view.Task.ID + "/runs/m1/stop"

	w := env.do(t, http.MethodPost, target, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, models.RunStatusStopped, run.Status)
	assert.Equal(t, models.StopReasonManual, run.StopReason)

	w = env.do(t, http.MethodPost, target, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/tasks/"+view.Task.ID+"/runs/absent/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StopTask(t *testing.T) {
	env := setupTestEnv(t)
	view := env.submit(t, "m1", "m2")

	w := env.do(t, http.MethodPost, "/api/v1/tasks/"+view.Task.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got orchestrator.TaskView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	for _, r := range got.Runs {
		assert.Equal(t, models.RunStatusStopped, r.Status)
	}

	w = env.do(t, http.MethodPost, "/api/v1/tasks/absent/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StartRunResetsAndAdmits(t *testing.T) {
	env := setupTestEnv(t)
	view := env.submit(t, "m1")
	ctx := context.Background()
	runID := view.Runs[0].ID

	_, err := env.repo.SaveRunProgress(ctx, runID, models.RunStatusCompleted, models.StopReasonNone, models.Stats{Turns: 9})
	require.NoError(t, err)
	require.NoError(t, env.repo.AppendLogEvent(ctx, &models.LogEvent{RunID: runID, Seq: 1, Type: models.EventTypeText}))
	require.NoError(t, env.repo.SetQueueStatus(ctx, view.Task.ID, models.QueueStatusCompleted))
	require.NoError(t, env.repo.UpdatePreviewability(ctx, runID, models.PreviewStatic, ""))
	env.execs.live[models.RunKey(view.Task.ID, "m1")] = true

	w := env.do(t, http.MethodPost, "/api/v1/tasks/"+view.Task.ID+"/runs/m1/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, 0, run.Stats.Turns)
	assert.Equal(t, models.PreviewUnknown, run.Previewability)
	assert.Equal(t, []string{models.RunKey(view.Task.ID, "m1")}, env.execs.stops)
	assert.Equal(t, 2, env.admit.kicks)

	evs, err := env.repo.ListLogEvents(ctx, runID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)

	entry, err := env.repo.GetQueueEntry(ctx, view.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, entry.Status)
}

func TestHandler_ListEvents(t *testing.T) {
	env := setupTestEnv(t)
	view := env.submit(t, "m1")
	ctx := context.Background()
	for seq := 1; seq <= 5; seq++ {
		require.NoError(t, env.repo.AppendLogEvent(ctx, &models.LogEvent{RunID: view.Runs[0].ID, Seq: seq, Type: models.EventTypeText}))
	}
	base := "/api/v1/tasks/" + view.Task.ID + "/runs/m1/events"

	w := env.do(t, http.MethodGet, base+"?after=2&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page EventsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 2)
	assert.Equal(t, 3, page.Events[0].Seq)
	assert.Equal(t, 4, page.NextSeq)

	w = env.do(t, http.MethodGet, base+"?after=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_MaxParallel(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/config/max-parallel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"max_parallel":3,"running":1,"pending":2}`, w.Body.String())

	w = env.do(t, http.MethodPut, "/api/v1/config/max-parallel", map[string]int{"max_parallel": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 5, env.runtime.MaxParallel())
	assert.Equal(t, 1, env.admit.kicks)

	w = env.do(t, http.MethodPut, "/api/v1/config/max-parallel", map[string]int{"max_parallel": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPut, "/api/v1/config/max-parallel", map[string]int{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 5, env.runtime.MaxParallel())
}

func TestHandler_Models(t *testing.T) {
	env := setupTestEnv(t)
	key := "sk-secret"

	w := env.do(t, http.MethodPut, "/api/v1/models/m1", PutModelRequest{
		DisplayName:            "Model One",
		Endpoint:               "https://upstream.example/v1",
		APIKey:                 &key,
		ActivityTimeoutMinutes: 15,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), key)
	var got ModelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.HasAPIKey)
	assert.True(t, got.Enabled)

	// an update without api_key keeps the stored key
	w = env.do(t, http.MethodPut, "/api/v1/models/m1", PutModelRequest{DisplayName: "Renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	stored, err := env.repo.GetModelConfig(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, key, stored.APIKey)
	assert.Equal(t, "Renamed", stored.DisplayName)

	w = env.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = env.do(t, http.MethodGet, "/api/v1/models/absent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/models/m2", PutModelRequest{WallClockTimeoutMinutes: -3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
