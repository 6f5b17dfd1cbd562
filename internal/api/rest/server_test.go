package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenBeamlineCore/internal/api/websocket"
	"github.com/KevinKickass/OpenBeamlineCore/internal/auth"
	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/KevinKickass/OpenBeamlineCore/internal/interfaces"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/engine"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/executor"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/streaming"
)

type testSystem struct {
	cfg *config.Config
	dm  *devices.Manager
	eng *engine.Engine
}

func (s *testSystem) Config() *config.Config          { return s.cfg }
func (s *testSystem) DeviceManager() *devices.Manager { return s.dm }
func (s *testSystem) PlanEngine() *engine.Engine      { return s.eng }
func (s *testSystem) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", Positioners: len(s.dm.Positioners())}
}

type harness struct {
	t       *testing.T
	handler http.Handler
	keys    map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.OpenBoltStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dm, err := devices.NewManager(devices.ManagerConfig{ConnectTimeout: time.Second}, store, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, dm.Add(&types.BeamlineDefinition{
		Beamline: "bench",
		Signals: []types.SignalDefinition{
			{Name: "x", Kind: types.SignalKindSoft, Initial: 0.0},
			{Name: "slow", Kind: types.SignalKindSoft, Initial: 0.0, PutDelay: time.Hour},
		},
		Positioners: []types.PositionerDefinition{
			{Name: "sx", Setpoint: "x", Readback: "x"},
			{Name: "slow", Setpoint: "slow", Readback: "slow", SettleMargin: time.Hour},
		},
	}))
	require.NoError(t, dm.Connect(ctx))

	eng := engine.NewEngine(store,
		workflow.NewValidator(dm, store),
		executor.NewStepExecutor(dm, nil, nil),
		streaming.NewEventStreamer(), nil, nil)

	hubCtx, stopHub := context.WithCancel(ctx)
	hub := websocket.NewHub(nil)
	go hub.Run(hubCtx)
	dm.AddSink(hub)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
		dm.Close(ctx)
		stopHub()
	})

	h := &harness{t: t, keys: make(map[string]string)}
	var apiKeys []config.APIKeyConfig
	for _, role := range []string{"operator", "technician", "admin"} {
		key, hash, err := auth.GenerateAPIKey()
		require.NoError(t, err)
		h.keys[role] = key
		apiKeys = append(apiKeys, config.APIKeyConfig{Name: role + "-key", TokenHash: hash, Role: role})
	}
	pw, err := auth.NewPasswordHasher(auth.HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}).
		HashPassword("beam")
	require.NoError(t, err)

	t.Setenv("OBC_REST_TEST_JWT", "rest-test-secret-that-is-long-enough")
	cfg := &config.Config{Auth: config.AuthConfig{
		JWTSecretEnv:    "OBC_REST_TEST_JWT",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		Users:           []config.UserConfig{{Username: "ada", PasswordHash: pw, Role: "admin"}},
		APIKeys:         apiKeys,
	}}

	srv := NewServer(cfg, &testSystem{cfg: cfg, dm: dm, eng: eng}, nil, hub, auth.NewAuthService(cfg.Auth, nil))
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(method, path, role string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key, ok := h.keys[role]; ok {
		req.Header.Set("Authorization", "Bearer "+key)
	} else if role != "" {
		req.Header.Set("Authorization", "Bearer "+role)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, w.Body.String())
	return e["code"].(string)
}

func (h *harness) waitExecution(id string, status string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		w := h.do(http.MethodGet, "/api/v1/executions/"+id, "operator", nil)
		return w.Code == http.StatusOK && decode(h.t, w)["status"] == status
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHealthIsPublicAndAPIIsNot(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "", nil).Code)

	w := h.do(http.MethodGet, "/api/v1/positioners", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
}

func TestLoginFlow(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: "ada", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: "ada", Password: "beam"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Positive(t, resp.ExpiresIn)

	w = h.do(http.MethodGet, "/api/v1/auth/me", resp.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode(t, w)
	assert.Equal(t, "ada", me["username"])
	assert.Equal(t, "admin", me["role"])

	w = h.do(http.MethodPost, "/api/v1/auth/refresh", "", RefreshRequest{RefreshToken: resp.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodPost, "/api/v1/auth/refresh", "", RefreshRequest{RefreshToken: resp.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPositionerMoveAndHistory(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/v1/positioners", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])

	w = h.do(http.MethodPost, "/api/v1/positioners/sx/move", "operator", map[string]any{"target": 2.5})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, decode(t, w)["move_id"])

	require.Eventually(t, func() bool {
		w := h.do(http.MethodGet, "/api/v1/positioners/sx/history?limit=5", "operator", nil)
		moves, _ := decode(t, w)["moves"].([]any)
		if len(moves) == 0 {
			return false
		}
		rec := moves[0].(map[string]any)
		return rec["status"] == "done" && rec["final"] == 2.5
	}, 3*time.Second, 20*time.Millisecond)

	w = h.do(http.MethodGet, "/api/v1/positioners/sx", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	loc := decode(t, w)["location"].(map[string]any)
	assert.Equal(t, 2.5, loc["readback"])

	w = h.do(http.MethodGet, "/api/v1/signals/x", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.5, decode(t, w)["value"])
	assert.Equal(t, "NO_ALARM", decode(t, w)["alarm_severity"])
}

func TestPositionerErrors(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/v1/positioners/nope/move", "operator", map[string]any{"target": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MOVE_404", errorCode(t, w))

	w = h.do(http.MethodPost, "/api/v1/positioners/sx/move", "operator", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/v1/positioners/sx/move", "operator", map[string]any{"target": 1, "timeout": "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/api/v1/signals/nope", "operator", nil)
	assert.Equal(t, "SIGNAL_404", errorCode(t, w))

	w = h.do(http.MethodGet, "/api/v1/positioners/sx/history?limit=-1", "operator", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConcurrentMoveConflictsAndStop(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/v1/positioners/slow/move", "operator", map[string]any{"target": 1})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = h.do(http.MethodPost, "/api/v1/positioners/slow/move", "operator", map[string]any{"target": 2})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "MOVE_409", errorCode(t, w))

	w = h.do(http.MethodPost, "/api/v1/positioners/slow/stop", "operator", StopRequest{Success: true})
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		w := h.do(http.MethodGet, "/api/v1/positioners/slow", "operator", nil)
		return decode(t, w)["state"] == "idle"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPositionsRequireTechnician(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/v1/positions", "operator", SavePositionRequest{Name: "home"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/api/v1/positions", "technician", SavePositionRequest{Name: "home", Positioners: []string{"sx"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)

	w = h.do(http.MethodGet, "/api/v1/positions", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = h.do(http.MethodPost, "/api/v1/positioners/sx/move", "operator", map[string]any{"target": 4})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		w := h.do(http.MethodGet, "/api/v1/positioners/sx", "operator", nil)
		return decode(t, w)["state"] == "idle"
	}, 3*time.Second, 20*time.Millisecond)

	w = h.do(http.MethodPost, "/api/v1/positions/"+id+"/recall", "technician", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	h.waitExecution(decode(t, w)["execution_id"].(string), "success")

	w = h.do(http.MethodGet, "/api/v1/positioners/sx", "operator", nil)
	assert.Equal(t, 0.0, decode(t, w)["location"].(map[string]any)["readback"])

	w = h.do(http.MethodDelete, "/api/v1/positions/"+id, "technician", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodGet, "/api/v1/positions/"+id, "operator", nil)
	assert.Equal(t, "POSITION_404", errorCode(t, w))
	w = h.do(http.MethodGet, "/api/v1/positions/not-a-uuid", "operator", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlansAndExecutions(t *testing.T) {
	h := newHarness(t)

	plan := map[string]any{
		"name": "scan",
		"steps": []map[string]any{
			{"name": "go", "type": "move", "positioner": "sx", "target": 1.0},
			{"name": "pause", "type": "wait", "duration": "10ms"},
		},
	}
	w := h.do(http.MethodPost, "/api/v1/plans", "operator", plan)
	assert.Equal(t, http.StatusForbidden, w.Code)

	bad := map[string]any{
		"name":  "bad",
		"steps": []map[string]any{{"name": "go", "type": "move", "positioner": "nope", "target": 1.0}},
	}
	w = h.do(http.MethodPost, "/api/v1/plans", "admin", bad)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	details := decode(t, w)["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, false, details["valid"])
	assert.NotEmpty(t, details["errors"])

	w = h.do(http.MethodPost, "/api/v1/plans", "admin", plan)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	planID := decode(t, w)["id"].(string)

	w = h.do(http.MethodGet, "/api/v1/plans", "operator", nil)
	assert.EqualValues(t, 1, decode(t, w)["count"])
	w = h.do(http.MethodGet, "/api/v1/plans/"+planID, "operator", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPost, "/api/v1/plans/"+planID+"/execute", "operator", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	execID := decode(t, w)["execution_id"].(string)
	h.waitExecution(execID, "success")

	w = h.do(http.MethodGet, "/api/v1/executions/"+execID+"/events", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Greater(t, decode(t, w)["count"], 0.0)

	w = h.do(http.MethodPost, "/api/v1/plans/execute", "operator", plan)
	require.Equal(t, http.StatusAccepted, w.Code)
	h.waitExecution(decode(t, w)["execution_id"].(string), "success")

	w = h.do(http.MethodGet, "/api/v1/executions", "operator", nil)
	assert.EqualValues(t, 2, decode(t, w)["count"])
}

func TestCancelExecution(t *testing.T) {
	h := newHarness(t)

	plan := map[string]any{
		"name":  "long",
		"steps": []map[string]any{{"name": "go", "type": "move", "positioner": "slow", "target": 3.0}},
	}
	w := h.do(http.MethodPost, "/api/v1/plans/execute", "operator", plan)
	require.Equal(t, http.StatusAccepted, w.Code)
	execID := decode(t, w)["execution_id"].(string)
	h.waitExecution(execID, "running")

	w = h.do(http.MethodPost, "/api/v1/executions/"+execID+"/cancel", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	h.waitExecution(execID, "cancelled")

	// The run context is released shortly after the final status.
	require.Eventually(t, func() bool {
		w := h.do(http.MethodPost, "/api/v1/executions/"+execID+"/cancel", "operator", nil)
		return w.Code == http.StatusConflict && errorCode(t, w) == "EXECUTION_409"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSystemStatus(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/v1/system/status", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "RUNNING", body["state"])
	assert.EqualValues(t, 2, body["positioners"])

	w = h.do(http.MethodGet, "/api/v1/devices", "operator", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
