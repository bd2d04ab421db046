package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/config"
	"github.com/j-be/autobim/pkg/events"
	"github.com/j-be/autobim/pkg/printer"
	"github.com/j-be/autobim/pkg/version"
)

func setupTestDaemon(t *testing.T) (*printer.Sim, *gin.Engine) {
	t.Helper()

	sim := printer.NewSim(2)
	c := config.NewFileFromConfig(nil, filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, setup(c, sim))
	t.Cleanup(func() {
		_ = cal.Abort("test finished")
		cal.wait()
	})

	return sim, setupRoutes()
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{calibration.ErrInvalidArgument, http.StatusBadRequest},
		{calibration.ErrUnknownCommand, http.StatusBadRequest},
		{calibration.ErrAlreadyRunning, http.StatusConflict},
		{calibration.ErrNotRunning, http.StatusConflict},
		{calibration.ErrHardwareCommunication, http.StatusBadGateway},
		{calibration.ErrProbeFailure, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusCode(tt.err))
		})
	}
}

func TestCommandEndpoint(t *testing.T) {
	_, router := setupTestDaemon(t)

	w := do(t, router, http.MethodPost, "/api/command", `{"command": "status"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var st calibration.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.Running)

	w = do(t, router, http.MethodPost, "/api/command", `{"command": "level_everything"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorBody(t, w), "level_everything")

	w = do(t, router, http.MethodPost, "/api/command", `{"x": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorBody(t, w), "missing command")

	w = do(t, router, http.MethodPost, "/api/command", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/api/command", `{"command": "test_corner", "x": "30", "y": "30"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res calibration.ProbeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.OK)

	w = do(t, router, http.MethodPost, "/test-corner", `{"x": 30}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionEndpoints(t *testing.T) {
	sim, router := setupTestDaemon(t)
	// Out of level, so the session waits for an adjustment.
	sim.SetHeight(calibration.ProbePoint{X: 30, Y: 200}, 3)

	w := do(t, router, http.MethodGet, "/session", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/calibration/abort", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/calibration/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"session": 1}`, w.Body.String())

	w = do(t, router, http.MethodPost, "/calibration/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/test-corner", `{"x": 30, "y": 30}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPut, "/points", `[{"x": 1, "y": 1}]`)
	assert.Equal(t, http.StatusConflict, w.Code, "points are frozen while a session runs")

	w = do(t, router, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st calibration.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.Running)
	require.NotNil(t, st.Session)
	assert.Equal(t, uint64(1), st.Session.ID)

	w = do(t, router, http.MethodPost, "/calibration/abort", `{"reason": "coffee break"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cal.wait()

	w = do(t, router, http.MethodGet, "/session", "")
	require.Equal(t, http.StatusOK, w.Code)
	var s calibration.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, calibration.PhaseAborted, s.Phase)
	log := hub.Log()
	require.NotEmpty(t, log)
	assert.Equal(t, "Calibration aborted: coffee break", log[len(log)-1].Message)

	w = do(t, router, http.MethodPost, "/calibration/continue", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPointEndpoints(t *testing.T) {
	_, router := setupTestDaemon(t)

	var points []calibration.ProbePoint
	w := do(t, router, http.MethodGet, "/points", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &points))
	assert.Len(t, points, 4)

	w = do(t, router, http.MethodPost, "/points", `{"x": "115", "y": 115}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &points))
	assert.Len(t, points, 5)
	assert.Equal(t, calibration.ProbePoint{X: 115, Y: 115}, points[4])
	assert.Equal(t, points, conf.ProbePoints(), "registry changes are written to the config")

	w = do(t, router, http.MethodPost, "/points", `{"x": 115, "y": 115}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "duplicate")

	w = do(t, router, http.MethodPost, "/points", `{"x": -1, "y": 115}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "negative")

	w = do(t, router, http.MethodDelete, "/points/0", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &points))
	assert.Len(t, points, 4)
	assert.Equal(t, calibration.ProbePoint{X: 30, Y: 200}, points[0])

	w = do(t, router, http.MethodDelete, "/points/42", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodDelete, "/points/first", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPut, "/points", `[{"x": 10, "y": 10}, {"x": "20", "y": "10"}]`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &points))
	assert.Equal(t, []calibration.ProbePoint{{X: 10, Y: 10}, {X: 20, Y: 10}}, points)

	w = do(t, router, http.MethodPut, "/points", `[]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPut, "/points", `[{"x": 10}]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInfoEndpoints(t *testing.T) {
	_, router := setupTestDaemon(t)

	w := do(t, router, http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	var v string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, version.Version, v)

	w = do(t, router, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	var fc config.RawFileConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fc))
	require.NotNil(t, fc.Tolerance)
	assert.Equal(t, conf.Tolerance(), *fc.Tolerance)
	assert.Len(t, fc.ProbePoints, 4)

	w = do(t, router, http.MethodPost, "/test-all-corners", `{"points": [{"x": 30, "y": 30}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, metricsContentType, w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "autobim_diagnostics_total 1")
	assert.Contains(t, body, `autobim_probes_total{result="ok"} 1`)
	assert.Contains(t, body, "autobim_session_running 0")
}

func TestEventStream(t *testing.T) {
	_, router := setupTestDaemon(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = cal.Start()
	require.NoError(t, err)

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		name, ok := strings.CutPrefix(scanner.Text(), "event:")
		if !ok {
			continue
		}
		names = append(names, name)
		if name == string(events.TypeCompleted) {
			break
		}
	}
	require.NotEmpty(t, names)
	assert.Equal(t, string(events.TypeStarted), names[0])
	assert.Equal(t, string(events.TypeCompleted), names[len(names)-1])
}

func TestWebsocketReplaysSession(t *testing.T) {
	_, router := setupTestDaemon(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	id, err := cal.Start()
	require.NoError(t, err)
	cal.wait()

	// The session is over before the client connects; the backlog still
	// carries all of it.
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var got []events.Event
	for {
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		got = append(got, ev)
		if ev.Type.Terminal() {
			break
		}
	}
	assert.Equal(t, events.TypeStarted, got[0].Type)
	assert.Equal(t, events.TypeCompleted, got[len(got)-1].Type)
	for _, ev := range got {
		assert.Equal(t, id, ev.Session)
	}
}
