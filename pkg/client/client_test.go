package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/events"
)

// serve runs router on a fresh unix socket and returns its path.
func serve(t *testing.T, router http.Handler) string {
	t.Helper()

	// Socket paths are length-limited, t.TempDir is often too deep.
	dir, err := os.MkdirTemp("", "autobim")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socket := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)

	srv := &http.Server{Handler: router}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	return socket
}

func fakeDaemon(t *testing.T) *Client {
	t.Helper()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	points := []calibration.ProbePoint{{X: 30, Y: 30}, {X: 200, Y: 200}}

	router.POST("/calibration/start", func(c *gin.Context) {
		c.IndentedJSON(http.StatusConflict, gin.H{"error": "already running"})
	})
	router.POST("/calibration/abort", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.Header("X-Body", string(body))
		c.IndentedJSON(http.StatusOK, struct{}{})
	})
	router.GET("/session", func(c *gin.Context) {
		c.IndentedJSON(http.StatusNotFound, gin.H{"error": "no calibration has run yet"})
	})
	router.GET("/points", func(c *gin.Context) {
		c.IndentedJSON(http.StatusOK, points)
	})
	router.DELETE("/points/:index", func(c *gin.Context) {
		if c.Param("index") != "0" {
			c.IndentedJSON(http.StatusBadRequest, gin.H{"error": "point 5: invalid argument"})
			return
		}
		c.IndentedJSON(http.StatusOK, points[1:])
	})
	router.POST("/test-all-corners", func(c *gin.Context) {
		var req struct {
			Points []calibration.ProbePoint `json:"points"`
		}
		if !assert.NoError(t, c.ShouldBindJSON(&req)) {
			return
		}
		results := make([]calibration.ProbeResult, 0, len(req.Points))
		for _, p := range req.Points {
			results = append(results, calibration.ProbeResult{Point: p, OK: true, TriggerHeight: 2})
		}
		c.IndentedJSON(http.StatusOK, gin.H{"results": results})
	})
	router.GET("/version", func(c *gin.Context) {
		c.IndentedJSON(http.StatusOK, "v1.2.3")
	})
	router.GET("/ws", func(c *gin.Context) {
		conn, err := (&websocket.Upgrader{}).Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i, typ := range []events.Type{events.TypeStarted, events.TypeInfo, events.TypeCompleted} {
			_ = conn.WriteJSON(events.Event{Seq: uint64(i + 1), Type: typ, Session: 7})
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	return NewClient(serve(t, router))
}

func TestClientErrors(t *testing.T) {
	c := fakeDaemon(t)

	_, err := c.Start()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "already running", apiErr.Message)
	assert.ErrorIs(t, err, calibration.ErrAlreadyRunning)
	assert.NotErrorIs(t, err, calibration.ErrNotRunning)

	_, err = c.GetSession()
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.RemovePoint(5)
	assert.ErrorIs(t, err, calibration.ErrInvalidArgument)

	_, err = c.Send("PATCH", "/points", "")
	assert.Error(t, err)

	missing := NewClient(filepath.Join(os.TempDir(), "autobim-does-not-exist.sock"))
	_, err = missing.GetStatus()
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
	assert.ErrorIs(t, missing.Watch(context.Background(), func(events.Event) bool { return true }), ErrDaemonNotRunning)
}

func TestClientAPIs(t *testing.T) {
	c := fakeDaemon(t)

	points, err := c.GetPoints()
	require.NoError(t, err)
	assert.Len(t, points, 2)

	points, err = c.RemovePoint(0)
	require.NoError(t, err)
	assert.Equal(t, []calibration.ProbePoint{{X: 200, Y: 200}}, points)

	// No points given: the registered ones are tested.
	results, err := c.TestAllCorners(nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.Equal(t, calibration.ProbePoint{X: 30, Y: 30}, results[0].Point)

	v, err := c.GetVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", v)

	assert.NoError(t, c.Abort("coffee"))
	assert.NoError(t, c.Abort(""))
}

func TestClientWatch(t *testing.T) {
	c := fakeDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []events.Type
	err := c.Watch(ctx, func(ev events.Event) bool {
		assert.Equal(t, uint64(7), ev.Session)
		got = append(got, ev.Type)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.TypeStarted, events.TypeInfo, events.TypeCompleted}, got)

	got = nil
	err = c.Watch(ctx, func(ev events.Event) bool {
		got = append(got, ev.Type)
		return !ev.Type.Terminal() && ev.Type != events.TypeInfo
	})
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.TypeStarted, events.TypeInfo}, got)
}

func TestAPIErrorIs(t *testing.T) {
	err := error(&APIError{StatusCode: http.StatusConflict, Message: "start: calibration not running"})
	assert.True(t, errors.Is(err, calibration.ErrNotRunning))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, calibration.ErrAborted))
	assert.Equal(t, "got 409: start: calibration not running", err.Error())
}
