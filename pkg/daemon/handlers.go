package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/config"
	"github.com/j-be/autobim/pkg/version"
)

// statusCode maps an error onto the HTTP status reported to clients.
func statusCode(err error) int {
	switch {
	case calibration.IsClientError(err):
		return http.StatusBadRequest
	case calibration.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, calibration.ErrHardwareCommunication), errors.Is(err, calibration.ErrProbeFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	code := statusCode(err)
	c.IndentedJSON(code, gin.H{"error": err.Error()})
	_ = c.AbortWithError(code, err)
}

func readBody(c *gin.Context) (json.RawMessage, bool) {
	b, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortWithError(c, pkgerrors.Wrap(calibration.ErrInvalidArgument, err.Error()))
		return nil, false
	}
	return b, true
}

// dispatchCommand serves a fixed command with the request body as payload.
func dispatchCommand(cmd calibration.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		runCommand(c, string(cmd), body)
	}
}

func runCommand(c *gin.Context, name string, payload json.RawMessage) {
	ret, err := dispatch.Dispatch(c.Request.Context(), name, payload)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, ret)
}

// postCommand serves the generic command endpoint: {"command": "...", ...}.
func postCommand(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	var envelope struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		abortWithError(c, pkgerrors.Wrap(calibration.ErrInvalidArgument, err.Error()))
		return
	}
	if envelope.Command == "" {
		abortWithError(c, pkgerrors.Wrap(calibration.ErrInvalidArgument, "missing command"))
		return
	}

	runCommand(c, envelope.Command, body)
}

func getStatus(c *gin.Context) {
	runCommand(c, string(calibration.CommandStatus), nil)
}

func getSession(c *gin.Context) {
	s := cal.LastSession()
	if s == nil {
		c.IndentedJSON(http.StatusNotFound, gin.H{"error": "no calibration has run yet"})
		return
	}
	c.IndentedJSON(http.StatusOK, s)
}

func getPoints(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, reg.List())
}

func setPoints(c *gin.Context) {
	var p []pointPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		abortWithError(c, pkgerrors.Wrap(calibration.ErrInvalidArgument, err.Error()))
		return
	}

	points, err := pointsPayload{Points: p}.list()
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := reg.Set(points); err != nil {
		abortWithError(c, err)
		return
	}

	logrus.WithField("points", len(points)).Info("probe points replaced")
	c.IndentedJSON(http.StatusCreated, reg.List())
}

func addPoint(c *gin.Context) {
	var p pointPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		abortWithError(c, pkgerrors.Wrap(calibration.ErrInvalidArgument, err.Error()))
		return
	}

	pt, err := p.point()
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := reg.Add(pt); err != nil {
		abortWithError(c, err)
		return
	}

	logrus.WithField("point", pt.String()).Info("probe point added")
	c.IndentedJSON(http.StatusCreated, reg.List())
}

func removePoint(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		abortWithError(c, pkgerrors.Wrapf(calibration.ErrInvalidArgument, "invalid index %q", c.Param("index")))
		return
	}
	if err := reg.Remove(index); err != nil {
		abortWithError(c, err)
		return
	}

	logrus.WithField("index", index).Info("probe point removed")
	c.IndentedJSON(http.StatusOK, reg.List())
}

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getMetrics(c *gin.Context) {
	c.Header("Content-Type", metricsContentType)
	c.Status(http.StatusOK)
	if _, err := stats.WriteTo(c.Writer); err != nil {
		logrus.WithError(err).Error("failed to write metrics")
	}
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
