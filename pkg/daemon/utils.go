package daemon

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// pollRoutes are hit every second or so by UIs and scrapers.
var pollRoutes = map[string]bool{
	"/status":  true,
	"/metrics": true,
	"/session": true,
}

// streamRoutes stay open for the lifetime of an observer.
var streamRoutes = map[string]bool{
	"/events": true,
	"/ws":     true,
}

// ginLogger is the access log. Failed requests are logged at Warn (4xx) or
// Error (5xx), polling at Trace, everything else at Debug.
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// handlers may rewrite the path
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		took := time.Since(start)

		status := c.Writer.Status()
		fields := logrus.Fields{
			"status": status,
			"method": c.Request.Method,
			"path":   path,
			"took":   took.Round(time.Millisecond).String(),
		}
		// Requests over the unix socket have no remote address.
		if c.Request.RemoteAddr != "" && c.Request.RemoteAddr != "@" {
			fields["remote"] = c.Request.RemoteAddr
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			fields["error"] = errs.String()
		}
		entry := logger.WithFields(fields)

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		case streamRoutes[path]:
			entry.Debug("observer disconnected")
		case pollRoutes[path]:
			entry.Trace("request served")
		default:
			entry.Debug("request served")
		}
	}
}
