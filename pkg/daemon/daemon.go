package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/config"
	"github.com/j-be/autobim/pkg/events"
	"github.com/j-be/autobim/pkg/printer"
	"github.com/j-be/autobim/pkg/registry"
)

// shutdownTimeout bounds how long a running session may take to reach its
// next checkpoint once the daemon is asked to exit.
const shutdownTimeout = 30 * time.Second

var (
	conf      config.Config
	reg       *registry.Registry
	hub       *events.EventHub
	stats     *metrics
	cal       *calibrator
	dispatch  *dispatcher
	scheduler *Scheduler
)

// Options are the command line switches of the daemon.
type Options struct {
	// AllowNonRoot makes the unix socket world-accessible.
	AllowNonRoot bool
	// Simulate drives a simulated bed instead of a serial printer.
	Simulate bool
	// Listen is an optional TCP address served in addition to the socket.
	Listen string
}

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))

	router.POST("/api/command", postCommand)
	router.POST("/calibration/start", dispatchCommand(calibration.CommandStart))
	router.POST("/calibration/abort", dispatchCommand(calibration.CommandAbort))
	router.POST("/calibration/continue", dispatchCommand(calibration.CommandContinue))
	router.POST("/home", dispatchCommand(calibration.CommandHome))
	router.POST("/test-corner", dispatchCommand(calibration.CommandTestCorner))
	router.POST("/test-all-corners", dispatchCommand(calibration.CommandTestAllCorners))
	router.GET("/status", getStatus)
	router.GET("/session", getSession)

	router.GET("/points", getPoints)
	router.PUT("/points", setPoints)
	router.POST("/points", addPoint)
	router.DELETE("/points/:index", removePoint)

	router.GET("/config", getConfig)
	router.GET("/events", streamEvents)
	router.GET("/ws", serveWebsocket)
	router.GET("/metrics", getMetrics)
	router.GET("/version", getVersion)

	return router
}

// setup wires the daemon's components around a loaded config and a printer.
func setup(c config.Config, p printer.Printer) error {
	conf = c

	var err error
	reg, err = registry.New(conf.ProbePoints())
	if err != nil {
		logrus.WithError(err).Warn("invalid probe points in config, using defaults")
		reg, _ = registry.New(registry.DefaultPoints)
	}
	reg.OnChange = func(points []calibration.ProbePoint) {
		conf.SetProbePoints(points)
		if err := conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save probe points")
		}
	}

	hub = events.NewEventHub()
	stats = newMetrics()
	cal = newCalibrator(p, reg, hub, stats, func() (settings, error) {
		return settingsFromConfig(conf)
	})
	dispatch = &dispatcher{cal: cal}
	scheduler = setupDiagnostics()

	return applyConfig()
}

// applyConfig pushes reloaded values into the running components. A running
// session keeps the settings it started with.
func applyConfig() error {
	if points := conf.ProbePoints(); !slices.Equal(points, reg.List()) {
		if err := reg.Set(points); err != nil {
			logrus.WithError(err).Warn("probe points from config not applied")
		}
	}

	if err := scheduler.Schedule(conf.DiagnosticsCron()); err != nil {
		return err
	}
	if next, _ := scheduler.Status(); !next.IsZero() {
		logrus.WithField("next", next.Format(time.DateTime)).Info("corner diagnostics scheduled")
	}
	return nil
}

func reloadConfig() {
	if err := conf.Load(); err != nil {
		logrus.Errorf("failed to reload config: %v", err)
		return
	}
	if err := applyConfig(); err != nil {
		logrus.Errorf("failed to apply config: %v", err)
		return
	}
	logrus.Infof("config reloaded")
}

func openPrinter(simulate bool) (printer.Printer, error) {
	if simulate {
		logrus.Info("using simulated printer")
		sim := printer.NewSim(2)
		sim.SetNoise(0.002, time.Now().UnixNano())
		return sim, nil
	}

	if conf.SerialPort() == "" {
		return nil, fmt.Errorf("no serial port configured, set serialPort or run with --simulate")
	}
	p, err := printer.OpenSerial(printer.SerialConfig{
		Port:         conf.SerialPort(),
		Baud:         conf.BaudRate(),
		ProbePattern: conf.ProbeRegex(),
	})
	if err != nil {
		return nil, err
	}
	logrus.WithField("port", conf.SerialPort()).Info("serial printer connected")
	return p, nil
}

func Run(configPath string, unixSocketPath string, opts Options) error {
	router := setupRoutes()

	file, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	conf = file
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	p, err := openPrinter(opts.Simulate)
	if err != nil {
		logrus.Fatal(err)
	}

	if err := setup(file, p); err != nil {
		logrus.Fatal(err)
	}
	scheduler.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			reloadConfig()
		}
	}()

	go func() {
		if err := config.Watch(ctx, file, func() {
			if err := applyConfig(); err != nil {
				logrus.Errorf("failed to apply config: %v", err)
			}
		}); err != nil {
			logrus.WithError(err).Warn("config file watching disabled")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// A stale socket from a crashed daemon would make Listen fail.
	_ = os.Remove(unixSocketPath)
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || opts.AllowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	listeners := []net.Listener{l}
	addr := opts.Listen
	if addr == "" {
		addr = conf.Listen()
	}
	if addr != "" {
		tl, err := net.Listen("tcp", addr)
		if err != nil {
			logrus.Fatal(err)
		}
		listeners = append(listeners, tl)
	}

	for _, l := range listeners {
		go func(l net.Listener) {
			logrus.Infof("http server listening on %s", l.Addr().String())
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Fatal(err)
			}
		}(l)
	}

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	scheduler.Stop()

	if err := cal.Abort("daemon shutting down"); err == nil {
		logrus.Info("waiting for the running calibration to stop")
		done := make(chan struct{})
		go func() {
			cal.wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			logrus.Warn("calibration did not stop in time")
		}
	}

	logrus.Info("shutting down http server")
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(sctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	scancel()

	if c, ok := p.(io.Closer); ok {
		logrus.Info("closing printer connection")
		if err := c.Close(); err != nil {
			logrus.Errorf("failed to close printer connection: %v", err)
		}
	}

	logrus.Info("exiting")
	return nil
}
