package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/config"
	"github.com/j-be/autobim/pkg/events"
	"github.com/j-be/autobim/pkg/leveling"
	"github.com/j-be/autobim/pkg/printer"
	"github.com/j-be/autobim/pkg/probe"
	"github.com/j-be/autobim/pkg/registry"
)

const (
	homingTimeout = 5 * time.Minute
	gcodeTimeout  = 2 * time.Minute
)

// hwOwner names the operation that currently holds the printer.
type hwOwner string

const (
	ownerNone       hwOwner = ""
	ownerSession    hwOwner = "session"
	ownerDiagnostic hwOwner = "diagnostic"
	ownerHoming     hwOwner = "homing"
)

// settings is the part of the configuration a calibration works with. A
// session captures it when it starts, so config reloads never reach a running
// session.
type settings struct {
	leveling       leveling.Config
	probe          probe.Params
	safeZ          float64
	beforeGcode    []string
	afterGcode     []string
	adjustmentWait time.Duration
}

func settingsFromConfig(c config.Config) (settings, error) {
	thread, err := leveling.ParseThread(c.ScrewThread())
	if err != nil {
		return settings{}, pkgerrors.Wrap(calibration.ErrInvalidArgument, err.Error())
	}

	return settings{
		leveling: leveling.Config{
			Tolerance:              c.Tolerance(),
			MaxIterations:          c.MaxIterations(),
			FailureBudget:          c.FailureBudget(),
			FirstCornerIsReference: c.FirstCornerIsReference(),
			Thread:                 thread,
			Invert:                 c.Invert(),
			NextPointDelay:         c.NextPointDelay(),
		},
		probe: probe.Params{
			ZMin:           c.ZMin(),
			ZMax:           c.ZMax(),
			Resolution:     c.Resolution(),
			MaxSteps:       c.MaxSearchSteps(),
			Confirmations:  c.Confirmations(),
			NoiseThreshold: c.NoiseThreshold(),
			Timeout:        c.ProbeTimeout(),
		},
		safeZ:          c.SafeZ(),
		beforeGcode:    printer.FilterCommands(c.BeforeGcode()),
		afterGcode:     printer.FilterCommands(c.AfterGcode()),
		adjustmentWait: c.AdjustmentWait(),
	}, nil
}

// calibrator owns the printer. At most one hardware operation runs at a time:
// a session, a diagnostic probe or homing. Everything else fails fast with
// calibration.ErrAlreadyRunning instead of queueing.
type calibrator struct {
	printer  printer.Printer
	registry *registry.Registry
	hub      *events.EventHub
	metrics  *metrics
	settings func() (settings, error)

	mu      sync.Mutex
	owner   hwOwner
	nextID  uint64
	session *calibration.Session
	last    *calibration.Session
	run     *sessionRun
}

func newCalibrator(p printer.Printer, reg *registry.Registry, hub *events.EventHub, m *metrics, s func() (settings, error)) *calibrator {
	if m == nil {
		m = newMetrics()
	}
	return &calibrator{
		printer:  p,
		registry: reg,
		hub:      hub,
		metrics:  m,
		settings: s,
	}
}

func (c *calibrator) acquire(o hwOwner) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != ownerNone {
		return pkgerrors.Wrapf(calibration.ErrAlreadyRunning, "printer busy with %s", c.owner)
	}
	c.owner = o
	c.metrics.setBusy(true)
	return nil
}

func (c *calibrator) release() {
	c.mu.Lock()
	c.owner = ownerNone
	c.metrics.setBusy(false)
	c.mu.Unlock()
}

// Start begins a new calibration session and returns its id. The session runs
// in the background; its progress is reported through the event hub.
func (c *calibrator) Start() (uint64, error) {
	st, err := c.settings()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner != ownerNone {
		return 0, pkgerrors.Wrapf(calibration.ErrAlreadyRunning, "printer busy with %s", c.owner)
	}

	points := c.registry.Freeze()
	if len(points) == 0 {
		c.registry.Thaw()
		return 0, pkgerrors.Wrap(calibration.ErrInvalidArgument, "no probe points configured")
	}

	engine, err := probe.NewEngine(c.printer, st.probe)
	if err != nil {
		c.registry.Thaw()
		return 0, err
	}

	c.nextID++
	session := &calibration.Session{
		ID:        c.nextID,
		Phase:     calibration.PhaseHoming,
		StartedAt: time.Now(),
		Points:    points,
		Results:   []calibration.ProbeResult{},
	}
	run := &sessionRun{
		c:        c,
		session:  session,
		settings: st,
		abort:    make(chan struct{}),
		proceed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	cfg := st.leveling
	cfg.Points = points
	controller, err := leveling.NewController(cfg, &instrumentedProber{Prober: engine, m: c.metrics}, run, run)
	if err != nil {
		c.nextID--
		c.registry.Thaw()
		return 0, err
	}

	c.owner = ownerSession
	c.session = session
	c.run = run
	c.metrics.setBusy(true)
	c.metrics.setRunning(true)

	logrus.WithFields(logrus.Fields{
		"session": session.ID,
		"points":  len(points),
	}).Info("calibration started")
	c.hub.Publish(events.TypeStarted, fmt.Sprintf("Calibration started with %d probe points", len(points)), session.ID, session.Clone())

	go run.work(controller)

	return session.ID, nil
}

// Abort requests the running session to stop at its next checkpoint.
// Repeated calls while the abort is pending are no-ops.
func (c *calibrator) Abort(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return calibration.ErrNotRunning
	}
	c.run.requestAbort(reason)
	return nil
}

// Continue ends the current adjustment wait early.
func (c *calibrator) Continue() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return calibration.ErrNotRunning
	}
	select {
	case c.run.proceed <- struct{}{}:
	default:
	}
	return nil
}

// Home homes all axes.
func (c *calibrator) Home(ctx context.Context) error {
	if err := c.acquire(ownerHoming); err != nil {
		return err
	}
	defer c.release()

	ctx, cancel := context.WithTimeout(ctx, homingTimeout)
	defer cancel()

	if err := c.printer.Home(ctx); err != nil {
		logrus.WithError(err).Error("homing failed")
		return hardwareError(err, "homing failed")
	}
	logrus.Info("homing done")
	return nil
}

// TestCorner probes a single point outside of a session.
func (c *calibrator) TestCorner(ctx context.Context, point calibration.ProbePoint) (calibration.ProbeResult, error) {
	results, err := c.testPoints(ctx, []calibration.ProbePoint{point})
	if err != nil {
		return calibration.ProbeResult{}, err
	}
	return results[0], nil
}

// TestAllCorners probes every point of the list in order outside of a session.
func (c *calibrator) TestAllCorners(ctx context.Context, points []calibration.ProbePoint) ([]calibration.ProbeResult, error) {
	if len(points) == 0 {
		return nil, pkgerrors.Wrap(calibration.ErrInvalidArgument, "no points to test")
	}
	return c.testPoints(ctx, points)
}

func (c *calibrator) testPoints(ctx context.Context, points []calibration.ProbePoint) ([]calibration.ProbeResult, error) {
	if err := registry.Validate(points); err != nil {
		return nil, err
	}
	st, err := c.settings()
	if err != nil {
		return nil, err
	}
	engine, err := probe.NewEngine(c.printer, st.probe)
	if err != nil {
		return nil, err
	}

	if err := c.acquire(ownerDiagnostic); err != nil {
		return nil, err
	}
	defer c.release()

	prober := &instrumentedProber{Prober: engine, m: c.metrics}
	results := make([]calibration.ProbeResult, 0, len(points))
	for _, p := range points {
		res := prober.Probe(ctx, p)
		results = append(results, res)
		if res.OK {
			c.hub.Publish(events.TypeInfo, fmt.Sprintf("Point %s seems to work fine", p), 0, res)
		} else {
			c.hub.Publish(events.TypeWarn, fmt.Sprintf("Point %s seems to be unreachable! %s", p, res.Error), 0, res)
		}
		if errors.Is(res.Err, calibration.ErrHardwareCommunication) {
			// The link is gone; the remaining points would fail the same way.
			return results, res.Err
		}
	}
	// Published before release so it stays out of the next session's stream.
	if len(points) > 1 {
		reachable := 0
		for _, r := range results {
			if r.OK {
				reachable++
			}
		}
		c.hub.Publish(events.TypeInfo, fmt.Sprintf("%d of %d points reachable", reachable, len(points)), 0, results)
	}
	c.metrics.diagnosticDone()
	return results, nil
}

// Status never waits on the printer.
func (c *calibrator) Status() calibration.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := calibration.Status{
		Busy:  c.owner != ownerNone,
		Phase: calibration.PhaseIdle,
	}
	if c.session != nil {
		st.Running = true
		st.Phase = c.session.Phase
		st.Session = c.session.Clone()
	}
	return st
}

// LastSession returns the running session or, when idle, the most recently
// finished one. It returns nil before the first session.
func (c *calibrator) LastSession() *calibration.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return c.session.Clone()
	}
	return c.last.Clone()
}

// wait blocks until the running session, if any, has finished.
func (c *calibrator) wait() {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run != nil {
		<-run.done
	}
}

// update mutates the session under the calibrator lock.
func (c *calibrator) update(fn func(s *calibration.Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		fn(c.run.session)
	}
}

func hardwareError(err error, msg string) error {
	if errors.Is(err, calibration.ErrHardwareCommunication) {
		return pkgerrors.Wrap(err, msg)
	}
	return pkgerrors.Wrapf(calibration.ErrHardwareCommunication, "%s: %v", msg, err)
}

// sessionRun is the worker side of a session. It implements the observer and
// control hooks of the leveling loop.
type sessionRun struct {
	c        *calibrator
	session  *calibration.Session
	settings settings

	abortOnce   sync.Once
	abortReason string
	abort       chan struct{}
	proceed     chan struct{}
	done        chan struct{}
}

var _ leveling.Observer = &sessionRun{}
var _ leveling.Control = &sessionRun{}

// requestAbort must be called with c.mu held.
func (r *sessionRun) requestAbort(reason string) {
	r.abortOnce.Do(func() {
		r.abortReason = reason
		close(r.abort)
		logrus.WithFields(logrus.Fields{
			"session": r.session.ID,
			"reason":  reason,
		}).Info("abort requested")
	})
}

func (r *sessionRun) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"session":   r.session.ID,
		"operation": "calibration",
	})
}

func (r *sessionRun) work(controller *leveling.Controller) {
	defer close(r.done)

	report, err := r.execute(controller)
	r.finish(report, err)
}

func (r *sessionRun) execute(controller *leveling.Controller) (*calibration.Report, error) {
	p := r.c.printer
	ctx := context.Background()

	if err := r.Checkpoint(); err != nil {
		return nil, err
	}

	r.display(ctx, "wait...")
	hctx, cancel := context.WithTimeout(ctx, homingTimeout)
	err := p.Home(hctx)
	cancel()
	if err != nil {
		return nil, hardwareError(err, "homing failed")
	}
	if err := r.Checkpoint(); err != nil {
		return nil, err
	}

	mctx, cancel := context.WithTimeout(ctx, r.settings.probe.Timeout)
	err = p.MoveTo(mctx, r.session.Points[0], r.settings.safeZ)
	cancel()
	if err != nil {
		return nil, hardwareError(err, "moving to safe height failed")
	}

	if len(r.settings.beforeGcode) > 0 {
		gctx, cancel := context.WithTimeout(ctx, gcodeTimeout)
		err := printer.Commands(gctx, p, r.settings.beforeGcode...)
		cancel()
		if err != nil {
			return nil, hardwareError(err, "before G-code failed")
		}
	}

	return controller.Run(ctx)
}

func (r *sessionRun) finish(report *calibration.Report, err error) {
	if len(r.settings.afterGcode) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), gcodeTimeout)
		if gerr := printer.Commands(ctx, r.c.printer, r.settings.afterGcode...); gerr != nil {
			r.log().WithError(gerr).Warn("after G-code failed")
		}
		cancel()
	}

	phase := calibration.PhaseCompleted
	typ := events.TypeCompleted
	msg := "Calibration completed"
	switch {
	case err == nil:
		if report != nil && report.Converged {
			msg = fmt.Sprintf("Calibration completed, bed is level within %.3fmm", report.Tolerance)
		} else if report != nil {
			msg = fmt.Sprintf("Calibration completed without converging, residual deviation %.3fmm", report.MaxDeviation)
		}
		r.display(context.Background(), "done")
	case errors.Is(err, calibration.ErrAborted):
		phase = calibration.PhaseAborted
		typ = events.TypeAborted
		msg = "Calibration aborted"
		if r.abortReason != "" {
			msg = fmt.Sprintf("Calibration aborted: %s", r.abortReason)
		}
		r.display(context.Background(), "aborted")
	default:
		phase = calibration.PhaseError
		typ = events.TypeAborted
		msg = err.Error()
		r.display(context.Background(), "error, check log")
	}

	c := r.c
	c.mu.Lock()
	s := r.session
	s.Phase = phase
	s.EndedAt = time.Now()
	s.CurrentCorner = nil
	if report != nil {
		s.Report = report
	}
	if phase == calibration.PhaseError {
		s.LastError = err.Error()
	}
	c.hub.Publish(typ, msg, s.ID, s.Clone())
	c.last = s
	c.session = nil
	c.owner = ownerNone
	c.metrics.setBusy(false)
	c.metrics.setRunning(false)
	c.metrics.sessionDone(phase)
	c.registry.Thaw()
	c.mu.Unlock()

	entry := r.log().WithField("phase", phase)
	if phase == calibration.PhaseError {
		entry.WithError(err).Error("calibration failed")
	} else {
		entry.Info(msg)
	}
}

// display shows msg on the printer. Failures only get logged: the display is
// a courtesy and must never decide the outcome of a session.
func (r *sessionRun) display(ctx context.Context, msg string) {
	ctx, cancel := context.WithTimeout(ctx, r.settings.probe.Timeout)
	defer cancel()
	if err := printer.Display(ctx, r.c.printer, msg); err != nil {
		r.log().WithError(err).Debug("failed to update printer display")
	}
}

func (r *sessionRun) Checkpoint() error {
	select {
	case <-r.abort:
		return calibration.ErrAborted
	default:
		return nil
	}
}

func (r *sessionRun) Sleep(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.abort:
		return calibration.ErrAborted
	case <-t.C:
		return nil
	}
}

func (r *sessionRun) WaitForAdjustment(report calibration.Report) error {
	r.log().WithField("timeout", r.settings.adjustmentWait).Debug("waiting for screw adjustment")

	t := time.NewTimer(r.settings.adjustmentWait)
	defer t.Stop()
	select {
	case <-r.abort:
		return calibration.ErrAborted
	case <-r.proceed:
	case <-t.C:
	}
	return r.Checkpoint()
}

func (r *sessionRun) Probing(iteration int, point calibration.ProbePoint) {
	r.c.update(func(s *calibration.Session) {
		s.Phase = calibration.PhaseProbing
		s.Iteration = iteration
		p := point
		s.CurrentCorner = &p
	})
}

func (r *sessionRun) Probed(result calibration.ProbeResult) {
	r.c.update(func(s *calibration.Session) {
		s.Results = append(s.Results, result)
	})
}

func (r *sessionRun) Converging(report calibration.Report) {
	rep := report
	r.c.update(func(s *calibration.Session) {
		s.Phase = calibration.PhaseConverging
		s.CurrentCorner = nil
		s.Report = &rep
	})

	worst := calibration.Adjustment{}
	for _, a := range report.Adjustments {
		if math.Abs(a.Delta) >= math.Abs(worst.Delta) {
			worst = a
		}
	}
	r.display(context.Background(), leveling.DisplayMessage(worst.Delta, report.Tolerance, r.settings.leveling.Invert))
}

func (r *sessionRun) Info(msg string, data any) {
	r.c.hub.Publish(events.TypeInfo, msg, r.session.ID, data)
}

func (r *sessionRun) Warn(msg string, data any) {
	r.c.hub.Publish(events.TypeWarn, msg, r.session.ID, data)
}

// instrumentedProber counts every probe attempt.
type instrumentedProber struct {
	leveling.Prober
	m *metrics
}

func (p *instrumentedProber) Probe(ctx context.Context, point calibration.ProbePoint) calibration.ProbeResult {
	res := p.Prober.Probe(ctx, point)
	p.m.probeDone(res.OK)
	return res
}
