// Package leveling runs the iterative multi-corner leveling loop: probe every
// corner, compare it with the reference corner, tell the operator how to turn
// the screws, wait, and repeat until the bed is level.
package leveling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/j-be/autobim/pkg/calibration"
)

// Prober measures the trigger height above one point.
type Prober interface {
	Probe(ctx context.Context, point calibration.ProbePoint) calibration.ProbeResult
}

// Observer receives progress while the loop runs.
type Observer interface {
	// Probing is called before every probe attempt.
	Probing(iteration int, point calibration.ProbePoint)
	// Probed is called with the one result kept per corner and iteration.
	Probed(result calibration.ProbeResult)
	// Converging is called after every iteration with its evaluation.
	Converging(report calibration.Report)
	Info(msg string, data any)
	Warn(msg string, data any)
}

// Control lets the owner of the loop pause and cancel it.
type Control interface {
	// Checkpoint returns calibration.ErrAborted once an abort was requested.
	Checkpoint() error
	// Sleep waits d or until the loop is aborted.
	Sleep(d time.Duration) error
	// WaitForAdjustment suspends the loop while the operator turns screws.
	WaitForAdjustment(report calibration.Report) error
}

// Config configures a Controller.
type Config struct {
	Points    []calibration.ProbePoint
	Tolerance float64
	// MaxIterations bounds the loop. Running out is not an error.
	MaxIterations int
	// FailureBudget is the number of consecutive failed probes tolerated.
	FailureBudget int
	// FirstCornerIsReference compares against the first corner instead of Z=0.
	FirstCornerIsReference bool
	Thread                 Thread
	// Invert flips the turning direction in the guidance.
	Invert bool
	// NextPointDelay is waited between two corners.
	NextPointDelay time.Duration
}

func (c Config) Validate() error {
	switch {
	case len(c.Points) == 0:
		return errors.New("no probe points")
	case c.Tolerance <= 0:
		return fmt.Errorf("tolerance must be positive, got %v", c.Tolerance)
	case c.MaxIterations <= 0:
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	case c.FailureBudget < 0:
		return fmt.Errorf("failure budget must not be negative, got %d", c.FailureBudget)
	case c.Thread.Pitch <= 0:
		return fmt.Errorf("screw thread pitch must be positive, got %v", c.Thread.Pitch)
	}
	return nil
}

// Controller runs the leveling loop of one session.
type Controller struct {
	cfg      Config
	prober   Prober
	observer Observer
	control  Control
}

func NewController(cfg Config, prober Prober, observer Observer, control Control) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.Wrap(calibration.ErrInvalidArgument, err.Error())
	}
	return &Controller{cfg: cfg, prober: prober, observer: observer, control: control}, nil
}

// Run levels the bed. It returns the last evaluation together with
// calibration.ErrAborted, an error wrapping calibration.ErrFailureBudgetExceeded,
// or one wrapping calibration.ErrHardwareCommunication when the loop stops early.
func (c *Controller) Run(ctx context.Context) (*calibration.Report, error) {
	var report *calibration.Report
	n := len(c.cfg.Points)

	for iteration := 1; iteration <= c.cfg.MaxIterations; iteration++ {
		log := logrus.WithFields(logrus.Fields{
			"iteration": iteration,
			"operation": "leveling",
		})
		log.Debug("probing corners")

		heights := make([]float64, n)
		for i, p := range c.cfg.Points {
			if err := c.control.Checkpoint(); err != nil {
				return report, err
			}
			res, err := c.probeCorner(ctx, iteration, p)
			if err != nil {
				return report, err
			}
			heights[i] = res.TriggerHeight

			if i < n-1 && c.cfg.NextPointDelay > 0 {
				if err := c.control.Sleep(c.cfg.NextPointDelay); err != nil {
					return report, err
				}
			}
		}

		r := c.evaluate(iteration, heights)
		report = &r
		c.observer.Converging(r)
		log.WithFields(logrus.Fields{
			"maxDeviation": r.MaxDeviation,
			"converged":    r.Converged,
		}).Info("iteration evaluated")

		if r.Converged {
			c.observer.Info(fmt.Sprintf("Bed is level: max deviation %.3fmm within %.3fmm after %d iteration(s)",
				r.MaxDeviation, r.Tolerance, iteration), r)
			return report, nil
		}

		if iteration == c.cfg.MaxIterations {
			c.observer.Warn(fmt.Sprintf("Bed not level after %d iteration(s), residual deviation %.3fmm: %s",
				iteration, r.MaxDeviation, guidance(r.Adjustments)), r)
			return report, nil
		}

		c.observer.Info(fmt.Sprintf("Adjust screws (iteration %d, max deviation %.3fmm): %s",
			iteration, r.MaxDeviation, guidance(r.Adjustments)), r)

		if err := c.control.Checkpoint(); err != nil {
			return report, err
		}
		if err := c.control.WaitForAdjustment(r); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (c *Controller) probeCorner(ctx context.Context, iteration int, p calibration.ProbePoint) (calibration.ProbeResult, error) {
	failures := 0
	for {
		c.observer.Probing(iteration, p)
		res := c.prober.Probe(ctx, p)
		res.Iteration = iteration
		if res.OK {
			c.observer.Probed(res)
			return res, nil
		}

		if errors.Is(res.Err, calibration.ErrHardwareCommunication) || errors.Is(res.Err, context.Canceled) {
			c.observer.Probed(res)
			return res, res.Err
		}

		failures++
		if failures > c.cfg.FailureBudget {
			c.observer.Probed(res)
			return res, pkgerrors.Wrapf(calibration.ErrFailureBudgetExceeded,
				"cannot probe %s! Please check settings (%d attempts, last: %s)", p, failures, res.Error)
		}

		c.observer.Warn(fmt.Sprintf("Error probing %s, retrying (%d/%d): %s", p, failures, c.cfg.FailureBudget, res.Error), res)
		if err := c.control.Checkpoint(); err != nil {
			return res, err
		}
	}
}

func (c *Controller) evaluate(iteration int, heights []float64) calibration.Report {
	ref := 0.0
	if c.cfg.FirstCornerIsReference {
		ref = heights[0]
	}

	r := calibration.Report{
		Iterations: iteration,
		Reference:  ref,
		Tolerance:  c.cfg.Tolerance,
	}
	for i, p := range c.cfg.Points {
		delta := heights[i] - ref
		r.MaxDeviation = math.Max(r.MaxDeviation, math.Abs(delta))
		r.Adjustments = append(r.Adjustments, c.adjustment(p, delta))
	}
	r.Converged = r.MaxDeviation <= c.cfg.Tolerance
	return r
}

func (c *Controller) adjustment(p calibration.ProbePoint, delta float64) calibration.Adjustment {
	a := calibration.Adjustment{
		Point: p,
		Delta: delta,
	}
	if math.Abs(delta) <= c.cfg.Tolerance {
		a.Direction = "ok"
		a.Message = fmt.Sprintf("%s: %+.2fmm ok", p, delta)
		return a
	}

	// A corner above the reference has to come down.
	raise := delta < 0
	a.Direction = "lower"
	if raise {
		a.Direction = "raise"
	}
	clockwise := raise == c.cfg.Thread.Clockwise
	if c.cfg.Invert {
		clockwise = !clockwise
	}
	a.Rotation = "CCW"
	if clockwise {
		a.Rotation = "CW"
	}
	a.Turns = math.Abs(delta) / c.cfg.Thread.Pitch
	a.Message = fmt.Sprintf("%s: %+.2fmm %s, turn %s %.2f (%s)", p, delta, a.Direction, a.Rotation, a.Turns, clock(a.Turns))
	return a
}

// clock renders turns like a clock face: a full turn is one hour.
func clock(turns float64) string {
	minutes := int(math.Round(turns * 60))
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func guidance(adjustments []calibration.Adjustment) string {
	msgs := make([]string, 0, len(adjustments))
	for _, a := range adjustments {
		msgs = append(msgs, a.Message)
	}
	return strings.Join(msgs, "; ")
}

// DisplayMessage is the short status line shown on the printer for a corner.
func DisplayMessage(delta float64, tolerance float64, invert bool) string {
	if math.Abs(delta) <= tolerance {
		return "ok. moving to next"
	}
	arrows := ">>>"
	if invert != (delta < 0) {
		arrows = "<<<"
	}
	return fmt.Sprintf("%.2f %s (adjust)", delta, arrows)
}
