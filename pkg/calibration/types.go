package calibration

import (
	"fmt"
	"time"
)

// Phase defines phases for bed-leveling calibration.
type Phase string

const (
	PhaseIdle       Phase = "Idle"
	PhaseHoming     Phase = "Homing"
	PhaseProbing    Phase = "ProbingCorner"
	PhaseConverging Phase = "Converging"
	PhaseCompleted  Phase = "Completed"
	PhaseAborted    Phase = "Aborted"
	PhaseError      Phase = "Error"
)

// Active reports whether the phase belongs to a running session.
func (p Phase) Active() bool {
	switch p {
	case PhaseHoming, PhaseProbing, PhaseConverging:
		return true
	}
	return false
}

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAborted || p == PhaseError
}

// Command defines the commands accepted by the daemon.
type Command string

const (
	CommandStart          Command = "start"
	CommandAbort          Command = "abort"
	CommandContinue       Command = "continue"
	CommandHome           Command = "home"
	CommandTestCorner     Command = "test_corner"
	CommandTestAllCorners Command = "test_all_corners"
	CommandStatus         Command = "status"
)

// ProbePoint is a bed coordinate in millimeters.
type ProbePoint struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

func (p ProbePoint) String() string {
	return fmt.Sprintf("X%s Y%s", formatCoord(p.X), formatCoord(p.Y))
}

func formatCoord(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

// ProbeResult is the outcome of probing one point.
// OK is false when the probe did not trigger within the search range, the
// readings disagreed, the probe timed out or the printer link failed.
type ProbeResult struct {
	Point         ProbePoint `json:"point"`
	TriggerHeight float64    `json:"triggerHeight"`
	OK            bool       `json:"result"`
	Iteration     int        `json:"iteration,omitempty"`
	Samples       []float64  `json:"samples,omitempty"`
	Error         string     `json:"error,omitempty"`
	ProbedAt      time.Time  `json:"probedAt"`

	// Err keeps the original failure for classification. Not serialized.
	Err error `json:"-"`
}

// Adjustment tells the operator how to turn the screw below one corner.
type Adjustment struct {
	Point     ProbePoint `json:"point"`
	Delta     float64    `json:"delta"`
	Direction string     `json:"direction"` // "raise", "lower" or "ok"
	Rotation  string     `json:"rotation,omitempty"`
	Turns     float64    `json:"turns"`
	Message   string     `json:"message"`
}

// Report summarizes a convergence run.
type Report struct {
	Converged    bool         `json:"converged"`
	Iterations   int          `json:"iterations"`
	Reference    float64      `json:"reference"`
	MaxDeviation float64      `json:"maxDeviation"`
	Tolerance    float64      `json:"tolerance"`
	Adjustments  []Adjustment `json:"adjustments,omitempty"`
}

// Session holds the runtime state of one calibration run. It is kept in
// memory only; a restarted daemon always starts Idle.
type Session struct {
	ID            uint64        `json:"id"`
	Phase         Phase         `json:"phase"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       time.Time     `json:"endedAt,omitempty"`
	Points        []ProbePoint  `json:"points"`
	CurrentCorner *ProbePoint   `json:"currentCorner,omitempty"`
	Results       []ProbeResult `json:"results"`
	Iteration     int           `json:"iteration"`
	LastError     string        `json:"lastError,omitempty"`
	Report        *Report       `json:"report,omitempty"`
}

// Clone returns a deep copy that is safe to hand out to readers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Points = append([]ProbePoint(nil), s.Points...)
	c.Results = append([]ProbeResult(nil), s.Results...)
	if s.CurrentCorner != nil {
		p := *s.CurrentCorner
		c.CurrentCorner = &p
	}
	if s.Report != nil {
		r := *s.Report
		r.Adjustments = append([]Adjustment(nil), s.Report.Adjustments...)
		c.Report = &r
	}
	return &c
}

// Status is a synthesized view model exposed via HTTP and used by the CLI.
// Running is true only while a session is active; Busy is also true while a
// diagnostic probe or homing holds the printer.
type Status struct {
	Running bool     `json:"running"`
	Busy    bool     `json:"busy"`
	Phase   Phase    `json:"phase"`
	Session *Session `json:"session,omitempty"`
}
