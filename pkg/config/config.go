package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/j-be/autobim/pkg/calibration"
)

type Config interface {
	ProbePoints() []calibration.ProbePoint
	Tolerance() float64
	MaxIterations() int
	FailureBudget() int
	FirstCornerIsReference() bool
	Invert() bool
	ScrewThread() string

	ZMin() float64
	ZMax() float64
	Resolution() float64
	MaxSearchSteps() int
	Confirmations() int
	NoiseThreshold() float64
	ProbeTimeout() time.Duration
	SafeZ() float64

	NextPointDelay() time.Duration
	AdjustmentWait() time.Duration
	BeforeGcode() string
	AfterGcode() string

	SerialPort() string
	BaudRate() int
	ProbeRegex() string

	DiagnosticsCron() string
	AllowNonRootAccess() bool
	Listen() string

	SetProbePoints([]calibration.ProbePoint)
	SetDiagnosticsCron(string)
	SetAllowNonRootAccess(bool)

	LogrusFields() logrus.Fields

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
