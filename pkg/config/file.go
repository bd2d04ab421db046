package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		ProbePoints: []calibration.ProbePoint{
			{X: 30, Y: 30},
			{X: 30, Y: 200},
			{X: 200, Y: 200},
			{X: 200, Y: 30},
		},
		Tolerance:              ptr.To(0.05),
		MaxIterations:          ptr.To(10),
		FailureBudget:          ptr.To(3),
		FirstCornerIsReference: ptr.To(true),
		Invert:                 ptr.To(false),
		ScrewThread:            ptr.To("CW-M3"),
		ZMin:                   ptr.To(0.0),
		ZMax:                   ptr.To(10.0),
		Resolution:             ptr.To(0.01),
		MaxSearchSteps:         ptr.To(32),
		Confirmations:          ptr.To(2),
		NoiseThreshold:         ptr.To(0.05),
		ProbeTimeoutSeconds:    ptr.To(30.0),
		SafeZ:                  ptr.To(20.0),
		NextPointDelaySeconds:  ptr.To(0.0),
		AdjustmentWaitSeconds:  ptr.To(30.0),
		BeforeGcode:            ptr.To(""),
		AfterGcode:             ptr.To(""),
		SerialPort:             ptr.To(""),
		BaudRate:               ptr.To(115200),
		ProbeRegex:             ptr.To(""),
		DiagnosticsCron:        ptr.To(""),
		AllowNonRootAccess:     ptr.To(false),
		Listen:                 ptr.To(""),
	}
)

var _ Config = &File{}

// File is a Config backed by a JSON or YAML file. The format follows the file
// extension: .yaml and .yml are YAML, everything else is JSON.
type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	ProbePoints            []calibration.ProbePoint `json:"probePoints,omitempty" yaml:"probePoints,omitempty"`
	Tolerance              *float64                 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	MaxIterations          *int                     `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`
	FailureBudget          *int                     `json:"failureBudget,omitempty" yaml:"failureBudget,omitempty"`
	FirstCornerIsReference *bool                    `json:"firstCornerIsReference,omitempty" yaml:"firstCornerIsReference,omitempty"`
	Invert                 *bool                    `json:"invert,omitempty" yaml:"invert,omitempty"`
	ScrewThread            *string                  `json:"screwThread,omitempty" yaml:"screwThread,omitempty"`
	ZMin                   *float64                 `json:"zMin,omitempty" yaml:"zMin,omitempty"`
	ZMax                   *float64                 `json:"zMax,omitempty" yaml:"zMax,omitempty"`
	Resolution             *float64                 `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	MaxSearchSteps         *int                     `json:"maxSearchSteps,omitempty" yaml:"maxSearchSteps,omitempty"`
	Confirmations          *int                     `json:"confirmations,omitempty" yaml:"confirmations,omitempty"`
	NoiseThreshold         *float64                 `json:"noiseThreshold,omitempty" yaml:"noiseThreshold,omitempty"`
	ProbeTimeoutSeconds    *float64                 `json:"probeTimeoutSeconds,omitempty" yaml:"probeTimeoutSeconds,omitempty"`
	SafeZ                  *float64                 `json:"safeZ,omitempty" yaml:"safeZ,omitempty"`
	NextPointDelaySeconds  *float64                 `json:"nextPointDelaySeconds,omitempty" yaml:"nextPointDelaySeconds,omitempty"`
	AdjustmentWaitSeconds  *float64                 `json:"adjustmentWaitSeconds,omitempty" yaml:"adjustmentWaitSeconds,omitempty"`
	BeforeGcode            *string                  `json:"beforeGcode,omitempty" yaml:"beforeGcode,omitempty"`
	AfterGcode             *string                  `json:"afterGcode,omitempty" yaml:"afterGcode,omitempty"`
	SerialPort             *string                  `json:"serialPort,omitempty" yaml:"serialPort,omitempty"`
	BaudRate               *int                     `json:"baudRate,omitempty" yaml:"baudRate,omitempty"`
	ProbeRegex             *string                  `json:"probeRegex,omitempty" yaml:"probeRegex,omitempty"`
	DiagnosticsCron        *string                  `json:"diagnosticsCron,omitempty" yaml:"diagnosticsCron,omitempty"`
	AllowNonRootAccess     *bool                    `json:"allowNonRootAccess,omitempty" yaml:"allowNonRootAccess,omitempty"`
	Listen                 *string                  `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// NewRawFileConfigFromConfig returns the effective configuration with every
// default filled in.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		ProbePoints:            c.ProbePoints(),
		Tolerance:              ptr.To(c.Tolerance()),
		MaxIterations:          ptr.To(c.MaxIterations()),
		FailureBudget:          ptr.To(c.FailureBudget()),
		FirstCornerIsReference: ptr.To(c.FirstCornerIsReference()),
		Invert:                 ptr.To(c.Invert()),
		ScrewThread:            ptr.To(c.ScrewThread()),
		ZMin:                   ptr.To(c.ZMin()),
		ZMax:                   ptr.To(c.ZMax()),
		Resolution:             ptr.To(c.Resolution()),
		MaxSearchSteps:         ptr.To(c.MaxSearchSteps()),
		Confirmations:          ptr.To(c.Confirmations()),
		NoiseThreshold:         ptr.To(c.NoiseThreshold()),
		ProbeTimeoutSeconds:    ptr.To(c.ProbeTimeout().Seconds()),
		SafeZ:                  ptr.To(c.SafeZ()),
		NextPointDelaySeconds:  ptr.To(c.NextPointDelay().Seconds()),
		AdjustmentWaitSeconds:  ptr.To(c.AdjustmentWait().Seconds()),
		BeforeGcode:            ptr.To(c.BeforeGcode()),
		AfterGcode:             ptr.To(c.AfterGcode()),
		SerialPort:             ptr.To(c.SerialPort()),
		BaudRate:               ptr.To(c.BaudRate()),
		ProbeRegex:             ptr.To(c.ProbeRegex()),
		DiagnosticsCron:        ptr.To(c.DiagnosticsCron()),
		AllowNonRootAccess:     ptr.To(c.AllowNonRootAccess()),
		Listen:                 ptr.To(c.Listen()),
	}

	return rawConfig, nil
}

// get reads a field of the raw config under the read lock, falling back to
// the same field of the defaults.
func get[T any](f *File, field func(*RawFileConfig) *T) T {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		panic("config is nil")
	}

	return ptr.Deref(field(f.c), *field(defaultFileConfig))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (f *File) ProbePoints() []calibration.ProbePoint {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		panic("config is nil")
	}

	points := f.c.ProbePoints
	if len(points) == 0 {
		points = defaultFileConfig.ProbePoints
	}

	return append([]calibration.ProbePoint(nil), points...)
}

func (f *File) Tolerance() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.Tolerance })
}

func (f *File) MaxIterations() int {
	return get(f, func(c *RawFileConfig) *int { return c.MaxIterations })
}

func (f *File) FailureBudget() int {
	return get(f, func(c *RawFileConfig) *int { return c.FailureBudget })
}

func (f *File) FirstCornerIsReference() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.FirstCornerIsReference })
}

func (f *File) Invert() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.Invert })
}

func (f *File) ScrewThread() string {
	return get(f, func(c *RawFileConfig) *string { return c.ScrewThread })
}

func (f *File) ZMin() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.ZMin })
}

func (f *File) ZMax() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.ZMax })
}

func (f *File) Resolution() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.Resolution })
}

func (f *File) MaxSearchSteps() int {
	return get(f, func(c *RawFileConfig) *int { return c.MaxSearchSteps })
}

func (f *File) Confirmations() int {
	return get(f, func(c *RawFileConfig) *int { return c.Confirmations })
}

func (f *File) NoiseThreshold() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.NoiseThreshold })
}

func (f *File) ProbeTimeout() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.ProbeTimeoutSeconds }))
}

func (f *File) SafeZ() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.SafeZ })
}

func (f *File) NextPointDelay() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.NextPointDelaySeconds }))
}

func (f *File) AdjustmentWait() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.AdjustmentWaitSeconds }))
}

func (f *File) BeforeGcode() string {
	return get(f, func(c *RawFileConfig) *string { return c.BeforeGcode })
}

func (f *File) AfterGcode() string {
	return get(f, func(c *RawFileConfig) *string { return c.AfterGcode })
}

func (f *File) SerialPort() string {
	return get(f, func(c *RawFileConfig) *string { return c.SerialPort })
}

func (f *File) BaudRate() int {
	return get(f, func(c *RawFileConfig) *int { return c.BaudRate })
}

func (f *File) ProbeRegex() string {
	return get(f, func(c *RawFileConfig) *string { return c.ProbeRegex })
}

func (f *File) DiagnosticsCron() string {
	return get(f, func(c *RawFileConfig) *string { return c.DiagnosticsCron })
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) Listen() string {
	return get(f, func(c *RawFileConfig) *string { return c.Listen })
}

func (f *File) SetProbePoints(points []calibration.ProbePoint) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.c == nil {
		panic("config is nil")
	}
	f.c.ProbePoints = append([]calibration.ProbePoint(nil), points...)
}

func (f *File) SetDiagnosticsCron(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.c == nil {
		panic("config is nil")
	}
	f.c.DiagnosticsCron = &s
}

func (f *File) SetAllowNonRootAccess(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.c == nil {
		panic("config is nil")
	}

	f.c.AllowNonRootAccess = &b
}

func (f *File) isYAML() bool {
	switch strings.ToLower(filepath.Ext(f.filepath)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	if f.isYAML() {
		err = yaml.Unmarshal(b, &conf)
	} else {
		err = json.Unmarshal(b, &conf)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	if f.isYAML() {
		enc := yaml.NewEncoder(fp)
		enc.SetIndent(2)
		err = enc.Encode(f.c)
		if err == nil {
			err = enc.Close()
		}
	} else {
		enc := json.NewEncoder(fp)
		enc.SetIndent("", "  ")
		err = enc.Encode(f.c)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

// Path returns the file backing the config.
func (f *File) Path() string {
	return f.filepath
}

func (f *File) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"probePoints":            len(f.ProbePoints()),
		"tolerance":              f.Tolerance(),
		"maxIterations":          f.MaxIterations(),
		"failureBudget":          f.FailureBudget(),
		"firstCornerIsReference": f.FirstCornerIsReference(),
		"screwThread":            f.ScrewThread(),
		"zRange":                 []float64{f.ZMin(), f.ZMax()},
		"resolution":             f.Resolution(),
		"serialPort":             f.SerialPort(),
		"diagnosticsCron":        f.DiagnosticsCron(),
		"allowNonRootAccess":     f.AllowNonRootAccess(),
	}
}
