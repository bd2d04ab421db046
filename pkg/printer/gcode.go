package printer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/j-be/autobim/pkg/calibration"
)

// DefaultProbePattern matches the probe line of Marlin's M119 report
// ("z_probe: TRIGGERED") and Klipper's QUERY_PROBE ("// probe: open").
const DefaultProbePattern = `(?i)^(?://\s*)?(?:z_probe|probe|z_min)\s*:\s*(triggered|open)`

// SerialConfig configures a G-code link over a serial port.
type SerialConfig struct {
	Port string
	Baud int
	// ProbePattern must capture "triggered" or "open" in group 1.
	ProbePattern string
	// ProbeQuery is the command that reports the probe state.
	ProbeQuery string
	// Feedrate for travel moves in mm/min.
	Feedrate float64
}

// GCode talks G-code to a printer over a line-oriented link. Commands are
// sent one at a time and each waits for the firmware's "ok".
type GCode struct {
	mu       sync.Mutex
	rw       io.ReadWriteCloser
	lines    chan string
	done     chan struct{}
	readErr  error
	pattern  *regexp.Regexp
	query    string
	feedrate float64
	// stale counts commands that timed out before their "ok" arrived.
	// Guarded by mu.
	stale int
}

var _ Printer = &GCode{}

// OpenSerial opens cfg.Port and returns a G-code printer on it.
func OpenSerial(cfg SerialConfig) (*GCode, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	port, err := serial.OpenPort(&serial.Config{
		Name: cfg.Port,
		Baud: cfg.Baud,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open serial port %s", cfg.Port)
	}
	g, err := NewGCode(port, cfg)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"port": cfg.Port,
		"baud": cfg.Baud,
	}).Info("serial printer link opened")
	return g, nil
}

// NewGCode wraps an already open link.
func NewGCode(rw io.ReadWriteCloser, cfg SerialConfig) (*GCode, error) {
	pattern := cfg.ProbePattern
	if pattern == "" {
		pattern = DefaultProbePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid probe pattern %q", pattern)
	}
	if re.NumSubexp() < 1 {
		return nil, pkgerrors.Errorf("probe pattern %q has no capture group", pattern)
	}
	if cfg.ProbeQuery == "" {
		cfg.ProbeQuery = "M119"
	}
	if cfg.Feedrate <= 0 {
		cfg.Feedrate = 3000
	}

	g := &GCode{
		rw:       rw,
		lines:    make(chan string, 64),
		done:     make(chan struct{}),
		pattern:  re,
		query:    cfg.ProbeQuery,
		feedrate: cfg.Feedrate,
	}
	go g.readLoop()
	return g, nil
}

func (g *GCode) readLoop() {
	defer close(g.done)
	sc := bufio.NewScanner(g.rw)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		logrus.WithField("line", line).Trace("recv")
		g.lines <- line
	}
	g.readErr = sc.Err()
	if g.readErr == nil {
		g.readErr = io.EOF
	}
}

// Close closes the underlying link.
func (g *GCode) Close() error {
	return g.rw.Close()
}

// send writes one command and collects the reply lines up to the "ok".
func (g *GCode) send(ctx context.Context, cmd string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Discard replies left over from a command that timed out.
	for drained := false; !drained; {
		select {
		case line := <-g.lines:
			if terminator(line) && g.stale > 0 {
				g.stale--
			}
		default:
			drained = true
		}
	}

	logrus.WithField("cmd", cmd).Trace("send")
	if _, err := io.WriteString(g.rw, cmd+"\n"); err != nil {
		return nil, pkgerrors.Wrapf(calibration.ErrHardwareCommunication, "write %q: %v", cmd, err)
	}

	var reply []string
	skipped := false
	for {
		select {
		case line := <-g.lines:
			if terminator(line) && g.stale > 0 {
				// A late answer to an earlier command; whatever came before
				// it belongs to that command too.
				logrus.WithField("line", line).Debug("dropping late reply")
				g.stale--
				skipped = true
				reply = nil
				continue
			}
			switch {
			case strings.HasPrefix(line, "ok"):
				return reply, nil
			case strings.HasPrefix(line, "Error:"), strings.HasPrefix(line, "!!"):
				return reply, pkgerrors.Wrapf(calibration.ErrHardwareCommunication, "%s: %s", cmd, line)
			default:
				reply = append(reply, line)
			}
		case <-g.done:
			return reply, pkgerrors.Wrapf(calibration.ErrHardwareCommunication, "link closed during %q: %v", cmd, g.readErr)
		case <-ctx.Done():
			if skipped {
				// The answer taken as late was most likely this command's
				// own, so the earlier one was lost for good.
				g.stale = 0
			} else {
				g.stale++
			}
			return reply, ctx.Err()
		}
	}
}

func terminator(line string) bool {
	return strings.HasPrefix(line, "ok") || strings.HasPrefix(line, "Error:") || strings.HasPrefix(line, "!!")
}

func (g *GCode) Home(ctx context.Context) error {
	_, err := g.send(ctx, "G28")
	return err
}

func (g *GCode) MoveTo(ctx context.Context, point calibration.ProbePoint, z float64) error {
	if _, err := g.send(ctx, fmt.Sprintf("G0 X%.3f Y%.3f Z%.3f F%.0f", point.X, point.Y, z, g.feedrate)); err != nil {
		return err
	}
	// Wait until the move actually finished before anyone reads the probe.
	_, err := g.send(ctx, "M400")
	return err
}

func (g *GCode) ProbeTriggered(ctx context.Context) (bool, error) {
	reply, err := g.send(ctx, g.query)
	if err != nil {
		return false, err
	}
	for _, line := range reply {
		if m := g.pattern.FindStringSubmatch(line); m != nil {
			return strings.EqualFold(m[1], "triggered"), nil
		}
	}
	// The firmware answered, so the link is fine; the reading is not.
	return false, pkgerrors.Wrapf(calibration.ErrProbeFailure, "no probe state in %s reply %q", g.query, reply)
}

func (g *GCode) Display(ctx context.Context, msg string) error {
	_, err := g.send(ctx, "M117 "+msg)
	return err
}

func (g *GCode) Commands(ctx context.Context, lines ...string) error {
	for _, l := range lines {
		if _, err := g.send(ctx, l); err != nil {
			return err
		}
	}
	return nil
}
