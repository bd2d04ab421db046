// Package printer exposes the motion and probe primitives the calibrator
// drives, plus two implementations: a G-code serial link and a simulated bed.
package printer

import (
	"context"

	"github.com/j-be/autobim/pkg/calibration"
)

// Printer is the queued, acknowledged motion/probe interface of a printer.
// Every call blocks until the firmware acknowledged it or ctx is done.
type Printer interface {
	// Home homes all axes.
	Home(ctx context.Context) error
	// MoveTo moves the probe above point at height z.
	MoveTo(ctx context.Context, point calibration.ProbePoint, z float64) error
	// ProbeTriggered reports whether the probe switch is currently closed.
	ProbeTriggered(ctx context.Context) (bool, error)
}

// Displayer is implemented by printers with a status display.
type Displayer interface {
	Display(ctx context.Context, msg string) error
}

// Commander is implemented by printers that accept raw G-code lines.
type Commander interface {
	Commands(ctx context.Context, lines ...string) error
}

// Display shows msg on p's display if it has one.
func Display(ctx context.Context, p Printer, msg string) error {
	if d, ok := p.(Displayer); ok {
		return d.Display(ctx, msg)
	}
	return nil
}

// Commands sends raw lines to p if it accepts them.
func Commands(ctx context.Context, p Printer, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	if c, ok := p.(Commander); ok {
		return c.Commands(ctx, lines...)
	}
	return nil
}
