package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/events"
)

func parseIntArg(args []string, valueName string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("invalid number of arguments")
	}

	value, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", valueName, err)
	}

	return value, nil
}

func parsePoint(x, y string) (calibration.ProbePoint, error) {
	px, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
	if err != nil {
		return calibration.ProbePoint{}, fmt.Errorf("invalid X coordinate %q", x)
	}
	py, err := strconv.ParseFloat(strings.TrimSpace(y), 64)
	if err != nil {
		return calibration.ProbePoint{}, fmt.Errorf("invalid Y coordinate %q", y)
	}
	return calibration.ProbePoint{X: px, Y: py}, nil
}

// parsePointList parses arguments of the form X,Y.
func parsePointList(args []string) ([]calibration.ProbePoint, error) {
	points := make([]calibration.ProbePoint, 0, len(args))
	for _, arg := range args {
		x, y, ok := strings.Cut(arg, ",")
		if !ok {
			return nil, fmt.Errorf("invalid point %q, expected X,Y", arg)
		}
		p, err := parsePoint(x, y)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func formatResult(r calibration.ProbeResult) string {
	if !r.OK {
		msg := color.New(color.Bold, color.FgRed).Sprintf("%s unreachable", r.Point)
		if r.Error != "" {
			msg += ": " + r.Error
		}
		return msg
	}
	return fmt.Sprintf("%s triggered at %s", r.Point, bold("%.3fmm", r.TriggerHeight))
}

func formatEvent(ev events.Event) string {
	ts := time.Unix(ev.Ts, 0).Format(time.TimeOnly)
	var typ string
	switch ev.Type {
	case events.TypeStarted:
		typ = color.CyanString("%-9s", ev.Type)
	case events.TypeWarn:
		typ = color.YellowString("%-9s", ev.Type)
	case events.TypeAborted:
		typ = color.RedString("%-9s", ev.Type)
	case events.TypeCompleted:
		typ = color.GreenString("%-9s", ev.Type)
	default:
		typ = fmt.Sprintf("%-9s", ev.Type)
	}
	return fmt.Sprintf("%s %s %s", ts, typ, ev.Message)
}

// follow prints the events of session until it ends. Events of other
// sessions and diagnostics are printed too when session is 0.
func follow(ctx context.Context, session uint64) error {
	return apiClient.Watch(ctx, func(ev events.Event) bool {
		if session != 0 && ev.Session != session && ev.Session != 0 {
			return true
		}
		fmt.Println(formatEvent(ev))
		return session == 0 || ev.Session != session || !ev.Type.Terminal()
	})
}
