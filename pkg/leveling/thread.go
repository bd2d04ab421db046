package leveling

import (
	"fmt"
	"strings"
)

// Thread describes the leveling screws: how far one full turn moves the bed
// and which way tightens.
type Thread struct {
	Name      string
	Pitch     float64
	Clockwise bool
}

var threadPitches = map[string]float64{
	"M3": 0.5,
	"M4": 0.7,
	"M5": 0.8,
	"M6": 1.0,
}

// ParseThread parses names like "CW-M3" or "CCW-M4".
func ParseThread(name string) (Thread, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	if s == "" {
		s = "CW-M3"
	}
	dir, size, ok := strings.Cut(s, "-")
	if !ok || (dir != "CW" && dir != "CCW") {
		return Thread{}, fmt.Errorf("unknown screw thread %q", name)
	}
	pitch, ok := threadPitches[size]
	if !ok {
		return Thread{}, fmt.Errorf("unknown screw thread %q", name)
	}
	return Thread{Name: s, Pitch: pitch, Clockwise: dir == "CW"}, nil
}
