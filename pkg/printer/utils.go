package printer

import "strings"

// FilterCommands splits a multi-line G-code snippet into trimmed, non-empty lines.
func FilterCommands(gcode string) []string {
	var ret []string
	for _, line := range strings.Split(gcode, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ret = append(ret, line)
		}
	}
	return ret
}
