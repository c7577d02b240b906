// Package logclass classifies raw process output lines into real errors vs
// noise. The bias is deliberate: a line that matches no known noise marker
// counts as an error, so unrecognized output is surfaced rather than dropped.
package logclass

import "strings"

var severityMarkers = []string{"ERROR", "CRITICAL", "TRACEBACK", "EXCEPTION"}

var noiseMarkers = []string{"INFO", "DEBUG", "HTTP REQUEST"}

// IsError reports whether a single output line should be treated as a real
// error. Matching is case-insensitive substring containment.
func IsError(line string) bool {
	u := strings.ToUpper(line)
	for _, m := range severityMarkers {
		if strings.Contains(u, m) {
			return true
		}
	}
	for _, m := range noiseMarkers {
		if strings.Contains(u, m) {
			return false
		}
	}
	return true
}

// Collect filters lines to the ones classified as errors and joins them into
// a single trimmed block. An empty result means the chunk was all noise.
func Collect(lines []string) string {
	var b strings.Builder
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if IsError(line) {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
