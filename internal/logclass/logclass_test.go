package logclass

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsError(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"ERROR: connection refused", true},
		{"2025-06-10 error: bad token", true},
		{"CRITICAL failure in worker", true},
		{"Traceback (most recent call last):", true},
		{"raise ValueError: unhandled exception", true},
		{"INFO starting up", false},
		{"DEBUG polling queue", false},
		{"HTTP Request: GET /updates 200 OK", false},
		// severity wins over noise when both appear
		{"INFO recovered from ERROR state", true},
		// unrecognized output is treated as an error
		{"something strange happened", true},
		{"syntax error near line 3", true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsError(tt.line), "line: %s", tt.line)
	}
}

func TestCollect(t *testing.T) {
	lines := []string{
		"INFO starting",
		"Traceback (most recent call last):",
		"  File \"main.py\", line 10",
		"ValueError: boom",
		"",
		"DEBUG shutting down",
	}
	got := Collect(lines)
	require.Equal(t, "Traceback (most recent call last):\n  File \"main.py\", line 10\nValueError: boom", got)
}

func TestCollectAllNoise(t *testing.T) {
	require.Equal(t, "", Collect([]string{"INFO a", "DEBUG b", "", "   "}))
}
