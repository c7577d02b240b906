package process

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// interpreters maps entry-file extensions to the interpreter that runs them.
// Anything else is executed directly.
var interpreters = map[string]string{
	".py":  "python3",
	".js":  "node",
	".mjs": "node",
	".rb":  "ruby",
	".sh":  "/bin/sh",
}

// buildCommand constructs the exec.Cmd for an instance's entry file. The
// entry is resolved relative to the working directory, like the child itself
// will see it.
func buildCommand(spec Spec) *exec.Cmd {
	entry := strings.TrimSpace(spec.EntryFile)
	ext := strings.ToLower(filepath.Ext(entry))
	if interp, ok := interpreters[ext]; ok {
		// #nosec G204 -- entry file is owned by the instance record
		return exec.Command(interp, entry)
	}
	// #nosec G204
	return exec.Command(filepath.Join(spec.WorkDir, entry))
}
