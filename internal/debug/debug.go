package debug

import (
	"os"
	"path/filepath"
	"strings"
)

var debuggerEnv = []string{"VSCODE_DEBUG_MODE", "DELVE_DEBUGGER"}

// IsDebuggerAttached reports whether the process was started by a debugger
// (VS Code or Delve), in which case command timeouts get in the way.
func IsDebuggerAttached() bool {
	for _, name := range debuggerEnv {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return strings.Contains(filepath.Base(os.Args[0]), "__debug_bin")
}
