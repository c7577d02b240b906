//go:build !windows

package process

import (
	"bytes"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
)

// setSysProcAttr places the child in its own process group so signals reach
// the whole tree.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pid int) error { return syscall.Kill(-pid, syscall.SIGTERM) }

func kill(pid int) error { return syscall.Kill(-pid, syscall.SIGKILL) }

// pidAlive probes liveness avoiding races with os/exec internals. On Linux a
// quickly-exiting child can linger as a zombie; treat that as not alive.
func pidAlive(pid int) bool {
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// isZombieLinux returns true if /proc/<pid>/status reports state Z.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
