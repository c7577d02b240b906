package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// TokenEnv is the single environment variable carrying the instance's access
// token into the child process.
const TokenEnv = "INSTANCE_TOKEN"

// Spec describes one child process launch for a hosted instance.
type Spec struct {
	InstanceID int64
	Name       string
	WorkDir    string // private per-instance folder, absolute
	EntryFile  string // relative to WorkDir
	Token      string
}

// LogDir returns the per-instance log directory.
func (s Spec) LogDir() string { return filepath.Join(s.WorkDir, "logs") }

// StdoutPath returns the append-only stdout log file. It persists across
// restarts.
func (s Spec) StdoutPath() string { return filepath.Join(s.LogDir(), "stdout.log") }

// StderrPath returns the append-only stderr log file the output watcher
// tails.
func (s Spec) StderrPath() string { return filepath.Join(s.LogDir(), "stderr.log") }

// Handle is a live child process started from a Spec. A single waiter
// goroutine reaps the process; everyone else observes it through Done or
// ExitState.
type Handle struct {
	mu        sync.Mutex
	spec      Spec
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}
	exited    bool
	exitCode  int
	stdout    *os.File
	stderr    *os.File
}

// Start launches the entry file inside the instance's working directory with
// the token injected into the environment and stdio redirected to the
// append-only per-instance log files.
func Start(spec Spec) (*Handle, error) {
	if err := os.MkdirAll(spec.LogDir(), 0o750); err != nil {
		return nil, err
	}
	outF, err := os.OpenFile(spec.StdoutPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	errF, err := os.OpenFile(spec.StderrPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		_ = outF.Close()
		return nil, err
	}
	cmd := buildCommand(spec)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), TokenEnv+"="+spec.Token)
	cmd.Stdout = outF
	cmd.Stderr = errF
	setSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		_ = outF.Close()
		_ = errF.Close()
		return nil, err
	}
	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		stdout:    outF,
		stderr:    errF,
	}
	go h.wait()
	return h, nil
}

// wait is the single reaper for this run.
func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
	}
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()
	_ = h.stdout.Close()
	_ = h.stderr.Close()
	close(h.done)
}

// Spec returns the spec this handle was started from.
func (h *Handle) Spec() Spec { return h.spec }

// PID returns the OS process id of this run.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// StartedAt returns when this run was launched.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitState reports whether the process has exited and with which code.
// A code of -1 means the process was killed by a signal.
func (h *Handle) ExitState() (code int, exited bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

// Alive probes liveness. The reaped flag is authoritative; the signal probe
// covers the window where the waiter has not yet observed the exit.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return false
	}
	return pidAlive(h.cmd.Process.Pid)
}

// Terminate sends a graceful termination signal to the whole process group.
func (h *Handle) Terminate() error { return terminate(h.cmd.Process.Pid) }

// Kill forcibly kills the process group.
func (h *Handle) Kill() error { return kill(h.cmd.Process.Pid) }

// StopPID terminates a process group the supervisor has no handle for, such
// as one inherited from a previous daemon run. Termination escalates to
// SIGKILL after wait.
func StopPID(pid int, wait time.Duration) {
	if pid <= 0 || !pidAlive(pid) {
		return
	}
	_ = terminate(pid)
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = kill(pid)
}

// Stop terminates the process group and waits up to wait for the exit,
// escalating to SIGKILL. Idempotent: stopping a dead process is a no-op.
func (h *Handle) Stop(wait time.Duration) {
	if _, exited := h.ExitState(); exited {
		return
	}
	_ = h.Terminate()
	select {
	case <-h.done:
	case <-time.After(wait):
		_ = h.Kill()
		select {
		case <-h.done:
		case <-time.After(200 * time.Millisecond):
			// best-effort
		}
	}
}
