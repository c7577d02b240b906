package supervisor

import (
	"context"
	"fmt"
	"html"
	"io"
	"os"
	"strings"
	"time"

	"github.com/loykin/hostr/internal/audit"
	"github.com/loykin/hostr/internal/logclass"
	"github.com/loykin/hostr/internal/metrics"
	"github.com/loykin/hostr/internal/store"
)

// watchExit waits for the run to end and routes the exit through the policy:
// clean exits mark the row stopped, unexpected exits go to the restart
// policy. The watcher stands down as soon as the handle table has moved on to
// a newer run.
func (s *Supervisor) watchExit(id, ownerID int64, r *run) {
	defer s.recoverPanic("exit watcher", id)

	ticker := time.NewTicker(s.cfg.ExitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.h.Done():
		case <-ticker.C:
		}
		if s.currentRun(id) != r {
			return
		}
		code, exited := r.h.ExitState()
		if !exited {
			continue
		}

		ctx := context.Background()
		s.releaseRun(id, r)
		s.logNote(ctx, id, fmt.Sprintf("process exited with code %d", code))
		if err := s.st.SetStatus(ctx, id, store.StatusStopped, 0); err != nil {
			s.log.Warn("exit watcher: status update failed", "instance", id, "err", err)
		}
		if code == 0 {
			s.log.Info("instance exited cleanly", "instance", id)
			metrics.IncStop(r.h.Spec().Name)
			s.event(ctx, audit.EventStop, store.Instance{ID: id, OwnerID: ownerID}, "clean exit")
			return
		}
		s.log.Warn("instance exited unexpectedly", "instance", id, "code", code)
		s.pause(s.cfg.ExitPolicyDelay)
		s.handleUnexpectedExit(ctx, id, code)
		return
	}
}

// watchLogs tails the run's stderr file from the position it had at launch,
// so output from earlier runs is never re-reported. Each poll classifies the
// new lines; error lines are grouped into one log entry and one owner
// notification per poll.
func (s *Supervisor) watchLogs(ownerID int64, r *run) {
	spec := r.h.Spec()
	id := spec.InstanceID
	defer s.recoverPanic("output watcher", id)

	path := spec.StderrPath()
	var offset int64
	if fi, err := os.Stat(path); err == nil {
		offset = fi.Size()
	}

	ticker := time.NewTicker(s.cfg.LogPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-r.h.Done():
		}
		if s.currentRun(id) != r {
			return
		}
		offset = s.scanOutput(context.Background(), id, ownerID, spec.Name, path, offset)
		if _, exited := r.h.ExitState(); exited {
			return
		}
	}
}

// scanOutput reads file growth past offset, classifies it, and reports any
// error lines. Read failures leave the offset unchanged so the next poll
// retries.
func (s *Supervisor) scanOutput(ctx context.Context, id, ownerID int64, name, path string, offset int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return offset
	}
	newOffset := offset + int64(len(data))

	text := logclass.Collect(strings.Split(string(data), "\n"))
	if text == "" {
		return newOffset
	}
	if err := s.st.AddErrorLog(ctx, id, text); err != nil {
		s.log.Warn("output watcher: error log write failed", "instance", id, "err", err)
	}
	metrics.IncErrorEntry(name)
	s.event(ctx, audit.EventError, store.Instance{ID: id, OwnerID: ownerID}, s.clip(text))
	s.notify(ctx, ownerID, fmt.Sprintf("Error detected in instance %s:\n%s",
		name, html.EscapeString(s.clip(text))))
	return newOffset
}

// clip caps the error excerpt embedded in notifications and events.
func (s *Supervisor) clip(text string) string {
	n := s.cfg.NotifyClip
	if n <= 0 || len(text) <= n {
		return text
	}
	return text[:n]
}

// pause sleeps unless the delay is disabled.
func (s *Supervisor) pause(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// recoverPanic keeps a background goroutine failure from taking down the
// daemon; the fault lands in the diagnostic log instead.
func (s *Supervisor) recoverPanic(task string, id int64) {
	if rec := recover(); rec != nil {
		s.log.Error("background task panicked", "task", task, "instance", id, "panic", rec)
	}
}
