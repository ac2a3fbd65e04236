// File: internal/runner/process.go
package runner

import (
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
)

// ErrResourceConflict is returned when a process key is already occupied.
type ErrResourceConflict struct {
	Key string
}

func (e *ErrResourceConflict) Error() string {
	return fmt.Sprintf("process key %q is already in use", e.Key)
}

type trackedProcess struct {
	handle schemas.ProcessHandle
	cmd    *exec.Cmd
	done   chan struct{}
}

// ProcessRegistry tracks long-running background jobs started during a
// run. Each job is uniquely keyed; the registry owns termination.
type ProcessRegistry struct {
	mu        sync.Mutex
	processes map[string]*trackedProcess
	stopGrace time.Duration
	logger    *zap.Logger
}

func NewProcessRegistry(stopGrace time.Duration, logger *zap.Logger) *ProcessRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRegistry{
		processes: make(map[string]*trackedProcess),
		stopGrace: stopGrace,
		logger:    logger.Named("processes"),
	}
}

// Start launches a command under a unique key. Starting on an occupied
// key fails fast instead of silently cohabiting.
func (r *ProcessRegistry) Start(key, command string) (schemas.ProcessHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.processes[key]; ok {
		select {
		case <-existing.done:
			// The previous occupant exited on its own; the key is free.
			delete(r.processes, key)
		default:
			return schemas.ProcessHandle{}, &ErrResourceConflict{Key: key}
		}
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return schemas.ProcessHandle{}, fmt.Errorf("start process %q: %w", key, err)
	}

	tp := &trackedProcess{
		handle: schemas.ProcessHandle{
			Key:       key,
			PID:       cmd.Process.Pid,
			Command:   command,
			StartedAt: time.Now(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(tp.done)
	}()

	r.processes[key] = tp
	r.logger.Info("Background process started",
		zap.String("key", key), zap.Int("pid", tp.handle.PID))
	return tp.handle, nil
}

// Alive reports whether the keyed process is tracked and still running.
func (r *ProcessRegistry) Alive(key string) (schemas.ProcessHandle, bool, error) {
	r.mu.Lock()
	tp, ok := r.processes[key]
	r.mu.Unlock()
	if !ok {
		return schemas.ProcessHandle{}, false, fmt.Errorf("no tracked process %q", key)
	}
	select {
	case <-tp.done:
		return tp.handle, false, nil
	default:
		return tp.handle, true, nil
	}
}

// List returns the handles of every tracked process in key order.
func (r *ProcessRegistry) List() []schemas.ProcessHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schemas.ProcessHandle, 0, len(r.processes))
	for _, tp := range r.processes {
		out = append(out, tp.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stop terminates the keyed process: SIGTERM to the process group, then
// SIGKILL after the grace period. The key is released either way.
func (r *ProcessRegistry) Stop(key string) error {
	r.mu.Lock()
	tp, ok := r.processes[key]
	if ok {
		delete(r.processes, key)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tracked process %q", key)
	}

	select {
	case <-tp.done:
		return nil
	default:
	}

	// Negative pid signals the whole process group.
	syscall.Kill(-tp.handle.PID, syscall.SIGTERM)

	select {
	case <-tp.done:
	case <-time.After(r.stopGrace):
		r.logger.Warn("Process ignored SIGTERM, killing",
			zap.String("key", key), zap.Int("pid", tp.handle.PID))
		syscall.Kill(-tp.handle.PID, syscall.SIGKILL)
		<-tp.done
	}
	r.logger.Info("Background process stopped", zap.String("key", key))
	return nil
}

// StopAll terminates every tracked process. Called at the end of a run.
func (r *ProcessRegistry) StopAll() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.processes))
	for k := range r.processes {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	for _, k := range keys {
		if err := r.Stop(k); err != nil {
			r.logger.Warn("Failed to stop process during cleanup", zap.String("key", k), zap.Error(err))
		}
	}
}
