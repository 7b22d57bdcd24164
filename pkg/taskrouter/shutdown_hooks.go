package taskrouter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
)

// ShutdownHook is a cleanup step run by Worker.Close.
type ShutdownHook struct {
	Name     string
	Priority int // Lower numbers run first
	Timeout  time.Duration
	Handler  func(context.Context) error
}

// ShutdownPhase orders hooks relative to the session teardown.
type ShutdownPhase string

const (
	// ShutdownPhasePreDisconnect runs while the session is still open and
	// REST commands still work, e.g. to move the worker offline.
	ShutdownPhasePreDisconnect ShutdownPhase = "pre_disconnect"

	// ShutdownPhasePostDisconnect runs after the event bridge session is
	// closed and pending reservations were purged.
	ShutdownPhasePostDisconnect ShutdownPhase = "post_disconnect"

	// ShutdownPhaseFinal runs last, e.g. to flush logs.
	ShutdownPhaseFinal ShutdownPhase = "final"
)

// DefaultShutdownHookTimeout applies to hooks registered without a timeout.
const DefaultShutdownHookTimeout = 5 * time.Second

var shutdownPhases = []ShutdownPhase{
	ShutdownPhasePreDisconnect,
	ShutdownPhasePostDisconnect,
	ShutdownPhaseFinal,
}

// ShutdownHookManager keeps hooks per phase in priority order. It is safe
// for concurrent use.
type ShutdownHookManager struct {
	mu     sync.RWMutex
	logger logging.Logger
	hooks  map[ShutdownPhase][]ShutdownHook
}

// NewShutdownHookManager creates a manager with every phase empty.
func NewShutdownHookManager(logger logging.Logger) *ShutdownHookManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &ShutdownHookManager{
		logger: logger,
		hooks:  make(map[ShutdownPhase][]ShutdownHook, len(shutdownPhases)),
	}
	for _, phase := range shutdownPhases {
		m.hooks[phase] = nil
	}
	return m
}

// AddHook registers hook for phase. Hooks with equal priority run in
// registration order.
func (m *ShutdownHookManager) AddHook(phase ShutdownPhase, hook ShutdownHook) error {
	if hook.Handler == nil {
		return fmt.Errorf("shutdown hook %q has no handler: %w", hook.Name, ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hooks, exists := m.hooks[phase]
	if !exists {
		return fmt.Errorf("invalid shutdown phase %q: %w", phase, ErrInvalidArgument)
	}
	if hook.Timeout <= 0 {
		hook.Timeout = DefaultShutdownHookTimeout
	}

	hooks = append(hooks, hook)
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority < hooks[j].Priority })
	m.hooks[phase] = hooks

	m.logger.Debug("added shutdown hook",
		"phase", string(phase),
		"name", hook.Name,
		"priority", hook.Priority,
		"timeout", hook.Timeout,
	)
	return nil
}

// RemoveHook removes the first hook named name from phase.
func (m *ShutdownHookManager) RemoveHook(phase ShutdownPhase, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	hooks := m.hooks[phase]
	for i, hook := range hooks {
		if hook.Name == name {
			m.hooks[phase] = append(hooks[:i:i], hooks[i+1:]...)
			return true
		}
	}
	return false
}

// Hooks returns a copy of the hooks for phase in execution order.
func (m *ShutdownHookManager) Hooks(phase ShutdownPhase) []ShutdownHook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ShutdownHook(nil), m.hooks[phase]...)
}

// HookCount returns the number of hooks across all phases.
func (m *ShutdownHookManager) HookCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, hooks := range m.hooks {
		n += len(hooks)
	}
	return n
}

// ExecutePhase runs the hooks of phase one after another. A failing hook
// does not stop the rest; the first error is returned.
func (m *ShutdownHookManager) ExecutePhase(ctx context.Context, phase ShutdownPhase) error {
	hooks := m.Hooks(phase)
	if len(hooks) == 0 {
		return nil
	}

	m.logger.Info("executing shutdown hooks", "phase", string(phase), "count", len(hooks))

	var firstErr error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, hook); err != nil {
			m.logger.Error("shutdown hook failed", "phase", string(phase), "name", hook.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *ShutdownHookManager) executeHook(ctx context.Context, hook ShutdownHook) error {
	hookCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		done <- hook.Handler(hookCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("hook %s failed: %w", hook.Name, err)
		}
		m.logger.Debug("shutdown hook completed", "name", hook.Name)
		return nil
	case <-hookCtx.Done():
		return fmt.Errorf("hook %s timed out after %v", hook.Name, hook.Timeout)
	}
}

// NewLogFlushHook flushes a zap-backed logger. Sync errors for the standard
// streams are ignored; they are not syncable on most terminals.
func NewLogFlushHook(logger logging.Logger) ShutdownHook {
	return ShutdownHook{
		Name:     "log_flush",
		Priority: 200,
		Timeout:  2 * time.Second,
		Handler: func(ctx context.Context) error {
			err := logging.Sync(logger)
			if err != nil && (strings.Contains(err.Error(), "/dev/stderr") || strings.Contains(err.Error(), "/dev/stdout")) {
				return nil
			}
			return err
		},
	}
}

// NewOfflineActivityHook moves the worker to activitySid before the session
// closes, so the backend stops routing reservations to it.
func NewOfflineActivityHook(w *Worker, activitySid string) ShutdownHook {
	return ShutdownHook{
		Name:     "offline_activity",
		Priority: 50,
		Timeout:  10 * time.Second,
		Handler: func(ctx context.Context) error {
			return w.SetActivity(ctx, activitySid, SetActivityOptions{})
		},
	}
}
