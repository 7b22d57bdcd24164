package taskrouter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/internal/test/mocks"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
)

func nopHandler(context.Context) error { return nil }

// TestShutdownHookManager tests basic hook management
func TestShutdownHookManager(t *testing.T) {
	manager := NewShutdownHookManager(logging.NewZapLogger(zaptest.NewLogger(t)))

	err := manager.AddHook(ShutdownPhasePreDisconnect, ShutdownHook{Name: "test_hook_1", Priority: 100, Handler: nopHandler})
	assert.NoError(t, err)

	hooks := manager.Hooks(ShutdownPhasePreDisconnect)
	require.Len(t, hooks, 1)
	assert.Equal(t, "test_hook_1", hooks[0].Name)
	assert.Equal(t, DefaultShutdownHookTimeout, hooks[0].Timeout)
	assert.Equal(t, 1, manager.HookCount())

	assert.True(t, manager.RemoveHook(ShutdownPhasePreDisconnect, "test_hook_1"))
	assert.Empty(t, manager.Hooks(ShutdownPhasePreDisconnect))
	assert.False(t, manager.RemoveHook(ShutdownPhasePreDisconnect, "non_existent"))
}

func TestShutdownHookValidation(t *testing.T) {
	manager := NewShutdownHookManager(nil)

	err := manager.AddHook(ShutdownPhaseFinal, ShutdownHook{Name: "no_handler"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	err = manager.AddHook(ShutdownPhase("bogus"), ShutdownHook{Name: "bad_phase", Handler: nopHandler})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Zero(t, manager.HookCount())
}

// TestShutdownHookPriority tests hook execution order
func TestShutdownHookPriority(t *testing.T) {
	manager := NewShutdownHookManager(mocks.NewMockLogger())

	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, manager.AddHook(ShutdownPhasePostDisconnect, ShutdownHook{Name: "hook_3", Priority: 300, Handler: record("hook_3")}))
	require.NoError(t, manager.AddHook(ShutdownPhasePostDisconnect, ShutdownHook{Name: "hook_1", Priority: 100, Handler: record("hook_1")}))
	require.NoError(t, manager.AddHook(ShutdownPhasePostDisconnect, ShutdownHook{Name: "hook_2a", Priority: 200, Handler: record("hook_2a")}))
	require.NoError(t, manager.AddHook(ShutdownPhasePostDisconnect, ShutdownHook{Name: "hook_2b", Priority: 200, Handler: record("hook_2b")}))

	require.NoError(t, manager.ExecutePhase(context.Background(), ShutdownPhasePostDisconnect))
	assert.Equal(t, []string{"hook_1", "hook_2a", "hook_2b", "hook_3"}, order)
}

// TestShutdownHookTimeout tests hook timeout handling
func TestShutdownHookTimeout(t *testing.T) {
	manager := NewShutdownHookManager(mocks.NewMockLogger())

	require.NoError(t, manager.AddHook(ShutdownPhaseFinal, ShutdownHook{
		Name:    "timeout_hook",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}))

	err := manager.ExecutePhase(context.Background(), ShutdownPhaseFinal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestShutdownHookFailuresDoNotStopPhase(t *testing.T) {
	logger := mocks.NewMockLogger()
	manager := NewShutdownHookManager(logger)

	var ran atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, manager.AddHook(ShutdownPhaseFinal, ShutdownHook{Name: "fails", Priority: 1, Handler: func(context.Context) error {
		ran.Add(1)
		return boom
	}}))
	require.NoError(t, manager.AddHook(ShutdownPhaseFinal, ShutdownHook{Name: "panics", Priority: 2, Handler: func(context.Context) error {
		ran.Add(1)
		panic("kaboom")
	}}))
	require.NoError(t, manager.AddHook(ShutdownPhaseFinal, ShutdownHook{Name: "runs", Priority: 3, Handler: func(context.Context) error {
		ran.Add(1)
		return nil
	}}))

	err := manager.ExecutePhase(context.Background(), ShutdownPhaseFinal)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, int32(3), ran.Load())
	assert.Equal(t, 2, logger.Count("ERROR"))
	assert.True(t, logger.HasMessage("ERROR", "shutdown hook failed"))
}

func TestLogFlushHook(t *testing.T) {
	hook := NewLogFlushHook(logging.NewZapLogger(zaptest.NewLogger(t)))
	assert.Equal(t, "log_flush", hook.Name)
	assert.NoError(t, hook.Handler(context.Background()))

	// Loggers without a Sync method have nothing to flush.
	assert.NoError(t, NewLogFlushHook(mocks.NewMockLogger()).Handler(context.Background()))
}

func TestCloseRunsHooksAroundDisconnect(t *testing.T) {
	f := newSyncedFixture(t)
	f.req.On("POST", testWorkerPath, `{"sid":"WK1","activity_sid":"WA2","available":false}`)

	var phases []string
	require.NoError(t, f.w.AddShutdownHook(ShutdownPhasePreDisconnect, NewOfflineActivityHook(f.w, "WA2")))
	require.NoError(t, f.w.AddShutdownHook(ShutdownPhasePreDisconnect, ShutdownHook{Name: "pre", Priority: 100, Handler: func(context.Context) error {
		phases = append(phases, "pre:"+f.w.State().String())
		return nil
	}}))
	require.NoError(t, f.w.AddShutdownHook(ShutdownPhasePostDisconnect, ShutdownHook{Name: "post", Handler: func(context.Context) error {
		phases = append(phases, "post:"+f.w.State().String())
		return nil
	}}))
	assert.Equal(t, 4, f.w.hooks.HookCount(), "log flush is registered by default")

	require.NoError(t, f.w.Close())

	assert.Equal(t, []string{"pre:disconnected", "post:closed"}, phases)
	calls := f.req.CallsTo("POST", testWorkerPath)
	require.Len(t, calls, 1)
	assert.Equal(t, "WA2", calls[0].Params.Get("ActivitySid"))
	assert.Equal(t, "WA2", f.w.Activity().Sid())

	assert.True(t, f.w.RemoveShutdownHook(ShutdownPhasePostDisconnect, "post"))
}
