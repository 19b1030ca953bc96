package module

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vigilsec/vigil-agent/internal/queue"
)

// fakeModule records lifecycle calls and blocks in Start until cancelled.
type fakeModule struct {
	name string

	mu       sync.Mutex
	push     PushFunc
	setupErr error
	startErr error
	setup    bool
	started  bool
	stopped  bool
}

func (f *fakeModule) Name() string { return f.name }

func (f *fakeModule) Setup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setup = true
	return f.setupErr
}

func (f *fakeModule) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (f *fakeModule) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeModule) ExecuteCommand(ctx context.Context, cmd string, parameters []string) (string, error) {
	return "executed " + cmd, nil
}

func (f *fakeModule) SetPushFunc(push PushFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.push = push
}

func (f *fakeModule) snapshot() fakeModule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeModule{setup: f.setup, started: f.started, stopped: f.stopped}
}

func TestRegisterInjectsPushFunc(t *testing.T) {
	q := queue.NewMultiQueue()
	m := NewManager(q.Push, zap.NewNop())

	mod := &fakeModule{name: "fim"}
	require.NoError(t, m.Register(mod))
	require.NotNil(t, mod.push)

	// The injected push reaches the real queue.
	mod.push(queue.Message{Type: queue.Stateful, Data: []string{"x"}})
	require.Equal(t, 1, q.Len(queue.Stateful))
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	require.NoError(t, m.Register(&fakeModule{name: "fim"}))
	require.Error(t, m.Register(&fakeModule{name: "fim"}))
}

func TestGetReturnsRegisteredModule(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	mod := &fakeModule{name: "inventory"}
	require.NoError(t, m.Register(mod))

	require.Equal(t, Module(mod), m.Get("inventory"))
	require.Nil(t, m.Get("unknown"))
}

func TestSetupRunsAllModules(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	a := &fakeModule{name: "a"}
	b := &fakeModule{name: "b"}
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	require.NoError(t, m.Setup())
	require.True(t, a.snapshot().setup)
	require.True(t, b.snapshot().setup)
}

func TestSetupStopsAtFirstError(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	a := &fakeModule{name: "a", setupErr: errors.New("bad config")}
	b := &fakeModule{name: "b"}
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	err := m.Setup()
	require.Error(t, err)
	require.Contains(t, err.Error(), `"a"`)
	require.False(t, b.snapshot().setup)
}

func TestStartRunsUntilCancelledThenStops(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	a := &fakeModule{name: "a"}
	b := &fakeModule{name: "b"}
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return a.snapshot().started && b.snapshot().started
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}

	require.True(t, a.snapshot().stopped)
	require.True(t, b.snapshot().stopped)
}

func TestStartPropagatesModuleError(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	a := &fakeModule{name: "a", startErr: errors.New("boom")}
	b := &fakeModule{name: "b"}
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	err := m.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), `"a"`)

	// The failing module cancels its siblings; everyone gets stopped.
	require.True(t, b.snapshot().stopped)
}
