package agent

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vigilsec/vigil-agent/internal/command"
	"github.com/vigilsec/vigil-agent/internal/config"
	"github.com/vigilsec/vigil-agent/internal/eventstore"
	"github.com/vigilsec/vigil-agent/internal/module"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		ManagerIP:         "localhost",
		Port:              "55000",
		MaxBatchingSize:   config.DefaultMaxBatchingSize,
		BatchInterval:     10 * time.Millisecond,
		ConnectionRetry:   10 * time.Millisecond,
		DataDir:           t.TempDir(),
		EventStoreBackend: "bolt",
	}
}

type stubModule struct {
	name string
	push module.PushFunc
}

func (s *stubModule) Name() string { return s.name }
func (s *stubModule) Setup() error { return nil }
func (s *stubModule) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (s *stubModule) Stop() {}
func (s *stubModule) ExecuteCommand(ctx context.Context, cmd string, parameters []string) (string, error) {
	return "ran " + cmd, nil
}
func (s *stubModule) SetPushFunc(push module.PushFunc) { s.push = push }

func TestNewBuildsAgentAndPersistsIdentity(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg, "test", zap.NewNop())
	require.NoError(t, err)
	defer a.store.Close()

	require.NotEmpty(t, a.info.UUID())

	// A second build in the same data dir reuses the identity. The sqlite
	// backend sidesteps the bolt file lock still held by the first agent.
	cfg2 := cfg
	cfg2.EventStoreBackend = "sqlite"
	a2, err := New(cfg2, "test", zap.NewNop())
	require.NoError(t, err)
	defer a2.store.Close()

	require.Equal(t, a.info.UUID(), a2.info.UUID())
}

func TestEnqueueEventIsDurableAndRejectsDuplicates(t *testing.T) {
	a, err := New(testConfig(t), "test", zap.NewNop())
	require.NoError(t, err)
	defer a.store.Close()

	ctx := context.Background()
	require.NoError(t, a.EnqueueEvent(ctx, 1, `{"e":1}`, "inventory"))
	require.ErrorIs(t, a.EnqueueEvent(ctx, 1, `{"e":1}`, "inventory"), eventstore.ErrDuplicateID)

	count, err := a.store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDispatchCommandRoutesToModules(t *testing.T) {
	a, err := New(testConfig(t), "test", zap.NewNop())
	require.NoError(t, err)
	defer a.store.Close()

	require.NoError(t, a.RegisterModule(&stubModule{name: "inventory"}))

	res := a.dispatchCommand(context.Background(), "inventory", "scan", nil)
	require.Equal(t, command.CodeSuccess, res.Code)
	require.Equal(t, "ran scan", res.Message)

	res = a.dispatchCommand(context.Background(), "nonexistent", "scan", nil)
	require.Equal(t, command.CodeNotFound, res.Code)
}

func TestSinkBatchReportsManagerDecision(t *testing.T) {
	accept := true
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		if !accept {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.ManagerIP = host
	cfg.Port = port

	a, err := New(cfg, "test", zap.NewNop())
	require.NoError(t, err)
	defer a.store.Close()

	require.True(t, a.sinkBatch("event-one\nevent-two"))
	require.Equal(t, "event-one\nevent-two", received)

	accept = false
	require.False(t, a.sinkBatch("event-three"))
}

func TestSinkBatchFailsWhenManagerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	srv.Close()

	cfg := testConfig(t)
	cfg.ManagerIP = host
	cfg.Port = port

	a, err := New(cfg, "test", zap.NewNop())
	require.NoError(t, err)
	defer a.store.Close()

	require.False(t, a.sinkBatch("payload"))
}
