package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vigilsec/vigil-agent/internal/queue"
)

func TestParse(t *testing.T) {
	entry, err := Parse(`{"id":"112233","args":["origin_test","command_test","parameters_test"]}`)
	require.NoError(t, err)

	require.Equal(t, "112233", entry.ID)
	require.Equal(t, "origin_test", entry.Module)
	require.Equal(t, "command_test", entry.Command)
	require.Equal(t, []string{"parameters_test"}, entry.Parameters)
	require.Equal(t, CodeInProgress, entry.Result.Code)
}

func TestParseWithoutParameters(t *testing.T) {
	entry, err := Parse(`{"id":"1","args":["mod","verb"]}`)
	require.NoError(t, err)
	require.Empty(t, entry.Parameters)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":     `garbage`,
		"missing id":   `{"args":["mod","verb"]}`,
		"empty id":     `{"id":"","args":["mod","verb"]}`,
		"args too few": `{"id":"1","args":["mod"]}`,
		"no args":      `{"id":"1"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			require.Error(t, err)
		})
	}
}

func TestResultCodeStrings(t *testing.T) {
	require.Equal(t, "success", CodeSuccess.String())
	require.Equal(t, "failure", CodeFailure.String())
	require.Equal(t, "in_progress", CodeInProgress.String())
	require.Equal(t, "not_found", CodeNotFound.String())
}

func TestNextPeeksWithoutRemoving(t *testing.T) {
	q := queue.NewMultiQueue()
	p := NewProcessor(q, nil, zap.NewNop())

	_, ok := p.Next()
	require.False(t, ok)

	q.Push(queue.Message{Type: queue.Command, Data: []string{`{"id":"1","args":["mod","verb"]}`}})

	entry, ok := p.Next()
	require.True(t, ok)
	require.Equal(t, "1", entry.ID)
	require.Equal(t, 1, q.Len(queue.Command))

	p.Pop()
	require.True(t, q.IsEmpty(queue.Command))
}

func TestRunExecutesAndReportsResult(t *testing.T) {
	q := queue.NewMultiQueue()

	executed := make(chan Entry, 1)
	exec := func(ctx context.Context, moduleName, cmd string, parameters []string) Result {
		executed <- Entry{Module: moduleName, Command: cmd, Parameters: parameters}
		return Result{Code: CodeSuccess, Message: "done"}
	}
	p := NewProcessor(q, exec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	q.Push(queue.Message{
		Type: queue.Command,
		Data: []string{`{"id":"112233","args":["origin_test","command_test","parameters_test"]}`},
	})

	select {
	case got := <-executed:
		require.Equal(t, "origin_test", got.Module)
		require.Equal(t, "command_test", got.Command)
		require.Equal(t, []string{"parameters_test"}, got.Parameters)
	case <-time.After(5 * time.Second):
		t.Fatal("command was never executed")
	}

	// The result lands on the stateful lane and the command is popped.
	require.Eventually(t, func() bool {
		return q.Len(queue.Stateful) == 1 && q.IsEmpty(queue.Command)
	}, 5*time.Second, 10*time.Millisecond)

	msg, ok := q.GetNext(queue.Stateful)
	require.True(t, ok)

	var report map[string]string
	require.NoError(t, json.Unmarshal([]byte(msg.Data[0]), &report))
	require.Equal(t, "112233", report["command_id"])
	require.Equal(t, "success", report["result"])
	require.Equal(t, "done", report["message"])

	cancel()
	<-done
}

func TestRunDiscardsMalformedCommands(t *testing.T) {
	q := queue.NewMultiQueue()

	executed := make(chan string, 2)
	exec := func(ctx context.Context, moduleName, cmd string, parameters []string) Result {
		executed <- moduleName
		return Result{Code: CodeSuccess}
	}
	p := NewProcessor(q, exec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// A malformed head must not wedge the lane: the valid command behind it
	// still executes.
	q.PushAll([]queue.Message{
		{Type: queue.Command, Data: []string{`garbage`}},
		{Type: queue.Command, Data: []string{`{"id":"2","args":["mod","verb"]}`}},
	})

	select {
	case name := <-executed:
		require.Equal(t, "mod", name)
	case <-time.After(5 * time.Second):
		t.Fatal("valid command behind malformed one never executed")
	}

	require.Eventually(t, func() bool {
		return q.IsEmpty(queue.Command)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunStopsOnCancellation(t *testing.T) {
	q := queue.NewMultiQueue()
	p := NewProcessor(q, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
