package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/errkind"
	"github.com/crewmux/crewmux/internal/state"
)

// fakeStore implements StateAccess over a plain map.
type fakeStore struct {
	mu            sync.Mutex
	agents        map[string]state.Agent
	continuations map[string]string
	statuses      map[string]state.AgentStatus
	outputs       map[string]string
}

func newFakeStore(agentIDs ...string) *fakeStore {
	fs := &fakeStore{
		agents:        make(map[string]state.Agent),
		continuations: make(map[string]string),
		statuses:      make(map[string]state.AgentStatus),
		outputs:       make(map[string]string),
	}
	for _, id := range agentIDs {
		fs.agents[id] = state.Agent{
			ID: id, Role: "dev", Model: "gpt-5.3-codex",
			Sandbox: state.SandboxWorkspaceWrite, Approval: state.ApprovalNever,
			Reasoning: state.ReasoningHigh, WorkDir: "/tmp",
		}
	}
	return fs
}

func (f *fakeStore) FindAgent(agentID string) (string, state.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return "", state.Agent{}, errkind.New(errkind.NotFound, "agent %s not found", agentID)
	}
	return "team-1", a, nil
}

func (f *fakeStore) Continuation(agentID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.continuations[agentID]
	return h, h != ""
}

func (f *fakeStore) SetContinuation(agentID, handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continuations[agentID] = handle
}

func (f *fakeStore) SetAgentStatus(agentID string, status state.AgentStatus, lastOutput string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[agentID] = status
	if lastOutput != "" {
		f.outputs[agentID] = lastOutput
	}
}

type call struct {
	tool string
	args map[string]any
}

// fakeSession scripts downstream responses per call.
type fakeSession struct {
	mu      sync.Mutex
	calls   []call
	respond func(ctx context.Context, c call) (*mcp.CallToolResult, error)
	closed  bool
}

func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := call{tool: name, args: args}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(ctx, c)
	}
	return okResult("done", "thread-1"), nil
}

// sleepCtx blocks for d or until the context finishes.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okResult(content, continuation string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		StructuredContent: map[string]any{
			"content":      content,
			"continuation": continuation,
		},
	}
}

type fakeInstructions struct{}

func (fakeInstructions) BaseInstructions(agentID string) string { return "base for " + agentID }

func testConfig() config.AdapterConfig {
	return config.AdapterConfig{
		Command:     "codex",
		StartTool:   "codex",
		ReplyTool:   "codex-reply",
		CallTimeout: 3 * 60 * 60,
	}
}

func newTestAdapter(store StateAccess, sess Session) *Adapter {
	factory := func(ctx context.Context) (Session, error) { return sess, nil }
	return New(testConfig(), factory, store, fakeInstructions{}, func(agentID string) string {
		return "http://127.0.0.1:1/mcp?agent=" + agentID
	}, logger.Default())
}

func TestSendStartsThenReplies(t *testing.T) {
	fs := newFakeStore("dev-1")
	sess := &fakeSession{}
	a := newTestAdapter(fs, sess)

	out, err := a.Send(context.Background(), "dev-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, state.AgentIdle, fs.statuses["dev-1"])
	assert.Equal(t, "done", fs.outputs["dev-1"])

	_, err = a.Send(context.Background(), "dev-1", "again")
	require.NoError(t, err)

	require.Len(t, sess.calls, 2)
	assert.Equal(t, "codex", sess.calls[0].tool)
	assert.Equal(t, "hello", sess.calls[0].args["prompt"])
	assert.Equal(t, "base for dev-1", sess.calls[0].args["base_instructions"])
	assert.Equal(t, "codex-reply", sess.calls[1].tool)
	assert.Equal(t, "thread-1", sess.calls[1].args["continuation"])
}

func TestSendUnknownAgent(t *testing.T) {
	a := newTestAdapter(newFakeStore(), &fakeSession{})
	_, err := a.Send(context.Background(), "ghost", "hi")
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

func TestStartArgsCarryAgentConfigAndCommsEndpoint(t *testing.T) {
	fs := newFakeStore("dev-1")
	sess := &fakeSession{}
	a := newTestAdapter(fs, sess)

	_, err := a.Send(context.Background(), "dev-1", "go")
	require.NoError(t, err)

	args := sess.calls[0].args
	assert.Equal(t, "gpt-5.3-codex", args["model"])
	assert.Equal(t, "workspace-write", args["sandbox"])
	assert.Equal(t, "never", args["approval_policy"])
	assert.Equal(t, "/tmp", args["cwd"])

	cfg := args["config"].(map[string]any)
	assert.Equal(t, "high", cfg["reasoning_effort"])
	servers := cfg["mcp_servers"].(map[string]any)
	crew := servers["crew"].(map[string]any)
	assert.Contains(t, crew["url"], "agent=dev-1")
}

func TestRemoteErrorClearsInvalidContinuation(t *testing.T) {
	fs := newFakeStore("dev-1")
	fs.SetContinuation("dev-1", "thread-stale")
	sess := &fakeSession{respond: func(ctx context.Context, c call) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "thread thread-stale not found"}},
		}, nil
	}}
	a := newTestAdapter(fs, sess)

	_, err := a.Send(context.Background(), "dev-1", "hi")
	assert.True(t, errkind.Is(err, errkind.RemoteError))
	assert.Equal(t, state.AgentError, fs.statuses["dev-1"])

	_, ok := fs.Continuation("dev-1")
	assert.False(t, ok, "stale continuation must be forgotten")
}

func TestRemoteErrorKeepsValidContinuation(t *testing.T) {
	fs := newFakeStore("dev-1")
	fs.SetContinuation("dev-1", "thread-good")
	sess := &fakeSession{respond: func(ctx context.Context, c call) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "tool execution failed"}},
		}, nil
	}}
	a := newTestAdapter(fs, sess)

	_, err := a.Send(context.Background(), "dev-1", "hi")
	assert.True(t, errkind.Is(err, errkind.RemoteError))

	h, ok := fs.Continuation("dev-1")
	assert.True(t, ok)
	assert.Equal(t, "thread-good", h)
}

func TestTransportErrorRetriesOnceThroughReconnect(t *testing.T) {
	fs := newFakeStore("dev-1")

	var factoryCalls int
	broken := &fakeSession{respond: func(ctx context.Context, c call) (*mcp.CallToolResult, error) {
		return nil, errors.New("pipe closed")
	}}
	healthy := &fakeSession{}
	factory := func(ctx context.Context) (Session, error) {
		factoryCalls++
		if factoryCalls == 1 {
			return broken, nil
		}
		return healthy, nil
	}
	a := New(testConfig(), factory, fs, fakeInstructions{}, func(string) string { return "u" }, logger.Default())

	out, err := a.Send(context.Background(), "dev-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 2, factoryCalls)
	assert.True(t, broken.closed)
	assert.Equal(t, 1, healthy.callCount())
}

func TestSecondTransportErrorPropagates(t *testing.T) {
	fs := newFakeStore("dev-1")
	factory := func(ctx context.Context) (Session, error) {
		return &fakeSession{respond: func(ctx context.Context, c call) (*mcp.CallToolResult, error) {
			return nil, errors.New("pipe closed")
		}}, nil
	}
	a := New(testConfig(), factory, fs, fakeInstructions{}, func(string) string { return "u" }, logger.Default())

	_, err := a.Send(context.Background(), "dev-1", "hi")
	assert.True(t, errkind.Is(err, errkind.Transport))
	assert.Equal(t, state.AgentError, fs.statuses["dev-1"])
}

func TestCancelAbortsInFlightCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fs := newFakeStore("dev-1")
		started := make(chan struct{})
		sess := &fakeSession{respond: func(ctx context.Context, c call) (*mcp.CallToolResult, error) {
			close(started)
			if err := sleepCtx(ctx, time.Hour); err != nil {
				return nil, err
			}
			return okResult("late", ""), nil
		}}
		a := newTestAdapter(fs, sess)

		errc := make(chan error, 1)
		go func() {
			_, err := a.Send(context.Background(), "dev-1", "long")
			errc <- err
		}()
		<-started

		assert.True(t, a.Cancel("dev-1"))
		err := <-errc
		assert.True(t, errkind.Is(err, errkind.Canceled))
		assert.Equal(t, state.AgentError, fs.statuses["dev-1"])
	})
}

func TestCancelWithNothingInFlight(t *testing.T) {
	a := newTestAdapter(newFakeStore("dev-1"), &fakeSession{})
	assert.False(t, a.Cancel("dev-1"))
}

func TestCallDeadline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fs := newFakeStore("dev-1")
		sess := &fakeSession{respond: func(ctx context.Context, c call) (*mcp.CallToolResult, error) {
			if err := sleepCtx(ctx, 4*time.Hour); err != nil {
				return nil, err
			}
			return okResult("late", ""), nil
		}}
		a := newTestAdapter(fs, sess)

		_, err := a.Send(context.Background(), "dev-1", "slow")
		assert.True(t, errkind.Is(err, errkind.Timeout))
	})
}

// Calls for the same agent must reach the downstream in submission order,
// even when earlier calls fail.
func TestPerAgentFIFO(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fs := newFakeStore("dev-1")
		var order []string
		var mu sync.Mutex
		sess := &fakeSession{respond: func(ctx context.Context, c call) (*mcp.CallToolResult, error) {
			mu.Lock()
			order = append(order, c.args["prompt"].(string))
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			return okResult("ok", ""), nil
		}}
		a := newTestAdapter(fs, sess)

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			// Serialize submission so queue positions are deterministic.
			done := make(chan struct{})
			go func(i int) {
				defer wg.Done()
				close(done)
				_, _ = a.Send(context.Background(), "dev-1", fmt.Sprintf("msg-%d", i))
			}(i)
			<-done
			synctest.Wait()
		}
		wg.Wait()

		require.Len(t, order, 5)
		for i, p := range order {
			assert.Equal(t, fmt.Sprintf("msg-%d", i), p)
		}
	})
}

func TestDifferentAgentsRunConcurrently(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fs := newFakeStore("dev-1", "dev-2")
		sess := &fakeSession{respond: func(ctx context.Context, c call) (*mcp.CallToolResult, error) {
			time.Sleep(time.Minute)
			return okResult("ok", ""), nil
		}}
		a := newTestAdapter(fs, sess)

		start := time.Now()
		var wg sync.WaitGroup
		for _, id := range []string{"dev-1", "dev-2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _ = a.Send(context.Background(), id, "go")
			}(id)
		}
		wg.Wait()

		assert.Equal(t, time.Minute, time.Since(start), "two agents must not serialize")
	})
}

func TestReconnectCoalesced(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var mu sync.Mutex
		factoryCalls := 0
		factory := func(ctx context.Context) (Session, error) {
			mu.Lock()
			factoryCalls++
			mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			return &fakeSession{}, nil
		}
		a := New(testConfig(), factory, newFakeStore(), fakeInstructions{}, func(string) string { return "u" }, logger.Default())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = a.Reconnect(context.Background())
			}()
		}
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, factoryCalls, "concurrent reconnects must coalesce")
	})
}

func TestCancelTeamReportsOnlyAborted(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fs := newFakeStore("dev-1", "dev-2")
		started := make(chan struct{})
		sess := &fakeSession{respond: func(ctx context.Context, c call) (*mcp.CallToolResult, error) {
			close(started)
			if err := sleepCtx(ctx, time.Hour); err != nil {
				return nil, err
			}
			return okResult("late", ""), nil
		}}
		a := newTestAdapter(fs, sess)

		go func() { _, _ = a.Send(context.Background(), "dev-1", "long") }()
		<-started

		canceled := a.CancelTeam([]string{"dev-1", "dev-2"})
		assert.Equal(t, []string{"dev-1"}, canceled)
		synctest.Wait()
	})
}

func TestCloseWaitsForTrackedOperations(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a := newTestAdapter(newFakeStore(), &fakeSession{})

		var finished bool
		var mu sync.Mutex
		a.Track(func() {
			time.Sleep(time.Second)
			mu.Lock()
			finished = true
			mu.Unlock()
		})

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		require.NoError(t, a.Close(ctx))

		mu.Lock()
		defer mu.Unlock()
		assert.True(t, finished, "Close must await tracked operations")
	})
}
