// Package adapter multiplexes a single downstream child-process session
// across many concurrent agents. Calls for the same agent are strictly
// serialized in submission order (the agent lock); calls for different
// agents run fully concurrently. The adapter owns thread continuation,
// cancellation, the call deadline, and coalesced reconnection.
package adapter

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/common/tracing"
	"github.com/crewmux/crewmux/internal/errkind"
	"github.com/crewmux/crewmux/internal/state"
)

// StateAccess is the slice of the state store the adapter needs: agent
// lookup, continuation persistence, and status updates.
type StateAccess interface {
	FindAgent(agentID string) (string, state.Agent, error)
	Continuation(agentID string) (string, bool)
	SetContinuation(agentID, handle string)
	SetAgentStatus(agentID string, status state.AgentStatus, lastOutput string)
}

// InstructionSource renders the base instructions for an agent's first call.
type InstructionSource interface {
	BaseInstructions(agentID string) string
}

// EndpointFunc returns the comms service URL for an agent, with its id and
// identity token embedded in the query.
type EndpointFunc func(agentID string) string

// Adapter drives the downstream session on behalf of every agent.
type Adapter struct {
	cfg          config.AdapterConfig
	factory      SessionFactory
	store        StateAccess
	instructions InstructionSource
	endpoint     EndpointFunc
	log          *logger.Logger

	mu       sync.Mutex
	session  Session
	locks    map[string]*fifoMutex
	inflight map[string]context.CancelCauseFunc
	closed   bool

	reconnect singleflight.Group
	tracked   sync.WaitGroup
}

// New creates an Adapter. The downstream session is spawned lazily on the
// first call (or explicitly via Reconnect).
func New(cfg config.AdapterConfig, factory SessionFactory, store StateAccess, instr InstructionSource, endpoint EndpointFunc, log *logger.Logger) *Adapter {
	return &Adapter{
		cfg:          cfg,
		factory:      factory,
		store:        store,
		instructions: instr,
		endpoint:     endpoint,
		log:          log.WithFields(zap.String("component", "adapter")),
		locks:        make(map[string]*fifoMutex),
		inflight:     make(map[string]context.CancelCauseFunc),
	}
}

func (a *Adapter) lockFor(agentID string) *fifoMutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[agentID]
	if !ok {
		l = &fifoMutex{}
		a.locks[agentID] = l
	}
	return l
}

// Send delivers text to the agent's continuation, starting a new thread on
// first contact, and returns the produced output. The agent's status and
// last output are updated on both success and failure. Calls for the same
// agent queue behind each other regardless of the previous call's outcome.
func (a *Adapter) Send(ctx context.Context, agentID, text string) (string, error) {
	l := a.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	a.store.SetAgentStatus(agentID, state.AgentWorking, "")

	out, err := a.call(ctx, agentID, text)
	if err != nil {
		a.store.SetAgentStatus(agentID, state.AgentError, err.Error())
		return "", err
	}
	a.store.SetAgentStatus(agentID, state.AgentIdle, out)
	return out, nil
}

var errExternalCancel = errkind.New(errkind.Canceled, "call canceled")

func (a *Adapter) call(ctx context.Context, agentID, text string) (string, error) {
	_, agent, err := a.store.FindAgent(agentID)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx, cancelDeadline := context.WithTimeout(ctx, a.cfg.CallTimeoutDuration())
	defer cancelDeadline()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", errkind.New(errkind.Canceled, "adapter is shut down")
	}
	a.inflight[agentID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, agentID)
		a.mu.Unlock()
	}()

	continuation, resuming := a.store.Continuation(agentID)

	ctx, span := tracing.TraceAgentCall(ctx, agentID, !resuming)
	out, err := a.roundTrip(ctx, agent, agentID, text, continuation, resuming)
	tracing.EndSpan(span, err)
	return out, err
}

// roundTrip performs one downstream call, retrying exactly once through a
// coalesced reconnect on transport failure.
func (a *Adapter) roundTrip(ctx context.Context, agent state.Agent, agentID, text, continuation string, resuming bool) (string, error) {
	tool := a.cfg.StartTool
	var args map[string]any
	if resuming {
		tool = a.cfg.ReplyTool
		args = replyArgs(text, continuation)
	} else {
		args = startArgs(agent, text, a.instructions.BaseInstructions(agentID), a.endpoint(agentID))
	}

	retried := false
	for {
		sess, err := a.ensureSession(ctx)
		if err != nil {
			return "", errkind.Wrap(errkind.Transport, err, "downstream session unavailable: %v", err)
		}

		res, err := sess.CallTool(ctx, tool, args)
		if err != nil {
			if kindErr := classifyCtx(ctx); kindErr != nil {
				return "", kindErr
			}
			a.invalidateSession(sess)
			if retried {
				return "", errkind.Wrap(errkind.Transport, err, "downstream call failed after reconnect: %v", err)
			}
			a.log.Warn("downstream call failed, reconnecting",
				zap.String("agent_id", agentID), zap.Error(err))
			retried = true
			continue
		}

		if res.IsError {
			msg := joinTextContent(res.Content)
			if isContinuationInvalid(msg) {
				a.store.SetContinuation(agentID, "")
			}
			return "", errkind.New(errkind.RemoteError, "downstream error: %s", msg)
		}

		content, handle := parseResult(res)
		if handle != "" {
			a.store.SetContinuation(agentID, handle)
		}
		return content, nil
	}
}

// classifyCtx maps a finished context to its typed error, or nil when the
// context is still live (the failure came from the transport).
func classifyCtx(ctx context.Context) error {
	switch {
	case errors.Is(context.Cause(ctx), errExternalCancel):
		return errExternalCancel
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errkind.New(errkind.Timeout, "downstream call exceeded deadline")
	case ctx.Err() != nil:
		return errkind.Wrap(errkind.Canceled, context.Cause(ctx), "downstream call canceled")
	default:
		return nil
	}
}

// Cancel aborts the agent's in-flight call, if any.
func (a *Adapter) Cancel(agentID string) bool {
	a.mu.Lock()
	cancel, ok := a.inflight[agentID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	cancel(errExternalCancel)
	return true
}

// CancelTeam cancels in-flight calls for every given agent and returns the
// ids whose calls were actually aborted.
func (a *Adapter) CancelTeam(agentIDs []string) []string {
	var canceled []string
	for _, id := range agentIDs {
		if a.Cancel(id) {
			canceled = append(canceled, id)
		}
	}
	return canceled
}

// Track runs fn as a fire-and-forget operation that shutdown will await.
func (a *Adapter) Track(fn func()) {
	a.tracked.Add(1)
	go func() {
		defer a.tracked.Done()
		fn()
	}()
}

// Reconnect (re)establishes the downstream session. Concurrent callers are
// coalesced: at most one reconnect is in flight system-wide.
func (a *Adapter) Reconnect(ctx context.Context) error {
	_, err, _ := a.reconnect.Do("reconnect", func() (any, error) {
		a.mu.Lock()
		old := a.session
		a.session = nil
		a.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}

		sess, err := a.factory(ctx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.session = sess
		a.mu.Unlock()
		a.log.Info("downstream session established")
		return nil, nil
	})
	return err
}

// ensureSession returns the live session, reconnecting first if needed.
func (a *Adapter) ensureSession(ctx context.Context) (Session, error) {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess != nil {
		return sess, nil
	}
	if err := a.Reconnect(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	sess = a.session
	a.mu.Unlock()
	if sess == nil {
		return nil, errkind.New(errkind.Transport, "downstream session unavailable")
	}
	return sess, nil
}

// invalidateSession drops the session if it is still the current one, so
// the next call reconnects.
func (a *Adapter) invalidateSession(sess Session) {
	a.mu.Lock()
	if a.session == sess {
		a.session = nil
	}
	a.mu.Unlock()
	_ = sess.Close()
}

// Close awaits tracked operations and closes the downstream session. The
// context bounds how long shutdown waits for stragglers.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	sess := a.session
	a.session = nil
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.tracked.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown deadline reached with tracked operations still running")
	}

	if sess != nil {
		return sess.Close()
	}
	return nil
}
