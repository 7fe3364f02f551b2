// Package orchestrator implements the operator-facing operations over the
// state store, the message bus, and the agent adapter: one-shot messaging,
// broadcast, relay, task assignment with dependency-driven auto-start, team
// lifecycle, parallel dispatch, and steering.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/bus"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/errkind"
	"github.com/crewmux/crewmux/internal/instructions"
	"github.com/crewmux/crewmux/internal/state"
)

// AgentCaller is the slice of the adapter the orchestrator drives.
type AgentCaller interface {
	Send(ctx context.Context, agentID, text string) (string, error)
	Cancel(agentID string) bool
	CancelTeam(agentIDs []string) []string
	Track(fn func())
}

// SessionDropper revokes comms identity tokens for dissolved agents.
type SessionDropper interface {
	DropAgents(agentIDs []string)
}

// Options tunes orchestrator behaviour.
type Options struct {
	// DispatchCallTimeout bounds each per-agent call during dispatch.
	DispatchCallTimeout time.Duration
}

// Orchestrator wires the operator surface to the coordination plane.
type Orchestrator struct {
	store  *state.Store
	bus    *bus.Bus
	caller AgentCaller
	comms  SessionDropper
	opts   Options
	log    *logger.Logger
}

// New creates an Orchestrator.
func New(store *state.Store, b *bus.Bus, caller AgentCaller, comms SessionDropper, opts Options, log *logger.Logger) *Orchestrator {
	if opts.DispatchCallTimeout <= 0 {
		opts.DispatchCallTimeout = time.Hour
	}
	return &Orchestrator{
		store:  store,
		bus:    b,
		caller: caller,
		comms:  comms,
		opts:   opts,
		log:    log.WithFields(zap.String("component", "orchestrator")),
	}
}

// CreateTeam constructs a team with one agent per config.
func (o *Orchestrator) CreateTeam(name string, configs []state.AgentConfig) (state.Team, error) {
	return o.store.CreateTeam(name, configs)
}

// DissolveTeam destroys the team: in-flight calls are canceled, the store
// record and bus channels are removed, and comms tokens revoked. Waiters
// pinned to the team wake with dissolved=true.
func (o *Orchestrator) DissolveTeam(teamID string) ([]string, error) {
	team, err := o.store.Team(teamID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range team.Agents {
		ids = append(ids, a.ID)
	}
	o.caller.CancelTeam(ids)

	removed, err := o.store.DissolveTeam(teamID)
	if err != nil {
		return nil, err
	}
	o.bus.DissolveTeam(teamID, removed)
	o.comms.DropAgents(removed)
	return removed, nil
}

// AddAgent creates one agent on an existing team.
func (o *Orchestrator) AddAgent(teamID string, cfg state.AgentConfig) (state.Agent, error) {
	return o.store.AddAgent(teamID, cfg)
}

// RemoveAgent removes an agent; fails busy if the agent is working or owns
// tasks, not_found if the team was dissolved.
func (o *Orchestrator) RemoveAgent(teamID, agentID string) error {
	return o.store.RemoveAgent(teamID, agentID)
}

// ListAgents returns every team's roster.
func (o *Orchestrator) ListAgents() []state.Team {
	return o.store.Teams()
}

// SendMessage performs one synchronous adapter call to an idle agent.
func (o *Orchestrator) SendMessage(ctx context.Context, teamID, agentID, text string) (string, error) {
	agent, err := o.store.Agent(teamID, agentID)
	if err != nil {
		return "", err
	}
	if agent.Status == state.AgentWorking {
		return "", errkind.New(errkind.Busy, "agent %s is working; wait for it to finish or steer the team", agentID)
	}
	return o.caller.Send(ctx, agentID, text)
}

// CallResult is one agent's outcome in a broadcast, relay, or steer fan-out.
type CallResult struct {
	AgentID string `json:"agent_id"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Broadcast sends text to the given agents (default: all) concurrently.
// Agents currently working are skipped, not failed.
func (o *Orchestrator) Broadcast(ctx context.Context, teamID, text string, subset []string) ([]CallResult, error) {
	targets, err := o.resolveTargets(teamID, subset)
	if err != nil {
		return nil, err
	}
	return o.fanOut(ctx, targets, func(state.Agent) string { return text }, true), nil
}

// Relay sends one agent's last output (optionally prefixed) to one teammate
// or to every other non-working teammate.
func (o *Orchestrator) Relay(ctx context.Context, teamID, fromID, toID string, toAll bool, prefix string) ([]CallResult, error) {
	if toID == "" && !toAll {
		return nil, errkind.New(errkind.InvalidArgument, "relay needs a destination: to or to_all")
	}
	from, err := o.store.Agent(teamID, fromID)
	if err != nil {
		return nil, err
	}
	if from.LastOutput == "" {
		return nil, errkind.New(errkind.InvalidArgument, "agent %s has no output to relay", fromID)
	}

	text := from.LastOutput
	if prefix != "" {
		text = prefix + "\n\n" + text
	}

	var subset []string
	if !toAll {
		subset = []string{toID}
	}
	targets, err := o.resolveTargets(teamID, subset)
	if err != nil {
		return nil, err
	}
	var dests []state.Agent
	for _, a := range targets {
		if a.ID != fromID {
			dests = append(dests, a)
		}
	}
	if len(dests) == 0 {
		return nil, errkind.New(errkind.InvalidArgument, "relay from %s has no destination agents", fromID)
	}
	return o.fanOut(ctx, dests, func(state.Agent) string { return text }, true), nil
}

// GetOutput returns an agent's status and last output.
func (o *Orchestrator) GetOutput(teamID, agentID string) (state.Agent, error) {
	return o.store.Agent(teamID, agentID)
}

// TeamReport summarizes a team for the operator.
type TeamReport struct {
	Team   string        `json:"team"`
	Agents []AgentReport `json:"agents"`
	Tasks  []state.Task  `json:"tasks,omitempty"`
}

// AgentReport is one roster line of a team report.
type AgentReport struct {
	AgentID    string `json:"agent_id"`
	Role       string `json:"role"`
	Lead       bool   `json:"lead,omitempty"`
	Status     string `json:"status"`
	LastOutput string `json:"last_output,omitempty"`
}

// GetTeamReport aggregates every agent's status and last output.
func (o *Orchestrator) GetTeamReport(teamID string) (TeamReport, error) {
	team, err := o.store.Team(teamID)
	if err != nil {
		return TeamReport{}, err
	}
	rep := TeamReport{Team: team.Name, Tasks: team.Tasks}
	for _, a := range team.Agents {
		rep.Agents = append(rep.Agents, AgentReport{
			AgentID:    a.ID,
			Role:       a.Role,
			Lead:       a.Lead,
			Status:     string(a.Status),
			LastOutput: a.LastOutput,
		})
	}
	return rep, nil
}

// resolveTargets returns the subset agents (or all) as snapshots, failing
// not_found on any unknown id.
func (o *Orchestrator) resolveTargets(teamID string, subset []string) ([]state.Agent, error) {
	team, err := o.store.Team(teamID)
	if err != nil {
		return nil, err
	}
	if len(subset) == 0 {
		return team.Agents, nil
	}
	var out []state.Agent
	for _, id := range subset {
		a, ok := team.AgentByID(id)
		if !ok {
			return nil, errkind.New(errkind.NotFound, "agent %s not found in team %s", id, teamID)
		}
		out = append(out, a)
	}
	return out, nil
}

// fanOut sends to every target concurrently and collects per-agent outcomes
// in target order. With skipWorking, agents already working are marked
// skipped instead of called.
func (o *Orchestrator) fanOut(ctx context.Context, targets []state.Agent, text func(state.Agent) string, skipWorking bool) []CallResult {
	results := make([]CallResult, len(targets))
	var wg sync.WaitGroup
	for i, agent := range targets {
		results[i].AgentID = agent.ID
		if skipWorking && agent.Status == state.AgentWorking {
			results[i].Skipped = true
			continue
		}
		wg.Add(1)
		go func(i int, agent state.Agent) {
			defer wg.Done()
			out, err := o.caller.Send(ctx, agent.ID, text(agent))
			if err != nil {
				results[i].Error = err.Error()
				return
			}
			results[i].Output = out
		}(i, agent)
	}
	wg.Wait()
	return results
}

// AssignTask creates a task and auto-starts it when its prerequisites are
// all completed and the assignee is idle. The agent call runs in the
// background; if it fails the task reverts to pending.
func (o *Orchestrator) AssignTask(ctx context.Context, teamID, assigneeID, description string, prereqs []string) (state.Task, bool, error) {
	task, err := o.store.CreateTask(teamID, assigneeID, description, prereqs)
	if err != nil {
		return state.Task{}, false, err
	}
	started := o.maybeStartTask(teamID, task)
	if started {
		task.Status = state.TaskInProgress
	}
	return task, started, nil
}

// TaskStatus returns a task snapshot.
func (o *Orchestrator) TaskStatus(teamID, taskID string) (state.Task, error) {
	return o.store.Task(teamID, taskID)
}

// CompleteTask marks a task completed (result defaults to the assignee's
// last output) and auto-starts any unblocked tasks with idle assignees in
// the background.
func (o *Orchestrator) CompleteTask(ctx context.Context, teamID, taskID, result string) (state.Task, []string, error) {
	if result == "" {
		if prev, err := o.store.Task(teamID, taskID); err == nil {
			if a, aerr := o.store.Agent(teamID, prev.AssigneeID); aerr == nil {
				result = a.LastOutput
			}
		}
	}
	task, unblocked, err := o.store.CompleteTask(teamID, taskID, result)
	if err != nil {
		return state.Task{}, nil, err
	}

	var started []string
	for _, id := range unblocked {
		next, terr := o.store.Task(teamID, id)
		if terr != nil {
			continue
		}
		if o.maybeStartTask(teamID, next) {
			started = append(started, id)
		}
	}
	o.log.Info("task completed",
		zap.String("team_id", teamID),
		zap.String("task_id", taskID),
		zap.Int("unblocked", len(unblocked)),
		zap.Int("auto_started", len(started)))
	return task, unblocked, nil
}

// maybeStartTask transitions a pending task to in-progress and fires the
// assignee's call as a tracked background operation, reverting the task to
// pending if the call fails. Returns whether the task was started.
func (o *Orchestrator) maybeStartTask(teamID string, task state.Task) bool {
	if task.Status != state.TaskPending {
		return false
	}
	for _, p := range task.Prereqs {
		pre, err := o.store.Task(teamID, p)
		if err != nil || pre.Status != state.TaskCompleted {
			return false
		}
	}
	agent, err := o.store.Agent(teamID, task.AssigneeID)
	if err != nil || agent.Status != state.AgentIdle {
		return false
	}
	if err := o.store.StartTask(teamID, task.ID); err != nil {
		return false
	}

	prompt := instructions.TaskPrompt(task)
	o.caller.Track(func() {
		if _, err := o.caller.Send(context.Background(), task.AssigneeID, prompt); err != nil {
			o.log.Warn("task auto-start call failed, reverting to pending",
				zap.String("task_id", task.ID),
				zap.String("agent_id", task.AssigneeID),
				zap.Error(err))
			if rerr := o.store.RevertTask(teamID, task.ID); rerr != nil {
				o.log.Warn("task revert failed", zap.String("task_id", task.ID), zap.Error(rerr))
			}
		}
	})
	return true
}

// dissolve is the shared teardown used by dispatch; errors are logged, not
// surfaced, because teardown must not mask the fan-out outcome.
func (o *Orchestrator) dissolve(teamID string) {
	removed, err := o.store.DissolveTeam(teamID)
	if err != nil {
		o.log.Warn("dispatch teardown failed", zap.String("team_id", teamID), zap.Error(err))
		return
	}
	o.bus.DissolveTeam(teamID, removed)
	o.comms.DropAgents(removed)
}
