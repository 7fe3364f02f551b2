// Package state holds the in-memory model of teams, agents, and tasks, and
// enforces their lifecycle invariants. All accessors return snapshot copies;
// mutation happens only through Store methods under its lock.
package state

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SandboxMode controls the downstream agent's filesystem sandbox.
type SandboxMode string

const (
	SandboxReadOnly       SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
	SandboxFullAccess     SandboxMode = "danger-full-access"
)

// ApprovalPolicy controls when the downstream agent asks for approval.
type ApprovalPolicy string

const (
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	ApprovalOnRequest ApprovalPolicy = "on-request"
	ApprovalOnFailure ApprovalPolicy = "on-failure"
	ApprovalNever     ApprovalPolicy = "never"
)

// ReasoningEffort selects the downstream model's reasoning budget.
type ReasoningEffort string

const (
	ReasoningXHigh   ReasoningEffort = "xhigh"
	ReasoningHigh    ReasoningEffort = "high"
	ReasoningMedium  ReasoningEffort = "medium"
	ReasoningLow     ReasoningEffort = "low"
	ReasoningMinimal ReasoningEffort = "minimal"
)

// AgentStatus is the runtime status of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentError   AgentStatus = "error"
)

// TaskStatus is the lifecycle status of a task.
// Transitions are pending -> in-progress -> completed, no regression,
// except the auto-start failure path which reverts in-progress to pending.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
)

// AgentConfig describes an agent to create. Zero values take defaults.
type AgentConfig struct {
	Role           string
	Specialization string
	Model          string
	Sandbox        SandboxMode
	Approval       ApprovalPolicy
	Reasoning      ReasoningEffort
	Lead           bool
	WorkDir        string
	Addendum       string
}

// Agent is a single long-running downstream conversation plus its metadata.
type Agent struct {
	ID             string
	Role           string
	Specialization string
	Model          string
	Sandbox        SandboxMode
	Approval       ApprovalPolicy
	Reasoning      ReasoningEffort
	Lead           bool
	WorkDir        string
	Addendum       string

	// Runtime fields.
	Continuation string
	Status       AgentStatus
	LastOutput   string
	TaskIDs      []string
}

// Task is a unit of work assigned to one agent.
type Task struct {
	ID          string
	Description string
	Status      TaskStatus
	AssigneeID  string
	Prereqs     []string
	Result      string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Team owns its agents and tasks exclusively.
type Team struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Agents    []Agent
	Tasks     []Task
}

// AgentByID returns the agent with the given id from the team snapshot.
func (t *Team) AgentByID(id string) (Agent, bool) {
	for _, a := range t.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// Lead returns the team's lead agent, if any.
func (t *Team) Lead() (Agent, bool) {
	for _, a := range t.Agents {
		if a.Lead {
			return a, true
		}
	}
	return Agent{}, false
}

// newAgentID mints an id of the form <role>-<12-hex>.
func newAgentID(role string) string {
	tail := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return role + "-" + tail
}

func (c AgentConfig) withDefaults(defaultModel, defaultWorkDir string) AgentConfig {
	if c.Role == "" {
		c.Role = "agent"
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Sandbox == "" {
		c.Sandbox = SandboxWorkspaceWrite
	}
	if c.Approval == "" {
		c.Approval = ApprovalNever
	}
	if c.Reasoning == "" {
		if c.Lead {
			c.Reasoning = ReasoningXHigh
		} else {
			c.Reasoning = ReasoningHigh
		}
	}
	if c.WorkDir == "" {
		c.WorkDir = defaultWorkDir
	}
	return c
}
