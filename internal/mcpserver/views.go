package mcpserver

import (
	"time"

	"github.com/crewmux/crewmux/internal/state"
)

// JSON views of the state model for operator responses. Runtime-internal
// fields (continuation handles) are never exposed.

type teamJSON struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CreatedAt time.Time   `json:"created_at"`
	Agents    []agentJSON `json:"agents"`
	Tasks     []taskJSON  `json:"tasks,omitempty"`
}

type agentJSON struct {
	ID             string   `json:"id"`
	Role           string   `json:"role"`
	Specialization string   `json:"specialization,omitempty"`
	Model          string   `json:"model"`
	Sandbox        string   `json:"sandbox"`
	Approval       string   `json:"approval_policy"`
	Reasoning      string   `json:"reasoning_effort"`
	Lead           bool     `json:"lead,omitempty"`
	WorkDir        string   `json:"work_dir"`
	Status         string   `json:"status"`
	TaskIDs        []string `json:"task_ids,omitempty"`
}

type taskJSON struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	AssigneeID  string     `json:"assignee_id"`
	Prereqs     []string   `json:"prerequisites,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func agentView(a state.Agent) agentJSON {
	return agentJSON{
		ID:             a.ID,
		Role:           a.Role,
		Specialization: a.Specialization,
		Model:          a.Model,
		Sandbox:        string(a.Sandbox),
		Approval:       string(a.Approval),
		Reasoning:      string(a.Reasoning),
		Lead:           a.Lead,
		WorkDir:        a.WorkDir,
		Status:         string(a.Status),
		TaskIDs:        a.TaskIDs,
	}
}

func taskView(t state.Task) taskJSON {
	out := taskJSON{
		ID:          t.ID,
		Description: t.Description,
		Status:      string(t.Status),
		AssigneeID:  t.AssigneeID,
		Prereqs:     t.Prereqs,
		Result:      t.Result,
		CreatedAt:   t.CreatedAt,
	}
	if !t.CompletedAt.IsZero() {
		done := t.CompletedAt
		out.CompletedAt = &done
	}
	return out
}

func teamView(t state.Team) teamJSON {
	out := teamJSON{
		ID:        t.ID,
		Name:      t.Name,
		CreatedAt: t.CreatedAt,
		Agents:    make([]agentJSON, 0, len(t.Agents)),
	}
	for _, a := range t.Agents {
		out.Agents = append(out.Agents, agentView(a))
	}
	for _, task := range t.Tasks {
		out.Tasks = append(out.Tasks, taskView(task))
	}
	return out
}
