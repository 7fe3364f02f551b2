package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/state"
)

// DispatchSpec describes one ephemeral agent and the task text it runs.
type DispatchSpec struct {
	Role           string `json:"role"`
	Specialization string `json:"specialization,omitempty"`
	Model          string `json:"model,omitempty"`
	Task           string `json:"task"`
}

// DispatchResult is one agent's outcome from a dispatch fan-out.
type DispatchResult struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatch creates an ephemeral team, runs every spec's task concurrently
// with a per-call timeout, and destroys the team before returning. The team
// is always destroyed, even on partial or total failure.
func (o *Orchestrator) Dispatch(ctx context.Context, teamName, workDir string, specs []DispatchSpec) ([]DispatchResult, error) {
	configs := make([]state.AgentConfig, len(specs))
	for i, sp := range specs {
		configs[i] = state.AgentConfig{
			Role:           sp.Role,
			Specialization: sp.Specialization,
			Model:          sp.Model,
			WorkDir:        workDir,
		}
	}

	team, err := o.store.CreateTeam(teamName, configs)
	if err != nil {
		return nil, err
	}
	defer o.dissolve(team.ID)

	o.log.Info("dispatching team",
		zap.String("team_id", team.ID),
		zap.String("name", teamName),
		zap.Int("agents", len(specs)))

	// Agent order mirrors spec order; pair each agent with its task text.
	results := make([]DispatchResult, len(specs))
	targets := make([]state.Agent, len(specs))
	for i, a := range team.Agents {
		targets[i] = a
		results[i] = DispatchResult{AgentID: a.ID, Role: a.Role}
	}

	var wg sync.WaitGroup
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, o.opts.DispatchCallTimeout)
			defer cancel()
			out, err := o.caller.Send(callCtx, targets[i].ID, specs[i].Task)
			if err != nil {
				results[i].Error = err.Error()
				return
			}
			results[i].Output = out
		}(i)
	}
	wg.Wait()
	return results, nil
}
