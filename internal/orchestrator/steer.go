package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/instructions"
)

// Synthetic identity for orchestrator-authored group-chat posts.
const (
	steerSenderID   = "orchestrator"
	steerSenderRole = "Orchestrator"
)

// SteerResult classifies every targeted agent: aborted lists agents whose
// in-flight call was canceled, steered those that accepted the redirect,
// failed maps agent id to the redirect error. aborted overlaps steered;
// steered and failed partition the target set.
type SteerResult struct {
	Aborted []string          `json:"aborted"`
	Steered []string          `json:"steered"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Steer aborts the targets' current calls, announces the direction change in
// the group chat, and sends each target a redirect prompt concurrently.
func (o *Orchestrator) Steer(ctx context.Context, teamID, directive string, subset []string) (SteerResult, error) {
	targets, err := o.resolveTargets(teamID, subset)
	if err != nil {
		return SteerResult{}, err
	}

	ids := make([]string, len(targets))
	for i, a := range targets {
		ids[i] = a.ID
	}

	res := SteerResult{
		Aborted: o.caller.CancelTeam(ids),
		Failed:  make(map[string]string),
	}

	o.bus.GroupPost(teamID, steerSenderID, steerSenderRole, instructions.SteerAnnouncement(directive))

	prompt := instructions.SteerPrompt(directive)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := o.caller.Send(ctx, id, prompt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err.Error()
				return
			}
			res.Steered = append(res.Steered, id)
		}(id)
	}
	wg.Wait()

	o.log.Info("team steered",
		zap.String("team_id", teamID),
		zap.Int("targets", len(ids)),
		zap.Int("aborted", len(res.Aborted)),
		zap.Int("steered", len(res.Steered)),
		zap.Int("failed", len(res.Failed)))
	return res, nil
}
