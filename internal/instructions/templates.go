package instructions

import (
	"fmt"
	"strings"

	"github.com/crewmux/crewmux/internal/state"
)

// MissionLeadPrompt frames the mission objective for the lead: plan,
// facilitate, and stay reachable while workers execute.
func MissionLeadPrompt(objective string, workers []state.Agent) string {
	var b strings.Builder
	b.WriteString("You are leading a mission.\n\n## Objective\n\n")
	b.WriteString(objective)
	b.WriteString("\n\n## Your workers\n\n")
	for _, w := range workers {
		spec := ""
		if w.Specialization != "" {
			spec = " - " + w.Specialization
		}
		fmt.Fprintf(&b, "- %s: %s%s\n", w.ID, w.Role, spec)
	}
	b.WriteString(`
## Your job right now

1. Break the objective into a short plan and post it to the group chat so
   workers can align their efforts.
2. Workers are starting concurrently with their own briefs; answer their
   DMs and group-chat questions as they come in.
3. Use wait between interactions instead of ending your turn early.
4. Do not do the workers' tasks yourself; coordinate and unblock.
`)
	return b.String()
}

// MissionWorkerPrompt frames a worker's brief: execute with autonomy,
// coordinate through the bus.
func MissionWorkerPrompt(objective, task string, self state.Agent, teammates []state.Agent) string {
	var b strings.Builder
	b.WriteString("You are a worker on a mission.\n\n## Mission objective\n\n")
	b.WriteString(objective)
	if task != "" {
		b.WriteString("\n\n## Your task\n\n")
		b.WriteString(task)
	}
	b.WriteString("\n\n## Teammates\n\n")
	for _, t := range teammates {
		if t.ID == self.ID {
			continue
		}
		lead := ""
		if t.Lead {
			lead = " [lead]"
		}
		fmt.Fprintf(&b, "- %s: %s%s\n", t.ID, t.Role, lead)
	}
	b.WriteString(`
## How to work

- Execute your task with full autonomy; make reasonable decisions yourself.
- Check the group chat for the lead's plan before starting (group_read).
- Coordinate with teammates over DMs when your work overlaps theirs.
- When done, post a summary of what you did and its outcome to the group
  chat, then reply here with your final result.
`)
	return b.String()
}

// MissionFixPrompt asks the lead for fix assignments after a failed
// verification. The response must be a JSON array of {agentId, task}.
func MissionFixPrompt(objective, failureOutput string, workerIDs []string) string {
	var b strings.Builder
	b.WriteString("Verification for the mission failed.\n\n## Objective\n\n")
	b.WriteString(objective)
	b.WriteString("\n\n## Verification output\n\n```\n")
	b.WriteString(failureOutput)
	b.WriteString("\n```\n\n## Available workers\n\n")
	for _, id := range workerIDs {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	b.WriteString(`
Decide which workers should fix what. Respond with ONLY a JSON array of
assignments, nothing else:

[{"agentId": "<worker-id>", "task": "<what to fix>"}]

Return [] if no fixes are needed.
`)
	return b.String()
}

// WorkerOutcome is one worker's terminal result for the compilation prompt.
type WorkerOutcome struct {
	AgentID string
	Status  string
	Output  string
}

// MissionCompilationPrompt asks the lead to compile the final report.
func MissionCompilationPrompt(objective string, outcomes []WorkerOutcome, verifySummary string) string {
	var b strings.Builder
	b.WriteString("The mission is wrapping up. Compile the final report.\n\n## Objective\n\n")
	b.WriteString(objective)
	b.WriteString("\n\n## Worker outcomes\n\n")
	for _, o := range outcomes {
		fmt.Fprintf(&b, "### %s (%s)\n\n%s\n\n", o.AgentID, o.Status, o.Output)
	}
	if verifySummary != "" {
		b.WriteString("## Verification\n\n")
		b.WriteString(verifySummary)
		b.WriteString("\n\n")
	}
	b.WriteString(`Write a concise final report: what was accomplished, what failed or
remains open, and anything the operator should know. Respond with the
report text only.
`)
	return b.String()
}

// TaskPrompt is the text sent to an agent when its task starts.
func TaskPrompt(task state.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New task %s assigned to you.\n\n## Description\n\n%s\n", task.ID, task.Description)
	if len(task.Prereqs) > 0 {
		b.WriteString("\nPrerequisite tasks (all completed): " + strings.Join(task.Prereqs, ", ") + "\n")
	}
	b.WriteString("\nWork the task to completion and reply here with the result.\n")
	return b.String()
}

// SteerPrompt is the redirect sent to each steered agent after its current
// call is aborted.
func SteerPrompt(directive string) string {
	return fmt.Sprintf(`Direction change. Your previous instructions are superseded.

## New directive

%s

Read the group chat now (group_read) for the orchestrator's announcement and
any context from teammates, then proceed with the new directive.
`, directive)
}

// SteerAnnouncement is the group-chat message posted when a team is steered.
func SteerAnnouncement(directive string) string {
	return fmt.Sprintf("Direction change: %s", directive)
}
