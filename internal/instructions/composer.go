// Package instructions builds the per-agent system prompts: the base
// instructions handed to the downstream session on thread start, and the
// prompt templates used by missions and steering.
//
// Compose is a pure function of its input; equal inputs render identical
// strings.
package instructions

import (
	"fmt"
	"strings"

	"github.com/crewmux/crewmux/internal/state"
)

// ComposeInput is everything Compose needs. OtherTeams is only rendered for
// leads; pass the rosters of every team except the agent's own.
type ComposeInput struct {
	Agent      state.Agent
	Team       state.Team
	TeamFound  bool
	OtherTeams []state.Team
}

// Compose renders the base instructions for one agent. When the agent's
// team is not found only the bare addendum is returned.
func Compose(in ComposeInput) string {
	if !in.TeamFound {
		return in.Agent.Addendum
	}

	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a %s agent", in.Agent.ID, in.Agent.Role)
	if in.Agent.Specialization != "" {
		fmt.Fprintf(&b, " specialized in %s", in.Agent.Specialization)
	}
	fmt.Fprintf(&b, " on team %q.\n", in.Team.Name)
	if in.Agent.Lead {
		b.WriteString("You are the team lead.\n")
	}

	b.WriteString("\n## Your team\n\n")
	for _, a := range in.Team.Agents {
		marker := ""
		if a.ID == in.Agent.ID {
			marker = " (you)"
		}
		lead := ""
		if a.Lead {
			lead = " [lead]"
		}
		spec := ""
		if a.Specialization != "" {
			spec = " - " + a.Specialization
		}
		fmt.Fprintf(&b, "- %s%s%s: %s%s\n", a.ID, marker, lead, a.Role, spec)
	}

	if in.Agent.Lead && len(in.OtherTeams) > 0 {
		b.WriteString("\n## Other teams\n\n")
		for _, t := range in.OtherTeams {
			fmt.Fprintf(&b, "- %q:", t.Name)
			for _, a := range t.Agents {
				lead := ""
				if a.Lead {
					lead = " [lead]"
				}
				fmt.Fprintf(&b, " %s (%s)%s", a.ID, a.Role, lead)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n" + toolGuide(in.Agent.Lead))
	b.WriteString("\n" + policyText(in.Agent.Lead))

	if in.Agent.Addendum != "" {
		b.WriteString("\n## Additional instructions\n\n")
		b.WriteString(in.Agent.Addendum)
		b.WriteString("\n")
	}

	return b.String()
}

// toolGuide enumerates the comms service surface available to the agent.
func toolGuide(isLead bool) string {
	var b strings.Builder
	b.WriteString(`## Team communication tools

Your MCP "crew" server connects you to your team. Available tools:

- group_post text='...'            -- post to the team group chat
- group_read                       -- read unread group messages (your own posts are never returned)
- group_peek                       -- count unread group messages
- dm_send to='<agent-id>' text='...' -- direct-message a teammate
- dm_read [from='<agent-id>']      -- read unread DMs, optionally from one sender only
- dm_peek                          -- count unread DMs
- share text='...'                 -- append to the team's shared artifact log
- get_shared                       -- read the full shared artifact log
- get_team_context                 -- your team roster and other teams' public rosters
- wait [timeout_ms=N]              -- block until new messages arrive or your team dissolves
`)
	if isLead {
		b.WriteString(`- lead_post text='...'             -- post to the cross-team lead channel (leads only)
- lead_read / lead_peek            -- read or count unread lead-channel messages
`)
	}
	return b.String()
}

// policyText is the behavioural policy embedded in every composed prompt.
func policyText(isLead bool) string {
	var b strings.Builder
	b.WriteString(`## Working agreements

- Communicate through the crew tools; teammates cannot see your local work otherwise.
- Prefer wait over polling: call wait to block until something relevant arrives.
- When you finish a piece of work, post a concise summary to the group chat
  and share durable outputs (file paths, results) via share.
- Stay within your role; hand work that belongs to a teammate over via dm_send.
`)
	if isLead {
		b.WriteString(`- As lead you coordinate: break down work, assign it, track progress, and
  compile results. Use the lead channel for cross-team coordination.
`)
	}
	return b.String()
}
