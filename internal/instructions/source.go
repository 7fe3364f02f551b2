package instructions

import (
	"github.com/crewmux/crewmux/internal/state"
)

// Source renders base instructions from live store state. It satisfies the
// adapter's InstructionSource.
type Source struct {
	store *state.Store
}

// NewSource creates a Source over the store.
func NewSource(store *state.Store) *Source {
	return &Source{store: store}
}

// BaseInstructions composes the system prompt for an agent's first downstream
// call. An unknown agent yields an empty prompt rather than an error; the
// downstream call itself will surface the missing agent.
func (s *Source) BaseInstructions(agentID string) string {
	teamID, agent, err := s.store.FindAgent(agentID)
	if err != nil {
		return ""
	}
	team, err := s.store.Team(teamID)
	if err != nil {
		return Compose(ComposeInput{Agent: agent})
	}

	var others []state.Team
	if agent.Lead {
		for _, t := range s.store.Teams() {
			if t.ID != teamID {
				others = append(others, t)
			}
		}
	}
	return Compose(ComposeInput{
		Agent:      agent,
		Team:       team,
		TeamFound:  true,
		OtherTeams: others,
	})
}
