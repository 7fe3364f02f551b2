package mission

import (
	"context"
	"time"

	"github.com/crewmux/crewmux/internal/bus"
	"github.com/crewmux/crewmux/internal/errkind"
)

// Status is the operator-visible view of a mission.
type Status struct {
	ID        string          `json:"id"`
	Objective string          `json:"objective"`
	TeamID    string          `json:"team_id"`
	Phase     Phase           `json:"phase"`
	LeadID    string          `json:"lead_id"`
	WorkerIDs []string        `json:"worker_ids"`
	Results   []WorkerResult  `json:"results,omitempty"`
	VerifyLog []VerifyAttempt `json:"verify_log,omitempty"`
	Report    string          `json:"report,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (e *Engine) get(id string) (*mission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.missions[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "mission %s not found", id)
	}
	return m, nil
}

// MissionStatus returns a snapshot of the mission's progress.
func (e *Engine) MissionStatus(id string) (Status, error) {
	m, err := e.get(id)
	if err != nil {
		return Status{}, err
	}
	return m.status(), nil
}

func (m *mission) status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		ID:        m.id,
		Objective: m.objective,
		TeamID:    m.teamID,
		Phase:     m.phase,
		LeadID:    m.leadID,
		WorkerIDs: append([]string(nil), m.workerIDs...),
		VerifyLog: append([]VerifyAttempt(nil), m.verifyLog...),
		Report:    m.report,
		Error:     m.errMsg,
	}
	for _, id := range m.workerIDs {
		if r, ok := m.results[id]; ok {
			st.Results = append(st.Results, r)
		}
	}
	return st
}

// AwaitResult is what await_mission returns on terminal entry.
type AwaitResult struct {
	Phase  Phase  `json:"phase"`
	Report string `json:"report,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AwaitMission blocks until the mission reaches a terminal phase, polling.
// On terminal it returns the report and error and deletes the record. Zero
// poll and timeout take the configured defaults.
func (e *Engine) AwaitMission(ctx context.Context, id string, poll, timeout time.Duration) (AwaitResult, error) {
	if poll <= 0 {
		poll = time.Duration(e.cfg.AwaitPollSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.AwaitTimeoutMinutes) * time.Minute
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		m, err := e.get(id)
		if err != nil {
			return AwaitResult{}, err
		}
		if m.currentPhase().Terminal() {
			st := m.status()
			e.remove(id)
			return AwaitResult{Phase: st.Phase, Report: st.Report, Error: st.Error}, nil
		}

		select {
		case <-tick.C:
		case <-deadline.C:
			return AwaitResult{}, errkind.New(errkind.Timeout, "mission %s did not reach a terminal phase within %s", id, timeout)
		case <-ctx.Done():
			return AwaitResult{}, errkind.Wrap(errkind.Canceled, ctx.Err(), "await canceled")
		}
	}
}

// remove deletes a mission record and stops its eviction timer.
func (e *Engine) remove(id string) {
	e.mu.Lock()
	m, ok := e.missions[id]
	delete(e.missions, id)
	e.mu.Unlock()
	if ok {
		m.mu.Lock()
		if m.evict != nil {
			m.evict.Stop()
		}
		m.mu.Unlock()
	}
}

// MissionComms returns the snapshot captured at terminal entry. Before the
// mission is terminal it fails not_ready; after eviction, not_found.
func (e *Engine) MissionComms(id string) (bus.CommsSnapshot, error) {
	m, err := e.get(id)
	if err != nil {
		return bus.CommsSnapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.phase.Terminal() || m.snapshot == nil {
		return bus.CommsSnapshot{}, errkind.New(errkind.NotReady, "mission %s is %s; comms snapshot is captured at terminal entry", id, m.phase)
	}
	return *m.snapshot, nil
}

// TeamComms is the live view of a still-existing team's channels.
func (e *Engine) TeamComms(teamID string) (bus.CommsSnapshot, error) {
	team, err := e.store.Team(teamID)
	if err != nil {
		return bus.CommsSnapshot{}, err
	}
	ids := make([]string, 0, len(team.Agents))
	for _, a := range team.Agents {
		ids = append(ids, a.ID)
	}
	return e.bus.SnapshotTeam(teamID, ids), nil
}
