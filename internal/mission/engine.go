// Package mission implements the asynchronous mission engine: a lead and
// workers execute an objective concurrently, an optional shell command
// verifies the result with a bounded fix-retry loop, and the lead compiles a
// final report. Terminal missions keep a comms snapshot for a retention
// window, then evict.
package mission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/bus"
	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/errkind"
	"github.com/crewmux/crewmux/internal/state"
)

// Phase is a mission's lifecycle phase.
type Phase string

const (
	PhaseExecuting Phase = "executing"
	PhaseVerifying Phase = "verifying"
	PhaseFixing    Phase = "fixing"
	PhaseReviewing Phase = "reviewing"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// TeamSpec describes one mission agent. Exactly one spec must set Lead.
type TeamSpec struct {
	Role           string `json:"role"`
	Specialization string `json:"specialization,omitempty"`
	Model          string `json:"model,omitempty"`
	Lead           bool   `json:"lead,omitempty"`
	Task           string `json:"task,omitempty"`
}

// WorkerResult is one worker's latest outcome; fixes overwrite it.
type WorkerResult struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"` // success | error
	Output  string `json:"output"`
}

// VerifyAttempt is one verification run.
type VerifyAttempt struct {
	Attempt int    `json:"attempt"`
	Passed  bool   `json:"passed"`
	Output  string `json:"output"`
}

// AgentCaller is the slice of the adapter the engine drives.
type AgentCaller interface {
	Send(ctx context.Context, agentID, text string) (string, error)
	Track(fn func())
}

// SessionDropper revokes comms identity tokens for dissolved agents.
type SessionDropper interface {
	DropAgents(agentIDs []string)
}

// VerifyFunc runs a verification command in dir and reports its captured
// output and pass/fail. Injectable for tests.
type VerifyFunc func(ctx context.Context, dir, command string) (string, bool)

// mission is one mission's mutable record. All fields behind mu.
type mission struct {
	mu sync.Mutex

	id         string
	objective  string
	teamID     string
	workDir    string
	phase      Phase
	leadID     string
	workerIDs  []string
	taskByID   map[string]string
	results    map[string]WorkerResult
	verifyCmd  string
	maxRetries int
	verifyLog  []VerifyAttempt
	report     string
	errMsg     string
	snapshot   *bus.CommsSnapshot
	evict      *time.Timer
}

// Engine runs missions and answers operator queries about them.
type Engine struct {
	store  *state.Store
	bus    *bus.Bus
	caller AgentCaller
	comms  SessionDropper
	cfg    config.MissionConfig
	verify VerifyFunc

	mu       sync.Mutex
	missions map[string]*mission

	log *logger.Logger
}

// New creates an Engine with the shell verify runner.
func New(store *state.Store, b *bus.Bus, caller AgentCaller, comms SessionDropper, cfg config.MissionConfig, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		bus:      b,
		caller:   caller,
		comms:    comms,
		cfg:      cfg,
		verify:   runShellVerify,
		missions: make(map[string]*mission),
		log:      log.WithFields(zap.String("component", "mission")),
	}
}

// Launch validates the specs, creates the mission team, and starts the
// phase machine in the background. Returns the mission id immediately.
func (e *Engine) Launch(objective, workDir string, specs []TeamSpec, verifyCmd string, maxRetries int) (string, error) {
	if objective == "" {
		return "", errkind.New(errkind.InvalidArgument, "mission objective is required")
	}
	leads := 0
	for _, sp := range specs {
		if sp.Lead {
			leads++
		}
	}
	if leads != 1 {
		return "", errkind.New(errkind.InvalidArgument, "mission needs exactly one lead spec, got %d", leads)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	id := "mission-" + uuid.NewString()[:8]

	configs := make([]state.AgentConfig, len(specs))
	for i, sp := range specs {
		configs[i] = state.AgentConfig{
			Role:           sp.Role,
			Specialization: sp.Specialization,
			Model:          sp.Model,
			Lead:           sp.Lead,
			WorkDir:        workDir,
		}
	}
	team, err := e.store.CreateTeam(id, configs)
	if err != nil {
		return "", err
	}

	m := &mission{
		id:         id,
		objective:  objective,
		teamID:     team.ID,
		workDir:    workDir,
		phase:      PhaseExecuting,
		taskByID:   make(map[string]string),
		results:    make(map[string]WorkerResult),
		verifyCmd:  verifyCmd,
		maxRetries: maxRetries,
	}
	// Agents are created in spec order; pair ids with spec tasks.
	for i, a := range team.Agents {
		if a.Lead {
			m.leadID = a.ID
			continue
		}
		m.workerIDs = append(m.workerIDs, a.ID)
		m.taskByID[a.ID] = specs[i].Task
	}

	e.mu.Lock()
	e.missions[id] = m
	e.mu.Unlock()

	e.log.Info("mission launched",
		zap.String("mission_id", id),
		zap.String("team_id", team.ID),
		zap.String("lead_id", m.leadID),
		zap.Int("workers", len(m.workerIDs)))

	e.caller.Track(func() { e.run(m) })
	return id, nil
}

func (m *mission) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *mission) currentPhase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *mission) setResult(agentID string, r WorkerResult) {
	m.mu.Lock()
	m.results[agentID] = r
	m.mu.Unlock()
}
