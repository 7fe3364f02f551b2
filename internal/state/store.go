package state

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/errkind"
)

// Store is the process-wide registry of teams, agents, and tasks.
// A single coarse lock protects the team map; every operation is short.
type Store struct {
	mu    sync.RWMutex
	teams map[string]*team
	// agentTeam indexes agent id -> team id for cross-team lookups
	// (adapter status updates, comms session resolution).
	agentTeam map[string]string

	defaultModel   string
	defaultWorkDir string
	log            *logger.Logger
}

type team struct {
	id        string
	name      string
	createdAt time.Time
	agents    map[string]*Agent
	order     []string // agent ids in creation order, for stable rosters
	tasks     map[string]*Task
	taskOrder []string
}

// Options configures a Store.
type Options struct {
	// DefaultModel is applied to agent configs without an explicit model.
	DefaultModel string
	// DefaultWorkDir is applied to agent configs without a working directory.
	// Empty means the current process working directory.
	DefaultWorkDir string
}

// NewStore creates an empty Store.
func NewStore(opts Options, log *logger.Logger) *Store {
	if opts.DefaultWorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.DefaultWorkDir = wd
		}
	}
	return &Store{
		teams:          make(map[string]*team),
		agentTeam:      make(map[string]string),
		defaultModel:   opts.DefaultModel,
		defaultWorkDir: opts.DefaultWorkDir,
		log:            log.WithFields(zap.String("component", "state")),
	}
}

// CreateTeam constructs a team with one agent per config, defaults applied.
func (s *Store) CreateTeam(name string, configs []AgentConfig) (Team, error) {
	if name == "" {
		return Team{}, errkind.New(errkind.InvalidArgument, "team name is required")
	}
	if len(configs) == 0 {
		return Team{}, errkind.New(errkind.InvalidArgument, "at least one agent config is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &team{
		id:        "team-" + uuid.NewString()[:8],
		name:      name,
		createdAt: time.Now(),
		agents:    make(map[string]*Agent),
		tasks:     make(map[string]*Task),
	}
	for _, cfg := range configs {
		a := s.newAgentLocked(t, cfg)
		t.agents[a.ID] = a
		t.order = append(t.order, a.ID)
		s.agentTeam[a.ID] = t.id
	}
	s.teams[t.id] = t

	s.log.Info("team created",
		zap.String("team_id", t.id),
		zap.String("name", name),
		zap.Int("agents", len(t.agents)))
	return snapshotTeam(t), nil
}

func (s *Store) newAgentLocked(t *team, cfg AgentConfig) *Agent {
	cfg = cfg.withDefaults(s.defaultModel, s.defaultWorkDir)
	id := newAgentID(cfg.Role)
	for {
		if _, taken := t.agents[id]; !taken {
			if _, taken := s.agentTeam[id]; !taken {
				break
			}
		}
		id = newAgentID(cfg.Role)
	}
	return &Agent{
		ID:             id,
		Role:           cfg.Role,
		Specialization: cfg.Specialization,
		Model:          cfg.Model,
		Sandbox:        cfg.Sandbox,
		Approval:       cfg.Approval,
		Reasoning:      cfg.Reasoning,
		Lead:           cfg.Lead,
		WorkDir:        cfg.WorkDir,
		Addendum:       cfg.Addendum,
		Status:         AgentIdle,
	}
}

// AddAgent creates one agent on an existing team.
func (s *Store) AddAgent(teamID string, cfg AgentConfig) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return Agent{}, errkind.New(errkind.NotFound, "team %s not found", teamID)
	}
	a := s.newAgentLocked(t, cfg)
	t.agents[a.ID] = a
	t.order = append(t.order, a.ID)
	s.agentTeam[a.ID] = t.id
	s.log.Info("agent added", zap.String("team_id", teamID), zap.String("agent_id", a.ID))
	return snapshotAgent(a), nil
}

// RemoveAgent removes an agent. Fails busy if the agent is working or
// still owns tasks.
func (s *Store) RemoveAgent(teamID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return errkind.New(errkind.NotFound, "team %s not found", teamID)
	}
	a, ok := t.agents[agentID]
	if !ok {
		return errkind.New(errkind.NotFound, "agent %s not found in team %s", agentID, teamID)
	}
	if a.Status == AgentWorking {
		return errkind.New(errkind.Busy, "agent %s is currently working", agentID)
	}
	if len(a.TaskIDs) > 0 {
		return errkind.New(errkind.Busy, "agent %s owns %d task(s)", agentID, len(a.TaskIDs))
	}
	delete(t.agents, agentID)
	delete(s.agentTeam, agentID)
	for i, id := range t.order {
		if id == agentID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	s.log.Info("agent removed", zap.String("team_id", teamID), zap.String("agent_id", agentID))
	return nil
}

// Team returns a snapshot of the team.
func (s *Store) Team(teamID string) (Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[teamID]
	if !ok {
		return Team{}, errkind.New(errkind.NotFound, "team %s not found", teamID)
	}
	return snapshotTeam(t), nil
}

// Teams returns snapshots of every team, ordered by creation time.
func (s *Store) Teams() []Team {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Team, 0, len(s.teams))
	for _, t := range s.teams {
		out = append(out, snapshotTeam(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Agent returns a snapshot of one agent on a team.
func (s *Store) Agent(teamID, agentID string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.agentLocked(teamID, agentID)
	if err != nil {
		return Agent{}, err
	}
	return snapshotAgent(a), nil
}

// FindAgent resolves an agent id to its team and snapshot without knowing
// the team in advance.
func (s *Store) FindAgent(agentID string) (string, Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	teamID, ok := s.agentTeam[agentID]
	if !ok {
		return "", Agent{}, errkind.New(errkind.NotFound, "agent %s not found", agentID)
	}
	a := s.teams[teamID].agents[agentID]
	return teamID, snapshotAgent(a), nil
}

func (s *Store) agentLocked(teamID, agentID string) (*Agent, error) {
	t, ok := s.teams[teamID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "team %s not found", teamID)
	}
	a, ok := t.agents[agentID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "agent %s not found in team %s", agentID, teamID)
	}
	return a, nil
}

// SetAgentStatus updates the runtime status and last output of an agent.
// Unknown agents are ignored; the adapter may report on agents whose team
// was dissolved mid-call.
func (s *Store) SetAgentStatus(agentID string, status AgentStatus, lastOutput string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	teamID, ok := s.agentTeam[agentID]
	if !ok {
		return
	}
	a := s.teams[teamID].agents[agentID]
	a.Status = status
	if lastOutput != "" {
		a.LastOutput = lastOutput
	}
}

// Continuation returns the agent's downstream continuation handle.
func (s *Store) Continuation(agentID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	teamID, ok := s.agentTeam[agentID]
	if !ok {
		return "", false
	}
	h := s.teams[teamID].agents[agentID].Continuation
	return h, h != ""
}

// SetContinuation records the downstream continuation handle for an agent.
// An empty handle forgets the continuation so the next call starts fresh.
func (s *Store) SetContinuation(agentID, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	teamID, ok := s.agentTeam[agentID]
	if !ok {
		return
	}
	s.teams[teamID].agents[agentID].Continuation = handle
}

// CreateTask creates a task on a team. Prerequisites must belong to the
// same team.
func (s *Store) CreateTask(teamID, assigneeID, description string, prereqs []string) (Task, error) {
	if description == "" {
		return Task{}, errkind.New(errkind.InvalidArgument, "task description is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return Task{}, errkind.New(errkind.NotFound, "team %s not found", teamID)
	}
	a, ok := t.agents[assigneeID]
	if !ok {
		return Task{}, errkind.New(errkind.NotFound, "agent %s not found in team %s", assigneeID, teamID)
	}
	for _, p := range prereqs {
		if _, ok := t.tasks[p]; !ok {
			return Task{}, errkind.New(errkind.NotFound, "prerequisite task %s not found in team %s", p, teamID)
		}
	}

	task := &Task{
		ID:          "task-" + uuid.NewString()[:8],
		Description: description,
		Status:      TaskPending,
		AssigneeID:  assigneeID,
		Prereqs:     append([]string(nil), prereqs...),
		CreatedAt:   time.Now(),
	}
	t.tasks[task.ID] = task
	t.taskOrder = append(t.taskOrder, task.ID)
	a.TaskIDs = append(a.TaskIDs, task.ID)
	return snapshotTask(task), nil
}

// Task returns a snapshot of one task.
func (s *Store) Task(teamID, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[teamID]
	if !ok {
		return Task{}, errkind.New(errkind.NotFound, "team %s not found", teamID)
	}
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, errkind.New(errkind.NotFound, "task %s not found in team %s", taskID, teamID)
	}
	return snapshotTask(task), nil
}

// StartTask transitions a pending task to in-progress.
func (s *Store) StartTask(teamID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.taskLocked(teamID, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskPending {
		return errkind.New(errkind.InvalidArgument, "task %s is %s, not pending", taskID, task.Status)
	}
	task.Status = TaskInProgress
	return nil
}

// RevertTask returns an in-progress task to pending. Used only when the
// auto-start adapter call fails synchronously.
func (s *Store) RevertTask(teamID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.taskLocked(teamID, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskInProgress {
		return errkind.New(errkind.InvalidArgument, "task %s is %s, not in-progress", taskID, task.Status)
	}
	task.Status = TaskPending
	return nil
}

// CompleteTask marks a task completed, records the result, releases it from
// its assignee, and returns the ids of tasks that this completion unblocked:
// still-pending tasks depending on it whose prerequisites are now all
// completed.
func (s *Store) CompleteTask(teamID, taskID, result string) (Task, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return Task{}, nil, errkind.New(errkind.NotFound, "team %s not found", teamID)
	}
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, nil, errkind.New(errkind.NotFound, "task %s not found in team %s", taskID, teamID)
	}
	if task.Status == TaskCompleted {
		return Task{}, nil, errkind.New(errkind.InvalidArgument, "task %s is already completed", taskID)
	}
	task.Status = TaskCompleted
	task.Result = result
	task.CompletedAt = time.Now()

	if a, ok := t.agents[task.AssigneeID]; ok {
		for i, id := range a.TaskIDs {
			if id == taskID {
				a.TaskIDs = append(a.TaskIDs[:i], a.TaskIDs[i+1:]...)
				break
			}
		}
	}

	var unblocked []string
	for _, id := range t.taskOrder {
		cand := t.tasks[id]
		if cand.Status != TaskPending {
			continue
		}
		depends := false
		ready := true
		for _, p := range cand.Prereqs {
			if p == taskID {
				depends = true
			}
			if pre, ok := t.tasks[p]; !ok || pre.Status != TaskCompleted {
				ready = false
			}
		}
		if depends && ready {
			unblocked = append(unblocked, id)
		}
	}
	return snapshotTask(task), unblocked, nil
}

func (s *Store) taskLocked(teamID, taskID string) (*Task, error) {
	t, ok := s.teams[teamID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "team %s not found", teamID)
	}
	task, ok := t.tasks[taskID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "task %s not found in team %s", taskID, teamID)
	}
	return task, nil
}

// DissolveTeam destroys the team with its agents and tasks, and returns the
// removed agent ids so the caller can purge bus channels.
func (s *Store) DissolveTeam(teamID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "team %s not found", teamID)
	}
	ids := append([]string(nil), t.order...)
	for _, id := range ids {
		delete(s.agentTeam, id)
	}
	delete(s.teams, teamID)
	s.log.Info("team dissolved", zap.String("team_id", teamID), zap.Int("agents", len(ids)))
	return ids, nil
}

func snapshotAgent(a *Agent) Agent {
	cp := *a
	cp.TaskIDs = append([]string(nil), a.TaskIDs...)
	return cp
}

func snapshotTask(t *Task) Task {
	cp := *t
	cp.Prereqs = append([]string(nil), t.Prereqs...)
	return cp
}

func snapshotTeam(t *team) Team {
	out := Team{
		ID:        t.id,
		Name:      t.name,
		CreatedAt: t.createdAt,
		Agents:    make([]Agent, 0, len(t.order)),
		Tasks:     make([]Task, 0, len(t.taskOrder)),
	}
	for _, id := range t.order {
		out.Agents = append(out.Agents, snapshotAgent(t.agents[id]))
	}
	for _, id := range t.taskOrder {
		out.Tasks = append(out.Tasks, snapshotTask(t.tasks[id]))
	}
	return out
}
