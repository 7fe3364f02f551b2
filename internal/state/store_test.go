package state

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/errkind"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(Options{DefaultModel: "gpt-5.3-codex", DefaultWorkDir: "/tmp"}, logger.Default())
}

func TestCreateTeamAppliesDefaults(t *testing.T) {
	s := newTestStore(t)

	team, err := s.CreateTeam("alpha", []AgentConfig{
		{Role: "lead", Lead: true},
		{Role: "dev"},
	})
	require.NoError(t, err)
	require.Len(t, team.Agents, 2)

	lead := team.Agents[0]
	assert.True(t, strings.HasPrefix(lead.ID, "lead-"))
	assert.Equal(t, "gpt-5.3-codex", lead.Model)
	assert.Equal(t, SandboxWorkspaceWrite, lead.Sandbox)
	assert.Equal(t, ApprovalNever, lead.Approval)
	assert.Equal(t, ReasoningXHigh, lead.Reasoning)
	assert.Equal(t, "/tmp", lead.WorkDir)
	assert.Equal(t, AgentIdle, lead.Status)

	dev := team.Agents[1]
	assert.Equal(t, ReasoningHigh, dev.Reasoning)
	assert.False(t, dev.Lead)
}

func TestCreateTeamValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateTeam("", []AgentConfig{{Role: "dev"}})
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))

	_, err = s.CreateTeam("empty", nil)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
}

func TestAgentIDUniqueness(t *testing.T) {
	s := newTestStore(t)
	team, err := s.CreateTeam("uniq", []AgentConfig{{Role: "dev"}})
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	seen := map[string]bool{team.Agents[0].ID: true}
	properties.Property("every added agent gets a distinct id", prop.ForAll(
		func(role string) bool {
			a, err := s.AddAgent(team.ID, AgentConfig{Role: role})
			if err != nil {
				return false
			}
			if seen[a.ID] {
				return false
			}
			seen[a.ID] = true
			return true
		},
		gen.OneConstOf("dev", "qa", "docs", "ops"),
	))
	properties.TestingRun(t)
}

func TestRemoveAgentBusyChecks(t *testing.T) {
	s := newTestStore(t)
	team, err := s.CreateTeam("beta", []AgentConfig{{Role: "dev"}, {Role: "qa"}})
	require.NoError(t, err)
	dev, qa := team.Agents[0], team.Agents[1]

	s.SetAgentStatus(dev.ID, AgentWorking, "")
	err = s.RemoveAgent(team.ID, dev.ID)
	assert.True(t, errkind.Is(err, errkind.Busy))

	task, err := s.CreateTask(team.ID, qa.ID, "verify build", nil)
	require.NoError(t, err)
	err = s.RemoveAgent(team.ID, qa.ID)
	assert.True(t, errkind.Is(err, errkind.Busy))

	// Completing the task releases the agent.
	_, _, err = s.CompleteTask(team.ID, task.ID, "done")
	require.NoError(t, err)
	require.NoError(t, s.RemoveAgent(team.ID, qa.ID))

	s.SetAgentStatus(dev.ID, AgentIdle, "")
	require.NoError(t, s.RemoveAgent(team.ID, dev.ID))
}

func TestRemoveAgentAfterDissolveIsNotFound(t *testing.T) {
	s := newTestStore(t)
	team, err := s.CreateTeam("gone", []AgentConfig{{Role: "dev"}})
	require.NoError(t, err)
	agentID := team.Agents[0].ID

	_, err = s.DissolveTeam(team.ID)
	require.NoError(t, err)

	err = s.RemoveAgent(team.ID, agentID)
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	team, err := s.CreateTeam("tasks", []AgentConfig{{Role: "dev"}})
	require.NoError(t, err)
	dev := team.Agents[0]

	task, err := s.CreateTask(team.ID, dev.ID, "build the thing", nil)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)

	require.NoError(t, s.StartTask(team.ID, task.ID))
	err = s.StartTask(team.ID, task.ID)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument), "double start must fail")

	require.NoError(t, s.RevertTask(team.ID, task.ID))
	got, err := s.Task(team.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)

	require.NoError(t, s.StartTask(team.ID, task.ID))
	done, _, err := s.CompleteTask(team.ID, task.ID, "built")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, done.Status)
	assert.Equal(t, "built", done.Result)
	assert.False(t, done.CompletedAt.IsZero())

	// No regression from completed.
	require.Error(t, s.RevertTask(team.ID, task.ID))
	_, _, err = s.CompleteTask(team.ID, task.ID, "again")
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
}

func TestCreateTaskValidatesPrereqsAndAssignee(t *testing.T) {
	s := newTestStore(t)
	team, err := s.CreateTeam("val", []AgentConfig{{Role: "dev"}})
	require.NoError(t, err)

	_, err = s.CreateTask(team.ID, "ghost", "x", nil)
	assert.True(t, errkind.Is(err, errkind.NotFound))

	_, err = s.CreateTask(team.ID, team.Agents[0].ID, "x", []string{"task-missing"})
	assert.True(t, errkind.Is(err, errkind.NotFound))

	_, err = s.CreateTask("team-missing", team.Agents[0].ID, "x", nil)
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

// Diamond: root -> {left, right} -> join. Completing root unblocks left and
// right; join unblocks only after both arms complete.
func TestCompleteTaskDiamondClosure(t *testing.T) {
	s := newTestStore(t)
	team, err := s.CreateTeam("diamond", []AgentConfig{{Role: "a"}, {Role: "b"}, {Role: "c"}, {Role: "d"}})
	require.NoError(t, err)
	ids := func(i int) string { return team.Agents[i].ID }

	root, err := s.CreateTask(team.ID, ids(0), "root", nil)
	require.NoError(t, err)
	left, err := s.CreateTask(team.ID, ids(1), "left", []string{root.ID})
	require.NoError(t, err)
	right, err := s.CreateTask(team.ID, ids(2), "right", []string{root.ID})
	require.NoError(t, err)
	join, err := s.CreateTask(team.ID, ids(3), "join", []string{left.ID, right.ID})
	require.NoError(t, err)

	_, unblocked, err := s.CompleteTask(team.ID, root.ID, "R")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{left.ID, right.ID}, unblocked)

	_, unblocked, err = s.CompleteTask(team.ID, left.ID, "L")
	require.NoError(t, err)
	assert.Empty(t, unblocked, "join still blocked on right")

	_, unblocked, err = s.CompleteTask(team.ID, right.ID, "R2")
	require.NoError(t, err)
	assert.Equal(t, []string{join.ID}, unblocked)
}

func TestCompleteTaskSkipsStartedDependents(t *testing.T) {
	s := newTestStore(t)
	team, err := s.CreateTeam("started", []AgentConfig{{Role: "a"}, {Role: "b"}})
	require.NoError(t, err)

	root, err := s.CreateTask(team.ID, team.Agents[0].ID, "root", nil)
	require.NoError(t, err)
	dep, err := s.CreateTask(team.ID, team.Agents[1].ID, "dep", []string{root.ID})
	require.NoError(t, err)

	// Force the dependent in-progress before the prerequisite completes.
	require.NoError(t, s.StartTask(team.ID, dep.ID))

	_, unblocked, err := s.CompleteTask(team.ID, root.ID, "R")
	require.NoError(t, err)
	assert.Empty(t, unblocked, "in-progress dependents are not returned")
}

func TestFindAgentAndDissolve(t *testing.T) {
	s := newTestStore(t)
	team, err := s.CreateTeam("find", []AgentConfig{{Role: "dev"}, {Role: "qa"}})
	require.NoError(t, err)

	teamID, agent, err := s.FindAgent(team.Agents[1].ID)
	require.NoError(t, err)
	assert.Equal(t, team.ID, teamID)
	assert.Equal(t, "qa", agent.Role)

	removed, err := s.DissolveTeam(team.ID)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	_, _, err = s.FindAgent(team.Agents[0].ID)
	assert.True(t, errkind.Is(err, errkind.NotFound))
	_, err = s.Team(team.ID)
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

func TestContinuationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	team, err := s.CreateTeam("cont", []AgentConfig{{Role: "dev"}})
	require.NoError(t, err)
	id := team.Agents[0].ID

	_, ok := s.Continuation(id)
	assert.False(t, ok)

	s.SetContinuation(id, "thread-123")
	h, ok := s.Continuation(id)
	assert.True(t, ok)
	assert.Equal(t, "thread-123", h)

	s.SetContinuation(id, "")
	_, ok = s.Continuation(id)
	assert.False(t, ok)
}
