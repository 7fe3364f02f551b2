package mcpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/crewmux/crewmux/internal/mission"
	"github.com/crewmux/crewmux/internal/orchestrator"
	"github.com/crewmux/crewmux/internal/state"
)

// agentSpec is the operator-facing shape of one agent config.
type agentSpec struct {
	Role           string `json:"role"`
	Specialization string `json:"specialization,omitempty"`
	Model          string `json:"model,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
	Approval       string `json:"approval_policy,omitempty"`
	Reasoning      string `json:"reasoning_effort,omitempty"`
	Lead           bool   `json:"lead,omitempty"`
	WorkDir        string `json:"work_dir,omitempty"`
	Addendum       string `json:"addendum,omitempty"`
	Task           string `json:"task,omitempty"`
}

func (a agentSpec) toConfig() state.AgentConfig {
	return state.AgentConfig{
		Role:           a.Role,
		Specialization: a.Specialization,
		Model:          a.Model,
		Sandbox:        state.SandboxMode(a.Sandbox),
		Approval:       state.ApprovalPolicy(a.Approval),
		Reasoning:      state.ReasoningEffort(a.Reasoning),
		Lead:           a.Lead,
		WorkDir:        a.WorkDir,
		Addendum:       a.Addendum,
	}
}

// decodeArg re-marshals one structured argument into a typed value. Absent
// arguments leave the zero value.
func decodeArg[T any](req mcp.CallToolRequest, key string) (T, error) {
	var out T
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return out, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

func jsonResult(v any) *mcp.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data))
}

func errResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("create_team",
			mcp.WithDescription("Create a team of agents. Each agent spec: {role, specialization?, model?, sandbox?, approval_policy?, reasoning_effort?, lead?, work_dir?, addendum?}."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Team display name")),
			mcp.WithArray("agents", mcp.Required(), mcp.Description("Agent specs")),
		),
		s.createTeamHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("dissolve_team",
			mcp.WithDescription("Destroy a team: cancels in-flight calls, removes agents, tasks, and channels. Waiting agents wake with dissolved=true."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
		),
		s.dissolveTeamHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("add_agent",
			mcp.WithDescription("Add one agent to an existing team."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("role", mcp.Required(), mcp.Description("Agent role")),
			mcp.WithString("specialization", mcp.Description("Free-text specialization")),
			mcp.WithString("model", mcp.Description("Downstream model name")),
			mcp.WithBoolean("lead", mcp.Description("Mark the agent as team lead")),
			mcp.WithString("work_dir", mcp.Description("Working directory")),
			mcp.WithString("addendum", mcp.Description("Custom base-instruction addendum")),
		),
		s.addAgentHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("remove_agent",
			mcp.WithDescription("Remove an agent. Fails if the agent is working or still owns tasks."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent id")),
		),
		s.removeAgentHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List every team with its agents, statuses, and tasks."),
		),
		s.listAgentsHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send text to one agent and return its response. Fails if the agent is already working."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent id")),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		),
		s.sendMessageHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("broadcast",
			mcp.WithDescription("Send the same text to several agents concurrently. Working agents are skipped."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
			mcp.WithArray("agent_ids", mcp.Description("Subset of agent ids (default: all)")),
		),
		s.broadcastHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("relay",
			mcp.WithDescription("Relay one agent's last output to a teammate or to all other non-working agents."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("from", mcp.Required(), mcp.Description("Source agent id")),
			mcp.WithString("to", mcp.Description("Destination agent id")),
			mcp.WithBoolean("to_all", mcp.Description("Relay to every other agent")),
			mcp.WithString("prefix", mcp.Description("Text prepended to the relayed output")),
		),
		s.relayHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("assign_task",
			mcp.WithDescription("Create a task for an agent. Starts immediately when all prerequisites are completed and the assignee is idle."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Assignee agent id")),
			mcp.WithString("description", mcp.Required(), mcp.Description("Task description")),
			mcp.WithArray("prerequisites", mcp.Description("Prerequisite task ids")),
		),
		s.assignTaskHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Return one task's status and result."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		),
		s.taskStatusHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("complete_task",
			mcp.WithDescription("Mark a task completed. Unblocked tasks with idle assignees auto-start in the background."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("result", mcp.Description("Result text (default: assignee's last output)")),
		),
		s.completeTaskHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("get_output",
			mcp.WithDescription("Return an agent's status and last output."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent id")),
		),
		s.getOutputHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("get_team_report",
			mcp.WithDescription("Summarize a team: every agent's status and last output, plus tasks."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
		),
		s.getTeamReportHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("dispatch_team",
			mcp.WithDescription("Create an ephemeral team, run every agent's task in parallel, return the results, and destroy the team. Agent specs: {role, specialization?, model?, task}."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Team display name")),
			mcp.WithString("work_dir", mcp.Required(), mcp.Description("Working directory for all agents")),
			mcp.WithArray("agents", mcp.Required(), mcp.Description("Agent specs, each carrying a task")),
		),
		s.dispatchTeamHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("launch_mission",
			mcp.WithDescription("Start an asynchronous mission: a lead coordinates workers, optional shell verification with bounded fix retries, and a compiled final report. Agent specs: {role, lead?, task?, specialization?, model?}. Exactly one spec must set lead."),
			mcp.WithString("objective", mcp.Required(), mcp.Description("Mission objective")),
			mcp.WithString("work_dir", mcp.Required(), mcp.Description("Working directory for all agents")),
			mcp.WithArray("agents", mcp.Required(), mcp.Description("Agent specs")),
			mcp.WithString("verify_command", mcp.Description("Shell command that verifies the result (exit 0 = pass)")),
			mcp.WithNumber("max_verify_retries", mcp.Description("Fix-retry cap after failed verification (default 2)")),
		),
		s.launchMissionHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("mission_status",
			mcp.WithDescription("Return a mission's phase, worker results, verification log, and report."),
			mcp.WithString("mission_id", mcp.Required(), mcp.Description("Mission id")),
		),
		s.missionStatusHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("await_mission",
			mcp.WithDescription("Block until a mission reaches a terminal phase, then return its report and delete the record."),
			mcp.WithString("mission_id", mcp.Required(), mcp.Description("Mission id")),
			mcp.WithNumber("poll_ms", mcp.Description("Poll interval in milliseconds (default 3000)")),
			mcp.WithNumber("timeout_ms", mcp.Description("Timeout in milliseconds (default 60 minutes)")),
		),
		s.awaitMissionHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("get_mission_comms",
			mcp.WithDescription("Return the comms snapshot captured when the mission reached a terminal phase."),
			mcp.WithString("mission_id", mcp.Required(), mcp.Description("Mission id")),
		),
		s.getMissionCommsHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("get_team_comms",
			mcp.WithDescription("Live view of a team's group chat, DMs, lead-channel traffic, and artifacts."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
		),
		s.getTeamCommsHandler(),
	)
	s.mcp.AddTool(
		mcp.NewTool("steer_team",
			mcp.WithDescription("Abort in-flight calls and redirect a team (or subset) with a new directive."),
			mcp.WithString("team_id", mcp.Required(), mcp.Description("Team id")),
			mcp.WithString("directive", mcp.Required(), mcp.Description("New direction for the team")),
			mcp.WithArray("agent_ids", mcp.Description("Subset of agent ids (default: all)")),
		),
		s.steerTeamHandler(),
	)
}

func (s *Server) createTeamHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError("name is required"), nil
		}
		specs, err := decodeArg[[]agentSpec](req, "agents")
		if err != nil {
			return mcp.NewToolResultError("agents must be an array of agent specs"), nil
		}
		configs := make([]state.AgentConfig, len(specs))
		for i, sp := range specs {
			configs[i] = sp.toConfig()
		}
		team, err := s.orch.CreateTeam(name, configs)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(teamView(team)), nil
	}
}

func (s *Server) dissolveTeamHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		removed, err := s.orch.DissolveTeam(teamID)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"team_id": teamID, "removed_agents": removed}), nil
	}
}

func (s *Server) addAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		role, err := req.RequireString("role")
		if err != nil {
			return mcp.NewToolResultError("role is required"), nil
		}
		cfg := state.AgentConfig{
			Role:           role,
			Specialization: req.GetString("specialization", ""),
			Model:          req.GetString("model", ""),
			Lead:           req.GetBool("lead", false),
			WorkDir:        req.GetString("work_dir", ""),
			Addendum:       req.GetString("addendum", ""),
		}
		agent, err := s.orch.AddAgent(teamID, cfg)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(agentView(agent)), nil
	}
}

func (s *Server) removeAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError("agent_id is required"), nil
		}
		if err := s.orch.RemoveAgent(teamID, agentID); err != nil {
			return errResult(err), nil
		}
		return mcp.NewToolResultText("removed"), nil
	}
}

func (s *Server) listAgentsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teams := s.orch.ListAgents()
		out := make([]teamJSON, 0, len(teams))
		for _, t := range teams {
			out = append(out, teamView(t))
		}
		return jsonResult(out), nil
	}
}

func (s *Server) sendMessageHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError("agent_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		out, err := s.orch.SendMessage(ctx, teamID, agentID, text)
		if err != nil {
			return errResult(err), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

func (s *Server) broadcastHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		subset, err := decodeArg[[]string](req, "agent_ids")
		if err != nil {
			return mcp.NewToolResultError("agent_ids must be an array of agent ids"), nil
		}
		results, err := s.orch.Broadcast(ctx, teamID, text, subset)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(results), nil
	}
}

func (s *Server) relayHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		from, err := req.RequireString("from")
		if err != nil {
			return mcp.NewToolResultError("from is required"), nil
		}
		results, err := s.orch.Relay(ctx, teamID, from,
			req.GetString("to", ""),
			req.GetBool("to_all", false),
			req.GetString("prefix", ""))
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(results), nil
	}
}

func (s *Server) assignTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError("agent_id is required"), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError("description is required"), nil
		}
		prereqs, err := decodeArg[[]string](req, "prerequisites")
		if err != nil {
			return mcp.NewToolResultError("prerequisites must be an array of task ids"), nil
		}
		task, started, err := s.orch.AssignTask(ctx, teamID, agentID, description, prereqs)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"task": taskView(task), "started": started}), nil
	}
}

func (s *Server) taskStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError("task_id is required"), nil
		}
		task, err := s.orch.TaskStatus(teamID, taskID)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(taskView(task)), nil
	}
}

func (s *Server) completeTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError("task_id is required"), nil
		}
		task, unblocked, err := s.orch.CompleteTask(ctx, teamID, taskID, req.GetString("result", ""))
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"task": taskView(task), "unblocked": unblocked}), nil
	}
}

func (s *Server) getOutputHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError("agent_id is required"), nil
		}
		agent, err := s.orch.GetOutput(teamID, agentID)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]string{
			"agent_id":    agent.ID,
			"status":      string(agent.Status),
			"last_output": agent.LastOutput,
		}), nil
	}
}

func (s *Server) getTeamReportHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		report, err := s.orch.GetTeamReport(teamID)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(report), nil
	}
}

func (s *Server) dispatchTeamHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError("name is required"), nil
		}
		workDir, err := req.RequireString("work_dir")
		if err != nil {
			return mcp.NewToolResultError("work_dir is required"), nil
		}
		specs, err := decodeArg[[]orchestrator.DispatchSpec](req, "agents")
		if err != nil {
			return mcp.NewToolResultError("agents must be an array of {role, task} specs"), nil
		}
		results, err := s.orch.Dispatch(ctx, name, workDir, specs)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(results), nil
	}
}

func (s *Server) launchMissionHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		objective, err := req.RequireString("objective")
		if err != nil {
			return mcp.NewToolResultError("objective is required"), nil
		}
		workDir, err := req.RequireString("work_dir")
		if err != nil {
			return mcp.NewToolResultError("work_dir is required"), nil
		}
		specs, err := decodeArg[[]mission.TeamSpec](req, "agents")
		if err != nil {
			return mcp.NewToolResultError("agents must be an array of agent specs"), nil
		}
		id, err := s.missions.Launch(objective, workDir, specs,
			req.GetString("verify_command", ""),
			req.GetInt("max_verify_retries", 2))
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]string{"mission_id": id}), nil
	}
}

func (s *Server) missionStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError("mission_id is required"), nil
		}
		st, err := s.missions.MissionStatus(id)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(st), nil
	}
}

func (s *Server) awaitMissionHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError("mission_id is required"), nil
		}
		res, err := s.missions.AwaitMission(ctx, id,
			time.Duration(req.GetInt("poll_ms", 0))*time.Millisecond,
			time.Duration(req.GetInt("timeout_ms", 0))*time.Millisecond)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(res), nil
	}
}

func (s *Server) getMissionCommsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError("mission_id is required"), nil
		}
		snap, err := s.missions.MissionComms(id)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(snap), nil
	}
}

func (s *Server) getTeamCommsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		snap, err := s.missions.TeamComms(teamID)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(snap), nil
	}
}

func (s *Server) steerTeamHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, err := req.RequireString("team_id")
		if err != nil {
			return mcp.NewToolResultError("team_id is required"), nil
		}
		directive, err := req.RequireString("directive")
		if err != nil {
			return mcp.NewToolResultError("directive is required"), nil
		}
		subset, err := decodeArg[[]string](req, "agent_ids")
		if err != nil {
			return mcp.NewToolResultError("agent_ids must be an array of agent ids"), nil
		}
		res, err := s.orch.Steer(ctx, teamID, directive, subset)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(res), nil
	}
}
