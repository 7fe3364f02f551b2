package comms

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/bus"
	"github.com/crewmux/crewmux/internal/errkind"
	"github.com/crewmux/crewmux/internal/state"
)

// caller resolves and authenticates the session identity. The agent id and
// token come from the handshake URL, never from tool arguments.
func (s *Service) caller(ctx context.Context) (string, state.Agent, error) {
	id, _ := ctx.Value(identityKey{}).(identity)
	if id.agentID == "" || id.token == "" {
		return "", state.Agent{}, errkind.New(errkind.Unauthenticated, "agent and token are required in the session URL")
	}
	if err := s.tokens.Validate(id.agentID, id.token); err != nil {
		return "", state.Agent{}, err
	}
	return s.state.FindAgent(id.agentID)
}

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) *mcp.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data))
}

func (s *Service) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("group_post",
			mcp.WithDescription("Post a message to your team's group chat."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		),
		s.groupPostHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("group_read",
			mcp.WithDescription("Read your unread group-chat messages. Your own posts are never returned."),
		),
		s.groupReadHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("group_peek",
			mcp.WithDescription("Count your unread group-chat messages without consuming them."),
		),
		s.groupPeekHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("dm_send",
			mcp.WithDescription("Send a direct message to a teammate (or, between leads, to another team's lead)."),
			mcp.WithString("to", mcp.Required(), mcp.Description("Recipient agent id")),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		),
		s.dmSendHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("dm_read",
			mcp.WithDescription("Read your unread direct messages, across all conversations or from one sender."),
			mcp.WithString("from", mcp.Description("Only read messages from this agent id")),
		),
		s.dmReadHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("dm_peek",
			mcp.WithDescription("Count your unread direct messages across all conversations."),
		),
		s.dmPeekHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("lead_post",
			mcp.WithDescription("Post to the cross-team lead channel (leads only)."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		),
		s.leadPostHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("lead_read",
			mcp.WithDescription("Read your unread lead-channel messages (leads only)."),
		),
		s.leadReadHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("lead_peek",
			mcp.WithDescription("Count your unread lead-channel messages (leads only)."),
		),
		s.leadPeekHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("share",
			mcp.WithDescription("Append an artifact (file path, result summary) to your team's shared log."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Artifact payload")),
		),
		s.shareHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("get_shared",
			mcp.WithDescription("Read your team's full shared artifact log."),
		),
		s.getSharedHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("get_team_context",
			mcp.WithDescription("Your team roster, your own identity, and other teams' public rosters."),
		),
		s.getTeamContextHandler(),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("wait",
			mcp.WithDescription("Block until you have unread messages on any channel, your team dissolves, or the timeout elapses."),
			mcp.WithNumber("timeout_ms", mcp.Description("Timeout in milliseconds (1000-60000, default 30000)")),
		),
		s.waitHandler(),
	)

	s.log.Info("registered comms tools", zap.Int("count", 14))
}

func (s *Service) groupPostHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		if len(text) > MaxChatLen {
			return toolError(errkind.New(errkind.InvalidArgument, "message exceeds %d characters", MaxChatLen)), nil
		}
		msg := s.bus.GroupPost(teamID, agent.ID, agent.Role, text)
		return jsonResult(map[string]string{"message_id": msg.ID}), nil
	}
}

func (s *Service) groupReadHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		msgs := s.bus.GroupRead(teamID, agent.ID)
		return jsonResult(msgs), nil
	}
}

func (s *Service) groupPeekHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(map[string]int{"unread": s.bus.GroupPeek(teamID, agent.ID)}), nil
	}
}

func (s *Service) dmSendHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		to, err := req.RequireString("to")
		if err != nil {
			return mcp.NewToolResultError("to is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		if len(text) > MaxChatLen {
			return toolError(errkind.New(errkind.InvalidArgument, "message exceeds %d characters", MaxChatLen)), nil
		}
		if err := s.authorizeDM(teamID, agent, to); err != nil {
			return toolError(err), nil
		}
		msg := s.bus.DMSend(agent.ID, to, agent.Role, text)
		return jsonResult(map[string]string{"message_id": msg.ID}), nil
	}
}

// authorizeDM permits DMs between teammates, and between leads across teams.
func (s *Service) authorizeDM(senderTeam string, sender state.Agent, to string) error {
	recipTeam, recip, err := s.state.FindAgent(to)
	if err != nil {
		return err
	}
	if recipTeam == senderTeam {
		return nil
	}
	if sender.Lead && recip.Lead {
		return nil
	}
	return errkind.New(errkind.Unauthorized, "cross-team DMs require both sender and recipient to be leads")
}

func (s *Service) dmReadHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		_, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		from := req.GetString("from", "")
		msgs := s.bus.DMRead(agent.ID, from)
		return jsonResult(msgs), nil
	}
}

func (s *Service) dmPeekHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		_, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(map[string]int{"unread": s.bus.DMPeek(agent.ID)}), nil
	}
}

func (s *Service) leadPostHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		if !agent.Lead {
			return toolError(errkind.New(errkind.Unauthorized, "the lead channel is restricted to team leads")), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		if len(text) > MaxChatLen {
			return toolError(errkind.New(errkind.InvalidArgument, "message exceeds %d characters", MaxChatLen)), nil
		}
		team, err := s.state.Team(teamID)
		if err != nil {
			return toolError(err), nil
		}
		msg := s.bus.LeadPost(agent.ID, agent.Role, team.Name, text)
		return jsonResult(map[string]string{"message_id": msg.ID}), nil
	}
}

func (s *Service) leadReadHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		_, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		if !agent.Lead {
			return toolError(errkind.New(errkind.Unauthorized, "the lead channel is restricted to team leads")), nil
		}
		return jsonResult(s.bus.LeadRead(agent.ID)), nil
	}
}

func (s *Service) leadPeekHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		_, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		if !agent.Lead {
			return toolError(errkind.New(errkind.Unauthorized, "the lead channel is restricted to team leads")), nil
		}
		return jsonResult(map[string]int{"unread": s.bus.LeadPeek(agent.ID)}), nil
	}
}

func (s *Service) shareHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		if len(text) > MaxShareLen {
			return toolError(errkind.New(errkind.InvalidArgument, "artifact exceeds %d characters", MaxShareLen)), nil
		}
		s.bus.Share(teamID, agent.ID, text)
		return mcp.NewToolResultText("shared"), nil
	}
}

func (s *Service) getSharedHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, _, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(s.bus.GetShared(teamID)), nil
	}
}

// memberInfo is one roster entry in get_team_context.
type memberInfo struct {
	ID             string   `json:"id"`
	Role           string   `json:"role"`
	Specialization string   `json:"specialization,omitempty"`
	Lead           bool     `json:"lead"`
	Status         string   `json:"status,omitempty"`
	Tasks          []string `json:"tasks,omitempty"`
}

type teamRoster struct {
	Name    string       `json:"name"`
	Members []memberInfo `json:"members"`
}

type teamContext struct {
	Team       string       `json:"team"`
	You        memberInfo   `json:"you"`
	Teammates  []memberInfo `json:"teammates"`
	OtherTeams []teamRoster `json:"other_teams,omitempty"`
	Hint       string       `json:"hint"`
}

const crossTeamHint = "To coordinate with another team, DM its lead if you are a lead, or ask your own lead to relay over the lead channel."

func (s *Service) getTeamContextHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		team, err := s.state.Team(teamID)
		if err != nil {
			return toolError(err), nil
		}

		out := teamContext{
			Team: team.Name,
			You: memberInfo{
				ID:   agent.ID,
				Role: agent.Role,
				Lead: agent.Lead,
			},
			Hint: crossTeamHint,
		}
		for _, a := range team.Agents {
			if a.ID == agent.ID {
				continue
			}
			out.Teammates = append(out.Teammates, memberInfo{
				ID:             a.ID,
				Role:           a.Role,
				Specialization: a.Specialization,
				Lead:           a.Lead,
				Status:         string(a.Status),
				Tasks:          a.TaskIDs,
			})
		}
		for _, t := range s.state.Teams() {
			if t.ID == teamID {
				continue
			}
			roster := teamRoster{Name: t.Name}
			for _, a := range t.Agents {
				roster.Members = append(roster.Members, memberInfo{
					ID:             a.ID,
					Role:           a.Role,
					Specialization: a.Specialization,
					Lead:           a.Lead,
					Status:         string(a.Status),
				})
			}
			out.OtherTeams = append(out.OtherTeams, roster)
		}
		return jsonResult(out), nil
	}
}

func (s *Service) waitHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		teamID, agent, err := s.caller(ctx)
		if err != nil {
			return toolError(err), nil
		}
		timeoutMs := req.GetInt("timeout_ms", 0)
		timeout := time.Duration(timeoutMs) * time.Millisecond
		res := s.bus.Wait(ctx, teamID, agent.ID, agent.Lead, bus.ClampWaitTimeout(timeout))
		return jsonResult(res), nil
	}
}
