package comms

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmux/crewmux/internal/bus"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/errkind"
	"github.com/crewmux/crewmux/internal/state"
)

func newTestService(t *testing.T) (*Service, *state.Store, *bus.Bus) {
	t.Helper()
	log := logger.Default()
	store := state.NewStore(state.Options{DefaultModel: "gpt-5.3-codex", DefaultWorkDir: "/tmp"}, log)
	b := bus.New(log)
	return NewService(store, b, log), store, b
}

// authedCtx builds the context a validated handshake would produce.
func authedCtx(s *Service, agentID string) context.Context {
	return context.WithValue(context.Background(), identityKey{},
		identity{agentID: agentID, token: s.tokens.Mint(agentID)})
}

func callReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestTokenRegistry(t *testing.T) {
	r := NewTokenRegistry()

	tok := r.Mint("dev-1")
	assert.NotEmpty(t, tok)
	assert.Equal(t, tok, r.Mint("dev-1"), "minting is idempotent")

	assert.NoError(t, r.Validate("dev-1", tok))
	assert.True(t, errkind.Is(r.Validate("", ""), errkind.Unauthenticated))
	assert.True(t, errkind.Is(r.Validate("dev-1", "wrong"), errkind.Forbidden))
	assert.True(t, errkind.Is(r.Validate("dev-2", tok), errkind.Forbidden), "no token minted for dev-2")

	r.Drop([]string{"dev-1"})
	assert.True(t, errkind.Is(r.Validate("dev-1", tok), errkind.Forbidden), "dropped tokens stop validating")
}

func TestCallerRejectsMissingAndStaleIdentity(t *testing.T) {
	s, store, _ := newTestService(t)

	_, _, err := s.caller(context.Background())
	assert.True(t, errkind.Is(err, errkind.Unauthenticated))

	team, err := store.CreateTeam("alpha", []state.AgentConfig{{Role: "dev"}})
	require.NoError(t, err)
	dev := team.Agents[0].ID

	ctx := authedCtx(s, dev)
	_, _, err = s.caller(ctx)
	require.NoError(t, err)

	// A valid token for an agent whose team dissolved no longer resolves.
	_, err = store.DissolveTeam(team.ID)
	require.NoError(t, err)
	_, _, err = s.caller(ctx)
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

func TestGroupPostAndPeekThroughHandlers(t *testing.T) {
	s, store, _ := newTestService(t)
	team, err := store.CreateTeam("alpha", []state.AgentConfig{{Role: "dev"}, {Role: "qa"}})
	require.NoError(t, err)
	alice, bob := team.Agents[0].ID, team.Agents[1].ID

	res, err := s.groupPostHandler()(authedCtx(s, alice), callReq(map[string]any{"text": "hello team"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "message_id")

	res, err = s.groupPeekHandler()(authedCtx(s, bob), callReq(nil))
	require.NoError(t, err)
	var peek map[string]int
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &peek))
	assert.Equal(t, 1, peek["unread"])

	res, err = s.groupReadHandler()(authedCtx(s, bob), callReq(nil))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, res), "hello team")

	// The author never sees their own post.
	res, err = s.groupPeekHandler()(authedCtx(s, alice), callReq(nil))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &peek))
	assert.Equal(t, 0, peek["unread"])
}

func TestDMCapabilityEnforcement(t *testing.T) {
	s, store, _ := newTestService(t)
	t1, err := store.CreateTeam("alpha", []state.AgentConfig{
		{Role: "lead", Lead: true}, {Role: "dev"},
	})
	require.NoError(t, err)
	t2, err := store.CreateTeam("beta", []state.AgentConfig{
		{Role: "lead", Lead: true}, {Role: "dev"},
	})
	require.NoError(t, err)
	lead1, worker1 := t1.Agents[0].ID, t1.Agents[1].ID
	lead2, worker2 := t2.Agents[0].ID, t2.Agents[1].ID

	send := func(from, to string) *mcp.CallToolResult {
		res, err := s.dmSendHandler()(authedCtx(s, from), callReq(map[string]any{"to": to, "text": "hi"}))
		require.NoError(t, err)
		return res
	}

	assert.False(t, send(worker1, lead1).IsError, "teammates can always DM")
	assert.False(t, send(lead1, lead2).IsError, "leads DM across teams")
	assert.True(t, send(worker1, worker2).IsError, "cross-team workers cannot DM")
	assert.True(t, send(worker1, lead2).IsError, "worker to foreign lead is still cross-team")
	assert.True(t, send(lead1, "ghost").IsError, "unknown recipient")
}

func TestLeadChannelRestricted(t *testing.T) {
	s, store, _ := newTestService(t)
	team, err := store.CreateTeam("alpha", []state.AgentConfig{
		{Role: "lead", Lead: true}, {Role: "dev"},
	})
	require.NoError(t, err)
	lead, worker := team.Agents[0].ID, team.Agents[1].ID

	res, err := s.leadPostHandler()(authedCtx(s, worker), callReq(map[string]any{"text": "let me in"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.leadPostHandler()(authedCtx(s, lead), callReq(map[string]any{"text": "status green"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = s.leadReadHandler()(authedCtx(s, worker), callReq(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestPayloadBounds(t *testing.T) {
	s, store, _ := newTestService(t)
	team, err := store.CreateTeam("alpha", []state.AgentConfig{{Role: "dev"}})
	require.NoError(t, err)
	dev := team.Agents[0].ID

	res, err := s.groupPostHandler()(authedCtx(s, dev),
		callReq(map[string]any{"text": strings.Repeat("x", MaxChatLen+1)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "exceeds")

	res, err = s.shareHandler()(authedCtx(s, dev),
		callReq(map[string]any{"text": strings.Repeat("x", MaxShareLen+1)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetTeamContext(t *testing.T) {
	s, store, _ := newTestService(t)
	_, err := store.CreateTeam("beta", []state.AgentConfig{{Role: "lead", Lead: true}})
	require.NoError(t, err)
	team, err := store.CreateTeam("alpha", []state.AgentConfig{
		{Role: "lead", Lead: true}, {Role: "dev", Specialization: "backend"},
	})
	require.NoError(t, err)
	dev := team.Agents[1].ID

	res, err := s.getTeamContextHandler()(authedCtx(s, dev), callReq(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var got teamContext
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &got))
	assert.Equal(t, "alpha", got.Team)
	assert.Equal(t, dev, got.You.ID)
	require.Len(t, got.Teammates, 1)
	assert.True(t, got.Teammates[0].Lead)
	require.Len(t, got.OtherTeams, 1)
	assert.Equal(t, "beta", got.OtherTeams[0].Name)
	assert.NotEmpty(t, got.Hint)
}

func TestWaitHandlerReturnsPendingCounts(t *testing.T) {
	s, store, b := newTestService(t)
	team, err := store.CreateTeam("alpha", []state.AgentConfig{{Role: "dev"}, {Role: "qa"}})
	require.NoError(t, err)
	dev, qa := team.Agents[0].ID, team.Agents[1].ID

	b.GroupPost(team.ID, qa, "qa", "ready for you")

	res, err := s.waitHandler()(authedCtx(s, dev), callReq(map[string]any{"timeout_ms": 1000}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var wr bus.WaitResult
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &wr))
	assert.False(t, wr.TimedOut)
	assert.Equal(t, 1, wr.GroupChat)
}
