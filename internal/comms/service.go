// Package comms hosts the agent-facing MCP service on loopback HTTP. Each
// agent's downstream session connects with its id and identity token in the
// handshake URL; every operation is pinned to that identity, so request
// parameters cannot spoof another agent.
package comms

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/bus"
	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/httpmw"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/state"
)

// Payload bounds for agent-facing operations.
const (
	MaxChatLen  = 50_000
	MaxShareLen = 100_000
)

// identityKey carries the handshake credentials through the request context.
type identityKey struct{}

type identity struct {
	agentID string
	token   string
}

// Service is the loopback MCP service agents talk to.
type Service struct {
	state  *state.Store
	bus    *bus.Bus
	tokens *TokenRegistry

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	srv        *http.Server
	listener   net.Listener
	baseURL    string

	log *logger.Logger
}

// NewService creates the comms service. Call Start to bind the listener.
func NewService(st *state.Store, b *bus.Bus, log *logger.Logger) *Service {
	s := &Service{
		state:  st,
		bus:    b,
		tokens: NewTokenRegistry(),
		log:    log.WithFields(zap.String("component", "comms")),
	}

	s.mcpServer = server.NewMCPServer(
		"crewmux-comms",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			q := r.URL.Query()
			return context.WithValue(ctx, identityKey{}, identity{
				agentID: q.Get("agent"),
				token:   q.Get("token"),
			})
		}),
	)

	return s
}

// Start binds the loopback listener (ephemeral port when cfg.Port is 0) and
// serves in the background.
func (s *Service) Start(cfg config.CommsConfig) error {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, cfg.Port))
	if err != nil {
		return fmt.Errorf("comms service listen failed: %w", err)
	}
	s.listener = ln
	s.baseURL = fmt.Sprintf("http://%s", ln.Addr().String())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), httpmw.RequestLogger(s.log, "comms"), httpmw.OtelTracing("comms"))
	router.Any("/mcp", gin.WrapH(s.httpServer))

	s.srv = &http.Server{Handler: router}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("comms service stopped", zap.Error(err))
		}
	}()

	s.log.Info("comms service listening", zap.String("url", s.baseURL+"/mcp"))
	return nil
}

// BaseURL returns the service root, valid after Start.
func (s *Service) BaseURL() string {
	return s.baseURL
}

// AgentEndpoint returns the handshake URL for an agent, minting its
// identity token on first use. The adapter embeds this URL in the
// downstream session's mcp_servers config.
func (s *Service) AgentEndpoint(agentID string) string {
	token := s.tokens.Mint(agentID)
	return fmt.Sprintf("%s/mcp?agent=%s&token=%s",
		s.baseURL, url.QueryEscape(agentID), url.QueryEscape(token))
}

// DropAgents forgets identity tokens for dissolved agents.
func (s *Service) DropAgents(agentIDs []string) {
	s.tokens.Drop(agentIDs)
}

// Stop drains the HTTP server; new sessions are refused immediately.
func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
