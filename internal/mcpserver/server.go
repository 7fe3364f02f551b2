// Package mcpserver exposes the operator tool surface over stdio: team and
// agent lifecycle, messaging, tasks, dispatch, missions, and steering. The
// handlers are thin schema wrappers; semantics live in the orchestrator and
// mission packages.
package mcpserver

import (
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/mission"
	"github.com/crewmux/crewmux/internal/orchestrator"
	"github.com/mark3labs/mcp-go/server"
)

// Server is the operator-facing MCP server. Stdout carries the protocol
// stream; all logging goes to stderr.
type Server struct {
	mcp      *server.MCPServer
	orch     *orchestrator.Orchestrator
	missions *mission.Engine
	log      *logger.Logger
}

// New creates the operator server and registers every tool.
func New(orch *orchestrator.Orchestrator, missions *mission.Engine, log *logger.Logger) *Server {
	s := &Server{
		mcp:      server.NewMCPServer("crewmux", "1.0.0", server.WithToolCapabilities(true)),
		orch:     orch,
		missions: missions,
		log:      log.WithFields(zap.String("component", "mcpserver")),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving the operator channel until stdin closes or the
// process is interrupted.
func (s *Server) ServeStdio() error {
	s.log.Info("serving operator surface on stdio")
	return server.ServeStdio(s.mcp)
}
