package adapter

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
)

// Session is one downstream child-process connection. The adapter holds a
// single Session at a time and multiplexes every agent over it.
type Session interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// SessionFactory spawns and initializes a fresh downstream session.
type SessionFactory func(ctx context.Context) (Session, error)

// stdioSession wraps an mcp-go stdio client speaking to the child process.
type stdioSession struct {
	client *client.Client
}

func (s *stdioSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return s.client.CallTool(ctx, req)
}

func (s *stdioSession) Close() error {
	return s.client.Close()
}

// NewStdioSessionFactory returns a factory that spawns the configured child
// command and performs the MCP handshake over its stdio.
func NewStdioSessionFactory(cfg config.AdapterConfig, log *logger.Logger) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		c, err := client.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to spawn downstream session %q: %w", cfg.Command, err)
		}

		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcp.Implementation{
			Name:    "crewmux",
			Version: "1.0.0",
		}
		if _, err := c.Initialize(ctx, initReq); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("downstream session handshake failed: %w", err)
		}
		return &stdioSession{client: c}, nil
	}
}
