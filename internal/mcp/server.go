// Package mcp exposes the CDSS core as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/assessment"
	"github.com/pharmacy-cdss-server/internal/domain"
	"github.com/pharmacy-cdss-server/internal/service"
)

// ServerInfo contains MCP server metadata
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Options configures a Server. Only Analysis is required.
type Options struct {
	Info        ServerInfo
	Analysis    *service.AnalysisService
	Assessments assessment.Store
	// Rules is the catalog used when a tool call does not supply its own.
	Rules []domain.RawRule
	// ExportDir receives reports written by build_report with save=true.
	ExportDir string
	Logger    *logrus.Logger
}

// Server is the CDSS MCP server.
type Server struct {
	mcpServer   *mcp.Server
	analysis    *service.AnalysisService
	assessments assessment.Store
	rules       []domain.RawRule
	exportDir   string
	logger      *logrus.Logger
}

// NewServer creates a server with every tool registered.
func NewServer(opts Options) (*Server, error) {
	if opts.Analysis == nil {
		return nil, errors.New("analysis service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	info := opts.Info
	if info.Name == "" {
		info.Name = "pharmacy-cdss"
	}
	if info.Version == "" {
		info.Version = "1.0.0"
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    info.Name,
			Version: info.Version,
		}, nil),
		analysis:    opts.Analysis,
		assessments: opts.Assessments,
		rules:       opts.Rules,
		exportDir:   opts.ExportDir,
		logger:      logger,
	}

	s.registerTools()
	return s, nil
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport serves MCP over the given transport.
func (s *Server) RunTransport(ctx context.Context, transport mcp.Transport) error {
	s.logger.WithField("tools", len(toolDefinitions)).Info("Starting CDSS MCP server")
	if err := s.mcpServer.Run(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Close releases the assessment store, if any.
func (s *Server) Close() error {
	if s.assessments == nil {
		return nil
	}
	return s.assessments.Close()
}

func (s *Server) registerTools() {
	for _, def := range toolDefinitions {
		tool := &mcp.Tool{
			Name:        def.name,
			Description: def.description,
			InputSchema: def.schema(),
		}
		s.mcpServer.AddTool(tool, s.toolHandler(def.name, def.run))
		s.logger.WithField("tool_name", def.name).Debug("Registered MCP tool")
	}
}
