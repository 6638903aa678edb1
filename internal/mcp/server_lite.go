// Package mcp provides the MCP server implementation.
// This file contains the lightweight server that requires no external databases.
package mcp

import (
	"context"
	"fmt"
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/pgx-cds-server/internal/cache"
	litecfg "github.com/pgx-cds-server/internal/config"
	"github.com/pgx-cds-server/internal/domain"
	"github.com/pgx-cds-server/internal/knowledgebase"
	"github.com/pgx-cds-server/internal/logging"
	"github.com/pgx-cds-server/internal/service"
	"github.com/pgx-cds-server/internal/snapshot"
)

const (
	serverName    = "pgx-cds-server-lite"
	serverVersion = "v1.0.0"
)

// LiteServer is a lightweight MCP server that requires no external databases.
// It uses an in-memory assessment cache and SQLite for exported snapshots.
type LiteServer struct {
	config    *litecfg.LiteConfig
	mcpServer *mcp.Server
	provider  *knowledgebase.Provider
	service   *service.AssessmentService
	store     snapshot.Store
	cache     *cache.MemoryCache
	logger    *logrus.Logger
	logCloser io.Closer
	tools     []string
}

// LiteServerOption is a functional option for LiteServer.
type LiteServerOption func(*LiteServer) error

// WithSnapshotStore sets a custom snapshot store.
func WithSnapshotStore(store snapshot.Store) LiteServerOption {
	return func(s *LiteServer) error {
		s.store = store
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) LiteServerOption {
	return func(s *LiteServer) error {
		s.logger = logger
		return nil
	}
}

// WithKnowledgeBase serves a prebuilt knowledge base instead of loading one.
func WithKnowledgeBase(kb *knowledgebase.KnowledgeBase) LiteServerOption {
	return func(s *LiteServer) error {
		if kb == nil {
			return fmt.Errorf("knowledge base is nil")
		}
		s.provider = knowledgebase.NewStaticProvider(kb)
		return nil
	}
}

// NewLiteServer creates a new lightweight MCP server instance.
func NewLiteServer(ctx context.Context, cfg *litecfg.LiteConfig, opts ...LiteServerOption) (*LiteServer, error) {
	server := &LiteServer{config: cfg}

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// stdout carries the MCP protocol, so logs go to stderr.
	if server.logger == nil {
		logger, closer, err := logging.New(domain.LoggingConfig{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			Output: "stderr",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure logging: %w", err)
		}
		server.logger = logger
		server.logCloser = closer
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if server.provider == nil {
		var source knowledgebase.Source = knowledgebase.EmbeddedSource{}
		if cfg.KnowledgeBasePath != "" {
			source = knowledgebase.FileSource{Path: cfg.KnowledgeBasePath}
		}
		server.provider = knowledgebase.NewProvider(source, server.logger)
		if _, err := server.provider.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("failed to load knowledge base: %w", err)
		}
	}

	server.cache = cache.NewMemoryCache(cfg.CacheMaxItems, cfg.CacheTTL)
	server.service = service.NewAssessmentService(server.provider, server.logger,
		service.WithResultCache(server.cache))

	if server.store == nil {
		store, err := snapshot.NewSQLiteStore(cfg.SnapshotDBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot store: %w", err)
		}
		server.store = store
	}

	server.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	server.registerTools()

	kb, _ := server.provider.Current()
	server.logger.WithFields(logrus.Fields{
		"kb_version": kb.Version(),
		"data_dir":   cfg.DataDir,
		"tools":      len(server.tools),
	}).Info("Lite server initialized successfully")
	return server, nil
}

// registerTools registers every tool with the MCP SDK.
func (s *LiteServer) registerTools() {
	evaluate := &mcp.Tool{
		Name: "evaluate_medication_risk",
		Description: "Evaluate gene-drug interaction risk for a patient's PGx results, active medications and " +
			"reported symptoms. Applies phenoconversion from inhibiting or inducing co-medications, escalates " +
			"risk for matching symptoms and flags shared-pathway polypharmacy. Set export to save a snapshot.",
	}
	mcp.AddTool(s.mcpServer, evaluate, s.handleEvaluateMedicationRisk)
	s.registered(evaluate)

	parse := &mcp.Tool{
		Name:        "parse_pgx_report",
		Description: "Extract gene phenotypes and genotype markers from pharmacogenomic report text.",
	}
	mcp.AddTool(s.mcpServer, parse, s.handleParsePGxReport)
	s.registered(parse)

	resolve := &mcp.Tool{
		Name:        "resolve_medication",
		Description: "Resolve a brand or generic medication name and list the genes it interacts with. Suggests matches for unrecognized names.",
	}
	mcp.AddTool(s.mcpServer, resolve, s.handleResolveMedication)
	s.registered(resolve)

	adjust := &mcp.Tool{
		Name:        "adjust_phenotype",
		Description: "Compute a gene's effective phenotype under a medication list (phenoconversion).",
	}
	mcp.AddTool(s.mcpServer, adjust, s.handleAdjustPhenotype)
	s.registered(adjust)

	export := &mcp.Tool{
		Name:        "export_assessment",
		Description: "Render an exported assessment as a provider note, markdown document or JSON CDS snapshot, optionally writing it to the export directory.",
	}
	mcp.AddTool(s.mcpServer, export, s.handleExportAssessment)
	s.registered(export)

	list := &mcp.Tool{
		Name:        "list_assessments",
		Description: "List exported assessments, newest first.",
	}
	mcp.AddTool(s.mcpServer, list, s.handleListAssessments)
	s.registered(list)

	info := &mcp.Tool{
		Name:        "knowledge_base_info",
		Description: "Report the active interaction knowledge base version and size.",
	}
	mcp.AddTool(s.mcpServer, info, s.handleKnowledgeBaseInfo)
	s.registered(info)

	s.logger.WithField("tool_count", len(s.tools)).Info("Successfully registered all tools")
}

func (s *LiteServer) registered(tool *mcp.Tool) {
	s.tools = append(s.tools, tool.Name)
	s.logger.WithField("tool_name", tool.Name).Debug("Registered MCP tool")
}

// Tools returns the registered tool names in registration order.
func (s *LiteServer) Tools() []string {
	return append([]string(nil), s.tools...)
}

// Start runs the server over stdio until ctx is cancelled or the client disconnects.
func (s *LiteServer) Start(ctx context.Context) error {
	s.logger.Info("Starting PGx CDS MCP Server (Lite)...")

	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Close cleans up server resources.
func (s *LiteServer) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close snapshot store")
		}
	}
	if s.logCloser != nil {
		return s.logCloser.Close()
	}
	return nil
}

// GetSnapshotStore returns the snapshot store for external access.
func (s *LiteServer) GetSnapshotStore() snapshot.Store {
	return s.store
}

// GetCache returns the memory cache for external access.
func (s *LiteServer) GetCache() *cache.MemoryCache {
	return s.cache
}
