package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/raggate/raggate/internal/audit"
	"github.com/raggate/raggate/internal/metrics"
	"github.com/raggate/raggate/internal/rag"
	"github.com/raggate/raggate/internal/server"
	"github.com/raggate/raggate/internal/token"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authenticated RAG API server",
		Long:  "Start the HTTP server that fronts the embedding and retrieval backends with API key authentication, rate limits, and audit logging.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	cfg := loadConfig()
	if host == "" {
		host = cfg.Server.Host
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	logLevel := slog.LevelInfo
	if dev || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	s, err := openStore()
	if err != nil {
		return fmt.Errorf("init token store: %w", err)
	}
	defer s.Close()
	logger.Info("token store initialized", "path", resolveDataDir())

	manager := token.NewManager(s, logger)
	auditor := audit.New(s, logger, cfg.Auth.AlertThreshold, cfg.AlertWindow())
	m := metrics.New(s, logger)

	embed := rag.NewEmbedClient(cfg.RAG.OllamaURL, cfg.RAG.EmbedModel)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := embed.Ping(pingCtx); err != nil {
		logger.Warn("embedding backend unreachable at startup", "url", cfg.RAG.OllamaURL, "error", err)
	}
	cancel()

	// The vector store is optional; without it only /rag/query degrades.
	var searcher *rag.Searcher
	if cfg.RAG.PostgresDSN != "" {
		searcher, err = rag.NewSearcher(context.Background(), cfg.RAG.PostgresDSN, cfg.RAG.Table)
		if err != nil {
			logger.Warn("vector store unavailable, /rag/query will answer 503", "error", err)
			searcher = nil
		} else {
			logger.Info("vector store connected", "table", cfg.RAG.Table)
		}
	} else {
		logger.Warn("no postgres_dsn configured, /rag/query will answer 503")
	}

	srvCfg := server.Config{
		Host:            host,
		Port:            port,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		CORSOrigins:     cfg.Server.CORS.Origins,
		APIKeyHeader:    cfg.Auth.APIKeyHeader,
		EmbedPerMinute:  cfg.Limits.EmbedPerMinute,
		QueryPerMinute:  cfg.Limits.QueryPerMinute,
		TopK:            cfg.RAG.TopK,
		Version:         versionString(),
	}
	deps := server.Deps{
		Store:    s,
		Manager:  manager,
		Auditor:  auditor,
		Metrics:  m,
		Embed:    embed,
		Searcher: searcher,
	}

	srv := server.New(srvCfg, deps, logger)

	fmt.Printf("raggate %s\n", versionString())
	fmt.Printf("  listening: http://%s:%d\n", host, port)
	fmt.Printf("  health:    http://%s:%d/health\n", host, port)
	fmt.Printf("  metrics:   http://%s:%d/metrics (requires API key)\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}
