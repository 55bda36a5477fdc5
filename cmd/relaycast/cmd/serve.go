package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relaycast/relaycast/internal/auth"
	"github.com/relaycast/relaycast/internal/database"
	"github.com/relaycast/relaycast/internal/ffmpeg"
	internalhttp "github.com/relaycast/relaycast/internal/http"
	"github.com/relaycast/relaycast/internal/http/handlers"
	"github.com/relaycast/relaycast/internal/hub"
	"github.com/relaycast/relaycast/internal/maintenance"
	"github.com/relaycast/relaycast/internal/repository"
	"github.com/relaycast/relaycast/internal/upstream"
	"github.com/relaycast/relaycast/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relaycast server",
	Long: `Start the relaycast HTTP server.

The server provides:
- /stream for joining shared relayed streams
- /json and /playlist passthrough endpoints
- REST API for health, sessions and system stats
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().String("secret", "", "Shared access key (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("secret") {
		cfg.Relay.Secret, _ = flags.GetString("secret")
	}

	logger := slog.Default()

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", slog.Any("error", err))
		}
	}()

	codecRepo := repository.NewChannelCodecRepository(db.DB)

	if cfg.FFmpeg.StderrLogDir != "" {
		if err := os.MkdirAll(cfg.FFmpeg.StderrLogDir, 0o755); err != nil {
			return fmt.Errorf("creating transcoder log dir: %w", err)
		}
	}

	detector := ffmpeg.NewDetector(cfg.FFmpeg.BinaryPath)
	fetcher := upstream.NewFetcher(upstream.Config{
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		HeaderTimeout:  cfg.Upstream.HeaderTimeout,
		UserAgents:     cfg.Upstream.UserAgents,
		Profiles:       upstream.DefaultProfiles,
		Logger:         logger,
	})
	verifier := auth.NewVerifier(cfg.Relay.Secret)
	if !verifier.Enabled() {
		logger.Warn("no relay secret configured, endpoints are open")
	}

	relayHub := hub.New(hub.Options{
		Relay:    cfg.Relay,
		FFmpeg:   cfg.FFmpeg,
		CacheTTL: cfg.Database.CacheTTL,
		Detector: detector,
		Fetcher:  fetcher,
		Codecs:   codecRepo,
		Logger:   logger,
	})

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	streamHandler := handlers.NewStreamHandler(relayHub, verifier, fetcher, logger)
	streamHandler.Register(server.Router())

	documentHandler := handlers.NewDocumentHandler(verifier, fetcher, cfg.Upstream.PlaylistURL, logger)
	documentHandler.Register(server.Router())

	healthHandler := handlers.NewHealthHandler(version.Version).WithDB(db.DB).WithHub(relayHub)
	healthHandler.Register(server.API())

	sessionsHandler := handlers.NewSessionsHandler(relayHub)
	sessionsHandler.Register(server.API())

	systemHandler := handlers.NewSystemHandler()
	systemHandler.Register(server.API())

	maint := maintenance.New(cfg.Maintenance, cfg.FFmpeg.StderrLogDir, codecRepo, logger)
	if err := maint.Start(); err != nil {
		return fmt.Errorf("starting maintenance: %w", err)
	}
	defer maint.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting relaycast server",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.Int("max_channels", cfg.Relay.MaxChannels),
		slog.Bool("auth_enabled", verifier.Enabled()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relayHub.Run(gctx)
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	return g.Wait()
}
