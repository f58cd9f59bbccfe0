package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/cowork/internal/api"
	"github.com/good-yellow-bee/cowork/internal/api/auth"
	"github.com/good-yellow-bee/cowork/internal/api/health"
	"github.com/good-yellow-bee/cowork/internal/api/live"
	"github.com/good-yellow-bee/cowork/internal/assistant"
	"github.com/good-yellow-bee/cowork/internal/bus"
	"github.com/good-yellow-bee/cowork/internal/logging"
	"github.com/good-yellow-bee/cowork/internal/metrics"
	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/relay"
	"github.com/good-yellow-bee/cowork/internal/room"
	"github.com/good-yellow-bee/cowork/internal/security"
	"github.com/good-yellow-bee/cowork/internal/storage"
	"github.com/good-yellow-bee/cowork/pkg/config"
)

var (
	configFile string
	httpAddr   string
	verbose    bool

	tokenEmail string
	tokenName  string
	tokenTTL   time.Duration

	certDir   string
	certHosts []string
	certDays  int
)

var rootCmd = &cobra.Command{
	Use:   "cowork-server",
	Short: "Cowork Server - shared project rooms with an AI collaborator",
	Long: `Cowork Server hosts project rooms: members chat and edit a shared file
tree in real time, and an AI assistant answers chat prompts with text and
file changes.`,
	SilenceUsage: true,
	RunE:         runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.Info("cowork-server"))
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint an access token for a user",
	Long: `Mint a signed access token with the server's JWT secret.

Examples:
  # Token for a developer, valid for a week
  cowork-server token alice --email alice@example.com --ttl 168h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generate a self-signed TLS certificate",
	Long: `Generate a self-signed certificate and key for the HTTP listener.

Point server.tls.cert_file and server.tls.key_file at the output, and give
the certificate to clients with 'coworkctl login --ca-file'.

Examples:
  cowork-server cert --out ./certs --host cowork.local --host 10.0.0.5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := security.GenerateSelfSigned(certDir, "server", certHosts, certDays)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "certificate: %s\nkey:         %s\n", paths.CertFile, paths.KeyFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.Flags().StringVarP(&httpAddr, "address", "a", "", "HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "user email (required)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: server.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("email")

	certCmd.Flags().StringVar(&certDir, "out", "./certs", "output directory")
	certCmd.Flags().StringArrayVar(&certHosts, "host", nil, "extra DNS name or IP for the certificate (repeatable)")
	certCmd.Flags().IntVar(&certDays, "days", 0, "validity in days (default 365)")

	rootCmd.AddCommand(versionCmd, tokenCmd, certCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	secret, err := cfg.JWTSecret()
	if err != nil {
		return err
	}
	ttl := cfg.Server.TokenTTL
	if tokenTTL > 0 {
		ttl = tokenTTL
	}
	if models.IsSentinelSender(args[0]) {
		return fmt.Errorf("%q is a reserved sender id", args[0])
	}

	token, err := auth.NewJWTService(secret, ttl).GenerateToken(models.NewUser(args[0], tokenEmail, tokenName))
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddress = httpAddr
	}
	cfg.Verbose = verbose
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	secret, err := cfg.JWTSecret()
	if err != nil {
		return err
	}

	// Auto-create data directory
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store := storage.NewSQLiteStorage(cfg.Database.Path)
	if err := store.Open(); err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	rooms := room.NewManager(store.Projects(), room.Config{PeerBuffer: cfg.Room.PeerBuffer}, logger)

	var rl relay.Relay = relay.Noop{}
	var natsRelay *relay.NATSRelay
	if cfg.Relay.URL != "" {
		natsRelay, err = relay.Connect(cfg.Relay, logger)
		if err != nil {
			return err
		}
		rl = natsRelay
		logger.Info("relay connected", zap.String("url", cfg.Relay.URL))
	}
	defer rl.Close()

	b := bus.New(store, rooms, logger, bus.WithRelay(rl))

	gen, err := assistant.NewGenerator(cfg.Assistant, logger)
	switch {
	case errors.Is(err, assistant.ErrDisabled):
		logger.Info("assistant disabled")
	case err != nil:
		return fmt.Errorf("create assistant: %w", err)
	default:
		pipeline := assistant.NewPipeline(gen, assistant.StorageWorkspace(store), b, cfg.Assistant, logger)
		defer pipeline.Close()
		b.SetAssistant(pipeline)
		logger.Info("assistant enabled",
			zap.String("provider", cfg.Assistant.Provider),
			zap.String("model", cfg.Assistant.Model),
			zap.String("trigger_prefix", cfg.Assistant.TriggerPrefix))
	}

	srv, err := api.New(&api.Config{
		Address:          cfg.Server.HTTPAddress,
		JWTSecret:        secret,
		TokenTTL:         cfg.Server.TokenTTL,
		TLSEnabled:       cfg.Server.TLS.Enabled,
		TLSCertFile:      cfg.Server.TLS.CertFile,
		TLSKeyFile:       cfg.Server.TLS.KeyFile,
		RateLimitPerUser: cfg.Server.RateLimit,
		RateLimitBurst:   cfg.Server.RateBurst,
		AssistantTimeout: cfg.Assistant.Timeout,
		Version:          config.Version,
		Live: live.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			PingInterval:   cfg.Room.PingInterval,
			MaxFrameBytes:  cfg.Room.MaxFrameBytes,
		},
		Verbose: cfg.Verbose,
	}, api.Deps{Storage: store, Rooms: rooms, Bus: b, Generator: gen}, logger)
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	srv.RegisterHealthChecker(health.NewSQLiteChecker(store.DB()))
	if natsRelay != nil {
		srv.RegisterHealthChecker(health.NewNATSChecker(natsRelay.Conn()))
	}
	if breaker, ok := gen.(health.BreakerState); ok {
		srv.RegisterHealthChecker(health.NewAssistantChecker(breaker))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return rl.Run(ctx, b.Deliver)
	})
	if cfg.Server.MetricsAddress != "" {
		ms := metrics.NewServer(cfg.Server.MetricsAddress, logger)
		g.Go(func() error {
			return ms.Run(ctx)
		})
	}

	metrics.SetBuildInfo(config.Version, config.Commit, config.BuildTime)
	logger.Info("starting cowork-server",
		zap.String("version", config.Version),
		zap.String("http_address", cfg.Server.HTTPAddress))

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run server: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
