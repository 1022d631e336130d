// Command integrity-bridge hosts the play_integrity channel behind an HTTP
// gateway and invokes methods on a running gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	bridge "github.com/kacy/integrity-bridge"
	"github.com/kacy/integrity-bridge/channel"
	"github.com/kacy/integrity-bridge/httpapi"
	"github.com/kacy/integrity-bridge/integrity"
	"github.com/kacy/integrity-bridge/nonce"
	"github.com/kacy/integrity-bridge/verdict"
)

const svcName = "integrity-bridge"

type config struct {
	LogLevel           string        `env:"INTEGRITY_BRIDGE_LOG_LEVEL"            envDefault:"info"`
	HTTPAddr           string        `env:"INTEGRITY_BRIDGE_HTTP_ADDR"            envDefault:":8080"`
	Codec              string        `env:"INTEGRITY_BRIDGE_CODEC"                envDefault:"json"`
	PackageName        string        `env:"INTEGRITY_BRIDGE_PACKAGE_NAME"         envDefault:"dev.fiaz.calculator"`
	TokenURL           string        `env:"INTEGRITY_BRIDGE_TOKEN_URL"            envDefault:""`
	StaticToken        string        `env:"INTEGRITY_BRIDGE_STATIC_TOKEN"         envDefault:""`
	CloudProjectNumber int64         `env:"INTEGRITY_BRIDGE_CLOUD_PROJECT_NUMBER" envDefault:"0"`
	NonceTTL           time.Duration `env:"INTEGRITY_BRIDGE_NONCE_TTL"            envDefault:"5m"`
	GCPProjectID       string        `env:"INTEGRITY_BRIDGE_GCP_PROJECT_ID"       envDefault:""`
	GCPCredentialsFile string        `env:"INTEGRITY_BRIDGE_GCP_CREDENTIALS_FILE" envDefault:""`
	APKCertDigests     []string      `env:"INTEGRITY_BRIDGE_APK_CERT_DIGESTS"     envSeparator:","`
	EnforceVerdicts    bool          `env:"INTEGRITY_BRIDGE_ENFORCE_VERDICTS"     envDefault:"false"`
	RequireStrong      bool          `env:"INTEGRITY_BRIDGE_REQUIRE_STRONG"       envDefault:"false"`
	AllowBasic         bool          `env:"INTEGRITY_BRIDGE_ALLOW_BASIC"          envDefault:"false"`
	RedisURL           string        `env:"INTEGRITY_BRIDGE_REDIS_URL"            envDefault:""`
	RedisKeyPrefix     string        `env:"INTEGRITY_BRIDGE_REDIS_KEY_PREFIX"     envDefault:""`
	ShutdownTimeout    time.Duration `env:"INTEGRITY_BRIDGE_SHUTDOWN_TIMEOUT"     envDefault:"10s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to load %s configuration : %s\n", svcName, err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	rootCmd := &cobra.Command{
		Use:           svcName,
		Short:         "Play Integrity bridge for the play_integrity method channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd(&cfg, logger))
	rootCmd.AddCommand(newInvokeCmd(&cfg))

	if err := rootCmd.Execute(); err != nil {
		logger.Error(fmt.Sprintf("command execution failed: %s", err))
		os.Exit(1)
	}
}

func newServeCmd(cfg *config, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the play_integrity channel behind an HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfg, logger)
		},
	}

	cmd.Flags().StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&cfg.Codec, "codec", cfg.Codec, "channel codec (json or cbor)")

	return cmd
}

func newInvokeCmd(cfg *config) *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "invoke [method]",
		Short: "Invoke a method on the play_integrity channel of a running gateway",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := bridge.MethodRequestIntegrityVerdict
			if len(args) == 1 {
				method = args[0]
			}

			codec, contentType, err := codecFor(cfg.Codec)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := httpapi.NewClient(baseURL, contentType, nil)
			ch := channel.NewMethodChannel(client, bridge.ChannelName, codec)

			result, err := ch.InvokeMethod(ctx, method, nil)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "gateway base URL")
	cmd.Flags().StringVar(&cfg.Codec, "codec", cfg.Codec, "channel codec (json or cbor)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "call timeout")

	return cmd
}

func serve(ctx context.Context, cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, _, err := codecFor(cfg.Codec)
	if err != nil {
		return err
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	nonces, err := newNonceStore(cfg)
	if err != nil {
		return err
	}
	defer nonces.Close()

	verdicts, err := newVerdictSource(ctx, cfg, nonces)
	if err != nil {
		return err
	}

	engine, err := bridge.NewEngine(bridge.Config{
		PackageName:        cfg.PackageName,
		Provider:           provider,
		Nonces:             nonces,
		Verdicts:           verdicts,
		CloudProjectNumber: cfg.CloudProjectNumber,
		Codec:              codec,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewHandler(engine.Messenger(), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(fmt.Sprintf("%s service HTTP gateway listening on %s", svcName, cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info(fmt.Sprintf("%s service shutting down", svcName))
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return engine.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newProvider(cfg config) (integrity.Provider, error) {
	switch {
	case cfg.TokenURL != "":
		return integrity.NewHTTPProvider(integrity.HTTPConfig{URL: cfg.TokenURL})
	case cfg.StaticToken != "":
		return integrity.StaticProvider{Token: cfg.StaticToken}, nil
	default:
		return nil, errors.New("either INTEGRITY_BRIDGE_TOKEN_URL or INTEGRITY_BRIDGE_STATIC_TOKEN must be set")
	}
}

func newNonceStore(cfg config) (nonce.Store, error) {
	if cfg.RedisURL == "" {
		return nonce.NewMemoryStore(nonce.Config{TTL: cfg.NonceTTL}), nil
	}
	return newRedisNonceStore(cfg)
}

func newVerdictSource(ctx context.Context, cfg config, nonces nonce.Store) (verdict.Source, error) {
	if cfg.GCPProjectID == "" {
		return verdict.Placeholder{}, nil
	}
	return verdict.NewPlayIntegrity(ctx, verdictConfig(cfg, nonces))
}

func verdictConfig(cfg config, nonces nonce.Store) verdict.Config {
	return verdict.Config{
		PackageNames:           []string{cfg.PackageName},
		APKCertDigests:         cfg.APKCertDigests,
		GCPProjectID:           cfg.GCPProjectID,
		GCPCredentialsFile:     cfg.GCPCredentialsFile,
		MaxTokenAge:            cfg.NonceTTL,
		Nonces:                 nonces,
		Enforce:                cfg.EnforceVerdicts,
		AllowBasicIntegrity:    cfg.AllowBasic,
		RequireStrongIntegrity: cfg.RequireStrong,
	}
}

func codecFor(name string) (channel.MethodCodec, string, error) {
	switch name {
	case "json", "":
		return channel.JSONMethodCodec{}, "application/json", nil
	case "cbor":
		return channel.CBORMethodCodec{}, "application/cbor", nil
	default:
		return nil, "", fmt.Errorf("unknown codec %q", name)
	}
}
