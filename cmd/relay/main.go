// relay is a websocket message relay: authenticated users exchange direct
// messages and see who else is online.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Tyrowin/relay/internal/auth"
	"github.com/Tyrowin/relay/internal/config"
	"github.com/Tyrowin/relay/internal/logger"
	"github.com/Tyrowin/relay/internal/metrics"
	"github.com/Tyrowin/relay/internal/presence"
	"github.com/Tyrowin/relay/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	flagSet := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to a YAML config file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		OutputPath: cfg.Logger.OutputPath,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting relay",
		logger.String("addr", cfg.Addr()),
		logger.String("auth_mode", cfg.Auth.Mode),
		logger.String("duplicate_policy", cfg.Relay.DuplicatePolicy))

	authn, login := buildAuth(cfg, log)

	mirror, err := buildMirror(ctx, cfg, log)
	if err != nil {
		return err
	}

	opts, err := server.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	hubOpts := []server.HubOption{
		server.WithLogger(log),
		server.WithMetrics(metrics.New()),
	}
	if mirror != nil {
		go mirror.Run(ctx)
		defer mirror.Close()
		hubOpts = append(hubOpts, server.WithPresenceNotifier(mirror))
	}

	hub := server.NewHub(authn, opts, hubOpts...)
	go hub.Run()

	httpServer := server.CreateServer(cfg.Addr(), server.SetupRoutes(hub, login))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = hub.Shutdown(cfg.Server.ShutdownTimeout)
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, log); err != nil {
		log.Warn("HTTP server did not shut down cleanly", logger.Error(err))
	}
	if err := hub.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		log.Warn("Hub did not shut down cleanly", logger.Error(err))
	}
	log.Info("Relay stopped")
	return nil
}

func buildAuth(cfg *config.Config, log *logger.Logger) (auth.Authenticator, *auth.GitHubLogin) {
	if cfg.Auth.Mode != config.AuthModeToken {
		return auth.NewSharedSecret(cfg.Auth.Secret), nil
	}
	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	login := auth.NewGitHubLogin(
		cfg.Auth.GitHub.ClientID,
		cfg.Auth.GitHub.ClientSecret,
		issuer,
		cfg.Auth.AllowedOrg,
		log,
		auth.WithCallbackHosts(cfg.Auth.CallbackHosts...),
	)
	return auth.NewTokenAuth(issuer, cfg.Auth.AllowedOrg), login
}

// buildMirror connects the configured presence sinks. It returns nil when
// none is configured.
func buildMirror(ctx context.Context, cfg *config.Config, log *logger.Logger) (*presence.Mirror, error) {
	var sinks []presence.Sink

	if cfg.Presence.Redis.Addr != "" {
		sink, err := presence.NewRedisSink(ctx, presence.RedisConfig{
			Addr:     cfg.Presence.Redis.Addr,
			Password: cfg.Presence.Redis.Password,
			DB:       cfg.Presence.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		log.Info("Mirroring presence to Redis", logger.String("addr", cfg.Presence.Redis.Addr))
	}

	if cfg.Presence.NATS.URL != "" {
		sink, err := presence.NewNATSSink(presence.NATSConfig{
			URL:     cfg.Presence.NATS.URL,
			Subject: cfg.Presence.NATS.Subject,
		})
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
		log.Info("Mirroring presence to NATS", logger.String("subject", cfg.Presence.NATS.Subject))
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return presence.NewMirror(log, 0, sinks...), nil
}
