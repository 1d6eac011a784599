package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cargoline/opsdash/internal/bridge"
	"github.com/cargoline/opsdash/internal/config"
	"github.com/cargoline/opsdash/internal/credential"
	"github.com/cargoline/opsdash/internal/feed"
	"github.com/cargoline/opsdash/internal/logger"
	"github.com/cargoline/opsdash/internal/metrics"
	"github.com/cargoline/opsdash/internal/relay"
	"github.com/cargoline/opsdash/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
)

const shutdownTimeout = 10 * time.Second

func main() {
	tokenFlag := flag.String("token", "", "API credential (overrides OPSDASH_TOKEN and the keyring)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if os.Getenv("APP_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NATS relay (optional)
	var sink feed.Sink = relay.Discard{}
	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = relay.Connect(cfg.NatsURL, log)
		if err != nil {
			log.Warn("nats relay disabled", slog.String("error", err.Error()))
		} else {
			sink = relay.New(nc, cfg.NatsSubjectPrefix, log)
			log.Info("nats relay enabled", slog.String("subject_prefix", cfg.NatsSubjectPrefix))
		}
	}

	manager := session.NewManager(session.OptionsFromConfig(cfg, sink, log))
	metrics.RegisterDisconnectedSeconds(manager.DisconnectedSeconds)

	if token := resolveCredential(*tokenFlag, cfg, log); token != "" {
		manager.SetCredential(ctx, token)
	} else {
		log.Warn("no credential configured, waiting for PUT /api/session/credential")
	}

	server := bridge.New(manager, bridge.Options{
		Addr:           cfg.BridgeAddr,
		AllowedOrigins: cfg.AllowedOrigins(),
	}, log)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("bridge listening", slog.String("addr", server.Addr()))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error("bridge stopped", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("bridge shutdown incomplete", slog.String("error", err.Error()))
	}

	manager.Close()

	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn("failed to drain nats connection", slog.String("error", err.Error()))
		}
	}

	log.Info("notifyd exited")
}

// resolveCredential picks the credential from the flag, then the environment,
// then the keyring.
func resolveCredential(flagValue string, cfg *config.Config, log *logger.Logger) string {
	if flagValue != "" {
		return flagValue
	}
	if cfg.Token != "" {
		return cfg.Token
	}

	store, err := credential.Open()
	if err != nil {
		log.Warn("keyring unavailable", slog.String("error", err.Error()))
		return ""
	}
	token, err := store.Get(credential.TokenKey)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			log.Warn("failed to read credential from keyring", slog.String("error", err.Error()))
		}
		return ""
	}
	return token
}
