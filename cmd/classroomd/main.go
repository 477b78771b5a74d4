// Command classroomd serves the classroom messaging and alerting core.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/nhle/classroom-messaging/internal/alert"
	"github.com/nhle/classroom-messaging/internal/attachment"
	"github.com/nhle/classroom-messaging/internal/bus"
	"github.com/nhle/classroom-messaging/internal/conversation"
	"github.com/nhle/classroom-messaging/internal/credential"
	"github.com/nhle/classroom-messaging/internal/directory"
	"github.com/nhle/classroom-messaging/internal/message"
	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/server"
	"github.com/nhle/classroom-messaging/internal/store"
	"github.com/nhle/classroom-messaging/internal/unread"
)

func main() {
	_ = godotenv.Load()

	configPath := pflag.StringP("config", "c", model.DefaultConfigPath(), "path to the YAML config file")
	pflag.Parse()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("classroomd stopped")
		os.Exit(1)
	}
}

func newLogger(cfg model.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *model.AppConfig, log zerolog.Logger) error {
	vault, err := credential.Open()
	if err != nil {
		log.Warn().Err(err).Msg("keyring unavailable, reading secrets from the environment")
	}

	jwtSecret, err := credential.Lookup(vault, credential.JWTSecretKey)
	if err != nil {
		return fmt.Errorf("jwt secret (set %s or store it in the keyring): %w",
			credential.EnvName(credential.JWTSecretKey), err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.Database.Path, err)
	}
	defer s.Close()

	timeout := cfg.Timeouts.Operation

	hub := bus.NewHub(log)
	defer hub.Close()

	focus := alert.NewFocusTracker()
	opts := alert.Options{
		Sounds:        alert.NewSoundMap(cfg.Alerts.Sounds),
		Focus:         focus,
		ToastLimit:    cfg.Alerts.ToastLimit,
		ToastDuration: cfg.Alerts.ToastDuration,
		Icon:          cfg.Push.Icon,
		Badge:         cfg.Push.Badge,
		Timeout:       timeout,
	}
	if cfg.Push.Endpoint != "" {
		key, err := credential.Lookup(vault, credential.PushServerKeyKey)
		if err != nil && !errors.Is(err, credential.ErrNotFound) {
			return fmt.Errorf("push server key: %w", err)
		}
		opts.Push = alert.NewPushClient(cfg.Push.Endpoint, key)
		log.Info().Str("endpoint", cfg.Push.Endpoint).Msg("push notifications enabled")
	}

	alerts := alert.NewDispatcher(s, hub, log, opts)
	defer alerts.Close()

	var sink message.AlertSink
	if cfg.Alerts.OnMessage {
		sink = alerts
	}

	counter := unread.NewCounter(s, hub, log, timeout)
	messages := message.NewService(s, counter, hub, sink, log, timeout)
	defer messages.Close()

	storage := attachment.NewFSStorage(afero.NewOsFs(), cfg.Storage.Root, cfg.Storage.PublicBaseURL)

	srv := server.New(server.Deps{
		Hub:                  hub,
		Users:                directory.New(s, log, timeout),
		Conversations:        conversation.NewDirectory(s, hub, log, timeout),
		Messages:             messages,
		Unread:               counter,
		Alerts:               alerts,
		Attachments:          attachment.NewResolver(storage, log, timeout),
		Files:                storage.FileSystem(),
		Focus:                focus,
		Auth:                 server.NewAuthenticator(jwtSecret),
		WSInsecureSkipVerify: cfg.Server.WSInsecureSkipVerify,
	}, log)

	return srv.Run(ctx, cfg.Server.Addr)
}
