// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Ntfy-relay is a daemon that relays ntfy push notifications into
// Matrix rooms. It logs into a Matrix homeserver with a configured
// access token, resumes one streaming connection per subscribed topic
// from persisted cursors, and listens for subscription commands in
// the rooms it has joined.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/ntfy-relay/lib/command"
	"github.com/bureau-foundation/ntfy-relay/lib/config"
	"github.com/bureau-foundation/ntfy-relay/lib/emojitag"
	"github.com/bureau-foundation/ntfy-relay/lib/msgfmt"
	"github.com/bureau-foundation/ntfy-relay/lib/process"
	"github.com/bureau-foundation/ntfy-relay/lib/sqlitepool"
	"github.com/bureau-foundation/ntfy-relay/lib/topicstore"
	"github.com/bureau-foundation/ntfy-relay/lib/topicsub"
	"github.com/bureau-foundation/ntfy-relay/lib/version"
	"github.com/bureau-foundation/ntfy-relay/messaging"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// matrixSender adapts the Matrix session to the fan-out Sender.
type matrixSender struct {
	session *messaging.Session
}

func (s matrixSender) Send(ctx context.Context, roomID string, message msgfmt.Message) error {
	_, err := s.session.SendMessage(ctx, roomID,
		messaging.NewHTMLMessage(message.Body, message.FormattedBody))
	return err
}

func run() error {
	var configPath string
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to the relay config file (or set NTFY_RELAY_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("ntfy-relay %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting ntfy-relay",
		"version", version.Info(),
		"homeserver", cfg.Homeserver.URL,
		"user_id", cfg.Homeserver.UserID,
	)

	if err := cfg.EnsureDatabaseDir(); err != nil {
		return err
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Schema:   topicstore.Schema,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	store := topicstore.New(pool, logger)

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	session := client.SessionFromToken(cfg.Homeserver.UserID, cfg.Homeserver.AccessToken)

	// Fail fast on a bad or revoked token instead of erroring on
	// every send later.
	tokenUser, err := session.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("validating access token: %w", err)
	}
	if tokenUser != cfg.Homeserver.UserID {
		return fmt.Errorf("access token belongs to %s but config names %s", tokenUser, cfg.Homeserver.UserID)
	}

	classifier := emojitag.Library()
	if cfg.Bot.BuiltinEmoji {
		classifier = emojitag.Table()
	}

	manager, err := topicsub.NewManager(topicsub.Config{
		Store:          store,
		Sender:         matrixSender{session: session},
		Classifier:     classifier,
		InitialBackoff: cfg.Stream.InitialBackoff.Std(),
		MaxBackoff:     cfg.Stream.MaxBackoff.Std(),
		MaxAttempts:    cfg.Stream.MaxAttempts,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if err := manager.ResumeAll(ctx); err != nil {
		return fmt.Errorf("resuming topic streams: %w", err)
	}

	listener, err := command.NewListener(command.Config{
		Session: session,
		Manager: manager,
		Prefix:  cfg.Bot.CommandPrefix,
		Admins:  cfg.Bot.Admins,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	// Blocks until the shutdown signal (nil) or a persistent sync
	// failure (error). Either way the streams drain before exit.
	runErr := listener.Run(ctx)

	logger.Info("shutting down")
	manager.Shutdown()
	session.CloseIdleConnections()
	return runErr
}
