// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/ntfy-relay/lib/emojitag"
	"github.com/bureau-foundation/ntfy-relay/lib/topicsub"
	"github.com/bureau-foundation/ntfy-relay/messaging"
)

// minManageLevel is the room power level that grants subscription
// management to non-admin senders.
const minManageLevel = 50

// maxSyncRetries is the number of consecutive /sync failures allowed
// before Run returns an error.
const maxSyncRetries = 5

// longPollTimeout is the server-side long-poll hold time in
// milliseconds for normal /sync calls.
const longPollTimeout = 30000

// retryTimeout is the server-side timeout in milliseconds used after a
// /sync error, short so the retry round-trip completes quickly.
const retryTimeout = 1000

// deniedReply is sent to senders who fail the permission check.
const deniedReply = "You don't have the permission to manage ntfy subscriptions in this room."

// Session is the slice of the Matrix session the listener uses.
type Session interface {
	UserID() string
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
	SendMessage(ctx context.Context, roomID string, content messaging.MessageContent) (string, error)
	SendReaction(ctx context.Context, roomID, eventID, key string) (string, error)
	PowerLevels(ctx context.Context, roomID string) (messaging.PowerLevels, error)
	CloseIdleConnections()
}

// SubscriptionManager executes the subscription changes commands
// request. Implemented by *topicsub.Manager.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, server, topic, roomID string) (topicsub.Result, error)
	Unsubscribe(ctx context.Context, server, topic, roomID string) (topicsub.Result, error)
}

// Config configures a Listener. Session and Manager are required.
type Config struct {
	Session Session
	Manager SubscriptionManager

	// Prefix is the command word after "!". Defaults to "ntfy".
	Prefix string

	// Admins are user IDs allowed to manage subscriptions in any room
	// regardless of power level.
	Admins []string

	Logger *slog.Logger
}

// Listener consumes the /sync timeline and executes subscription
// commands. One listener per daemon; run it with Run.
type Listener struct {
	session Session
	manager SubscriptionManager
	prefix  string
	admins  map[string]bool
	filter  string
	logger  *slog.Logger
}

// NewListener creates a Listener.
func NewListener(cfg Config) (*Listener, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("command: config requires a Session")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("command: config requires a Manager")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ntfy"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	admins := make(map[string]bool, len(cfg.Admins))
	for _, admin := range cfg.Admins {
		admins[admin] = true
	}

	return &Listener{
		session: cfg.Session,
		manager: cfg.Manager,
		prefix:  cfg.Prefix,
		admins:  admins,
		filter:  inlineFilter(),
		logger:  cfg.Logger,
	}, nil
}

// inlineFilter builds the /sync filter: room message timelines only,
// no state, presence, ephemeral, or account data.
func inlineFilter() string {
	top := map[string]any{
		"room": map[string]any{
			"timeline":  map[string]any{"types": []string{"m.room.message"}},
			"state":     map[string]any{"types": []string{}},
			"ephemeral": map[string]any{"types": []string{}},
		},
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}
	data, _ := json.Marshal(top)
	return string(data)
}

// Run long-polls /sync and handles commands until ctx is cancelled
// (returns nil) or the sync stream fails too many times in a row
// (returns the sync error). The initial sync only anchors the stream
// position: messages sent while the daemon was down are not replayed
// as commands.
func (l *Listener) Run(ctx context.Context) error {
	anchor, err := l.session.Sync(ctx, messaging.SyncOptions{
		SetTimeout: true,
		Timeout:    0,
		Filter:     l.filter,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("command: initial sync: %w", err)
	}
	since := anchor.NextBatch
	l.logger.Info("command listener started", "prefix", l.prefix)

	retries := 0
	for {
		syncTimeout := longPollTimeout
		if retries > 0 {
			syncTimeout = retryTimeout
		}
		response, err := l.session.Sync(ctx, messaging.SyncOptions{
			Since:      since,
			SetTimeout: true,
			Timeout:    syncTimeout,
			Filter:     l.filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retries++
			// A poisoned pooled connection keeps failing; drop idle
			// connections so the retry opens a fresh socket.
			l.session.CloseIdleConnections()
			if retries > maxSyncRetries {
				return fmt.Errorf("command: sync failed %d consecutive times: %w", retries, err)
			}
			l.logger.Warn("command sync error, retrying",
				"attempt", retries,
				"max_attempts", maxSyncRetries,
				"error", err,
			)
			continue
		}
		retries = 0
		since = response.NextBatch

		for roomID, joined := range response.Rooms.Join {
			for _, event := range joined.Timeline.Events {
				l.handleEvent(ctx, roomID, event)
			}
		}
	}
}

// handleEvent processes one timeline event, replying in-room for
// anything that parses as a command attempt.
func (l *Listener) handleEvent(ctx context.Context, roomID string, event messaging.Event) {
	if event.Sender == l.session.UserID() || event.Type != "m.room.message" {
		return
	}

	cmd, ok, badCommand := Parse(l.prefix, event.MessageBody())
	if !ok {
		return
	}
	logger := l.logger.With(
		"room_id", roomID,
		"sender", event.Sender,
	)
	if badCommand != "" {
		l.reply(ctx, roomID, badCommand)
		return
	}

	allowed, err := l.authorize(ctx, roomID, event.Sender)
	if err != nil {
		logger.Error("failed to check command permission", "error", err)
		return
	}
	if !allowed {
		logger.Info("command denied", "action", cmd.Action)
		l.reply(ctx, roomID, deniedReply)
		return
	}

	var result topicsub.Result
	switch cmd.Action {
	case ActionSubscribe:
		result, err = l.manager.Subscribe(ctx, cmd.Server, cmd.Topic, roomID)
	case ActionUnsubscribe:
		result, err = l.manager.Unsubscribe(ctx, cmd.Server, cmd.Topic, roomID)
	}
	if err != nil {
		logger.Error("command failed",
			"action", cmd.Action,
			"topic", cmd.Server+"/"+cmd.Topic,
			"error", err,
		)
		l.reply(ctx, roomID, fmt.Sprintf("Failed to %s: internal error", cmd.Action))
		return
	}

	name := cmd.Server + "/" + cmd.Topic
	switch result {
	case topicsub.Subscribed:
		l.reply(ctx, roomID, fmt.Sprintf("Subscribed this room to %s", name))
		l.react(ctx, roomID, event.EventID)
	case topicsub.AlreadySubscribed:
		l.reply(ctx, roomID, fmt.Sprintf("This room is already subscribed to %s", name))
	case topicsub.Unsubscribed:
		l.reply(ctx, roomID, fmt.Sprintf("Unsubscribed this room from %s", name))
		l.react(ctx, roomID, event.EventID)
	case topicsub.NotSubscribed:
		l.reply(ctx, roomID, fmt.Sprintf("This room is not subscribed to %s", name))
	}
	logger.Info("command handled",
		"action", cmd.Action,
		"topic", name,
		"result", result,
	)
}

// authorize reports whether the sender may manage subscriptions in the
// room. Admins skip the power level lookup entirely.
func (l *Listener) authorize(ctx context.Context, roomID, sender string) (bool, error) {
	if l.admins[sender] {
		return true, nil
	}
	levels, err := l.session.PowerLevels(ctx, roomID)
	if err != nil {
		return false, err
	}
	return levels.UserLevel(sender) >= minManageLevel, nil
}

// reply sends a notice to the room. Reply failures are logged, not
// propagated: the command itself already took effect.
func (l *Listener) reply(ctx context.Context, roomID, text string) {
	if _, err := l.session.SendMessage(ctx, roomID, messaging.NewNoticeMessage(text)); err != nil {
		l.logger.Error("failed to send command reply", "room_id", roomID, "error", err)
	}
}

// react acknowledges a successful command with a white check mark on
// the command message.
func (l *Listener) react(ctx context.Context, roomID, eventID string) {
	if _, err := l.session.SendReaction(ctx, roomID, eventID, emojitag.WhiteCheckMark); err != nil {
		l.logger.Error("failed to send command reaction", "room_id", roomID, "error", err)
	}
}
