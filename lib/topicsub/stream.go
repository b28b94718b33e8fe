// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package topicsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/ntfy-relay/lib/msgfmt"
	"github.com/bureau-foundation/ntfy-relay/lib/ntfy"
	"github.com/bureau-foundation/ntfy-relay/lib/topicstore"
)

// streamTask is one topic's connection loop. It holds its own copy of
// the topic row and keeps the LastEventID field current so reconnects
// resume without a store read.
type streamTask struct {
	manager *Manager
	topic   topicstore.Topic
	logger  *slog.Logger
}

// run connects, reads, and reconnects until the context is cancelled
// or the server rejects the subscription permanently. Returns nil on
// cancellation.
func (t *streamTask) run(ctx context.Context) error {
	backoff := t.manager.initialBackoff
	attempts := 0

	for {
		stream, err := ntfy.Subscribe(ctx, t.manager.httpClient,
			t.topic.Server, t.topic.Topic, t.topic.LastEventID, t.logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var httpErr *ntfy.HTTPError
			if errors.As(err, &httpErr) && !httpErr.Temporary() {
				return fmt.Errorf("topicsub: subscribing to %s: %w", t.topic.Name(), err)
			}
			attempts++
			if exceeded := t.attemptsExceeded(attempts, err); exceeded != nil {
				return exceeded
			}
			if !t.waitBackoff(ctx, &backoff, err) {
				return nil
			}
			continue
		}

		processed, err := t.readLoop(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return nil
		}
		// An event made it through, so the connection was healthy;
		// the next outage starts the backoff ladder from the bottom.
		if processed > 0 {
			backoff = t.manager.initialBackoff
			attempts = 0
		}
		attempts++
		if exceeded := t.attemptsExceeded(attempts, err); exceeded != nil {
			return exceeded
		}
		if !t.waitBackoff(ctx, &backoff, err) {
			return nil
		}
	}
}

// attemptsExceeded returns a terminal error once consecutive fruitless
// attempts pass the configured bound, nil otherwise.
func (t *streamTask) attemptsExceeded(attempts int, cause error) error {
	if t.manager.maxAttempts <= 0 || attempts < t.manager.maxAttempts {
		return nil
	}
	return fmt.Errorf("topicsub: giving up on %s after %d attempts: %w",
		t.topic.Name(), attempts, cause)
}

// readLoop drains the open stream. For each message event the cursor
// is persisted before fan-out, so a crash in between drops at most
// one delivery instead of repeating it after resume. Returns the
// number of events processed and the error that ended the stream.
func (t *streamTask) readLoop(ctx context.Context, stream *ntfy.Stream) (int, error) {
	processed := 0
	for {
		event, err := stream.Next()
		if err != nil {
			return processed, err
		}

		if err := t.manager.store.UpdateCursor(ctx, t.topic.ID, event.ID); err != nil {
			// Without a persisted cursor the event would be
			// redelivered after restart; skip fan-out and retry the
			// event on reconnect instead.
			return processed, fmt.Errorf("topicsub: persisting cursor: %w", err)
		}
		t.topic.LastEventID = event.ID

		message := msgfmt.Render(t.topic.Server, event, t.manager.classifier)
		t.manager.deliver(ctx, &t.topic, message)
		processed++
	}
}

// waitBackoff logs the interruption, sleeps for the current backoff,
// and doubles it up to the cap. Returns false when the context was
// cancelled during the wait.
func (t *streamTask) waitBackoff(ctx context.Context, backoff *time.Duration, cause error) bool {
	t.logger.Warn("topic stream interrupted, reconnecting",
		"backoff", *backoff,
		"error", cause,
	)
	select {
	case <-ctx.Done():
		return false
	case <-t.manager.clock.After(*backoff):
	}
	*backoff = min(2*(*backoff), t.manager.maxBackoff)
	return true
}
