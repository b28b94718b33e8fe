// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package topicstore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/ntfy-relay/lib/sqlitepool"
)

// Schema is the store's SQLite schema. Statements are idempotent
// because the pool applies the script once per pooled connection.
const Schema = `
CREATE TABLE IF NOT EXISTS topics (
	id INTEGER PRIMARY KEY,
	server TEXT NOT NULL,
	topic TEXT NOT NULL,
	last_event_id TEXT,

	UNIQUE (server, topic)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	topic_id INTEGER NOT NULL,
	room_id TEXT NOT NULL,

	PRIMARY KEY (topic_id, room_id),
	FOREIGN KEY (topic_id) REFERENCES topics (id)
);
`

// Topic is one remote notification feed, identified by (server,
// topic). LastEventID is the opaque resume cursor — empty until the
// first message event has been processed (NULL in the database).
type Topic struct {
	ID          int64
	Server      string
	Topic       string
	LastEventID string

	// Subscriptions is populated by SubscribedTopics; other lookups
	// leave it nil.
	Subscriptions []Subscription
}

// Name returns the user-facing "server/topic" form.
func (t Topic) Name() string {
	return t.Server + "/" + t.Topic
}

// Subscription associates one Matrix room with one topic.
type Subscription struct {
	TopicID int64
	RoomID  string
}

// Store provides CRUD for topics and subscriptions plus the atomic
// cursor update. Safe for concurrent use; every call borrows its own
// pooled connection.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// New creates a Store on top of an open pool. The pool must have been
// opened with [Schema] as its schema script.
func New(pool *sqlitepool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: pool, logger: logger}
}

// CreateTopic inserts a topic row with a null cursor and returns it.
// Fails if (server, topic) already exists.
func (s *Store) CreateTopic(ctx context.Context, server, topic string) (Topic, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Topic{}, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO topics (server, topic, last_event_id) VALUES (?, ?, NULL)",
		&sqlitex.ExecOptions{Args: []any{server, topic}})
	if err != nil {
		return Topic{}, fmt.Errorf("topicstore: creating topic %s/%s: %w", server, topic, err)
	}

	return Topic{
		ID:     conn.LastInsertRowID(),
		Server: server,
		Topic:  topic,
	}, nil
}

// GetTopic looks up a topic by (server, topic). Returns (nil, nil)
// when no such row exists.
func (s *Store) GetTopic(ctx context.Context, server, topic string) (*Topic, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var found *Topic
	err = sqlitex.Execute(conn,
		"SELECT id, server, topic, last_event_id FROM topics WHERE server = ? AND topic = ?",
		&sqlitex.ExecOptions{
			Args: []any{server, topic},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = &Topic{
					ID:          stmt.ColumnInt64(0),
					Server:      stmt.ColumnText(1),
					Topic:       stmt.ColumnText(2),
					LastEventID: stmt.ColumnText(3),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("topicstore: looking up topic %s/%s: %w", server, topic, err)
	}
	return found, nil
}

// SubscribedTopics returns every topic with at least one subscription,
// with the Subscriptions slice populated. Dormant topics (zero
// subscriptions) are excluded — this is the resume-all query.
func (s *Store) SubscribedTopics(ctx context.Context) ([]Topic, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	byID := make(map[int64]*Topic)
	var order []int64
	err = sqlitex.Execute(conn, `
		SELECT topics.id, server, topic, last_event_id, room_id
		FROM topics
		INNER JOIN subscriptions ON topics.id = subscriptions.topic_id
		ORDER BY topics.id, room_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id := stmt.ColumnInt64(0)
				entry, ok := byID[id]
				if !ok {
					entry = &Topic{
						ID:          id,
						Server:      stmt.ColumnText(1),
						Topic:       stmt.ColumnText(2),
						LastEventID: stmt.ColumnText(3),
					}
					byID[id] = entry
					order = append(order, id)
				}
				entry.Subscriptions = append(entry.Subscriptions, Subscription{
					TopicID: id,
					RoomID:  stmt.ColumnText(4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("topicstore: loading subscribed topics: %w", err)
	}

	topics := make([]Topic, 0, len(order))
	for _, id := range order {
		topics = append(topics, *byID[id])
	}
	return topics, nil
}

// UpdateCursor atomically sets the resume cursor for a topic. Called
// by the topic's stream task after each processed message event,
// before fan-out begins.
func (s *Store) UpdateCursor(ctx context.Context, topicID int64, eventID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE topics SET last_event_id = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{eventID, topicID}})
	if err != nil {
		return fmt.Errorf("topicstore: updating cursor for topic %d: %w", topicID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("topicstore: updating cursor: no topic with id %d", topicID)
	}
	return nil
}

// Subscriptions returns the rooms subscribed to a topic.
func (s *Store) Subscriptions(ctx context.Context, topicID int64) ([]Subscription, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var subscriptions []Subscription
	err = sqlitex.Execute(conn,
		"SELECT topic_id, room_id FROM subscriptions WHERE topic_id = ? ORDER BY room_id",
		&sqlitex.ExecOptions{
			Args: []any{topicID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				subscriptions = append(subscriptions, Subscription{
					TopicID: stmt.ColumnInt64(0),
					RoomID:  stmt.ColumnText(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("topicstore: loading subscriptions for topic %d: %w", topicID, err)
	}
	return subscriptions, nil
}

// HasSubscription reports whether a room is subscribed to a topic.
func (s *Store) HasSubscription(ctx context.Context, topicID int64, roomID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	var exists bool
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM subscriptions WHERE topic_id = ? AND room_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{topicID, roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("topicstore: checking subscription: %w", err)
	}
	return exists, nil
}

// AddSubscription subscribes a room to a topic. Fails if the pair
// already exists or the topic does not.
func (s *Store) AddSubscription(ctx context.Context, topicID int64, roomID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO subscriptions (topic_id, room_id) VALUES (?, ?)",
		&sqlitex.ExecOptions{Args: []any{topicID, roomID}})
	if err != nil {
		return fmt.Errorf("topicstore: adding subscription (%d, %s): %w", topicID, roomID, err)
	}
	return nil
}

// RemoveSubscription unsubscribes a room from a topic. Removing a
// pair that does not exist is a no-op.
func (s *Store) RemoveSubscription(ctx context.Context, topicID int64, roomID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM subscriptions WHERE topic_id = ? AND room_id = ?",
		&sqlitex.ExecOptions{Args: []any{topicID, roomID}})
	if err != nil {
		return fmt.Errorf("topicstore: removing subscription (%d, %s): %w", topicID, roomID, err)
	}
	return nil
}
