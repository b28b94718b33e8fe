// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package topicsub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bureau-foundation/ntfy-relay/lib/clock"
	"github.com/bureau-foundation/ntfy-relay/lib/emojitag"
	"github.com/bureau-foundation/ntfy-relay/lib/msgfmt"
	"github.com/bureau-foundation/ntfy-relay/lib/topicstore"
)

// Result reports what a Subscribe or Unsubscribe call changed.
type Result int

const (
	// Subscribed: the room is now subscribed; it was not before.
	Subscribed Result = iota
	// AlreadySubscribed: the room was already subscribed; no change.
	AlreadySubscribed
	// Unsubscribed: the room's subscription was removed.
	Unsubscribed
	// NotSubscribed: the room had no subscription to remove.
	NotSubscribed
)

func (r Result) String() string {
	switch r {
	case Subscribed:
		return "subscribed"
	case AlreadySubscribed:
		return "already subscribed"
	case Unsubscribed:
		return "unsubscribed"
	case NotSubscribed:
		return "not subscribed"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Sender delivers one rendered notification to one room. Implemented
// by the Matrix session in production and by fakes in tests.
type Sender interface {
	Send(ctx context.Context, roomID string, message msgfmt.Message) error
}

// Config configures a Manager. Store and Sender are required.
type Config struct {
	// Store persists topics, subscriptions, and resume cursors.
	Store *topicstore.Store

	// Sender delivers rendered notifications to rooms.
	Sender Sender

	// Classifier maps ntfy tags to emoji for rendering. Defaults to
	// [emojitag.Library].
	Classifier emojitag.Classifier

	// HTTPClient is used for topic streams. Must not have a Timeout
	// set. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Clock paces reconnect backoff. Defaults to the real clock.
	Clock clock.Clock

	// InitialBackoff is the delay before the first reconnect attempt
	// after a stream failure. Doubles per consecutive failure up to
	// MaxBackoff and resets once a reconnected stream produces an
	// event. Defaults to 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Defaults to 5m.
	MaxBackoff time.Duration

	// MaxAttempts bounds consecutive reconnect attempts that yield no
	// event. When exceeded the task gives up with an error. Zero
	// means retry forever.
	MaxAttempts int

	// OnStreamExit, when set, is called after a stream task has been
	// removed from the registry. err is nil when the task stopped
	// because it was cancelled, non-nil when it gave up on a
	// permanent error.
	OnStreamExit func(topic topicstore.Topic, err error)

	Logger *slog.Logger
}

// Manager owns the registry of active stream tasks, one per topic.
type Manager struct {
	store          *topicstore.Store
	sender         Sender
	classifier     emojitag.Classifier
	httpClient     *http.Client
	clock          clock.Clock
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	onStreamExit   func(topic topicstore.Topic, err error)
	logger         *slog.Logger

	// rootCtx parents every stream task; Shutdown cancels it.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu           sync.Mutex
	streams      map[int64]*streamTask
	shuttingDown bool

	tasks sync.WaitGroup
}

// NewManager creates a Manager. No streams run until Subscribe or
// ResumeAll starts them.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("topicsub: config requires a Store")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("topicsub: config requires a Sender")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = emojitag.Library()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Manager{
		store:          cfg.Store,
		sender:         cfg.Sender,
		classifier:     cfg.Classifier,
		httpClient:     cfg.HTTPClient,
		clock:          cfg.Clock,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		maxAttempts:    cfg.MaxAttempts,
		onStreamExit:   cfg.OnStreamExit,
		logger:         cfg.Logger,
		rootCtx:        rootCtx,
		rootCancel:     rootCancel,
		streams:        make(map[int64]*streamTask),
	}, nil
}

// Subscribe subscribes a room to a topic, creating the topic row on
// first use and starting its stream task when the room is the topic's
// first subscriber. Subscribing a room that is already subscribed is
// a no-op reported as [AlreadySubscribed].
func (m *Manager) Subscribe(ctx context.Context, server, topic, roomID string) (Result, error) {
	entry, err := m.store.GetTopic(ctx, server, topic)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		created, err := m.store.CreateTopic(ctx, server, topic)
		if err != nil {
			return 0, err
		}
		entry = &created
	}

	subscribed, err := m.store.HasSubscription(ctx, entry.ID, roomID)
	if err != nil {
		return 0, err
	}
	if subscribed {
		return AlreadySubscribed, nil
	}

	existing, err := m.store.Subscriptions(ctx, entry.ID)
	if err != nil {
		return 0, err
	}
	if err := m.store.AddSubscription(ctx, entry.ID, roomID); err != nil {
		return 0, err
	}

	m.logger.Info("room subscribed to topic",
		"topic", entry.Name(),
		"room_id", roomID,
	)

	// First subscriber brings the stream up. The registry check in
	// startStream keeps this idempotent if a stale task still runs.
	if len(existing) == 0 {
		m.startStream(*entry)
	}
	return Subscribed, nil
}

// Unsubscribe removes a room's subscription to a topic. The topic row
// and cursor are kept, and an active stream task is left running even
// when the last room unsubscribes.
func (m *Manager) Unsubscribe(ctx context.Context, server, topic, roomID string) (Result, error) {
	entry, err := m.store.GetTopic(ctx, server, topic)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return NotSubscribed, nil
	}

	subscribed, err := m.store.HasSubscription(ctx, entry.ID, roomID)
	if err != nil {
		return 0, err
	}
	if !subscribed {
		return NotSubscribed, nil
	}

	if err := m.store.RemoveSubscription(ctx, entry.ID, roomID); err != nil {
		return 0, err
	}
	m.logger.Info("room unsubscribed from topic",
		"topic", entry.Name(),
		"room_id", roomID,
	)
	return Unsubscribed, nil
}

// ResumeAll starts a stream task for every topic with at least one
// subscription, resuming each from its persisted cursor. Topics that
// already have a running task are skipped, so ResumeAll is safe to
// call on a Manager with live streams.
func (m *Manager) ResumeAll(ctx context.Context) error {
	topics, err := m.store.SubscribedTopics(ctx)
	if err != nil {
		return err
	}
	for _, entry := range topics {
		m.startStream(entry)
	}
	m.logger.Info("topic streams resumed", "count", len(topics))
	return nil
}

// StreamCount returns the number of active stream tasks.
func (m *Manager) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// StreamRunning reports whether a topic currently has a stream task.
func (m *Manager) StreamRunning(topicID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.streams[topicID]
	return running
}

// Shutdown cancels every stream task and blocks until all of them
// have stopped. The Manager cannot be reused afterwards: Subscribe
// still records subscriptions but no new streams start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	active := len(m.streams)
	m.mu.Unlock()

	m.rootCancel()
	m.tasks.Wait()
	m.logger.Info("all topic streams stopped", "count", active)
}

// startStream registers and launches a stream task for the topic.
// No-op when a task already exists or the manager is shutting down.
func (m *Manager) startStream(entry topicstore.Topic) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		m.logger.Warn("not starting topic stream during shutdown", "topic", entry.Name())
		return
	}
	if _, exists := m.streams[entry.ID]; exists {
		return
	}

	taskCtx, taskCancel := context.WithCancel(m.rootCtx)
	task := &streamTask{
		manager: m,
		topic:   entry,
		logger: m.logger.With(
			"topic", entry.Name(),
			"topic_id", entry.ID,
		),
	}
	m.streams[entry.ID] = task
	m.tasks.Add(1)

	go func() {
		defer m.tasks.Done()
		err := task.run(taskCtx)
		taskCancel()
		m.finishStream(task, err)
	}()
}

// finishStream removes a completed task from the registry and reports
// its outcome.
func (m *Manager) finishStream(task *streamTask, err error) {
	m.mu.Lock()
	delete(m.streams, task.topic.ID)
	m.mu.Unlock()

	if err != nil {
		task.logger.Error("topic stream gave up", "error", err)
	} else {
		task.logger.Info("topic stream stopped")
	}
	if m.onStreamExit != nil {
		m.onStreamExit(task.topic, err)
	}
}

// deliver fans one message event out to every room subscribed to the
// topic. The subscriber list is read fresh from the store so rooms
// subscribed mid-stream receive subsequent events. Failures are
// per-room: logged and skipped.
func (m *Manager) deliver(ctx context.Context, entry *topicstore.Topic, message msgfmt.Message) {
	subscriptions, err := m.store.Subscriptions(ctx, entry.ID)
	if err != nil {
		m.logger.Error("failed to load subscribers for fan-out",
			"topic", entry.Name(),
			"error", err,
		)
		return
	}

	for _, subscription := range subscriptions {
		if err := m.sender.Send(ctx, subscription.RoomID, message); err != nil {
			m.logger.Error("failed to deliver notification",
				"topic", entry.Name(),
				"room_id", subscription.RoomID,
				"error", err,
			)
		}
	}
}
