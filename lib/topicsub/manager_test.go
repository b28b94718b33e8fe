// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package topicsub_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/ntfy-relay/lib/clock"
	"github.com/bureau-foundation/ntfy-relay/lib/msgfmt"
	"github.com/bureau-foundation/ntfy-relay/lib/sqlitepool"
	"github.com/bureau-foundation/ntfy-relay/lib/testutil"
	"github.com/bureau-foundation/ntfy-relay/lib/topicstore"
	"github.com/bureau-foundation/ntfy-relay/lib/topicsub"
)

const timeout = 5 * time.Second

func newTestStore(t *testing.T) *topicstore.Store {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(t.TempDir(), "relay.db"),
		Schema: topicstore.Schema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return topicstore.New(pool, nil)
}

// newTestManager builds a Manager with test defaults (discarded logs,
// fast reconnect). configure may adjust the config before creation.
// Shutdown runs on cleanup, before the stub server closes.
func newTestManager(t *testing.T, store *topicstore.Store, sender topicsub.Sender, configure func(*topicsub.Config)) *topicsub.Manager {
	t.Helper()
	cfg := topicsub.Config{
		Store:          store,
		Sender:         sender,
		InitialBackoff: time.Millisecond,
		Logger:         slog.New(slog.DiscardHandler),
	}
	if configure != nil {
		configure(&cfg)
	}
	manager, err := topicsub.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Shutdown)
	return manager
}

// attempt records one Send call on the fake sender, successful or not.
type attempt struct {
	RoomID  string
	Message msgfmt.Message
	Failed  bool
}

// fakeSender records every delivery attempt and fails Sends to rooms
// listed in failing.
type fakeSender struct {
	mu      sync.Mutex
	failing map[string]bool

	// attempts receives every Send call in order.
	attempts chan attempt
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		failing:  make(map[string]bool),
		attempts: make(chan attempt, 64),
	}
}

func (s *fakeSender) failRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[roomID] = true
}

func (s *fakeSender) Send(ctx context.Context, roomID string, message msgfmt.Message) error {
	s.mu.Lock()
	failed := s.failing[roomID]
	s.mu.Unlock()

	s.attempts <- attempt{RoomID: roomID, Message: message, Failed: failed}
	if failed {
		return fmt.Errorf("send to %s failed", roomID)
	}
	return nil
}

// streamRequest is one connection the ntfy stub accepted.
type streamRequest struct {
	Index int
	Path  string
	Since string
}

// newTopicServer runs an ntfy stream stub. handle is invoked with the
// 1-based request index; every accepted request is also reported on
// the returned channel.
func newTopicServer(t *testing.T, handle func(n int, w http.ResponseWriter, r *http.Request)) (*httptest.Server, <-chan streamRequest) {
	t.Helper()
	requests := make(chan streamRequest, 16)
	var count atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(count.Add(1))
		requests <- streamRequest{Index: n, Path: r.URL.Path, Since: r.URL.Query().Get("since")}
		handle(n, w, r)
	}))
	t.Cleanup(server.Close)
	return server, requests
}

// holdOpen sends headers and keeps the stream open until the client
// disconnects, like a quiet topic.
func holdOpen(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
	<-r.Context().Done()
}

// streamLines writes event lines, then holds the stream open.
func streamLines(w http.ResponseWriter, r *http.Request, lines ...string) {
	flusher := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		io.WriteString(w, line+"\n")
	}
	flusher.Flush()
	<-r.Context().Done()
}

// pumpLines writes one event line per value received on lines, holding
// the stream open in between.
func pumpLines(lines <-chan string) func(n int, w http.ResponseWriter, r *http.Request) {
	return func(n int, w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case line := <-lines:
				io.WriteString(w, line+"\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func messageLine(id, body string) string {
	return fmt.Sprintf(`{"id":%q,"time":1700000000,"event":"message","topic":"alerts","message":%q}`, id, body)
}

// waitFor polls condition until it holds or the timeout elapses.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeIdempotent(t *testing.T) {
	server, _ := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		holdOpen(w, r)
	})
	store := newTestStore(t)
	manager := newTestManager(t, store, newFakeSender(), nil)
	ctx := context.Background()

	result, err := manager.Subscribe(ctx, server.URL, "alerts", "!room1:example.org")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if result != topicsub.Subscribed {
		t.Errorf("first subscribe = %v, want %v", result, topicsub.Subscribed)
	}

	entry, err := store.GetTopic(ctx, server.URL, "alerts")
	if err != nil || entry == nil {
		t.Fatalf("GetTopic after subscribe = %v, %v", entry, err)
	}
	waitFor(t, "stream task", func() bool { return manager.StreamRunning(entry.ID) })

	// Same room again: no change, no second task.
	result, err = manager.Subscribe(ctx, server.URL, "alerts", "!room1:example.org")
	if err != nil {
		t.Fatalf("Subscribe (repeat): %v", err)
	}
	if result != topicsub.AlreadySubscribed {
		t.Errorf("repeat subscribe = %v, want %v", result, topicsub.AlreadySubscribed)
	}

	// A second room shares the existing task.
	result, err = manager.Subscribe(ctx, server.URL, "alerts", "!room2:example.org")
	if err != nil {
		t.Fatalf("Subscribe (second room): %v", err)
	}
	if result != topicsub.Subscribed {
		t.Errorf("second room subscribe = %v, want %v", result, topicsub.Subscribed)
	}
	if count := manager.StreamCount(); count != 1 {
		t.Errorf("StreamCount = %d, want 1", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	server, _ := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		holdOpen(w, r)
	})
	store := newTestStore(t)
	manager := newTestManager(t, store, newFakeSender(), nil)
	ctx := context.Background()

	result, err := manager.Unsubscribe(ctx, server.URL, "alerts", "!room1:example.org")
	if err != nil || result != topicsub.NotSubscribed {
		t.Fatalf("Unsubscribe(unknown topic) = %v, %v; want %v", result, err, topicsub.NotSubscribed)
	}

	if _, err := manager.Subscribe(ctx, server.URL, "alerts", "!room1:example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	entry, _ := store.GetTopic(ctx, server.URL, "alerts")
	waitFor(t, "stream task", func() bool { return manager.StreamRunning(entry.ID) })

	result, err = manager.Unsubscribe(ctx, server.URL, "alerts", "!room1:example.org")
	if err != nil || result != topicsub.Unsubscribed {
		t.Fatalf("Unsubscribe = %v, %v; want %v", result, err, topicsub.Unsubscribed)
	}
	result, err = manager.Unsubscribe(ctx, server.URL, "alerts", "!room1:example.org")
	if err != nil || result != topicsub.NotSubscribed {
		t.Fatalf("Unsubscribe (repeat) = %v, %v; want %v", result, err, topicsub.NotSubscribed)
	}

	// The topic row and its stream survive losing the last room.
	if entry, _ := store.GetTopic(ctx, server.URL, "alerts"); entry == nil {
		t.Error("topic row removed by unsubscribe")
	}
	if !manager.StreamRunning(entry.ID) {
		t.Error("stream task stopped by unsubscribe")
	}
}

func TestResumeAllStartsSubscribedTopics(t *testing.T) {
	server, requests := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		holdOpen(w, r)
	})
	store := newTestStore(t)
	ctx := context.Background()

	alerts, _ := store.CreateTopic(ctx, server.URL, "alerts")
	store.UpdateCursor(ctx, alerts.ID, "ev7")
	store.AddSubscription(ctx, alerts.ID, "!a:example.org")

	backups, _ := store.CreateTopic(ctx, server.URL, "backups")
	store.AddSubscription(ctx, backups.ID, "!b:example.org")

	// No subscribers: must not get a stream.
	store.CreateTopic(ctx, server.URL, "dormant")

	manager := newTestManager(t, store, newFakeSender(), nil)
	if err := manager.ResumeAll(ctx); err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}

	sinceByPath := make(map[string]string)
	for range 2 {
		request := testutil.RequireReceive(t, requests, timeout, "stream connection")
		sinceByPath[request.Path] = request.Since
	}
	if got := sinceByPath["/alerts/json"]; got != "ev7" {
		t.Errorf("alerts resumed with since=%q, want ev7", got)
	}
	if got, ok := sinceByPath["/backups/json"]; !ok || got != "" {
		t.Errorf("backups resumed with since=%q (present=%v), want empty", got, ok)
	}

	if count := manager.StreamCount(); count != 2 {
		t.Errorf("StreamCount = %d, want 2", count)
	}

	// Calling again with streams live changes nothing.
	if err := manager.ResumeAll(ctx); err != nil {
		t.Fatalf("ResumeAll (repeat): %v", err)
	}
	if count := manager.StreamCount(); count != 2 {
		t.Errorf("StreamCount after repeat = %d, want 2", count)
	}
}

func TestCursorPersistedBeforeFanout(t *testing.T) {
	server, _ := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		streamLines(w, r, messageLine("m1", "disk full"))
	})
	store := newTestStore(t)
	sender := newFakeSender()
	sender.failRoom("!room1:example.org")
	manager := newTestManager(t, store, sender, nil)
	ctx := context.Background()

	if _, err := manager.Subscribe(ctx, server.URL, "alerts", "!room1:example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	delivery := testutil.RequireReceive(t, sender.attempts, timeout, "delivery attempt")
	if !delivery.Failed {
		t.Fatal("test sender was supposed to fail the delivery")
	}

	// The attempt happened, so the cursor write preceded it. The
	// failed fan-out must not roll it back.
	entry, err := store.GetTopic(ctx, server.URL, "alerts")
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if entry.LastEventID != "m1" {
		t.Errorf("cursor = %q, want m1 (persisted before fan-out)", entry.LastEventID)
	}
}

func TestFanoutPartialFailure(t *testing.T) {
	lines := make(chan string, 1)
	server, _ := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		pumpLines(lines)(n, w, r)
	})
	store := newTestStore(t)
	sender := newFakeSender()
	sender.failRoom("!b:example.org")
	manager := newTestManager(t, store, sender, nil)
	ctx := context.Background()

	for _, roomID := range []string{"!a:example.org", "!b:example.org", "!c:example.org"} {
		if _, err := manager.Subscribe(ctx, server.URL, "alerts", roomID); err != nil {
			t.Fatalf("Subscribe(%s): %v", roomID, err)
		}
	}

	lines <- messageLine("m1", "deploy finished")

	delivered := make(map[string]bool)
	for range 3 {
		delivery := testutil.RequireReceive(t, sender.attempts, timeout, "delivery attempt")
		delivered[delivery.RoomID] = !delivery.Failed
		if !strings.Contains(delivery.Message.Body, "deploy finished") {
			t.Errorf("delivery body %q missing message text", delivery.Message.Body)
		}
	}
	if !delivered["!a:example.org"] || delivered["!b:example.org"] || !delivered["!c:example.org"] {
		t.Errorf("delivery outcomes = %v, want a and c delivered, b failed", delivered)
	}

	// One room failing must not take down the stream.
	entry, _ := store.GetTopic(ctx, server.URL, "alerts")
	if !manager.StreamRunning(entry.ID) {
		t.Error("stream task stopped after partial fan-out failure")
	}
}

func TestSubscriberAddedMidStream(t *testing.T) {
	lines := make(chan string, 1)
	server, _ := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		pumpLines(lines)(n, w, r)
	})
	store := newTestStore(t)
	sender := newFakeSender()
	manager := newTestManager(t, store, sender, nil)
	ctx := context.Background()

	if _, err := manager.Subscribe(ctx, server.URL, "alerts", "!a:example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	lines <- messageLine("m1", "first")
	first := testutil.RequireReceive(t, sender.attempts, timeout, "first delivery")
	if first.RoomID != "!a:example.org" {
		t.Errorf("first delivery room = %s", first.RoomID)
	}

	// The subscriber list is read per event, so a room added while
	// the stream is live gets the next message.
	if _, err := manager.Subscribe(ctx, server.URL, "alerts", "!b:example.org"); err != nil {
		t.Fatalf("Subscribe (second room): %v", err)
	}
	lines <- messageLine("m2", "second")

	rooms := make(map[string]bool)
	for range 2 {
		delivery := testutil.RequireReceive(t, sender.attempts, timeout, "second-event delivery")
		rooms[delivery.RoomID] = true
	}
	if !rooms["!a:example.org"] || !rooms["!b:example.org"] {
		t.Errorf("second event delivered to %v, want both rooms", rooms)
	}
}

func TestReconnectResumesFromCursor(t *testing.T) {
	server, requests := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			// Non-message events advance nothing; the stream then
			// drops to force a reconnect.
			flusher := w.(http.Flusher)
			io.WriteString(w, `{"id":"o1","event":"open","topic":"alerts"}`+"\n")
			io.WriteString(w, messageLine("m1", "hello")+"\n")
			io.WriteString(w, `{"id":"k1","event":"keepalive","topic":"alerts"}`+"\n")
			flusher.Flush()
			return
		}
		holdOpen(w, r)
	})
	store := newTestStore(t)
	sender := newFakeSender()
	manager := newTestManager(t, store, sender, nil)
	ctx := context.Background()

	if _, err := manager.Subscribe(ctx, server.URL, "alerts", "!room:example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	first := testutil.RequireReceive(t, requests, timeout, "initial connection")
	if first.Since != "" {
		t.Errorf("initial since = %q, want empty", first.Since)
	}

	delivery := testutil.RequireReceive(t, sender.attempts, timeout, "delivery")
	if !strings.Contains(delivery.Message.Body, "hello") {
		t.Errorf("delivery body = %q", delivery.Message.Body)
	}
	select {
	case extra := <-sender.attempts:
		t.Errorf("unexpected extra delivery: %+v (non-message events must be skipped)", extra)
	case <-time.After(50 * time.Millisecond):
	}

	second := testutil.RequireReceive(t, requests, timeout, "reconnect")
	if second.Since != "m1" {
		t.Errorf("reconnect since = %q, want m1", second.Since)
	}
}

func TestReconnectBackoffUsesClock(t *testing.T) {
	server, requests := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			// Accept and immediately drop the stream.
			w.WriteHeader(http.StatusOK)
			return
		}
		holdOpen(w, r)
	})
	store := newTestStore(t)
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	manager := newTestManager(t, store, newFakeSender(), func(cfg *topicsub.Config) {
		cfg.Clock = fakeClock
		cfg.InitialBackoff = time.Second
	})
	ctx := context.Background()

	if _, err := manager.Subscribe(ctx, server.URL, "alerts", "!room:example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	testutil.RequireReceive(t, requests, timeout, "first connection")

	// First drop: the task waits one full backoff on the clock.
	fakeClock.BlockUntil(1)
	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, requests, timeout, "second connection")

	// Second consecutive drop: backoff has doubled, so advancing by
	// the initial interval must not reconnect yet.
	fakeClock.BlockUntil(1)
	fakeClock.Advance(time.Second)
	select {
	case request := <-requests:
		t.Fatalf("reconnected after half the doubled backoff: %+v", request)
	case <-time.After(50 * time.Millisecond):
	}
	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, requests, timeout, "third connection")
}

func TestMaxAttemptsGivesUp(t *testing.T) {
	server, _ := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		// Every connection drops without producing an event.
		w.WriteHeader(http.StatusOK)
	})
	store := newTestStore(t)
	exits := make(chan error, 1)
	manager := newTestManager(t, store, newFakeSender(), func(cfg *topicsub.Config) {
		cfg.MaxAttempts = 3
		cfg.OnStreamExit = func(topic topicstore.Topic, err error) { exits <- err }
	})

	if _, err := manager.Subscribe(context.Background(), server.URL, "alerts", "!room:example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	exitErr := testutil.RequireReceive(t, exits, timeout, "stream exit")
	if exitErr == nil {
		t.Error("exhausting the attempt budget should end the task with an error")
	}
	waitFor(t, "registry cleanup", func() bool { return manager.StreamCount() == 0 })
}

func TestPermanentErrorStopsStream(t *testing.T) {
	server, _ := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such topic", http.StatusNotFound)
	})
	store := newTestStore(t)
	exits := make(chan error, 1)
	manager := newTestManager(t, store, newFakeSender(), func(cfg *topicsub.Config) {
		cfg.OnStreamExit = func(topic topicstore.Topic, err error) { exits <- err }
	})
	ctx := context.Background()

	if _, err := manager.Subscribe(ctx, server.URL, "alerts", "!room:example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	exitErr := testutil.RequireReceive(t, exits, timeout, "stream exit")
	if exitErr == nil {
		t.Error("404 should end the task with an error, not a clean stop")
	}
	waitFor(t, "registry cleanup", func() bool { return manager.StreamCount() == 0 })

	// The subscription itself is untouched; a later resume retries.
	entry, _ := store.GetTopic(ctx, server.URL, "alerts")
	if has, _ := store.HasSubscription(ctx, entry.ID, "!room:example.org"); !has {
		t.Error("subscription removed by stream failure")
	}
}

func TestShutdownStopsAllStreams(t *testing.T) {
	server, _ := newTopicServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		holdOpen(w, r)
	})
	store := newTestStore(t)
	exits := make(chan error, 2)
	manager := newTestManager(t, store, newFakeSender(), func(cfg *topicsub.Config) {
		cfg.OnStreamExit = func(topic topicstore.Topic, err error) { exits <- err }
	})
	ctx := context.Background()

	if _, err := manager.Subscribe(ctx, server.URL, "alerts", "!a:example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := manager.Subscribe(ctx, server.URL, "backups", "!b:example.org"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if count := manager.StreamCount(); count != 2 {
		t.Fatalf("StreamCount = %d, want 2", count)
	}

	manager.Shutdown()

	if count := manager.StreamCount(); count != 0 {
		t.Errorf("StreamCount after shutdown = %d, want 0", count)
	}
	for range 2 {
		if exitErr := testutil.RequireReceive(t, exits, timeout, "stream exit"); exitErr != nil {
			t.Errorf("cancelled stream reported error: %v", exitErr)
		}
	}

	// Subscriptions record fine after shutdown, but no stream starts.
	if _, err := manager.Subscribe(ctx, server.URL, "late", "!c:example.org"); err != nil {
		t.Fatalf("Subscribe after shutdown: %v", err)
	}
	if count := manager.StreamCount(); count != 0 {
		t.Errorf("StreamCount after post-shutdown subscribe = %d, want 0", count)
	}
}
