// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntfy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamURL(t *testing.T) {
	tests := []struct {
		name   string
		server string
		topic  string
		since  string
		want   string
	}{
		{
			name:   "bare host defaults to https",
			server: "ntfy.sh",
			topic:  "alerts",
			want:   "https://ntfy.sh/alerts/json",
		},
		{
			name:   "explicit http preserved",
			server: "http://127.0.0.1:8080",
			topic:  "alerts",
			want:   "http://127.0.0.1:8080/alerts/json",
		},
		{
			name:   "since appended as resume parameter",
			server: "ntfy.example.com",
			topic:  "backups",
			since:  "w4Ker2dEjh3A",
			want:   "https://ntfy.example.com/backups/json?since=w4Ker2dEjh3A",
		},
		{
			name:   "trailing slash on server stripped",
			server: "https://ntfy.example.com/",
			topic:  "t",
			want:   "https://ntfy.example.com/t/json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StreamURL(tt.server, tt.topic, tt.since); got != tt.want {
				t.Errorf("StreamURL(%q, %q, %q) = %q, want %q",
					tt.server, tt.topic, tt.since, got, tt.want)
			}
		})
	}
}

// streamServer serves the given lines on any request and then closes
// the response. It records the since parameter of the last request.
func streamServer(t *testing.T, lines ...string) (*httptest.Server, *string) {
	t.Helper()
	var since string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since = r.URL.Query().Get("since")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			io.WriteString(w, line+"\n")
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server, &since
}

func TestNextYieldsOnlyMessageEvents(t *testing.T) {
	server, _ := streamServer(t,
		`{"id":"a1","event":"open","topic":"t"}`,
		`{"id":"1","event":"message","topic":"t","message":"hi"}`,
		`{"id":"a2","event":"keepalive","topic":"t"}`,
		``,
		`{"id":"2","event":"message","topic":"t","message":"bye","title":"T"}`,
	)

	stream, err := Subscribe(context.Background(), nil, server.URL, "t", "", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	first, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.ID != "1" || first.Message != "hi" {
		t.Errorf("first event = %+v, want id=1 message=hi", first)
	}

	second, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.ID != "2" || second.Title != "T" {
		t.Errorf("second event = %+v, want id=2 title=T", second)
	}

	// Server closed the stream after the last line.
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next after close = %v, want io.EOF", err)
	}
}

func TestSubscribeSendsSinceParameter(t *testing.T) {
	server, since := streamServer(t)

	stream, err := Subscribe(context.Background(), nil, server.URL, "t", "ev42", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stream.Close()

	if *since != "ev42" {
		t.Errorf("since parameter = %q, want %q", *since, "ev42")
	}
}

func TestSubscribeOmitsSinceWhenEmpty(t *testing.T) {
	server, since := streamServer(t)

	stream, err := Subscribe(context.Background(), nil, server.URL, "t", "", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stream.Close()

	if *since != "" {
		t.Errorf("since parameter = %q, want empty", *since)
	}
}

func TestSubscribeHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such topic", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := Subscribe(context.Background(), nil, server.URL, "t", "", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Subscribe error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", httpErr.StatusCode)
	}
	if httpErr.Temporary() {
		t.Error("404 should not be Temporary")
	}
}

func TestHTTPErrorTemporary(t *testing.T) {
	if !(&HTTPError{StatusCode: 503}).Temporary() {
		t.Error("503 should be Temporary")
	}
	if !(&HTTPError{StatusCode: 429}).Temporary() {
		t.Error("429 should be Temporary")
	}
	if (&HTTPError{StatusCode: 403}).Temporary() {
		t.Error("403 should not be Temporary")
	}
}

func TestNextDecodeError(t *testing.T) {
	server, _ := streamServer(t, `{not json`)

	stream, err := Subscribe(context.Background(), nil, server.URL, "t", "", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err == nil || !strings.Contains(err.Error(), "decoding event line") {
		t.Errorf("Next on malformed line = %v, want decode error", err)
	}
}

func TestNextInterruptedByCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, `{"id":"o","event":"open","topic":"t"}`+"\n")
		flusher.Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := Subscribe(ctx, nil, server.URL, "t", "", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := stream.Next()
		errs <- err
	}()

	cancel()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("Next returned nil error after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after context cancel")
	}
}
