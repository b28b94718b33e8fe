// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntfy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// maxLineSize bounds a single event line. ntfy caps message bodies at
// 4 KiB; 512 KiB leaves generous headroom for attachment metadata and
// future fields while still refusing pathological input.
const maxLineSize = 512 * 1024

// HTTPError reports a non-2xx response when opening a topic stream.
// Callers use [HTTPError.Temporary] to decide between reconnecting
// with backoff and giving up on the subscription.
type HTTPError struct {
	// StatusCode is the HTTP status code of the response.
	StatusCode int
	// URL is the stream URL the request was sent to.
	URL string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ntfy: %s returned HTTP %d", e.URL, e.StatusCode)
}

// Temporary reports whether retrying the request can reasonably
// succeed. Server-side errors (5xx) and rate limiting (429) are
// temporary; other client errors (bad topic, forbidden) are not.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// StreamURL builds the JSON stream URL for a topic. A server without a
// scheme defaults to https. A non-empty since value is appended as the
// resume parameter so reconnection does not redeliver history.
func StreamURL(server, topic, since string) string {
	base := server
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	streamURL := strings.TrimRight(base, "/") + "/" + topic + "/json"
	if since != "" {
		streamURL += "?since=" + url.QueryEscape(since)
	}
	return streamURL
}

// Stream is an open topic event stream. Not safe for concurrent use;
// one goroutine owns the stream and calls Next until it errors.
type Stream struct {
	url    string
	body   io.ReadCloser
	reader *bufio.Reader
	logger *slog.Logger
}

// Subscribe opens the JSON event stream for a topic, resuming from
// since when non-empty. The connection has no read deadline — the
// server holds it open and pushes events as they occur. Cancel ctx to
// abort both the dial and any pending read.
//
// httpClient must not have a Timeout set (a timeout would sever the
// long-lived stream); pass nil to use a plain default client. A non-2xx
// response is returned as *HTTPError.
func Subscribe(ctx context.Context, httpClient *http.Client, server, topic, since string, logger *slog.Logger) (*Stream, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	streamURL := StreamURL(server, topic, since)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ntfy: building stream request for %s: %w", streamURL, err)
	}

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("ntfy: opening stream %s: %w", streamURL, err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		// Drain a little of the body for connection reuse, then
		// surface the status to the caller.
		_, _ = io.CopyN(io.Discard, response.Body, 4096)
		response.Body.Close()
		return nil, &HTTPError{StatusCode: response.StatusCode, URL: streamURL}
	}

	logger.Debug("topic stream opened", "url", streamURL)

	return &Stream{
		url:    streamURL,
		body:   response.Body,
		reader: bufio.NewReaderSize(response.Body, maxLineSize),
		logger: logger,
	}, nil
}

// Next blocks until the next message event arrives on the stream.
// Open, keepalive, and poll_request events are skipped. Returns an
// error when the stream closes (io.EOF for a clean server-side close),
// when a line fails to decode, or when the subscribing context is
// cancelled mid-read.
func (s *Stream) Next() (*Event, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			// A partial line at end-of-stream is still stream
			// closure; whatever was buffered is not a complete
			// event and is discarded.
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("ntfy: decoding event line %q: %w", truncate(line, 120), err)
		}

		if event.Kind != EventMessage {
			s.logger.Debug("skipping non-message event",
				"url", s.url,
				"kind", event.Kind,
			)
			continue
		}

		return &event, nil
	}
}

// URL returns the stream URL the subscription was opened with.
func (s *Stream) URL() string {
	return s.url
}

// Close closes the underlying connection. Pending Next calls return
// with an error. Idempotent.
func (s *Stream) Close() error {
	return s.body.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
