// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// Session is an authenticated Matrix session. It wraps a Client with
// an access token. Sessions are lightweight and safe for concurrent
// use — the stream fan-out and the command loop share one.
type Session struct {
	client      *Client
	accessToken string
	userID      string
	deviceID    string

	// transactionCounter generates unique transaction IDs for
	// idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID
// (e.g., "@ntfy:example.org").
func (s *Session) UserID() string {
	return s.userID
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's pool. Call after a sync error so the next request opens
// a fresh TCP connection.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// WhoAmI validates the access token and returns the user ID. Useful
// for checking a configured token at startup.
func (s *Session) WhoAmI(ctx context.Context) (string, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return "", fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// SendMessage sends an m.room.message event to a room. Returns the
// event ID.
func (s *Session) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	return s.sendEvent(ctx, roomID, "m.room.message", content)
}

// SendReaction sends an m.reaction annotation for an event. key is
// the reaction glyph (e.g., "✅").
func (s *Session) SendReaction(ctx context.Context, roomID, eventID, key string) (string, error) {
	return s.sendEvent(ctx, roomID, "m.reaction", ReactionContent{
		RelatesTo: ReactionRelation{
			RelType: "m.annotation",
			EventID: eventID,
			Key:     key,
		},
	})
}

// sendEvent PUTs an event with a fresh transaction ID so retries are
// idempotent on the server side.
func (s *Session) sendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/send/" + url.PathEscape(eventType) + "/" + s.nextTransactionID()
	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return "", fmt.Errorf("messaging: sending %s to %s: %w", eventType, roomID, err)
	}

	var response struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent fetches a specific state event's content from a room.
// Returns the raw JSON content for the caller to unmarshal.
func (s *Session) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/state/" + url.PathEscape(eventType) + "/" + url.PathEscape(stateKey)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: fetching state %s in %s: %w", eventType, roomID, err)
	}
	return json.RawMessage(body), nil
}

// PowerLevels fetches and parses a room's m.room.power_levels state.
func (s *Session) PowerLevels(ctx context.Context, roomID string) (PowerLevels, error) {
	raw, err := s.GetStateEvent(ctx, roomID, "m.room.power_levels", "")
	if err != nil {
		return PowerLevels{}, err
	}
	var levels PowerLevels
	if err := json.Unmarshal(raw, &levels); err != nil {
		return PowerLevels{}, fmt.Errorf("messaging: failed to parse power levels for %s: %w", roomID, err)
	}
	return levels, nil
}

// JoinRoom joins a room by room ID. Returns the room ID.
func (s *Session) JoinRoom(ctx context.Context, roomID string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return "", fmt.Errorf("messaging: joining %s: %w", roomID, err)
	}

	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// JoinedRooms returns the list of room IDs the user has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]string, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: listing joined rooms: %w", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// Sync performs an incremental sync with the homeserver. The since
// token travels as a query parameter, not server-side session state,
// so concurrent sync loops on one Session are independent.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// nextTransactionID returns a process-unique transaction ID for event
// sends. The timestamp component keeps IDs unique across restarts.
func (s *Session) nextTransactionID() string {
	return fmt.Sprintf("ntfyrelay-%d-%d", time.Now().UnixMilli(), s.transactionCounter.Add(1))
}
