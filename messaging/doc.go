// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the subset of the Matrix client-server API
// the relay needs: login, message and reaction sending, room state
// reads, and incremental sync with long-polling.
//
// [Client] is an unauthenticated client holding the homeserver URL and
// HTTP transport. [Client.Login] and [Client.SessionFromToken] return
// authenticated [Session] values for API calls. Notifications are
// delivered with [Session.SendMessage] using HTML-formatted content
// ([NewHTMLMessage]); the command layer reads rooms via
// [Session.Sync] and acknowledges with [Session.SendReaction].
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, ...) and HTTP status.
// Request URLs are built by string concatenation on an escaped path
// rather than url.URL, avoiding double-encoding of path segments that
// contain URL-encoded characters.
package messaging
