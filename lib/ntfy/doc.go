// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ntfy implements the client side of the ntfy JSON event
// stream (https://docs.ntfy.sh/subscribe/api/).
//
// A ntfy server exposes one newline-delimited JSON feed per topic at
// /<topic>/json. The connection stays open indefinitely; the server
// pushes an event object per line and multiplexes keep-alive and open
// events on the same stream. [Subscribe] opens the feed and returns a
// [Stream] whose Next method yields decoded message events, skipping
// everything else. The since query parameter resumes a feed from an
// earlier event ID without redelivering history.
//
// This package is pure wire protocol: no persistence, no fan-out, no
// reconnect policy. Those live in lib/topicsub.
package ntfy
