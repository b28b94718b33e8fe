// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package topicstore persists the relay's durable state: one row per
// ntfy topic with its resume cursor, and the set of Matrix rooms
// subscribed to each topic.
//
// The store is the single writer for both tables. Stream tasks advance
// cursors (one task per topic, so cursor writes never contend on the
// same row), the command layer adds and removes subscriptions, and
// fan-out reads subscriber lists concurrently. SQLite's WAL mode plus
// the pool's busy timeout serialize whatever does overlap.
//
// Topics are never deleted: a topic whose last subscription is removed
// stays as a dormant row keeping its cursor, so a later resubscribe
// resumes without replaying history.
package topicstore
