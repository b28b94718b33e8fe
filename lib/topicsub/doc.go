// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package topicsub is the relay's topic subscription engine. The
// [Manager] supervises one long-lived stream task per distinct
// (server, topic) pair: it starts a task when the first room
// subscribes, resumes all tasks from their persisted cursors on
// process start, and cancels and awaits every task on shutdown.
//
// Each stream task owns one network connection to the remote ntfy
// server. For every message event it persists the topic's resume
// cursor FIRST and then fans the rendered notification out to every
// subscribed room — so a crash between the two loses at most that one
// delivery instead of redelivering it on resume. Fan-out queries the
// store fresh per notification; a delivery failure to one room is
// logged and skipped without affecting other rooms, the stream, or
// the already-advanced cursor.
//
// Transient stream failures (connection drops, 5xx on connect)
// reconnect with exponential backoff, resuming from the cursor.
// Permanent failures (4xx on connect) terminate the task; the topic
// stays subscribed but has no active stream until the next resume.
// Cancellation is always an intentional stop, never an error.
//
// The registry of active tasks is owned by the Manager and guarded by
// a single mutex; at most one task exists per topic at any time.
//
// A deliberately kept quirk: unsubscribing the last room of a topic
// does NOT stop its stream task. The task keeps reading (and
// advancing the cursor) with an empty fan-out until the process
// restarts, after which resume skips the dormant topic.
package topicsub
