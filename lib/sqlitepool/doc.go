// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the relay's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode, NORMAL synchronous for process-crash durability
// without fsync-per-commit overhead, and a busy timeout so concurrent
// cursor and subscription writes queue instead of failing with
// SQLITE_BUSY.
//
// The pool is built on zombiezen's sqlitex.Pool. Callers [Pool.Take] a
// connection, perform work, and [Pool.Put] it back. Connections are
// NOT safe for concurrent use — each goroutine must hold its own
// connection for the duration of its work.
//
// This package is intentionally thin: it applies standard pragmas,
// applies the caller's schema script on each connection, and exposes
// the underlying zombiezen types directly. Callers write SQL with
// sqlitex.Execute; there is no query-builder layer.
package sqlitepool
