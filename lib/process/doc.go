// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the
// ntfy-relay daemon. It centralizes the one legitimate raw-stderr
// pattern in the codebase: fatal error reporting from main() before
// the structured logger exists. All other output goes through slog.
package process
