// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the relay's configuration from a single YAML
// file specified by:
//   - the NTFY_RELAY_CONFIG environment variable, or
//   - the --config flag passed to the daemon
//
// There are no fallbacks or automatic discovery, and environment
// variables do not override file values. This keeps configuration
// deterministic and auditable. The only expansion performed is
// ${VAR} / ${VAR:-default} in the database path, for portability of
// configs across home directories.
package config
