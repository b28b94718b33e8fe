// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package emojitag classifies ntfy message tags into emoji glyphs and
// plain labels. Tags like "warning" render as a ⚠️ prefix on the
// formatted message; tags with no emoji equivalent render as a
// trailing "Tags:" annotation.
//
// Two [Classifier] implementations exist and are selected at startup:
// [Library] resolves tags against the full emoji alias table from
// github.com/kyokomi/emoji, and [Table] uses a small built-in map
// covering the tags ntfy documents (https://docs.ntfy.sh/publish/
// #tags-emojis). Table exists for deployments that want a fixed,
// auditable glyph set; it is also the deterministic choice for tests.
package emojitag
