// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package msgfmt turns a decoded ntfy message event into Matrix
// message content: an HTML formatted body plus a plain-text fallback.
//
// [Render] is a pure function — no state, no I/O. The layout mirrors
// what ntfy's own web app shows: a quoted header naming the
// server/topic, an optional title heading (hyperlinked when the event
// carries a click-through URL), the message body, non-emoji tags as a
// trailing small-print annotation, and the attachment as a final link
// line. Tags with emoji equivalents (per the injected
// emojitag.Classifier) become a glyph prefix on the title, or on the
// body when there is no title.
//
// Every user-controlled field (server, topic, title, body, tags, URLs,
// attachment name) is HTML-escaped. Bodies published with the
// text/markdown content type are rendered through goldmark instead,
// which strips raw HTML rather than passing it through.
package msgfmt
