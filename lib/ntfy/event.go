// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntfy

// Event kinds multiplexed on a topic's JSON stream. Only message
// events carry user notifications; the rest are stream plumbing.
const (
	EventMessage     = "message"
	EventOpen        = "open"
	EventKeepalive   = "keepalive"
	EventPollRequest = "poll_request"
)

// ContentTypeMarkdown marks a message body as Markdown. Publishers set
// it with the X-Markdown header; the formatter renders such bodies as
// Markdown instead of preformatted text.
const ContentTypeMarkdown = "text/markdown"

// Attachment describes a file attached to a message event.
type Attachment struct {
	// Name is the display name of the attachment.
	Name string `json:"name"`
	// URL is where the attachment content can be fetched.
	URL string `json:"url"`
	// Type is the MIME type, when the server knows it.
	Type string `json:"type,omitempty"`
	// Size is the attachment size in bytes, when known.
	Size int64 `json:"size,omitempty"`
}

// Event is one decoded line of a topic's JSON stream. Events are
// transient: they exist only for the duration of one fan-out and are
// never persisted (only the ID of the last processed message event is,
// as the topic's resume cursor).
type Event struct {
	// ID is the server-assigned event identifier, used as the opaque
	// resume cursor ("since" parameter).
	ID string `json:"id"`
	// Time is the publish time as a Unix timestamp.
	Time int64 `json:"time,omitempty"`
	// Kind is the event kind ("message", "open", "keepalive", ...).
	Kind string `json:"event"`
	// Topic is the topic name the event was published to.
	Topic string `json:"topic"`
	// Message is the notification body. Set on message events.
	Message string `json:"message,omitempty"`
	// Title is the optional notification title.
	Title string `json:"title,omitempty"`
	// Tags are short labels; some map to emoji glyphs.
	Tags []string `json:"tags,omitempty"`
	// Priority is the ntfy priority (1 min .. 5 max), 0 if unset.
	Priority int `json:"priority,omitempty"`
	// Click is an optional click-through URL.
	Click string `json:"click,omitempty"`
	// Icon is an optional notification icon URL.
	Icon string `json:"icon,omitempty"`
	// ContentType is "text/markdown" for Markdown bodies, empty
	// otherwise.
	ContentType string `json:"content_type,omitempty"`
	// Attachment is the optional file attachment.
	Attachment *Attachment `json:"attachment,omitempty"`
}
