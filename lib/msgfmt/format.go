// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package msgfmt

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bureau-foundation/ntfy-relay/lib/emojitag"
	"github.com/bureau-foundation/ntfy-relay/lib/ntfy"
)

// Message is rendered Matrix message content. FormattedBody is HTML
// (org.matrix.custom.html); Body is the plain-text fallback clients
// show when they do not render HTML.
type Message struct {
	Body          string
	FormattedBody string
}

// markdown renders text/markdown notification bodies. Raw HTML inside
// the Markdown source is omitted by goldmark's default renderer, so
// publisher-controlled markup cannot reach the formatted body.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Render formats one message event published on server for delivery
// to Matrix rooms. Pure: the same event always renders to the same
// content.
func Render(server string, event *ntfy.Event, classifier emojitag.Classifier) Message {
	glyphs, plainTags := emojitag.Split(classifier, event.Tags)

	// The glyph prefix attaches to the title heading when there is
	// one, otherwise to the body line.
	prefix := ""
	if len(glyphs) > 0 {
		prefix = strings.Join(glyphs, "") + " "
	}

	var formatted strings.Builder
	var plain strings.Builder

	formatted.WriteString("<span>Ntfy message in topic <code>")
	formatted.WriteString(html.EscapeString(server))
	formatted.WriteString("/")
	formatted.WriteString(html.EscapeString(event.Topic))
	formatted.WriteString("</code></span><blockquote>")

	plain.WriteString("Ntfy message in topic ")
	plain.WriteString(server)
	plain.WriteString("/")
	plain.WriteString(event.Topic)
	plain.WriteString("\n")

	switch {
	case event.Title != "" && event.Click != "":
		formatted.WriteString("<h4>")
		formatted.WriteString(prefix)
		formatted.WriteString(`<a href="`)
		formatted.WriteString(html.EscapeString(event.Click))
		formatted.WriteString(`">`)
		formatted.WriteString(html.EscapeString(event.Title))
		formatted.WriteString("</a></h4>")
		plain.WriteString(prefix + event.Title + " (" + event.Click + ")\n")
		prefix = ""
	case event.Title != "":
		formatted.WriteString("<h4>")
		formatted.WriteString(prefix)
		formatted.WriteString(html.EscapeString(event.Title))
		formatted.WriteString("</h4>")
		plain.WriteString(prefix + event.Title + "\n")
		prefix = ""
	}

	// Body. When a click URL is present without a title, the body text
	// itself becomes the hyperlink. Markdown bodies are rendered by
	// goldmark except in that hyperlink case, where nested block
	// markup inside an anchor would produce invalid HTML — they fall
	// back to escaped text.
	switch {
	case event.Click != "" && event.Title == "":
		formatted.WriteString(prefix)
		formatted.WriteString(`<a href="`)
		formatted.WriteString(html.EscapeString(event.Click))
		formatted.WriteString(`">`)
		formatted.WriteString(escapeBody(event.Message))
		formatted.WriteString("</a>")
		plain.WriteString(prefix + event.Message + " (" + event.Click + ")")
	case event.ContentType == ntfy.ContentTypeMarkdown:
		formatted.WriteString(prefix)
		formatted.WriteString(renderMarkdown(event.Message))
		plain.WriteString(prefix + event.Message)
	default:
		formatted.WriteString(prefix)
		formatted.WriteString(escapeBody(event.Message))
		plain.WriteString(prefix + event.Message)
	}

	if len(plainTags) > 0 {
		joined := strings.Join(plainTags, ", ")
		formatted.WriteString("<br/><small>Tags: <code>")
		formatted.WriteString(html.EscapeString(joined))
		formatted.WriteString("</code></small>")
		plain.WriteString("\nTags: " + joined)
	}

	if event.Attachment != nil {
		formatted.WriteString(`<br/><a href="`)
		formatted.WriteString(html.EscapeString(event.Attachment.URL))
		formatted.WriteString(`">View `)
		formatted.WriteString(html.EscapeString(event.Attachment.Name))
		formatted.WriteString("</a>")
		plain.WriteString("\nView " + event.Attachment.Name + ": " + event.Attachment.URL)
	}

	formatted.WriteString("</blockquote>")

	return Message{
		Body:          plain.String(),
		FormattedBody: formatted.String(),
	}
}

// escapeBody HTML-escapes a body and converts newlines to <br />.
func escapeBody(body string) string {
	return strings.ReplaceAll(html.EscapeString(body), "\n", "<br />")
}

// renderMarkdown converts a Markdown body to HTML. A conversion error
// (goldmark's Convert only fails on writer errors, which a
// bytes.Buffer never produces) falls back to escaped plain text.
func renderMarkdown(body string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return escapeBody(body)
	}
	return strings.TrimSpace(buf.String())
}
