// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package emojitag

import (
	"github.com/kyokomi/emoji/v2"
)

// WhiteCheckMark is the glyph the command layer reacts with to
// acknowledge a successful subscribe or unsubscribe.
const WhiteCheckMark = "✅"

// Classifier maps a single tag to its emoji glyph, when one exists.
type Classifier interface {
	// Glyph returns the emoji for tag and true, or ("", false) when
	// the tag has no emoji representation.
	Glyph(tag string) (string, bool)
}

// Split partitions tags into emoji glyphs and plain tags, preserving
// input order within each group.
func Split(classifier Classifier, tags []string) (glyphs, plain []string) {
	for _, tag := range tags {
		if glyph, ok := classifier.Glyph(tag); ok {
			glyphs = append(glyphs, glyph)
		} else {
			plain = append(plain, tag)
		}
	}
	return glyphs, plain
}

// Library returns a Classifier backed by the emoji package's alias
// table, covering the full GitHub-style shortcode set.
func Library() Classifier {
	return libraryClassifier{codes: emoji.CodeMap()}
}

type libraryClassifier struct {
	codes map[string]string
}

func (c libraryClassifier) Glyph(tag string) (string, bool) {
	glyph, ok := c.codes[":"+tag+":"]
	return glyph, ok
}

// Table returns a Classifier backed by a built-in table of the tags
// the ntfy documentation lists. Tags outside the table are plain.
func Table() Classifier {
	return tableClassifier{}
}

type tableClassifier struct{}

var builtinGlyphs = map[string]string{
	"+1":                      "\U0001F44D",
	"-1":                      "\U0001F44E️",
	"facepalm":                "\U0001F926",
	"partying_face":           "\U0001F973",
	"warning":                 "⚠️",
	"no_entry":                "⛔",
	"tada":                    "\U0001F389",
	"rotating_light":          "\U0001F6A8",
	"no_entry_sign":           "\U0001F6AB",
	"heavy_check_mark":        "✔️",
	"triangular_flag_on_post": "\U0001F6A9",
	"cd":                      "\U0001F4BF",
	"loudspeaker":             "\U0001F4E2",
	"skull":                   "\U0001F480",
	"computer":                "\U0001F4BB",
	"white_check_mark":        WhiteCheckMark,
}

func (tableClassifier) Glyph(tag string) (string, bool) {
	glyph, ok := builtinGlyphs[tag]
	return glyph, ok
}
