// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package whatsappfmt converts WhatsApp message formatting to Matrix
// message content.
package whatsappfmt

import (
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

var (
	boldRe   = regexp.MustCompile(`(?:^|\s)\*([^*\n]+)\*`)
	italicRe = regexp.MustCompile(`(?:^|\s)_([^_\n]+)_`)
	strikeRe = regexp.MustCompile(`(?:^|\s)~([^~\n]+)~`)
	monoRe   = regexp.MustCompile("```((?s).+?)```")
)

// replaceMarker rewrites one WhatsApp formatting marker pair to the given
// markdown delimiter, keeping the leading whitespace captured by the regex.
func replaceMarker(re *regexp.Regexp, text, delim string) string {
	return re.ReplaceAllStringFunc(text, func(match string) string {
		inner := re.FindStringSubmatch(match)[1]
		prefix := ""
		if match[0] == ' ' || match[0] == '\t' || match[0] == '\n' {
			prefix = match[:1]
		}
		return prefix + delim + inner + delim
	})
}

// ToMarkdown rewrites WhatsApp markers (*bold*, _italic_, ~strike~,
// ```mono```) into standard markdown.
func ToMarkdown(text string) string {
	text = monoRe.ReplaceAllString(text, "```\n$1\n```")
	text = replaceMarker(boldRe, text, "**")
	text = replaceMarker(italicRe, text, "_")
	text = replaceMarker(strikeRe, text, "~~")
	return text
}

// Parse converts WhatsApp message text to Matrix message content with an
// HTML formatted body where formatting is present.
func Parse(text string) *event.MessageEventContent {
	content := format.RenderMarkdown(ToMarkdown(text), true, false)
	content.Body = strings.TrimSuffix(content.Body, "\n")
	return &content
}
