// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to WhatsApp formatting.
package matrixfmt

import (
	"html"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	strongRe     = regexp.MustCompile(`</?(?:strong|b)>`)
	emRe         = regexp.MustCompile(`</?(?:em|i)>`)
	delRe        = regexp.MustCompile(`</?(?:del|s|strike)>`)
	codeRe       = regexp.MustCompile(`<code>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre>(?:<code[^>]*>)?(.*?)(?:</code>)?</pre>`)
	linkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	liRe         = regexp.MustCompile(`<li>(.*?)</li>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// Parse converts Matrix message content to WhatsApp-formatted plain text.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text := content.FormattedBody

	// Code blocks first so their content is not rewritten.
	text = preRe.ReplaceAllString(text, "```$1```")
	text = codeRe.ReplaceAllString(text, "```$1```")

	// WhatsApp uses single-character markers.
	text = strongRe.ReplaceAllString(text, "*")
	text = emRe.ReplaceAllString(text, "_")
	text = delRe.ReplaceAllString(text, "~")

	text = linkRe.ReplaceAllString(text, "$2 ($1)")
	text = brRe.ReplaceAllString(text, "\n")

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		lines := strings.Split(strings.TrimSpace(parts[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n")
	})

	text = liRe.ReplaceAllString(text, "- $1\n")

	// Drop any remaining tags and unescape entities.
	text = tagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(html.UnescapeString(text))
}
