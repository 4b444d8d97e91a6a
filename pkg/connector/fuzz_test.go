// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"testing"

	"maunium.net/go/mautrix/id"
)

// ---------------------------------------------------------------------------
// FuzzParseChatID — tests the conversation key parser with arbitrary
// strings. No input should cause a panic. Verifies the round trip invariant.
// ---------------------------------------------------------------------------

func FuzzParseChatID(f *testing.F) {
	f.Add("demoapp-919999999999")
	f.Add("demo-app-919999999999")
	f.Add("")
	f.Add("-")
	f.Add("noseparator")
	f.Add(string([]byte{0x00})) // null byte

	f.Fuzz(func(t *testing.T, chatID string) {
		app, phone, ok := ParseChatID(chatID)
		if !ok {
			return
		}
		if app == "" || phone == "" {
			t.Errorf("ParseChatID(%q) returned ok with empty part (%q, %q)", chatID, app, phone)
		}
		// Rebuilding from the parts must parse to the same parts.
		app2, phone2, ok2 := ParseChatID(MakeChatID(app, phone))
		if !ok2 || app2 != app || phone2 != phone {
			t.Errorf("round trip mismatch: (%q, %q) became (%q, %q, %v)", app, phone, app2, phone2, ok2)
		}
	})
}

// ---------------------------------------------------------------------------
// FuzzParseGhostMXID — tests the ghost identity parser. No input should
// cause a panic, and parse must be deterministic.
// ---------------------------------------------------------------------------

func FuzzParseGhostMXID(f *testing.F) {
	f.Add("@gs_demoapp_919999999999:example.com")
	f.Add("@alice:example.com")
	f.Add("@gs_:example.com")
	f.Add("")
	f.Add("not-an-mxid")

	f.Fuzz(func(t *testing.T, raw string) {
		app, phone, ok := ParseGhostMXID(id.UserID(raw))
		app2, phone2, ok2 := ParseGhostMXID(id.UserID(raw))
		if app != app2 || phone != phone2 || ok != ok2 {
			t.Errorf("non-deterministic parse of %q", raw)
		}
		if ok && (app == "" || phone == "") {
			t.Errorf("ParseGhostMXID(%q) returned ok with empty part", raw)
		}
	})
}
