// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

const ghostLocalpartPrefix = "gs_"

// MakeChatID builds the globally unique conversation key from an
// application name and a remote phone number.
func MakeChatID(appName, phone string) string {
	return appName + "-" + phone
}

// ParseChatID splits a chat id back into application name and phone number.
func ParseChatID(chatID string) (appName, phone string, ok bool) {
	idx := strings.LastIndex(chatID, "-")
	if idx <= 0 || idx == len(chatID)-1 {
		return "", "", false
	}
	return chatID[:idx], chatID[idx+1:], true
}

// MakeGhostMXID derives the bridge-side ghost identity for a remote user of
// an application.
func MakeGhostMXID(domain, appName, phone string) id.UserID {
	return id.NewUserID(ghostLocalpartPrefix+appName+"_"+phone, domain)
}

// ParseGhostMXID extracts the application name and phone number from a
// ghost user id.
func ParseGhostMXID(userID id.UserID) (appName, phone string, ok bool) {
	localpart, _, err := userID.Parse()
	if err != nil || !strings.HasPrefix(localpart, ghostLocalpartPrefix) {
		return "", "", false
	}
	rest := localpart[len(ghostLocalpartPrefix):]
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// IsGhostMXID reports whether the user id belongs to a bridge ghost.
func IsGhostMXID(userID id.UserID) bool {
	_, _, ok := ParseGhostMXID(userID)
	return ok
}

// portalLockKey is the serialization key for all operations touching one
// portal.
func portalLockKey(appName, chatID string) string {
	return appName + "\x00" + chatID
}
