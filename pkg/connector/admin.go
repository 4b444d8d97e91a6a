// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-gupshup/pkg/database"
)

// handleAdminCommand processes privileged text commands sent into the
// admin room. Replies go back as bot notices.
func (gc *GupshupConnector) handleAdminCommand(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	args := strings.Fields(content.Body)
	if len(args) == 0 {
		return
	}
	log := gc.log.With().
		Str("component", "admin").
		Str("sender", evt.Sender.String()).
		Str("command", args[0]).
		Logger()

	var reply string
	switch args[0] {
	case "register-app":
		reply = gc.cmdRegisterApp(ctx, evt, args[1:])
	case "deactivate-app":
		reply = gc.cmdSetAppEnabled(ctx, args[1:], false)
	case "reactivate-app":
		reply = gc.cmdSetAppEnabled(ctx, args[1:], true)
	case "list-apps":
		reply = gc.cmdListApps(ctx)
	case "unbridge":
		reply = gc.cmdUnbridge(ctx, args[1:])
	case "help":
		reply = "Commands: register-app <name> <phone> <apiKey> <appId> | " +
			"deactivate-app <name> | reactivate-app <name> | " +
			"unbridge <name> <phone> | list-apps"
	default:
		return
	}

	log.Info().Msg("Processed admin command")
	if _, err := gc.matrix.SendNotice(ctx, evt.RoomID, reply); err != nil {
		log.Warn().Err(err).Msg("Failed to reply to admin command")
	}
}

func (gc *GupshupConnector) cmdRegisterApp(ctx context.Context, evt *event.Event, args []string) string {
	// The command carries the api key; remove it from the room history.
	if err := gc.matrix.RedactAsBot(ctx, evt.RoomID, evt.ID); err != nil {
		gc.log.Warn().Err(err).Msg("Failed to redact register-app command")
	}
	if len(args) < 4 {
		return "Usage: register-app <name> <phone> <apiKey> <appId>"
	}
	app := &database.Application{
		Name:      args[0],
		Phone:     strings.TrimPrefix(args[1], "+"),
		APIKey:    args[2],
		AppID:     args[3],
		AdminMXID: evt.Sender,
		Enabled:   true,
	}
	err := gc.stores.Apps.Register(ctx, app)
	if errors.Is(err, database.ErrDuplicateApp) {
		return fmt.Sprintf("Application %q or phone %q is already registered", app.Name, app.Phone)
	} else if err != nil {
		gc.log.Error().Err(err).Str("app", app.Name).Msg("Failed to register application")
		return "Registration failed, check the bridge logs"
	}
	return fmt.Sprintf("Application %q has been registered successfully", app.Name)
}

func (gc *GupshupConnector) cmdSetAppEnabled(ctx context.Context, args []string, enabled bool) string {
	if len(args) < 1 {
		return "Usage: deactivate-app/reactivate-app <name>"
	}
	name := args[0]
	app, err := gc.stores.Apps.GetByName(ctx, name)
	if err != nil {
		return "Lookup failed, check the bridge logs"
	}
	if app == nil {
		return fmt.Sprintf("Application %q is not registered", name)
	}
	if err = gc.stores.Apps.SetEnabled(ctx, name, enabled); err != nil {
		gc.log.Error().Err(err).Str("app", name).Msg("Failed to update application")
		return "Update failed, check the bridge logs"
	}
	if enabled {
		return fmt.Sprintf("Application %q is enabled", name)
	}
	return fmt.Sprintf("Application %q is disabled, its webhooks will be rejected", name)
}

func (gc *GupshupConnector) cmdListApps(ctx context.Context) string {
	apps, err := gc.stores.Apps.GetAll(ctx)
	if err != nil {
		return "Lookup failed, check the bridge logs"
	}
	if len(apps) == 0 {
		return "No applications registered"
	}
	var sb strings.Builder
	sb.WriteString("Registered applications:")
	for _, app := range apps {
		state := "enabled"
		if !app.Enabled {
			state = "disabled"
		}
		portals, err := gc.stores.Portals.GetAllForApp(ctx, app.Name)
		if err != nil {
			gc.log.Warn().Err(err).Str("app", app.Name).Msg("Failed to count portals")
		}
		fmt.Fprintf(&sb, "\n• %s (+%s, %s, %d portals)", app.Name, app.Phone, state, len(portals))
	}
	return sb.String()
}

func (gc *GupshupConnector) cmdUnbridge(ctx context.Context, args []string) string {
	var appName, chatID string
	switch {
	case len(args) >= 2:
		appName, chatID = args[0], args[1]
	case len(args) == 1:
		var ok bool
		appName, chatID, ok = ParseChatID(args[0])
		if !ok {
			return "Usage: unbridge <name> <phone> or unbridge <name-phone>"
		}
	default:
		return "Usage: unbridge <name> <phone> or unbridge <name-phone>"
	}

	unlock := gc.locks.Lock(portalLockKey(appName, chatID))
	defer unlock()

	portal, err := gc.stores.Portals.GetByChatID(ctx, appName, chatID)
	if err != nil {
		return "Lookup failed, check the bridge logs"
	}
	if portal == nil || portal.MXID == "" {
		return fmt.Sprintf("No bridged room for %s/%s", appName, chatID)
	}
	roomID := portal.MXID
	if err = gc.stores.Portals.Unbridge(ctx, appName, chatID, roomID); err != nil {
		gc.log.Error().Err(err).Str("app", appName).Str("chat_id", chatID).Msg("Failed to unbridge portal")
		return "Unbridge failed, check the bridge logs"
	}
	_, _ = gc.matrix.SendNotice(ctx, roomID, "This room has been unbridged")
	return fmt.Sprintf("Unbridged %s from %s", MakeChatID(appName, chatID), roomID)
}
