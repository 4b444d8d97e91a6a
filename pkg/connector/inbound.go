// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/connector/whatsappfmt"
	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// handleInbound processes one normalized webhook event. All operations on
// the event's portal run under the portal key lock, so events for the same
// conversation are serialized while different portals proceed in parallel.
func (gc *GupshupConnector) handleInbound(ctx context.Context, evt *InboundEvent) {
	log := gc.log.With().
		Str("direction", "inbound").
		Stringer("kind", evt.Kind).
		Str("app", evt.App.Name).
		Str("chat_id", evt.ChatID).
		Str("remote_id", string(evt.RemoteID)).
		Logger()
	ctx = log.WithContext(ctx)

	unlock := gc.locks.Lock(portalLockKey(evt.App.Name, evt.ChatID))
	defer unlock()

	var err error
	switch evt.Kind {
	case EventKindMessage:
		err = gc.handleRemoteMessage(ctx, evt)
	case EventKindEdit:
		err = gc.handleRemoteEdit(ctx, evt)
	case EventKindDelete:
		err = gc.handleRemoteDelete(ctx, evt)
	case EventKindReaction:
		err = gc.handleRemoteReaction(ctx, evt)
	case EventKindReceipt:
		err = gc.handleRemoteReceipt(ctx, evt)
	}
	if err != nil {
		// The event stays dropped; webhook redelivery is idempotent via
		// the remote message id, so the gateway retry path is safe.
		log.Error().Err(err).Msg("Failed to process inbound event")
	}
}

// getOrCreatePortal resolves the portal for the event, lazily creating the
// row and the Matrix room. Callers must hold the portal key lock.
func (gc *GupshupConnector) getOrCreatePortal(ctx context.Context, evt *InboundEvent) (*database.Portal, error) {
	portal, err := gc.stores.Portals.GetByChatID(ctx, evt.App.Name, evt.ChatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get portal: %w", err)
	}
	if portal == nil {
		portal = &database.Portal{
			AppName:      evt.App.Name,
			ChatID:       evt.ChatID,
			OtherUser:    evt.Sender.Phone,
			LastActivity: evt.Timestamp,
		}
		if err = gc.stores.Portals.Insert(ctx, portal); err != nil {
			return nil, fmt.Errorf("failed to insert portal: %w", err)
		}
	}
	if portal.MXID == "" {
		ghost := MakeGhostMXID(gc.cfg.Homeserver.Domain, evt.App.Name, evt.Sender.Phone)
		name := gc.cfg.Bridge.FormatRoomName(NameParams{
			Name:  evt.Sender.Name,
			Phone: evt.Sender.Phone,
			App:   evt.App.Name,
		})
		invite := []id.UserID{gc.matrix.BotMXID()}
		if evt.App.AdminMXID != "" {
			invite = append(invite, evt.App.AdminMXID)
		}
		roomID, err := gc.matrix.CreateRoom(ctx, ghost, name, "WhatsApp private chat", invite)
		if err != nil {
			return nil, fmt.Errorf("failed to create room: %w", err)
		}
		if err = gc.stores.Portals.SetMXID(ctx, evt.App.Name, evt.ChatID, roomID); err != nil {
			return nil, fmt.Errorf("failed to store room id: %w", err)
		}
		portal.MXID = roomID
		zerolog.Ctx(ctx).Info().
			Str("room_id", roomID.String()).
			Msg("Created portal room")
	}
	return portal, nil
}

// getOrCreatePuppet resolves the puppet for the sender and refreshes its
// profile when the webhook carries a newer display name.
func (gc *GupshupConnector) getOrCreatePuppet(ctx context.Context, evt *InboundEvent) (*database.Puppet, error) {
	unlock := gc.locks.Lock("puppet\x00" + evt.App.Name + "\x00" + evt.Sender.Phone)
	defer unlock()

	puppet, err := gc.stores.Puppets.GetByPhone(ctx, evt.App.Name, evt.Sender.Phone)
	if err != nil {
		return nil, fmt.Errorf("failed to get puppet: %w", err)
	}
	if puppet == nil {
		puppet = &database.Puppet{
			AppName: evt.App.Name,
			Phone:   evt.Sender.Phone,
		}
		if err = gc.stores.Puppets.Insert(ctx, puppet); err != nil {
			return nil, fmt.Errorf("failed to insert puppet: %w", err)
		}
	}

	displayname := gc.cfg.Bridge.FormatDisplayname(NameParams{
		Name:  evt.Sender.Name,
		Phone: evt.Sender.Phone,
		App:   evt.App.Name,
	})
	if !puppet.NameSet || (evt.Sender.Name != "" && puppet.DisplayName != displayname) {
		ghost := MakeGhostMXID(gc.cfg.Homeserver.Domain, evt.App.Name, evt.Sender.Phone)
		if err = gc.matrix.SetProfile(ctx, ghost, displayname, id.ContentURI{}); err != nil {
			// Profile updates are cosmetic, the message still goes through.
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to update ghost profile")
		} else {
			puppet.DisplayName = displayname
			puppet.NameSet = true
			if err = gc.stores.Puppets.Update(ctx, puppet); err != nil {
				return nil, fmt.Errorf("failed to update puppet: %w", err)
			}
		}
	}
	return puppet, nil
}

func (gc *GupshupConnector) handleRemoteMessage(ctx context.Context, evt *InboundEvent) error {
	dup, err := gc.stores.Messages.GetByRemoteID(ctx, evt.App.Name, evt.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if dup != nil {
		zerolog.Ctx(ctx).Debug().Msg("Ignoring duplicate webhook delivery")
		return nil
	}

	portal, err := gc.getOrCreatePortal(ctx, evt)
	if err != nil {
		return err
	}
	if _, err = gc.getOrCreatePuppet(ctx, evt); err != nil {
		return err
	}

	var content *event.MessageEventContent
	if evt.MediaURL != "" {
		content, err = gc.transcoder.ToMatrix(ctx, evt.MediaURL, evt.MediaType, evt.Caption)
		if err != nil {
			return fmt.Errorf("failed to transcode media: %w", err)
		}
	} else {
		content = whatsappfmt.Parse(evt.Text)
	}
	if evt.ReplyToID != "" {
		if target, err := gc.stores.Messages.GetByRemoteID(ctx, evt.App.Name, evt.ReplyToID); err == nil && target != nil {
			content.RelatesTo = &event.RelatesTo{
				InReplyTo: &event.InReplyTo{EventID: target.MXID},
			}
		}
	}

	ghost := MakeGhostMXID(gc.cfg.Homeserver.Domain, evt.App.Name, evt.Sender.Phone)
	eventID, err := gc.matrix.SendMessage(ctx, ghost, portal.MXID, content)
	if err != nil {
		return fmt.Errorf("failed to send Matrix event: %w", err)
	}

	return gc.recordMapping(ctx, evt.App.Name, evt.RemoteID, eventID, portal, ghost, evt.Timestamp)
}

func (gc *GupshupConnector) handleRemoteEdit(ctx context.Context, evt *InboundEvent) error {
	dup, err := gc.stores.Messages.GetByRemoteID(ctx, evt.App.Name, evt.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if dup != nil {
		zerolog.Ctx(ctx).Debug().Msg("Ignoring duplicate webhook delivery")
		return nil
	}
	target, err := gc.stores.Messages.GetByRemoteID(ctx, evt.App.Name, evt.TargetID)
	if err != nil {
		return fmt.Errorf("failed to look up edit target: %w", err)
	}
	if target == nil {
		// An edit must never become a fresh message; the target is gone
		// from the bounded map or was never bridged.
		zerolog.Ctx(ctx).Warn().
			Str("target_id", string(evt.TargetID)).
			Msg("Dropping edit for unknown message")
		return nil
	}

	content := whatsappfmt.Parse(evt.Text)
	content.SetEdit(target.MXID)
	ghost := MakeGhostMXID(gc.cfg.Homeserver.Domain, evt.App.Name, evt.Sender.Phone)
	eventID, err := gc.matrix.SendMessage(ctx, ghost, target.RoomID, content)
	if err != nil {
		return fmt.Errorf("failed to send edit: %w", err)
	}

	portal, err := gc.getOrCreatePortal(ctx, evt)
	if err != nil {
		return err
	}
	return gc.recordMapping(ctx, evt.App.Name, evt.RemoteID, eventID, portal, ghost, evt.Timestamp)
}

func (gc *GupshupConnector) handleRemoteDelete(ctx context.Context, evt *InboundEvent) error {
	target, err := gc.stores.Messages.GetByRemoteID(ctx, evt.App.Name, evt.TargetID)
	if err != nil {
		return fmt.Errorf("failed to look up delete target: %w", err)
	}
	if target == nil {
		zerolog.Ctx(ctx).Warn().
			Str("target_id", string(evt.TargetID)).
			Msg("Dropping delete for unknown message")
		return nil
	}
	ghost := MakeGhostMXID(gc.cfg.Homeserver.Domain, evt.App.Name, evt.Sender.Phone)
	if _, err = gc.matrix.RedactEvent(ctx, ghost, target.RoomID, target.MXID); err != nil {
		return fmt.Errorf("failed to redact event: %w", err)
	}
	if err = gc.stores.Messages.Delete(ctx, evt.App.Name, evt.TargetID); err != nil {
		return fmt.Errorf("failed to drop mapping: %w", err)
	}
	return nil
}

func (gc *GupshupConnector) handleRemoteReaction(ctx context.Context, evt *InboundEvent) error {
	dup, err := gc.stores.Messages.GetByRemoteID(ctx, evt.App.Name, evt.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if dup != nil {
		zerolog.Ctx(ctx).Debug().Msg("Ignoring duplicate webhook delivery")
		return nil
	}
	target, err := gc.stores.Messages.GetByRemoteID(ctx, evt.App.Name, evt.TargetID)
	if err != nil {
		return fmt.Errorf("failed to look up reaction target: %w", err)
	}
	if target == nil {
		// The gateway can deliver a reaction before the message it refers
		// to; requeue within the configured budget.
		if evt.Attempts < gc.cfg.Bridge.ReactionRetryLimit() {
			evt.Attempts++
			delay := time.Duration(gc.cfg.Bridge.ReactionRetryDelayMS) * time.Millisecond
			zerolog.Ctx(ctx).Debug().
				Int("attempt", evt.Attempts).
				Str("target_id", string(evt.TargetID)).
				Msg("Reaction target not mapped yet, requeueing")
			gc.requeue(delay, queueItem{inbound: evt})
			return nil
		}
		zerolog.Ctx(ctx).Warn().
			Str("target_id", string(evt.TargetID)).
			Msg("Dropping reaction for unknown message")
		return nil
	}

	ghost := MakeGhostMXID(gc.cfg.Homeserver.Domain, evt.App.Name, evt.Sender.Phone)
	eventID, err := gc.matrix.SendReaction(ctx, ghost, target.RoomID, target.MXID, evt.Emoji)
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}

	portal, err := gc.getOrCreatePortal(ctx, evt)
	if err != nil {
		return err
	}
	return gc.recordMapping(ctx, evt.App.Name, evt.RemoteID, eventID, portal, ghost, evt.Timestamp)
}

func (gc *GupshupConnector) handleRemoteReceipt(ctx context.Context, evt *InboundEvent) error {
	if err := gc.stores.Messages.UpdateStatus(ctx, evt.App.Name, evt.TargetID, evt.Status); err != nil {
		return fmt.Errorf("failed to record delivery status: %w", err)
	}
	if evt.Status == gupshup.StatusRead {
		target, err := gc.stores.Messages.GetByRemoteID(ctx, evt.App.Name, evt.TargetID)
		if err != nil || target == nil {
			return err
		}
		ghost := MakeGhostMXID(gc.cfg.Homeserver.Domain, evt.App.Name, evt.ChatID)
		if err = gc.matrix.MarkRead(ctx, ghost, target.RoomID, target.MXID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to mark message read")
		}
		return nil
	}
	if evt.Status != gupshup.StatusFailed {
		return nil
	}
	portal, err := gc.stores.Portals.GetByChatID(ctx, evt.App.Name, evt.ChatID)
	if err != nil || portal == nil || portal.MXID == "" {
		return err
	}
	reason := evt.FailReason
	if reason == "" {
		reason = "unknown error"
	}
	if _, err = gc.matrix.SendNotice(ctx, portal.MXID, "⚠ Message delivery failed: "+reason); err != nil {
		return fmt.Errorf("failed to send failure notice: %w", err)
	}
	return nil
}

// recordMapping stores a remote-to-Matrix id pair in the portal's message
// map, evicting the oldest entries beyond the configured bound.
func (gc *GupshupConnector) recordMapping(ctx context.Context, appName string, remoteID gupshup.MessageID, eventID id.EventID, portal *database.Portal, sender id.UserID, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	err := gc.stores.Messages.Insert(ctx, &database.Message{
		AppName:    appName,
		RemoteID:   remoteID,
		MXID:       eventID,
		RoomID:     portal.MXID,
		SenderMXID: sender,
		Timestamp:  ts,
	})
	if err != nil {
		return fmt.Errorf("failed to record message mapping: %w", err)
	}
	if err = gc.stores.Messages.Prune(ctx, portal.MXID, gc.cfg.Bridge.MessageMapSize); err != nil {
		return fmt.Errorf("failed to prune message map: %w", err)
	}
	if err = gc.stores.Portals.TouchActivity(ctx, portal.AppName, portal.ChatID, ts); err != nil {
		return fmt.Errorf("failed to update portal activity: %w", err)
	}
	return nil
}
