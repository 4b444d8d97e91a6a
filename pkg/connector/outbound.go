// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-gupshup/pkg/connector/matrixfmt"
	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// ErrPortalNotFound is surfaced when a Matrix event targets a room that is
// not bridged to any remote conversation. This is a configuration problem,
// never retried.
var ErrPortalNotFound = errors.New("room is not bridged to a WhatsApp conversation")

// OnMatrixEvent is the entry point for events from the homeserver sync
// loop. Ghost and admin-room traffic is filtered here; everything else is
// translated into an OutboundEvent and queued.
func (gc *GupshupConnector) OnMatrixEvent(ctx context.Context, evt *event.Event) {
	if IsGhostMXID(evt.Sender) || evt.Sender == gc.matrix.BotMXID() {
		return
	}
	if evt.RoomID == gc.cfg.Bridge.AdminRoom {
		if evt.Type == event.EventMessage {
			gc.handleAdminCommand(ctx, evt)
		}
		return
	}

	log := gc.log.With().
		Str("direction", "outbound").
		Str("room_id", evt.RoomID.String()).
		Str("event_id", evt.ID.String()).
		Logger()
	ctx = log.WithContext(ctx)

	portal, err := gc.stores.Portals.GetByMXID(ctx, evt.RoomID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up portal for room")
		return
	}
	if portal == nil || portal.MXID == "" {
		if evt.Type == event.EventMessage {
			log.Warn().Msg("Message in unbridged room")
			_, _ = gc.matrix.SendNotice(ctx, evt.RoomID, "⚠ "+ErrPortalNotFound.Error())
		}
		return
	}
	app, err := gc.stores.Apps.GetByName(ctx, portal.AppName)
	if err != nil || app == nil {
		log.Error().Err(err).Str("app", portal.AppName).Msg("Portal references unknown application")
		return
	}

	out, err := gc.translateMatrixEvent(ctx, app, portal, evt)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping untranslatable Matrix event")
		return
	}
	if out == nil {
		return
	}
	if !gc.EnqueueOutbound(out) {
		_, _ = gc.matrix.SendNotice(ctx, evt.RoomID, "⚠ Bridge is overloaded, message not delivered")
	}
}

func (gc *GupshupConnector) translateMatrixEvent(ctx context.Context, app *database.Application, portal *database.Portal, evt *event.Event) (*OutboundEvent, error) {
	out := &OutboundEvent{
		ID:      uuid.NewString(),
		App:     app,
		ChatID:  portal.ChatID,
		EventID: evt.ID,
		Sender:  evt.Sender,
		RoomID:  portal.MXID,
	}
	switch evt.Type {
	case event.EventMessage:
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok {
			return nil, errors.New("unparsed message content")
		}
		out.Kind = EventKindMessage
		out.Content = content
		return out, nil
	case event.EventReaction:
		relates := evt.Content.AsReaction().RelatesTo
		target, err := gc.stores.Messages.GetByMXID(ctx, relates.EventID, portal.MXID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up reaction target: %w", err)
		}
		if target == nil {
			return nil, errors.New("reaction to unmapped event")
		}
		out.Kind = EventKindReaction
		out.TargetRemoteID = target.RemoteID
		out.Emoji = relates.Key
		return out, nil
	case event.EventRedaction:
		// The gateway has no delete API for arbitrary messages.
		zerolog.Ctx(ctx).Debug().Msg("Ignoring redaction, not supported by gateway")
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported event type %s", evt.Type.Type)
	}
}

// handleOutbound delivers one event to the gateway with bounded
// exponential backoff. Transient failures are retried up to the attempt
// ceiling, honoring rate-limit hints; permanent failures surface a notice
// in the room and stop.
func (gc *GupshupConnector) handleOutbound(ctx context.Context, out *OutboundEvent) {
	log := gc.log.With().
		Str("direction", "outbound").
		Str("dispatch_id", out.ID).
		Str("app", out.App.Name).
		Str("chat_id", out.ChatID).
		Str("event_id", out.EventID.String()).
		Logger()
	ctx = log.WithContext(ctx)

	unlock := gc.locks.Lock(portalLockKey(out.App.Name, out.ChatID))
	defer unlock()

	if !out.App.Enabled {
		gc.surfaceFailure(ctx, out, errors.New("application is disabled"))
		return
	}

	var remoteID gupshup.MessageID
	var err error
	for attempt := 0; attempt < gc.cfg.Bridge.MaxSendAttempts; attempt++ {
		if attempt > 0 {
			delay := gc.backoff(attempt)
			if hint := gupshup.RetryAfterHint(err); hint > delay {
				delay = hint
			}
			log.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying gateway delivery")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		remoteID, err = gc.dispatch(ctx, out)
		if err == nil {
			break
		}
		if !gupshup.Transient(err) {
			gc.surfaceFailure(ctx, out, err)
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("Transient gateway failure")
	}
	if err != nil {
		// Retry budget exhausted; treat as permanent.
		gc.surfaceFailure(ctx, out, err)
		return
	}

	portal := &database.Portal{AppName: out.App.Name, ChatID: out.ChatID, MXID: out.RoomID}
	if err = gc.recordMapping(ctx, out.App.Name, remoteID, out.EventID, portal, out.Sender, time.Now()); err != nil {
		log.Error().Err(err).Msg("Delivered but failed to record mapping")
		return
	}
	log.Debug().Str("remote_id", string(remoteID)).Msg("Delivered to gateway")
}

func (gc *GupshupConnector) dispatch(ctx context.Context, out *OutboundEvent) (gupshup.MessageID, error) {
	creds := gupshup.Credentials{
		AppName: out.App.Name,
		Source:  out.App.Phone,
		APIKey:  out.App.APIKey,
		AppID:   out.App.AppID,
	}
	destination := gupshup.UserID(out.ChatID)

	switch out.Kind {
	case EventKindMessage:
		msg, err := gc.translateContent(ctx, out.Content)
		if err != nil {
			return "", err
		}
		return gc.gateway.SendMessage(ctx, creds, destination, msg)
	case EventKindReaction:
		return gc.gateway.SendReaction(ctx, creds, destination, &gupshup.OutgoingReaction{
			MsgID: string(out.TargetRemoteID),
			Type:  "reaction",
			Emoji: out.Emoji,
		})
	case EventKindEdit, EventKindDelete, EventKindReceipt:
		return "", fmt.Errorf("%s events cannot be dispatched to the gateway", out.Kind)
	default:
		return "", fmt.Errorf("unknown outbound kind %d", out.Kind)
	}
}

func (gc *GupshupConnector) translateContent(ctx context.Context, content *event.MessageEventContent) (*gupshup.OutgoingMessage, error) {
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		return gupshup.NewTextMessage(matrixfmt.Parse(content)), nil
	case event.MsgEmote:
		return gupshup.NewTextMessage("* " + matrixfmt.Parse(content)), nil
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		return gc.transcoder.ToRemote(content)
	default:
		return nil, fmt.Errorf("unsupported message type %s", content.MsgType)
	}
}

func (gc *GupshupConnector) backoff(attempt int) time.Duration {
	base := time.Duration(gc.cfg.Bridge.BackoffBaseMS) * time.Millisecond
	max := time.Duration(gc.cfg.Bridge.BackoffMaxMS) * time.Millisecond
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

func (gc *GupshupConnector) surfaceFailure(ctx context.Context, out *OutboundEvent, err error) {
	zerolog.Ctx(ctx).Error().Err(err).Msg("Gateway delivery failed permanently")
	notice := fmt.Sprintf("⚠ Message was not delivered to WhatsApp: %v", err)
	if _, nerr := gc.matrix.SendNotice(ctx, out.RoomID, notice); nerr != nil {
		zerolog.Ctx(ctx).Warn().Err(nerr).Msg("Failed to surface delivery failure")
	}
}
