// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// EventKind is the closed set of normalized event kinds the relay engine
// dispatches on.
type EventKind int

const (
	EventKindMessage EventKind = iota
	EventKindEdit
	EventKindDelete
	EventKindReaction
	EventKindReceipt
)

func (k EventKind) String() string {
	switch k {
	case EventKindMessage:
		return "message"
	case EventKindEdit:
		return "edit"
	case EventKindDelete:
		return "delete"
	case EventKindReaction:
		return "reaction"
	case EventKindReceipt:
		return "receipt"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ErrUnsupportedEventKind marks webhook payloads the bridge does not relay
// (e.g. user-event opt-in notifications). They are logged and dropped
// without affecting other events.
var ErrUnsupportedEventKind = errors.New("unsupported event kind")

// InboundEvent is a validated, normalized webhook delivery. It is
// ephemeral: processed once and discarded, safe to redeliver because
// deduplication happens on RemoteID.
type InboundEvent struct {
	Kind EventKind
	App  *database.Application
	// ChatID is the remote conversation id within the application.
	ChatID   string
	Sender   gupshup.Sender
	RemoteID gupshup.MessageID
	// TargetID references the prior message on edits, deletes, reactions
	// and receipts.
	TargetID gupshup.MessageID
	// ReplyToID references the quoted message on replies.
	ReplyToID gupshup.MessageID

	Text      string
	Emoji     string
	MediaURL  string
	MediaType string
	Caption   string

	Status     gupshup.MessageStatus
	FailReason string

	Timestamp time.Time
	// Attempts counts requeues of reaction events that arrived before
	// their target message.
	Attempts int
}

// OutboundEvent is a Matrix event translated for gateway delivery. It is
// destroyed once a terminal delivery result is recorded.
type OutboundEvent struct {
	// ID correlates log lines across retries.
	ID   string
	Kind EventKind
	App  *database.Application
	// ChatID is the remote conversation to deliver to.
	ChatID  string
	EventID id.EventID
	Sender  id.UserID
	RoomID  id.RoomID

	Content *event.MessageEventContent
	// TargetRemoteID is the gateway message a reaction refers to.
	TargetRemoteID gupshup.MessageID
	Emoji          string
}

// normalizeInbound converts a parsed webhook event for a resolved
// application into an InboundEvent.
func normalizeInbound(app *database.Application, evt *gupshup.WebhookEvent) (*InboundEvent, error) {
	switch evt.Type {
	case gupshup.EventTypeMessage:
		return normalizeMessage(app, evt)
	case gupshup.EventTypeMessageEvent:
		return normalizeReceipt(app, evt)
	case gupshup.EventTypeUserEvent:
		// sandbox-start, opted-in, opted-out and friends.
		return nil, fmt.Errorf("%w: user-event %q", ErrUnsupportedEventKind, evt.Payload.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEventKind, evt.Type)
	}
}

func normalizeMessage(app *database.Application, evt *gupshup.WebhookEvent) (*InboundEvent, error) {
	payload := &evt.Payload
	if payload.Sender == nil || payload.Sender.Phone == "" {
		return nil, errors.New("message payload has no sender")
	}
	in := &InboundEvent{
		Kind:      EventKindMessage,
		App:       app,
		ChatID:    payload.Sender.Phone,
		Sender:    *payload.Sender,
		RemoteID:  payload.ID,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if payload.Context != nil {
		in.ReplyToID = gupshup.MessageID(payload.Context.GSMsgID)
		if in.ReplyToID == "" {
			in.ReplyToID = gupshup.MessageID(payload.Context.MsgID)
		}
	}
	body := payload.Body
	if body == nil {
		body = &gupshup.MessageData{}
	}

	switch gupshup.MessageType(payload.Type) {
	case gupshup.MessageTypeText:
		in.Text = body.Text
	case gupshup.MessageTypeImage, gupshup.MessageTypeVideo, gupshup.MessageTypeAudio,
		gupshup.MessageTypeFile, gupshup.MessageTypeSticker:
		in.MediaURL = body.URL
		in.MediaType = body.ContentType
		in.Caption = body.Caption
	case gupshup.MessageTypeLocation:
		in.Text = fmt.Sprintf("geo:%s,%s", body.Latitude, body.Longitude)
	case gupshup.MessageTypeContact:
		in.Text = body.Text
	case gupshup.MessageTypeReaction:
		in.Kind = EventKindReaction
		in.Emoji = body.Emoji
		in.TargetID = referencedID(body)
	case gupshup.MessageTypeEdited:
		in.Kind = EventKindEdit
		in.Text = body.Text
		in.TargetID = referencedID(body)
	case gupshup.MessageTypeDeleted:
		in.Kind = EventKindDelete
		in.TargetID = referencedID(body)
	default:
		return nil, fmt.Errorf("%w: message type %q", ErrUnsupportedEventKind, payload.Type)
	}

	if in.RemoteID == "" {
		return nil, errors.New("message payload has no id")
	}
	if in.Kind != EventKindMessage && in.TargetID == "" {
		return nil, fmt.Errorf("%s payload has no target message id", in.Kind)
	}
	return in, nil
}

func referencedID(body *gupshup.MessageData) gupshup.MessageID {
	if body.GSMsgID != "" {
		return gupshup.MessageID(body.GSMsgID)
	}
	return gupshup.MessageID(body.MsgID)
}

func normalizeReceipt(app *database.Application, evt *gupshup.WebhookEvent) (*InboundEvent, error) {
	payload := &evt.Payload
	status := gupshup.MessageStatus(payload.Type)
	switch status {
	case gupshup.StatusEnqueued, gupshup.StatusSent, gupshup.StatusDelivered,
		gupshup.StatusRead, gupshup.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: status %q", ErrUnsupportedEventKind, payload.Type)
	}
	targetID := payload.StatusID()
	if targetID == "" {
		return nil, errors.New("status payload has no message id")
	}
	in := &InboundEvent{
		Kind:      EventKindReceipt,
		App:       app,
		ChatID:    string(payload.Destination),
		RemoteID:  targetID,
		TargetID:  targetID,
		Status:    status,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if payload.Body != nil {
		in.FailReason = payload.Body.Reason
	}
	return in, nil
}
