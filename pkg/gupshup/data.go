// Copyright 2024-2026 Aiku AI

// Package gupshup contains the wire types and HTTP client for the Gupshup
// cloud WhatsApp gateway: webhook payload schemas on the inbound side and
// the message send API on the outbound side.
package gupshup

import (
	"encoding/json"
)

// MessageID is the gateway's identifier for a message. It is the
// idempotency key for webhook redelivery.
type MessageID string

// UserID is a remote WhatsApp user identifier (an international phone
// number without the leading plus).
type UserID string

// EventType is the top-level webhook event classification.
type EventType string

const (
	EventTypeMessage      EventType = "message"
	EventTypeMessageEvent EventType = "message-event"
	EventTypeUserEvent    EventType = "user-event"
)

// MessageType identifies the payload shape of an inbound message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeFile     MessageType = "file"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
	MessageTypeReaction MessageType = "reaction"
	MessageTypeEdited   MessageType = "edited"
	MessageTypeDeleted  MessageType = "deleted"
)

// MessageStatus values arrive on message-event webhooks as the payload type.
type MessageStatus string

const (
	StatusEnqueued  MessageStatus = "enqueued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Sender describes the WhatsApp user a message came from.
type Sender struct {
	Phone       string `json:"phone"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
	DialCode    string `json:"dial_code"`
}

// MessageData is the inner payload body of a message webhook. Which fields
// are set depends on the payload type.
type MessageData struct {
	Text        string `json:"text,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Latitude    string `json:"latitude,omitempty"`
	Longitude   string `json:"longitude,omitempty"`

	// Reaction payloads.
	Emoji string `json:"emoji,omitempty"`

	// Failure payloads.
	Code   json.Number `json:"code,omitempty"`
	Reason string      `json:"reason,omitempty"`

	// Referenced message, set on reactions, edits and deletes.
	MsgID   string `json:"id,omitempty"`
	GSMsgID string `json:"gsId,omitempty"`
}

// Context references an earlier message (replies and edits carry it).
type Context struct {
	MsgID   string `json:"id,omitempty"`
	GSMsgID string `json:"gsId,omitempty"`
}

// Payload is the common envelope inside every webhook event.
type Payload struct {
	ID          MessageID    `json:"id,omitempty"`
	GSID        MessageID    `json:"gsId,omitempty"`
	Source      string       `json:"source,omitempty"`
	Type        string       `json:"type,omitempty"`
	Sender      *Sender      `json:"sender,omitempty"`
	Destination UserID       `json:"destination,omitempty"`
	Body        *MessageData `json:"payload,omitempty"`
	Context     *Context     `json:"context,omitempty"`
}

// WebhookEvent is a fully parsed Gupshup webhook delivery.
type WebhookEvent struct {
	App       string    `json:"app"`
	Timestamp int64     `json:"timestamp"`
	Type      EventType `json:"type"`
	Payload   Payload   `json:"payload"`
}

// ParseWebhook decodes a raw webhook body.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// StatusID returns the message id a status event refers to. Delivered and
// read events carry the gateway id in gsId rather than id.
func (p *Payload) StatusID() MessageID {
	if p.GSID != "" {
		return p.GSID
	}
	return p.ID
}

// OutgoingMessage is the JSON document placed in the "message" form field
// of a send request.
type OutgoingMessage struct {
	IsHSM       string `json:"isHSM,omitempty"`
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URL         string `json:"url,omitempty"`
	OriginalURL string `json:"originalUrl,omitempty"`
	PreviewURL  string `json:"previewUrl,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// OutgoingReaction is the JSON document for the reaction endpoint.
type OutgoingReaction struct {
	MsgID string `json:"msgId"`
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
}

// NewTextMessage builds a plain text send body.
func NewTextMessage(text string) *OutgoingMessage {
	return &OutgoingMessage{IsHSM: "false", Type: "text", Text: text}
}

// NewImageMessage builds an image send body from a publicly reachable URL.
func NewImageMessage(url string) *OutgoingMessage {
	return &OutgoingMessage{Type: "image", OriginalURL: url, PreviewURL: url}
}

// NewVideoMessage builds a video send body.
func NewVideoMessage(url string) *OutgoingMessage {
	return &OutgoingMessage{Type: "video", URL: url}
}

// NewAudioMessage builds an audio send body.
func NewAudioMessage(url string) *OutgoingMessage {
	return &OutgoingMessage{Type: "audio", URL: url}
}

// NewFileMessage builds a document send body.
func NewFileMessage(url, filename string) *OutgoingMessage {
	return &OutgoingMessage{Type: "file", URL: url, Filename: filename}
}
