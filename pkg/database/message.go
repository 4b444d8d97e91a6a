// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// Message is one entry of a portal's message map: the correlation between
// a gateway message id and the Matrix event it was bridged to. Used for
// dedup of webhook redelivery and for edit/delete/reaction targeting.
type Message struct {
	qh *dbutil.QueryHelper[*Message]

	AppName    string
	RemoteID   gupshup.MessageID
	MXID       id.EventID
	RoomID     id.RoomID
	SenderMXID id.UserID
	Status     gupshup.MessageStatus
	Timestamp  time.Time
}

func newMessage(qh *dbutil.QueryHelper[*Message]) *Message {
	return &Message{qh: qh}
}

const (
	messageColumns            = "app_name, remote_id, mxid, room_id, sender_mxid, status, timestamp"
	getMessageByRemoteIDQuery = "SELECT " + messageColumns + " FROM message WHERE app_name=$1 AND remote_id=$2"
	getMessageByMXIDQuery     = "SELECT " + messageColumns + " FROM message WHERE mxid=$1 AND room_id=$2"
	insertMessageQuery        = "INSERT INTO message (" + messageColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7)"
	updateMessageStatusQuery  = "UPDATE message SET status=$3 WHERE app_name=$1 AND remote_id=$2"
	deleteMessageQuery        = "DELETE FROM message WHERE app_name=$1 AND remote_id=$2"
	deleteMessagesByRoomQuery = "DELETE FROM message WHERE room_id=$1"
	pruneMessagesQuery        = `
		DELETE FROM message WHERE room_id=$1 AND remote_id NOT IN (
			SELECT remote_id FROM message WHERE room_id=$1 ORDER BY timestamp DESC, remote_id DESC LIMIT $2
		)
	`
)

func (m *Message) Scan(row dbutil.Scannable) (*Message, error) {
	var ts int64
	err := row.Scan(&m.AppName, &m.RemoteID, &m.MXID, &m.RoomID, &m.SenderMXID, &m.Status, &ts)
	if err != nil {
		return nil, err
	}
	m.Timestamp = time.UnixMilli(ts)
	return m, nil
}

func (m *Message) sqlVariables() []any {
	return []any{m.AppName, m.RemoteID, m.MXID, m.RoomID, m.SenderMXID, m.Status, m.Timestamp.UnixMilli()}
}

// MessageQuery is the message map store.
type MessageQuery struct {
	*dbutil.QueryHelper[*Message]
}

// GetByRemoteID fetches a mapping by the gateway message id. Returns nil
// without error when the id has not been seen.
func (mq *MessageQuery) GetByRemoteID(ctx context.Context, appName string, remoteID gupshup.MessageID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByRemoteIDQuery, appName, remoteID)
}

// GetByMXID fetches a mapping by the Matrix event id.
func (mq *MessageQuery) GetByMXID(ctx context.Context, mxid id.EventID, roomID id.RoomID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByMXIDQuery, mxid, roomID)
}

// Insert persists a new mapping.
func (mq *MessageQuery) Insert(ctx context.Context, m *Message) error {
	return mq.Exec(ctx, insertMessageQuery, m.sqlVariables()...)
}

// UpdateStatus records a delivery status against an existing mapping.
func (mq *MessageQuery) UpdateStatus(ctx context.Context, appName string, remoteID gupshup.MessageID, status gupshup.MessageStatus) error {
	return mq.Exec(ctx, updateMessageStatusQuery, appName, remoteID, status)
}

// Delete removes a single mapping.
func (mq *MessageQuery) Delete(ctx context.Context, appName string, remoteID gupshup.MessageID) error {
	return mq.Exec(ctx, deleteMessageQuery, appName, remoteID)
}

// Prune evicts the oldest mappings of a room beyond keep entries, bounding
// the per-portal message map.
func (mq *MessageQuery) Prune(ctx context.Context, roomID id.RoomID, keep int) error {
	if keep <= 0 {
		return nil
	}
	return mq.Exec(ctx, pruneMessagesQuery, roomID, keep)
}
