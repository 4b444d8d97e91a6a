// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Portal maps one remote WhatsApp conversation of one application to a
// Matrix room. The room id is assigned lazily and is stable for the
// portal's lifetime once set.
type Portal struct {
	qh *dbutil.QueryHelper[*Portal]

	AppName string
	ChatID  string
	MXID    id.RoomID
	// OtherUser is the remote phone number of the chat counterpart.
	OtherUser    string
	LastActivity time.Time
}

func newPortal(qh *dbutil.QueryHelper[*Portal]) *Portal {
	return &Portal{qh: qh}
}

const (
	portalColumns            = "app_name, chat_id, mxid, other_user, last_activity"
	getPortalByChatIDQuery   = "SELECT " + portalColumns + " FROM portal WHERE app_name=$1 AND chat_id=$2"
	getPortalByMXIDQuery     = "SELECT " + portalColumns + " FROM portal WHERE mxid=$1"
	getAllPortalsForAppQuery = "SELECT " + portalColumns + " FROM portal WHERE app_name=$1"
	insertPortalQuery        = "INSERT INTO portal (" + portalColumns + ") VALUES ($1, $2, $3, $4, $5)"
	setPortalMXIDQuery       = "UPDATE portal SET mxid=$3 WHERE app_name=$1 AND chat_id=$2"
	touchPortalQuery         = "UPDATE portal SET last_activity=$3 WHERE app_name=$1 AND chat_id=$2"
	unbridgePortalQuery      = "UPDATE portal SET mxid=NULL WHERE app_name=$1 AND chat_id=$2"
)

func (p *Portal) Scan(row dbutil.Scannable) (*Portal, error) {
	var mxid sql.NullString
	var lastActivity int64
	err := row.Scan(&p.AppName, &p.ChatID, &mxid, &p.OtherUser, &lastActivity)
	if err != nil {
		return nil, err
	}
	p.MXID = id.RoomID(mxid.String)
	p.LastActivity = time.UnixMilli(lastActivity)
	return p, nil
}

func (p *Portal) sqlVariables() []any {
	var mxid *string
	if p.MXID != "" {
		mxid = (*string)(&p.MXID)
	}
	return []any{p.AppName, p.ChatID, mxid, p.OtherUser, p.LastActivity.UnixMilli()}
}

// PortalQuery is the portal store.
type PortalQuery struct {
	*dbutil.QueryHelper[*Portal]
}

// GetByChatID fetches a portal by its (application, remote conversation)
// key. Returns nil without error when the portal does not exist.
func (pq *PortalQuery) GetByChatID(ctx context.Context, appName, chatID string) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByChatIDQuery, appName, chatID)
}

// GetByMXID fetches a portal by its Matrix room id.
func (pq *PortalQuery) GetByMXID(ctx context.Context, mxid id.RoomID) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByMXIDQuery, mxid)
}

// GetAllForApp returns all portals of one application.
func (pq *PortalQuery) GetAllForApp(ctx context.Context, appName string) ([]*Portal, error) {
	return pq.QueryMany(ctx, getAllPortalsForAppQuery, appName)
}

// Insert persists a new portal row.
func (pq *PortalQuery) Insert(ctx context.Context, p *Portal) error {
	return pq.Exec(ctx, insertPortalQuery, p.sqlVariables()...)
}

// SetMXID assigns the Matrix room to a portal.
func (pq *PortalQuery) SetMXID(ctx context.Context, appName, chatID string, mxid id.RoomID) error {
	return pq.Exec(ctx, setPortalMXIDQuery, appName, chatID, mxid)
}

// TouchActivity updates the portal's last-activity timestamp.
func (pq *PortalQuery) TouchActivity(ctx context.Context, appName, chatID string, ts time.Time) error {
	return pq.Exec(ctx, touchPortalQuery, appName, chatID, ts.UnixMilli())
}

// Unbridge soft-destroys a portal: the room mapping and the portal's
// message map are removed, the row itself stays so the conversation can be
// re-bridged into a fresh room later.
func (pq *PortalQuery) Unbridge(ctx context.Context, appName, chatID string, mxid id.RoomID) error {
	return pq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := pq.Exec(ctx, deleteMessagesByRoomQuery, mxid); err != nil {
			return err
		}
		return pq.Exec(ctx, unbridgePortalQuery, appName, chatID)
	})
}
