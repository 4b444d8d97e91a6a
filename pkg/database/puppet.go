// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Puppet holds the cached profile of one remote WhatsApp user within one
// application. The bridge-side ghost identity is derived from the key, so
// it is not stored.
type Puppet struct {
	qh *dbutil.QueryHelper[*Puppet]

	AppName     string
	Phone       string
	DisplayName string
	AvatarHash  string
	AvatarMXC   id.ContentURIString
	NameSet     bool
}

func newPuppet(qh *dbutil.QueryHelper[*Puppet]) *Puppet {
	return &Puppet{qh: qh}
}

const (
	puppetColumns         = "app_name, phone, display_name, avatar_hash, avatar_mxc, name_set"
	getPuppetByPhoneQuery = "SELECT " + puppetColumns + " FROM puppet WHERE app_name=$1 AND phone=$2"
	insertPuppetQuery     = "INSERT INTO puppet (" + puppetColumns + ") VALUES ($1, $2, $3, $4, $5, $6)"
	updatePuppetQuery     = `
		UPDATE puppet SET display_name=$3, avatar_hash=$4, avatar_mxc=$5, name_set=$6
		WHERE app_name=$1 AND phone=$2
	`
)

func (p *Puppet) Scan(row dbutil.Scannable) (*Puppet, error) {
	err := row.Scan(&p.AppName, &p.Phone, &p.DisplayName, &p.AvatarHash, &p.AvatarMXC, &p.NameSet)
	return dbutil.ValueOrErr(p, err)
}

func (p *Puppet) sqlVariables() []any {
	return []any{p.AppName, p.Phone, p.DisplayName, p.AvatarHash, p.AvatarMXC, p.NameSet}
}

// PuppetQuery is the puppet store.
type PuppetQuery struct {
	*dbutil.QueryHelper[*Puppet]
}

// GetByPhone fetches a puppet by its (application, remote user) key.
// Returns nil without error when not found.
func (pq *PuppetQuery) GetByPhone(ctx context.Context, appName, phone string) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByPhoneQuery, appName, phone)
}

// Insert persists a new puppet row.
func (pq *PuppetQuery) Insert(ctx context.Context, p *Puppet) error {
	return pq.Exec(ctx, insertPuppetQuery, p.sqlVariables()...)
}

// Update persists profile changes of an existing puppet.
func (pq *PuppetQuery) Update(ctx context.Context, p *Puppet) error {
	return pq.Exec(ctx, updatePuppetQuery, p.sqlVariables()...)
}
