// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package database implements the bridge's durable state: the application
// registry, portals, puppets and the remote-to-Matrix message map.
package database

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed upgrades/*.sql
var rawUpgrades embed.FS

// UpgradeTable contains the schema migrations for the bridge database.
var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.RegisterFSPath(rawUpgrades, "upgrades")
}

// Config selects the database backend. Type sqlite3 uses the pure-Go
// modernc driver, type postgres uses lib/pq.
type Config struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// Database bundles the query helpers for all bridge entities.
type Database struct {
	*dbutil.Database

	App     *AppQuery
	Portal  *PortalQuery
	Puppet  *PuppetQuery
	Message *MessageQuery
}

func driverName(dbType string) (string, error) {
	switch dbType {
	case "sqlite3", "sqlite":
		return "sqlite", nil
	case "postgres", "postgresql":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database type %q", dbType)
	}
}

// New opens the database and wires up the entity query helpers. It does not
// run migrations; call Upgrade before use.
func New(cfg Config, log zerolog.Logger) (*Database, error) {
	driver, err := driverName(cfg.Type)
	if err != nil {
		return nil, err
	}
	rawDB, err := sql.Open(driver, cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		rawDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		rawDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	db, err := dbutil.NewWithDB(rawDB, cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())
	db.UpgradeTable = UpgradeTable
	return wrap(db), nil
}

func wrap(db *dbutil.Database) *Database {
	return &Database{
		Database: db,
		App:      &AppQuery{dbutil.MakeQueryHelper(db, newApp)},
		Portal:   &PortalQuery{dbutil.MakeQueryHelper(db, newPortal)},
		Puppet:   &PuppetQuery{dbutil.MakeQueryHelper(db, newPuppet)},
		Message:  &MessageQuery{dbutil.MakeQueryHelper(db, newMessage)},
	}
}
