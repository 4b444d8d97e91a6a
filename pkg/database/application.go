// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"errors"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// ErrDuplicateApp is returned by Register when the application name or
// phone number is already taken.
var ErrDuplicateApp = errors.New("application name or phone number already registered")

// Application is one registered Gupshup application (a bridge tenant).
// Immutable after registration apart from the enabled flag.
type Application struct {
	qh *dbutil.QueryHelper[*Application]

	Name      string
	Phone     string
	APIKey    string
	AppID     string
	AdminMXID id.UserID
	Enabled   bool
}

func newApp(qh *dbutil.QueryHelper[*Application]) *Application {
	return &Application{qh: qh}
}

const (
	appColumns            = "name, phone, api_key, app_id, admin_mxid, enabled"
	getAppByNameQuery     = "SELECT " + appColumns + " FROM gupshup_application WHERE name=$1"
	getAppByPhoneQuery    = "SELECT " + appColumns + " FROM gupshup_application WHERE phone=$1"
	getAppByAppIDQuery    = "SELECT " + appColumns + " FROM gupshup_application WHERE app_id=$1"
	getAllAppsQuery       = "SELECT " + appColumns + " FROM gupshup_application ORDER BY name"
	insertAppQuery        = "INSERT INTO gupshup_application (" + appColumns + ") VALUES ($1, $2, $3, $4, $5, $6)"
	setAppEnabledQuery    = "UPDATE gupshup_application SET enabled=$2 WHERE name=$1"
	deleteAppByNameQuery  = "DELETE FROM gupshup_application WHERE name=$1"
	countAppConflictQuery = "SELECT COUNT(*) FROM gupshup_application WHERE name=$1 OR phone=$2"
)

func (app *Application) Scan(row dbutil.Scannable) (*Application, error) {
	err := row.Scan(&app.Name, &app.Phone, &app.APIKey, &app.AppID, &app.AdminMXID, &app.Enabled)
	return dbutil.ValueOrErr(app, err)
}

func (app *Application) sqlVariables() []any {
	return []any{app.Name, app.Phone, app.APIKey, app.AppID, app.AdminMXID, app.Enabled}
}

// AppQuery is the application registry.
type AppQuery struct {
	*dbutil.QueryHelper[*Application]
}

// Register inserts a new application. The uniqueness check and insert run in
// one transaction so a partially registered application is never visible.
func (aq *AppQuery) Register(ctx context.Context, app *Application) error {
	return aq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		var conflicts int
		err := aq.GetDB().QueryRow(ctx, countAppConflictQuery, app.Name, app.Phone).Scan(&conflicts)
		if err != nil {
			return err
		}
		if conflicts > 0 {
			return ErrDuplicateApp
		}
		return aq.Exec(ctx, insertAppQuery, app.sqlVariables()...)
	})
}

// GetByName looks up an application by its unique name. Returns nil without
// error when not found.
func (aq *AppQuery) GetByName(ctx context.Context, name string) (*Application, error) {
	return aq.QueryOne(ctx, getAppByNameQuery, name)
}

// GetByPhone looks up an application by its WhatsApp phone number.
func (aq *AppQuery) GetByPhone(ctx context.Context, phone string) (*Application, error) {
	return aq.QueryOne(ctx, getAppByPhoneQuery, phone)
}

// GetByAppID looks up an application by its Gupshup app id.
func (aq *AppQuery) GetByAppID(ctx context.Context, appID string) (*Application, error) {
	return aq.QueryOne(ctx, getAppByAppIDQuery, appID)
}

// GetAll returns every registered application.
func (aq *AppQuery) GetAll(ctx context.Context) ([]*Application, error) {
	return aq.QueryMany(ctx, getAllAppsQuery)
}

// SetEnabled flips the enabled flag of an application.
func (aq *AppQuery) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return aq.Exec(ctx, setAppEnabledQuery, name, enabled)
}

// Delete removes an application and, through cascade, all of its portals,
// puppets and message mappings.
func (aq *AppQuery) Delete(ctx context.Context, name string) error {
	return aq.Exec(ctx, deleteAppByNameQuery, name)
}
