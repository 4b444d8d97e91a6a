// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix implements the homeserver capability set the relay engine
// depends on: room creation, event emission, redaction and profile updates,
// performed either as the bridge bot or as a ghost user impersonated
// through the appservice token.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds the homeserver connection settings.
type Config struct {
	// Address is the client-server API URL the bridge talks to.
	Address string `yaml:"address"`
	// PublicAddress is the URL remote users can fetch media from. Falls
	// back to Address when empty.
	PublicAddress string `yaml:"public_address"`
	Domain        string `yaml:"domain"`
	// AccessToken is the appservice token shared by the bot and all ghosts.
	AccessToken string    `yaml:"access_token"`
	BotMXID     id.UserID `yaml:"bot_mxid"`
}

// Client wraps a bot mautrix client plus lazily created ghost clients.
// Ghosts are appservice-style users registered on first use and cached for
// the process lifetime.
type Client struct {
	cfg Config
	bot *mautrix.Client
	log zerolog.Logger

	ghosts  *exsync.Map[id.UserID, *mautrix.Client]
	ghostMu sync.Mutex

	// OnEvent receives Matrix timeline events from the sync loop. Set
	// before calling Start.
	OnEvent func(ctx context.Context, evt *event.Event)

	startTime time.Time
}

// NewClient builds the bot client. No network calls are made until Start.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	bot, err := mautrix.NewClient(cfg.Address, cfg.BotMXID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot client: %w", err)
	}
	bot.SetAppServiceUserID = true
	return &Client{
		cfg:    cfg,
		bot:    bot,
		log:    log.With().Str("component", "matrix").Logger(),
		ghosts: exsync.NewMap[id.UserID, *mautrix.Client](),
	}, nil
}

// BotMXID returns the bridge bot's Matrix user id.
func (c *Client) BotMXID() id.UserID {
	return c.cfg.BotMXID
}

// PublicMediaURL builds the URL a remote user can download a Matrix media
// object from.
func (c *Client) PublicMediaURL(uri id.ContentURI) string {
	base := c.cfg.PublicAddress
	if base == "" {
		base = c.cfg.Address
	}
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s", base, uri.Homeserver, uri.FileID)
}

// Start runs the bot sync loop until ctx is cancelled. Timeline events are
// forwarded to OnEvent; invites for the bot are accepted automatically so
// ghost-created portal rooms always contain the bot.
func (c *Client) Start(ctx context.Context) error {
	c.startTime = time.Now()
	syncer := c.bot.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleTimelineEvent)
	syncer.OnEventType(event.EventReaction, c.handleTimelineEvent)
	syncer.OnEventType(event.EventRedaction, c.handleTimelineEvent)
	syncer.OnEventType(event.StateMember, c.handleMemberEvent)

	c.log.Info().Str("address", c.cfg.Address).Msg("Starting Matrix sync")
	err := c.bot.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync loop failed: %w", err)
	}
	return nil
}

func (c *Client) handleTimelineEvent(ctx context.Context, evt *event.Event) {
	// Old events replayed by the initial sync are not bridged again.
	if time.UnixMilli(evt.Timestamp).Before(c.startTime) {
		return
	}
	if evt.Sender == c.cfg.BotMXID {
		return
	}
	if c.OnEvent != nil {
		c.OnEvent(ctx, evt)
	}
}

func (c *Client) handleMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.cfg.BotMXID) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if _, err := c.bot.JoinRoomByID(ctx, evt.RoomID); err != nil {
		c.log.Warn().Err(err).
			Str("room_id", evt.RoomID.String()).
			Msg("Failed to join room after invite")
	}
}

// ghost returns a client acting as the given ghost user, registering the
// user on the homeserver the first time it is seen.
func (c *Client) ghost(ctx context.Context, ghost id.UserID) (*mautrix.Client, error) {
	if cli, ok := c.ghosts.Get(ghost); ok {
		return cli, nil
	}
	c.ghostMu.Lock()
	defer c.ghostMu.Unlock()
	if cli, ok := c.ghosts.Get(ghost); ok {
		return cli, nil
	}

	cli, err := mautrix.NewClient(c.cfg.Address, ghost, c.cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create ghost client: %w", err)
	}
	cli.SetAppServiceUserID = true

	localpart, _, err := ghost.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid ghost mxid %q: %w", ghost, err)
	}
	_, _, err = cli.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return nil, fmt.Errorf("failed to register ghost: %w", err)
	}

	c.ghosts.Set(ghost, cli)
	c.log.Debug().Str("ghost", ghost.String()).Msg("Prepared ghost client")
	return cli, nil
}

// CreateRoom creates a portal room as the ghost and invites the given users.
func (c *Client) CreateRoom(ctx context.Context, ghost id.UserID, name, topic string, invite []id.UserID) (id.RoomID, error) {
	cli, err := c.ghost(ctx, ghost)
	if err != nil {
		return "", err
	}
	resp, err := cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       name,
		Topic:      topic,
		Invite:     invite,
		IsDirect:   true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	return resp.RoomID, nil
}

// SendMessage emits a message event into a room as the ghost.
func (c *Client) SendMessage(ctx context.Context, ghost id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	cli, err := c.ghost(ctx, ghost)
	if err != nil {
		return "", err
	}
	resp, err := cli.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.EventID, nil
}

// SendReaction emits a reaction event keyed to the target event.
func (c *Client) SendReaction(ctx context.Context, ghost id.UserID, roomID id.RoomID, target id.EventID, emoji string) (id.EventID, error) {
	cli, err := c.ghost(ctx, ghost)
	if err != nil {
		return "", err
	}
	resp, err := cli.SendReaction(ctx, roomID, target, emoji)
	if err != nil {
		return "", fmt.Errorf("failed to send reaction: %w", err)
	}
	return resp.EventID, nil
}

// RedactEvent redacts the target event as the ghost.
func (c *Client) RedactEvent(ctx context.Context, ghost id.UserID, roomID id.RoomID, target id.EventID) (id.EventID, error) {
	cli, err := c.ghost(ctx, ghost)
	if err != nil {
		return "", err
	}
	resp, err := cli.RedactEvent(ctx, roomID, target)
	if err != nil {
		return "", fmt.Errorf("failed to redact event: %w", err)
	}
	return resp.EventID, nil
}

// MarkRead sends a read receipt for the target event as the ghost. Used to
// reflect remote read statuses on bridged messages.
func (c *Client) MarkRead(ctx context.Context, ghost id.UserID, roomID id.RoomID, target id.EventID) error {
	cli, err := c.ghost(ctx, ghost)
	if err != nil {
		return err
	}
	if err := cli.MarkRead(ctx, roomID, target); err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

// SendNotice posts a bot notice into a room. Used for delivery failures and
// admin command replies.
func (c *Client) SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	resp, err := c.bot.SendNotice(ctx, roomID, text)
	if err != nil {
		return "", fmt.Errorf("failed to send notice: %w", err)
	}
	return resp.EventID, nil
}

// RedactAsBot redacts an event with the bot account.
func (c *Client) RedactAsBot(ctx context.Context, roomID id.RoomID, target id.EventID) error {
	_, err := c.bot.RedactEvent(ctx, roomID, target)
	return err
}

// SetProfile updates a ghost's displayname and avatar.
func (c *Client) SetProfile(ctx context.Context, ghost id.UserID, displayname string, avatarURL id.ContentURI) error {
	cli, err := c.ghost(ctx, ghost)
	if err != nil {
		return err
	}
	if displayname != "" {
		if err := cli.SetDisplayName(ctx, displayname); err != nil {
			return fmt.Errorf("failed to set displayname: %w", err)
		}
	}
	if !avatarURL.IsEmpty() {
		if err := cli.SetAvatarURL(ctx, avatarURL); err != nil {
			return fmt.Errorf("failed to set avatar: %w", err)
		}
	}
	return nil
}

// UploadMedia stores a binary attachment in the Matrix content repository.
func (c *Client) UploadMedia(ctx context.Context, data []byte, contentType string) (id.ContentURI, error) {
	resp, err := c.bot.UploadBytes(ctx, data, contentType)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to upload media: %w", err)
	}
	return resp.ContentURI, nil
}

// DownloadMedia fetches a Matrix media object.
func (c *Client) DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	data, err := c.bot.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return data, nil
}
