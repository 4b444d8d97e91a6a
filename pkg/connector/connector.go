// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// MatrixAPI is the homeserver capability set the relay engine consumes.
// Implemented by pkg/matrix; replaced by fakes in tests.
type MatrixAPI interface {
	CreateRoom(ctx context.Context, ghost id.UserID, name, topic string, invite []id.UserID) (id.RoomID, error)
	SendMessage(ctx context.Context, ghost id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	SendReaction(ctx context.Context, ghost id.UserID, roomID id.RoomID, target id.EventID, emoji string) (id.EventID, error)
	RedactEvent(ctx context.Context, ghost id.UserID, roomID id.RoomID, target id.EventID) (id.EventID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	MarkRead(ctx context.Context, ghost id.UserID, roomID id.RoomID, target id.EventID) error
	RedactAsBot(ctx context.Context, roomID id.RoomID, target id.EventID) error
	SetProfile(ctx context.Context, ghost id.UserID, displayname string, avatarURL id.ContentURI) error
	UploadMedia(ctx context.Context, data []byte, contentType string) (id.ContentURI, error)
	DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error)
	PublicMediaURL(uri id.ContentURI) string
	BotMXID() id.UserID
}

// GatewayAPI is the outbound half of the Gupshup client.
type GatewayAPI interface {
	SendMessage(ctx context.Context, creds gupshup.Credentials, destination gupshup.UserID, msg *gupshup.OutgoingMessage) (gupshup.MessageID, error)
	SendReaction(ctx context.Context, creds gupshup.Credentials, destination gupshup.UserID, reaction *gupshup.OutgoingReaction) (gupshup.MessageID, error)
}

// AppRegistry stores tenant records.
type AppRegistry interface {
	Register(ctx context.Context, app *database.Application) error
	GetByName(ctx context.Context, name string) (*database.Application, error)
	GetByPhone(ctx context.Context, phone string) (*database.Application, error)
	GetByAppID(ctx context.Context, appID string) (*database.Application, error)
	GetAll(ctx context.Context) ([]*database.Application, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
}

// PortalStore owns portal records and room-to-conversation mappings.
type PortalStore interface {
	GetByChatID(ctx context.Context, appName, chatID string) (*database.Portal, error)
	GetByMXID(ctx context.Context, mxid id.RoomID) (*database.Portal, error)
	GetAllForApp(ctx context.Context, appName string) ([]*database.Portal, error)
	Insert(ctx context.Context, p *database.Portal) error
	SetMXID(ctx context.Context, appName, chatID string, mxid id.RoomID) error
	TouchActivity(ctx context.Context, appName, chatID string, ts time.Time) error
	Unbridge(ctx context.Context, appName, chatID string, mxid id.RoomID) error
}

// PuppetStore owns puppet records.
type PuppetStore interface {
	GetByPhone(ctx context.Context, appName, phone string) (*database.Puppet, error)
	Insert(ctx context.Context, p *database.Puppet) error
	Update(ctx context.Context, p *database.Puppet) error
}

// MessageStore owns the per-portal message maps.
type MessageStore interface {
	GetByRemoteID(ctx context.Context, appName string, remoteID gupshup.MessageID) (*database.Message, error)
	GetByMXID(ctx context.Context, mxid id.EventID, roomID id.RoomID) (*database.Message, error)
	Insert(ctx context.Context, m *database.Message) error
	UpdateStatus(ctx context.Context, appName string, remoteID gupshup.MessageID, status gupshup.MessageStatus) error
	Delete(ctx context.Context, appName string, remoteID gupshup.MessageID) error
	Prune(ctx context.Context, roomID id.RoomID, keep int) error
}

// Stores bundles the durable state dependencies of the engine.
type Stores struct {
	Apps     AppRegistry
	Portals  PortalStore
	Puppets  PuppetStore
	Messages MessageStore
}

// StoresFromDatabase adapts a database handle to the engine's store set.
func StoresFromDatabase(db *database.Database) Stores {
	return Stores{
		Apps:     db.App,
		Portals:  db.Portal,
		Puppets:  db.Puppet,
		Messages: db.Message,
	}
}

type queueItem struct {
	inbound  *InboundEvent
	outbound *OutboundEvent
}

// GupshupConnector is the relay engine coordinating both directions of the
// bridge. It holds no persistent state of its own; everything durable goes
// through the stores.
type GupshupConnector struct {
	cfg *Config
	log zerolog.Logger

	matrix  MatrixAPI
	gateway GatewayAPI
	stores  Stores

	transcoder *MediaTranscoder

	queue   chan queueItem
	locks   *keyedMutex
	workers *errgroup.Group

	// stopMu guards queue sends against the close in Stop. Producers hold
	// the read lock for the duration of a send, so the channel can only be
	// closed while no send is in flight.
	stopMu  sync.RWMutex
	stopped bool

	// requeue re-enqueues delayed events (reaction-before-message retry).
	// Swapped out in tests to make retries synchronous.
	requeue func(delay time.Duration, item queueItem)
}

// New wires up a relay engine. Start must be called before events are
// processed.
func New(cfg *Config, log zerolog.Logger, matrixAPI MatrixAPI, gateway GatewayAPI, stores Stores) *GupshupConnector {
	gc := &GupshupConnector{
		cfg:     cfg,
		log:     log.With().Str("component", "relay").Logger(),
		matrix:  matrixAPI,
		gateway: gateway,
		stores:  stores,
		queue:   make(chan queueItem, cfg.Bridge.QueueSize),
		locks:   newKeyedMutex(),
	}
	gc.transcoder = NewMediaTranscoder(matrixAPI, cfg.GatewayTimeout(), log)
	gc.requeue = func(delay time.Duration, item queueItem) {
		time.AfterFunc(delay, func() {
			gc.enqueue(item)
		})
	}
	return gc
}

// Start launches the worker pool. Workers run until Stop closes the queue.
func (gc *GupshupConnector) Start(ctx context.Context) {
	gc.workers = &errgroup.Group{}
	for i := 0; i < gc.cfg.Bridge.Workers; i++ {
		gc.workers.Go(func() error {
			gc.runWorker(ctx)
			return nil
		})
	}
	gc.log.Info().
		Int("workers", gc.cfg.Bridge.Workers).
		Int("queue_size", gc.cfg.Bridge.QueueSize).
		Msg("Relay engine started")
}

// Stop drains in-flight events up to the configured grace deadline. New
// enqueues are rejected as soon as Stop is called.
func (gc *GupshupConnector) Stop() {
	gc.stopMu.Lock()
	if gc.stopped {
		gc.stopMu.Unlock()
		return
	}
	gc.stopped = true
	close(gc.queue)
	gc.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = gc.workers.Wait()
		close(done)
	}()
	grace := time.Duration(gc.cfg.Bridge.ShutdownGraceSeconds) * time.Second
	select {
	case <-done:
		gc.log.Info().Msg("Relay engine drained")
	case <-time.After(grace):
		gc.log.Warn().Dur("grace", grace).Msg("Relay engine shutdown grace expired")
	}
}

// EnqueueInbound hands a normalized webhook event to the worker pool.
// Returns false when the engine is stopping or the queue is full; the
// caller converts that into a retryable rejection to the gateway.
func (gc *GupshupConnector) EnqueueInbound(evt *InboundEvent) bool {
	return gc.enqueue(queueItem{inbound: evt})
}

// EnqueueOutbound hands a translated Matrix event to the worker pool.
func (gc *GupshupConnector) EnqueueOutbound(evt *OutboundEvent) bool {
	return gc.enqueue(queueItem{outbound: evt})
}

func (gc *GupshupConnector) enqueue(item queueItem) bool {
	gc.stopMu.RLock()
	defer gc.stopMu.RUnlock()
	if gc.stopped {
		return false
	}
	select {
	case gc.queue <- item:
		return true
	default:
		gc.log.Warn().Msg("Relay queue saturated, rejecting event")
		return false
	}
}

func (gc *GupshupConnector) runWorker(ctx context.Context) {
	for item := range gc.queue {
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch {
		case item.inbound != nil:
			gc.handleInbound(ctx, item.inbound)
		case item.outbound != nil:
			gc.handleOutbound(ctx, item.outbound)
		}
	}
}
