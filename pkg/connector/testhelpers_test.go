// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// ---------------------------------------------------------------------------
// Fake homeserver
// ---------------------------------------------------------------------------

type sentMessage struct {
	Ghost   id.UserID
	RoomID  id.RoomID
	Content *event.MessageEventContent
}

type sentReaction struct {
	Ghost  id.UserID
	RoomID id.RoomID
	Target id.EventID
	Emoji  string
}

type sentNotice struct {
	RoomID id.RoomID
	Text   string
}

type readReceipt struct {
	Ghost  id.UserID
	RoomID id.RoomID
	Target id.EventID
}

type fakeMatrix struct {
	mu sync.Mutex

	roomSeq  int
	eventSeq int

	createdRooms []id.RoomID
	messages     []sentMessage
	reactions    []sentReaction
	redactions   []id.EventID
	notices      []sentNotice
	reads        []readReceipt
	uploads      [][]byte

	createRoomErr error
	sendErr       error
}

func (fm *fakeMatrix) CreateRoom(ctx context.Context, ghost id.UserID, name, topic string, invite []id.UserID) (id.RoomID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.createRoomErr != nil {
		return "", fm.createRoomErr
	}
	fm.roomSeq++
	roomID := id.RoomID(fmt.Sprintf("!room%d:example.com", fm.roomSeq))
	fm.createdRooms = append(fm.createdRooms, roomID)
	return roomID, nil
}

func (fm *fakeMatrix) SendMessage(ctx context.Context, ghost id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.sendErr != nil {
		return "", fm.sendErr
	}
	fm.eventSeq++
	fm.messages = append(fm.messages, sentMessage{Ghost: ghost, RoomID: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$event%d", fm.eventSeq)), nil
}

func (fm *fakeMatrix) SendReaction(ctx context.Context, ghost id.UserID, roomID id.RoomID, target id.EventID, emoji string) (id.EventID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.eventSeq++
	fm.reactions = append(fm.reactions, sentReaction{Ghost: ghost, RoomID: roomID, Target: target, Emoji: emoji})
	return id.EventID(fmt.Sprintf("$event%d", fm.eventSeq)), nil
}

func (fm *fakeMatrix) RedactEvent(ctx context.Context, ghost id.UserID, roomID id.RoomID, target id.EventID) (id.EventID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.eventSeq++
	fm.redactions = append(fm.redactions, target)
	return id.EventID(fmt.Sprintf("$event%d", fm.eventSeq)), nil
}

func (fm *fakeMatrix) SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.eventSeq++
	fm.notices = append(fm.notices, sentNotice{RoomID: roomID, Text: text})
	return id.EventID(fmt.Sprintf("$event%d", fm.eventSeq)), nil
}

func (fm *fakeMatrix) MarkRead(ctx context.Context, ghost id.UserID, roomID id.RoomID, target id.EventID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.reads = append(fm.reads, readReceipt{Ghost: ghost, RoomID: roomID, Target: target})
	return nil
}

func (fm *fakeMatrix) RedactAsBot(ctx context.Context, roomID id.RoomID, target id.EventID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.redactions = append(fm.redactions, target)
	return nil
}

func (fm *fakeMatrix) SetProfile(ctx context.Context, ghost id.UserID, displayname string, avatarURL id.ContentURI) error {
	return nil
}

func (fm *fakeMatrix) UploadMedia(ctx context.Context, data []byte, contentType string) (id.ContentURI, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.uploads = append(fm.uploads, data)
	return id.ContentURI{Homeserver: "example.com", FileID: fmt.Sprintf("file%d", len(fm.uploads))}, nil
}

func (fm *fakeMatrix) DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	return []byte("media"), nil
}

func (fm *fakeMatrix) PublicMediaURL(uri id.ContentURI) string {
	return fmt.Sprintf("https://matrix.example.com/_matrix/media/v3/download/%s/%s", uri.Homeserver, uri.FileID)
}

func (fm *fakeMatrix) BotMXID() id.UserID {
	return id.UserID("@gupshupbot:example.com")
}

func (fm *fakeMatrix) roomCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return len(fm.createdRooms)
}

func (fm *fakeMatrix) messageCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return len(fm.messages)
}

func (fm *fakeMatrix) lastNotice() string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.notices) == 0 {
		return ""
	}
	return fm.notices[len(fm.notices)-1].Text
}

// ---------------------------------------------------------------------------
// Fake gateway
// ---------------------------------------------------------------------------

type gatewayCall struct {
	Creds       gupshup.Credentials
	Destination gupshup.UserID
	Message     *gupshup.OutgoingMessage
	Reaction    *gupshup.OutgoingReaction
}

type fakeGateway struct {
	mu    sync.Mutex
	seq   int
	calls []gatewayCall
	// errs are consumed one per call; nil entries mean success.
	errs []error
}

func (fg *fakeGateway) nextErr() error {
	if len(fg.errs) == 0 {
		return nil
	}
	err := fg.errs[0]
	fg.errs = fg.errs[1:]
	return err
}

func (fg *fakeGateway) SendMessage(ctx context.Context, creds gupshup.Credentials, destination gupshup.UserID, msg *gupshup.OutgoingMessage) (gupshup.MessageID, error) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.calls = append(fg.calls, gatewayCall{Creds: creds, Destination: destination, Message: msg})
	if err := fg.nextErr(); err != nil {
		return "", err
	}
	fg.seq++
	return gupshup.MessageID(fmt.Sprintf("gs-out-%d", fg.seq)), nil
}

func (fg *fakeGateway) SendReaction(ctx context.Context, creds gupshup.Credentials, destination gupshup.UserID, reaction *gupshup.OutgoingReaction) (gupshup.MessageID, error) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.calls = append(fg.calls, gatewayCall{Creds: creds, Destination: destination, Reaction: reaction})
	if err := fg.nextErr(); err != nil {
		return "", err
	}
	fg.seq++
	return gupshup.MessageID(fmt.Sprintf("gs-out-%d", fg.seq)), nil
}

func (fg *fakeGateway) callCount() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return len(fg.calls)
}

// ---------------------------------------------------------------------------
// In-memory stores
// ---------------------------------------------------------------------------

type memStores struct {
	mu       sync.Mutex
	apps     map[string]*database.Application
	portals  map[string]*database.Portal
	puppets  map[string]*database.Puppet
	messages []*database.Message
}

func newMemStores() *memStores {
	return &memStores{
		apps:    make(map[string]*database.Application),
		portals: make(map[string]*database.Portal),
		puppets: make(map[string]*database.Puppet),
	}
}

func (ms *memStores) Register(ctx context.Context, app *database.Application) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, existing := range ms.apps {
		if existing.Name == app.Name || existing.Phone == app.Phone {
			return database.ErrDuplicateApp
		}
	}
	clone := *app
	ms.apps[app.Name] = &clone
	return nil
}

func (ms *memStores) GetByName(ctx context.Context, name string) (*database.Application, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	app, ok := ms.apps[name]
	if !ok {
		return nil, nil
	}
	clone := *app
	return &clone, nil
}

func (ms *memStores) GetByPhone(ctx context.Context, phone string) (*database.Application, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, app := range ms.apps {
		if app.Phone == phone {
			clone := *app
			return &clone, nil
		}
	}
	return nil, nil
}

func (ms *memStores) GetByAppID(ctx context.Context, appID string) (*database.Application, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, app := range ms.apps {
		if app.AppID == appID {
			clone := *app
			return &clone, nil
		}
	}
	return nil, nil
}

func (ms *memStores) GetAll(ctx context.Context) ([]*database.Application, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*database.Application
	for _, app := range ms.apps {
		clone := *app
		out = append(out, &clone)
	}
	return out, nil
}

func (ms *memStores) SetEnabled(ctx context.Context, name string, enabled bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if app, ok := ms.apps[name]; ok {
		app.Enabled = enabled
	}
	return nil
}

func portalKey(appName, chatID string) string {
	return appName + "\x00" + chatID
}

func (ms *memStores) GetByChatID(ctx context.Context, appName, chatID string) (*database.Portal, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	p, ok := ms.portals[portalKey(appName, chatID)]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (ms *memStores) GetByMXID(ctx context.Context, mxid id.RoomID) (*database.Portal, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, p := range ms.portals {
		if p.MXID == mxid {
			clone := *p
			return &clone, nil
		}
	}
	return nil, nil
}

func (ms *memStores) GetAllForApp(ctx context.Context, appName string) ([]*database.Portal, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*database.Portal
	for _, p := range ms.portals {
		if p.AppName == appName {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (ms *memStores) Insert(ctx context.Context, p *database.Portal) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	clone := *p
	ms.portals[portalKey(p.AppName, p.ChatID)] = &clone
	return nil
}

func (ms *memStores) SetMXID(ctx context.Context, appName, chatID string, mxid id.RoomID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if p, ok := ms.portals[portalKey(appName, chatID)]; ok {
		p.MXID = mxid
	}
	return nil
}

func (ms *memStores) TouchActivity(ctx context.Context, appName, chatID string, ts time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if p, ok := ms.portals[portalKey(appName, chatID)]; ok {
		p.LastActivity = ts
	}
	return nil
}

func (ms *memStores) Unbridge(ctx context.Context, appName, chatID string, mxid id.RoomID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	kept := ms.messages[:0]
	for _, m := range ms.messages {
		if m.RoomID != mxid {
			kept = append(kept, m)
		}
	}
	ms.messages = kept
	if p, ok := ms.portals[portalKey(appName, chatID)]; ok {
		p.MXID = ""
	}
	return nil
}

// puppetStore wraps memStores because PuppetStore and PortalStore share
// method names with different signatures.
type puppetStore struct {
	ms *memStores
}

func (ps puppetStore) GetByPhone(ctx context.Context, appName, phone string) (*database.Puppet, error) {
	ps.ms.mu.Lock()
	defer ps.ms.mu.Unlock()
	p, ok := ps.ms.puppets[portalKey(appName, phone)]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (ps puppetStore) Insert(ctx context.Context, p *database.Puppet) error {
	ps.ms.mu.Lock()
	defer ps.ms.mu.Unlock()
	clone := *p
	ps.ms.puppets[portalKey(p.AppName, p.Phone)] = &clone
	return nil
}

func (ps puppetStore) Update(ctx context.Context, p *database.Puppet) error {
	return ps.Insert(ctx, p)
}

// messageStore wraps memStores for the same reason.
type messageStore struct {
	ms *memStores
}

func (ks messageStore) GetByRemoteID(ctx context.Context, appName string, remoteID gupshup.MessageID) (*database.Message, error) {
	ks.ms.mu.Lock()
	defer ks.ms.mu.Unlock()
	for _, m := range ks.ms.messages {
		if m.AppName == appName && m.RemoteID == remoteID {
			clone := *m
			return &clone, nil
		}
	}
	return nil, nil
}

func (ks messageStore) GetByMXID(ctx context.Context, mxid id.EventID, roomID id.RoomID) (*database.Message, error) {
	ks.ms.mu.Lock()
	defer ks.ms.mu.Unlock()
	for _, m := range ks.ms.messages {
		if m.MXID == mxid && m.RoomID == roomID {
			clone := *m
			return &clone, nil
		}
	}
	return nil, nil
}

func (ks messageStore) Insert(ctx context.Context, m *database.Message) error {
	ks.ms.mu.Lock()
	defer ks.ms.mu.Unlock()
	clone := *m
	ks.ms.messages = append(ks.ms.messages, &clone)
	return nil
}

func (ks messageStore) UpdateStatus(ctx context.Context, appName string, remoteID gupshup.MessageID, status gupshup.MessageStatus) error {
	ks.ms.mu.Lock()
	defer ks.ms.mu.Unlock()
	for _, m := range ks.ms.messages {
		if m.AppName == appName && m.RemoteID == remoteID {
			m.Status = status
		}
	}
	return nil
}

func (ks messageStore) Delete(ctx context.Context, appName string, remoteID gupshup.MessageID) error {
	ks.ms.mu.Lock()
	defer ks.ms.mu.Unlock()
	kept := ks.ms.messages[:0]
	for _, m := range ks.ms.messages {
		if m.AppName != appName || m.RemoteID != remoteID {
			kept = append(kept, m)
		}
	}
	ks.ms.messages = kept
	return nil
}

func (ks messageStore) Prune(ctx context.Context, roomID id.RoomID, keep int) error {
	return nil
}

func (ms *memStores) messageCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.messages)
}

func (ms *memStores) stores() Stores {
	return Stores{
		Apps:     ms,
		Portals:  ms,
		Puppets:  puppetStore{ms},
		Messages: messageStore{ms},
	}
}

// ---------------------------------------------------------------------------
// Engine construction
// ---------------------------------------------------------------------------

type testEngine struct {
	gc *GupshupConnector
	fm *fakeMatrix
	fg *fakeGateway
	ms *memStores
	// requeued captures delayed re-enqueues for manual replay.
	requeued []queueItem
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	cfg := &Config{}
	cfg.Homeserver.Domain = "example.com"
	cfg.Bridge.AdminRoom = "!admin:example.com"
	cfg.Bridge.BackoffBaseMS = 1
	cfg.Bridge.BackoffMaxMS = 2
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}

	te := &testEngine{
		fm: &fakeMatrix{},
		fg: &fakeGateway{},
		ms: newMemStores(),
	}
	te.gc = New(cfg, zerolog.Nop(), te.fm, te.fg, te.ms.stores())
	te.gc.requeue = func(delay time.Duration, item queueItem) {
		te.requeued = append(te.requeued, item)
	}
	return te
}

func (te *testEngine) registerApp(t *testing.T, app *database.Application) {
	t.Helper()
	if err := te.ms.Register(context.Background(), app); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func textInbound(app *database.Application, remoteID, phone, text string) *InboundEvent {
	return &InboundEvent{
		Kind:     EventKindMessage,
		App:      app,
		ChatID:   phone,
		Sender:   gupshup.Sender{Phone: phone, Name: "Tester"},
		RemoteID: gupshup.MessageID(remoteID),
		Text:     text,
	}
}
