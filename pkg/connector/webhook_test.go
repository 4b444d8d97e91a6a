// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aiku/mautrix-gupshup/pkg/database"
)

const sampleTextWebhook = `{
	"app": "demoapp",
	"timestamp": 1580227766370,
	"type": "message",
	"payload": {
		"id": "msg-1",
		"type": "text",
		"payload": {"text": "Hi"},
		"sender": {"phone": "919999999999", "name": "Smit"}
	}
}`

func postWebhook(t *testing.T, handler http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/receive", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcceptsValidMessage(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	te.registerApp(t, testApp)
	handler := te.gc.WebhookHandler()

	rec := postWebhook(t, handler, sampleTextWebhook, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want 204 (%s)", rec.Code, rec.Body.String())
	}
	if len(te.gc.queue) != 1 {
		t.Errorf("queue length: got %d, want 1", len(te.gc.queue))
	}
}

func TestWebhookRejectsUnknownApp(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	handler := te.gc.WebhookHandler()

	rec := postWebhook(t, handler, sampleTextWebhook, nil)
	if rec.Code != http.StatusNotAcceptable {
		t.Errorf("status: got %d, want 406", rec.Code)
	}
}

func TestWebhookRejectsDisabledApp(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	te.registerApp(t, &database.Application{Name: "demoapp", Phone: "917834811114", Enabled: false})
	handler := te.gc.WebhookHandler()

	rec := postWebhook(t, handler, sampleTextWebhook, nil)
	if rec.Code != http.StatusNotAcceptable {
		t.Errorf("status: got %d, want 406", rec.Code)
	}
}

func TestWebhookRejectsWrongAPIKey(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	te.registerApp(t, testApp)
	handler := te.gc.WebhookHandler()

	rec := postWebhook(t, handler, sampleTextWebhook, map[string]string{"apikey": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rec.Code)
	}
}

func TestWebhookAcceptsMatchingAPIKey(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	te.registerApp(t, testApp)
	handler := te.gc.WebhookHandler()

	rec := postWebhook(t, handler, sampleTextWebhook, map[string]string{"apikey": "key"})
	if rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", rec.Code)
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	handler := te.gc.WebhookHandler()

	rec := postWebhook(t, handler, "{not json", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

func TestWebhookRejectsMissingApp(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	handler := te.gc.WebhookHandler()

	rec := postWebhook(t, handler, `{"type":"message","payload":{}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

func TestWebhookRejectsGet(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	handler := te.gc.WebhookHandler()

	req := httptest.NewRequest(http.MethodGet, "/receive", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rec.Code)
	}
}

func TestWebhookDropsUserEvents(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	te.registerApp(t, testApp)
	handler := te.gc.WebhookHandler()

	body := `{"app":"demoapp","type":"user-event","payload":{"type":"sandbox-start","phone":"919999999999"}}`
	rec := postWebhook(t, handler, body, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", rec.Code)
	}
	if len(te.gc.queue) != 0 {
		t.Errorf("queue length: got %d, want 0", len(te.gc.queue))
	}
}

func TestWebhookRejectsMalformedMessage(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	te.registerApp(t, testApp)
	handler := te.gc.WebhookHandler()

	// A message without a sender cannot be normalized.
	body := `{"app":"demoapp","type":"message","payload":{"id":"x","type":"text","payload":{"text":"hi"}}}`
	rec := postWebhook(t, handler, body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

func TestWebhookBackpressure(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	te.registerApp(t, testApp)
	handler := te.gc.WebhookHandler()

	// Saturate the queue without running workers.
	for te.gc.EnqueueInbound(textInbound(testApp, "filler", "919999999999", "x")) {
	}

	rec := postWebhook(t, handler, sampleTextWebhook, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rec.Code)
	}
}

func TestWebhookOversizedBody(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	handler := te.gc.WebhookHandler()

	body := `{"filler":"` + strings.Repeat("x", int(te.gc.cfg.Webhook.MaxBodyBytes)+10) + `"}`
	rec := postWebhook(t, handler, body, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", rec.Code)
	}
}
