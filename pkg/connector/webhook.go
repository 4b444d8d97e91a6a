// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// WebhookHandler returns the HTTP handler for gateway webhook deliveries.
func (gc *GupshupConnector) WebhookHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(gc.cfg.Webhook.Path, gc.handleReceive)
	return mux
}

// RunWebhookServer serves the webhook endpoint until ctx is cancelled.
func (gc *GupshupConnector) RunWebhookServer(ctx context.Context) error {
	server := &http.Server{
		Addr:         gc.cfg.Webhook.ListenAddress,
		Handler:      gc.WebhookHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	gc.log.Info().
		Str("addr", gc.cfg.Webhook.ListenAddress).
		Str("path", gc.cfg.Webhook.Path).
		Msg("Starting webhook listener")
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		// ListenAndServe returns before Shutdown has drained in-flight
		// handlers; wait so callers can safely tear down the engine.
		<-drained
		return nil
	}
	return err
}

// handleReceive is the webhook ingestion pipeline: resolve the tenant,
// classify and normalize the payload, then queue it. The gateway retries
// on 5xx, so queue saturation maps to 503 while validation failures map to
// 4xx and are never retried.
func (gc *GupshupConnector) handleReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := gc.log.With().Str("component", "webhook").Logger()
	ctx := log.WithContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, gc.cfg.Webhook.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !gjson.ValidBytes(body) {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	appName := gjson.GetBytes(body, "app").Str
	if appName == "" {
		http.Error(w, "missing app", http.StatusBadRequest)
		return
	}
	app, err := gc.stores.Apps.GetByName(ctx, appName)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve application")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if app == nil || !app.Enabled {
		// Resending cannot change tenant validity, so this is a 4xx.
		log.Warn().Str("app", appName).Msg("Rejecting webhook for unknown or disabled application")
		http.Error(w, "unknown application", http.StatusNotAcceptable)
		return
	}
	if key := r.Header.Get("apikey"); key != "" && key != app.APIKey {
		log.Warn().Str("app", appName).Msg("Rejecting webhook with mismatched api key")
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	evt, err := gupshup.ParseWebhook(body)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	inbound, err := normalizeInbound(app, evt)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEventKind) {
			log.Debug().Err(err).Str("app", appName).Msg("Dropping unsupported webhook event")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Warn().Err(err).Str("app", appName).Msg("Rejecting malformed webhook event")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if !gc.EnqueueInbound(inbound) {
		// Bounded backpressure: ask the gateway to redeliver later.
		http.Error(w, "queue full, retry later", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
