// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gupshup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/retryafter"
)

const defaultRateLimitWait = 30 * time.Second

// Credentials identify one registered Gupshup application for outbound calls.
type Credentials struct {
	AppName string
	Source  string
	APIKey  string
	AppID   string
}

// DeliveryError is a classified failure from the gateway send API.
type DeliveryError struct {
	StatusCode int
	Code       string
	Reason     string
	Permanent  bool
	// RetryAfter is a wait hint from rate-limit responses, zero otherwise.
	RetryAfter time.Duration
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s delivery error (HTTP %d): %s", kind, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s delivery error (HTTP %d)", kind, e.StatusCode)
}

// Transient reports whether err is a delivery error worth retrying.
// Network-level failures (no HTTP response at all) count as transient.
func Transient(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return !de.Permanent
	}
	return err != nil
}

// RetryAfterHint extracts the rate-limit wait hint from err, if any.
func RetryAfterHint(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// Client talks to the Gupshup message send API. It is stateless apart from the
// shared HTTP client; per-application credentials are passed per call.
type Client struct {
	BaseURL     string
	ReactionURL string

	http *http.Client
	log  zerolog.Logger
}

// NewClient creates a gateway client. A zero timeout defaults to 30s.
func NewClient(baseURL, reactionURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:     baseURL,
		ReactionURL: reactionURL,
		http:        &http.Client{Timeout: timeout},
		log:         log.With().Str("component", "gupshup_client").Logger(),
	}
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

// SendMessage delivers a message to a WhatsApp conversation and returns the
// gateway's message id.
func (c *Client) SendMessage(ctx context.Context, creds Credentials, destination UserID, msg *OutgoingMessage) (MessageID, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message body: %w", err)
	}
	return c.post(ctx, c.BaseURL, creds, destination, string(body))
}

// SendReaction delivers a reaction to a previously sent or received message.
func (c *Client) SendReaction(ctx context.Context, creds Credentials, destination UserID, reaction *OutgoingReaction) (MessageID, error) {
	body, err := json.Marshal(reaction)
	if err != nil {
		return "", fmt.Errorf("failed to encode reaction body: %w", err)
	}
	endpoint := c.ReactionURL
	if endpoint == "" {
		endpoint = c.BaseURL
	}
	return c.post(ctx, endpoint, creds, destination, string(body))
}

func (c *Client) post(ctx context.Context, endpoint string, creds Credentials, destination UserID, message string) (MessageID, error) {
	form := url.Values{
		"channel":     {"whatsapp"},
		"source":      {creds.Source},
		"destination": {string(destination)},
		"src.name":    {creds.AppName},
		"message":     {message},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", creds.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", c.classifyError(resp, respBody)
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse gateway response: %w", err)
	}
	c.log.Debug().
		Str("app", creds.AppName).
		Str("destination", string(destination)).
		Str("message_id", parsed.MessageID).
		Str("status", parsed.Status).
		Msg("Gateway accepted message")
	return MessageID(parsed.MessageID), nil
}

func (c *Client) classifyError(resp *http.Response, body []byte) error {
	de := &DeliveryError{StatusCode: resp.StatusCode}

	var parsed struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		de.Reason = parsed.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		de.RetryAfter = retryafter.Parse(resp.Header.Get("Retry-After"), defaultRateLimitWait)
	case resp.StatusCode >= 500:
		// Transient, retried by the dispatcher.
	default:
		// Auth rejections, invalid recipients and other client errors.
		de.Permanent = true
	}

	c.log.Warn().
		Int("status_code", resp.StatusCode).
		Str("reason", de.Reason).
		Bool("permanent", de.Permanent).
		Msg("Gateway rejected message")
	return de
}
