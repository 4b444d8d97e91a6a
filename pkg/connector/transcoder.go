// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

const maxMediaBytes = 50 * 1024 * 1024

// MediaTranscoder moves attachments between the gateway's URL-based media
// model and the homeserver content repository. Inbound media is fetched
// from the gateway CDN and reuploaded; outbound media is exposed through
// the public download URL since the gateway fetches it by plain HTTP.
type MediaTranscoder struct {
	matrix MatrixAPI
	http   *http.Client
	log    zerolog.Logger
}

func NewMediaTranscoder(matrix MatrixAPI, timeout time.Duration, log zerolog.Logger) *MediaTranscoder {
	return &MediaTranscoder{
		matrix: matrix,
		http:   &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "transcoder").Logger(),
	}
}

// ToMatrix downloads remote media and turns it into a message ready to send
// into a portal room.
func (mt *MediaTranscoder) ToMatrix(ctx context.Context, mediaURL, contentType, caption string) (*event.MessageEventContent, error) {
	data, detected, err := mt.fetch(ctx, mediaURL)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = detected
	}

	uri, err := mt.matrix.UploadMedia(ctx, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}

	filename := "attachment" + exmime.ExtensionFromMimetype(contentType)
	body := caption
	if body == "" {
		body = filename
	}
	return &event.MessageEventContent{
		MsgType:  msgTypeForMime(contentType),
		Body:     body,
		URL:      uri.CUString(),
		FileName: filename,
		Info: &event.FileInfo{
			MimeType: contentType,
			Size:     len(data),
		},
	}, nil
}

// ToRemote converts a Matrix media message into a gateway send body. The
// gateway pulls the file itself, so this only rewrites the mxc URI into a
// public download URL.
func (mt *MediaTranscoder) ToRemote(content *event.MessageEventContent) (*gupshup.OutgoingMessage, error) {
	if content.URL == "" {
		return nil, errors.New("media message without content URI")
	}
	uri, err := content.URL.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid content URI: %w", err)
	}
	url := mt.matrix.PublicMediaURL(uri)

	switch content.MsgType {
	case event.MsgImage:
		return gupshup.NewImageMessage(url), nil
	case event.MsgVideo:
		return gupshup.NewVideoMessage(url), nil
	case event.MsgAudio:
		return gupshup.NewAudioMessage(url), nil
	case event.MsgFile:
		return gupshup.NewFileMessage(url, content.Body), nil
	default:
		return nil, fmt.Errorf("unsupported media type %s", content.MsgType)
	}
}

func (mt *MediaTranscoder) fetch(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to prepare media request: %w", err)
	}
	resp, err := mt.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d downloading media", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d byte limit", maxMediaBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func msgTypeForMime(contentType string) event.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(contentType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(contentType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}
