// Copyright 2024-2026 Aiku AI

// Package connector implements the bridging core between the Gupshup
// WhatsApp gateway and Matrix: webhook ingestion, the relay engine with its
// bounded worker pool and per-portal serialization, outbound dispatch with
// retry and backoff, media transcoding and the admin command surface.
package connector
