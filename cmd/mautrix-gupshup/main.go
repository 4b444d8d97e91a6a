// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-gupshup is a Matrix-WhatsApp bridge speaking to the
// Gupshup cloud gateway. It relays messages, edits, deletions, reactions
// and delivery receipts between WhatsApp conversations and per-conversation
// Matrix portal rooms, with one registered Gupshup application per tenant.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "maunium.net/go/mauflag"

	"github.com/aiku/mautrix-gupshup/pkg/connector"
	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
	"github.com/aiku/mautrix-gupshup/pkg/matrix"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath   = flag.MakeFull("c", "config", "Path to the config file.", "config.yaml").String()
	writeExample = flag.MakeFull("e", "generate-example-config", "Write the example config to the config path and exit.", "false").Bool()
	printVersion = flag.MakeFull("v", "version", "Print the version and exit.", "false").Bool()
	wantHelp, _  = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"mautrix-gupshup - A Matrix-WhatsApp bridge for the Gupshup gateway.",
		"mautrix-gupshup [-h] [-c <path>] [-e] [-v]")
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	} else if *printVersion {
		fmt.Printf("mautrix-gupshup %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	if *writeExample {
		if err := os.WriteFile(*configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Example config written to", *configPath)
		return
	}

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(2)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(2)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing mautrix-gupshup")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	if err = db.Upgrade(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to upgrade database schema")
	}

	mx, err := matrix.NewClient(cfg.Homeserver, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Matrix client")
	}
	gw := gupshup.NewClient(cfg.Gupshup.BaseURL, cfg.Gupshup.ReactionURL, cfg.GatewayTimeout(), *log)

	gc := connector.New(cfg, *log, mx, gw, connector.StoresFromDatabase(db))
	mx.OnEvent = gc.OnMatrixEvent

	gc.Start(ctx)
	go func() {
		if err := mx.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Matrix sync loop failed")
			stop()
		}
	}()

	if err = gc.RunWebhookServer(ctx); err != nil {
		log.Error().Err(err).Msg("Webhook server failed")
	}

	gc.Stop()
	if err = db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
	log.Info().Msg("Bridge stopped")
}
