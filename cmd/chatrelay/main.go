// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command chatrelay relays chat between websocket clients and an external
// chat channel on Telegram or Mattermost.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/chatrelay/pkg/config"
	"github.com/aiku/chatrelay/pkg/mattermost"
	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/telegram"
	"github.com/aiku/chatrelay/pkg/transport"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var generateExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var dontSaveConfig = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var version = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

const shutdownTimeout = 10 * time.Second

func main() {
	flag.SetHelpTitles(
		"chatrelay - relay chat between websocket clients and an external chat channel.",
		"chatrelay [-hnev] [-c <path>]",
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("chatrelay %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	} else if *generateExampleConfig {
		if err = writeExampleConfig(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	cfg, err := config.Load(*configPath, *dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	if err = run(ctx, cfg, *log); err != nil {
		log.Error().Err(err).Msg("Relay stopped with an error")
		os.Exit(12)
	}
}

func writeExampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	return os.WriteFile(path, []byte(config.ExampleConfig), 0o600)
}

// run wires the external channel, the relay and the HTTP server together and
// blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ext, err := newExternal(ctx, cfg, log)
	if err != nil {
		return err
	}

	opts := cfg.RelayOptions()
	opts.Log = log.With().Str("component", "relay").Logger()
	if ext != nil {
		opts.External = ext.sender
		opts.Platform = relay.Origin(cfg.External.Platform)
	}
	rel, err := relay.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	rel.Start(ctx)
	defer rel.Stop()

	srv := transport.NewServer(rel, cfg.Listen, log)
	if ext != nil {
		if ext.webhook != nil {
			srv.Mount(cfg.Telegram.WebhookPath, ext.webhook(rel.HandleUpdate))
		}
		if ext.run != nil {
			go func() {
				if err := ext.run(ctx, rel.HandleUpdate); err != nil {
					log.Error().Err(err).Msg("External listener stopped")
				}
			}()
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen.Address).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err = <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.CloseAll()
	if ext != nil && ext.stop != nil {
		ext.stop()
	}
	if err = httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}
	return nil
}

// external is a connected external chat channel.
type external struct {
	sender  relay.ExternalSender
	run     func(ctx context.Context, handler relay.UpdateHandler) error
	webhook func(handler relay.UpdateHandler) http.Handler
	stop    func()
}

// newExternal connects to the configured platform. It returns nil when no
// platform is configured or its credentials are missing.
func newExternal(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*external, error) {
	if cfg.External.Platform == config.PlatformNone {
		return nil, nil
	}
	if !cfg.HasExternalCredentials() {
		log.Warn().
			Str("platform", cfg.External.Platform).
			Msg("External credentials or target chat missing, external channel disabled")
		return nil, nil
	}

	switch cfg.External.Platform {
	case config.PlatformTelegram:
		tg := telegram.NewClient(cfg.Telegram.Token, cfg.Telegram.APIURL, cfg.Telegram.PollTimeout, log)
		me, err := tg.GetMe(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to verify telegram token: %w", err)
		}
		log.Info().Str("username", me.Username).Str("target_chat", cfg.External.TargetChat).Msg("Connected to Telegram")
		ext := &external{sender: tg}
		if cfg.Telegram.Mode == config.TelegramWebhook {
			secret := cfg.Telegram.WebhookSecret
			ext.webhook = func(handler relay.UpdateHandler) http.Handler {
				return tg.WebhookHandler(secret, handler)
			}
			if cfg.Telegram.WebhookURL != "" {
				if err = tg.SetWebhook(ctx, cfg.Telegram.WebhookURL, secret); err != nil {
					return nil, fmt.Errorf("failed to register telegram webhook: %w", err)
				}
			}
		} else {
			ext.run = tg.Run
		}
		return ext, nil

	case config.PlatformMattermost:
		mm := mattermost.NewClient(cfg.Mattermost.ServerURL, cfg.Mattermost.Token, cfg.Mattermost.BotPrefix, log)
		if _, err := mm.Login(ctx); err != nil {
			return nil, err
		}
		return &external{sender: mm, run: mm.Run, stop: mm.Stop}, nil
	}
	return nil, nil
}
