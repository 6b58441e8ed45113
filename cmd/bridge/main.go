// bridge runs the protocol-agnostic federation bridge: it wires the
// protocol registry, persistence, fetch engine, delivery planner and task
// runner into the receive pipeline, then serves the HTTP surface that
// drives them.
//
// Usage:
//
//	export PRIMARY_DOMAIN=https://bridge.example.com
//	export SUPER_DOMAIN=example.com
//	./bridge
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/klppl/bridge/internal/ap"
	"github.com/klppl/bridge/internal/bsky"
	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/deliver"
	"github.com/klppl/bridge/internal/fetchengine"
	"github.com/klppl/bridge/internal/httpapi"
	nostrpkg "github.com/klppl/bridge/internal/nostr"
	"github.com/klppl/bridge/internal/plugins/atproto"
	"github.com/klppl/bridge/internal/plugins/fed"
	"github.com/klppl/bridge/internal/plugins/nostrplug"
	"github.com/klppl/bridge/internal/plugins/web"
	"github.com/klppl/bridge/internal/protocol"
	"github.com/klppl/bridge/internal/receive"
	"github.com/klppl/bridge/internal/store"
	"github.com/klppl/bridge/internal/tasks"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting bridge")

	cfg := config.Load()
	slog.Info("config loaded",
		"primary_domain", cfg.PrimaryDomain,
		"super_domain", cfg.SuperDomain,
		"database", cfg.DatabaseURL,
		"tasks_inline", cfg.TasksInline,
	)

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	registry := protocol.NewRegistry(cfg.SuperDomain)

	// ─── fed (actor-inbox) plugin ───────────────────────────────────────────
	keyPair, err := ap.LoadOrGenerateKeyPair(cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
	if err != nil {
		slog.Error("failed to load/generate RSA key pair", "error", err)
		os.Exit(1)
	}
	botActorID := cfg.BaseURL("/ap/actor")
	fedPlugin := fed.New(cfg, keyPair, botActorID+"#main-key")
	registry.Register(fedPlugin)
	registry.RegisterBotActorID(botActorID)

	// ─── web (website-centric) plugin ───────────────────────────────────────
	registry.Register(web.New(cfg))

	// ─── atproto plugin (optional: needs a service-account login) ──────────
	if cfg.ATProtoIdentifier != "" && cfg.ATProtoAppPassword != "" {
		bskyClient := bsky.NewClient(cfg.ATProtoIdentifier, cfg.ATProtoAppPassword)
		registry.Register(atproto.New(cfg, bskyClient))
	} else {
		slog.Info("atproto plugin disabled: no ATPROTO_IDENTIFIER/ATPROTO_APP_PASSWORD configured")
	}

	// ─── nostr plugin (optional: needs a signing key) ───────────────────────
	if cfg.NostrPrivateKey != "" && cfg.NostrPublicKey != "" && len(cfg.NostrRelays) > 0 {
		signer := nostrpkg.NewSigner(cfg.NostrPrivateKey, cfg.NostrPublicKey)
		publisher := nostrpkg.NewPublisher(cfg.NostrRelays)
		registry.Register(nostrplug.New(cfg, publisher, signer, nil, cfg.NostrRelays))
	} else {
		slog.Info("nostr plugin disabled: no NOSTR_PRIVATE_KEY/NOSTR_PUBLIC_KEY/NOSTR_RELAYS configured")
	}

	fetchEngine := fetchengine.New(registry, db, cfg.RefreshAge, cfg.ObjectSizeCapBytes, cfg.SuperDomain)
	planner := deliver.New(registry, db, db, db, cfg)
	runner := tasks.NewRunner(registry, db, db, cfg.TasksInline, 4)
	pipeline := receive.New(registry, db, db, db, fetchEngine, planner, runner, cfg)

	runner.SetReceiveHandler(func(ctx context.Context, objectID, authedAs string) (int, error) {
		obj, ok := db.GetObject(ctx, objectID)
		if !ok {
			return 404, nil
		}
		return pipeline.Receive(ctx, obj, authedAs, false)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer runner.Stop()

	api := httpapi.New(cfg, registry, db, fetchEngine, runner)
	api.Start(ctx) // blocks until ctx is cancelled

	slog.Info("bridge stopped")
}
