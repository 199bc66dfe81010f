package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-relay/internal/api"
	"github.com/technosupport/ts-relay/internal/config"
	"github.com/technosupport/ts-relay/internal/crypto"
	"github.com/technosupport/ts-relay/internal/mediamtx"
	"github.com/technosupport/ts-relay/internal/publish"
	"github.com/technosupport/ts-relay/internal/relay"
)

const serviceName = "TS-Relay"

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfgPath := os.Getenv("RELAY_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/default.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("Config error: %v", err)
	}

	// DB
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		logger.Fatalf("DB open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("DB ping error: %v", err)
	}

	// Credential keyring
	keyring := crypto.NewKeyring()
	if err := keyring.LoadFromEnv(); err != nil {
		logger.Fatalf("Failed to initialize keyring: %v", err)
	}

	store := publish.NewStore(db, keyring)

	// Relay binary
	manager := relay.NewManager(cfg.Relay.FFmpegPath)
	if !manager.CheckAvailable() {
		logger.Fatalf("Relay binary not found (looked for %q)", manager.Path())
	}
	logger.Printf("Using ffmpeg %s at %s", manager.Version(), manager.Path())

	// MediaMTX control API (optional)
	var mtx *mediamtx.Client
	var pathClient publish.PathClient
	var readyCheck api.HealthChecker
	if cfg.MediaMTX.APIURL != "" {
		mtx = mediamtx.NewClient(mediamtx.Options{
			APIURL:     cfg.MediaMTX.APIURL,
			Username:   cfg.MediaMTX.Username,
			Password:   cfg.MediaMTX.Password,
			Timeout:    time.Duration(cfg.MediaMTX.TimeoutMS) * time.Millisecond,
			MaxRetries: cfg.MediaMTX.MaxRetries,
			RetryDelay: time.Duration(cfg.MediaMTX.RetryDelayMS) * time.Millisecond,
		})
		if err := mtx.Connect(); err != nil {
			logger.Fatalf("MediaMTX client error: %v", err)
		}
		defer mtx.Close()
		pathClient = mtx
		readyCheck = mtx
	}

	// Redis live cache (optional)
	var live *publish.LiveCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Printf("Warning: Redis unreachable at %s: %v. Live cache disabled.", cfg.Redis.Addr, err)
		} else {
			live = publish.NewLiveCache(rdb)
			defer rdb.Close()
		}
	}

	// NATS lifecycle events (optional)
	var events publish.EventSink
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
		if err != nil {
			logger.Printf("Warning: NATS connect failed: %v. Lifecycle events disabled.", err)
		} else {
			defer nc.Close()
			events = publish.NewNATSEvents(nc, cfg.NATS.Subject, logger)
		}
	}

	orch := publish.New(store, publish.NewRelayRunner(manager), pathClient, events, live, logger, publish.Options{
		SampleInterval: cfg.SampleInterval(),
		ViewerPoll:     cfg.ViewerPollInterval(),
		StopGrace:      cfg.StopGrace(),
		BackoffCap:     cfg.BackoffCap(),
	})

	// Config file watcher: settings changes apply on restart, but a
	// changed file is worth noticing in the logs.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go config.Watch(watchCtx, cfgPath, func(*config.Config) {
		logger.Printf("Config file %s changed; restart to apply", cfgPath)
	})

	handler := api.NewPublishHandler(orch, store)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: api.NewRouter(handler, db, readyCheck),
	}

	go func() {
		logger.Printf("%s listening on %s", serviceName, cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Println("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		logger.Printf("Orchestrator shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
}
