package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rvalkov/boardsync/api"
	"github.com/rvalkov/boardsync/api/ws"
	"github.com/rvalkov/boardsync/config"
	"github.com/rvalkov/boardsync/identity"
	"github.com/rvalkov/boardsync/presence"
	"github.com/rvalkov/boardsync/pubsub/redisps"
	"github.com/rvalkov/boardsync/store"
	"github.com/rvalkov/boardsync/store/dynamo"
	"github.com/rvalkov/boardsync/store/memory"
	"github.com/rvalkov/boardsync/sync"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var docStore store.DocumentStore
	var closeStore func(context.Context)

	if cfg.DevMode && cfg.DynamoDBEndpoint == "" {
		memStore := memory.NewMemoryStore()
		docStore = memStore
		closeStore = func(context.Context) { memStore.Close() }
		log.Printf("Using in-memory document store")
	} else {
		bus, err := redisps.NewRedisBus(ctx, cfg.DevMode, cfg.RedisEndpoint)
		if err != nil {
			log.Fatalf("Failed to create redis bus: %v", err)
		}
		dynamoStore, err := dynamo.NewDynamoDocumentStore(ctx, cfg.DevMode, cfg.DynamoDBEndpoint, cfg.DynamoDBTable, bus)
		if err != nil {
			log.Fatalf("Failed to create dynamodb store: %v", err)
		}
		docStore = dynamoStore
		closeStore = dynamoStore.Close
	}

	ids, err := identity.Load(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}

	tracker := presence.NewTracker(docStore, cfg.BoardId, ids, cfg.HeartbeatInterval)
	if err := tracker.Start(ctx); err != nil {
		log.Fatalf("Failed to start presence tracker: %v", err)
	}

	scn := ws.NewBoardScene(sync.Sanitize)

	core := sync.NewCore(sync.Config{
		BoardId:         cfg.BoardId,
		Mode:            sync.ParseMode(cfg.SyncMode),
		Debounce:        cfg.DebounceInterval,
		PollInterval:    cfg.PollInterval,
		StuckThreshold:  cfg.StuckThreshold,
		WatchdogTimeout: cfg.WatchdogTimeout,
	}, docStore, scn, ids, tracker)

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		core.Run(shutdownCtx)
	}()

	if len(cfg.JWTSecret) > 0 {
		token, err := ws.CreateBoardToken(cfg.JWTSecret, cfg.BoardId, ids.Current().DeviceId)
		if err != nil {
			log.Fatalf("Failed to create board token: %v", err)
		}
		log.Printf("Canvas connect token: %s", token)
	}

	boardsyncApi := api.NewBoardsyncAPI(scn, core, tracker, ids, cfg.BoardId, cfg.JWTSecret, shutdownCtx)

	mux := http.NewServeMux()
	boardsyncApi.RegisterRoutes(mux, os.Getenv("ALLOWED_ORIGIN"))

	server := &http.Server{Addr: ":" + cfg.HostPort, Handler: mux}
	go func() {
		log.Printf("Starting server on host port: %s\n", cfg.HostPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	log.Printf("Server shutting down...")

	teardownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	server.Shutdown(teardownCtx)

	// The core flushes its pending save on the way out; wait for it before
	// tearing presence and the store down.
	<-coreDone
	tracker.Stop(teardownCtx)
	closeStore(teardownCtx)
}
