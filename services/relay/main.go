package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/soundchat/internal/clock"
	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/relay"
	"github.com/soundchat/internal/startup"
	"github.com/soundchat/internal/storage"
	"github.com/soundchat/internal/storage/memory"
)

func main() {
	logger.SetPrefix("relay")
	dev := flag.Bool("dev", false, "keep presence in memory even if REDIS_URL is set")
	flag.Parse()

	logger.Info("starting relay service")
	cfg := config.Load()

	var presence storage.PresenceStore
	if cfg.Relay.RedisURL == "" || *dev {
		logger.Info("presence store: memory")
		presence = memory.New()
	} else {
		client, err := startup.ConnectRedisWithRetry(context.Background(), cfg.Relay.RedisURL, 60*time.Second, "relay: ")
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		logger.Info("presence store: redis")
		presence = client
	}
	defer func() {
		if err := presence.Close(); err != nil {
			logger.Errorf("presence store close: %v", err)
		}
	}()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := relay.NewHub(presence, cfg.Relay.MaxWSConnections)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	api := relay.NewAPI(hub, clock.Real())
	srv := &http.Server{
		Addr:        cfg.Relay.ServerAddr,
		Handler:     relay.NewRouter(cfg, hub, api),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.Relay.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}
