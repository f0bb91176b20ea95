// Package main provides the entry point for the Cloud-Code gateway server.
// The server accepts OpenAI- and Anthropic-dialect chat requests and serves
// them from a pool of Google accounts against the Cloud-Code v1internal API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/cloudcode-gateway/gateway/internal/account"
	"github.com/cloudcode-gateway/gateway/internal/api"
	"github.com/cloudcode-gateway/gateway/internal/api/handlers"
	"github.com/cloudcode-gateway/gateway/internal/config"
	"github.com/cloudcode-gateway/gateway/internal/dispatcher"
	"github.com/cloudcode-gateway/gateway/internal/logging"
	"github.com/cloudcode-gateway/gateway/internal/oauth"
	"github.com/cloudcode-gateway/gateway/internal/ratelimit"
	"github.com/cloudcode-gateway/gateway/internal/tokenmanager"
	"github.com/cloudcode-gateway/gateway/internal/upstream"
	"github.com/cloudcode-gateway/gateway/internal/util"
	"github.com/cloudcode-gateway/gateway/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present; used for OAuth client
	// credential overrides in development.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}
	util.SetLogLevel(cfg)

	log.Infof("Cloud-Code Gateway Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)

	authDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		log.Errorf("failed to resolve auth directory: %v", err)
		return
	}
	cfg.AuthDir = authDir

	store := account.NewStore(cfg.AuthDir)
	upstreamClient := upstream.NewClient(cfg.ProxyURL)
	refresher := oauth.NewRefresher(cfg.OAuthClientID, cfg.OAuthClientSecret, nil)
	resolver := oauth.NewProjectResolver(upstreamClient)
	tracker := ratelimit.NewTracker()

	manager := tokenmanager.New(store, refresher, resolver, tracker, cfg.StickySession)
	if err = manager.LoadAccounts(); err != nil {
		log.Errorf("failed to load accounts: %v", err)
		return
	}
	if manager.PoolSize() == 0 {
		log.Warnf("no eligible accounts found under %s; requests will fail until accounts are added", cfg.AuthDir)
	}

	stopCleanup := make(chan struct{})
	tracker.StartCleanup(time.Minute, stopCleanup)

	accountWatcher := watcher.New(cfg.AuthDir, manager.LoadAccounts)
	if err = accountWatcher.Start(); err != nil {
		log.WithError(err).Warn("account watcher unavailable; pool reloads require a restart")
	} else {
		defer accountWatcher.Stop()
	}

	d := dispatcher.New(manager)
	requestLogger := logging.NewFileRequestLogger(logging.ResolveLogDirectory(cfg), cfg.RequestLog)
	gatewayHandlers := handlers.NewGatewayHandlers(cfg, manager, d, upstreamClient)
	server := api.NewServer(cfg, gatewayHandlers, requestLogger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err = <-errCh:
		if err != nil {
			log.Errorf("server stopped: %v", err)
		}
	}
	close(stopCleanup)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
		return
	}
	fmt.Println("bye")
}
