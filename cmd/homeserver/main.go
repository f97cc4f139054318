// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Command homeserver runs every component (room server, sync engine,
// federation sender, pusher, appservice matcher) in a single monolith
// process, per §5's "single process, no RPC between components".
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dendrite-core/homeserver/appservice/match"
	"github.com/dendrite-core/homeserver/clientapi/routing"
	"github.com/dendrite-core/homeserver/federationapi/queue"
	fedrouting "github.com/dendrite-core/homeserver/federationapi/routing"
	fedstorage "github.com/dendrite-core/homeserver/federationapi/storage"
	"github.com/dendrite-core/homeserver/federationapi/transport"
	"github.com/dendrite-core/homeserver/internal"
	"github.com/dendrite-core/homeserver/internal/config"
	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/dendrite-core/homeserver/internal/logging"
	"github.com/dendrite-core/homeserver/internal/process"
	"github.com/dendrite-core/homeserver/internal/signing"
	"github.com/dendrite-core/homeserver/pusher"
	"github.com/dendrite-core/homeserver/roomserver/internal/input"
	"github.com/dendrite-core/homeserver/roomserver/internal/perform"
	"github.com/dendrite-core/homeserver/roomserver/internal/query"
	roomstorage "github.com/dendrite-core/homeserver/roomserver/storage"
	"github.com/dendrite-core/homeserver/syncapi/notifier"
	syncstorage "github.com/dendrite-core/homeserver/syncapi/storage"
	syncsync "github.com/dendrite-core/homeserver/syncapi/sync"
	"github.com/dendrite-core/homeserver/userapi/accounts"
)

var (
	configPath = flag.String("config", "homeserver.yaml", "path to the configuration file")
	bindAddr   = flag.String("http-bind-address", ":8008", "address the client/federation HTTP API listens on")
)

func main() {
	flag.Parse()
	logging.SetupStdLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("homeserver: failed to load configuration")
	}
	logging.Setup(cfg.Global.ServerName, "")

	pc := process.NewProcessContext()

	backend, err := openBackend(cfg.Global.DatabasePath)
	if err != nil {
		logrus.WithError(err).Fatal("homeserver: failed to open storage backend")
	}

	keyPair, err := loadOrCreateKeyPair(cfg.Global)
	if err != nil {
		logrus.WithError(err).Fatal("homeserver: failed to load signing key")
	}

	dialer := internal.GetDialer(cfg.FederationAPI.AllowNetworkCIDRs, cfg.FederationAPI.DenyNetworkCIDRs, 30*time.Second)
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{DialContext: dialer.DialContext},
	}
	fedClient := transport.NewClient(httpClient, cfg.Global.ServerName, keyPair.KeyID, keyPair)
	keys, err := signing.NewKeyStore(fedClient, cfg.Global.TrustedNotaries)
	if err != nil {
		logrus.WithError(err).Fatal("homeserver: failed to start signing key store")
	}
	signer := signing.NewEventSigner(keyPair, keys)

	roomDB, err := roomstorage.NewDatabase(backend)
	if err != nil {
		logrus.WithError(err).Fatal("homeserver: failed to open room server storage")
	}
	fedDB, err := fedstorage.NewDatabase(backend)
	if err != nil {
		logrus.WithError(err).Fatal("homeserver: failed to open federation storage")
	}
	accountsDB, err := accounts.NewDatabase(backend, 0)
	if err != nil {
		logrus.WithError(err).Fatal("homeserver: failed to open user storage")
	}
	syncDB, err := syncstorage.NewDatabase(backend)
	if err != nil {
		logrus.WithError(err).Fatal("homeserver: failed to open sync storage")
	}

	inputer := input.NewInputer(roomDB, signer, fedClient, input.Config{
		MaxFetchPrevEvents: cfg.Global.MaxFetchPrevEvents,
	})
	performer := perform.NewPerformer(inputer, signer, cfg.Global.ServerName)
	querier := query.NewQuerier(roomDB, inputer, cfg.Global.ServerName)

	sender := queue.NewTransportSender(fedClient)
	outboundQueue := queue.NewQueue(sender, fedDB)
	inputer.SetOutbound(outboundQueue, cfg.Global.ServerName)

	syncNotifier := notifier.New(backend)
	syncEngine := syncsync.NewEngine(roomDB, querier, syncDB, syncNotifier)

	registry, err := match.NewRegistry(cfg.AppServiceAPI.Derived)
	if err != nil {
		logrus.WithError(err).Fatal("homeserver: failed to build appservice registry")
	}
	logrus.WithField("count", len(registry.All())).Info("homeserver: loaded application services")

	pushStore := pusher.NewStore(backend)
	pushGateway := pusher.NewClient()
	pushService := pusher.NewService(pushStore, pushGateway)
	syncEngine.SetPusher(pushService)

	router := mux.NewRouter()

	routing.Setup(router, &routing.Clients{
		Accounts:           accountsDB,
		Perform:            performer,
		Query:              querier,
		Sync:               syncEngine,
		ServerName:         cfg.Global.ServerName,
		DefaultRoomVersion: eventutil.RoomVersionV11,
	})
	fedrouting.Register(router, &fedrouting.Handlers{
		ServerName: cfg.Global.ServerName,
		Keys:       keys,
		KeyPair:    keyPair,
		RoomServer: querier,
		Input:      inputer,
	})

	srv := &http.Server{
		Addr:    *bindAddr,
		Handler: router,
	}

	pc.ComponentStarted()
	go func() {
		defer pc.ComponentFinished()
		logrus.WithField("address", *bindAddr).Info("homeserver: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("homeserver: HTTP server stopped unexpectedly")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("homeserver: received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("homeserver: HTTP server did not shut down cleanly")
	}
	pc.ShutdownDendrite()
}

// openBackend selects the storage backend per §C: bbolt for every real
// deployment, matching cfg.Global.DatabasePath. There is deliberately no
// in-memory production path - internal/kv.NewMemoryDatabase exists purely
// for tests, which construct it directly rather than through main.go.
func openBackend(path string) (kv.Database, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	return kv.OpenBolt(path)
}

// loadOrCreateKeyPair reads the server's Ed25519 identity from
// cfg.PrivateKeyPath, generating and persisting a fresh one on first boot.
// The file holds the raw 32-byte seed.
func loadOrCreateKeyPair(cfg config.Global) (*signing.LocalKeyPair, error) {
	keyID := signing.KeyID(cfg.KeyID)
	seed, err := os.ReadFile(cfg.PrivateKeyPath)
	if err == nil && len(seed) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(seed)
		pub := priv.Public().(ed25519.PublicKey)
		return &signing.LocalKeyPair{ServerName: cfg.ServerName, KeyID: keyID, Private: priv, Public: pub}, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	kp, err := signing.GenerateLocalKeyPair(cfg.ServerName, keyID)
	if err != nil {
		return nil, err
	}
	if cfg.PrivateKeyPath != "" {
		if dir := filepath.Dir(cfg.PrivateKeyPath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating private key directory: %w", err)
			}
		}
		if err := os.WriteFile(cfg.PrivateKeyPath, kp.Private.Seed(), 0o600); err != nil {
			return nil, fmt.Errorf("writing private key file: %w", err)
		}
		logrus.WithField("path", cfg.PrivateKeyPath).Info("homeserver: generated new server signing key")
	}
	return kp, nil
}
