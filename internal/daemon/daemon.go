// Package daemon wires the Session Store, Session Manager, Control
// Socket Server, HTTP/JSON API, and (optionally) the Federation Layer
// into one running process, following the teacher's context-driven
// startup/shutdown shape in internal/daemon/daemon.go.
package daemon

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vibetunnel/server/internal/config"
	"github.com/vibetunnel/server/internal/controlsock"
	"github.com/vibetunnel/server/internal/federation"
	"github.com/vibetunnel/server/internal/httpapi"
	"github.com/vibetunnel/server/internal/logger"
	"github.com/vibetunnel/server/internal/session"
	"github.com/vibetunnel/server/internal/store"
)

// Run starts the engine and blocks until ctx is canceled or a component
// fails, mirroring the teacher's signal-driven shutdown loop.
func Run(ctx context.Context, cfg *config.Config) error {
	logger.Init(cfg.Debug)

	st, err := store.Open(cfg.ControlDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	mgr := session.NewManager(st)
	if err := mgr.Recover(); err != nil {
		logger.Warn("daemon: crash recovery pass failed", "err", err)
	}

	var fed *federation.HQ
	if cfg.HQ {
		fed, err = newHQ(cfg)
		if err != nil {
			return fmt.Errorf("start HQ: %w", err)
		}
	}

	ctlSrv := controlsock.New(mgr, st)
	apiSrv := httpapi.New(mgr, st, fed).WithAuthToken(cfg.Auth)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 4)

	go mgr.StartActivityMonitor(ctx)

	go func() {
		logger.Info("daemon: control socket server starting", "dir", cfg.ControlDir)
		ctlSrv.Run(ctx)
	}()

	if fed != nil {
		go fed.Run(ctx)
	}

	if cfg.HQURL != "" {
		id, err := loadOrCreateRemoteID(cfg.RemoteIDPath())
		if err != nil {
			return fmt.Errorf("remote id: %w", err)
		}
		name := cfg.Name
		if name == "" {
			hn, _ := os.Hostname()
			name = hn
		}
		go func() {
			if err := federation.RegisterWithHQ(ctx, cfg.HQURL, id, "http://"+cfg.Addr(), cfg.Auth, name); err != nil && ctx.Err() == nil {
				logger.Warn("daemon: giving up registering with HQ", "err", err)
			}
		}()
	}

	go func() {
		logger.Info("daemon: http api listening", "addr", cfg.Addr())
		errCh <- apiSrv.ListenAndServe(ctx, cfg.Addr())
	}()

	logger.Info("vibetunneld started", "port", cfg.Port, "bind", cfg.Bind, "hq", cfg.HQ)

	select {
	case sig := <-sigCh:
		logger.Info("daemon: received signal, shutting down", "signal", sig.String())
		cancel()
		time.Sleep(200 * time.Millisecond)
	case err := <-errCh:
		cancel()
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
	case <-ctx.Done():
	}

	return nil
}

// newHQ opens the peer registry and loads (or generates) the ES256
// signing key HQ uses to mint handoff tokens, persisting a freshly
// generated key so restarts keep validating the same handoff tokens.
func newHQ(cfg *config.Config) (*federation.HQ, error) {
	peerStore, err := federation.OpenStore(cfg.PeersDBPath())
	if err != nil {
		return nil, fmt.Errorf("open peer registry: %w", err)
	}
	key, err := loadOrCreateSigningKey(cfg.SigningKeyPath())
	if err != nil {
		return nil, fmt.Errorf("hq signing key: %w", err)
	}
	return federation.NewHQ(peerStore, key)
}

func loadOrCreateRemoteID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}
	id := store.NewID()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func loadOrCreateSigningKey(path string) (*ecdsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		return federation.ParseSigningKeyPEM(string(data))
	}
	key, err := federation.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
