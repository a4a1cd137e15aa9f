// Package app builds the daemon's runtime graph from a validated config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"zkvault/go-backend/internal/audit"
	"zkvault/go-backend/internal/config"
	"zkvault/go-backend/internal/credential"
	"zkvault/go-backend/internal/entropy"
	"zkvault/go-backend/internal/httpapi"
	"zkvault/go-backend/internal/metrics"
	"zkvault/go-backend/internal/platform/privacylog"
	"zkvault/go-backend/internal/platform/ratelimiter"
	"zkvault/go-backend/internal/recovery"
	"zkvault/go-backend/internal/recovery/sqlitestore"
	"zkvault/go-backend/internal/signature"
	"zkvault/go-backend/internal/vaultcipher"
)

const limiterIdleTTL = 10 * time.Minute

var ErrSignerDegraded = errors.New("signature gateway degraded")

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Entropy  *entropy.Pool
	Gateway  *signature.Gateway
	Deriver  *credential.Deriver
	Cipher   *vaultcipher.Cipher
	Vault    *vaultcipher.Vault
	Recovery *recovery.Engine
	Server   *httpapi.Server

	store   recovery.Store
	closers []io.Closer
}

// NewLogger returns a slog logger whose output passes through the privacy
// sanitizer.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(privacylog.WrapHandler(handler))
}

// Build wires every subsystem. The caller owns the returned App and must
// Close it.
func Build(cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	sources, err := buildSources(cfg.Entropy)
	if err != nil {
		return nil, err
	}
	a.Entropy = entropy.NewPool(sources, entropy.Options{
		SourceTimeout:  cfg.Entropy.SourceTimeout,
		OverallTimeout: cfg.Entropy.OverallTimeout,
		Limiter:        ratelimiter.New(cfg.Entropy.RatePerSecond, cfg.Entropy.Burst, limiterIdleTTL),
		Metrics:        a.Metrics,
		Logger:         logger,
	})

	sigOpts := signature.Options{
		Seeds:         a.Entropy,
		ProbeInterval: cfg.Signature.ProbeInterval,
		Metrics:       a.Metrics,
		Logger:        logger,
	}
	if cfg.Signature.Fallback {
		a.Gateway = signature.Default(sigOpts)
	} else {
		a.Gateway = signature.New(sigOpts)
	}
	a.Entropy.SetVerifier(a.Gateway)

	a.Deriver, err = credential.NewDeriver(cfg.Pepper, cfg.Credential)
	if err != nil {
		return nil, err
	}
	a.Cipher, err = vaultcipher.New(vaultcipher.Config{
		Algorithm: cfg.Cipher.Algorithm,
		Rand:      a.Entropy.Reader(context.Background()),
		Metrics:   a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	sink := audit.NewLogSink(logger)
	a.Vault = vaultcipher.NewVault(a.Cipher, a.Deriver, vaultcipher.VaultOptions{Audit: sink, Logger: logger})

	if err := a.openStore(cfg.Recovery.DBPath); err != nil {
		return nil, err
	}
	a.Recovery, err = recovery.New(recovery.Options{
		Store:      a.store,
		Vault:      a.Vault,
		Entropy:    a.Entropy,
		Verifier:   a.Gateway,
		Audit:      sink,
		Metrics:    a.Metrics,
		Logger:     logger,
		KitTTL:     cfg.Recovery.KitTTL,
		SessionTTL: cfg.Recovery.SessionTTL,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Server = httpapi.New(httpapi.Config{
		ListenAddr:        cfg.HTTP.ListenAddr,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		DrainDuration:     cfg.HTTP.DrainDuration,
		Log:               logger,
	}, httpapi.Deps{
		Signer:  a.Gateway,
		Kits:    a.Recovery,
		Metrics: a.Metrics,
		Ready:   a.Ready,
	})
	return a, nil
}

func buildSources(cfg config.EntropyConfig) ([]entropy.Source, error) {
	client := &http.Client{Timeout: cfg.SourceTimeout}
	sources := make([]entropy.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		pk, err := src.DecodePublicKey()
		if err != nil {
			return nil, fmt.Errorf("entropy source %s: %w", src.Name, err)
		}
		sources = append(sources, entropy.NewHTTPSource(src.Name, src.URL, client, pk))
	}
	return sources, nil
}

func (a *App) openStore(path string) error {
	if strings.TrimSpace(path) == "" {
		a.store = recovery.NewMemoryStore()
		return nil
	}
	st, err := sqlitestore.Open(path)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, st)
	return nil
}

// Ready fails while the signer is degraded or the kit store is unreachable.
func (a *App) Ready(ctx context.Context) error {
	if !a.Gateway.SelfTest().Healthy {
		return ErrSignerDegraded
	}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	report := a.Gateway.SelfTest()
	a.Logger.Info("vault core starting",
		"signature_state", report.State,
		"signature_healthy", report.Healthy,
		"cipher", a.Cipher.Algorithm(),
		"entropy_sources", len(a.Config.Entropy.Sources),
	)
	return a.Server.Run(ctx)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
