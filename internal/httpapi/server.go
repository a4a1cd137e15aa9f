// Package httpapi exposes the vault core's operational surface: the
// signature self-test, recovery kit export, health probes and metrics.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"go.uber.org/atomic"

	"zkvault/go-backend/internal/metrics"
	"zkvault/go-backend/internal/recovery"
	"zkvault/go-backend/internal/sealing"
	"zkvault/go-backend/pkg/models"
)

type SelfTester interface {
	SelfTest() models.SelfTestReport
}

type KitExporter interface {
	ExportKit(ctx context.Context, kitID string) ([]recovery.ShareExport, error)
	ExportShareSealed(ctx context.Context, shareID string, holderKEMKey []byte) (*sealing.Sealed, error)
}

type Config struct {
	ListenAddr               string
	ReadHeaderTimeout        time.Duration
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	Log                      *slog.Logger
}

type Deps struct {
	Signer  SelfTester
	Kits    KitExporter
	Metrics *metrics.Metrics
	// Ready reports dependency health for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg     Config
	deps    Deps
	isReady atomic.Bool
	log     *slog.Logger
	srv     *http.Server
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.GracefulShutdownDuration <= 0 {
		cfg.GracefulShutdownDuration = 10 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, log: cfg.Log.With("component", "httpapi")}
	s.isReady.Store(true)
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.httpLogger)

	mux.Get("/livez", s.handleLivenessCheck)
	mux.Get("/readyz", s.handleReadinessCheck)
	mux.Handle("/metrics", s.deps.Metrics.Handler())

	mux.Route("/v1", func(r chi.Router) {
		r.Get("/signature/selftest", s.handleSelfTest)
		r.Get("/recovery/kits/{kitID}/export", s.handleExportKit)
		r.Post("/recovery/shares/{shareID}/sealed", s.handleSealedShare)
	})
	return mux
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

func (s *Server) SetReady(ready bool) {
	s.isReady.Store(ready)
}

// Run serves until ctx is cancelled, then marks the server not ready, waits
// for the drain period and shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "listen_addr", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.isReady.Store(false)
	if s.cfg.DrainDuration > 0 {
		time.Sleep(s.cfg.DrainDuration)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("graceful HTTP server shutdown failed", "err", err)
		return err
	}
	s.log.Info("HTTP server gracefully stopped")
	return nil
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.log.Warn("readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleSelfTest(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Signer == nil {
		writeError(w, http.StatusServiceUnavailable, "signature gateway not configured")
		return
	}
	report := s.deps.Signer.SelfTest()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleExportKit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Kits == nil {
		writeError(w, http.StatusServiceUnavailable, "recovery not configured")
		return
	}
	exports, err := s.deps.Kits.ExportKit(r.Context(), chi.URLParam(r, "kitID"))
	if err != nil {
		s.writeRecoveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exports)
}

type sealedShareRequest struct {
	PublicKey string `json:"publicKey"`
}

func (s *Server) handleSealedShare(w http.ResponseWriter, r *http.Request) {
	if s.deps.Kits == nil {
		writeError(w, http.StatusServiceUnavailable, "recovery not configured")
		return
	}
	var req sealedShareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pk, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "publicKey must be base64")
		return
	}
	sealed, err := s.deps.Kits.ExportShareSealed(r.Context(), chi.URLParam(r, "shareID"), pk)
	if err != nil {
		s.writeRecoveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sealed)
}

func (s *Server) writeRecoveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recovery.ErrKitNotFound), errors.Is(err, recovery.ErrShareNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, recovery.ErrNoActiveKit):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, sealing.ErrInvalidPublicKey):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("recovery request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
