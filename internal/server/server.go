// Package server is the HTTP control-plane adapter: it translates the
// public API surface into lifecycle controller calls. Steady-state tunnel
// traffic never passes through this package.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/portgate/portgate/internal/config"
	"github.com/portgate/portgate/internal/debughttp"
	"github.com/portgate/portgate/internal/netutil"
	"github.com/portgate/portgate/internal/store/sqlite"
	"github.com/portgate/portgate/internal/tunnel"
)

// Server wires the HTTP surface to the lifecycle controller.
type Server struct {
	cfg        config.ServerConfig
	store      *sqlite.Store
	log        *slog.Logger
	hub        *eventHub
	controller *tunnel.Controller
	limiter    *rateLimiter
}

// New builds a server and its lifecycle controller.
func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger) *Server {
	hub := newEventHub(logger)
	return &Server{
		cfg:        cfg,
		store:      store,
		log:        logger,
		hub:        hub,
		controller: tunnel.New(cfg, store, logger, hub),
		limiter:    newRateLimiter(),
	}
}

// Run reconciles stale state, starts the control-plane listener (plain
// HTTP, or ACME TLS when a TLS domain is configured), and blocks until
// ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	if err := s.controller.Reconcile(ctx); err != nil {
		return err
	}

	go s.runJanitor(ctx)

	if err := debughttp.StartPprofServer(ctx, s.cfg.PprofAddr, s.log, "server"); err != nil {
		return fmt.Errorf("pprof server: %w", err)
	}

	mux := s.routes()

	useTLS := s.cfg.TLSDomain != ""

	apiServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChSize := 1
	if useTLS {
		errChSize = 2
	}
	errCh := make(chan error, errChSize)

	var challengeServer *http.Server
	if useTLS {
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLSDomain),
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		apiServer.TLSConfig = tlsConfig

		challengeServer = &http.Server{
			Addr:              s.cfg.ListenHTTP,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	go func() {
		if useTLS {
			s.log.Info("starting control plane (TLS)", "addr", s.cfg.ListenAddr, "domain", s.cfg.TLSDomain)
			if err := apiServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("control plane: %w", err)
			}
			return
		}
		s.log.Info("starting control plane", "addr", s.cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control plane: %w", err)
		}
	}()

	shutdown := func() error {
		var firstErr error
		if err := shutdownServer(apiServer, 5*time.Second); err != nil {
			firstErr = err
		}
		if challengeServer != nil {
			if err := shutdownServer(challengeServer, 5*time.Second); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.hub.closeAll()
		s.controller.Shutdown()
		return firstErr
	}

	select {
	case <-ctx.Done():
		return shutdown()
	case err := <-errCh:
		_ = shutdown()
		return err
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate-api-key", s.handleGenerateKey)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status/", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// runJanitor periodically evicts idle rate-limit buckets so the hot
// allow() path never pays for map iteration.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.cleanup()
		}
	}
}

func (s *Server) clientIP(r *http.Request) string {
	return netutil.ClientIP(r)
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
