// Package server assembles the relay's HTTP surface and owns its lifecycle:
// serve, drain with warning, wait, then cancel stragglers.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/auralis-ai/voicerelay/pkg/providers"
	"github.com/auralis-ai/voicerelay/pkg/quota"
	"github.com/auralis-ai/voicerelay/pkg/relay/auth"
	"github.com/auralis-ai/voicerelay/pkg/relay/config"
	"github.com/auralis-ai/voicerelay/pkg/relay/handlers"
	"github.com/auralis-ai/voicerelay/pkg/relay/lifecycle"
	"github.com/auralis-ai/voicerelay/pkg/relay/mw"
	"github.com/auralis-ai/voicerelay/pkg/relay/ratelimit"
	"github.com/auralis-ai/voicerelay/pkg/relay/session"
	"github.com/auralis-ai/voicerelay/pkg/relay/sessions"
)

// Dependencies are the external collaborators the server cannot build
// itself. Ledger and Hints may be nil in development.
type Dependencies struct {
	Logger   *slog.Logger
	Verifier auth.Verifier
	Registry *providers.Registry
	Ledger   quota.Ledger
	Hints    providers.HintStore
}

type Server struct {
	cfg     config.Config
	log     *slog.Logger
	http    *http.Server
	tracker *sessions.Tracker
	life    *lifecycle.Lifecycle
}

func New(cfg config.Config, deps Dependencies) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		return nil, errors.New("server: provider registry is required")
	}
	if deps.Verifier == nil {
		if len(cfg.APITokens) == 0 {
			return nil, errors.New("server: a verifier or static tokens are required")
		}
		deps.Verifier = auth.NewStaticVerifier(cfg.APITokens)
	}

	tracker := sessions.NewTracker()
	life := &lifecycle.Lifecycle{}
	limiter := ratelimit.New(ratelimit.Config{
		MaxSessionsPerPrincipal: cfg.MaxSessionsPerPrincipal,
	})

	relay, err := handlers.NewRelayHandler(handlers.RelayDeps{
		Logger:         deps.Logger,
		Verifier:       deps.Verifier,
		Registry:       deps.Registry,
		Ledger:         deps.Ledger,
		QuotaFailOpen:  cfg.QuotaFailOpen,
		Hints:          deps.Hints,
		Limiter:        limiter,
		Tracker:        tracker,
		Lifecycle:      life,
		AllowedOrigins: cfg.AllowedOrigins,
		Session: session.Config{
			ConnectTimeout:     cfg.UpstreamConnectTimeout,
			MaxSessionDuration: cfg.MaxSessionDuration,
			MaxMessageBytes:    cfg.MaxMessageBytes,
			PingInterval:       cfg.PingInterval,
			WriteTimeout:       cfg.WriteTimeout,
			OutboundQueueSize:  cfg.OutboundQueueSize,
		},
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", handlers.Healthz())
	mux.Handle("GET /readyz", handlers.Readyz(life, tracker))
	mux.Handle("GET /v1/relay", relay)

	var handler http.Handler = mux
	handler = mw.Recover(deps.Logger, handler)
	handler = mw.AccessLog(deps.Logger, handler)
	handler = mw.RequestID(handler)

	return &Server{
		cfg: cfg,
		log: deps.Logger,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		tracker: tracker,
		life:    life,
	}, nil
}

// Handler exposes the assembled handler chain for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the listener fails or Shutdown completes.
func (s *Server) ListenAndServe() error {
	s.log.Info("relay listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the relay: stop accepting sessions, warn the live ones,
// wait out the grace period, then cancel whatever is left and close the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.life.SetDraining(true)
	warned := s.tracker.WarnAll("draining", "relay is shutting down, reconnect to resume")
	s.log.Info("draining", "open_sessions", s.tracker.Count(), "warned", warned)

	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGracePeriod)
	defer cancel()
	if !s.tracker.Wait(graceCtx) {
		canceled := s.tracker.CancelAll()
		s.log.Warn("grace period expired, canceling sessions", "canceled", canceled)

		// Give canceled sessions a moment to unwind before the listener
		// closes out from under them.
		finalCtx, cancelFinal := context.WithTimeout(ctx, 5*time.Second)
		defer cancelFinal()
		s.tracker.Wait(finalCtx)
	}

	return s.http.Shutdown(ctx)
}
