// Package server sets up the HTTP server, router, and all route definitions.
//
// It is the composition root: storage, the change feed, sessions, auth and
// handlers are all wired together in New, and Start runs everything that
// needs a goroutine (HTTP listener, session sweeper, AMQP relay) under one
// errgroup so a failure in any of them stops the rest.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/expense-tracker/internal/auth"
	"github.com/sakif/expense-tracker/internal/config"
	"github.com/sakif/expense-tracker/internal/feed"
	"github.com/sakif/expense-tracker/internal/feed/amqprelay"
	"github.com/sakif/expense-tracker/internal/handler"
	"github.com/sakif/expense-tracker/internal/ledger"
	"github.com/sakif/expense-tracker/internal/middleware"
	"github.com/sakif/expense-tracker/internal/repository"
	"github.com/sakif/expense-tracker/internal/repository/memory"
	sqliteRepo "github.com/sakif/expense-tracker/internal/repository/sqlite"
	"github.com/sakif/expense-tracker/internal/service"
	"github.com/sakif/expense-tracker/internal/session"
)

const (
	shutdownTimeout = 30 * time.Second
	sseHeartbeat    = 25 * time.Second
)

// backend is what either storage implementation provides.
type backend interface {
	repository.RecordStore
	repository.AccountRepository
}

// Server represents the HTTP server and all its dependencies.
//
// The Server owns the database connection and the AMQP connection (when
// configured); both are released by Close, which Start calls on the way out.
type Server struct {
	router   *chi.Mux
	config   *config.Config
	logger   *slog.Logger
	db       *sqliteRepo.DB   // nil with the memory backend
	relay    *amqprelay.Relay // nil when AMQP_URL is unset
	sessions *session.Manager
}

// New creates a Server from a validated config.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}

	// === STORAGE ===
	store, err := s.openBackend()
	if err != nil {
		return nil, err
	}

	// === CHANGE FEED ===
	// The broker reads straight from storage; ledger writes go through
	// feed.Store so every write is pushed to subscribers and, when
	// configured, to the other instances.
	broker := feed.NewBroker(store, logger)

	var relay feed.Relay
	if cfg.AMQPURL != "" {
		r, err := amqprelay.Dial(cfg.AMQPURL, cfg.AMQPExchange, broker, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connecting change relay: %w", err)
		}
		s.relay = r
		relay = r
	}
	records := feed.NewStore(store, broker, relay, logger)

	// === SESSIONS & AUTH ===
	opts := ledger.Options{
		TrackBudgetHistory: cfg.TrackBudgetHistory,
		StrictHandles:      cfg.StrictHandles,
		ConfirmTimeout:     cfg.ConfirmTimeout,
	}
	s.sessions = session.NewManager(records, broker, opts, cfg.SessionTTL, logger)

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	var github *auth.GitHubProvider
	if cfg.GitHubEnabled() {
		github = auth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubCallbackURL)
	}

	authService := service.NewAuthService(store, store, s.sessions, tokens, auth.NewPasswordService(), logger)

	s.setupRoutes(tokens,
		handler.NewAuthHandler(authService, github, cfg.SecureCookies, logger),
		handler.NewLedgerHandler(authService, sseHeartbeat, logger),
	)

	return s, nil
}

func (s *Server) openBackend() (backend, error) {
	switch s.config.DataBackend {
	case "memory":
		s.logger.Warn("using in-memory storage; data is lost on exit")
		return memory.New(), nil
	case "sqlite":
		if dir := filepath.Dir(s.config.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqliteRepo.New(s.config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		s.db = db
		s.logger.Info("database ready",
			slog.String("path", s.config.DBPath),
			slog.Uint64("schemaVersion", uint64(db.SchemaVersion())),
		)
		return db, nil
	default:
		return nil, fmt.Errorf("unknown data backend %q", s.config.DataBackend)
	}
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTES:
// GET    /healthz                    → liveness
// POST   /auth/signup|login|logout   → email/password auth
// GET    /auth/github/login|callback → GitHub OAuth (404 when unconfigured)
// GET    /api/me                     → account + display name
// GET    /api/ledger                 → ledger snapshot
// GET    /api/ledger/events          → snapshot stream (SSE)
// PUT    /api/ledger/budget          → set budget
// POST   /api/ledger/expenses        → add expense
// PUT    /api/ledger/expenses/{id}   → edit expense
// DELETE /api/ledger/expenses/{id}   → delete expense
//
// Middleware runs in the order it is added.
func (s *Server) setupRoutes(tokens *auth.TokenService, authH *handler.AuthHandler, ledgerH *handler.LedgerHandler) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/signup", authH.HandleSignup)
		r.Post("/login", authH.HandleLogin)
		r.Post("/logout", authH.HandleLogout)
		r.Get("/github/login", authH.HandleGitHubLogin)
		r.Get("/github/callback", authH.HandleGitHubCallback)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))
		r.Get("/me", authH.HandleMe)
		r.Route("/ledger", func(r chi.Router) {
			r.Get("/", ledgerH.HandleGet)
			r.Get("/events", ledgerH.HandleEvents)
			r.Put("/budget", ledgerH.HandleSetBudget)
			r.Post("/expenses", ledgerH.HandleAddExpense)
			r.Put("/expenses/{id}", ledgerH.HandleEditExpense)
			r.Delete("/expenses/{id}", ledgerH.HandleDeleteExpense)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","backend":%q,"sessions":%d}`, s.config.DataBackend, s.sessions.Len())
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the server until ctx is cancelled or one of its workers
// fails, then shuts down gracefully:
//  1. stop accepting connections and close every session, which ends
//     open event streams
//  2. let in-flight requests finish
//  3. close the AMQP and database connections
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// The event stream clears its own write deadline; every other
		// response must finish within this.
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Event streams only end when their session closes, and Shutdown waits
	// for every active handler, so sessions are closed as shutdown begins.
	srv.RegisterOnShutdown(s.sessions.Shutdown)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("backend", s.config.DataBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.sessions.Run(gctx, s.config.SessionSweepInterval)
	})

	if s.relay != nil {
		g.Go(func() error {
			return s.relay.Run(gctx)
		})
	}

	err := g.Wait()
	s.sessions.Shutdown()
	if err == nil {
		s.logger.Info("server stopped gracefully")
	}
	return err
}

// Close releases the AMQP and database connections. It is safe to call
// more than once.
func (s *Server) Close() error {
	var errs []error
	if s.relay != nil {
		errs = append(errs, s.relay.Close())
		s.relay = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	return errors.Join(errs...)
}
