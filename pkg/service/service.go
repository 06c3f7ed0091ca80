package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/basicmachines-co/memoryguard/middleware"
	"github.com/basicmachines-co/memoryguard/pkg/logging"
	"github.com/basicmachines-co/memoryguard/pkg/upstream"
)

const shutdownTimeout = 10 * time.Second

// Config holds the service-level settings.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string
	// ServerURL is this service's canonical URL, asserted as the
	// resource identity in OAuth metadata.
	ServerURL string
	// AuthServerURL is the external authorization server advertised to
	// clients.
	AuthServerURL string
	// ScopesSupported is advertised in the protected-resource metadata.
	ScopesSupported []string
}

// Service is the protected-resource HTTP front: OAuth discovery and
// registration proxying on the open routes, bearer authentication in front
// of the application.
type Service struct {
	cfg       Config
	validator middleware.TokenValidator
	upstream  *upstream.Client
	app       http.Handler
	logger    zerolog.Logger
}

// New creates a Service. app is the protected application handler mounted
// behind bearer auth; it may be nil when only the OAuth surface is served.
func New(cfg Config, validator middleware.TokenValidator, up *upstream.Client, app http.Handler) *Service {
	return &Service{
		cfg:       cfg,
		validator: validator,
		upstream:  up,
		app:       app,
		logger:    logging.GetLogger("service"),
	}
}

// Router builds the HTTP routing tree.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(logging.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	// Web-based MCP clients fetch metadata and register cross-origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/.well-known", func(r chi.Router) {
		r.Get("/oauth-protected-resource", s.handleProtectedResourceMetadata)
		r.Get("/oauth-authorization-server", s.handleAuthorizationServerMetadata)
	})

	r.Post("/api/oauth/register", s.handleRegister)

	if s.app != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticator(s.validator, &middleware.Options{
				ResourceMetadataURL: s.cfg.ServerURL + "/.well-known/oauth-protected-resource",
			}))
			r.Mount("/mcp", s.app)
		})
	}

	return r
}

// Start runs the HTTP server until the context is cancelled, then drains
// connections.
func (s *Service) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
