package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/care-relay/backend/internal/config"
	"github.com/zhouzirui/care-relay/backend/internal/handler/conversation"
	"github.com/zhouzirui/care-relay/backend/internal/handler/health"
	"github.com/zhouzirui/care-relay/backend/internal/handler/relay"
	middlewarePkg "github.com/zhouzirui/care-relay/backend/internal/middleware"
	identityService "github.com/zhouzirui/care-relay/backend/internal/service/identity"
	relayService "github.com/zhouzirui/care-relay/backend/internal/service/relay"
	"github.com/zhouzirui/care-relay/backend/internal/store"
)

// Dependencies are the services the HTTP surface is built on.
type Dependencies struct {
	Store    store.DataStore
	Hub      *relayService.Hub
	Auth     *identityService.Authenticator
	Checks   map[string]health.Pinger
	Logger   zerolog.Logger
	Server   config.ServerConfig
	Sessions config.SessionConfig
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.Server.AllowedOrigins))
	r.Use(middlewarePkg.Metrics)

	healthHandler := health.New(deps.Checks, deps.Hub)
	healthHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	// Relay session endpoint; authentication happens before the upgrade.
	wsHandler := relay.NewWebSocketHandler(deps.Hub, deps.Auth, deps.Store, deps.Logger, relay.Options{
		ReadTimeout:     deps.Sessions.ReadTimeout,
		WriteTimeout:    deps.Sessions.WriteTimeout,
		PingInterval:    deps.Sessions.PingInterval,
		MaxMessageBytes: deps.Sessions.MaxMessageBytes,
	})
	wsHandler.RegisterRoutes(r)

	conversationHandler := conversation.New(deps.Store, deps.Hub, deps.Logger)
	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.RequireIdentity(deps.Auth, deps.Logger))
		conversationHandler.RegisterRoutes(api)
	})

	return r
}
