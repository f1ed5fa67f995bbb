package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mallquest/backend/internal/authgate"
	"github.com/mallquest/backend/internal/cache"
	"github.com/mallquest/backend/internal/companion"
	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/empire"
	"github.com/mallquest/backend/internal/metrics"
	"github.com/mallquest/backend/internal/notify"
	"github.com/mallquest/backend/internal/progression"
	"github.com/mallquest/backend/internal/ratelimit"
	"github.com/mallquest/backend/internal/store"
	"github.com/mallquest/backend/internal/tenant"
)

// Deps collects everything the server serves from.
type Deps struct {
	Store      store.Store
	Tenants    *tenant.Registry
	Gate       *authgate.Gate
	Limiter    *ratelimit.Limiter
	Coord      *progression.Coordinator
	Empire     *empire.Service
	Pets       *companion.Service
	Users      *cache.UserCache
	Dispatcher *notify.Dispatcher
	Hub        *Hub
	Metrics    *metrics.Metrics
}

// Server is the HTTP front. It owns the router and the listener, nothing
// else; all state lives behind Deps.
type Server struct {
	store      store.Store
	tenants    *tenant.Registry
	gate       *authgate.Gate
	limiter    *ratelimit.Limiter
	coord      *progression.Coordinator
	empire     *empire.Service
	pets       *companion.Service
	users      *cache.UserCache
	dispatcher *notify.Dispatcher
	hub        *Hub
	metrics    *metrics.Metrics

	router *mux.Router
	http   *http.Server
}

// NewServer wires the router.
func NewServer(addr string, d Deps) *Server {
	s := &Server{
		store:      d.Store,
		tenants:    d.Tenants,
		gate:       d.Gate,
		limiter:    d.Limiter,
		coord:      d.Coord,
		empire:     d.Empire,
		pets:       d.Pets,
		users:      d.Users,
		dispatcher: d.Dispatcher,
		hub:        d.Hub,
		metrics:    d.Metrics,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:         addr,
		Handler:      withCORS(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// route attaches the standard middleware chain for one endpoint. The chain
// runs outside-in: observability, tenant, then optionally auth, rate limit
// and role.
func (s *Server) route(r *mux.Router, method, path, action string, authed bool, h http.HandlerFunc, roles ...core.Role) {
	var handler http.Handler = h
	if len(roles) > 0 {
		handler = s.requireRole(handler, roles...)
	}
	if action != "" {
		handler = s.withRateLimit(action, handler)
	}
	if authed {
		handler = s.withAuth(handler)
	}
	handler = s.withTenant(handler)
	handler = s.withObservability(path, handler)
	r.Handle(path, handler).Methods(method, http.MethodOptions)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	// Public
	s.route(r, http.MethodPost, "/register", "register", false, s.handleRegister)
	s.route(r, http.MethodPost, "/login", "login", false, s.handleLogin)
	s.route(r, http.MethodPost, "/refresh", "refresh", false, s.handleRefresh)
	s.route(r, http.MethodGet, "/health", "", false, s.handleHealth)

	// Session
	s.route(r, http.MethodPost, "/logout", "", true, s.handleLogout)
	s.route(r, http.MethodPost, "/mfa/setup", "mfa_setup", true, s.handleMFASetup)
	s.route(r, http.MethodPost, "/mfa/verify", "mfa_verify", true, s.handleMFAVerify)

	// Receipts
	s.route(r, http.MethodPost, "/api/receipt", "submit_receipt", true, s.handleReceipt)
	s.route(r, http.MethodPost, "/api/pos/purchase", "pos_purchase", true, s.handlePOSPurchase,
		core.RoleShopkeeper, core.RoleSystem, core.RoleAdmin)

	// Progression
	s.route(r, http.MethodGet, "/api/user/{id}", "read_user", true, s.handleGetUser)
	s.route(r, http.MethodGet, "/api/missions", "read_user", true, s.handleListMissions)
	s.route(r, http.MethodPost, "/api/mission/generate", "gen_mission", true, s.handleGenerateMission)
	s.route(r, http.MethodPost, "/api/mission/{id}/claim", "claim_mission", true, s.handleClaimMission)
	s.route(r, http.MethodGet, "/api/leaderboard/{kind}", "read_board", true, s.handleLeaderboard)
	s.route(r, http.MethodPost, "/api/login-bonus", "login_bonus", true, s.handleLoginBonus)
	s.route(r, http.MethodPost, "/api/friends/{id}", "add_friend", true, s.handleAddFriend)

	// Empire
	s.route(r, http.MethodGet, "/api/empire", "read_user", true, s.handleEmpire)
	s.route(r, http.MethodPost, "/api/empire/purchase", "empire_write", true, s.handleEmpirePurchase)
	s.route(r, http.MethodPost, "/api/empire/{id}/upgrade", "empire_write", true, s.handleEmpireUpgrade)
	s.route(r, http.MethodPost, "/api/empire/{id}/collect", "empire_write", true, s.handleEmpireCollect)

	// Companion
	s.route(r, http.MethodGet, "/api/companion", "read_user", true, s.handleCompanion)
	s.route(r, http.MethodPost, "/api/companion/feed", "companion_care", true, s.handleCompanionFeed)
	s.route(r, http.MethodPost, "/api/companion/entertain", "companion_care", true, s.handleCompanionEntertain)

	// Notifications
	s.route(r, http.MethodGet, "/api/notifications", "read_user", true, s.handleListNotifications)
	s.route(r, http.MethodPost, "/api/notifications/{id}/read", "read_user", true, s.handleNotificationRead)

	// Introspection
	s.route(r, http.MethodGet, "/api/performance-metrics", "", true, s.handlePerformanceMetrics, core.RoleAdmin)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Live push
	s.route(r, http.MethodGet, "/ws", "", true, s.handleWS)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.http.Shutdown(ctx)
}
