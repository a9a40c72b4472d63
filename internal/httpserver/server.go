// Package httpserver wires the REST surface and the two inbound
// webhooks over chi. Handlers stay thin: decode, authenticate, call a
// service, encode.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/catalog"
	"github.com/shopbot/server/internal/config"
	"github.com/shopbot/server/internal/logger"
	"github.com/shopbot/server/internal/metrics"
	"github.com/shopbot/server/internal/notify"
	"github.com/shopbot/server/internal/orders"
	"github.com/shopbot/server/internal/payments"
	"github.com/shopbot/server/internal/ratelimit"
	"github.com/shopbot/server/internal/storage"
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	store    storage.Store
	catalog  *catalog.Service
	orders   *orders.Service
	payments *payments.Service
	limiter  *ratelimit.Limiter
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New builds the HTTP server with its configured router.
func New(
	cfg *config.Config,
	store storage.Store,
	catalogSvc *catalog.Service,
	ordersSvc *orders.Service,
	paymentsSvc *payments.Service,
	limiter *ratelimit.Limiter,
	notifier notify.Notifier,
	m *metrics.Metrics,
	appLogger zerolog.Logger,
) *Server {
	router := chi.NewRouter()
	s := &Server{
		handlers: handlers{
			cfg:      cfg,
			store:    store,
			catalog:  catalogSvc,
			orders:   ordersSvc,
			payments: paymentsSvc,
			limiter:  limiter,
			notifier: notifier,
			metrics:  m,
			logger:   appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
	s.configureRouter(router)
	return s
}

func (s *Server) configureRouter(router chi.Router) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeaders)
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(ratelimit.EdgeLimiter(cfg.RateLimit, s.metrics))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints: health and metrics.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", s.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).
			Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Webhooks keep their configured paths for URL stability; the
	// processor path is fixed by its callback contract.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post(cfg.Webhooks.ChatPath, s.chatWebhook)
		r.Post(cfg.Webhooks.ProcessorPath+"/cryptoprocessing/event", s.processorWebhook)
	})

	// REST API consumed by the bot frontend.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get(prefix+"/api/v1/catalog/categories", s.listCategories)
		r.Get(prefix+"/api/v1/catalog/categories/{categoryID}/subcategories", s.listSubcategories)
		r.Get(prefix+"/api/v1/catalog/subcategories/{subcategoryID}/availability", s.availability)

		r.Get(prefix+"/api/v1/cart", s.viewCart)
		r.Post(prefix+"/api/v1/cart/items", s.addCartItem)
		r.Delete(prefix+"/api/v1/cart/items/{cartItemID}", s.removeCartItem)
		r.Delete(prefix+"/api/v1/cart", s.clearCart)

		r.Post(prefix+"/api/v1/orders", s.createOrder)
		r.Get(prefix+"/api/v1/orders", s.listOrders)
		r.Get(prefix+"/api/v1/orders/{orderID}", s.getOrder)
		r.Post(prefix+"/api/v1/orders/{orderID}/address", s.confirmAddress)
		r.Post(prefix+"/api/v1/orders/{orderID}/cancel", s.cancelOrder)
		r.Post(prefix+"/api/v1/orders/{orderID}/checkout", s.checkout)

		r.Post(prefix+"/api/v1/deposits", s.requestDeposit)
		r.Get(prefix+"/api/v1/purchases", s.listPurchases)

		r.Post(prefix+"/api/v1/admin/orders/{orderID}/cancel", s.adminCancelOrder)
		r.Post(prefix+"/api/v1/admin/orders/{orderID}/ship", s.adminMarkShipped)
		r.Post(prefix+"/api/v1/admin/users/{userID}/approval", s.adminSetApproval)
		r.Get(prefix+"/api/v1/admin/invoices/{processingID}", s.adminLookupInvoice)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
