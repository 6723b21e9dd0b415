// Package api exposes the settlement engine over HTTP: webhook ingestion,
// read-only reporting, and the administrative scheme surface.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/scheme"
	"settlement-engine-go/internal/settlement"
	"settlement-engine-go/internal/store"
)

// Server is the settlement engine HTTP server.
type Server struct {
	store          store.Store
	engine         *settlement.Engine
	resolver       *scheme.Resolver
	calc           *scheme.Calculator
	requestTimeout time.Duration
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(st store.Store, catalog *common.ServiceCatalog, requestTimeout time.Duration) *Server {
	return &Server{
		store:          st,
		engine:         settlement.NewEngine(st, catalog),
		resolver:       scheme.NewResolver(st),
		calc:           scheme.NewCalculator(st),
		requestTimeout: requestTimeout,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Inbound event surface. The gateway webhook always acknowledges so
	// the processor stops retrying; failures are parked, not bounced.
	r.Post("/webhooks/gateway", s.handleGatewayWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/completions", s.handleServiceCompletion)

		r.Get("/wallets/{entityId}/balance", s.handleGetBalance)
		r.Get("/wallets/{entityId}/ledger", s.handleGetLedger)
		r.Get("/transactions", s.handleListTransactions)
		r.Get("/transactions/{serviceType}/{externalTxId}", s.handleGetTransaction)
		r.Get("/transactions/{serviceType}/{externalTxId}/commissions", s.handleGetCommissions)
		r.Get("/schemes/resolve", s.handleResolveScheme)
		r.Get("/schemes/calculate", s.handleCalculate)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/entities", s.handleCreateEntity)
		r.Post("/devices", s.handleCreateDevice)

		r.Post("/schemes", s.handleCreateScheme)
		r.Get("/schemes", s.handleListSchemes)
		r.Delete("/schemes/{schemeId}", s.handleDeactivateScheme)
		r.Post("/schemes/{schemeId}/slabs", s.handleCreateSlab)
		r.Put("/slabs/{slabId}/enabled", s.handleSetSlabEnabled)
		r.Post("/mappings", s.handleCreateMapping)

		r.Put("/wallets/{entityId}/frozen", s.handleSetWalletFrozen)
		r.Post("/wallets/{entityId}/reconcile", s.handleReconcileWallet)
		r.Post("/ledger/{entryId}/reverse", s.handleReverseEntry)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}
