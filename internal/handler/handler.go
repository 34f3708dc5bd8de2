// Package handler exposes the settlement engine over HTTP. Endpoints are
// thin: they decode JSON, resolve the authenticated actor, delegate to the
// checkout service or payment reconciler, and map domain errors to status
// codes.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/settle/internal/domain/checkout"
	"github.com/xenking/settle/internal/domain/payment"
)

// Handler routes API requests to the domain services.
type Handler struct {
	checkout   *checkout.Service
	reconciler *payment.Reconciler
	payments   payment.Repository
	catalog    checkout.Catalog
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	checkoutService *checkout.Service,
	reconciler *payment.Reconciler,
	payments payment.Repository,
	catalog checkout.Catalog,
) *Handler {
	return &Handler{
		checkout:   checkoutService,
		reconciler: reconciler,
		payments:   payments,
		catalog:    catalog,
	}
}

// Routes mounts the versioned API onto a new chi router. Authentication is
// applied by the caller around the returned handler.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/checkout", h.Checkout)
		r.Post("/payments/{id}/exchange", h.ExchangePayment)
		r.Get("/groups/{id}", h.GetGroup)
		r.Get("/products/{id}", h.GetProduct)
	})
	return r
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already out; an encode failure here cannot be reported.
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Code: status, Message: message})
}
