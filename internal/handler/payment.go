package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/settle/internal/domain/payment"
)

type exchangeRequestDTO struct {
	Cancel bool `json:"cancel"`
}

type paymentStatusDTO struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
	Method string    `json:"method"`
	Price  int64     `json:"price"`
}

// ExchangePayment handles POST /api/v1/payments/{id}/exchange. It triggers a
// reconciliation round for the payment and reports the resulting status. The
// body is optional; {"cancel": true} requests cancellation of an open intent.
func (h *Handler) ExchangePayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := ActorFromContext(r.Context()); !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payment id")
		return
	}

	// An empty body means a plain reconciliation trigger.
	var dto exchangeRequestDTO
	if err := decodeJSONOptional(r, &dto); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.reconciler.Exchange(r.Context(), id, dto.Cancel); err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			respondError(w, http.StatusNotFound, "payment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	p, err := h.payments.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, paymentStatusDTO{
		ID:     p.ID,
		Status: string(p.Status),
		Method: string(p.Method),
		Price:  p.Price,
	})
}
