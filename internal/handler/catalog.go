package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xenking/settle/internal/domain/pricing"
)

type bundleRuleDTO struct {
	ID          uuid.UUID `json:"id"`
	Description string    `json:"description,omitempty"`
	Percentages []string  `json:"percentages"`
}

type groupDTO struct {
	ID     uuid.UUID      `json:"id"`
	Price  int64          `json:"price"`
	Cycle  int64          `json:"cycle"`
	Bundle *bundleRuleDTO `json:"bundle,omitempty"`
}

type optionDTO struct {
	ID          uuid.UUID `json:"id"`
	Price       int64     `json:"price"`
	MaxPerOrder int64     `json:"maxPerOrder"`
}

type productDTO struct {
	ID      uuid.UUID   `json:"id"`
	Price   int64       `json:"price"`
	Options []optionDTO `json:"options"`
}

// GetGroup handles GET /api/v1/groups/{id}. Groups are scoped to the
// actor's organization through the catalog snapshot.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	snap, err := h.catalog.Snapshot(r.Context(), actor.OrganizationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	g, ok := snap.Groups[id]
	if !ok {
		respondError(w, http.StatusNotFound, "group not found")
		return
	}

	dto := groupDTO{ID: g.ID, Price: g.Price, Cycle: g.Cycle}
	if g.Bundle != nil {
		rule := bundleRuleDTO{
			ID:          g.Bundle.ID,
			Description: g.Bundle.Description,
			Percentages: make([]string, len(g.Bundle.Percentages)),
		}
		for i, p := range g.Bundle.Percentages {
			rule.Percentages[i] = p.String()
		}
		dto.Bundle = &rule
	}
	respondJSON(w, http.StatusOK, dto)
}

// GetProduct handles GET /api/v1/products/{id}.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	snap, err := h.catalog.Snapshot(r.Context(), actor.OrganizationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	p, ok := snap.Products[id]
	if !ok {
		respondError(w, http.StatusNotFound, "product not found")
		return
	}
	respondJSON(w, http.StatusOK, productToDTO(p))
}

func productToDTO(p pricing.Product) productDTO {
	dto := productDTO{ID: p.ID, Price: p.Price, Options: make([]optionDTO, 0, len(p.Options))}
	for _, opt := range p.Options {
		dto.Options = append(dto.Options, optionDTO{ID: opt.ID, Price: opt.Price, MaxPerOrder: opt.MaxPerOrder})
	}
	return dto
}
