package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/settle/internal/domain/balance"
	"github.com/xenking/settle/internal/domain/capacity"
	"github.com/xenking/settle/internal/domain/checkout"
	"github.com/xenking/settle/internal/domain/payment"
	"github.com/xenking/settle/internal/domain/pricing"
)

type cartItemDTO struct {
	MemberID               uuid.UUID   `json:"memberId"`
	GroupID                *uuid.UUID  `json:"groupId,omitempty"`
	ProductID              *uuid.UUID  `json:"productId,omitempty"`
	OptionIDs              []uuid.UUID `json:"optionIds,omitempty"`
	Quantity               int64       `json:"quantity"`
	ReplacesRegistrationID *uuid.UUID  `json:"replacesRegistrationId,omitempty"`
}

type balanceItemToPayDTO struct {
	ID    uuid.UUID `json:"id"`
	Price int64     `json:"price"`
}

type checkoutRequestDTO struct {
	Cart struct {
		Items                 []cartItemDTO         `json:"items"`
		BalanceItemsToPay     []balanceItemToPayDTO `json:"balanceItemsToPay"`
		DeleteRegistrationIDs []uuid.UUID           `json:"deleteRegistrationIds"`
	} `json:"cart"`
	PaymentMethod             string     `json:"paymentMethod"`
	TotalPrice                int64      `json:"totalPrice"`
	RedirectURL               string     `json:"redirectUrl,omitempty"`
	CancelURL                 string     `json:"cancelUrl,omitempty"`
	AdministrationFee         int64      `json:"administrationFee"`
	FreeContribution          int64      `json:"freeContribution"`
	VoucherCode               string     `json:"voucherCode,omitempty"`
	AsOrganizationID          *uuid.UUID `json:"asOrganizationId,omitempty"`
	CancellationFeePercentage *string    `json:"cancellationFeePercentage,omitempty"`
}

type checkoutResponseDTO struct {
	PaymentID       uuid.UUID   `json:"paymentId"`
	PaymentStatus   string      `json:"paymentStatus"`
	PaymentURL      string      `json:"paymentUrl,omitempty"`
	RegistrationIDs []uuid.UUID `json:"registrationIds"`
	OrderIDs        []uuid.UUID `json:"orderIds"`
}

// Checkout handles POST /api/v1/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var dto checkoutRequestDTO
	if err := decodeJSON(r, &dto); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := dto.toDomain()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.checkout.Do(r.Context(), actor, req)
	if err != nil {
		mapCheckoutError(w, err)
		return
	}

	resp := checkoutResponseDTO{
		RegistrationIDs: make([]uuid.UUID, 0, len(result.Registrations)),
		OrderIDs:        make([]uuid.UUID, 0, len(result.Orders)),
		PaymentURL:      result.PaymentURL,
	}
	if result.Payment != nil {
		resp.PaymentID = result.Payment.ID
		resp.PaymentStatus = string(result.Payment.Status)
	}
	for _, reg := range result.Registrations {
		resp.RegistrationIDs = append(resp.RegistrationIDs, reg.ID)
	}
	for _, o := range result.Orders {
		resp.OrderIDs = append(resp.OrderIDs, o.ID)
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (dto *checkoutRequestDTO) toDomain() (checkout.Request, error) {
	req := checkout.Request{
		Method:            payment.Method(dto.PaymentMethod),
		TotalPrice:        dto.TotalPrice,
		RedirectURL:       dto.RedirectURL,
		CancelURL:         dto.CancelURL,
		AdministrationFee: dto.AdministrationFee,
		FreeContribution:  dto.FreeContribution,
		VoucherCode:       dto.VoucherCode,
		AsOrganizationID:  dto.AsOrganizationID,
	}
	req.Cart.DeleteRegistrationIDs = dto.Cart.DeleteRegistrationIDs
	for _, item := range dto.Cart.Items {
		req.Cart.Items = append(req.Cart.Items, checkout.CartItem{
			MemberID:               item.MemberID,
			GroupID:                item.GroupID,
			ProductID:              item.ProductID,
			OptionIDs:              item.OptionIDs,
			Quantity:               item.Quantity,
			ReplacesRegistrationID: item.ReplacesRegistrationID,
		})
	}
	for _, item := range dto.Cart.BalanceItemsToPay {
		req.Cart.BalanceItemsToPay = append(req.Cart.BalanceItemsToPay, checkout.BalanceItemToPay{
			ID:    item.ID,
			Price: item.Price,
		})
	}
	if dto.CancellationFeePercentage != nil {
		pct, err := decimal.NewFromString(*dto.CancellationFeePercentage)
		if err != nil {
			return req, errors.New("invalid cancellationFeePercentage")
		}
		req.CancellationFeePercent = &pct
	}
	return req, nil
}

// mapCheckoutError translates the checkout error taxonomy to HTTP statuses.
// Anything unrecognized is an internal error; the middleware logs it.
func mapCheckoutError(w http.ResponseWriter, err error) {
	var permErr *checkout.PermissionDeniedError
	switch {
	case errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrInvalidPaymentMethod),
		errors.Is(err, checkout.ErrMissingRedirectURLs),
		errors.Is(err, checkout.ErrInvalidCancellationFee),
		errors.Is(err, checkout.ErrDuplicateCartItem):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &permErr):
		respondError(w, http.StatusForbidden, permErr.Error())
	case errors.Is(err, checkout.ErrInvalidMember),
		errors.Is(err, checkout.ErrInvalidResource),
		errors.Is(err, pricing.ErrUnknownGroup),
		errors.Is(err, pricing.ErrUnknownProduct),
		errors.Is(err, pricing.ErrUnknownOption),
		errors.Is(err, pricing.ErrUnknownVoucher),
		errors.Is(err, pricing.ErrOptionMaximum),
		errors.Is(err, pricing.ErrInvalidQuantity),
		errors.Is(err, pricing.ErrInvalidContribution),
		errors.Is(err, balance.ErrItemNotFound):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, checkout.ErrAlreadyRegistered),
		errors.Is(err, checkout.ErrChangedPrice),
		errors.Is(err, capacity.ErrCapacityExceeded):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, checkout.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

