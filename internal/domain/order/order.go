// Package order models webshop orders: a customer's claim on product stock.
package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// Item is one product line in an order, with the option selection and the
// unit price snapshot taken at checkout time.
type Item struct {
	ProductID uuid.UUID   `json:"productId"`
	OptionIDs []uuid.UUID `json:"optionIds,omitempty"`
	Quantity  int64       `json:"quantity"`
	UnitPrice int64       `json:"unitPrice"`
}

// Order is a webshop order.
type Order struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	MemberID       uuid.UUID
	Items          []Item
	Total          int64
	Status         Status
	CreatedAt      time.Time
}

// ErrNotFound is returned when an order does not exist.
var ErrNotFound = errors.New("order not found")

// Repository defines persistence for orders.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	Create(ctx context.Context, o *Order) error
	Update(ctx context.Context, o *Order) error
}
