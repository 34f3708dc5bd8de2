package checkout

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Validation and concurrency errors surfaced to the caller. Capacity and
// option-maximum violations are the capacity/pricing package sentinels
// passed through unwrapped.
var (
	ErrEmptyCart              = errors.New("cart is empty")
	ErrInvalidMember          = errors.New("invalid member")
	ErrInvalidResource        = errors.New("invalid resource")
	ErrAlreadyRegistered      = errors.New("member already has an active registration")
	ErrDuplicateCartItem      = errors.New("duplicate cart item")
	ErrChangedPrice           = errors.New("price changed")
	ErrInvalidPaymentMethod   = errors.New("invalid payment method")
	ErrMissingRedirectURLs    = errors.New("redirect and cancel urls required for online payment")
	ErrInvalidCancellationFee = errors.New("cancellation fee must lie between 0 and 100 percent")
	ErrRateLimited            = errors.New("organization checkout limit reached")
)

// PermissionReason names what the actor was not allowed to do.
type PermissionReason string

const (
	PermissionEditMember         PermissionReason = "edit-member"
	PermissionDeleteRegistration PermissionReason = "delete-registration"
	PermissionPayAsOrganization  PermissionReason = "pay-as-organization"
)

// PermissionDeniedError rejects a checkout on authorization grounds.
type PermissionDeniedError struct {
	Reason PermissionReason
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Reason)
}
