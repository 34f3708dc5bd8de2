package payment

import (
	"context"

	"github.com/go-faster/errors"
)

// ProviderKind identifies an external payment service provider.
type ProviderKind string

const (
	ProviderMollie   ProviderKind = "mollie"
	ProviderStripe   ProviderKind = "stripe"
	ProviderBuckaroo ProviderKind = "buckaroo"
	ProviderPayconiq ProviderKind = "payconiq"
)

// ProviderStatus is a provider-reported payment state, normalized across
// providers.
type ProviderStatus string

const (
	ProviderStatusOpen     ProviderStatus = "open"
	ProviderStatusPending  ProviderStatus = "pending"
	ProviderStatusPaid     ProviderStatus = "paid"
	ProviderStatusFailed   ProviderStatus = "failed"
	ProviderStatusCanceled ProviderStatus = "canceled"
	ProviderStatusExpired  ProviderStatus = "expired"
	// ProviderStatusUnknown means the provider could not be read; the caller
	// must leave the payment unchanged.
	ProviderStatusUnknown ProviderStatus = "unknown"
)

// IntentRequest carries the client-facing parameters for an online intent.
type IntentRequest struct {
	Description string
	RedirectURL string
	CancelURL   string
}

// Intent is the provider's answer to CreateIntent.
type Intent struct {
	// ProviderRef correlates our payment with the provider's record.
	ProviderRef string
	// CheckoutURL is where the payer completes the payment.
	CheckoutURL string
}

// Provider talks to one external payment service.
type Provider interface {
	CreateIntent(ctx context.Context, p *Payment, req IntentRequest) (*Intent, error)
	GetStatus(ctx context.Context, providerRef string) (ProviderStatus, error)
	// Cancel asks the provider to abort an open payment. It reports whether
	// the provider accepted the cancellation.
	Cancel(ctx context.Context, providerRef string) (bool, error)
}

// ErrUnknownProvider is returned when a payment references a provider kind
// the registry does not carry.
var ErrUnknownProvider = errors.New("unknown payment provider")

// Registry resolves provider kinds to clients. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	providers map[ProviderKind]Provider
	byMethod  map[Method]ProviderKind
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[ProviderKind]Provider),
		byMethod:  make(map[Method]ProviderKind),
	}
}

// Register adds a provider client and routes the given methods to it.
func (r *Registry) Register(kind ProviderKind, p Provider, methods ...Method) {
	r.providers[kind] = p
	for _, m := range methods {
		r.byMethod[m] = kind
	}
}

// Get returns the client for kind.
func (r *Registry) Get(kind ProviderKind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "%s", kind)
	}
	return p, nil
}

// ForMethod returns the provider kind routing the given online method.
func (r *Registry) ForMethod(m Method) (ProviderKind, error) {
	kind, ok := r.byMethod[m]
	if !ok {
		return "", errors.Wrapf(ErrNoProviderForMethod, "%s", m)
	}
	return kind, nil
}
