// Package pricing recomputes authoritative prices for a cart from catalog
// state. The engine is a pure function of its inputs: it can be evaluated
// once to validate a client-declared total and again to persist, and both
// evaluations produce identical results.
//
// All money is integer minor currency units; percentages round half-up to
// the nearest minor unit.
package pricing

import (
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Group is the catalog snapshot of a registration group.
type Group struct {
	ID     uuid.UUID
	Price  int64
	Cycle  int64
	Bundle *BundleRule
}

// BundleRule discounts a member's 2nd, 3rd, ... registration within a cycle.
// Percentages[0] applies to the second registration; the last entry repeats
// for deeper ordinals.
type BundleRule struct {
	ID          uuid.UUID
	Description string
	Percentages []decimal.Decimal
}

// Product is the catalog snapshot of a webshop product.
type Product struct {
	ID      uuid.UUID
	Price   int64
	Options map[uuid.UUID]Option
}

// Option is a product add-on with its own price and per-order maximum.
type Option struct {
	ID          uuid.UUID
	Price       int64
	MaxPerOrder int64
}

// Voucher is a percentage discount code applied to the webshop subtotal.
type Voucher struct {
	Code       string
	Percentage decimal.Decimal
}

// Snapshot is the authoritative catalog state a checkout prices against,
// re-fetched at the start of every checkout.
type Snapshot struct {
	Groups   map[uuid.UUID]Group
	Products map[uuid.UUID]Product
	Vouchers map[string]Voucher
	// ActiveRegistrations counts each member's registrations that count
	// towards bundle discounts.
	ActiveRegistrations map[uuid.UUID]int
}

// Line is one cart line, already resolved to ids.
type Line struct {
	MemberID  uuid.UUID
	GroupID   *uuid.UUID
	ProductID *uuid.UUID
	OptionIDs []uuid.UUID
	Quantity  int64

	// ReplacesPrice is set when this line replaces an existing registration:
	// the replaced registration's original price, credited back minus the
	// cancellation fee.
	ReplacesPrice *int64
}

// Input is everything the engine prices.
type Input struct {
	Lines                  []Line
	AdministrationFee      int64
	FreeContribution       int64
	VoucherCode            string
	CancellationFeePercent decimal.Decimal
}

// DiscountQuote is one applied bundle discount, keyed for in-place updates.
type DiscountQuote struct {
	RuleID      uuid.UUID
	Description string
	// Price is negative.
	Price int64
}

// OptionQuote is one priced option selection.
type OptionQuote struct {
	OptionID uuid.UUID
	Price    int64
}

// LineQuote is the engine's verdict on one cart line.
type LineQuote struct {
	Base     int64
	Options  []OptionQuote
	Discount *DiscountQuote
	// CancellationCredit is zero or negative: -(replacedPrice - fee).
	CancellationCredit int64
}

// Quote is the engine's full verdict on a cart.
type Quote struct {
	Lines             []LineQuote
	AdministrationFee int64
	FreeContribution  int64
	// VoucherDiscount is zero or negative.
	VoucherDiscount int64
	Total           int64
}

// Sentinel errors.
var (
	ErrUnknownGroup        = errors.New("unknown group")
	ErrUnknownProduct      = errors.New("unknown product")
	ErrUnknownOption       = errors.New("unknown option")
	ErrUnknownVoucher      = errors.New("unknown voucher code")
	ErrOptionMaximum       = errors.New("option maximum per order exceeded")
	ErrInvalidQuantity     = errors.New("quantity must be greater than 0")
	ErrNegativeTotal       = errors.New("total must not be negative")
	ErrInvalidContribution = errors.New("fees and contributions must not be negative")
)

var hundred = decimal.NewFromInt(100)

// PercentOf returns pct% of cents, rounded half-up to the nearest minor unit.
func PercentOf(cents int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(cents).Mul(pct).Div(hundred).Round(0).IntPart()
}

// BundleDiscount returns the (non-positive) discount for the registration at
// the given 1-based ordinal within the member's counted set.
func BundleDiscount(rule *BundleRule, ordinal int, price int64) int64 {
	if rule == nil || ordinal < 2 || len(rule.Percentages) == 0 {
		return 0
	}
	idx := ordinal - 2
	if idx >= len(rule.Percentages) {
		idx = len(rule.Percentages) - 1
	}
	return -PercentOf(price, rule.Percentages[idx])
}

// Engine prices carts against snapshots.
type Engine struct{}

// Price computes the authoritative quote for in against snap. It performs no
// side effects and no I/O.
func (Engine) Price(snap *Snapshot, in Input) (*Quote, error) {
	if in.AdministrationFee < 0 || in.FreeContribution < 0 {
		return nil, ErrInvalidContribution
	}

	q := &Quote{
		Lines:             make([]LineQuote, len(in.Lines)),
		AdministrationFee: in.AdministrationFee,
		FreeContribution:  in.FreeContribution,
	}

	// Ordinal counters so a cart adding two registrations for the same
	// member prices the second one as deeper in the bundle.
	ordinals := make(map[uuid.UUID]int, len(in.Lines))

	var total, productSubtotal int64
	for i, line := range in.Lines {
		if line.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}

		var lq LineQuote
		switch {
		case line.GroupID != nil:
			group, ok := snap.Groups[*line.GroupID]
			if !ok {
				return nil, errors.Wrapf(ErrUnknownGroup, "%s", *line.GroupID)
			}
			lq.Base = group.Price

			ordinal := snap.ActiveRegistrations[line.MemberID] + ordinals[line.MemberID] + 1
			ordinals[line.MemberID]++
			if d := BundleDiscount(group.Bundle, ordinal, group.Price); d != 0 {
				lq.Discount = &DiscountQuote{
					RuleID:      group.Bundle.ID,
					Description: group.Bundle.Description,
					Price:       d,
				}
			}

			if line.ReplacesPrice != nil {
				fee := PercentOf(*line.ReplacesPrice, in.CancellationFeePercent)
				lq.CancellationCredit = -(*line.ReplacesPrice - fee)
			}

		case line.ProductID != nil:
			product, ok := snap.Products[*line.ProductID]
			if !ok {
				return nil, errors.Wrapf(ErrUnknownProduct, "%s", *line.ProductID)
			}
			lq.Base = product.Price * line.Quantity

			perOption := make(map[uuid.UUID]int64, len(line.OptionIDs))
			for _, optID := range line.OptionIDs {
				opt, ok := product.Options[optID]
				if !ok {
					return nil, errors.Wrapf(ErrUnknownOption, "%s", optID)
				}
				perOption[optID]++
				if opt.MaxPerOrder > 0 && perOption[optID]*line.Quantity > opt.MaxPerOrder {
					return nil, errors.Wrapf(ErrOptionMaximum, "option %s", optID)
				}
				lq.Options = append(lq.Options, OptionQuote{
					OptionID: optID,
					Price:    opt.Price * line.Quantity,
				})
			}

		default:
			return nil, errors.New("cart line names neither group nor product")
		}

		lineTotal := lq.Base + lq.CancellationCredit
		if lq.Discount != nil {
			lineTotal += lq.Discount.Price
		}
		for _, o := range lq.Options {
			lineTotal += o.Price
			if line.ProductID != nil {
				productSubtotal += o.Price
			}
		}
		if line.ProductID != nil {
			productSubtotal += lq.Base
		}
		total += lineTotal
		q.Lines[i] = lq
	}

	if in.VoucherCode != "" {
		v, ok := snap.Vouchers[in.VoucherCode]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownVoucher, "%q", in.VoucherCode)
		}
		q.VoucherDiscount = -PercentOf(productSubtotal, v.Percentage)
		total += q.VoucherDiscount
	}

	total += in.AdministrationFee + in.FreeContribution
	if total < 0 {
		return nil, errors.Wrapf(ErrNegativeTotal, "%d", total)
	}
	q.Total = total
	return q, nil
}
