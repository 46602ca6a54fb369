package market

import (
	"math/big"
	"strconv"

	"openmarket/core/types"
)

const (
	EventTypeProductCreated   = "market.product.created"
	EventTypePurchaseLocked   = "market.purchase.locked"
	EventTypePurchaseCanceled = "market.purchase.canceled"
	EventTypeProductSold      = "market.product.sold"
)

// NewCreatedEvent returns the canonical payload for a newly listed product.
func NewCreatedEvent(p *Product) *types.Event {
	return newMarketEvent(EventTypeProductCreated, p, nil)
}

// NewLockedEvent returns the payload emitted when a buyer stakes the deposit
// and locks the product.
func NewLockedEvent(p *Product, deposit *big.Int) *types.Event {
	return newMarketEvent(EventTypePurchaseLocked, p, map[string]string{
		"deposit": formatAmount(deposit),
	})
}

// NewCanceledEvent returns the payload emitted when the seller aborts a
// pending lock and the deposit is refunded in full.
func NewCanceledEvent(p *Product, buyer string, refund *big.Int) *types.Event {
	return newMarketEvent(EventTypePurchaseCanceled, p, map[string]string{
		"refundedBuyer": buyer,
		"refund":        formatAmount(refund),
	})
}

// NewSoldEvent returns the payload emitted when the buyer confirms receipt and
// the escrow is distributed.
func NewSoldEvent(p *Product, payout, refund *big.Int) *types.Event {
	return newMarketEvent(EventTypeProductSold, p, map[string]string{
		"payout": formatAmount(payout),
		"refund": formatAmount(refund),
	})
}

func newMarketEvent(eventType string, p *Product, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["id"] = strconv.FormatUint(p.ID, 10)
		attrs["name"] = p.Name
		attrs["price"] = formatAmount(p.Price)
		attrs["seller"] = p.Seller.String()
		attrs["status"] = p.Status.String()
		if !p.Buyer.IsZero() {
			attrs["buyer"] = p.Buyer.String()
		}
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
