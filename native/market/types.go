package market

import (
	"fmt"
	"math/big"
	"strings"

	"openmarket/crypto"
)

// ProductStatus represents the lifecycle states of a listed product.
type ProductStatus uint8

const (
	ProductAvailable ProductStatus = iota
	ProductLocked
	ProductSold
)

// String returns the canonical lowercase label used on the wire and in events.
func (s ProductStatus) String() string {
	switch s {
	case ProductAvailable:
		return "available"
	case ProductLocked:
		return "locked"
	case ProductSold:
		return "sold"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s ProductStatus) Valid() bool {
	switch s {
	case ProductAvailable, ProductLocked, ProductSold:
		return true
	default:
		return false
	}
}

// Product captures a single catalog entry. Identifiers are assigned
// monotonically starting at 1 and never reused; price and seller are fixed at
// creation. The buyer is the zero address until a lock succeeds and is cleared
// again on cancel.
type Product struct {
	ID        uint64
	Name      string
	Price     *big.Int
	Seller    crypto.Address
	Buyer     crypto.Address
	Status    ProductStatus
	CreatedAt int64
}

// Clone returns a deep copy of the product so callers can safely mutate the
// copy without affecting the stored instance.
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Price != nil {
		clone.Price = new(big.Int).Set(p.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// Deposit returns the collateral a buyer must attach to lock the product:
// exactly twice the listed price.
func (p *Product) Deposit() *big.Int {
	if p == nil || p.Price == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(p.Price, big.NewInt(2))
}

// SanitizeProduct validates a product record loaded from storage, returning a
// cloned instance with a non-nil price. The original value is not mutated.
func SanitizeProduct(p *Product) (*Product, error) {
	if p == nil {
		return nil, fmt.Errorf("nil product")
	}
	clone := p.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("product id must be positive")
	}
	if strings.TrimSpace(clone.Name) == "" {
		return nil, fmt.Errorf("product name must not be empty")
	}
	if clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("product price must be positive")
	}
	if clone.Seller.IsZero() {
		return nil, fmt.Errorf("product seller must be set")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid product status: %d", clone.Status)
	}
	switch clone.Status {
	case ProductAvailable:
		if !clone.Buyer.IsZero() {
			return nil, fmt.Errorf("available product must not carry a buyer")
		}
	case ProductLocked, ProductSold:
		if clone.Buyer.IsZero() {
			return nil, fmt.Errorf("%s product must carry a buyer", clone.Status)
		}
	}
	return clone, nil
}
