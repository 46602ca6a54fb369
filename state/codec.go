package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"openmarket/core/types"
	"openmarket/crypto"
	"openmarket/native/market"
)

const (
	keyProductCount   = "market/product-count"
	keyGenesisApplied = "genesis/applied"
	prefixProduct     = "market/product/"
	prefixEscrow      = "market/escrow/"
	prefixAccount     = "account/"
)

func productKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixProduct, id))
}

func escrowKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixEscrow, id))
}

func accountKey(addr crypto.Address) []byte {
	return []byte(prefixAccount + addr.String())
}

// productRecord is the stored form of a catalog entry. Addresses are kept
// bech32-encoded, amounts as decimal strings.
type productRecord struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Seller    string `json:"seller"`
	Buyer     string `json:"buyer,omitempty"`
	Status    uint8  `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

type accountRecord struct {
	Nonce   uint64 `json:"nonce"`
	Balance string `json:"balance"`
}

func encodeProduct(p *market.Product) ([]byte, error) {
	record := productRecord{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price.String(),
		Seller:    p.Seller.String(),
		Status:    uint8(p.Status),
		CreatedAt: p.CreatedAt,
	}
	if !p.Buyer.IsZero() {
		record.Buyer = p.Buyer.String()
	}
	return json.Marshal(record)
}

func decodeProduct(raw []byte) (*market.Product, error) {
	var record productRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	price, err := parseAmount(record.Price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	seller, err := crypto.DecodeAddress(record.Seller)
	if err != nil {
		return nil, fmt.Errorf("seller: %w", err)
	}
	product := &market.Product{
		ID:        record.ID,
		Name:      record.Name,
		Price:     price,
		Seller:    seller,
		Status:    market.ProductStatus(record.Status),
		CreatedAt: record.CreatedAt,
	}
	if record.Buyer != "" {
		buyer, err := crypto.DecodeAddress(record.Buyer)
		if err != nil {
			return nil, fmt.Errorf("buyer: %w", err)
		}
		product.Buyer = buyer
	}
	return market.SanitizeProduct(product)
}

func encodeAccount(acc *types.Account) ([]byte, error) {
	return json.Marshal(accountRecord{
		Nonce:   acc.Nonce,
		Balance: acc.Balance.String(),
	})
}

func decodeAccount(raw []byte) (*types.Account, error) {
	var record accountRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	balance, err := parseAmount(record.Balance)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	return &types.Account{Nonce: record.Nonce, Balance: balance}, nil
}

func encodeCount(count uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, count)
	return buf
}

func decodeCount(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("invalid product count encoding")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func encodeAmount(v *big.Int) []byte {
	if v == nil {
		return []byte("0")
	}
	return []byte(v.Text(10))
}

func decodeAmount(raw []byte) (*big.Int, error) {
	return parseAmount(string(raw))
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}
