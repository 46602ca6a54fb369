package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"openmarket/crypto"
	"openmarket/native/market"
)

type createProductParams struct {
	Caller string `json:"caller"`
	Name   string `json:"name"`
	Price  string `json:"price"`
}

type lockPurchaseParams struct {
	ID      uint64 `json:"id"`
	Caller  string `json:"caller"`
	Deposit string `json:"deposit"`
}

type productActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type productIDParams struct {
	ID uint64 `json:"id"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type productJSON struct {
	ID     uint64 `json:"id"`
	Name   string `json:"name"`
	Price  string `json:"price"`
	Status string `json:"status"`
	Seller string `json:"seller"`
	Buyer  string `json:"buyer,omitempty"`
}

type balanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func productToJSON(p *market.Product) productJSON {
	out := productJSON{
		ID:     p.ID,
		Name:   p.Name,
		Price:  p.Price.String(),
		Status: p.Status.String(),
		Seller: p.Seller.String(),
	}
	if !p.Buyer.IsZero() {
		out.Buyer = p.Buyer.String()
	}
	return out
}

func (s *Server) handleCreateProduct(req *RPCRequest) (interface{}, *RPCError) {
	var params createProductParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(err)
	}
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		return nil, invalidParams(err)
	}
	product, err := s.engine.CreateProduct(caller, params.Name, price)
	if err != nil {
		return nil, s.marketError("market_createProduct", err)
	}
	return productToJSON(product), nil
}

func (s *Server) handleLockPurchase(req *RPCRequest) (interface{}, *RPCError) {
	var params lockPurchaseParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(err)
	}
	deposit, err := parsePositiveBigInt(params.Deposit)
	if err != nil {
		return nil, invalidParams(err)
	}
	product, err := s.engine.LockPurchase(params.ID, caller, deposit)
	if err != nil {
		return nil, s.marketError("market_lockPurchase", err)
	}
	s.refreshEscrowGauge()
	return productToJSON(product), nil
}

func (s *Server) handleCancelPurchase(req *RPCRequest) (interface{}, *RPCError) {
	var params productActorParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(err)
	}
	product, err := s.engine.CancelPurchase(params.ID, caller)
	if err != nil {
		return nil, s.marketError("market_cancelPurchase", err)
	}
	s.refreshEscrowGauge()
	return productToJSON(product), nil
}

func (s *Server) handleConfirmReceipt(req *RPCRequest) (interface{}, *RPCError) {
	var params productActorParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(err)
	}
	product, err := s.engine.ConfirmReceipt(params.ID, caller)
	if err != nil {
		return nil, s.marketError("market_confirmReceipt", err)
	}
	s.refreshEscrowGauge()
	return productToJSON(product), nil
}

func (s *Server) handleListProducts(req *RPCRequest) (interface{}, *RPCError) {
	if len(req.Params) != 0 {
		return nil, invalidParams(fmt.Errorf("no parameters expected"))
	}
	products, err := s.engine.ListProducts()
	if err != nil {
		return nil, s.marketError("market_listProducts", err)
	}
	out := make([]productJSON, 0, len(products))
	for _, p := range products {
		out = append(out, productToJSON(p))
	}
	return out, nil
}

func (s *Server) handleGetProduct(req *RPCRequest) (interface{}, *RPCError) {
	var params productIDParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	product, err := s.engine.GetProduct(params.ID)
	if err != nil {
		return nil, s.marketError("market_getProduct", err)
	}
	return productToJSON(product), nil
}

func (s *Server) handleGetBalance(req *RPCRequest) (interface{}, *RPCError) {
	var params balanceParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		return nil, invalidParams(err)
	}
	account, err := s.ledger.BalanceOf(addr)
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "internal error", Data: err.Error()}
	}
	return balanceJSON{
		Address: addr.String(),
		Balance: account.Balance.String(),
		Nonce:   account.Nonce,
	}, nil
}

func decodeSingleParam(req *RPCRequest, into interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeMarketInvalidParams, Message: "invalid_params", Data: "exactly one parameter object expected"}
	}
	if err := json.Unmarshal(req.Params[0], into); err != nil {
		return invalidParams(err)
	}
	return nil
}

func invalidParams(err error) *RPCError {
	return &RPCError{Code: codeMarketInvalidParams, Message: "invalid_params", Data: err.Error()}
}

func parseAddress(raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("address required")
	}
	return crypto.DecodeAddress(trimmed)
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

// refreshEscrowGauge republishes the total value currently held in escrow
// after a fund-moving transition. Failures only leave the gauge stale.
func (s *Server) refreshEscrowGauge() {
	products, err := s.engine.ListProducts()
	if err != nil {
		return
	}
	total := new(big.Int)
	for _, p := range products {
		if p.Status != market.ProductLocked {
			continue
		}
		held, err := s.engine.EscrowBalance(p.ID)
		if err != nil {
			return
		}
		total.Add(total, held)
	}
	units, _ := new(big.Float).SetInt(total).Float64()
	s.metrics.SetEscrowHeld(units)
}

// marketError maps engine sentinels onto JSON-RPC error codes. An escrow
// shortfall means custody invariants were already broken, so it is logged
// loudly and reported as an internal failure.
func (s *Server) marketError(method string, err error) *RPCError {
	switch {
	case errors.Is(err, market.ErrInvalidArgument):
		return &RPCError{Code: codeMarketInvalidParams, Message: "invalid_params", Data: err.Error()}
	case errors.Is(err, market.ErrNotFound):
		return &RPCError{Code: codeMarketNotFound, Message: "not_found", Data: err.Error()}
	case errors.Is(err, market.ErrUnauthorized):
		return &RPCError{Code: codeMarketForbidden, Message: "forbidden", Data: err.Error()}
	case errors.Is(err, market.ErrInvalidState):
		return &RPCError{Code: codeMarketConflict, Message: "invalid_state", Data: err.Error()}
	case errors.Is(err, market.ErrInvalidPayment):
		return &RPCError{Code: codeMarketPayment, Message: "invalid_payment", Data: err.Error()}
	case errors.Is(err, market.ErrInsufficientFunds):
		return &RPCError{Code: codeMarketFunds, Message: "insufficient_funds", Data: err.Error()}
	case errors.Is(err, market.ErrInsufficientEscrow):
		s.logger.Error("escrow custody invariant violated", "method", method, "err", err)
		return &RPCError{Code: codeMarketInternal, Message: "internal_error", Data: err.Error()}
	default:
		s.logger.Error("rpc handler failed", "method", method, "err", err)
		return &RPCError{Code: codeServerError, Message: "internal error", Data: err.Error()}
	}
}
