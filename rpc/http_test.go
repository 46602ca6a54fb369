package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"openmarket/core/events"
	"openmarket/crypto"
	"openmarket/native/market"
	"openmarket/state"
	"openmarket/storage"
)

type testEnv struct {
	server *httptest.Server
	token  string
	seller crypto.Address
	buyer  crypto.Address
	extra  crypto.Address
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	seller := crypto.MustNewAddress(bytes.Repeat([]byte{0x01}, crypto.AddressLength))
	buyer := crypto.MustNewAddress(bytes.Repeat([]byte{0x02}, crypto.AddressLength))
	extra := crypto.MustNewAddress(bytes.Repeat([]byte{0x03}, crypto.AddressLength))

	ledger := state.NewManager(storage.NewMemDB())
	require.NoError(t, ledger.Bootstrap([]state.BalanceAlloc{
		{Address: seller, Amount: big.NewInt(1000)},
		{Address: buyer, Amount: big.NewInt(1000)},
		{Address: extra, Amount: big.NewInt(1000)},
	}))

	bus := events.NewBus()
	engine := market.NewEngine()
	engine.SetState(ledger)
	engine.SetEmitter(bus)

	server := NewServer(engine, ledger, bus, Options{
		AuthToken:          token,
		RateLimitPerMinute: 600000,
		RateLimitBurst:     10000,
	})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, token: token, seller: seller, buyer: buyer, extra: extra}
}

func (env *testEnv) call(t *testing.T, method string, params interface{}) RPCResponse {
	t.Helper()
	var rawParams []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		require.NoError(t, err)
		rawParams = []json.RawMessage{encoded}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  rawParams,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/rpc", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if env.token != "" {
		req.Header.Set("Authorization", "Bearer "+env.token)
	}
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func resultAs(t *testing.T, resp RPCResponse, into interface{}) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, into))
}

func TestFullPurchaseFlowOverRPC(t *testing.T) {
	env := newTestEnv(t, "")

	var created productJSON
	resultAs(t, env.call(t, "market_createProduct", createProductParams{
		Caller: env.seller.String(),
		Name:   "Widget",
		Price:  "100",
	}), &created)
	require.Equal(t, uint64(1), created.ID)
	require.Equal(t, "available", created.Status)
	require.Empty(t, created.Buyer)

	var locked productJSON
	resultAs(t, env.call(t, "market_lockPurchase", lockPurchaseParams{
		ID:      1,
		Caller:  env.buyer.String(),
		Deposit: "200",
	}), &locked)
	require.Equal(t, "locked", locked.Status)
	require.Equal(t, env.buyer.String(), locked.Buyer)

	var sold productJSON
	resultAs(t, env.call(t, "market_confirmReceipt", productActorParams{
		ID:     1,
		Caller: env.buyer.String(),
	}), &sold)
	require.Equal(t, "sold", sold.Status)

	var sellerBalance balanceJSON
	resultAs(t, env.call(t, "bank_getBalance", balanceParams{
		Address: env.seller.String(),
	}), &sellerBalance)
	require.Equal(t, "1100", sellerBalance.Balance)

	var buyerBalance balanceJSON
	resultAs(t, env.call(t, "bank_getBalance", balanceParams{
		Address: env.buyer.String(),
	}), &buyerBalance)
	require.Equal(t, "900", buyerBalance.Balance)

	var listed []productJSON
	resultAs(t, env.call(t, "market_listProducts", nil), &listed)
	require.Len(t, listed, 1)
	require.Equal(t, "sold", listed[0].Status)
}

func TestCancelFlowOverRPC(t *testing.T) {
	env := newTestEnv(t, "")

	var created productJSON
	resultAs(t, env.call(t, "market_createProduct", createProductParams{
		Caller: env.seller.String(),
		Name:   "Gadget",
		Price:  "50",
	}), &created)

	resultAs(t, env.call(t, "market_lockPurchase", lockPurchaseParams{
		ID: created.ID, Caller: env.buyer.String(), Deposit: "100",
	}), &productJSON{})

	var canceled productJSON
	resultAs(t, env.call(t, "market_cancelPurchase", productActorParams{
		ID: created.ID, Caller: env.seller.String(),
	}), &canceled)
	require.Equal(t, "available", canceled.Status)
	require.Empty(t, canceled.Buyer)

	var refunded balanceJSON
	resultAs(t, env.call(t, "bank_getBalance", balanceParams{
		Address: env.buyer.String(),
	}), &refunded)
	require.Equal(t, "1000", refunded.Balance)

	// A different buyer can lock the re-listed product.
	var relocked productJSON
	resultAs(t, env.call(t, "market_lockPurchase", lockPurchaseParams{
		ID: created.ID, Caller: env.extra.String(), Deposit: "100",
	}), &relocked)
	require.Equal(t, env.extra.String(), relocked.Buyer)
}

func TestRPCErrorCodeMapping(t *testing.T) {
	env := newTestEnv(t, "")

	resultAs(t, env.call(t, "market_createProduct", createProductParams{
		Caller: env.seller.String(), Name: "Widget", Price: "100",
	}), &productJSON{})

	cases := []struct {
		name   string
		method string
		params interface{}
		code   int
	}{
		{"wrong deposit", "market_lockPurchase", lockPurchaseParams{ID: 1, Caller: env.buyer.String(), Deposit: "150"}, codeMarketPayment},
		{"seller self-buy", "market_lockPurchase", lockPurchaseParams{ID: 1, Caller: env.seller.String(), Deposit: "200"}, codeMarketForbidden},
		{"unknown product", "market_getProduct", productIDParams{ID: 99}, codeMarketNotFound},
		{"cancel available", "market_cancelPurchase", productActorParams{ID: 1, Caller: env.seller.String()}, codeMarketConflict},
		{"bad address", "market_createProduct", createProductParams{Caller: "not-an-address", Name: "x", Price: "1"}, codeMarketInvalidParams},
		{"zero price", "market_createProduct", createProductParams{Caller: env.seller.String(), Name: "x", Price: "0"}, codeMarketInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.call(t, tc.method, tc.params)
			require.NotNil(t, resp.Error)
			require.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestInsufficientFundsOverRPC(t *testing.T) {
	env := newTestEnv(t, "")

	resultAs(t, env.call(t, "market_createProduct", createProductParams{
		Caller: env.seller.String(), Name: "Yacht", Price: "100000",
	}), &productJSON{})

	resp := env.call(t, "market_lockPurchase", lockPurchaseParams{
		ID: 1, Caller: env.buyer.String(), Deposit: "200000",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMarketFunds, resp.Error.Code)
}

func TestMutatingMethodsRequireBearerToken(t *testing.T) {
	env := newTestEnv(t, "secret-token")

	payload := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"market_createProduct","params":[{"caller":%q,"name":"Widget","price":"100"}]}`, env.seller.String())

	// No Authorization header.
	resp, err := http.Post(env.server.URL+"/rpc", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	require.Equal(t, codeUnauthorized, body.Error.Code)

	// Wrong token.
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/rpc", strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	wrongResp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer wrongResp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, wrongResp.StatusCode)

	// Read methods stay open.
	open := env.call(t, "market_listProducts", nil)
	require.Nil(t, open.Error)

	// Correct token succeeds.
	var created productJSON
	resultAs(t, env.call(t, "market_createProduct", createProductParams{
		Caller: env.seller.String(), Name: "Widget", Price: "100",
	}), &created)
	require.Equal(t, uint64(1), created.ID)
}

func TestMalformedRequests(t *testing.T) {
	env := newTestEnv(t, "")

	post := func(body string) RPCResponse {
		resp, err := http.Post(env.server.URL+"/rpc", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out RPCResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	resp := post("{not json")
	require.NotNil(t, resp.Error)
	require.Equal(t, codeParseError, resp.Error.Code)

	resp = post(`{"jsonrpc":"2.0","id":1}`)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	resp = post(`{"jsonrpc":"1.0","id":1,"method":"market_listProducts"}`)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	resp = post(`{"jsonrpc":"2.0","id":1,"method":"market_unknown"}`)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)

	// Exactly one parameter object is required.
	resp = post(`{"jsonrpc":"2.0","id":1,"method":"market_getProduct","params":[{"id":1},{"id":2}]}`)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMarketInvalidParams, resp.Error.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestThrottleRejectsBursts(t *testing.T) {
	seller := crypto.MustNewAddress(bytes.Repeat([]byte{0x01}, crypto.AddressLength))
	ledger := state.NewManager(storage.NewMemDB())
	require.NoError(t, ledger.Bootstrap([]state.BalanceAlloc{
		{Address: seller, Amount: big.NewInt(1000)},
	}))
	engine := market.NewEngine()
	engine.SetState(ledger)

	server := NewServer(engine, ledger, events.NewBus(), Options{
		RateLimitPerMinute: 60,
		RateLimitBurst:     2,
	})
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	require.True(t, limited, "expected at least one throttled response")
}
