package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"openmarket/core/events"
	"openmarket/native/market"
	"openmarket/observability"
	"openmarket/state"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeMarketInvalidParams = -32041
	codeMarketNotFound      = -32042
	codeMarketForbidden     = -32043
	codeMarketConflict      = -32044
	codeMarketPayment       = -32045
	codeMarketFunds         = -32046
	codeMarketInternal      = -32047
)

// Options configures the RPC server surface.
type Options struct {
	// AuthToken guards mutating methods with a bearer token when non-empty.
	AuthToken          string
	RateLimitPerMinute float64
	RateLimitBurst     int
	Logger             *slog.Logger
}

// Server exposes the marketplace engine over JSON-RPC, plus a health probe, a
// prometheus endpoint, and a websocket stream of market events.
type Server struct {
	engine  *market.Engine
	ledger  *state.Manager
	bus     *events.Bus
	opts    Options
	logger  *slog.Logger
	metrics *observability.MarketMetrics

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewServer wires the engine, ledger reader, and event bus into an RPC server.
func NewServer(engine *market.Engine, ledger *state.Manager, bus *events.Bus, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 600
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 20
	}
	return &Server{
		engine:   engine,
		ledger:   ledger,
		bus:      bus,
		opts:     opts,
		logger:   logger,
		metrics:  observability.Metrics(),
		visitors: make(map[string]*rate.Limiter),
	}
}

// Router returns the HTTP handler tree for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.throttle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rpc", s.handleRPC)
	r.Get("/ws", s.handleEventsWS)
	return r
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleRPC is the main request handler that routes to specific methods.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	start := time.Now()
	result, rpcErr := s.dispatch(r, req)
	if rpcErr != nil {
		s.metrics.ObserveRequest(req.Method, "error", start)
		s.metrics.ObserveError(req.Method, strconv.Itoa(rpcErr.Code))
		writeError(w, httpStatusFor(rpcErr.Code), req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	s.metrics.ObserveRequest(req.Method, "ok", start)
	writeResult(w, req.ID, result)
}

func (s *Server) dispatch(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	switch req.Method {
	case "market_createProduct":
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
		return s.handleCreateProduct(req)
	case "market_lockPurchase":
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
		return s.handleLockPurchase(req)
	case "market_cancelPurchase":
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
		return s.handleCancelPurchase(req)
	case "market_confirmReceipt":
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
		return s.handleConfirmReceipt(req)
	case "market_listProducts":
		return s.handleListProducts(req)
	case "market_getProduct":
		return s.handleGetProduct(req)
	case "bank_getBalance":
		return s.handleGetBalance(req)
	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: "method not found", Data: req.Method}
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	token := strings.TrimSpace(s.opts.AuthToken)
	if token == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

func httpStatusFor(code int) int {
	switch code {
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeMarketNotFound:
		return http.StatusNotFound
	case codeMarketForbidden:
		return http.StatusForbidden
	case codeMarketConflict:
		return http.StatusConflict
	case codeMarketPayment, codeMarketFunds, codeMarketInvalidParams, codeInvalidParams:
		return http.StatusBadRequest
	case codeServerError, codeMarketInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// throttle applies a per-client token bucket to every route.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.obtainLimiter(clientID(r)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) obtainLimiter(id string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.visitors[id]
	if ok {
		return limiter
	}
	perSecond := s.opts.RateLimitPerMinute / 60.0
	limiter = rate.NewLimiter(rate.Limit(perSecond), s.opts.RateLimitBurst)
	s.visitors[id] = limiter
	return limiter
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
