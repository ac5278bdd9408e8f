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
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"vaultd/core/pricing"
	"vaultd/native/vault"
	"vaultd/observability"
	"vaultd/observability/logging"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	requestsPerSecond = 50
	requestBurst      = 100
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
	codeStaleQuote     = -32021
	codeUnhealthy      = -32022
	codeNotFound       = -32023
)

// Server exposes the vault engine over JSON-RPC. Mutating methods require a
// bearer token sourced from VAULTD_RPC_TOKEN; query methods are open.
type Server struct {
	engine  *vault.Engine
	logger  *slog.Logger
	metrics *observability.EngineMetrics

	authToken string

	mu       sync.Mutex
	feeds    map[common.Address]*pricing.ManualFeed
	limiters map[string]*rate.Limiter
}

func NewServer(engine *vault.Engine, logger *slog.Logger) *Server {
	token := strings.TrimSpace(os.Getenv("VAULTD_RPC_TOKEN"))
	if logger == nil {
		logger = slog.Default()
	}
	if token == "" {
		logger.Warn("rpc auth token not configured; mutating methods disabled")
	} else {
		logger.Info("rpc auth token configured", logging.MaskField("token", token))
	}
	return &Server{
		engine:    engine,
		logger:    logger,
		metrics:   observability.Engine(),
		authToken: token,
		feeds:     make(map[common.Address]*pricing.ManualFeed),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// RegisterFeed makes a manual price feed addressable through oracle_setPrice.
func (s *Server) RegisterFeed(addr common.Address, feed *pricing.ManualFeed) {
	if s == nil || feed == nil {
		return
	}
	s.mu.Lock()
	s.feeds[addr] = feed
	s.mu.Unlock()
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

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) *RPCError {
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
	return errObj
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) *RPCError {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
	return nil
}

// ServeHTTP decodes a single JSON-RPC request and routes it to the matching
// handler. Responses always carry Content-Type application/json.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	source := clientSource(r)
	if !s.allowSource(source) {
		s.metrics.RecordThrottle()
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", source)
		return
	}

	requestID := uuid.NewString()
	logger := s.logger.With("request_id", requestID, "method", req.Method, "source", source)

	start := time.Now()
	rpcErr := s.dispatch(w, r, req, logger)
	s.metrics.Observe(req.Method, time.Since(start), rpcErr.asError())
	if rpcErr != nil {
		logger.Info("rpc request failed", "code", rpcErr.Code, "error", rpcErr.Message)
	}
}

func (e *RPCError) asError() error {
	if e == nil {
		return nil
	}
	return e
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest, logger *slog.Logger) *RPCError {
	switch req.Method {
	case "vault_depositCollateral":
		if authErr := s.requireAuth(r); authErr != nil {
			return writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		}
		return s.handleDepositCollateral(w, req, logger)
	case "vault_borrow":
		if authErr := s.requireAuth(r); authErr != nil {
			return writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		}
		return s.handleBorrow(w, req, logger)
	case "vault_depositAndBorrow":
		if authErr := s.requireAuth(r); authErr != nil {
			return writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		}
		return s.handleDepositAndBorrow(w, req, logger)
	case "vault_redeemCollateral":
		if authErr := s.requireAuth(r); authErr != nil {
			return writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		}
		return s.handleRedeemCollateral(w, req, logger)
	case "vault_repay":
		if authErr := s.requireAuth(r); authErr != nil {
			return writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		}
		return s.handleRepay(w, req, logger)
	case "vault_redeemForRepay":
		if authErr := s.requireAuth(r); authErr != nil {
			return writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		}
		return s.handleRedeemForRepay(w, req, logger)
	case "vault_liquidate":
		if authErr := s.requireAuth(r); authErr != nil {
			return writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		}
		return s.handleLiquidate(w, req, logger)
	case "vault_healthFactor":
		return s.handleHealthFactor(w, req)
	case "vault_accountInfo":
		return s.handleAccountInfo(w, req)
	case "vault_collateral":
		return s.handleCollateral(w, req)
	case "vault_collateralValue":
		return s.handleCollateralValue(w, req)
	case "vault_tokenAmountFromUsd":
		return s.handleTokenAmountFromUSD(w, req)
	case "vault_tokenUsdValue":
		return s.handleTokenUSDValue(w, req)
	case "vault_assets":
		return s.handleAssets(w, req)
	case "vault_params":
		return s.handleParams(w, req)
	case "oracle_setPrice":
		if authErr := s.requireAuth(r); authErr != nil {
			return writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		}
		return s.handleOracleSetPrice(w, req, logger)
	default:
		return writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst)
		s.limiters[source] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
