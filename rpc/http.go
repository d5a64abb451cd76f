package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"powerperp/native/clpool"
	"powerperp/native/common"
	"powerperp/native/oracle"
	"powerperp/native/system"
	"powerperp/native/vault"
	"powerperp/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	maxMutPerWindow = 30
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

const (
	codeVaultNotFound     = -32031
	codeVaultForbidden    = -32032
	codeVaultUnsafe       = -32033
	codeVaultConflict     = -32034
	codeStaleOracle       = -32035
	codeModulePaused      = -32036
	codeShutDown          = -32037
	codeInvalidTransition = -32041
)

func init() {
	observability.RegisterReason(vault.ErrVaultUnsafe, "unsafe")
	observability.RegisterReason(vault.ErrStaleOracle, "stale_oracle")
	observability.RegisterReason(vault.ErrInsufficientBalance, "insufficient_balance")
	observability.RegisterReason(vault.ErrInvalidAmount, "invalid_amount")
	observability.RegisterReason(common.ErrModulePaused, "paused")
	observability.RegisterReason(common.ErrShutDown, "shutdown")
}

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// Server exposes the vault engine and protocol state machine over JSON-RPC.
// The manual oracle, norm source and registry fields back the operator
// surface; any of them may be nil when the deployment feeds those inputs
// another way.
type Server struct {
	engine   *vault.Engine
	system   *system.StateMachine
	registry *vault.Registry
	manual   *oracle.ManualOracle
	norm     *oracle.ManualNormSource

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
}

func NewServer(engine *vault.Engine, sys *system.StateMachine, registry *vault.Registry, manual *oracle.ManualOracle, norm *oracle.ManualNormSource) *Server {
	token := strings.TrimSpace(os.Getenv("POWERPERP_RPC_TOKEN"))
	return &Server{
		engine:       engine,
		system:       sys,
		registry:     registry,
		manual:       manual,
		norm:         norm,
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    token,
	}
}

func (s *Server) Start(addr string) error {
	fmt.Printf("Starting JSON-RPC server on %s\n", addr)
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return http.ListenAndServe(addr, mux)
}

// Handler returns the request handler for callers that manage their own
// http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
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

// writeEngineError maps a vault or system error onto its wire code. Errors
// without a dedicated code fall through to the generic server error.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_amount", err.Error())
	case errors.Is(err, vault.ErrInvalidPosition), errors.Is(err, clpool.ErrTickRange):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_position", err.Error())
	case errors.Is(err, vault.ErrUnknownVault):
		writeError(w, http.StatusNotFound, id, codeVaultNotFound, "vault_not_found", err.Error())
	case errors.Is(err, vault.ErrUnknownPosition), errors.Is(err, vault.ErrUnknownPool):
		writeError(w, http.StatusNotFound, id, codeVaultNotFound, "not_found", err.Error())
	case errors.Is(err, vault.ErrNotVaultOwner):
		writeError(w, http.StatusForbidden, id, codeVaultForbidden, "forbidden", err.Error())
	case errors.Is(err, vault.ErrVaultUnsafe):
		writeError(w, http.StatusConflict, id, codeVaultUnsafe, "vault_unsafe", err.Error())
	case errors.Is(err, vault.ErrPositionAttached),
		errors.Is(err, vault.ErrPositionInCustody),
		errors.Is(err, vault.ErrNoPositionAttached),
		errors.Is(err, vault.ErrNoDebtToBurn),
		errors.Is(err, vault.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, id, codeVaultConflict, "conflict", err.Error())
	case errors.Is(err, vault.ErrStaleOracle), errors.Is(err, oracle.ErrNoFreshQuote):
		writeError(w, http.StatusServiceUnavailable, id, codeStaleOracle, "stale_oracle", err.Error())
	case errors.Is(err, vault.ErrInfeasibleTarget):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "infeasible_target", err.Error())
	case errors.Is(err, common.ErrModulePaused):
		writeError(w, http.StatusConflict, id, codeModulePaused, "paused", err.Error())
	case errors.Is(err, common.ErrShutDown):
		writeError(w, http.StatusConflict, id, codeShutDown, "shutdown", err.Error())
	case errors.Is(err, system.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, system.ErrInvalidTransition):
		writeError(w, http.StatusConflict, id, codeInvalidTransition, "invalid_transition", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal_error", err.Error())
	}
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
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

	switch req.Method {
	case "vault_mint":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleVaultMint(w, r, req)
	case "vault_burn":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleVaultBurn(w, r, req)
	case "vault_deposit":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleVaultDeposit(w, r, req)
	case "vault_withdraw":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleVaultWithdraw(w, r, req)
	case "vault_attach":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleVaultAttach(w, r, req)
	case "vault_detach":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleVaultDetach(w, r, req)
	case "vault_flashPlan":
		s.handleVaultFlashPlan(w, r, req)
	case "vault_flashMint":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleVaultFlashMint(w, r, req)
	case "vault_isSafe":
		s.handleVaultIsSafe(w, r, req)
	case "vault_get":
		s.handleVaultGet(w, r, req)
	case "system_pause":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleSystemPause(w, r, req)
	case "system_unpause":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleSystemUnpause(w, r, req)
	case "system_shutdown":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleSystemShutdown(w, r, req)
	case "system_state":
		s.handleSystemState(w, r, req)
	case "pool_setSlot":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handlePoolSetSlot(w, r, req)
	case "pool_registerPosition":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handlePoolRegisterPosition(w, r, req)
	case "oracle_setPrice":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleOracleSetPrice(w, r, req)
	case "oracle_setNormFactor":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleOracleSetNormFactor(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
	}
}

func (s *Server) allowMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if !s.allowSource(clientSource(r), time.Now()) {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "mutation rate limit exceeded", nil)
		return false
	}
	return true
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

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxMutPerWindow {
		return false
	}
	limiter.count++
	return true
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
