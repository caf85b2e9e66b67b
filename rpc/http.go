package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rwadesk/audit"
	"rwadesk/core/events"
	"rwadesk/core/identity"
	"rwadesk/native/common"
	"rwadesk/native/escrow"
	"rwadesk/observability"
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
	codeRateLimited    = -32020
)

// Server exposes the desk registry over JSON-RPC 2.0. A bearer token guards
// every mutating method; read-only queries stay open. Requests are rate
// limited per source address.
type Server struct {
	registry *escrow.Registry
	provider identity.Provider
	sink     *events.MemorySink
	pauses   *common.Pauses
	exporter *audit.Exporter

	authToken string
	rateLimit rate.Limit
	rateBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Config tunes the RPC server.
type Config struct {
	AuthToken     string
	RatePerSecond float64
	RateBurst     int
}

// NewServer wires the server to the desk core. The sink and pauses may be
// nil; the corresponding methods then report empty results or no-ops.
func NewServer(registry *escrow.Registry, provider identity.Provider, sink *events.MemorySink, pauses *common.Pauses, cfg Config) *Server {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}
	return &Server{
		registry:  registry,
		provider:  provider,
		sink:      sink,
		pauses:    pauses,
		authToken: strings.TrimSpace(cfg.AuthToken),
		rateLimit: limit,
		rateBurst: burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetExporter wires the audit exporter backing desk_export. Without one the
// method reports a conflict.
func (s *Server) SetExporter(e *audit.Exporter) { s.exporter = e }

// Handler returns the http.Handler serving the JSON-RPC endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
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

func (s *Server) limiter(source string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[source]
	if !ok {
		lim = rate.NewLimiter(s.rateLimit, s.rateBurst)
		s.limiters[source] = lim
	}
	return lim
}

func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// mutating reports whether the method changes desk state and therefore needs
// the bearer token.
func mutating(method string) bool {
	switch method {
	case "desk_createEscrow", "desk_postValuation", "desk_submitBid", "desk_close", "desk_cancel", "desk_pause", "desk_export":
		return true
	default:
		return false
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter(sourceAddr(r)).Allow() {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate_limited", "too many requests")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "invalid_request", "request body too large")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "jsonrpc must be 2.0")
		return
	}
	if mutating(req.Method) && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.dispatch(recorder, r, &req)
	observability.ModuleMetrics().Observe("escrow", req.Method, recorder.status, time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "desk_createEscrow":
		s.handleCreateEscrow(w, req)
	case "desk_postValuation":
		s.handlePostValuation(w, req)
	case "desk_submitBid":
		s.handleSubmitBid(w, req)
	case "desk_close":
		s.handleClose(w, req)
	case "desk_cancel":
		s.handleCancel(w, req)
	case "desk_get":
		s.handleGet(w, req)
	case "desk_bids":
		s.handleBids(w, req)
	case "desk_list":
		s.handleList(w, req)
	case "desk_events":
		s.handleEvents(w, req)
	case "desk_pause":
		s.handlePause(w, req)
	case "desk_export":
		s.handleExport(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", fmt.Sprintf("unknown method %q", req.Method))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message, Data: data}})
}
