// Package httpserver exposes the connector control surface over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/app/connector"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/observability"
)

const (
	maxJSONBodyBytes     int64 = 1 << 20 // 1 MiB
	defaultSubmitTimeout       = 30 * time.Second
)

// Connector is the surface the control handlers drive.
type Connector interface {
	Status() map[string]bool
	Ready() bool
	LastStreamMessage() time.Time
	OpenOrders() []schema.InFlightOrder
	Order(clientOrderID string) (schema.InFlightOrder, bool)
	BalanceSnapshot() []schema.Balance
	TradingRules() []schema.TradingRule
	Submit(ctx context.Context, pair string, side schema.TradeSide, kind schema.OrderType, amount, price decimal.Decimal) (string, error)
	Cancel(ctx context.Context, clientOrderID string) error
	CancelAll(ctx context.Context, timeout time.Duration) ([]connector.CancellationResult, error)
}

type httpServer struct {
	connector     Connector
	logger        observability.Logger
	events        EventSource
	submitTimeout time.Duration
}

// Option customises the control handler.
type Option func(*httpServer)

// WithEvents serves GET /events from source.
func WithEvents(source EventSource) Option {
	return func(s *httpServer) { s.events = source }
}

// WithSubmitTimeout bounds an order submission once the request has been
// accepted. The submission outlives the client connection.
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *httpServer) {
		if d > 0 {
			s.submitTimeout = d
		}
	}
}

// NewHandler builds the router for the control surface.
func NewHandler(c Connector, logger observability.Logger, opts ...Option) http.Handler {
	s := &httpServer{connector: c, logger: observability.OrNop(logger), submitTimeout: defaultSubmitTimeout}
	for _, opt := range opts {
		opt(s)
	}
	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	router.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	router.HandleFunc("/balances", s.getBalances).Methods(http.MethodGet)
	router.HandleFunc("/rules", s.getRules).Methods(http.MethodGet)
	router.HandleFunc("/orders", s.listOrders).Methods(http.MethodGet)
	router.HandleFunc("/orders", s.submitOrder).Methods(http.MethodPost)
	router.HandleFunc("/orders/cancel-all", s.cancelAll).Methods(http.MethodPost)
	router.HandleFunc("/orders/{clientOrderId}", s.getOrder).Methods(http.MethodGet)
	router.HandleFunc("/orders/{clientOrderId}", s.cancelOrder).Methods(http.MethodDelete)
	router.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(router)
}

type statusResponse struct {
	Ready             bool            `json:"ready"`
	Status            map[string]bool `json:"status"`
	LastStreamMessage *time.Time      `json:"lastStreamMessage,omitempty"`
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Ready: s.connector.Ready(), Status: s.connector.Status()}
	if last := s.connector.LastStreamMessage(); !last.IsZero() {
		resp.LastStreamMessage = &last
	}
	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *httpServer) getBalances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"balances": nonNil(s.connector.BalanceSnapshot())})
}

func (s *httpServer) getRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": nonNil(s.connector.TradingRules())})
}

func (s *httpServer) listOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": nonNil(s.connector.OpenOrders())})
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["clientOrderId"]
	order, ok := s.connector.Order(id)
	if !ok {
		writeError(w, http.StatusNotFound, "order "+id+" is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type submitRequest struct {
	Pair   string `json:"pair"`
	Side   string `json:"side"`
	Type   string `json:"type"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
}

func (s *httpServer) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	side, ok := parseSide(req.Side)
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	kind, ok := parseType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "type must be limit or market")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal")
		return
	}
	price := decimal.Zero
	if strings.TrimSpace(req.Price) != "" {
		if price, err = decimal.NewFromString(strings.TrimSpace(req.Price)); err != nil {
			writeError(w, http.StatusBadRequest, "price must be a decimal")
			return
		}
	}

	// A client that hangs up must not turn a placement into a shutdown: the
	// order would stay tracked with no outcome reported.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.submitTimeout)
	defer cancel()
	id, err := s.connector.Submit(ctx, req.Pair, side, kind, amount, price)
	if err != nil {
		s.writeConnectorError(w, "submit", err, map[string]any{"clientOrderId": id})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"clientOrderId": id})
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["clientOrderId"]
	if err := s.connector.Cancel(r.Context(), id); err != nil {
		s.writeConnectorError(w, "cancel", err, map[string]any{"clientOrderId": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clientOrderId": id, "success": true})
}

type cancelAllRequest struct {
	TimeoutMillis int64 `json:"timeoutMs"`
}

func (s *httpServer) cancelAll(w http.ResponseWriter, r *http.Request) {
	var req cancelAllRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.TimeoutMillis < 0 {
		writeError(w, http.StatusBadRequest, "timeoutMs must be >= 0")
		return
	}
	results, err := s.connector.CancelAll(r.Context(), time.Duration(req.TimeoutMillis)*time.Millisecond)
	resp := map[string]any{"results": nonNil(results)}
	if err != nil {
		s.logger.Warn("cancel all incomplete", observability.Err(err))
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *httpServer) writeConnectorError(w http.ResponseWriter, op string, err error, extra map[string]any) {
	status := http.StatusBadGateway
	switch {
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errs.HasCode(err, errs.CodeTimeout) || errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errs.IsShutdown(err):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Warn("control request failed", observability.F("operation", op), observability.Err(err))
	}
	body := map[string]any{"status": "error", "error": err.Error()}
	if e, ok := errs.As(err); ok {
		if e.Canonical != "" {
			body["code"] = string(e.Canonical)
		}
		if e.Remediation != "" {
			body["remediation"] = e.Remediation
		}
	}
	for k, v := range extra {
		if v != "" {
			body[k] = v
		}
	}
	writeJSON(w, status, body)
}

func parseSide(raw string) (schema.TradeSide, bool) {
	for _, side := range []schema.TradeSide{schema.TradeSideBuy, schema.TradeSideSell} {
		if strings.EqualFold(strings.TrimSpace(raw), string(side)) {
			return side, true
		}
	}
	return "", false
}

func parseType(raw string) (schema.OrderType, bool) {
	for _, kind := range []schema.OrderType{schema.OrderTypeLimit, schema.OrderTypeMarket} {
		if strings.EqualFold(strings.TrimSpace(raw), string(kind)) {
			return kind, true
		}
	}
	return "", false
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
