// Package transporttest provides an in-memory server that speaks the kiosk
// sync contract. It records every call and can be told to fail.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/transport"
)

// Route names used by Calls and the failure helpers.
const (
	RouteHealth          = "GET /health"
	RouteListSessions    = "GET /sessions"
	RouteCreateSession   = "POST /sessions"
	RouteUpdateSession   = "PUT /sessions/{id}"
	RouteListClosures    = "GET /closures"
	RouteCreateClosure   = "POST /closures"
	RouteListAdjustments = "GET /stock/{id}/adjustments"
	RouteAdjustStock     = "PUT /stock/{id}"
	RouteListMovements   = "GET /cash-movements"
	RouteCreateMovement  = "POST /cash-movements"
)

type Server struct {
	mu sync.Mutex

	offline bool
	latency time.Duration
	nextID  int

	sessions    []transport.ServerSession
	closures    []transport.ServerClosure
	adjustments map[string][]transport.ServerStockAdjustment
	stock       map[string]int
	movements   []transport.ServerMovement

	calls    map[string]int
	failNext map[string][]error
	failAll  map[string]error
}

func New() *Server {
	return &Server{
		nextID:      100,
		adjustments: make(map[string][]transport.ServerStockAdjustment),
		stock:       make(map[string]int),
		calls:       make(map[string]int),
		failNext:    make(map[string][]error),
		failAll:     make(map[string]error),
	}
}

// SetOffline makes every call fail as if the network were down.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// SetLatency delays every call; a call whose context expires first fails
// with a transient timeout.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailNext queues err for the next call to route.
func (s *Server) FailNext(route string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[route] = append(s.failNext[route], err)
}

// FailAlways makes every call to route return err until ClearFailures.
func (s *Server) FailAlways(route string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll[route] = err
}

func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = make(map[string][]error)
	s.failAll = make(map[string]error)
}

// Unavailable is a 503 as the HTTP transport would report it.
func Unavailable(route string) error {
	return &apperrors.TransientNetworkError{Op: route, StatusCode: http.StatusServiceUnavailable}
}

// Rejected is a 422 as the HTTP transport would report it.
func Rejected(route string, message string) error {
	return &apperrors.ServerRejection{Op: route, StatusCode: http.StatusUnprocessableEntity, Message: message}
}

func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *Server) Sessions() []transport.ServerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.ServerSession(nil), s.sessions...)
}

func (s *Server) Closures() []transport.ServerClosure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.ServerClosure(nil), s.closures...)
}

func (s *Server) Movements() []transport.ServerMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.ServerMovement(nil), s.movements...)
}

func (s *Server) Adjustments(productID string) []transport.ServerStockAdjustment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.ServerStockAdjustment(nil), s.adjustments[productID]...)
}

// StockDelta is the net quantity change the server has recorded for a product.
func (s *Server) StockDelta(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[productID]
}

// SeedOpenSession registers a session opened from another terminal.
func (s *Server) SeedOpenSession(operatorID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	s.sessions = append(s.sessions, transport.ServerSession{
		ID:         id,
		OperatorID: operatorID,
		Status:     "open",
		OpenedAt:   time.Now().UTC(),
	})
	return id
}

func (s *Server) Ping(ctx context.Context) error {
	_, err := s.Call(ctx, "/health", http.MethodGet, nil)
	return err
}

func (s *Server) Call(ctx context.Context, endpoint string, method string, body any) (json.RawMessage, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, apperrors.Invalid("endpoint", err.Error())
	}
	route, pathID := routeOf(method, u.Path)
	op := method + " " + endpoint

	s.mu.Lock()
	s.calls[route]++
	offline := s.offline
	latency := s.latency
	injected := s.takeFailure(route)
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, &apperrors.TransientNetworkError{Op: op, Err: ctx.Err()}
		case <-time.After(latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.TransientNetworkError{Op: op, Err: err}
	}
	if offline {
		return nil, &apperrors.TransientNetworkError{Op: op, Err: fmt.Errorf("dial tcp: connection refused")}
	}
	if injected != nil {
		return nil, injected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := u.Query()
	switch route {
	case RouteHealth:
		return encode(map[string]string{"status": "ok"})
	case RouteListSessions:
		return s.listSessions(q)
	case RouteCreateSession:
		return s.createSession(op, body)
	case RouteUpdateSession:
		return s.updateSession(op, pathID, body)
	case RouteListClosures:
		return s.listClosures(q)
	case RouteCreateClosure:
		return s.createClosure(op, body)
	case RouteListAdjustments:
		return s.listAdjustments(pathID, q)
	case RouteAdjustStock:
		return s.adjustStock(op, pathID, body)
	case RouteListMovements:
		return s.listMovements(q)
	case RouteCreateMovement:
		return s.createMovement(op, body)
	}
	return nil, &apperrors.ServerRejection{Op: op, StatusCode: http.StatusNotFound, Message: "no such route"}
}

func (s *Server) takeFailure(route string) error {
	if err, ok := s.failAll[route]; ok {
		return err
	}
	queue := s.failNext[route]
	if len(queue) == 0 {
		return nil
	}
	s.failNext[route] = queue[1:]
	return queue[0]
}

func routeOf(method string, path string) (string, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "sessions":
		return method + " /sessions/{id}", parts[1]
	case len(parts) == 3 && parts[0] == "stock" && parts[2] == "adjustments":
		return method + " /stock/{id}/adjustments", parts[1]
	case len(parts) == 2 && parts[0] == "stock":
		return method + " /stock/{id}", parts[1]
	}
	return method + " /" + strings.Join(parts, "/"), ""
}

func (s *Server) newID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

func (s *Server) listSessions(q url.Values) (json.RawMessage, error) {
	items := make([]transport.ServerSession, 0)
	for _, sess := range s.sessions {
		if v := q.Get("status"); v != "" && sess.Status != v {
			continue
		}
		if v := q.Get("operator"); v != "" && sess.OperatorID != v {
			continue
		}
		if v := q.Get("client_ref"); v != "" && sess.ClientRef != v {
			continue
		}
		items = append(items, sess)
	}
	return encode(transport.List[transport.ServerSession]{Items: items})
}

func (s *Server) createSession(op string, body any) (json.RawMessage, error) {
	var p transport.SessionPayload
	if err := decode(op, body, &p); err != nil {
		return nil, err
	}
	if p.ClientRef == "" || p.OperatorID == "" {
		return nil, reject(op, "client_ref and operator_id are required")
	}
	for _, sess := range s.sessions {
		if sess.OperatorID == p.OperatorID && sess.Status == "open" {
			return nil, &apperrors.ServerRejection{Op: op, StatusCode: http.StatusConflict, Message: "operator already has an open session"}
		}
	}
	sess := transport.ServerSession{
		ID:             s.newID(),
		ClientRef:      p.ClientRef,
		OperatorID:     p.OperatorID,
		Status:         "open",
		OpeningBalance: p.OpeningBalance,
		OpenedAt:       p.OpenedAt,
	}
	s.sessions = append(s.sessions, sess)
	return encode(transport.Created{ID: sess.ID})
}

func (s *Server) updateSession(op string, id string, body any) (json.RawMessage, error) {
	var p transport.SessionClosePayload
	if err := decode(op, body, &p); err != nil {
		return nil, err
	}
	for i := range s.sessions {
		if s.sessions[i].ID != id {
			continue
		}
		closedAt := p.ClosedAt
		balance := p.ClosingBalance
		s.sessions[i].Status = p.Status
		s.sessions[i].ClosedAt = &closedAt
		s.sessions[i].ClosingBalance = &balance
		return encode(s.sessions[i])
	}
	return nil, &apperrors.ServerRejection{Op: op, StatusCode: http.StatusNotFound, Message: "session not found"}
}

func (s *Server) listClosures(q url.Values) (json.RawMessage, error) {
	items := make([]transport.ServerClosure, 0)
	for _, c := range s.closures {
		if v := q.Get("session_id"); v != "" && c.SessionID != v {
			continue
		}
		items = append(items, c)
	}
	return encode(transport.List[transport.ServerClosure]{Items: items})
}

func (s *Server) createClosure(op string, body any) (json.RawMessage, error) {
	var p transport.ClosurePayload
	if err := decode(op, body, &p); err != nil {
		return nil, err
	}
	if !s.hasSession(p.SessionID) {
		return nil, reject(op, "unknown session "+p.SessionID)
	}
	for _, c := range s.closures {
		if c.SessionID == p.SessionID {
			return nil, &apperrors.ServerRejection{Op: op, StatusCode: http.StatusConflict, Message: "session already closed out"}
		}
	}
	c := transport.ServerClosure{ID: s.newID(), ClientRef: p.ClientRef, SessionID: p.SessionID}
	s.closures = append(s.closures, c)
	return encode(transport.Created{ID: c.ID})
}

func (s *Server) listAdjustments(productID string, q url.Values) (json.RawMessage, error) {
	items := make([]transport.ServerStockAdjustment, 0)
	for _, a := range s.adjustments[productID] {
		if v := q.Get("client_ref"); v != "" && a.ClientRef != v {
			continue
		}
		items = append(items, a)
	}
	return encode(transport.List[transport.ServerStockAdjustment]{Items: items})
}

func (s *Server) adjustStock(op string, productID string, body any) (json.RawMessage, error) {
	var p transport.StockAdjustmentPayload
	if err := decode(op, body, &p); err != nil {
		return nil, err
	}
	if p.Delta == 0 {
		return nil, reject(op, "delta must be non-zero")
	}
	a := transport.ServerStockAdjustment{ID: s.newID(), ClientRef: p.ClientRef, ProductID: productID, Delta: p.Delta}
	s.adjustments[productID] = append(s.adjustments[productID], a)
	s.stock[productID] += p.Delta
	return encode(transport.Created{ID: a.ID})
}

func (s *Server) listMovements(q url.Values) (json.RawMessage, error) {
	items := make([]transport.ServerMovement, 0)
	for _, m := range s.movements {
		if v := q.Get("client_ref"); v != "" && m.ClientRef != v {
			continue
		}
		items = append(items, m)
	}
	return encode(transport.List[transport.ServerMovement]{Items: items})
}

func (s *Server) createMovement(op string, body any) (json.RawMessage, error) {
	var p transport.MovementPayload
	if err := decode(op, body, &p); err != nil {
		return nil, err
	}
	if !s.hasSession(p.SessionID) {
		return nil, reject(op, "unknown session "+p.SessionID)
	}
	m := transport.ServerMovement{ID: s.newID(), ClientRef: p.ClientRef, SessionID: p.SessionID}
	s.movements = append(s.movements, m)
	return encode(transport.Created{ID: m.ID})
}

func (s *Server) hasSession(id string) bool {
	for _, sess := range s.sessions {
		if sess.ID == id {
			return true
		}
	}
	return false
}

func reject(op string, message string) error {
	return &apperrors.ServerRejection{Op: op, StatusCode: http.StatusUnprocessableEntity, Message: message}
}

// decode round-trips body through JSON, as the wire would.
func decode(op string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return reject(op, err.Error())
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &apperrors.ServerRejection{Op: op, StatusCode: http.StatusBadRequest, Message: err.Error()}
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
