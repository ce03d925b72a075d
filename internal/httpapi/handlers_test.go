package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/kiosk/internal/connectivity"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/service"
	"kasirinaja/kiosk/internal/store/memory"
	"kasirinaja/kiosk/internal/syncer"
	"kasirinaja/kiosk/internal/transport/transporttest"
)

type testEnv struct {
	handler http.Handler
	kiosk   *service.Kiosk
	server  *transporttest.Server
	conn    *connectivity.Static
	auth    *AuthManager
}

// newTestEnv builds the full API over an in-memory store and fake server so
// handler tests exercise the complete request path.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s := memory.NewKiosk()
	conn := connectivity.NewStatic(false)
	srv := transporttest.New()
	pin, err := service.NewManagerPIN("123456")
	if err != nil {
		t.Fatalf("manager pin: %v", err)
	}
	k := service.NewKiosk(s, service.NewTransportSessionChecker(srv, time.Second), conn, pin, nil)
	if _, err := k.Stock.UpsertProduct(context.Background(), domain.Product{
		ProductID: "coffee", Name: "Coffee", Quantity: 10, ReorderThreshold: 12, Active: true,
		UnitPrice: decimal.RequireFromString("12.50"), UnitCost: decimal.RequireFromString("4.00"),
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	pipeline, err := syncer.DefaultPipeline(k.Sessions, k.Closures, k.Sales, k.Stock, k.Movements)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	orch := syncer.New(pipeline, srv, s, conn, nil, syncer.Options{}, nil)
	auth := NewAuthManager("test-secret-key", time.Hour)

	return &testEnv{
		handler: New(k, orch, auth, "*", nil).Handler(),
		kiosk:   k,
		server:  srv,
		conn:    conn,
		auth:    auth,
	}
}

func (e *testEnv) token(t *testing.T, operatorID string, role string) string {
	t.Helper()
	token, _, err := e.auth.Issue(operatorID, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method string, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, "")
	expectStatus(t, rec, http.StatusOK)

	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/sync/status", nil, ""), http.StatusUnauthorized)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/sync/status", nil, "not-a-jwt"), http.StatusUnauthorized)
}

func TestAdminRoutesRejectCashier(t *testing.T) {
	env := newTestEnv(t)
	product := map[string]any{"name": "Tea", "quantity": 5, "reorder_threshold": 1, "active": true, "unit_price": "3.00", "unit_cost": "1.00"}

	rec := env.do(t, http.MethodPut, "/api/v1/products/tea", product, env.token(t, "op-7", RoleCashier))
	expectStatus(t, rec, http.StatusForbidden)

	rec = env.do(t, http.MethodPut, "/api/v1/products/tea", product, env.token(t, "boss", RoleAdmin))
	expectStatus(t, rec, http.StatusOK)
	saved := decodeBody[domain.Product](t, rec)
	if saved.ProductID != "tea" || saved.Quantity != 5 {
		t.Fatalf("unexpected product %+v", saved)
	}
}

func TestSessionSaleCloseFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "op-7", RoleCashier)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"opening_balance": "100.00"}, token)
	expectStatus(t, rec, http.StatusCreated)
	session := decodeBody[domain.CashSession](t, rec)
	if session.OperatorID != "op-7" {
		t.Fatalf("expected operator from token, got %q", session.OperatorID)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/active", nil, token)
	expectStatus(t, rec, http.StatusOK)
	if active := decodeBody[domain.CashSession](t, rec); active.LocalID != session.LocalID {
		t.Fatalf("expected active session %s, got %s", session.LocalID, active.LocalID)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/sales", map[string]any{
		"session_id":     session.LocalID,
		"payment_method": "cash",
		"lines":          []map[string]any{{"product_id": "coffee", "quantity": 2}},
	}, token)
	expectStatus(t, rec, http.StatusCreated)
	sale := decodeBody[domain.SaleResponse](t, rec).Sale
	if got := sale.Total.StringFixed(2); got != "25.00" {
		t.Fatalf("expected sale total 25.00, got %s", got)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/cash-movements", map[string]any{
		"session_id": session.LocalID, "type": "deposit", "amount": "5.00",
	}, token)
	expectStatus(t, rec, http.StatusCreated)

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+session.LocalID+"/close", map[string]any{"declared_balance": "130.00"}, token)
	expectStatus(t, rec, http.StatusOK)
	closed := decodeBody[domain.CloseSessionResponse](t, rec)
	if closed.Session.Status != domain.SessionClosed {
		t.Fatalf("expected closed session, got %s", closed.Session.Status)
	}
	if got := closed.Closure.TheoreticalBalance.StringFixed(2); got != "130.00" {
		t.Fatalf("expected theoretical 130.00, got %s", got)
	}
	if got := closed.Closure.Variance.StringFixed(2); got != "0.00" {
		t.Fatalf("expected variance 0.00, got %s", got)
	}
}

func TestCashierCannotActForAnotherOperator(t *testing.T) {
	env := newTestEnv(t)
	other := env.token(t, "op-9", RoleCashier)
	token := env.token(t, "op-7", RoleCashier)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"opening_balance": "20.00"}, other)
	expectStatus(t, rec, http.StatusCreated)

	rec = env.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"operator_id": "op-9", "opening_balance": "100.00"}, token)
	expectStatus(t, rec, http.StatusCreated)
	session := decodeBody[domain.CashSession](t, rec)
	if session.OperatorID != "op-7" {
		t.Fatalf("expected session owned by the token subject, got %q", session.OperatorID)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/cash-movements", map[string]any{
		"session_id": session.LocalID, "operator_id": "op-9", "type": "deposit", "amount": "5.00",
	}, token)
	expectStatus(t, rec, http.StatusCreated)
	if movement := decodeBody[domain.PendingCashMovement](t, rec); movement.OperatorID != "op-7" {
		t.Fatalf("expected movement recorded as op-7, got %q", movement.OperatorID)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/active?operator_id=op-9", nil, token)
	expectStatus(t, rec, http.StatusOK)
	if active := decodeBody[domain.CashSession](t, rec); active.LocalID != session.LocalID {
		t.Fatalf("expected own active session %s, got %s", session.LocalID, active.LocalID)
	}

	admin := env.token(t, "mgr-1", RoleAdmin)
	rec = env.do(t, http.MethodGet, "/api/v1/sessions/active?operator_id=op-9", nil, admin)
	expectStatus(t, rec, http.StatusOK)
	if active := decodeBody[domain.CashSession](t, rec); active.OperatorID != "op-9" {
		t.Fatalf("expected admin to read op-9's session, got %q", active.OperatorID)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "op-7", RoleCashier)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"opening_balance": "50"}, token)
	expectStatus(t, rec, http.StatusCreated)
	session := decodeBody[domain.CashSession](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/sales", map[string]any{
		"session_id": session.LocalID, "payment_method": "cash",
		"lines": []map[string]any{{"product_id": "coffee", "quantity": 1}},
	}, token)
	expectStatus(t, rec, http.StatusCreated)
	sale := decodeBody[domain.SaleResponse](t, rec).Sale

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "second open session", method: http.MethodPost, path: "/api/v1/sessions", body: map[string]any{"opening_balance": "10"}, want: http.StatusConflict},
		{name: "insufficient stock", method: http.MethodPost, path: "/api/v1/sales", body: map[string]any{
			"session_id": session.LocalID, "payment_method": "cash",
			"lines": []map[string]any{{"product_id": "coffee", "quantity": 100}},
		}, want: http.StatusUnprocessableEntity},
		{name: "missing payment method", method: http.MethodPost, path: "/api/v1/sales", body: map[string]any{
			"session_id": session.LocalID,
			"lines":      []map[string]any{{"product_id": "coffee", "quantity": 1}},
		}, want: http.StatusBadRequest},
		{name: "unknown session", method: http.MethodPost, path: "/api/v1/sessions/sess-missing/close", body: map[string]any{"declared_balance": "0"}, want: http.StatusNotFound},
		{name: "wrong manager pin", method: http.MethodPost, path: "/api/v1/sales/" + sale.LocalID + "/void", body: map[string]any{"manager_pin": "000000"}, want: http.StatusForbidden},
		{name: "unknown field", method: http.MethodPost, path: "/api/v1/cash-movements", body: map[string]any{"session_id": session.LocalID, "kind": "deposit"}, want: http.StatusBadRequest},
		{name: "purge needs admin", method: http.MethodPost, path: "/api/v1/maintenance/purge-sessions", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body, token)
			expectStatus(t, rec, tt.want)
			if body := decodeBody[map[string]any](t, rec); body["error"] == "" {
				t.Fatalf("expected an error message")
			}
		})
	}
}

func TestVoidSaleRestocks(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "op-7", RoleCashier)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"opening_balance": "0"}, token)
	session := decodeBody[domain.CashSession](t, rec)
	rec = env.do(t, http.MethodPost, "/api/v1/sales", map[string]any{
		"session_id": session.LocalID, "payment_method": "card",
		"lines": []map[string]any{{"product_id": "coffee", "quantity": 3}},
	}, token)
	expectStatus(t, rec, http.StatusCreated)
	sale := decodeBody[domain.SaleResponse](t, rec).Sale

	rec = env.do(t, http.MethodPost, "/api/v1/sales/"+sale.LocalID+"/void", map[string]any{"manager_pin": "123456", "reason": "wrong item"}, token)
	expectStatus(t, rec, http.StatusOK)
	if voided := decodeBody[domain.SaleResponse](t, rec).Sale; !voided.IsVoided() {
		t.Fatalf("expected sale to be voided, got %s", voided.Status)
	}

	product, err := env.kiosk.Stock.GetProduct(context.Background(), "coffee")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Quantity != 10 {
		t.Fatalf("expected stock restored to 10, got %d", product.Quantity)
	}
}

func TestLowStockAndAdjustments(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "op-7", RoleCashier)

	rec := env.do(t, http.MethodGet, "/api/v1/stock/low", nil, token)
	expectStatus(t, rec, http.StatusOK)
	low := decodeBody[struct {
		Items []domain.Product `json:"items"`
	}](t, rec)
	if len(low.Items) != 1 || low.Items[0].ProductID != "coffee" {
		t.Fatalf("expected coffee below its reorder threshold, got %+v", low.Items)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/stock/adjustments", map[string]any{
		"product_id": "coffee", "delta": 5, "reason": "restock",
	}, token)
	expectStatus(t, rec, http.StatusCreated)

	rec = env.do(t, http.MethodGet, "/api/v1/stock/low", nil, token)
	low = decodeBody[struct {
		Items []domain.Product `json:"items"`
	}](t, rec)
	if len(low.Items) != 0 {
		t.Fatalf("expected nothing below threshold after restock, got %+v", low.Items)
	}
}

func TestSyncEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "op-7", RoleCashier)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"opening_balance": "20"}, token)
	session := decodeBody[domain.CashSession](t, rec)
	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+session.LocalID+"/close", map[string]any{"declared_balance": "20"}, token)
	expectStatus(t, rec, http.StatusOK)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/status", nil, token)
	expectStatus(t, rec, http.StatusOK)
	status := decodeBody[domain.StatusSnapshot](t, rec)
	if status.IsOnline || status.PendingCounts[domain.EntitySession] != 1 || status.PendingCounts[domain.EntityClosure] != 1 {
		t.Fatalf("unexpected offline status %+v", status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/sync/run?wait=true", nil, token)
	expectStatus(t, rec, http.StatusOK)
	if result := decodeBody[syncer.PassResult](t, rec); result.State != syncer.StateHardFailure {
		t.Fatalf("expected offline pass to be a hard failure, got %s", result.State)
	}

	env.conn.GoOnline()
	rec = env.do(t, http.MethodPost, "/api/v1/sync/run?wait=true", nil, token)
	expectStatus(t, rec, http.StatusOK)
	if result := decodeBody[syncer.PassResult](t, rec); result.State != syncer.StateSuccess {
		t.Fatalf("expected success, got %s (%v)", result.State, result.Errors)
	}
	if got := len(env.server.Sessions()); got != 1 {
		t.Fatalf("expected 1 session on the server, got %d", got)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/sync/run", nil, token)
	expectStatus(t, rec, http.StatusAccepted)
}

func TestPurgeSessions(t *testing.T) {
	env := newTestEnv(t)
	cashier := env.token(t, "op-7", RoleCashier)
	admin := env.token(t, "boss", RoleAdmin)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"opening_balance": "0"}, cashier)
	session := decodeBody[domain.CashSession](t, rec)
	env.do(t, http.MethodPost, "/api/v1/sessions/"+session.LocalID+"/close", map[string]any{"declared_balance": "0"}, cashier)
	env.conn.GoOnline()
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/sync/run?wait=true", nil, cashier), http.StatusOK)

	rec = env.do(t, http.MethodPost, "/api/v1/maintenance/purge-sessions?older_than=0s", nil, admin)
	expectStatus(t, rec, http.StatusOK)
	body := decodeBody[map[string]any](t, rec)
	if body["purged"] != float64(1) {
		t.Fatalf("expected 1 purged session, got %v", body["purged"])
	}
}
