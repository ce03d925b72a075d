package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/service"
	"kasirinaja/kiosk/internal/syncer"
)

// SyncRunner is the part of the sync orchestrator the API exposes.
type SyncRunner interface {
	Status(ctx context.Context) (domain.StatusSnapshot, error)
	Trigger()
	RunPass(ctx context.Context) (syncer.PassResult, error)
}

type API struct {
	kiosk         *service.Kiosk
	sync          SyncRunner
	auth          *AuthManager
	allowedOrigin string
	pinLimiter    *attemptLimiter
	logger        *slog.Logger
}

func New(kiosk *service.Kiosk, sync SyncRunner, auth *AuthManager, allowedOrigin string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		kiosk:         kiosk,
		sync:          sync,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		logger:        logger.With(slog.String("component", "httpapi")),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth(RoleCashier, RoleAdmin))

		r.Get("/sync/status", a.handleSyncStatus)
		r.Post("/sync/run", a.handleSyncRun)

		r.Post("/sessions", a.handleOpenSession)
		r.Get("/sessions/active", a.handleActiveSession)
		r.Post("/sessions/{id}/close", a.handleCloseSession)

		r.Post("/sales", a.handleRecordSale)
		r.Post("/sales/{id}/void", a.handleVoidSale)

		r.Post("/stock/adjustments", a.handleAdjustStock)
		r.Get("/stock/low", a.handleLowStock)

		r.Post("/cash-movements", a.handleRecordMovement)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleAdmin))
			r.Put("/products/{id}", a.handleUpsertProduct)
			r.Post("/maintenance/purge-sessions", a.handlePurgeSessions)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.sync.Status(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSyncRun triggers a pass. With ?wait=true it blocks until the pass (or
// the follow-up pass it was folded into) finishes and returns its result.
func (a *API) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") != "true" {
		a.sync.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
		return
	}

	result, err := a.sync.RunPass(r.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req.OperatorID = operatorFor(r, req.OperatorID)

	session, err := a.kiosk.OpenSession(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// operatorFor pins the operator to the token subject. Only an admin may act
// for another operator.
func operatorFor(r *http.Request, requested string) string {
	requested = strings.TrimSpace(requested)
	actor, ok := service.ActorFromContext(r.Context())
	if !ok {
		return requested
	}
	if actor.Role == RoleAdmin && requested != "" {
		return requested
	}
	return actor.OperatorID
}

func (a *API) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	operatorID := operatorFor(r, r.URL.Query().Get("operator_id"))

	session, err := a.kiosk.Sessions.ActiveForOperator(r.Context(), operatorID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	var req domain.CloseSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.SessionID = chi.URLParam(r, "id")

	resp, err := a.kiosk.CloseSession(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var req domain.RecordSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req.OperatorID = operatorFor(r, req.OperatorID)

	sale, err := a.kiosk.RecordSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.SaleResponse{Sale: sale})
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		return
	}

	var req domain.VoidSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.SaleID = chi.URLParam(r, "id")

	sale, err := a.kiosk.VoidSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SaleResponse{Sale: sale})
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req.OperatorID = operatorFor(r, req.OperatorID)

	adj, err := a.kiosk.AdjustStock(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, adj)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	items, err := a.kiosk.Stock.LowStock(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.RecordMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req.OperatorID = operatorFor(r, req.OperatorID)

	movement, err := a.kiosk.RecordMovement(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, movement)
}

func (a *API) handleUpsertProduct(w http.ResponseWriter, r *http.Request) {
	var product domain.Product
	if err := decodeJSON(r, &product); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product.ProductID = chi.URLParam(r, "id")

	saved, err := a.kiosk.Stock.UpsertProduct(r.Context(), product)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) handlePurgeSessions(w http.ResponseWriter, r *http.Request) {
	olderThan := 30 * 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("older_than")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("older_than must be a non-negative duration"))
			return
		}
		olderThan = parsed
	}

	purged, err := a.kiosk.Sessions.PurgeSynced(r.Context(), olderThan)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("latency", time.Since(startedAt)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("internal error", slog.Int("status", status), slog.Any("error", err))
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are meant for the operator.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
