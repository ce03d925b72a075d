package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/connectivity"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
	"kasirinaja/kiosk/internal/transport"
)

// RemoteSessionChecker asks the server whether an operator already has an
// open session on another terminal.
type RemoteSessionChecker interface {
	HasOpenSession(ctx context.Context, operatorID string) (bool, error)
}

type SessionController struct {
	ledger[domain.CashSession, *domain.CashSession]
	remote RemoteSessionChecker
	conn   connectivity.Source
	logger *slog.Logger
}

// NewSessionController wires the session controller. remote and conn are
// optional; without them the open guard is local only.
func NewSessionController(s store.Store, remote RemoteSessionChecker, conn connectivity.Source, logger *slog.Logger) *SessionController {
	return &SessionController{
		ledger: newLedger[domain.CashSession](s, store.CashSessions, &sync.Mutex{}),
		remote: remote,
		conn:   conn,
		logger: componentLogger(logger, "sessions"),
	}
}

func (c *SessionController) Open(ctx context.Context, req domain.OpenSessionRequest) (domain.CashSession, error) {
	req.OperatorID = operatorFor(ctx, req.OperatorID)
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if err := validateRequest(req); err != nil {
		return domain.CashSession{}, err
	}
	if req.OpeningBalance.IsNegative() {
		return domain.CashSession{}, apperrors.Invalid("opening_balance", "must not be negative")
	}

	if c.openOnServer(ctx, req.OperatorID) {
		return domain.CashSession{}, fmt.Errorf("%w (on server)", apperrors.ErrSessionAlreadyOpen)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.activeFor(ctx, req.OperatorID); err == nil {
		return domain.CashSession{}, apperrors.ErrSessionAlreadyOpen
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return domain.CashSession{}, err
	}

	now := c.now().UTC()
	session := domain.CashSession{
		Meta:           domain.NewMeta("sess", now),
		OperatorID:     req.OperatorID,
		TerminalID:     req.TerminalID,
		OpeningBalance: req.OpeningBalance.Round(2),
		Status:         domain.SessionOpen,
		OpenedAt:       now,
	}
	if err := store.Save(ctx, c.store, store.CashSessions, session); err != nil {
		return domain.CashSession{}, err
	}

	c.logger.Info("session opened",
		slog.String("session_id", session.LocalID),
		slog.String("operator_id", session.OperatorID),
		slog.String("opening_balance", session.OpeningBalance.StringFixed(2)),
	)
	return session, nil
}

// openOnServer is best effort: any failure to ask counts as "no".
func (c *SessionController) openOnServer(ctx context.Context, operatorID string) bool {
	if c.remote == nil || (c.conn != nil && !c.conn.Online()) {
		return false
	}
	open, err := c.remote.HasOpenSession(ctx, operatorID)
	if err != nil {
		c.logger.Warn("WARN: failed to check open sessions on server", slog.String("operator_id", operatorID), slog.Any("error", err))
		return false
	}
	return open
}

// Close flips an open session to closed. It does not compute a closure; the
// Kiosk facade sequences that.
func (c *SessionController) Close(ctx context.Context, localID string, closingBalance decimal.Decimal) (domain.CashSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.get(ctx, localID)
	if err != nil {
		return domain.CashSession{}, err
	}
	if err := session.Close(closingBalance, c.now()); err != nil {
		return domain.CashSession{}, err
	}
	if err := store.Save(ctx, c.store, store.CashSessions, session); err != nil {
		return domain.CashSession{}, err
	}
	c.logger.Info("session closed", slog.String("session_id", session.LocalID), slog.String("closing_balance", session.ClosingBalance.StringFixed(2)))
	return session, nil
}

func (c *SessionController) Get(ctx context.Context, localID string) (domain.CashSession, error) {
	return c.get(ctx, localID)
}

func (c *SessionController) ActiveForOperator(ctx context.Context, operatorID string) (domain.CashSession, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return domain.CashSession{}, apperrors.Invalid("operator_id", "is required")
	}
	return c.activeFor(ctx, operatorID)
}

func (c *SessionController) activeFor(ctx context.Context, operatorID string) (domain.CashSession, error) {
	sessions, err := store.LoadByIndex[domain.CashSession](ctx, c.store, store.CashSessions, store.IndexOperator, operatorID)
	if err != nil {
		return domain.CashSession{}, err
	}
	for _, s := range sessions {
		if s.IsOpen() {
			return s, nil
		}
	}
	return domain.CashSession{}, apperrors.ErrNotFound
}

func (c *SessionController) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]domain.CashSession, error) {
	return store.LoadByIndex[domain.CashSession](ctx, c.store, store.CashSessions, store.IndexStatus, string(status))
}

// ListPendingSync returns closed sessions not yet synced. Open sessions wait
// until they are closed.
func (c *SessionController) ListPendingSync(ctx context.Context) ([]domain.CashSession, error) {
	pending, err := c.ledger.ListPendingSync(ctx)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, s := range pending {
		if !s.IsOpen() {
			out = append(out, s)
		}
	}
	return out, nil
}

// PurgeSynced deletes closed, synced sessions closed before now-olderThan.
func (c *SessionController) PurgeSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	closed, err := c.ListByStatus(ctx, domain.SessionClosed)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-olderThan)
	purged := 0
	for _, s := range closed {
		if !s.Sync.IsSynced() || s.ClosedAt == nil || s.ClosedAt.After(cutoff) {
			continue
		}
		if err := c.store.Delete(ctx, store.CashSessions, s.LocalID); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		c.logger.Info("purged synced sessions", slog.Int("count", purged))
	}
	return purged, nil
}

// TransportSessionChecker answers the open guard through the sync transport.
type TransportSessionChecker struct {
	transport transport.Transport
	timeout   time.Duration
}

func NewTransportSessionChecker(t transport.Transport, timeout time.Duration) *TransportSessionChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TransportSessionChecker{transport: t, timeout: timeout}
}

func (c *TransportSessionChecker) HasOpenSession(ctx context.Context, operatorID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := transport.Endpoint("/sessions", url.Values{"status": {"open"}, "operator": {operatorID}})
	raw, err := c.transport.Call(ctx, endpoint, http.MethodGet, nil)
	if err != nil {
		return false, err
	}
	list, err := transport.Decode[transport.List[transport.ServerSession]](raw)
	if err != nil {
		return false, err
	}
	return len(list.Items) > 0, nil
}
