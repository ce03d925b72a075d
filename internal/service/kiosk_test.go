package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/connectivity"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
	"kasirinaja/kiosk/internal/store/memory"
	"kasirinaja/kiosk/internal/transport/transporttest"
)

const testPIN = "2468"

func dec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return d
}

func newTestKiosk(t *testing.T) (*Kiosk, *memory.Store) {
	t.Helper()
	s := memory.NewKiosk()
	return newKioskOn(t, s), s
}

func newKioskOn(t *testing.T, s store.Store) *Kiosk {
	t.Helper()
	pin, err := NewManagerPIN(testPIN)
	require.NoError(t, err)
	k := NewKiosk(s, nil, nil, pin, nil)

	ctx := context.Background()
	for _, p := range []domain.Product{
		{ProductID: "coffee", Name: "Coffee", Quantity: 20, ReorderThreshold: 5, Active: true, UnitPrice: dec(t, "25.50"), UnitCost: dec(t, "10.00")},
		{ProductID: "bagel", Name: "Bagel", Quantity: 3, ReorderThreshold: 4, Active: true, UnitPrice: dec(t, "4.25"), UnitCost: dec(t, "1.50")},
		{ProductID: "tea", Name: "Tea", Quantity: 10, ReorderThreshold: 2, Active: false, UnitPrice: dec(t, "3.00"), UnitCost: dec(t, "0.50")},
	} {
		_, err := k.Stock.UpsertProduct(ctx, p)
		require.NoError(t, err)
	}
	return k
}

// hookStore runs beforePut ahead of every write.
type hookStore struct {
	store.Store
	beforePut func(collection string) error
}

func (h *hookStore) Put(ctx context.Context, collection string, rec store.Record) error {
	if h.beforePut != nil {
		if err := h.beforePut(collection); err != nil {
			return err
		}
	}
	return h.Store.Put(ctx, collection, rec)
}

func openSession(t *testing.T, k *Kiosk, operator string, opening string) domain.CashSession {
	t.Helper()
	session, err := k.OpenSession(context.Background(), domain.OpenSessionRequest{OperatorID: operator, OpeningBalance: dec(t, opening)})
	require.NoError(t, err)
	return session
}

func sell(t *testing.T, k *Kiosk, sessionID string, method domain.PaymentMethod, productID string, qty int) domain.Sale {
	t.Helper()
	sale, err := k.RecordSale(context.Background(), domain.RecordSaleRequest{
		SessionID:     sessionID,
		PaymentMethod: method,
		Lines:         []domain.SaleLineInput{{ProductID: productID, Quantity: qty}},
	})
	require.NoError(t, err)
	return sale
}

func TestRoundTripClosureTotals(t *testing.T) {
	k, _ := newTestKiosk(t)
	ctx := context.Background()

	session := openSession(t, k, "7", "100.00")
	sale := sell(t, k, session.LocalID, domain.PaymentCash, "coffee", 1)
	assert.Equal(t, "25.50", sale.Total.StringFixed(2))

	resp, err := k.CloseSession(ctx, domain.CloseSessionRequest{SessionID: session.LocalID, DeclaredBalance: dec(t, "125.50")})
	require.NoError(t, err)

	totals := resp.Closure.ClosureTotals
	assert.Equal(t, "25.50", totals.TotalCash.StringFixed(2))
	assert.Equal(t, "125.50", totals.TheoreticalBalance.StringFixed(2))
	assert.Equal(t, "0.00", totals.Variance.StringFixed(2))
	assert.Equal(t, "15.50", totals.GrossMargin.StringFixed(2))
	assert.Equal(t, 1, totals.SaleCount)
	assert.Equal(t, domain.SessionClosed, resp.Session.Status)
	require.NotNil(t, resp.Session.ClosingBalance)
	assert.Equal(t, "125.50", resp.Session.ClosingBalance.StringFixed(2))
}

func TestOpenSessionTwiceConflicts(t *testing.T) {
	k, s := newTestKiosk(t)
	ctx := context.Background()
	openSession(t, k, "7", "50.00")

	_, err := k.OpenSession(ctx, domain.OpenSessionRequest{OperatorID: "7", OpeningBalance: dec(t, "10.00")})
	require.ErrorIs(t, err, apperrors.ErrSessionAlreadyOpen)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	all, err := s.GetAll(ctx, store.CashSessions)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	other := openSession(t, k, "8", "0")
	assert.Equal(t, "8", other.OperatorID)
}

func TestOpenSessionRemoteGuard(t *testing.T) {
	srv := transporttest.New()
	srv.SeedOpenSession("7")
	conn := connectivity.NewStatic(true)
	sessions := NewSessionController(memory.NewKiosk(), NewTransportSessionChecker(srv, 0), conn, nil)
	ctx := context.Background()

	_, err := sessions.Open(ctx, domain.OpenSessionRequest{OperatorID: "7"})
	require.ErrorIs(t, err, apperrors.ErrSessionAlreadyOpen)
	assert.Equal(t, 1, srv.Calls(transporttest.RouteListSessions))

	conn.GoOffline()
	_, err = sessions.Open(ctx, domain.OpenSessionRequest{OperatorID: "7"})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Calls(transporttest.RouteListSessions))
}

func TestOpenSessionRemoteFailureIsIgnored(t *testing.T) {
	srv := transporttest.New()
	srv.FailNext(transporttest.RouteListSessions, transporttest.Unavailable(transporttest.RouteListSessions))
	sessions := NewSessionController(memory.NewKiosk(), NewTransportSessionChecker(srv, 0), connectivity.NewStatic(true), nil)

	_, err := sessions.Open(context.Background(), domain.OpenSessionRequest{OperatorID: "9"})
	require.NoError(t, err)
}

func TestOpenSessionValidation(t *testing.T) {
	k, s := newTestKiosk(t)
	ctx := context.Background()

	_, err := k.OpenSession(ctx, domain.OpenSessionRequest{})
	var verr *apperrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "operator_id", verr.Field)

	_, err = k.OpenSession(ctx, domain.OpenSessionRequest{OperatorID: "7", OpeningBalance: dec(t, "-1")})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	all, err := s.GetAll(ctx, store.CashSessions)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOpenSessionUsesActorFromContext(t *testing.T) {
	k, _ := newTestKiosk(t)
	ctx := WithActor(context.Background(), domain.Actor{OperatorID: "42", Role: "cashier"})

	session, err := k.OpenSession(ctx, domain.OpenSessionRequest{OpeningBalance: dec(t, "5")})
	require.NoError(t, err)
	assert.Equal(t, "42", session.OperatorID)
}

func TestCloseSessionTwiceKeepsOneClosure(t *testing.T) {
	k, s := newTestKiosk(t)
	ctx := context.Background()
	session := openSession(t, k, "7", "100.00")

	_, err := k.CloseSession(ctx, domain.CloseSessionRequest{SessionID: session.LocalID, DeclaredBalance: dec(t, "100.00")})
	require.NoError(t, err)

	_, err = k.CloseSession(ctx, domain.CloseSessionRequest{SessionID: session.LocalID, DeclaredBalance: dec(t, "100.00")})
	require.ErrorIs(t, err, apperrors.ErrSessionAlreadyClosed)

	closures, err := s.GetByIndex(ctx, store.ClosuresPending, store.IndexOwningSession, session.LocalID)
	require.NoError(t, err)
	assert.Len(t, closures, 1)
}

func TestCloseSessionFinishesWhenClosureAlreadyStored(t *testing.T) {
	k, s := newTestKiosk(t)
	ctx := context.Background()
	session := openSession(t, k, "7", "10.00")

	totals, err := k.Closures.Compute(ctx, session, dec(t, "10.00"))
	require.NoError(t, err)
	_, err = k.Closures.Save(ctx, session, totals)
	require.NoError(t, err)

	resp, err := k.CloseSession(ctx, domain.CloseSessionRequest{SessionID: session.LocalID, DeclaredBalance: dec(t, "10.00")})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionClosed, resp.Session.Status)

	closures, err := s.GetAll(ctx, store.ClosuresPending)
	require.NoError(t, err)
	assert.Len(t, closures, 1)
}

func TestClosureAccountsForMovementsAndMethods(t *testing.T) {
	k, _ := newTestKiosk(t)
	ctx := context.Background()
	session := openSession(t, k, "7", "100.00")

	sell(t, k, session.LocalID, domain.PaymentCash, "coffee", 2)
	sell(t, k, session.LocalID, domain.PaymentCard, "bagel", 1)
	sell(t, k, session.LocalID, domain.PaymentTransfer, "coffee", 1)

	for _, m := range []domain.RecordMovementRequest{
		{SessionID: session.LocalID, Type: domain.MovementDeposit, Amount: dec(t, "20.00")},
		{SessionID: session.LocalID, Type: domain.MovementWithdrawal, Amount: dec(t, "5.00")},
		{SessionID: session.LocalID, Type: domain.MovementPendingPayment, Amount: dec(t, "7.25")},
	} {
		_, err := k.RecordMovement(ctx, m)
		require.NoError(t, err)
	}

	resp, err := k.CloseSession(ctx, domain.CloseSessionRequest{SessionID: session.LocalID, DeclaredBalance: dec(t, "160.00")})
	require.NoError(t, err)
	totals := resp.Closure.ClosureTotals

	assert.Equal(t, 3, totals.SaleCount)
	assert.Equal(t, "51.00", totals.TotalCash.StringFixed(2))
	assert.Equal(t, "4.25", totals.TotalCard.StringFixed(2))
	assert.Equal(t, "25.50", totals.TotalTransfer.StringFixed(2))
	assert.Equal(t, "7.25", totals.PendingPayments.StringFixed(2))
	// 100 + 51 + 20 - 5
	assert.Equal(t, "166.00", totals.TheoreticalBalance.StringFixed(2))
	assert.Equal(t, "-6.00", totals.Variance.StringFixed(2))
}

func TestVoidedSaleExcludedFromClosureAndRestocked(t *testing.T) {
	k, _ := newTestKiosk(t)
	ctx := context.Background()
	session := openSession(t, k, "7", "0")

	keep := sell(t, k, session.LocalID, domain.PaymentCash, "coffee", 1)
	drop := sell(t, k, session.LocalID, domain.PaymentCash, "coffee", 2)

	p, err := k.Stock.GetProduct(ctx, "coffee")
	require.NoError(t, err)
	assert.Equal(t, 17, p.Quantity)

	_, err = k.VoidSale(ctx, domain.VoidSaleRequest{SaleID: drop.LocalID, ManagerPIN: "0000"})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	voided, err := k.VoidSale(ctx, domain.VoidSaleRequest{SaleID: drop.LocalID, Reason: "customer changed mind", ManagerPIN: testPIN})
	require.NoError(t, err)
	assert.True(t, voided.IsVoided())

	_, err = k.VoidSale(ctx, domain.VoidSaleRequest{SaleID: drop.LocalID, ManagerPIN: testPIN})
	require.ErrorIs(t, err, apperrors.ErrSaleVoided)

	p, err = k.Stock.GetProduct(ctx, "coffee")
	require.NoError(t, err)
	assert.Equal(t, 19, p.Quantity)

	totals, err := k.Closures.Compute(ctx, session, keep.Total)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.SaleCount)
	assert.Equal(t, 1, totals.VoidedCount)
	assert.Equal(t, keep.Total.StringFixed(2), totals.TotalCash.StringFixed(2))
}

func TestRecordSaleRejectsWithoutTouchingStock(t *testing.T) {
	k, s := newTestKiosk(t)
	ctx := context.Background()
	session := openSession(t, k, "7", "0")

	_, err := k.RecordSale(ctx, domain.RecordSaleRequest{SessionID: session.LocalID, PaymentMethod: domain.PaymentCash})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = k.RecordSale(ctx, domain.RecordSaleRequest{SessionID: session.LocalID, PaymentMethod: "crypto", Lines: []domain.SaleLineInput{{ProductID: "coffee", Quantity: 1}}})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = k.RecordSale(ctx, domain.RecordSaleRequest{SessionID: session.LocalID, PaymentMethod: domain.PaymentCash, Lines: []domain.SaleLineInput{{ProductID: "bagel", Quantity: 4}}})
	require.ErrorIs(t, err, apperrors.ErrInsufficientStock)

	_, err = k.RecordSale(ctx, domain.RecordSaleRequest{SessionID: session.LocalID, PaymentMethod: domain.PaymentCash, Lines: []domain.SaleLineInput{{ProductID: "tea", Quantity: 1}}})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = k.RecordSale(ctx, domain.RecordSaleRequest{SessionID: "sess-missing", PaymentMethod: domain.PaymentCash, Lines: []domain.SaleLineInput{{ProductID: "coffee", Quantity: 1}}})
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	sales, err := s.GetAll(ctx, store.SalesPending)
	require.NoError(t, err)
	assert.Empty(t, sales)
	adjustments, err := s.GetAll(ctx, store.StockAdjustments)
	require.NoError(t, err)
	assert.Empty(t, adjustments)

	p, err := k.Stock.GetProduct(ctx, "bagel")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Quantity)
}

func TestRecordSaleOnClosedSessionFails(t *testing.T) {
	k, _ := newTestKiosk(t)
	ctx := context.Background()
	session := openSession(t, k, "7", "0")
	_, err := k.CloseSession(ctx, domain.CloseSessionRequest{SessionID: session.LocalID})
	require.NoError(t, err)

	_, err = k.RecordSale(ctx, domain.RecordSaleRequest{SessionID: session.LocalID, PaymentMethod: domain.PaymentCash, Lines: []domain.SaleLineInput{{ProductID: "coffee", Quantity: 1}}})
	require.ErrorIs(t, err, apperrors.ErrSessionNotOpen)
}

func TestSaleWritesStockAdjustmentsForSync(t *testing.T) {
	k, _ := newTestKiosk(t)
	ctx := context.Background()
	session := openSession(t, k, "7", "0")
	sale := sell(t, k, session.LocalID, domain.PaymentCard, "coffee", 3)

	adjustments, err := k.Stock.ListByProduct(ctx, "coffee")
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, -3, adjustments[0].Delta)
	assert.Equal(t, domain.ReasonSale, adjustments[0].Reason)
	assert.Equal(t, sale.LocalID, adjustments[0].SaleID)
	assert.Equal(t, 17, adjustments[0].ResultingQuantity)

	pending, err := k.Stock.ListPendingSync(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestLocalIDsAreUnique(t *testing.T) {
	k, s := newTestKiosk(t)
	ctx := context.Background()
	session := openSession(t, k, "7", "0")

	seen := map[string]bool{}
	for i := 0; i < 15; i++ {
		sale := sell(t, k, session.LocalID, domain.PaymentCash, "coffee", 1)
		require.False(t, seen[sale.LocalID], "duplicate local id %s", sale.LocalID)
		seen[sale.LocalID] = true
	}
	all, err := s.GetAll(ctx, store.SalesPending)
	require.NoError(t, err)
	assert.Len(t, all, 15)
}

func TestMovementValidation(t *testing.T) {
	k, _ := newTestKiosk(t)
	ctx := context.Background()
	session := openSession(t, k, "7", "0")

	_, err := k.RecordMovement(ctx, domain.RecordMovementRequest{SessionID: session.LocalID, Type: domain.MovementDeposit, Amount: dec(t, "0")})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = k.RecordMovement(ctx, domain.RecordMovementRequest{SessionID: session.LocalID, Type: "refund", Amount: dec(t, "1")})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	m, err := k.RecordMovement(ctx, domain.RecordMovementRequest{SessionID: session.LocalID, Type: domain.MovementWithdrawal, Amount: dec(t, "12.345")})
	require.NoError(t, err)
	assert.Equal(t, "12.35", m.Amount.StringFixed(2))
	assert.Equal(t, "7", m.OperatorID)
}

func TestManagerPIN(t *testing.T) {
	pin, err := NewManagerPIN("1234")
	require.NoError(t, err)
	assert.True(t, pin.Verify("1234"))
	assert.False(t, pin.Verify("4321"))
	assert.False(t, pin.Verify(""))

	again, err := NewManagerPIN(string(pin.hash))
	require.NoError(t, err)
	assert.True(t, again.Verify("1234"))

	_, err = NewManagerPIN("  ")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	var unset ManagerPIN
	assert.False(t, unset.Configured())
	assert.False(t, unset.Verify("1234"))
}

func TestMovementWaitsForInFlightClose(t *testing.T) {
	hs := &hookStore{Store: memory.NewKiosk()}
	k := newKioskOn(t, hs)
	ctx := context.Background()
	session := openSession(t, k, "7", "100.00")
	declared := dec(t, "100.00")
	withdrawal := dec(t, "40.00")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	hs.beforePut = func(collection string) error {
		if collection == store.ClosuresPending {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	}

	closed := make(chan error, 1)
	go func() {
		_, err := k.CloseSession(ctx, domain.CloseSessionRequest{SessionID: session.LocalID, DeclaredBalance: declared})
		closed <- err
	}()
	<-entered

	recorded := make(chan error, 1)
	go func() {
		_, err := k.RecordMovement(ctx, domain.RecordMovementRequest{SessionID: session.LocalID, Type: domain.MovementWithdrawal, Amount: withdrawal})
		recorded <- err
	}()

	select {
	case err := <-recorded:
		t.Fatalf("movement returned while the session was closing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-closed)
	require.ErrorIs(t, <-recorded, apperrors.ErrSessionNotOpen)

	movements, err := k.Movements.ListBySession(ctx, session.LocalID)
	require.NoError(t, err)
	assert.Empty(t, movements)

	closure, err := k.Closures.ForSession(ctx, session.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", closure.Withdrawals.StringFixed(2))
	assert.Equal(t, "100.00", closure.TheoreticalBalance.StringFixed(2))
}

func TestFailedSaleWriteRollsStockBack(t *testing.T) {
	hs := &hookStore{Store: memory.NewKiosk()}
	k := newKioskOn(t, hs)
	ctx := context.Background()
	session := openSession(t, k, "7", "100.00")

	hs.beforePut = func(collection string) error {
		if collection == store.SalesPending {
			return errors.New("disk full")
		}
		return nil
	}
	_, err := k.RecordSale(ctx, domain.RecordSaleRequest{
		SessionID:     session.LocalID,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLineInput{{ProductID: "coffee", Quantity: 2}},
	})
	require.Error(t, err)

	product, err := k.Stock.GetProduct(ctx, "coffee")
	require.NoError(t, err)
	assert.Equal(t, 20, product.Quantity)

	adjustments, err := k.Stock.ListByProduct(ctx, "coffee")
	require.NoError(t, err)
	byReason := map[domain.AdjustmentReason]int{}
	for _, a := range adjustments {
		byReason[a.Reason] += a.Delta
	}
	assert.Equal(t, map[domain.AdjustmentReason]int{domain.ReasonSale: -2, domain.ReasonSaleRollback: 2}, byReason)
}
