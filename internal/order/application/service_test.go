package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoplane/storefront-core/internal/gateway"
	"github.com/shoplane/storefront-core/internal/order/domain"
)

// --- fakes ---------------------------------------------------------------

type fakeStock struct {
	mu       sync.Mutex
	products map[string]Product
}

func (f *fakeStock) Product(_ context.Context, id string) (Product, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	return p, ok, nil
}

func (f *fakeStock) stockOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id].Stock
}

// fakeRepo simulates the transactional repository: creation holds the stock
// lock for the whole check-and-decrement, and status updates are conditional
// on the observed payment status, mirroring the SQL CAS.
// repoEvent tags an emitted event with its order, mirroring the outbox
// aggregate_id column.
type repoEvent struct {
	orderID string
	Event
}

type fakeRepo struct {
	mu      sync.Mutex
	stock   *fakeStock
	orders  map[string]domain.Order
	events  []repoEvent
	deleted []string

	failUpdate bool // force the CAS to report a lost race
}

func newFakeRepo(stock *fakeStock) *fakeRepo {
	return &fakeRepo{stock: stock, orders: map[string]domain.Order{}}
}

func (f *fakeRepo) CreateWithItems(_ context.Context, o domain.Order, events []Event) error {
	f.stock.mu.Lock()
	defer f.stock.mu.Unlock()

	for _, item := range o.Items {
		p, ok := f.stock.products[item.ProductID]
		if !ok || !p.IsActive || p.Stock < item.Quantity {
			return &StockValidationError{Reasons: []string{fmt.Sprintf("product %s unavailable", item.ProductID)}}
		}
	}
	for _, item := range o.Items {
		p := f.stock.products[item.ProductID]
		p.Stock -= item.Quantity
		f.stock.products[item.ProductID] = p
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
	for _, ev := range events {
		f.events = append(f.events, repoEvent{orderID: o.ID, Event: ev})
	}
	return nil
}

func (f *fakeRepo) FindByID(_ context.Context, id string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return domain.Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeRepo) FindByPaymentID(_ context.Context, paymentID string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.PaymentID != "" && o.PaymentID == paymentID {
			return o, nil
		}
	}
	return domain.Order{}, ErrOrderNotFound
}

func (f *fakeRepo) UpdateStatus(_ context.Context, orderID string, observed, payment domain.PaymentStatus, status domain.OrderStatus, events []Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate {
		return false, nil
	}
	o, ok := f.orders[orderID]
	if !ok || o.PaymentStatus != observed {
		return false, nil
	}
	o.PaymentStatus = payment
	o.Status = status
	f.orders[orderID] = o
	for _, ev := range events {
		f.events = append(f.events, repoEvent{orderID: orderID, Event: ev})
	}
	return true, nil
}

func (f *fakeRepo) DeleteWithRestock(_ context.Context, orderID string) error {
	f.mu.Lock()
	o, ok := f.orders[orderID]
	if !ok {
		f.mu.Unlock()
		return ErrOrderNotFound
	}
	delete(f.orders, orderID)
	f.deleted = append(f.deleted, orderID)
	kept := f.events[:0]
	for _, ev := range f.events {
		if ev.orderID != orderID {
			kept = append(kept, ev)
		}
	}
	f.events = kept
	f.mu.Unlock()

	f.stock.mu.Lock()
	defer f.stock.mu.Unlock()
	for _, item := range o.Items {
		p := f.stock.products[item.ProductID]
		p.Stock += item.Quantity
		f.stock.products[item.ProductID] = p
	}
	return nil
}

func (f *fakeRepo) RecentPendingIDs(context.Context, int) ([]string, error) {
	return nil, nil
}

func (f *fakeRepo) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.events))
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

type fakeAddrs struct{ owned map[string]string } // addressID -> userID

func (f *fakeAddrs) FindOwnedAddress(_ context.Context, userID, addressID string) (Address, bool, error) {
	if f.owned[addressID] != userID {
		return Address{}, false, nil
	}
	return Address{ID: addressID, UserID: userID}, true, nil
}

type fakeCart struct {
	mu      sync.Mutex
	cleared []string
	err     error
}

func (f *fakeCart) Clear(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cleared = append(f.cleared, userID)
	return nil
}

type fakeGateway struct {
	session     gateway.Session
	sessionErr  error
	sessionReqs []gateway.SessionRequest

	attempts   []gateway.PaymentAttempt
	fetchErr   error
	fetchCalls int

	sigValid bool
}

func (f *fakeGateway) CreateSession(_ context.Context, req gateway.SessionRequest) (gateway.Session, error) {
	f.sessionReqs = append(f.sessionReqs, req)
	if f.sessionErr != nil {
		return gateway.Session{}, f.sessionErr
	}
	return f.session, nil
}

func (f *fakeGateway) FetchLatestPayments(context.Context, string) ([]gateway.PaymentAttempt, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.attempts, nil
}

func (f *fakeGateway) VerifySignature(string, []byte, string) bool { return f.sigValid }

// --- harness -------------------------------------------------------------

type env struct {
	svc   *Service
	repo  *fakeRepo
	stock *fakeStock
	cart  *fakeCart
	gw    *fakeGateway
}

func newEnv() *env {
	stock := &fakeStock{products: map[string]Product{
		"P1": {ID: "P1", Name: "Walnut desk", IsActive: true, Stock: 10},
		"P2": {ID: "P2", Name: "Oak chair", IsActive: true, Stock: 5},
		"P3": {ID: "P3", Name: "Retired lamp", IsActive: false, Stock: 7},
	}}
	repo := newFakeRepo(stock)
	cart := &fakeCart{}
	gw := &fakeGateway{sigValid: true, session: gateway.Session{SessionID: "sess-1", PaymentURL: "https://pay.example/s1"}}
	addrs := &fakeAddrs{owned: map[string]string{"a-1": "u-1", "a-2": "u-2"}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &env{
		svc:   NewService(log, repo, stock, addrs, cart, gw, "INR"),
		repo:  repo,
		stock: stock,
		cart:  cart,
		gw:    gw,
	}
}

func placeInput() PlaceOrderInput {
	return PlaceOrderInput{
		UserID:    "u-1",
		AddressID: "a-1",
		Items:     []domain.OrderItem{{ProductID: "P1", Quantity: 2, PriceCents: 500}},
	}
}

func webhookBody(orderID, status string) []byte {
	return []byte(fmt.Sprintf(`{"type":"PAYMENT_WEBHOOK","data":{"order":{"order_id":%q},"payment":{"payment_status":%q,"payment_group":"upi","cf_payment_id":7}}}`, orderID, status))
}

// --- order creation ------------------------------------------------------

func TestPlaceOrder(t *testing.T) {
	t.Parallel()
	e := newEnv()

	o, err := e.svc.PlaceOrder(context.Background(), placeInput())
	require.NoError(t, err)

	assert.Equal(t, int64(1000), o.TotalCents)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, domain.PaymentPending, o.PaymentStatus)
	assert.Equal(t, domain.MethodCOD, o.Method)
	assert.Equal(t, 8, e.stock.stockOf("P1"), "stock reduced by ordered quantity")
	assert.Equal(t, []string{"u-1"}, e.cart.cleared)
	assert.Equal(t, []string{domain.EventOrderCreated}, e.repo.eventTypes())
}

func TestPlaceOrder_InactiveProduct(t *testing.T) {
	t.Parallel()
	e := newEnv()

	in := placeInput()
	in.Items = []domain.OrderItem{{ProductID: "P3", Quantity: 1, PriceCents: 100}}

	_, err := e.svc.PlaceOrder(context.Background(), in)
	var sv *StockValidationError
	require.True(t, errors.As(err, &sv))
	assert.Len(t, sv.Reasons, 1)
	assert.Contains(t, sv.Reasons[0], "Retired lamp")
	assert.Empty(t, e.repo.orders, "no order row created")
	assert.Equal(t, 7, e.stock.stockOf("P3"), "no stock mutated")
}

func TestPlaceOrder_InvalidAddress(t *testing.T) {
	t.Parallel()
	e := newEnv()

	in := placeInput()
	in.AddressID = "a-2" // owned by u-2

	_, err := e.svc.PlaceOrder(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestPlaceOrder_MergedDuplicateLinesValidateCombinedDemand(t *testing.T) {
	t.Parallel()
	e := newEnv()

	// P2 has stock 5; two lines of 3 must be validated as 6, not 3 and 3.
	in := placeInput()
	in.Items = []domain.OrderItem{
		{ProductID: "P2", Quantity: 3, PriceCents: 200},
		{ProductID: "P2", Quantity: 3, PriceCents: 200},
	}

	_, err := e.svc.PlaceOrder(context.Background(), in)
	var sv *StockValidationError
	require.True(t, errors.As(err, &sv))
	assert.Equal(t, 5, e.stock.stockOf("P2"))
}

func TestPlaceOrder_ConcurrentStockConservation(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.stock.products["P1"] = Product{ID: "P1", Name: "Walnut desk", IsActive: true, Stock: 9}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := placeInput()
			in.Items = []domain.OrderItem{{ProductID: "P1", Quantity: 1, PriceCents: 500}}
			_, errs[i] = e.svc.PlaceOrder(context.Background(), in)
		}(i)
	}
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err != nil {
			var sv *StockValidationError
			require.True(t, errors.As(err, &sv), "unexpected error kind: %v", err)
			failed++
		}
	}
	assert.Equal(t, 1, failed, "exactly one request loses the last unit")
	assert.Equal(t, 0, e.stock.stockOf("P1"))
}

// --- online payment initiation -------------------------------------------

func TestInitiateOnlinePayment(t *testing.T) {
	t.Parallel()
	e := newEnv()

	init, err := e.svc.InitiateOnlinePayment(context.Background(), placeInput())
	require.NoError(t, err)

	assert.NotEmpty(t, init.Order.PaymentID)
	assert.Equal(t, "https://pay.example/s1", init.PaymentURL)
	require.Len(t, e.gw.sessionReqs, 1)
	assert.Equal(t, init.Order.PaymentID, e.gw.sessionReqs[0].ExternalOrderID)
	assert.Equal(t, init.Order.TotalCents, e.gw.sessionReqs[0].AmountCents)
	assert.Equal(t, 8, e.stock.stockOf("P1"))
}

func TestInitiateOnlinePayment_SessionFailureCompensates(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.gw.sessionErr = &gateway.Error{Op: "create session", StatusCode: 503}

	_, err := e.svc.InitiateOnlinePayment(context.Background(), placeInput())
	require.Error(t, err)

	var gwErr *gateway.Error
	assert.True(t, errors.As(err, &gwErr), "retryable gateway error surfaces")
	assert.Empty(t, e.repo.orders, "order deleted by compensation")
	assert.Len(t, e.repo.deleted, 1)
	assert.Equal(t, 10, e.stock.stockOf("P1"), "compensation restores stock")
	assert.Empty(t, e.cart.cleared, "cart survives a failed initiation")
	assert.Empty(t, e.repo.eventTypes(), "no notification fires for a compensated order")
}

// --- webhook reconciliation ----------------------------------------------

func onlineOrderEnv(t *testing.T) (*env, domain.Order) {
	t.Helper()
	e := newEnv()
	init, err := e.svc.InitiateOnlinePayment(context.Background(), placeInput())
	require.NoError(t, err)
	return e, init.Order
}

func TestHandleWebhook_SuccessConfirmsOrder(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)

	res, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "SUCCESS"), "sig", "ts")
	require.NoError(t, err)

	assert.True(t, res.Updated)
	assert.Equal(t, domain.PaymentPaid, res.Order.PaymentStatus)
	assert.Equal(t, domain.StatusConfirmed, res.Order.Status)
	assert.Equal(t, []string{
		domain.EventOrderCreated,
		domain.EventPaymentStatusChanged,
		domain.EventOrderStatusChanged,
	}, e.repo.eventTypes())
}

func TestHandleWebhook_DuplicateDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)

	first, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "SUCCESS"), "sig", "ts")
	require.NoError(t, err)
	require.True(t, first.Updated)
	eventsAfterFirst := len(e.repo.eventTypes())

	second, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "SUCCESS"), "sig", "ts")
	require.NoError(t, err)
	assert.False(t, second.Updated)
	assert.Equal(t, domain.PaymentPaid, second.Order.PaymentStatus)
	assert.Len(t, e.repo.eventTypes(), eventsAfterFirst, "duplicate delivery emits no notifications")
}

func TestHandleWebhook_LateFailureNeverDowngradesPaid(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)

	_, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "SUCCESS"), "sig", "ts")
	require.NoError(t, err)

	res, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "FAILED"), "sig", "ts")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, domain.PaymentPaid, res.Order.PaymentStatus)
	assert.Equal(t, domain.StatusConfirmed, res.Order.Status)
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	e.gw.sigValid = false

	_, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "SUCCESS"), "forged", "ts")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	stored, err := e.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, stored.PaymentStatus, "no state change on rejected signature")
}

func TestHandleWebhook_UnmatchedKeyTouchesNothing(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)

	_, err := e.svc.HandleWebhook(context.Background(), webhookBody("NO_SUCH_KEY", "SUCCESS"), "sig", "ts")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	stored, err := e.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, stored.PaymentStatus, "unrelated order untouched")
}

func TestHandleWebhook_UserDroppedCancels(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)

	res, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "USER_DROPPED"), "sig", "ts")
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, domain.PaymentFailed, res.Order.PaymentStatus)
	assert.Equal(t, domain.StatusCancelled, res.Order.Status)
}

func TestReconcile_LostCASRaceIsNoop(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	e.repo.failUpdate = true

	res, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "SUCCESS"), "sig", "ts")
	require.NoError(t, err)
	assert.False(t, res.Updated, "losing the conditional update is a clean no-op")
}

// --- status poll ----------------------------------------------------------

func TestPollPaymentStatus_ReconcilesFromGateway(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	e.gw.attempts = []gateway.PaymentAttempt{
		{Status: "SUCCESS", Method: "upi", ProviderPaymentID: "42"},
		{Status: "USER_DROPPED", Method: "upi", ProviderPaymentID: "41"},
	}

	got, err := e.svc.PollPaymentStatus(context.Background(), o.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
}

func TestPollPaymentStatus_SuccessAttemptWinsOverDrops(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	// Newest attempt is an abandonment, but an earlier attempt succeeded.
	e.gw.attempts = []gateway.PaymentAttempt{
		{Status: "USER_DROPPED"},
		{Status: "SUCCESS"},
	}

	got, err := e.svc.PollPaymentStatus(context.Background(), o.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
}

func TestPollPaymentStatus_GatewayErrorLeavesOrderUnchanged(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	e.gw.fetchErr = &gateway.Error{Op: "fetch", StatusCode: 504}

	got, err := e.svc.PollPaymentStatus(context.Background(), o.PaymentID)
	require.Error(t, err, "transient gateway failure is surfaced as retryable")
	assert.Equal(t, domain.PaymentPending, got.PaymentStatus, "last-known snapshot returned")

	stored, ferr := e.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, ferr)
	assert.Equal(t, domain.PaymentPending, stored.PaymentStatus, "gateway error is never a payment signal")
}

func TestPollPaymentStatus_InternalIDFallback(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	e.gw.attempts = []gateway.PaymentAttempt{{Status: "SUCCESS"}}

	got, err := e.svc.PollPaymentStatus(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
}

func TestPollPaymentStatus_SettledOrderSkipsGateway(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	e.gw.attempts = []gateway.PaymentAttempt{{Status: "SUCCESS"}}

	_, err := e.svc.PollPaymentStatus(context.Background(), o.PaymentID)
	require.NoError(t, err)
	calls := e.gw.fetchCalls

	_, err = e.svc.PollPaymentStatus(context.Background(), o.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, calls, e.gw.fetchCalls, "a settled order is never re-queried")
}

// --- redirect callback ----------------------------------------------------

func TestHandleRedirectCallback(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	e.gw.attempts = []gateway.PaymentAttempt{{Status: "SUCCESS"}}

	target := e.svc.HandleRedirectCallback(context.Background(), o.PaymentID, "SUCCESS")
	assert.Equal(t, TargetSuccess, target)

	stored, err := e.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, stored.PaymentStatus, "state came from the authoritative poll")
}

func TestHandleRedirectCallback_UnknownKey(t *testing.T) {
	t.Parallel()
	e := newEnv()
	assert.Equal(t, TargetFailure, e.svc.HandleRedirectCallback(context.Background(), "nope", "SUCCESS"))
}

func TestHandleRedirectCallback_GatewayDownNeverTrustsBrowserSuccess(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	e.gw.fetchErr = &gateway.Error{Op: "fetch", StatusCode: 504}

	// The browser claims success, but nothing verifiable backs it: the user
	// lands on the pending page and the order stays untouched.
	target := e.svc.HandleRedirectCallback(context.Background(), o.PaymentID, "SUCCESS")
	assert.Equal(t, TargetPending, target)

	stored, err := e.repo.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, stored.PaymentStatus)

	target = e.svc.HandleRedirectCallback(context.Background(), o.PaymentID, "FAILED")
	assert.Equal(t, TargetFailure, target)
}

// --- refund ---------------------------------------------------------------

func TestRefund(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)
	_, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "SUCCESS"), "sig", "ts")
	require.NoError(t, err)

	got, err := e.svc.Refund(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, got.PaymentStatus)

	// Refunded is terminal: neither a second refund nor a replayed success
	// webhook moves it.
	_, err = e.svc.Refund(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrNotRefundable)

	res, err := e.svc.HandleWebhook(context.Background(), webhookBody(o.PaymentID, "SUCCESS"), "sig", "ts")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, domain.PaymentRefunded, res.Order.PaymentStatus)
}

func TestRefund_PendingOrderNotRefundable(t *testing.T) {
	t.Parallel()
	e, o := onlineOrderEnv(t)

	_, err := e.svc.Refund(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrNotRefundable)
}
