package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"

	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory Store with the same atomicity contract as the
// SQL implementation: CreateOrder either applies every write or none.
type fakeStore struct {
	mu sync.Mutex

	customers map[int64]*models.Customer
	carts     map[int64]models.CartDetail
	cartOwner map[int64]int64 // cart detail id -> customer id
	promos    map[int64][]models.Promotion
	vouchers  map[int64]*models.Voucher
	assigned  map[string]bool
	stock     map[int64]int
	names     map[int64]string

	orders       map[int64]*models.Order
	details      map[int64][]models.OrderDetail
	usageByOrder map[int64]*models.VoucherUsageHistory
	used         map[string]bool

	removedCartIDs []int64
	nextOrderID    int64
	txnRefErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		customers:    make(map[int64]*models.Customer),
		carts:        make(map[int64]models.CartDetail),
		cartOwner:    make(map[int64]int64),
		promos:       make(map[int64][]models.Promotion),
		vouchers:     make(map[int64]*models.Voucher),
		assigned:     make(map[string]bool),
		stock:        make(map[int64]int),
		names:        make(map[int64]string),
		orders:       make(map[int64]*models.Order),
		details:      make(map[int64][]models.OrderDetail),
		usageByOrder: make(map[int64]*models.VoucherUsageHistory),
		used:         make(map[string]bool),
	}
}

func usageKey(voucherID, customerID int64) string {
	return fmt.Sprintf("%d:%d", voucherID, customerID)
}

func (f *fakeStore) GetCustomerByID(_ context.Context, id int64) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) GetCartDetailsForCheckout(_ context.Context, customerID int64, ids []int64) ([]models.CartDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CartDetail
	for _, id := range ids {
		if cd, ok := f.carts[id]; ok && f.cartOwner[id] == customerID {
			out = append(out, cd)
		}
	}
	return out, nil
}

func (f *fakeStore) addCartDetail(customerID int64, cd models.CartDetail) {
	f.carts[cd.ID] = cd
	f.cartOwner[cd.ID] = customerID
}

func (f *fakeStore) GetActivePromotions(_ context.Context, variantID, _, _, _ int64) ([]models.Promotion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.promos[variantID], nil
}

func (f *fakeStore) GetVoucherByID(_ context.Context, id int64) (*models.Voucher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vouchers[id]
	if !ok || !v.Active {
		return nil, store.ErrVoucherNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeStore) IsVoucherAssigned(_ context.Context, voucherID, customerID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assigned[usageKey(voucherID, customerID)], nil
}

func (f *fakeStore) HasVoucherUsage(_ context.Context, voucherID, customerID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used[usageKey(voucherID, customerID)], nil
}

func (f *fakeStore) CreateOrder(_ context.Context, order *models.Order, usage *models.VoucherUsageHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// validate before mutating so a failure leaves no partial writes
	for _, d := range order.Details {
		available, ok := f.stock[d.VariantID]
		if !ok {
			return store.ErrVariantNotFound
		}
		if available < d.Quantity {
			return &store.InsufficientStockError{
				ProductName: f.names[d.VariantID],
				VariantID:   d.VariantID,
				Stock:       available,
				Requested:   d.Quantity,
			}
		}
	}
	if usage != nil && f.used[usageKey(usage.VoucherID, usage.CustomerID)] {
		return store.ErrVoucherAlreadyUsed
	}

	f.nextOrderID++
	order.ID = f.nextOrderID
	order.OrderDate = time.Now()

	for i := range order.Details {
		f.stock[order.Details[i].VariantID] -= order.Details[i].Quantity
		order.Details[i].OrderID = order.ID
	}

	cp := *order
	f.orders[order.ID] = &cp
	f.details[order.ID] = append([]models.OrderDetail(nil), order.Details...)

	if usage != nil {
		usage.OrderID = order.ID
		usage.UsedAt = time.Now()
		f.used[usageKey(usage.VoucherID, usage.CustomerID)] = true
		ucp := *usage
		f.usageByOrder[order.ID] = &ucp
	}
	return nil
}

func (f *fakeStore) SetOrderTxnRef(_ context.Context, orderID int64, txnRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txnRefErr != nil {
		return f.txnRefErr
	}
	o, ok := f.orders[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	o.TxnRef = txnRef
	return nil
}

func (f *fakeStore) RemoveCartDetails(_ context.Context, customerID int64, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if f.cartOwner[id] != customerID {
			continue
		}
		delete(f.carts, id)
		delete(f.cartOwner, id)
		f.removedCartIDs = append(f.removedCartIDs, id)
	}
	return nil
}

func (f *fakeStore) RemoveCartDetailsByVariants(_ context.Context, customerID int64, variantIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[int64]bool, len(variantIDs))
	for _, id := range variantIDs {
		wanted[id] = true
	}
	for id, cd := range f.carts {
		if f.cartOwner[id] != customerID || !wanted[cd.VariantID] {
			continue
		}
		delete(f.carts, id)
		delete(f.cartOwner, id)
		f.removedCartIDs = append(f.removedCartIDs, id)
	}
	return nil
}

func (f *fakeStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) GetOrderDetailsByOrderID(_ context.Context, orderID int64) ([]models.OrderDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderDetail(nil), f.details[orderID]...), nil
}

func (f *fakeStore) TransitionFromPendingPayment(_ context.Context, orderID int64, newStatus string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != models.OrderStatusPendingPayment {
		return false, nil
	}
	o.Status = newStatus
	return true, nil
}

func (f *fakeStore) RestoreStock(_ context.Context, variantID int64, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stock[variantID] += quantity
	return nil
}

func (f *fakeStore) DeleteVoucherUsageByOrder(_ context.Context, orderID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	usage, ok := f.usageByOrder[orderID]
	if !ok {
		return 0, nil
	}
	delete(f.usageByOrder, orderID)
	delete(f.used, usageKey(usage.VoucherID, usage.CustomerID))
	return 1, nil
}

func (f *fakeStore) orderStatus(orderID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		return o.Status
	}
	return ""
}

func (f *fakeStore) stockOf(variantID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock[variantID]
}

func (f *fakeStore) usageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.usageByOrder)
}

func (f *fakeStore) cartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.carts)
}

// fakePublisher records the event types emitted, in order.
type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) record(eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakePublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	f.record(e.EventType)
	return nil
}

func (f *fakePublisher) PublishOrderAwaitingPayment(_ context.Context, e *models.OrderAwaitingPaymentEvent) error {
	f.record(e.EventType)
	return nil
}

func (f *fakePublisher) PublishPaymentSucceeded(_ context.Context, e *models.PaymentSucceededEvent) error {
	f.record(e.EventType)
	return nil
}

func (f *fakePublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	f.record(e.EventType)
	return nil
}

func (f *fakePublisher) PublishOrderPaymentExpired(_ context.Context, e *models.OrderPaymentExpiredEvent) error {
	f.record(e.EventType)
	return nil
}

// fakeScheduler records armed compensation jobs and can be told to fail.
type fakeScheduler struct {
	mu      sync.Mutex
	jobs    map[int64]time.Time
	failErr error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[int64]time.Time)}
}

func (f *fakeScheduler) ScheduleCompensation(_ context.Context, orderID int64, dueAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.jobs[orderID] = dueAt
	return nil
}

// fakeLocker is a real try-lock over a map, so two concurrent callers with
// the same key contend the way they would against Redis.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (f *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocker) ReleaseLock(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
