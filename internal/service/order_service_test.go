package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPaymentTimeout = 15 * time.Minute

type testEnv struct {
	svc       *OrderService
	store     *fakeStore
	publisher *fakePublisher
	scheduler *fakeScheduler
	locker    *fakeLocker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	gw, err := gateway.NewClient(gateway.Config{
		TmnCode:       "TESTMERCH",
		HashSecret:    "secret",
		PayURL:        "https://pay.example.com/vpcpay.html",
		ReturnURL:     "http://localhost:8080/api/v1/payment/vnpay-return",
		OrderType:     "other",
		Locale:        "vn",
		ExpireMinutes: 15,
	})
	require.NoError(t, err)

	st := newFakeStore()
	pub := &fakePublisher{}
	sched := newFakeScheduler()
	locker := newFakeLocker()

	return &testEnv{
		svc:       NewOrderService(st, locker, sched, pub, gw, testPaymentTimeout),
		store:     st,
		publisher: pub,
		scheduler: sched,
		locker:    locker,
	}
}

// seedCheckout sets up customer 1 (cart 77) with two cart lines:
// cart detail 11 -> variant 101 (price 1000, qty 2, stock 10)
// cart detail 12 -> variant 102 (price 500, qty 1, stock 5)
func seedCheckout(env *testEnv, rankRate decimal.Decimal) {
	env.store.customers[1] = &models.Customer{ID: 1, Name: "An", RankDiscountRate: rankRate}
	env.store.stock[101] = 10
	env.store.stock[102] = 5
	env.store.names[101] = "Shirt"
	env.store.names[102] = "Cap"
	env.store.addCartDetail(1, models.CartDetail{
		ID: 11, CartID: 77, VariantID: 101, Quantity: 2,
		ProductName: "Shirt", Price: dec("1000"), ProductID: 10, CategoryID: 2, BrandID: 3,
	})
	env.store.addCartDetail(1, models.CartDetail{
		ID: 12, CartID: 77, VariantID: 102, Quantity: 1,
		ProductName: "Cap", Price: dec("500"), ProductID: 20, CategoryID: 2, BrandID: 3,
	})
}

func checkoutRequest(method string) *CreateOrderRequest {
	return &CreateOrderRequest{
		CustomerID:      1,
		CartDetailIDs:   []int64{11, 12},
		ReceiverName:    "An Nguyen",
		ReceiverPhone:   "0900000000",
		ReceiverAddress: "1 Le Loi, HCMC",
		PaymentMethod:   method,
	}
}

func TestCreateOrderCashNoDiscounts(t *testing.T) {
	env := newTestEnv(t)
	seedCheckout(env, decimal.Zero)
	ctx := context.Background()

	resp, err := env.svc.CreateOrder(ctx, checkoutRequest(models.PaymentMethodCOD), "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, resp.Status)
	assert.True(t, resp.TotalPrice.Equal(dec("2500")))
	assert.True(t, resp.TotalDiscount.IsZero())
	assert.True(t, resp.FinalTotalPrice.Equal(dec("2500")))
	assert.Empty(t, resp.PaymentURL)

	// stock reserved, cart lines consumed
	assert.Equal(t, 8, env.store.stockOf(101))
	assert.Equal(t, 4, env.store.stockOf(102))
	assert.Equal(t, 0, env.store.cartCount())

	assert.Equal(t, []string{models.EventTypeOrderCreated}, env.publisher.published())
}

func TestCreateOrderDiscountStack(t *testing.T) {
	env := newTestEnv(t)
	seedCheckout(env, dec("10"))

	// 20% promotion on variant 101 only
	env.store.promos[101] = []models.Promotion{
		{ID: 1, Priority: 1, DiscountPercent: dec("20"), Active: true},
	}
	// 10% voucher open to everyone
	env.store.vouchers[5] = &models.Voucher{
		ID: 5, Code: "SALE10", DiscountPercent: dec("10"),
		StartDate: time.Now().Add(-time.Hour), EndDate: time.Now().Add(time.Hour),
		ForAllCustomers: true, Active: true,
	}

	req := checkoutRequest(models.PaymentMethodCOD)
	voucherID := int64(5)
	req.VoucherID = &voucherID

	resp, err := env.svc.CreateOrder(context.Background(), req, "10.0.0.1")
	require.NoError(t, err)

	// gross 2500; promotion 20% of 2000 = 400; rank 10% of 2100 = 210;
	// voucher 10% of 1890 = 189; total discount 799
	assert.True(t, resp.TotalPrice.Equal(dec("2500")))
	assert.True(t, resp.TotalDiscount.Equal(dec("799")), "got %s", resp.TotalDiscount)
	assert.True(t, resp.FinalTotalPrice.Equal(dec("1701")))

	// usage ledger holds the voucher's own slice of the discount
	require.Equal(t, 1, env.store.usageCount())
	usage := env.store.usageByOrder[resp.OrderID]
	assert.True(t, usage.DiscountAmount.Equal(dec("189")))

	order, err := env.svc.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	require.Len(t, order.Details, 2)
	assert.True(t, order.Details[0].FinalPrice.Equal(dec("1600")))
	assert.True(t, order.Details[1].FinalPrice.Equal(dec("500")))
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	env := newTestEnv(t)
	seedCheckout(env, decimal.Zero)
	env.store.stock[102] = 0
	cd := env.store.carts[12]
	cd.Quantity = 1
	env.store.carts[12] = cd

	_, err := env.svc.CreateOrder(context.Background(), checkoutRequest(models.PaymentMethodCOD), "10.0.0.1")

	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(102), stockErr.VariantID)
	assert.Equal(t, "Cap", stockErr.ProductName)

	// nothing was written
	assert.Equal(t, 10, env.store.stockOf(101))
	assert.Equal(t, 2, env.store.cartCount())
	assert.Empty(t, env.store.orders)
	assert.Empty(t, env.publisher.published())
}

func TestCreateOrderOnlinePayment(t *testing.T) {
	env := newTestEnv(t)
	seedCheckout(env, decimal.Zero)
	ctx := context.Background()
	before := time.Now()

	resp, err := env.svc.CreateOrder(ctx, checkoutRequest(models.PaymentMethodVNPay), "203.0.113.9")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPendingPayment, resp.Status)
	require.NotEmpty(t, resp.PaymentURL)
	assert.True(t, strings.HasPrefix(resp.PaymentURL, "https://pay.example.com/vpcpay.html?"))
	assert.Contains(t, resp.PaymentURL, "vnp_SecureHash=")

	// the txn ref in the redirect URL is the one bound to the order
	order, err := env.store.GetOrderByID(ctx, resp.OrderID)
	require.NoError(t, err)
	require.NotEmpty(t, order.TxnRef)
	assert.Contains(t, resp.PaymentURL, "vnp_TxnRef="+order.TxnRef)

	// stock reserved immediately, cart untouched until the payment settles
	assert.Equal(t, 8, env.store.stockOf(101))
	assert.Equal(t, 2, env.store.cartCount())

	// compensation armed one minute past the payment window
	dueAt, ok := env.scheduler.jobs[resp.OrderID]
	require.True(t, ok)
	earliest := before.Add(testPaymentTimeout + time.Minute)
	assert.False(t, dueAt.Before(earliest.Add(-time.Second)))
	assert.False(t, dueAt.After(time.Now().Add(testPaymentTimeout+time.Minute+time.Second)))

	assert.Equal(t, []string{models.EventTypeOrderAwaitingPayment}, env.publisher.published())
}

func TestCreateOrderSchedulerFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	seedCheckout(env, decimal.Zero)
	env.scheduler.failErr = errors.New("redis down")

	_, err := env.svc.CreateOrder(context.Background(), checkoutRequest(models.PaymentMethodVNPay), "10.0.0.1")
	require.Error(t, err)

	// an unpaid order with no timeout must not hold stock
	require.Len(t, env.store.orders, 1)
	for id := range env.store.orders {
		assert.Equal(t, models.OrderStatusPaymentFailed, env.store.orderStatus(id))
	}
	assert.Equal(t, 10, env.store.stockOf(101))
	assert.Equal(t, 5, env.store.stockOf(102))
}

func TestCreateOrderTxnRefFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	seedCheckout(env, decimal.Zero)
	env.store.txnRefErr = errors.New("db down")

	_, err := env.svc.CreateOrder(context.Background(), checkoutRequest(models.PaymentMethodVNPay), "10.0.0.1")
	require.Error(t, err)

	// an order whose callback could never verify must not hold stock
	require.Len(t, env.store.orders, 1)
	for id := range env.store.orders {
		assert.Equal(t, models.OrderStatusPaymentFailed, env.store.orderStatus(id))
	}
	assert.Equal(t, 10, env.store.stockOf(101))
	assert.Equal(t, 5, env.store.stockOf(102))
	assert.Empty(t, env.scheduler.jobs)
}

func TestCreateOrderUnsupportedMethod(t *testing.T) {
	env := newTestEnv(t)
	seedCheckout(env, decimal.Zero)

	_, err := env.svc.CreateOrder(context.Background(), checkoutRequest(models.PaymentMethodMoMo), "10.0.0.1")
	assert.ErrorIs(t, err, ErrUnsupportedPaymentMethod)
	assert.Empty(t, env.store.orders)
}

func TestCreateOrderCartMismatch(t *testing.T) {
	env := newTestEnv(t)
	seedCheckout(env, decimal.Zero)
	ctx := context.Background()

	t.Run("no matching lines", func(t *testing.T) {
		req := checkoutRequest(models.PaymentMethodCOD)
		req.CartDetailIDs = []int64{999}
		_, err := env.svc.CreateOrder(ctx, req, "10.0.0.1")
		assert.ErrorIs(t, err, ErrEmptyCart)
	})

	t.Run("partially missing lines", func(t *testing.T) {
		req := checkoutRequest(models.PaymentMethodCOD)
		req.CartDetailIDs = []int64{11, 999}
		_, err := env.svc.CreateOrder(ctx, req, "10.0.0.1")
		assert.ErrorIs(t, err, ErrCartItemsNotFound)
	})

	t.Run("another customer's cart line", func(t *testing.T) {
		env.store.customers[2] = &models.Customer{ID: 2, Name: "Binh"}
		env.store.addCartDetail(2, models.CartDetail{ID: 13, CartID: 88, VariantID: 101, Quantity: 1, ProductName: "Shirt", Price: dec("1000")})
		req := checkoutRequest(models.PaymentMethodCOD)
		req.CartDetailIDs = []int64{13}
		_, err := env.svc.CreateOrder(ctx, req, "10.0.0.1")
		assert.ErrorIs(t, err, ErrEmptyCart)
	})

	t.Run("unknown customer", func(t *testing.T) {
		req := checkoutRequest(models.PaymentMethodCOD)
		req.CustomerID = 404
		_, err := env.svc.CreateOrder(ctx, req, "10.0.0.1")
		assert.ErrorIs(t, err, store.ErrCustomerNotFound)
	})
}

func TestVoucherValidation(t *testing.T) {
	newEnvWithVoucher := func(t *testing.T, v *models.Voucher) (*testEnv, *CreateOrderRequest) {
		env := newTestEnv(t)
		seedCheckout(env, decimal.Zero)
		env.store.vouchers[v.ID] = v
		req := checkoutRequest(models.PaymentMethodCOD)
		req.VoucherID = &v.ID
		return env, req
	}

	valid := func() *models.Voucher {
		return &models.Voucher{
			ID: 5, Code: "V", DiscountPercent: dec("10"),
			StartDate: time.Now().Add(-time.Hour), EndDate: time.Now().Add(time.Hour),
			ForAllCustomers: true, Active: true,
		}
	}

	t.Run("not assigned to customer", func(t *testing.T) {
		v := valid()
		v.ForAllCustomers = false
		env, req := newEnvWithVoucher(t, v)
		_, err := env.svc.CreateOrder(context.Background(), req, "10.0.0.1")
		assert.ErrorIs(t, err, ErrVoucherNotAssigned)
	})

	t.Run("assigned voucher accepted", func(t *testing.T) {
		v := valid()
		v.ForAllCustomers = false
		env, req := newEnvWithVoucher(t, v)
		env.store.assigned[usageKey(v.ID, 1)] = true
		_, err := env.svc.CreateOrder(context.Background(), req, "10.0.0.1")
		assert.NoError(t, err)
	})

	t.Run("outside validity window", func(t *testing.T) {
		v := valid()
		v.EndDate = time.Now().Add(-time.Minute)
		env, req := newEnvWithVoucher(t, v)
		_, err := env.svc.CreateOrder(context.Background(), req, "10.0.0.1")
		assert.ErrorIs(t, err, ErrVoucherNotActive)
	})

	t.Run("below minimum order amount", func(t *testing.T) {
		v := valid()
		v.MinOrderAmount = decimal.NewNullDecimal(dec("3000"))
		env, req := newEnvWithVoucher(t, v)
		_, err := env.svc.CreateOrder(context.Background(), req, "10.0.0.1")
		assert.ErrorIs(t, err, ErrVoucherBelowMinimum)
	})

	t.Run("minimum checked against discounted base", func(t *testing.T) {
		// cart gross is 2500; a 50% rank discount drops the base to 1250,
		// under the voucher's 2000 minimum
		v := valid()
		v.MinOrderAmount = decimal.NewNullDecimal(dec("2000"))
		env, req := newEnvWithVoucher(t, v)
		env.store.customers[1].RankDiscountRate = dec("50")
		_, err := env.svc.CreateOrder(context.Background(), req, "10.0.0.1")
		assert.ErrorIs(t, err, ErrVoucherBelowMinimum)
	})

	t.Run("already used", func(t *testing.T) {
		v := valid()
		env, req := newEnvWithVoucher(t, v)
		env.store.used[usageKey(v.ID, 1)] = true
		_, err := env.svc.CreateOrder(context.Background(), req, "10.0.0.1")
		assert.ErrorIs(t, err, store.ErrVoucherAlreadyUsed)
	})

	t.Run("unknown voucher", func(t *testing.T) {
		env := newTestEnv(t)
		seedCheckout(env, decimal.Zero)
		req := checkoutRequest(models.PaymentMethodCOD)
		missing := int64(404)
		req.VoucherID = &missing
		_, err := env.svc.CreateOrder(context.Background(), req, "10.0.0.1")
		assert.ErrorIs(t, err, store.ErrVoucherNotFound)
	})
}

func TestConcurrentVoucherUseExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.store.customers[1] = &models.Customer{ID: 1, Name: "An"}
	env.store.stock[101] = 100
	env.store.names[101] = "Shirt"
	env.store.vouchers[5] = &models.Voucher{
		ID: 5, Code: "ONCE", DiscountPercent: dec("10"),
		StartDate: time.Now().Add(-time.Hour), EndDate: time.Now().Add(time.Hour),
		ForAllCustomers: true, Active: true,
	}
	// two separate cart lines so both attempts can price independently
	env.store.addCartDetail(1, models.CartDetail{ID: 11, CartID: 77, VariantID: 101, Quantity: 1, ProductName: "Shirt", Price: dec("1000")})
	env.store.addCartDetail(1, models.CartDetail{ID: 12, CartID: 77, VariantID: 101, Quantity: 1, ProductName: "Shirt", Price: dec("1000")})

	voucherID := int64(5)
	makeReq := func(cartID int64) *CreateOrderRequest {
		req := checkoutRequest(models.PaymentMethodCOD)
		req.CartDetailIDs = []int64{cartID}
		req.VoucherID = &voucherID
		return req
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, cartID := range []int64{11, 12} {
		wg.Add(1)
		go func(i int, cartID int64) {
			defer wg.Done()
			_, errs[i] = env.svc.CreateOrder(context.Background(), makeReq(cartID), "10.0.0.1")
		}(i, cartID)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrVoucherAlreadyUsed):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, env.store.usageCount())
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t)
	seedCheckout(env, decimal.Zero)

	resp, err := env.svc.CreateOrder(context.Background(), checkoutRequest(models.PaymentMethodCOD), "10.0.0.1")
	require.NoError(t, err)

	order, err := env.svc.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, resp.OrderID, order.ID)
	assert.Len(t, order.Details, 2)

	_, err = env.svc.GetOrder(context.Background(), 9999)
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}
