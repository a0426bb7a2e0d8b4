package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/pricing"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the persistence surface the services depend on; *store.Store
// implements it, tests substitute an in-memory fake.
type Store interface {
	GetCustomerByID(ctx context.Context, id int64) (*models.Customer, error)
	GetCartDetailsForCheckout(ctx context.Context, customerID int64, ids []int64) ([]models.CartDetail, error)
	GetActivePromotions(ctx context.Context, variantID, productID, categoryID, brandID int64) ([]models.Promotion, error)
	GetVoucherByID(ctx context.Context, id int64) (*models.Voucher, error)
	IsVoucherAssigned(ctx context.Context, voucherID, customerID int64) (bool, error)
	HasVoucherUsage(ctx context.Context, voucherID, customerID int64) (bool, error)
	CreateOrder(ctx context.Context, order *models.Order, usage *models.VoucherUsageHistory) error
	SetOrderTxnRef(ctx context.Context, orderID int64, txnRef string) error
	RemoveCartDetails(ctx context.Context, customerID int64, ids []int64) error
	RemoveCartDetailsByVariants(ctx context.Context, customerID int64, variantIDs []int64) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderDetailsByOrderID(ctx context.Context, orderID int64) ([]models.OrderDetail, error)
	TransitionFromPendingPayment(ctx context.Context, orderID int64, newStatus string) (bool, error)
	RestoreStock(ctx context.Context, variantID int64, quantity int) error
	DeleteVoucherUsageByOrder(ctx context.Context, orderID int64) (int64, error)
}

// Publisher emits order lifecycle events; *broker.EventPublisher implements it.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderAwaitingPayment(ctx context.Context, event *models.OrderAwaitingPaymentEvent) error
	PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishOrderPaymentExpired(ctx context.Context, event *models.OrderPaymentExpiredEvent) error
}

// Scheduler arms delayed compensation jobs; *redisclient.Client implements it.
type Scheduler interface {
	ScheduleCompensation(ctx context.Context, orderID int64, dueAt time.Time) error
}

// Locker provides a best-effort single-flight lock; *redisclient.Client
// implements it. The voucher unique constraint remains the hard guarantee.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// OrderService turns a customer's selected cart lines into a priced,
// stock-reserved order and routes it to a payment method.
type OrderService struct {
	store          Store
	locker         Locker
	scheduler      Scheduler
	publisher      Publisher
	gateway        *gateway.Client
	paymentTimeout time.Duration
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	st Store,
	locker Locker,
	scheduler Scheduler,
	publisher Publisher,
	gw *gateway.Client,
	paymentTimeout time.Duration,
) *OrderService {
	return &OrderService{
		store:          st,
		locker:         locker,
		scheduler:      scheduler,
		publisher:      publisher,
		gateway:        gw,
		paymentTimeout: paymentTimeout,
		logger:         util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID      int64   `json:"customer_id" binding:"required"`
	CartDetailIDs   []int64 `json:"cart_detail_ids" binding:"required,min=1"`
	ReceiverName    string  `json:"receiver_name" binding:"required"`
	ReceiverPhone   string  `json:"receiver_phone" binding:"required"`
	ReceiverAddress string  `json:"receiver_address" binding:"required"`
	PaymentMethod   string  `json:"payment_method" binding:"required"`
	VoucherID       *int64  `json:"voucher_id,omitempty"`
}

// CreateOrderResponse represents the response after creating an order.
// PaymentURL is set only for online payment methods.
type CreateOrderResponse struct {
	OrderID         int64           `json:"order_id"`
	Status          string          `json:"status"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	TotalDiscount   decimal.Decimal `json:"total_discount"`
	FinalTotalPrice decimal.Decimal `json:"final_total_price"`
	PaymentURL      string          `json:"payment_url,omitempty"`
}

// CreateOrder prices the selected cart lines through the discount pipeline,
// reserves stock and persists the aggregate in one transaction, then either
// finalizes (cash) or hands off to the gateway with a compensation job armed.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest, clientIP string) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.OrderCreateLatency.Observe(time.Since(start).Seconds())
	}()

	switch req.PaymentMethod {
	case models.PaymentMethodCOD, models.PaymentMethodVNPay:
	default:
		util.OrdersFailedTotal.WithLabelValues("unsupported_method").Inc()
		return nil, ErrUnsupportedPaymentMethod
	}

	customer, err := s.store.GetCustomerByID(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}

	cartDetails, err := s.store.GetCartDetailsForCheckout(ctx, customer.ID, req.CartDetailIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart items: %w", err)
	}
	if len(cartDetails) == 0 {
		util.OrdersFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, ErrEmptyCart
	}
	if len(cartDetails) != len(req.CartDetailIDs) {
		util.OrdersFailedTotal.WithLabelValues("missing_cart_items").Inc()
		return nil, ErrCartItemsNotFound
	}

	lines, err := s.buildLines(ctx, cartDetails)
	if err != nil {
		return nil, err
	}

	// Stages run in their fixed order on a shrinking base: promotion, then
	// rank, then voucher. Reordering them changes customer-facing totals.
	quotes, totalPrice, promoDiscount := pricing.PromotionStage(lines)
	remaining := totalPrice.Sub(promoDiscount)
	rankDiscount := pricing.RankStage(remaining, customer.RankDiscountRate)
	remaining = remaining.Sub(rankDiscount)

	var (
		voucher         *models.Voucher
		usage           *models.VoucherUsageHistory
		voucherDiscount = decimal.Zero
	)
	if req.VoucherID != nil {
		voucher, err = s.store.GetVoucherByID(ctx, *req.VoucherID)
		if err != nil {
			util.OrdersFailedTotal.WithLabelValues("voucher_invalid").Inc()
			return nil, err
		}

		lockKey := fmt.Sprintf("voucher:%d:customer:%d", voucher.ID, customer.ID)
		acquired, lockErr := s.locker.AcquireLock(ctx, lockKey, 10*time.Second)
		if lockErr != nil {
			s.logger.Warn("Voucher lock unavailable, relying on usage constraint",
				zap.String("lock_key", lockKey),
				zap.Error(lockErr))
		} else if !acquired {
			util.OrdersFailedTotal.WithLabelValues("voucher_in_flight").Inc()
			return nil, store.ErrVoucherAlreadyUsed
		} else {
			defer func() {
				if err := s.locker.ReleaseLock(ctx, lockKey); err != nil {
					s.logger.Warn("Failed to release voucher lock", zap.Error(err))
				}
			}()
		}

		if err := s.validateVoucher(ctx, voucher, customer.ID, remaining, time.Now()); err != nil {
			util.OrdersFailedTotal.WithLabelValues("voucher_invalid").Inc()
			return nil, err
		}

		voucherDiscount = pricing.VoucherStage(remaining, voucher)
		usage = &models.VoucherUsageHistory{
			VoucherID:      voucher.ID,
			CustomerID:     customer.ID,
			DiscountAmount: voucherDiscount,
		}
	}

	totalDiscount := promoDiscount.Add(rankDiscount).Add(voucherDiscount)
	order := &models.Order{
		CustomerID:      customer.ID,
		ReceiverName:    req.ReceiverName,
		ReceiverPhone:   req.ReceiverPhone,
		ReceiverAddress: req.ReceiverAddress,
		PaymentMethod:   req.PaymentMethod,
		Status:          initialStatus(req.PaymentMethod),
		TotalPrice:      totalPrice,
		TotalDiscount:   totalDiscount,
		FinalTotalPrice: totalPrice.Sub(totalDiscount),
		Details:         detailsFromQuotes(quotes),
	}

	if err := s.store.CreateOrder(ctx, order, usage); err != nil {
		s.countCreateFailure(err)
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues(req.PaymentMethod).Inc()
	if usage != nil {
		util.VouchersRedeemedTotal.Inc()
	}
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("payment_method", order.PaymentMethod),
		zap.String("status", order.Status))

	resp := &CreateOrderResponse{
		OrderID:         order.ID,
		Status:          order.Status,
		TotalPrice:      order.TotalPrice,
		TotalDiscount:   order.TotalDiscount,
		FinalTotalPrice: order.FinalTotalPrice,
	}

	if req.PaymentMethod == models.PaymentMethodCOD {
		s.finalizeCashOrder(ctx, order, req.CartDetailIDs)
		return resp, nil
	}

	paymentURL, err := s.armOnlinePayment(ctx, order, req, clientIP)
	if err != nil {
		return nil, err
	}
	resp.PaymentURL = paymentURL
	return resp, nil
}

// buildLines resolves the best applicable promotion per cart line.
func (s *OrderService) buildLines(ctx context.Context, cartDetails []models.CartDetail) ([]pricing.Line, error) {
	lines := make([]pricing.Line, 0, len(cartDetails))
	for _, cd := range cartDetails {
		promos, err := s.store.GetActivePromotions(ctx, cd.VariantID, cd.ProductID, cd.CategoryID, cd.BrandID)
		if err != nil {
			return nil, fmt.Errorf("failed to load promotions for variant %d: %w", cd.VariantID, err)
		}
		lines = append(lines, pricing.Line{
			VariantID:   cd.VariantID,
			ProductName: cd.ProductName,
			Price:       cd.Price,
			Quantity:    cd.Quantity,
			Promotion:   pricing.BestPromotion(promos),
		})
	}
	return lines, nil
}

// validateVoucher enforces the ledger rules: assignment scope, usage-once
// across the customer's lifetime, validity window, and the minimum order
// amount checked against the post-promotion, post-rank base.
func (s *OrderService) validateVoucher(ctx context.Context, voucher *models.Voucher, customerID int64, baseAmount decimal.Decimal, now time.Time) error {
	if !voucher.ForAllCustomers {
		assigned, err := s.store.IsVoucherAssigned(ctx, voucher.ID, customerID)
		if err != nil {
			return err
		}
		if !assigned {
			return ErrVoucherNotAssigned
		}
	}

	used, err := s.store.HasVoucherUsage(ctx, voucher.ID, customerID)
	if err != nil {
		return err
	}
	if used {
		return store.ErrVoucherAlreadyUsed
	}

	if now.Before(voucher.StartDate) || now.After(voucher.EndDate) {
		return ErrVoucherNotActive
	}

	if voucher.MinOrderAmount.Valid && baseAmount.LessThan(voucher.MinOrderAmount.Decimal) {
		return ErrVoucherBelowMinimum
	}

	return nil
}

// finalizeCashOrder releases the consumed cart lines and announces the
// order. The order stands even if either step fails; both are retried by
// housekeeping, not by the customer.
func (s *OrderService) finalizeCashOrder(ctx context.Context, order *models.Order, cartDetailIDs []int64) {
	if err := s.store.RemoveCartDetails(ctx, order.CustomerID, cartDetailIDs); err != nil {
		s.logger.Error("Failed to remove consumed cart items",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	items := make([]models.OrderItemData, 0, len(order.Details))
	for _, d := range order.Details {
		items = append(items, models.OrderItemData{
			VariantID:  d.VariantID,
			Quantity:   d.Quantity,
			FinalPrice: d.FinalPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderCreated),
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		PaymentMethod: order.PaymentMethod,
		FinalTotal:    order.FinalTotalPrice,
		Items:         items,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}

// armOnlinePayment binds a transaction reference to the order, schedules the
// timeout compensation and builds the signed redirect URL. If either the
// reference cannot be persisted or the job cannot be armed, the order is
// failed immediately: an unpaid order with no timeout would hold its stock
// forever, and one without a stored reference could never verify a callback.
func (s *OrderService) armOnlinePayment(ctx context.Context, order *models.Order, req *CreateOrderRequest, clientIP string) (string, error) {
	txnRef := s.gateway.NewTxnRef()
	if err := s.store.SetOrderTxnRef(ctx, order.ID, txnRef); err != nil {
		s.logger.Error("Failed to bind txn ref, rolling order back",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		s.rollbackUnarmedOrder(ctx, order.ID)
		return "", fmt.Errorf("failed to bind payment reference: %w", err)
	}
	order.TxnRef = txnRef

	dueAt := time.Now().Add(s.paymentTimeout + time.Minute)
	if err := s.scheduler.ScheduleCompensation(ctx, order.ID, dueAt); err != nil {
		s.logger.Error("Failed to arm compensation, rolling order back",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		s.rollbackUnarmedOrder(ctx, order.ID)
		return "", fmt.Errorf("failed to arm payment timeout: %w", err)
	}

	var voucherID int64
	if req.VoucherID != nil {
		voucherID = *req.VoucherID
	}

	paymentURL := s.gateway.BuildPaymentURL(gateway.PaymentRequest{
		OrderID:       order.ID,
		TxnRef:        txnRef,
		VoucherID:     voucherID,
		CartDetailIDs: req.CartDetailIDs,
		Amount:        order.FinalTotalPrice,
		ClientIP:      clientIP,
		OrderInfo:     fmt.Sprintf("Thanh toan don hang %d", order.ID),
	})

	event := &models.OrderAwaitingPaymentEvent{
		BaseEvent:  newBaseEvent(models.EventTypeOrderAwaitingPayment),
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		FinalTotal: order.FinalTotalPrice,
		ExpiresAt:  dueAt,
	}
	if err := s.publisher.PublishOrderAwaitingPayment(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderAwaitingPayment event", zap.Error(err))
	}

	return paymentURL, nil
}

// rollbackUnarmedOrder fails a freshly created online order that could not be
// armed for payment, releasing its stock and voucher.
func (s *OrderService) rollbackUnarmedOrder(ctx context.Context, orderID int64) {
	won, err := s.store.TransitionFromPendingPayment(ctx, orderID, models.OrderStatusPaymentFailed)
	if err != nil {
		s.logger.Error("Rollback transition failed", zap.Int64("order_id", orderID), zap.Error(err))
		return
	}
	if won {
		compensateOrder(ctx, s.store, s.logger, orderID)
	}
}

func (s *OrderService) countCreateFailure(err error) {
	switch {
	case isInsufficientStock(err):
		util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
	case errors.Is(err, store.ErrVoucherAlreadyUsed):
		util.OrdersFailedTotal.WithLabelValues("voucher_already_used").Inc()
	default:
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
	}
}

// GetOrder retrieves an order with its line items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	details, err := s.store.GetOrderDetailsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Details = details

	return order, nil
}

func initialStatus(paymentMethod string) string {
	if paymentMethod == models.PaymentMethodCOD {
		return models.OrderStatusPending
	}
	return models.OrderStatusPendingPayment
}

func detailsFromQuotes(quotes []pricing.LineQuote) []models.OrderDetail {
	details := make([]models.OrderDetail, 0, len(quotes))
	for _, q := range quotes {
		details = append(details, models.OrderDetail{
			VariantID:       q.VariantID,
			ProductName:     q.ProductName,
			Price:           q.Price,
			Quantity:        q.Quantity,
			DiscountPercent: q.DiscountPercent,
			FinalPrice:      q.FinalPrice,
		})
	}
	return details
}
