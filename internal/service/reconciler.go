package service

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reconciler settles an online order's final state. The gateway callback and
// the compensation timeout race for the same order row; exactly one of them
// wins the compare-and-swap out of PENDING_PAYMENT, and the loser performs
// no side effects. Reconciliation failures are logged, never propagated,
// so one broken order cannot block the rest.
type Reconciler struct {
	store       Store
	publisher   Publisher
	gateway     *gateway.Client
	frontendURL string
	logger      *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(st Store, publisher Publisher, gw *gateway.Client, frontendURL string) *Reconciler {
	return &Reconciler{
		store:       st,
		publisher:   publisher,
		gateway:     gw,
		frontendURL: frontendURL,
		logger:      util.GetLogger(),
	}
}

// HandleGatewayReturn verifies and interprets the gateway's asynchronous
// callback, applies the matching transition, and returns the frontend result
// URL to redirect the customer to. It tolerates duplicate delivery: a
// callback for an order that already left PENDING_PAYMENT changes nothing.
func (r *Reconciler) HandleGatewayReturn(ctx context.Context, values url.Values) (string, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleGatewayReturn")
	defer span.End()

	if !r.gateway.VerifySignature(values) {
		util.PaymentCallbacksTotal.WithLabelValues("bad_signature").Inc()
		return "", gateway.ErrInvalidSignature
	}

	params, err := gateway.ParseReturn(values)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues("malformed").Inc()
		return "", err
	}

	// The signature only covers the vnp_ params, so the order id in the
	// return URL is attacker-controlled. The stored txn ref and amount bind
	// the callback to the one order it was issued for.
	order, err := r.store.GetOrderByID(ctx, params.OrderID)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues("mismatch").Inc()
		return "", err
	}
	if order.TxnRef == "" || params.TxnRef != order.TxnRef {
		util.PaymentCallbacksTotal.WithLabelValues("mismatch").Inc()
		r.logger.Warn("Callback txn ref does not match order, rejecting",
			zap.Int64("order_id", params.OrderID))
		return "", ErrCallbackMismatch
	}
	if params.Amount != gateway.MinorUnits(order.FinalTotalPrice) {
		util.PaymentCallbacksTotal.WithLabelValues("mismatch").Inc()
		r.logger.Warn("Callback amount does not match order, rejecting",
			zap.Int64("order_id", params.OrderID),
			zap.Int64("callback_amount", params.Amount))
		return "", ErrCallbackMismatch
	}

	if params.Succeeded() {
		r.settleSuccess(ctx, order, params)
	} else {
		r.settleFailure(ctx, params)
	}

	return r.resultRedirect(params), nil
}

// settleSuccess moves the order to PENDING and releases the consumed cart
// lines. Only the CAS winner does any of this.
func (r *Reconciler) settleSuccess(ctx context.Context, order *models.Order, params *gateway.ReturnParams) {
	won, err := r.store.TransitionFromPendingPayment(ctx, params.OrderID, models.OrderStatusPending)
	if err != nil {
		r.logger.Error("Success transition failed",
			zap.Int64("order_id", params.OrderID),
			zap.Error(err))
		return
	}
	if !won {
		util.PaymentCallbacksTotal.WithLabelValues("duplicate").Inc()
		r.logger.Info("Callback lost the settlement race, skipping",
			zap.Int64("order_id", params.OrderID))
		return
	}

	util.PaymentCallbacksTotal.WithLabelValues("success").Inc()
	r.logger.Info("Payment confirmed",
		zap.Int64("order_id", params.OrderID),
		zap.String("transaction_no", params.TransactionNo))

	// The consumed cart lines are derived from the order's own details, not
	// from the (unsigned) callback parameters.
	details, err := r.store.GetOrderDetailsByOrderID(ctx, params.OrderID)
	if err != nil {
		r.logger.Error("Failed to load order details for cart cleanup",
			zap.Int64("order_id", params.OrderID),
			zap.Error(err))
	} else {
		variantIDs := make([]int64, 0, len(details))
		for _, d := range details {
			variantIDs = append(variantIDs, d.VariantID)
		}
		if err := r.store.RemoveCartDetailsByVariants(ctx, order.CustomerID, variantIDs); err != nil {
			r.logger.Error("Failed to remove consumed cart items",
				zap.Int64("order_id", params.OrderID),
				zap.Error(err))
		}
	}

	event := &models.PaymentSucceededEvent{
		BaseEvent:     newBaseEvent(models.EventTypePaymentSucceeded),
		OrderID:       params.OrderID,
		TransactionNo: params.TransactionNo,
		BankCode:      params.BankCode,
		Amount:        params.Amount,
	}
	if err := r.publisher.PublishPaymentSucceeded(ctx, event); err != nil {
		r.logger.Error("Failed to publish PaymentSucceeded event", zap.Error(err))
	}
}

// settleFailure moves the order to PAYMENT_FAILED and reverses its side
// effects: stock back, voucher usage row gone.
func (r *Reconciler) settleFailure(ctx context.Context, params *gateway.ReturnParams) {
	won, err := r.store.TransitionFromPendingPayment(ctx, params.OrderID, models.OrderStatusPaymentFailed)
	if err != nil {
		r.logger.Error("Failure transition failed",
			zap.Int64("order_id", params.OrderID),
			zap.Error(err))
		return
	}
	if !won {
		util.PaymentCallbacksTotal.WithLabelValues("duplicate").Inc()
		r.logger.Info("Callback lost the settlement race, skipping",
			zap.Int64("order_id", params.OrderID))
		return
	}

	util.PaymentCallbacksTotal.WithLabelValues("failure").Inc()
	r.logger.Warn("Payment failed, compensating",
		zap.Int64("order_id", params.OrderID),
		zap.String("response_code", params.ResponseCode))

	compensateOrder(ctx, r.store, r.logger, params.OrderID)

	event := &models.PaymentFailedEvent{
		BaseEvent:    newBaseEvent(models.EventTypePaymentFailed),
		OrderID:      params.OrderID,
		ResponseCode: params.ResponseCode,
	}
	if err := r.publisher.PublishPaymentFailed(ctx, event); err != nil {
		r.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
}

// CompensateTimeout auto-fails an order whose payment never completed. If
// the callback already settled the order the job is a no-op.
func (r *Reconciler) CompensateTimeout(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.CompensateTimeout")
	defer span.End()

	won, err := r.store.TransitionFromPendingPayment(ctx, orderID, models.OrderStatusPaymentFailed)
	if err != nil {
		return err
	}
	if !won {
		util.CompensationsSkippedTotal.Inc()
		r.logger.Info("Compensation job found order already settled, skipping",
			zap.Int64("order_id", orderID))
		return nil
	}

	util.CompensationsFiredTotal.Inc()
	r.logger.Warn("Payment timed out, compensating",
		zap.Int64("order_id", orderID))

	compensateOrder(ctx, r.store, r.logger, orderID)

	event := &models.OrderPaymentExpiredEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderPaymentExpired),
		OrderID:   orderID,
	}
	if err := r.publisher.PublishOrderPaymentExpired(ctx, event); err != nil {
		r.logger.Error("Failed to publish OrderPaymentExpired event", zap.Error(err))
	}

	return nil
}

// compensateOrder reverses the side effects of a failed order: each line's
// stock is restored by its exact quantity and the voucher usage row is
// deleted. Per-step errors are logged and the rest of the steps still run.
func compensateOrder(ctx context.Context, st Store, logger *zap.Logger, orderID int64) {
	details, err := st.GetOrderDetailsByOrderID(ctx, orderID)
	if err != nil {
		logger.Error("Failed to load order details for compensation",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return
	}

	for _, detail := range details {
		if err := st.RestoreStock(ctx, detail.VariantID, detail.Quantity); err != nil {
			logger.Error("Failed to restore stock",
				zap.Int64("order_id", orderID),
				zap.Int64("variant_id", detail.VariantID),
				zap.Error(err))
			continue
		}
		util.StockRestoredTotal.Inc()
	}

	released, err := st.DeleteVoucherUsageByOrder(ctx, orderID)
	if err != nil {
		logger.Error("Failed to release voucher usage",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return
	}
	if released > 0 {
		util.VouchersReleasedTotal.Inc()
	}
}

// resultRedirect builds the frontend status-page URL carrying the callback
// outcome and the gateway's transaction metadata.
func (r *Reconciler) resultRedirect(params *gateway.ReturnParams) string {
	v := url.Values{}
	v.Set("orderId", strconv.FormatInt(params.OrderID, 10))
	v.Set("responseCode", params.ResponseCode)
	v.Set("transactionNo", params.TransactionNo)
	v.Set("amount", strconv.FormatInt(params.Amount, 10))
	v.Set("bankCode", params.BankCode)
	v.Set("payDate", params.PayDate)
	if params.VoucherID != 0 {
		v.Set("voucherId", strconv.FormatInt(params.VoucherID, 10))
	}
	if params.Succeeded() {
		v.Set("status", "success")
	} else {
		v.Set("status", "failed")
	}
	return r.frontendURL + "?" + v.Encode()
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func isInsufficientStock(err error) bool {
	var stockErr *store.InsufficientStockError
	return errors.As(err, &stockErr)
}
