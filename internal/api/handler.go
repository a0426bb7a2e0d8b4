package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	reconciler   *service.Reconciler
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, reconciler *service.Reconciler) *Handler {
	return &Handler{
		orderService: orderService,
		reconciler:   reconciler,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/payment/vnpay-return", h.vnpayReturn)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.orderService.CreateOrder(c.Request.Context(), &req, c.ClientIP())
	if err != nil {
		c.JSON(statusForError(err), gin.H{
			"error":   "Failed to create order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	idStr := c.Param("id")
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{
			"error":   "Failed to load order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, order)
}

// vnpayReturn handles the gateway's asynchronous payment callback and sends
// the customer on to the frontend result page.
func (h *Handler) vnpayReturn(c *gin.Context) {
	redirectURL, err := h.reconciler.HandleGatewayReturn(c.Request.Context(), c.Request.URL.Query())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid payment callback",
			"details": err.Error(),
		})
		return
	}

	c.Redirect(http.StatusFound, redirectURL)
}

// statusForError maps the error taxonomy onto HTTP statuses: not-found to
// 404, conflicts (stock, voucher reuse) to 409, other business validation
// to 400, everything else to 500.
func statusForError(err error) int {
	var stockErr *store.InsufficientStockError

	switch {
	case errors.Is(err, store.ErrOrderNotFound),
		errors.Is(err, store.ErrCustomerNotFound),
		errors.Is(err, store.ErrVoucherNotFound),
		errors.Is(err, store.ErrVariantNotFound):
		return http.StatusNotFound
	case errors.As(err, &stockErr),
		errors.Is(err, store.ErrVoucherAlreadyUsed):
		return http.StatusConflict
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrCartItemsNotFound),
		errors.Is(err, service.ErrUnsupportedPaymentMethod),
		errors.Is(err, service.ErrVoucherNotAssigned),
		errors.Is(err, service.ErrVoucherNotActive),
		errors.Is(err, service.ErrVoucherBelowMinimum),
		errors.Is(err, service.ErrCallbackMismatch),
		errors.Is(err, gateway.ErrInvalidSignature):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
