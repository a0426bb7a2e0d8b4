package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	gatewayClient, err := gateway.NewClient(gateway.Config{
		TmnCode:       cfg.VNPay.TmnCode,
		HashSecret:    cfg.VNPay.HashSecret,
		PayURL:        cfg.VNPay.PayURL,
		ReturnURL:     cfg.VNPay.ReturnURL,
		OrderType:     cfg.VNPay.OrderType,
		Locale:        cfg.VNPay.Locale,
		ExpireMinutes: cfg.Business.PaymentTimeoutMinutes,
	})
	if err != nil {
		log.Fatalf("Failed to initialize payment gateway: %v", err)
	}

	paymentTimeout := time.Duration(cfg.Business.PaymentTimeoutMinutes) * time.Minute
	orderService := service.NewOrderService(db, redisClient, redisClient, eventPublisher, gatewayClient, paymentTimeout)
	reconciler := service.NewReconciler(db, eventPublisher, gatewayClient, cfg.VNPay.FrontendURL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pollInterval := time.Duration(cfg.Business.CompensationPollSecs) * time.Second
	compensationWorker := worker.NewCompensationWorker(redisClient, reconciler, pollInterval)
	go func() {
		if err := compensationWorker.Start(workerCtx); err != nil {
			log.Printf("Compensation worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orderService, reconciler)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	compensationWorker.Stop()

	log.Println("Server exited")
}
