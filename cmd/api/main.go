package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/enrollment-reconciler/api/swagger"
	"github.com/noah-isme/enrollment-reconciler/internal/handler"
	internalmiddleware "github.com/noah-isme/enrollment-reconciler/internal/middleware"
	"github.com/noah-isme/enrollment-reconciler/internal/models"
	"github.com/noah-isme/enrollment-reconciler/internal/repository"
	"github.com/noah-isme/enrollment-reconciler/internal/service"
	"github.com/noah-isme/enrollment-reconciler/pkg/broker"
	"github.com/noah-isme/enrollment-reconciler/pkg/cache"
	"github.com/noah-isme/enrollment-reconciler/pkg/config"
	"github.com/noah-isme/enrollment-reconciler/pkg/database"
	"github.com/noah-isme/enrollment-reconciler/pkg/jobs"
	"github.com/noah-isme/enrollment-reconciler/pkg/logger"
	corsmiddleware "github.com/noah-isme/enrollment-reconciler/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/enrollment-reconciler/pkg/middleware/requestid"
)

// @title Enrollment Reconciler API
// @version 1.0.0
// @description Billing webhook ingestion, reconciliation sweep and enrollment status administration.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.EnsureSchema(ctx, db); err != nil {
			logr.Fatal("failed to apply schema", zap.Error(err))
		}
	}

	var dedup service.EventDedup = repository.NewMemoryEventDedup(cfg.Webhook.DedupTTL)
	if cfg.Redis.DedupEnabled {
		rdb, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()
		dedup = repository.NewRedisEventDedup(rdb, cfg.Webhook.DedupTTL)
	}

	var publisher broker.Publisher = broker.NopPublisher{}
	if cfg.Events.Enabled {
		rabbit, err := broker.NewRabbitPublisher(cfg.Events.URL, cfg.Events.Exchange, logr)
		if err != nil {
			logr.Fatal("failed to connect rabbitmq", zap.Error(err))
		}
		publisher = rabbit
	}
	defer publisher.Close() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	activityRepo := repository.NewActivityRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db)

	authSvc := service.NewAuthService(logr, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})
	transitionSvc := service.NewTransitionService(enrollmentRepo, publisher, metricsSvc, logr, service.TransitionConfig{
		QueryTimeout: cfg.Database.QueryTimeout,
	})
	webhookSvc := service.NewWebhookService(webhookEventRepo, dedup, transitionSvc, metricsSvc, logr, service.WebhookConfig{
		Secret:            cfg.Webhook.StripeSecret,
		ProcessingTimeout: cfg.Webhook.ProcessingTimeout,
	})
	reconcileSvc := service.NewReconcileService(enrollmentRepo, activityRepo, transitionSvc, metricsSvc, logr, service.ReconcileConfig{
		StaleAfter:  cfg.Reconcile.StaleAfter,
		Timeout:     cfg.Reconcile.Timeout,
		Concurrency: cfg.Reconcile.Concurrency,
	})
	duplicateSvc := service.NewDuplicateService(enrollmentRepo, activityRepo, transitionSvc, validate, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, activityRepo, transitionSvc, validate, logr)

	queue := jobs.NewQueue("reconcile", jobs.QueueConfig{
		Workers:    cfg.Reconcile.Workers,
		MaxRetries: cfg.Reconcile.MaxRetries,
		RetryDelay: 5 * time.Second,
		JobTimeout: cfg.Reconcile.Timeout,
		Logger:     logr,
	})
	jobSvc := service.NewJobService(queue, reconcileSvc, webhookSvc, webhookEventRepo, logr)
	queue.Start(ctx)
	defer queue.Stop()
	jobs.Every(ctx, queue, cfg.Reconcile.Interval, jobs.TypeReconcileSweep, logr)

	webhookHandler := handler.NewWebhookHandler(webhookSvc, cfg.Webhook.MaxBodyBytes)
	reconcileHandler := handler.NewReconcileHandler(reconcileSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc, duplicateSvc)
	webhookEventHandler := handler.NewWebhookEventHandler(webhookSvc, jobSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, map[string]handler.Pinger{"database": enrollmentRepo})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	if cfg.Metrics.Enabled {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	if cfg.Docs.Enabled || cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/webhooks/billing", webhookHandler.Receive)
	api.POST("/reconcile/sweep", internalmiddleware.CronAuth(cfg.Reconcile.CronSecret), reconcileHandler.Sweep)

	admin := api.Group("")
	admin.Use(internalmiddleware.JWT(authSvc), internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	admin.POST("/enrollments/merge-duplicates", enrollmentHandler.MergeDuplicates)
	admin.POST("/enrollments/:id/status", enrollmentHandler.ChangeStatus)
	admin.GET("/enrollments/:id/activity", enrollmentHandler.Activity)
	admin.GET("/webhook-events", webhookEventHandler.List)
	admin.POST("/webhook-events/:id/replay", webhookEventHandler.Replay)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
