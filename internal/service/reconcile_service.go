package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/enrollment-reconciler/internal/dto"
	"github.com/noah-isme/enrollment-reconciler/internal/models"
	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
)

type reconcileStore interface {
	ListPaidUnsettled(ctx context.Context, statuses []models.EnrollmentStatus) ([]models.Enrollment, error)
	TouchStalePending(ctx context.Context, cutoff, now time.Time) ([]string, error)
}

type activityWriter interface {
	Create(ctx context.Context, entry *models.ActivityLogEntry) error
}

// ReconcileConfig tunes the sweep.
type ReconcileConfig struct {
	StaleAfter  time.Duration
	Timeout     time.Duration
	Concurrency int
}

// ReconcileService runs the reconciliation sweep.
type ReconcileService struct {
	store       reconcileStore
	activity    activityWriter
	transitions transitioner
	metrics     *MetricsService
	logger      *zap.Logger
	config      ReconcileConfig
	now         func() time.Time
}

// NewReconcileService constructs the sweep.
func NewReconcileService(store reconcileStore, activity activityWriter, transitions transitioner, metrics *MetricsService, logger *zap.Logger, config ReconcileConfig) *ReconcileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 24 * time.Hour
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &ReconcileService{
		store:       store,
		activity:    activity,
		transitions: transitions,
		metrics:     metrics,
		logger:      logger,
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Sweep activates enrollments that carry payment evidence and surfaces stale
// pending ones. Per-item failures are collected; one bad row never stops the
// batch.
func (s *ReconcileService) Sweep(ctx context.Context) dto.ReconcileFixes {
	started := time.Now()
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	fixes := dto.ReconcileFixes{Errors: []string{}}
	collector := &errorCollector{}

	fixes.PaymentStatusSync = s.syncPaymentStatus(ctx, collector)
	fixes.StalePending = s.touchStalePending(ctx, collector)

	s.writeSummary(ctx, &fixes, collector)
	fixes.Errors = append(fixes.Errors, collector.list()...)

	s.metrics.RecordSweep(fixes.PaymentStatusSync, fixes.StalePending, len(fixes.Errors), time.Since(started))
	s.logger.Info("reconciliation sweep finished",
		zap.Int("payment_status_sync", fixes.PaymentStatusSync),
		zap.Int("stale_pending", fixes.StalePending),
		zap.Int("errors", len(fixes.Errors)),
		zap.Duration("duration", time.Since(started)),
	)
	return fixes
}

func (s *ReconcileService) syncPaymentStatus(ctx context.Context, collector *errorCollector) int {
	candidates, err := s.store.ListPaidUnsettled(ctx, models.AwaitingActivation())
	if err != nil {
		s.logger.Error("sweep could not list paid enrollments", zap.Error(err))
		collector.add(fmt.Sprintf("payment status sync: %v", appErrors.Persistence(err, "failed to list enrollments with checkout reference")))
		return 0
	}

	var (
		mu    sync.Mutex
		fixed int
		g     errgroup.Group
	)
	g.SetLimit(s.config.Concurrency)
	for i := range candidates {
		enrollment := candidates[i]
		g.Go(func() error {
			result, err := s.transitions.Transition(ctx, TransitionRequest{
				EnrollmentID:      enrollment.ID,
				Target:            models.EnrollmentStatusActive,
				Actor:             models.ActorSystem,
				Reason:            "sweep",
				CheckoutReference: enrollment.CheckoutReference,
			})
			if err != nil {
				s.logger.Warn("sweep activation failed", zap.String("enrollment_id", enrollment.ID), zap.Error(err))
				collector.add(fmt.Sprintf("enrollment %s: %v", enrollment.ID, err))
				return nil
			}
			if result.Changed {
				mu.Lock()
				fixed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return fixed
}

func (s *ReconcileService) touchStalePending(ctx context.Context, collector *errorCollector) int {
	now := s.now()
	ids, err := s.store.TouchStalePending(ctx, now.Add(-s.config.StaleAfter), now)
	if err != nil {
		s.logger.Error("sweep could not touch stale pending enrollments", zap.Error(err))
		collector.add(fmt.Sprintf("stale pending detection: %v", appErrors.Persistence(err, "failed to mark stale pending enrollments")))
		return 0
	}
	if len(ids) > 0 {
		s.logger.Info("stale pending enrollments need review", zap.Strings("enrollment_ids", ids))
	}
	return len(ids)
}

func (s *ReconcileService) writeSummary(ctx context.Context, fixes *dto.ReconcileFixes, collector *errorCollector) {
	if s.activity == nil {
		return
	}
	details, err := json.Marshal(map[string]interface{}{
		"paymentStatusSync": fixes.PaymentStatusSync,
		"stalePending":      fixes.StalePending,
		"errors":            collector.list(),
	})
	if err != nil {
		collector.add(fmt.Sprintf("sweep summary: %v", err))
		return
	}
	entry := &models.ActivityLogEntry{
		Actor:      models.ActorSystem,
		Action:     models.ActivityActionSweep,
		EntityType: models.EntityReconcile,
		EntityID:   "sweep",
		Details:    details,
		CreatedAt:  s.now(),
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.activity.Create(writeCtx, entry); err != nil {
		s.logger.Error("failed to write sweep summary", zap.Error(err))
		collector.add(fmt.Sprintf("sweep summary: %v", appErrors.Persistence(err, "failed to write audit entry")))
	}
}

// errorCollector gathers per-item failures from concurrent workers.
type errorCollector struct {
	mu     sync.Mutex
	errors []string
}

func (c *errorCollector) add(msg string) {
	c.mu.Lock()
	c.errors = append(c.errors, msg)
	c.mu.Unlock()
}

func (c *errorCollector) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.errors))
	copy(out, c.errors)
	return out
}
