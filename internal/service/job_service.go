package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/enrollment-reconciler/internal/dto"
	"github.com/noah-isme/enrollment-reconciler/internal/models"
	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
	"github.com/noah-isme/enrollment-reconciler/pkg/jobs"
)

type jobQueue interface {
	Register(jobType string, handler jobs.Handler)
	Enqueue(job jobs.Job) (string, error)
}

type sweeper interface {
	Sweep(ctx context.Context) dto.ReconcileFixes
}

type replayer interface {
	Replay(ctx context.Context, id string) (*models.WebhookEvent, error)
}

type webhookEventLookup interface {
	GetByID(ctx context.Context, id string) (*models.WebhookEvent, error)
}

// JobService runs sweeps and webhook replays on the background queue.
type JobService struct {
	queue    jobQueue
	sweeper  sweeper
	replayer replayer
	events   webhookEventLookup
	logger   *zap.Logger
}

// NewJobService registers job handlers on queue.
func NewJobService(queue jobQueue, sweeper sweeper, replayer replayer, events webhookEventLookup, logger *zap.Logger) *JobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &JobService{queue: queue, sweeper: sweeper, replayer: replayer, events: events, logger: logger}
	queue.Register(jobs.TypeReconcileSweep, s.handleSweep)
	queue.Register(jobs.TypeWebhookReplay, s.handleReplay)
	return s
}

// EnqueueReplay schedules a stored webhook event for reprocessing.
func (s *JobService) EnqueueReplay(ctx context.Context, id string) (string, error) {
	if _, err := s.events.GetByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.Clone(appErrors.ErrNotFound, "webhook event not found")
		}
		return "", appErrors.Persistence(err, "failed to load webhook event")
	}
	jobID, err := s.queue.Enqueue(jobs.Job{Type: jobs.TypeWebhookReplay, Payload: id})
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue replay")
	}
	return jobID, nil
}

func (s *JobService) handleSweep(ctx context.Context, job jobs.Job) error {
	fixes := s.sweeper.Sweep(ctx)
	s.logger.Info("scheduled sweep completed",
		zap.String("job_id", job.ID),
		zap.Int("payment_status_sync", fixes.PaymentStatusSync),
		zap.Int("stale_pending", fixes.StalePending),
		zap.Int("errors", len(fixes.Errors)),
	)
	return nil
}

func (s *JobService) handleReplay(ctx context.Context, job jobs.Job) error {
	id, ok := job.Payload.(string)
	if !ok || id == "" {
		s.logger.Error("replay job without event id", zap.String("job_id", job.ID))
		return nil
	}
	event, err := s.replayer.Replay(ctx, id)
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) && appErr.Status < 500 {
			s.logger.Warn("replay abandoned", zap.String("job_id", job.ID), zap.String("event_id", id), zap.Error(err))
			return nil
		}
		return fmt.Errorf("replay webhook event %s: %w", id, err)
	}
	s.logger.Info("replay job finished",
		zap.String("job_id", job.ID),
		zap.String("event_id", id),
		zap.String("processing_status", string(event.ProcessingStatus)),
	)
	return nil
}
