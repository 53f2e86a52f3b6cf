package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/askmesh/askmesh/internal/ask"
	"github.com/askmesh/askmesh/internal/observability"
)

// JobStore is the job store surface the service needs.
type JobStore interface {
	Create(seed ask.Job) (ask.Job, error)
	Get(id string) (ask.Job, bool)
	RequestStop(id string) error
	Delete(id string) bool
}

type Enqueuer interface {
	Enqueue(id string) error
}

// Service is the caller-facing handle: submit, stop and poll asks.
type Service struct {
	store  JobStore
	queue  Enqueuer
	logger *slog.Logger
	newID  func() string
}

func NewService(store JobStore, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Service{store: store, queue: queue, logger: logger, newID: uuid.NewString}
}

// Submit registers the question and queues it. The returned id can be
// polled right away.
func (s *Service) Submit(ctx context.Context, q ask.Question, traceID string) (string, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.Context = strings.TrimSpace(q.Context)
	if q.Text == "" {
		observability.IncrementAsksRejected("question_missing")
		return "", ErrQuestionMissing
	}

	job, err := s.store.Create(ask.Job{ID: s.newID(), Question: q, TraceID: traceID})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := s.queue.Enqueue(job.ID); err != nil {
		s.store.Delete(job.ID)
		reason := "enqueue_failed"
		switch {
		case errors.Is(err, ErrQueueFull):
			reason = "queue_full"
		case errors.Is(err, ErrShuttingDown):
			reason = "shutting_down"
		}
		observability.IncrementAsksRejected(reason)
		return "", err
	}

	observability.IncrementAsksSubmitted()
	s.logger.InfoContext(ctx, "ask submitted",
		slog.String("query_id", job.ID),
		slog.String("tenant_id", q.TenantID),
		slog.String("trace_id", traceID),
	)
	return job.ID, nil
}

// Stop requests cancellation. Jobs owned by another tenant are reported
// as not found.
func (s *Service) Stop(ctx context.Context, tenantID, id string) error {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.store.RequestStop(id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "ask stop requested", slog.String("query_id", id), slog.String("tenant_id", tenantID))
	return nil
}

func (s *Service) Get(_ context.Context, tenantID, id string) (ask.Job, error) {
	job, ok := s.store.Get(id)
	if !ok || job.Question.TenantID != tenantID {
		return ask.Job{}, fmt.Errorf("%w: %s", ask.ErrNotFound, id)
	}
	return job, nil
}
