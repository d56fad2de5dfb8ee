package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/atlas-wms/atlas-wms/internal/document"
	"github.com/atlas-wms/atlas-wms/internal/erpsync"
	jobmetrics "github.com/atlas-wms/atlas-wms/internal/jobs"
	"github.com/atlas-wms/atlas-wms/internal/shared"
)

// DocumentReconciler is the slice of the document service the jobs need.
type DocumentReconciler interface {
	Reconcile(ctx context.Context, documentID uuid.UUID) (document.Document, erpsync.Outcome, error)
	StalePending(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
}

// ReconcileEnqueuer schedules reconcile tasks; satisfied by Client.
type ReconcileEnqueuer interface {
	EnqueueReconcile(ctx context.Context, documentID uuid.UUID) error
}

// Reconciler resolves parked documents in the background. A per-document
// Redis lock keeps concurrent workers from reconciling the same document at
// once; the gateway's idempotency key makes the race harmless, the lock just
// avoids redundant connector traffic.
type Reconciler struct {
	docs     DocumentReconciler
	enqueuer ReconcileEnqueuer
	locker   *redislock.Client
	staleAge time.Duration
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
}

// NewReconciler constructs Reconciler.
func NewReconciler(docs DocumentReconciler, enqueuer ReconcileEnqueuer, locker *redislock.Client, staleAge time.Duration, metrics *jobmetrics.Metrics, logger *slog.Logger) *Reconciler {
	if staleAge <= 0 {
		staleAge = 5 * time.Minute
	}
	return &Reconciler{docs: docs, enqueuer: enqueuer, locker: locker, staleAge: staleAge, metrics: metrics, logger: logger}
}

// HandleReconcile processes TaskSyncReconcile. An ambiguous outcome returns
// an error so Asynq retries with backoff.
func (r *Reconciler) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := r.metrics.Track("erpsync_reconcile")

	if r.locker != nil {
		lock, err := r.locker.Obtain(ctx, "atlas:reconcile:"+payload.DocumentID.String(), 30*time.Second, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			// Another worker is on it.
			return tracker.End(nil)
		}
		if err != nil {
			return tracker.End(err)
		}
		defer func() { _ = lock.Release(ctx) }()
	}

	// Reconciliation posts ledger commits, so it runs under the system
	// identity like any other poster.
	doc, outcome, err := r.docs.Reconcile(shared.ContextWithActor(ctx, shared.SystemActor()), payload.DocumentID)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return tracker.End(asynq.SkipRetry)
		}
		return tracker.End(err)
	}
	if doc.State == document.StatePostedPending {
		return tracker.End(fmt.Errorf("document %s still %s: %s", payload.DocumentID, doc.State, outcome.Reason))
	}
	r.logger.Info("document reconciled",
		slog.String("document_id", payload.DocumentID.String()),
		slog.String("state", string(doc.State)),
		slog.String("outcome", string(outcome.Status)))
	return tracker.End(nil)
}

// HandleSweep processes TaskSyncSweep: every parked document older than the
// stale age gets its own reconcile task. Stale documents usually mean an
// earlier task exhausted its retries or the process died mid-post.
func (r *Reconciler) HandleSweep(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := r.metrics.Track("erpsync_sweep")

	ids, err := r.docs.StalePending(ctx, r.staleAge)
	if err != nil {
		return tracker.End(err)
	}
	r.metrics.SetParked(len(ids))
	for _, id := range ids {
		if err := r.enqueuer.EnqueueReconcile(ctx, id); err != nil {
			r.logger.Warn("sweep enqueue failed", slog.String("document_id", id.String()), slog.Any("error", err))
		}
	}
	if len(ids) > 0 {
		r.logger.Info("sweep scheduled reconciliations", slog.Int("count", len(ids)))
	}
	return tracker.End(nil)
}
