package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSyncReconcile resolves one parked document against the ERP.
	TaskSyncReconcile = "erpsync:reconcile"
	// TaskSyncSweep finds stale parked documents and fans out reconcile
	// tasks for them.
	TaskSyncSweep = "erpsync:sweep"
)

// ReconcilePayload identifies the document to reconcile.
type ReconcilePayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

// NewReconcileTask constructs an Asynq task for one document.
func NewReconcileTask(documentID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(ReconcilePayload{DocumentID: documentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSyncReconcile, data, asynq.Queue(QueueDefault), asynq.MaxRetry(10)), nil
}

// SweepPayload carries scheduling metadata.
type SweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewSweepTask constructs the periodic sweep task.
func NewSweepTask(at time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSyncSweep, data, asynq.Queue(QueueDefault)), nil
}
