// Package execution holds the background worker that runs a try-on job after
// the orchestrator has charged credits and committed the session row.
package execution

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// ProcessTryonArgs is the durable job payload. It carries everything the
// worker needs so the job stays runnable even if the asset rows change
// between enqueue and execution.
type ProcessTryonArgs struct {
	SessionID      uuid.UUID  `json:"session_id"`
	UserID         uuid.UUID  `json:"user_id"`
	SubjectAssetID uuid.UUID  `json:"subject_asset_id"`
	GarmentAssetID uuid.UUID  `json:"garment_asset_id"`
	SubjectKey     string     `json:"subject_key"`
	GarmentKey     string     `json:"garment_key"`
	Seed           *int64     `json:"seed,omitempty"`
	Credits        int        `json:"credits"`
	IsRetry        bool       `json:"is_retry"`
	RetryFrom      *uuid.UUID `json:"retry_from,omitempty"`
}

func (ProcessTryonArgs) Kind() string { return "process_tryon" }

// A failed try-on is refunded and surfaced to the user, who retries
// explicitly through a new session. Re-running the same job would double
// charge nothing but could double-produce results.
func (ProcessTryonArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// SessionRunner is the orchestrator-side contract the worker calls into.
type SessionRunner interface {
	ProcessSession(ctx context.Context, args ProcessTryonArgs) error
}

type TryonWorker struct {
	river.WorkerDefaults[ProcessTryonArgs]
	runner SessionRunner
}

func NewTryonWorker(runner SessionRunner) *TryonWorker {
	return &TryonWorker{runner: runner}
}

// Work delegates to the orchestrator. ProcessSession resolves every failure
// into session state + refund itself, so an error return here means only
// that the bookkeeping itself broke.
func (w *TryonWorker) Work(ctx context.Context, job *river.Job[ProcessTryonArgs]) error {
	return w.runner.ProcessSession(ctx, job.Args)
}
