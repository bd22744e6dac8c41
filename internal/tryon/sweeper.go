package tryon

import (
	"context"
	"log/slog"
	"time"
)

const sweepBatchSize = 100

// Sweeper fails and refunds sessions stuck in processing past the horizon.
// The durable queue already re-runs jobs across restarts; the sweep is the
// backstop for jobs that were lost anyway (queue table wiped, job row
// cancelled by hand).
type Sweeper struct {
	sessions SessionRepo
	ledger   Ledger
	horizon  time.Duration
	log      *slog.Logger
}

func NewSweeper(sessions SessionRepo, ledger Ledger, horizon time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{sessions: sessions, ledger: ledger, horizon: horizon, log: log}
}

// Run performs one sweep pass. Safe to run concurrently with workers: the
// conditional transition in MarkFailed decides a single winner per session,
// and only the winner refunds.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.horizon)
	stale, err := s.sessions.ListStaleProcessing(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, session := range stale {
		ok, err := s.sessions.MarkFailed(ctx, session.ID, "processing timed out", nil)
		if err != nil {
			s.log.Error("sweep mark failed", "session_id", session.ID, "error", err)
			continue
		}
		if !ok {
			continue // a worker finished it in the meantime
		}

		// Refund exactly what the session's debit charged, not today's price.
		amount, err := s.sessions.DebitedCredits(ctx, session.ID)
		if err != nil {
			s.log.Error("sweep debit lookup failed", "session_id", session.ID, "error", err)
			swept++
			continue
		}

		txn, err := s.ledger.Refund(ctx, session.UserID, amount, &session.ID, "Refund for timed-out try-on")
		if err != nil {
			s.log.Error("sweep refund failed", "session_id", session.ID, "user_id", session.UserID, "error", err)
			swept++
			continue
		}
		if err := s.sessions.SetRefundTransaction(ctx, session.ID, txn.ID); err != nil {
			s.log.Error("sweep refund stamp failed", "session_id", session.ID, "error", err)
		}
		swept++
	}
	if swept > 0 {
		s.log.Info("stale sessions swept", "count", swept)
	}
	return swept, nil
}
