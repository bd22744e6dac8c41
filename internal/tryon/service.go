// Package tryon is the job orchestrator: it charges credits, creates the
// processing session, and hands the actual compositing to a durable
// background job. Every failure after the charge resolves into a refund and
// a failed session.
package tryon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tryonlab/backend/internal/compositor"
	"github.com/tryonlab/backend/internal/execution"
	"github.com/tryonlab/backend/internal/ledger"
	"github.com/tryonlab/backend/internal/models"
)

var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrCompositorNotConfigured = errors.New("compositor not configured")
	// ErrKindMismatch means a garment was passed where a subject belongs or
	// vice versa.
	ErrKindMismatch = errors.New("asset kind mismatch")
)

// SessionRepo is the session persistence surface.
type SessionRepo interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, s *models.ProcessingSession) error
	SetCreditTransactionTx(ctx context.Context, tx pgx.Tx, sessionID, txnID uuid.UUID) error
	GetOwned(ctx context.Context, userID, sessionID uuid.UUID) (*models.ProcessingSession, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, sessionID, resultID uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, sessionID uuid.UUID, errMsg string, refundTxnID *uuid.UUID) (bool, error)
	SetRefundTransaction(ctx context.Context, sessionID, txnID uuid.UUID) error
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*models.ProcessingSession, error)
	DebitedCredits(ctx context.Context, sessionID uuid.UUID) (int, error)
}

// AssetResolver reads ownership-checked, non-deleted assets.
type AssetResolver interface {
	Get(ctx context.Context, userID, assetID uuid.UUID) (*models.Asset, error)
}

// Ledger is the credit surface the orchestrator charges through.
type Ledger interface {
	HasEnoughCredits(ctx context.Context, userID uuid.UUID, amount int) (bool, error)
	DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, sessionID *uuid.UUID, description string) (*models.CreditTransaction, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int, sessionID *uuid.UUID, description string) (*models.CreditTransaction, error)
}

// ObjectStore is the storage surface of the background task. Download is the
// retrying variant.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, data []byte, category, filename string) (string, error)
	Delete(ctx context.Context, key string) error
	AccessURL(ctx context.Context, key string) (string, error)
}

// Compositor is the external image service.
type Compositor interface {
	Configured() bool
	TryOn(ctx context.Context, subject, garment []byte, seed *int64) (*compositor.Image, error)
}

// ResultStore persists and reads completed results.
type ResultStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, res *models.Result) error
	GetOwned(ctx context.Context, userID, resultID uuid.UUID) (*models.Result, error)
}

// InsertTryonTxFunc enqueues the background job within the given
// transaction; in main it is a closure over river.Client.InsertTx.
type InsertTryonTxFunc func(ctx context.Context, tx pgx.Tx, args execution.ProcessTryonArgs) error

type Service struct {
	sessions    SessionRepo
	assets      AssetResolver
	ledger      Ledger
	store       ObjectStore
	comp        Compositor
	results     ResultStore
	insertTryon InsertTryonTxFunc
	credits     int
	log         *slog.Logger
}

func NewService(sessions SessionRepo, assets AssetResolver, ledger Ledger, store ObjectStore,
	comp Compositor, results ResultStore, insertTryon InsertTryonTxFunc, creditsPerJob int, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		sessions:    sessions,
		assets:      assets,
		ledger:      ledger,
		store:       store,
		comp:        comp,
		results:     results,
		insertTryon: insertTryon,
		credits:     creditsPerJob,
		log:         log,
	}
}

// Start validates, charges and enqueues a try-on. The session row, the
// debit, its stamp on the session and the queue insert commit as one unit;
// if any step fails nothing is charged and no session exists.
func (s *Service) Start(ctx context.Context, userID, subjectID, garmentID uuid.UUID, seed *int64) (*models.ProcessingSession, error) {
	return s.start(ctx, userID, subjectID, garmentID, seed, false, nil)
}

// StartRetry re-runs the sources of an existing result as a brand-new
// session and debit. Fails if either source asset has been soft-deleted.
func (s *Service) StartRetry(ctx context.Context, userID, resultID uuid.UUID) (*models.ProcessingSession, error) {
	res, err := s.results.GetOwned(ctx, userID, resultID)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, userID, res.SubjectAssetID, res.GarmentAssetID, nil, true, &res.ID)
}

func (s *Service) start(ctx context.Context, userID, subjectID, garmentID uuid.UUID, seed *int64, isRetry bool, retryFrom *uuid.UUID) (*models.ProcessingSession, error) {
	subject, err := s.assets.Get(ctx, userID, subjectID)
	if err != nil {
		return nil, err
	}
	garment, err := s.assets.Get(ctx, userID, garmentID)
	if err != nil {
		return nil, err
	}
	if subject.Kind != models.AssetKindSubject || garment.Kind != models.AssetKindGarment {
		return nil, ErrKindMismatch
	}

	if !s.comp.Configured() {
		return nil, ErrCompositorNotConfigured
	}

	// Early rejection; the debit below re-checks under lock.
	enough, err := s.ledger.HasEnoughCredits(ctx, userID, s.credits)
	if err != nil {
		return nil, err
	}
	if !enough {
		return nil, fmt.Errorf("need %d credits: %w", s.credits, ledger.ErrInsufficientCredits)
	}

	tx, err := s.sessions.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	session := &models.ProcessingSession{
		UserID:         userID,
		SubjectAssetID: subjectID,
		GarmentAssetID: garmentID,
		Status:         models.SessionProcessing,
	}
	if err := s.sessions.CreateTx(ctx, tx, session); err != nil {
		return nil, err
	}

	txn, err := s.ledger.DebitTx(ctx, tx, userID, s.credits, &session.ID, "Virtual try-on")
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SetCreditTransactionTx(ctx, tx, session.ID, txn.ID); err != nil {
		return nil, err
	}
	session.CreditTransactionID = &txn.ID

	err = s.insertTryon(ctx, tx, execution.ProcessTryonArgs{
		SessionID:      session.ID,
		UserID:         userID,
		SubjectAssetID: subjectID,
		GarmentAssetID: garmentID,
		SubjectKey:     subject.StorageKey,
		GarmentKey:     garment.StorageKey,
		Seed:           seed,
		Credits:        s.credits,
		IsRetry:        isRetry,
		RetryFrom:      retryFrom,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue try-on: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("try-on started", "session_id", session.ID, "user_id", userID, "credits", s.credits, "retry", isRetry)
	return session, nil
}

// ProcessSession is the background half, run by the queue worker. Every
// failure resolves into refund + failed session here; the returned error
// covers only broken bookkeeping.
func (s *Service) ProcessSession(ctx context.Context, args execution.ProcessTryonArgs) error {
	started := time.Now()

	subject, err := s.store.Download(ctx, args.SubjectKey)
	if err != nil {
		return s.fail(ctx, args, fmt.Errorf("download subject: %w", err))
	}
	garment, err := s.store.Download(ctx, args.GarmentKey)
	if err != nil {
		return s.fail(ctx, args, fmt.Errorf("download garment: %w", err))
	}

	img, err := s.comp.TryOn(ctx, subject, garment, args.Seed)
	if err != nil {
		return s.fail(ctx, args, fmt.Errorf("compositor: %w", err))
	}

	key, err := s.store.Put(ctx, img.Data, "results", uuid.NewString()+".png")
	if err != nil {
		return s.fail(ctx, args, fmt.Errorf("store result: %w", err))
	}

	width, height := probeDimensions(img.Data)
	result := &models.Result{
		UserID:               args.UserID,
		SubjectAssetID:       args.SubjectAssetID,
		GarmentAssetID:       args.GarmentAssetID,
		StorageKey:           key,
		FileSize:             int64(len(img.Data)),
		MimeType:             img.MimeType,
		Width:                width,
		Height:               height,
		ProcessingDurationMs: time.Since(started).Milliseconds(),
		CreditsUsed:          args.Credits,
		IsRetry:              args.IsRetry,
		RetryFromID:          args.RetryFrom,
	}

	tx, err := s.sessions.Begin(ctx)
	if err != nil {
		return s.fail(ctx, args, fmt.Errorf("begin completion: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := s.results.CreateTx(ctx, tx, result); err != nil {
		return s.fail(ctx, args, fmt.Errorf("create result: %w", err))
	}
	ok, err := s.sessions.CompleteTx(ctx, tx, args.SessionID, result.ID)
	if err != nil {
		return s.fail(ctx, args, fmt.Errorf("complete session: %w", err))
	}
	if !ok {
		// The sweep already failed this session. Drop the orphan object and
		// keep its refund in place.
		s.log.Warn("session left processing before completion", "session_id", args.SessionID)
		if delErr := s.store.Delete(ctx, key); delErr != nil {
			s.log.Error("delete orphan result object", "key", key, "error", delErr)
		}
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return s.fail(ctx, args, fmt.Errorf("commit completion: %w", err))
	}

	s.log.Info("try-on completed", "session_id", args.SessionID, "result_id", result.ID,
		"duration_ms", result.ProcessingDurationMs)
	return nil
}

// fail marks the session failed and refunds the charge. Claiming the session
// through the conditional transition comes first: whoever wins it, this path
// or the sweeper, is the only one that refunds. A refund failure is logged
// loudly but never leaves the session stuck in processing.
func (s *Service) fail(ctx context.Context, args execution.ProcessTryonArgs, cause error) error {
	s.log.Error("try-on failed", "session_id", args.SessionID, "error", cause)

	ok, err := s.sessions.MarkFailed(ctx, args.SessionID, cause.Error(), nil)
	if err != nil {
		return fmt.Errorf("try-on failed (%v) and session could not be marked: %w", cause, err)
	}
	if !ok {
		// The sweep already failed and refunded this session.
		s.log.Warn("failed session was already terminal", "session_id", args.SessionID)
		return nil
	}

	txn, err := s.ledger.Refund(ctx, args.UserID, args.Credits, &args.SessionID, "Refund for failed try-on")
	if err != nil {
		// The session stays failed; the missing refund shows up as a null
		// refund transaction id.
		s.log.Error("refund failed for failed try-on", "session_id", args.SessionID,
			"user_id", args.UserID, "credits", args.Credits, "error", err)
		return nil
	}
	if err := s.sessions.SetRefundTransaction(ctx, args.SessionID, txn.ID); err != nil {
		s.log.Error("refund stamp failed", "session_id", args.SessionID, "error", err)
	}
	return nil
}

// SessionView is the polling read model; ResultURL is resolved fresh on
// every read because remote URLs expire.
type SessionView struct {
	*models.ProcessingSession
	ResultURL string `json:"resultUrl,omitempty"`
}

// GetStatus returns the ownership-checked session, with the result's access
// URL when one exists.
func (s *Service) GetStatus(ctx context.Context, userID, sessionID uuid.UUID) (*SessionView, error) {
	session, err := s.sessions.GetOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	view := &SessionView{ProcessingSession: session}
	if session.ResultID != nil {
		res, err := s.results.GetOwned(ctx, userID, *session.ResultID)
		if err == nil {
			url, urlErr := s.store.AccessURL(ctx, res.StorageKey)
			if urlErr != nil {
				return nil, fmt.Errorf("resolve result url: %w", urlErr)
			}
			view.ResultURL = url
		} else {
			s.log.Warn("session result unreadable", "session_id", sessionID, "result_id", *session.ResultID, "error", err)
		}
	}
	return view, nil
}

func probeDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
