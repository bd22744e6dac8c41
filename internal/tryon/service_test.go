package tryon

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tryonlab/backend/internal/assets"
	"github.com/tryonlab/backend/internal/compositor"
	"github.com/tryonlab/backend/internal/execution"
	"github.com/tryonlab/backend/internal/ledger"
	"github.com/tryonlab/backend/internal/models"
)

const testCredits = 10

// fakeTx buffers writes registered through onCommit and applies them only
// when the transaction commits, so rollbacks behave like the database.
type fakeTx struct {
	pgx.Tx
	committed bool
	onCommit  []func()
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	for _, apply := range f.onCommit {
		apply()
	}
	f.onCommit = nil
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.onCommit = nil
	return nil
}

type fakeSessions struct {
	sessions map[uuid.UUID]*models.ProcessingSession
	debits   map[uuid.UUID]int
	lastTx   *fakeTx
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[uuid.UUID]*models.ProcessingSession),
		debits:   make(map[uuid.UUID]int),
	}
}

func (f *fakeSessions) Begin(context.Context) (pgx.Tx, error) {
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
}

func (f *fakeSessions) CreateTx(_ context.Context, _ pgx.Tx, s *models.ProcessingSession) error {
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessions) SetCreditTransactionTx(_ context.Context, _ pgx.Tx, sessionID, txnID uuid.UUID) error {
	f.sessions[sessionID].CreditTransactionID = &txnID
	return nil
}

func (f *fakeSessions) GetOwned(_ context.Context, userID, sessionID uuid.UUID) (*models.ProcessingSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) CompleteTx(_ context.Context, _ pgx.Tx, sessionID, resultID uuid.UUID) (bool, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != models.SessionProcessing {
		return false, nil
	}
	now := time.Now()
	s.Status = models.SessionCompleted
	s.ResultID = &resultID
	s.CompletedAt = &now
	return true, nil
}

func (f *fakeSessions) MarkFailed(_ context.Context, sessionID uuid.UUID, errMsg string, refundTxnID *uuid.UUID) (bool, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != models.SessionProcessing {
		return false, nil
	}
	now := time.Now()
	s.Status = models.SessionFailed
	s.ErrorMessage = &errMsg
	s.CreditRefundTransactionID = refundTxnID
	s.CompletedAt = &now
	return true, nil
}

func (f *fakeSessions) SetRefundTransaction(_ context.Context, sessionID, txnID uuid.UUID) error {
	f.sessions[sessionID].CreditRefundTransactionID = &txnID
	return nil
}

func (f *fakeSessions) ListStaleProcessing(_ context.Context, olderThan time.Time, limit int) ([]*models.ProcessingSession, error) {
	var list []*models.ProcessingSession
	for _, s := range f.sessions {
		if s.Status == models.SessionProcessing && s.CreatedAt.Before(olderThan) && len(list) < limit {
			cp := *s
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (f *fakeSessions) DebitedCredits(_ context.Context, sessionID uuid.UUID) (int, error) {
	return f.debits[sessionID], nil
}

type fakeAssets struct {
	assets map[uuid.UUID]*models.Asset
}

func (f *fakeAssets) add(userID uuid.UUID, kind, key string) uuid.UUID {
	id := uuid.New()
	f.assets[id] = &models.Asset{ID: id, UserID: userID, Kind: kind, StorageKey: key}
	return id
}

func (f *fakeAssets) Get(_ context.Context, userID, assetID uuid.UUID) (*models.Asset, error) {
	a, ok := f.assets[assetID]
	if !ok || a.UserID != userID || a.DeletedAt != nil {
		return nil, assets.ErrAssetNotFound
	}
	return a, nil
}

type fakeLedger struct {
	balance   int
	refundErr error
	// beforeRefund runs once at the start of the next Refund call, to wedge
	// another actor into the middle of a refund.
	beforeRefund func()

	debits  []*models.CreditTransaction
	refunds []*models.CreditTransaction
}

func (f *fakeLedger) HasEnoughCredits(_ context.Context, _ uuid.UUID, amount int) (bool, error) {
	return f.balance >= amount, nil
}

func (f *fakeLedger) DebitTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int, sessionID *uuid.UUID, desc string) (*models.CreditTransaction, error) {
	if f.balance < amount {
		return nil, ledger.ErrInsufficientCredits
	}
	f.balance -= amount
	t := &models.CreditTransaction{ID: uuid.New(), UserID: userID, Type: models.TransactionDeduct,
		Amount: -amount, SessionID: sessionID, Description: desc}
	f.debits = append(f.debits, t)
	return t, nil
}

func (f *fakeLedger) Refund(_ context.Context, userID uuid.UUID, amount int, sessionID *uuid.UUID, desc string) (*models.CreditTransaction, error) {
	if f.beforeRefund != nil {
		cb := f.beforeRefund
		f.beforeRefund = nil
		cb()
	}
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	f.balance += amount
	t := &models.CreditTransaction{ID: uuid.New(), UserID: userID, Type: models.TransactionRefund,
		Amount: amount, SessionID: sessionID, Description: desc}
	f.refunds = append(f.refunds, t)
	return t, nil
}

type fakeObjectStore struct {
	objects     map[string][]byte
	downloadErr map[string]error
	putErr      error
	deleted     []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte), downloadErr: make(map[string]error)}
}

func (f *fakeObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	if err := f.downloadErr[key]; err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (f *fakeObjectStore) Put(_ context.Context, data []byte, category, filename string) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	key := category + "/" + filename
	f.objects[key] = data
	return key, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeObjectStore) AccessURL(_ context.Context, key string) (string, error) {
	return "/uploads/" + key, nil
}

type fakeComp struct {
	configured bool
	err        error
	image      *compositor.Image

	gotSeed *int64
}

func (f *fakeComp) Configured() bool { return f.configured }

func (f *fakeComp) TryOn(_ context.Context, _, _ []byte, seed *int64) (*compositor.Image, error) {
	f.gotSeed = seed
	if f.err != nil {
		return nil, f.err
	}
	return f.image, nil
}

type fakeResults struct {
	results map[uuid.UUID]*models.Result
}

func (f *fakeResults) CreateTx(_ context.Context, tx pgx.Tx, res *models.Result) error {
	res.ID = uuid.New()
	res.CreatedAt = time.Now()
	cp := *res
	tx.(*fakeTx).onCommit = append(tx.(*fakeTx).onCommit, func() {
		f.results[cp.ID] = &cp
	})
	return nil
}

func (f *fakeResults) GetOwned(_ context.Context, userID, resultID uuid.UUID) (*models.Result, error) {
	r, ok := f.results[resultID]
	if !ok || r.UserID != userID || r.DeletedAt != nil {
		return nil, errors.New("result not found")
	}
	cp := *r
	return &cp, nil
}

type fixture struct {
	svc      *Service
	sessions *fakeSessions
	assets   *fakeAssets
	ledger   *fakeLedger
	store    *fakeObjectStore
	comp     *fakeComp
	results  *fakeResults

	enqueued   []execution.ProcessTryonArgs
	enqueueErr error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		sessions: newFakeSessions(),
		assets:   &fakeAssets{assets: make(map[uuid.UUID]*models.Asset)},
		ledger:   &fakeLedger{balance: 100},
		store:    newFakeObjectStore(),
		comp:     &fakeComp{configured: true, image: &compositor.Image{Data: testPNG(t), MimeType: "image/png"}},
		results:  &fakeResults{results: make(map[uuid.UUID]*models.Result)},
	}
	insert := func(_ context.Context, _ pgx.Tx, args execution.ProcessTryonArgs) error {
		if fx.enqueueErr != nil {
			return fx.enqueueErr
		}
		fx.enqueued = append(fx.enqueued, args)
		return nil
	}
	fx.svc = NewService(fx.sessions, fx.assets, fx.ledger, fx.store, fx.comp, fx.results, insert, testCredits, nil)
	return fx
}

// seedAssets registers an owned subject/garment pair with stored objects.
func (fx *fixture) seedAssets(t *testing.T, userID uuid.UUID) (subjectID, garmentID uuid.UUID) {
	t.Helper()
	subjectID = fx.assets.add(userID, models.AssetKindSubject, "models/subject.png")
	garmentID = fx.assets.add(userID, models.AssetKindGarment, "clothing/garment.png")
	fx.store.objects["models/subject.png"] = []byte("subject-bytes")
	fx.store.objects["clothing/garment.png"] = []byte("garment-bytes")
	return subjectID, garmentID
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 6, 4))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestStartChargesAndEnqueuesAtomically(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	seed := int64(7)
	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, &seed)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if session.Status != models.SessionProcessing {
		t.Errorf("status: got %q", session.Status)
	}
	if session.CreditTransactionID == nil {
		t.Error("debit transaction not stamped on session")
	}
	if fx.ledger.balance != 100-testCredits {
		t.Errorf("balance: got %d, want %d", fx.ledger.balance, 100-testCredits)
	}
	if len(fx.ledger.debits) != 1 || fx.ledger.debits[0].SessionID == nil || *fx.ledger.debits[0].SessionID != session.ID {
		t.Error("debit must be tagged with the session id")
	}
	if !fx.sessions.lastTx.committed {
		t.Error("start transaction never committed")
	}

	if len(fx.enqueued) != 1 {
		t.Fatalf("enqueued jobs: got %d, want 1", len(fx.enqueued))
	}
	args := fx.enqueued[0]
	if args.SessionID != session.ID || args.SubjectKey != "models/subject.png" ||
		args.GarmentKey != "clothing/garment.png" || args.Credits != testCredits {
		t.Errorf("job args: %+v", args)
	}
	if args.Seed == nil || *args.Seed != 7 {
		t.Errorf("seed not forwarded: %v", args.Seed)
	}
}

func TestStartInsufficientCredits(t *testing.T) {
	fx := newFixture(t)
	fx.ledger.balance = testCredits - 1
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	_, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got: %v", err)
	}
	if len(fx.sessions.sessions) != 0 {
		t.Error("no session may exist for a rejected start")
	}
	if len(fx.enqueued) != 0 {
		t.Error("no job may be enqueued for a rejected start")
	}
}

func TestStartRejectsForeignOrDeletedAssets(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	// Someone else's asset.
	otherSubject := fx.assets.add(uuid.New(), models.AssetKindSubject, "models/other.png")
	if _, err := fx.svc.Start(context.Background(), userID, otherSubject, garmentID, nil); !errors.Is(err, assets.ErrAssetNotFound) {
		t.Errorf("foreign asset: expected ErrAssetNotFound, got %v", err)
	}

	// Soft-deleted asset.
	now := time.Now()
	fx.assets.assets[subjectID].DeletedAt = &now
	if _, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil); !errors.Is(err, assets.ErrAssetNotFound) {
		t.Errorf("deleted asset: expected ErrAssetNotFound, got %v", err)
	}
}

func TestStartRejectsKindMismatch(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	_, err := fx.svc.Start(context.Background(), userID, garmentID, subjectID, nil)
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got: %v", err)
	}
}

func TestStartCompositorUnconfigured(t *testing.T) {
	fx := newFixture(t)
	fx.comp.configured = false
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	_, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if !errors.Is(err, ErrCompositorNotConfigured) {
		t.Fatalf("expected ErrCompositorNotConfigured, got: %v", err)
	}
}

func TestStartEnqueueFailureRollsBack(t *testing.T) {
	fx := newFixture(t)
	fx.enqueueErr = errors.New("queue down")
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	_, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if fx.sessions.lastTx.committed {
		t.Error("transaction must not commit when the enqueue fails")
	}
}

func TestProcessSessionSuccess(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}

	got := fx.sessions.sessions[session.ID]
	if got.Status != models.SessionCompleted {
		t.Fatalf("status: got %q, want completed", got.Status)
	}
	if got.ResultID == nil {
		t.Fatal("result id not set")
	}

	res := fx.results.results[*got.ResultID]
	if res.CreditsUsed != testCredits {
		t.Errorf("creditsUsed: got %d, want %d", res.CreditsUsed, testCredits)
	}
	if res.Width != 6 || res.Height != 4 {
		t.Errorf("result dimensions: got %dx%d, want 6x4", res.Width, res.Height)
	}
	if !strings.HasPrefix(res.StorageKey, "results/") {
		t.Errorf("result key namespace: got %q", res.StorageKey)
	}
	if _, ok := fx.store.objects[res.StorageKey]; !ok {
		t.Error("result object not stored")
	}
	if res.ProcessingDurationMs < 0 {
		t.Errorf("duration: got %d", res.ProcessingDurationMs)
	}
	if len(fx.ledger.refunds) != 0 {
		t.Error("success must not refund")
	}
}

func TestProcessSessionCompositorFailureRefunds(t *testing.T) {
	fx := newFixture(t)
	fx.comp.err = errors.New("blocked: SAFETY")
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	balanceAfterDebit := fx.ledger.balance

	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}

	got := fx.sessions.sessions[session.ID]
	if got.Status != models.SessionFailed {
		t.Fatalf("status: got %q, want failed", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "blocked") {
		t.Errorf("error message: %v", got.ErrorMessage)
	}
	if got.CreditRefundTransactionID == nil {
		t.Error("refund transaction not stamped")
	}
	if fx.ledger.balance != balanceAfterDebit+testCredits {
		t.Errorf("balance after refund: got %d, want %d", fx.ledger.balance, balanceAfterDebit+testCredits)
	}
	if len(fx.results.results) != 0 {
		t.Error("failed job must not create a result")
	}
}

func TestProcessSessionDownloadFailureRefunds(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)
	fx.store.downloadErr["models/subject.png"] = errors.New("storage unavailable")

	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	if fx.sessions.sessions[session.ID].Status != models.SessionFailed {
		t.Error("session should be failed")
	}
	if len(fx.ledger.refunds) != 1 {
		t.Errorf("refunds: got %d, want 1", len(fx.ledger.refunds))
	}
}

func TestProcessSessionRefundFailureStillMarksFailed(t *testing.T) {
	fx := newFixture(t)
	fx.comp.err = errors.New("timeout")
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.ledger.refundErr = errors.New("ledger down")

	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}

	got := fx.sessions.sessions[session.ID]
	if got.Status != models.SessionFailed {
		t.Fatalf("refund failure must not leave session in %q", got.Status)
	}
	if got.CreditRefundTransactionID != nil {
		t.Error("no refund transaction should be stamped when the refund failed")
	}
}

func TestProcessSessionAlreadyTerminal(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Sweep beat the worker to it.
	if _, err := fx.sessions.MarkFailed(context.Background(), session.ID, "processing timed out", nil); err != nil {
		t.Fatal(err)
	}

	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}

	if fx.sessions.sessions[session.ID].Status != models.SessionFailed {
		t.Error("terminal session must not change state")
	}
	if len(fx.store.deleted) != 1 || !strings.HasPrefix(fx.store.deleted[0], "results/") {
		t.Errorf("orphan result object should be deleted: %v", fx.store.deleted)
	}
	if len(fx.results.results) != 0 {
		t.Error("no result row for a terminal session")
	}
}

func TestFailureRefundsExactlyOnceUnderConcurrentSweep(t *testing.T) {
	fx := newFixture(t)
	fx.comp.err = errors.New("compositor hang")
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Age the session past the horizon so a sweep pass would pick it up.
	fx.sessions.sessions[session.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	fx.sessions.debits[session.ID] = testCredits
	balanceAfterDebit := fx.ledger.balance

	// The sweep lands between the worker claiming the session and its refund
	// going through.
	sweeper := NewSweeper(fx.sessions, fx.ledger, time.Hour, nil)
	fx.ledger.beforeRefund = func() {
		if _, err := sweeper.Run(context.Background()); err != nil {
			t.Errorf("sweep: %v", err)
		}
	}

	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}

	if len(fx.ledger.refunds) != 1 {
		t.Fatalf("refunds: got %d, want exactly 1", len(fx.ledger.refunds))
	}
	if fx.ledger.balance != balanceAfterDebit+testCredits {
		t.Errorf("balance: got %d, want %d", fx.ledger.balance, balanceAfterDebit+testCredits)
	}
	got := fx.sessions.sessions[session.ID]
	if got.Status != models.SessionFailed {
		t.Errorf("status: got %q", got.Status)
	}
	if got.CreditRefundTransactionID == nil {
		t.Error("refund transaction not stamped")
	}
}

func TestFailureAfterSweepDoesNotRefundAgain(t *testing.T) {
	fx := newFixture(t)
	fx.comp.err = errors.New("compositor hang")
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.sessions.sessions[session.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	fx.sessions.debits[session.ID] = testCredits

	sweeper := NewSweeper(fx.sessions, fx.ledger, time.Hour, nil)
	if n, err := sweeper.Run(context.Background()); err != nil || n != 1 {
		t.Fatalf("sweep: got (%d, %v), want (1, nil)", n, err)
	}
	balanceAfterSweep := fx.ledger.balance

	// The worker's failure arrives after the sweep already settled the
	// session; it must lose the claim and refund nothing.
	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}

	if len(fx.ledger.refunds) != 1 {
		t.Fatalf("refunds: got %d, want exactly 1", len(fx.ledger.refunds))
	}
	if fx.ledger.balance != balanceAfterSweep {
		t.Errorf("balance: got %d, want %d", fx.ledger.balance, balanceAfterSweep)
	}
}

func TestStartRetry(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	if _, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}

	var originalID uuid.UUID
	for id := range fx.results.results {
		originalID = id
	}

	retrySession, err := fx.svc.StartRetry(context.Background(), userID, originalID)
	if err != nil {
		t.Fatalf("StartRetry: %v", err)
	}
	if retrySession.Status != models.SessionProcessing {
		t.Errorf("retry status: got %q", retrySession.Status)
	}
	if len(fx.ledger.debits) != 2 {
		t.Errorf("retry must be a fresh debit: got %d debits", len(fx.ledger.debits))
	}

	args := fx.enqueued[1]
	if !args.IsRetry || args.RetryFrom == nil || *args.RetryFrom != originalID {
		t.Errorf("retry args: %+v", args)
	}

	if err := fx.svc.ProcessSession(context.Background(), args); err != nil {
		t.Fatalf("ProcessSession retry: %v", err)
	}
	retried := fx.results.results[*fx.sessions.sessions[retrySession.ID].ResultID]
	if !retried.IsRetry || retried.RetryFromID == nil || *retried.RetryFromID != originalID {
		t.Errorf("retry result: isRetry=%v retryFrom=%v", retried.IsRetry, retried.RetryFromID)
	}
}

func TestStartRetryRejectsDeletedSource(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	if _, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	var resultID uuid.UUID
	for id := range fx.results.results {
		resultID = id
	}

	now := time.Now()
	fx.assets.assets[garmentID].DeletedAt = &now

	if _, err := fx.svc.StartRetry(context.Background(), userID, resultID); !errors.Is(err, assets.ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got: %v", err)
	}
}

func TestGetStatusResolvesResultURL(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	view, err := fx.svc.GetStatus(context.Background(), userID, session.ID)
	if err != nil {
		t.Fatalf("GetStatus while processing: %v", err)
	}
	if view.Status != models.SessionProcessing || view.ResultURL != "" {
		t.Errorf("processing view: status=%q url=%q", view.Status, view.ResultURL)
	}

	if err := fx.svc.ProcessSession(context.Background(), fx.enqueued[0]); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}

	view, err = fx.svc.GetStatus(context.Background(), userID, session.ID)
	if err != nil {
		t.Fatalf("GetStatus when completed: %v", err)
	}
	if view.Status != models.SessionCompleted {
		t.Errorf("status: got %q", view.Status)
	}
	if !strings.HasPrefix(view.ResultURL, "/uploads/results/") {
		t.Errorf("result url: got %q", view.ResultURL)
	}

	// Ownership check.
	if _, err := fx.svc.GetStatus(context.Background(), uuid.New(), session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("foreign session: expected ErrSessionNotFound, got %v", err)
	}
}

func TestSweeperFailsAndRefundsStaleSessions(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	session, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Age the session past the horizon and record its charge.
	fx.sessions.sessions[session.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	fx.sessions.debits[session.ID] = testCredits

	sweeper := NewSweeper(fx.sessions, fx.ledger, time.Hour, nil)
	n, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept: got %d, want 1", n)
	}

	got := fx.sessions.sessions[session.ID]
	if got.Status != models.SessionFailed {
		t.Errorf("status: got %q", got.Status)
	}
	if got.CreditRefundTransactionID == nil {
		t.Error("sweep refund not stamped")
	}
	if len(fx.ledger.refunds) != 1 || fx.ledger.refunds[0].Amount != testCredits {
		t.Errorf("refunds: %+v", fx.ledger.refunds)
	}

	// A second pass finds nothing.
	n, err = sweeper.Run(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second pass: got (%d, %v)", n, err)
	}
}

func TestSweeperSkipsFreshSessions(t *testing.T) {
	fx := newFixture(t)
	userID := uuid.New()
	subjectID, garmentID := fx.seedAssets(t, userID)

	if _, err := fx.svc.Start(context.Background(), userID, subjectID, garmentID, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sweeper := NewSweeper(fx.sessions, fx.ledger, time.Hour, nil)
	n, err := sweeper.Run(context.Background())
	if err != nil || n != 0 {
		t.Errorf("fresh session swept: got (%d, %v)", n, err)
	}
}
