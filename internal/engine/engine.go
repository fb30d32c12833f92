package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/repo"
)

// CreateResult is the transactor's answer to locking funds in custody.
type CreateResult struct {
	StreamID     string
	TxSignature  string
	TotalLamport uint64
}

// OnChainInfo is the transactor's view of an escrow account.
type OnChainInfo struct {
	StreamID         string  `json:"streamId"`
	Recipient        string  `json:"recipient"`
	DepositedLamport uint64  `json:"depositedLamports"`
	WithdrawnLamport uint64  `json:"withdrawnLamports"`
	Closed           bool    `json:"closed"`
	RawStatus        string  `json:"rawStatus,omitempty"`
	DepositedSOL     float64 `json:"depositedSol"`
	WithdrawnSOL     float64 `json:"withdrawnSol"`
}

// Transactor moves funds in and out of on-chain custody.
type Transactor interface {
	Create(ctx context.Context, beneficiary string, lamports uint64) (CreateResult, error)
	Withdraw(ctx context.Context, streamID string, lamports uint64) (string, error)
	Cancel(ctx context.Context, streamID string) (string, error)
	Get(ctx context.Context, streamID string) (OnChainInfo, error)
}

// Verdict is the verification oracle's judgement of one piece of evidence.
type Verdict struct {
	Passed      bool     `json:"passed"`
	Confidence  float64  `json:"confidence"`
	Matched     []string `json:"matchedCategories"`
	Missing     []string `json:"missingCategories"`
	Explanation string   `json:"explanation"`
}

// Verifier judges submitted evidence against expected categories.
type Verifier interface {
	Verify(ctx context.Context, streamID, fileURL string, categories []string) (Verdict, error)
}

// Engine owns stream, stage, and proof state. All mutations for one stream
// run under that stream's lock; collaborator calls happen inside the critical
// section so the verify-then-release sequence cannot interleave.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Signer   Transactor
	Verifier Verifier
	Now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) lockStream(id string) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Lamports converts a SOL amount to lamports, truncating fractional lamports
// so a computed payout can never exceed the scheduled amount.
func Lamports(sol float64) uint64 {
	return uint64(sol * domain.LamportsPerSOL)
}

// StartResult is what CreateStream returns: the persisted stream plus the
// auto-released first stage.
type StartResult struct {
	Stream         domain.Stream
	InitialRelease domain.Stage
}

// CreateStream locks totalSOL in custody for the beneficiary, persists the
// stream and its stage rows from the schedule, then releases stage 0.
func (e *Engine) CreateStream(ctx context.Context, beneficiary string, totalSOL float64) (StartResult, error) {
	if beneficiary == "" {
		return StartResult{}, validationf("beneficiary is required")
	}
	if totalSOL <= 0 {
		return StartResult{}, validationf("totalAmountSol must be positive, got %v", totalSOL)
	}

	created, err := e.Signer.Create(ctx, beneficiary, Lamports(totalSOL))
	if err != nil {
		return StartResult{}, CollaboratorError{Service: "signer", Op: "create", Err: err}
	}
	streamID := created.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}

	now := e.nowStr()
	stream := domain.Stream{
		ID:          streamID,
		Beneficiary: beneficiary,
		Status:      domain.StreamPaused,
		TotalSOL:    totalSOL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	stages := make([]domain.Stage, 0, e.Config.StageCount())
	for i := 0; i < e.Config.StageCount(); i++ {
		amount, err := e.Config.StageAmount(totalSOL, i)
		if err != nil {
			return StartResult{}, err
		}
		pct, _ := e.Config.StagePercentage(i)
		stages = append(stages, domain.Stage{
			StreamID:   streamID,
			Index:      i,
			Percentage: pct,
			AmountSOL:  amount,
			Status:     domain.StagePending,
		})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StartResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStream(ctx, tx, stream); err != nil {
		return StartResult{}, err
	}
	if err := e.Repo.InsertStages(ctx, tx, stages); err != nil {
		return StartResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "stream.created", streamID, "stream", streamID, events.EventPayload{
		"beneficiary":    beneficiary,
		"totalAmountSol": totalSOL,
		"txSignature":    created.TxSignature,
	}); err != nil {
		return StartResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StartResult{}, err
	}

	// Stage 0 is unconditional: the first tranche pays out on creation. If
	// the withdraw fails the stream stays persisted with the stage pending
	// and the caller retries the release.
	released, err := e.ReleaseStage(ctx, streamID, 0)
	if err != nil {
		return StartResult{}, err
	}
	updated, err := e.Repo.GetStream(ctx, streamID)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{Stream: updated, InitialRelease: released}, nil
}

// ReleaseStage pays out one stage. It is idempotent: when the stage is
// already released it returns the stored release data without touching the
// chain again.
func (e *Engine) ReleaseStage(ctx context.Context, streamID string, index int) (domain.Stage, error) {
	unlock := e.lockStream(streamID)
	defer unlock()
	return e.releaseStage(ctx, streamID, index)
}

// releaseStage requires the stream lock to be held by the caller.
func (e *Engine) releaseStage(ctx context.Context, streamID string, index int) (domain.Stage, error) {
	if index < 0 || index >= e.Config.StageCount() {
		return domain.Stage{}, validationf("stage index %d is outside the schedule", index)
	}
	stream, err := e.Repo.GetStream(ctx, streamID)
	if err != nil {
		return domain.Stage{}, err
	}
	stage, err := e.Repo.GetStage(ctx, streamID, index)
	if err != nil {
		return domain.Stage{}, err
	}
	if stage.Status == domain.StageReleased {
		return stage, nil
	}
	if stream.Status == domain.StreamCancelled {
		return domain.Stage{}, conflictf("stream %s is cancelled", streamID)
	}
	if index != stream.CurrentStage {
		return domain.Stage{}, conflictf("stream %s releases stage %d next, got %d", streamID, stream.CurrentStage, index)
	}

	sig, err := e.Signer.Withdraw(ctx, streamID, Lamports(stage.AmountSOL))
	if err != nil {
		return domain.Stage{}, CollaboratorError{Service: "signer", Op: "withdraw", Err: err}
	}

	now := e.nowStr()
	final := index == e.Config.StageCount()-1
	status := domain.StreamActive
	if final {
		status = domain.StreamCompleted
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkStageReleased(ctx, tx, streamID, index, now, sig); err != nil {
		if errors.Is(err, repo.ErrStageReleased) {
			// Lost a race despite the lock; surface the stored result.
			tx.Rollback()
			return e.Repo.GetStage(ctx, streamID, index)
		}
		return domain.Stage{}, err
	}
	if err := e.Repo.ApplyRelease(ctx, tx, streamID, index+1, stream.ReleasedSOL+stage.AmountSOL, status, now); err != nil {
		return domain.Stage{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.released", streamID, "stage", fmt.Sprintf("%d", index), events.EventPayload{
		"stageIndex":  index,
		"amountSol":   stage.AmountSOL,
		"txSignature": sig,
		"final":       final,
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}

	stage.Status = domain.StageReleased
	stage.ReleasedAt = &now
	stage.TxSignature = &sig
	return stage, nil
}

// ProofResult carries the verdict and, when the verdict passed, the stage it
// unlocked.
type ProofResult struct {
	Proof    domain.Proof
	Verdict  Verdict
	Released *domain.Stage
}

// SubmitProof records evidence for the stage currently due, asks the oracle
// for a verdict, and on a passing verdict releases that stage. A failing,
// low-confidence, or unreachable-oracle outcome rejects the proof and leaves
// the stage pending for a retry with fresh evidence.
func (e *Engine) SubmitProof(ctx context.Context, streamID string, stageIndex int, fileURL string, categories []string) (ProofResult, error) {
	if fileURL == "" {
		return ProofResult{}, validationf("fileUrl is required")
	}
	if stageIndex < 0 || stageIndex >= e.Config.StageCount() {
		return ProofResult{}, validationf("stage index %d is outside the schedule", stageIndex)
	}

	unlock := e.lockStream(streamID)
	defer unlock()

	stream, err := e.Repo.GetStream(ctx, streamID)
	if err != nil {
		return ProofResult{}, err
	}
	if domain.StreamTerminal(stream.Status) {
		return ProofResult{}, conflictf("stream %s is %s", streamID, stream.Status)
	}
	if stream.Status == domain.StreamPaused {
		return ProofResult{}, conflictf("stream %s is paused", streamID)
	}
	if stageIndex != stream.CurrentStage {
		return ProofResult{}, StageMismatchError{StreamID: streamID, Expected: stream.CurrentStage, Got: stageIndex}
	}

	cats := e.Config.Categories(categories)
	proof := domain.Proof{
		ID:         uuid.NewString(),
		StreamID:   streamID,
		StageIndex: stageIndex,
		FileURL:    fileURL,
		Status:     domain.ProofPending,
		CreatedAt:  e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProofResult{}, err
	}
	if err := e.Repo.InsertProof(ctx, tx, proof); err != nil {
		tx.Rollback()
		return ProofResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "proof.submitted", streamID, "proof", proof.ID, events.EventPayload{
		"stageIndex": stageIndex,
		"fileUrl":    fileURL,
		"categories": cats,
	}); err != nil {
		tx.Rollback()
		return ProofResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProofResult{}, err
	}

	verdict, err := e.Verifier.Verify(ctx, streamID, fileURL, cats)
	if err != nil {
		// An unreachable oracle rejects rather than errors; the caller
		// retries with a new proof once the oracle is back.
		verdict = Verdict{Missing: cats, Explanation: fmt.Sprintf("verification unavailable: %v", err)}
	}
	passed := verdict.Passed && verdict.Confidence >= e.Config.Verification.MinConfidence

	status := domain.ProofRejected
	evtType := "proof.rejected"
	if passed {
		status = domain.ProofVerified
		evtType = "proof.verified"
	}
	now := e.nowStr()
	tx, err = e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProofResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RecordVerdict(ctx, tx, proof.ID, status, verdict.Confidence, verdict.Explanation, verdict.Matched, verdict.Missing, now); err != nil {
		return ProofResult{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, streamID, "proof", proof.ID, events.EventPayload{
		"stageIndex": stageIndex,
		"passed":     verdict.Passed,
		"confidence": verdict.Confidence,
	}); err != nil {
		return ProofResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProofResult{}, err
	}

	proof, err = e.Repo.GetProof(ctx, proof.ID)
	if err != nil {
		return ProofResult{}, err
	}
	result := ProofResult{Proof: proof, Verdict: verdict}
	if !passed {
		return result, nil
	}

	released, err := e.releaseStage(ctx, streamID, stageIndex)
	if err != nil {
		return ProofResult{}, err
	}
	result.Released = &released
	return result, nil
}

// PauseStream stops future proof submissions from progressing.
func (e *Engine) PauseStream(ctx context.Context, streamID string) (domain.Stream, error) {
	return e.setStatus(ctx, streamID, domain.StreamPaused, "stream.paused", "pause")
}

// ResumeStream reverses a pause.
func (e *Engine) ResumeStream(ctx context.Context, streamID string) (domain.Stream, error) {
	return e.setStatus(ctx, streamID, domain.StreamActive, "stream.resumed", "resume")
}

func (e *Engine) setStatus(ctx context.Context, streamID, status, evtType, op string) (domain.Stream, error) {
	unlock := e.lockStream(streamID)
	defer unlock()

	stream, err := e.Repo.GetStream(ctx, streamID)
	if err != nil {
		return domain.Stream{}, err
	}
	if domain.StreamTerminal(stream.Status) {
		return domain.Stream{}, conflictf("cannot %s stream %s: status is %s", op, streamID, stream.Status)
	}
	if stream.Status == status {
		return stream, nil
	}

	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStreamStatus(ctx, tx, streamID, status, now); err != nil {
		return domain.Stream{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, streamID, "stream", streamID, events.EventPayload{
		"from": stream.Status,
		"to":   status,
	}); err != nil {
		return domain.Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, err
	}
	stream.Status = status
	stream.UpdatedAt = now
	return stream, nil
}

// CancelResult reports a cancellation, including the on-chain signature when
// the unwind succeeded.
type CancelResult struct {
	Stream      domain.Stream
	TxSignature string
	ChainError  string
}

// CancelStream stops all future releases. The on-chain cancel is best-effort:
// a chain failure is recorded but does not block the local transition, since
// the point of cancelling is that no further withdraws will be issued.
func (e *Engine) CancelStream(ctx context.Context, streamID string) (CancelResult, error) {
	unlock := e.lockStream(streamID)
	defer unlock()

	stream, err := e.Repo.GetStream(ctx, streamID)
	if err != nil {
		return CancelResult{}, err
	}
	if domain.StreamTerminal(stream.Status) {
		return CancelResult{}, conflictf("cannot cancel stream %s: status is %s", streamID, stream.Status)
	}

	var sig, chainErr string
	if s, err := e.Signer.Cancel(ctx, streamID); err != nil {
		chainErr = err.Error()
	} else {
		sig = s
	}

	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CancelResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStreamStatus(ctx, tx, streamID, domain.StreamCancelled, now); err != nil {
		return CancelResult{}, err
	}
	payload := events.EventPayload{"txSignature": sig}
	if chainErr != "" {
		payload["chainError"] = chainErr
	}
	if err := e.Events.Append(ctx, tx, "stream.cancelled", streamID, "stream", streamID, payload); err != nil {
		return CancelResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CancelResult{}, err
	}
	stream.Status = domain.StreamCancelled
	stream.UpdatedAt = now
	return CancelResult{Stream: stream, TxSignature: sig, ChainError: chainErr}, nil
}

// StatusDoc is the full read model for one stream.
type StatusDoc struct {
	Stream       domain.Stream
	Stages       []domain.Stage
	RemainingSOL float64
	ReleasedPct  int
	RemainingPct int
	IsCompleted  bool
}

// StreamStatus assembles the read model from the stream and its stage rows.
func (e *Engine) StreamStatus(ctx context.Context, streamID string) (StatusDoc, error) {
	stream, err := e.Repo.GetStream(ctx, streamID)
	if err != nil {
		return StatusDoc{}, err
	}
	stages, err := e.Repo.ListStages(ctx, streamID)
	if err != nil {
		return StatusDoc{}, err
	}
	releasedPct := 0
	for _, st := range stages {
		if st.Status == domain.StageReleased {
			releasedPct += st.Percentage
		}
	}
	return StatusDoc{
		Stream:       stream,
		Stages:       stages,
		RemainingSOL: stream.TotalSOL - stream.ReleasedSOL,
		ReleasedPct:  releasedPct,
		RemainingPct: 100 - releasedPct,
		IsCompleted:  stream.Status == domain.StreamCompleted,
	}, nil
}

// ListStreams returns all streams, newest first.
func (e *Engine) ListStreams(ctx context.Context) ([]domain.Stream, error) {
	return e.Repo.ListStreams(ctx)
}

// ListProofs returns a stream's proof history, newest first.
func (e *Engine) ListProofs(ctx context.Context, streamID string) ([]domain.Proof, error) {
	if _, err := e.Repo.GetStream(ctx, streamID); err != nil {
		return nil, err
	}
	return e.Repo.ListProofs(ctx, streamID)
}

// StreamEvents returns a stream's ledger entries, newest first.
func (e *Engine) StreamEvents(ctx context.Context, streamID string, limit int) ([]domain.Event, error) {
	if _, err := e.Repo.GetStream(ctx, streamID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, limit, streamID, "")
}

// OnChain fetches the transactor's view of the stream's escrow account.
func (e *Engine) OnChain(ctx context.Context, streamID string) (OnChainInfo, error) {
	if _, err := e.Repo.GetStream(ctx, streamID); err != nil {
		return OnChainInfo{}, err
	}
	info, err := e.Signer.Get(ctx, streamID)
	if err != nil {
		return OnChainInfo{}, CollaboratorError{Service: "signer", Op: "get", Err: err}
	}
	return info, nil
}

// DeleteStream removes a stream and, via cascade, its stages and proofs.
func (e *Engine) DeleteStream(ctx context.Context, streamID string) error {
	unlock := e.lockStream(streamID)
	defer unlock()
	return e.Repo.DeleteStream(ctx, streamID)
}
