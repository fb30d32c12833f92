package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/events"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

type fakeSigner struct {
	mu          sync.Mutex
	creates     int
	withdraws   []uint64
	cancels     []string
	createErr   error
	withdrawErr error
	cancelErr   error
}

func (f *fakeSigner) Create(ctx context.Context, beneficiary string, lamports uint64) (engine.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return engine.CreateResult{}, f.createErr
	}
	f.creates++
	return engine.CreateResult{
		StreamID:     fmt.Sprintf("chain-%d", f.creates),
		TxSignature:  fmt.Sprintf("create-sig-%d", f.creates),
		TotalLamport: lamports,
	}, nil
}

func (f *fakeSigner) Withdraw(ctx context.Context, streamID string, lamports uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withdrawErr != nil {
		return "", f.withdrawErr
	}
	f.withdraws = append(f.withdraws, lamports)
	return fmt.Sprintf("withdraw-sig-%d", len(f.withdraws)), nil
}

func (f *fakeSigner) Cancel(ctx context.Context, streamID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return "", f.cancelErr
	}
	f.cancels = append(f.cancels, streamID)
	return "cancel-sig", nil
}

func (f *fakeSigner) Get(ctx context.Context, streamID string) (engine.OnChainInfo, error) {
	return engine.OnChainInfo{StreamID: streamID}, nil
}

func (f *fakeSigner) withdrawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.withdraws)
}

type fakeVerifier struct {
	verdict engine.Verdict
	err     error
}

func (f *fakeVerifier) Verify(ctx context.Context, streamID, fileURL string, categories []string) (engine.Verdict, error) {
	if f.err != nil {
		return engine.Verdict{}, f.err
	}
	return f.verdict, nil
}

type testEnv struct {
	Engine   *engine.Engine
	Signer   *fakeSigner
	Verifier *fakeVerifier
	Ctx      context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	fs := &fakeSigner{}
	fv := &fakeVerifier{verdict: engine.Verdict{Passed: true, Confidence: 0.9}}
	eng := &engine.Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn, Now: now},
		Config:   config.Default(),
		Signer:   fs,
		Verifier: fv,
		Now:      now,
	}
	return &testEnv{Engine: eng, Signer: fs, Verifier: fv, Ctx: context.Background()}
}

func startStream(t *testing.T, env *testEnv, total float64) engine.StartResult {
	t.Helper()
	res, err := env.Engine.CreateStream(env.Ctx, "wallet-abc", total)
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	return res
}

func TestCreateStreamAutoReleasesFirstStage(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)

	if res.Stream.CurrentStage != 1 {
		t.Fatalf("currentStage = %d, want 1", res.Stream.CurrentStage)
	}
	if res.Stream.ReleasedSOL != 0.5 {
		t.Fatalf("releasedAmountSol = %v, want 0.5", res.Stream.ReleasedSOL)
	}
	if res.Stream.Status != domain.StreamActive {
		t.Fatalf("status = %s, want active", res.Stream.Status)
	}
	if res.InitialRelease.Index != 0 || res.InitialRelease.Status != domain.StageReleased {
		t.Fatalf("initial release = %+v", res.InitialRelease)
	}
	if res.InitialRelease.TxSignature == nil || *res.InitialRelease.TxSignature == "" {
		t.Fatalf("initial release has no tx signature")
	}
	if got := env.Signer.withdraws[0]; got != 500_000_000 {
		t.Fatalf("withdraw lamports = %d, want 500000000", got)
	}
}

func TestCreateStreamValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError
	if _, err := env.Engine.CreateStream(env.Ctx, "wallet-abc", 0); !errors.As(err, &ve) {
		t.Fatalf("zero amount: got %v, want ValidationError", err)
	}
	if _, err := env.Engine.CreateStream(env.Ctx, "", 5); !errors.As(err, &ve) {
		t.Fatalf("empty beneficiary: got %v, want ValidationError", err)
	}
}

func TestCreateStreamTransactorFailureLeavesNoState(t *testing.T) {
	env := newTestEnv(t)
	env.Signer.createErr = errors.New("chain down")
	var ce engine.CollaboratorError
	if _, err := env.Engine.CreateStream(env.Ctx, "wallet-abc", 10); !errors.As(err, &ce) {
		t.Fatalf("got %v, want CollaboratorError", err)
	}
	streams, err := env.Engine.ListStreams(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 0 {
		t.Fatalf("expected no streams, got %d", len(streams))
	}
}

func TestSubmitProofPassingReleasesStage(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)

	out, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil)
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if out.Proof.Status != domain.ProofVerified {
		t.Fatalf("proof status = %s, want verified", out.Proof.Status)
	}
	if out.Released == nil || out.Released.Index != 1 {
		t.Fatalf("released = %+v, want stage 1", out.Released)
	}
	s, err := env.Engine.Repo.GetStream(env.Ctx, res.Stream.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.CurrentStage != 2 {
		t.Fatalf("currentStage = %d, want 2", s.CurrentStage)
	}
	if s.ReleasedSOL != 2.0 {
		t.Fatalf("releasedAmountSol = %v, want 2.0", s.ReleasedSOL)
	}
}

func TestSubmitProofFailingVerdictRejects(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	env.Verifier.verdict = engine.Verdict{Passed: false, Confidence: 0.2, Missing: []string{"receipt"}}

	out, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/cat.jpg", nil)
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if out.Proof.Status != domain.ProofRejected {
		t.Fatalf("proof status = %s, want rejected", out.Proof.Status)
	}
	if out.Released != nil {
		t.Fatalf("rejected proof released a stage")
	}
	s, _ := env.Engine.Repo.GetStream(env.Ctx, res.Stream.ID)
	if s.CurrentStage != 1 {
		t.Fatalf("currentStage moved to %d on rejection", s.CurrentStage)
	}
	st, _ := env.Engine.Repo.GetStage(env.Ctx, res.Stream.ID, 1)
	if st.Status != domain.StagePending {
		t.Fatalf("stage 1 status = %s, want pending", st.Status)
	}

	// Retry with new evidence succeeds and leaves the rejected proof intact.
	env.Verifier.verdict = engine.Verdict{Passed: true, Confidence: 0.95}
	retry, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Proof.Status != domain.ProofVerified || retry.Released == nil {
		t.Fatalf("retry = %+v", retry)
	}
	proofs, err := env.Engine.ListProofs(env.Ctx, res.Stream.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(proofs) != 2 {
		t.Fatalf("proof history = %d rows, want 2", len(proofs))
	}
}

func TestSubmitProofLowConfidenceRejects(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	env.Verifier.verdict = engine.Verdict{Passed: true, Confidence: 0.3}

	out, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/blurry.jpg", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Proof.Status != domain.ProofRejected {
		t.Fatalf("confidence 0.3 below threshold should reject, got %s", out.Proof.Status)
	}
}

func TestSubmitProofVerifierUnreachableRejects(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	env.Verifier.err = errors.New("connection refused")

	out, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil)
	if err != nil {
		t.Fatalf("oracle failure must reject, not error: %v", err)
	}
	if out.Proof.Status != domain.ProofRejected {
		t.Fatalf("proof status = %s, want rejected", out.Proof.Status)
	}
	if !strings.Contains(out.Verdict.Explanation, "verification unavailable") {
		t.Fatalf("explanation = %q", out.Verdict.Explanation)
	}
}

func TestSubmitProofStageMismatch(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)

	_, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 3, "https://example.com/receipt.jpg", nil)
	var sme engine.StageMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("got %v, want StageMismatchError", err)
	}
	if sme.Expected != 1 || sme.Got != 3 {
		t.Fatalf("mismatch = %+v", sme)
	}
}

func TestSubmitProofUnknownStream(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitProof(env.Ctx, "nope", 1, "https://example.com/receipt.jpg", nil)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReleaseStageIdempotent(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	before := env.Signer.withdrawCount()

	again, err := env.Engine.ReleaseStage(env.Ctx, res.Stream.ID, 0)
	if err != nil {
		t.Fatalf("re-release: %v", err)
	}
	if env.Signer.withdrawCount() != before {
		t.Fatalf("second release hit the chain")
	}
	if again.TxSignature == nil || *again.TxSignature != *res.InitialRelease.TxSignature {
		t.Fatalf("re-release returned different data: %+v", again)
	}
}

func TestReleaseStageOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)

	_, err := env.Engine.ReleaseStage(env.Ctx, res.Stream.ID, 2)
	var sce engine.StateConflictError
	if !errors.As(err, &sce) {
		t.Fatalf("got %v, want StateConflictError", err)
	}
}

func TestConcurrentReleaseWithdrawsOnce(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	before := env.Signer.withdrawCount()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.ReleaseStage(env.Ctx, res.Stream.ID, 1)
			if err != nil {
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := env.Signer.withdrawCount() - before; got != 1 {
		t.Fatalf("stage 1 withdrawn %d times", got)
	}
}

func TestFinalStageCompletesStream(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	for stage := 1; stage <= 3; stage++ {
		if _, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, stage, "https://example.com/receipt.jpg", nil); err != nil {
			t.Fatalf("stage %d: %v", stage, err)
		}
	}
	s, err := env.Engine.Repo.GetStream(env.Ctx, res.Stream.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.StreamCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	if s.ReleasedSOL != s.TotalSOL {
		t.Fatalf("released %v of %v", s.ReleasedSOL, s.TotalSOL)
	}
	total, err := env.Engine.Repo.ReleasedTotal(env.Ctx, res.Stream.ID)
	if err != nil {
		t.Fatal(err)
	}
	if total != s.ReleasedSOL {
		t.Fatalf("stage rows sum to %v, stream says %v", total, s.ReleasedSOL)
	}
}

func TestReleasedAmountMatchesStageRows(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 7)
	if _, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil); err != nil {
		t.Fatal(err)
	}
	s, _ := env.Engine.Repo.GetStream(env.Ctx, res.Stream.ID)
	total, err := env.Engine.Repo.ReleasedTotal(env.Ctx, res.Stream.ID)
	if err != nil {
		t.Fatal(err)
	}
	if total != s.ReleasedSOL {
		t.Fatalf("stage rows sum to %v, stream says %v", total, s.ReleasedSOL)
	}
}

func TestWithdrawFailureLeavesStagePending(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	env.Signer.withdrawErr = errors.New("rpc timeout")

	_, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil)
	var ce engine.CollaboratorError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CollaboratorError", err)
	}
	st, _ := env.Engine.Repo.GetStage(env.Ctx, res.Stream.ID, 1)
	if st.Status != domain.StagePending {
		t.Fatalf("stage 1 = %s after failed withdraw", st.Status)
	}
	s, _ := env.Engine.Repo.GetStream(env.Ctx, res.Stream.ID)
	if s.CurrentStage != 1 || s.ReleasedSOL != 0.5 {
		t.Fatalf("stream mutated on failed withdraw: %+v", s)
	}

	// Signer recovers; resubmitting releases the stage.
	env.Signer.withdrawErr = nil
	out, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil)
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if out.Released == nil || out.Released.Index != 1 {
		t.Fatalf("retry did not release stage 1: %+v", out)
	}
}

func TestPauseBlocksProofs(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)

	if _, err := env.Engine.PauseStream(env.Ctx, res.Stream.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil)
	var sce engine.StateConflictError
	if !errors.As(err, &sce) {
		t.Fatalf("got %v, want StateConflictError", err)
	}

	if _, err := env.Engine.ResumeStream(env.Ctx, res.Stream.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil); err != nil {
		t.Fatalf("proof after resume: %v", err)
	}
}

func TestResumeCompletedStreamFails(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	for stage := 1; stage <= 3; stage++ {
		if _, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, stage, "https://example.com/receipt.jpg", nil); err != nil {
			t.Fatal(err)
		}
	}
	var sce engine.StateConflictError
	if _, err := env.Engine.ResumeStream(env.Ctx, res.Stream.ID); !errors.As(err, &sce) {
		t.Fatalf("resume completed: got %v, want StateConflictError", err)
	}
	if _, err := env.Engine.PauseStream(env.Ctx, res.Stream.ID); !errors.As(err, &sce) {
		t.Fatalf("pause completed: got %v, want StateConflictError", err)
	}
}

func TestCancelStream(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	if _, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil); err != nil {
		t.Fatal(err)
	}

	out, err := env.Engine.CancelStream(env.Ctx, res.Stream.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Stream.Status != domain.StreamCancelled {
		t.Fatalf("status = %s, want cancelled", out.Stream.Status)
	}
	if out.TxSignature != "cancel-sig" {
		t.Fatalf("txSignature = %q", out.TxSignature)
	}

	// No further releases, prior releases untouched.
	var sce engine.StateConflictError
	if _, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 2, "https://example.com/receipt.jpg", nil); !errors.As(err, &sce) {
		t.Fatalf("proof after cancel: got %v, want StateConflictError", err)
	}
	if _, err := env.Engine.ReleaseStage(env.Ctx, res.Stream.ID, 2); !errors.As(err, &sce) {
		t.Fatalf("release after cancel: got %v, want StateConflictError", err)
	}
	s, _ := env.Engine.Repo.GetStream(env.Ctx, res.Stream.ID)
	if s.ReleasedSOL != 2.0 {
		t.Fatalf("released amount changed on cancel: %v", s.ReleasedSOL)
	}
	if _, err := env.Engine.CancelStream(env.Ctx, res.Stream.ID); !errors.As(err, &sce) {
		t.Fatalf("double cancel: got %v, want StateConflictError", err)
	}
}

func TestCancelSurvivesChainFailure(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	env.Signer.cancelErr = errors.New("rpc timeout")

	out, err := env.Engine.CancelStream(env.Ctx, res.Stream.ID)
	if err != nil {
		t.Fatalf("cancel must not fail on chain error: %v", err)
	}
	if out.Stream.Status != domain.StreamCancelled {
		t.Fatalf("status = %s, want cancelled", out.Stream.Status)
	}
	if out.ChainError == "" {
		t.Fatalf("chain error not reported")
	}
}

func TestStreamStatusDoc(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)

	doc, err := env.Engine.StreamStatus(env.Ctx, res.Stream.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Stages) != 4 {
		t.Fatalf("stages = %d, want 4", len(doc.Stages))
	}
	if doc.ReleasedPct != 5 || doc.RemainingPct != 95 {
		t.Fatalf("percentages = %d/%d", doc.ReleasedPct, doc.RemainingPct)
	}
	if doc.RemainingSOL != 9.5 {
		t.Fatalf("remaining = %v", doc.RemainingSOL)
	}
	if doc.IsCompleted {
		t.Fatalf("fresh stream reported completed")
	}
}

func TestStreamEventsLedger(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	if _, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil); err != nil {
		t.Fatal(err)
	}

	items, err := env.Engine.StreamEvents(env.Ctx, res.Stream.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range items {
		seen[e.Type] = true
	}
	for _, want := range []string{"stream.created", "stage.released", "proof.submitted", "proof.verified"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestDeleteStreamCascades(t *testing.T) {
	env := newTestEnv(t)
	res := startStream(t, env, 10)
	if _, err := env.Engine.SubmitProof(env.Ctx, res.Stream.ID, 1, "https://example.com/receipt.jpg", nil); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteStream(env.Ctx, res.Stream.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetStream(env.Ctx, res.Stream.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("stream still present: %v", err)
	}
	if _, err := env.Engine.Repo.GetStage(env.Ctx, res.Stream.ID, 0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("stages survived delete: %v", err)
	}
	proofs, err := env.Engine.Repo.ListProofs(env.Ctx, res.Stream.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(proofs) != 0 {
		t.Fatalf("proofs survived delete: %d", len(proofs))
	}
}

func TestLamportsTruncation(t *testing.T) {
	// 0.1 SOL stage amounts must never round up.
	if got := engine.Lamports(0.1); got > 100_000_000 {
		t.Fatalf("lamports(0.1) = %d, rounds up", got)
	}
	if got := engine.Lamports(2.5); got != 2_500_000_000 {
		t.Fatalf("lamports(2.5) = %d", got)
	}
}
