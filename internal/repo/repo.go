package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stagegate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStageReleased is returned by MarkStageReleased when the conditional
// update matched no pending row; the idempotency guard tripped.
var ErrStageReleased = errors.New("stage already released")

const streamCols = `id,beneficiary,status,current_stage,total_sol,released_sol,created_at,updated_at`

func scanStream(scan func(dest ...any) error) (domain.Stream, error) {
	var s domain.Stream
	err := scan(&s.ID, &s.Beneficiary, &s.Status, &s.CurrentStage, &s.TotalSOL, &s.ReleasedSOL, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertStream(ctx context.Context, tx *sql.Tx, s domain.Stream) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO streams(`+streamCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.Beneficiary, s.Status, s.CurrentStage, s.TotalSOL, s.ReleasedSOL, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetStream(ctx context.Context, id string) (domain.Stream, error) {
	return scanStream(r.DB.QueryRowContext(ctx, `SELECT `+streamCols+` FROM streams WHERE id=?`, id).Scan)
}

func (r Repo) GetStreamTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stream, error) {
	return scanStream(tx.QueryRowContext(ctx, `SELECT `+streamCols+` FROM streams WHERE id=?`, id).Scan)
}

func (r Repo) ListStreams(ctx context.Context) ([]domain.Stream, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+streamCols+` FROM streams ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stream
	for rows.Next() {
		s, err := scanStream(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateStreamStatus sets the status of a stream, returning ErrNotFound when
// the stream does not exist.
func (r Repo) UpdateStreamStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE streams SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRelease advances the stream's release accounting after a stage payout.
func (r Repo) ApplyRelease(ctx context.Context, tx *sql.Tx, id string, currentStage int, releasedSOL float64, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE streams SET current_stage=?, released_sol=?, status=?, updated_at=? WHERE id=?`,
		currentStage, releasedSOL, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStream removes a stream; stages and proofs follow via ON DELETE
// CASCADE. Events are purged explicitly since they carry no foreign key.
func (r Repo) DeleteStream(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE stream_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

const stageCols = `stream_id,stage_index,percentage,amount_sol,status,released_at,tx_signature`

func scanStage(scan func(dest ...any) error) (domain.Stage, error) {
	var st domain.Stage
	var releasedAt, txSig sql.NullString
	err := scan(&st.StreamID, &st.Index, &st.Percentage, &st.AmountSOL, &st.Status, &releasedAt, &txSig)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if releasedAt.Valid {
		st.ReleasedAt = &releasedAt.String
	}
	if txSig.Valid {
		st.TxSignature = &txSig.String
	}
	return st, nil
}

func (r Repo) InsertStages(ctx context.Context, tx *sql.Tx, stages []domain.Stage) error {
	for _, st := range stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stream_stages(stream_id,stage_index,percentage,amount_sol,status) VALUES (?,?,?,?,?)`,
			st.StreamID, st.Index, st.Percentage, st.AmountSOL, st.Status); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetStage(ctx context.Context, streamID string, index int) (domain.Stage, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT `+stageCols+` FROM stream_stages WHERE stream_id=? AND stage_index=?`, streamID, index).Scan)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, streamID string, index int) (domain.Stage, error) {
	return scanStage(tx.QueryRowContext(ctx, `SELECT `+stageCols+` FROM stream_stages WHERE stream_id=? AND stage_index=?`, streamID, index).Scan)
}

func (r Repo) ListStages(ctx context.Context, streamID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageCols+` FROM stream_stages WHERE stream_id=? ORDER BY stage_index`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		st, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// MarkStageReleased flips a stage to released. The status predicate makes the
// check-and-update atomic: a concurrent release that lost the race sees
// ErrStageReleased instead of double-applying.
func (r Repo) MarkStageReleased(ctx context.Context, tx *sql.Tx, streamID string, index int, releasedAt, txSignature string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE stream_stages SET status=?, released_at=?, tx_signature=? WHERE stream_id=? AND stage_index=? AND status=?`,
		domain.StageReleased, releasedAt, txSignature, streamID, index, domain.StagePending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetStageTx(ctx, tx, streamID, index); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStageReleased
	}
	return nil
}

const proofCols = `id,stream_id,stage_index,file_url,status,confidence,explanation,matched_json,missing_json,created_at,verified_at`

func scanProof(scan func(dest ...any) error) (domain.Proof, error) {
	var p domain.Proof
	var confidence sql.NullFloat64
	var explanation, matched, missing, verifiedAt sql.NullString
	err := scan(&p.ID, &p.StreamID, &p.StageIndex, &p.FileURL, &p.Status, &confidence, &explanation, &matched, &missing, &p.CreatedAt, &verifiedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if confidence.Valid {
		p.Confidence = &confidence.Float64
	}
	if explanation.Valid {
		p.Explanation = &explanation.String
	}
	if matched.Valid {
		_ = json.Unmarshal([]byte(matched.String), &p.Matched)
	}
	if missing.Valid {
		_ = json.Unmarshal([]byte(missing.String), &p.Missing)
	}
	if verifiedAt.Valid {
		p.VerifiedAt = &verifiedAt.String
	}
	return p, nil
}

func (r Repo) InsertProof(ctx context.Context, tx *sql.Tx, p domain.Proof) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proofs(id,stream_id,stage_index,file_url,status,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.StreamID, p.StageIndex, p.FileURL, p.Status, p.CreatedAt)
	return err
}

// RecordVerdict finalizes a proof row. Verdicts are terminal; a pending status
// predicate keeps retried submissions from rewriting history.
func (r Repo) RecordVerdict(ctx context.Context, tx *sql.Tx, id, status string, confidence float64, explanation string, matched, missing []string, verifiedAt string) error {
	matchedJSON, err := marshalStringSlice(matched)
	if err != nil {
		return err
	}
	missingJSON, err := marshalStringSlice(missing)
	if err != nil {
		return err
	}
	var verified any
	if status == domain.ProofVerified {
		verified = verifiedAt
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE proofs SET status=?, confidence=?, explanation=?, matched_json=?, missing_json=?, verified_at=? WHERE id=? AND status=?`,
		status, confidence, nullable(explanation), matchedJSON, missingJSON, verified, id, domain.ProofPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proof %s is not pending", id)
	}
	return nil
}

func (r Repo) GetProof(ctx context.Context, id string) (domain.Proof, error) {
	return scanProof(r.DB.QueryRowContext(ctx, `SELECT `+proofCols+` FROM proofs WHERE id=?`, id).Scan)
}

func (r Repo) ListProofs(ctx context.Context, streamID string) ([]domain.Proof, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+proofCols+` FROM proofs WHERE stream_id=? ORDER BY created_at DESC, id DESC`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proof
	for rows.Next() {
		p, err := scanProof(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ReleasedTotal recomputes the released amount from stage rows; used by tests
// and reconciliation tooling to cross-check stream accounting.
func (r Repo) ReleasedTotal(ctx context.Context, streamID string) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_sol),0) FROM stream_stages WHERE stream_id=? AND status=?`,
		streamID, domain.StageReleased).Scan(&total)
	return total, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, streamID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if streamID != "" {
		clauses = append(clauses, "stream_id=?")
		args = append(args, streamID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,stream_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var stream, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &stream, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		if stream.Valid {
			e.StreamID = stream.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
