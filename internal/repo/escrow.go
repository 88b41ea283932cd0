package repo

import (
	"context"
	"database/sql"

	"pactline/internal/domain"
)

const conditionColumns = `id,agreement_id,type,milestone_id,release_at,kpi_id,kpi_threshold,dispute_id,recipient_id,bps,automated,executed,cancelled,executed_at,created_at`

func scanCondition(scan func(dest ...any) error) (domain.ReleaseCondition, error) {
	var c domain.ReleaseCondition
	var milestoneID, releaseAt, kpiID, disputeID, executedAt sql.NullString
	var kpiThreshold sql.NullFloat64
	err := scan(&c.ID, &c.AgreementID, &c.Type, &milestoneID, &releaseAt, &kpiID, &kpiThreshold, &disputeID,
		&c.RecipientID, &c.Bps, &c.Automated, &c.Executed, &c.Cancelled, &executedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if milestoneID.Valid {
		c.MilestoneID = &milestoneID.String
	}
	if releaseAt.Valid {
		c.ReleaseAt = &releaseAt.String
	}
	if kpiID.Valid {
		c.KPIID = &kpiID.String
	}
	if kpiThreshold.Valid {
		c.KPIThreshold = &kpiThreshold.Float64
	}
	if disputeID.Valid {
		c.DisputeID = &disputeID.String
	}
	if executedAt.Valid {
		c.ExecutedAt = &executedAt.String
	}
	return c, nil
}

func (r Repo) InsertReleaseCondition(ctx context.Context, tx *sql.Tx, c domain.ReleaseCondition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO release_conditions(id,agreement_id,type,milestone_id,release_at,kpi_id,kpi_threshold,dispute_id,recipient_id,bps,automated,executed,cancelled,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.AgreementID, c.Type, nullableStringPtr(c.MilestoneID), nullableStringPtr(c.ReleaseAt),
		nullableStringPtr(c.KPIID), nullableFloatPtr(c.KPIThreshold), nullableStringPtr(c.DisputeID),
		c.RecipientID, c.Bps, c.Automated, c.Executed, c.Cancelled, c.CreatedAt)
	return err
}

func (r Repo) GetReleaseCondition(ctx context.Context, id string) (domain.ReleaseCondition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+conditionColumns+` FROM release_conditions WHERE id=?`, id)
	return scanCondition(row.Scan)
}

func (r Repo) ListReleaseConditions(ctx context.Context, agreementID string) ([]domain.ReleaseCondition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+conditionColumns+` FROM release_conditions WHERE agreement_id=? ORDER BY created_at ASC, id ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReleaseCondition
	for rows.Next() {
		c, err := scanCondition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// PendingConditionsTx returns non-executed, non-cancelled conditions inside
// the caller's tx.
func (r Repo) PendingConditionsTx(ctx context.Context, tx *sql.Tx, agreementID string) ([]domain.ReleaseCondition, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+conditionColumns+` FROM release_conditions WHERE agreement_id=? AND executed=0 AND cancelled=0 ORDER BY created_at ASC, id ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReleaseCondition
	for rows.Next() {
		c, err := scanCondition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkConditionExecuted flips the executed flag; the executed=0 guard makes
// the flip single-shot.
func (r Repo) MarkConditionExecuted(ctx context.Context, tx *sql.Tx, id, executedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE release_conditions SET executed=1, executed_at=? WHERE id=? AND executed=0 AND cancelled=0`, executedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelPendingConditions permanently freezes all non-executed conditions.
// Used on termination.
func (r Repo) CancelPendingConditions(ctx context.Context, tx *sql.Tx, agreementID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE release_conditions SET cancelled=1 WHERE agreement_id=? AND executed=0 AND cancelled=0`, agreementID)
	return err
}

// PendingBpsTx sums basis points over non-executed, non-cancelled conditions.
func (r Repo) PendingBpsTx(ctx context.Context, tx *sql.Tx, agreementID string) (int, error) {
	var bps int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(bps),0) FROM release_conditions WHERE agreement_id=? AND executed=0 AND cancelled=0`, agreementID).Scan(&bps)
	return bps, err
}

// --- releases ---

const releaseColumns = `id,agreement_id,condition_id,dispute_id,recipient_id,amount,idempotency_key,tx_ref,status,created_at,updated_at`

func scanRelease(scan func(dest ...any) error) (domain.Release, error) {
	var rel domain.Release
	var conditionID, disputeID, txRef sql.NullString
	err := scan(&rel.ID, &rel.AgreementID, &conditionID, &disputeID, &rel.RecipientID, &rel.Amount,
		&rel.IdempotencyKey, &txRef, &rel.Status, &rel.CreatedAt, &rel.UpdatedAt)
	if err == sql.ErrNoRows {
		return rel, ErrNotFound
	}
	if err != nil {
		return rel, err
	}
	if conditionID.Valid {
		rel.ConditionID = &conditionID.String
	}
	if disputeID.Valid {
		rel.DisputeID = &disputeID.String
	}
	if txRef.Valid {
		rel.TxRef = &txRef.String
	}
	return rel, nil
}

func (r Repo) InsertRelease(ctx context.Context, tx *sql.Tx, rel domain.Release) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO releases(id,agreement_id,condition_id,dispute_id,recipient_id,amount,idempotency_key,tx_ref,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rel.ID, rel.AgreementID, nullableStringPtr(rel.ConditionID), nullableStringPtr(rel.DisputeID),
		rel.RecipientID, rel.Amount, rel.IdempotencyKey, nullableStringPtr(rel.TxRef), rel.Status, rel.CreatedAt, rel.UpdatedAt)
	return err
}

func (r Repo) GetRelease(ctx context.Context, id string) (domain.Release, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM releases WHERE id=?`, id)
	return scanRelease(row.Scan)
}

// SetReleaseResult records the ledger outcome for a release.
func (r Repo) SetReleaseResult(ctx context.Context, id, txRef, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE releases SET tx_ref=?, status=?, updated_at=? WHERE id=?`,
		nullable(txRef), status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListReleases(ctx context.Context, agreementID string) ([]domain.Release, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+releaseColumns+` FROM releases WHERE agreement_id=? ORDER BY created_at ASC, id ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Release
	for rows.Next() {
		rel, err := scanRelease(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

// PendingLedgerReleases returns releases stuck before a confirmed ledger
// outcome; reconciliation resubmits them under their original idempotency
// keys.
func (r Repo) PendingLedgerReleases(ctx context.Context, agreementID string) ([]domain.Release, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+releaseColumns+` FROM releases WHERE agreement_id=? AND status IN ('requested','submitted') ORDER BY created_at ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Release
	for rows.Next() {
		rel, err := scanRelease(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

// ReleasedTotalTx sums release amounts that have not failed.
func (r Repo) ReleasedTotalTx(ctx context.Context, tx *sql.Tx, agreementID string) (int64, error) {
	var total int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM releases WHERE agreement_id=? AND status!='failed'`, agreementID).Scan(&total)
	return total, err
}

// FrozenTotalTx sums the escrow-side freeze of unresolved disputes. Claims
// against already-paid funds (paid_adjustment) do not reduce releasable
// balance.
func (r Repo) FrozenTotalTx(ctx context.Context, tx *sql.Tx, agreementID string) (int64, error) {
	var total int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount-paid_adjustment),0) FROM disputes WHERE agreement_id=? AND status IN ('open','under_review','escalated')`, agreementID).Scan(&total)
	return total, err
}
