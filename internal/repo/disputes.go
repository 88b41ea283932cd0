package repo

import (
	"context"
	"database/sql"
	"strings"

	"pactline/internal/domain"
)

const disputeColumns = `id,agreement_id,type,initiator_id,COALESCE(description,''),amount,paid_adjustment,status,to_issuer,to_counterparty,to_escrow,COALESCE(resolution,''),created_at,resolved_at`

func scanDispute(scan func(dest ...any) error) (domain.Dispute, error) {
	var d domain.Dispute
	var resolvedAt sql.NullString
	err := scan(&d.ID, &d.AgreementID, &d.Type, &d.InitiatorID, &d.Description, &d.Amount, &d.PaidAdjustment,
		&d.Status, &d.ToIssuer, &d.ToCounterparty, &d.ToEscrow, &d.Resolution, &d.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.String
	}
	return d, nil
}

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,agreement_id,type,initiator_id,description,amount,paid_adjustment,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.AgreementID, d.Type, d.InitiatorID, nullable(d.Description), d.Amount, d.PaidAdjustment, d.Status, d.CreatedAt)
	return err
}

func (r Repo) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id)
	return scanDispute(row.Scan)
}

func (r Repo) GetDisputeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dispute, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id)
	return scanDispute(row.Scan)
}

func (r Repo) ListDisputes(ctx context.Context, agreementID, status string) ([]domain.Dispute, error) {
	clauses := []string{"agreement_id=?"}
	args := []any{agreementID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) SetDisputeStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveDispute records the resolution split and lifts the freeze.
func (r Repo) ResolveDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET status='resolved', to_issuer=?, to_counterparty=?, to_escrow=?, resolution=?, resolved_at=? WHERE id=? AND status!='resolved'`,
		d.ToIssuer, d.ToCounterparty, d.ToEscrow, nullable(d.Resolution), nullableStringPtr(d.ResolvedAt), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUnresolvedDisputesTx counts disputes still freezing escrow.
func (r Repo) CountUnresolvedDisputesTx(ctx context.Context, tx *sql.Tx, agreementID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes WHERE agreement_id=? AND status IN ('open','under_review','escalated')`, agreementID).Scan(&n)
	return n, err
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dispute_evidence(id,dispute_id,actor_id,kind,content_ref,note,ts) VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.DisputeID, ev.ActorID, ev.Kind, nullable(ev.ContentRef), nullable(ev.Note), ev.TS)
	return err
}

func (r Repo) ListEvidence(ctx context.Context, disputeID string) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,dispute_id,actor_id,kind,COALESCE(content_ref,''),COALESCE(note,''),ts FROM dispute_evidence WHERE dispute_id=? ORDER BY ts ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.ActorID, &ev.Kind, &ev.ContentRef, &ev.Note, &ev.TS); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
