package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"pactline/internal/domain"
)

const clauseColumns = `id,agreement_id,name,trigger_type,schedule_at,every_seconds,milestone_id,kpi_id,comparator,threshold,event_name,
action_type,recipient_id,amount,message,params_json,requires_approval,reversible,active,next_fire_at,created_at`

func scanClause(scan func(dest ...any) error) (domain.Clause, error) {
	var c domain.Clause
	var scheduleAt, milestoneID, kpiID, comparator, eventName, recipientID, message, paramsJSON, nextFireAt sql.NullString
	var everySeconds sql.NullInt64
	var threshold sql.NullFloat64
	var amount sql.NullInt64
	err := scan(&c.ID, &c.AgreementID, &c.Name, &c.TriggerType, &scheduleAt, &everySeconds, &milestoneID, &kpiID,
		&comparator, &threshold, &eventName, &c.ActionType, &recipientID, &amount, &message, &paramsJSON,
		&c.RequiresApproval, &c.Reversible, &c.Active, &nextFireAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if scheduleAt.Valid {
		c.ScheduleAt = &scheduleAt.String
	}
	if everySeconds.Valid {
		v := int(everySeconds.Int64)
		c.EverySeconds = &v
	}
	if milestoneID.Valid {
		c.MilestoneID = &milestoneID.String
	}
	if kpiID.Valid {
		c.KPIID = &kpiID.String
	}
	if comparator.Valid {
		c.Comparator = &comparator.String
	}
	if threshold.Valid {
		c.Threshold = &threshold.Float64
	}
	if eventName.Valid {
		c.EventName = &eventName.String
	}
	if recipientID.Valid {
		c.RecipientID = &recipientID.String
	}
	if amount.Valid {
		c.Amount = &amount.Int64
	}
	if message.Valid {
		c.Message = &message.String
	}
	if paramsJSON.Valid {
		c.ParamsJSON = &paramsJSON.String
	}
	if nextFireAt.Valid {
		c.NextFireAt = &nextFireAt.String
	}
	return c, nil
}

func (r Repo) InsertClause(ctx context.Context, tx *sql.Tx, c domain.Clause) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO clauses(id,agreement_id,name,trigger_type,schedule_at,every_seconds,milestone_id,kpi_id,comparator,threshold,event_name,action_type,recipient_id,amount,message,params_json,requires_approval,reversible,active,next_fire_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.AgreementID, c.Name, c.TriggerType, nullableStringPtr(c.ScheduleAt), nullableIntPtr(c.EverySeconds),
		nullableStringPtr(c.MilestoneID), nullableStringPtr(c.KPIID), nullableStringPtr(c.Comparator), nullableFloatPtr(c.Threshold),
		nullableStringPtr(c.EventName), c.ActionType, nullableStringPtr(c.RecipientID), nullableInt64Ptr(c.Amount),
		nullableStringPtr(c.Message), nullableStringPtr(c.ParamsJSON), c.RequiresApproval, c.Reversible, c.Active,
		nullableStringPtr(c.NextFireAt), c.CreatedAt)
	return err
}

func (r Repo) GetClause(ctx context.Context, id string) (domain.Clause, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+clauseColumns+` FROM clauses WHERE id=?`, id)
	return scanClause(row.Scan)
}

func (r Repo) ListClauses(ctx context.Context, agreementID string, activeOnly bool) ([]domain.Clause, error) {
	query := `SELECT ` + clauseColumns + ` FROM clauses WHERE agreement_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Clause
	for rows.Next() {
		c, err := scanClause(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SetClauseActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE clauses SET active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetClauseNextFire persists the durable schedule; a restart recovers fires
// from here instead of in-memory timers.
func (r Repo) SetClauseNextFire(ctx context.Context, tx *sql.Tx, id string, nextFireAt *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE clauses SET next_fire_at=? WHERE id=?`, nullableStringPtr(nextFireAt), id)
	return err
}

// DueClauses returns active time-based clauses whose next fire time has
// passed, grouped by agreement for the tick worker.
func (r Repo) DueClauses(ctx context.Context, now string) ([]domain.Clause, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+clauseColumns+` FROM clauses WHERE active=1 AND next_fire_at IS NOT NULL AND next_fire_at<=? ORDER BY agreement_id, next_fire_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Clause
	for rows.Next() {
		c, err := scanClause(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- executions ---

// IsDuplicateExecution reports whether an insert failed on the partial
// unique index guarding one success row per (clause, fact).
func IsDuplicateExecution(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") && strings.Contains(msg, "clause_executions")
}

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, ex domain.ClauseExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO clause_executions(id,clause_id,agreement_id,fact_id,outcome,tx_ref,detail,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		ex.ID, ex.ClauseID, ex.AgreementID, ex.FactID, ex.Outcome, nullableStringPtr(ex.TxRef), nullable(ex.Detail), ex.CreatedAt)
	return err
}

func (r Repo) HasSuccessExecutionTx(ctx context.Context, tx *sql.Tx, clauseID, factID string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT 1 FROM clause_executions WHERE clause_id=? AND fact_id=? AND outcome='success' LIMIT 1`, clauseID, factID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.ClauseExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,clause_id,agreement_id,fact_id,outcome,tx_ref,COALESCE(detail,''),created_at FROM clause_executions WHERE id=?`, id)
	var ex domain.ClauseExecution
	var txRef sql.NullString
	if err := row.Scan(&ex.ID, &ex.ClauseID, &ex.AgreementID, &ex.FactID, &ex.Outcome, &txRef, &ex.Detail, &ex.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ClauseExecution{}, ErrNotFound
		}
		return domain.ClauseExecution{}, err
	}
	if txRef.Valid {
		ex.TxRef = &txRef.String
	}
	return ex, nil
}

func (r Repo) ListExecutions(ctx context.Context, agreementID, clauseID string) ([]domain.ClauseExecution, error) {
	clauses := []string{"agreement_id=?"}
	args := []any{agreementID}
	if clauseID != "" {
		clauses = append(clauses, "clause_id=?")
		args = append(args, clauseID)
	}
	query := `SELECT id,clause_id,agreement_id,fact_id,outcome,tx_ref,COALESCE(detail,''),created_at FROM clause_executions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClauseExecution
	for rows.Next() {
		var ex domain.ClauseExecution
		var txRef sql.NullString
		if err := rows.Scan(&ex.ID, &ex.ClauseID, &ex.AgreementID, &ex.FactID, &ex.Outcome, &txRef, &ex.Detail, &ex.CreatedAt); err != nil {
			return nil, err
		}
		if txRef.Valid {
			ex.TxRef = &txRef.String
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

// CountPendingApprovalsTx counts approvals still waiting on a decision.
func (r Repo) CountPendingApprovalsTx(ctx context.Context, tx *sql.Tx, agreementID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM clause_approvals WHERE agreement_id=? AND status='pending'`, agreementID).Scan(&n)
	return n, err
}

// --- approvals ---

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, ap domain.ClauseApproval) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO clause_approvals(id,clause_id,agreement_id,fact_id,status,created_at) VALUES (?,?,?,?,?,?)`,
		ap.ID, ap.ClauseID, ap.AgreementID, ap.FactID, ap.Status, ap.CreatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.ClauseApproval, error) {
	var ap domain.ClauseApproval
	var decidedBy, decidedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,clause_id,agreement_id,fact_id,status,decided_by,created_at,decided_at FROM clause_approvals WHERE id=?`, id).
		Scan(&ap.ID, &ap.ClauseID, &ap.AgreementID, &ap.FactID, &ap.Status, &decidedBy, &ap.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return ap, ErrNotFound
	}
	if err != nil {
		return ap, err
	}
	if decidedBy.Valid {
		ap.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		ap.DecidedAt = &decidedAt.String
	}
	return ap, nil
}

func (r Repo) ListApprovals(ctx context.Context, agreementID, status string) ([]domain.ClauseApproval, error) {
	clauses := []string{"agreement_id=?"}
	args := []any{agreementID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,clause_id,agreement_id,fact_id,status,decided_by,created_at,decided_at FROM clause_approvals WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClauseApproval
	for rows.Next() {
		var ap domain.ClauseApproval
		var decidedBy, decidedAt sql.NullString
		if err := rows.Scan(&ap.ID, &ap.ClauseID, &ap.AgreementID, &ap.FactID, &ap.Status, &decidedBy, &ap.CreatedAt, &decidedAt); err != nil {
			return nil, err
		}
		if decidedBy.Valid {
			ap.DecidedBy = &decidedBy.String
		}
		if decidedAt.Valid {
			ap.DecidedAt = &decidedAt.String
		}
		res = append(res, ap)
	}
	return res, rows.Err()
}

// DecideApproval moves a pending approval to approved/rejected; the pending
// guard makes the decision single-shot.
func (r Repo) DecideApproval(ctx context.Context, tx *sql.Tx, id, status, decidedBy, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE clause_approvals SET status=?, decided_by=?, decided_at=? WHERE id=? AND status='pending'`,
		status, decidedBy, decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- confirmations ---

func (r Repo) UpsertConfirmation(ctx context.Context, tx *sql.Tx, c domain.Confirmation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO confirmations(id,agreement_id,subject_kind,subject_id,party,actor_id,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(subject_kind,subject_id,party) DO UPDATE SET actor_id=excluded.actor_id, created_at=excluded.created_at`,
		c.ID, c.AgreementID, c.SubjectKind, c.SubjectID, c.Party, c.ActorID, c.CreatedAt)
	return err
}

func (r Repo) ListConfirmations(ctx context.Context, subjectKind, subjectID string) ([]domain.Confirmation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agreement_id,subject_kind,subject_id,party,actor_id,created_at FROM confirmations WHERE subject_kind=? AND subject_id=? ORDER BY created_at ASC`, subjectKind, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Confirmation
	for rows.Next() {
		var c domain.Confirmation
		if err := rows.Scan(&c.ID, &c.AgreementID, &c.SubjectKind, &c.SubjectID, &c.Party, &c.ActorID, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ConfirmedPartiesTx reports which parties have confirmed a subject inside
// the caller's tx, keyed by party with the stored confirmation row id. The
// upsert keeps the original row id, so these ids are stable across repeated
// confirmations.
func (r Repo) ConfirmedPartiesTx(ctx context.Context, tx *sql.Tx, subjectKind, subjectID string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT party, id FROM confirmations WHERE subject_kind=? AND subject_id=?`, subjectKind, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	parties := map[string]string{}
	for rows.Next() {
		var p, id string
		if err := rows.Scan(&p, &id); err != nil {
			return nil, err
		}
		parties[p] = id
	}
	return parties, rows.Err()
}

// --- clause cursor ---

// ClauseCursor returns the last event id the clause engine has consumed for
// an agreement.
func (r Repo) ClauseCursorTx(ctx context.Context, tx *sql.Tx, agreementID string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT last_event_id FROM clause_cursors WHERE agreement_id=?`, agreementID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

func (r Repo) SetClauseCursor(ctx context.Context, tx *sql.Tx, agreementID string, lastEventID int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO clause_cursors(agreement_id,last_event_id) VALUES (?,?)
ON CONFLICT(agreement_id) DO UPDATE SET last_event_id=excluded.last_event_id`, agreementID, lastEventID)
	return err
}
