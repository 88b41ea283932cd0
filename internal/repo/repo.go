package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pactline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an agreement write loses an optimistic
// concurrency race. Callers must re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

const agreementColumns = `id,issuer_id,counterparty_id,title,status,version,currency,total_funding,funded_amount,
COALESCE(starts_at,''),COALESCE(ends_at,''),COALESCE(notice_days,0),COALESCE(compensation_json,''),
terms_ref,activated_at,closed_at,created_at,updated_at`

func scanAgreement(scan func(dest ...any) error) (domain.Agreement, error) {
	var a domain.Agreement
	var termsRef, activatedAt, closedAt sql.NullString
	err := scan(&a.ID, &a.IssuerID, &a.CounterpartyID, &a.Title, &a.Status, &a.Version, &a.Currency,
		&a.TotalFunding, &a.FundedAmount, &a.StartsAt, &a.EndsAt, &a.NoticeDays, &a.Compensation,
		&termsRef, &activatedAt, &closedAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if termsRef.Valid {
		a.TermsRef = &termsRef.String
	}
	if activatedAt.Valid {
		a.ActivatedAt = &activatedAt.String
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.String
	}
	return a, nil
}

func (r Repo) InsertAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agreements(id,issuer_id,counterparty_id,title,status,version,currency,total_funding,funded_amount,starts_at,ends_at,notice_days,compensation_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.IssuerID, a.CounterpartyID, a.Title, a.Status, a.Version, a.Currency, a.TotalFunding, a.FundedAmount,
		nullable(a.StartsAt), nullable(a.EndsAt), a.NoticeDays, nullable(a.Compensation), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgreement(ctx context.Context, id string) (domain.Agreement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id=?`, id)
	return scanAgreement(row.Scan)
}

func (r Repo) GetAgreementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agreement, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id=?`, id)
	return scanAgreement(row.Scan)
}

// UpdateAgreement writes the aggregate under its version lock; Version on the
// passed struct is the version that was read and is bumped on success.
func (r Repo) UpdateAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	res, err := tx.ExecContext(ctx, `UPDATE agreements SET status=?, currency=?, total_funding=?, funded_amount=?, starts_at=?, ends_at=?, notice_days=?, compensation_json=?, terms_ref=?, activated_at=?, closed_at=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		a.Status, a.Currency, a.TotalFunding, a.FundedAmount, nullable(a.StartsAt), nullable(a.EndsAt), a.NoticeDays,
		nullable(a.Compensation), nullableStringPtr(a.TermsRef), nullableStringPtr(a.ActivatedAt), nullableStringPtr(a.ClosedAt),
		a.UpdatedAt, a.ID, a.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

type AgreementFilters struct {
	Status  string
	PartyID string
	Limit   int
}

func (r Repo) ListAgreements(ctx context.Context, f AgreementFilters) ([]domain.Agreement, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PartyID != "" {
		clauses = append(clauses, "(issuer_id=? OR counterparty_id=?)")
		args = append(args, f.PartyID, f.PartyID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + agreementColumns + ` FROM agreements ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- signatures ---

func (r Repo) UpsertSignature(ctx context.Context, tx *sql.Tx, s domain.Signature) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signatures(agreement_id,signer_id,role,signature_hash,signed_at) VALUES (?,?,?,?,?)
ON CONFLICT(agreement_id,role) DO UPDATE SET signer_id=excluded.signer_id, signature_hash=excluded.signature_hash, signed_at=excluded.signed_at`,
		s.AgreementID, s.SignerID, s.Role, s.SignatureHash, s.SignedAt)
	return err
}

func (r Repo) ListSignatures(ctx context.Context, agreementID string) ([]domain.Signature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agreement_id,signer_id,role,signature_hash,signed_at FROM signatures WHERE agreement_id=? ORDER BY signed_at ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signature
	for rows.Next() {
		var s domain.Signature
		if err := rows.Scan(&s.AgreementID, &s.SignerID, &s.Role, &s.SignatureHash, &s.SignedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SignedRolesTx reports which roles have signatures inside the caller's tx.
func (r Repo) SignedRolesTx(ctx context.Context, tx *sql.Tx, agreementID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role FROM signatures WHERE agreement_id=?`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := map[string]bool{}
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles[role] = true
	}
	return roles, rows.Err()
}

// --- milestones ---

const milestoneColumns = `id,agreement_id,title,COALESCE(description,''),COALESCE(due_at,''),status,payout_bps,completed_at,created_at,updated_at`

func scanMilestone(scan func(dest ...any) error) (domain.Milestone, error) {
	var m domain.Milestone
	var payoutBps sql.NullInt64
	var completedAt sql.NullString
	err := scan(&m.ID, &m.AgreementID, &m.Title, &m.Description, &m.DueAt, &m.Status, &payoutBps, &completedAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if payoutBps.Valid {
		v := int(payoutBps.Int64)
		m.PayoutBps = &v
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,agreement_id,title,description,due_at,status,payout_bps,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.AgreementID, m.Title, nullable(m.Description), nullable(m.DueAt), m.Status, nullableIntPtr(m.PayoutBps), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

func (r Repo) UpdateMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET title=?, description=?, due_at=?, status=?, payout_bps=?, completed_at=?, updated_at=? WHERE id=?`,
		m.Title, nullable(m.Description), nullable(m.DueAt), m.Status, nullableIntPtr(m.PayoutBps), nullableStringPtr(m.CompletedAt), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMilestones(ctx context.Context, agreementID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE agreement_id=? ORDER BY created_at ASC, id ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountOpenMilestonesTx counts milestones that are neither completed nor
// cancelled.
func (r Repo) CountOpenMilestonesTx(ctx context.Context, tx *sql.Tx, agreementID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM milestones WHERE agreement_id=? AND status NOT IN ('completed','cancelled')`, agreementID).Scan(&n)
	return n, err
}

// OverdueMilestones returns pending/in_progress milestones with a due date
// before now.
func (r Repo) OverdueMilestones(ctx context.Context, now string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE status IN ('pending','in_progress') AND due_at IS NOT NULL AND due_at < ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- deliverables ---

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	acceptance, err := json.Marshal(d.Acceptance)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deliverables(id,milestone_id,seq,title,acceptance_json,submission_ref,submitted_at,submitted_by) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.MilestoneID, d.Seq, d.Title, string(acceptance), nullableStringPtr(d.SubmissionRef), nullableStringPtr(d.SubmittedAt), nullableStringPtr(d.SubmittedBy))
	return err
}

func (r Repo) GetDeliverableTx(ctx context.Context, tx *sql.Tx, id string) (domain.Deliverable, error) {
	var d domain.Deliverable
	var acceptance, submissionRef, submittedAt, submittedBy sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,milestone_id,seq,title,acceptance_json,submission_ref,submitted_at,submitted_by FROM deliverables WHERE id=?`, id).
		Scan(&d.ID, &d.MilestoneID, &d.Seq, &d.Title, &acceptance, &submissionRef, &submittedAt, &submittedBy)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if acceptance.Valid && acceptance.String != "" {
		_ = json.Unmarshal([]byte(acceptance.String), &d.Acceptance)
	}
	if submissionRef.Valid {
		d.SubmissionRef = &submissionRef.String
	}
	if submittedAt.Valid {
		d.SubmittedAt = &submittedAt.String
	}
	if submittedBy.Valid {
		d.SubmittedBy = &submittedBy.String
	}
	return d, nil
}

func (r Repo) UpdateDeliverableSubmission(ctx context.Context, tx *sql.Tx, id, submissionRef, submittedAt, submittedBy string) error {
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET submission_ref=?, submitted_at=?, submitted_by=? WHERE id=?`,
		submissionRef, submittedAt, submittedBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDeliverables(ctx context.Context, milestoneID string) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,milestone_id,seq,title,acceptance_json,submission_ref,submitted_at,submitted_by FROM deliverables WHERE milestone_id=? ORDER BY seq ASC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		var d domain.Deliverable
		var acceptance, submissionRef, submittedAt, submittedBy sql.NullString
		if err := rows.Scan(&d.ID, &d.MilestoneID, &d.Seq, &d.Title, &acceptance, &submissionRef, &submittedAt, &submittedBy); err != nil {
			return nil, err
		}
		if acceptance.Valid && acceptance.String != "" {
			_ = json.Unmarshal([]byte(acceptance.String), &d.Acceptance)
		}
		if submissionRef.Valid {
			d.SubmissionRef = &submissionRef.String
		}
		if submittedAt.Valid {
			d.SubmittedAt = &submittedAt.String
		}
		if submittedBy.Valid {
			d.SubmittedBy = &submittedBy.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertRevision(ctx context.Context, tx *sql.Tx, rev domain.Revision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestone_revisions(id,milestone_id,deadline,note,requested_by,created_at) VALUES (?,?,?,?,?,?)`,
		rev.ID, rev.MilestoneID, rev.Deadline, nullable(rev.Note), rev.RequestedBy, rev.CreatedAt)
	return err
}

func (r Repo) ListRevisions(ctx context.Context, milestoneID string) ([]domain.Revision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,milestone_id,deadline,COALESCE(note,''),requested_by,created_at FROM milestone_revisions WHERE milestone_id=? ORDER BY created_at ASC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Revision
	for rows.Next() {
		var rev domain.Revision
		if err := rows.Scan(&rev.ID, &rev.MilestoneID, &rev.Deadline, &rev.Note, &rev.RequestedBy, &rev.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, agreementID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if agreementID != "" {
		clauses = append(clauses, "agreement_id=?")
		args = append(args, agreementID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(agreement_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AgreementID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. The clause engine and the webhook dispatcher both consume through
// this.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, agreementID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if agreementID != "" {
		clauses = append(clauses, "agreement_id=?")
		args = append(args, agreementID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(agreement_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AgreementID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, scoped to one agreement
// when agreementID is set.
func (r Repo) LatestEventID(ctx context.Context, agreementID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if agreementID != "" {
		query += ` WHERE agreement_id=?`
		args = append(args, agreementID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
