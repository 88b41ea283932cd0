package repo

import (
	"context"
	"database/sql"
	"fmt"

	"pactline/internal/domain"
)

func (r Repo) InsertKPIDefinition(ctx context.Context, tx *sql.Tx, d domain.KPIDefinition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO kpi_definitions(id,agreement_id,name,unit,target,weight,method,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.AgreementID, d.Name, d.Unit, d.Target, d.Weight, d.Method, d.CreatedAt)
	return err
}

func (r Repo) GetKPIDefinition(ctx context.Context, id string) (domain.KPIDefinition, error) {
	var d domain.KPIDefinition
	var weight sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT id,agreement_id,name,unit,target,weight,method,created_at FROM kpi_definitions WHERE id=?`, id).
		Scan(&d.ID, &d.AgreementID, &d.Name, &d.Unit, &d.Target, &weight, &d.Method, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if weight.Valid {
		d.Weight = weight.Float64
	}
	return d, nil
}

func (r Repo) ListKPIDefinitions(ctx context.Context, agreementID string) ([]domain.KPIDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agreement_id,name,unit,target,weight,method,created_at FROM kpi_definitions WHERE agreement_id=? ORDER BY created_at ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KPIDefinition
	for rows.Next() {
		var d domain.KPIDefinition
		var weight sql.NullFloat64
		if err := rows.Scan(&d.ID, &d.AgreementID, &d.Name, &d.Unit, &d.Target, &weight, &d.Method, &d.CreatedAt); err != nil {
			return nil, err
		}
		if weight.Valid {
			d.Weight = weight.Float64
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertKPIObservation(ctx context.Context, tx *sql.Tx, o domain.KPIObservation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO kpi_observations(id,kpi_id,agreement_id,value,unit,ts,source,verified) VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.KPIID, o.AgreementID, o.Value, o.Unit, o.TS, nullable(o.Source), o.Verified)
	return err
}

func (r Repo) ListKPIObservations(ctx context.Context, kpiID string, limit int) ([]domain.KPIObservation, error) {
	query := `SELECT id,kpi_id,agreement_id,value,unit,ts,COALESCE(source,''),verified FROM kpi_observations WHERE kpi_id=? ORDER BY ts DESC, id DESC`
	args := []any{kpiID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KPIObservation
	for rows.Next() {
		var o domain.KPIObservation
		if err := rows.Scan(&o.ID, &o.KPIID, &o.AgreementID, &o.Value, &o.Unit, &o.TS, &o.Source, &o.Verified); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// KPIValueTx evaluates a KPI over its verified observations using the
// definition's method. ok is false when no verified observation exists yet.
func (r Repo) KPIValueTx(ctx context.Context, tx *sql.Tx, kpiID, method string) (value float64, ok bool, err error) {
	var query string
	switch method {
	case "average":
		query = `SELECT AVG(value), COUNT(*) FROM kpi_observations WHERE kpi_id=? AND verified=1`
	case "sum":
		query = `SELECT COALESCE(SUM(value),0), COUNT(*) FROM kpi_observations WHERE kpi_id=? AND verified=1`
	case "latest", "":
		query = `SELECT COALESCE((SELECT value FROM kpi_observations WHERE kpi_id=? AND verified=1 ORDER BY ts DESC, id DESC LIMIT 1),0),
(SELECT COUNT(*) FROM kpi_observations WHERE kpi_id=? AND verified=1)`
	default:
		return 0, false, fmt.Errorf("unknown kpi method %s", method)
	}
	var count int
	var v sql.NullFloat64
	if method == "latest" || method == "" {
		err = tx.QueryRowContext(ctx, query, kpiID, kpiID).Scan(&v, &count)
	} else {
		err = tx.QueryRowContext(ctx, query, kpiID).Scan(&v, &count)
	}
	if err != nil {
		return 0, false, err
	}
	if count == 0 {
		return 0, false, nil
	}
	if v.Valid {
		value = v.Float64
	}
	return value, true, nil
}
