package engine

import (
	"context"
	"errors"
	"fmt"

	"pactline/internal/domain"
	"pactline/internal/events"
)

// KPICreateOptions are parameters for defining a performance metric.
type KPICreateOptions struct {
	ID          string
	AgreementID string
	Name        string
	Unit        string
	Target      float64
	Weight      float64
	Method      string
	ActorID     string
}

// DefineKPI registers a metric. Definitions are frozen once the agreement
// activates; only observations accumulate after that.
func (e Engine) DefineKPI(ctx context.Context, opts KPICreateOptions) (domain.KPIDefinition, error) {
	if opts.Name == "" {
		return domain.KPIDefinition{}, errors.New("name is required")
	}
	switch opts.Method {
	case "":
		opts.Method = "latest"
	case "latest", "average", "sum":
	default:
		return domain.KPIDefinition{}, fmt.Errorf("unknown aggregation method %q", opts.Method)
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.KPIDefinition{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, opts.AgreementID)
	if err != nil {
		return domain.KPIDefinition{}, err
	}
	if a.Status != "draft" && a.Status != "pending_signatures" {
		return domain.KPIDefinition{}, fmt.Errorf("KPI definitions are frozen after activation: %w", ErrInvalidTransition)
	}
	d := domain.KPIDefinition{
		ID:          opts.ID,
		AgreementID: opts.AgreementID,
		Name:        opts.Name,
		Unit:        opts.Unit,
		Target:      opts.Target,
		Weight:      opts.Weight,
		Method:      opts.Method,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertKPIDefinition(ctx, tx, d); err != nil {
		return domain.KPIDefinition{}, fmt.Errorf("insert kpi: %w", err)
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return domain.KPIDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.KPIDefinition{}, err
	}
	return d, nil
}

// ObservationOptions are parameters for recording a metric data point.
type ObservationOptions struct {
	KPIID    string
	Value    float64
	TS       string
	Source   string
	Verified bool
	ActorID  string
}

// RecordObservation appends an immutable data point and emits metric.updated.
// Only verified observations count toward targets.
func (e Engine) RecordObservation(ctx context.Context, opts ObservationOptions) (domain.KPIObservation, error) {
	if opts.Source == "" {
		opts.Source = "manual"
	}
	def, err := e.Repo.GetKPIDefinition(ctx, opts.KPIID)
	if err != nil {
		return domain.KPIObservation{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.KPIObservation{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, def.AgreementID)
	if err != nil {
		return domain.KPIObservation{}, err
	}
	if a.Status == "completed" || a.Status == "terminated" {
		return domain.KPIObservation{}, fmt.Errorf("agreement is %s: %w", a.Status, ErrInvalidTransition)
	}
	if opts.TS == "" {
		opts.TS = e.nowRFC3339()
	}
	o := domain.KPIObservation{
		ID:          newID(),
		KPIID:       def.ID,
		AgreementID: def.AgreementID,
		Value:       opts.Value,
		Unit:        def.Unit,
		TS:          opts.TS,
		Source:      opts.Source,
		Verified:    opts.Verified,
	}
	if err := e.Repo.InsertKPIObservation(ctx, tx, o); err != nil {
		return domain.KPIObservation{}, fmt.Errorf("insert observation: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeMetricUpdated, a.ID, "kpi", def.ID, opts.ActorID, events.EventPayload{
		"kpi_id": def.ID, "name": def.Name, "value": opts.Value, "verified": opts.Verified,
	}); err != nil {
		return domain.KPIObservation{}, err
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return domain.KPIObservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.KPIObservation{}, err
	}
	if opts.Verified && (a.Status == "active" || a.Status == "disputed") {
		e.react(ctx, a.ID)
	}
	return o, nil
}
