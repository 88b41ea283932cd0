package domain

// Amounts are minor currency units. Percentages are basis points; 10000 bps =
// 100%.

type Agreement struct {
	ID             string  `json:"id"`
	IssuerID       string  `json:"issuer_id"`
	CounterpartyID string  `json:"counterparty_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status" enum:"draft,pending_signatures,active,disputed,completed,terminated"`
	Version        int64   `json:"version"`
	Currency       string  `json:"currency"`
	TotalFunding   int64   `json:"total_funding"`
	FundedAmount   int64   `json:"funded_amount"`
	StartsAt       string  `json:"starts_at,omitempty" format:"date-time"`
	EndsAt         string  `json:"ends_at,omitempty" format:"date-time"`
	NoticeDays     int     `json:"notice_days,omitempty"`
	Compensation   string  `json:"compensation_json,omitempty"`
	TermsRef       *string `json:"terms_ref,omitempty"`
	ActivatedAt    *string `json:"activated_at,omitempty" format:"date-time"`
	ClosedAt       *string `json:"closed_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Milestone struct {
	ID          string  `json:"id"`
	AgreementID string  `json:"agreement_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	DueAt       string  `json:"due_at,omitempty" format:"date-time"`
	Status      string  `json:"status" enum:"pending,in_progress,completed,overdue,cancelled"`
	PayoutBps   *int    `json:"payout_bps,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Deliverable struct {
	ID            string   `json:"id"`
	MilestoneID   string   `json:"milestone_id"`
	Seq           int      `json:"seq"`
	Title         string   `json:"title"`
	Acceptance    []string `json:"acceptance,omitempty"`
	SubmissionRef *string  `json:"submission_ref,omitempty"`
	SubmittedAt   *string  `json:"submitted_at,omitempty" format:"date-time"`
	SubmittedBy   *string  `json:"submitted_by,omitempty"`
}

type Revision struct {
	ID          string `json:"id"`
	MilestoneID string `json:"milestone_id"`
	Deadline    string `json:"deadline" format:"date-time"`
	Note        string `json:"note,omitempty"`
	RequestedBy string `json:"requested_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type KPIDefinition struct {
	ID          string  `json:"id"`
	AgreementID string  `json:"agreement_id"`
	Name        string  `json:"name"`
	Unit        string  `json:"unit"`
	Target      float64 `json:"target"`
	Weight      float64 `json:"weight,omitempty"`
	Method      string  `json:"method" enum:"latest,average,sum"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// KPIObservation is an immutable fact; rows are never edited.
type KPIObservation struct {
	ID          string  `json:"id"`
	KPIID       string  `json:"kpi_id"`
	AgreementID string  `json:"agreement_id"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	TS          string  `json:"ts" format:"date-time"`
	Source      string  `json:"source"`
	Verified    bool    `json:"verified"`
}

// ReleaseCondition criteria form a closed union keyed by Type; only the
// fields for that type are set.
type ReleaseCondition struct {
	ID           string   `json:"id"`
	AgreementID  string   `json:"agreement_id"`
	Type         string   `json:"type" enum:"milestone_completion,time_based,performance_target,mutual_agreement,dispute_resolution"`
	MilestoneID  *string  `json:"milestone_id,omitempty"`
	ReleaseAt    *string  `json:"release_at,omitempty" format:"date-time"`
	KPIID        *string  `json:"kpi_id,omitempty"`
	KPIThreshold *float64 `json:"kpi_threshold,omitempty"`
	DisputeID    *string  `json:"dispute_id,omitempty"`
	RecipientID  string   `json:"recipient_id"`
	Bps          int      `json:"bps"`
	Automated    bool     `json:"automated"`
	Executed     bool     `json:"executed"`
	Cancelled    bool     `json:"cancelled"`
	ExecutedAt   *string  `json:"executed_at,omitempty" format:"date-time"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type Release struct {
	ID             string  `json:"id"`
	AgreementID    string  `json:"agreement_id"`
	ConditionID    *string `json:"condition_id,omitempty"`
	DisputeID      *string `json:"dispute_id,omitempty"`
	RecipientID    string  `json:"recipient_id"`
	Amount         int64   `json:"amount"`
	IdempotencyKey string  `json:"idempotency_key"`
	TxRef          *string `json:"tx_ref,omitempty"`
	Status         string  `json:"status" enum:"requested,submitted,confirmed,failed"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Clause trigger and action fields are closed unions keyed by TriggerType and
// ActionType.
type Clause struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	Name        string `json:"name"`

	TriggerType  string   `json:"trigger_type" enum:"time_based,milestone_completion,performance_threshold,external_event,mutual_agreement"`
	ScheduleAt   *string  `json:"schedule_at,omitempty" format:"date-time"`
	EverySeconds *int     `json:"every_seconds,omitempty"`
	MilestoneID  *string  `json:"milestone_id,omitempty"`
	KPIID        *string  `json:"kpi_id,omitempty"`
	Comparator   *string  `json:"comparator,omitempty" enum:"gte,lte"`
	Threshold    *float64 `json:"threshold,omitempty"`
	EventName    *string  `json:"event_name,omitempty"`

	ActionType  string  `json:"action_type" enum:"payment,notification,milestone_creation,contract_amendment,dispute_initiation,contract_termination"`
	RecipientID *string `json:"recipient_id,omitempty"`
	Amount      *int64  `json:"amount,omitempty"`
	Message     *string `json:"message,omitempty"`
	ParamsJSON  *string `json:"params_json,omitempty"`

	RequiresApproval bool    `json:"requires_approval"`
	Reversible       bool    `json:"reversible"`
	Active           bool    `json:"active"`
	NextFireAt       *string `json:"next_fire_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// ClauseExecution is an append-only log record. The pair (clause_id, fact_id)
// admits at most one success row; that is the engine's idempotency guarantee.
type ClauseExecution struct {
	ID          string  `json:"id"`
	ClauseID    string  `json:"clause_id"`
	AgreementID string  `json:"agreement_id"`
	FactID      string  `json:"fact_id"`
	Outcome     string  `json:"outcome" enum:"success,failure,partial"`
	TxRef       *string `json:"tx_ref,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type ClauseApproval struct {
	ID          string  `json:"id"`
	ClauseID    string  `json:"clause_id"`
	AgreementID string  `json:"agreement_id"`
	FactID      string  `json:"fact_id"`
	Status      string  `json:"status" enum:"pending,approved,rejected"`
	DecidedBy   *string `json:"decided_by,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

// Confirmation records one party's half of a mutual-agreement trigger or
// condition.
type Confirmation struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	SubjectKind string `json:"subject_kind" enum:"clause,condition"`
	SubjectID   string `json:"subject_id"`
	Party       string `json:"party" enum:"issuer,counterparty"`
	ActorID     string `json:"actor_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Dispute struct {
	ID             string  `json:"id"`
	AgreementID    string  `json:"agreement_id"`
	Type           string  `json:"type"`
	InitiatorID    string  `json:"initiator_id"`
	Description    string  `json:"description,omitempty"`
	Amount         int64   `json:"amount"`
	PaidAdjustment int64   `json:"paid_adjustment"`
	Status         string  `json:"status" enum:"open,under_review,resolved,escalated"`
	ToIssuer       int64   `json:"to_issuer,omitempty"`
	ToCounterparty int64   `json:"to_counterparty,omitempty"`
	ToEscrow       int64   `json:"to_escrow,omitempty"`
	Resolution     string  `json:"resolution,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Evidence struct {
	ID         string `json:"id"`
	DisputeID  string `json:"dispute_id"`
	ActorID    string `json:"actor_id"`
	Kind       string `json:"kind"`
	ContentRef string `json:"content_ref,omitempty"`
	Note       string `json:"note,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type Signature struct {
	AgreementID   string `json:"agreement_id"`
	SignerID      string `json:"signer_id"`
	Role          string `json:"role" enum:"issuer,counterparty,witness"`
	SignatureHash string `json:"signature_hash"`
	SignedAt      string `json:"signed_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	AgreementID string `json:"agreement_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// EscrowStatus is derived from conditions, releases and disputes; it is never
// stored.
type EscrowStatus struct {
	AgreementID  string `json:"agreement_id"`
	Currency     string `json:"currency"`
	TotalFunding int64  `json:"total_funding"`
	Funded       int64  `json:"funded"`
	Released     int64  `json:"released"`
	Frozen       int64  `json:"frozen"`
	Releasable   int64  `json:"releasable"`
	PendingBps   int    `json:"pending_bps"`
}
