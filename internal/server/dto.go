package server

// Request payloads

type CreateAgreementRequest struct {
	ID             *string `json:"id,omitempty"`
	IssuerID       string  `json:"issuer_id"`
	CounterpartyID string  `json:"counterparty_id"`
	Title          string  `json:"title"`
	Currency       string  `json:"currency,omitempty"`
	TotalFunding   int64   `json:"total_funding"`
	StartsAt       string  `json:"starts_at,omitempty" format:"date-time"`
	EndsAt         string  `json:"ends_at,omitempty" format:"date-time"`
	NoticeDays     int     `json:"notice_days,omitempty"`
	Compensation   string  `json:"compensation_json,omitempty"`
}

type SignRequest struct {
	SignerID      string `json:"signer_id"`
	Role          string `json:"role" enum:"issuer,counterparty,witness"`
	SignatureHash string `json:"signature_hash"`
}

type FundRequest struct {
	Amount int64 `json:"amount"`
}

type TerminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateMilestoneRequest struct {
	ID           *string  `json:"id,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	DueAt        string   `json:"due_at,omitempty" format:"date-time"`
	PayoutBps    *int     `json:"payout_bps,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
}

type AddDeliverableRequest struct {
	Title      string   `json:"title"`
	Acceptance []string `json:"acceptance,omitempty"`
}

type SubmitDeliverableRequest struct {
	Content string `json:"content"`
}

type RevisionRequest struct {
	Deadline string `json:"deadline" format:"date-time"`
	Note     string `json:"note,omitempty"`
}

type CreateKPIRequest struct {
	ID     *string `json:"id,omitempty"`
	Name   string  `json:"name"`
	Unit   string  `json:"unit,omitempty"`
	Target float64 `json:"target"`
	Weight float64 `json:"weight,omitempty"`
	Method string  `json:"method,omitempty" enum:"latest,average,sum"`
}

type RecordObservationRequest struct {
	Value    float64 `json:"value"`
	TS       string  `json:"ts,omitempty" format:"date-time"`
	Source   string  `json:"source,omitempty"`
	Verified bool    `json:"verified,omitempty"`
}

type CreateConditionRequest struct {
	ID           *string  `json:"id,omitempty"`
	Type         string   `json:"type" enum:"milestone_completion,time_based,performance_target,mutual_agreement,dispute_resolution"`
	MilestoneID  string   `json:"milestone_id,omitempty"`
	ReleaseAt    string   `json:"release_at,omitempty" format:"date-time"`
	KPIID        string   `json:"kpi_id,omitempty"`
	KPIThreshold *float64 `json:"kpi_threshold,omitempty"`
	DisputeID    string   `json:"dispute_id,omitempty"`
	RecipientID  string   `json:"recipient_id"`
	Bps          int      `json:"bps"`
	Automated    bool     `json:"automated,omitempty"`
}

type CreateClauseRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`

	TriggerType  string   `json:"trigger_type" enum:"time_based,milestone_completion,performance_threshold,external_event,mutual_agreement"`
	ScheduleAt   string   `json:"schedule_at,omitempty" format:"date-time"`
	EverySeconds int      `json:"every_seconds,omitempty"`
	MilestoneID  string   `json:"milestone_id,omitempty"`
	KPIID        string   `json:"kpi_id,omitempty"`
	Comparator   string   `json:"comparator,omitempty" enum:"gte,lte"`
	Threshold    *float64 `json:"threshold,omitempty"`
	EventName    string   `json:"event_name,omitempty"`

	ActionType  string `json:"action_type" enum:"payment,notification,milestone_creation,contract_amendment,dispute_initiation,contract_termination"`
	RecipientID string `json:"recipient_id,omitempty"`
	Amount      *int64 `json:"amount,omitempty"`
	Message     string `json:"message,omitempty"`
	ParamsJSON  string `json:"params_json,omitempty"`

	RequiresApproval bool `json:"requires_approval,omitempty"`
	Reversible       bool `json:"reversible,omitempty"`
}

type SetClauseActiveRequest struct {
	Active bool `json:"active"`
}

type ConfirmRequest struct {
	SubjectKind string `json:"subject_kind" enum:"clause,condition"`
	SubjectID   string `json:"subject_id"`
}

type ExternalEventRequest struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

type DecideApprovalRequest struct {
	Approve bool `json:"approve"`
}

type OpenDisputeRequest struct {
	ID          *string `json:"id,omitempty"`
	Type        string  `json:"type,omitempty"`
	Description string  `json:"description,omitempty"`
	Amount      int64   `json:"amount"`
}

type ResolveDisputeRequest struct {
	ToIssuer       int64  `json:"to_issuer"`
	ToCounterparty int64  `json:"to_counterparty"`
	ToEscrow       int64  `json:"to_escrow"`
	Resolution     string `json:"resolution,omitempty"`
}

type AddEvidenceRequest struct {
	Kind    string `json:"kind"`
	Content string `json:"content,omitempty"`
	Note    string `json:"note,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads not covered by domain types

type EvaluationResponse struct {
	ClauseFires       int `json:"clause_fires"`
	ConditionReleases int `json:"condition_releases"`
}

type AgreementStatusResponse struct {
	AgreementID      string         `json:"agreement_id"`
	Status           string         `json:"status"`
	Escrow           map[string]any `json:"escrow"`
	MilestoneCounts  map[string]int `json:"milestone_counts"`
	OpenDisputes     int            `json:"open_disputes"`
	PendingApprovals int            `json:"pending_approvals"`
}

type APIKeyIssuedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Key     string `json:"key"`
}

type TokenResponse struct {
	Token string `json:"token"`
}
