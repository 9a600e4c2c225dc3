package main

import (
	"time"

	"collections/collection"
	"collections/compliance"
	"collections/engine"
	"collections/nba"
	"collections/promise"
	"collections/reconcile"
	"collections/settlement"
	"collections/sla"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

type flagsResponse struct {
	DisputeActive bool `json:"disputeActive"`
	Vulnerability bool `json:"vulnerability"`
	DoNotContact  bool `json:"doNotContact"`
	Hardship      bool `json:"hardship"`
}

type recommendationResponse struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	At         *string `json:"at,omitempty"`
}

type caseResponse struct {
	ID                   string                 `json:"id"`
	LoanID               string                 `json:"loanId"`
	Jurisdiction         string                 `json:"jurisdiction"`
	DPD                  int                    `json:"dpd"`
	OverdueMinor         int64                  `json:"overdueMinor"`
	Stage                string                 `json:"stage"`
	LastPaymentDate      *string                `json:"lastPaymentDate,omitempty"`
	Status               string                 `json:"status"`
	AssignedAgentID      *string                `json:"assignedAgentId,omitempty"`
	Flags                flagsResponse          `json:"flags"`
	PriorityScore        float64                `json:"priorityScore"`
	Recommendation       recommendationResponse `json:"recommendation"`
	FirstContactAt       *string                `json:"firstContactAt,omitempty"`
	LastContactAt        *string                `json:"lastContactAt,omitempty"`
	FirstContactDeadline *string                `json:"firstContactDeadline,omitempty"`
	NextContactDeadline  *string                `json:"nextContactDeadline,omitempty"`
	ClosedAt             *string                `json:"closedAt,omitempty"`
	CreatedAt            string                 `json:"createdAt"`
	UpdatedAt            string                 `json:"updatedAt"`
	Version              int64                  `json:"version"`
}

func toCaseResponse(c collection.Case) caseResponse {
	return caseResponse{
		ID:              c.ID,
		LoanID:          c.LoanID,
		Jurisdiction:    c.Jurisdiction,
		DPD:             c.DPD,
		OverdueMinor:    c.OverdueMinor,
		Stage:           string(c.Stage),
		LastPaymentDate: formatOptional(c.LastPaymentDate),
		Status:          string(c.Status),
		AssignedAgentID: c.AssignedAgentID,
		Flags: flagsResponse{
			DisputeActive: c.Flags.DisputeActive,
			Vulnerability: c.Flags.Vulnerability,
			DoNotContact:  c.Flags.DoNotContact,
			Hardship:      c.Flags.Hardship,
		},
		PriorityScore: c.PriorityScore,
		Recommendation: recommendationResponse{
			Action:     c.Recommendation.Action,
			Confidence: c.Recommendation.Confidence,
			Reasoning:  c.Recommendation.Reasoning,
			At:         formatOptional(c.Recommendation.At),
		},
		FirstContactAt:       formatOptional(c.FirstContactAt),
		LastContactAt:        formatOptional(c.LastContactAt),
		FirstContactDeadline: formatOptional(c.FirstContactDeadline),
		NextContactDeadline:  formatOptional(c.NextContactDeadline),
		ClosedAt:             formatOptional(c.ClosedAt),
		CreatedAt:            formatTime(c.CreatedAt),
		UpdatedAt:            formatTime(c.UpdatedAt),
		Version:              c.Version,
	}
}

type slaResponse struct {
	FirstContactDeadline *string `json:"firstContactDeadline,omitempty"`
	NextContactDeadline  *string `json:"nextContactDeadline,omitempty"`
	FirstContactBreached bool    `json:"firstContactBreached"`
	NextContactBreached  bool    `json:"nextContactBreached"`
}

func toSLAResponse(st sla.Status) slaResponse {
	return slaResponse{
		FirstContactDeadline: formatOptional(st.FirstContact),
		NextContactDeadline:  formatOptional(st.NextContact),
		FirstContactBreached: st.FirstContactBreached,
		NextContactBreached:  st.NextContactBreached,
	}
}

type queueItemResponse struct {
	caseResponse
	SLA slaResponse `json:"sla"`
}

type verdictResponse struct {
	Allowed       bool     `json:"allowed"`
	Reasons       []string `json:"reasons"`
	NextAllowedAt *string  `json:"nextAllowedAt"`
	EvaluatedAt   string   `json:"evaluatedAt"`
}

func toVerdictResponse(v compliance.Verdict) verdictResponse {
	reasons := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		reasons = append(reasons, string(r))
	}
	return verdictResponse{
		Allowed:       v.Allowed,
		Reasons:       reasons,
		NextAllowedAt: formatOptional(v.NextAllowedAt),
		EvaluatedAt:   formatTime(v.EvaluatedAt),
	}
}

type nbaResponse struct {
	RuleID     string  `json:"ruleId"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	At         string  `json:"at,omitempty"`
}

func toNBAResponse(r nba.Recommendation, at time.Time) nbaResponse {
	out := nbaResponse{RuleID: r.RuleID, Action: r.Action, Confidence: r.Confidence, Reasoning: r.Reasoning}
	if !at.IsZero() {
		out.At = formatTime(at)
	}
	return out
}

type promiseResponse struct {
	ID                  string  `json:"id"`
	CaseID              string  `json:"caseId"`
	AmountMinor         int64   `json:"amountMinor"`
	PromiseDate         string  `json:"promiseDate"`
	PaymentMethod       *string `json:"paymentMethod,omitempty"`
	Status              string  `json:"status"`
	AmountReceivedMinor int64   `json:"amountReceivedMinor"`
	Notes               *string `json:"notes,omitempty"`
	KeptAt              *string `json:"keptAt,omitempty"`
	BrokenAt            *string `json:"brokenAt,omitempty"`
	CreatedAt           string  `json:"createdAt"`
}

func toPromiseResponse(p promise.Promise) promiseResponse {
	return promiseResponse{
		ID:                  p.ID,
		CaseID:              p.CaseID,
		AmountMinor:         p.AmountMinor,
		PromiseDate:         p.PromiseDate.Format(dateLayout),
		PaymentMethod:       p.PaymentMethod,
		Status:              string(p.Status),
		AmountReceivedMinor: p.AmountReceivedMinor,
		Notes:               p.Notes,
		KeptAt:              formatOptional(p.KeptAt),
		BrokenAt:            formatOptional(p.BrokenAt),
		CreatedAt:           formatTime(p.CreatedAt),
	}
}

type offerResponse struct {
	ID                    string  `json:"id"`
	CaseID                string  `json:"caseId"`
	Type                  string  `json:"type"`
	OriginalBalanceMinor  int64   `json:"originalBalanceMinor"`
	SettlementAmountMinor int64   `json:"settlementAmountMinor"`
	DiscountPct           float64 `json:"discountPct"`
	PlanTermMonths        int     `json:"planTermMonths,omitempty"`
	MonthlyAmountMinor    int64   `json:"monthlyAmountMinor,omitempty"`
	LastInstallmentMinor  int64   `json:"lastInstallmentMinor,omitempty"`
	LumpSumMinor          int64   `json:"lumpSumMinor,omitempty"`
	ApprovalRequired      bool    `json:"approvalRequired"`
	ExceedsCap            bool    `json:"exceedsCap"`
	Status                string  `json:"status"`
	ApprovedBy            *string `json:"approvedBy,omitempty"`
	ApprovedAt            *string `json:"approvedAt,omitempty"`
	SupersededBy          *string `json:"supersededBy,omitempty"`
	CreatedAt             string  `json:"createdAt"`
}

func toOfferResponse(o settlement.Offer) offerResponse {
	return offerResponse{
		ID:                    o.ID,
		CaseID:                o.CaseID,
		Type:                  string(o.Type),
		OriginalBalanceMinor:  o.OriginalBalanceMinor,
		SettlementAmountMinor: o.SettlementAmountMinor,
		DiscountPct:           o.DiscountPct,
		PlanTermMonths:        o.PlanTermMonths,
		MonthlyAmountMinor:    o.MonthlyAmountMinor,
		LastInstallmentMinor:  o.LastInstallmentMinor,
		LumpSumMinor:          o.LumpSumMinor,
		ApprovalRequired:      o.ApprovalRequired,
		ExceedsCap:            o.ExceedsCap,
		Status:                string(o.Status),
		ApprovedBy:            o.ApprovedBy,
		ApprovedAt:            formatOptional(o.ApprovedAt),
		SupersededBy:          o.SupersededBy,
		CreatedAt:             formatTime(o.CreatedAt),
	}
}

func toOfferResponses(offers []settlement.Offer) []offerResponse {
	out := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		out = append(out, toOfferResponse(o))
	}
	return out
}

type eventResponse struct {
	ID        int64          `json:"id"`
	CaseID    string         `json:"caseId"`
	Type      string         `json:"type"`
	ActorID   *string        `json:"actorId,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"createdAt"`
}

func toEventResponse(e collection.Event) eventResponse {
	return eventResponse{
		ID:        e.ID,
		CaseID:    e.CaseID,
		Type:      e.Type,
		ActorID:   e.ActorID,
		Payload:   e.Payload,
		CreatedAt: formatTime(e.CreatedAt),
	}
}

type detailResponse struct {
	Case           caseResponse      `json:"case"`
	Recommendation nbaResponse       `json:"recommendation"`
	BrokenPromises int               `json:"brokenPromises"`
	Compliance     verdictResponse   `json:"compliance"`
	SLA            slaResponse       `json:"sla"`
	Promises       []promiseResponse `json:"promises"`
	Offers         []offerResponse   `json:"offers"`
	Events         []eventResponse   `json:"events"`
}

func toDetailResponse(d engine.Detail) detailResponse {
	out := detailResponse{
		Case:           toCaseResponse(d.Case),
		Recommendation: toNBAResponse(d.Recommendation, d.RecommendedAt),
		BrokenPromises: d.BrokenPromises,
		Compliance:     toVerdictResponse(d.Compliance),
		SLA:            toSLAResponse(d.SLA),
		Promises:       make([]promiseResponse, 0, len(d.Promises)),
		Offers:         toOfferResponses(d.Offers),
		Events:         make([]eventResponse, 0, len(d.Events)),
	}
	for _, p := range d.Promises {
		out.Promises = append(out.Promises, toPromiseResponse(p))
	}
	for _, e := range d.Events {
		out.Events = append(out.Events, toEventResponse(e))
	}
	return out
}

type jobRunResponse struct {
	Job        string `json:"job"`
	Result     any    `json:"result,omitempty"`
	Shared     bool   `json:"shared"`
	Skipped    bool   `json:"skipped"`
	StartedAt  string `json:"startedAt"`
	DurationMs int64  `json:"durationMs"`
}

func toJobRunResponse(r reconcile.RunResult) jobRunResponse {
	return jobRunResponse{
		Job:        r.Job,
		Result:     r.Result,
		Shared:     r.Shared,
		Skipped:    r.Skipped,
		StartedAt:  formatTime(r.Started),
		DurationMs: r.Duration.Milliseconds(),
	}
}
