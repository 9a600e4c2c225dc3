package settlement

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no offer exists for the identifier.
var ErrNotFound = errors.New("settlement: offer not found")

// OfferType names how the balance is resolved.
type OfferType string

const (
	TypeFullPayment       OfferType = "full_payment"
	TypePartialSettlement OfferType = "partial_settlement"
	TypeShortPlan         OfferType = "short_plan"
	TypeLongPlan          OfferType = "long_plan"
	TypeManual            OfferType = "manual"
)

// Status is the offer lifecycle state.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusNeedsApproval Status = "needs_approval"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusAccepted      Status = "accepted"
	StatusExpired       Status = "expired"
)

// Open reports whether the offer can still be acted on.
func (s Status) Open() bool {
	return s == StatusDraft || s == StatusNeedsApproval || s == StatusApproved
}

// Offer is a priced way to resolve a case's overdue balance. Amounts are minor units.
// Terms never change after creation; only Status and the approval stamp do.
type Offer struct {
	ID                    string
	CaseID                string
	Type                  OfferType
	OriginalBalanceMinor  int64
	SettlementAmountMinor int64
	DiscountPct           float64
	PlanTermMonths        int
	MonthlyAmountMinor    int64
	LastInstallmentMinor  int64
	LumpSumMinor          int64
	ApprovalRequired      bool
	ExceedsCap            bool
	Status                Status
	CreatedBy             *string
	ApprovedBy            *string
	ApprovedAt            *time.Time
	SupersededBy          *string
	CreatedAt             time.Time
}

// ManualTerms are agent-entered offer terms.
type ManualTerms struct {
	DiscountPct    float64
	PlanTermMonths int
}
