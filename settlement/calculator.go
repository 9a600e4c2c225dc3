// Package settlement prices settlement and restructuring offers and runs their lifecycle.
package settlement

import (
	"fmt"
	"math"
	"sort"

	"collections/collection"
)

// ApprovalDiscountPct is the discount above which every offer needs approval.
const ApprovalDiscountPct = 10.0

// MaxPlanMonths bounds manual instalment plans.
const MaxPlanMonths = 60

// LongPlanMonths is the fixed term of the long restructuring plan.
const LongPlanMonths = 12

// Band caps the discount from MinDPD days past due onwards.
type Band struct {
	MinDPD         int
	MaxDiscountPct float64
}

// Policy holds a jurisdiction's pricing parameters.
type Policy struct {
	Bands                         []Band
	MaxDiscountPct                float64
	PlanApprovalThresholdMinor    int64
	LargeSettlementThresholdMinor int64
	// ShortPlanMonths is the short plan term used when the agent does not choose one.
	ShortPlanMonths int
}

// DefaultPolicy is used when a jurisdiction profile leaves pricing unset.
func DefaultPolicy() Policy {
	return Policy{
		Bands: []Band{
			{MinDPD: 0, MaxDiscountPct: 0},
			{MinDPD: 31, MaxDiscountPct: 5},
			{MinDPD: 61, MaxDiscountPct: 10},
			{MinDPD: 91, MaxDiscountPct: 20},
		},
		MaxDiscountPct:                50,
		PlanApprovalThresholdMinor:    100_000,
		LargeSettlementThresholdMinor: 500_000,
		ShortPlanMonths:               3,
	}
}

// CapFor returns the band cap for dpd.
func (p Policy) CapFor(dpd int) float64 {
	bands := append([]Band(nil), p.Bands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].MinDPD < bands[j].MinDPD })
	limit := 0.0
	for _, b := range bands {
		if dpd >= b.MinDPD {
			limit = b.MaxDiscountPct
		}
	}
	return limit
}

// ValidShortPlanMonths reports whether n is an offered short plan term.
func ValidShortPlanMonths(n int) bool {
	return n == 3 || n == 6
}

// ShortPlanTerm resolves the agent's short plan choice; zero takes the policy default.
func (p Policy) ShortPlanTerm(chosen int) (int, error) {
	if chosen == 0 {
		chosen = p.ShortPlanMonths
	}
	if chosen == 0 {
		chosen = 3
	}
	if !ValidShortPlanMonths(chosen) {
		return 0, collection.Invalid("plan_term_months", fmt.Sprintf("short plan must be 3 or 6 months, got %d", chosen))
	}
	return chosen, nil
}

// Calculate returns the standard offer set for a balance, in presentation order.
// shortPlanMonths is the agent's short plan term, 3 or 6; zero takes the policy default.
// IDs, case and creator are left for the caller to stamp.
func Calculate(dpd int, balanceMinor int64, shortPlanMonths int, p Policy) ([]Offer, error) {
	if balanceMinor <= 0 {
		return nil, collection.Invalid("balance", "must be positive")
	}
	shortTerm, err := p.ShortPlanTerm(shortPlanMonths)
	if err != nil {
		return nil, err
	}

	offers := []Offer{lumpSum(TypeFullPayment, balanceMinor, 0)}

	if limit := p.CapFor(dpd); dpd > 30 && limit > 0 {
		offers = append(offers, lumpSum(TypePartialSettlement, balanceMinor, limit))
	}

	offers = append(offers,
		plan(TypeShortPlan, balanceMinor, 0, shortTerm),
		plan(TypeLongPlan, balanceMinor, 0, LongPlanMonths),
	)

	for i := range offers {
		finalize(&offers[i], p)
	}
	return offers, nil
}

// Manual prices agent-entered terms. A discount above the band cap is allowed onto
// the approval path; a discount above the policy ceiling is refused outright.
func Manual(dpd int, balanceMinor int64, terms ManualTerms, p Policy) (Offer, error) {
	if balanceMinor <= 0 {
		return Offer{}, collection.Invalid("balance", "must be positive")
	}
	if math.IsNaN(terms.DiscountPct) || terms.DiscountPct < 0 || terms.DiscountPct >= 100 {
		return Offer{}, collection.Invalid("discount_pct", "must be in [0,100)")
	}
	if terms.PlanTermMonths < 0 || terms.PlanTermMonths > MaxPlanMonths {
		return Offer{}, collection.Invalid("plan_term_months", fmt.Sprintf("must be between 0 and %d", MaxPlanMonths))
	}
	if p.MaxDiscountPct > 0 && terms.DiscountPct > p.MaxDiscountPct {
		return Offer{}, collection.Violation("max_discount",
			fmt.Sprintf("discount %.2f%% exceeds ceiling %.2f%%", terms.DiscountPct, p.MaxDiscountPct))
	}

	var o Offer
	if terms.PlanTermMonths > 0 {
		o = plan(TypeManual, balanceMinor, terms.DiscountPct, terms.PlanTermMonths)
	} else {
		o = lumpSum(TypeManual, balanceMinor, terms.DiscountPct)
	}
	o.ExceedsCap = terms.DiscountPct > p.CapFor(dpd)
	finalize(&o, p)
	return o, nil
}

// RequiresApproval applies the approval rules to priced terms.
func RequiresApproval(o Offer, p Policy) bool {
	switch {
	case o.ExceedsCap:
		return true
	case o.DiscountPct > ApprovalDiscountPct:
		return true
	case o.DiscountPct > 0 && p.LargeSettlementThresholdMinor > 0 && o.SettlementAmountMinor >= p.LargeSettlementThresholdMinor:
		return true
	case o.Type == TypeLongPlan && p.PlanApprovalThresholdMinor > 0 && o.OriginalBalanceMinor > p.PlanApprovalThresholdMinor:
		return true
	default:
		return false
	}
}

func finalize(o *Offer, p Policy) {
	o.ApprovalRequired = RequiresApproval(*o, p)
	if o.ApprovalRequired {
		o.Status = StatusNeedsApproval
	} else {
		o.Status = StatusDraft
	}
}

func lumpSum(t OfferType, balance int64, discountPct float64) Offer {
	amount := discounted(balance, discountPct)
	return Offer{
		Type:                  t,
		OriginalBalanceMinor:  balance,
		SettlementAmountMinor: amount,
		DiscountPct:           discountPct,
		LumpSumMinor:          amount,
	}
}

// plan splits the amount into equal floor-rounded instalments; the last one absorbs the remainder.
func plan(t OfferType, balance int64, discountPct float64, months int) Offer {
	amount := discounted(balance, discountPct)
	monthly := amount / int64(months)
	return Offer{
		Type:                  t,
		OriginalBalanceMinor:  balance,
		SettlementAmountMinor: amount,
		DiscountPct:           discountPct,
		PlanTermMonths:        months,
		MonthlyAmountMinor:    monthly,
		LastInstallmentMinor:  amount - monthly*int64(months-1),
	}
}

// discounted applies a percentage in basis points so whole-percent discounts are exact.
func discounted(balance int64, pct float64) int64 {
	bps := int64(math.Round(pct * 100))
	return balance - balance*bps/10_000
}
