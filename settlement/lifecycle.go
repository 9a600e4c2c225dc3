package settlement

import (
	"fmt"
	"time"

	"collections/agent"
	"collections/collection"
)

var transitions = map[Status][]Status{
	StatusDraft:         {StatusAccepted, StatusRejected, StatusExpired},
	StatusNeedsApproval: {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved:      {StatusAccepted, StatusRejected, StatusExpired},
}

// CanTransition reports whether an offer may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(o Offer, to Status) (Offer, error) {
	if !CanTransition(o.Status, to) {
		return Offer{}, collection.Violation("offer_transition", fmt.Sprintf("%s -> %s not permitted", o.Status, to))
	}
	o.Status = to
	return o, nil
}

// Approve stamps a needs_approval offer. The approver must be a supervisor or admin
// other than the offer's creator.
func Approve(o Offer, approver agent.Agent, now time.Time) (Offer, error) {
	if o.Status != StatusNeedsApproval {
		return Offer{}, collection.Violation("offer_not_pending_approval", fmt.Sprintf("offer is %s", o.Status))
	}
	if !approver.Active || !approver.Role.CanApprove() {
		return Offer{}, collection.Violation("approver_role", fmt.Sprintf("role %s cannot approve offers", approver.Role))
	}
	if o.CreatedBy != nil && *o.CreatedBy == approver.ID {
		return Offer{}, collection.Violation("approver_is_creator", "an offer cannot be approved by its creator")
	}
	out, err := transition(o, StatusApproved)
	if err != nil {
		return Offer{}, err
	}
	approvedAt := now
	approverID := approver.ID
	out.ApprovedBy = &approverID
	out.ApprovedAt = &approvedAt
	return out, nil
}

// Accept records the borrower's acceptance. Offers awaiting approval cannot be accepted.
func Accept(o Offer) (Offer, error) {
	if o.Status == StatusNeedsApproval {
		return Offer{}, collection.Violation("approval_required", "offer must be approved before acceptance")
	}
	return transition(o, StatusAccepted)
}

// Reject records the borrower declining, or a supervisor refusing approval.
func Reject(o Offer) (Offer, error) {
	return transition(o, StatusRejected)
}

// Expire retires an open offer.
func Expire(o Offer) (Offer, error) {
	return transition(o, StatusExpired)
}
