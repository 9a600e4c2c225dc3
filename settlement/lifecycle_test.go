package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collections/agent"
	"collections/collection"
)

var (
	supervisor = agent.Agent{ID: "sup-1", Role: agent.RoleSupervisor, Active: true}
	creatorID  = "agent-7"
)

func pendingOffer() Offer {
	return Offer{ID: "o1", Status: StatusNeedsApproval, DiscountPct: 20, ApprovalRequired: true, CreatedBy: &creatorID}
}

func TestApprove(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	o, err := Approve(pendingOffer(), supervisor, now)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, o.Status)
	require.NotNil(t, o.ApprovedBy)
	assert.Equal(t, "sup-1", *o.ApprovedBy)
	assert.Equal(t, now, *o.ApprovedAt)
}

func TestApprove_Rejections(t *testing.T) {
	now := time.Now()

	draft := pendingOffer()
	draft.Status = StatusDraft
	_, err := Approve(draft, supervisor, now)
	assert.True(t, collection.IsPolicyViolation(err), "approving a draft")

	_, err = Approve(pendingOffer(), agent.Agent{ID: "a2", Role: agent.RoleAgent, Active: true}, now)
	assert.True(t, collection.IsPolicyViolation(err), "plain agent approving")

	_, err = Approve(pendingOffer(), agent.Agent{ID: creatorID, Role: agent.RoleSupervisor, Active: true}, now)
	assert.True(t, collection.IsPolicyViolation(err), "creator approving own offer")
}

func TestAccept(t *testing.T) {
	_, err := Accept(pendingOffer())
	require.Error(t, err)
	var pv *collection.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, "approval_required", pv.Rule)

	approved, err := Approve(pendingOffer(), supervisor, time.Now())
	require.NoError(t, err)
	accepted, err := Accept(approved)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)

	_, err = Accept(accepted)
	assert.True(t, collection.IsPolicyViolation(err), "accepting twice")
}

func TestTerminalStatusesAreFinal(t *testing.T) {
	for _, terminal := range []Status{StatusAccepted, StatusRejected, StatusExpired} {
		for _, to := range []Status{StatusDraft, StatusNeedsApproval, StatusApproved, StatusAccepted, StatusRejected, StatusExpired} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
		assert.False(t, terminal.Open())
	}
	assert.True(t, CanTransition(StatusDraft, StatusAccepted))
	assert.False(t, CanTransition(StatusDraft, StatusApproved))
}
