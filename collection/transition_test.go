package collection

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition_Permitted(t *testing.T) {
	ok := []struct {
		from, to Status
		trigger  Trigger
	}{
		{StatusOpen, StatusInProgress, TriggerContact},
		{StatusOpen, StatusInProgress, TriggerAssignment},
		{StatusOpen, StatusSettled, TriggerOfferAccepted},
		{StatusInProgress, StatusClosed, TriggerLoanCured},
		{StatusSettled, StatusClosed, TriggerLoanCured},
		{StatusLegal, StatusInProgress, TriggerExplicit},
		{StatusSettled, StatusInProgress, TriggerExplicit},
		{StatusInProgress, StatusLegal, TriggerExplicit},
		{StatusLegal, StatusWrittenOff, TriggerExplicit},
	}
	for _, tc := range ok {
		assert.NoError(t, ValidateTransition(tc.from, tc.to, tc.trigger), "%s -> %s by %s", tc.from, tc.to, tc.trigger)
	}
}

func TestValidateTransition_Rejected(t *testing.T) {
	bad := []struct {
		from, to Status
		trigger  Trigger
	}{
		// legal is never reached automatically, even for escalate_legal
		{StatusInProgress, StatusLegal, TriggerContact},
		{StatusOpen, StatusWrittenOff, TriggerLoanCured},
		{StatusSettled, StatusInProgress, TriggerContact},
		{StatusClosed, StatusOpen, TriggerExplicit},
		{StatusWrittenOff, StatusInProgress, TriggerExplicit},
		{StatusClosed, StatusSettled, TriggerOfferAccepted},
	}
	for _, tc := range bad {
		err := ValidateTransition(tc.from, tc.to, tc.trigger)
		require.Error(t, err)
		assert.True(t, IsPolicyViolation(err), "%s -> %s should be a policy violation", tc.from, tc.to)
	}
}

func TestValidateTransition_UnknownTarget(t *testing.T) {
	err := ValidateTransition(StatusOpen, Status("archived"), TriggerExplicit)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestConflictError_MatchesSentinel(t *testing.T) {
	var err error = &ConflictError{CaseID: "c1", ExpectedVersion: 3}
	assert.True(t, errors.Is(err, ErrConflict))

	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(3), ce.ExpectedVersion)
}

func TestFlagPatch_Apply(t *testing.T) {
	yes := true
	no := false
	base := Flags{DisputeActive: true, Hardship: true}

	got := FlagPatch{DisputeActive: &no, DoNotContact: &yes}.Apply(base)
	assert.Equal(t, Flags{DoNotContact: true, Hardship: true}, got)
	assert.True(t, FlagPatch{}.Empty())
	assert.False(t, FlagPatch{Hardship: &no}.Empty())
}
