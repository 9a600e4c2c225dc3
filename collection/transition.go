package collection

import "fmt"

// Trigger names what caused a status change.
type Trigger string

const (
	TriggerContact       Trigger = "contact"
	TriggerAssignment    Trigger = "assignment"
	TriggerOfferAccepted Trigger = "offer_accepted"
	TriggerLoanCured     Trigger = "loan_cured"
	TriggerExplicit      Trigger = "explicit"
)

type edge struct {
	from Status
	to   Status
}

// transitions lists every permitted edge and the triggers that may drive it.
// legal and written_off are only ever reached explicitly, and so is reopening.
var transitions = map[edge][]Trigger{
	{StatusOpen, StatusInProgress}:       {TriggerContact, TriggerAssignment},
	{StatusOpen, StatusSettled}:          {TriggerOfferAccepted},
	{StatusOpen, StatusClosed}:           {TriggerLoanCured},
	{StatusOpen, StatusLegal}:            {TriggerExplicit},
	{StatusOpen, StatusWrittenOff}:       {TriggerExplicit},
	{StatusInProgress, StatusSettled}:    {TriggerOfferAccepted},
	{StatusInProgress, StatusClosed}:     {TriggerLoanCured},
	{StatusInProgress, StatusLegal}:      {TriggerExplicit},
	{StatusInProgress, StatusWrittenOff}: {TriggerExplicit},
	{StatusSettled, StatusInProgress}:    {TriggerExplicit},
	{StatusSettled, StatusClosed}:        {TriggerLoanCured},
	{StatusLegal, StatusInProgress}:      {TriggerExplicit},
	{StatusLegal, StatusSettled}:         {TriggerOfferAccepted},
	{StatusLegal, StatusClosed}:          {TriggerLoanCured},
	{StatusLegal, StatusWrittenOff}:      {TriggerExplicit},
}

// ValidateTransition returns a PolicyViolation unless trigger may move a case from -> to.
func ValidateTransition(from, to Status, trigger Trigger) error {
	if !to.Valid() {
		return Invalid("status", fmt.Sprintf("unknown status %q", to))
	}
	for _, t := range transitions[edge{from, to}] {
		if t == trigger {
			return nil
		}
	}
	return Violation("status_transition", fmt.Sprintf("%s -> %s not permitted by %s", from, to, trigger))
}

// ExplicitTargets are the statuses an agent may request directly.
var ExplicitTargets = []Status{StatusLegal, StatusWrittenOff, StatusInProgress}
