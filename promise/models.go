// Package promise tracks borrowers' promises to pay.
package promise

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no promise exists for the identifier.
	ErrNotFound = errors.New("promise: not found")
	// ErrPendingExists is returned when the case already has a pending promise.
	ErrPendingExists = errors.New("promise: case already has a pending promise")
)

// Status is the promise lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusKept    Status = "kept"
	StatusBroken  Status = "broken"
)

// MaxHorizon bounds how far out a promise date may be.
const MaxHorizon = 90 * 24 * time.Hour

// Promise is a borrower's commitment to pay AmountMinor by PromiseDate.
// BaselineOverdueMinor is the case's overdue amount when the promise was taken;
// ledger reductions below it count as receipts.
type Promise struct {
	ID                   string
	CaseID               string
	AmountMinor          int64
	PromiseDate          time.Time
	PaymentMethod        *string
	Status               Status
	AmountReceivedMinor  int64
	BaselineOverdueMinor int64
	CreatedBy            *string
	Notes                *string
	KeptAt               *time.Time
	BrokenAt             *time.Time
	CreatedAt            time.Time
}

// Deadline is the end of the promise date plus grace.
func (p Promise) Deadline(grace time.Duration) time.Time {
	y, m, d := p.PromiseDate.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, p.PromiseDate.Location()).Add(grace)
}

// Fulfilled reports whether the full amount has been received.
func (p Promise) Fulfilled() bool {
	return p.AmountReceivedMinor >= p.AmountMinor
}

// KeptBy reports whether a pending promise is fulfilled within its deadline at now.
func (p Promise) KeptBy(now time.Time, grace time.Duration) bool {
	return p.Status == StatusPending && p.Fulfilled() && !now.After(p.Deadline(grace))
}

// LapsedAt reports whether a pending promise is past its deadline at now. A promise still
// pending then was not fulfilled in time, whatever arrived afterwards.
func (p Promise) LapsedAt(now time.Time, grace time.Duration) bool {
	return p.Status == StatusPending && now.After(p.Deadline(grace))
}

// InferReceived returns the receipts implied by the ledger's current overdue amount.
// Receipts never go down: a later increase in overdue does not undo a payment.
func (p Promise) InferReceived(currentOverdueMinor int64) int64 {
	inferred := p.BaselineOverdueMinor - currentOverdueMinor
	if inferred < 0 {
		inferred = 0
	}
	if inferred > p.AmountReceivedMinor {
		return inferred
	}
	return p.AmountReceivedMinor
}
