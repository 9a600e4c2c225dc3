// Package priority ranks collection cases for the work queue.
package priority

import (
	"math"

	"collections/collection"
)

// Weights of the linear score. They sum to 1.
const (
	WeightDPD     = 0.40
	WeightOverdue = 0.35
	WeightBroken  = 0.15
	WeightRisk    = 0.10
)

// Normalisation caps.
const (
	DPDCap    = 120
	BrokenCap = 3
)

// Input is the set of facts the score depends on.
type Input struct {
	DPD            int
	OverdueMinor   int64
	BrokenPromises int
	Flags          collection.Flags
}

// Score returns a value in [0,1]. exposureCapMinor is the jurisdiction's overdue amount
// at which the overdue component saturates. DoNotContact and DisputeActive do not
// contribute: they gate contact, not urgency.
func Score(in Input, exposureCapMinor int64) float64 {
	s := WeightDPD*normalize(float64(in.DPD), DPDCap) +
		WeightOverdue*normalize(float64(in.OverdueMinor), float64(exposureCapMinor)) +
		WeightBroken*normalize(float64(in.BrokenPromises), BrokenCap)
	if in.Flags.Hardship || in.Flags.Vulnerability {
		s += WeightRisk
	}
	s = math.Round(s*1e6) / 1e6
	return math.Max(0, math.Min(1, s))
}

func normalize(x, limit float64) float64 {
	if limit <= 0 || x <= 0 {
		return 0
	}
	return math.Min(x, limit) / limit
}
