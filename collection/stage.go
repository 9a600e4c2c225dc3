package collection

// Stage is the delinquency band derived from days past due.
type Stage string

const (
	StageCurrent Stage = "current"
	StageEarly   Stage = "dpd_1_30"
	StageMid     Stage = "dpd_31_60"
	StageLate    Stage = "dpd_61_90"
	StageSevere  Stage = "dpd_90_plus"
)

// Stages lists every stage in increasing severity.
var Stages = []Stage{StageCurrent, StageEarly, StageMid, StageLate, StageSevere}

// StageForDPD maps days past due to its band. Negative input is treated as current.
func StageForDPD(dpd int) Stage {
	switch {
	case dpd <= 0:
		return StageCurrent
	case dpd <= 30:
		return StageEarly
	case dpd <= 60:
		return StageMid
	case dpd <= 90:
		return StageLate
	default:
		return StageSevere
	}
}

// Severity orders stages; higher is more delinquent. Unknown stages rank -1.
func (s Stage) Severity() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Severity() >= 0
}
