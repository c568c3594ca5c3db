package pipeline

import "fmt"

// Stage is a job's position in the pipeline state machine.
type Stage string

const (
	StageCreated            Stage = "CREATED"
	StagePlanning           Stage = "PLANNING"
	StageWaitingForApproval Stage = "WAITING_FOR_APPROVAL"
	StageApplying           Stage = "APPLYING"
	StageVerifying          Stage = "VERIFYING"
	StagePackaging          Stage = "PACKAGING"
	StageDrafting           Stage = "DRAFTING"
	StageCompleted          Stage = "COMPLETED"
	StageFailed             Stage = "FAILED"
)

// transitions lists the forward edges. FAILED is handled separately.
// WAITING_FOR_APPROVAL -> PLANNING is a plan revision.
var transitions = map[Stage][]Stage{
	StageCreated:            {StagePlanning},
	StagePlanning:           {StageWaitingForApproval},
	StageWaitingForApproval: {StageApplying, StagePlanning},
	StageApplying:           {StageVerifying},
	StageVerifying:          {StagePackaging},
	StagePackaging:          {StageDrafting},
	StageDrafting:           {StageCompleted},
}

// CanTransition reports whether a job may move from s to next.
func (s Stage) CanTransition(next Stage) bool {
	if next == StageFailed {
		return s != StageCreated && !s.Terminal()
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageCreated, StagePlanning, StageWaitingForApproval, StageApplying,
		StageVerifying, StagePackaging, StageDrafting, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Mode selects how plans are approved.
type Mode string

const (
	// ModeNormal always waits for an external approval.
	ModeNormal Mode = "normal"
	// ModeYOLO approves a plan automatically when it satisfies the policy.
	ModeYOLO Mode = "yolo"
)

// ParseMode parses a mode name. The empty string is ModeNormal.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeYOLO:
		return ModeYOLO, nil
	}
	return "", fmt.Errorf("unknown mode %q (want normal or yolo)", s)
}
