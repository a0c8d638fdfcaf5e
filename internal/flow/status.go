package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// Phase is the internal tagged representation of a document's lifecycle
// position. The string codes ("PendingA2", "Approved", ...) exist only at the
// storage/API boundary; nothing else in the system parses status strings.
type Phase int

const (
	PhasePending Phase = iota
	PhaseApproved
	PhaseOnHold
	PhaseRejected
	PhaseDone
	PhaseRecalled
)

type Status struct {
	Phase Phase
	Step  int
}

func Pending(step int) Status  { return Status{Phase: PhasePending, Step: step} }
func Approved(step int) Status { return Status{Phase: PhaseApproved, Step: step} }
func OnHold(step int) Status   { return Status{Phase: PhaseOnHold, Step: step} }
func Rejected(step int) Status { return Status{Phase: PhaseRejected, Step: step} }
func Done() Status             { return Status{Phase: PhaseDone} }
func Recalled() Status         { return Status{Phase: PhaseRecalled} }

// Step status and action verbs persisted on approval_steps rows.
const (
	StepPending  = "Pending"
	StepApproved = "Approved"
	StepOnHold   = "OnHold"
	StepRejected = "Rejected"

	ActionApprove  = "approve"
	ActionHold     = "hold"
	ActionReject   = "reject"
	ActionRecall   = "recall"
	ActionRecalled = "Recalled"
)

// String renders the wire/storage status code. Non-terminal states compose as
// "{Verb}A{n}"; full completion is the bare "Approved", recall the bare
// "Recalled".
func (s Status) String() string {
	switch s.Phase {
	case PhasePending:
		return "Pending" + roleKey(s.Step)
	case PhaseApproved:
		return "Approved" + roleKey(s.Step)
	case PhaseOnHold:
		return "OnHold" + roleKey(s.Step)
	case PhaseRejected:
		return "Rejected" + roleKey(s.Step)
	case PhaseDone:
		return "Approved"
	case PhaseRecalled:
		return "Recalled"
	}
	return ""
}

// Terminal reports whether no further action transition is valid.
func (s Status) Terminal() bool {
	return s.Phase == PhaseDone || s.Phase == PhaseRecalled || s.Phase == PhaseRejected
}

// Actionable reports whether approve/hold/reject may act. Only a pending
// document has a current step; a held document stays held.
func (s Status) Actionable() bool {
	return s.Phase == PhasePending
}

func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "Approved":
		return Done(), nil
	case "Recalled":
		return Recalled(), nil
	}
	for _, candidate := range []struct {
		verb  string
		phase Phase
	}{
		{"Pending", PhasePending},
		{"Approved", PhaseApproved},
		{"OnHold", PhaseOnHold},
		{"Rejected", PhaseRejected},
	} {
		prefix := candidate.verb + "A"
		if strings.HasPrefix(raw, prefix) {
			step, err := strconv.Atoi(raw[len(prefix):])
			if err != nil || step < 1 {
				return Status{}, fmt.Errorf("malformed status code %q", raw)
			}
			return Status{Phase: candidate.phase, Step: step}, nil
		}
	}
	return Status{}, fmt.Errorf("unknown status code %q", raw)
}

func roleKey(step int) string {
	return "A" + strconv.Itoa(step)
}
