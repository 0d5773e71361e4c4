package engine

import (
	"errors"
	"fmt"
	"strings"

	"loopline/internal/domain"
)

var (
	// ErrExecutionNotActive rejects mutating operations on a paused
	// execution; resume or abort first.
	ErrExecutionNotActive = errors.New("execution is not active")
	// ErrExecutionTerminal rejects any transition out of
	// aborted/completed/failed.
	ErrExecutionTerminal = errors.New("execution is terminal")
	// ErrPhaseNotComplete rejects advancing while the current phase is
	// still in progress.
	ErrPhaseNotComplete = errors.New("current phase is not complete")
	// ErrGateNotApproved rejects advancing past a pending or rejected gate.
	ErrGateNotApproved = errors.New("gate is not approved")
	// ErrIncompleteRequiredSkills rejects completing a phase with required
	// skills still pending.
	ErrIncompleteRequiredSkills = errors.New("required skills are incomplete")
)

// GuaranteeViolation blocks gate approval and carries the unmet set so the
// caller can remediate instead of guessing.
type GuaranteeViolation struct {
	GateID string
	Unmet  []domain.Guarantee
}

func (v *GuaranteeViolation) Error() string {
	ids := make([]string, len(v.Unmet))
	for i, g := range v.Unmet {
		ids[i] = g.ID
	}
	return fmt.Sprintf("gate %s blocked by unmet guarantees: %s", v.GateID, strings.Join(ids, ", "))
}
