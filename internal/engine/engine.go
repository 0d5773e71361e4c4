package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loopline/internal/config"
	"loopline/internal/coord"
	"loopline/internal/domain"
	"loopline/internal/events"
	"loopline/internal/guarantee"
	"loopline/internal/loop"
	"loopline/internal/repo"
	"loopline/internal/store"
)

// Engine is the authoritative execution state machine. It is the single
// writer of execution state; phase and gate transitions on one execution
// serialize through a per-id mutex while independent executions proceed
// concurrently.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Store  *store.Store
	Coord  *coord.Coordinator
	Agg    *guarantee.Aggregator
	Config *config.Config
	Now    func() time.Time

	execLocks sync.Map // execution id -> *sync.Mutex
}

func New(db *sql.DB, st *store.Store, co *coord.Coordinator, agg *guarantee.Aggregator, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Store:  st,
		Coord:  co,
		Agg:    agg,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) lockExecution(id string) func() {
	v, _ := e.execLocks.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// StartOptions are parameters for starting an execution.
type StartOptions struct {
	ID      string
	ActorID string
}

// Start creates a new execution of the definition with phase 1 already
// in progress. The definition is snapshotted with the execution so later
// edits never affect a running loop.
func (e *Engine) Start(ctx context.Context, def *loop.Definition, projectID string, opts StartOptions) (domain.Execution, error) {
	var exec domain.Execution
	if projectID == "" {
		return exec, errors.New("project is required")
	}
	if err := def.Validate(); err != nil {
		return exec, err
	}
	// compile guarantees up front so binding errors surface at start,
	// not at the first gate
	if _, err := e.Agg.Aggregate(def); err != nil {
		return exec, err
	}
	snapshot, err := def.MarshalSnapshot()
	if err != nil {
		return exec, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	exec = domain.Execution{
		ID:        id,
		LoopID:    def.ID,
		ProjectID: projectID,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertExecution(ctx, tx, exec, snapshot); err != nil {
		return exec, err
	}
	for i, p := range def.Phases {
		pr := domain.PhaseRecord{
			ExecutionID: id,
			Name:        p.Name,
			Index:       i,
			Status:      "pending",
		}
		if i == 0 {
			pr.Status = "in_progress"
			pr.StartedAt = &now
		}
		if err := e.Repo.InsertPhase(ctx, tx, pr); err != nil {
			return exec, err
		}
		for _, s := range p.Skills {
			sr := domain.SkillRecord{
				ExecutionID: id,
				SkillID:     s.ID,
				Phase:       p.Name,
				Required:    s.Required,
				Parallel:    s.Parallel,
				Status:      "pending",
			}
			if err := e.Repo.InsertSkill(ctx, tx, sr); err != nil {
				return exec, err
			}
		}
		if p.Gate != nil {
			g := domain.Gate{
				ExecutionID: id,
				ID:          p.Gate.ID,
				Phase:       p.Name,
				Approval:    p.Gate.Approval,
				Enabled:     p.Gate.GateEnabled(),
				Status:      "pending",
			}
			if err := e.Repo.InsertGate(ctx, tx, g); err != nil {
				return exec, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "execution.started", id, "execution", id, opts.ActorID, events.EventPayload{
		"loop":    def.ID,
		"project": projectID,
		"phase":   def.Phases[0].Name,
	}); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	return exec, nil
}

func (e *Engine) loadDefinition(ctx context.Context, executionID string) (*loop.Definition, error) {
	snapshot, err := e.Repo.GetExecutionLoop(ctx, executionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("execution %s: %w", executionID, repo.ErrNotFound)
		}
		return nil, err
	}
	return loop.FromSnapshot(snapshot)
}

func (e *Engine) requireActive(exec domain.Execution) error {
	if exec.Terminal() {
		return fmt.Errorf("execution %s is %s: %w", exec.ID, exec.Status, ErrExecutionTerminal)
	}
	if exec.Status == "paused" {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrExecutionNotActive)
	}
	return nil
}

// CompleteSkill marks one skill completed and auto-completes the owning
// phase once every required skill in it is done.
func (e *Engine) CompleteSkill(ctx context.Context, executionID, skillID, resultJSON, actorID string) (domain.SkillRecord, error) {
	unlock := e.lockExecution(executionID)
	defer unlock()

	var sr domain.SkillRecord
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return sr, err
	}
	if err := e.requireActive(exec); err != nil {
		return sr, err
	}
	sr, err = e.Repo.GetSkill(ctx, executionID, skillID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return sr, fmt.Errorf("skill %s: %w", skillID, repo.ErrNotFound)
		}
		return sr, err
	}
	if resultJSON != "" {
		var tmp any
		if err := json.Unmarshal([]byte(resultJSON), &tmp); err != nil {
			return sr, fmt.Errorf("result json: %w", err)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	sr.Status = "completed"
	sr.CompletedAt = &now
	if resultJSON != "" {
		sr.ResultJSON = &resultJSON
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sr, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSkill(ctx, tx, sr); err != nil {
		return sr, err
	}
	if err := e.Events.Append(ctx, tx, "skill.completed", executionID, "skill", skillID, actorID, events.EventPayload{
		"phase": sr.Phase,
	}); err != nil {
		return sr, err
	}

	done, err := e.requiredSkillsDone(ctx, tx, executionID, sr.Phase, skillID)
	if err != nil {
		return sr, err
	}
	if done {
		if err := e.completePhaseTx(ctx, tx, executionID, sr.Phase, actorID, now); err != nil {
			return sr, err
		}
	}
	if err := e.Repo.TouchExecution(ctx, tx, executionID, now); err != nil {
		return sr, err
	}
	if err := tx.Commit(); err != nil {
		return sr, err
	}
	return sr, nil
}

// requiredSkillsDone reports whether every required skill of the phase is
// completed, treating justCompleted as completed regardless of the row
// read (the caller updates it in the same transaction).
func (e *Engine) requiredSkillsDone(ctx context.Context, tx *sql.Tx, executionID, phase, justCompleted string) (bool, error) {
	skills, err := e.Repo.ListSkillsTx(ctx, tx, executionID, phase)
	if err != nil {
		return false, err
	}
	for _, s := range skills {
		if !s.Required {
			continue
		}
		if s.SkillID == justCompleted {
			continue
		}
		if s.Status != "completed" {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) completePhaseTx(ctx context.Context, tx *sql.Tx, executionID, phase, actorID, now string) error {
	phases, err := e.Repo.ListPhasesTx(ctx, tx, executionID)
	if err != nil {
		return err
	}
	for _, p := range phases {
		if p.Name != phase {
			continue
		}
		if p.Status != "in_progress" {
			return nil
		}
		if err := e.Repo.UpdatePhaseStatus(ctx, tx, executionID, p.Index, "completed", nil, &now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "phase.completed", executionID, "phase", phase, actorID, events.EventPayload{})
	}
	return fmt.Errorf("phase %s: %w", phase, repo.ErrNotFound)
}

// CompletePhase forces completion of the current phase. Required skills
// must still be done; there is no force path past them.
func (e *Engine) CompletePhase(ctx context.Context, executionID, actorID string) (domain.PhaseRecord, error) {
	unlock := e.lockExecution(executionID)
	defer unlock()

	var pr domain.PhaseRecord
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return pr, err
	}
	if err := e.requireActive(exec); err != nil {
		return pr, err
	}
	pr, ok, err := e.Repo.CurrentPhase(ctx, executionID)
	if err != nil {
		return pr, err
	}
	if !ok || pr.Status != "in_progress" {
		return pr, fmt.Errorf("no phase in progress: %w", ErrPhaseNotComplete)
	}
	skills, err := e.Repo.ListSkills(ctx, executionID, pr.Name)
	if err != nil {
		return pr, err
	}
	var pending []string
	for _, s := range skills {
		if s.Required && s.Status != "completed" {
			pending = append(pending, s.SkillID)
		}
	}
	if len(pending) > 0 {
		return pr, fmt.Errorf("phase %s skills %v: %w", pr.Name, pending, ErrIncompleteRequiredSkills)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return pr, err
	}
	defer tx.Rollback()
	if err := e.completePhaseTx(ctx, tx, executionID, pr.Name, actorID, now); err != nil {
		return pr, err
	}
	if err := e.Repo.TouchExecution(ctx, tx, executionID, now); err != nil {
		return pr, err
	}
	if err := tx.Commit(); err != nil {
		return pr, err
	}
	pr.Status = "completed"
	pr.CompletedAt = &now
	return pr, nil
}

// SkipPhase marks the current phase skipped and starts the next one.
// Skipping a phase bypasses its gate.
func (e *Engine) SkipPhase(ctx context.Context, executionID, actorID, reason string) (domain.PhaseRecord, error) {
	unlock := e.lockExecution(executionID)
	defer unlock()

	var pr domain.PhaseRecord
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return pr, err
	}
	if err := e.requireActive(exec); err != nil {
		return pr, err
	}
	pr, ok, err := e.Repo.CurrentPhase(ctx, executionID)
	if err != nil {
		return pr, err
	}
	if !ok {
		return pr, fmt.Errorf("no phase left to skip: %w", ErrPhaseNotComplete)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return pr, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePhaseStatus(ctx, tx, executionID, pr.Index, "skipped", nil, &now); err != nil {
		return pr, err
	}
	if err := e.Events.Append(ctx, tx, "phase.skipped", executionID, "phase", pr.Name, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return pr, err
	}
	if err := e.startNextOrFinishTx(ctx, tx, executionID, pr.Index, actorID, now); err != nil {
		return pr, err
	}
	if err := e.Repo.TouchExecution(ctx, tx, executionID, now); err != nil {
		return pr, err
	}
	if err := tx.Commit(); err != nil {
		return pr, err
	}
	pr.Status = "skipped"
	return pr, nil
}

// AdvancePhase moves the execution into its next phase. The current phase
// must be completed (or skipped) and its gate, when enabled, approved.
// Auto gates are evaluated and approved in place during the advance.
func (e *Engine) AdvancePhase(ctx context.Context, executionID, actorID string) (domain.Execution, error) {
	unlock := e.lockExecution(executionID)
	defer unlock()

	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return exec, err
	}
	if err := e.requireActive(exec); err != nil {
		return exec, err
	}
	phases, err := e.Repo.ListPhases(ctx, executionID)
	if err != nil {
		return exec, err
	}
	// next = first phase not yet finished; its predecessor is the phase
	// being advanced past
	next := -1
	for i, p := range phases {
		if p.Status != "completed" && p.Status != "skipped" {
			next = i
			break
		}
	}
	if next >= 0 && phases[next].Status == "in_progress" {
		return exec, fmt.Errorf("phase %s: %w", phases[next].Name, ErrPhaseNotComplete)
	}
	prevIdx := next - 1
	if next < 0 {
		prevIdx = len(phases) - 1
	}

	// Gate checks read the deliverable store and the loop snapshot, so
	// they run before the transaction opens. The per-execution lock keeps
	// gate state fixed between check and persist.
	now := e.now().UTC().Format(time.RFC3339)
	var autoApproved *domain.Gate
	if prevIdx >= 0 && phases[prevIdx].Status == "completed" {
		autoApproved, err = e.checkGate(ctx, executionID, phases[prevIdx].Name, now)
		if err != nil {
			return exec, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()

	if autoApproved != nil {
		if err := e.Repo.UpdateGate(ctx, tx, *autoApproved); err != nil {
			return exec, err
		}
		if err := e.Events.Append(ctx, tx, "gate.approved", executionID, "gate", autoApproved.ID, actorID, events.EventPayload{
			"approval": "auto",
		}); err != nil {
			return exec, err
		}
	}
	if err := e.startNextOrFinishTx(ctx, tx, executionID, prevIdx, actorID, now); err != nil {
		return exec, err
	}
	if err := e.Repo.TouchExecution(ctx, tx, executionID, now); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	return e.Repo.GetExecution(ctx, executionID)
}

// checkGate enforces the gate that follows a phase. A pending auto gate is
// evaluated against the deliverable store; when every guarantee holds, the
// returned gate carries the approval for the caller to persist.
func (e *Engine) checkGate(ctx context.Context, executionID, phase, now string) (*domain.Gate, error) {
	gate, err := e.Repo.GetGateForPhase(ctx, executionID, phase)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !gate.Enabled || gate.Status == "approved" {
		return nil, nil
	}
	if gate.Approval == "auto" && gate.Status == "pending" {
		unmet, err := e.unmetGuarantees(ctx, executionID, gate.ID)
		if err != nil {
			return nil, err
		}
		if len(unmet) > 0 {
			return nil, &GuaranteeViolation{GateID: gate.ID, Unmet: unmet}
		}
		approver := "auto"
		gate.Status = "approved"
		gate.Approver = &approver
		gate.DecidedAt = &now
		return &gate, nil
	}
	return nil, fmt.Errorf("gate %s is %s: %w", gate.ID, gate.Status, ErrGateNotApproved)
}

// startNextOrFinishTx starts the phase after prevIdx, or completes the
// execution when none remains.
func (e *Engine) startNextOrFinishTx(ctx context.Context, tx *sql.Tx, executionID string, prevIdx int, actorID, now string) error {
	phases, err := e.Repo.ListPhasesTx(ctx, tx, executionID)
	if err != nil {
		return err
	}
	for _, p := range phases {
		if p.Index <= prevIdx {
			continue
		}
		if p.Status == "completed" || p.Status == "skipped" {
			continue
		}
		if err := e.Repo.UpdatePhaseStatus(ctx, tx, executionID, p.Index, "in_progress", &now, nil); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "phase.started", executionID, "phase", p.Name, actorID, events.EventPayload{})
	}
	completedAt := now
	if err := e.Repo.UpdateExecutionStatus(ctx, tx, executionID, "completed", now, &completedAt); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "execution.completed", executionID, "execution", executionID, actorID, events.EventPayload{})
}

// unmetGuarantees evaluates every guarantee bound to the gate against the
// current deliverable store state.
func (e *Engine) unmetGuarantees(ctx context.Context, executionID, gateID string) ([]domain.Guarantee, error) {
	def, err := e.loadDefinition(ctx, executionID)
	if err != nil {
		return nil, err
	}
	agg, err := e.Agg.Aggregate(def)
	if err != nil {
		return nil, err
	}
	var unmet []domain.Guarantee
	for _, g := range agg.ByGate[gateID] {
		ok, err := e.evaluateGuarantee(ctx, executionID, g)
		if err != nil {
			return nil, err
		}
		if !ok {
			unmet = append(unmet, g)
		}
	}
	return unmet, nil
}

func (e *Engine) evaluateGuarantee(ctx context.Context, executionID string, g domain.Guarantee) (bool, error) {
	entry, err := e.Repo.GetDeliverableEntry(ctx, executionID, g.Deliverable)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if g.Check == "deliverable-exists" {
		return true, nil
	}
	v, err := e.Repo.GetDeliverableVersion(ctx, executionID, g.Deliverable, entry.CurrentVersion)
	if err != nil {
		return false, err
	}
	switch g.Check {
	case "deliverable-nonempty":
		return v.SizeBytes > 0, nil
	case "deliverable-min-lines":
		return v.LineCount >= g.MinLines, nil
	default:
		return false, fmt.Errorf("guarantee %s has unknown check %q", g.ID, g.Check)
	}
}

// ApproveGate approves a gate after verifying every bound guarantee holds.
// On violation the unmet set is returned as a typed error.
func (e *Engine) ApproveGate(ctx context.Context, executionID, gateID, approver string) (domain.Gate, error) {
	unlock := e.lockExecution(executionID)
	defer unlock()

	var gate domain.Gate
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return gate, err
	}
	if err := e.requireActive(exec); err != nil {
		return gate, err
	}
	gate, err = e.Repo.GetGate(ctx, executionID, gateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return gate, fmt.Errorf("gate %s: %w", gateID, repo.ErrNotFound)
		}
		return gate, err
	}
	if gate.Status == "approved" {
		return gate, fmt.Errorf("gate %s already approved", gateID)
	}
	phases, err := e.Repo.ListPhases(ctx, executionID)
	if err != nil {
		return gate, err
	}
	for _, p := range phases {
		if p.Name == gate.Phase && p.Status != "completed" {
			return gate, fmt.Errorf("phase %s is %s: %w", p.Name, p.Status, ErrPhaseNotComplete)
		}
	}
	unmet, err := e.unmetGuarantees(ctx, executionID, gateID)
	if err != nil {
		return gate, err
	}
	if len(unmet) > 0 {
		return gate, &GuaranteeViolation{GateID: gateID, Unmet: unmet}
	}
	now := e.now().UTC().Format(time.RFC3339)
	gate.Status = "approved"
	gate.Approver = &approver
	gate.Feedback = nil
	gate.DecidedAt = &now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return gate, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGate(ctx, tx, gate); err != nil {
		return gate, err
	}
	if err := e.Events.Append(ctx, tx, "gate.approved", executionID, "gate", gateID, approver, events.EventPayload{
		"phase": gate.Phase,
	}); err != nil {
		return gate, err
	}
	if err := e.Repo.TouchExecution(ctx, tx, executionID, now); err != nil {
		return gate, err
	}
	if err := tx.Commit(); err != nil {
		return gate, err
	}
	return gate, nil
}

// RejectGate records non-empty feedback and reopens the gated phase for
// rework. The gate may be approved again after the rework completes.
func (e *Engine) RejectGate(ctx context.Context, executionID, gateID, feedback, actorID string) (domain.Gate, error) {
	unlock := e.lockExecution(executionID)
	defer unlock()

	var gate domain.Gate
	if feedback == "" {
		return gate, errors.New("rejection feedback is required")
	}
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return gate, err
	}
	if err := e.requireActive(exec); err != nil {
		return gate, err
	}
	gate, err = e.Repo.GetGate(ctx, executionID, gateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return gate, fmt.Errorf("gate %s: %w", gateID, repo.ErrNotFound)
		}
		return gate, err
	}
	if gate.Status == "approved" {
		return gate, fmt.Errorf("gate %s already approved", gateID)
	}
	phases, err := e.Repo.ListPhases(ctx, executionID)
	if err != nil {
		return gate, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	gate.Status = "rejected"
	gate.Feedback = &feedback
	gate.DecidedAt = &now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return gate, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGate(ctx, tx, gate); err != nil {
		return gate, err
	}
	for _, p := range phases {
		if p.Name == gate.Phase && p.Status == "completed" {
			if err := e.Repo.UpdatePhaseStatus(ctx, tx, executionID, p.Index, "in_progress", nil, nil); err != nil {
				return gate, err
			}
			if err := e.Events.Append(ctx, tx, "phase.reopened", executionID, "phase", p.Name, actorID, events.EventPayload{
				"gate": gateID,
			}); err != nil {
				return gate, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "gate.rejected", executionID, "gate", gateID, actorID, events.EventPayload{
		"feedback": feedback,
	}); err != nil {
		return gate, err
	}
	if err := e.Repo.TouchExecution(ctx, tx, executionID, now); err != nil {
		return gate, err
	}
	if err := tx.Commit(); err != nil {
		return gate, err
	}
	return gate, nil
}

// Pause suspends the execution without touching phase progress or the
// reservations its agents hold.
func (e *Engine) Pause(ctx context.Context, executionID, actorID, reason string) error {
	return e.setSuspension(ctx, executionID, actorID, reason, "active", "paused", "execution.paused")
}

// Resume reactivates a paused execution.
func (e *Engine) Resume(ctx context.Context, executionID, actorID string) error {
	return e.setSuspension(ctx, executionID, actorID, "", "paused", "active", "execution.resumed")
}

func (e *Engine) setSuspension(ctx context.Context, executionID, actorID, reason, from, to, evtType string) error {
	unlock := e.lockExecution(executionID)
	defer unlock()

	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Terminal() {
		return fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, ErrExecutionTerminal)
	}
	if exec.Status != from {
		return fmt.Errorf("execution %s is %s, expected %s", executionID, exec.Status, from)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateExecutionStatus(ctx, tx, executionID, to, now, nil); err != nil {
		return err
	}
	payload := events.EventPayload{}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, evtType, executionID, "execution", executionID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Abort terminates the execution and releases every reservation held on
// its behalf. Aborting an already-aborted execution is a no-op.
func (e *Engine) Abort(ctx context.Context, executionID, actorID, reason string) error {
	unlock := e.lockExecution(executionID)
	defer unlock()

	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status == "aborted" {
		return nil
	}
	if exec.Terminal() {
		return fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, ErrExecutionTerminal)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	completedAt := now
	if err := e.Repo.UpdateExecutionStatus(ctx, tx, executionID, "aborted", now, &completedAt); err != nil {
		return err
	}
	released, err := e.Coord.ReleaseForExecutionTx(ctx, tx, executionID, actorID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "execution.aborted", executionID, "execution", executionID, actorID, events.EventPayload{
		"reason":               reason,
		"reservations_dropped": len(released),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail marks the execution failed. Like abort it is terminal, but it
// leaves reservations in place for post-mortem inspection; they lapse on
// their own expiry.
func (e *Engine) Fail(ctx context.Context, executionID, actorID, reason string) error {
	unlock := e.lockExecution(executionID)
	defer unlock()

	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Terminal() {
		return fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, ErrExecutionTerminal)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	completedAt := now
	if err := e.Repo.UpdateExecutionStatus(ctx, tx, executionID, "failed", now, &completedAt); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "execution.failed", executionID, "execution", executionID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Manifest is the format-stable per-run record exposed to external
// readers: status per phase plus the full deliverable map.
type Manifest struct {
	Execution    domain.Execution                   `json:"execution"`
	PhaseCounts  map[string]int                     `json:"deliverables_by_phase"`
	Deliverables map[string]domain.DeliverableEntry `json:"deliverables"`
}

// Status returns the assembled execution record.
func (e *Engine) Status(ctx context.Context, executionID string) (domain.Execution, error) {
	return e.Repo.LoadExecution(ctx, executionID)
}

// BuildManifest assembles the manifest record for one execution.
func (e *Engine) BuildManifest(ctx context.Context, executionID string) (Manifest, error) {
	var m Manifest
	exec, err := e.Repo.LoadExecution(ctx, executionID)
	if err != nil {
		return m, err
	}
	counts, err := e.Repo.CountDeliverablesByPhase(ctx, executionID)
	if err != nil {
		return m, err
	}
	latest, err := e.Repo.ListLatestDeliverables(ctx, repo.DeliverableFilters{ExecutionID: executionID})
	if err != nil {
		return m, err
	}
	entries := map[string]domain.DeliverableEntry{}
	for _, v := range latest {
		versions, err := e.Repo.ListDeliverableVersions(ctx, executionID, v.Name)
		if err != nil {
			return m, err
		}
		entries[v.Name] = domain.DeliverableEntry{
			ExecutionID:    executionID,
			Name:           v.Name,
			CurrentVersion: v.Version,
			Versions:       versions,
		}
	}
	return Manifest{Execution: exec, PhaseCounts: counts, Deliverables: entries}, nil
}

// PendingGateEntry is one row of the human approval queue, with the
// artifacts produced in the gated phase attached.
type PendingGateEntry struct {
	Gate        domain.Gate `json:"gate"`
	LoopID      string      `json:"loop_id"`
	ProjectID   string      `json:"project_id"`
	RequestedAt string      `json:"requested_at"`
	Priority    int         `json:"priority"`
	Artifacts   []string    `json:"artifacts,omitempty"`
}

// PendingGates lists gates awaiting approval across active executions.
func (e *Engine) PendingGates(ctx context.Context) ([]PendingGateEntry, error) {
	rows, err := e.Repo.ListPendingGates(ctx)
	if err != nil {
		return nil, err
	}
	var res []PendingGateEntry
	for _, pg := range rows {
		entry := PendingGateEntry{
			Gate:        pg.Gate,
			LoopID:      pg.LoopID,
			ProjectID:   pg.ProjectID,
			RequestedAt: pg.RequestedAt,
		}
		if def, err := e.loadDefinition(ctx, pg.Gate.ExecutionID); err == nil {
			if g := def.GateForPhase(pg.Gate.Phase); g != nil {
				entry.Priority = g.Priority
			}
		}
		produced, err := e.Repo.ListLatestDeliverables(ctx, repo.DeliverableFilters{
			ExecutionID: pg.Gate.ExecutionID,
			Phase:       pg.Gate.Phase,
		})
		if err != nil {
			return nil, err
		}
		for _, v := range produced {
			entry.Artifacts = append(entry.Artifacts, v.Name)
		}
		res = append(res, entry)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Priority > res[j].Priority })
	return res, nil
}

// ReportAgent upserts an agent state record with a fresh heartbeat.
func (e *Engine) ReportAgent(ctx context.Context, a domain.AgentState, actorID string) (domain.AgentState, error) {
	if a.ID == "" {
		return a, errors.New("agent id is required")
	}
	switch a.Status {
	case "spawning", "running", "waiting-gate", "completed", "failed":
	default:
		return a, fmt.Errorf("invalid agent status %q", a.Status)
	}
	if a.ExecutionID != "" {
		if _, err := e.Repo.GetExecution(ctx, a.ExecutionID); err != nil {
			return a, err
		}
	}
	a.HeartbeatAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertAgent(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "agent.reported", a.ExecutionID, "agent", a.ID, actorID, events.EventPayload{
		"status": a.Status,
		"phase":  a.Phase,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}
