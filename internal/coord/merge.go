package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loopline/internal/domain"
	"loopline/internal/events"
	"loopline/internal/repo"
)

var (
	// ErrMergeNotReady signals executeMerge on a request that has not
	// passed its conflict check.
	ErrMergeNotReady = errors.New("merge request is not ready")
	// ErrMergeTerminal signals an operation on a merged/rejected request.
	ErrMergeTerminal = errors.New("merge request is terminal")
)

// MergeConflict is the structured report attached to a request that
// cannot proceed yet.
type MergeConflict struct {
	Resources []string       `json:"resources"`
	Blocking  []MergeBlocker `json:"blocking"`
}

type MergeBlocker struct {
	RequestID string   `json:"request_id"`
	ModuleID  string   `json:"module_id"`
	Resources []string `json:"resources"`
}

// RequestMerge enqueues integration of a module's changes.
func (c *Coordinator) RequestMerge(ctx context.Context, collaboratorID, agentSetID, moduleID string) (domain.MergeRequest, error) {
	var m domain.MergeRequest
	if collaboratorID == "" || agentSetID == "" || moduleID == "" {
		return m, errors.New("collaborator, agent-set and module are required")
	}
	now := c.now().UTC().Format(time.RFC3339)
	m = domain.MergeRequest{
		ID:             uuid.New().String(),
		CollaboratorID: collaboratorID,
		AgentSetID:     agentSetID,
		ModuleID:       moduleID,
		Status:         "pending",
		RequestedAt:    now,
		UpdatedAt:      now,
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertMergeRequest(ctx, tx, m); err != nil {
		return m, err
	}
	if err := c.Events.Append(ctx, tx, "merge.requested", "", "merge", m.ID, collaboratorID, events.EventPayload{
		"module":    moduleID,
		"agent_set": agentSetID,
	}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// resourceSet is the module under integration plus every live resource the
// request's agent set currently holds.
func (c *Coordinator) resourceSet(ctx context.Context, m domain.MergeRequest) ([]string, error) {
	set := []string{"module:" + m.ModuleID}
	held, err := c.Repo.ListReservations(ctx, repo.ReservationFilters{AgentSetID: m.AgentSetID})
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	for _, r := range held {
		if !expired(now, r.ExpiresAt) {
			set = append(set, r.Type+":"+r.Target)
		}
	}
	return set, nil
}

func overlap(a, b []string) bool {
	seen := map[string]bool{}
	for _, x := range a {
		seen[x] = true
	}
	for _, y := range b {
		if seen[y] {
			return true
		}
	}
	return false
}

// CheckMergeConflicts tests the request against all other open requests
// touching overlapping resources. The request becomes ready when no
// earlier overlapping request is in flight; otherwise it returns to
// pending with a conflict report.
func (c *Coordinator) CheckMergeConflicts(ctx context.Context, id string) (domain.MergeRequest, *MergeConflict, error) {
	m, err := c.Repo.GetMergeRequest(ctx, id)
	if err != nil {
		return m, nil, err
	}
	if m.Terminal() {
		return m, nil, fmt.Errorf("merge %s: %w", id, ErrMergeTerminal)
	}
	if err := c.markChecking(ctx, &m); err != nil {
		return m, nil, err
	}
	mine, err := c.resourceSet(ctx, m)
	if err != nil {
		return m, nil, err
	}
	others, err := c.Repo.ListOpenMergeRequests(ctx, id)
	if err != nil {
		return m, nil, err
	}
	var conflict *MergeConflict
	for _, other := range others {
		if !earlier(other, m) {
			continue
		}
		theirs, err := c.resourceSet(ctx, other)
		if err != nil {
			return m, nil, err
		}
		if !overlap(mine, theirs) {
			continue
		}
		if conflict == nil {
			conflict = &MergeConflict{Resources: mine}
		}
		conflict.Blocking = append(conflict.Blocking, MergeBlocker{
			RequestID: other.ID,
			ModuleID:  other.ModuleID,
			Resources: theirs,
		})
	}

	now := c.now().UTC().Format(time.RFC3339)
	m.UpdatedAt = now
	if conflict == nil {
		m.Status = "ready"
		m.ConflictJSON = nil
	} else {
		m.Status = "pending"
		report, err := json.Marshal(conflict)
		if err != nil {
			return m, nil, err
		}
		s := string(report)
		m.ConflictJSON = &s
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, nil, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateMergeRequest(ctx, tx, m); err != nil {
		return m, nil, err
	}
	if err := c.Events.Append(ctx, tx, "merge.checked", "", "merge", m.ID, m.CollaboratorID, events.EventPayload{
		"status":    m.Status,
		"conflicts": conflict != nil,
	}); err != nil {
		return m, nil, err
	}
	if err := tx.Commit(); err != nil {
		return m, nil, err
	}
	return m, conflict, nil
}

// markChecking records that a conflict check is in flight so concurrent
// observers see the request as open but not yet ready.
func (c *Coordinator) markChecking(ctx context.Context, m *domain.MergeRequest) error {
	m.Status = "checking"
	m.UpdatedAt = c.now().UTC().Format(time.RFC3339)
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateMergeRequest(ctx, tx, *m); err != nil {
		return err
	}
	return tx.Commit()
}

// earlier orders requests by requested-at, id as tiebreak.
func earlier(a, b domain.MergeRequest) bool {
	if a.RequestedAt != b.RequestedAt {
		return a.RequestedAt < b.RequestedAt
	}
	return a.ID < b.ID
}

// ExecuteMerge performs the integration of a ready request. Requests
// touching the same module serialize here; the ready state is re-verified
// under the lock so a stale check cannot slip past an earlier request.
func (c *Coordinator) ExecuteMerge(ctx context.Context, id string) (domain.MergeRequest, *MergeConflict, error) {
	m, err := c.Repo.GetMergeRequest(ctx, id)
	if err != nil {
		return m, nil, err
	}
	lock := c.merge.get("module:" + m.ModuleID)
	lock.Lock()
	defer lock.Unlock()

	m, err = c.Repo.GetMergeRequest(ctx, id)
	if err != nil {
		return m, nil, err
	}
	if m.Terminal() {
		return m, nil, fmt.Errorf("merge %s: %w", id, ErrMergeTerminal)
	}
	if m.Status != "ready" {
		return m, nil, fmt.Errorf("merge %s is %s: %w", id, m.Status, ErrMergeNotReady)
	}
	m2, conflict, err := c.CheckMergeConflicts(ctx, id)
	if err != nil {
		return m2, nil, err
	}
	if conflict != nil {
		return m2, conflict, nil
	}

	now := c.now().UTC().Format(time.RFC3339)
	m2.Status = "merged"
	m2.UpdatedAt = now
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return m2, nil, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateMergeRequest(ctx, tx, m2); err != nil {
		return m2, nil, err
	}
	if err := c.Events.Append(ctx, tx, "merge.executed", "", "merge", m2.ID, m2.CollaboratorID, events.EventPayload{
		"module": m2.ModuleID,
	}); err != nil {
		return m2, nil, err
	}
	return m2, nil, tx.Commit()
}

// RejectMerge is valid from any non-terminal state.
func (c *Coordinator) RejectMerge(ctx context.Context, id, reason, actorID string) (domain.MergeRequest, error) {
	m, err := c.Repo.GetMergeRequest(ctx, id)
	if err != nil {
		return m, err
	}
	if m.Terminal() {
		return m, fmt.Errorf("merge %s: %w", id, ErrMergeTerminal)
	}
	if reason == "" {
		return m, errors.New("reason is required")
	}
	now := c.now().UTC().Format(time.RFC3339)
	m.Status = "rejected"
	m.Reason = &reason
	m.UpdatedAt = now
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateMergeRequest(ctx, tx, m); err != nil {
		return m, err
	}
	if err := c.Events.Append(ctx, tx, "merge.rejected", "", "merge", m.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}
