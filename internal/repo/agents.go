package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"loopline/internal/domain"
)

func (r Repo) UpsertAgent(ctx context.Context, tx *sql.Tx, a domain.AgentState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,execution_id,scope,worktree_path,branch,status,phase,progress,heartbeat_at,files_modified,commits)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET execution_id=excluded.execution_id, scope=excluded.scope, worktree_path=excluded.worktree_path,
branch=excluded.branch, status=excluded.status, phase=excluded.phase, progress=excluded.progress,
heartbeat_at=excluded.heartbeat_at, files_modified=excluded.files_modified, commits=excluded.commits`,
		a.ID, nullable(a.ExecutionID), nullable(a.Scope), nullable(a.WorktreePath), nullable(a.Branch),
		a.Status, nullable(a.Phase), nullable(a.Progress), a.HeartbeatAt, a.FilesModified, a.Commits)
	return err
}

func scanAgentRow(scan func(dest ...any) error) (domain.AgentState, error) {
	var a domain.AgentState
	var executionID, scope, worktree, branch, phase, progress sql.NullString
	err := scan(&a.ID, &executionID, &scope, &worktree, &branch, &a.Status, &phase, &progress, &a.HeartbeatAt, &a.FilesModified, &a.Commits)
	if err != nil {
		return a, err
	}
	if executionID.Valid {
		a.ExecutionID = executionID.String
	}
	if scope.Valid {
		a.Scope = scope.String
	}
	if worktree.Valid {
		a.WorktreePath = worktree.String
	}
	if branch.Valid {
		a.Branch = branch.String
	}
	if phase.Valid {
		a.Phase = phase.String
	}
	if progress.Valid {
		a.Progress = progress.String
	}
	return a, nil
}

const agentColumns = `id,execution_id,scope,worktree_path,branch,status,phase,progress,heartbeat_at,files_modified,commits`

func (r Repo) GetAgent(ctx context.Context, id string) (domain.AgentState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	a, err := scanAgentRow(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAgents(ctx context.Context, executionID string) ([]domain.AgentState, error) {
	clauses := []string{"1=1"}
	var args []any
	if executionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, executionID)
	}
	query := `SELECT ` + agentColumns + ` FROM agents WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY heartbeat_at DESC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentState
	for rows.Next() {
		a, err := scanAgentRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, executionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if executionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, executionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,execution_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var executionID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &executionID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if executionID.Valid {
			e.ExecutionID = executionID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, executionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if executionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, executionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,execution_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var executionID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &executionID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if executionID.Valid {
			e.ExecutionID = executionID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID for an execution.
func (r Repo) LatestEventID(ctx context.Context, executionID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE execution_id=?`, executionID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
