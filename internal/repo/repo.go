package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"loopline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.Execution, loopJSON string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO executions(id,loop_id,project_id,status,loop_json,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.LoopID, e.ProjectID, e.Status, loopJSON, e.CreatedAt, e.UpdatedAt, nullableStringPtr(e.CompletedAt))
	return err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	var e domain.Execution
	var completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,loop_id,project_id,status,created_at,updated_at,completed_at FROM executions WHERE id=?`, id).
		Scan(&e.ID, &e.LoopID, &e.ProjectID, &e.Status, &e.CreatedAt, &e.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	return e, nil
}

// GetExecutionLoop returns the loop definition snapshot stored at start.
func (r Repo) GetExecutionLoop(ctx context.Context, id string) (string, error) {
	var snapshot string
	err := r.DB.QueryRowContext(ctx, `SELECT loop_json FROM executions WHERE id=?`, id).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return snapshot, err
}

func (r Repo) UpdateExecutionStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status=?, updated_at=?, completed_at=? WHERE id=?`,
		status, updatedAt, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchExecution refreshes updated_at without changing status.
func (r Repo) TouchExecution(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ExecutionFilters struct {
	LoopID    string
	ProjectID string
	Status    string
	Limit     int
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.LoopID != "" {
		clauses = append(clauses, "loop_id=?")
		args = append(args, f.LoopID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,loop_id,project_id,status,created_at,updated_at,completed_at FROM executions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var completedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.LoopID, &e.ProjectID, &e.Status, &e.CreatedAt, &e.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.String
		}
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) InsertPhase(ctx context.Context, tx *sql.Tx, p domain.PhaseRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(execution_id,name,idx,status,started_at,completed_at) VALUES (?,?,?,?,?,?)`,
		p.ExecutionID, p.Name, p.Index, p.Status, nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt))
	return err
}

const phaseQuery = `SELECT execution_id,name,idx,status,started_at,completed_at FROM phases WHERE execution_id=? ORDER BY idx ASC`

func collectPhases(rows *sql.Rows) ([]domain.PhaseRecord, error) {
	defer rows.Close()
	var res []domain.PhaseRecord
	for rows.Next() {
		var p domain.PhaseRecord
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&p.ExecutionID, &p.Name, &p.Index, &p.Status, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			p.StartedAt = &startedAt.String
		}
		if completedAt.Valid {
			p.CompletedAt = &completedAt.String
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) ListPhases(ctx context.Context, executionID string) ([]domain.PhaseRecord, error) {
	rows, err := r.DB.QueryContext(ctx, phaseQuery, executionID)
	if err != nil {
		return nil, err
	}
	return collectPhases(rows)
}

// ListPhasesTx reads inside the caller's transaction so phase updates
// already applied on it are visible.
func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, executionID string) ([]domain.PhaseRecord, error) {
	rows, err := tx.QueryContext(ctx, phaseQuery, executionID)
	if err != nil {
		return nil, err
	}
	return collectPhases(rows)
}

func (r Repo) GetPhase(ctx context.Context, executionID string, idx int) (domain.PhaseRecord, error) {
	var p domain.PhaseRecord
	var startedAt, completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT execution_id,name,idx,status,started_at,completed_at FROM phases WHERE execution_id=? AND idx=?`, executionID, idx).
		Scan(&p.ExecutionID, &p.Name, &p.Index, &p.Status, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	return p, nil
}

// CurrentPhase returns the lowest-index phase that is not completed or
// skipped; ok is false when every phase is finished.
func (r Repo) CurrentPhase(ctx context.Context, executionID string) (domain.PhaseRecord, bool, error) {
	phases, err := r.ListPhases(ctx, executionID)
	if err != nil {
		return domain.PhaseRecord{}, false, err
	}
	if len(phases) == 0 {
		return domain.PhaseRecord{}, false, ErrNotFound
	}
	for _, p := range phases {
		if p.Status != "completed" && p.Status != "skipped" {
			return p, true, nil
		}
	}
	return domain.PhaseRecord{}, false, nil
}

func (r Repo) UpdatePhaseStatus(ctx context.Context, tx *sql.Tx, executionID string, idx int, status string, startedAt, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, started_at=COALESCE(?,started_at), completed_at=? WHERE execution_id=? AND idx=?`,
		status, nullableStringPtr(startedAt), nullableStringPtr(completedAt), executionID, idx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSkill(ctx context.Context, tx *sql.Tx, s domain.SkillRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO skills(execution_id,skill_id,phase,required,parallel,status,result_json,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ExecutionID, s.SkillID, s.Phase, boolToInt(s.Required), boolToInt(s.Parallel), s.Status, nullableStringPtr(s.ResultJSON), nullableStringPtr(s.CompletedAt))
	return err
}

func (r Repo) GetSkill(ctx context.Context, executionID, skillID string) (domain.SkillRecord, error) {
	var s domain.SkillRecord
	var required, parallel int
	var result, completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT execution_id,skill_id,phase,required,parallel,status,result_json,completed_at FROM skills WHERE execution_id=? AND skill_id=?`, executionID, skillID).
		Scan(&s.ExecutionID, &s.SkillID, &s.Phase, &required, &parallel, &s.Status, &result, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Required = required != 0
	s.Parallel = parallel != 0
	if result.Valid {
		s.ResultJSON = &result.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func skillQuery(executionID, phase string) (string, []any) {
	clauses := []string{"execution_id=?"}
	args := []any{executionID}
	if phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, phase)
	}
	return `SELECT execution_id,skill_id,phase,required,parallel,status,result_json,completed_at FROM skills WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY rowid ASC`, args
}

func collectSkills(rows *sql.Rows) ([]domain.SkillRecord, error) {
	defer rows.Close()
	var res []domain.SkillRecord
	for rows.Next() {
		var s domain.SkillRecord
		var required, parallel int
		var result, completedAt sql.NullString
		if err := rows.Scan(&s.ExecutionID, &s.SkillID, &s.Phase, &required, &parallel, &s.Status, &result, &completedAt); err != nil {
			return nil, err
		}
		s.Required = required != 0
		s.Parallel = parallel != 0
		if result.Valid {
			s.ResultJSON = &result.String
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) ListSkills(ctx context.Context, executionID, phase string) ([]domain.SkillRecord, error) {
	query, args := skillQuery(executionID, phase)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSkills(rows)
}

// ListSkillsTx reads inside the caller's transaction so skill updates
// already applied on it are visible.
func (r Repo) ListSkillsTx(ctx context.Context, tx *sql.Tx, executionID, phase string) ([]domain.SkillRecord, error) {
	query, args := skillQuery(executionID, phase)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSkills(rows)
}

func (r Repo) UpdateSkill(ctx context.Context, tx *sql.Tx, s domain.SkillRecord) error {
	res, err := tx.ExecContext(ctx, `UPDATE skills SET status=?, result_json=?, completed_at=? WHERE execution_id=? AND skill_id=?`,
		s.Status, nullableStringPtr(s.ResultJSON), nullableStringPtr(s.CompletedAt), s.ExecutionID, s.SkillID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gates(execution_id,gate_id,phase,approval,enabled,status,approver,feedback,decided_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		g.ExecutionID, g.ID, g.Phase, g.Approval, boolToInt(g.Enabled), g.Status, nullableStringPtr(g.Approver), nullableStringPtr(g.Feedback), nullableStringPtr(g.DecidedAt))
	return err
}

func scanGate(row *sql.Row) (domain.Gate, error) {
	var g domain.Gate
	var enabled int
	var approver, feedback, decidedAt sql.NullString
	err := row.Scan(&g.ExecutionID, &g.ID, &g.Phase, &g.Approval, &enabled, &g.Status, &approver, &feedback, &decidedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Enabled = enabled != 0
	if approver.Valid {
		g.Approver = &approver.String
	}
	if feedback.Valid {
		g.Feedback = &feedback.String
	}
	if decidedAt.Valid {
		g.DecidedAt = &decidedAt.String
	}
	return g, nil
}

func (r Repo) GetGate(ctx context.Context, executionID, gateID string) (domain.Gate, error) {
	return scanGate(r.DB.QueryRowContext(ctx, `SELECT execution_id,gate_id,phase,approval,enabled,status,approver,feedback,decided_at FROM gates WHERE execution_id=? AND gate_id=?`, executionID, gateID))
}

func (r Repo) GetGateForPhase(ctx context.Context, executionID, phase string) (domain.Gate, error) {
	return scanGate(r.DB.QueryRowContext(ctx, `SELECT execution_id,gate_id,phase,approval,enabled,status,approver,feedback,decided_at FROM gates WHERE execution_id=? AND phase=?`, executionID, phase))
}

func (r Repo) UpdateGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	res, err := tx.ExecContext(ctx, `UPDATE gates SET status=?, approver=?, feedback=?, decided_at=? WHERE execution_id=? AND gate_id=?`,
		g.Status, nullableStringPtr(g.Approver), nullableStringPtr(g.Feedback), nullableStringPtr(g.DecidedAt), g.ExecutionID, g.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingGate is one row of the human-facing approval queue.
type PendingGate struct {
	Gate        domain.Gate
	LoopID      string
	ProjectID   string
	RequestedAt string
}

// ListPendingGates returns pending enabled gates of active executions whose
// guarded phase is already completed, oldest execution first.
func (r Repo) ListPendingGates(ctx context.Context) ([]PendingGate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT g.execution_id,g.gate_id,g.phase,g.approval,g.enabled,g.status,e.loop_id,e.project_id,e.updated_at
FROM gates g
JOIN executions e ON e.id=g.execution_id
JOIN phases p ON p.execution_id=g.execution_id AND p.name=g.phase
WHERE g.status='pending' AND g.enabled=1 AND e.status='active' AND p.status='completed'
ORDER BY e.created_at ASC, g.gate_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PendingGate
	for rows.Next() {
		var pg PendingGate
		var enabled int
		if err := rows.Scan(&pg.Gate.ExecutionID, &pg.Gate.ID, &pg.Gate.Phase, &pg.Gate.Approval, &enabled, &pg.Gate.Status, &pg.LoopID, &pg.ProjectID, &pg.RequestedAt); err != nil {
			return nil, err
		}
		pg.Gate.Enabled = enabled != 0
		res = append(res, pg)
	}
	return res, nil
}

// LoadExecution assembles the full execution record with phases, skills
// and gates attached.
func (r Repo) LoadExecution(ctx context.Context, id string) (domain.Execution, error) {
	e, err := r.GetExecution(ctx, id)
	if err != nil {
		return e, err
	}
	phases, err := r.ListPhases(ctx, id)
	if err != nil {
		return e, err
	}
	skills, err := r.ListSkills(ctx, id, "")
	if err != nil {
		return e, err
	}
	byPhase := map[string][]domain.SkillRecord{}
	for _, s := range skills {
		byPhase[s.Phase] = append(byPhase[s.Phase], s)
	}
	for i := range phases {
		phases[i].Skills = byPhase[phases[i].Name]
		g, err := r.GetGateForPhase(ctx, id, phases[i].Name)
		if err == nil {
			gate := g
			phases[i].Gate = &gate
		} else if !errors.Is(err, ErrNotFound) {
			return e, err
		}
	}
	e.Phases = phases
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
