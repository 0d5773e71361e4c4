package repo

import (
	"context"
	"database/sql"
	"strings"

	"loopline/internal/domain"
)

func (r Repo) GetDeliverableEntry(ctx context.Context, executionID, name string) (domain.DeliverableEntry, error) {
	var e domain.DeliverableEntry
	err := r.DB.QueryRowContext(ctx, `SELECT execution_id,name,current_version FROM deliverables WHERE execution_id=? AND name=?`, executionID, name).
		Scan(&e.ExecutionID, &e.Name, &e.CurrentVersion)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// GetDeliverableEntryTx reads inside the caller's transaction; version
// allocation must see the entry the same transaction will update.
func (r Repo) GetDeliverableEntryTx(ctx context.Context, tx *sql.Tx, executionID, name string) (domain.DeliverableEntry, error) {
	var e domain.DeliverableEntry
	err := tx.QueryRowContext(ctx, `SELECT execution_id,name,current_version FROM deliverables WHERE execution_id=? AND name=?`, executionID, name).
		Scan(&e.ExecutionID, &e.Name, &e.CurrentVersion)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) UpsertDeliverableEntry(ctx context.Context, tx *sql.Tx, executionID, name string, version int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(execution_id,name,current_version) VALUES (?,?,?)
ON CONFLICT(execution_id,name) DO UPDATE SET current_version=excluded.current_version`, executionID, name, version)
	return err
}

func (r Repo) InsertDeliverableVersion(ctx context.Context, tx *sql.Tx, v domain.DeliverableVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverable_versions(execution_id,name,version,phase,category,path,hash,size_bytes,line_count,author,change_note,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ExecutionID, v.Name, v.Version, v.Phase, nullable(v.Category), v.Path, v.Hash, v.SizeBytes, v.LineCount,
		nullableStringPtr(v.Author), nullableStringPtr(v.ChangeNote), v.CreatedAt)
	return err
}

func scanVersionRow(scan func(dest ...any) error) (domain.DeliverableVersion, error) {
	var v domain.DeliverableVersion
	var category, author, changeNote sql.NullString
	err := scan(&v.ExecutionID, &v.Name, &v.Version, &v.Phase, &category, &v.Path, &v.Hash, &v.SizeBytes, &v.LineCount, &author, &changeNote, &v.CreatedAt)
	if err != nil {
		return v, err
	}
	if category.Valid {
		v.Category = category.String
	}
	if author.Valid {
		v.Author = &author.String
	}
	if changeNote.Valid {
		v.ChangeNote = &changeNote.String
	}
	return v, nil
}

const versionColumns = `execution_id,name,version,phase,category,path,hash,size_bytes,line_count,author,change_note,created_at`

func (r Repo) GetDeliverableVersion(ctx context.Context, executionID, name string, version int) (domain.DeliverableVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM deliverable_versions WHERE execution_id=? AND name=? AND version=?`, executionID, name, version)
	v, err := scanVersionRow(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) ListDeliverableVersions(ctx context.Context, executionID, name string) ([]domain.DeliverableVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM deliverable_versions WHERE execution_id=? AND name=? ORDER BY version ASC`, executionID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliverableVersion
	for rows.Next() {
		v, err := scanVersionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

type DeliverableFilters struct {
	ExecutionID  string
	Phase        string
	Category     string
	NameContains string
	Limit        int
}

// ListLatestDeliverables returns the current version row of every matching
// entry, across one or all executions.
func (r Repo) ListLatestDeliverables(ctx context.Context, f DeliverableFilters) ([]domain.DeliverableVersion, error) {
	clauses := []string{"v.version=d.current_version"}
	var args []any
	if f.ExecutionID != "" {
		clauses = append(clauses, "v.execution_id=?")
		args = append(args, f.ExecutionID)
	}
	if f.Phase != "" {
		clauses = append(clauses, "v.phase=?")
		args = append(args, f.Phase)
	}
	if f.Category != "" {
		clauses = append(clauses, "v.category=?")
		args = append(args, f.Category)
	}
	if f.NameContains != "" {
		clauses = append(clauses, "instr(lower(v.name), lower(?)) > 0")
		args = append(args, f.NameContains)
	}
	query := `SELECT v.execution_id,v.name,v.version,v.phase,v.category,v.path,v.hash,v.size_bytes,v.line_count,v.author,v.change_note,v.created_at
FROM deliverable_versions v
JOIN deliverables d ON d.execution_id=v.execution_id AND d.name=v.name
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY v.execution_id ASC, v.name ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliverableVersion
	for rows.Next() {
		v, err := scanVersionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

// CountDeliverablesByPhase returns per-phase deliverable counts for the
// execution manifest.
func (r Repo) CountDeliverablesByPhase(ctx context.Context, executionID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase, count(DISTINCT name) FROM deliverable_versions WHERE execution_id=? GROUP BY phase`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var phase string
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return nil, err
		}
		res[phase] = count
	}
	return res, nil
}

func (r Repo) UpsertCheckpoint(ctx context.Context, tx *sql.Tx, cp domain.Checkpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(execution_id,phase,skill_id,data_json,saved_at) VALUES (?,?,?,?,?)
ON CONFLICT(execution_id) DO UPDATE SET phase=excluded.phase, skill_id=excluded.skill_id, data_json=excluded.data_json, saved_at=excluded.saved_at`,
		cp.ExecutionID, cp.Phase, nullable(cp.SkillID), cp.DataJSON, cp.SavedAt)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, executionID string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var skillID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT execution_id,phase,skill_id,data_json,saved_at FROM checkpoints WHERE execution_id=?`, executionID).
		Scan(&cp.ExecutionID, &cp.Phase, &skillID, &cp.DataJSON, &cp.SavedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if skillID.Valid {
		cp.SkillID = skillID.String
	}
	return cp, nil
}
