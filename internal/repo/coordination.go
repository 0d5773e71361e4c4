package repo

import (
	"context"
	"database/sql"
	"strings"

	"loopline/internal/domain"
)

func (r Repo) InsertReservation(ctx context.Context, tx *sql.Tx, res domain.Reservation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reservations(id,collaborator_id,agent_set_id,execution_id,type,target,exclusive,reason,created_at,expires_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		res.ID, res.CollaboratorID, nullable(res.AgentSetID), nullable(res.ExecutionID), res.Type, res.Target,
		boolToInt(res.Exclusive), nullable(res.Reason), res.CreatedAt, res.ExpiresAt)
	return err
}

func scanReservationRow(scan func(dest ...any) error) (domain.Reservation, error) {
	var res domain.Reservation
	var agentSet, executionID, reason sql.NullString
	var exclusive int
	err := scan(&res.ID, &res.CollaboratorID, &agentSet, &executionID, &res.Type, &res.Target, &exclusive, &reason, &res.CreatedAt, &res.ExpiresAt)
	if err != nil {
		return res, err
	}
	res.Exclusive = exclusive != 0
	if agentSet.Valid {
		res.AgentSetID = agentSet.String
	}
	if executionID.Valid {
		res.ExecutionID = executionID.String
	}
	if reason.Valid {
		res.Reason = reason.String
	}
	return res, nil
}

const reservationColumns = `id,collaborator_id,agent_set_id,execution_id,type,target,exclusive,reason,created_at,expires_at`

func (r Repo) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=?`, id)
	res, err := scanReservationRow(row.Scan)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}

func (r Repo) DeleteReservation(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateReservationExpiry(ctx context.Context, tx *sql.Tx, id, expiresAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reservations SET expires_at=? WHERE id=?`, expiresAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredReservations lazily reclaims lapsed leases on a resource.
func (r Repo) DeleteExpiredReservations(ctx context.Context, tx *sql.Tx, typ, target, now string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE type=? AND target=? AND expires_at<=?`, typ, target, now)
	return err
}

type ReservationFilters struct {
	Type           string
	Target         string
	CollaboratorID string
	AgentSetID     string
	ExecutionID    string
}

func reservationQuery(f ReservationFilters) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Target != "" {
		clauses = append(clauses, "target=?")
		args = append(args, f.Target)
	}
	if f.CollaboratorID != "" {
		clauses = append(clauses, "collaborator_id=?")
		args = append(args, f.CollaboratorID)
	}
	if f.AgentSetID != "" {
		clauses = append(clauses, "agent_set_id=?")
		args = append(args, f.AgentSetID)
	}
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, f.ExecutionID)
	}
	return `SELECT ` + reservationColumns + ` FROM reservations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`, args
}

func collectReservations(rows *sql.Rows) ([]domain.Reservation, error) {
	defer rows.Close()
	var res []domain.Reservation
	for rows.Next() {
		rec, err := scanReservationRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

func (r Repo) ListReservations(ctx context.Context, f ReservationFilters) ([]domain.Reservation, error) {
	query, args := reservationQuery(f)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

// ListReservationsTx reads inside the caller's transaction so a lazy
// expiry sweep already applied on it is visible.
func (r Repo) ListReservationsTx(ctx context.Context, tx *sql.Tx, f ReservationFilters) ([]domain.Reservation, error) {
	query, args := reservationQuery(f)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

// ListReservationsByExecutionTx reads inside the caller's transaction;
// used by abort to release everything held on an execution's behalf.
func (r Repo) ListReservationsByExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) ([]domain.Reservation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE execution_id=? ORDER BY created_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (r Repo) DeleteReservationsByExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE execution_id=?`, executionID)
	return err
}

func (r Repo) InsertMergeRequest(ctx context.Context, tx *sql.Tx, m domain.MergeRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO merge_requests(id,collaborator_id,agent_set_id,module_id,status,conflict_json,reason,requested_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.CollaboratorID, m.AgentSetID, m.ModuleID, m.Status, nullableStringPtr(m.ConflictJSON), nullableStringPtr(m.Reason), m.RequestedAt, m.UpdatedAt)
	return err
}

func scanMergeRow(scan func(dest ...any) error) (domain.MergeRequest, error) {
	var m domain.MergeRequest
	var conflict, reason sql.NullString
	err := scan(&m.ID, &m.CollaboratorID, &m.AgentSetID, &m.ModuleID, &m.Status, &conflict, &reason, &m.RequestedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	if conflict.Valid {
		m.ConflictJSON = &conflict.String
	}
	if reason.Valid {
		m.Reason = &reason.String
	}
	return m, nil
}

const mergeColumns = `id,collaborator_id,agent_set_id,module_id,status,conflict_json,reason,requested_at,updated_at`

func (r Repo) GetMergeRequest(ctx context.Context, id string) (domain.MergeRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+mergeColumns+` FROM merge_requests WHERE id=?`, id)
	m, err := scanMergeRow(row.Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) UpdateMergeRequest(ctx context.Context, tx *sql.Tx, m domain.MergeRequest) error {
	res, err := tx.ExecContext(ctx, `UPDATE merge_requests SET status=?, conflict_json=?, reason=?, updated_at=? WHERE id=?`,
		m.Status, nullableStringPtr(m.ConflictJSON), nullableStringPtr(m.Reason), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpenMergeRequests returns non-terminal requests, oldest first,
// optionally excluding one id.
func (r Repo) ListOpenMergeRequests(ctx context.Context, excludeID string) ([]domain.MergeRequest, error) {
	clauses := []string{"status IN ('pending','checking','ready')"}
	var args []any
	if excludeID != "" {
		clauses = append(clauses, "id != ?")
		args = append(args, excludeID)
	}
	query := `SELECT ` + mergeColumns + ` FROM merge_requests WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY requested_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MergeRequest
	for rows.Next() {
		m, err := scanMergeRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) ListMergeRequests(ctx context.Context, status string, limit int) ([]domain.MergeRequest, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + mergeColumns + ` FROM merge_requests WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY requested_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MergeRequest
	for rows.Next() {
		m, err := scanMergeRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}
