package repo

import (
	"context"
	"database/sql"
	"strings"

	"conductor/internal/domain"
)

// InsertExecutionIfIdle inserts the execution only if the project has no
// queued or running execution. The guard and the insert are a single
// statement so concurrent submitters cannot both pass.
func (r Repo) InsertExecutionIfIdle(ctx context.Context, tx *sql.Tx, e domain.CommandExecution) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO executions(id,project_id,phase_id,command,args,status,started_at)
SELECT ?,?,?,?,?,?,?
WHERE NOT EXISTS (SELECT 1 FROM executions WHERE project_id=? AND status IN ('queued','running'))`,
		e.ID, e.ProjectID, nullableStringPtr(e.PhaseID), e.Command, e.Args, e.Status, e.StartedAt, e.ProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExecutionActive
	}
	return nil
}

func (r Repo) UpdateExecutionStatus(ctx context.Context, tx *sql.Tx, id, status string, output, errMsg, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status=?, output=?, error=?, completed_at=? WHERE id=?`,
		status, nullableStringPtr(output), nullableStringPtr(errMsg), nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanExecution(scan func(dest ...any) error) (domain.CommandExecution, error) {
	var e domain.CommandExecution
	var phaseID, output, errMsg, completedAt sql.NullString
	err := scan(&e.ID, &e.ProjectID, &phaseID, &e.Command, &e.Args, &e.Status, &output, &errMsg, &e.StartedAt, &completedAt)
	if err != nil {
		return e, err
	}
	if phaseID.Valid {
		e.PhaseID = &phaseID.String
	}
	if output.Valid {
		e.Output = &output.String
	}
	if errMsg.Valid {
		e.Error = &errMsg.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	return e, nil
}

const executionColumns = `id,project_id,phase_id,command,args,status,output,error,started_at,completed_at`

func (r Repo) GetExecution(ctx context.Context, id string) (domain.CommandExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id)
	e, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// ActiveExecution returns the project's queued or running execution, if any.
func (r Repo) ActiveExecution(ctx context.Context, projectID string) (domain.CommandExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE project_id=? AND status IN ('queued','running') ORDER BY started_at DESC, id DESC LIMIT 1`, projectID)
	e, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

type ExecutionFilters struct {
	ProjectID       string
	PhaseID         string
	Status          string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.CommandExecution, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.PhaseID != "" {
		clauses = append(clauses, "phase_id=?")
		args = append(args, f.PhaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + executionColumns + ` FROM executions ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CommandExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
