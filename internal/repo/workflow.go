package repo

import (
	"context"
	"database/sql"
	"strings"

	"conductor/internal/domain"
)

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, p domain.WorkflowPhase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_phases(id,project_id,number,name,command,args,gate_kind,status,started_at,completed_at,error)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.Number, p.Name, p.Command, p.Args, p.GateKind, p.Status,
		nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt), nullableStringPtr(p.Error))
	return err
}

const phaseColumns = `id,project_id,number,name,command,args,gate_kind,status,started_at,completed_at,error`

func scanPhase(scan func(dest ...any) error) (domain.WorkflowPhase, error) {
	var p domain.WorkflowPhase
	var startedAt, completedAt, errMsg sql.NullString
	err := scan(&p.ID, &p.ProjectID, &p.Number, &p.Name, &p.Command, &p.Args, &p.GateKind, &p.Status, &startedAt, &completedAt, &errMsg)
	if err != nil {
		return p, err
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	if errMsg.Valid {
		p.Error = &errMsg.String
	}
	return p, nil
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.WorkflowPhase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM workflow_phases WHERE id=?`, id)
	p, err := scanPhase(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowPhase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM workflow_phases WHERE id=?`, id)
	p, err := scanPhase(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// ListPhases returns a project's phases in workflow order.
func (r Repo) ListPhases(ctx context.Context, projectID string) ([]domain.WorkflowPhase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseColumns+` FROM workflow_phases WHERE project_id=? ORDER BY number ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowPhase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.WorkflowPhase, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+phaseColumns+` FROM workflow_phases WHERE project_id=? ORDER BY number ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowPhase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ActivePhase returns the project's single active phase, or ErrNotFound.
func (r Repo) ActivePhase(ctx context.Context, projectID string) (domain.WorkflowPhase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM workflow_phases WHERE project_id=? AND status='active' LIMIT 1`, projectID)
	p, err := scanPhase(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) UpdatePhaseStatus(ctx context.Context, tx *sql.Tx, id, status string, startedAt, completedAt, errMsg *string) error {
	fields := []string{"status=?"}
	args := []any{status}
	if startedAt != nil {
		fields = append(fields, "started_at=?")
		args = append(args, *startedAt)
	}
	if completedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, *completedAt)
	}
	fields = append(fields, "error=?")
	args = append(args, nullableStringPtr(errMsg), id)
	res, err := tx.ExecContext(ctx, `UPDATE workflow_phases SET `+strings.Join(fields, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertGateTx(ctx context.Context, tx *sql.Tx, g domain.ApprovalGate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_gates(id,project_id,phase_id,kind,question,context_json,status,response,decided_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, nullableStringPtr(g.PhaseID), g.Kind, g.Question, nullable(g.Context), g.Status,
		nullableStringPtr(g.Response), nullableStringPtr(g.DecidedAt), g.CreatedAt)
	return err
}

const gateColumns = `id,project_id,phase_id,kind,question,context_json,status,response,decided_at,created_at`

func scanGate(scan func(dest ...any) error) (domain.ApprovalGate, error) {
	var g domain.ApprovalGate
	var phaseID, gctx, response, decidedAt sql.NullString
	err := scan(&g.ID, &g.ProjectID, &phaseID, &g.Kind, &g.Question, &gctx, &g.Status, &response, &decidedAt, &g.CreatedAt)
	if err != nil {
		return g, err
	}
	if phaseID.Valid {
		g.PhaseID = &phaseID.String
	}
	if gctx.Valid {
		g.Context = gctx.String
	}
	if response.Valid {
		g.Response = &response.String
	}
	if decidedAt.Valid {
		g.DecidedAt = &decidedAt.String
	}
	return g, nil
}

func (r Repo) GetGate(ctx context.Context, id string) (domain.ApprovalGate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM approval_gates WHERE id=?`, id)
	g, err := scanGate(row.Scan)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) GetGateTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalGate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM approval_gates WHERE id=?`, id)
	g, err := scanGate(row.Scan)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

type GateFilters struct {
	ProjectID string
	PhaseID   string
	Status    string
	Kind      string
	Limit     int
}

func (r Repo) ListGates(ctx context.Context, f GateFilters) ([]domain.ApprovalGate, error) {
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
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + gateColumns + ` FROM approval_gates ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalGate
	for rows.Next() {
		g, err := scanGate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// ResolveGate flips a pending gate to its decided status. The WHERE
// clause keeps the transition conditional, so a second decision on the
// same gate affects zero rows and reports ErrNotFound.
func (r Repo) ResolveGate(ctx context.Context, tx *sql.Tx, id, status string, response *string, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_gates SET status=?, response=?, decided_at=? WHERE id=? AND status='pending'`,
		status, nullableStringPtr(response), decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
