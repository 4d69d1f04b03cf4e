package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"conductor/internal/domain"
)

// InsertActivity appends one activity and returns its assigned ID.
// IDs are monotonically increasing, so a (ts,id) pair is a total order
// over a project's activities even when timestamps collide.
func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) (int64, error) {
	var details any
	if len(a.Details) > 0 {
		data, err := json.Marshal(a.Details)
		if err != nil {
			return 0, err
		}
		details = string(data)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO activities(execution_id,project_id,type,description,details_json,snippet,ts) VALUES (?,?,?,?,?,?,?)`,
		a.ExecutionID, a.ProjectID, a.Type, a.Description, details, nullableStringPtr(a.Snippet), a.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const activityColumns = `id,execution_id,project_id,type,description,details_json,snippet,ts`

func scanActivity(scan func(dest ...any) error) (domain.Activity, error) {
	var a domain.Activity
	var details, snippet sql.NullString
	err := scan(&a.ID, &a.ExecutionID, &a.ProjectID, &a.Type, &a.Description, &details, &snippet, &a.TS)
	if err != nil {
		return a, err
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
			return a, err
		}
	}
	if snippet.Valid {
		a.Snippet = &snippet.String
	}
	return a, nil
}

type ActivityFilters struct {
	ProjectID   string
	ExecutionID string
	Type        string
	Limit       int
	CursorTS    string
	CursorID    int64
}

// ListActivities returns activities in stream order, ascending by
// (ts,id). The cursor is exclusive: only records strictly after it are
// returned, so repeated calls never re-yield.
func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, f.ExecutionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorTS != "" {
		clauses = append(clauses, "(ts > ? OR (ts = ? AND id > ?))")
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	} else if f.CursorID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + activityColumns + ` FROM activities ` + where + ` ORDER BY ts ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestActivities returns the project's newest activities, most recent
// first.
func (r Repo) LatestActivities(ctx context.Context, projectID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE project_id=? ORDER BY ts DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestActivityCursor returns the (ts,id) of the project's newest
// activity, or zero values when none exist.
func (r Repo) LatestActivityCursor(ctx context.Context, projectID string) (string, int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT ts,id FROM activities WHERE project_id=? ORDER BY ts DESC, id DESC LIMIT 1`, projectID)
	var ts string
	var id int64
	err := row.Scan(&ts, &id)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return ts, id, nil
}

func (r Repo) CountActivitiesByType(ctx context.Context, executionID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, count(*) FROM activities WHERE execution_id=? GROUP BY type`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		res[typ] = count
	}
	return res, rows.Err()
}
