package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gateline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

const itemColumns = `id,title,COALESCE(problem_statement,''),stage,status,required_docs_json,acceptance_criteria_json,retry_count,COALESCE(abort_reason,''),created_at,updated_at,completed_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var docsJSON, criteriaJSON sql.NullString
	var completedAt sql.NullString
	err := scan(&w.ID, &w.Title, &w.ProblemStatement, &w.Stage, &w.Status,
		&docsJSON, &criteriaJSON, &w.RetryCount, &w.AbortReason,
		&w.CreatedAt, &w.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return w, domain.E(domain.KindNotFound, "work item not found")
	}
	if err != nil {
		return w, err
	}
	if docsJSON.Valid && docsJSON.String != "" {
		if err := json.Unmarshal([]byte(docsJSON.String), &w.RequiredDocs); err != nil {
			return w, fmt.Errorf("required_docs_json for %s: %w", w.ID, err)
		}
	}
	if criteriaJSON.Valid && criteriaJSON.String != "" {
		if err := json.Unmarshal([]byte(criteriaJSON.String), &w.AcceptanceCriteria); err != nil {
			return w, fmt.Errorf("acceptance_criteria_json for %s: %w", w.ID, err)
		}
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.String
	}
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	docsJSON, err := marshalNullable(w.RequiredDocs)
	if err != nil {
		return err
	}
	criteriaJSON, err := marshalNullable(w.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO work_items(id,title,problem_statement,stage,status,required_docs_json,acceptance_criteria_json,retry_count,abort_reason,created_at,updated_at,completed_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Title, nullable(w.ProblemStatement), string(w.Stage), string(w.Status),
		docsJSON, criteriaJSON, w.RetryCount, nullable(w.AbortReason),
		w.CreatedAt, w.UpdatedAt, nullableStringPtr(w.CompletedAt))
	return err
}

// UpdateWorkItem rewrites the mutable columns of a work item. Title and
// problem statement are immutable after creation and are not written here.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	docsJSON, err := marshalNullable(w.RequiredDocs)
	if err != nil {
		return err
	}
	criteriaJSON, err := marshalNullable(w.AcceptanceCriteria)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET stage=?,status=?,required_docs_json=?,acceptance_criteria_json=?,retry_count=?,abort_reason=?,updated_at=?,completed_at=? WHERE id=?`,
		string(w.Stage), string(w.Status), docsJSON, criteriaJSON, w.RetryCount,
		nullable(w.AbortReason), w.UpdatedAt, nullableStringPtr(w.CompletedAt), w.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.E(domain.KindNotFound, "work item %s not found", w.ID)
	}
	return nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	w, err := scanWorkItem(row.Scan)
	if domain.IsKind(err, domain.KindNotFound) {
		return w, domain.E(domain.KindNotFound, "work item %s not found", id)
	}
	return w, err
}

// GetWorkItemTx reads an item inside the caller's transaction so an advance
// observes and rewrites one consistent row.
func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	w, err := scanWorkItem(row.Scan)
	if domain.IsKind(err, domain.KindNotFound) {
		return w, domain.E(domain.KindNotFound, "work item %s not found", id)
	}
	return w, err
}

func (r Repo) ListWorkItems(ctx context.Context) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// ListTransitions returns an item's history in append order.
func (r Repo) ListTransitions(ctx context.Context, itemID string, limit int) ([]domain.Transition, error) {
	query := `SELECT id,ts,item_id,from_stage,to_stage,actor_id,COALESCE(verdict_json,''),COALESCE(note,'') FROM transitions WHERE item_id=? ORDER BY id`
	args := []any{itemID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.TS, &t.ItemID, &t.FromStage, &t.ToStage, &t.ActorID, &t.Verdict, &t.Note); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TailTransitions returns the most recent transitions across all items,
// newest first.
func (r Repo) TailTransitions(ctx context.Context, limit int) ([]domain.Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,item_id,from_stage,to_stage,actor_id,COALESCE(verdict_json,''),COALESCE(note,'') FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.TS, &t.ItemID, &t.FromStage, &t.ToStage, &t.ActorID, &t.Verdict, &t.Note); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionsAfter returns up to limit transitions with id greater than
// cursor, in append order. Used by the webhook dispatcher.
func (r Repo) TransitionsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,item_id,from_stage,to_stage,actor_id,COALESCE(verdict_json,''),COALESCE(note,'') FROM transitions WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.TS, &t.ItemID, &t.FromStage, &t.ToStage, &t.ActorID, &t.Verdict, &t.Note); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestTransitionID returns the highest transition id, or 0 when the log is
// empty.
func (r Repo) LatestTransitionID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM transitions`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]bool:
		if len(val) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
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
	return *v
}
