package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gateline/internal/domain"
)

// Writer appends to the work item history log. The log is append-only: a
// transition committed once is never rewritten.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records one stage transition inside the caller's transaction. The
// verdict may be nil for stages that carry only a StageOutput.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, itemID string, from, to domain.Stage, actorID string, verdict *domain.GateVerdict, note string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	var verdictJSON any
	if verdict != nil {
		data, err := json.Marshal(verdict)
		if err != nil {
			return fmt.Errorf("marshal verdict: %w", err)
		}
		verdictJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions(ts,item_id,from_stage,to_stage,actor_id,verdict_json,note) VALUES (?,?,?,?,?,?,?)`,
		ts, itemID, string(from), string(to), actorID, verdictJSON, nullable(note))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
