// Package store is the artifact store: append-only, immutable stage outputs
// addressed by (item, stage, kind, sequence).
package store

import (
	"context"
	"database/sql"
	"time"

	"gateline/internal/domain"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Put writes one artifact atomically and returns its reference. Concurrent
// puts for the same (item, stage, kind) receive distinct sequence numbers;
// nothing is ever overwritten.
func (s Store) Put(ctx context.Context, itemID string, stage domain.Stage, kind string, content []byte) (domain.ArtifactRef, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	defer tx.Rollback()
	ref, err := s.PutTx(ctx, tx, itemID, stage, kind, content)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ArtifactRef{}, err
	}
	return ref, nil
}

// PutTx writes one artifact inside the caller's transaction. The coordinator
// uses this to commit a stage advance and its triggering output as one unit.
func (s Store) PutTx(ctx context.Context, tx *sql.Tx, itemID string, stage domain.Stage, kind string, content []byte) (domain.ArtifactRef, error) {
	var seq int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0)+1 FROM artifacts WHERE item_id=? AND stage=? AND kind=?`,
		itemID, string(stage), kind).Scan(&seq)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	createdAt := s.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts(item_id,stage,kind,seq,content,created_at) VALUES (?,?,?,?,?,?)`,
		itemID, string(stage), kind, seq, content, createdAt); err != nil {
		return domain.ArtifactRef{}, err
	}
	return domain.ArtifactRef{ItemID: itemID, Stage: stage, Kind: kind, Seq: seq}, nil
}

// Get returns the artifact for ref, or a not_found error for an unknown ref.
func (s Store) Get(ctx context.Context, ref domain.ArtifactRef) (domain.Artifact, error) {
	var a domain.Artifact
	a.ArtifactRef = ref
	err := s.DB.QueryRowContext(ctx,
		`SELECT content,created_at FROM artifacts WHERE item_id=? AND stage=? AND kind=? AND seq=?`,
		ref.ItemID, string(ref.Stage), ref.Kind, ref.Seq).Scan(&a.Content, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, domain.E(domain.KindNotFound, "artifact %s/%s/%s#%d not found", ref.ItemID, ref.Stage, ref.Kind, ref.Seq)
	}
	if err != nil {
		return a, err
	}
	return a, nil
}

// Latest returns the highest-sequence artifact of a kind for one stage.
func (s Store) Latest(ctx context.Context, itemID string, stage domain.Stage, kind string) (domain.Artifact, error) {
	var a domain.Artifact
	err := s.DB.QueryRowContext(ctx,
		`SELECT item_id,stage,kind,seq,content,created_at FROM artifacts
		 WHERE item_id=? AND stage=? AND kind=? ORDER BY seq DESC LIMIT 1`,
		itemID, string(stage), kind).Scan(&a.ItemID, &a.Stage, &a.Kind, &a.Seq, &a.Content, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, domain.E(domain.KindNotFound, "no %s artifact for %s at stage %s", kind, itemID, stage)
	}
	if err != nil {
		return a, err
	}
	return a, nil
}

// List returns artifact references for an item in write order. Stage is
// optional; empty means all stages.
func (s Store) List(ctx context.Context, itemID string, stage domain.Stage) ([]domain.ArtifactRef, error) {
	query := `SELECT item_id,stage,kind,seq FROM artifacts WHERE item_id=? ORDER BY created_at, stage, kind, seq`
	args := []any{itemID}
	if stage != "" {
		query = `SELECT item_id,stage,kind,seq FROM artifacts WHERE item_id=? AND stage=? ORDER BY created_at, kind, seq`
		args = append(args, string(stage))
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []domain.ArtifactRef
	for rows.Next() {
		var r domain.ArtifactRef
		if err := rows.Scan(&r.ItemID, &r.Stage, &r.Kind, &r.Seq); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// CountTx reports how many artifacts of a kind exist for a stage, inside the
// caller's transaction. The coordinator uses it for precondition checks.
func (s Store) CountTx(ctx context.Context, tx *sql.Tx, itemID string, stage domain.Stage, kind string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE item_id=? AND stage=? AND kind=?`,
		itemID, string(stage), kind).Scan(&n)
	return n, err
}
