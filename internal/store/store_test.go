package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/migrate"
	"gateline/internal/repo"
	"gateline/internal/store"
)

func newTestStore(t *testing.T) (store.Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	r := repo.Repo{DB: conn}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	err = r.InsertWorkItem(context.Background(), tx, domain.WorkItem{
		ID:        "wi-1",
		Title:     "store test",
		Stage:     domain.StagePlan,
		Status:    domain.StatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return store.Store{DB: conn}, conn
}

func TestPutAssignsMonotonicSequences(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		ref, err := s.Put(ctx, "wi-1", domain.StageExecute, domain.KindDiff, []byte(fmt.Sprintf("diff %d", i)))
		if err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		if ref.Seq != i {
			t.Fatalf("put %d: expected seq %d, got %d", i, i, ref.Seq)
		}
	}
	// a different kind gets its own sequence space
	ref, err := s.Put(ctx, "wi-1", domain.StageExecute, domain.KindNote, []byte("note"))
	if err != nil {
		t.Fatal(err)
	}
	if ref.Seq != 1 {
		t.Fatalf("expected fresh sequence for new kind, got %d", ref.Seq)
	}
}

func TestPutNeverOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	first, err := s.Put(ctx, "wi-1", domain.StagePlan, domain.KindPlan, []byte("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, "wi-1", domain.StagePlan, domain.KindPlan, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	a, err := s.Get(ctx, first)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if string(a.Content) != "v1" {
		t.Fatalf("earlier artifact mutated: %s", a.Content)
	}
	latest, err := s.Latest(ctx, "wi-1", domain.StagePlan, domain.KindPlan)
	if err != nil {
		t.Fatal(err)
	}
	if string(latest.Content) != "v2" || latest.Seq != 2 {
		t.Fatalf("latest: seq=%d content=%s", latest.Seq, latest.Content)
	}
}

func TestConcurrentPutsGetDistinctSequences(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	const n = 10
	refs := make([]domain.ArtifactRef, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = s.Put(ctx, "wi-1", domain.StageVerify, domain.KindVerdict, []byte("v"))
		}(i)
	}
	wg.Wait()
	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("put %d: %v", i, errs[i])
		}
		if seen[refs[i].Seq] {
			t.Fatalf("duplicate seq %d", refs[i].Seq)
		}
		seen[refs[i].Seq] = true
	}
	all, err := s.List(ctx, "wi-1", domain.StageVerify)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != n {
		t.Fatalf("expected %d artifacts, got %d", n, len(all))
	}
}

func TestGetUnknownRefReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), domain.ArtifactRef{
		ItemID: "wi-1", Stage: domain.StagePlan, Kind: domain.KindPlan, Seq: 99,
	})
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	_, err = s.Latest(context.Background(), "wi-1", domain.StageTest, domain.KindReport)
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found from latest, got %v", err)
	}
}

func TestListFiltersByStage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = s.Put(ctx, "wi-1", domain.StagePlan, domain.KindPlan, []byte("p"))
	_, _ = s.Put(ctx, "wi-1", domain.StageExecute, domain.KindDiff, []byte("d"))
	_, _ = s.Put(ctx, "wi-1", domain.StageExecute, domain.KindDiff, []byte("d2"))

	all, err := s.List(ctx, "wi-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 refs, got %d", len(all))
	}
	execOnly, err := s.List(ctx, "wi-1", domain.StageExecute)
	if err != nil {
		t.Fatal(err)
	}
	if len(execOnly) != 2 {
		t.Fatalf("expected 2 execute refs, got %d", len(execOnly))
	}
	for i, ref := range execOnly {
		if ref.Seq != i+1 {
			t.Fatalf("refs out of write order: %+v", execOnly)
		}
	}
}
