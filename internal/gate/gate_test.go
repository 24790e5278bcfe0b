package gate_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/gate"
	"gateline/internal/migrate"
	"gateline/internal/repo"
	"gateline/internal/store"
)

type fakeCheck struct {
	id     string
	result gate.Result
	err    error
	delay  time.Duration
}

func (c fakeCheck) ID() string { return c.id }

func (c fakeCheck) Run(ctx context.Context) (gate.Result, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return gate.Result{}, ctx.Err()
		}
	}
	return c.result, c.err
}

func newEvaluator(t *testing.T) (gate.Evaluator, store.Store) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seedItem(t, conn, "wi-1")
	s := store.Store{DB: conn}
	ev := gate.Evaluator{
		Store:   s,
		Timeout: 200 * time.Millisecond,
		Now:     func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return ev, s
}

func seedItem(t *testing.T, conn *sql.DB, id string) {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	err = r.InsertWorkItem(context.Background(), tx, domain.WorkItem{
		ID: id, Title: "gate test", Stage: domain.StageVerify,
		Status: domain.StatusInProgress, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestEmptyCheckSetPassesVacuously(t *testing.T) {
	ev, s := newEvaluator(t)
	verdict, err := ev.Evaluate(context.Background(), "wi-1", domain.StageVerify, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Passed || len(verdict.Findings) != 0 {
		t.Fatalf("expected vacuous pass, got %+v", verdict)
	}
	if _, err := s.Latest(context.Background(), "wi-1", domain.StageVerify, domain.KindVerdict); err != nil {
		t.Fatalf("verdict not persisted: %v", err)
	}
}

func TestAllFindingsSurfaceTogether(t *testing.T) {
	ev, _ := newEvaluator(t)
	checks := []gate.Check{
		fakeCheck{id: "lint", result: gate.Result{Passed: false, Findings: []domain.Finding{
			{Severity: domain.SeverityBlocking, Message: "unused import"},
		}}},
		fakeCheck{id: "style", result: gate.Result{Passed: true, Findings: []domain.Finding{
			{Severity: domain.SeverityAdvisory, Message: "long line"},
		}}},
		fakeCheck{id: "types", result: gate.Result{Passed: false, Findings: []domain.Finding{
			{Severity: domain.SeverityBlocking, Message: "mismatched types"},
		}}},
	}
	verdict, err := ev.Evaluate(context.Background(), "wi-1", domain.StageVerify, checks)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Passed {
		t.Fatalf("expected failing verdict")
	}
	if len(verdict.Findings) != 3 {
		t.Fatalf("expected all findings retained, got %d", len(verdict.Findings))
	}
	// blocking findings sort ahead of advisory ones
	if verdict.Findings[0].Severity != domain.SeverityBlocking ||
		verdict.Findings[1].Severity != domain.SeverityBlocking ||
		verdict.Findings[2].Severity != domain.SeverityAdvisory {
		t.Fatalf("findings not ordered blocking-first: %+v", verdict.Findings)
	}
	// unattributed findings inherit the check id
	if verdict.Findings[0].Check == "" {
		t.Fatalf("finding missing check attribution")
	}
}

func TestTimedOutCheckBlocks(t *testing.T) {
	ev, _ := newEvaluator(t)
	checks := []gate.Check{
		fakeCheck{id: "slow", delay: 5 * time.Second, result: gate.Result{Passed: true}},
		fakeCheck{id: "fast", result: gate.Result{Passed: true}},
	}
	verdict, err := ev.Evaluate(context.Background(), "wi-1", domain.StageVerify, checks)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Passed {
		t.Fatalf("timeout must never pass")
	}
	if len(verdict.Findings) != 1 || verdict.Findings[0].Severity != domain.SeverityBlocking {
		t.Fatalf("expected one blocking finding, got %+v", verdict.Findings)
	}
	if !strings.Contains(verdict.Findings[0].Message, "timed out") {
		t.Fatalf("unexpected message: %s", verdict.Findings[0].Message)
	}
}

func TestUnavailableCheckBlocks(t *testing.T) {
	ev, _ := newEvaluator(t)
	checks := []gate.Check{
		fakeCheck{id: "broken", err: errors.New("binary not found")},
	}
	verdict, err := ev.Evaluate(context.Background(), "wi-1", domain.StageVerify, checks)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Passed {
		t.Fatalf("unavailability must never pass")
	}
	if !strings.Contains(verdict.Findings[0].Message, "unavailable") {
		t.Fatalf("unexpected message: %s", verdict.Findings[0].Message)
	}
}

func TestCancellationDiscardsVerdict(t *testing.T) {
	ev, s := newEvaluator(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	checks := []gate.Check{
		fakeCheck{id: "slow", delay: 5 * time.Second, result: gate.Result{Passed: true}},
	}
	_, err := ev.Evaluate(ctx, "wi-1", domain.StageVerify, checks)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := s.Latest(context.Background(), "wi-1", domain.StageVerify, domain.KindVerdict); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("cancelled run must not persist a verdict, got %v", err)
	}
}
