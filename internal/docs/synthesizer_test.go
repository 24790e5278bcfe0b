package docs_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gateline/internal/docs"
	"gateline/internal/domain"
)

func TestRecordWritesKnowledgeEntry(t *testing.T) {
	dir := t.TempDir()
	s := docs.FileSynthesizer{
		Dir: dir,
		Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	item := domain.WorkItem{
		ID:               "20240101-000000-fix-nulls",
		Title:            "Fix null handling",
		ProblemStatement: "nulls crash the importer",
		AcceptanceCriteria: map[string]bool{
			"importer-survives-nulls": true,
		},
		RetryCount: 1,
	}
	docOut, _ := json.Marshal(domain.StageOutput{
		Summary: "Importer now coalesces nulls before insert.",
		Payload: []byte("See migration 0042 for the schema change."),
	})
	artifacts := []domain.Artifact{
		{ArtifactRef: domain.ArtifactRef{ItemID: item.ID, Stage: domain.StagePlan, Kind: domain.KindPlan, Seq: 1}, Content: []byte(`{"summary":"plan"}`)},
		{ArtifactRef: domain.ArtifactRef{ItemID: item.ID, Stage: domain.StageDocument, Kind: domain.KindReport, Seq: 1}, Content: docOut},
	}

	ref, err := s.Record(context.Background(), item, artifacts)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if ref.Path != filepath.Join(dir, item.ID+".md") {
		t.Fatalf("unexpected path %s", ref.Path)
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	body := string(data)
	if !strings.HasPrefix(body, "---\n") {
		t.Fatalf("missing frontmatter:\n%s", body)
	}
	for _, want := range []string{
		"id: 20240101-000000-fix-nulls",
		"retries: 1",
		"plan/plan#1",
		"# Fix null handling",
		"nulls crash the importer",
		"Importer now coalesces nulls before insert.",
		"migration 0042",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("entry missing %q:\n%s", want, body)
		}
	}
	// only document-stage summaries land in the body
	if strings.Contains(strings.SplitN(body, "# Fix", 2)[1], `"summary":"plan"`) {
		t.Fatalf("plan artifact content leaked into body:\n%s", body)
	}
	// no tmp file is left behind
	if _, err := os.Stat(ref.Path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}
}

func TestRecordRequiresDir(t *testing.T) {
	s := docs.FileSynthesizer{}
	if _, err := s.Record(context.Background(), domain.WorkItem{ID: "x"}, nil); err == nil {
		t.Fatalf("expected error for unset dir")
	}
}

func TestRecordOverwritesPriorEntry(t *testing.T) {
	dir := t.TempDir()
	s := docs.FileSynthesizer{Dir: dir}
	item := domain.WorkItem{ID: "wi-1", Title: "First"}
	if _, err := s.Record(context.Background(), item, nil); err != nil {
		t.Fatal(err)
	}
	item.Title = "Second"
	ref, err := s.Record(context.Background(), item, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(ref.Path)
	if !strings.Contains(string(data), "# Second") {
		t.Fatalf("entry not rewritten:\n%s", data)
	}
}
