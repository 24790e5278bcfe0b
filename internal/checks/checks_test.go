package checks_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gateline/internal/checks"
	"gateline/internal/config"
	"gateline/internal/domain"
)

func TestExecCheckPasses(t *testing.T) {
	c := &checks.ExecCheck{Name: "ok", Command: []string{"sh", "-c", "echo fine"}}
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed || len(res.Findings) != 0 {
		t.Fatalf("expected clean pass, got %+v", res)
	}
	if !strings.Contains(string(res.RawOutput), "fine") {
		t.Fatalf("missing raw output: %s", res.RawOutput)
	}
}

func TestExecCheckParsesLocationFindings(t *testing.T) {
	c := &checks.ExecCheck{
		Name:    "lint",
		Command: []string{"sh", "-c", `echo "main.go:10: unused import"; echo "util.go:3:7: shadowed var"; exit 1`},
	}
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("non-zero exit must fail")
	}
	if len(res.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %+v", res.Findings)
	}
	f := res.Findings[0]
	if f.Location != "main.go:10" || f.Message != "unused import" || f.Severity != domain.SeverityBlocking {
		t.Fatalf("bad finding: %+v", f)
	}
	if res.Findings[1].Location != "util.go:3:7" {
		t.Fatalf("col locations should parse: %+v", res.Findings[1])
	}
}

func TestExecCheckFallbackFinding(t *testing.T) {
	c := &checks.ExecCheck{Name: "opaque", Command: []string{"sh", "-c", "exit 3"}}
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed || len(res.Findings) != 1 {
		t.Fatalf("expected single fallback finding, got %+v", res)
	}
	if !strings.Contains(res.Findings[0].Message, "exited non-zero") {
		t.Fatalf("unexpected message: %s", res.Findings[0].Message)
	}
}

func TestExecCheckAdvisoryStillPasses(t *testing.T) {
	c := &checks.ExecCheck{
		Name:     "style",
		Command:  []string{"sh", "-c", `echo "a.go:1: long line"; exit 1`},
		Advisory: true,
	}
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed {
		t.Fatalf("advisory failure must not fail the check")
	}
	if res.Findings[0].Severity != domain.SeverityAdvisory {
		t.Fatalf("expected advisory severity, got %+v", res.Findings[0])
	}
}

func TestExecCheckMissingToolIsUnavailable(t *testing.T) {
	c := &checks.ExecCheck{Name: "ghost", Command: []string{"definitely-not-a-real-tool-8271"}}
	_, err := c.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error for missing tool")
	}
}

func fakeRunner(fn func(name string, args ...string) ([]byte, error)) checks.Runner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return fn(name, args...)
	}
}

func TestSQLDryRunReportsFailingQueries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a_good.sql"), "SELECT 1")
	writeFile(t, filepath.Join(dir, "b_bad.sql"), "SELEC 1")

	c := &checks.SQLDryRunCheck{
		Name:       "sql",
		QueriesDir: dir,
		Runner: fakeRunner(func(name string, args ...string) ([]byte, error) {
			if name != "bq" {
				t.Fatalf("unexpected tool %s", name)
			}
			query := args[len(args)-1]
			if strings.HasPrefix(query, "SELEC ") {
				return []byte("Syntax error: Unexpected identifier"), errors.New("exit status 1")
			}
			return []byte("Query successfully validated"), nil
		}),
	}
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("expected failure")
	}
	if len(res.Findings) != 1 {
		t.Fatalf("expected one finding, got %+v", res.Findings)
	}
	f := res.Findings[0]
	if f.Location != filepath.Join(dir, "b_bad.sql") {
		t.Fatalf("finding should point at the failing file, got %s", f.Location)
	}
	if !strings.Contains(f.Message, "Syntax error") {
		t.Fatalf("unexpected message: %s", f.Message)
	}
}

func TestSQLDryRunRequiresQueries(t *testing.T) {
	c := &checks.SQLDryRunCheck{Name: "sql", QueriesDir: t.TempDir()}
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatalf("expected error for empty queries dir")
	}
}

func TestCloudMetadataMissingService(t *testing.T) {
	c := &checks.CloudMetadataCheck{
		Name:    "deploy",
		Project: "proj-x",
		Region:  "europe-west1",
		Expect:  []string{"api", "worker"},
		Runner: fakeRunner(func(name string, args ...string) ([]byte, error) {
			if name != "gcloud" {
				t.Fatalf("unexpected tool %s", name)
			}
			return []byte(`[{"metadata":{"name":"api"}}]`), nil
		}),
	}
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("missing service must fail")
	}
	if len(res.Findings) != 1 || !strings.Contains(res.Findings[0].Message, "worker") {
		t.Fatalf("expected finding for worker, got %+v", res.Findings)
	}
}

func TestCloudMetadataAllPresent(t *testing.T) {
	c := &checks.CloudMetadataCheck{
		Name:    "deploy",
		Project: "proj-x",
		Expect:  []string{"api"},
		Runner: fakeRunner(func(name string, args ...string) ([]byte, error) {
			return []byte(`[{"metadata":{"name":"api"}},{"metadata":{"name":"extra"}}]`), nil
		}),
	}
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed {
		t.Fatalf("expected pass, got %+v", res)
	}
}

func TestBuildResolvesCatalog(t *testing.T) {
	cfg := &config.Config{}
	cfg.Checks.Catalog = map[string]config.CheckConfig{
		"lint":   {Type: "exec", Command: []string{"true"}},
		"sql":    {Type: "sql-dryrun", QueriesDir: "queries"},
		"deploy": {Type: "cloud-metadata", Project: "p"},
	}
	out, err := checks.Build(cfg, []string{"lint", "sql", "deploy"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(out))
	}
	if _, err := checks.Build(cfg, []string{"nope"}); err == nil {
		t.Fatalf("expected error for unknown check id")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
