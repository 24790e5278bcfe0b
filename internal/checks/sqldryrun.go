package checks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/gate"
)

// SQLDryRunCheck dry-run-compiles every .sql file under QueriesDir against
// the warehouse without executing it. A query that fails to compile produces
// a blocking finding with the file as location.
type SQLDryRunCheck struct {
	Name       string
	QueriesDir string
	Runner     Runner
}

func (c *SQLDryRunCheck) ID() string { return c.Name }

func (c *SQLDryRunCheck) Run(ctx context.Context) (gate.Result, error) {
	run := c.Runner
	if run == nil {
		run = Exec
	}
	entries, err := os.ReadDir(c.QueriesDir)
	if err != nil {
		return gate.Result{}, fmt.Errorf("read queries dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return gate.Result{}, fmt.Errorf("no .sql files under %s", c.QueriesDir)
	}

	var res gate.Result
	res.Passed = true
	var raw strings.Builder
	for _, name := range files {
		path := filepath.Join(c.QueriesDir, name)
		query, err := os.ReadFile(path)
		if err != nil {
			return gate.Result{}, err
		}
		out, err := run(ctx, "bq", "query", "--dry_run", "--nouse_legacy_sql", string(query))
		fmt.Fprintf(&raw, "## %s\n%s\n", name, out)
		if ctx.Err() != nil {
			return gate.Result{}, ctx.Err()
		}
		if err != nil {
			res.Passed = false
			res.Findings = append(res.Findings, domain.Finding{
				Check:    c.Name,
				Severity: domain.SeverityBlocking,
				Message:  fmt.Sprintf("dry run failed: %s", firstLine(out)),
				Location: path,
			})
		}
	}
	res.RawOutput = []byte(raw.String())
	return res, nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		s = "no output"
	}
	return s
}
