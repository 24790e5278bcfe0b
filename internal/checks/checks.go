// Package checks provides the built-in capability checks the gate evaluator
// can be configured with. Every check shells out to an external tool and is
// read-only on the target system.
package checks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"gateline/internal/config"
	"gateline/internal/gate"
)

// Runner executes an external command and returns its combined output.
// Injectable so tests can run checks without the real tools installed.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec is the default Runner, backed by os/exec.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if ctx.Err() != nil {
		return buf.Bytes(), ctx.Err()
	}
	return buf.Bytes(), err
}

// Build resolves the configured check ids against the catalog.
func Build(cfg *config.Config, ids []string) ([]gate.Check, error) {
	var out []gate.Check
	for _, id := range ids {
		cc, ok := cfg.Checks.Catalog[id]
		if !ok {
			return nil, fmt.Errorf("check %s not in catalog", id)
		}
		switch cc.Type {
		case "exec":
			out = append(out, &ExecCheck{Name: id, Command: cc.Command, Advisory: cc.Advisory})
		case "sql-dryrun":
			out = append(out, &SQLDryRunCheck{Name: id, QueriesDir: cc.QueriesDir})
		case "cloud-metadata":
			out = append(out, &CloudMetadataCheck{Name: id, Project: cc.Project, Region: cc.Region, Expect: cc.Expect})
		default:
			return nil, fmt.Errorf("check %s: unknown type %q", id, cc.Type)
		}
	}
	return out, nil
}
