package checks

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/gate"
)

// locationLine matches the common tool output shape "path:line: message"
// (also "path:line:col: message").
var locationLine = regexp.MustCompile(`^([^\s:]+:\d+(?::\d+)?):\s*(.+)$`)

// ExecCheck runs a configured command; exit status decides pass/fail. Lines
// of the form file:line: message become individual findings.
type ExecCheck struct {
	Name     string
	Command  []string
	Dir      string
	Advisory bool
	Runner   Runner
}

func (c *ExecCheck) ID() string { return c.Name }

func (c *ExecCheck) Run(ctx context.Context) (gate.Result, error) {
	if len(c.Command) == 0 {
		return gate.Result{}, errors.New("no command configured")
	}
	run := c.Runner
	if run == nil {
		run = execIn(c.Dir)
	}
	out, err := run(ctx, c.Command[0], c.Command[1:]...)
	if err != nil {
		if ctx.Err() != nil {
			return gate.Result{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Tool missing or not startable.
			return gate.Result{}, err
		}
		res := gate.Result{RawOutput: out, Findings: c.findings(out)}
		res.Passed = c.Advisory
		return res, nil
	}
	return gate.Result{Passed: true, RawOutput: out}, nil
}

func (c *ExecCheck) findings(out []byte) []domain.Finding {
	severity := domain.SeverityBlocking
	if c.Advisory {
		severity = domain.SeverityAdvisory
	}
	var fs []domain.Finding
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := locationLine.FindStringSubmatch(line); m != nil {
			fs = append(fs, domain.Finding{
				Check:    c.Name,
				Severity: severity,
				Message:  m[2],
				Location: m[1],
			})
		}
	}
	if len(fs) == 0 {
		fs = append(fs, domain.Finding{
			Check:    c.Name,
			Severity: severity,
			Message:  fmt.Sprintf("%s exited non-zero", strings.Join(c.Command, " ")),
		})
	}
	return fs
}

func execIn(dir string) Runner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = dir
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		err := cmd.Run()
		if ctx.Err() != nil {
			return buf.Bytes(), ctx.Err()
		}
		return buf.Bytes(), err
	}
}
