package checks

import (
	"context"
	"encoding/json"
	"fmt"

	"gateline/internal/domain"
	"gateline/internal/gate"
)

// CloudMetadataCheck lists deployed services and verifies every expected
// service still resolves. The raw service metadata is kept as check output
// so the verdict artifact doubles as a deployment snapshot.
type CloudMetadataCheck struct {
	Name    string
	Project string
	Region  string
	Expect  []string
	Runner  Runner
}

func (c *CloudMetadataCheck) ID() string { return c.Name }

type cloudService struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
}

func (c *CloudMetadataCheck) Run(ctx context.Context) (gate.Result, error) {
	run := c.Runner
	if run == nil {
		run = Exec
	}
	args := []string{"run", "services", "list", "--project", c.Project, "--format", "json"}
	if c.Region != "" {
		args = append(args, "--region", c.Region)
	}
	out, err := run(ctx, "gcloud", args...)
	if err != nil {
		return gate.Result{}, err
	}
	var services []cloudService
	if err := json.Unmarshal(out, &services); err != nil {
		return gate.Result{}, fmt.Errorf("parse service list: %w", err)
	}
	deployed := make(map[string]bool, len(services))
	for _, s := range services {
		deployed[s.Metadata.Name] = true
	}

	res := gate.Result{Passed: true, RawOutput: out}
	for _, want := range c.Expect {
		if !deployed[want] {
			res.Passed = false
			res.Findings = append(res.Findings, domain.Finding{
				Check:    c.Name,
				Severity: domain.SeverityBlocking,
				Message:  fmt.Sprintf("service %s not found in project %s", want, c.Project),
				Location: c.Region,
			})
		}
	}
	return res, nil
}
