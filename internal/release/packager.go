// Package release turns an approved work item into a reviewable change set:
// a branch, a commit, and a pull request with rollback guidance.
package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"gateline/internal/domain"
)

// Runner executes an external command; injectable for tests.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(dir string) Runner {
	return func(ctx context.Context, name string, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = dir
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}

// GitPackager packages via the git and gh CLIs.
type GitPackager struct {
	Dir        string
	BaseBranch string
	Remote     string
	Runner     Runner
}

func (p GitPackager) runner() Runner {
	if p.Runner != nil {
		return p.Runner
	}
	return execRunner(p.Dir)
}

func (p GitPackager) base() string {
	if p.BaseBranch != "" {
		return p.BaseBranch
	}
	return "main"
}

func (p GitPackager) remote() string {
	if p.Remote != "" {
		return p.Remote
	}
	return "origin"
}

// Package creates branch wi/<item-id>, commits the staged change set, pushes
// it, and opens a PR. Failure at any step leaves the item at release for
// retry.
func (p GitPackager) Package(ctx context.Context, item domain.WorkItem) (domain.ReleaseInfo, error) {
	run := p.runner()
	branch := "wi/" + item.ID

	if _, err := run(ctx, "git", "checkout", "-B", branch, p.base()); err != nil {
		return domain.ReleaseInfo{}, err
	}
	if _, err := run(ctx, "git", "commit", "--allow-empty-message", "-m", item.Title); err != nil {
		return domain.ReleaseInfo{}, err
	}
	commitRef, err := run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return domain.ReleaseInfo{}, err
	}
	if _, err := run(ctx, "git", "push", "-u", p.remote(), branch); err != nil {
		return domain.ReleaseInfo{}, err
	}

	body := prBody(item, commitRef)
	out, err := run(ctx, "gh", "pr", "create",
		"--base", p.base(),
		"--head", branch,
		"--title", item.Title,
		"--body", body)
	if err != nil {
		return domain.ReleaseInfo{}, err
	}
	reviewRef := lastField(out)

	return domain.ReleaseInfo{Branch: branch, CommitRef: commitRef, ReviewRef: reviewRef}, nil
}

func prBody(item domain.WorkItem, commitRef string) string {
	var b strings.Builder
	if item.ProblemStatement != "" {
		fmt.Fprintf(&b, "%s\n\n", item.ProblemStatement)
	}
	fmt.Fprintf(&b, "Work item: %s\n\n", item.ID)
	if len(item.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		// Marshal keeps the list stable for review tooling.
		data, _ := json.MarshalIndent(item.AcceptanceCriteria, "", "  ")
		fmt.Fprintf(&b, "```json\n%s\n```\n\n", data)
	}
	fmt.Fprintf(&b, "Rollback: revert %s or close this PR and delete branch wi/%s.\n", commitRef, item.ID)
	return b.String()
}

// lastField pulls the PR URL from gh's stdout, which ends with the URL.
func lastField(out string) string {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
