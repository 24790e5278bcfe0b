// Package docs is the documentation synthesizer: it turns a completed work
// item's artifacts into durable knowledge-base entries. The knowledge base
// is its own file store, deliberately decoupled from the coordinator's
// artifact store so audit history and knowledge capture version
// independently.
package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// FileSynthesizer writes one markdown entry per work item under Dir.
type FileSynthesizer struct {
	Dir string
	Now func() time.Time
}

func (s FileSynthesizer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type frontmatter struct {
	ID         string          `yaml:"id"`
	Title      string          `yaml:"title"`
	RecordedAt string          `yaml:"recorded_at"`
	Criteria   map[string]bool `yaml:"acceptance_criteria,omitempty"`
	Retries    int             `yaml:"retries"`
	Artifacts  []string        `yaml:"artifacts,omitempty"`
}

// Record writes the knowledge-base entry for item and returns its path.
func (s FileSynthesizer) Record(ctx context.Context, item domain.WorkItem, artifacts []domain.Artifact) (domain.DocRef, error) {
	if s.Dir == "" {
		return domain.DocRef{}, fmt.Errorf("docs dir not configured")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return domain.DocRef{}, err
	}

	fm := frontmatter{
		ID:         item.ID,
		Title:      item.Title,
		RecordedAt: s.now().UTC().Format(time.RFC3339),
		Criteria:   item.AcceptanceCriteria,
		Retries:    item.RetryCount,
	}
	for _, a := range artifacts {
		fm.Artifacts = append(fm.Artifacts, fmt.Sprintf("%s/%s#%d", a.Stage, a.Kind, a.Seq))
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return domain.DocRef{}, err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "---\n%s---\n\n# %s\n\n", head, item.Title)
	if item.ProblemStatement != "" {
		fmt.Fprintf(&body, "%s\n\n", item.ProblemStatement)
	}
	for _, a := range artifacts {
		if a.Stage != domain.StageDocument {
			continue
		}
		var out domain.StageOutput
		if err := json.Unmarshal(a.Content, &out); err != nil {
			continue
		}
		if out.Summary != "" {
			fmt.Fprintf(&body, "%s\n\n", out.Summary)
		}
		if len(out.Payload) > 0 {
			fmt.Fprintf(&body, "%s\n", out.Payload)
		}
	}

	path := filepath.Join(s.Dir, item.ID+".md")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body.String()), 0o644); err != nil {
		return domain.DocRef{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.DocRef{}, err
	}
	return domain.DocRef{Path: path}, nil
}
