package domain

// Stage is one named step in the fixed pipeline sequence.
type Stage string

const (
	StagePlan     Stage = "plan"
	StageExecute  Stage = "execute"
	StageVerify   Stage = "verify"
	StageTest     Stage = "test"
	StageDocument Stage = "document"
	StageRelease  Stage = "release"
	StageDone     Stage = "done"
	StageAborted  Stage = "aborted"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageAborted
}

// GateBearing reports whether leaving s requires a passing GateVerdict.
func (s Stage) GateBearing() bool {
	return s == StageVerify || s == StageTest
}

// forward is the happy-path stage order.
var forward = []Stage{StagePlan, StageExecute, StageVerify, StageTest, StageDocument, StageRelease, StageDone}

// Next returns the stage following s on the happy path, or "" for terminal
// and unknown stages.
func (s Stage) Next() Stage {
	for i, st := range forward {
		if st == s && i+1 < len(forward) {
			return forward[i+1]
		}
	}
	return ""
}

// ValidStage reports whether s is a member of the Stage enum.
func ValidStage(s Stage) bool {
	if s == StageAborted {
		return true
	}
	for _, st := range forward {
		if st == s {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPlanning     Status = "planning"
	StatusInProgress   Status = "in_progress"
	StatusBlocked      Status = "blocked"
	StatusReadyForNext Status = "ready_for_next"
	StatusComplete     Status = "complete"
	StatusAborted      Status = "aborted"
)

// WorkItem is the unit flowing through the pipeline. Title and
// ProblemStatement are immutable after creation; RequiredDocs is read-only
// once planning completes.
type WorkItem struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	ProblemStatement   string          `json:"problem_statement,omitempty"`
	Stage              Stage           `json:"stage" enum:"plan,execute,verify,test,document,release,done,aborted"`
	Status             Status          `json:"status" enum:"planning,in_progress,blocked,ready_for_next,complete,aborted"`
	RequiredDocs       []string        `json:"required_docs,omitempty"`
	AcceptanceCriteria map[string]bool `json:"acceptance_criteria,omitempty"`
	RetryCount         int             `json:"retry_count"`
	AbortReason        string          `json:"abort_reason,omitempty"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
	CompletedAt        *string         `json:"completed_at,omitempty" format:"date-time"`
}

// ArtifactRef addresses one immutable stage output.
type ArtifactRef struct {
	ItemID string `json:"item_id"`
	Stage  Stage  `json:"stage"`
	Kind   string `json:"kind"`
	Seq    int    `json:"seq"`
}

// Artifact is an ArtifactRef plus its opaque content.
type Artifact struct {
	ArtifactRef
	Content   []byte `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Artifact kinds written by the coordinator itself. Stage work may record
// additional kinds (report, diff, checklist, findings).
const (
	KindPlan      = "plan"
	KindReport    = "report"
	KindDiff      = "diff"
	KindChecklist = "checklist"
	KindFindings  = "findings"
	KindVerdict   = "verdict"
	KindNote      = "note"
)

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// Finding is a single reported issue from one capability check.
type Finding struct {
	Check    string   `json:"check,omitempty"`
	Severity Severity `json:"severity" enum:"blocking,advisory"`
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"`
}

// GateVerdict is the folded result of one Gate Evaluator run.
type GateVerdict struct {
	ItemID    string    `json:"item_id"`
	Stage     Stage     `json:"stage"`
	Passed    bool      `json:"passed"`
	Findings  []Finding `json:"findings,omitempty"`
	CheckedAt string    `json:"checked_at" format:"date-time"`
}

// Blocking returns the blocking subset of the verdict's findings.
func (v GateVerdict) Blocking() []Finding {
	var out []Finding
	for _, f := range v.Findings {
		if f.Severity == SeverityBlocking {
			out = append(out, f)
		}
	}
	return out
}

// StageOutput is what a non-gate-bearing stage hands back to the
// coordinator. Payload is opaque; the coordinator validates only presence
// and declared completion, never content.
type StageOutput struct {
	Kind    string `json:"kind,omitempty"`
	Summary string `json:"summary,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Transition is one entry of a work item's append-only history log.
type Transition struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	ItemID    string `json:"item_id"`
	FromStage Stage  `json:"from_stage"`
	ToStage   Stage  `json:"to_stage"`
	ActorID   string `json:"actor_id"`
	Verdict   string `json:"verdict_json,omitempty"`
	Note      string `json:"note,omitempty"`
}

// DocRef points at a knowledge-base entry written by the documentation
// synthesizer.
type DocRef struct {
	Path string `json:"path"`
}

// ReleaseInfo is the release packager's acknowledgment.
type ReleaseInfo struct {
	Branch    string `json:"branch"`
	CommitRef string `json:"commit_ref"`
	ReviewRef string `json:"review_ref,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
