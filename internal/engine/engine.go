// Package engine is the stage coordinator. It owns every mutation of a work
// item: stage advances, gate verdict handling, retry routing, and aborts.
// Each mutation commits the new stage, its triggering output or verdict, and
// the history entry in one transaction, so a crash mid-advance can never
// leave stage and artifacts in contradictory states.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"gateline/internal/checks"
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/gate"
	"gateline/internal/repo"
	"gateline/internal/store"
)

// Synthesizer converts a completed work item's artifacts into a durable
// knowledge-base entry. Failure is best-effort: logged, never blocking.
type Synthesizer interface {
	Record(ctx context.Context, item domain.WorkItem, artifacts []domain.Artifact) (domain.DocRef, error)
}

// Packager turns an approved work item into a reviewable change set. Its
// acknowledgment moves the item to done; failure keeps the item at release.
type Packager interface {
	Package(ctx context.Context, item domain.WorkItem) (domain.ReleaseInfo, error)
}

// ExecutionTask is one unit of execute-stage work. Tasks inside a phase are
// independent and may run concurrently.
type ExecutionTask interface {
	Name() string
	Run(ctx context.Context) (domain.StageOutput, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Store    store.Store
	Events   events.Writer
	Config   *config.Config
	Docs     Synthesizer
	Packager Packager
	Logger   *log.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Store:  store.Store{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = slugPattern.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 48 {
		s = strings.Trim(s[:48], "-")
	}
	if s == "" {
		s = "item"
	}
	return s
}

// CreateOptions are parameters for creating a work item.
type CreateOptions struct {
	Slug               string
	Title              string
	ProblemStatement   string
	RequiredDocs       []string
	AcceptanceCriteria []string
	ActorID            string
}

// CreateWorkItem opens a new work item at the plan stage. The id is derived
// from the creation timestamp plus a human-readable slug.
func (e Engine) CreateWorkItem(ctx context.Context, opts CreateOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, fmt.Errorf("title is required")
	}
	now := e.now().UTC()
	slug := opts.Slug
	if slug == "" {
		slug = slugify(opts.Title)
	}
	criteria := make(map[string]bool, len(opts.AcceptanceCriteria))
	for _, name := range opts.AcceptanceCriteria {
		if name == "" {
			return domain.WorkItem{}, fmt.Errorf("acceptance criterion name must not be empty")
		}
		criteria[name] = false
	}
	w := domain.WorkItem{
		ID:                 now.Format("20060102-150405") + "-" + slug,
		Title:              opts.Title,
		ProblemStatement:   opts.ProblemStatement,
		Stage:              domain.StagePlan,
		Status:             domain.StatusPlanning,
		RequiredDocs:       opts.RequiredDocs,
		AcceptanceCriteria: criteria,
		CreatedAt:          now.Format(time.RFC3339),
		UpdatedAt:          now.Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// ensureStageTransition enforces the allowed edges: forward along the happy
// path, verify/test back to execute on a blocking verdict, document back to
// plan when criteria remain unsatisfied, and any non-terminal stage to
// aborted.
func ensureStageTransition(from, to domain.Stage) error {
	if from.Terminal() {
		return domain.E(domain.KindInvalidTransition, "work item is %s; no further transitions", from)
	}
	if to == domain.StageAborted {
		return nil
	}
	if from.Next() == to {
		return nil
	}
	if to == domain.StageExecute && from.GateBearing() {
		return nil
	}
	if from == domain.StageDocument && to == domain.StagePlan {
		return nil
	}
	return domain.E(domain.KindInvalidTransition, "no edge %s -> %s", from, to)
}

func statusFor(stage domain.Stage) domain.Status {
	switch stage {
	case domain.StagePlan:
		return domain.StatusPlanning
	case domain.StageDone:
		return domain.StatusComplete
	case domain.StageAborted:
		return domain.StatusAborted
	default:
		return domain.StatusInProgress
	}
}

// RecordStageOutput completes a non-gate-bearing stage (plan, execute,
// document, release) and advances the item. The output artifact, the item
// row, and the history entry commit together.
func (e Engine) RecordStageOutput(ctx context.Context, itemID string, output domain.StageOutput, actorID string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return w, err
	}
	if w.Stage.Terminal() {
		return w, domain.E(domain.KindInvalidTransition, "work item %s is %s", w.ID, w.Stage)
	}
	if w.Stage.GateBearing() {
		return w, domain.E(domain.KindInvalidTransition, "stage %s advances on a gate verdict, not a stage output", w.Stage)
	}
	if err := e.checkStagePreconditions(ctx, tx, w); err != nil {
		return w, err
	}

	kind := output.Kind
	if kind == "" {
		kind = defaultOutputKind(w.Stage)
	}
	payload, err := json.Marshal(output)
	if err != nil {
		return w, fmt.Errorf("marshal stage output: %w", err)
	}
	if _, err := e.Store.PutTx(ctx, tx, w.ID, w.Stage, kind, payload); err != nil {
		return w, fmt.Errorf("record %s output: %w", w.Stage, err)
	}

	from := w.Stage
	note := ""
	switch w.Stage {
	case domain.StageDocument:
		// Undocumented completion is never allowed: unmet acceptance
		// criteria force the item back to planning.
		if unmet := unmetCriteria(w); len(unmet) > 0 {
			note = fmt.Sprintf("acceptance criteria unsatisfied: %s", strings.Join(unmet, ", "))
			noteOut, _ := json.Marshal(domain.StageOutput{Summary: note})
			if _, err := e.Store.PutTx(ctx, tx, w.ID, domain.StagePlan, domain.KindNote, noteOut); err != nil {
				return w, err
			}
			w.Stage = domain.StagePlan
			w.Status = domain.StatusPlanning
		} else {
			w.Stage = domain.StageRelease
			w.Status = statusFor(w.Stage)
		}
	case domain.StageRelease:
		if e.Packager == nil {
			return w, domain.E(domain.KindPreconditionMissing, "no release packager configured")
		}
		info, err := e.Packager.Package(ctx, w)
		if err != nil {
			// Stays at release for retry.
			return w, fmt.Errorf("release packaging: %w", err)
		}
		infoJSON, _ := json.Marshal(info)
		if _, err := e.Store.PutTx(ctx, tx, w.ID, domain.StageRelease, domain.KindReport, infoJSON); err != nil {
			return w, err
		}
		note = fmt.Sprintf("packaged as %s (%s)", info.Branch, info.ReviewRef)
		w.Stage = domain.StageDone
		w.Status = domain.StatusComplete
		completed := e.now().UTC().Format(time.RFC3339)
		w.CompletedAt = &completed
	default:
		w.Stage = w.Stage.Next()
		w.Status = statusFor(w.Stage)
	}
	if err := ensureStageTransition(from, w.Stage); err != nil {
		return w, err
	}

	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateWorkItem(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, w.ID, from, w.Stage, actorID, nil, note); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}

	if from == domain.StageDocument && w.Stage == domain.StageRelease {
		e.synthesizeDocs(ctx, w)
	}
	return w, nil
}

// checkStagePreconditions enforces required inputs for a stage: execute
// cannot start without a recorded plan.
func (e Engine) checkStagePreconditions(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	if w.Stage != domain.StageExecute {
		return nil
	}
	n, err := e.Store.CountTx(ctx, tx, w.ID, domain.StagePlan, domain.KindPlan)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.E(domain.KindPreconditionMissing, "execute requires a plan artifact for %s", w.ID)
	}
	return nil
}

func defaultOutputKind(stage domain.Stage) string {
	switch stage {
	case domain.StagePlan:
		return domain.KindPlan
	case domain.StageExecute:
		return domain.KindDiff
	default:
		return domain.KindReport
	}
}

func unmetCriteria(w domain.WorkItem) []string {
	var unmet []string
	for name, ok := range w.AcceptanceCriteria {
		if !ok {
			unmet = append(unmet, name)
		}
	}
	sort.Strings(unmet)
	return unmet
}

// ApplyVerdict consumes a gate verdict at a gate-bearing stage. A passing
// verdict (no blocking findings) advances; a blocking verdict routes back to
// execute and spends one unit of the retry budget. The budget exhausting
// aborts the item permanently.
func (e Engine) ApplyVerdict(ctx context.Context, itemID string, verdict domain.GateVerdict, actorID string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return w, err
	}
	if w.Stage.Terminal() {
		return w, domain.E(domain.KindInvalidTransition, "work item %s is %s", w.ID, w.Stage)
	}
	if !w.Stage.GateBearing() {
		return w, domain.E(domain.KindInvalidTransition, "stage %s does not take a gate verdict", w.Stage)
	}
	if verdict.Stage != "" && verdict.Stage != w.Stage {
		return w, domain.E(domain.KindInvalidTransition, "verdict is for stage %s, item is at %s", verdict.Stage, w.Stage)
	}

	from := w.Stage
	blocking := verdict.Blocking()
	note := ""
	var kindErr error
	if len(blocking) == 0 {
		// Advisory findings never block.
		w.Stage = w.Stage.Next()
		w.Status = statusFor(w.Stage)
	} else {
		// One retry unit per gate cycle regardless of finding count. All
		// blocking findings are retained and surfaced together.
		w.RetryCount++
		if w.RetryCount > e.Config.MaxRetries() {
			note = fmt.Sprintf("retry budget (%d) exhausted at %s", e.Config.MaxRetries(), from)
			w.Stage = domain.StageAborted
			w.Status = domain.StatusAborted
			w.AbortReason = note
			kindErr = domain.E(domain.KindRetryBudgetExhausted, "%s", note)
		} else {
			// The blocking findings become input for the next execute cycle.
			findingsJSON, err := json.Marshal(blocking)
			if err != nil {
				return w, err
			}
			if _, err := e.Store.PutTx(ctx, tx, w.ID, domain.StageExecute, domain.KindFindings, findingsJSON); err != nil {
				return w, err
			}
			note = fmt.Sprintf("%d blocking finding(s) from %s; retry %d of %d", len(blocking), from, w.RetryCount, e.Config.MaxRetries())
			w.Stage = domain.StageExecute
			w.Status = domain.StatusInProgress
		}
	}
	if err := ensureStageTransition(from, w.Stage); err != nil {
		return w, err
	}

	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateWorkItem(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, w.ID, from, w.Stage, actorID, &verdict, note); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, kindErr
}

// RunGate evaluates the checks configured for the item's current stage and
// applies the resulting verdict.
func (e Engine) RunGate(ctx context.Context, itemID, actorID string) (domain.WorkItem, domain.GateVerdict, error) {
	w, err := e.Repo.GetWorkItem(ctx, itemID)
	if err != nil {
		return w, domain.GateVerdict{}, err
	}
	if !w.Stage.GateBearing() {
		return w, domain.GateVerdict{}, domain.E(domain.KindInvalidTransition, "stage %s has no gate", w.Stage)
	}
	checkIDs := e.Config.StageChecks(string(w.Stage))
	checkSet, err := checks.Build(e.Config, checkIDs)
	if err != nil {
		return w, domain.GateVerdict{}, err
	}
	ev := gate.Evaluator{
		Store:   e.Store,
		Timeout: time.Duration(e.Config.CheckTimeoutSeconds()) * time.Second,
		Now:     e.Now,
	}
	verdict, err := ev.Evaluate(ctx, w.ID, w.Stage, checkSet)
	if err != nil {
		return w, domain.GateVerdict{}, err
	}
	w, err = e.ApplyVerdict(ctx, itemID, verdict, actorID)
	return w, verdict, err
}

// SetCriterion flips an acceptance criterion, typically while the item sits
// in the verify or test stage.
func (e Engine) SetCriterion(ctx context.Context, itemID, name string, satisfied bool, actorID string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return w, err
	}
	if w.Stage.Terminal() {
		return w, domain.E(domain.KindInvalidTransition, "work item %s is %s", w.ID, w.Stage)
	}
	if _, ok := w.AcceptanceCriteria[name]; !ok {
		return w, domain.E(domain.KindNotFound, "criterion %s not declared on %s", name, w.ID)
	}
	w.AcceptanceCriteria[name] = satisfied
	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateWorkItem(ctx, tx, w); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// Abort moves a non-terminal item directly to aborted with a recorded
// reason. In-flight gate checks observe the context cancellation and their
// partial verdicts are never persisted.
func (e Engine) Abort(ctx context.Context, itemID, reason, actorID string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return w, err
	}
	if err := ensureStageTransition(w.Stage, domain.StageAborted); err != nil {
		return w, err
	}
	from := w.Stage
	w.Stage = domain.StageAborted
	w.Status = domain.StatusAborted
	w.AbortReason = reason
	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateWorkItem(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, w.ID, from, domain.StageAborted, actorID, nil, reason); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

func (e Engine) synthesizeDocs(ctx context.Context, w domain.WorkItem) {
	if e.Docs == nil {
		return
	}
	refs, err := e.Store.List(ctx, w.ID, "")
	if err != nil {
		e.logger().Printf("docs: list artifacts for %s: %v", w.ID, err)
		return
	}
	var artifacts []domain.Artifact
	for _, ref := range refs {
		a, err := e.Store.Get(ctx, ref)
		if err != nil {
			e.logger().Printf("docs: read artifact %v: %v", ref, err)
			return
		}
		artifacts = append(artifacts, a)
	}
	ref, err := e.Docs.Record(ctx, w, artifacts)
	if err != nil {
		// Knowledge capture is best-effort; release proceeds regardless.
		e.logger().Printf("docs: record %s: %v", w.ID, err)
		return
	}
	e.logger().Printf("docs: recorded %s -> %s", w.ID, ref.Path)
}
