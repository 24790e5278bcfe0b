// Package gate runs the configured capability checks for a stage and folds
// their results into a single GateVerdict.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gateline/internal/domain"
	"gateline/internal/store"
)

// Check is one capability check. Run must be read-only on the target system
// and safe to invoke repeatedly.
type Check interface {
	ID() string
	Run(ctx context.Context) (Result, error)
}

// Result is the outcome of a single check run.
type Result struct {
	Passed    bool             `json:"passed"`
	Findings  []domain.Finding `json:"findings,omitempty"`
	RawOutput []byte           `json:"raw_output,omitempty"`
}

// Evaluator runs checks concurrently under a shared per-check timeout.
type Evaluator struct {
	Store   store.Store
	Timeout time.Duration
	Now     func() time.Time
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Evaluator) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return 120 * time.Second
}

// checkRecord is the persisted per-check trace inside the verdict artifact.
type checkRecord struct {
	Check     string           `json:"check"`
	Passed    bool             `json:"passed"`
	TimedOut  bool             `json:"timed_out,omitempty"`
	Error     string           `json:"error,omitempty"`
	Findings  []domain.Finding `json:"findings,omitempty"`
	RawOutput []byte           `json:"raw_output,omitempty"`
}

// Evaluate runs every check to completion and returns the folded verdict.
// It never short-circuits: findings from independent checks must all surface
// for a single remediation pass. The full verdict, including raw per-check
// output, is persisted as an artifact before returning. If ctx is cancelled
// the partial verdict is discarded and nothing is persisted.
func (e Evaluator) Evaluate(ctx context.Context, itemID string, stage domain.Stage, checks []Check) (domain.GateVerdict, error) {
	records := make([]checkRecord, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			records[i] = e.runOne(ctx, c)
		}(i, c)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Operator abort: the partial verdict is not authoritative.
		return domain.GateVerdict{}, err
	}

	verdict := domain.GateVerdict{
		ItemID:    itemID,
		Stage:     stage,
		Passed:    true,
		CheckedAt: e.now().UTC().Format(time.RFC3339),
	}
	for _, rec := range records {
		if !rec.Passed {
			verdict.Passed = false
		}
		verdict.Findings = append(verdict.Findings, rec.Findings...)
	}
	// Blocking first; within a severity, check order is preserved.
	sort.SliceStable(verdict.Findings, func(i, j int) bool {
		return verdict.Findings[i].Severity == domain.SeverityBlocking &&
			verdict.Findings[j].Severity != domain.SeverityBlocking
	})

	if err := e.persist(ctx, verdict, records); err != nil {
		return domain.GateVerdict{}, fmt.Errorf("persist verdict: %w", err)
	}
	return verdict, nil
}

func (e Evaluator) runOne(parent context.Context, c Check) checkRecord {
	ctx, cancel := context.WithTimeout(parent, e.timeout())
	defer cancel()

	rec := checkRecord{Check: c.ID()}
	res, err := c.Run(ctx)
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		// Timing out is never a pass.
		rec.TimedOut = true
		rec.Findings = []domain.Finding{{
			Check:    c.ID(),
			Severity: domain.SeverityBlocking,
			Message:  fmt.Sprintf("check %s timed out after %s (%s)", c.ID(), e.timeout(), domain.KindCheckTimedOut),
		}}
	case err != nil:
		// A check that cannot run blocks; unavailability is never success.
		rec.Error = err.Error()
		rec.Findings = []domain.Finding{{
			Check:    c.ID(),
			Severity: domain.SeverityBlocking,
			Message:  fmt.Sprintf("check %s unavailable: %v (%s)", c.ID(), err, domain.KindCheckUnavailable),
		}}
	default:
		rec.Passed = res.Passed
		rec.Findings = res.Findings
		rec.RawOutput = res.RawOutput
		for i := range rec.Findings {
			if rec.Findings[i].Check == "" {
				rec.Findings[i].Check = c.ID()
			}
		}
	}
	return rec
}

func (e Evaluator) persist(ctx context.Context, verdict domain.GateVerdict, records []checkRecord) error {
	payload := struct {
		Verdict domain.GateVerdict `json:"verdict"`
		Checks  []checkRecord      `json:"checks"`
	}{Verdict: verdict, Checks: records}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = e.Store.Put(ctx, verdict.ItemID, verdict.Stage, domain.KindVerdict, data)
	return err
}
