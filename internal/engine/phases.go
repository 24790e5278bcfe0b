package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gateline/internal/domain"
)

// taskResult is the recorded outcome of one task in a phase.
type taskResult struct {
	Task   string             `json:"task"`
	Error  string             `json:"error,omitempty"`
	Output domain.StageOutput `json:"output,omitempty"`
}

// RunPhase runs the independent tasks of one execute-stage phase
// concurrently and waits for all of them. There is no partial phase success:
// any task failing blocks the whole phase, the failures are recorded as
// blocking input for the next planning cycle, and the item stays at execute
// with status blocked. Failed tasks are never retried automatically.
func (e Engine) RunPhase(ctx context.Context, itemID, phase string, tasks []ExecutionTask, actorID string) (domain.WorkItem, error) {
	w, err := e.Repo.GetWorkItem(ctx, itemID)
	if err != nil {
		return w, err
	}
	if w.Stage != domain.StageExecute {
		return w, domain.E(domain.KindInvalidTransition, "phases run only in the execute stage, item is at %s", w.Stage)
	}
	if len(tasks) == 0 {
		return w, fmt.Errorf("phase %s has no tasks", phase)
	}

	results := make([]taskResult, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t ExecutionTask) {
			defer wg.Done()
			out, err := t.Run(ctx)
			results[i] = taskResult{Task: t.Name(), Output: out}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, t)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return w, err
	}

	var failed []string
	for _, r := range results {
		if r.Error != "" {
			failed = append(failed, r.Task)
		}
	}
	sort.Strings(failed)

	record := struct {
		Phase     string       `json:"phase"`
		Completed string       `json:"completed_at"`
		Results   []taskResult `json:"results"`
	}{Phase: phase, Completed: e.now().UTC().Format(time.RFC3339), Results: results}
	data, err := json.Marshal(record)
	if err != nil {
		return w, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	kind := domain.KindReport
	if len(failed) > 0 {
		kind = domain.KindFindings
	}
	if _, err := e.Store.PutTx(ctx, tx, w.ID, domain.StageExecute, kind, data); err != nil {
		return w, err
	}
	if len(failed) > 0 {
		w.Status = domain.StatusBlocked
		w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateWorkItem(ctx, tx, w); err != nil {
			return w, err
		}
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	if len(failed) > 0 {
		return w, domain.E(domain.KindPreconditionMissing, "phase %s blocked; failed tasks: %s", phase, strings.Join(failed, ", "))
	}
	return w, nil
}
