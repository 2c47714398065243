package gitflow

import (
	"context"
	"strconv"
)

// Suggestion is one candidate refactor produced by an analysis pipeline.
// Field names follow the analyzer output format.
type Suggestion struct {
	ID                        string `json:"id"`
	Description               string `json:"description"`
	FilePath                  string `json:"file_path"`
	ImpactScore               int    `json:"impact_score"`
	AutomatedRefactorPossible bool   `json:"automated_refactor_possible"`
}

const (
	// minAutomationImpact is the score floor for unattended refactors.
	minAutomationImpact = 50

	// suggestionBatchSize caps how many suggestions share one branch/PR.
	suggestionBatchSize = 5
)

// FilterAutomatable keeps suggestions that can run unattended: automation
// must be possible and the impact score at least 50. Input order is kept.
func FilterAutomatable(suggestions []Suggestion) []Suggestion {
	var out []Suggestion
	for _, s := range suggestions {
		if s.AutomatedRefactorPossible && s.ImpactScore >= minAutomationImpact {
			out = append(out, s)
		}
	}
	return out
}

// BatchSuggestions chunks suggestions into groups of at most five,
// preserving order.
func BatchSuggestions(suggestions []Suggestion) [][]Suggestion {
	var batches [][]Suggestion
	for len(suggestions) > 0 {
		n := suggestionBatchSize
		if len(suggestions) < n {
			n = len(suggestions)
		}
		batches = append(batches, suggestions[:n])
		suggestions = suggestions[n:]
	}
	return batches
}

// BatchOutcome records what happened to one suggestion batch.
type BatchOutcome struct {
	Suggestions []Suggestion
	Result      *Result
	Err         error
}

// ProcessSuggestions filters and batches the suggestions, then runs one full
// branch/commit/PR workflow per batch. The apply callback performs the
// actual edits for a batch; a failing batch is cleaned up and recorded, and
// processing continues with the next batch.
func (e *Engine) ProcessSuggestions(
	ctx context.Context,
	repoPath, jobType, jobID string,
	suggestions []Suggestion,
	apply func(ctx context.Context, batch []Suggestion) error,
) []BatchOutcome {
	batches := BatchSuggestions(FilterAutomatable(suggestions))

	outcomes := make([]BatchOutcome, 0, len(batches))
	for i, batch := range batches {
		outcome := BatchOutcome{Suggestions: batch}

		batchID := jobID
		if len(batches) > 1 {
			batchID = jobID + "-b" + strconv.Itoa(i+1)
		}

		wf, err := e.Setup(ctx, repoPath, jobType, batchID)
		if err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}

		if err := apply(ctx, batch); err != nil {
			e.logger.Warn("suggestion batch failed", "batch", i+1, "error", err)
			e.Cleanup(ctx, wf)
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}

		result, err := e.Finish(ctx, wf)
		switch {
		case err != nil:
			e.Cleanup(ctx, wf)
			outcome.Err = err
		default:
			outcome.Result = result
			// Return to the original branch so the next batch starts from a
			// clean base. Dry-run and no-change finishes already did this.
			if !result.Skipped && !e.cfg.DryRun {
				e.Cleanup(ctx, wf)
			}
		}
		outcomes = append(outcomes, outcome)
	}

	return outcomes
}
