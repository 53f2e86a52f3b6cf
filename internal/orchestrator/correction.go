package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/askmesh/askmesh/internal/ask"
)

// correct asks the generator to repair invalid candidates, at most
// MaxCorrectionAttempts times. It returns the valid candidates of the first
// round that produced any, errHalted when the job stopped, or an
// *ask.JobError describing why no valid SQL was found.
func (o *Orchestrator) correct(ctx context.Context, logger *slog.Logger, id string, q ask.Question, snippets []ask.Snippet, invalid []checkedCandidate) ([]ask.Candidate, error) {
	for attempt := 1; attempt <= o.cfg.MaxCorrectionAttempts; attempt++ {
		_, err := o.store.Update(id, func(j *ask.Job) error {
			j.Status = ask.StatusCorrecting
			j.CorrectionAttempts = attempt
			return nil
		})
		if err != nil {
			o.logHalt(logger, ask.StatusCorrecting, err)
			return nil, errHalted
		}

		candidates, err := o.generate(ctx, q, snippets, correctionFeedback(attempt, invalid))
		if err != nil {
			return nil, &ask.JobError{
				Code:    ask.CodeOthers,
				Message: fmt.Sprintf("generation failed during correction attempt %d: %v", attempt, err),
			}
		}
		if len(candidates) == 0 {
			logger.DebugContext(ctx, "correction produced no candidates", slog.Int("attempt", attempt))
			continue
		}
		if !o.active(id) {
			return nil, errHalted
		}

		checked := o.validateAll(ctx, logger, q.TenantID, candidates)
		if valid := validCandidates(checked); len(valid) > 0 {
			logger.DebugContext(ctx, "correction succeeded", slog.Int("attempt", attempt), slog.Int("valid", len(valid)))
			return valid, nil
		}
		invalid = checked
	}

	if allTransport(invalid) {
		return nil, &ask.JobError{Code: ask.CodeOthers, Message: "validation unavailable: " + invalid[0].engineError}
	}
	return nil, &ask.JobError{
		Code:    ask.CodeNoRelevantSQL,
		Message: fmt.Sprintf("no valid SQL after %d correction attempts", o.cfg.MaxCorrectionAttempts),
	}
}

func correctionFeedback(attempt int, invalid []checkedCandidate) []ask.CorrectionFeedback {
	feedback := make([]ask.CorrectionFeedback, 0, len(invalid))
	for _, item := range invalid {
		feedback = append(feedback, ask.CorrectionFeedback{
			Attempt:     attempt,
			SQL:         item.candidate.SQL,
			Summary:     item.candidate.Summary,
			EngineError: item.engineError,
		})
	}
	return feedback
}
