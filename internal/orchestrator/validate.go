package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/askmesh/askmesh/internal/ask"
	"github.com/askmesh/askmesh/internal/observability"
)

type checkedCandidate struct {
	candidate   ask.Candidate
	engineError string
	// transport is set when the validator could not be reached at all.
	transport bool
}

// validateAll validates every candidate of one round concurrently and
// returns the outcomes in generation order.
func (o *Orchestrator) validateAll(ctx context.Context, logger *slog.Logger, tenantID string, candidates []ask.Candidate) []checkedCandidate {
	out := make([]checkedCandidate, len(candidates))
	var g errgroup.Group
	g.SetLimit(o.cfg.ValidationConcurrency)
	for i, candidate := range candidates {
		g.Go(func() error {
			out[i] = o.validateOne(ctx, logger, tenantID, candidate)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// validateOne retries transport failures with exponential backoff. Once the
// retries are spent the candidate counts as invalid with an OTHERS error.
func (o *Orchestrator) validateOne(ctx context.Context, logger *slog.Logger, tenantID string, candidate ask.Candidate) checkedCandidate {
	var (
		ok          bool
		engineError string
	)
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
		var err error
		ok, engineError, err = o.validator.Validate(callCtx, tenantID, candidate.SQL)
		return err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = o.cfg.ValidationBackoff
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(o.cfg.ValidationRetries)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		observability.IncrementValidationRetries()
		logger.DebugContext(ctx, "validation retry", slog.Duration("wait", wait), slog.Any("error", err))
	})
	if err != nil {
		observability.ObserveValidation("error")
		logger.WarnContext(ctx, "validation unavailable", slog.Any("error", err))
		return checkedCandidate{
			candidate:   candidate,
			engineError: string(ask.CodeOthers) + ": " + err.Error(),
			transport:   true,
		}
	}

	candidate.Valid = ok
	if ok {
		observability.ObserveValidation("valid")
		return checkedCandidate{candidate: candidate}
	}
	observability.ObserveValidation("invalid")
	return checkedCandidate{candidate: candidate, engineError: engineError}
}

func validCandidates(checked []checkedCandidate) []ask.Candidate {
	var valid []ask.Candidate
	for _, item := range checked {
		if item.candidate.Valid {
			valid = append(valid, item.candidate)
		}
	}
	return valid
}

func allTransport(checked []checkedCandidate) bool {
	if len(checked) == 0 {
		return false
	}
	for _, item := range checked {
		if !item.transport {
			return false
		}
	}
	return true
}
