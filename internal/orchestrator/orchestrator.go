package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/askmesh/askmesh/internal/ask"
	"github.com/askmesh/askmesh/internal/observability"
)

type Config struct {
	TopK                  int
	ScoreThreshold        float64
	MaxCorrectionAttempts int
	JobTimeout            time.Duration
	CallTimeout           time.Duration
	ValidationRetries     int
	ValidationBackoff     time.Duration
	// ValidationConcurrency bounds parallel validations of one round.
	ValidationConcurrency int
}

func DefaultConfig() Config {
	return Config{
		TopK:                  10,
		ScoreThreshold:        0.1,
		MaxCorrectionAttempts: 3,
		JobTimeout:            5 * time.Minute,
		CallTimeout:           30 * time.Second,
		ValidationRetries:     2,
		ValidationBackoff:     200 * time.Millisecond,
		ValidationConcurrency: 4,
	}
}

// Store is the part of the job store the orchestrator writes through.
type Store interface {
	Get(id string) (ask.Job, bool)
	Update(id string, mutate func(*ask.Job) error) (ask.Job, error)
}

// Recorder keeps answered questions for later retrieval.
type Recorder interface {
	Record(ctx context.Context, q ask.Question, candidate ask.Candidate) error
}

type Dependencies struct {
	Store      Store
	Classifier ask.Classifier
	Retriever  ask.Retriever
	Generator  ask.Generator
	Validator  ask.Validator
	Recorder   Recorder
	Rules      []Rule
	Logger     *slog.Logger
}

type Orchestrator struct {
	cfg        Config
	store      Store
	classifier ask.Classifier
	retriever  ask.Retriever
	generator  ask.Generator
	validator  ask.Validator
	recorder   Recorder
	rules      []Rule
	logger     *slog.Logger
}

// errHalted signals that the job left the running states underneath us,
// usually because a stop was requested.
var errHalted = errors.New("job halted")

func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if deps.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}

	defaults := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = defaults.TopK
	}
	if cfg.MaxCorrectionAttempts < 0 {
		cfg.MaxCorrectionAttempts = 0
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaults.JobTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.ValidationRetries < 0 {
		cfg.ValidationRetries = 0
	}
	if cfg.ValidationBackoff <= 0 {
		cfg.ValidationBackoff = defaults.ValidationBackoff
	}
	if cfg.ValidationConcurrency <= 0 {
		cfg.ValidationConcurrency = defaults.ValidationConcurrency
	}

	rules := deps.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}

	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		classifier: deps.Classifier,
		retriever:  deps.Retriever,
		generator:  deps.Generator,
		validator:  deps.Validator,
		recorder:   deps.Recorder,
		rules:      rules,
		logger:     logger,
	}, nil
}

// Run drives the job to a terminal state. It returns once the job is
// terminal or the job timeout fires; a call stuck past the timeout is
// abandoned and whatever it returns later is rejected by the store.
func (o *Orchestrator) Run(ctx context.Context, id string) {
	job, ok := o.store.Get(id)
	if !ok {
		return
	}
	logger := observability.AskLogger(o.logger, id, job.Question.TenantID, job.TraceID)
	start := time.Now()
	defer o.observeOutcome(logger, id, start)

	if ctx.Err() != nil {
		o.fail(logger, id, ask.CodeOthers, "aborted: shutting down")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.execute(jobCtx, logger, job)
	}()

	select {
	case <-done:
	case <-jobCtx.Done():
		message := fmt.Sprintf("job exceeded %s", o.cfg.JobTimeout)
		if ctx.Err() != nil {
			message = "aborted: shutting down"
		}
		o.fail(logger, id, ask.CodeOthers, message)
	}
}

func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, job ask.Job) {
	id := job.ID
	q := job.Question

	if !o.advance(logger, id, ask.StatusUnderstanding) {
		return
	}
	stageStart := time.Now()
	misleading, reason := o.understand(ctx, logger, q)
	observability.ObserveAskStage(string(ask.StatusUnderstanding), time.Since(stageStart))
	if misleading {
		o.fail(logger, id, ask.CodeMisleadingQuery, reason)
		return
	}

	if !o.advance(logger, id, ask.StatusSearching) {
		return
	}
	stageStart = time.Now()
	snippets, err := o.retrieve(ctx, q)
	observability.ObserveAskStage(string(ask.StatusSearching), time.Since(stageStart))
	if err != nil {
		o.fail(logger, id, ask.CodeOthers, fmt.Sprintf("retrieval failed: %v", err))
		return
	}
	snippets = selectContext(snippets, o.cfg.ScoreThreshold, o.cfg.TopK)
	logger.DebugContext(ctx, "context selected", slog.Int("snippets", len(snippets)))

	if !o.advance(logger, id, ask.StatusGenerating) {
		return
	}
	stageStart = time.Now()
	candidates, err := o.generate(ctx, q, snippets, nil)
	if err != nil {
		observability.ObserveAskStage(string(ask.StatusGenerating), time.Since(stageStart))
		o.fail(logger, id, ask.CodeOthers, fmt.Sprintf("generation failed: %v", err))
		return
	}
	if len(candidates) == 0 {
		observability.ObserveAskStage(string(ask.StatusGenerating), time.Since(stageStart))
		o.fail(logger, id, ask.CodeNoRelevantSQL, "no SQL candidates were generated")
		return
	}
	if !o.active(id) {
		return
	}
	checked := o.validateAll(ctx, logger, q.TenantID, candidates)
	observability.ObserveAskStage(string(ask.StatusGenerating), time.Since(stageStart))
	if valid := validCandidates(checked); len(valid) > 0 {
		o.finish(ctx, logger, id, q, valid)
		return
	}
	if o.cfg.MaxCorrectionAttempts == 0 {
		o.failExhausted(logger, id, checked)
		return
	}

	if !o.advance(logger, id, ask.StatusCorrecting) {
		return
	}
	stageStart = time.Now()
	valid, err := o.correct(ctx, logger, id, q, snippets, checked)
	observability.ObserveAskStage(string(ask.StatusCorrecting), time.Since(stageStart))
	var jobErr *ask.JobError
	switch {
	case err == nil:
		o.finish(ctx, logger, id, q, valid)
	case errors.As(err, &jobErr):
		o.fail(logger, id, jobErr.Code, jobErr.Message)
	}
}

// understand reports whether the question should be rejected as misleading.
// Classifier failures are not fatal: the question is treated as a real query.
func (o *Orchestrator) understand(ctx context.Context, logger *slog.Logger, q ask.Question) (bool, string) {
	if strings.TrimSpace(q.Text) == "" {
		return true, "question is empty"
	}
	if o.classifier == nil {
		return false, ""
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	result, err := o.classifier.Classify(callCtx, q)
	if err != nil {
		logger.WarnContext(ctx, "intent classification failed, proceeding", slog.Any("error", err))
		return false, ""
	}
	if result.Intent != ask.IntentMisleading {
		return false, ""
	}
	reason := strings.TrimSpace(result.Reasoning)
	if reason == "" {
		reason = "question is not answerable as a data query"
	}
	return true, reason
}

func (o *Orchestrator) retrieve(ctx context.Context, q ask.Question) ([]ask.Snippet, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	return o.retriever.Retrieve(callCtx, q)
}

// generate calls the generator and normalizes its output. A nil slice with a
// nil error means the generator produced nothing usable.
func (o *Orchestrator) generate(ctx context.Context, q ask.Question, snippets []ask.Snippet, feedback []ask.CorrectionFeedback) ([]ask.Candidate, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	candidates, err := o.generator.Generate(callCtx, q, snippets, feedback)
	if err != nil {
		return nil, err
	}
	return Normalize(o.rules, candidates), nil
}

// advance moves the job to status. It doubles as the stage-boundary stop
// check: a job that is terminal or gone rejects the move.
func (o *Orchestrator) advance(logger *slog.Logger, id string, status ask.Status) bool {
	_, err := o.store.Update(id, func(j *ask.Job) error {
		j.Status = status
		return nil
	})
	if err != nil {
		o.logHalt(logger, status, err)
		return false
	}
	logger.Debug("ask stage", slog.String("stage", string(status)))
	return true
}

// active reports whether the job is still running. Used between calls
// inside one stage.
func (o *Orchestrator) active(id string) bool {
	job, ok := o.store.Get(id)
	return ok && !job.Status.Terminal()
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, id string, q ask.Question, valid []ask.Candidate) {
	_, err := o.store.Update(id, func(j *ask.Job) error {
		j.Status = ask.StatusFinished
		j.Result = valid
		j.Error = nil
		return nil
	})
	if err != nil {
		o.logHalt(logger, ask.StatusFinished, err)
		return
	}
	if o.recorder == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	if err := o.recorder.Record(callCtx, q, valid[0]); err != nil {
		logger.WarnContext(ctx, "record answered question failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) fail(logger *slog.Logger, id string, code ask.ErrorCode, message string) {
	_, err := o.store.Update(id, func(j *ask.Job) error {
		j.Status = ask.StatusFailed
		j.Result = nil
		j.Error = &ask.JobError{Code: code, Message: message}
		return nil
	})
	if err != nil {
		o.logHalt(logger, ask.StatusFailed, err)
	}
}

// failExhausted fails a job whose last round produced no valid candidate.
// When every rejection came from an unreachable validator the job did not
// really get an answer from the engine, so the failure is reported as OTHERS.
func (o *Orchestrator) failExhausted(logger *slog.Logger, id string, last []checkedCandidate) {
	if allTransport(last) {
		o.fail(logger, id, ask.CodeOthers, "validation unavailable: "+last[0].engineError)
		return
	}
	o.fail(logger, id, ask.CodeNoRelevantSQL, "no candidate passed validation")
}

func (o *Orchestrator) logHalt(logger *slog.Logger, status ask.Status, err error) {
	switch {
	case errors.Is(err, ask.ErrTerminal), errors.Is(err, ask.ErrNotFound):
		logger.Debug("ask halted", slog.String("stage", string(status)), slog.Any("reason", err))
	default:
		logger.Error("ask state update failed", slog.String("stage", string(status)), slog.Any("error", err))
	}
}

func (o *Orchestrator) observeOutcome(logger *slog.Logger, id string, start time.Time) {
	job, ok := o.store.Get(id)
	if !ok || !job.Status.Terminal() {
		return
	}
	elapsed := time.Since(start)
	code := ""
	if job.Error != nil {
		code = string(job.Error.Code)
	}
	observability.ObserveAskCompleted(string(job.Status), code, elapsed)
	observability.ObserveCorrectionAttempts(job.CorrectionAttempts)

	attrs := []slog.Attr{
		slog.String("status", string(job.Status)),
		slog.Int("correction_attempts", job.CorrectionAttempts),
		slog.Duration("elapsed", elapsed),
	}
	switch job.Status {
	case ask.StatusFailed:
		attrs = append(attrs, slog.String("error_code", code), slog.String("error", job.Error.Message))
		logger.LogAttrs(context.Background(), slog.LevelWarn, "ask failed", attrs...)
	default:
		attrs = append(attrs, slog.Int("candidates", len(job.Result)))
		logger.LogAttrs(context.Background(), slog.LevelInfo, "ask completed", attrs...)
	}
}
