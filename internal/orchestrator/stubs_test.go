package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/askmesh/askmesh/internal/ask"
	"github.com/askmesh/askmesh/internal/jobstore"
)

type stubClassifier struct {
	result ask.Classification
	err    error
}

func (s stubClassifier) Classify(context.Context, ask.Question) (ask.Classification, error) {
	return s.result, s.err
}

type stubRetriever struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, q ask.Question) ([]ask.Snippet, error)
}

func (s *stubRetriever) Retrieve(ctx context.Context, q ask.Question) ([]ask.Snippet, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn == nil {
		return nil, nil
	}
	return s.fn(ctx, q)
}

func (s *stubRetriever) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// scriptedGenerator answers call i with fn(i, ...); calls are 1-based.
type scriptedGenerator struct {
	mu       sync.Mutex
	calls    int
	snippets [][]ask.Snippet
	feedback [][]ask.CorrectionFeedback
	fn       func(ctx context.Context, call int) ([]ask.Candidate, error)
}

func (g *scriptedGenerator) Generate(ctx context.Context, _ ask.Question, snippets []ask.Snippet, feedback []ask.CorrectionFeedback) ([]ask.Candidate, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.snippets = append(g.snippets, snippets)
	g.feedback = append(g.feedback, feedback)
	g.mu.Unlock()
	return g.fn(ctx, call)
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *scriptedGenerator) Feedback(call int) []ask.CorrectionFeedback {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.feedback[call-1]
}

func (g *scriptedGenerator) Snippets(call int) []ask.Snippet {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snippets[call-1]
}

func generateAlways(candidates ...ask.Candidate) func(context.Context, int) ([]ask.Candidate, error) {
	return func(context.Context, int) ([]ask.Candidate, error) {
		return append([]ask.Candidate(nil), candidates...), nil
	}
}

type validateFunc func(call int, sql string) (bool, string, error)

type scriptedValidator struct {
	mu    sync.Mutex
	calls int
	sqls  []string
	fn    validateFunc
}

func (v *scriptedValidator) Validate(_ context.Context, _ string, sql string) (bool, string, error) {
	v.mu.Lock()
	v.calls++
	call := v.calls
	v.sqls = append(v.sqls, sql)
	v.mu.Unlock()
	return v.fn(call, sql)
}

func (v *scriptedValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type recordingRecorder struct {
	mu       sync.Mutex
	recorded []ask.Candidate
	err      error
}

func (r *recordingRecorder) Record(_ context.Context, _ ask.Question, candidate ask.Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, candidate)
	return r.err
}

type harness struct {
	store      *jobstore.Store
	retriever  *stubRetriever
	generator  *scriptedGenerator
	validator  *scriptedValidator
	classifier ask.Classifier
	recorder   Recorder
	cfg        Config
}

func newHarness() *harness {
	cfg := DefaultConfig()
	cfg.ValidationBackoff = time.Millisecond
	cfg.ScoreThreshold = 0
	return &harness{
		store:     jobstore.New(jobstore.Config{TTL: time.Minute}),
		retriever: &stubRetriever{},
		generator: &scriptedGenerator{fn: generateAlways()},
		validator: &scriptedValidator{fn: func(int, string) (bool, string, error) { return true, "", nil }},
		cfg:       cfg,
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, Dependencies{
		Store:      h.store,
		Classifier: h.classifier,
		Retriever:  h.retriever,
		Generator:  h.generator,
		Validator:  h.validator,
		Recorder:   h.recorder,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

// run submits text and drives it to completion synchronously.
func (h *harness) run(t *testing.T, text string) ask.Job {
	t.Helper()
	return h.runContext(t, context.Background(), text)
}

func (h *harness) runContext(t *testing.T, ctx context.Context, text string) ask.Job {
	t.Helper()
	o := h.orchestrator(t)
	job, err := h.store.Create(ask.Job{ID: "q-1", Question: ask.Question{TenantID: "tenant-a", Text: text}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	o.Run(ctx, job.ID)
	final, ok := h.store.Get(job.ID)
	if !ok {
		t.Fatal("job vanished from store")
	}
	return final
}

func assertFailed(t *testing.T, job ask.Job, code ask.ErrorCode) {
	t.Helper()
	if job.Status != ask.StatusFailed {
		t.Fatalf("Status = %q, want failed (error=%+v)", job.Status, job.Error)
	}
	if job.Error == nil || job.Error.Code != code {
		t.Fatalf("Error = %+v, want code %s", job.Error, code)
	}
	if len(job.Result) != 0 {
		t.Fatalf("failed job carries result %+v", job.Result)
	}
}
