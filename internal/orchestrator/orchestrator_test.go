package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/askmesh/askmesh/internal/ask"
)

var errUnavailable = errors.New("connection refused")

func TestRunFinishesWithValidCandidate(t *testing.T) {
	h := newHarness()
	h.retriever.fn = func(context.Context, ask.Question) ([]ask.Snippet, error) {
		return []ask.Snippet{{ID: "1", Kind: ask.SnippetSchema, Title: "books", Content: "CREATE TABLE books (id BIGINT)", Score: 0.8}}, nil
	}
	h.generator.fn = generateAlways(ask.Candidate{SQL: "SELECT count(*) FROM books", Summary: "Counts books."})

	job := h.run(t, "How many books are there?")

	if job.Status != ask.StatusFinished {
		t.Fatalf("Status = %q, want finished (error=%+v)", job.Status, job.Error)
	}
	if len(job.Result) != 1 {
		t.Fatalf("Result = %+v, want one candidate", job.Result)
	}
	if got := job.Result[0]; got.SQL != "SELECT count(*) FROM books" || !got.Valid || got.Summary != "Counts books." {
		t.Fatalf("Result[0] = %+v", got)
	}
	if h.generator.Calls() != 1 || h.validator.Calls() != 1 {
		t.Fatalf("calls generate=%d validate=%d, want 1/1", h.generator.Calls(), h.validator.Calls())
	}
	if snippets := h.generator.Snippets(1); len(snippets) != 1 || snippets[0].Title != "books" {
		t.Fatalf("generator snippets = %+v", snippets)
	}
	if job.CorrectionAttempts != 0 {
		t.Fatalf("CorrectionAttempts = %d", job.CorrectionAttempts)
	}
}

func TestRunCorrectsAfterTwoValidationFailures(t *testing.T) {
	h := newHarness()
	h.generator.fn = func(_ context.Context, call int) ([]ask.Candidate, error) {
		if call == 1 {
			return []ask.Candidate{{SQL: "SELECT count(*) FROM book", Summary: "Counts books."}}, nil
		}
		return []ask.Candidate{{SQL: "SELECT count(*) FROM books", Summary: "Counts books."}}, nil
	}
	h.validator.fn = func(call int, sql string) (bool, string, error) {
		switch {
		case call == 1:
			return false, "", errUnavailable
		case sql == "SELECT count(*) FROM book":
			return false, "Catalog Error: Table with name book does not exist!", nil
		default:
			return true, "", nil
		}
	}

	job := h.run(t, "How many books are there?")

	if job.Status != ask.StatusFinished {
		t.Fatalf("Status = %q, want finished (error=%+v)", job.Status, job.Error)
	}
	if h.generator.Calls() != 2 {
		t.Fatalf("generate calls = %d, want 2", h.generator.Calls())
	}
	if h.validator.Calls() != 3 {
		t.Fatalf("validate calls = %d, want 3", h.validator.Calls())
	}
	if job.CorrectionAttempts != 1 {
		t.Fatalf("CorrectionAttempts = %d, want 1", job.CorrectionAttempts)
	}
	if job.Result[0].SQL != "SELECT count(*) FROM books" {
		t.Fatalf("Result = %+v", job.Result)
	}

	feedback := h.generator.Feedback(2)
	if len(feedback) != 1 {
		t.Fatalf("feedback = %+v, want one entry", feedback)
	}
	if feedback[0].Attempt != 1 || feedback[0].SQL != "SELECT count(*) FROM book" || !strings.Contains(feedback[0].EngineError, "does not exist") {
		t.Fatalf("feedback[0] = %+v", feedback[0])
	}
	if h.generator.Feedback(1) != nil {
		t.Fatalf("initial generation should carry no feedback: %+v", h.generator.Feedback(1))
	}
}

func TestRunFailsWhenCorrectionBudgetExhausted(t *testing.T) {
	h := newHarness()
	h.generator.fn = func(_ context.Context, call int) ([]ask.Candidate, error) {
		return []ask.Candidate{{SQL: fmt.Sprintf("SELECT nope_%d FROM books", call)}}, nil
	}
	h.validator.fn = func(int, string) (bool, string, error) {
		return false, "Binder Error: column not found", nil
	}

	job := h.run(t, "How many books are there?")

	assertFailed(t, job, ask.CodeNoRelevantSQL)
	if want := 1 + h.cfg.MaxCorrectionAttempts; h.generator.Calls() != want {
		t.Fatalf("generate calls = %d, want %d", h.generator.Calls(), want)
	}
	if job.CorrectionAttempts != h.cfg.MaxCorrectionAttempts {
		t.Fatalf("CorrectionAttempts = %d", job.CorrectionAttempts)
	}
}

func TestRunStopDuringSearchingSkipsLaterCalls(t *testing.T) {
	h := newHarness()
	h.retriever.fn = func(context.Context, ask.Question) ([]ask.Snippet, error) {
		job, _ := h.store.Get("q-1")
		if job.Status != ask.StatusSearching {
			t.Errorf("Status during retrieval = %q", job.Status)
		}
		if err := h.store.RequestStop("q-1"); err != nil {
			t.Errorf("RequestStop() error = %v", err)
		}
		return []ask.Snippet{{Title: "books", Score: 0.9}}, nil
	}
	h.generator.fn = generateAlways(ask.Candidate{SQL: "SELECT 1"})

	job := h.run(t, "How many books are there?")

	if job.Status != ask.StatusStopped {
		t.Fatalf("Status = %q, want stopped", job.Status)
	}
	if job.Error != nil || len(job.Result) != 0 {
		t.Fatalf("stopped job carries result or error: %+v", job)
	}
	if h.generator.Calls() != 0 || h.validator.Calls() != 0 {
		t.Fatalf("calls after stop generate=%d validate=%d", h.generator.Calls(), h.validator.Calls())
	}
}

func TestRunStopDuringCorrectionHaltsLoop(t *testing.T) {
	h := newHarness()
	h.generator.fn = func(_ context.Context, call int) ([]ask.Candidate, error) {
		if call == 2 {
			h.store.RequestStop("q-1")
		}
		return []ask.Candidate{{SQL: fmt.Sprintf("SELECT %d", call)}}, nil
	}
	h.validator.fn = func(int, string) (bool, string, error) { return false, "bad", nil }

	job := h.run(t, "How many books are there?")

	if job.Status != ask.StatusStopped {
		t.Fatalf("Status = %q, want stopped", job.Status)
	}
	if h.generator.Calls() != 2 {
		t.Fatalf("generate calls = %d, want 2", h.generator.Calls())
	}
	if h.validator.Calls() != 1 {
		t.Fatalf("validate calls = %d, want 1", h.validator.Calls())
	}
}

func TestRunMisleadingQuestion(t *testing.T) {
	h := newHarness()
	h.classifier = stubClassifier{result: ask.Classification{Intent: ask.IntentMisleading, Reasoning: "greeting, not a data question"}}

	job := h.run(t, "hello there")

	assertFailed(t, job, ask.CodeMisleadingQuery)
	if job.Error.Message != "greeting, not a data question" {
		t.Fatalf("Error.Message = %q", job.Error.Message)
	}
	if h.retriever.Calls() != 0 || h.generator.Calls() != 0 {
		t.Fatal("misleading question must not reach retrieval or generation")
	}
}

func TestRunEmptyQuestionIsMisleading(t *testing.T) {
	h := newHarness()
	job := h.run(t, "   ")
	assertFailed(t, job, ask.CodeMisleadingQuery)
}

func TestRunClassifierFailureProceeds(t *testing.T) {
	h := newHarness()
	h.classifier = stubClassifier{err: errUnavailable}
	h.generator.fn = generateAlways(ask.Candidate{SQL: "SELECT 1"})

	job := h.run(t, "How many books are there?")
	if job.Status != ask.StatusFinished {
		t.Fatalf("Status = %q, want finished", job.Status)
	}
}

func TestRunRetrievalErrorFailsWithOthers(t *testing.T) {
	h := newHarness()
	h.retriever.fn = func(context.Context, ask.Question) ([]ask.Snippet, error) {
		return nil, errUnavailable
	}

	job := h.run(t, "How many books are there?")

	assertFailed(t, job, ask.CodeOthers)
	if !strings.Contains(job.Error.Message, "retrieval") {
		t.Fatalf("Error.Message = %q", job.Error.Message)
	}
	if h.generator.Calls() != 0 {
		t.Fatal("generation must not run after retrieval failure")
	}
}

func TestRunEmptyRetrievalStillGenerates(t *testing.T) {
	h := newHarness()
	h.generator.fn = generateAlways(ask.Candidate{SQL: "SELECT 1"})

	job := h.run(t, "How many books are there?")
	if job.Status != ask.StatusFinished {
		t.Fatalf("Status = %q, want finished", job.Status)
	}
	if len(h.generator.Snippets(1)) != 0 {
		t.Fatalf("snippets = %+v", h.generator.Snippets(1))
	}
}

func TestRunNoCandidatesFailsWithNoRelevantSQL(t *testing.T) {
	h := newHarness()
	h.generator.fn = generateAlways(ask.Candidate{SQL: "```sql\n```"})

	job := h.run(t, "How many books are there?")

	assertFailed(t, job, ask.CodeNoRelevantSQL)
	if h.validator.Calls() != 0 {
		t.Fatalf("validate calls = %d, want 0", h.validator.Calls())
	}
}

func TestRunGenerationErrorFailsWithOthers(t *testing.T) {
	h := newHarness()
	h.generator.fn = func(context.Context, int) ([]ask.Candidate, error) {
		return nil, errUnavailable
	}

	job := h.run(t, "How many books are there?")
	assertFailed(t, job, ask.CodeOthers)
}

func TestRunGenerationErrorDuringCorrectionFailsWithOthers(t *testing.T) {
	h := newHarness()
	h.generator.fn = func(_ context.Context, call int) ([]ask.Candidate, error) {
		if call > 1 {
			return nil, errUnavailable
		}
		return []ask.Candidate{{SQL: "SELECT x"}}, nil
	}
	h.validator.fn = func(int, string) (bool, string, error) { return false, "bad column", nil }

	job := h.run(t, "How many books are there?")
	assertFailed(t, job, ask.CodeOthers)
	if h.generator.Calls() != 2 {
		t.Fatalf("generate calls = %d, want 2", h.generator.Calls())
	}
}

func TestRunZeroCorrectionBudgetFailsImmediately(t *testing.T) {
	h := newHarness()
	h.cfg.MaxCorrectionAttempts = 0
	h.generator.fn = generateAlways(ask.Candidate{SQL: "SELECT x"})
	h.validator.fn = func(int, string) (bool, string, error) { return false, "bad column", nil }

	job := h.run(t, "How many books are there?")

	assertFailed(t, job, ask.CodeNoRelevantSQL)
	if h.generator.Calls() != 1 {
		t.Fatalf("generate calls = %d, want 1", h.generator.Calls())
	}
}

func TestRunValidationTransportFailureIsBoundedAndReportedAsOthers(t *testing.T) {
	h := newHarness()
	h.cfg.MaxCorrectionAttempts = 1
	h.generator.fn = generateAlways(ask.Candidate{SQL: "SELECT 1"})
	h.validator.fn = func(int, string) (bool, string, error) { return false, "", errUnavailable }

	job := h.run(t, "How many books are there?")

	assertFailed(t, job, ask.CodeOthers)
	// one initial call plus two retries, for the initial round and one correction
	if want := 2 * (1 + h.cfg.ValidationRetries); h.validator.Calls() != want {
		t.Fatalf("validate calls = %d, want %d", h.validator.Calls(), want)
	}
	feedback := h.generator.Feedback(2)
	if len(feedback) != 1 || !strings.HasPrefix(feedback[0].EngineError, "OTHERS") {
		t.Fatalf("feedback = %+v", feedback)
	}
}

func TestRunKeepsValidCandidatesInGenerationOrder(t *testing.T) {
	h := newHarness()
	h.generator.fn = generateAlways(
		ask.Candidate{SQL: "SELECT a FROM books"},
		ask.Candidate{SQL: "SELECT broken"},
		ask.Candidate{SQL: "SELECT b FROM books"},
		ask.Candidate{SQL: "SELECT a FROM books;"},
	)
	h.validator.fn = func(_ int, sql string) (bool, string, error) {
		if sql == "SELECT broken" {
			return false, "syntax error", nil
		}
		return true, "", nil
	}

	job := h.run(t, "Which books?")

	if job.Status != ask.StatusFinished {
		t.Fatalf("Status = %q", job.Status)
	}
	got := make([]string, 0, len(job.Result))
	for _, candidate := range job.Result {
		got = append(got, candidate.SQL)
	}
	if strings.Join(got, "|") != "SELECT a FROM books|SELECT b FROM books" {
		t.Fatalf("Result = %v", got)
	}
	if h.validator.Calls() != 3 {
		t.Fatalf("validate calls = %d, want 3 after dedup", h.validator.Calls())
	}
}

func TestRunFiltersContextBeforeGeneration(t *testing.T) {
	h := newHarness()
	h.cfg.ScoreThreshold = 0.3
	h.cfg.TopK = 2
	h.retriever.fn = func(context.Context, ask.Question) ([]ask.Snippet, error) {
		return []ask.Snippet{
			{Title: "low", Score: 0.1},
			{Title: "mid", Score: 0.5},
			{Title: "top", Score: 0.9},
			{Title: "mid2", Score: 0.4},
		}, nil
	}
	h.generator.fn = generateAlways(ask.Candidate{SQL: "SELECT 1"})

	h.run(t, "Which books?")

	snippets := h.generator.Snippets(1)
	if len(snippets) != 2 || snippets[0].Title != "top" || snippets[1].Title != "mid" {
		t.Fatalf("snippets = %+v", snippets)
	}
}

func TestRunRecordsFirstAnswer(t *testing.T) {
	h := newHarness()
	recorder := &recordingRecorder{err: errUnavailable}
	h.recorder = recorder
	h.generator.fn = generateAlways(ask.Candidate{SQL: "SELECT 1"}, ask.Candidate{SQL: "SELECT 2"})

	job := h.run(t, "Which books?")

	if job.Status != ask.StatusFinished {
		t.Fatalf("Status = %q, recorder errors must not fail the job", job.Status)
	}
	if len(recorder.recorded) != 1 || recorder.recorded[0].SQL != "SELECT 1" {
		t.Fatalf("recorded = %+v", recorder.recorded)
	}
}

func TestRunTimesOutStuckGenerator(t *testing.T) {
	h := newHarness()
	h.cfg.JobTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	returned := make(chan struct{})
	h.generator.fn = func(context.Context, int) ([]ask.Candidate, error) {
		defer close(returned)
		<-release
		return []ask.Candidate{{SQL: "SELECT 1"}}, nil
	}

	start := time.Now()
	job := h.run(t, "How many books are there?")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run() took %s, want bounded by job timeout", elapsed)
	}
	assertFailed(t, job, ask.CodeOthers)

	close(release)
	<-returned
	time.Sleep(20 * time.Millisecond)
	late, _ := h.store.Get("q-1")
	if late.Status != ask.StatusFailed {
		t.Fatalf("late result was applied: %+v", late)
	}
	if h.validator.Calls() != 0 {
		t.Fatalf("validate calls = %d after timeout", h.validator.Calls())
	}
}

func TestRunAbortsWhenParentContextCanceled(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	h.retriever.fn = func(context.Context, ask.Question) ([]ask.Snippet, error) {
		cancel()
		select {}
	}

	job := h.runContext(t, ctx, "How many books are there?")

	assertFailed(t, job, ask.CodeOthers)
	if job.Error.Message != "aborted: shutting down" {
		t.Fatalf("Error.Message = %q", job.Error.Message)
	}
}

func TestCorrectionLoopAlwaysTerminatesWithinBound(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h := newHarness()
			h.cfg.MaxCorrectionAttempts = rng.Intn(5)
			h.cfg.ValidationRetries = rng.Intn(3)

			responses := make([]int, 256)
			for i := range responses {
				responses[i] = rng.Intn(10)
			}
			h.generator.fn = func(_ context.Context, call int) ([]ask.Candidate, error) {
				n := responses[call%len(responses)] % 3
				out := make([]ask.Candidate, 0, n)
				for i := 0; i < n; i++ {
					out = append(out, ask.Candidate{SQL: fmt.Sprintf("SELECT %d, %d", call, i)})
				}
				return out, nil
			}
			h.validator.fn = func(call int, _ string) (bool, string, error) {
				switch r := responses[(call*7)%len(responses)]; {
				case r == 0:
					return true, "", nil
				case r < 3:
					return false, "", errUnavailable
				default:
					return false, "invalid", nil
				}
			}

			job := h.run(t, "How many books are there?")

			if !job.Status.Terminal() {
				t.Fatalf("Status = %q, want terminal", job.Status)
			}
			if limit := 1 + h.cfg.MaxCorrectionAttempts; h.generator.Calls() > limit {
				t.Fatalf("generate calls = %d, exceeds %d", h.generator.Calls(), limit)
			}
			if job.CorrectionAttempts > h.cfg.MaxCorrectionAttempts {
				t.Fatalf("CorrectionAttempts = %d", job.CorrectionAttempts)
			}
			if err := job.CheckInvariants(); err != nil {
				t.Fatalf("CheckInvariants() = %v", err)
			}
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	h := newHarness()
	if _, err := New(h.cfg, Dependencies{Retriever: h.retriever, Generator: h.generator, Validator: h.validator}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := New(h.cfg, Dependencies{Store: h.store, Generator: h.generator, Validator: h.validator}); err == nil {
		t.Fatal("expected error without retriever")
	}
	if _, err := New(h.cfg, Dependencies{Store: h.store, Retriever: h.retriever, Validator: h.validator}); err == nil {
		t.Fatal("expected error without generator")
	}
	if _, err := New(h.cfg, Dependencies{Store: h.store, Retriever: h.retriever, Generator: h.generator}); err == nil {
		t.Fatal("expected error without validator")
	}
}
