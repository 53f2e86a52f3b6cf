package ask

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusUnderstanding Status = "understanding"
	StatusSearching     Status = "searching"
	StatusGenerating    Status = "generating"
	StatusCorrecting    Status = "correcting"
	StatusFinished      Status = "finished"
	StatusFailed        Status = "failed"
	StatusStopped       Status = "stopped"
)

// transitions lists the allowed forward moves of the job state machine.
// Staying in the same non-terminal status is always allowed.
var transitions = map[Status][]Status{
	StatusUnderstanding: {StatusSearching, StatusFailed, StatusStopped},
	StatusSearching:     {StatusGenerating, StatusFailed, StatusStopped},
	StatusGenerating:    {StatusCorrecting, StatusFinished, StatusFailed, StatusStopped},
	StatusCorrecting:    {StatusFinished, StatusFailed, StatusStopped},
}

func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusUnderstanding, StatusSearching, StatusGenerating, StatusCorrecting,
		StatusFinished, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Rank orders statuses along the state graph. Terminal statuses share the
// highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusUnderstanding:
		return 0
	case StatusSearching:
		return 1
	case StatusGenerating:
		return 2
	case StatusCorrecting:
		return 3
	case StatusFinished, StatusFailed, StatusStopped:
		return 4
	default:
		return -1
	}
}

func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ErrorCode string

const (
	CodeMisleadingQuery ErrorCode = "MISLEADING_QUERY"
	CodeNoRelevantSQL   ErrorCode = "NO_RELEVANT_SQL"
	CodeOthers          ErrorCode = "OTHERS"
)

type JobError struct {
	Code    ErrorCode
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Candidate struct {
	SQL     string
	Summary string
	Valid   bool
}

type Job struct {
	ID                 string
	Question           Question
	TraceID            string
	Status             Status
	Result             []Candidate
	Error              *JobError
	CorrectionAttempts int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiresAt          time.Time
}

func (j Job) Clone() Job {
	out := j
	if j.Result != nil {
		out.Result = append([]Candidate(nil), j.Result...)
	}
	if j.Error != nil {
		errCopy := *j.Error
		out.Error = &errCopy
	}
	return out
}

// CheckInvariants reports whether result and error fields agree with status.
func (j Job) CheckInvariants() error {
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, j.Status)
	}
	switch j.Status {
	case StatusFinished:
		if len(j.Result) == 0 {
			return fmt.Errorf("%w: finished job without candidates", ErrInvalidJob)
		}
		for i, candidate := range j.Result {
			if !candidate.Valid {
				return fmt.Errorf("%w: result candidate %d is not valid", ErrInvalidJob, i)
			}
		}
		if j.Error != nil {
			return fmt.Errorf("%w: finished job carries an error", ErrInvalidJob)
		}
	case StatusFailed:
		if j.Error == nil {
			return fmt.Errorf("%w: failed job without error", ErrInvalidJob)
		}
		if len(j.Result) > 0 {
			return fmt.Errorf("%w: failed job carries a result", ErrInvalidJob)
		}
	default:
		if len(j.Result) > 0 || j.Error != nil {
			return fmt.Errorf("%w: %s job carries a result or error", ErrInvalidJob, j.Status)
		}
	}
	return nil
}
