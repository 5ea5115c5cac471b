package avatar

import (
	"fmt"
)

// State of a generation job
type State int

const (
	Pending State = iota
	Succeeded
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Provider status values
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job tracks one generation through bounded polling. Each poll result is a
// single transition; once the job leaves Pending it never changes again.
type Job struct {
	GenerationID string
	State        State
	Polls        int
	MaxPolls     int
	VideoURL     string
	Err          error
}

// NewJob starts a Pending job allowed at most maxPolls polls
func NewJob(generationID string, maxPolls int) *Job {
	return &Job{GenerationID: generationID, MaxPolls: maxPolls}
}

// Advance applies one poll result and returns the resulting state
func (j *Job) Advance(status GenerationStatus, err error) State {
	if j.State != Pending {
		return j.State
	}
	j.Polls++

	switch {
	case err != nil:
		j.fail(err)
	case status.Status == StatusCompleted && status.VideoURL != "":
		j.State = Succeeded
		j.VideoURL = status.VideoURL
	case status.Status == StatusCompleted:
		j.fail(fmt.Errorf("%w: completed without videoUrl", ErrGeneration))
	case status.Status == StatusFailed:
		j.fail(fmt.Errorf("%w: provider reported failure", ErrGeneration))
	case j.Polls >= j.MaxPolls:
		j.State = TimedOut
		j.Err = ErrTimedOut
	}
	return j.State
}

func (j *Job) fail(err error) {
	if j.State != Pending {
		return
	}
	j.State = Failed
	j.Err = err
}
