// Package jobs records asynchronous send requests and runs them.
package jobs

// Status is the lifecycle position of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// CanTransition reports whether a job may move from s to next. Jobs only
// move forward: queued, running, then finished or failed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusFinished || next == StatusFailed
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// predecessors lists the statuses that may move to s.
func predecessors(s Status) []Status {
	var out []Status
	for _, from := range []Status{StatusQueued, StatusRunning, StatusFinished, StatusFailed} {
		if from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}
