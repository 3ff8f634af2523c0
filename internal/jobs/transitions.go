package jobs

// allowedTransitions enumerates every legal status edge. Crawler jobs add the
// active/paused/stopped edges; everything else moves queued → processing →
// terminal.
var allowedTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusActive:     {StatusPaused, StatusStopped},
	StatusPaused:     {StatusActive, StatusStopped},
}

// CanTransition reports whether from → to is a legal status edge.
// Self-transitions are allowed so repeated writes stay idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change on the job.
func (j *Job) Transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return Invalid("transition", "illegal status transition %s -> %s", j.Status, to)
	}
	j.Status = to
	return nil
}

// Transition validates and applies a status change on the page.
func (p *Page) Transition(to Status) error {
	if !CanTransition(p.Status, to) {
		return Invalid("transition", "illegal page status transition %s -> %s", p.Status, to)
	}
	p.Status = to
	return nil
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusStopped:
		return true
	default:
		return false
	}
}
