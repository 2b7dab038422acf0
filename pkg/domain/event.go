package domain

import (
	"errors"
	"time"
)

// EventKind identifies the kind of repository event.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// ErrUnknownEventKind is returned when an event carries a kind the trigger
// evaluator does not recognize. Such events never launch a run.
var ErrUnknownEventKind = errors.New("unknown event kind")

// Known reports whether the kind is one the system can evaluate.
func (k EventKind) Known() bool {
	switch k {
	case EventPush, EventPullRequest:
		return true
	}
	return false
}

// Event is a single repository event as delivered by the hosting platform.
// For push events Branch is the target branch; for pull request events it is
// the source branch and carries no trigger-filtering weight. Events are
// immutable once accepted and are consumed exactly once.
type Event struct {
	ID         string    `json:"id,omitempty"`
	Kind       EventKind `json:"kind"`
	Branch     string    `json:"branch"`
	Commit     string    `json:"commit,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// ConcurrencyGroup identifies the set of runs a newer event supersedes:
// runs for the same kind of event on the same branch.
func (e Event) ConcurrencyGroup() string {
	return string(e.Kind) + "/" + e.Branch
}
