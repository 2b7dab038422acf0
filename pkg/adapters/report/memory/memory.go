package memory

import (
	"context"
	"sync"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Reporter records outcomes in memory so tests can assert on what was
// reported and how many times.
type Reporter struct {
	mu       sync.Mutex
	err      error
	outcomes []*domain.RunOutcome
}

func NewReporter() *Reporter {
	return &Reporter{}
}

func (r *Reporter) Report(ctx context.Context, outcome *domain.RunOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

// Outcomes returns a copy of everything reported so far.
func (r *Reporter) Outcomes() []*domain.RunOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.RunOutcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Fail makes all subsequent Report calls return err.
func (r *Reporter) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.err = err
}
