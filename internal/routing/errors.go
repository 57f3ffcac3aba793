package routing

import "fmt"

// ErrLogicalModelMissing — the requested logical id is not in the config store.
type ErrLogicalModelMissing struct {
	LogicalID string
}

func (e *ErrLogicalModelMissing) Error() string {
	return fmt.Sprintf("logical model %q not found", e.LogicalID)
}

func (e *ErrLogicalModelMissing) HTTPStatus() int { return 404 }

// ErrNoUpstreams — the logical model exists but has an empty upstream list.
type ErrNoUpstreams struct {
	LogicalID string
}

func (e *ErrNoUpstreams) Error() string {
	return fmt.Sprintf("logical model %q has no upstreams", e.LogicalID)
}

func (e *ErrNoUpstreams) HTTPStatus() int { return 503 }

// ErrNoCandidates — every upstream was eliminated by the scheduler filters.
type ErrNoCandidates struct {
	LogicalID string
}

func (e *ErrNoCandidates) Error() string {
	return fmt.Sprintf("no routable upstreams for logical model %q after filtering", e.LogicalID)
}

func (e *ErrNoCandidates) HTTPStatus() int { return 503 }
