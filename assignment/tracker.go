package assignment

import (
	"context"
	"log/slog"

	"go-crowdwork/model"
	"go-crowdwork/store"
)

// Consensus summarises the assignments of one microtask.
type Consensus struct {
	MicrotaskID string `json:"microtask_id"`
	// Completed counts COMPLETED and VERIFIED assignments.
	Completed int `json:"completed_assignments"`
	// UniqueResponses counts distinct normalized responses.
	UniqueResponses int `json:"unique_responses"`
	// MatchingResponses is the size of the largest group of equal responses.
	MatchingResponses int `json:"matching_responses"`
}

type Tracker struct {
	store  store.Assignments
	logger *slog.Logger
}

func NewTracker(s store.Assignments, logger *slog.Logger) *Tracker {
	return &Tracker{store: s, logger: logger.With("component", "consensus-tracker")}
}

// Stats reads the microtask's assignments once and computes every count.
func (t *Tracker) Stats(ctx context.Context, microtaskID string) (Consensus, error) {
	if _, err := t.store.GetMicrotask(ctx, microtaskID); err != nil {
		return Consensus{}, err
	}
	assignments, err := t.store.ListAssignments(ctx, microtaskID)
	if err != nil {
		return Consensus{}, err
	}

	c := Consensus{MicrotaskID: microtaskID}
	groups := make(map[string]int)
	for _, a := range assignments {
		if a.Status.Submitted() {
			c.Completed++
		}
		if key, ok := NormalizeResponse(a.Output); ok {
			groups[key]++
		}
	}
	c.UniqueResponses = len(groups)
	for _, n := range groups {
		c.MatchingResponses = max(c.MatchingResponses, n)
	}
	return c, nil
}

func (t *Tracker) CompletedAssignmentsCount(ctx context.Context, microtaskID string) (int, error) {
	c, err := t.Stats(ctx, microtaskID)
	return c.Completed, err
}

func (t *Tracker) UniqueResponseCount(ctx context.Context, microtaskID string) (int, error) {
	c, err := t.Stats(ctx, microtaskID)
	return c.UniqueResponses, err
}

// MatchingResponseCount is 0 when no assignment carries a response.
func (t *Tracker) MatchingResponseCount(ctx context.Context, microtaskID string) (int, error) {
	c, err := t.Stats(ctx, microtaskID)
	return c.MatchingResponses, err
}

// MarkComplete closes the microtask to further assignment.
func (t *Tracker) MarkComplete(ctx context.Context, microtaskID string) error {
	if err := t.store.SetMicrotaskStatus(ctx, microtaskID, model.MicrotaskCompleted); err != nil {
		return err
	}
	t.logger.Info("microtask completed", "microtask_id", microtaskID)
	return nil
}

// CompleteIfAgreed marks the microtask complete once at least k responses
// agree, and reports whether it did.
func (t *Tracker) CompleteIfAgreed(ctx context.Context, microtaskID string, k int) (bool, Consensus, error) {
	c, err := t.Stats(ctx, microtaskID)
	if err != nil {
		return false, c, err
	}
	if k <= 0 || c.MatchingResponses < k {
		return false, c, nil
	}
	if err := t.MarkComplete(ctx, microtaskID); err != nil {
		return false, c, err
	}
	return true, c, nil
}
