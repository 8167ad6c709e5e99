// Package quota caps the number of concurrently active runs a team may
// hold. The check runs at start time, before the run row is created, so
// a rejected start leaves nothing behind.
//
// Counting goes through the run store on every check rather than a
// process-local counter: runs are cancelled, orphaned and completed by
// other goroutines (and other replicas), and the store is the only
// place that sees all of them.
package quota

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
)

// ActiveRunCounter is the slice of the run store the checker needs.
// Implemented by postgres.RunStore.
type ActiveRunCounter interface {
	CountActiveRuns(ctx context.Context, teamID uuid.UUID) (int, error)
}

// Checker implements runner.QuotaChecker with a flat per-team cap.
type Checker struct {
	runs          ActiveRunCounter
	maxActiveRuns int
}

// NewChecker builds a Checker. A non-positive cap disables enforcement,
// matching a nil QuotaChecker on the runner.
func NewChecker(runs ActiveRunCounter, maxActiveRuns int) *Checker {
	return &Checker{runs: runs, maxActiveRuns: maxActiveRuns}
}

// CheckRunStart returns a Validation error when the team is at its cap.
func (c *Checker) CheckRunStart(ctx context.Context, teamID uuid.UUID) error {
	if c.maxActiveRuns <= 0 {
		return nil
	}
	active, err := c.runs.CountActiveRuns(ctx, teamID)
	if err != nil {
		return fmt.Errorf("count active runs for team %s: %w", teamID, err)
	}
	if active >= c.maxActiveRuns {
		return domain.Validationf("team has %d active runs, limit is %d", active, c.maxActiveRuns)
	}
	return nil
}
