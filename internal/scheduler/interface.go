package scheduler

import "context"

//go:generate mockgen -destination=mocks/mock_sweeper.go -package=mocks github.com/mattjoyce/conduit/internal/scheduler Sweeper

// Sweeper reclaims expired state records. *state.SQLiteStore and
// *state.MemoryStore satisfy it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
