// Package storage persists the state that must survive an orchestrator
// restart: each graph's last-known node hashes (so incremental planning
// stays correct across restarts) and run records.
package storage

import (
	"github.com/cuemby/orbit/pkg/types"
)

// Store is the persistence interface backing the orchestrator.
type Store interface {
	// Hash cache, keyed by graph id, for incremental planning (C2).
	SaveHashes(graphID string, hashes map[types.NodeID]types.NodeHash) error
	LoadHashes(graphID string) (map[types.NodeID]types.NodeHash, error)

	// Run records.
	SaveRun(run *types.RunStatus) error
	GetRun(runID string) (*types.RunStatus, error)
	ListRuns() ([]*types.RunStatus, error)
	DeleteRun(runID string) error

	Close() error
}
