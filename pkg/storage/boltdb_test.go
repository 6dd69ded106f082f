package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/orbit/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHashes_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	hashes := map[types.NodeID]types.NodeHash{
		"A": {1, 2, 3},
		"B": {4, 5, 6},
	}
	require.NoError(t, s.SaveHashes("graph-1", hashes))

	loaded, err := s.LoadHashes("graph-1")
	require.NoError(t, err)
	assert.Equal(t, hashes, loaded)
}

func TestHashes_LoadMissingGraphReturnsNil(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadHashes("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRuns_CreateGetList(t *testing.T) {
	s := newTestStore(t)

	run := &types.RunStatus{RunID: "run-1", State: types.RunRunning, Progress: 0.25}
	require.NoError(t, s.SaveRun(run))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, run.State, got.State)
	assert.Equal(t, run.Progress, got.Progress)

	list, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRuns_DeleteRemovesRecord(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveRun(&types.RunStatus{RunID: "run-2", State: types.RunPending}))
	require.NoError(t, s.DeleteRun("run-2"))

	_, err := s.GetRun("run-2")
	assert.Error(t, err)
}
