package planner

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedBallots(t *testing.T, store storage.Store, electionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.SaveBallot(&types.Ballot{
			ID:         fmt.Sprintf("ballot-%03d", i),
			ElectionID: electionID,
			Status:     types.BallotStatusCast,
			Ciphertext: fmt.Sprintf("ct-%03d", i),
		}))
	}
}

func TestPlanPartitionsAllBallotsOnce(t *testing.T) {
	store := newTestStore(t)
	seedBallots(t, store, "e1", 12)

	chunkIDs, err := NewPlanner(store, 5).Plan("e1")
	require.NoError(t, err)
	require.Len(t, chunkIDs, 3)

	sizes := make([]int, 0, len(chunkIDs))
	seen := make(map[string]bool)
	for _, id := range chunkIDs {
		cts, err := store.LoadBallotCiphertextsForChunk(id)
		require.NoError(t, err)
		sizes = append(sizes, len(cts))
		for _, ct := range cts {
			assert.False(t, seen[ct], "ballot %s assigned twice", ct)
			seen[ct] = true
		}
	}
	assert.Equal(t, []int{5, 5, 2}, sizes)
	assert.Len(t, seen, 12)

	// Ordinals are dense and ordered.
	for i, id := range chunkIDs {
		chunk, err := store.GetChunk(id)
		require.NoError(t, err)
		assert.Equal(t, i, chunk.Ordinal)
	}
}

func TestPlanExactMultiple(t *testing.T) {
	store := newTestStore(t)
	seedBallots(t, store, "e1", 10)

	chunkIDs, err := NewPlanner(store, 5).Plan("e1")
	require.NoError(t, err)
	assert.Len(t, chunkIDs, 2)
}

func TestPlanSingleOversizeChunk(t *testing.T) {
	store := newTestStore(t)
	seedBallots(t, store, "e1", 3)

	chunkIDs, err := NewPlanner(store, 5000).Plan("e1")
	require.NoError(t, err)
	require.Len(t, chunkIDs, 1)

	cts, err := store.LoadBallotCiphertextsForChunk(chunkIDs[0])
	require.NoError(t, err)
	assert.Len(t, cts, 3)
}

func TestPlanNoBallots(t *testing.T) {
	store := newTestStore(t)

	_, err := NewPlanner(store, 5).Plan("e1")
	assert.True(t, errors.Is(err, ErrNoBallots))
}

func TestPlanExcludesNonCastBallots(t *testing.T) {
	store := newTestStore(t)
	seedBallots(t, store, "e1", 4)
	require.NoError(t, store.SaveBallot(&types.Ballot{
		ID: "spoiled", ElectionID: "e1", Status: types.BallotStatusSpoiled, Ciphertext: "ct-spoiled",
	}))

	chunkIDs, err := NewPlanner(store, 10).Plan("e1")
	require.NoError(t, err)
	require.Len(t, chunkIDs, 1)

	cts, err := store.LoadBallotCiphertextsForChunk(chunkIDs[0])
	require.NoError(t, err)
	assert.Len(t, cts, 4)
	assert.NotContains(t, cts, "ct-spoiled")
}

func TestPlanAtMostOncePerElection(t *testing.T) {
	store := newTestStore(t)
	seedBallots(t, store, "e1", 6)

	p := NewPlanner(store, 2)
	_, err := p.Plan("e1")
	require.NoError(t, err)

	_, err = p.Plan("e1")
	assert.True(t, errors.Is(err, ErrAlreadyChunked))
}

// staleCountStore reports a ballot count frozen at wrap time, the way a
// concurrent cast between the count and the id listing would.
type staleCountStore struct {
	storage.Store
	count int
}

func (s *staleCountStore) CountCastBallots(string) (int, error) {
	return s.count, nil
}

func TestPlanCoversBallotsCastAfterCount(t *testing.T) {
	store := newTestStore(t)
	seedBallots(t, store, "e1", 5)

	chunkIDs, err := NewPlanner(&staleCountStore{Store: store, count: 2}, 2).Plan("e1")
	require.NoError(t, err)
	require.Len(t, chunkIDs, 3, "partition bounds follow the listed ballots, not the stale count")

	seen := 0
	for _, id := range chunkIDs {
		cts, err := store.LoadBallotCiphertextsForChunk(id)
		require.NoError(t, err)
		seen += len(cts)
	}
	assert.Equal(t, 5, seen)
}

func TestPlanDeterministicForSeed(t *testing.T) {
	partition := func(t *testing.T, seed int64) [][]string {
		store := newTestStore(t)
		seedBallots(t, store, "e1", 9)

		chunkIDs, err := NewPlanner(store, 4).planWithSeed("e1", seed)
		require.NoError(t, err)

		var out [][]string
		for _, id := range chunkIDs {
			cts, err := store.LoadBallotCiphertextsForChunk(id)
			require.NoError(t, err)
			out = append(out, cts)
		}
		return out
	}

	first := partition(t, 42)
	second := partition(t, 42)
	assert.Equal(t, first, second)

	different := partition(t, 7)
	assert.NotEqual(t, first, different)
}
