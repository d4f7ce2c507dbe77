package leader

import (
	"testing"

	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/registry"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func newTestSnapshot(t *testing.T, epoch lib.Epoch, perGroup int, evicted ...lib.ValidatorID) (*registry.Snapshot, lib.ShardGroup) {
	a, _, err := registry.GenerateAssignment(epoch, 2, perGroup, "leader")
	require.NoError(t, err)
	a.Evicted = evicted
	r, err := registry.New(a, lib.QuorumStrict, lib.DefaultRegistryConfig(), lib.NewNullLogger())
	require.NoError(t, err)
	return r.Current(), a.Partition[0]
}

func TestLeaderForDeterministic(t *testing.T) {
	s, sg := newTestSnapshot(t, 1, 4)
	scheduler := NewScheduler(0)
	for h := uint64(0); h < 20; h++ {
		expected, err := LeaderFor(s, sg, h)
		require.NoError(t, err)
		// idempotent
		again, err := LeaderFor(s, sg, h)
		require.NoError(t, err)
		require.Equal(t, expected, again)
		// the cache never changes the result
		cached, err := scheduler.LeaderFor(s, sg, h)
		require.NoError(t, err)
		require.Equal(t, expected, cached)
		require.True(t, s.IsMember(expected, sg))
	}
}

func TestLeaderRotation(t *testing.T) {
	s, sg := newTestSnapshot(t, 1, 4)
	seen := make(map[lib.ValidatorID]int)
	for h := uint64(0); h < 4; h++ {
		id, err := LeaderFor(s, sg, h)
		require.NoError(t, err)
		seen[id]++
	}
	// every member leads once per n heights
	require.Len(t, seen, 4)
	first, _ := LeaderFor(s, sg, 0)
	wrapped, _ := LeaderFor(s, sg, 4)
	require.Equal(t, first, wrapped)
}

func TestLeaderExcludesEvicted(t *testing.T) {
	s, sg := newTestSnapshot(t, 1, 4)
	evicted := s.Committees[sg].IDs()[0]
	s, sg = newTestSnapshot(t, 1, 4, evicted)
	for h := uint64(0); h < 12; h++ {
		id, err := LeaderFor(s, sg, h)
		require.NoError(t, err)
		require.NotEqual(t, evicted, id)
	}
	// a committee with every member evicted has no leader
	s, sg = newTestSnapshot(t, 1, 1)
	s, sg = newTestSnapshot(t, 1, 1, s.Committees[sg].IDs()...)
	_, err := LeaderFor(s, sg, 0)
	require.True(t, lib.HasCode(err, lib.RegistryModule, lib.CodeNoEligibleLeader))
}

func TestLeaderUnknown(t *testing.T) {
	a, _, err := registry.GenerateAssignment(1, 1, 2, "unknown")
	require.NoError(t, err)
	r, err := registry.New(a, lib.QuorumStrict, lib.DefaultRegistryConfig(), lib.NewNullLogger())
	require.NoError(t, err)
	scheduler := NewScheduler(4)
	_, err = scheduler.LeaderAt(r, 1, lib.NewShardGroup(0, 5), 0)
	require.True(t, lib.HasCode(err, lib.RegistryModule, lib.CodeUnknownShardGroup))
	_, err = scheduler.LeaderAt(r, 7, a.Partition[0], 0)
	require.True(t, lib.HasCode(err, lib.RegistryModule, lib.CodeUnknownEpoch))
}

func TestPermutationIsPermutation(t *testing.T) {
	ids := []lib.ValidatorID{"a", "b", "c", "d", "e", "f", "g"}
	perm := Permutation(Seed(3, lib.NewShardGroup(0, 10)), ids)
	require.ElementsMatch(t, ids, perm)
	// the input is not modified
	require.Equal(t, lib.ValidatorID("a"), ids[0])
	// different epochs produce different schedules
	require.NotEqual(t, Seed(3, lib.NewShardGroup(0, 10)), Seed(4, lib.NewShardGroup(0, 10)))
	require.NotEqual(t, Seed(3, lib.NewShardGroup(0, 10)), Seed(3, lib.NewShardGroup(0, 11)))
}

func TestLeaderFairness(t *testing.T) {
	ids := []lib.ValidatorID{"a", "b", "c", "d"}
	counts := map[lib.ValidatorID]float64{}
	const epochs = 400
	for e := lib.Epoch(0); e < epochs; e++ {
		counts[Permutation(Seed(e, lib.NewShardGroup(0, 99)), ids)[0]]++
	}
	observed, expected := make([]float64, len(ids)), make([]float64, len(ids))
	for i, id := range ids {
		observed[i], expected[i] = counts[id], epochs/float64(len(ids))
	}
	// chi-square critical value for 3 degrees of freedom at p = 0.001
	require.Less(t, stat.ChiSquare(observed, expected), 16.27)
}
