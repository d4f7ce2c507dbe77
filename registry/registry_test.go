package registry

import (
	"sync"
	"testing"

	"github.com/sdbondi/tari-dan/lib"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, groups, perGroup int) (*Registry, Assignment) {
	a, _, err := GenerateAssignment(1, groups, perGroup, t.Name())
	require.NoError(t, err)
	r, err := New(a, lib.QuorumStrict, lib.DefaultRegistryConfig(), lib.NewNullLogger())
	require.NoError(t, err)
	return r, a
}

func TestValidatePartition(t *testing.T) {
	max := lib.MaxShardID
	tests := []struct {
		name      string
		detail    string
		partition []lib.ShardGroup
		err       bool
	}{
		{
			name:      "single",
			detail:    "one group covering everything is valid",
			partition: []lib.ShardGroup{lib.NewShardGroup(0, max)},
		},
		{
			name:      "unsorted",
			detail:    "the order of the groups does not matter",
			partition: []lib.ShardGroup{lib.NewShardGroup(100, max), lib.NewShardGroup(0, 99)},
		},
		{
			name:      "overlap",
			detail:    "overlapping groups are rejected",
			partition: []lib.ShardGroup{lib.NewShardGroup(0, 100), lib.NewShardGroup(100, max)},
			err:       true,
		},
		{
			name:      "gap",
			detail:    "a gap in the address space is rejected",
			partition: []lib.ShardGroup{lib.NewShardGroup(0, 99), lib.NewShardGroup(101, max)},
			err:       true,
		},
		{
			name:      "short",
			detail:    "the end of the address space must be covered",
			partition: []lib.ShardGroup{lib.NewShardGroup(0, 99)},
			err:       true,
		},
		{
			name:   "empty",
			detail: "an empty partition is rejected",
			err:    true,
		},
		{
			name:      "inverted",
			detail:    "an inverted range is rejected",
			partition: []lib.ShardGroup{{Start: 10, End: 0}, lib.NewShardGroup(11, max)},
			err:       true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidatePartition(test.partition)
			require.Equal(t, test.err, err != nil, test.detail)
			if test.err {
				require.True(t, lib.HasCode(err, lib.RegistryModule, lib.CodeInvalidPartition))
			}
		})
	}
}

func TestDividePartition(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 64} {
		groups, err := DividePartition(n)
		require.NoError(t, err)
		require.Len(t, groups, n)
		require.NoError(t, ValidatePartition(groups))
	}
	_, err := DividePartition(0)
	require.Error(t, err)
}

func TestAdvanceEpoch(t *testing.T) {
	r, a := newTestRegistry(t, 2, 4)
	require.Equal(t, lib.Epoch(1), r.CurrentEpoch())
	// a non increasing epoch is rejected
	require.True(t, lib.HasCode(r.AdvanceEpoch(a), lib.RegistryModule, lib.CodeNonIncreasingEpoch))
	// a bad partition is rejected and the current snapshot is unchanged
	bad := a
	bad.Epoch = 2
	bad.Partition = bad.Partition[:1]
	require.True(t, lib.HasCode(r.AdvanceEpoch(bad), lib.RegistryModule, lib.CodeInvalidPartition))
	require.Equal(t, lib.Epoch(1), r.CurrentEpoch())
	// a valid assignment swaps the snapshot and keeps the previous one retrievable
	next, _, err := GenerateAssignment(2, 4, 3, "next")
	require.NoError(t, err)
	require.NoError(t, r.AdvanceEpoch(next))
	require.Equal(t, lib.Epoch(2), r.CurrentEpoch())
	require.Len(t, r.Current().Partition, 4)
	prev, err := r.SnapshotAt(1)
	require.NoError(t, err)
	require.Len(t, prev.Partition, 2)
	_, err = r.SnapshotAt(9)
	require.True(t, lib.HasCode(err, lib.RegistryModule, lib.CodeUnknownEpoch))
}

func TestEpochHistoryBound(t *testing.T) {
	a, _, err := GenerateAssignment(1, 1, 1, "bound")
	require.NoError(t, err)
	r, err := New(a, lib.QuorumStrict, lib.RegistryConfig{EpochHistory: 2, EpochWindow: 10}, lib.NewNullLogger())
	require.NoError(t, err)
	for e := lib.Epoch(2); e <= 4; e++ {
		a.Epoch = e
		require.NoError(t, r.AdvanceEpoch(a))
	}
	_, err = r.SnapshotAt(2)
	require.Error(t, err)
	_, err = r.SnapshotAt(3)
	require.NoError(t, err)
}

func TestCommitteeQueries(t *testing.T) {
	r, a := newTestRegistry(t, 2, 4)
	sg0, sg1 := a.Partition[0], a.Partition[1]
	member := a.Committees[sg0][0].ID
	require.True(t, r.IsMember(member, sg0))
	require.False(t, r.IsMember(member, sg1))
	require.Equal(t, []lib.ShardGroup{sg0}, r.ShardGroupsOf(member))
	vs, err := r.CommitteeFor(sg1)
	require.NoError(t, err)
	require.Equal(t, 4, vs.NumValidators())
	_, err = r.CommitteeFor(lib.NewShardGroup(0, 1))
	require.True(t, lib.HasCode(err, lib.RegistryModule, lib.CodeUnknownShardGroup))
	tests := []struct {
		name     string
		detail   string
		shard    lib.ShardID
		expected lib.ShardGroup
	}{
		{"first", "shard 0 is in the first group", 0, sg0},
		{"boundary end", "the last shard of the first group", sg0.End, sg0},
		{"boundary start", "the first shard of the second group", sg1.Start, sg1},
		{"max", "the last shard of the space", lib.MaxShardID, sg1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := r.ShardGroupFor(test.shard)
			require.NoError(t, err)
			require.Equal(t, test.expected, got, test.detail)
		})
	}
}

func TestIsEpochValid(t *testing.T) {
	a, _, err := GenerateAssignment(20, 1, 1, "window")
	require.NoError(t, err)
	r, err := New(a, lib.QuorumStrict, lib.DefaultRegistryConfig(), lib.NewNullLogger())
	require.NoError(t, err)
	require.True(t, r.IsEpochValid(10))
	require.True(t, r.IsEpochValid(30))
	require.False(t, r.IsEpochValid(9))
	require.False(t, r.IsEpochValid(31))
}

func TestConcurrentReaders(t *testing.T) {
	r, a := newTestRegistry(t, 2, 2)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s := r.Current()
				// a snapshot is always internally consistent
				for _, sg := range s.Partition {
					if _, err := s.CommitteeFor(sg); err != nil {
						t.Error(err)
					}
				}
			}
		}()
	}
	for e := lib.Epoch(2); e < 10; e++ {
		next := a
		next.Epoch = e
		require.NoError(t, r.AdvanceEpoch(next))
	}
	wg.Wait()
}

func TestAssignmentFile(t *testing.T) {
	dir := t.TempDir()
	a, _, err := GenerateAssignment(1, 2, 2, "file")
	require.NoError(t, err)
	require.NoError(t, a.WriteToFile(dir))
	got, err := NewAssignmentFromFile(GenesisFilePath(dir))
	require.NoError(t, err)
	require.Equal(t, a.Partition, got.Partition)
	for sg, members := range a.Committees {
		require.Len(t, got.Committees[sg], len(members))
		require.Equal(t, members[0].ID, got.Committees[sg][0].ID)
	}
}
