package registry

import (
	"sort"

	"github.com/sdbondi/tari-dan/lib"
)

// Assignment is the committee and partition decision for an epoch, as read from genesis or the epoch source
type Assignment struct {
	Epoch      lib.Epoch                          `json:"epoch"`
	Partition  []lib.ShardGroup                   `json:"partition"`
	Committees map[lib.ShardGroup][]*lib.Validator `json:"committees"`
	Evicted    []lib.ValidatorID                  `json:"evicted,omitempty"`
}

// Snapshot is an immutable view of one epoch: never modify a snapshot after it is published
type Snapshot struct {
	Epoch      lib.Epoch
	Partition  []lib.ShardGroup // sorted by first shard
	Committees map[lib.ShardGroup]*lib.ValidatorSet
	Evicted    map[lib.ValidatorID]struct{}
}

// newSnapshot() validates an assignment and builds the committees
func newSnapshot(a Assignment, rule lib.QuorumRule) (*Snapshot, lib.ErrorI) {
	partition := make([]lib.ShardGroup, len(a.Partition))
	copy(partition, a.Partition)
	if err := ValidatePartition(partition); err != nil {
		return nil, err
	}
	s := &Snapshot{
		Epoch:      a.Epoch,
		Partition:  partition,
		Committees: make(map[lib.ShardGroup]*lib.ValidatorSet, len(partition)),
		Evicted:    make(map[lib.ValidatorID]struct{}, len(a.Evicted)),
	}
	for sg := range a.Committees {
		if !s.inPartition(sg) {
			return nil, lib.ErrUnknownShardGroup(sg)
		}
	}
	for _, sg := range partition {
		members := a.Committees[sg]
		if len(members) == 0 {
			return nil, lib.ErrEmptyCommittee(sg)
		}
		vs, err := lib.NewValidatorSet(members, rule)
		if err != nil {
			return nil, err
		}
		s.Committees[sg] = vs
	}
	for _, id := range a.Evicted {
		s.Evicted[id] = struct{}{}
	}
	return s, nil
}

// CommitteeFor() returns the committee of a shard group
func (s *Snapshot) CommitteeFor(sg lib.ShardGroup) (*lib.ValidatorSet, lib.ErrorI) {
	vs, ok := s.Committees[sg]
	if !ok {
		return nil, lib.ErrUnknownShardGroup(sg)
	}
	return vs, nil
}

// IsMember() returns true if the validator sits in the committee of sg
func (s *Snapshot) IsMember(id lib.ValidatorID, sg lib.ShardGroup) bool {
	vs, ok := s.Committees[sg]
	return ok && vs.IsMember(id)
}

// IsEvicted() returns true if the validator may not lead in this epoch
func (s *Snapshot) IsEvicted(id lib.ValidatorID) bool {
	_, ok := s.Evicted[id]
	return ok
}

// ShardGroupFor() returns the group whose range contains the shard
func (s *Snapshot) ShardGroupFor(shard lib.ShardID) (lib.ShardGroup, lib.ErrorI) {
	// the partition is sorted and covers the address space, find the last group starting at or before shard
	i := sort.Search(len(s.Partition), func(i int) bool { return s.Partition[i].Start > shard })
	if i == 0 {
		return lib.ShardGroup{}, lib.ErrUnknownShardGroup(lib.NewShardGroup(shard, shard))
	}
	sg := s.Partition[i-1]
	if !sg.Contains(shard) {
		return lib.ShardGroup{}, lib.ErrUnknownShardGroup(lib.NewShardGroup(shard, shard))
	}
	return sg, nil
}

// ShardGroupsOf() returns every group the validator is a committee member of
func (s *Snapshot) ShardGroupsOf(id lib.ValidatorID) (groups []lib.ShardGroup) {
	for _, sg := range s.Partition {
		if s.Committees[sg].IsMember(id) {
			groups = append(groups, sg)
		}
	}
	return
}

// GroupsTouched() maps shards to their distinct groups, in partition order
func (s *Snapshot) GroupsTouched(shards []lib.ShardID) ([]lib.ShardGroup, lib.ErrorI) {
	seen := make(map[lib.ShardGroup]struct{})
	for _, shard := range shards {
		sg, err := s.ShardGroupFor(shard)
		if err != nil {
			return nil, err
		}
		seen[sg] = struct{}{}
	}
	groups := make([]lib.ShardGroup, 0, len(seen))
	for sg := range seen {
		groups = append(groups, sg)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Less(groups[j]) })
	return groups, nil
}

func (s *Snapshot) inPartition(sg lib.ShardGroup) bool {
	for _, p := range s.Partition {
		if p == sg {
			return true
		}
	}
	return false
}
