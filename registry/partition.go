package registry

import (
	"fmt"
	"sort"

	"github.com/sdbondi/tari-dan/lib"
)

// ValidatePartition() sorts the groups in place and ensures they cover [0, MaxShardID] exactly once
func ValidatePartition(partition []lib.ShardGroup) lib.ErrorI {
	if len(partition) == 0 {
		return lib.ErrInvalidPartition("empty partition")
	}
	sort.Slice(partition, func(i, j int) bool { return partition[i].Less(partition[j]) })
	// next is the first shard not yet covered
	next := uint64(0)
	for _, sg := range partition {
		if !sg.Valid() {
			return lib.ErrInvalidPartition(fmt.Sprintf("inverted range %s", sg))
		}
		switch {
		case uint64(sg.Start) < next:
			return lib.ErrInvalidPartition(fmt.Sprintf("%s overlaps the previous group", sg))
		case uint64(sg.Start) > next:
			return lib.ErrInvalidPartition(fmt.Sprintf("shards %d-%d are not covered", next, sg.Start-1))
		}
		next = uint64(sg.End) + 1
	}
	if next != uint64(lib.MaxShardID)+1 {
		return lib.ErrInvalidPartition(fmt.Sprintf("shards %d-%d are not covered", next, lib.MaxShardID))
	}
	return nil
}

// DividePartition() splits the address space into n contiguous groups of near equal size
func DividePartition(n int) ([]lib.ShardGroup, lib.ErrorI) {
	space := uint64(lib.MaxShardID) + 1
	if n <= 0 || uint64(n) > space {
		return nil, lib.ErrInvalidPartition(fmt.Sprintf("cannot divide the shard space into %d groups", n))
	}
	size := space / uint64(n)
	groups := make([]lib.ShardGroup, n)
	for i := 0; i < n; i++ {
		start := uint64(i) * size
		end := start + size - 1
		// the last group absorbs the remainder
		if i == n-1 {
			end = uint64(lib.MaxShardID)
		}
		groups[i] = lib.NewShardGroup(lib.ShardID(start), lib.ShardID(end))
	}
	return groups, nil
}
