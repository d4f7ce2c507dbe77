package leader

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/registry"
)

/*
	Leader scheduling is a pure function of (epoch, shard group, height): the eligible members
	of the committee are shuffled with a seed derived from the epoch and shard group, and the
	leader of height h is perm[h mod n]. Every honest node computes the same schedule.
*/

// defaultCacheSize is the number of cached permutations
const defaultCacheSize = 256

// Seed() returns the shuffle seed sha256(epoch || shardGroup)
func Seed(epoch lib.Epoch, sg lib.ShardGroup) [sha256.Size]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(epoch))
	binary.BigEndian.PutUint32(buf[8:12], uint32(sg.Start))
	binary.BigEndian.PutUint32(buf[12:], uint32(sg.End))
	return sha256.Sum256(buf[:])
}

// Permutation() shuffles the ids with a Fisher-Yates shuffle driven by a hash chain of the seed
func Permutation(seed [sha256.Size]byte, ids []lib.ValidatorID) []lib.ValidatorID {
	perm := make([]lib.ValidatorID, len(ids))
	copy(perm, ids)
	rng := &hashChain{state: seed}
	for i := len(perm) - 1; i > 0; i-- {
		j := rng.intn(uint64(i + 1))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// Eligible() returns the committee members that may lead, in committee order
func Eligible(s *registry.Snapshot, sg lib.ShardGroup) ([]lib.ValidatorID, lib.ErrorI) {
	vs, err := s.CommitteeFor(sg)
	if err != nil {
		return nil, err
	}
	var ids []lib.ValidatorID
	for _, id := range vs.IDs() {
		if !s.IsEvicted(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, lib.ErrNoEligibleLeader(sg, s.Epoch)
	}
	return ids, nil
}

// LeaderFor() returns the scheduled leader of a shard group at a height
func LeaderFor(s *registry.Snapshot, sg lib.ShardGroup, height uint64) (lib.ValidatorID, lib.ErrorI) {
	ids, err := Eligible(s, sg)
	if err != nil {
		return "", err
	}
	perm := Permutation(Seed(s.Epoch, sg), ids)
	return perm[height%uint64(len(perm))], nil
}

type cacheKey struct {
	epoch lib.Epoch
	sg    lib.ShardGroup
}

// Scheduler memoises permutations, its results are identical to LeaderFor()
type Scheduler struct {
	cache *lru.Cache[cacheKey, []lib.ValidatorID]
}

// NewScheduler() creates a scheduler caching up to size permutations
func NewScheduler(size int) *Scheduler {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[cacheKey, []lib.ValidatorID](size)
	if err != nil {
		panic(err)
	}
	return &Scheduler{cache: cache}
}

// LeaderFor() returns the scheduled leader using the cached permutation of the snapshot's epoch
func (s *Scheduler) LeaderFor(snapshot *registry.Snapshot, sg lib.ShardGroup, height uint64) (lib.ValidatorID, lib.ErrorI) {
	key := cacheKey{epoch: snapshot.Epoch, sg: sg}
	perm, ok := s.cache.Get(key)
	if !ok {
		ids, err := Eligible(snapshot, sg)
		if err != nil {
			return "", err
		}
		perm = Permutation(Seed(snapshot.Epoch, sg), ids)
		s.cache.Add(key, perm)
	}
	return perm[height%uint64(len(perm))], nil
}

// LeaderAt() resolves the snapshot of epoch in the registry first
func (s *Scheduler) LeaderAt(r *registry.Registry, epoch lib.Epoch, sg lib.ShardGroup, height uint64) (lib.ValidatorID, lib.ErrorI) {
	snapshot, err := r.SnapshotAt(epoch)
	if err != nil {
		return "", err
	}
	return s.LeaderFor(snapshot, sg, height)
}

// hashChain is a deterministic random source: each draw is the next link of a sha256 chain
type hashChain struct {
	state [sha256.Size]byte
}

func (h *hashChain) next() uint64 {
	h.state = sha256.Sum256(h.state[:])
	return binary.BigEndian.Uint64(h.state[:8])
}

// intn() returns a uniform value in [0, n) using rejection sampling
func (h *hashChain) intn(n uint64) uint64 {
	limit := math.MaxUint64 - math.MaxUint64%n
	for {
		if v := h.next(); v < limit {
			return v % n
		}
	}
}
