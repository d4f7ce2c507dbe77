package registry

import (
	"sync"
	"sync/atomic"

	"github.com/sdbondi/tari-dan/lib"
)

/*
	The Registry holds the versioned committee and partition snapshots of each epoch.
	The current snapshot is swapped atomically so readers never block the epoch writer,
	a bounded history of earlier snapshots verifies certificates from recent epochs.
*/

// Registry is the epoch and shard registry
type Registry struct {
	current atomic.Pointer[Snapshot]
	mu      sync.RWMutex  // guards history and serialises AdvanceEpoch
	history []*Snapshot   // ascending by epoch, includes current
	rule    lib.QuorumRule
	config  lib.RegistryConfig
	log     lib.LoggerI
}

// New() creates a registry starting at the genesis assignment
func New(genesis Assignment, rule lib.QuorumRule, config lib.RegistryConfig, log lib.LoggerI) (*Registry, lib.ErrorI) {
	s, err := newSnapshot(genesis, rule)
	if err != nil {
		return nil, err
	}
	if config.EpochHistory <= 0 {
		config.EpochHistory = 1
	}
	r := &Registry{rule: rule, config: config, log: log, history: []*Snapshot{s}}
	r.current.Store(s)
	return r, nil
}

// Current() returns the snapshot of the current epoch
func (r *Registry) Current() *Snapshot { return r.current.Load() }

// CurrentEpoch() returns the current epoch
func (r *Registry) CurrentEpoch() lib.Epoch { return r.current.Load().Epoch }

// AdvanceEpoch() validates the assignment and publishes it as the current snapshot
func (r *Registry) AdvanceEpoch(a Assignment) lib.ErrorI {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current.Load()
	if a.Epoch <= cur.Epoch {
		return lib.ErrNonIncreasingEpoch(a.Epoch, cur.Epoch)
	}
	s, err := newSnapshot(a, r.rule)
	if err != nil {
		r.log.Errorf("Rejected assignment for epoch %d: %s", a.Epoch, err.Error())
		return err
	}
	r.history = append(r.history, s)
	if len(r.history) > r.config.EpochHistory {
		r.history = r.history[len(r.history)-r.config.EpochHistory:]
	}
	r.current.Store(s)
	r.log.Infof("Advanced to epoch %d with %d shard groups", s.Epoch, len(s.Partition))
	return nil
}

// SnapshotAt() returns a retained snapshot of an earlier or the current epoch
func (r *Registry) SnapshotAt(epoch lib.Epoch) (*Snapshot, lib.ErrorI) {
	if cur := r.current.Load(); cur.Epoch == epoch {
		return cur, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Epoch == epoch {
			return r.history[i], nil
		}
	}
	return nil, lib.ErrUnknownEpoch(epoch)
}

// CommitteeFor() returns the current committee of a shard group
func (r *Registry) CommitteeFor(sg lib.ShardGroup) (*lib.ValidatorSet, lib.ErrorI) {
	return r.current.Load().CommitteeFor(sg)
}

// CommitteeAt() returns the committee of a shard group at an epoch
func (r *Registry) CommitteeAt(epoch lib.Epoch, sg lib.ShardGroup) (*lib.ValidatorSet, lib.ErrorI) {
	s, err := r.SnapshotAt(epoch)
	if err != nil {
		return nil, err
	}
	return s.CommitteeFor(sg)
}

// IsMember() returns true if the validator is in the current committee of sg
func (r *Registry) IsMember(id lib.ValidatorID, sg lib.ShardGroup) bool {
	return r.current.Load().IsMember(id, sg)
}

// ShardGroupFor() returns the current group containing the shard
func (r *Registry) ShardGroupFor(shard lib.ShardID) (lib.ShardGroup, lib.ErrorI) {
	return r.current.Load().ShardGroupFor(shard)
}

// ShardGroupsOf() returns the current groups a validator belongs to
func (r *Registry) ShardGroupsOf(id lib.ValidatorID) []lib.ShardGroup {
	return r.current.Load().ShardGroupsOf(id)
}

// IsEpochValid() returns true if epoch is within the configured window around the current epoch
func (r *Registry) IsEpochValid(epoch lib.Epoch) bool {
	cur, window := uint64(r.CurrentEpoch()), r.config.EpochWindow
	e := uint64(epoch)
	return cur <= e+window && e <= cur+window
}
