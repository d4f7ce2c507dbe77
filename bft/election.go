package bft

import (
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/registry"
)

// leaderFor() returns the scheduled leader of a height in the current snapshot
func (e *Engine) leaderFor(height uint64) (lib.ValidatorID, lib.ErrorI) {
	return e.scheduler.LeaderFor(e.snapshot, e.ShardGroup, height)
}

// leaderAt() returns the scheduled leader of a height in the snapshot of an epoch
func (e *Engine) leaderAt(snapshot *registry.Snapshot, height uint64) (lib.ValidatorID, lib.ErrorI) {
	return e.scheduler.LeaderFor(snapshot, e.ShardGroup, height)
}

// isLeader() returns true if self leads the height in the current snapshot
func (e *Engine) isLeader(height uint64) bool {
	id, err := e.leaderFor(height)
	if err != nil {
		e.log.Warnf("Leader lookup at height %d failed: %s", height, err.Error())
		return false
	}
	return id == e.Self
}

// snapshotAt() returns the registry snapshot of an epoch inside the validity window
func (e *Engine) snapshotAt(epoch lib.Epoch) (*registry.Snapshot, lib.ErrorI) {
	if epoch == e.epoch {
		return e.snapshot, nil
	}
	if !e.registry.IsEpochValid(epoch) {
		if epoch > e.registry.CurrentEpoch() {
			return nil, lib.ErrFutureEpoch(epoch, e.registry.CurrentEpoch())
		}
		return nil, lib.ErrStaleEpoch(epoch, e.registry.CurrentEpoch())
	}
	return e.registry.SnapshotAt(epoch)
}

// committeeAt() returns the committee of the shard group at an epoch
func (e *Engine) committeeAt(epoch lib.Epoch) (*lib.ValidatorSet, lib.ErrorI) {
	snapshot, err := e.snapshotAt(epoch)
	if err != nil {
		return nil, err
	}
	return snapshot.CommitteeFor(e.ShardGroup)
}
