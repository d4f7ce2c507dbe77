package foreign

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/qc"
	"github.com/sdbondi/tari-dan/registry"
)

/*
	The Index tracks the cross-shard commands a shard group committed locally and the commitments
	foreign shard groups have proven since.

	Each committed block carries, per touched foreign group, the height that group must reach.
	A command is atomically complete once every group it touches has proven a commit at or above
	its expected height. Until then it is provisional, and after DisputeAfter epochs it is disputed.
*/

// completedCacheSize is the number of completed records kept for queries
const completedCacheSize = 4096

// CommandStatus is the reconciliation state of a cross shard command
type CommandStatus uint8

const (
	Provisional CommandStatus = iota // waiting on at least one foreign group
	Complete                         // every touched group has committed
	Disputed                         // unreconciled for longer than the dispute window
)

// String() returns the log form of the status
func (s CommandStatus) String() string {
	switch s {
	case Provisional:
		return "provisional"
	case Complete:
		return "complete"
	default:
		return "disputed"
	}
}

// CommandRecord is the reconciliation bookkeeping of one locally committed command
type CommandRecord struct {
	Hash     lib.Hash                  `json:"hash"`
	Command  *lib.Command              `json:"command"`
	Height   uint64                    `json:"height"` // the local block that committed it
	Epoch    lib.Epoch                 `json:"epoch"`  // the epoch of the local commit
	Expected map[lib.ShardGroup]uint64 `json:"expected"`
	Resolved map[lib.ShardGroup]bool   `json:"resolved"`
	Status   CommandStatus             `json:"status"`
	Reason   string                    `json:"reason,omitempty"`
}

// copy() returns a record callers may keep
func (r *CommandRecord) copy() *CommandRecord {
	c := *r
	c.Expected = make(map[lib.ShardGroup]uint64, len(r.Expected))
	for k, v := range r.Expected {
		c.Expected[k] = v
	}
	c.Resolved = make(map[lib.ShardGroup]bool, len(r.Resolved))
	for k, v := range r.Resolved {
		c.Resolved[k] = v
	}
	return &c
}

// Status is a read-only summary of the index
type Status struct {
	Provisional int                       `json:"provisional"`
	Disputed    int                       `json:"disputed"`
	Latest      map[lib.ShardGroup]uint64 `json:"latest"`
}

// Registry is the epoch source of the index, the registry implements it
type Registry interface {
	qc.CommitteeSource
	SnapshotAt(epoch lib.Epoch) (*registry.Snapshot, lib.ErrorI)
}

// Index is safe for concurrent use, writers are serialised and readers share the lock
type Index struct {
	sg        lib.ShardGroup
	registry  Registry
	verifier  *qc.Verifier
	mu        sync.RWMutex
	pending   map[lib.Hash]*CommandRecord // provisional and disputed records
	completed *lru.Cache[lib.Hash, *CommandRecord]
	latest    map[lib.ShardGroup]uint64 // the highest proven commitment per foreign group
	config    lib.ForeignConfig
	metrics   *lib.Metrics
	log       lib.LoggerI
}

// New() creates the foreign index of a shard group
func New(sg lib.ShardGroup, network uint64, r Registry, config lib.ForeignConfig, metrics *lib.Metrics, log lib.LoggerI) *Index {
	completed, err := lru.New[lib.Hash, *CommandRecord](completedCacheSize)
	if err != nil {
		panic(err)
	}
	return &Index{
		sg:        sg,
		registry:  r,
		verifier:  qc.NewVerifier(network, r, 0),
		pending:   make(map[lib.Hash]*CommandRecord),
		completed: completed,
		latest:    make(map[lib.ShardGroup]uint64),
		config:    config,
		metrics:   metrics,
		log:       log,
	}
}

// RecordLocalCommit() registers the cross shard commands of a committed block and returns the proof to publish to
// the touched foreign groups, along with any command the foreign groups had already satisfied
func (x *Index) RecordLocalCommit(block *lib.Block, cert *lib.QuorumCertificate) (*lib.ForeignCommitProof, []*CommandRecord, lib.ErrorI) {
	if block == nil {
		return nil, nil, lib.ErrNilBlock()
	}
	if cert == nil {
		return nil, nil, lib.ErrNilQC()
	}
	hash := block.Hash()
	if cert.BlockHash != hash || cert.BlockHeight != block.Height {
		return nil, nil, lib.ErrJustifyMismatch("the certificate does not certify the committed block")
	}
	snapshot, err := x.registry.SnapshotAt(block.Epoch)
	if err != nil {
		return nil, nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	var complete []*CommandRecord
	for _, cmd := range block.Commands {
		groups, e := x.touched(cmd, snapshot)
		if e != nil {
			return nil, nil, e
		}
		if len(groups) == 0 {
			continue
		}
		record := &CommandRecord{
			Hash:     cmd.Hash(),
			Command:  cmd,
			Height:   block.Height,
			Epoch:    block.Epoch,
			Expected: make(map[lib.ShardGroup]uint64, len(groups)),
			Resolved: make(map[lib.ShardGroup]bool, len(groups)),
			Status:   Provisional,
		}
		for _, g := range groups {
			expected, ok := block.ForeignIndexes[g]
			if !ok {
				expected = x.latest[g] + 1
			}
			record.Expected[g] = expected
		}
		if x.resolve(record) {
			complete = append(complete, record)
			continue
		}
		x.pending[record.Hash] = record
	}
	x.updateMetrics(0)
	return &lib.ForeignCommitProof{
		ShardGroup: x.sg,
		Epoch:      block.Epoch,
		Height:     block.Height,
		BlockHash:  hash,
		MerkleRoot: block.MerkleRoot,
		QC:         cert,
	}, complete, nil
}

// Reconcile() verifies a foreign group's commit proof, records it and returns the commands that just became
// atomically complete. A proof at or below the recorded commitment of its group changes nothing
func (x *Index) Reconcile(proof *lib.ForeignCommitProof) ([]*CommandRecord, lib.ErrorI) {
	if err := x.checkProof(proof); err != nil {
		return nil, err
	}
	// the pairing runs outside the lock
	if err := x.verifier.Verify(proof.QC); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if proof.Height <= x.latest[proof.ShardGroup] {
		return nil, nil
	}
	x.latest[proof.ShardGroup] = proof.Height
	var complete []*CommandRecord
	for hash, record := range x.pending {
		if _, touched := record.Expected[proof.ShardGroup]; !touched {
			continue
		}
		if x.resolve(record) {
			delete(x.pending, hash)
			complete = append(complete, record)
		}
	}
	x.updateMetrics(0)
	x.log.Debugf("Reconciled %s at h=%d, %d commands complete", proof.ShardGroup, proof.Height, len(complete))
	return complete, nil
}

// FlagDisputes() marks the provisional commands committed DisputeAfter or more epochs ago as disputed
// and returns them. A dispute is surfaced only, the record keeps waiting for its foreign groups
func (x *Index) FlagDisputes(current lib.Epoch) []*CommandRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	var flagged []*CommandRecord
	for _, record := range x.pending {
		if record.Status != Provisional || current < record.Epoch {
			continue
		}
		if waited := uint64(current - record.Epoch); waited >= x.config.DisputeAfter {
			record.Status = Disputed
			record.Reason = lib.ErrForeignReconciliationTimeout(record.Hash, waited).Error()
			flagged = append(flagged, record.copy())
		}
	}
	if len(flagged) != 0 {
		x.log.Warnf("%d cross shard commands disputed at epoch %d", len(flagged), current)
	}
	x.updateMetrics(len(flagged))
	return flagged
}

// ExpectedIndexes() returns the foreign index a proposer sets for each group its commands touch:
// one above the latest commitment proven by that group
func (x *Index) ExpectedIndexes(commands []*lib.Command, snapshot *registry.Snapshot) (map[lib.ShardGroup]uint64, lib.ErrorI) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	indexes := make(map[lib.ShardGroup]uint64)
	for _, cmd := range commands {
		groups, err := x.touched(cmd, snapshot)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			indexes[g] = x.latest[g] + 1
		}
	}
	if len(indexes) == 0 {
		return nil, nil
	}
	return indexes, nil
}

// ValidateIndexes() checks a proposal lists exactly the foreign groups its commands touch, each with a height above
// the latest commitment proven by that group
func (x *Index) ValidateIndexes(block *lib.Block, snapshot *registry.Snapshot) lib.ErrorI {
	if block.IsDummy {
		if len(block.ForeignIndexes) != 0 {
			return lib.ErrInvalidForeignIndex("dummy block with foreign indexes")
		}
		return nil
	}
	touched := make(map[lib.ShardGroup]struct{})
	for _, cmd := range block.Commands {
		groups, err := x.touched(cmd, snapshot)
		if err != nil {
			return err
		}
		for _, g := range groups {
			touched[g] = struct{}{}
		}
	}
	if len(touched) != len(block.ForeignIndexes) {
		return lib.ErrInvalidForeignIndex("foreign indexes do not match the touched groups")
	}
	for g, height := range block.ForeignIndexes {
		if _, ok := touched[g]; !ok {
			return lib.ErrInvalidForeignIndex("index for untouched group " + g.String())
		}
		if height == 0 {
			return lib.ErrInvalidForeignIndex("zero index for group " + g.String())
		}
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	for g, height := range block.ForeignIndexes {
		if height <= x.latest[g] {
			return lib.ErrInvalidForeignIndex(fmt.Sprintf("index %d of group %s is already proven", height, g))
		}
	}
	return nil
}

// Command() returns the record of a command
func (x *Index) Command(hash lib.Hash) (*CommandRecord, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if record, ok := x.pending[hash]; ok {
		return record.copy(), true
	}
	if record, ok := x.completed.Get(hash); ok {
		return record.copy(), true
	}
	return nil, false
}

// Latest() returns the highest proven commitment of a foreign group
func (x *Index) Latest(sg lib.ShardGroup) uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.latest[sg]
}

// Status() returns a summary for status queries
func (x *Index) Status() Status {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := Status{Latest: make(map[lib.ShardGroup]uint64, len(x.latest))}
	for g, h := range x.latest {
		s.Latest[g] = h
	}
	for _, record := range x.pending {
		if record.Status == Disputed {
			s.Disputed++
		} else {
			s.Provisional++
		}
	}
	return s
}

// checkProof() validates the structure of a proof before the signature is verified
func (x *Index) checkProof(proof *lib.ForeignCommitProof) lib.ErrorI {
	switch {
	case proof == nil:
		return lib.ErrInvalidForeignProof("empty proof")
	case proof.ShardGroup == x.sg:
		return lib.ErrOwnShardGroupProof(x.sg)
	case proof.QC == nil:
		return lib.ErrInvalidForeignProof("missing certificate")
	case proof.QC.ShardGroup != proof.ShardGroup:
		return lib.ErrInvalidForeignProof("certificate of another shard group")
	case proof.QC.BlockHash != proof.BlockHash || proof.QC.BlockHeight != proof.Height:
		return lib.ErrInvalidForeignProof("certificate does not certify the committed block")
	case proof.QC.Epoch != proof.Epoch:
		return lib.ErrInvalidForeignProof("certificate of another epoch")
	case proof.QC.IsGenesis():
		return lib.ErrInvalidForeignProof("genesis certificate")
	}
	return nil
}

// resolve() marks the groups that reached their expected height, completing the record if all did
// must be called under the write lock
func (x *Index) resolve(record *CommandRecord) bool {
	done := true
	for g, expected := range record.Expected {
		if x.latest[g] >= expected {
			record.Resolved[g] = true
		} else {
			done = false
		}
	}
	if done {
		record.Status, record.Reason = Complete, ""
		x.completed.Add(record.Hash, record)
	}
	return done
}

// touched() returns the foreign groups a command reads or writes
func (x *Index) touched(cmd *lib.Command, snapshot *registry.Snapshot) ([]lib.ShardGroup, lib.ErrorI) {
	shards := cmd.ForeignShards(x.sg)
	if len(shards) == 0 {
		return nil, nil
	}
	groups, err := snapshot.GroupsTouched(shards)
	if err != nil {
		return nil, err
	}
	out := groups[:0]
	for _, g := range groups {
		if g != x.sg {
			out = append(out, g)
		}
	}
	return out, nil
}

func (x *Index) updateMetrics(newDisputes int) {
	provisional := 0
	for _, record := range x.pending {
		if record.Status == Provisional {
			provisional++
		}
	}
	x.metrics.UpdateForeign(x.sg, provisional, newDisputes)
}
