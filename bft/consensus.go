package bft

import (
	"github.com/sdbondi/tari-dan/foreign"
	"github.com/sdbondi/tari-dan/lib"
)

// processQC() applies a verified certificate:
// - the certified block is marked justified, the certificate must name the block's height
// - highQC is upgraded if the certificate is higher
// - the block justified by the certified block is locked if it is higher than the lock
// - the commit rule runs, and the engine advances past the certified height
func (e *Engine) processQC(cert *lib.QuorumCertificate) lib.ErrorI {
	if cert == nil {
		return lib.ErrNilQC()
	}
	certified, _, ok := e.Tree.Get(cert.BlockHash)
	if !ok {
		if cert.BlockHeight > e.Tree.Status().CommittedHeight {
			e.log.Debugf("Certificate for unknown block %s", cert)
		}
		return nil
	}
	if certified.Height != cert.BlockHeight || certified.IsDummy {
		return lib.ErrJustifyMismatch("certificate does not match the certified block")
	}
	if _, seen := e.qcs[cert.BlockHash]; !seen {
		e.qcs[cert.BlockHash] = cert
	}
	if err := e.Tree.MarkJustified(cert.BlockHash); err != nil {
		return err
	}
	moved := false
	if cert.Higher(e.highQC) {
		e.highQC, moved = cert, true
		e.log.Debugf("HighQC is now %s", cert)
	}
	if certified.Justify != nil {
		if lockBlock, _, found := e.Tree.Get(certified.Justify.BlockHash); found && lockBlock.Height > e.locked.Height {
			e.locked, moved = lockBlock, true
			e.log.Debugf("Locked %s", lockBlock)
		}
	}
	if moved {
		if err := e.Storage.PersistVoteState(e.ShardGroup, e.voteState(e.lastVoted)); err != nil {
			e.log.Errorf("Persisting voting state failed: %s", err.Error())
		}
	}
	committed, err := e.Tree.TryCommit()
	if err != nil {
		return err
	}
	if len(committed) != 0 {
		e.state = Committed
		e.commit(committed)
	}
	// progress: the next height starts with the initial timeout
	if cert.BlockHeight+1 > e.height {
		e.resetTimeout()
		e.enterHeight(cert.BlockHeight + 1)
	}
	e.maybePropose()
	return nil
}

// commit() hands newly committed blocks, in ascending height order, to the storage, the executor and the
// foreign index. Failures of the collaborators are logged; the blocks are final regardless
func (e *Engine) commit(blocks []*lib.Block) {
	for _, b := range blocks {
		hash := b.Hash()
		cert := e.qcs[hash]
		if err := e.Storage.PersistCommittedBlock(b, cert); err != nil {
			e.log.Errorf("Persisting %s failed: %s", b, err.Error())
		}
		var local []*lib.Command
		for _, cmd := range b.Commands {
			if cmd.IsLocal(e.ShardGroup) {
				local = append(local, cmd)
			}
		}
		if len(local) != 0 {
			e.submit(b.Height, local)
		}
		if !b.IsDummy && cert != nil {
			e.recordForeign(b, cert)
		}
		e.log.Infof("Committed %s", b)
		e.emit(Event{Kind: EventBlockCommitted, Block: b, QC: cert})
	}
	tip := blocks[len(blocks)-1]
	e.Metrics.IncCommits(e.ShardGroup, len(blocks))
	e.Metrics.UpdateHeight(e.ShardGroup, e.height, tip.Height)
	e.builder.Prune(tip.Height)
	// certificates of pruned heights are no longer needed
	for h, c := range e.qcs {
		if c.BlockHeight < tip.Height && c != e.highQC {
			delete(e.qcs, h)
		}
	}
	if disputed := e.Foreign.FlagDisputes(e.epoch); len(disputed) != 0 {
		e.emit(Event{Kind: EventCommandsDisputed, Records: disputed})
	}
}

// recordForeign() registers the cross shard commands of a committed block and publishes its proof to every
// foreign shard group the block touches
func (e *Engine) recordForeign(b *lib.Block, cert *lib.QuorumCertificate) {
	proof, complete, err := e.Foreign.RecordLocalCommit(b, cert)
	if err != nil {
		e.log.Errorf("Recording foreign commit of %s failed: %s", b, err.Error())
		return
	}
	for sg := range b.ForeignIndexes {
		e.broadcast(sg, proof)
	}
	e.completeCommands(complete)
}

// handleForeignProof() reconciles a foreign group's commit proof
func (e *Engine) handleForeignProof(proof *lib.ForeignCommitProof) lib.ErrorI {
	complete, err := e.Foreign.Reconcile(proof)
	if err != nil {
		return err
	}
	e.completeCommands(complete)
	return nil
}

// completeCommands() hands atomically complete cross shard commands to the executor
func (e *Engine) completeCommands(records []*foreign.CommandRecord) {
	if len(records) == 0 {
		return
	}
	byHeight := make(map[uint64][]*lib.Command)
	var heights []uint64
	for _, r := range records {
		if _, ok := byHeight[r.Height]; !ok {
			heights = append(heights, r.Height)
		}
		byHeight[r.Height] = append(byHeight[r.Height], r.Command)
	}
	for _, h := range heights {
		e.submit(h, byHeight[h])
	}
	e.emit(Event{Kind: EventCommandsComplete, Records: records})
}

func (e *Engine) submit(height uint64, commands []*lib.Command) {
	if err := e.Executor.SubmitCommittedCommands(e.ShardGroup, height, commands); err != nil {
		e.log.Errorf("Executor rejected %d commands of height %d: %s", len(commands), height, err.Error())
	}
}
