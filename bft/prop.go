package bft

import (
	"context"
	"time"

	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/registry"
	"golang.org/x/sync/errgroup"
)

// maybePropose() proposes at the current height if self is the leader and has not proposed at it yet
// a committee that certifies its leader's proposal within the proposal itself (a single member) would recurse,
// so the next proposal is deferred to the engine loop
func (e *Engine) maybePropose() {
	if e.state == Idle || e.proposed >= e.height || !e.isLeader(e.height) {
		return
	}
	if e.proposing {
		select {
		case e.wake <- struct{}{}:
		default:
		}
		return
	}
	e.proposing = true
	defer func() { e.proposing = false }()
	if err := e.propose(); err != nil {
		e.log.Errorf("Proposal at height %d failed: %s", e.height, err.Error())
	}
}

// propose() builds the block of the current height on top of the highQC block and broadcasts it
// - the parent is the highQC block extended by dummy blocks up to height-1
// - the merkle root chains the parent's root with the merkle root of the command hashes
func (e *Engine) propose() lib.ErrorI {
	h := e.height
	justifyBlock, _, ok := e.Tree.Get(e.highQC.BlockHash)
	if !ok {
		return lib.ErrUnknownBlock(e.highQC.BlockHash)
	}
	parent, err := e.extendWithDummies(justifyBlock, h-1, e.highQC, e.epoch, e.snapshot)
	if err != nil {
		return err
	}
	var commands []*lib.Command
	if e.Mempool != nil {
		inFlight := e.inFlight(parent)
		for _, cmd := range e.Mempool.PendingCommands(e.ShardGroup, e.Config.MaxBlockCommands) {
			if _, dup := inFlight[cmd.Hash()]; !dup {
				commands = append(commands, cmd)
			}
		}
	}
	indexes, err := e.Foreign.ExpectedIndexes(commands, e.snapshot)
	if err != nil {
		return err
	}
	block := &lib.Block{
		Network:        e.network,
		ParentHash:     parent.Hash(),
		Justify:        e.highQC.Copy(),
		Height:         h,
		Epoch:          e.epoch,
		ShardGroup:     e.ShardGroup,
		Proposer:       e.Self,
		MerkleRoot:     lib.ComputeMerkleRoot(parent.MerkleRoot, commands),
		Commands:       commands,
		ForeignIndexes: indexes,
		Timestamp:      uint64(time.Now().UnixMilli()),
	}
	block.Signature = e.signer.Sign(block.SignBytes())
	e.proposed = h
	e.Metrics.IncProposal(e.ShardGroup)
	e.log.Infof("Proposing %s", block)
	e.broadcast(e.ShardGroup, &lib.Proposal{Block: block})
	// the leader validates and votes for its own proposal like any replica
	return e.handleProposal(e.Self, block)
}

// inFlight() returns the hashes of the commands carried by parent and every ancestor the tree still holds
func (e *Engine) inFlight(parent *lib.Block) map[lib.Hash]struct{} {
	seen := make(map[lib.Hash]struct{})
	for b, ok := parent, true; ok && !b.IsGenesis(); b, _, ok = e.Tree.Get(b.ParentHash) {
		for _, c := range b.Commands {
			seen[c.Hash()] = struct{}{}
		}
	}
	return seen
}

// handleProposal() validates a proposal, processes its justify certificate, inserts it and votes if it is safe
func (e *Engine) handleProposal(sender lib.ValidatorID, block *lib.Block) lib.ErrorI {
	start := time.Now()
	defer func() { e.Metrics.ObserveProposal(time.Since(start)) }()
	snapshot, err := e.checkProposal(sender, block)
	if err != nil {
		return err
	}
	hash := block.Hash()
	if e.Tree.Has(hash) {
		// a known block may still need a vote, e.g. after an abandoned round
		return e.maybeVote(block)
	}
	// the justify certificate carries the chain forward even if this block is later rejected
	if err = e.processQC(block.Justify); err != nil {
		return err
	}
	justifyBlock, _, ok := e.Tree.Get(block.Justify.BlockHash)
	if !ok {
		// the parent is derived from the justified block, so the proposal waits on that block rather than its parent
		e.Tree.AddPending(block.Justify.BlockHash, block)
		return lib.ErrUnknownBlock(block.Justify.BlockHash)
	}
	if justifyBlock.Height != block.Justify.BlockHeight {
		return lib.ErrJustifyMismatch("justify height does not match the justified block")
	}
	if block.Height <= justifyBlock.Height {
		return lib.ErrHeightMismatch(justifyBlock.Height+1, block.Height)
	}
	// derive the dummy blocks of the heights between the justified block and the proposal
	parent, err := e.extendWithDummies(justifyBlock, block.Height-1, block.Justify, block.Epoch, snapshot)
	if err != nil {
		return err
	}
	if parent.Hash() != block.ParentHash {
		return lib.ErrInvalidParent(block.ParentHash)
	}
	if block.MerkleRoot != lib.ComputeMerkleRoot(parent.MerkleRoot, block.Commands) {
		return lib.ErrInvalidMerkleRoot()
	}
	if err = e.Foreign.ValidateIndexes(block, snapshot); err != nil {
		return err
	}
	if err = e.Tree.Insert(block); err != nil {
		if err.Code() != lib.CodeDuplicateHeight {
			return err
		}
		// the expected leader signed two different proposals for one height
		e.report(&lib.Evidence{Kind: lib.EvidenceEquivocation, Offender: block.Proposer, Height: block.Height,
			Epoch: block.Epoch, ShardGroup: block.ShardGroup, BlockHash: hash})
		// a held proposal carries a verified certificate for this block, the quorum chose it
		if !e.Tree.Waiting(hash) {
			return err
		}
		if err = e.Tree.InsertCertified(block); err != nil {
			return err
		}
	}
	e.log.Debugf("Accepted %s from %s", block, sender.Short())
	// a proposal for a later height abandons the current round
	if block.Height > e.height {
		e.enterHeight(block.Height)
	}
	voteErr := e.maybeVote(block)
	// children that were waiting on this block
	for _, child := range e.Tree.TakePending(hash) {
		if err = e.handleProposal(child.Proposer, child); err != nil && isFatal(err) {
			return err
		}
	}
	return voteErr
}

// checkProposal() runs the context free checks of a proposal, verifying the proposer signature and the justify
// certificate in parallel, and returns the registry snapshot of the proposal's epoch
func (e *Engine) checkProposal(sender lib.ValidatorID, block *lib.Block) (*registry.Snapshot, lib.ErrorI) {
	if err := block.CheckBasic(e.Config.MaxBlockCommands, e.Config.MaxBlockBytes); err != nil {
		return nil, err
	}
	if block.ShardGroup != e.ShardGroup {
		return nil, lib.ErrWrongShardGroup(e.ShardGroup, block.ShardGroup)
	}
	if block.IsGenesis() || block.Height == 0 {
		return nil, lib.ErrGenesisProposal()
	}
	if block.IsDummy {
		return nil, lib.ErrUnsafeBlock(block.Hash())
	}
	if block.Network != e.network {
		return nil, lib.ErrInvalidBlockHash()
	}
	if committed := e.Tree.Status().CommittedHeight; block.Height <= committed {
		return nil, lib.ErrHeightMismatch(committed+1, block.Height)
	}
	if block.Justify.ShardGroup != e.ShardGroup {
		return nil, lib.ErrJustifyMismatch("justify certificate of another shard group")
	}
	if block.Justify.BlockHeight >= block.Height {
		return nil, lib.ErrJustifyMismatch("justify certificate is not below the block")
	}
	snapshot, err := e.snapshotAt(block.Epoch)
	if err != nil {
		return nil, err
	}
	expected, err := e.leaderAt(snapshot, block.Height)
	if err != nil {
		return nil, err
	}
	if block.Proposer != expected || sender != expected {
		e.report(&lib.Evidence{Kind: lib.EvidenceUnexpectedProposer, Offender: sender, Height: block.Height,
			Epoch: block.Epoch, ShardGroup: block.ShardGroup, BlockHash: block.Hash()})
		return nil, lib.ErrUnexpectedProposer(expected, block.Proposer)
	}
	committee, err := snapshot.CommitteeFor(e.ShardGroup)
	if err != nil {
		return nil, err
	}
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if er := committee.VerifySignature(block.Proposer, block.SignBytes(), block.Signature); er != nil {
			return er
		}
		return nil
	})
	g.Go(func() error {
		if er := e.verifier.Verify(block.Justify); er != nil {
			return er
		}
		return nil
	})
	if er := g.Wait(); er != nil {
		return nil, er.(lib.ErrorI)
	}
	return snapshot, nil
}

// extendWithDummies() extends base with the deterministic dummy blocks of every height up to and including upTo,
// inserting them in the tree, and returns the last block of the extension
func (e *Engine) extendWithDummies(base *lib.Block, upTo uint64, justify *lib.QuorumCertificate, epoch lib.Epoch, snapshot *registry.Snapshot) (*lib.Block, lib.ErrorI) {
	parent := base
	for h := base.Height + 1; h <= upTo; h++ {
		proposer, err := e.leaderAt(snapshot, h)
		if err != nil {
			return nil, err
		}
		dummy := lib.NewDummyBlock(e.network, parent, h, epoch, proposer, justify)
		if err = e.Tree.Insert(dummy); err != nil {
			return nil, err
		}
		parent = dummy
	}
	return parent, nil
}
