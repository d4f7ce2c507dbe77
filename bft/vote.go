package bft

import (
	"github.com/sdbondi/tari-dan/lib"
)

// SafeNode is the codified HotStuff safeNode predicate:
// - the height must be above the last voted height, a replica never votes twice at a height
// - SAFETY: the block extends the locked block
// - LIVENESS: the justify certificate is higher than the locked block, a quorum moved past the lock
func (e *Engine) SafeNode(block *lib.Block) lib.ErrorI {
	if block.Height <= e.lastVoted {
		return lib.ErrHeightMismatch(e.lastVoted+1, block.Height)
	}
	if e.Tree.Extends(block.Hash(), e.locked.Hash()) {
		return nil // SAFETY
	}
	if block.Justify.BlockHeight > e.locked.Height {
		e.log.Infof("Proposal %s satisfied the safe node predicate with LIVENESS", block.Hash().Short())
		return nil // LIVENESS
	}
	return lib.ErrUnsafeBlock(block.Hash())
}

// maybeVote() votes for a block of the current height that satisfies the safety rule
// the vote goes to the leader of the next height
func (e *Engine) maybeVote(block *lib.Block) lib.ErrorI {
	if block.Height != e.height || e.state == Idle {
		return nil
	}
	if err := e.SafeNode(block); err != nil {
		return err
	}
	// the vote is remembered before it leaves the replica
	if err := e.Storage.PersistVoteState(e.ShardGroup, e.voteState(block.Height)); err != nil {
		return err
	}
	vote := lib.NewVote(block, e.Self)
	vote.Signature = e.signer.Sign(vote.SignBytes())
	e.lastVoted = block.Height
	e.state = Voted
	e.Metrics.IncVote(e.ShardGroup)
	next, err := e.leaderFor(block.Height + 1)
	if err != nil {
		return err
	}
	e.state = AwaitingQC
	if next == e.Self {
		return e.handleVote(vote)
	}
	e.send(next, vote)
	return nil
}

// voteState() is the voting state to persist with lastVoted at height
func (e *Engine) voteState(lastVoted uint64) *lib.VoteState {
	return &lib.VoteState{LastVoted: lastVoted, Locked: e.locked, HighQC: e.highQC}
}

// handleVote() aggregates a vote as the leader of the following height and processes the certificate once formed
func (e *Engine) handleVote(vote *lib.Vote) lib.ErrorI {
	if vote.ShardGroup != e.ShardGroup {
		return lib.ErrWrongShardGroup(e.ShardGroup, vote.ShardGroup)
	}
	snapshot, err := e.snapshotAt(vote.Epoch)
	if err != nil {
		return err
	}
	next, err := e.leaderAt(snapshot, vote.Height+1)
	if err != nil {
		return err
	}
	if next != e.Self {
		return lib.ErrUnexpectedProposer(next, e.Self)
	}
	committee, err := snapshot.CommitteeFor(e.ShardGroup)
	if err != nil {
		return err
	}
	cert, err := e.builder.AddVote(vote, committee)
	if err != nil || cert == nil {
		return err
	}
	e.Metrics.IncQC(e.ShardGroup)
	e.log.Infof("Formed %s", cert)
	return e.processQC(cert)
}
