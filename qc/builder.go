package qc

import (
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/lib/crypto"
)

/*
	The Builder accumulates the votes of a shard group's committee and aggregates them into a
	QuorumCertificate once a quorum of weight votes for the same block.

	An equivocating voter (two different blocks at one height) has its earlier vote withdrawn,
	neither vote counts toward any quorum at that height.
*/

// Builder aggregates votes into certificates, it is not safe for concurrent use and is owned by a single engine
type Builder struct {
	sg         lib.ShardGroup
	heights    map[uint64]*heightVotes // pending votes by height
	formed     map[uint64]lib.Hash     // heights whose certificate already formed
	floor      uint64                  // votes at or below the floor are stale
	onEvidence func(*lib.Evidence)     // optional evidence callback
	log        lib.LoggerI
}

// heightVotes is the vote collection of one height
type heightVotes struct {
	byVoter      map[lib.ValidatorID]*lib.Vote // the first vote seen from each voter
	equivocators map[lib.ValidatorID]struct{}  // voters excluded at this height
	blocks       map[lib.Hash]*voteSet         // votes grouped by block
}

// voteSet is the collection of votes for one block
type voteSet struct {
	multiKey crypto.MultiPublicKeyI
	weight   uint64
	epoch    lib.Epoch
}

// NewBuilder() creates a vote aggregator for a shard group
func NewBuilder(sg lib.ShardGroup, onEvidence func(*lib.Evidence), log lib.LoggerI) *Builder {
	return &Builder{
		sg:         sg,
		heights:    make(map[uint64]*heightVotes),
		formed:     make(map[uint64]lib.Hash),
		onEvidence: onEvidence,
		log:        log,
	}
}

// AddVote() validates a vote against the committee and returns a certificate once a quorum is reached;
// a nil certificate with a nil error means the vote was accepted and the quorum is still pending
func (b *Builder) AddVote(vote *lib.Vote, committee *lib.ValidatorSet) (*lib.QuorumCertificate, lib.ErrorI) {
	if vote == nil {
		return nil, lib.ErrEmptyMessage()
	}
	if vote.ShardGroup != b.sg {
		return nil, lib.ErrWrongShardGroup(b.sg, vote.ShardGroup)
	}
	if vote.Height <= b.floor {
		return nil, lib.ErrHeightMismatch(b.floor+1, vote.Height)
	}
	// already certified, the late vote adds nothing
	if _, ok := b.formed[vote.Height]; ok {
		return nil, nil
	}
	_, idx, err := committee.GetValidatorAndIdx(vote.Voter)
	if err != nil {
		b.report(&lib.Evidence{Kind: lib.EvidenceUnauthorizedVoter, Offender: vote.Voter, Height: vote.Height,
			Epoch: vote.Epoch, ShardGroup: vote.ShardGroup, Votes: []*lib.Vote{vote}})
		return nil, lib.ErrUnauthorizedVoter(vote.Voter)
	}
	if err = committee.VerifySignature(vote.Voter, vote.SignBytes(), vote.Signature); err != nil {
		return nil, err
	}
	hv := b.heightVotes(vote.Height)
	if _, excluded := hv.equivocators[vote.Voter]; excluded {
		return nil, lib.ErrEquivocation(vote.Voter, vote.Height)
	}
	if prev, seen := hv.byVoter[vote.Voter]; seen {
		if prev.BlockHash == vote.BlockHash {
			// duplicate
			return nil, nil
		}
		// equivocation: withdraw the earlier vote and exclude the voter at this height
		hv.equivocators[vote.Voter] = struct{}{}
		if set, ok := hv.blocks[prev.BlockHash]; ok {
			if e := set.multiKey.RemoveSigner(idx); e != nil {
				return nil, lib.ErrInvalidBitmap(e)
			}
			set.weight -= committee.Validators[idx].Weight
		}
		b.report(&lib.Evidence{Kind: lib.EvidenceEquivocation, Offender: vote.Voter, Height: vote.Height,
			Epoch: vote.Epoch, ShardGroup: vote.ShardGroup, Votes: []*lib.Vote{prev, vote}})
		return nil, lib.ErrEquivocation(vote.Voter, vote.Height)
	}
	set, ok := hv.blocks[vote.BlockHash]
	if !ok {
		set = &voteSet{multiKey: committee.MultiKey.Copy(), epoch: vote.Epoch}
		set.multiKey.Reset()
		hv.blocks[vote.BlockHash] = set
	}
	if set.epoch != vote.Epoch {
		return nil, lib.ErrStaleEpoch(vote.Epoch, set.epoch)
	}
	hv.byVoter[vote.Voter] = vote
	if e := set.multiKey.AddSigner(vote.Signature, idx); e != nil {
		return nil, lib.ErrInvalidBitmap(e)
	}
	set.weight += committee.Validators[idx].Weight
	if !committee.QuorumReached(set.weight) {
		return nil, nil
	}
	signature, e := set.multiKey.AggregateSignatures()
	if e != nil {
		return nil, lib.ErrAggregateSignature(e)
	}
	qc := &lib.QuorumCertificate{
		BlockHash:   vote.BlockHash,
		BlockHeight: vote.Height,
		Epoch:       vote.Epoch,
		ShardGroup:  vote.ShardGroup,
		Signature:   signature,
		Bitmap:      append([]byte(nil), set.multiKey.Bitmap()...),
	}
	// the pending set of the height is discarded
	delete(b.heights, vote.Height)
	b.formed[vote.Height] = vote.BlockHash
	b.log.Debugf("Formed %s with weight %d/%d", qc, set.weight, committee.TotalWeight)
	return qc, nil
}

// Prune() discards the vote collections at or below height
func (b *Builder) Prune(height uint64) {
	if height <= b.floor {
		return
	}
	b.floor = height
	for h := range b.heights {
		if h <= height {
			delete(b.heights, h)
		}
	}
	for h := range b.formed {
		if h <= height {
			delete(b.formed, h)
		}
	}
}

// Weight() returns the pending weight for a block at a height
func (b *Builder) Weight(height uint64, blockHash lib.Hash) uint64 {
	hv, ok := b.heights[height]
	if !ok {
		return 0
	}
	if set, found := hv.blocks[blockHash]; found {
		return set.weight
	}
	return 0
}

func (b *Builder) heightVotes(height uint64) *heightVotes {
	hv, ok := b.heights[height]
	if !ok {
		hv = &heightVotes{
			byVoter:      make(map[lib.ValidatorID]*lib.Vote),
			equivocators: make(map[lib.ValidatorID]struct{}),
			blocks:       make(map[lib.Hash]*voteSet),
		}
		b.heights[height] = hv
	}
	return hv
}

func (b *Builder) report(e *lib.Evidence) {
	b.log.Warnf("Evidence: %s", e)
	if b.onEvidence != nil {
		b.onEvidence(e)
	}
}
