package bft

import (
	"testing"

	"github.com/sdbondi/tari-dan/lib"
	"github.com/stretchr/testify/require"
)

func TestSafeNode(t *testing.T) {
	tc := newTestCluster(t, 1, 4)
	sg := tc.groups[0]
	var n *testNode
	for _, node := range tc.nodes {
		if !node.engine.isLeader(1) {
			n = node
			break
		}
	}
	genesis := lib.NewGenesisBlock(tc.config.NetworkID, sg, 1)
	justify := func(height uint64) *lib.QuorumCertificate {
		return &lib.QuorumCertificate{BlockHeight: height, Epoch: 1, ShardGroup: sg}
	}
	// genesis <- a1 <- a2 and genesis <- f1 <- f2 <- f3
	a1 := lib.NewDummyBlock(tc.config.NetworkID, genesis, 1, 1, tc.nodes[0].id, justify(0))
	a2 := lib.NewDummyBlock(tc.config.NetworkID, a1, 2, 1, tc.nodes[1].id, justify(1))
	f1 := lib.NewDummyBlock(tc.config.NetworkID, genesis, 1, 1, tc.nodes[2].id, justify(0))
	f2 := lib.NewDummyBlock(tc.config.NetworkID, f1, 2, 1, tc.nodes[3].id, justify(0))
	f3 := lib.NewDummyBlock(tc.config.NetworkID, f2, 3, 1, tc.nodes[0].id, justify(0))
	f3Live := lib.NewDummyBlock(tc.config.NetworkID, f2, 3, 1, tc.nodes[0].id, justify(2))
	for _, b := range []*lib.Block{a1, a2, f1, f2, f3, f3Live} {
		require.NoError(t, n.engine.Tree.Insert(b))
	}
	n.engine.locked = a1
	tests := []struct {
		name      string
		detail    string
		lastVoted uint64
		block     *lib.Block
		errCode   lib.ErrorCode
	}{
		{
			name:      "already voted",
			detail:    "a replica never votes twice at a height",
			lastVoted: 2,
			block:     a2,
			errCode:   lib.CodeHeightMismatch,
		},
		{
			name:    "extends locked",
			detail:  "the block extends the locked block",
			block:   a2,
			errCode: 0,
		},
		{
			name:    "higher justify",
			detail:  "a fork is safe once its justify certificate is above the locked block",
			block:   f3Live,
			errCode: 0,
		},
		{
			name:    "unsafe fork",
			detail:  "a fork below the lock is rejected",
			block:   f3,
			errCode: lib.CodeUnsafeBlock,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			n.engine.lastVoted = test.lastVoted
			err := n.engine.SafeNode(test.block)
			if test.errCode == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, test.errCode, err.Code())
		})
	}
}

func TestHandleVoteRejects(t *testing.T) {
	tc := newTestCluster(t, 1, 4)
	sg := tc.groups[0]
	l1, l2 := tc.leaderOf(sg, 1), tc.leaderOf(sg, 2)
	b1 := l1.engine.Tree.Children(lib.NewGenesisBlock(tc.config.NetworkID, sg, 1).Hash())[0]
	var voter, bystander *testNode
	for _, n := range tc.nodes {
		switch {
		case n == l1 || n == l2:
		case voter == nil:
			voter = n
		default:
			bystander = n
		}
	}
	vote := lib.NewVote(b1, voter.id)
	vote.Signature = voter.key.Sign(vote.SignBytes())
	tests := []struct {
		name    string
		detail  string
		to      *testNode
		sender  lib.ValidatorID
		vote    func() *lib.Vote
		errCode lib.ErrorCode
	}{
		{
			name:    "not the next leader",
			detail:  "votes for height 1 are only aggregated by the leader of height 2",
			to:      bystander,
			sender:  voter.id,
			vote:    func() *lib.Vote { return vote },
			errCode: lib.CodeUnexpectedProposer,
		},
		{
			name:    "sender is not the voter",
			detail:  "a validator can't relay the vote of another",
			to:      l2,
			sender:  bystander.id,
			vote:    func() *lib.Vote { return vote },
			errCode: lib.CodeUnauthorizedVoter,
		},
		{
			name:   "bad signature",
			detail: "the vote signature must be the voter's",
			to:     l2,
			sender: voter.id,
			vote: func() *lib.Vote {
				forged := *vote
				forged.Signature = bystander.key.Sign(vote.SignBytes())
				return &forged
			},
			errCode: lib.CodeInvalidSignature,
		},
		{
			name:   "other shard group",
			detail: "a vote of another shard group is rejected",
			to:     l2,
			sender: voter.id,
			vote: func() *lib.Vote {
				forged := *vote
				forged.ShardGroup = lib.ShardGroup{Start: sg.End, End: sg.End}
				return &forged
			},
			errCode: lib.CodeWrongShardGroup,
		},
		{
			name:    "accepted",
			detail:  "the vote is counted by the next leader",
			to:      l2,
			sender:  voter.id,
			vote:    func() *lib.Vote { return vote },
			errCode: 0,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			msg, err := lib.NewMessage(sg, test.sender, test.vote())
			require.NoError(t, err)
			err = test.to.engine.HandleMessage(msg)
			if test.errCode == 0 {
				require.NoError(t, err)
				require.Equal(t, uint64(1), test.to.engine.builder.Weight(1, b1.Hash()))
				return
			}
			require.Error(t, err)
			require.Equal(t, test.errCode, err.Code())
		})
	}
}
