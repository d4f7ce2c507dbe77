package bft

import (
	"testing"
	"time"

	"github.com/sdbondi/tari-dan/lib"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	b := newBackoff(lib.DefaultConfig().ConsensusConfig)
	for _, expected := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second} {
		require.Equal(t, expected, b.NextBackOff())
	}
	b.Reset()
	require.Equal(t, 2*time.Second, b.NextBackOff())
	// the wait is capped
	c := lib.DefaultConfig().ConsensusConfig
	c.MaxRoundTimeoutMS = 5000
	capped := newBackoff(c)
	for i := 0; i < 5; i++ {
		capped.NextBackOff()
	}
	require.Equal(t, 5*time.Second, capped.NextBackOff())
}

func TestHandleTimeoutFreshNode(t *testing.T) {
	tc := newTestCluster(t, 1, 4)
	sg := tc.groups[0]
	var n *testNode
	for _, node := range tc.nodes {
		if !node.engine.isLeader(1) && !node.engine.isLeader(2) {
			n = node
			break
		}
	}
	require.Equal(t, 2*time.Second, n.engine.timeout)
	require.NoError(t, n.engine.HandleTimeout())
	// nothing voted at height 1, so height 1 timed out
	require.Equal(t, uint64(2), n.engine.Height())
	require.Equal(t, 4*time.Second, n.engine.timeout)
	require.Equal(t, AwaitingProposal, n.engine.state)
	require.Contains(t, n.engine.newViews[1], n.id)
	dummies := n.engine.Tree.AtHeight(1)
	require.Len(t, dummies, 1)
	require.True(t, dummies[0].IsDummy)
	require.Equal(t, tc.leaderOf(sg, 1).id, dummies[0].Proposer)
	// the NewView reached every other member
	for _, other := range tc.nodes {
		if other == n {
			continue
		}
		var found bool
		for msg, ok := other.peer.TryReceive(); ok; msg, ok = other.peer.TryReceive() {
			if msg.NewView != nil && msg.NewView.Voter == n.id {
				found = true
				require.Equal(t, uint64(1), msg.NewView.Height)
				require.True(t, msg.NewView.HighQC.IsGenesis())
			}
		}
		require.True(t, found)
	}
}

func TestNewViewQuorum(t *testing.T) {
	tc := newTestCluster(t, 1, 4)
	sg := tc.groups[0]
	// the leader of height 1 proposed and voted, the others time out height 1
	l1 := tc.leaderOf(sg, 1)
	require.Equal(t, uint64(1), l1.engine.LastVoted())
	for _, n := range tc.nodes {
		if n != l1 {
			require.NoError(t, n.engine.HandleTimeout())
		}
	}
	require.Equal(t, uint64(1), l1.engine.Height())
	for msg, ok := l1.peer.TryReceive(); ok; msg, ok = l1.peer.TryReceive() {
		err := l1.engine.HandleMessage(msg)
		if msg.NewView != nil {
			require.NoError(t, err)
		}
	}
	// a quorum of NewViews moves the leader past height 1
	require.Equal(t, uint64(2), l1.engine.Height())
	var dummy bool
	for _, b := range l1.engine.Tree.AtHeight(1) {
		dummy = dummy || b.IsDummy
	}
	require.True(t, dummy)
	tc.run(tc.committedAtLeast(sg, 5), testMaxTimeouts)
	tc.requireSameCommittedChain(sg, 5)
}

func TestIdleNonMember(t *testing.T) {
	tc := newTestCluster(t, 2, 4)
	a, b := tc.groups[0], tc.groups[1]
	// a validator of group a running an engine for group b is not a member
	var n *testNode
	for _, node := range tc.nodes {
		if node.sg == a {
			n = node
			break
		}
	}
	e, err := New(b, tc.config, n.key, tc.reg, Collaborators{Transport: n.peer, Storage: newTestStorage(), Executor: &testExecutor{}}, nil, tc.log)
	require.NoError(t, err)
	require.Equal(t, Idle, e.state)
	require.Equal(t, "IDLE", e.Status().State)
	msg, err := lib.NewMessage(b, tc.leaderOf(b, 1).id, &lib.Vote{ShardGroup: b, Voter: tc.leaderOf(b, 1).id, Height: 1, Epoch: 1})
	require.NoError(t, err)
	require.Equal(t, lib.CodeNotCommitteeMember, e.HandleMessage(msg).Code())
	// the timer only re-evaluates membership
	require.NoError(t, e.HandleTimeout())
	require.Equal(t, Idle, e.state)
	require.Equal(t, uint64(1), e.Height())
}

func TestNewViewWindow(t *testing.T) {
	tc := newTestCluster(t, 1, 4)
	sg := tc.groups[0]
	var n, sender *testNode
	for _, node := range tc.nodes {
		switch {
		case n == nil && !node.engine.isLeader(1):
			n = node
		case sender == nil && node != n:
			sender = node
		}
	}
	require.Equal(t, uint64(1), n.engine.Height())
	genesisQC := lib.NewGenesisQC(lib.NewGenesisBlock(tc.config.NetworkID, sg, 1))
	tests := []struct {
		name       string
		detail     string
		height     uint64
		errCode    lib.ErrorCode
		aggregated bool
	}{
		{"current", "a NewView for the current height is aggregated", 1, 0, true},
		{"window edge", "the last height of the window is aggregated", 1 + newViewWindow, 0, true},
		{"past window", "the first height above the window is rejected", 2 + newViewWindow, lib.CodeHeightMismatch, false},
		{"far future", "a far future height never allocates an entry", 1 << 40, lib.CodeHeightMismatch, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			nv := &lib.NewView{Height: test.height, Epoch: 1, ShardGroup: sg, HighQC: genesisQC.Copy(), Voter: sender.id}
			nv.Signature = sender.key.Sign(nv.SignBytes())
			msg, err := lib.NewMessage(sg, sender.id, nv)
			require.NoError(t, err)
			err = n.engine.HandleMessage(msg)
			if test.errCode == 0 {
				require.NoError(t, err, test.detail)
			} else {
				require.Error(t, err, test.detail)
				require.Equal(t, test.errCode, err.Code(), test.detail)
			}
			_, found := n.engine.newViews[test.height]
			require.Equal(t, test.aggregated, found, test.detail)
			require.Equal(t, uint64(1), n.engine.Height(), test.detail)
		})
	}
	require.Len(t, n.engine.newViews, 2)
}
