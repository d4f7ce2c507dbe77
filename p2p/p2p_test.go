package p2p

import (
	"testing"

	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/registry"
	"github.com/stretchr/testify/require"
)

type testNet struct {
	net   *Network
	peers []*Peer
	local lib.ShardGroup
	other lib.ShardGroup
}

// newTestNet() joins the 8 validators of a two group assignment
func newTestNet(t *testing.T, inbox int) *testNet {
	a, _, err := registry.GenerateAssignment(1, 2, 4, "p2p")
	require.NoError(t, err)
	r, err := registry.New(a, lib.QuorumStrict, lib.DefaultRegistryConfig(), lib.NewNullLogger())
	require.NoError(t, err)
	tn := &testNet{net: NewNetwork(r, lib.NewNullLogger()), local: a.Partition[0], other: a.Partition[1]}
	for _, sg := range a.Partition {
		vs, e := r.CommitteeFor(sg)
		require.NoError(t, e)
		for _, id := range vs.IDs() {
			p, er := tn.net.Join(id, inbox)
			require.NoError(t, er)
			tn.peers = append(tn.peers, p)
		}
	}
	return tn
}

func testMessage(t *testing.T, sg lib.ShardGroup, sender lib.ValidatorID, height uint64) *lib.Message {
	msg, err := lib.NewMessage(sg, sender, &lib.Vote{Height: height, ShardGroup: sg, Voter: sender})
	require.NoError(t, err)
	return msg
}

func TestBroadcast(t *testing.T) {
	tn := newTestNet(t, 8)
	sender := tn.peers[0]
	require.NoError(t, sender.Broadcast(tn.local, testMessage(t, tn.local, sender.ID, 1)))
	// the other 3 members of the committee receive, the sender and the foreign committee do not
	require.Zero(t, sender.Pending())
	for _, p := range tn.peers[1:4] {
		require.Equal(t, 1, p.Pending())
	}
	for _, p := range tn.peers[4:] {
		require.Zero(t, p.Pending())
	}
	// a foreign broadcast reaches the whole foreign committee
	require.NoError(t, sender.Broadcast(tn.other, testMessage(t, tn.other, sender.ID, 1)))
	for _, p := range tn.peers[4:] {
		require.Equal(t, 1, p.Pending())
	}
}

func TestSendCopies(t *testing.T) {
	tn := newTestNet(t, 8)
	from, to := tn.peers[0], tn.peers[1]
	msg := testMessage(t, tn.local, from.ID, 3)
	require.NoError(t, from.Send([]lib.ValidatorID{to.ID}, msg))
	got, ok := to.TryReceive()
	require.True(t, ok)
	require.Equal(t, uint64(3), got.Vote.Height)
	require.Equal(t, from.ID, got.Sender)
	// the recipient owns a private copy
	got.Vote.Height = 99
	require.Equal(t, uint64(3), msg.Vote.Height)
	_, ok = to.TryReceive()
	require.False(t, ok)
}

func TestDeliverErrors(t *testing.T) {
	tests := []struct {
		name    string
		detail  string
		setup   func(tn *testNet)
		dest    func(tn *testNet) Destination
		errCode lib.ErrorCode
	}{
		{
			name:    "unknown peer",
			detail:  "addressing a validator that never joined fails",
			dest:    func(tn *testNet) Destination { return Address("unknown") },
			errCode: lib.CodeUnknownPeer,
		},
		{
			name:   "inbox full",
			detail: "a full inbox drops the message instead of blocking",
			setup: func(tn *testNet) {
				_ = tn.peers[0].Send([]lib.ValidatorID{tn.peers[1].ID}, testMessage(t, tn.local, tn.peers[0].ID, 1))
			},
			dest:    func(tn *testNet) Destination { return Address(tn.peers[1].ID) },
			errCode: lib.CodeInboxFull,
		},
		{
			name:    "stopped",
			detail:  "a stopped network refuses deliveries",
			setup:   func(tn *testNet) { tn.net.Stop() },
			dest:    func(tn *testNet) Destination { return All() },
			errCode: lib.CodeNetworkStopped,
		},
		{
			name:   "banned",
			detail: "a banned sender is refused",
			setup: func(tn *testNet) {
				tn.net.ChangeReputation(tn.peers[0].ID, 2*MinimumPeerReputation)
			},
			dest:    func(tn *testNet) Destination { return All() },
			errCode: lib.CodePeerBanned,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tn := newTestNet(t, 1)
			if test.setup != nil {
				test.setup(tn)
			}
			err := tn.net.Deliver(tn.peers[0].ID, test.dest(tn), testMessage(t, tn.local, tn.peers[0].ID, 1))
			require.Error(t, err)
			require.Equal(t, test.errCode, err.Code())
			require.Equal(t, lib.P2PModule, err.Module())
		})
	}
}

func TestFilter(t *testing.T) {
	tn := newTestNet(t, 8)
	silenced := tn.peers[1].ID
	tn.net.AddFilter(func(from, to lib.ValidatorID, msg *lib.Message) bool { return to != silenced })
	require.NoError(t, tn.net.Deliver(tn.peers[0].ID, All(), testMessage(t, tn.local, tn.peers[0].ID, 1)))
	require.Zero(t, tn.peers[1].Pending())
	require.Equal(t, 1, tn.peers[2].Pending())
	delivered, dropped := tn.net.Stats()
	require.Equal(t, uint64(6), delivered)
	require.Equal(t, uint64(1), dropped)
	// healing the partition
	tn.net.ClearFilters()
	require.NoError(t, tn.net.Deliver(tn.peers[0].ID, All(), testMessage(t, tn.local, tn.peers[0].ID, 2)))
	require.Equal(t, 1, tn.peers[1].Pending())
}

func TestReputation(t *testing.T) {
	tn := newTestNet(t, 1)
	id := tn.peers[0].ID
	tn.net.ChangeReputation(id, 100)
	require.Equal(t, int32(MaxPeerReputation), tn.peers[0].Reputation())
	tn.net.ChangeReputation(id, -15)
	require.False(t, tn.peers[0].Banned())
	tn.net.ChangeReputation(id, -15)
	require.True(t, tn.peers[0].Banned())
	_, err := tn.net.Join(id, 1)
	require.Equal(t, lib.CodePeerExists, err.Code())
	tn.net.Leave(id)
	_, err = tn.net.Peer(id)
	require.Equal(t, lib.CodeUnknownPeer, err.Code())
}
