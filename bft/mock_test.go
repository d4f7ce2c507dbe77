package bft

import (
	"fmt"
	"sync"
	"testing"

	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/lib/crypto"
	"github.com/sdbondi/tari-dan/p2p"
	"github.com/sdbondi/tari-dan/registry"
	"github.com/stretchr/testify/require"
)

const (
	testInboxSize   = 1 << 14
	testPumpBudget  = 200000 // messages handled by one pump() before it gives up
	testMaxTimeouts = 40
)

var _ Storage = &testStorage{}
var _ Executor = &testExecutor{}
var _ Mempool = &testMempool{}

// testStorage records persisted blocks and the latest voting state in memory
type testStorage struct {
	mu     sync.Mutex
	blocks []*lib.Block
	qcs    map[lib.Hash]*lib.QuorumCertificate
	votes  *lib.VoteState
}

func newTestStorage() *testStorage {
	return &testStorage{qcs: make(map[lib.Hash]*lib.QuorumCertificate)}
}

func (s *testStorage) PersistCommittedBlock(block *lib.Block, qc *lib.QuorumCertificate) lib.ErrorI {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, block)
	if qc != nil {
		s.qcs[block.Hash()] = qc
	}
	return nil
}

func (s *testStorage) LoadChainTip(_ lib.ShardGroup) (*lib.Block, *lib.QuorumCertificate, lib.ErrorI) {
	return nil, nil, nil
}

func (s *testStorage) PersistVoteState(_ lib.ShardGroup, state *lib.VoteState) lib.ErrorI {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes = state
	return nil
}

func (s *testStorage) LoadVoteState(_ lib.ShardGroup) (*lib.VoteState, lib.ErrorI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votes, nil
}

// testExecutor records submitted commands in submission order
type testExecutor struct {
	mu       sync.Mutex
	commands []*lib.Command
	heights  []uint64
}

func (x *testExecutor) SubmitCommittedCommands(_ lib.ShardGroup, height uint64, commands []*lib.Command) lib.ErrorI {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range commands {
		x.commands = append(x.commands, c)
		x.heights = append(x.heights, height)
	}
	return nil
}

func (x *testExecutor) executed(hash lib.Hash) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range x.commands {
		if c.Hash() == hash {
			return true
		}
	}
	return false
}

// testMempool is a queue of commands per shard group shared by every leader of the cluster
type testMempool struct {
	mu     sync.Mutex
	queues map[lib.ShardGroup][]*lib.Command
}

func newTestMempool() *testMempool {
	return &testMempool{queues: make(map[lib.ShardGroup][]*lib.Command)}
}

func (m *testMempool) add(sg lib.ShardGroup, cmds ...*lib.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[sg] = append(m.queues[sg], cmds...)
}

func (m *testMempool) PendingCommands(sg lib.ShardGroup, max int) []*lib.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[sg]
	n := len(q)
	if max > 0 && n > max {
		n = max
	}
	out := q[:n:n]
	m.queues[sg] = q[n:]
	return out
}

// testNode is one validator of the cluster
type testNode struct {
	id       lib.ValidatorID
	key      crypto.PrivateKeyI
	sg       lib.ShardGroup
	peer     *p2p.Peer
	engine   *Engine
	storage  Storage
	executor *testExecutor
	evidence *EvidencePool
	crashed  bool // a crashed node neither receives nor times out
}

// testCluster is a set of engines on an in process network, driven synchronously by the test
type testCluster struct {
	t       *testing.T
	config  lib.Config
	reg     *registry.Registry
	net     *p2p.Network
	mempool *testMempool
	groups  []lib.ShardGroup
	nodes   []*testNode
	log     lib.LoggerI
}

// newTestCluster() creates groups committees of perGroup validators, each with a running engine
func newTestCluster(t *testing.T, groups, perGroup int, configure ...func(c *lib.Config)) *testCluster {
	a, keys, err := registry.GenerateAssignment(1, groups, perGroup, "bft")
	require.NoError(t, err)
	c := lib.DefaultConfig()
	for _, fn := range configure {
		fn(&c)
	}
	log := lib.NewNullLogger()
	r, err := registry.New(a, c.GetQuorumRule(), c.RegistryConfig, log)
	require.NoError(t, err)
	tc := &testCluster{t: t, config: c, reg: r, net: p2p.NewNetwork(r, log), mempool: newTestMempool(), groups: a.Partition, log: log}
	// every peer joins before the first engine can propose
	for _, sg := range a.Partition {
		for _, v := range a.Committees[sg] {
			peer, e := tc.net.Join(v.ID, testInboxSize)
			require.NoError(t, e)
			tc.nodes = append(tc.nodes, &testNode{id: v.ID, key: keys[v.ID], sg: sg, peer: peer,
				storage: newTestStorage(), executor: &testExecutor{}, evidence: NewEvidencePool(log)})
		}
	}
	for _, n := range tc.nodes {
		tc.start(n)
	}
	return tc
}

// start() creates the engine of a node over its current storage
func (tc *testCluster) start(n *testNode) {
	e, err := New(n.sg, tc.config, n.key, tc.reg, Collaborators{
		Transport: n.peer,
		Storage:   n.storage,
		Executor:  n.executor,
		Mempool:   tc.mempool,
		Evidence:  n.evidence,
	}, nil, tc.log)
	require.NoError(tc.t, err)
	n.engine = e
}

// group() returns the live nodes of a shard group
func (tc *testCluster) group(sg lib.ShardGroup) (nodes []*testNode) {
	for _, n := range tc.nodes {
		if n.sg == sg && !n.crashed {
			nodes = append(nodes, n)
		}
	}
	return
}

// leaderOf() returns the node scheduled to lead a height in sg
func (tc *testCluster) leaderOf(sg lib.ShardGroup, height uint64) *testNode {
	for _, n := range tc.nodes {
		if n.sg != sg {
			continue
		}
		id, err := n.engine.leaderFor(height)
		require.NoError(tc.t, err)
		for _, m := range tc.nodes {
			if m.id == id {
				return m
			}
		}
	}
	tc.t.Fatalf("no leader for height %d", height)
	return nil
}

// crash() silences a node: messages from and to it are dropped
func (tc *testCluster) crash(n *testNode) {
	n.crashed = true
	id := n.id
	tc.net.AddFilter(func(from, to lib.ValidatorID, _ *lib.Message) bool { return from != id && to != id })
}

// pump() delivers queued messages until the network is quiet, cond holds or the budget is spent
func (tc *testCluster) pump(cond func() bool) bool {
	for handled := 0; handled < testPumpBudget; {
		progressed := false
		for _, n := range tc.nodes {
			if n.crashed {
				for _, ok := n.peer.TryReceive(); ok; _, ok = n.peer.TryReceive() {
				}
				continue
			}
			for msg, ok := n.peer.TryReceive(); ok; msg, ok = n.peer.TryReceive() {
				if err := n.engine.HandleMessage(msg); err != nil && isFatal(err) {
					tc.t.Fatalf("node %s halted: %s", n.id.Short(), err.Error())
				}
				handled++
				progressed = true
			}
			if cond() {
				return true
			}
		}
		if !progressed {
			return cond()
		}
	}
	return cond()
}

// timeoutAll() expires the round timer of every live node before any resulting message is delivered
func (tc *testCluster) timeoutAll() {
	for _, n := range tc.nodes {
		if n.crashed {
			continue
		}
		require.NoError(tc.t, n.engine.HandleTimeout())
	}
}

// run() pumps messages and fires timeouts whenever the network is quiet, until cond holds
// returns the number of timeout rounds fired
func (tc *testCluster) run(cond func() bool, maxTimeouts int) int {
	for i := 0; i <= maxTimeouts; i++ {
		if tc.pump(cond) {
			return i
		}
		tc.timeoutAll()
	}
	tc.t.Fatalf("condition not reached after %d timeouts", maxTimeouts)
	return -1
}

// committedAtLeast() is a run() condition on the committed height of every live node of sg
func (tc *testCluster) committedAtLeast(sg lib.ShardGroup, height uint64) func() bool {
	return func() bool {
		for _, n := range tc.group(sg) {
			if n.engine.Tree.Status().CommittedHeight < height {
				return false
			}
		}
		return true
	}
}

// requireSameCommittedChain() checks every live node of sg committed the same block at each height up to height
func (tc *testCluster) requireSameCommittedChain(sg lib.ShardGroup, height uint64) {
	nodes := tc.group(sg)
	for h := uint64(1); h <= height; h++ {
		expected, ok := nodes[0].engine.Tree.CommittedAt(h)
		require.True(tc.t, ok, fmt.Sprintf("height %d not committed", h))
		for _, n := range nodes[1:] {
			got, found := n.engine.Tree.CommittedAt(h)
			require.True(tc.t, found)
			require.Equal(tc.t, expected, got, fmt.Sprintf("fork at height %d", h))
		}
	}
}

// localCommand() returns a command touching only sg
func localCommand(sg lib.ShardGroup, name string) *lib.Command {
	return &lib.Command{Kind: lib.CommandPrepare, Instruction: &lib.Instruction{Method: name}, Shards: []lib.ShardID{sg.Start}}
}
