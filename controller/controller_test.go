package controller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sdbondi/tari-dan/bft"
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/p2p"
	"github.com/sdbondi/tari-dan/registry"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// testExecutor records the hashes of submitted commands
type testExecutor struct {
	mu       sync.Mutex
	executed map[lib.Hash]int
}

func (x *testExecutor) SubmitCommittedCommands(_ lib.ShardGroup, _ uint64, commands []*lib.Command) lib.ErrorI {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range commands {
		x.executed[c.Hash()]++
	}
	return nil
}

func (x *testExecutor) count(hash lib.Hash) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.executed[hash]
}

type testNode struct {
	controller *Controller
	executor   *testExecutor
}

// newTestNodes() creates a controller for every validator of a groups x perGroup assignment
func newTestNodes(t *testing.T, groups, perGroup int) ([]*testNode, *registry.Registry, *Mempool) {
	a, keys, err := registry.GenerateAssignment(1, groups, perGroup, "controller")
	require.NoError(t, err)
	c := lib.DefaultConfig()
	c.RoundTimeoutMS, c.MaxRoundTimeoutMS = 300, 1200
	c.StoreConfig.InMemory = true
	log := lib.NewNullLogger()
	r, err := registry.New(a, c.GetQuorumRule(), c.RegistryConfig, log)
	require.NoError(t, err)
	net := p2p.NewNetwork(r, log)
	mempool := NewMempool(r, 0, log)
	var nodes []*testNode
	for _, sg := range a.Partition {
		for _, v := range a.Committees[sg] {
			x := &testExecutor{executed: make(map[lib.Hash]int)}
			ctrl, e := New(c, keys[v.ID], r, Options{Network: net, Executor: x, Mempool: mempool}, log)
			require.NoError(t, e)
			nodes = append(nodes, &testNode{controller: ctrl, executor: x})
		}
	}
	return nodes, r, mempool
}

func TestControllerCommits(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	nodes, r, mempool := newTestNodes(t, 2, 4)
	partition := r.Current().Partition
	var commits sync.Map
	ctx := context.Background()
	for _, n := range nodes {
		n.controller.SetListener(func(sg lib.ShardGroup, ev bft.Event) {
			if ev.Kind == bft.EventBlockCommitted {
				commits.Store(sg, ev.Block.Height)
			}
		})
		n.controller.Start(ctx)
	}
	cross := &lib.Command{Kind: lib.CommandPrepare, Instruction: &lib.Instruction{Method: "swap"},
		Shards: []lib.ShardID{partition[0].Start, partition[1].End}}
	local := &lib.Command{Kind: lib.CommandPrepare, Instruction: &lib.Instruction{Method: "mint"},
		Shards: []lib.ShardID{partition[0].Start}}
	require.NoError(t, mempool.Submit(cross))
	require.NoError(t, mempool.Submit(local))
	require.Equal(t, lib.CodeDuplicateCommand, mempool.Submit(local).Code())
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.executor.count(cross.Hash()) != 1 || n.controller.CommittedHeight() < 3 {
				return false
			}
		}
		return true
	}, 30*time.Second, 20*time.Millisecond)
	// the local command is only executed by its own group
	for _, n := range nodes {
		_, inGroup := n.controller.Engines[partition[0]]
		if inGroup {
			require.Eventually(t, func() bool { return n.executor.count(local.Hash()) == 1 }, 10*time.Second, 20*time.Millisecond)
		} else {
			require.Zero(t, n.executor.count(local.Hash()))
		}
	}
	_, ok := commits.Load(partition[1])
	require.True(t, ok)
	// the summary reports every engine of the node
	bz, err := nodes[0].controller.ConsensusSummary()
	require.NoError(t, err)
	summaries := make(map[string]Summary)
	require.NoError(t, json.Unmarshal(bz, &summaries))
	require.Len(t, summaries, 1)
	for _, s := range summaries {
		require.GreaterOrEqual(t, s.Consensus.CommittedHeight, uint64(3))
		require.Equal(t, s.Consensus.CommittedHeight, s.Tree.CommittedHeight)
	}
	for _, n := range nodes {
		require.NoError(t, n.controller.Stop())
	}
	goleak.VerifyNone(t, ignore)
}

func TestControllerResumes(t *testing.T) {
	a, keys, err := registry.GenerateAssignment(1, 1, 1, "resume")
	require.NoError(t, err)
	c := lib.DefaultConfig()
	c.StoreConfig.DataDirPath, c.RoundTimeoutMS = t.TempDir(), 200
	log := lib.NewNullLogger()
	r, err := registry.New(a, c.GetQuorumRule(), c.RegistryConfig, log)
	require.NoError(t, err)
	var id lib.ValidatorID
	for v := range keys {
		id = v
	}
	net := p2p.NewNetwork(r, log)
	start := func() *Controller {
		ctrl, e := New(c, keys[id], r, Options{Network: net, Executor: &testExecutor{executed: make(map[lib.Hash]int)}}, log)
		require.NoError(t, e)
		return ctrl
	}
	// a committee of one certifies its own proposals
	first := start()
	first.Start(context.Background())
	require.Eventually(t, func() bool { return first.CommittedHeight() >= 3 }, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Stop())
	// the restarted node continues above its persisted tip
	second := start()
	defer func() { require.NoError(t, second.Stop()) }()
	engine := second.Engines[a.Partition[0]]
	require.GreaterOrEqual(t, engine.Status().CommittedHeight, uint64(3))
	require.Greater(t, engine.Height(), engine.Status().CommittedHeight)
}

func TestNewRejectsUnassigned(t *testing.T) {
	a, _, err := registry.GenerateAssignment(1, 1, 4, "unassigned")
	require.NoError(t, err)
	_, outsiders, err := registry.GenerateAssignment(1, 1, 1, "outsider")
	require.NoError(t, err)
	c := lib.DefaultConfig()
	c.StoreConfig.InMemory = true
	log := lib.NewNullLogger()
	r, err := registry.New(a, c.GetQuorumRule(), c.RegistryConfig, log)
	require.NoError(t, err)
	for _, key := range outsiders {
		_, e := New(c, key, r, Options{Network: p2p.NewNetwork(r, log)}, log)
		require.Error(t, e)
		require.Equal(t, lib.CodeNoShardGroups, e.Code())
	}
}
