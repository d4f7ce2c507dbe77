package cli

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sdbondi/tari-dan/bft"
	"github.com/sdbondi/tari-dan/controller"
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/p2p"
	"github.com/sdbondi/tari-dan/registry"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/stat"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run every validator of a generated network in process until a committed height is reached",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSimulation(sim); err != nil {
			l.Fatal(err.Error())
		}
	},
}

// simulation are the knobs of the in process network
type simulation struct {
	groups      int
	perGroup    int
	crash       int // validators of each committee that never start
	commands    int
	crossRatio  float64
	target      uint64
	seed        int64
	timeoutMS   int
	maxDuration time.Duration
}

var sim = simulation{}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&sim.groups, "groups", 2, "number of shard groups")
	f.IntVar(&sim.perGroup, "per-group", 4, "committee size of each shard group")
	f.IntVar(&sim.crash, "crash", 0, "validators of each committee that stay offline")
	f.IntVar(&sim.commands, "commands", 100, "commands submitted to the mempool")
	f.Float64Var(&sim.crossRatio, "cross-ratio", 0.25, "share of commands touching two shard groups")
	f.Uint64Var(&sim.target, "height", 20, "committed height every shard group must reach")
	f.Int64Var(&sim.seed, "seed", 1, "seed of the keys and the command generator")
	f.IntVar(&sim.timeoutMS, "timeout", 500, "base round timeout in milliseconds")
	f.DurationVar(&sim.maxDuration, "duration", 2*time.Minute, "give up after this long")
}

// commitKey identifies a committed block of the network
type commitKey struct {
	sg     lib.ShardGroup
	height uint64
}

// simCollector aggregates the events of every node
type simCollector struct {
	mu        sync.Mutex
	commits   map[commitKey]bool // dummy or not
	latencies []float64          // proposal to commit, in milliseconds
	complete  int
	disputed  int
	executed  map[lib.Hash]struct{}
}

// SubmitCommittedCommands() implements bft.Executor for every simulated node
func (s *simCollector) SubmitCommittedCommands(_ lib.ShardGroup, _ uint64, commands []*lib.Command) lib.ErrorI {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range commands {
		s.executed[c.Hash()] = struct{}{}
	}
	return nil
}

// onEvent() records a committed block once per shard group and height
func (s *simCollector) onEvent(sg lib.ShardGroup, ev bft.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case bft.EventCommandsComplete:
		s.complete += len(ev.Records)
	case bft.EventCommandsDisputed:
		s.disputed += len(ev.Records)
	case bft.EventBlockCommitted:
		key := commitKey{sg, ev.Block.Height}
		if _, seen := s.commits[key]; seen {
			return
		}
		s.commits[key] = ev.Block.IsDummy
		if !ev.Block.IsDummy {
			proposed := time.UnixMilli(int64(ev.Block.Timestamp))
			s.latencies = append(s.latencies, float64(ev.Occurred.Sub(proposed).Milliseconds()))
		}
	}
}

// runSimulation() generates a network, drives it to the target height and prints a summary
func runSimulation(s simulation) lib.ErrorI {
	a, keys, err := registry.GenerateAssignment(1, s.groups, s.perGroup, fmt.Sprintf("sim/%d", s.seed))
	if err != nil {
		return err
	}
	if err = a.WriteToFile(DataDir); err != nil {
		return err
	}
	c := config
	c.StoreConfig.InMemory = true
	c.RoundTimeoutMS = s.timeoutMS
	if c.MaxRoundTimeoutMS < 8*s.timeoutMS {
		c.MaxRoundTimeoutMS = 8 * s.timeoutMS
	}
	r, err := registry.New(a, c.GetQuorumRule(), c.RegistryConfig, l)
	if err != nil {
		return err
	}
	metrics := lib.NewMetricsServer(c.MetricsConfig, nil, l)
	metrics.Start()
	defer metrics.Stop()
	net, mempool := p2p.NewNetwork(r, l), controller.NewMempool(r, 0, l)
	collector := &simCollector{commits: make(map[commitKey]bool), executed: make(map[lib.Hash]struct{})}
	// create a controller for every validator that is online
	var nodes []*controller.Controller
	for _, sg := range a.Partition {
		for i, v := range a.Committees[sg] {
			if i < s.crash {
				l.Warnf("Validator %s of %s is offline", v.ID.Short(), sg)
				continue
			}
			ctrl, e := controller.New(c, keys[v.ID], r, controller.Options{
				Network: net, Executor: collector, Mempool: mempool, Metrics: metrics}, l)
			if e != nil {
				return e
			}
			ctrl.SetListener(collector.onEvent)
			nodes = append(nodes, ctrl)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.maxDuration)
	defer cancel()
	for _, n := range nodes {
		n.Start(ctx)
	}
	submitted := submitCommands(s, a.Partition, mempool)
	start, kill := time.Now(), waitForKill()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	reached := false
wait:
	for {
		select {
		case <-kill:
			break wait
		case <-ctx.Done():
			l.Warnf("Target height %d not reached within %s", s.target, s.maxDuration)
			break wait
		case <-ticker.C:
			if reached = lowestCommitted(nodes) >= s.target; reached {
				break wait
			}
		}
	}
	elapsed := time.Since(start)
	for _, n := range nodes {
		if e := n.Stop(); e != nil {
			l.Errorf("Node %s halted with err: %s", n.Self.Short(), e.Error())
		}
	}
	net.Stop()
	delivered, dropped := net.Stats()
	printSummary(s, collector, submitted, reached, elapsed, delivered, dropped)
	return nil
}

// submitCommands() queues the local and cross shard commands of the simulation
func submitCommands(s simulation, partition []lib.ShardGroup, mempool *controller.Mempool) (submitted int) {
	rng := rand.New(rand.NewSource(s.seed))
	shardIn := func(sg lib.ShardGroup) lib.ShardID {
		return sg.Start + lib.ShardID(rng.Uint64()%sg.Len())
	}
	for i := 0; i < s.commands; i++ {
		first := partition[rng.Intn(len(partition))]
		shards := []lib.ShardID{shardIn(first)}
		if len(partition) > 1 && rng.Float64() < s.crossRatio {
			second := partition[rng.Intn(len(partition))]
			for second == first {
				second = partition[rng.Intn(len(partition))]
			}
			shards = append(shards, shardIn(second))
		}
		arg := make([]byte, 8)
		rng.Read(arg)
		cmd := &lib.Command{Kind: lib.CommandPrepare, Shards: shards, Instruction: &lib.Instruction{
			Method: "transfer", Args: []lib.HexBytes{arg}}}
		if err := mempool.Submit(cmd); err != nil {
			l.Warnf("Command rejected: %s", err.Error())
			continue
		}
		submitted++
	}
	return
}

// lowestCommitted() returns the committed height of the slowest node
func lowestCommitted(nodes []*controller.Controller) (min uint64) {
	for i, n := range nodes {
		if h := n.CommittedHeight(); i == 0 || h < min {
			min = h
		}
	}
	return
}

// printSummary() prints the outcome of the simulation
func printSummary(s simulation, c *simCollector, submitted int, reached bool, elapsed time.Duration, delivered, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := message.NewPrinter(language.English)
	outcome := color.New(color.FgGreen, color.Bold)
	if !reached {
		outcome = color.New(color.FgRed, color.Bold)
	}
	outcome.Printf("%d shard group(s) of %d, target height %d reached: %t\n", s.groups, s.perGroup, s.target, reached)
	dummies := 0
	for _, dummy := range c.commits {
		if dummy {
			dummies++
		}
	}
	p.Printf("elapsed:            %s\n", elapsed.Round(time.Millisecond))
	p.Printf("committed blocks:   %d (%d dummy)\n", len(c.commits), dummies)
	p.Printf("cross shard:        %d complete, %d disputed (summed over nodes)\n", c.complete, c.disputed)
	p.Printf("commands executed:  %d of %d\n", len(c.executed), submitted)
	p.Printf("messages delivered: %d (%d dropped)\n", delivered, dropped)
	if len(c.latencies) == 0 {
		return
	}
	sorted := append([]float64(nil), c.latencies...)
	sort.Float64s(sorted)
	p.Printf("commit latency ms:  mean %.1f, stddev %.1f, p50 %.0f, p99 %.0f\n",
		stat.Mean(sorted, nil), stat.StdDev(sorted, nil),
		stat.Quantile(0.5, stat.Empirical, sorted, nil), stat.Quantile(0.99, stat.Empirical, sorted, nil))
}
