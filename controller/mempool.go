package controller

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sdbondi/tari-dan/bft"
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/registry"
)

var _ bft.Mempool = &Mempool{}

// DefaultMempoolLimit is the queue capacity per shard group used for a non positive limit
const DefaultMempoolLimit = 10000

// Mempool queues submitted commands per shard group until a leader pulls them into a proposal
// - a command touching several shard groups is queued for each of them
// - pulled commands stay queued until a block of the shard group commits them, a leader skips commands
//   already carried by the uncommitted chain it extends
// - the mempool may be shared by every validator of the process
// - a command is accepted once, resubmission within the seen window is a duplicate
type Mempool struct {
	queues   map[lib.ShardGroup][]*lib.Command
	seen     *lru.Cache[lib.Hash, struct{}]
	limit    int // max queued commands per shard group
	registry *registry.Registry
	mu       sync.Mutex
	log      lib.LoggerI
}

// NewMempool() creates a mempool resolving touched shard groups against the registry
func NewMempool(r *registry.Registry, limit int, log lib.LoggerI) *Mempool {
	if limit <= 0 {
		limit = DefaultMempoolLimit
	}
	// the seen window spans several full queues
	seen, _ := lru.New[lib.Hash, struct{}](10 * limit)
	return &Mempool{
		queues:   make(map[lib.ShardGroup][]*lib.Command),
		seen:     seen,
		limit:    limit,
		registry: r,
		log:      log.WithPrefix("mempool"),
	}
}

// Submit() queues a command for every shard group it touches
func (m *Mempool) Submit(cmd *lib.Command) lib.ErrorI {
	hash := cmd.Hash()
	groups, err := m.registry.Current().GroupsTouched(cmd.Shards)
	if err != nil {
		return ErrUnknownCommand(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen.Contains(hash) {
		return ErrDuplicateCommand(hash)
	}
	for _, sg := range groups {
		if len(m.queues[sg]) >= m.limit {
			return ErrMempoolFull(sg)
		}
	}
	m.seen.Add(hash, struct{}{})
	for _, sg := range groups {
		m.queues[sg] = append(m.queues[sg], cmd)
	}
	m.log.Debugf("Queued command %s for %d shard group(s)", hash.Short(), len(groups))
	return nil
}

// PendingCommands() returns up to max commands of sg in submission order
func (m *Mempool) PendingCommands(sg lib.ShardGroup, max int) []*lib.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[sg]
	n := len(q)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]*lib.Command, n)
	copy(out, q)
	return out
}

// Remove() drops the commands a block of sg committed from the queue of sg
func (m *Mempool) Remove(sg lib.ShardGroup, committed []*lib.Command) {
	if len(committed) == 0 {
		return
	}
	done := make(map[lib.Hash]struct{}, len(committed))
	for _, c := range committed {
		done[c.Hash()] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[sg]
	kept := q[:0]
	for _, c := range q {
		if _, ok := done[c.Hash()]; !ok {
			kept = append(kept, c)
		}
	}
	// clear the tail so removed commands can be collected
	for i := len(kept); i < len(q); i++ {
		q[i] = nil
	}
	m.queues[sg] = kept
}

// Pending() returns the number of queued commands of sg
func (m *Mempool) Pending(sg lib.ShardGroup) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[sg])
}
