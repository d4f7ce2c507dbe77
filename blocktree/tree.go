package blocktree

import (
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/sdbondi/tari-dan/lib"
)

/*
	The Tree is the in-memory block DAG of one shard group.

	Blocks live in an arena keyed by hash; parents are found through ParentHash and children through an
	index, so the structure holds no back-pointers. The canonical committed chain is indexed by height
	in a btree. A block whose parent is unknown waits in the pending pool until the parent arrives.

	Commit rule: from the highest justified block c3, follow the justify certificates c2 = c3.justify,
	c1 = c2.justify and b = c1.justify. When each of them is the direct parent of the block above it, b
	is the root of three consecutive QC-linked descendants and commits with every uncommitted ancestor,
	in ascending height order. Dummy blocks are never certified, they only commit as ancestors.
*/

// BlockStatus is the mutable bookkeeping of a block, separate from the immutable payload
type BlockStatus struct {
	Justified  bool      `json:"justified"`
	Committed  bool      `json:"committed"`
	InsertedAt time.Time `json:"insertedAt"`
}

// Status is a read-only summary published after every mutation
type Status struct {
	CommittedHeight uint64   `json:"committedHeight"`
	CommittedHash   lib.Hash `json:"committedHash"`
	JustifiedHeight uint64   `json:"justifiedHeight"`
	JustifiedHash   lib.Hash `json:"justifiedHash"`
	Blocks          int      `json:"blocks"`
	Pending         int      `json:"pending"`
}

// Config bounds the memory held by the tree
type Config struct {
	LookbackWindow    int // committed blocks kept after pruning
	PendingBlockLimit int // orphan blocks held for an unknown parent
}

type node struct {
	block  *lib.Block
	hash   lib.Hash
	status BlockStatus
}

type committedEntry struct {
	height uint64
	hash   lib.Hash
}

// Tree is not safe for concurrent mutation, it is owned by a single engine; Status() may be read from any goroutine
type Tree struct {
	sg               lib.ShardGroup
	blocks           map[lib.Hash]*node
	children         map[lib.Hash][]lib.Hash
	byHeight         map[uint64][]lib.Hash
	committed        *btree.BTreeG[committedEntry]
	pending          map[lib.Hash][]*lib.Block // parent hash -> waiting children
	pendingCount     int
	committedHeight  uint64
	committedHash    lib.Hash
	highestJustified lib.Hash
	config           Config
	status           atomic.Pointer[Status]
	log              lib.LoggerI
}

// New() creates a tree rooted at a committed block: the genesis block or the persisted chain tip
func New(root *lib.Block, config Config, log lib.LoggerI) *Tree {
	if config.LookbackWindow <= 0 {
		config.LookbackWindow = 1
	}
	t := &Tree{
		sg:        root.ShardGroup,
		blocks:    make(map[lib.Hash]*node),
		children:  make(map[lib.Hash][]lib.Hash),
		byHeight:  make(map[uint64][]lib.Hash),
		committed: btree.NewG[committedEntry](2, func(a, b committedEntry) bool { return a.height < b.height }),
		pending:   make(map[lib.Hash][]*lib.Block),
		config:    config,
		log:       log,
	}
	h := root.Hash()
	t.add(&node{block: root, hash: h, status: BlockStatus{Justified: true, Committed: true, InsertedAt: time.Now()}})
	t.committed.ReplaceOrInsert(committedEntry{height: root.Height, hash: h})
	t.committedHeight, t.committedHash, t.highestJustified = root.Height, h, h
	t.publish()
	return t
}

// Insert() adds a block whose parent is known. Errors:
// ErrInvalidParent: the parent is unknown, the block is held pending
// ErrHeightMismatch: the height does not extend the parent or is at or below the committed height
// ErrDuplicateHeight: the same proposer already has a different non dummy block at the height
func (t *Tree) Insert(b *lib.Block) lib.ErrorI { return t.insert(b, true) }

// InsertCertified() inserts a block named by a verified certificate, which a quorum accepted even if its
// proposer equivocated at the height
func (t *Tree) InsertCertified(b *lib.Block) lib.ErrorI { return t.insert(b, false) }

func (t *Tree) insert(b *lib.Block, checkDuplicate bool) lib.ErrorI {
	if b == nil {
		return lib.ErrNilBlock()
	}
	h := b.Hash()
	if _, exists := t.blocks[h]; exists {
		return nil
	}
	if b.Height <= t.committedHeight {
		return lib.ErrHeightMismatch(t.committedHeight+1, b.Height)
	}
	parent, ok := t.blocks[b.ParentHash]
	if !ok {
		t.AddPending(b.ParentHash, b)
		return lib.ErrInvalidParent(b.ParentHash)
	}
	if b.Height != parent.block.Height+1 {
		return lib.ErrHeightMismatch(parent.block.Height+1, b.Height)
	}
	if checkDuplicate && !b.IsDummy {
		for _, other := range t.byHeight[b.Height] {
			o := t.blocks[other]
			if !o.block.IsDummy && o.block.Proposer == b.Proposer {
				return lib.ErrDuplicateHeight(b.Height, b.Proposer)
			}
		}
	}
	t.add(&node{block: b, hash: h, status: BlockStatus{InsertedAt: time.Now()}})
	t.publish()
	return nil
}

// MarkJustified() marks a block certified by a quorum certificate as justified
func (t *Tree) MarkJustified(hash lib.Hash) lib.ErrorI {
	n, ok := t.blocks[hash]
	if !ok {
		return lib.ErrUnknownBlock(hash)
	}
	n.status.Justified = true
	if hj, found := t.blocks[t.highestJustified]; !found || n.block.Height > hj.block.Height {
		t.highestJustified = hash
	}
	t.publish()
	return nil
}

// TryCommit() applies the commit rule from the highest justified block and returns the newly committed blocks
// in ascending height order. ErrConflictingCommit is fatal: the chain being committed does not extend the committed chain
func (t *Tree) TryCommit() ([]*lib.Block, lib.ErrorI) {
	b, ok := t.blocks[t.highestJustified]
	if !ok {
		return nil, nil
	}
	for links := 0; links < 3; links++ {
		j, found := t.justified(b)
		if !found || b.block.ParentHash != j.hash {
			return nil, nil
		}
		b = j
	}
	if b.status.Committed || b.block.Height <= t.committedHeight {
		return nil, nil
	}
	// collect b and its uncommitted ancestors down to the committed tip
	var toCommit []*node
	for cur := b; ; {
		if cur.hash == t.committedHash {
			break
		}
		if cur.block.Height <= t.committedHeight {
			return nil, lib.ErrConflictingCommit(t.committedHash, cur.hash, cur.block.Height)
		}
		toCommit = append(toCommit, cur)
		p, found := t.blocks[cur.block.ParentHash]
		if !found {
			return nil, lib.ErrConflictingCommit(t.committedHash, cur.hash, cur.block.Height)
		}
		cur = p
	}
	committed := make([]*lib.Block, 0, len(toCommit))
	for i := len(toCommit) - 1; i >= 0; i-- {
		n := toCommit[i]
		n.status.Committed = true
		t.committed.ReplaceOrInsert(committedEntry{height: n.block.Height, hash: n.hash})
		t.committedHeight, t.committedHash = n.block.Height, n.hash
		committed = append(committed, n.block)
	}
	t.prune()
	t.publish()
	return committed, nil
}

// justified() returns the block certified by the justify certificate of n
func (t *Tree) justified(n *node) (*node, bool) {
	if n.block.Justify == nil || n.block.IsGenesis() {
		return nil, false
	}
	j, ok := t.blocks[n.block.Justify.BlockHash]
	if !ok || !j.status.Justified || j.block.Height != n.block.Justify.BlockHeight {
		return nil, false
	}
	return j, true
}

// Get() returns a block and its status
func (t *Tree) Get(hash lib.Hash) (*lib.Block, BlockStatus, bool) {
	n, ok := t.blocks[hash]
	if !ok {
		return nil, BlockStatus{}, false
	}
	return n.block, n.status, true
}

// Has() returns true if the block is in the arena
func (t *Tree) Has(hash lib.Hash) bool {
	_, ok := t.blocks[hash]
	return ok
}

// Children() returns the known children of a block
func (t *Tree) Children(hash lib.Hash) []*lib.Block {
	var out []*lib.Block
	for _, c := range t.children[hash] {
		if n, ok := t.blocks[c]; ok {
			out = append(out, n.block)
		}
	}
	return out
}

// AtHeight() returns every known block of a height, forks and dummies included
func (t *Tree) AtHeight(height uint64) []*lib.Block {
	var out []*lib.Block
	for _, h := range t.byHeight[height] {
		if n, ok := t.blocks[h]; ok {
			out = append(out, n.block)
		}
	}
	return out
}

// CommittedAt() returns the hash of the canonical committed block at a height within the lookback window
func (t *Tree) CommittedAt(height uint64) (lib.Hash, bool) {
	entry, ok := t.committed.Get(committedEntry{height: height})
	return entry.hash, ok
}

// CommittedTip() returns the highest committed block
func (t *Tree) CommittedTip() *lib.Block { return t.blocks[t.committedHash].block }

// HighestJustified() returns the highest justified block
func (t *Tree) HighestJustified() *lib.Block { return t.blocks[t.highestJustified].block }

// Extends() returns true if descendant is ancestor or a descendant of it
func (t *Tree) Extends(descendant, ancestor lib.Hash) bool {
	anc, ok := t.blocks[ancestor]
	if !ok {
		return false
	}
	cur, ok := t.blocks[descendant]
	for ok && cur.block.Height > anc.block.Height {
		cur, ok = t.blocks[cur.block.ParentHash]
	}
	if !ok {
		return false
	}
	return cur.hash == ancestor
}

// Waiting() returns true if a pending block waits on hash
func (t *Tree) Waiting(hash lib.Hash) bool { return len(t.pending[hash]) != 0 }

// TakePending() removes and returns the blocks waiting on a block
func (t *Tree) TakePending(hash lib.Hash) []*lib.Block {
	waiting := t.pending[hash]
	if len(waiting) == 0 {
		return nil
	}
	delete(t.pending, hash)
	t.pendingCount -= len(waiting)
	t.publish()
	return waiting
}

// Status() returns the latest published summary, safe for concurrent readers
func (t *Tree) Status() Status { return *t.status.Load() }

func (t *Tree) add(n *node) {
	t.blocks[n.hash] = n
	t.children[n.block.ParentHash] = append(t.children[n.block.ParentHash], n.hash)
	t.byHeight[n.block.Height] = append(t.byHeight[n.block.Height], n.hash)
}

func (t *Tree) remove(hash lib.Hash) {
	n, ok := t.blocks[hash]
	if !ok {
		return
	}
	delete(t.blocks, hash)
	delete(t.children, hash)
	siblings := t.children[n.block.ParentHash]
	for i, s := range siblings {
		if s == hash {
			t.children[n.block.ParentHash] = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	if len(t.children[n.block.ParentHash]) == 0 {
		delete(t.children, n.block.ParentHash)
	}
	atHeight := t.byHeight[n.block.Height]
	for i, s := range atHeight {
		if s == hash {
			t.byHeight[n.block.Height] = append(atHeight[:i:i], atHeight[i+1:]...)
			break
		}
	}
	if len(t.byHeight[n.block.Height]) == 0 {
		delete(t.byHeight, n.block.Height)
	}
}

// AddPending() holds a block until the block it waits on is inserted and released through TakePending()
func (t *Tree) AddPending(waitingOn lib.Hash, b *lib.Block) {
	if t.pendingCount >= t.config.PendingBlockLimit {
		t.log.Warnf("Pending pool full, dropping %s", b)
		return
	}
	for _, waiting := range t.pending[waitingOn] {
		if waiting.Hash() == b.Hash() {
			return
		}
	}
	t.pending[waitingOn] = append(t.pending[waitingOn], b)
	t.pendingCount++
	t.publish()
}

// prune() drops every fork at or below the committed height with all its descendants,
// and the committed blocks that fell out of the lookback window
func (t *Tree) prune() {
	var forks []lib.Hash
	for height, hashes := range t.byHeight {
		if height > t.committedHeight {
			continue
		}
		for _, h := range hashes {
			if !t.blocks[h].status.Committed {
				forks = append(forks, h)
			}
		}
	}
	for len(forks) > 0 {
		h := forks[len(forks)-1]
		forks = append(forks[:len(forks)-1], t.children[h]...)
		t.remove(h)
	}
	// the lookback window of the committed chain
	for t.committed.Len() > t.config.LookbackWindow {
		oldest, _ := t.committed.DeleteMin()
		t.remove(oldest.hash)
	}
	// orphans that can never attach
	for hash, waiting := range t.pending {
		kept := waiting[:0]
		for _, b := range waiting {
			if b.Height > t.committedHeight {
				kept = append(kept, b)
			}
		}
		t.pendingCount -= len(waiting) - len(kept)
		if len(kept) == 0 {
			delete(t.pending, hash)
		} else {
			t.pending[hash] = kept
		}
	}
}

func (t *Tree) publish() {
	s := &Status{
		CommittedHeight: t.committedHeight,
		CommittedHash:   t.committedHash,
		JustifiedHash:   t.highestJustified,
		Blocks:          len(t.blocks),
		Pending:         t.pendingCount,
	}
	if n, ok := t.blocks[t.highestJustified]; ok {
		s.JustifiedHeight = n.block.Height
	}
	t.status.Store(s)
}
