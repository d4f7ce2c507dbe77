package bft

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sdbondi/tari-dan/blocktree"
	"github.com/sdbondi/tari-dan/foreign"
	"github.com/sdbondi/tari-dan/leader"
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/lib/crypto"
	"github.com/sdbondi/tari-dan/qc"
	"github.com/sdbondi/tari-dan/registry"
)

// eventBufferSize is the capacity of the events channel, events are dropped once it is full
const eventBufferSize = 1024

// Engine is a chained HotStuff instance for a single shard group
// - every transition runs on one goroutine: Start() selects over the inbox, the round timer and the context
// - HandleMessage() and HandleTimeout() are the synchronous transition functions, callable directly in tests
type Engine struct {
	ShardGroup lib.ShardGroup // the shard group this engine orders blocks for
	Self       lib.ValidatorID

	height    uint64                 // the current view height
	state     State                  // the phase of the current height
	epoch     lib.Epoch              // the epoch of the current height, changes only when entering a height
	snapshot  *registry.Snapshot     // the registry snapshot of the current height
	highQC    *lib.QuorumCertificate // the highest certificate seen
	locked    *lib.Block             // the locked block
	lastVoted uint64                 // the highest height voted for, never decreases
	proposed  uint64                 // the highest height this node proposed at
	proposing bool                   // a proposal of this node is being processed
	qcs       map[lib.Hash]*lib.QuorumCertificate
	newViews  map[uint64]map[lib.ValidatorID]*lib.NewView

	Tree      *blocktree.Tree
	Foreign   *foreign.Index
	builder   *qc.Builder
	verifier  *qc.Verifier
	scheduler *leader.Scheduler
	registry  *registry.Registry

	Collaborators
	signer Signer

	inbox   chan *lib.Message
	wake    chan struct{} // a proposal deferred until the current transition finished
	events  chan Event
	timer   *time.Timer
	backoff *backoff.ExponentialBackOff
	timeout time.Duration // the wait of the current height
	stopped atomic.Bool
	status  atomic.Pointer[Status]

	network uint64
	Config  lib.ConsensusConfig
	Metrics *lib.Metrics
	log     lib.LoggerI
}

// Collaborators are the outer surfaces the engine drives
type Collaborators struct {
	Transport Transport
	Storage   Storage
	Executor  Executor
	Mempool   Mempool      // optional, proposals carry no commands without it
	Evidence  EvidenceSink // optional
}

// Transport sends consensus messages, sends never block
type Transport interface {
	// Send() delivers to specific validators
	Send(to []lib.ValidatorID, msg *lib.Message) lib.ErrorI
	// Broadcast() delivers to every member of a shard group's committee except the sender
	Broadcast(sg lib.ShardGroup, msg *lib.Message) lib.ErrorI
}

// Storage persists the committed chain and the voting state
type Storage interface {
	PersistCommittedBlock(block *lib.Block, qc *lib.QuorumCertificate) lib.ErrorI
	// LoadChainTip() returns the highest committed block and its certificate, or nil if nothing was committed
	LoadChainTip(sg lib.ShardGroup) (*lib.Block, *lib.QuorumCertificate, lib.ErrorI)
	// PersistVoteState() is written before every vote and whenever the lock or highQC moves
	PersistVoteState(sg lib.ShardGroup, state *lib.VoteState) lib.ErrorI
	// LoadVoteState() returns the last persisted voting state, or nil if none was persisted
	LoadVoteState(sg lib.ShardGroup) (*lib.VoteState, lib.ErrorI)
}

// Executor receives committed commands; the execution semantics are out of scope
type Executor interface {
	SubmitCommittedCommands(sg lib.ShardGroup, height uint64, commands []*lib.Command) lib.ErrorI
}

// Signer signs with the validator's consensus key
type Signer interface {
	Sign(msg []byte) []byte
	PublicKey() crypto.PublicKeyI
}

// Mempool supplies the commands of a proposal
type Mempool interface {
	PendingCommands(sg lib.ShardGroup, max int) []*lib.Command
}

// EvidenceSink collects reported misbehaviour
type EvidenceSink interface {
	Report(e *lib.Evidence)
}

// State is the phase of the engine within a height
type State uint8

const (
	Idle             State = iota // not a member of the committee
	AwaitingProposal              // waiting on the leader's proposal
	Voted                         // voted for the proposal of the height
	AwaitingQC                    // the vote is with the next leader
	Committed                     // the last transition committed blocks
	TimedOut                      // the height timed out
)

// String() returns the log form of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case AwaitingProposal:
		return "AWAITING_PROPOSAL"
	case Voted:
		return "VOTED"
	case AwaitingQC:
		return "AWAITING_QC"
	case Committed:
		return "COMMITTED"
	default:
		return "TIMED_OUT"
	}
}

// EventKind classifies events
type EventKind uint8

const (
	EventBlockCommitted   EventKind = iota + 1 // a block reached finality
	EventCommandsComplete                      // cross shard commands became atomically complete
	EventCommandsDisputed                      // cross shard commands exceeded the dispute window
)

// Event is published on the events channel for observers
type Event struct {
	Kind     EventKind                `json:"kind"`
	Block    *lib.Block               `json:"block,omitempty"`
	QC       *lib.QuorumCertificate   `json:"qc,omitempty"`
	Records  []*foreign.CommandRecord `json:"records,omitempty"`
	Occurred time.Time                `json:"occurred"`
}

// Status is a read-only summary of the engine, safe to read from any goroutine
type Status struct {
	ShardGroup      lib.ShardGroup `json:"shardGroup"`
	Height          uint64         `json:"height"`
	Epoch           lib.Epoch      `json:"epoch"`
	State           string         `json:"state"`
	HighQCHeight    uint64         `json:"highQCHeight"`
	LockedHeight    uint64         `json:"lockedHeight"`
	LastVoted       uint64         `json:"lastVoted"`
	CommittedHeight uint64         `json:"committedHeight"`
}

// New() creates an engine for a shard group, resuming from the persisted chain tip if one exists
func New(sg lib.ShardGroup, c lib.Config, signer Signer, r *registry.Registry, collaborators Collaborators, m *lib.Metrics, l lib.LoggerI) (*Engine, lib.ErrorI) {
	tip, tipQC, err := collaborators.Storage.LoadChainTip(sg)
	if err != nil {
		return nil, err
	}
	if tip == nil {
		tip = lib.NewGenesisBlock(c.NetworkID, sg, r.Current().Epoch)
		tipQC = lib.NewGenesisQC(tip)
	}
	log := l.WithPrefix(sg.String())
	e := &Engine{
		ShardGroup:    sg,
		Self:          lib.NewValidatorID(signer.PublicKey()),
		highQC:        tipQC,
		locked:        tip,
		lastVoted:     tip.Height,
		proposed:      tip.Height,
		qcs:           map[lib.Hash]*lib.QuorumCertificate{tipQC.BlockHash: tipQC},
		newViews:      make(map[uint64]map[lib.ValidatorID]*lib.NewView),
		Tree:          blocktree.New(tip, blocktree.Config{LookbackWindow: c.LookbackWindow, PendingBlockLimit: c.PendingBlockLimit}, log),
		Foreign:       foreign.New(sg, c.NetworkID, r, c.ForeignConfig, m, log),
		verifier:      qc.NewVerifier(c.NetworkID, r, 0),
		scheduler:     leader.NewScheduler(0),
		registry:      r,
		Collaborators: collaborators,
		signer:        signer,
		inbox:         make(chan *lib.Message, c.InboxSize),
		wake:          make(chan struct{}, 1),
		events:        make(chan Event, eventBufferSize),
		timer:         lib.NewTimer(),
		backoff:       newBackoff(c.ConsensusConfig),
		network:       c.NetworkID,
		Config:        c.ConsensusConfig,
		Metrics:       m,
		log:           log,
	}
	if err = e.restoreVoteState(); err != nil {
		return nil, err
	}
	e.builder = qc.NewBuilder(sg, e.report, log)
	e.builder.Prune(tip.Height)
	e.timeout = e.backoff.NextBackOff()
	// start at the height after the persisted tip
	e.enterHeight(tip.Height + 1)
	return e, nil
}

// restoreVoteState() resumes the voting state persisted before a restart
// - heights up to the last voted one are never voted or proposed at again
// - the lock is kept even if its block is not in the tree yet, only the LIVENESS rule can pass it then
// - highQC is restored only if the tree holds its block, a proposal must build on a known block
func (e *Engine) restoreVoteState() lib.ErrorI {
	state, err := e.Storage.LoadVoteState(e.ShardGroup)
	if err != nil || state == nil {
		return err
	}
	if state.LastVoted > e.lastVoted {
		e.lastVoted, e.proposed = state.LastVoted, state.LastVoted
	}
	if state.Locked != nil && state.Locked.Height > e.locked.Height {
		e.locked = state.Locked
	}
	if state.HighQC.Higher(e.highQC) && e.Tree.Has(state.HighQC.BlockHash) {
		e.highQC = state.HighQC
	}
	e.log.Infof("Resumed voting state: last voted %d, locked %d", e.lastVoted, e.locked.Height)
	return nil
}

// Start() runs the engine until the context is cancelled or a fatal error occurs
func (e *Engine) Start(ctx context.Context) lib.ErrorI {
	defer lib.StopTimer(e.timer)
	e.log.Infof("Starting consensus at height %d", e.height)
	for {
		select {
		case <-ctx.Done():
			e.stopped.Store(true)
			return nil
		case msg := <-e.inbox:
			if err := e.HandleMessage(msg); err != nil {
				if isFatal(err) {
					return e.halt(err)
				}
				e.log.Debugf("Dropped %s message from %s: %s", msgKind(msg), msg.Sender.Short(), err.Error())
			}
		case <-e.wake:
			e.maybePropose()
			e.publish()
		case <-e.timer.C:
			if err := e.HandleTimeout(); err != nil && isFatal(err) {
				return e.halt(err)
			}
		}
	}
}

// Deliver() queues an inbound message, failing instead of blocking if the inbox is full
func (e *Engine) Deliver(msg *lib.Message) lib.ErrorI {
	if e.stopped.Load() {
		return lib.ErrEngineStopped()
	}
	select {
	case e.inbox <- msg:
		return nil
	default:
		return lib.ErrInboxFull(msg.Sender)
	}
}

// Events() returns the channel of engine events
func (e *Engine) Events() <-chan Event { return e.events }

// Status() returns the latest published status
func (e *Engine) Status() Status { return *e.status.Load() }

// Height() returns the current view height
func (e *Engine) Height() uint64 { return e.height }

// HighQC() returns the highest certificate seen
func (e *Engine) HighQC() *lib.QuorumCertificate { return e.highQC }

// Locked() returns the locked block
func (e *Engine) Locked() *lib.Block { return e.locked }

// LastVoted() returns the highest height voted for
func (e *Engine) LastVoted() uint64 { return e.lastVoted }

// enterHeight() moves the engine to height h: the registry snapshot is loaded, and the round timer is reset.
// Entering a height never moves backwards
func (e *Engine) enterHeight(h uint64) {
	if h <= e.height {
		return
	}
	e.height = h
	e.snapshot = e.registry.Current()
	if e.snapshot.Epoch != e.epoch {
		e.log.Infof("Entering epoch %d", e.snapshot.Epoch)
		e.epoch = e.snapshot.Epoch
	}
	// drop aggregated new views below the height
	for height := range e.newViews {
		if height < h-1 {
			delete(e.newViews, height)
		}
	}
	lib.ResetTimer(e.timer, e.timeout)
	e.Metrics.UpdateHeight(e.ShardGroup, h, e.Tree.Status().CommittedHeight)
	if !e.snapshot.IsMember(e.Self, e.ShardGroup) {
		e.state = Idle
		e.log.Infof("Not a member of the committee at epoch %d, idling", e.epoch)
		e.publish()
		return
	}
	e.state = AwaitingProposal
	e.log.Debugf("Entered height %d", h)
	e.maybePropose()
	e.publish()
}

// halt() stops the engine after a fatal error
func (e *Engine) halt(err lib.ErrorI) lib.ErrorI {
	e.stopped.Store(true)
	e.log.Errorf("Consensus halted: %s", err.Error())
	return err
}

// emit() publishes an event without blocking the engine
func (e *Engine) emit(ev Event) {
	ev.Occurred = time.Now()
	select {
	case e.events <- ev:
	default:
		e.log.Warnf("Events channel full, dropped event %d", ev.Kind)
	}
}

func (e *Engine) publish() {
	s := &Status{
		ShardGroup:      e.ShardGroup,
		Height:          e.height,
		Epoch:           e.epoch,
		State:           e.state.String(),
		LastVoted:       e.lastVoted,
		CommittedHeight: e.Tree.Status().CommittedHeight,
	}
	if e.highQC != nil {
		s.HighQCHeight = e.highQC.BlockHeight
	}
	if e.locked != nil {
		s.LockedHeight = e.locked.Height
	}
	e.status.Store(s)
}

// isFatal() returns true for errors after which the engine must not continue
func isFatal(err lib.ErrorI) bool {
	return lib.HasCode(err, lib.ConsensusModule, lib.CodeConflictingCommit)
}
