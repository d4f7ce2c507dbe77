package controller

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sdbondi/tari-dan/bft"
	"github.com/sdbondi/tari-dan/blocktree"
	"github.com/sdbondi/tari-dan/foreign"
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/lib/crypto"
	"github.com/sdbondi/tari-dan/p2p"
	"github.com/sdbondi/tari-dan/registry"
	"github.com/sdbondi/tari-dan/store"
	"golang.org/x/sync/errgroup"
)

// Controller acts as the 'manager' of the modules of a validator node
// - one consensus engine per shard group the validator is assigned to, all sharing one store
// - inbound messages are routed to the engine of their shard group
// - engine events are forwarded to an optional listener
type Controller struct {
	Self      lib.ValidatorID
	Engines   map[lib.ShardGroup]*bft.Engine
	Peer      *p2p.Peer
	Network   *p2p.Network
	Store     *store.Store
	Registry  *registry.Registry
	Evidence  *bft.EvidencePool
	Mempool   *Mempool
	Metrics   *lib.Metrics
	Config    lib.Config
	listener  func(sg lib.ShardGroup, ev bft.Event)
	cancel    context.CancelFunc
	group     *errgroup.Group
	log       lib.LoggerI
	sync.Mutex
}

// Options are the collaborators of the node that live outside the consensus core
type Options struct {
	Network  *p2p.Network
	Executor bft.Executor
	Mempool  *Mempool     // optional, proposals carry no commands without it
	Metrics  *lib.Metrics // optional
}

// New() creates a new instance of a Controller, this is the entry point when initializing a validator node
func New(c lib.Config, valKey crypto.PrivateKeyI, r *registry.Registry, opts Options, l lib.LoggerI) (*Controller, lib.ErrorI) {
	self := lib.NewValidatorID(valKey.PublicKey())
	groups := r.ShardGroupsOf(self)
	if len(groups) == 0 {
		return nil, ErrNoShardGroups(self)
	}
	log := l.WithPrefix(self.Short())
	db, err := store.New(c.StoreConfig, log)
	if err != nil {
		return nil, err
	}
	peer, err := opts.Network.Join(self, c.InboxSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	controller := &Controller{
		Self:     self,
		Engines:  make(map[lib.ShardGroup]*bft.Engine, len(groups)),
		Peer:     peer,
		Network:  opts.Network,
		Store:    db,
		Registry: r,
		Evidence: bft.NewEvidencePool(log),
		Mempool:  opts.Mempool,
		Metrics:  opts.Metrics,
		Config:   c,
		log:      log,
	}
	// initialize an engine for each shard group, resuming from the store
	collaborators := bft.Collaborators{Transport: peer, Storage: db, Executor: opts.Executor, Evidence: controller.Evidence}
	if opts.Mempool != nil {
		collaborators.Mempool = opts.Mempool
	}
	for _, sg := range groups {
		engine, e := bft.New(sg, c, valKey, r, collaborators, opts.Metrics, log)
		if e != nil {
			opts.Network.Leave(self)
			_ = db.Close()
			return nil, e
		}
		controller.Engines[sg] = engine
	}
	return controller, nil
}

// SetListener() registers the receiver of engine events, it must be called before Start()
func (c *Controller) SetListener(fn func(sg lib.ShardGroup, ev bft.Event)) {
	c.Lock()
	defer c.Unlock()
	c.listener = fn
}

// Start() begins the Controller service, a fatal error of any engine stops every engine
func (c *Controller) Start(ctx context.Context) {
	c.Lock()
	defer c.Unlock()
	ctx, c.cancel = context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(ctx)
	for sg, engine := range c.Engines {
		sg, engine := sg, engine
		g.Go(func() error {
			if err := engine.Start(gCtx); err != nil {
				return err
			}
			return nil
		})
		g.Go(func() error {
			c.ListenForEvents(gCtx, sg, engine)
			return nil
		})
	}
	g.Go(func() error {
		c.ListenForConsensus(gCtx)
		return nil
	})
	c.group = g
	c.log.Infof("Started %d consensus engine(s)", len(c.Engines))
}

// Stop() terminates the Controller service and returns the fatal error that halted it, if any
func (c *Controller) Stop() lib.ErrorI {
	c.Lock()
	defer c.Unlock()
	var result lib.ErrorI
	if c.cancel != nil {
		c.cancel()
		if err := c.group.Wait(); err != nil {
			if e, ok := err.(lib.ErrorI); ok {
				result = e
			}
		}
		c.cancel, c.group = nil, nil
	}
	c.Network.Leave(c.Self)
	if err := c.Store.Close(); err != nil {
		c.log.Error(err.Error())
	}
	return result
}

// ListenForConsensus() routes inbound messages to the engine of their shard group until the context ends
func (c *Controller) ListenForConsensus(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.Peer.Inbox():
			c.route(msg)
		}
	}
}

// route() hands one message to its engine
func (c *Controller) route(msg *lib.Message) {
	if err := msg.Check(); err != nil {
		c.log.Debugf("Invalid message from %s: %s", msg.Sender.Short(), err.Error())
		c.Network.ChangeReputation(msg.Sender, p2p.InvalidMsgRep)
		return
	}
	engine, ok := c.Engines[msg.ShardGroup]
	if !ok {
		c.log.Debugf("Message from %s for %s, which this node does not run", msg.Sender.Short(), msg.ShardGroup)
		c.Network.ChangeReputation(msg.Sender, p2p.UnexpectedMsgRep)
		return
	}
	if err := engine.Deliver(msg); err != nil {
		c.log.Warnf("Delivery to %s failed: %s", msg.ShardGroup, err.Error())
	}
}

// ListenForEvents() drains the events of an engine until the context ends: committed commands leave the
// mempool and every event reaches the listener
func (c *Controller) ListenForEvents(ctx context.Context, sg lib.ShardGroup, engine *bft.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-engine.Events():
			if ev.Kind == bft.EventBlockCommitted && c.Mempool != nil {
				c.Mempool.Remove(sg, ev.Block.Commands)
			}
			if c.listener != nil {
				c.listener(sg, ev)
			}
		}
	}
}

// Summary is the status of one shard group's consensus on this node
type Summary struct {
	Consensus bft.Status       `json:"consensus"`
	Tree      blocktree.Status `json:"tree"`
	Foreign   foreign.Status   `json:"foreign"`
}

// ConsensusSummary() returns the summary json object of every engine, keyed by shard group
func (c *Controller) ConsensusSummary() ([]byte, lib.ErrorI) {
	summaries := make(map[string]Summary, len(c.Engines))
	for sg, engine := range c.Engines {
		summaries[sg.String()] = Summary{
			Consensus: engine.Status(),
			Tree:      engine.Tree.Status(),
			Foreign:   engine.Foreign.Status(),
		}
	}
	bz, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, lib.ErrJSONMarshal(err)
	}
	return bz, nil
}

// CommittedHeight() returns the lowest committed height across the engines of this node
func (c *Controller) CommittedHeight() (min uint64) {
	first := true
	for _, engine := range c.Engines {
		if h := engine.Status().CommittedHeight; first || h < min {
			min, first = h, false
		}
	}
	return
}
