package p2p

import (
	"sync"
	"sync/atomic"

	"github.com/sdbondi/tari-dan/lib"
)

/*
	In process transport

	A Network connects the validators of one process. Every joined validator owns a Peer with a buffered
	inbox. Messages are copied through the wire codec on every delivery, so no two validators ever share a
	payload and every message crosses the same encoding a remote transport would use.

	Delivery never blocks: a full inbox drops the message and reports lib.ErrInboxFull to the sender.
	Filters installed with AddFilter() see every delivery and drop it by returning false, tests use them to
	partition validators or silence a faulty leader.

	Each peer carries a reputation, a peer whose reputation falls to MinimumPeerReputation is banned and
	its messages are refused.
*/

const (
	MaxPeerReputation     = 10
	MinimumPeerReputation = -10

	UnexpectedMsgRep = -1 // a message for a shard group the receiver does not run
	InvalidMsgRep    = -3 // a message that fails decoding or its basic checks
)

// CommitteeSource resolves the committee a shard group broadcast is addressed to
type CommitteeSource interface {
	CommitteeFor(sg lib.ShardGroup) (*lib.ValidatorSet, lib.ErrorI)
}

// Filter inspects a delivery, returning false drops the message
type Filter func(from, to lib.ValidatorID, msg *lib.Message) bool

// Network is the in process mesh of validators
type Network struct {
	peers      map[lib.ValidatorID]*Peer
	mux        sync.RWMutex
	filters    []Filter
	committees CommitteeSource
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	stopped    atomic.Bool
	log        lib.LoggerI
}

// NewNetwork() creates an empty network resolving broadcasts against committees
func NewNetwork(committees CommitteeSource, log lib.LoggerI) *Network {
	return &Network{peers: make(map[lib.ValidatorID]*Peer), committees: committees, log: log.WithPrefix("p2p")}
}

// Join() connects a validator with an inbox of the given capacity
func (n *Network) Join(id lib.ValidatorID, inboxSize int) (*Peer, lib.ErrorI) {
	unlock := lockPeerSet(&n.mux, n.log)
	defer unlock()
	if _, found := n.peers[id]; found {
		return nil, lib.ErrPeerAlreadyExists(id)
	}
	p := &Peer{ID: id, net: n, inbox: make(chan *lib.Message, inboxSize)}
	n.peers[id] = p
	n.log.Debugf("Peer %s joined", id.Short())
	return p, nil
}

// Leave() disconnects a validator, messages to it fail with lib.ErrUnknownPeer
func (n *Network) Leave(id lib.ValidatorID) {
	unlock := lockPeerSet(&n.mux, n.log)
	defer unlock()
	delete(n.peers, id)
}

// Peer() returns a joined validator's peer
func (n *Network) Peer(id lib.ValidatorID) (*Peer, lib.ErrorI) {
	unlock := rlockPeerSet(&n.mux, n.log)
	defer unlock()
	p, found := n.peers[id]
	if !found {
		return nil, lib.ErrUnknownPeer(id)
	}
	return p, nil
}

// AddFilter() installs a delivery filter
func (n *Network) AddFilter(f Filter) {
	unlock := lockPeerSet(&n.mux, n.log)
	defer unlock()
	n.filters = append(n.filters, f)
}

// ClearFilters() removes every delivery filter, healing any partition
func (n *Network) ClearFilters() {
	unlock := lockPeerSet(&n.mux, n.log)
	defer unlock()
	n.filters = nil
}

// ChangeReputation() adjusts a peer's reputation within the bounds
func (n *Network) ChangeReputation(id lib.ValidatorID, delta int32) {
	p, err := n.Peer(id)
	if err != nil {
		return
	}
	for {
		old := p.reputation.Load()
		updated := old + delta
		if updated > MaxPeerReputation {
			updated = MaxPeerReputation
		}
		if updated < MinimumPeerReputation {
			updated = MinimumPeerReputation
		}
		if p.reputation.CompareAndSwap(old, updated) {
			if updated == MinimumPeerReputation && old != updated {
				n.log.Warnf("Peer %s is banned", id.Short())
			}
			return
		}
	}
}

// Stats() returns the number of delivered and dropped messages
func (n *Network) Stats() (delivered, dropped uint64) {
	return n.delivered.Load(), n.dropped.Load()
}

// Stop() refuses every further delivery
func (n *Network) Stop() { n.stopped.Store(true) }

// Deliver() routes a message from a validator to a destination
func (n *Network) Deliver(from lib.ValidatorID, dest Destination, msg *lib.Message) lib.ErrorI {
	if n.stopped.Load() {
		return lib.ErrNetworkStopped()
	}
	bz, err := lib.Marshal(msg)
	if err != nil {
		return err
	}
	recipients, err := n.resolve(from, dest)
	if err != nil {
		return err
	}
	unlock := rlockPeerSet(&n.mux, n.log)
	sender, known := n.peers[from]
	filters := n.filters
	unlock()
	if known && sender.Banned() {
		return lib.ErrPeerBanned(from)
	}
	var first lib.ErrorI
	for _, p := range recipients {
		if e := n.deliverTo(from, p, bz, filters); e != nil && first == nil {
			first = e
		}
	}
	return first
}

// resolve() expands a destination to the recipients, the sender is never a recipient
func (n *Network) resolve(from lib.ValidatorID, dest Destination) (recipients []*Peer, err lib.ErrorI) {
	var ids []lib.ValidatorID
	switch dest.Kind {
	case DestinationAll:
		unlock := rlockPeerSet(&n.mux, n.log)
		for id := range n.peers {
			ids = append(ids, id)
		}
		unlock()
	case DestinationAddress:
		ids = dest.Addresses
	case DestinationShardGroup:
		committee, e := n.committees.CommitteeFor(dest.ShardGroup)
		if e != nil {
			return nil, e
		}
		// a committee of one has nobody to broadcast to
		if committee.NumValidators() < 2 {
			return nil, nil
		}
		ids = committee.IDs()
	}
	unlock := rlockPeerSet(&n.mux, n.log)
	defer unlock()
	for _, id := range ids {
		if id == from {
			continue
		}
		p, found := n.peers[id]
		if !found {
			if dest.Kind == DestinationAddress {
				return nil, lib.ErrUnknownPeer(id)
			}
			continue
		}
		recipients = append(recipients, p)
	}
	return
}

// deliverTo() decodes a private copy of the message into a recipient's inbox
func (n *Network) deliverTo(from lib.ValidatorID, p *Peer, bz []byte, filters []Filter) lib.ErrorI {
	msg := new(lib.Message)
	if err := lib.Unmarshal(bz, msg); err != nil {
		return err
	}
	for _, f := range filters {
		if !f(from, p.ID, msg) {
			n.dropped.Add(1)
			return nil
		}
	}
	select {
	case p.inbox <- msg:
		n.delivered.Add(1)
		return nil
	default:
		n.dropped.Add(1)
		return lib.ErrInboxFull(p.ID)
	}
}
