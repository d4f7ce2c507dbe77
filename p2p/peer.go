package p2p

import (
	"sync/atomic"

	"github.com/sdbondi/tari-dan/lib"
)

// DestinationKind selects how a destination resolves to recipients
type DestinationKind uint8

const (
	DestinationAll        DestinationKind = iota // every joined validator
	DestinationAddress                           // specific validators
	DestinationShardGroup                        // the committee of a shard group
)

// Destination addresses a delivery
type Destination struct {
	Kind       DestinationKind
	Addresses  []lib.ValidatorID
	ShardGroup lib.ShardGroup
}

// All() addresses every joined validator
func All() Destination { return Destination{Kind: DestinationAll} }

// Address() addresses specific validators
func Address(ids ...lib.ValidatorID) Destination {
	return Destination{Kind: DestinationAddress, Addresses: ids}
}

// ShardGroup() addresses the committee of sg
func ShardGroup(sg lib.ShardGroup) Destination {
	return Destination{Kind: DestinationShardGroup, ShardGroup: sg}
}

// Peer is a validator's connection to the network, it is the consensus transport of that validator
type Peer struct {
	ID         lib.ValidatorID
	net        *Network
	inbox      chan *lib.Message
	reputation atomic.Int32
}

// Send() delivers to specific validators
func (p *Peer) Send(to []lib.ValidatorID, msg *lib.Message) lib.ErrorI {
	return p.net.Deliver(p.ID, Address(to...), msg)
}

// Broadcast() delivers to every member of sg's committee except this validator
func (p *Peer) Broadcast(sg lib.ShardGroup, msg *lib.Message) lib.ErrorI {
	return p.net.Deliver(p.ID, ShardGroup(sg), msg)
}

// Inbox() returns the channel of received messages
func (p *Peer) Inbox() <-chan *lib.Message { return p.inbox }

// TryReceive() returns a queued message without blocking
func (p *Peer) TryReceive() (*lib.Message, bool) {
	select {
	case msg := <-p.inbox:
		return msg, true
	default:
		return nil, false
	}
}

// Pending() returns the number of queued messages
func (p *Peer) Pending() int { return len(p.inbox) }

// Reputation() returns the current reputation
func (p *Peer) Reputation() int32 { return p.reputation.Load() }

// Banned() returns true once the reputation reached the minimum
func (p *Peer) Banned() bool { return p.reputation.Load() <= MinimumPeerReputation }
