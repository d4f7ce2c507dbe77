package lib

import (
	"fmt"

	"github.com/sdbondi/tari-dan/lib/codec"
)

/* This file defines the consensus wire messages and the envelope they travel in */

// Proposal carries a leader's block, the justify certificate travels inside the block
type Proposal struct {
	Block *Block `json:"block"`
}

// JustifyQC() returns the certificate the proposal extends
func (x *Proposal) JustifyQC() *QuorumCertificate {
	if x == nil || x.Block == nil {
		return nil
	}
	return x.Block.Justify
}

// MarshalWire() implements codec.WireMessage
func (x *Proposal) MarshalWire(e *codec.Encoder) {
	if x.Block != nil {
		e.Message(1, x.Block)
	}
}

// UnmarshalWire() implements codec.WireMessage
func (x *Proposal) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			x.Block = new(Block)
			d.Message(x.Block)
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// Vote is a single committee member's approval of a block
type Vote struct {
	BlockHash  Hash        `json:"blockHash"`
	Height     uint64      `json:"height"`
	ShardGroup ShardGroup  `json:"shardGroup"`
	Epoch      Epoch       `json:"epoch"`
	Voter      ValidatorID `json:"voter"`
	Signature  HexBytes    `json:"signature"`
}

// NewVote() creates a vote for a block
func NewVote(b *Block, voter ValidatorID) *Vote {
	return &Vote{BlockHash: b.Hash(), Height: b.Height, ShardGroup: b.ShardGroup, Epoch: b.Epoch, Voter: voter}
}

// SignBytes() returns the payload the voter signs
func (x *Vote) SignBytes() []byte { return VoteSignBytes(x.BlockHash, x.Height, x.Epoch, x.ShardGroup) }

// String() returns the log format of the vote
func (x *Vote) String() string {
	return fmt.Sprintf("vote(h=%d, block=%s, voter=%s)", x.Height, x.BlockHash.Short(), x.Voter.Short())
}

// MarshalWire() implements codec.WireMessage
func (x *Vote) MarshalWire(e *codec.Encoder) {
	e.Raw(1, x.BlockHash[:]).
		Uint64(2, x.Height).
		Message(3, &x.ShardGroup).
		Uint64(4, uint64(x.Epoch)).
		String(5, string(x.Voter)).
		Raw(6, x.Signature)
}

// UnmarshalWire() implements codec.WireMessage
func (x *Vote) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			if err := decodeHash(d, &x.BlockHash); err != nil {
				return err
			}
		case 2:
			x.Height = d.Uint64()
		case 3:
			d.Message(&x.ShardGroup)
		case 4:
			x.Epoch = Epoch(d.Uint64())
		case 5:
			x.Voter = ValidatorID(d.String())
		case 6:
			x.Signature = d.Raw()
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// NewView is sent by a member whose view at Height timed out, carrying its highest certificate
type NewView struct {
	Height     uint64             `json:"height"`
	Epoch      Epoch              `json:"epoch"`
	ShardGroup ShardGroup         `json:"shardGroup"`
	HighQC     *QuorumCertificate `json:"highQC"`
	Voter      ValidatorID        `json:"voter"`
	Signature  HexBytes           `json:"signature"`
}

// SignBytes() returns the payload the sender signs
func (x *NewView) SignBytes() []byte {
	e := codec.NewEncoder().
		String(1, "newview").
		Uint64(2, x.Height).
		Uint64(3, uint64(x.Epoch)).
		Message(4, &x.ShardGroup)
	if x.HighQC != nil {
		h := x.HighQC.Hash()
		e.Raw(5, h[:])
	}
	return e.Bytes()
}

// MarshalWire() implements codec.WireMessage
func (x *NewView) MarshalWire(e *codec.Encoder) {
	e.Uint64(1, x.Height).Uint64(2, uint64(x.Epoch)).Message(3, &x.ShardGroup)
	if x.HighQC != nil {
		e.Message(4, x.HighQC)
	}
	e.String(5, string(x.Voter)).Raw(6, x.Signature)
}

// UnmarshalWire() implements codec.WireMessage
func (x *NewView) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			x.Height = d.Uint64()
		case 2:
			x.Epoch = Epoch(d.Uint64())
		case 3:
			d.Message(&x.ShardGroup)
		case 4:
			x.HighQC = new(QuorumCertificate)
			d.Message(x.HighQC)
		case 5:
			x.Voter = ValidatorID(d.String())
		case 6:
			x.Signature = d.Raw()
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// ForeignCommitProof is published by a shard group to the groups its committed commands touch.
// QC certifies BlockHash at Height, signed by the publishing group's committee of Epoch
type ForeignCommitProof struct {
	ShardGroup ShardGroup         `json:"shardGroup"`
	Epoch      Epoch              `json:"epoch"`
	Height     uint64             `json:"height"`
	BlockHash  Hash               `json:"blockHash"`
	MerkleRoot Hash               `json:"merkleRoot"`
	QC         *QuorumCertificate `json:"qc"`
}

// MarshalWire() implements codec.WireMessage
func (x *ForeignCommitProof) MarshalWire(e *codec.Encoder) {
	e.Message(1, &x.ShardGroup).
		Uint64(2, uint64(x.Epoch)).
		Uint64(3, x.Height).
		Raw(4, x.BlockHash[:]).
		Raw(5, x.MerkleRoot[:])
	if x.QC != nil {
		e.Message(6, x.QC)
	}
}

// UnmarshalWire() implements codec.WireMessage
func (x *ForeignCommitProof) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			d.Message(&x.ShardGroup)
		case 2:
			x.Epoch = Epoch(d.Uint64())
		case 3:
			x.Height = d.Uint64()
		case 4:
			if err := decodeHash(d, &x.BlockHash); err != nil {
				return err
			}
		case 5:
			if err := decodeHash(d, &x.MerkleRoot); err != nil {
				return err
			}
		case 6:
			x.QC = new(QuorumCertificate)
			d.Message(x.QC)
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// Message is the envelope of every consensus payload, exactly one payload is set
type Message struct {
	ShardGroup   ShardGroup          `json:"shardGroup"` // the destination committee's shard group
	Sender       ValidatorID         `json:"sender"`
	Proposal     *Proposal           `json:"proposal,omitempty"`
	Vote         *Vote               `json:"vote,omitempty"`
	NewView      *NewView            `json:"newView,omitempty"`
	ForeignProof *ForeignCommitProof `json:"foreignProof,omitempty"`
}

// NewMessage() wraps a payload in an envelope addressed to sg
func NewMessage(sg ShardGroup, sender ValidatorID, payload any) (*Message, ErrorI) {
	m := &Message{ShardGroup: sg, Sender: sender}
	switch p := payload.(type) {
	case *Proposal:
		m.Proposal = p
	case *Vote:
		m.Vote = p
	case *NewView:
		m.NewView = p
	case *ForeignCommitProof:
		m.ForeignProof = p
	default:
		return nil, ErrUnknownConsensusMsg(payload)
	}
	return m, nil
}

// Payload() returns the set payload
func (x *Message) Payload() any {
	switch {
	case x.Proposal != nil:
		return x.Proposal
	case x.Vote != nil:
		return x.Vote
	case x.NewView != nil:
		return x.NewView
	case x.ForeignProof != nil:
		return x.ForeignProof
	default:
		return nil
	}
}

// Topic() returns the gossip topic of the destination committee
func (x *Message) Topic() string { return x.ShardGroup.Topic() }

// Check() ensures exactly one payload is set
func (x *Message) Check() ErrorI {
	if x == nil {
		return ErrEmptyMessage()
	}
	count := 0
	for _, set := range []bool{x.Proposal != nil, x.Vote != nil, x.NewView != nil, x.ForeignProof != nil} {
		if set {
			count++
		}
	}
	if count != 1 {
		return ErrEmptyMessage()
	}
	if x.Proposal != nil && x.Proposal.Block == nil {
		return ErrNilBlock()
	}
	return nil
}

// MarshalWire() implements codec.WireMessage
func (x *Message) MarshalWire(e *codec.Encoder) {
	e.Message(1, &x.ShardGroup).String(2, string(x.Sender))
	switch {
	case x.Proposal != nil:
		e.Message(3, x.Proposal)
	case x.Vote != nil:
		e.Message(4, x.Vote)
	case x.NewView != nil:
		e.Message(5, x.NewView)
	case x.ForeignProof != nil:
		e.Message(6, x.ForeignProof)
	}
}

// UnmarshalWire() implements codec.WireMessage
func (x *Message) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			d.Message(&x.ShardGroup)
		case 2:
			x.Sender = ValidatorID(d.String())
		case 3:
			x.Proposal = new(Proposal)
			d.Message(x.Proposal)
		case 4:
			x.Vote = new(Vote)
			d.Message(x.Vote)
		case 5:
			x.NewView = new(NewView)
			d.Message(x.NewView)
		case 6:
			x.ForeignProof = new(ForeignCommitProof)
			d.Message(x.ForeignProof)
		default:
			d.Skip()
		}
	}
	return d.Err()
}
