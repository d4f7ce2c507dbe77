package lib

import (
	"fmt"
	"sort"

	"github.com/sdbondi/tari-dan/lib/codec"
	"github.com/sdbondi/tari-dan/lib/crypto"
)

/*
	A Block is the unit of agreement of a shard group. Its identity is the hash of its canonical
	encoding without the proposer signature. Justified / committed flags are never part of the block,
	the block tree tracks them separately.
*/

// CommandKind is the lifecycle step of a command within the two phase cross shard protocol
type CommandKind uint8

const (
	CommandPrepare       CommandKind = 1 // the command is proposed for preparation
	CommandLocalPrepared CommandKind = 2 // the local inputs are locked
	CommandAccept        CommandKind = 3 // the final decision is accepted
)

// String() returns the log form of the kind
func (k CommandKind) String() string {
	switch k {
	case CommandPrepare:
		return "Prepare"
	case CommandLocalPrepared:
		return "LocalPrepared"
	case CommandAccept:
		return "Accept"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Decision is the outcome carried by a command
type Decision uint8

const (
	DecisionCommit Decision = 0
	DecisionAbort  Decision = 1
)

// String() returns the log form of the decision
func (d Decision) String() string {
	if d == DecisionAbort {
		return "Abort"
	}
	return "Commit"
}

// Instruction is an opaque call: consensus never interprets it
type Instruction struct {
	TemplateID HexBytes   `json:"templateID"` // the template being called
	Method     string     `json:"method"`     // the function of the template
	Args       []HexBytes `json:"args"`       // encoded arguments
	Sender     HexBytes   `json:"sender"`     // the public key of the submitter
}

// MarshalWire() implements codec.WireMessage
func (x *Instruction) MarshalWire(e *codec.Encoder) {
	e.Raw(1, x.TemplateID).String(2, x.Method)
	for _, arg := range x.Args {
		e.Raw(3, arg)
	}
	e.Raw(4, x.Sender)
}

// UnmarshalWire() implements codec.WireMessage
func (x *Instruction) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			x.TemplateID = d.Raw()
		case 2:
			x.Method = d.String()
		case 3:
			x.Args = append(x.Args, d.Raw())
		case 4:
			x.Sender = d.Raw()
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// Command is an instruction together with the shards it touches
type Command struct {
	Kind        CommandKind  `json:"kind"`
	Decision    Decision     `json:"decision"`
	Instruction *Instruction `json:"instruction"`
	Shards      []ShardID    `json:"shards"` // every shard the instruction reads or writes
}

// Hash() identifies the command
func (x *Command) Hash() Hash {
	bz, _ := Marshal(x)
	return HashOf(bz)
}

// IsLocal() returns true if every touched shard belongs to sg
func (x *Command) IsLocal(sg ShardGroup) bool {
	for _, s := range x.Shards {
		if !sg.Contains(s) {
			return false
		}
	}
	return true
}

// ForeignShards() returns the touched shards outside of sg
func (x *Command) ForeignShards(sg ShardGroup) (shards []ShardID) {
	for _, s := range x.Shards {
		if !sg.Contains(s) {
			shards = append(shards, s)
		}
	}
	return
}

// MarshalWire() implements codec.WireMessage
func (x *Command) MarshalWire(e *codec.Encoder) {
	e.Uint64(1, uint64(x.Kind)).Uint64(2, uint64(x.Decision))
	if x.Instruction != nil {
		e.Message(3, x.Instruction)
	}
	for _, s := range x.Shards {
		e.Uint64(4, uint64(s))
	}
}

// UnmarshalWire() implements codec.WireMessage
func (x *Command) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			x.Kind = CommandKind(d.Uint64())
		case 2:
			x.Decision = Decision(d.Uint64())
		case 3:
			x.Instruction = new(Instruction)
			d.Message(x.Instruction)
		case 4:
			x.Shards = append(x.Shards, ShardID(d.Uint64()))
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// Block is a proposal of a shard group at a height
type Block struct {
	Network         uint64                `json:"network"`          // the network identifier
	ParentHash      Hash                  `json:"parentHash"`       // the block this block extends
	Justify         *QuorumCertificate    `json:"justify"`          // the highest certificate known to the proposer
	Height          uint64                `json:"height"`           // the view height
	Epoch           Epoch                 `json:"epoch"`            // the epoch of the committee
	ShardGroup      ShardGroup            `json:"shardGroup"`       // the proposing committee's shard group
	Proposer        ValidatorID           `json:"proposer"`         // the scheduled leader of the height
	TotalLeaderFee  uint64                `json:"totalLeaderFee"`   // the sum of fees paid to the leader
	MerkleRoot      Hash                  `json:"merkleRoot"`       // the state commitment chained from the parent
	Commands        []*Command            `json:"commands"`         // the ordered commands
	IsDummy         bool                  `json:"isDummy"`          // a placeholder for a height that timed out
	ForeignIndexes  map[ShardGroup]uint64 `json:"foreignIndexes"`   // the commitment height each touched foreign group must reach
	Signature       HexBytes              `json:"signature"`        // the proposer's signature of the hash
	Timestamp       uint64                `json:"timestamp"`        // unix milliseconds, 0 for dummies
	BaseLayerHeight uint64                `json:"baseLayerHeight"`  // the anchoring base layer height
	BaseLayerHash   Hash                  `json:"baseLayerHash"`    // the anchoring base layer block hash
	Extra           map[string]HexBytes   `json:"extra,omitempty"`  // opaque extension data
}

// NewGenesisBlock() returns the deterministic height 0 block of a shard group
func NewGenesisBlock(network uint64, sg ShardGroup, epoch Epoch) *Block {
	return &Block{
		Network:    network,
		ParentHash: ZeroHash,
		Justify:    &QuorumCertificate{BlockHash: ZeroHash, Epoch: epoch, ShardGroup: sg},
		Height:     0,
		Epoch:      epoch,
		ShardGroup: sg,
		IsDummy:    false,
	}
}

// NewDummyBlock() derives the placeholder of a height that produced no certified proposal
// every honest node derives byte identical dummies from the same inputs
func NewDummyBlock(network uint64, parent *Block, height uint64, epoch Epoch, proposer ValidatorID, justify *QuorumCertificate) *Block {
	return &Block{
		Network:    network,
		ParentHash: parent.Hash(),
		Justify:    justify.Copy(),
		Height:     height,
		Epoch:      epoch,
		ShardGroup: parent.ShardGroup,
		Proposer:   proposer,
		MerkleRoot: parent.MerkleRoot,
		IsDummy:    true,
	}
}

// ComputeMerkleRoot() chains the parent's root with the root of the command hashes
func ComputeMerkleRoot(parentRoot Hash, commands []*Command) Hash {
	items := make([][]byte, 0, len(commands)+1)
	items = append(items, parentRoot.Bytes())
	for _, c := range commands {
		h := c.Hash()
		items = append(items, h[:])
	}
	root, _ := HashFromBytes(crypto.MerkleRoot(items))
	return root
}

// Hash() identifies the block, the signature is excluded
func (x *Block) Hash() Hash {
	e := codec.NewEncoder()
	x.marshalWire(e, false)
	return HashOf(e.Bytes())
}

// SignBytes() returns the bytes the proposer signs
func (x *Block) SignBytes() []byte {
	h := x.Hash()
	return h[:]
}

// Sign() sets the proposer signature
func (x *Block) Sign(pk crypto.PrivateKeyI) {
	x.Signature = pk.Sign(x.SignBytes())
}

// IsGenesis() returns true for a height 0 block
func (x *Block) IsGenesis() bool { return x != nil && x.Height == 0 && x.ParentHash.IsZero() }

// CheckBasic() validates the structure of the block without any chain context
func (x *Block) CheckBasic(maxCommands int, maxBytes uint64) ErrorI {
	if x == nil {
		return ErrNilBlock()
	}
	if x.Justify == nil {
		return ErrNilQC()
	}
	if !x.ShardGroup.Valid() {
		return ErrInvalidShardGroup(x.ShardGroup)
	}
	if maxCommands > 0 && len(x.Commands) > maxCommands {
		return ErrTooManyCommands(len(x.Commands), maxCommands)
	}
	if x.IsDummy && len(x.Commands) != 0 {
		return ErrTooManyCommands(len(x.Commands), 0)
	}
	if maxBytes > 0 {
		if size := x.Size(); uint64(size) > maxBytes {
			return ErrMaxBlockSize(size, int(maxBytes))
		}
	}
	return nil
}

// Size() returns the encoded size of the block
func (x *Block) Size() int {
	e := codec.NewEncoder()
	x.marshalWire(e, true)
	return len(e.Bytes())
}

// CommandHashes() returns the hashes of the commands in block order
func (x *Block) CommandHashes() []Hash {
	hashes := make([]Hash, len(x.Commands))
	for i, c := range x.Commands {
		hashes[i] = c.Hash()
	}
	return hashes
}

// String() returns the log format of the block
func (x *Block) String() string {
	if x == nil {
		return "block(nil)"
	}
	dummy := ""
	if x.IsDummy {
		dummy = ", dummy"
	}
	return fmt.Sprintf("block(h=%d, hash=%s, sg=%s, cmds=%d%s)", x.Height, x.Hash().Short(), x.ShardGroup, len(x.Commands), dummy)
}

// MarshalWire() implements codec.WireMessage
func (x *Block) MarshalWire(e *codec.Encoder) { x.marshalWire(e, true) }

func (x *Block) marshalWire(e *codec.Encoder, withSignature bool) {
	e.Uint64(1, x.Network).Raw(2, x.ParentHash[:])
	if x.Justify != nil {
		e.Message(3, x.Justify)
	}
	e.Uint64(4, x.Height).
		Uint64(5, uint64(x.Epoch)).
		Message(6, &x.ShardGroup).
		String(7, string(x.Proposer)).
		Uint64(8, x.TotalLeaderFee).
		Raw(9, x.MerkleRoot[:])
	for _, c := range x.Commands {
		e.Message(10, c)
	}
	e.Bool(11, x.IsDummy)
	// maps are written in key order
	groups := make([]ShardGroup, 0, len(x.ForeignIndexes))
	for sg := range x.ForeignIndexes {
		groups = append(groups, sg)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Less(groups[j]) })
	for _, sg := range groups {
		e.Message(12, &foreignIndexEntry{ShardGroup: sg, Height: x.ForeignIndexes[sg]})
	}
	if withSignature {
		e.Raw(13, x.Signature)
	}
	e.Uint64(14, x.Timestamp).
		Uint64(15, x.BaseLayerHeight).
		Raw(16, x.BaseLayerHash[:])
	keys := make([]string, 0, len(x.Extra))
	for k := range x.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.Message(17, &extraEntry{Key: k, Value: x.Extra[k]})
	}
}

// UnmarshalWire() implements codec.WireMessage
func (x *Block) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			x.Network = d.Uint64()
		case 2:
			if err := decodeHash(d, &x.ParentHash); err != nil {
				return err
			}
		case 3:
			x.Justify = new(QuorumCertificate)
			d.Message(x.Justify)
		case 4:
			x.Height = d.Uint64()
		case 5:
			x.Epoch = Epoch(d.Uint64())
		case 6:
			d.Message(&x.ShardGroup)
		case 7:
			x.Proposer = ValidatorID(d.String())
		case 8:
			x.TotalLeaderFee = d.Uint64()
		case 9:
			if err := decodeHash(d, &x.MerkleRoot); err != nil {
				return err
			}
		case 10:
			c := new(Command)
			d.Message(c)
			x.Commands = append(x.Commands, c)
		case 11:
			x.IsDummy = d.Bool()
		case 12:
			entry := new(foreignIndexEntry)
			d.Message(entry)
			if x.ForeignIndexes == nil {
				x.ForeignIndexes = make(map[ShardGroup]uint64)
			}
			x.ForeignIndexes[entry.ShardGroup] = entry.Height
		case 13:
			x.Signature = d.Raw()
		case 14:
			x.Timestamp = d.Uint64()
		case 15:
			x.BaseLayerHeight = d.Uint64()
		case 16:
			if err := decodeHash(d, &x.BaseLayerHash); err != nil {
				return err
			}
		case 17:
			entry := new(extraEntry)
			d.Message(entry)
			if x.Extra == nil {
				x.Extra = make(map[string]HexBytes)
			}
			x.Extra[entry.Key] = entry.Value
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// foreignIndexEntry is the wire form of a single foreign index
type foreignIndexEntry struct {
	ShardGroup ShardGroup
	Height     uint64
}

func (x *foreignIndexEntry) MarshalWire(e *codec.Encoder) {
	e.Message(1, &x.ShardGroup).Uint64(2, x.Height)
}

func (x *foreignIndexEntry) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			d.Message(&x.ShardGroup)
		case 2:
			x.Height = d.Uint64()
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// extraEntry is the wire form of a single extra field
type extraEntry struct {
	Key   string
	Value []byte
}

func (x *extraEntry) MarshalWire(e *codec.Encoder) { e.String(1, x.Key).Raw(2, x.Value) }

func (x *extraEntry) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			x.Key = d.String()
		case 2:
			x.Value = d.Raw()
		default:
			d.Skip()
		}
	}
	return d.Err()
}
