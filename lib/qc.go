package lib

import (
	"fmt"

	"github.com/sdbondi/tari-dan/lib/codec"
)

/*
	A QuorumCertificate proves that a quorum of a shard group's committee voted for a block.
	Votes sign VoteSignBytes(), so the aggregate of the votes verifies against the same bytes.
*/

// QuorumCertificate is the aggregated vote of a committee for one block
type QuorumCertificate struct {
	BlockHash   Hash       `json:"blockHash"`   // the certified block
	BlockHeight uint64     `json:"blockHeight"` // the height of the certified block
	Epoch       Epoch      `json:"epoch"`       // the epoch of the signing committee
	ShardGroup  ShardGroup `json:"shardGroup"`  // the shard group of the signing committee
	Signature   HexBytes   `json:"signature"`   // the aggregate BLS signature
	Bitmap      HexBytes   `json:"bitmap"`      // the signer mask over the committee ordering
}

// VoteSignBytes() is the payload each voter signs for a block
func VoteSignBytes(blockHash Hash, height uint64, epoch Epoch, sg ShardGroup) []byte {
	sgCopy := sg
	return codec.NewEncoder().
		String(1, "vote").
		Raw(2, blockHash[:]).
		Uint64(3, height).
		Uint64(4, uint64(epoch)).
		Message(5, &sgCopy).
		Bytes()
}

// NewGenesisQC() returns the zero signer certificate of a shard group's genesis block
func NewGenesisQC(genesis *Block) *QuorumCertificate {
	return &QuorumCertificate{
		BlockHash:   genesis.Hash(),
		BlockHeight: 0,
		Epoch:       genesis.Epoch,
		ShardGroup:  genesis.ShardGroup,
	}
}

// SignBytes() returns the bytes the aggregate signature verifies against
func (x *QuorumCertificate) SignBytes() []byte {
	return VoteSignBytes(x.BlockHash, x.BlockHeight, x.Epoch, x.ShardGroup)
}

// IsGenesis() returns true for the unsigned height 0 certificate
func (x *QuorumCertificate) IsGenesis() bool {
	return x != nil && x.BlockHeight == 0 && len(x.Signature) == 0
}

// Hash() identifies the certificate including its signers
func (x *QuorumCertificate) Hash() Hash {
	bz, _ := Marshal(x)
	return HashOf(bz)
}

// CheckBasic() validates the structure of the certificate without touching a committee
func (x *QuorumCertificate) CheckBasic() ErrorI {
	if x == nil {
		return ErrNilQC()
	}
	if x.BlockHash.IsZero() {
		return ErrUnknownBlock(x.BlockHash)
	}
	if !x.ShardGroup.Valid() {
		return ErrInvalidShardGroup(x.ShardGroup)
	}
	if x.IsGenesis() {
		return nil
	}
	if len(x.Signature) == 0 || len(x.Bitmap) == 0 {
		return ErrInvalidSignature()
	}
	return nil
}

// Higher() returns true if x certifies a higher block than o, a nil certificate is the lowest
func (x *QuorumCertificate) Higher(o *QuorumCertificate) bool {
	if x == nil {
		return false
	}
	if o == nil {
		return true
	}
	return x.BlockHeight > o.BlockHeight
}

// Copy() returns a deep copy
func (x *QuorumCertificate) Copy() *QuorumCertificate {
	if x == nil {
		return nil
	}
	c := *x
	c.Signature = append(HexBytes(nil), x.Signature...)
	c.Bitmap = append(HexBytes(nil), x.Bitmap...)
	return &c
}

// String() returns the log format of the certificate
func (x *QuorumCertificate) String() string {
	if x == nil {
		return "qc(nil)"
	}
	return fmt.Sprintf("qc(h=%d, block=%s, sg=%s)", x.BlockHeight, x.BlockHash.Short(), x.ShardGroup)
}

// MarshalWire() implements codec.WireMessage
func (x *QuorumCertificate) MarshalWire(e *codec.Encoder) {
	e.Raw(1, x.BlockHash[:]).
		Uint64(2, x.BlockHeight).
		Uint64(3, uint64(x.Epoch)).
		Message(4, &x.ShardGroup).
		Raw(5, x.Signature).
		Raw(6, x.Bitmap)
}

// UnmarshalWire() implements codec.WireMessage
func (x *QuorumCertificate) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			if err := decodeHash(d, &x.BlockHash); err != nil {
				return err
			}
		case 2:
			x.BlockHeight = d.Uint64()
		case 3:
			x.Epoch = Epoch(d.Uint64())
		case 4:
			d.Message(&x.ShardGroup)
		case 5:
			x.Signature = d.Raw()
		case 6:
			x.Bitmap = d.Raw()
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// decodeHash() consumes a fixed length hash field
func decodeHash(d *codec.Decoder, h *Hash) error {
	bz := d.Raw()
	if d.Err() != nil {
		return d.Err()
	}
	parsed, err := HashFromBytes(bz)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// VoteState is the voting state of a replica that must survive a restart: a restarted replica that forgot
// it would vote twice at a height or release its lock
type VoteState struct {
	LastVoted uint64             `json:"lastVoted"` // the highest height voted for
	Locked    *Block             `json:"locked"`    // the locked block
	HighQC    *QuorumCertificate `json:"highQC"`    // the highest certificate seen
}

// MarshalWire() implements codec.WireMessage
func (x *VoteState) MarshalWire(e *codec.Encoder) {
	e.Uint64(1, x.LastVoted)
	if x.Locked != nil {
		e.Message(2, x.Locked)
	}
	if x.HighQC != nil {
		e.Message(3, x.HighQC)
	}
}

// UnmarshalWire() implements codec.WireMessage
func (x *VoteState) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			x.LastVoted = d.Uint64()
		case 2:
			x.Locked = new(Block)
			d.Message(x.Locked)
		case 3:
			x.HighQC = new(QuorumCertificate)
			d.Message(x.HighQC)
		default:
			d.Skip()
		}
	}
	return d.Err()
}
