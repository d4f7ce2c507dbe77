package lib

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sdbondi/tari-dan/lib/codec"
	"github.com/sdbondi/tari-dan/lib/crypto"
)

/* This file defines the primitive identifiers shared by every consensus module */

const (
	// MaxShardID is the last shard of the address space; shard groups partition [0, MaxShardID]
	MaxShardID = ShardID(math.MaxUint32)
)

// Hash is a fixed size content digest used to identify blocks, commands and certificates
type Hash [crypto.HashSize]byte

// ZeroHash is the parent hash of every genesis block
var ZeroHash = Hash{}

// HashFromBytes() converts a byte slice into a Hash, enforcing the length
func HashFromBytes(bz []byte) (h Hash, err ErrorI) {
	if len(bz) != crypto.HashSize {
		return h, ErrWrongLengthHash(len(bz))
	}
	copy(h[:], bz)
	return
}

// HashOf() hashes the bytes with the global hashing algorithm
func HashOf(bz []byte) (h Hash) {
	copy(h[:], crypto.Hash(bz))
	return
}

// Bytes() returns a copy of the hash as a slice
func (h Hash) Bytes() []byte { return append([]byte(nil), h[:]...) }

// IsZero() returns true for the all zero hash
func (h Hash) IsZero() bool { return h == ZeroHash }

// String() returns the hex representation of the hash
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short() returns a truncated hex string for log lines
func (h Hash) Short() string { return BytesToTruncatedString(h[:]) }

// MarshalText() implements encoding.TextMarshaler so hashes are hex in json
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText() implements encoding.TextUnmarshaler
func (h *Hash) UnmarshalText(text []byte) error {
	bz, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	parsed, e := HashFromBytes(bz)
	if e != nil {
		return e
	}
	*h = parsed
	return nil
}

// Epoch is a period with a fixed committee and shard partition
type Epoch uint64

// ShardID is a single position in the shard address space
type ShardID uint32

// ShardGroup is an inclusive contiguous range of the shard address space
type ShardGroup struct {
	Start ShardID `json:"start"`
	End   ShardID `json:"end"`
}

// NewShardGroup() constructs a shard group from inclusive bounds
func NewShardGroup(start, end ShardID) ShardGroup { return ShardGroup{Start: start, End: end} }

// Contains() returns true if the shard falls within the group
func (s ShardGroup) Contains(shard ShardID) bool { return shard >= s.Start && shard <= s.End }

// Overlaps() returns true if the two ranges share any shard
func (s ShardGroup) Overlaps(o ShardGroup) bool { return s.Start <= o.End && o.Start <= s.End }

// Len() returns the number of shards in the group
func (s ShardGroup) Len() uint64 { return uint64(s.End) - uint64(s.Start) + 1 }

// Valid() rejects inverted ranges
func (s ShardGroup) Valid() bool { return s.Start <= s.End }

// Less() orders shard groups by their first shard
func (s ShardGroup) Less(o ShardGroup) bool { return s.Start < o.Start }

// String() returns the log format of the shard group
func (s ShardGroup) String() string { return fmt.Sprintf("%d-%d", s.Start, s.End) }

// Topic() is the gossip topic of the shard group's committee
func (s ShardGroup) Topic() string { return "consensus/" + s.String() }

// MarshalText() allows shard groups to be json map keys
func (s ShardGroup) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText() parses the 'start-end' format
func (s *ShardGroup) UnmarshalText(text []byte) error {
	parsed, err := ParseShardGroup(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalWire() encodes the bounds
func (s *ShardGroup) MarshalWire(e *codec.Encoder) {
	e.Uint64(1, uint64(s.Start)).Uint64(2, uint64(s.End))
}

// UnmarshalWire() decodes the bounds
func (s *ShardGroup) UnmarshalWire(d *codec.Decoder) error {
	for d.Next() {
		switch d.Field() {
		case 1:
			s.Start = ShardID(d.Uint64())
		case 2:
			s.End = ShardID(d.Uint64())
		default:
			d.Skip()
		}
	}
	return d.Err()
}

// ParseShardGroup() parses the 'start-end' format
func ParseShardGroup(str string) (ShardGroup, ErrorI) {
	parts := strings.Split(str, "-")
	if len(parts) != 2 {
		return ShardGroup{}, ErrStringToBytes(fmt.Errorf("malformed shard group %q", str))
	}
	start, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return ShardGroup{}, ErrStringToBytes(err)
	}
	end, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ShardGroup{}, ErrStringToBytes(err)
	}
	sg := NewShardGroup(ShardID(start), ShardID(end))
	if !sg.Valid() {
		return ShardGroup{}, ErrInvalidShardGroup(sg)
	}
	return sg, nil
}

// ValidatorID is the hex encoded address of a validator's consensus public key
type ValidatorID string

// NewValidatorID() derives the identity from a consensus public key
func NewValidatorID(pk crypto.PublicKeyI) ValidatorID {
	return ValidatorID(pk.Address().String())
}

// Short() returns a truncated identifier for log lines
func (v ValidatorID) Short() string {
	if len(v) <= 10 {
		return string(v)
	}
	return string(v[:10])
}
