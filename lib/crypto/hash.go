package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

const (
	HashSize = sha256.Size
)

// Hasher() returns the global hashing algorithm used
func Hasher() hash.Hash { return sha256.New() }

// Hash() executes the global hashing algorithm on input bytes
func Hash(msg []byte) []byte {
	h := sha256.Sum256(msg)
	return h[:]
}

// HashString() returns the hex form of a hash
func HashString(msg []byte) string { return hex.EncodeToString(Hash(msg)) }

// MerkleRoot() returns only the root of MerkleTree()
func MerkleRoot(items [][]byte) []byte {
	root, _ := MerkleTree(items)
	return root
}

// MerkleTree creates a binary merkle tree stored as a linear slice: leaves first, then each level above them
// example: items = {a, b, c, d} -> store = {H(a), H(b), H(c), H(d), H(H(a),H(b)), H(H(c),H(d)), H(H(H(a),H(b)),H(H(c),H(d))) }
// an odd node is paired with itself
func MerkleTree(items [][]byte) (root []byte, store [][]byte) {
	if len(items) == 0 {
		return []byte{}, [][]byte{}
	}
	offset := nextPowerOfTwo(len(items))
	size := offset*2 - 1
	store = make([][]byte, size)
	for i, item := range items {
		store[i] = Hash(item)
	}
	for i := 0; i < size-1; i += 2 {
		switch {
		case store[i] == nil:
			store[offset] = nil
		case store[i+1] == nil:
			store[offset] = Hash(concat(store[i], store[i]))
		default:
			store[offset] = Hash(concat(store[i], store[i+1]))
		}
		offset++
	}
	return store[size-1], store
}

// nextPowerOfTwo() calculates the smallest power of 2 that is greater than or equal to the input value
func nextPowerOfTwo(v int) int {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}

func concat(a, b []byte) []byte {
	out := make([]byte, len(a)+len(b))
	copy(out, a)
	copy(out[len(a):], b)
	return out
}
