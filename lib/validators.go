package lib

import (
	"sort"

	"github.com/drand/kyber"
	"github.com/sdbondi/tari-dan/lib/crypto"
)

// Validator is a committee member: its consensus identity and voting weight
type Validator struct {
	ID        ValidatorID `json:"id"`        // derived from the public key
	PublicKey HexBytes    `json:"publicKey"` // BLS12-381 public key bytes
	Weight    uint64      `json:"weight"`    // voting weight, every member has at least 1
}

// NewValidator() creates a committee member from its public key
func NewValidator(pk crypto.PublicKeyI, weight uint64) *Validator {
	return &Validator{ID: NewValidatorID(pk), PublicKey: pk.Bytes(), Weight: weight}
}

// ValidatorSet represents a committee of a shard group for a single epoch
// It facilitates the creation and validation of quorum agreements using multi-signatures
// NOTE: members are ordered by ID, the order defines the signer bitmap of every certificate
type ValidatorSet struct {
	Validators  []*Validator           // the ordered members
	MultiKey    crypto.MultiPublicKeyI // a composite key of all members, used for verifying aggregate signatures
	TotalWeight uint64                 // the aggregate weight of all members
	Quorum      uint64                 // the minimum weight that forms a quorum under Rule
	Rule        QuorumRule             // the rounding of the 2/3 threshold
	publicKeys  []crypto.PublicKeyI    // parsed keys in member order
	index       map[ValidatorID]int    // member position by ID
}

// NewValidatorSet() initializes a ValidatorSet from a list of members
func NewValidatorSet(validators []*Validator, rule QuorumRule) (*ValidatorSet, ErrorI) {
	if len(validators) == 0 {
		return nil, ErrNoValidators()
	}
	// copy and sort so the caller's slice order never influences the bitmap
	ordered := make([]*Validator, len(validators))
	copy(ordered, validators)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	vs := &ValidatorSet{
		Validators: ordered,
		Rule:       rule,
		index:      make(map[ValidatorID]int, len(ordered)),
		publicKeys: make([]crypto.PublicKeyI, 0, len(ordered)),
	}
	points := make([]kyber.Point, 0, len(ordered))
	// convert the public keys to 'points' on an elliptic curve for the BLS multikey
	for i, v := range ordered {
		if _, duplicate := vs.index[v.ID]; duplicate {
			return nil, ErrValidatorNotInSet(v.ID)
		}
		point, e := crypto.NewBLSPointFromBytes(v.PublicKey)
		if e != nil {
			return nil, ErrPubKeyFromBytes(e)
		}
		points = append(points, point)
		vs.publicKeys = append(vs.publicKeys, crypto.NewBLS12381PublicKey(point))
		vs.index[v.ID] = i
		vs.TotalWeight += v.Weight
	}
	if vs.TotalWeight == 0 {
		return nil, ErrNoValidators()
	}
	vs.Quorum = rule.Threshold(vs.TotalWeight)
	// create a composite multi-public key out of the public keys (in curve point format)
	mpk, e := crypto.NewMultiBLSFromPoints(points, nil)
	if e != nil {
		return nil, ErrNewMultiPubKey(e)
	}
	vs.MultiKey = mpk
	return vs, nil
}

// NumValidators() returns the committee size
func (vs *ValidatorSet) NumValidators() int { return len(vs.Validators) }

// IsMember() returns true if the id belongs to the committee
func (vs *ValidatorSet) IsMember(id ValidatorID) bool {
	if vs == nil {
		return false
	}
	_, ok := vs.index[id]
	return ok
}

// GetValidatorAndIdx() retrieves a member and its bitmap position
func (vs *ValidatorSet) GetValidatorAndIdx(id ValidatorID) (*Validator, int, ErrorI) {
	if vs == nil {
		return nil, 0, ErrValidatorNotInSet(id)
	}
	i, ok := vs.index[id]
	if !ok {
		return nil, 0, ErrValidatorNotInSet(id)
	}
	return vs.Validators[i], i, nil
}

// PublicKey() returns the parsed consensus key of a member
func (vs *ValidatorSet) PublicKey(id ValidatorID) (crypto.PublicKeyI, ErrorI) {
	_, i, err := vs.GetValidatorAndIdx(id)
	if err != nil {
		return nil, err
	}
	return vs.publicKeys[i], nil
}

// IDs() returns the member ids in bitmap order
func (vs *ValidatorSet) IDs() []ValidatorID {
	ids := make([]ValidatorID, len(vs.Validators))
	for i, v := range vs.Validators {
		ids[i] = v.ID
	}
	return ids
}

// QuorumReached() returns true if weight forms a quorum of this committee
func (vs *ValidatorSet) QuorumReached(weight uint64) bool { return vs.Rule.Reached(weight, vs.TotalWeight) }

// Signers() returns the members enabled in the bitmap and their combined weight
func (vs *ValidatorSet) Signers(bitmap []byte) (signers []ValidatorID, weight uint64, err ErrorI) {
	key := vs.MultiKey.Copy()
	// set the 'who signed' bitmap in a copy of the key
	if e := key.SetBitmap(bitmap); e != nil {
		return nil, 0, ErrInvalidBitmap(e)
	}
	// iterate through the set and see if the validator signed
	for i, v := range vs.Validators {
		signed, e := key.SignerEnabledAt(i)
		if e != nil {
			return nil, 0, ErrInvalidBitmap(e)
		}
		if signed {
			signers = append(signers, v.ID)
			weight += v.Weight
		}
	}
	return
}

// CheckAggregate() verifies an aggregate signature over signBytes and that its signers form a quorum
func (vs *ValidatorSet) CheckAggregate(signBytes, signature, bitmap []byte) (weight uint64, err ErrorI) {
	if len(signature) == 0 || len(bitmap) == 0 {
		return 0, ErrInvalidSignature()
	}
	signers, weight, err := vs.Signers(bitmap)
	if err != nil {
		return 0, err
	}
	// the weight is checked before the pairing
	if !vs.QuorumReached(weight) {
		return weight, ErrQuorumNotReached(weight, vs.Quorum)
	}
	if len(signers) == 0 {
		return 0, ErrInvalidSignature()
	}
	key := vs.MultiKey.Copy()
	if e := key.SetBitmap(bitmap); e != nil {
		return 0, ErrInvalidBitmap(e)
	}
	// use the composite public key to verify the aggregate signature
	if !key.VerifyBytes(signBytes, signature) {
		return 0, ErrInvalidSignature()
	}
	return weight, nil
}

// VerifySignature() checks an individual member signature
func (vs *ValidatorSet) VerifySignature(id ValidatorID, msg, signature []byte) ErrorI {
	pk, err := vs.PublicKey(id)
	if err != nil {
		return ErrUnauthorizedVoter(id)
	}
	if !pk.VerifyBytes(msg, signature) {
		return ErrInvalidSignature()
	}
	return nil
}
