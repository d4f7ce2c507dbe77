package crypto

import (
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/drand/kyber"
	bls12381 "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/bdn"
)

const (
	BLS12381PrivKeySize   = 32
	BLS12381PubKeySize    = 48
	BLS12381SignatureSize = 96
)

var (
	_ PrivateKeyI     = &BLS12381PrivateKey{}
	_ PublicKeyI      = &BLS12381PublicKey{}
	_ MultiPublicKeyI = &BLS12381MultiPublicKey{}
)

// BLS12381PrivateKey signs votes and new-view messages. Boneh-Lynn-Shacham signatures over BLS12-381
// may be aggregated into a single quorum certificate signature
type BLS12381PrivateKey struct {
	kyber.Scalar
	scheme *bdn.Scheme
}

// NewBLS12381PrivateKey() wraps a kyber.Scalar as a private key
func NewBLS12381PrivateKey(privateKey kyber.Scalar) *BLS12381PrivateKey {
	return &BLS12381PrivateKey{Scalar: privateKey, scheme: newBLSScheme()}
}

// Bytes() returns the binary form of the scalar
func (b *BLS12381PrivateKey) Bytes() []byte {
	bz, _ := b.MarshalBinary()
	return bz
}

// Sign() signs the message, the signature is a point on G2
func (b *BLS12381PrivateKey) Sign(msg []byte) []byte {
	bz, _ := b.scheme.Sign(b.Scalar, msg)
	return bz
}

// PublicKey() returns the G1 public key that pairs with this private key
func (b *BLS12381PrivateKey) PublicKey() PublicKeyI {
	suite := newBLSSuite()
	public := suite.G1().Point().Mul(b.Scalar, suite.G1().Point().Base())
	return NewBLS12381PublicKey(public)
}

// Equals() compares two private keys
func (b *BLS12381PrivateKey) Equals(i PrivateKeyI) bool {
	private, ok := i.(*BLS12381PrivateKey)
	if !ok {
		return false
	}
	return b.Equal(private.Scalar)
}

// String() returns the hex string representation of the private key
func (b *BLS12381PrivateKey) String() string { return hex.EncodeToString(b.Bytes()) }

// MarshalJSON() is the json.Marshaller implementation for the BLS12381PrivateKey object
func (b *BLS12381PrivateKey) MarshalJSON() ([]byte, error) { return json.Marshal(b.String()) }

// UnmarshalJSON() is the json.Unmarshaler implementation for the BLS12381PrivateKey object
func (b *BLS12381PrivateKey) UnmarshalJSON(bz []byte) (err error) {
	var hexString string
	if err = json.Unmarshal(bz, &hexString); err != nil {
		return
	}
	pk, err := NewBLSPrivateKeyFromString(hexString)
	if err != nil {
		return err
	}
	bls, ok := pk.(*BLS12381PrivateKey)
	if !ok {
		return errors.New("invalid bls key")
	}
	*b = *bls
	return
}

// BLS12381PublicKey verifies individual signatures and is a member of a committee multi key
type BLS12381PublicKey struct {
	kyber.Point
	scheme *bdn.Scheme
}

// NewBLS12381PublicKey() wraps a kyber point as a public key
func NewBLS12381PublicKey(publicKey kyber.Point) *BLS12381PublicKey {
	return &BLS12381PublicKey{Point: publicKey, scheme: newBLSScheme()}
}

// Address() returns the first 20 bytes of the hash of the public key
func (b *BLS12381PublicKey) Address() AddressI {
	address := Address(Hash(b.Bytes())[:AddressSize])
	return &address
}

// Bytes() returns the compressed G1 point
func (b *BLS12381PublicKey) Bytes() []byte {
	bz, _ := b.MarshalBinary()
	return bz
}

// MarshalJSON() implements the json.Marshaller interface for the BLS12381PublicKey
func (b *BLS12381PublicKey) MarshalJSON() ([]byte, error) { return json.Marshal(b.String()) }

// UnmarshalJSON() implements the json.Unmarshaler interface for the BLS12381PublicKey
func (b *BLS12381PublicKey) UnmarshalJSON(bz []byte) (err error) {
	var hexString string
	if err = json.Unmarshal(bz, &hexString); err != nil {
		return
	}
	pk, err := NewBLSPublicKeyFromString(hexString)
	if err != nil {
		return err
	}
	bls, ok := pk.(*BLS12381PublicKey)
	if !ok {
		return errors.New("invalid bls key")
	}
	*b = *bls
	return
}

// VerifyBytes() verifies an individual BLS signature
func (b *BLS12381PublicKey) VerifyBytes(msg []byte, sig []byte) bool {
	return b.scheme.Verify(b.Point, msg, sig) == nil
}

// Equals() compares two public keys
func (b *BLS12381PublicKey) Equals(i PublicKeyI) bool {
	pub2, ok := i.(*BLS12381PublicKey)
	if !ok {
		return false
	}
	return b.Equal(pub2.Point)
}

// String() returns the hex string representation of the public key
func (b *BLS12381PublicKey) String() string { return hex.EncodeToString(b.Bytes()) }

// BLS12381MultiPublicKey is the committee key: a fixed ordering of member public keys and a mask of who signed.
// The aggregate of the enabled keys verifies the aggregate signature in a single pairing check
type BLS12381MultiPublicKey struct {
	signatures [][]byte
	mask       *sign.Mask
	scheme     *bdn.Scheme
}

// NewBLSMultiPublicKey() creates a multi key from a kyber mask
func NewBLSMultiPublicKey(mask *sign.Mask) *BLS12381MultiPublicKey {
	return &BLS12381MultiPublicKey{mask: mask, scheme: newBLSScheme(), signatures: make([][]byte, len(mask.Publics()))}
}

// VerifyBytes() verifies an aggregate signature against the keys enabled in the mask
func (b *BLS12381MultiPublicKey) VerifyBytes(msg, sig []byte) bool {
	publicKey, err := b.scheme.AggregatePublicKeys(b.mask)
	if err != nil {
		return false
	}
	return b.scheme.Verify(publicKey, msg, sig) == nil
}

// AggregateSignatures() aggregates the collected signatures into a single 96 byte signature
func (b *BLS12381MultiPublicKey) AggregateSignatures() ([]byte, error) {
	var ordered [][]byte
	// signatures must be in mask order
	for _, signature := range b.signatures {
		if len(signature) != 0 {
			ordered = append(ordered, signature)
		}
	}
	if len(ordered) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}
	signature, err := b.scheme.AggregateSignatures(ordered, b.mask)
	if err != nil {
		return nil, err
	}
	return signature.MarshalBinary()
}

// AddSigner() records a signature at the signer's index in the committee ordering
func (b *BLS12381MultiPublicKey) AddSigner(signature []byte, index int) error {
	if index < 0 || index >= len(b.signatures) {
		return errors.New("invalid signer index")
	}
	b.signatures[index] = signature
	return b.mask.SetBit(index, true)
}

// RemoveSigner() withdraws a previously added signature
func (b *BLS12381MultiPublicKey) RemoveSigner(index int) error {
	if index < 0 || index >= len(b.signatures) {
		return errors.New("invalid signer index")
	}
	b.signatures[index] = nil
	return b.mask.SetBit(index, false)
}

// Reset() clears the mask and the collected signatures
func (b *BLS12381MultiPublicKey) Reset() {
	b.mask, _ = sign.NewMask(newBLSSuite(), b.mask.Publics(), nil)
	b.signatures = make([][]byte, len(b.mask.Publics()))
}

// Copy() returns an independent multi key with the same keys and mask but no collected signatures
func (b *BLS12381MultiPublicKey) Copy() MultiPublicKeyI {
	p := b.mask.Publics()
	pCopy := make([]kyber.Point, len(p))
	copy(pCopy, p)
	m := b.mask.Mask()
	mCopy := make([]byte, len(m))
	copy(mCopy, m)
	k, _ := NewMultiBLSFromPoints(pCopy, mCopy)
	return k
}

// PublicKeys() returns the ordered committee keys
func (b *BLS12381MultiPublicKey) PublicKeys() (keys []PublicKeyI) {
	for _, key := range b.mask.Publics() {
		keys = append(keys, NewBLS12381PublicKey(key))
	}
	return
}

// Bitmap() returns the signer mask, bit i is set when the i'th key signed
func (b *BLS12381MultiPublicKey) Bitmap() []byte { return b.mask.Mask() }

// SignerEnabledAt() returns whether the i'th key is enabled in the mask
func (b *BLS12381MultiPublicKey) SignerEnabledAt(i int) (bool, error) {
	if i >= len(b.mask.Publics()) || i < 0 {
		return false, errors.New("invalid bitmap index")
	}
	return b.mask.Mask()[i/8]&(byte(1)<<(i&7)) != 0, nil
}

// SetBitmap() sets the signer mask, used when verifying a received aggregate
func (b *BLS12381MultiPublicKey) SetBitmap(bm []byte) error { return b.mask.SetMask(bm) }

func newBLSScheme() *bdn.Scheme  { return bdn.NewSchemeOnG2(newBLSSuite()) }
func newBLSSuite() pairing.Suite { return bls12381.NewBLS12381Suite() }
