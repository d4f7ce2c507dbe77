package crypto

// PublicKeyI is the verification half of a consensus identity
type PublicKeyI interface {
	Address() AddressI
	Bytes() []byte
	VerifyBytes(msg []byte, sig []byte) bool
	String() string
	Equals(PublicKeyI) bool
}

// PrivateKeyI is the signing half of a consensus identity
type PrivateKeyI interface {
	Bytes() []byte
	Sign(msg []byte) []byte
	PublicKey() PublicKeyI
	String() string
	Equals(PrivateKeyI) bool
}

// AddressI is the short form of a public key
type AddressI interface {
	MarshalJSON() ([]byte, error)
	Bytes() []byte
	String() string
	Equals(AddressI) bool
}

// MultiPublicKeyI aggregates signatures of an ordered signer list, tracking who signed with a bitmap
type MultiPublicKeyI interface {
	AggregateSignatures() ([]byte, error)
	VerifyBytes(msg, aggregatedSignature []byte) bool
	AddSigner(signature []byte, index int) error
	RemoveSigner(index int) error
	SignerEnabledAt(i int) (bool, error)
	PublicKeys() (keys []PublicKeyI)
	SetBitmap(bm []byte) error
	Bitmap() []byte
	Copy() MultiPublicKeyI
	Reset()
}
