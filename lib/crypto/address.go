package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
)

// Address is the truncated hash of a public key
type Address []byte

var _ AddressI = &Address{}

const (
	AddressSize = 20
)

func (a *Address) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }
func (a *Address) Bytes() []byte                { return (*a)[:] }
func (a *Address) String() string               { return hex.EncodeToString(a.Bytes()) }
func (a *Address) Equals(e AddressI) bool       { return bytes.Equal(a.Bytes(), e.Bytes()) }

// UnmarshalJSON() parses the hex form produced by MarshalJSON()
func (a *Address) UnmarshalJSON(b []byte) (err error) {
	var hexString string
	if err = json.Unmarshal(b, &hexString); err != nil {
		return
	}
	bz, err := hex.DecodeString(hexString)
	if err != nil {
		return
	}
	*a = bz
	return
}
