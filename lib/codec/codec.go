package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// BinaryCodec is an interface model that defines the requirements for binary encoding and decoding
type BinaryCodec interface {
	Marshal(message any) ([]byte, error)
	Unmarshal(data []byte, ptr any) error
}

// WireMessage is implemented by every consensus structure that has a canonical binary form.
// The encoding is protobuf wire compatible, fields are always written in ascending field order
// and zero values are written explicitly, so equal structures always encode to equal bytes
type WireMessage interface {
	MarshalWire(e *Encoder)
	UnmarshalWire(d *Decoder) error
}

// ensure the wire codec implements the BinaryCodec interface
var _ BinaryCodec = &Wire{}

// Wire is the deterministic protowire codec
type Wire struct{}

// Marshal() converts a WireMessage to bytes
func (w *Wire) Marshal(message any) ([]byte, error) {
	m, ok := message.(WireMessage)
	if !ok {
		return nil, fmt.Errorf("%T is not a wire message", message)
	}
	e := NewEncoder()
	m.MarshalWire(e)
	return e.Bytes(), nil
}

// Unmarshal() populates a WireMessage from bytes
func (w *Wire) Unmarshal(data []byte, ptr any) error {
	m, ok := ptr.(WireMessage)
	if !ok {
		return fmt.Errorf("%T is not a wire message", ptr)
	}
	return m.UnmarshalWire(NewDecoder(data))
}

// Encoder appends protowire fields to a buffer
type Encoder struct {
	buf []byte
}

// NewEncoder() returns an empty encoder
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes() returns the encoded buffer
func (e *Encoder) Bytes() []byte { return e.buf }

// Uint64() writes a varint field
func (e *Encoder) Uint64(num protowire.Number, v uint64) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
	return e
}

// Bool() writes a varint field of 0 or 1
func (e *Encoder) Bool(num protowire.Number, v bool) *Encoder {
	return e.Uint64(num, protowire.EncodeBool(v))
}

// Raw() writes a length delimited field
func (e *Encoder) Raw(num protowire.Number, v []byte) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
	return e
}

// String() writes a length delimited utf8 field
func (e *Encoder) String(num protowire.Number, v string) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
	return e
}

// Message() writes a nested message as a length delimited field, nil messages are omitted
func (e *Encoder) Message(num protowire.Number, m WireMessage) *Encoder {
	if m == nil {
		return e
	}
	nested := NewEncoder()
	m.MarshalWire(nested)
	return e.Raw(num, nested.Bytes())
}

// Decoder reads protowire fields one at a time
//
//	d := codec.NewDecoder(bz)
//	for d.Next() {
//		switch d.Field() {
//		case 1:
//			x.Height = d.Uint64()
//		default:
//			d.Skip()
//		}
//	}
//	return d.Err()
type Decoder struct {
	buf []byte
	num protowire.Number
	typ protowire.Type
	err error
}

// NewDecoder() wraps bytes for decoding
func NewDecoder(bz []byte) *Decoder { return &Decoder{buf: bz} }

// Next() advances to the next field tag, returning false at the end or on error
func (d *Decoder) Next() bool {
	if d.err != nil || len(d.buf) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.buf)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return false
	}
	d.num, d.typ, d.buf = num, typ, d.buf[n:]
	return true
}

// Field() returns the current field number
func (d *Decoder) Field() protowire.Number { return d.num }

// Uint64() consumes a varint value
func (d *Decoder) Uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if d.typ != protowire.VarintType {
		d.err = fmt.Errorf("field %d: expected varint", d.num)
		return 0
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// Bool() consumes a varint as a bool
func (d *Decoder) Bool() bool { return protowire.DecodeBool(d.Uint64()) }

// Raw() consumes a length delimited value, the result is a copy
func (d *Decoder) Raw() []byte {
	if d.err != nil {
		return nil
	}
	if d.typ != protowire.BytesType {
		d.err = fmt.Errorf("field %d: expected bytes", d.num)
		return nil
	}
	v, n := protowire.ConsumeBytes(d.buf)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return nil
	}
	d.buf = d.buf[n:]
	return append([]byte{}, v...)
}

// String() consumes a length delimited value as a string
func (d *Decoder) String() string { return string(d.Raw()) }

// Message() consumes a nested message into m
func (d *Decoder) Message(m WireMessage) {
	bz := d.Raw()
	if d.err != nil {
		return
	}
	if err := m.UnmarshalWire(NewDecoder(bz)); err != nil {
		d.err = err
	}
}

// Skip() discards the value of an unknown field
func (d *Decoder) Skip() {
	if d.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.buf)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return
	}
	d.buf = d.buf[n:]
}

// Err() returns the first decoding error
func (d *Decoder) Err() error { return d.err }
