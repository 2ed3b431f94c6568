package wire

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// Marshal encodes v with a canonical JSON handle: identical logical content
// always serializes identically, regardless of map iteration order. All
// signatures in the routing core cover canonical encodings, so this property
// is what makes them verifiable across nodes.
func Marshal(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal decodes data produced by Marshal into v.
func Unmarshal(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(v)
}
