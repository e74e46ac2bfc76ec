// Package codec turns values into bytes and back for tier storage.
// Compression and checksumming happen one layer up, in the coordinator's
// envelope; codecs only care about faithful (de)serialization.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
