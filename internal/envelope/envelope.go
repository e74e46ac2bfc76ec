// Package envelope frames cached payloads for tier storage.
//
// Every value written to a tier is wrapped in a small binary envelope that
// records whether the payload was compressed, the original (pre-compression)
// size, the entry's tags, and an xxhash64 checksum of the stored payload.
// Tags travel with the value so a promotion from a slower tier can re-register
// them in the faster tier's tag index. The checksum lets readers detect
// corruption coming from a shared backend.
package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"
)

const (
	version byte = 1

	flagCompressed byte = 1 << 0

	maxTags   = 255
	maxTagLen = 255
)

var (
	ErrCorrupt  = errors.New("tiercache: corrupt envelope")
	ErrChecksum = errors.New("tiercache: envelope checksum mismatch")

	magic4 = [...]byte{'T', 'C', 'E', 'V'}
)

// Meta describes how a payload was framed.
type Meta struct {
	Compressed   bool
	OriginalSize int
	StoredSize   int
	Tags         []string
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Seal frames raw for storage.
//
// When threshold > 0 and len(raw) >= threshold, the payload is s2-compressed;
// the compressed form is kept only if it is actually smaller, so
// Meta.StoredSize <= Meta.OriginalSize always holds for compressed entries.
//
// Layout: magic(4) | ver(1) | flags(1) | origSize(u32 be) | ntags(u8) |
// {tagLen(u8) | tag}* | sum(u64 be) | plen(u32 be) | payload
func Seal(raw []byte, tags []string, threshold int) ([]byte, Meta, error) {
	if len(tags) > maxTags {
		return nil, Meta{}, fmt.Errorf("tiercache: too many tags: %d > %d", len(tags), maxTags)
	}
	tagBytes := 0
	for _, t := range tags {
		if len(t) == 0 || len(t) > maxTagLen {
			return nil, Meta{}, fmt.Errorf("tiercache: invalid tag length %d", len(t))
		}
		tagBytes += 1 + len(t)
	}

	payload := raw
	var flags byte
	if threshold > 0 && len(raw) >= threshold {
		if comp := s2.Encode(nil, raw); len(comp) < len(raw) {
			payload = comp
			flags |= flagCompressed
		}
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 4 + 1 + tagBytes + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint32(u4[:], uint32(len(raw)))
	buf.Write(u4[:])

	buf.WriteByte(byte(len(tags)))
	for _, t := range tags {
		buf.WriteByte(byte(len(t)))
		buf.WriteString(t)
	}

	binary.BigEndian.PutUint64(u8[:], xxhash.Sum64(payload))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)

	meta := Meta{
		Compressed:   flags&flagCompressed != 0,
		OriginalSize: len(raw),
		StoredSize:   len(payload),
		Tags:         tags,
	}
	return buf.Bytes(), meta, nil
}

// Open parses a sealed blob and returns the original payload bytes.
// When verify is true the checksum is validated before decompression;
// a mismatch yields ErrChecksum. Malformed framing yields ErrCorrupt.
func Open(b []byte, verify bool) ([]byte, Meta, error) {
	const fixed = 4 + 1 + 1 + 4 + 1
	if len(b) < fixed || !hasMagic(b) || b[4] != version {
		return nil, Meta{}, ErrCorrupt
	}
	flags := b[5]
	off := 6

	origSize := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4

	ntags := int(b[off])
	off++

	tags := make([]string, 0, ntags)
	for i := 0; i < ntags; i++ {
		if off+1 > len(b) {
			return nil, Meta{}, ErrCorrupt
		}
		tlen := int(b[off])
		off++
		if tlen == 0 || tlen > len(b)-off {
			return nil, Meta{}, ErrCorrupt
		}
		tags = append(tags, string(b[off:off+tlen]))
		off += tlen
	}

	if off+8+4 > len(b) {
		return nil, Meta{}, ErrCorrupt
	}
	sum := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if plen < 0 || off+plen != len(b) { // exact framing; trailing bytes are corruption
		return nil, Meta{}, ErrCorrupt
	}
	payload := b[off : off+plen]

	if verify && xxhash.Sum64(payload) != sum {
		return nil, Meta{}, ErrChecksum
	}

	meta := Meta{
		Compressed:   flags&flagCompressed != 0,
		OriginalSize: origSize,
		StoredSize:   plen,
		Tags:         tags,
	}

	if !meta.Compressed {
		return payload, meta, nil
	}
	raw, err := s2.Decode(nil, payload)
	if err != nil {
		return nil, Meta{}, ErrCorrupt
	}
	if len(raw) != origSize {
		return nil, Meta{}, ErrCorrupt
	}
	return raw, meta, nil
}
