package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/albertobadia/zoocache-go/pkg/verstrie"
)

// Entry is the logical cache record. Value is an opaque byte blob supplied
// by the host; the cache never inspects it. TrieVersion is the global trie
// epoch observed when the entry was written and enables the read fast-path.
type Entry struct {
	Value        []byte                          `msgpack:"value"`
	Dependencies map[string]verstrie.DepSnapshot `msgpack:"dependencies"`
	TrieVersion  uint64                          `msgpack:"trie_version"`
}

// Serialized records start with a 4-byte ASCII magic so schema changes and
// cross-version reads are rejected instead of misdecoded, followed by the
// uncompressed payload length (u32 little-endian) and an LZ4 block.
const magic = "ZOO1"

const headerSize = len(magic) + 4

// maxPayloadSize bounds the decompression allocation for untrusted stored
// bytes.
const maxPayloadSize = 1 << 30

// Encode serializes an entry to its stored form.
func Encode(e *Entry) ([]byte, error) {
	payload, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	out := make([]byte, headerSize+lz4.CompressBlockBound(len(payload)))
	copy(out, magic)
	binary.LittleEndian.PutUint32(out[len(magic):], uint32(len(payload)))

	var c lz4.Compressor
	n, err := c.CompressBlock(payload, out[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("compress entry: %w", err)
	}
	if n == 0 {
		// Incompressible payload: emit a literal-only LZ4 block so the
		// stored form stays uniform.
		return append(out[:headerSize], literalBlock(payload)...), nil
	}
	return out[:headerSize+n], nil
}

// Decode parses a stored record. Any mismatch, from magic to msgpack, yields
// ErrCorrupted so callers can treat the record as missing and evict it.
func Decode(data []byte) (*Entry, error) {
	if len(data) < headerSize || string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}

	size := binary.LittleEndian.Uint32(data[len(magic):headerSize])
	if size > maxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d", ErrCorrupted, size)
	}

	payload := make([]byte, size)
	n, err := lz4.UncompressBlock(data[headerSize:], payload)
	if err != nil || n != int(size) {
		return nil, fmt.Errorf("%w: decompress", ErrCorrupted)
	}

	var e Entry
	if err := msgpack.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: decode", ErrCorrupted)
	}
	return &e, nil
}

// literalBlock wraps src in LZ4 block sequences containing only literals.
func literalBlock(src []byte) []byte {
	out := make([]byte, 0, len(src)+len(src)/255+2)
	run := len(src)
	if run < 15 {
		out = append(out, byte(run)<<4)
	} else {
		out = append(out, 0xF0)
		for rest := run - 15; ; rest -= 255 {
			if rest < 255 {
				out = append(out, byte(rest))
				break
			}
			out = append(out, 255)
		}
	}
	return append(out, src...)
}
