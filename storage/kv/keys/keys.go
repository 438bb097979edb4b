package keys

import (
	"bytes"
	"encoding/binary"
)

// Key is a single key
type Key []byte

// Compare compares two keys
// -1 means a < b
// 1 means a > b
// 0 means a = b
func Compare(a, b Key) int {
	return bytes.Compare(a, b)
}

// Uint64ToKey constructs a big-endian key from a uint64
// so that numeric order matches lexicographical order
func Uint64ToKey(n uint64) [8]byte {
	var k [8]byte

	binary.BigEndian.PutUint64(k[:], n)

	return k
}

// KeyToUint64 reconstructs a uint64 from a big-endian key
func KeyToUint64(k [8]byte) uint64 {
	return binary.BigEndian.Uint64(k[:])
}

// Join concatenates key parts with a zero separator between
// them. Parts containing zero bytes must be the last part
// or fixed width for the result to remain unambiguous.
func Join(parts ...Key) Key {
	size := 0

	for _, part := range parts {
		size += len(part) + 1
	}

	joined := make(Key, 0, size)

	for i, part := range parts {
		if i > 0 {
			joined = append(joined, 0)
		}

		joined = append(joined, part...)
	}

	return joined
}

// SplitLast splits a joined key at the last zero separator,
// returning the prefix and the final part. fixedWidth is the
// width of the final part.
func SplitLast(k Key, fixedWidth int) (Key, Key) {
	if len(k) < fixedWidth+1 {
		return nil, nil
	}

	return k[:len(k)-fixedWidth-1], k[len(k)-fixedWidth:]
}
