// Package hrw implements Rendezvous (highest random weight) selection.
//
// Every candidate gets a score derived from the key and its own name; the
// candidate with the highest score wins. Removing a candidate only moves the
// keys it owned.
package hrw

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Best returns the index of the highest scoring node for key, or ok=false
// when nodes is empty. seed separates clusters that share node names.
func Best(key []byte, nodes []string, seed string) (idx int, ok bool) {
	if len(nodes) == 0 {
		return 0, false
	}
	var best uint64
	for i, n := range nodes {
		s := Score(key, n, seed)
		// ties go to the earlier node so the result never depends on map or
		// goroutine ordering
		if i == 0 || s > best {
			best, idx = s, i
		}
	}
	return idx, true
}

// Score is the 64 bit BLAKE2b weight of node for key.
func Score(key []byte, node string, seed string) uint64 {
	h, _ := blake2b.New(8, nil)

	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}

	h.Write(key)
	h.Write([]byte{0})
	h.Write([]byte(node))

	return binary.BigEndian.Uint64(h.Sum(nil))
}
