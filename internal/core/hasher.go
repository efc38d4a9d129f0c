package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "FarmLedger:genesis:v1"

// StateHasher chains every logged event into one digest. Each link covers
// the previous link, the engine sequence, the farm clock after the event
// and the event's state digest:
//
//	hash[N] = SHA-256(hash[N-1] || seq BE64 || clock BE64 || digest)
//
// so two engines agree on a hash only if they applied the same events with
// the same outcomes at the same times.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// GenesisHash is the chain tip of an empty log.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainLink computes one link without touching any hasher.
func ChainLink(prev [32]byte, sequence int64, clock uint64, stateDigest []byte) [32]byte {
	var header [48]byte
	copy(header[:32], prev[:])
	binary.BigEndian.PutUint64(header[32:40], uint64(sequence))
	binary.BigEndian.PutUint64(header[40:48], clock)

	h := sha256.New()
	h.Write(header[:])
	h.Write(stateDigest)

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// Advance appends a link and returns it.
func (h *StateHasher) Advance(sequence int64, clock uint64, stateDigest []byte) [32]byte {
	h.prevHash = ChainLink(h.prevHash, sequence, clock, stateDigest)
	return h.prevHash
}

// SetPrevHash resets the chain tip on snapshot restore.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
