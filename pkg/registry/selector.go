package registry

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

const selectionDomain = "reputation-consensus/committee/1"

// CommitteeSelector deterministically derives a committee from a
// transaction id and block height. Any node holding the same eligible-pool
// snapshot reproduces the identical ordered committee, so no selection
// message ever travels the network: membership is evaluated locally after a
// broadcast challenge, which is what defeats eclipse and targeting attacks.
type CommitteeSelector struct {
	registry      *Registry
	committeeSize int
}

// NewCommitteeSelector creates a selector over the given registry.
func NewCommitteeSelector(registry *Registry, committeeSize int) *CommitteeSelector {
	return &CommitteeSelector{
		registry:      registry,
		committeeSize: committeeSize,
	}
}

// SelectCommittee returns the ordered committee for (txID, height) and a
// degraded flag set when the eligible pool held fewer members than the
// configured committee size.
func (cs *CommitteeSelector) SelectCommittee(txID string, height int64) ([]string, bool) {
	pool := cs.registry.EligibleSet(height)
	return shuffleAndTake(pool, txID, height, cs.committeeSize)
}

// shuffleAndTake performs a seeded Fisher-Yates shuffle over the canonical
// pool ordering and takes the first committeeSize entries.
func shuffleAndTake(pool []string, txID string, height int64, committeeSize int) ([]string, bool) {
	shuffled := make([]string, len(pool))
	copy(shuffled, pool)

	rng := rand.New(rand.NewSource(selectionSeed(txID, height)))
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	degraded := len(shuffled) < committeeSize
	if !degraded {
		shuffled = shuffled[:committeeSize]
	}
	return shuffled, degraded
}

// selectionSeed derives the shuffle seed from hash(txID || height || domain).
func selectionSeed(txID string, height int64) int64 {
	h := sha256.New()
	h.Write([]byte(txID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	h.Write(buf[:])
	h.Write([]byte(selectionDomain))
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
