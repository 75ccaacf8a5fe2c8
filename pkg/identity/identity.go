package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// PeerID identifies one running process in a peer group. IDs compare with
// ordinary string ordering: the leading zero-padded millisecond timestamp
// makes older peers sort first, and the random suffix breaks ties between
// peers started in the same millisecond.
type PeerID string

// New generates a fresh PeerID of the form <unix-millis>_<random hex>.
// The timestamp is padded to 13 digits so lexicographic order matches
// numeric order (13 digits covers dates well past year 2200).
func New() PeerID {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return PeerID(fmt.Sprintf("%013d_%s", time.Now().UnixMilli(), hex.EncodeToString(suffix[:])))
}

// Less reports whether p sorts before other. The smaller peer wins
// elections, so Less doubles as "p outranks other".
func (p PeerID) Less(other PeerID) bool {
	return p < other
}

func (p PeerID) String() string {
	return string(p)
}
