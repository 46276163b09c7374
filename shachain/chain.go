package shachain

import (
	"crypto/sha256"
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// The shachain PRF hands out a sequence of 2^48 unguessable secrets, one per
// commitment state, such that any revealed secret lets the receiver derive
// every secret revealed before it. Secrets are addressed two ways: callers
// use ascending sequence numbers (commitment heights), while internally each
// secret sits at a descending chain index whose trailing-zero count is its
// height in the derivation tree. A node at height h can derive every index
// sharing its prefix above the low h bits, which is what makes O(log n)
// storage of an arbitrary revealed prefix possible.

const (
	// maxTreeHeight bounds the derivation tree: indexes are 48-bit, so no
	// node sits higher than 48.
	maxTreeHeight = 48
)

// chainIndex addresses one secret within the PRF. The first secret handed
// out lives at the highest index and production walks downward; index zero
// is the seed itself.
type chainIndex uint64

// startIndex is the chain index of sequence number zero.
const startIndex chainIndex = 1<<maxTreeHeight - 1

// indexFromSeqNum translates a caller-facing ascending sequence number into
// its descending chain index.
func indexFromSeqNum(seqNum uint64) chainIndex {
	return startIndex - chainIndex(seqNum)
}

// height returns the index's position in the derivation tree: its number of
// trailing zero bits, capped at the tree height. The all-zero seed index
// sits at the top.
func (i chainIndex) height() uint8 {
	zeros := bits.TrailingZeros64(uint64(i))
	if zeros > maxTreeHeight {
		zeros = maxTreeHeight
	}
	return uint8(zeros)
}

// canDerive reports whether the target index is reachable from i: both must
// agree on every bit above i's height.
func (i chainIndex) canDerive(target chainIndex) bool {
	lowBits := uint64(1)<<i.height() - 1
	return uint64(i) == uint64(target)&^lowBits
}

// chainNode is one materialized point of the PRF: an index and the secret
// that lives there.
type chainNode struct {
	index chainIndex
	hash  chainhash.Hash
}

// deriveAt walks the derivation tree from the node down to the target
// index. Each step flips one of the low bits of the working index, high bit
// first, and hashes the secret; targets outside the node's subtree are
// rejected.
func (n chainNode) deriveAt(target chainIndex) (chainNode, error) {
	if n.index == target {
		return n, nil
	}

	if !n.index.canDerive(target) {
		return chainNode{}, fmt.Errorf("shachain: index %d not "+
			"derivable from %d", target, n.index)
	}

	derived := n.hash
	for bit := int(n.index.height()) - 1; bit >= 0; bit-- {
		if uint64(target)>>uint(bit)&1 == 0 {
			continue
		}

		derived[bit/8] ^= 1 << (uint(bit) % 8)
		derived = sha256.Sum256(derived[:])
	}

	return chainNode{
		index: target,
		hash:  derived,
	}, nil
}
