package shachain

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Store holds the per-commitment secrets a remote party has revealed, in a
// form that can reproduce any of them on demand. Implementations are
// expected to be compact: the point of the shachain construction is that a
// handful of nodes covers every secret revealed so far.
type Store interface {
	// LookUp reproduces the secret revealed at the given sequence number.
	// It fails for sequence numbers that were never added.
	LookUp(uint64) (*chainhash.Hash, error)

	// AddNextEntry accepts the next revealed secret. Secrets MUST arrive
	// in production order; each one is checked for consistency against
	// the chain built so far before being accepted.
	AddNextEntry(*chainhash.Hash) error

	// Encode writes a binary serialization of the store to w.
	Encode(io.Writer) error
}

// RevocationStore keeps, per tree height, the most recent revealed secret
// whose index sits at that height. Every older secret of the same height is
// derivable from it, so at most maxTreeHeight nodes plus a cursor cover an
// arbitrary revealed prefix of the 2^48 secret sequence. The construction
// and its test vectors are specified in BOLT-03, appendix D.
type RevocationStore struct {
	// buckets holds one node per occupied tree height, buckets[h] being
	// the latest node whose index has h trailing zeros.
	buckets []chainNode

	// cursor is the chain index the next revealed secret must occupy.
	cursor chainIndex
}

// A compile time check to ensure RevocationStore implements the Store
// interface.
var _ Store = (*RevocationStore)(nil)

// NewRevocationStore creates an empty store positioned at the first secret.
func NewRevocationStore() *RevocationStore {
	return &RevocationStore{
		cursor: startIndex,
	}
}

// NewRevocationStoreFromBytes rebuilds a store from its Encode output.
func NewRevocationStoreFromBytes(r io.Reader) (*RevocationStore, error) {
	store := &RevocationStore{}

	var numBuckets uint8
	if err := binary.Read(r, binary.BigEndian, &numBuckets); err != nil {
		return nil, err
	}
	if numBuckets > maxTreeHeight {
		return nil, fmt.Errorf("shachain: %d buckets exceeds tree "+
			"height", numBuckets)
	}

	store.buckets = make([]chainNode, numBuckets)
	for i := range store.buckets {
		err := binary.Read(
			r, binary.BigEndian, (*uint64)(&store.buckets[i].index),
		)
		if err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(
			r, store.buckets[i].hash[:],
		); err != nil {
			return nil, err
		}
	}

	err := binary.Read(r, binary.BigEndian, (*uint64)(&store.cursor))
	if err != nil {
		return nil, err
	}

	return store, nil
}

// LookUp reproduces the secret at the given sequence number by deriving it
// from whichever stored node covers its subtree.
//
// NOTE: This method is part of the Store interface.
func (s *RevocationStore) LookUp(seqNum uint64) (*chainhash.Hash, error) {
	target := indexFromSeqNum(seqNum)

	for _, bucket := range s.buckets {
		node, err := bucket.deriveAt(target)
		if err != nil {
			continue
		}
		return &node.hash, nil
	}

	return nil, fmt.Errorf("shachain: no stored node derives sequence "+
		"number %d", seqNum)
}

// AddNextEntry accepts the next revealed secret. The new node must be able
// to re-derive every lower bucket it supersedes; a secret that can't is not
// part of the same chain and is rejected, which is exactly the check that
// catches a peer revealing garbage instead of its real revocation secret.
//
// NOTE: This method is part of the Store interface.
func (s *RevocationStore) AddNextEntry(secret *chainhash.Hash) error {
	node := chainNode{
		index: s.cursor,
		hash:  *secret,
	}

	height := node.index.height()
	for h := uint8(0); h < height && int(h) < len(s.buckets); h++ {
		derived, err := node.deriveAt(s.buckets[h].index)
		if err != nil {
			return err
		}

		if derived.hash != s.buckets[h].hash {
			return fmt.Errorf("shachain: secret at index %d "+
				"does not derive stored bucket %d",
				node.index, h)
		}
	}

	for uint8(len(s.buckets)) <= height {
		s.buckets = append(s.buckets, chainNode{})
	}
	s.buckets[height] = node
	s.cursor--

	return nil
}

// Encode writes the bucket list and cursor: a one-byte bucket count, each
// bucket's index and hash, and the cursor of the next expected secret.
//
// NOTE: This method is part of the Store interface.
func (s *RevocationStore) Encode(w io.Writer) error {
	err := binary.Write(w, binary.BigEndian, uint8(len(s.buckets)))
	if err != nil {
		return err
	}

	for _, bucket := range s.buckets {
		err := binary.Write(
			w, binary.BigEndian, uint64(bucket.index),
		)
		if err != nil {
			return err
		}

		if _, err := w.Write(bucket.hash[:]); err != nil {
			return err
		}
	}

	return binary.Write(w, binary.BigEndian, uint64(s.cursor))
}
