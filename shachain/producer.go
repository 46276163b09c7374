package shachain

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Producer is the sending half of the shachain: it generates the secret for
// each commitment state from a single root seed, in the order the store on
// the other side expects them.
type Producer interface {
	// AtIndex produces the secret for the given sequence number.
	AtIndex(uint64) (*chainhash.Hash, error)

	// Encode writes a binary serialization of the producer to w.
	Encode(io.Writer) error
}

// RevocationProducer derives every secret from a 32-byte seed sitting at the
// top of the derivation tree, so only the seed needs to be kept.
type RevocationProducer struct {
	// root is the seed node; chain index zero covers the whole tree.
	root chainNode
}

// A compile time check to ensure RevocationProducer implements the Producer
// interface.
var _ Producer = (*RevocationProducer)(nil)

// NewRevocationProducer creates a producer from the given root seed.
func NewRevocationProducer(seed chainhash.Hash) *RevocationProducer {
	return &RevocationProducer{
		root: chainNode{
			hash: seed,
		},
	}
}

// NewRevocationProducerFromBytes rebuilds a producer from its Encode output,
// which is the bare root seed.
func NewRevocationProducerFromBytes(r io.Reader) (*RevocationProducer,
	error) {

	var seed chainhash.Hash
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return nil, err
	}

	return NewRevocationProducer(seed), nil
}

// AtIndex produces the secret for the given sequence number.
//
// NOTE: This method is part of the Producer interface.
func (p *RevocationProducer) AtIndex(seqNum uint64) (*chainhash.Hash, error) {
	node, err := p.root.deriveAt(indexFromSeqNum(seqNum))
	if err != nil {
		return nil, err
	}

	return &node.hash, nil
}

// Encode writes the root seed to w.
//
// NOTE: This method is part of the Producer interface.
func (p *RevocationProducer) Encode(w io.Writer) error {
	_, err := w.Write(p.root.hash[:])
	return err
}
