package commitment

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

// InPlaceCommitSort performs an in-place sort of a commitment transaction,
// given an unsorted transaction and a list of CLTV values for the HTLCs.
//
// The sort applied is a modified BIP69 sort, that uses the CLTV values of
// HTLCs as a tie breaker in case two HTLC outputs have an identical amount
// and payment script. Such HTLCs can only be offered HTLCs with the same
// amount and payment hash; their second-stage HTLC timeout transactions
// differ only in their locktime, so agreeing on the CLTV ordering is what
// lets both parties pair each output with its timeout signature.
//
// The txins are sorted according to BIP69, though commitment transactions
// only have one input.
func InPlaceCommitSort(tx *wire.MsgTx, cltvs []uint32) {
	if len(tx.TxOut) != len(cltvs) {
		panic("output and cltv list length mismatch")
	}

	// Create a list of indexes [0, N) that will be permuted to determine
	// the final output ordering, which lets us keep the cltv list in sync
	// with the outputs as they move.
	indexes := make([]int, len(tx.TxOut))
	for i := range indexes {
		indexes[i] = i
	}

	sort.SliceStable(indexes, func(i, j int) bool {
		outI := tx.TxOut[indexes[i]]
		outJ := tx.TxOut[indexes[j]]

		if outI.Value != outJ.Value {
			return outI.Value < outJ.Value
		}

		if scriptCmp := bytes.Compare(
			outI.PkScript, outJ.PkScript,
		); scriptCmp != 0 {
			return scriptCmp < 0
		}

		return cltvs[indexes[i]] < cltvs[indexes[j]]
	})

	// Apply the permutation to both the outputs and the cltv list.
	sortedOutputs := make([]*wire.TxOut, len(tx.TxOut))
	sortedCltvs := make([]uint32, len(cltvs))
	for i, idx := range indexes {
		sortedOutputs[i] = tx.TxOut[idx]
		sortedCltvs[i] = cltvs[idx]
	}
	copy(tx.TxOut, sortedOutputs)
	copy(cltvs, sortedCltvs)

	sort.SliceStable(tx.TxIn, func(i, j int) bool {
		hashCmp := bytes.Compare(
			tx.TxIn[i].PreviousOutPoint.Hash[:],
			tx.TxIn[j].PreviousOutPoint.Hash[:],
		)
		if hashCmp != 0 {
			return hashCmp < 0
		}

		return tx.TxIn[i].PreviousOutPoint.Index <
			tx.TxIn[j].PreviousOutPoint.Index
	})
}
