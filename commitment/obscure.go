package commitment

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
)

// StateHintSize is the total number of bytes used between the sequence number
// and locktime of the commitment transaction use to encode a hint to the
// state number of a particular commitment transaction.
const StateHintSize = 6

// maxStateHint is the maximum state number we're able to encode using
// StateHintSize bytes amongst the sequence number and locktime fields of the
// commitment transaction.
const maxStateHint uint64 = (1 << 48) - 1

// DeriveStateHintObfuscator derives the obfuscator that's used to mask the
// state hint encoded into a commitment transaction. The obfuscator is the
// lower 48 bits of:
//
//	sha256(openerPaymentBasePoint || accepterPaymentBasePoint)
//
// Both parties are able to arrive at the same obfuscator, and outside
// observers are unable to reconstruct the state counter without the payment
// base points of both parties.
func DeriveStateHintObfuscator(openerPaymentBasePoint,
	accepterPaymentBasePoint *btcec.PublicKey) [StateHintSize]byte {

	h := sha256.New()
	h.Write(openerPaymentBasePoint.SerializeCompressed())
	h.Write(accepterPaymentBasePoint.SerializeCompressed())

	sha := h.Sum(nil)

	var obfuscator [StateHintSize]byte
	copy(obfuscator[:], sha[26:])

	return obfuscator
}

// SetStateNumHint encodes the current state number within the passed
// commitment transaction by re-purposing the locktime and sequence fields in
// the commitment transaction to encode the obfuscated state number. The state
// number is encoded using 48 bits. The lower 24 bits of the locktime are the
// lower 24 bits of the obfuscated state number and the lower 24 bits of the
// sequence field are the higher 24 bits. Finally before encoding, the
// obfuscator is XOR'd against the state number in order to hide the exact
// state number from the PoV of outside parties.
func SetStateNumHint(commitTx *wire.MsgTx, stateNum uint64,
	obfuscator [StateHintSize]byte) error {

	// First make sure the state number fits in the 48 bits of the hint.
	if stateNum > maxStateHint {
		return ErrStateNumTooLarge
	}

	// With the state number within appropriate range, we'll first
	// obfuscate the state hint using the XOR mask.
	xorInt := uint64(obfuscator[0])<<40 | uint64(obfuscator[1])<<32 |
		uint64(obfuscator[2])<<24 | uint64(obfuscator[3])<<16 |
		uint64(obfuscator[4])<<8 | uint64(obfuscator[5])

	stateNum ^= xorInt

	// Finally we'll set the top 24-bits of the obfuscated state number
	// within the sequence of the commitment transaction's only input, and
	// the lower 24-bits within its locktime.
	commitTx.TxIn[0].Sequence = uint32(stateNum>>24) | wire.SequenceLockTimeDisabled
	commitTx.LockTime = uint32(stateNum&0xFFFFFF) | 0x20000000

	return nil
}

// GetStateNumHint recovers the current state number given a commitment
// transaction which has previously had the state number encoded within it via
// SetStateNumHint and a shared obfuscator.
func GetStateNumHint(commitTx *wire.MsgTx,
	obfuscator [StateHintSize]byte) uint64 {

	// Convert the obfuscator into a uint64, this will be used to
	// de-obfuscate the final recovered state number.
	xorInt := uint64(obfuscator[0])<<40 | uint64(obfuscator[1])<<32 |
		uint64(obfuscator[2])<<24 | uint64(obfuscator[3])<<16 |
		uint64(obfuscator[4])<<8 | uint64(obfuscator[5])

	// Retrieve the sole state hint from the sequence of the transaction's
	// lone input, and the lower 24-bits from its locktime.
	stateNumUpper := uint64(commitTx.TxIn[0].Sequence&0xFFFFFF) << 24
	stateNumLower := uint64(commitTx.LockTime & 0xFFFFFF)

	// Finally, to obtain the final state number, we XOR by the obfuscator
	// value to de-obfuscate the state number.
	return (stateNumUpper | stateNumLower) ^ xorInt
}
