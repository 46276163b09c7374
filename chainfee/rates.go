package chainfee

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// FeePerKwFloor is the lowest fee rate in sat/kw that we should use
	// for determining transaction fees. This corresponds to the 1 sat/vb
	// minimum relay rate of most of the network.
	FeePerKwFloor SatPerKWeight = 253

	// AbsoluteFeePerKwFloor is the lowest fee rate in sat/kw of a
	// transaction that we should ever _create_.
	AbsoluteFeePerKwFloor SatPerKWeight = 250
)

// SatPerKVByte represents a fee rate in sat/kvb.
type SatPerKVByte btcutil.Amount

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes.
func (s SatPerKVByte) FeeForVSize(vbytes int64) btcutil.Amount {
	return btcutil.Amount(s) * btcutil.Amount(vbytes) / 1000
}

// FeePerKWeight converts the current fee rate from sat/kvb to sat/kw.
func (s SatPerKVByte) FeePerKWeight() SatPerKWeight {
	return SatPerKWeight(s / blockchainWitnessScaleFactor)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%v/kvb", int64(s))
}

// SatPerKWeight represents a fee rate in sat/kw (satoshis per 1000 weight
// units).
type SatPerKWeight btcutil.Amount

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight in weight units (wu). The resulting fee is rounded down, as specified
// in BOLT-03.
func (s SatPerKWeight) FeeForWeight(wu int64) btcutil.Amount {
	return btcutil.Amount(s) * btcutil.Amount(wu) / 1000
}

// FeePerKVByte converts the current fee rate from sat/kw to sat/kvb.
func (s SatPerKWeight) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * blockchainWitnessScaleFactor)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKWeight) String() string {
	return fmt.Sprintf("%v/kw", int64(s))
}

// blockchainWitnessScaleFactor is the witness scale factor determining the
// ratio between satoshis per kilo virtual byte and satoshis per kilo weight.
const blockchainWitnessScaleFactor = 4
