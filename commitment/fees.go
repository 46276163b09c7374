package commitment

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
)

// CommitWeight returns the base commitment weight before adding HTLCs.
func CommitWeight(chanType channeldb.ChannelType) int64 {
	// If this commitment has anchors, it will be slightly heavier.
	if chanType.HasAnchors() {
		return input.AnchorCommitWeight
	}

	return input.CommitWeight
}

// HtlcTimeoutFee returns the fee in satoshis required for an HTLC timeout
// transaction.
func HtlcTimeoutFee(chanType channeldb.ChannelType,
	feePerKw chainfee.SatPerKWeight) btcutil.Amount {

	if chanType.HasAnchors() {
		return feePerKw.FeeForWeight(input.HtlcTimeoutWeightConfirmed)
	}

	return feePerKw.FeeForWeight(input.HtlcTimeoutWeight)
}

// HtlcSuccessFee returns the fee in satoshis required for an HTLC success
// transaction.
func HtlcSuccessFee(chanType channeldb.ChannelType,
	feePerKw chainfee.SatPerKWeight) btcutil.Amount {

	if chanType.HasAnchors() {
		return feePerKw.FeeForWeight(input.HtlcSuccessWeightConfirmed)
	}

	return feePerKw.FeeForWeight(input.HtlcSuccessWeight)
}

// HtlcIsDust determines if an HTLC output is dust or not depending on which
// party's commitment the HTLC resides within, the direction of the HTLC, and
// the current fee rate. If the HTLC is dust, then it won't be materialized as
// an actual output on the commitment transaction: its value contributes to
// the commit tx fee instead.
func HtlcIsDust(chanType channeldb.ChannelType, incoming, ourCommit bool,
	feePerKw chainfee.SatPerKWeight, htlcAmt,
	dustLimit btcutil.Amount) bool {

	// First we'll determine the fee required for this HTLC based on if
	// this is an incoming HTLC or not, and also on whose commitment
	// transaction it will be placed on.
	var htlcFee btcutil.Amount
	switch {
	// If this is an incoming HTLC on our commitment transaction, then the
	// second-level transaction will be a success transaction.
	case incoming && ourCommit:
		htlcFee = HtlcSuccessFee(chanType, feePerKw)

	// If this is an incoming HTLC on their commitment transaction, then
	// we'll be using a timeout transaction from their PoV.
	case incoming && !ourCommit:
		htlcFee = HtlcTimeoutFee(chanType, feePerKw)

	// If this is an outgoing HTLC on our commitment transaction, then
	// we'll be using a timeout transaction.
	case !incoming && ourCommit:
		htlcFee = HtlcTimeoutFee(chanType, feePerKw)

	// If this is an outgoing HTLC on their commitment transaction, then
	// we'll be using an HTLC success transaction from their PoV.
	case !incoming && !ourCommit:
		htlcFee = HtlcSuccessFee(chanType, feePerKw)
	}

	return htlcAmt < dustLimit+htlcFee
}

// CommitFee computes the commitment transaction fee for the given spec as
// seen by the commitment owner: the base commit weight for the channel type,
// plus one HTLC output weight for each untrimmed HTLC, times the spec's
// feerate. This fee does not include the anchor amounts, which are a forced
// allocation of the initiator rather than a fee paid to miners.
func CommitFee(chanType channeldb.ChannelType, spec *Spec,
	dustLimit btcutil.Amount) btcutil.Amount {

	weight := CommitWeight(chanType)
	for _, htlc := range spec.Htlcs {
		if HtlcIsDust(
			chanType, htlc.Incoming, true, spec.FeePerKw,
			htlc.Amount.ToSatoshis(), dustLimit,
		) {
			continue
		}

		weight += input.HTLCWeight
	}

	return spec.FeePerKw.FeeForWeight(weight)
}

// AnchorsCost returns the total amount the channel initiator commits to the
// two anchor outputs for the given channel type, zero when the channel has no
// anchors.
func AnchorsCost(chanType channeldb.ChannelType) btcutil.Amount {
	if !chanType.HasAnchors() {
		return 0
	}

	return 2 * input.AnchorSize
}

// HtlcOutputFee returns the weight of one HTLC output expressed as a fee at
// the given rate. Used when sizing the funder's fee spike buffer.
func HtlcOutputFee(feePerKw chainfee.SatPerKWeight) lnwire.MilliSatoshi {
	fee := feePerKw.FeeForWeight(input.HTLCWeight)
	return lnwire.NewMSatFromSatoshis(fee)
}
