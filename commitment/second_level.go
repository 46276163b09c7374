package commitment

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/channeldb"
)

// HtlcSigHashType returns the sighash type to use for the second-level HTLC
// transaction signatures that are exchanged between the channel parties. For
// anchor channels the counterparty signs with SINGLE|ANYONECANPAY so the
// transaction owner can attach additional fee inputs at broadcast time; in
// legacy channels the signature always covers the whole transaction.
func HtlcSigHashType(chanType channeldb.ChannelType) txscript.SigHashType {
	if chanType.HasAnchors() {
		return txscript.SigHashSingle | txscript.SigHashAnyOneCanPay
	}

	return txscript.SigHashAll
}

// HtlcSecondLevelInputSequence dictates the sequence number we must use on
// the input of a second-level HTLC transaction. Anchor channels require a one
// block CSV delay to preserve the CPFP carve-out.
func HtlcSecondLevelInputSequence(chanType channeldb.ChannelType) uint32 {
	if chanType.HasAnchors() {
		return 1
	}

	return 0
}

// CreateHtlcTimeoutTx creates a transaction that spends the HTLC output of an
// offered HTLC on the commitment transaction, after the HTLC's absolute
// timeout has passed. The output of the timeout transaction is a delayed
// pay-to-self, contested by the revocation key.
func CreateHtlcTimeoutTx(chanType channeldb.ChannelType,
	htlcOutput wire.OutPoint, htlcAmt btcutil.Amount,
	cltvExpiry, csvDelay uint32, feePerKw chainfee.SatPerKWeight,
	revocationKey, delayKey *btcec.PublicKey) (*wire.MsgTx, error) {

	// Create a new transaction version 2, as it's required for CSV.
	timeoutTx := wire.NewMsgTx(2)

	// The locktime of the timeout transaction is the HTLC's absolute
	// expiry: this is what enforces that the HTLC can only be timed out
	// after the deadline has passed.
	timeoutTx.LockTime = cltvExpiry

	timeoutTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: htlcOutput,
		Sequence:         HtlcSecondLevelInputSequence(chanType),
	})

	// The output of the timeout transaction pays to the delay script,
	// with the whole HTLC value minus the fixed second-level fee.
	htlcFee := HtlcTimeoutFee(chanType, feePerKw)
	if htlcAmt <= htlcFee {
		return nil, ErrBelowDust
	}

	script, err := SecondLevelScript(revocationKey, delayKey, csvDelay)
	if err != nil {
		return nil, err
	}

	timeoutTx.AddTxOut(&wire.TxOut{
		Value:    int64(htlcAmt - htlcFee),
		PkScript: script.PkScript,
	})

	return timeoutTx, nil
}

// CreateHtlcSuccessTx creates a transaction that spends the output on the
// commitment transaction of an accepted HTLC whose preimage is known. The
// transaction has no absolute locktime: the preimage alone gates the spend.
// As with the timeout transaction, the output is a delayed pay-to-self.
func CreateHtlcSuccessTx(chanType channeldb.ChannelType,
	htlcOutput wire.OutPoint, htlcAmt btcutil.Amount, csvDelay uint32,
	feePerKw chainfee.SatPerKWeight, revocationKey,
	delayKey *btcec.PublicKey) (*wire.MsgTx, error) {

	successTx := wire.NewMsgTx(2)

	successTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: htlcOutput,
		Sequence:         HtlcSecondLevelInputSequence(chanType),
	})

	htlcFee := HtlcSuccessFee(chanType, feePerKw)
	if htlcAmt <= htlcFee {
		return nil, ErrBelowDust
	}

	script, err := SecondLevelScript(revocationKey, delayKey, csvDelay)
	if err != nil {
		return nil, err
	}

	successTx.AddTxOut(&wire.TxOut{
		Value:    int64(htlcAmt - htlcFee),
		PkScript: script.PkScript,
	})

	return successTx, nil
}
