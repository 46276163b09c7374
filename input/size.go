package input

import "github.com/btcsuite/btcd/btcutil"

const (
	// witnessScaleFactor determines the level of "discount" witness data
	// receives compared to "base" data. A scale factor of 4, denotes that
	// witness data is 1/4 as cheap as regular non-witness data.
	witnessScaleFactor = 4

	// CommitWeight is the weight of the base commitment transaction which
	// includes: one p2wsh input, out p2wkh output, and one p2wsh output.
	CommitWeight int64 = 724

	// AnchorCommitWeight is the weight of the base commitment transaction
	// which includes an additional anchor output for each party, and the
	// to_remote output made into a confirmed spendable p2wsh output.
	AnchorCommitWeight int64 = 1124

	// HTLCWeight is the weight of an HTLC output added to the commitment
	// transaction.
	HTLCWeight int64 = 172

	// HtlcTimeoutWeight is the weight of the HTLC timeout transaction
	// which will transition an outgoing HTLC to the delay-and-claim state.
	HtlcTimeoutWeight int64 = 663

	// HtlcSuccessWeight is the weight of the HTLC success transaction
	// which will transition an incoming HTLC to the delay-and-claim state.
	HtlcSuccessWeight int64 = 703

	// HtlcTimeoutWeightConfirmed is the weight of the HTLC timeout
	// transaction for channel types with a confirmed (1 block CSV) spend
	// path on the HTLC outputs (anchor channels).
	HtlcTimeoutWeightConfirmed int64 = 666

	// HtlcSuccessWeightConfirmed is the weight of the HTLC success
	// transaction for channel types with a confirmed (1 block CSV) spend
	// path on the HTLC outputs (anchor channels).
	HtlcSuccessWeightConfirmed int64 = 706

	// AnchorSize is the constant anchor output size.
	AnchorSize = btcutil.Amount(330)

	// MaxHTLCNumber is the maximum number HTLCs which can be included in a
	// commitment transaction. This limit was chosen such that, in the case
	// of a contract breach, the punishment transaction is able to sweep
	// all the HTLC's yet still remain below the widely used standard
	// weight limits.
	MaxHTLCNumber = 966
)
