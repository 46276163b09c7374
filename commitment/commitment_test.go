package commitment

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
)

// testKey derives a deterministic private key from a single byte seed.
func testKey(seed byte) *btcec.PrivateKey {
	var keyBytes [32]byte
	for i := range keyBytes {
		keyBytes[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes[:])
	return priv
}

// testConfigs builds a pair of channel configs with deterministic keys.
func testConfigs(dustA, dustB btcutil.Amount) (*channeldb.ChannelConfig,
	*channeldb.ChannelConfig) {

	cfgA := &channeldb.ChannelConfig{
		ChannelConstraints: channeldb.ChannelConstraints{
			DustLimit:        dustA,
			ChanReserve:      10_000,
			MaxPendingAmount: lnwire.MilliSatoshi(1e12),
			MinHTLC:          1000,
			MaxAcceptedHtlcs: 483,
			CsvDelay:         144,
		},
		MultiSigKey:         testKey(1).PubKey(),
		RevocationBasePoint: testKey(2).PubKey(),
		PaymentBasePoint:    testKey(3).PubKey(),
		DelayBasePoint:      testKey(4).PubKey(),
		HtlcBasePoint:       testKey(5).PubKey(),
	}
	cfgB := &channeldb.ChannelConfig{
		ChannelConstraints: channeldb.ChannelConstraints{
			DustLimit:        dustB,
			ChanReserve:      10_000,
			MaxPendingAmount: lnwire.MilliSatoshi(1e12),
			MinHTLC:          1000,
			MaxAcceptedHtlcs: 483,
			CsvDelay:         144,
		},
		MultiSigKey:         testKey(6).PubKey(),
		RevocationBasePoint: testKey(7).PubKey(),
		PaymentBasePoint:    testKey(8).PubKey(),
		DelayBasePoint:      testKey(9).PubKey(),
		HtlcBasePoint:       testKey(10).PubKey(),
	}

	return cfgA, cfgB
}

func testFundingTxIn() wire.TxIn {
	op := wire.OutPoint{Hash: chainhash.Hash{1, 2, 3}, Index: 0}
	return *wire.NewTxIn(&op, nil, nil)
}

// TestStateHintRoundTrip asserts that any 48-bit commitment number survives
// the obscured encode/decode cycle bit for bit.
func TestStateHintRoundTrip(t *testing.T) {
	t.Parallel()

	opener := testKey(3).PubKey()
	accepter := testKey(8).PubKey()
	obfuscator := DeriveStateHintObfuscator(opener, accepter)

	rapid.Check(t, func(t *rapid.T) {
		stateNum := rapid.Uint64Range(0, maxStateHint).Draw(t, "n")

		commitTx := wire.NewMsgTx(2)
		commitTx.AddTxIn(&wire.TxIn{})

		require.NoError(t, SetStateNumHint(
			commitTx, stateNum, obfuscator,
		))

		// The hint must use the exact bit layout: top bit of the
		// sequence, upper three bytes of the locktime.
		require.NotZero(
			t, commitTx.TxIn[0].Sequence&wire.SequenceLockTimeDisabled,
		)
		require.EqualValues(t, 0x20, commitTx.LockTime>>24)

		require.Equal(
			t, stateNum, GetStateNumHint(commitTx, obfuscator),
		)
	})
}

// TestStateHintRejectsOverflow asserts numbers above 48 bits are refused.
func TestStateHintRejectsOverflow(t *testing.T) {
	t.Parallel()

	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxIn(&wire.TxIn{})

	err := SetStateNumHint(commitTx, maxStateHint+1, [6]byte{})
	require.ErrorIs(t, err, ErrStateNumTooLarge)
}

// TestInPlaceCommitSortDeterminism asserts the modified BIP69 sort is a
// total order: the same multiset of outputs sorts identically regardless of
// initial permutation.
func TestInPlaceCommitSortDeterminism(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		numOutputs := rapid.IntRange(1, 12).Draw(t, "numOutputs")

		values := make([]int64, numOutputs)
		scripts := make([][]byte, numOutputs)
		cltvs := make([]uint32, numOutputs)
		for i := 0; i < numOutputs; i++ {
			values[i] = rapid.Int64Range(546, 100_000).Draw(t, "value")
			scripts[i] = []byte{
				byte(rapid.IntRange(0, 2).Draw(t, "script")),
			}
			cltvs[i] = uint32(rapid.IntRange(100, 105).Draw(t, "cltv"))
		}

		buildTx := func(perm []int) (*wire.MsgTx, []uint32) {
			tx := wire.NewMsgTx(2)
			tx.AddTxIn(&wire.TxIn{})
			permCltvs := make([]uint32, numOutputs)
			for i, j := range perm {
				tx.AddTxOut(&wire.TxOut{
					Value:    values[j],
					PkScript: scripts[j],
				})
				permCltvs[i] = cltvs[j]
			}
			return tx, permCltvs
		}

		identity := make([]int, numOutputs)
		for i := range identity {
			identity[i] = i
		}
		shuffled := rapid.Permutation(identity).Draw(t, "perm")

		tx1, cltvs1 := buildTx(identity)
		tx2, cltvs2 := buildTx(shuffled)

		InPlaceCommitSort(tx1, cltvs1)
		InPlaceCommitSort(tx2, cltvs2)

		require.Equal(t, len(tx1.TxOut), len(tx2.TxOut))
		for i := range tx1.TxOut {
			require.Equal(t, tx1.TxOut[i].Value, tx2.TxOut[i].Value)
			require.Equal(
				t, tx1.TxOut[i].PkScript, tx2.TxOut[i].PkScript,
			)
			require.Equal(t, cltvs1[i], cltvs2[i])
		}
	})
}

// TestCommitSortCltvTieBreak asserts that two outputs identical in value and
// script order by ascending CLTV.
func TestCommitSortCltvTieBreak(t *testing.T) {
	t.Parallel()

	script := []byte{0x00, 0x14, 0xaa}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{})
	tx.AddTxOut(&wire.TxOut{Value: 5000, PkScript: script})
	tx.AddTxOut(&wire.TxOut{Value: 5000, PkScript: script})
	cltvs := []uint32{900, 400}

	InPlaceCommitSort(tx, cltvs)

	require.Equal(t, []uint32{400, 900}, cltvs)
}

// TestHtlcDustThreshold pins the exact trim boundary: an HTLC worth the dust
// limit plus the second-stage fee is kept, one satoshi less is dropped.
func TestHtlcDustThreshold(t *testing.T) {
	t.Parallel()

	const (
		feePerKw  = chainfee.SatPerKWeight(10_000)
		dustLimit = btcutil.Amount(1100)
	)

	// Offered HTLCs trim against the timeout transaction's fee.
	timeoutFee := feePerKw.FeeForWeight(input.HtlcTimeoutWeight)
	require.Equal(t, btcutil.Amount(6630), timeoutFee)
	threshold := dustLimit + timeoutFee

	require.False(t, HtlcIsDust(
		channeldb.SingleFunderBit, false, true, feePerKw, threshold,
		dustLimit,
	))
	require.True(t, HtlcIsDust(
		channeldb.SingleFunderBit, false, true, feePerKw, threshold-1,
		dustLimit,
	))

	// Received HTLCs trim against the success transaction's fee.
	successFee := feePerKw.FeeForWeight(input.HtlcSuccessWeight)
	require.Equal(t, btcutil.Amount(7030), successFee)

	require.False(t, HtlcIsDust(
		channeldb.SingleFunderBit, true, true, feePerKw,
		dustLimit+successFee, dustLimit,
	))
	require.True(t, HtlcIsDust(
		channeldb.SingleFunderBit, true, true, feePerKw,
		dustLimit+successFee-1, dustLimit,
	))
}

// TestCommitFeeMatchesFunderDeduction asserts that the fee computed for a
// spec is exactly the amount missing from the funder's main output in the
// produced transaction, and that trimmed HTLCs contribute no output.
func TestCommitFeeMatchesFunderDeduction(t *testing.T) {
	t.Parallel()

	cfgA, cfgB := testConfigs(1100, 1100)

	for _, chanType := range []channeldb.ChannelType{
		channeldb.SingleFunderBit,
		channeldb.SingleFunderTweaklessBit,
		channeldb.SingleFunderTweaklessBit | channeldb.AnchorOutputsBit,
	} {
		commitPoint := testKey(20).PubKey()
		keyRing := DeriveCommitmentKeys(
			commitPoint, chanType, cfgA, cfgB,
		)

		spec := &Spec{
			FeePerKw: 10_000,
			ToLocal:  lnwire.MilliSatoshi(700_000_000),
			ToRemote: lnwire.MilliSatoshi(190_000_000),
			Htlcs: []HtlcDesc{
				// Well above the trim threshold.
				{
					Incoming:    false,
					Amount:      42_000_000,
					PaymentHash: [32]byte{1},
					Expiry:      500_000,
					HtlcIndex:   0,
				},
				// One satoshi below the offered threshold.
				{
					Incoming:    false,
					Amount:      7_729_000,
					PaymentHash: [32]byte{2},
					Expiry:      500_001,
					HtlcIndex:   1,
				},
			},
		}

		built, err := CreateCommitmentTx(
			chanType, cfgA, cfgB, true, testFundingTxIn(),
			keyRing, spec, 42, [6]byte{1, 2, 3, 4, 5, 6},
		)
		require.NoError(t, err)

		expectedFee := CommitFee(chanType, spec, cfgA.DustLimit)
		require.Equal(t, expectedFee, built.Fee)

		// The funder's output carries its balance minus the fee and
		// any anchor allocation.
		expectedToLocal := spec.ToLocal.ToSatoshis() - expectedFee -
			AnchorsCost(chanType)
		require.Equal(t, expectedToLocal, built.ToLocalAmt)

		// Exactly one HTLC output materialized.
		require.EqualValues(t, -1, built.Htlcs[1].OutputIndex)
		require.GreaterOrEqual(t, built.Htlcs[0].OutputIndex, int32(0))

		// And the dust HTLC's value went nowhere but the fee: sum of
		// outputs plus fee equals capacity minus the trimmed value
		// accounted into the fee itself.
		var sumOut int64
		for _, txOut := range built.Tx.TxOut {
			sumOut += txOut.Value
		}
		capacity := int64((spec.ToLocal + spec.ToRemote +
			spec.TotalInFlight()).ToSatoshis())
		require.Equal(
			t,
			capacity-int64(expectedFee)-
				int64(spec.Htlcs[1].Amount.ToSatoshis()),
			sumOut,
		)
	}
}

// TestCommitmentTxDeterminism asserts byte-identical output for identical
// input.
func TestCommitmentTxDeterminism(t *testing.T) {
	t.Parallel()

	cfgA, cfgB := testConfigs(1100, 1100)
	chanType := channeldb.SingleFunderTweaklessBit
	commitPoint := testKey(21).PubKey()
	keyRing := DeriveCommitmentKeys(commitPoint, chanType, cfgA, cfgB)

	spec := &Spec{
		FeePerKw: 5000,
		ToLocal:  500_000_000,
		ToRemote: 400_000_000,
		Htlcs: []HtlcDesc{
			{Amount: 50_000_000, PaymentHash: [32]byte{9}, Expiry: 100},
			{Amount: 50_000_000, PaymentHash: [32]byte{9}, Expiry: 99},
		},
	}

	build := func() []byte {
		built, err := CreateCommitmentTx(
			chanType, cfgA, cfgB, true, testFundingTxIn(),
			keyRing, spec, 7, [6]byte{6, 5, 4, 3, 2, 1},
		)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, built.Tx.Serialize(&buf))
		return buf.Bytes()
	}

	require.Equal(t, build(), build())
}

// TestCltvPairing asserts that two offered HTLCs with identical amount and
// payment hash are paired with their timeout transactions by ascending
// expiry.
func TestCltvPairing(t *testing.T) {
	t.Parallel()

	cfgA, cfgB := testConfigs(1100, 1100)
	chanType := channeldb.SingleFunderBit
	keyRing := DeriveCommitmentKeys(
		testKey(22).PubKey(), chanType, cfgA, cfgB,
	)

	spec := &Spec{
		FeePerKw: 5000,
		ToLocal:  500_000_000,
		ToRemote: 400_000_000,
		Htlcs: []HtlcDesc{
			{Amount: 50_000_000, PaymentHash: [32]byte{9}, Expiry: 700, HtlcIndex: 0},
			{Amount: 50_000_000, PaymentHash: [32]byte{9}, Expiry: 600, HtlcIndex: 1},
		},
	}

	built, err := CreateCommitmentTx(
		chanType, cfgA, cfgB, true, testFundingTxIn(), keyRing, spec,
		0, [6]byte{},
	)
	require.NoError(t, err)

	// The lower expiry must claim the earlier output index.
	require.Less(
		t, built.Htlcs[1].OutputIndex, built.Htlcs[0].OutputIndex,
	)
}

// TestSecondLevelTxShape pins the second-stage transactions' sequence,
// locktime and sighash parameters for both channel formats.
func TestSecondLevelTxShape(t *testing.T) {
	t.Parallel()

	revKey := testKey(23).PubKey()
	delayKey := testKey(24).PubKey()
	op := wire.OutPoint{Hash: chainhash.Hash{7}, Index: 1}

	t.Run("legacy", func(t *testing.T) {
		timeoutTx, err := CreateHtlcTimeoutTx(
			channeldb.SingleFunderBit, op, 100_000, 500_123, 144,
			5000, revKey, delayKey,
		)
		require.NoError(t, err)
		require.EqualValues(t, 500_123, timeoutTx.LockTime)
		require.EqualValues(t, 0, timeoutTx.TxIn[0].Sequence)

		successTx, err := CreateHtlcSuccessTx(
			channeldb.SingleFunderBit, op, 100_000, 144, 5000,
			revKey, delayKey,
		)
		require.NoError(t, err)
		require.EqualValues(t, 0, successTx.LockTime)
		require.EqualValues(t, 0, successTx.TxIn[0].Sequence)

		require.Equal(
			t, txscriptSigHashAll,
			int(HtlcSigHashType(channeldb.SingleFunderBit)),
		)
	})

	t.Run("anchors", func(t *testing.T) {
		chanType := channeldb.SingleFunderTweaklessBit |
			channeldb.AnchorOutputsBit

		timeoutTx, err := CreateHtlcTimeoutTx(
			chanType, op, 100_000, 500_123, 144, 5000, revKey,
			delayKey,
		)
		require.NoError(t, err)
		require.EqualValues(t, 1, timeoutTx.TxIn[0].Sequence)

		require.Equal(
			t, txscriptSigHashSingleAnyone,
			int(HtlcSigHashType(chanType)),
		)
	})

	// An HTLC that cannot pay its own second-stage fee is unbuildable.
	_, err := CreateHtlcTimeoutTx(
		channeldb.SingleFunderBit, op, 100, 500_123, 144, 5000,
		revKey, delayKey,
	)
	require.ErrorIs(t, err, ErrBelowDust)
}

const (
	txscriptSigHashAll          = 0x01
	txscriptSigHashSingleAnyone = 0x83
)
