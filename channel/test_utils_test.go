package channel

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
	"github.com/nayutafoundry/chandler/shachain"
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

// testSideKeys bundles the per-party key material of a test channel.
type testSideKeys struct {
	multiSig   *btcec.PrivateKey
	revocation *btcec.PrivateKey
	payment    *btcec.PrivateKey
	delay      *btcec.PrivateKey
	htlc       *btcec.PrivateKey
	producer   *shachain.RevocationProducer
	signer     *input.MockSigner
}

func newTestSideKeys(base byte, seed byte) *testSideKeys {
	keys := &testSideKeys{
		multiSig:   testKey(base),
		revocation: testKey(base + 1),
		payment:    testKey(base + 2),
		delay:      testKey(base + 3),
		htlc:       testKey(base + 4),
	}
	keys.producer = shachain.NewRevocationProducer(
		chainhash.Hash(sha256.Sum256([]byte{seed})),
	)
	keys.signer = &input.MockSigner{
		Privkeys: []*btcec.PrivateKey{
			keys.multiSig, keys.revocation, keys.payment,
			keys.delay, keys.htlc,
		},
	}
	return keys
}

func (k *testSideKeys) config(dustLimit, reserve btcutil.Amount,
	maxPending lnwire.MilliSatoshi) channeldb.ChannelConfig {

	return channeldb.ChannelConfig{
		ChannelConstraints: channeldb.ChannelConstraints{
			DustLimit:        dustLimit,
			ChanReserve:      reserve,
			MaxPendingAmount: maxPending,
			MinHTLC:          1000,
			MaxAcceptedHtlcs: 483,
			CsvDelay:         144,
		},
		MultiSigKey:         k.multiSig.PubKey(),
		RevocationBasePoint: k.revocation.PubKey(),
		PaymentBasePoint:    k.payment.PubKey(),
		DelayBasePoint:      k.delay.PubKey(),
		HtlcBasePoint:       k.htlc.PubKey(),
	}
}

func (k *testSideKeys) pointAt(t require.TestingT, index uint64) *btcec.PublicKey {
	secret, err := k.producer.AtIndex(index)
	require.NoError(t, err)
	return input.ComputeCommitmentPoint(secret[:])
}

// testChannelParams tunes the pair construction.
type testChannelParams struct {
	chanType chanTypeT
	feePerKw chainfee.SatPerKWeight
	toLocalA lnwire.MilliSatoshi
	toLocalB lnwire.MilliSatoshi
	dustA    btcutil.Amount
	dustB    btcutil.Amount
	reserve  btcutil.Amount
}

type chanTypeT = channeldb.ChannelType

func defaultTestParams() testChannelParams {
	return testChannelParams{
		chanType: channeldb.SingleFunderTweaklessBit,
		feePerKw: 10_000,
		toLocalA: 758_640_000,
		toLocalB: 190_000_000,
		dustA:    1100,
		dustB:    1100,
		reserve:  10_000,
	}
}

// newTestChannelPair builds the two sides of one channel, cross-signed at
// commitment index zero, with A as the funder. The two ledgers are fully
// symmetric: every operation run on A against B must leave mirrored state.
func newTestChannelPair(t require.TestingT,
	p testChannelParams) (*Commitments, *Commitments) {

	keysA := newTestSideKeys(1, 101)
	keysB := newTestSideKeys(6, 102)

	capacity := (p.toLocalA + p.toLocalB).ToSatoshis()

	fundingScript, _, err := input.GenFundingPkScript(
		keysA.multiSig.PubKey().SerializeCompressed(),
		keysB.multiSig.PubKey().SerializeCompressed(),
		int64(capacity),
	)
	require.NoError(t, err)

	fundingOutpoint := wire.OutPoint{
		Hash:  chainhash.Hash{0xfd, 0x01},
		Index: 0,
	}

	obfuscator := commitment.DeriveStateHintObfuscator(
		keysA.payment.PubKey(), keysB.payment.PubKey(),
	)

	maxPending := lnwire.MilliSatoshi(1e15)
	cfgA := keysA.config(p.dustA, p.reserve, maxPending)
	cfgB := keysB.config(p.dustB, p.reserve, maxPending)

	paramsA := Params{
		ChanID:               lnwire.NewChanIDFromOutPoint(fundingOutpoint),
		ChanType:             p.chanType,
		FundingOutpoint:      fundingOutpoint,
		Capacity:             capacity,
		LocalIsFunder:        true,
		LocalCfg:             cfgA,
		RemoteCfg:            cfgB,
		FundingWitnessScript: fundingScript,
		Obfuscator:           obfuscator,
	}
	paramsB := paramsA
	paramsB.LocalIsFunder = false
	paramsB.LocalCfg = cfgB
	paramsB.RemoteCfg = cfgA

	specA := &commitment.Spec{
		FeePerKw: p.feePerKw,
		ToLocal:  p.toLocalA,
		ToRemote: p.toLocalB,
	}
	specB := specA.Mirror()

	pointA0 := keysA.pointAt(t, 0)
	pointB0 := keysB.pointAt(t, 0)

	// Build both initial commitment transactions.
	ringA := commitment.DeriveCommitmentKeys(
		pointA0, p.chanType, &cfgA, &cfgB,
	)
	builtA, err := commitment.CreateCommitmentTx(
		p.chanType, &cfgA, &cfgB, true, *wire.NewTxIn(
			&fundingOutpoint, nil, nil,
		), ringA, specA, 0, obfuscator,
	)
	require.NoError(t, err)

	ringB := commitment.DeriveCommitmentKeys(
		pointB0, p.chanType, &cfgB, &cfgA,
	)
	builtB, err := commitment.CreateCommitmentTx(
		p.chanType, &cfgB, &cfgA, false, *wire.NewTxIn(
			&fundingOutpoint, nil, nil,
		), ringB, specB, 0, obfuscator,
	)
	require.NoError(t, err)

	a := &Commitments{
		Params: paramsA,
		LocalCommit: LocalCommit{
			Index:    0,
			Spec:     specA,
			CommitTx: builtA.Tx,
		},
		RemoteCommit: RemoteCommit{
			Index:                    0,
			Spec:                     specB,
			TxID:                     builtB.Tx.TxHash(),
			RemotePerCommitmentPoint: pointB0,
		},
		RemoteNextCommitPoint: keysB.pointAt(t, 1),
		Origins:               make(map[uint64]channeldb.Origin),
		RemoteSecrets:         shachain.NewRevocationStore(),
	}
	a.BindKeys(keysA.signer, keysA.producer)

	b := &Commitments{
		Params: paramsB,
		LocalCommit: LocalCommit{
			Index:    0,
			Spec:     specB,
			CommitTx: builtB.Tx,
		},
		RemoteCommit: RemoteCommit{
			Index:                    0,
			Spec:                     specA,
			TxID:                     builtA.Tx.TxHash(),
			RemotePerCommitmentPoint: pointA0,
		},
		RemoteNextCommitPoint: keysA.pointAt(t, 1),
		Origins:               make(map[uint64]channeldb.Origin),
		RemoteSecrets:         shachain.NewRevocationStore(),
	}
	b.BindKeys(keysB.signer, keysB.producer)

	// Exchange the initial funding signatures so either side could force
	// close from the start.
	sigForA, err := b.signFundingSpend(builtA.Tx)
	require.NoError(t, err)
	a.LocalCommit.CommitSig = sigForA

	sigForB, err := a.signFundingSpend(builtB.Tx)
	require.NoError(t, err)
	b.LocalCommit.CommitSig = sigForB

	return a, b
}

// crossSign performs the full signature round trip initiated by from: sign,
// revoke, counter-sign, revoke. Afterwards both parties sit on identical,
// fully acked commitment state.
func crossSign(t *testing.T, from, to *Commitments) []SettledHtlc {
	t.Helper()

	sig, err := from.SendCommit()
	require.NoError(t, err)

	rev, err := to.ReceiveCommit(sig)
	require.NoError(t, err)

	settled, err := from.ReceiveRevocation(rev)
	require.NoError(t, err)

	if to.LocalHasChanges() {
		sig2, err := to.SendCommit()
		require.NoError(t, err)

		rev2, err := from.ReceiveCommit(sig2)
		require.NoError(t, err)

		moreSettled, err := to.ReceiveRevocation(rev2)
		require.NoError(t, err)
		settled = append(settled, moreSettled...)
	}

	return settled
}

// assertMirrored asserts the two ledgers agree on the channel state.
func assertMirrored(t *testing.T, a, b *Commitments) {
	t.Helper()

	require.Equal(t, a.LocalCommit.Spec.ToLocal, b.LocalCommit.Spec.ToRemote)
	require.Equal(t, a.LocalCommit.Spec.ToRemote, b.LocalCommit.Spec.ToLocal)
	require.Equal(
		t, len(a.LocalCommit.Spec.Htlcs), len(b.LocalCommit.Spec.Htlcs),
	)
	require.Equal(t, a.RemoteCommit.TxID, b.LocalCommit.CommitTx.TxHash())
	require.Equal(t, b.RemoteCommit.TxID, a.LocalCommit.CommitTx.TxHash())
}

// testOnion returns a fixed onion payload.
func testOnion() [lnwire.OnionPacketSize]byte {
	var onion [lnwire.OnionPacketSize]byte
	for i := range onion {
		onion[i] = 0x42
	}
	return onion
}

// addHtlcPair runs the add on both ledgers.
func addHtlcPair(t *testing.T, from, to *Commitments,
	amt lnwire.MilliSatoshi, preimage [32]byte,
	expiry uint32) *lnwire.UpdateAddHTLC {

	t.Helper()

	hash := sha256.Sum256(preimage[:])
	add, err := from.SendAdd(
		amt, hash, expiry, testOnion(), channeldb.LocalOrigin{},
	)
	require.NoError(t, err)
	require.NoError(t, to.ReceiveAdd(add))

	return add
}
