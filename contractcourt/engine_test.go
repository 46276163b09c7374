package contractcourt

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/channel"
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

type testSide struct {
	multiSig   *btcec.PrivateKey
	revocation *btcec.PrivateKey
	payment    *btcec.PrivateKey
	delay      *btcec.PrivateKey
	htlc       *btcec.PrivateKey
	producer   *shachain.RevocationProducer
	signer     *input.MockSigner
}

func newTestSide(base byte, seed byte) *testSide {
	side := &testSide{
		multiSig:   testKey(base),
		revocation: testKey(base + 1),
		payment:    testKey(base + 2),
		delay:      testKey(base + 3),
		htlc:       testKey(base + 4),
	}
	side.producer = shachain.NewRevocationProducer(
		chainhash.Hash(sha256.Sum256([]byte{seed})),
	)
	side.signer = &input.MockSigner{
		Privkeys: []*btcec.PrivateKey{
			side.multiSig, side.revocation, side.payment,
			side.delay, side.htlc,
		},
	}
	return side
}

func (s *testSide) config(dust btcutil.Amount) channeldb.ChannelConfig {
	return channeldb.ChannelConfig{
		ChannelConstraints: channeldb.ChannelConstraints{
			DustLimit:        dust,
			ChanReserve:      10_000,
			MaxPendingAmount: lnwire.MilliSatoshi(1e15),
			MinHTLC:          1000,
			MaxAcceptedHtlcs: 483,
			CsvDelay:         144,
		},
		MultiSigKey:         s.multiSig.PubKey(),
		RevocationBasePoint: s.revocation.PubKey(),
		PaymentBasePoint:    s.payment.PubKey(),
		DelayBasePoint:      s.delay.PubKey(),
		HtlcBasePoint:       s.htlc.PubKey(),
	}
}

func (s *testSide) pointAt(t *testing.T, index uint64) *btcec.PublicKey {
	secret, err := s.producer.AtIndex(index)
	require.NoError(t, err)
	return input.ComputeCommitmentPoint(secret[:])
}

// newTestLedgerPair builds a cross-signed channel at state zero with A as
// funder, using only the channel package's exported surface.
func newTestLedgerPair(t *testing.T,
	chanType channeldb.ChannelType) (*channel.Commitments,
	*channel.Commitments, *testSide, *testSide) {

	keysA := newTestSide(1, 101)
	keysB := newTestSide(6, 102)

	const (
		toLocalA = lnwire.MilliSatoshi(758_640_000)
		toLocalB = lnwire.MilliSatoshi(190_000_000)
	)
	capacity := (toLocalA + toLocalB).ToSatoshis()

	fundingScript, _, err := input.GenFundingPkScript(
		keysA.multiSig.PubKey().SerializeCompressed(),
		keysB.multiSig.PubKey().SerializeCompressed(),
		int64(capacity),
	)
	require.NoError(t, err)

	fundingOutpoint := wire.OutPoint{Hash: chainhash.Hash{0xcc}, Index: 0}
	obfuscator := commitment.DeriveStateHintObfuscator(
		keysA.payment.PubKey(), keysB.payment.PubKey(),
	)

	cfgA := keysA.config(1100)
	cfgB := keysB.config(1100)

	paramsA := channel.Params{
		ChanID:               lnwire.NewChanIDFromOutPoint(fundingOutpoint),
		ChanType:             chanType,
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
		FeePerKw: 10_000,
		ToLocal:  toLocalA,
		ToRemote: toLocalB,
	}
	specB := specA.Mirror()

	fundingTxIn := *wire.NewTxIn(&fundingOutpoint, nil, nil)

	ringA := commitment.DeriveCommitmentKeys(
		keysA.pointAt(t, 0), chanType, &cfgA, &cfgB,
	)
	builtA, err := commitment.CreateCommitmentTx(
		chanType, &cfgA, &cfgB, true, fundingTxIn, ringA, specA, 0,
		obfuscator,
	)
	require.NoError(t, err)

	ringB := commitment.DeriveCommitmentKeys(
		keysB.pointAt(t, 0), chanType, &cfgB, &cfgA,
	)
	builtB, err := commitment.CreateCommitmentTx(
		chanType, &cfgB, &cfgA, false, fundingTxIn, ringB, specB, 0,
		obfuscator,
	)
	require.NoError(t, err)

	a := &channel.Commitments{
		Params: paramsA,
		LocalCommit: channel.LocalCommit{
			Spec:     specA,
			CommitTx: builtA.Tx,
		},
		RemoteCommit: channel.RemoteCommit{
			Spec:                     specB,
			TxID:                     builtB.Tx.TxHash(),
			RemotePerCommitmentPoint: keysB.pointAt(t, 0),
		},
		RemoteNextCommitPoint: keysB.pointAt(t, 1),
		Origins:               make(map[uint64]channeldb.Origin),
		RemoteSecrets:         shachain.NewRevocationStore(),
	}
	a.BindKeys(keysA.signer, keysA.producer)

	b := &channel.Commitments{
		Params: paramsB,
		LocalCommit: channel.LocalCommit{
			Spec:     specB,
			CommitTx: builtB.Tx,
		},
		RemoteCommit: channel.RemoteCommit{
			Spec:                     specA,
			TxID:                     builtA.Tx.TxHash(),
			RemotePerCommitmentPoint: keysA.pointAt(t, 0),
		},
		RemoteNextCommitPoint: keysA.pointAt(t, 1),
		Origins:               make(map[uint64]channeldb.Origin),
		RemoteSecrets:         shachain.NewRevocationStore(),
	}
	b.BindKeys(keysB.signer, keysB.producer)

	return a, b, keysA, keysB
}

func crossSignPair(t *testing.T, from, to *channel.Commitments) {
	t.Helper()

	sig, err := from.SendCommit()
	require.NoError(t, err)
	rev, err := to.ReceiveCommit(sig)
	require.NoError(t, err)
	_, err = from.ReceiveRevocation(rev)
	require.NoError(t, err)

	if to.LocalHasChanges() {
		sig2, err := to.SendCommit()
		require.NoError(t, err)
		rev2, err := from.ReceiveCommit(sig2)
		require.NoError(t, err)
		_, err = to.ReceiveRevocation(rev2)
		require.NoError(t, err)
	}
}

func testOnionBlob() [lnwire.OnionPacketSize]byte {
	var onion [lnwire.OnionPacketSize]byte
	onion[0] = 0x42
	return onion
}

// testSweepScript is the wallet p2wpkh all engine claims pay to.
func testSweepScript() []byte {
	script := make([]byte, 22)
	script[0] = 0x00
	script[1] = 0x14
	script[2] = 0xee
	return script
}

func newEngine(c *channel.Commitments, side *testSide,
	preimages map[[32]byte][32]byte) *ClosingEngine {

	return NewClosingEngine(EngineConfig{
		Commitments:  c,
		Signer:       side.signer,
		FeeEstimator: chainfee.NewStaticEstimator(5000, 253),
		SweepScript:  testSweepScript(),
		MinDepth:     3,
		Preimages: func(hash [32]byte) ([32]byte, bool) {
			preimage, ok := preimages[hash]
			return preimage, ok
		},
	})
}

func publishDescs(set *ResolutionSet) map[string]int {
	descs := make(map[string]int)
	for _, req := range set.Publish {
		descs[req.Desc]++
	}
	return descs
}

// TestClassification covers every branch of the funding spend classifier.
func TestClassification(t *testing.T) {
	t.Parallel()

	a, b, _, _ := newTestLedgerPair(
		t, channeldb.SingleFunderBit,
	)

	// Local commit.
	class := Classify(a, a.LocalCommit.CommitTx)
	require.Equal(t, SpendLocalCommit, class.Class)

	// Remote commit.
	class = Classify(a, b.LocalCommit.CommitTx)
	require.Equal(t, SpendRemoteCommit, class.Class)

	// Mutual close: a one-output transaction without the hint encoding.
	mutualClose := wire.NewMsgTx(2)
	mutualClose.AddTxIn(wire.NewTxIn(&a.Params.FundingOutpoint, nil, nil))
	mutualClose.AddTxOut(&wire.TxOut{Value: 500_000, PkScript: testSweepScript()})
	class = Classify(a, mutualClose)
	require.Equal(t, SpendMutualClose, class.Class)

	// Advance one state so state zero becomes revoked.
	preimage := [32]byte{0x91}
	hash := sha256.Sum256(preimage[:])
	add, err := a.SendAdd(
		20_000_000, hash, 500_000, testOnionBlob(),
		channeldb.LocalOrigin{},
	)
	require.NoError(t, err)
	require.NoError(t, b.ReceiveAdd(add))
	crossSignPair(t, a, b)

	// Rebuild B's revoked state-0 commitment and classify it.
	revokedTx := rebuildRemoteCommit(t, a, 0)
	class = Classify(a, revokedTx)
	require.Equal(t, SpendRevokedCommit, class.Class)
	require.EqualValues(t, 0, class.CommitIndex)
	require.NotNil(t, class.CommitSecret)

	// A commitment with an unknown (future) state number.
	future := wire.NewMsgTx(2)
	future.AddTxIn(wire.NewTxIn(&a.Params.FundingOutpoint, nil, nil))
	future.AddTxOut(&wire.TxOut{Value: 500_000, PkScript: testSweepScript()})
	require.NoError(t, commitment.SetStateNumHint(
		future, 999, a.Params.Obfuscator,
	))
	class = Classify(a, future)
	require.Equal(t, SpendUnknownCommit, class.Class)
}

// rebuildRemoteCommit reconstructs the remote party's commitment at a
// revoked index from the revocation log.
func rebuildRemoteCommit(t *testing.T, c *channel.Commitments,
	index uint64) *wire.MsgTx {

	t.Helper()

	secret, err := c.RemoteSecrets.LookUp(index)
	require.NoError(t, err)
	commitPoint := input.ComputeCommitmentPoint(secret[:])

	spec, ok := c.RevocationLog[index]
	require.True(t, ok)

	keyRing := c.RemoteKeyRing(commitPoint)
	built, err := commitment.CreateCommitmentTx(
		c.Params.ChanType, &c.Params.RemoteCfg, &c.Params.LocalCfg,
		!c.Params.LocalIsFunder, c.Params.FundingTxIn(), keyRing,
		spec, index, c.Params.Obfuscator,
	)
	require.NoError(t, err)

	return built.Tx
}

// TestRevokedCommitPenalties is the S4 scenario: a revoked commitment with a
// live HTLC is punished output by output, including the second-stage race.
func TestRevokedCommitPenalties(t *testing.T) {
	t.Parallel()

	a, b, keysA, _ := newTestLedgerPair(t, channeldb.SingleFunderBit)

	// Two HTLCs lock in at state 1; one settles into state 2, the other
	// stays pending.
	preimage1 := [32]byte{0x01}
	hash1 := sha256.Sum256(preimage1[:])
	add1, err := a.SendAdd(
		42_000_000, hash1, 500_000, testOnionBlob(),
		channeldb.LocalOrigin{},
	)
	require.NoError(t, err)
	require.NoError(t, b.ReceiveAdd(add1))

	preimage2 := [32]byte{0x02}
	hash2 := sha256.Sum256(preimage2[:])
	add2, err := a.SendAdd(
		30_000_000, hash2, 500_100, testOnionBlob(),
		channeldb.RelayedOrigin{
			ChanID: lnwire.ChannelID{0x99},
			HtlcID: 4,
		},
	)
	require.NoError(t, err)
	require.NoError(t, b.ReceiveAdd(add2))

	crossSignPair(t, a, b)

	fulfill, err := b.SendFulfill(add1.ID, preimage1)
	require.NoError(t, err)
	_, err = a.ReceiveFulfill(fulfill)
	require.NoError(t, err)
	crossSignPair(t, b, a)

	// B publishes the revoked state 1, which carries both HTLCs.
	revokedTx := rebuildRemoteCommit(t, a, 1)

	engine := newEngine(a, keysA, nil)
	set, settled, err := engine.FundingSpent(revokedTx)
	require.NoError(t, err)
	require.Equal(t, SpendRevokedCommit, engine.Class().Class)
	require.Empty(t, settled)

	descs := publishDescs(set)
	require.Equal(t, 1, descs["main-penalty"])
	require.Equal(t, 2, descs["htlc-penalty"])
	require.Equal(t, 1, descs["claim-remote-main"])

	// Every claim pays the sweep script, crediting us with both
	// balances minus fees.
	var swept int64
	for _, req := range set.Publish {
		require.Equal(t, testSweepScript(), req.Tx.TxOut[0].PkScript)
		swept += req.Tx.TxOut[0].Value
	}

	var revokedTotal int64
	for _, txOut := range revokedTx.TxOut {
		revokedTotal += txOut.Value
	}
	require.Greater(t, swept, revokedTotal*9/10)

	// B races us on the pending HTLC output with its own second-stage
	// transaction: that transaction's output is punished too.
	spec := a.RevocationLog[1]
	secret, err := a.RemoteSecrets.LookUp(1)
	require.NoError(t, err)
	commitPoint := input.ComputeCommitmentPoint(secret[:])
	keyRing := a.RemoteKeyRing(commitPoint)

	// Locate the pending HTLC's output on the revoked commitment.
	built, err := commitment.CreateCommitmentTx(
		a.Params.ChanType, &a.Params.RemoteCfg, &a.Params.LocalCfg,
		false, a.Params.FundingTxIn(), keyRing, spec, 1,
		a.Params.Obfuscator,
	)
	require.NoError(t, err)

	var htlcOp wire.OutPoint
	var htlcAmt int64
	for _, entry := range built.Htlcs {
		if entry.Trimmed() || entry.Desc.PaymentHash != hash2 {
			continue
		}
		htlcOp = wire.OutPoint{
			Hash:  built.Tx.TxHash(),
			Index: uint32(entry.OutputIndex),
		}
		htlcAmt = int64(entry.Desc.Amount.ToSatoshis())
	}
	require.NotZero(t, htlcAmt)

	secondLevelScript, err := commitment.SecondLevelScript(
		keyRing.RevocationKey, keyRing.ToLocalKey,
		uint32(a.Params.RemoteCfg.CsvDelay),
	)
	require.NoError(t, err)

	raceTx := wire.NewMsgTx(2)
	raceTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: htlcOp,
		Witness:          wire.TxWitness{nil, nil, nil, preimage2[:], nil},
	})
	raceTx.AddTxOut(&wire.TxOut{
		Value:    htlcAmt - 1000,
		PkScript: secondLevelScript.PkScript,
	})

	raceSet, raceSettled, err := engine.OutputSpent(htlcOp, raceTx)
	require.NoError(t, err)

	raceDescs := publishDescs(raceSet)
	require.Equal(t, 1, raceDescs["claim-htlc-delayed-penalty"])

	// The preimage surfacing in the race transaction settles the relayed
	// HTLC upstream.
	require.Len(t, raceSettled, 1)
	require.True(t, raceSettled[0].Fulfilled)
	require.Equal(t, preimage2, raceSettled[0].Preimage)
	require.Equal(t, add2.ID, raceSettled[0].ID)
}

// TestLocalForceCloseRestart is the S6 scenario: resolving our own
// commitment, then replaying the process from scratch as a restart would,
// producing the identical claim set.
func TestLocalForceCloseRestart(t *testing.T) {
	t.Parallel()

	a, b, keysA, _ := newTestLedgerPair(t, channeldb.SingleFunderBit)

	// One offered HTLC (timeout path) and one received HTLC with a known
	// preimage (success path).
	hashOut := sha256.Sum256([]byte{0x11})
	addOut, err := a.SendAdd(
		42_000_000, hashOut, 500_000, testOnionBlob(),
		channeldb.LocalOrigin{},
	)
	require.NoError(t, err)
	require.NoError(t, b.ReceiveAdd(addOut))

	preimageIn := [32]byte{0x12}
	hashIn := sha256.Sum256(preimageIn[:])
	addIn, err := b.SendAdd(
		30_000_000, hashIn, 500_100, testOnionBlob(),
		channeldb.LocalOrigin{},
	)
	require.NoError(t, err)
	require.NoError(t, a.ReceiveAdd(addIn))

	crossSignPair(t, a, b)

	preimages := map[[32]byte][32]byte{hashIn: preimageIn}

	engine := newEngine(a, keysA, preimages)
	set, settled, err := engine.FundingSpent(a.LocalCommit.CommitTx)
	require.NoError(t, err)
	require.Equal(t, SpendLocalCommit, engine.Class().Class)
	require.Empty(t, settled)

	descs := publishDescs(set)
	require.Equal(t, 1, descs["claim-main-delayed"])
	require.Equal(t, 1, descs["htlc-timeout"])
	require.Equal(t, 1, descs["htlc-success"])

	// Each published claim is paired with a confirmation watch.
	require.GreaterOrEqual(
		t, len(set.WatchConfirmed), len(set.Publish),
	)

	// Restarting means a fresh engine replaying the same spend: the
	// derived claim set must be byte-identical, making re-publication of
	// already confirmed members a no-op.
	engine2 := newEngine(a, keysA, preimages)
	set2, _, err := engine2.FundingSpent(a.LocalCommit.CommitTx)
	require.NoError(t, err)

	require.Equal(t, len(set.Publish), len(set2.Publish))
	txids := make(map[chainhash.Hash]struct{})
	for _, req := range set.Publish {
		txids[req.Tx.TxHash()] = struct{}{}
	}
	for _, req := range set2.Publish {
		_, ok := txids[req.Tx.TxHash()]
		require.True(t, ok, "restart produced a different %s", req.Desc)
	}

	// Drive the second engine to full resolution: confirm the commit,
	// then every claim; second-level confirmations trigger the delayed
	// sweeps and the upstream failure of the timed out HTLC.
	_, _, done, err := engine2.TxConfirmed(
		a.LocalCommit.CommitTx.TxHash(), 700_000,
	)
	require.NoError(t, err)
	require.False(t, done)

	var timedOut bool
	for _, req := range set2.Publish {
		followUp, moreSettled, _, err := engine2.TxConfirmed(
			req.Tx.TxHash(), 700_001,
		)
		require.NoError(t, err)

		for _, s := range moreSettled {
			if s.ID == addOut.ID && !s.Fulfilled {
				timedOut = true
			}
		}

		// A confirmed second-stage transaction spawns its delayed
		// sweep; confirm those too.
		for _, sweep := range followUp.Publish {
			require.Equal(t, "claim-htlc-delayed", sweep.Desc)
			_, _, _, err := engine2.TxConfirmed(
				sweep.Tx.TxHash(), 700_002,
			)
			require.NoError(t, err)
		}
	}
	require.True(t, timedOut)

	// Everything resolved.
	_, _, done, err = engine2.TxConfirmed(
		a.LocalCommit.CommitTx.TxHash(), 700_000,
	)
	require.NoError(t, err)
	require.True(t, done)
}

// TestRemoteForceClose resolves the remote party's published commitment.
func TestRemoteForceClose(t *testing.T) {
	t.Parallel()

	a, b, keysA, _ := newTestLedgerPair(t, channeldb.SingleFunderBit)

	// One HTLC in each direction, cross-signed.
	hashOut := sha256.Sum256([]byte{0x21})
	addOut, err := a.SendAdd(
		42_000_000, hashOut, 500_000, testOnionBlob(),
		channeldb.LocalOrigin{},
	)
	require.NoError(t, err)
	require.NoError(t, b.ReceiveAdd(addOut))

	preimageIn := [32]byte{0x22}
	hashIn := sha256.Sum256(preimageIn[:])
	addIn, err := b.SendAdd(
		30_000_000, hashIn, 500_100, testOnionBlob(),
		channeldb.LocalOrigin{},
	)
	require.NoError(t, err)
	require.NoError(t, a.ReceiveAdd(addIn))

	crossSignPair(t, a, b)

	// A second round carries B's HTLC, acked by A, into B's commitment.
	crossSignPair(t, a, b)

	// B force closes with its current commitment.
	remoteTx := b.LocalCommit.CommitTx

	engine := newEngine(a, keysA, map[[32]byte][32]byte{
		hashIn: preimageIn,
	})
	set, _, err := engine.FundingSpent(remoteTx)
	require.NoError(t, err)
	require.Equal(t, SpendRemoteCommit, engine.Class().Class)

	descs := publishDescs(set)
	require.Equal(t, 1, descs["claim-remote-main"])
	require.Equal(t, 1, descs["claim-htlc-timeout"])
	require.Equal(t, 1, descs["claim-htlc-success"])

	// The timeout claim carries the HTLC's absolute locktime.
	for _, req := range set.Publish {
		if req.Desc == "claim-htlc-timeout" {
			require.EqualValues(t, 500_000, req.Tx.LockTime)
		}
	}
}
