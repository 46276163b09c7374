package channel

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
)

// testDeliveryScript is a valid p2wpkh shutdown script.
func testDeliveryScript(fill byte) lnwire.DeliveryAddress {
	script := make([]byte, 22)
	script[0] = 0x00
	script[1] = 0x14
	for i := 2; i < 22; i++ {
		script[i] = fill
	}
	return script
}

// testMachineConfig builds a machine config around one side's keys.
func testMachineConfig(keys *testSideKeys, feeRate chainfee.SatPerKWeight,
	deliveryFill byte) Config {

	features := lnwire.NewFeatureVector(lnwire.NewRawFeatureVector(
		lnwire.DataLossProtectOptional,
		lnwire.StaticRemoteKeyOptional,
	))

	return Config{
		ChainHash:            *chaincfg.RegressionNetParams.GenesisHash,
		FeeEstimator:         chainfee.NewStaticEstimator(feeRate, 253),
		FeerateTolerance:     DefaultFeerateTolerance(),
		MinDepth:             3,
		FundingTimeoutBlocks: 2016,
		MaxFundingAmount:     10_000_000,
		DustLimit:            1100,
		MaxHtlcValueInFlight: lnwire.MilliSatoshi(1e15),
		MaxAcceptedHtlcs:     483,
		HtlcMinimum:          1000,
		ToSelfDelay:          144,
		ReserveFactor:        100,
		LocalFeatures:        features,
		RemoteFeatures:       features,
		Signer:               keys.signer,
		Producer:             keys.producer,
		MultiSigKey:          keys.multiSig.PubKey(),
		RevocationBasePoint:  keys.revocation.PubKey(),
		PaymentBasePoint:     keys.payment.PubKey(),
		DelayBasePoint:       keys.delay.PubKey(),
		HtlcBasePoint:        keys.htlc.PubKey(),
		DeliveryScript:       testDeliveryScript(deliveryFill),
	}
}

// machinePipe shuttles SendMsg effects between two machines, recursively
// delivering every response, and records everything else for assertions.
type machinePipe struct {
	t *testing.T
	a *Machine
	b *Machine

	// Recorded side effects, per machine.
	publishedA, publishedB []PublishTx
	msgsAtoB, msgsBtoA     []lnwire.Message
}

func (p *machinePipe) deliver(effects []Effect, fromA bool) {
	for _, effect := range effects {
		switch effect := effect.(type) {
		case SendMsg:
			if fromA {
				p.msgsAtoB = append(p.msgsAtoB, effect.Msg)
				out := p.b.Process(PeerMsg{Msg: effect.Msg})
				p.deliver(out, false)
			} else {
				p.msgsBtoA = append(p.msgsBtoA, effect.Msg)
				out := p.a.Process(PeerMsg{Msg: effect.Msg})
				p.deliver(out, true)
			}

		case PublishTx:
			if fromA {
				p.publishedA = append(p.publishedA, effect)
			} else {
				p.publishedB = append(p.publishedB, effect)
			}
		}
	}
}

func (p *machinePipe) processA(in Input) {
	p.deliver(p.a.Process(in), true)
}

func (p *machinePipe) processB(in Input) {
	p.deliver(p.b.Process(in), false)
}

// openTestChannel drives a funder/fundee machine pair through the full open
// handshake to NORMAL, returning the pipe and the funding transaction.
func openTestChannel(t *testing.T, chanType channeldb.ChannelType) (
	*machinePipe, *wire.MsgTx) {

	keysA := newTestSideKeys(1, 101)
	keysB := newTestSideKeys(6, 102)

	a := NewMachine(testMachineConfig(keysA, 10_000, 0xaa))
	b := NewMachine(testMachineConfig(keysB, 12_000, 0xbb))

	pipe := &machinePipe{t: t, a: a, b: b}

	pipe.processB(CmdInitFundee{})
	require.Equal(t, WaitForOpen, b.State())

	const fundingAmount = btcutil.Amount(1_000_000)
	pipe.processA(CmdInitFunder{
		FundingAmount: fundingAmount,
		PushAmount:    190_000_000,
		FeePerKw:      10_000,
		ChanType:      chanType,
	})
	require.Equal(t, WaitForFundingInternal, a.State())
	require.Equal(t, WaitForFundingCreated, b.State())

	// Build the funding transaction the wallet would produce.
	_, fundingOut, err := input.GenFundingPkScript(
		keysA.multiSig.PubKey().SerializeCompressed(),
		keysB.multiSig.PubKey().SerializeCompressed(),
		int64(fundingAmount),
	)
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: [32]byte{0xde}},
	})
	fundingTx.AddTxOut(fundingOut)

	pipe.processA(FundingTxReady{Tx: fundingTx, OutputIndex: 0})
	require.Equal(t, WaitForFundingConfirmed, a.State())
	require.Equal(t, WaitForFundingConfirmed, b.State())

	// The funder broadcasts the funding transaction.
	require.NotEmpty(t, pipe.publishedA)
	require.Equal(
		t, fundingTx.TxHash(), pipe.publishedA[0].Tx.TxHash(),
	)

	// Confirmation on both sides completes the handshake.
	confirm := ChainEventConfirmed{
		Tag:         WatchTagFundingConfirmed,
		Tx:          fundingTx,
		BlockHeight: 500,
		TxIndex:     7,
	}
	pipe.processA(confirm)
	pipe.processB(confirm)

	require.Equal(t, Normal, a.State())
	require.Equal(t, Normal, b.State())

	// Both ledgers agree on the opening balances.
	require.Equal(
		t, a.Commitments().LocalCommit.Spec.ToLocal,
		b.Commitments().LocalCommit.Spec.ToRemote,
	)

	return pipe, fundingTx
}

// TestFundingHandshake covers the full open flow for both channel formats.
func TestFundingHandshake(t *testing.T) {
	t.Parallel()

	for _, chanType := range []channeldb.ChannelType{
		channeldb.SingleFunderTweaklessBit,
		channeldb.SingleFunderTweaklessBit | channeldb.AnchorOutputsBit,
	} {
		openTestChannel(t, chanType)
	}
}

// TestDuplicateOpenIgnored asserts a replayed open_channel with the same
// temporary id does not double-accept.
func TestDuplicateOpenIgnored(t *testing.T) {
	t.Parallel()

	keysB := newTestSideKeys(6, 102)
	b := NewMachine(testMachineConfig(keysB, 10_000, 0xbb))
	b.Process(CmdInitFundee{})

	keysA := newTestSideKeys(1, 101)
	a := NewMachine(testMachineConfig(keysA, 10_000, 0xaa))
	effects := a.Process(CmdInitFunder{
		FundingAmount: 1_000_000,
		FeePerKw:      10_000,
		ChanType:      channeldb.SingleFunderTweaklessBit,
	})

	var open *lnwire.OpenChannel
	for _, effect := range effects {
		if sendMsg, ok := effect.(SendMsg); ok {
			open = sendMsg.Msg.(*lnwire.OpenChannel)
		}
	}
	require.NotNil(t, open)

	first := b.Process(PeerMsg{Msg: open})
	require.NotEmpty(t, first)

	// The duplicate is silently dropped.
	require.Empty(t, b.Process(PeerMsg{Msg: open}))
}

// TestWumboRejected asserts funding over the legacy cap requires the wumbo
// feature bit.
func TestWumboRejected(t *testing.T) {
	t.Parallel()

	keysA := newTestSideKeys(1, 101)
	cfg := testMachineConfig(keysA, 10_000, 0xaa)
	cfg.MaxFundingAmount = 100_000_000

	a := NewMachine(cfg)
	effects := a.Process(CmdInitFunder{
		FundingAmount: MaxBtcFundingAmount + 1,
		FeePerKw:      10_000,
	})

	require.Len(t, effects, 1)
	fail, ok := effects[0].(FailCmd)
	require.True(t, ok)
	require.Error(t, fail.Err)
}

// TestMutualCloseConvergence is the S3 scenario: shutdown, fee negotiation
// convergence within a few rounds, and a canonical closing transaction.
func TestMutualCloseConvergence(t *testing.T) {
	t.Parallel()

	pipe, _ := openTestChannel(t, channeldb.SingleFunderTweaklessBit)

	pipe.processA(CmdClose{Script: testDeliveryScript(0xcc)})

	// Count the closing_signed exchanges: the dialogue must converge
	// within four round trips.
	var rounds int
	for _, msg := range pipe.msgsAtoB {
		if _, ok := msg.(*lnwire.ClosingSigned); ok {
			rounds++
		}
	}
	require.LessOrEqual(t, rounds, 4)

	require.Equal(t, Closing, pipe.a.State())
	require.Equal(t, Closing, pipe.b.State())

	// A published a closing transaction after the funding one, with at
	// most two outputs, in BIP69 order.
	require.NotEmpty(t, pipe.publishedA[1:])
	closingTx := pipe.publishedA[len(pipe.publishedA)-1].Tx

	require.LessOrEqual(t, len(closingTx.TxOut), 2)
	if len(closingTx.TxOut) == 2 {
		first, second := closingTx.TxOut[0], closingTx.TxOut[1]
		require.True(
			t, first.Value < second.Value ||
				(first.Value == second.Value &&
					bytes.Compare(
						first.PkScript,
						second.PkScript,
					) <= 0),
		)
	}

	// Both sides constructed the identical transaction.
	closingB := pipe.publishedB[len(pipe.publishedB)-1].Tx
	require.Equal(t, closingTx.TxHash(), closingB.TxHash())

	// Confirmation finishes the channel.
	pipe.processA(ChainEventConfirmed{
		Tag: WatchTagClosingConfirmed,
		Tx:  closingTx,
	})
	require.Equal(t, Closed, pipe.a.State())
}

// TestCloseRejectsWhilePending asserts CMD_CLOSE respects the
// already-in-progress rule.
func TestCloseRejectsWhilePending(t *testing.T) {
	t.Parallel()

	pipe, _ := openTestChannel(t, channeldb.SingleFunderTweaklessBit)

	pipe.processA(CmdClose{Script: testDeliveryScript(0xcc)})

	effects := pipe.a.Process(CmdClose{Script: testDeliveryScript(0xcc)})
	require.Len(t, effects, 1)
	fail, ok := effects[0].(FailCmd)
	require.True(t, ok)
	require.ErrorIs(t, fail.Err, ErrClosingInProgress)
}

// TestPaymentThroughMachines drives one payment through the full machine
// layer, signatures exchanged automatically.
func TestPaymentThroughMachines(t *testing.T) {
	t.Parallel()

	pipe, _ := openTestChannel(t, channeldb.SingleFunderTweaklessBit)

	preimage := [32]byte{0x55}
	hash := sha256.Sum256(preimage[:])

	pipe.processA(CmdAddHTLC{
		Amount:      42_000_000,
		PaymentHash: hash,
		Expiry:      500_000,
		OnionBlob:   testOnion(),
		Origin:      channeldb.LocalOrigin{},
	})
	pipe.processA(CmdSign{})

	// The commitment dance ran to completion: the HTLC is locked in on
	// both sides.
	require.Len(t, pipe.a.Commitments().LocalCommit.Spec.Htlcs, 1)
	require.Len(t, pipe.b.Commitments().LocalCommit.Spec.Htlcs, 1)

	// B fulfills.
	pipe.processB(CmdFulfillHTLC{ID: 0, Preimage: preimage})
	pipe.processB(CmdSign{})

	require.Empty(t, pipe.a.Commitments().LocalCommit.Spec.Htlcs)
	require.EqualValues(
		t, 232_000_000,
		pipe.b.Commitments().LocalCommit.Spec.ToLocal,
	)
}

// TestReconnectResync covers the OFFLINE/SYNCING overlay: after a disconnect
// both sides exchange channel_reestablish and resume.
func TestReconnectResync(t *testing.T) {
	t.Parallel()

	pipe, _ := openTestChannel(t, channeldb.SingleFunderTweaklessBit)

	preimage := [32]byte{0x56}
	hash := sha256.Sum256(preimage[:])

	pipe.processA(CmdAddHTLC{
		Amount:      42_000_000,
		PaymentHash: hash,
		Expiry:      500_000,
		OnionBlob:   testOnion(),
		Origin:      channeldb.LocalOrigin{},
	})
	pipe.processA(CmdSign{})

	// Drop the connection and bring it back.
	pipe.processA(InputDisconnected{})
	pipe.processB(InputDisconnected{})
	require.Equal(t, Offline, pipe.a.State())
	require.Equal(t, Offline, pipe.b.State())

	// Commands park while offline.
	effects := pipe.a.Process(CmdAddHTLC{Amount: 1000})
	fail, ok := effects[len(effects)-1].(FailCmd)
	require.True(t, ok)
	require.ErrorIs(t, fail.Err, ErrChannelUnavailable)

	pipe.processB(InputReconnected{})
	pipe.processA(InputReconnected{})

	require.Equal(t, Normal, pipe.a.State())
	require.Equal(t, Normal, pipe.b.State())

	// The channel still works end to end.
	pipe.processB(CmdFulfillHTLC{ID: 0, Preimage: preimage})
	pipe.processB(CmdSign{})
	require.Empty(t, pipe.a.Commitments().LocalCommit.Spec.Htlcs)
}

// TestSnapshotRoundTrip serializes a live machine and restores it.
func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	pipe, _ := openTestChannel(t, channeldb.SingleFunderTweaklessBit)

	preimage := [32]byte{0x57}
	hash := sha256.Sum256(preimage[:])
	pipe.processA(CmdAddHTLC{
		Amount:      42_000_000,
		PaymentHash: hash,
		Expiry:      500_000,
		OnionBlob:   testOnion(),
		Origin: channeldb.RelayedOrigin{
			ChanID:   lnwire.ChannelID{0x11},
			HtlcID:   9,
			AmountIn: 42_100_000,
		},
	})
	pipe.processA(CmdSign{})

	var snapshot bytes.Buffer
	require.NoError(t, pipe.a.Serialize(&snapshot))

	restored, err := RestoreMachine(pipe.a.cfg, &snapshot)
	require.NoError(t, err)

	require.Equal(t, pipe.a.State(), restored.State())

	origC, restC := pipe.a.Commitments(), restored.Commitments()
	require.Equal(t, origC.Params.ChanID, restC.Params.ChanID)
	require.Equal(t, origC.LocalCommit.Index, restC.LocalCommit.Index)
	require.Equal(
		t, origC.LocalCommit.Spec.ToLocal,
		restC.LocalCommit.Spec.ToLocal,
	)
	require.Equal(t, origC.LocalNextHtlcID, restC.LocalNextHtlcID)
	require.Equal(
		t, origC.LocalCommit.CommitTx.TxHash(),
		restC.LocalCommit.CommitTx.TxHash(),
	)

	origin, ok := restC.Origins[0].(channeldb.RelayedOrigin)
	require.True(t, ok)
	require.EqualValues(t, 9, origin.HtlcID)

	// The restored machine keeps operating: the fulfill round trip still
	// verifies against the peer.
	pipeRestored := &machinePipe{t: t, a: restored, b: pipe.b}
	pipeRestored.processB(CmdFulfillHTLC{ID: 0, Preimage: preimage})
	pipeRestored.processB(CmdSign{})
	require.Empty(t, restored.Commitments().LocalCommit.Spec.Htlcs)
}

// TestDataLossReconnect is the S5 scenario: a node restored from a stale
// snapshot detects its own regression on reestablish and waits for the
// peer's commitment, claiming only its main output.
func TestDataLossReconnect(t *testing.T) {
	t.Parallel()

	// A non-static-remote-key channel, so the main output claim is
	// observable.
	pipe, _ := openTestChannel(t, channeldb.SingleFunderBit)

	// Snapshot A early.
	var staleSnapshot bytes.Buffer
	require.NoError(t, pipe.a.Serialize(&staleSnapshot))

	// Run a payment to advance the state beyond the snapshot.
	preimage := [32]byte{0x58}
	hash := sha256.Sum256(preimage[:])
	pipe.processA(CmdAddHTLC{
		Amount:      42_000_000,
		PaymentHash: hash,
		Expiry:      500_000,
		OnionBlob:   testOnion(),
		Origin:      channeldb.LocalOrigin{},
	})
	pipe.processA(CmdSign{})
	pipe.processB(CmdFulfillHTLC{ID: 0, Preimage: preimage})
	pipe.processB(CmdSign{})

	// Restore the stale A and reconnect.
	stale, err := RestoreMachine(pipe.a.cfg, &staleSnapshot)
	require.NoError(t, err)

	stale.Process(InputDisconnected{})
	pipe.b.Process(InputDisconnected{})

	staleEffects := stale.Process(InputReconnected{})
	bEffects := pipe.b.Process(InputReconnected{})

	var bReestablish *lnwire.ChannelReestablish
	for _, effect := range bEffects {
		if sendMsg, ok := effect.(SendMsg); ok {
			bReestablish = sendMsg.Msg.(*lnwire.ChannelReestablish)
		}
	}
	require.NotNil(t, bReestablish)

	// The stale node sees B's proof of a future state.
	lossEffects := stale.Process(PeerMsg{Msg: bReestablish})
	require.Equal(
		t, WaitForRemotePublishFutureCommitment, stale.State(),
	)

	var sentError bool
	for _, effect := range lossEffects {
		if sendMsg, ok := effect.(SendMsg); ok {
			if _, isErr := sendMsg.Msg.(*lnwire.Error); isErr {
				sentError = true
			}
		}
	}
	require.True(t, sentError)

	// The remote current commit point was retained for the future claim.
	require.NotNil(t, stale.Commitments().FutureCommitPoint)

	// B, seeing the stale reestablish, force closes.
	var staleReestablish *lnwire.ChannelReestablish
	for _, effect := range staleEffects {
		if sendMsg, ok := effect.(SendMsg); ok {
			staleReestablish = sendMsg.Msg.(*lnwire.ChannelReestablish)
		}
	}
	require.NotNil(t, staleReestablish)

	bClose := pipe.b.Process(PeerMsg{Msg: staleReestablish})
	var bPublished *wire.MsgTx
	for _, effect := range bClose {
		if publish, ok := effect.(PublishTx); ok {
			bPublished = publish.Tx
		}
	}
	require.NotNil(t, bPublished)
	require.Equal(t, Closing, pipe.b.State())

	// When B's commitment hits the chain, the stale node proceeds to
	// CLOSING; the closing engine will claim the main output only.
	stale.Process(ChainEventSpent{
		Tag:        WatchTagFundingSpent,
		OutPoint:   stale.Commitments().Params.FundingOutpoint,
		SpendingTx: bPublished,
	})
	require.Equal(t, Closing, stale.State())
}
