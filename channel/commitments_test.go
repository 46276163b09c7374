package channel

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/lnwire"
)

// TestHappyPayment walks the full life of one HTLC: add, cross-sign,
// fulfill, cross-sign. Balances must land exactly and every step must keep
// the two ledgers mirrored.
func TestHappyPayment(t *testing.T) {
	t.Parallel()

	a, b := newTestChannelPair(t, defaultTestParams())

	preimage := [32]byte{0x77}
	add := addHtlcPair(t, a, b, 42_000_000, preimage, 500_000)
	require.EqualValues(t, 0, add.ID)

	crossSign(t, a, b)
	assertMirrored(t, a, b)

	// Both commitments carry the HTLC.
	require.Len(t, a.LocalCommit.Spec.Htlcs, 1)
	require.Len(t, b.LocalCommit.Spec.Htlcs, 1)
	require.True(t, b.LocalCommit.Spec.Htlcs[0].Incoming)
	require.False(t, a.LocalCommit.Spec.Htlcs[0].Incoming)

	// B settles with the preimage.
	fulfill, err := b.SendFulfill(add.ID, preimage)
	require.NoError(t, err)

	htlc, err := a.ReceiveFulfill(fulfill)
	require.NoError(t, err)
	require.Equal(t, add.PaymentHash, htlc.PaymentHash)

	settled := crossSign(t, b, a)
	assertMirrored(t, a, b)

	// The fulfill of our offered HTLC surfaces as a settlement once
	// irrevocably committed.
	require.Len(t, settled, 1)
	require.True(t, settled[0].Fulfilled)
	require.Equal(t, preimage, settled[0].Preimage)

	// S1 final balances.
	require.EqualValues(t, 716_640_000, a.LocalCommit.Spec.ToLocal)
	require.EqualValues(t, 232_000_000, a.LocalCommit.Spec.ToRemote)
	require.EqualValues(t, 232_000_000, b.LocalCommit.Spec.ToLocal)
	require.EqualValues(t, 716_640_000, b.LocalCommit.Spec.ToRemote)

	require.Empty(t, a.LocalCommit.Spec.Htlcs)
	require.Empty(t, b.LocalCommit.Spec.Htlcs)
	require.Empty(t, a.Origins)
}

// TestFailedPayment adds an HTLC and fails it; final balances must equal the
// opening balances.
func TestFailedPayment(t *testing.T) {
	t.Parallel()

	p := defaultTestParams()
	a, b := newTestChannelPair(t, p)

	preimage := [32]byte{0x78}
	add := addHtlcPair(t, a, b, 42_000_000, preimage, 500_000)

	crossSign(t, a, b)

	reason, err := lnwire.EncodeFailureMessage(
		lnwire.NewFailIncorrectDetails(42, 42),
	)
	require.NoError(t, err)

	fail, err := b.SendFail(add.ID, reason)
	require.NoError(t, err)
	require.NoError(t, a.ReceiveFail(fail))

	settled := crossSign(t, b, a)
	assertMirrored(t, a, b)

	require.Len(t, settled, 1)
	require.False(t, settled[0].Fulfilled)
	require.Equal(t, lnwire.OpaqueReason(reason), settled[0].Reason)

	// The failure reason decodes back to the typed failure.
	failure, err := lnwire.DecodeFailureMessage(
		bytes.NewReader(settled[0].Reason),
	)
	require.NoError(t, err)
	incorrect, ok := failure.(*lnwire.FailIncorrectDetails)
	require.True(t, ok)
	require.EqualValues(t, 42, incorrect.Amount())
	require.EqualValues(t, 42, incorrect.Height())

	require.Equal(t, p.toLocalA, a.LocalCommit.Spec.ToLocal)
	require.Equal(t, p.toLocalB, a.LocalCommit.Spec.ToRemote)
}

// TestUnknownHtlcSettles asserts settling an unknown id is rejected without
// corrupting state.
func TestUnknownHtlcSettles(t *testing.T) {
	t.Parallel()

	a, b := newTestChannelPair(t, defaultTestParams())

	_, err := b.SendFulfill(7, [32]byte{1})
	require.IsType(t, &UnknownHtlcIDError{}, err)

	_, err = b.SendFail(7, lnwire.OpaqueReason{0x01})
	require.IsType(t, &UnknownHtlcIDError{}, err)

	// A fulfill with the wrong preimage for a real HTLC is equally
	// rejected.
	preimage := [32]byte{0x79}
	add := addHtlcPair(t, a, b, 42_000_000, preimage, 500_000)
	crossSign(t, a, b)

	_, err = b.SendFulfill(add.ID, [32]byte{0xba, 0xad})
	require.IsType(t, &UnknownHtlcIDError{}, err)

	// And the correct one passes.
	_, err = b.SendFulfill(add.ID, preimage)
	require.NoError(t, err)
}

// TestUncommittedHtlcCannotSettle asserts an HTLC cannot be settled before
// it is locked in on both commitments.
func TestUncommittedHtlcCannotSettle(t *testing.T) {
	t.Parallel()

	a, b := newTestChannelPair(t, defaultTestParams())

	preimage := [32]byte{0x7a}
	add := addHtlcPair(t, a, b, 42_000_000, preimage, 500_000)

	// Not signed at all.
	_, err := b.SendFulfill(add.ID, preimage)
	require.IsType(t, &UnknownHtlcIDError{}, err)

	// Signed into B's commitment only: B still must not release the
	// preimage, the remote commitment doesn't carry the HTLC yet.
	sig, err := a.SendCommit()
	require.NoError(t, err)
	rev, err := b.ReceiveCommit(sig)
	require.NoError(t, err)
	_, err = a.ReceiveRevocation(rev)
	require.NoError(t, err)

	_, err = b.SendFulfill(add.ID, preimage)
	require.IsType(t, &UnknownHtlcIDError{}, err)

	// Completing the round trip unlocks it.
	sig2, err := b.SendCommit()
	require.NoError(t, err)
	rev2, err := a.ReceiveCommit(sig2)
	require.NoError(t, err)
	_, err = b.ReceiveRevocation(rev2)
	require.NoError(t, err)

	_, err = b.SendFulfill(add.ID, preimage)
	require.NoError(t, err)
}

// TestSigInFlightRules asserts the one-signature-in-flight discipline.
func TestSigInFlightRules(t *testing.T) {
	t.Parallel()

	a, b := newTestChannelPair(t, defaultTestParams())

	// Nothing to sign yet.
	_, err := a.SendCommit()
	require.ErrorIs(t, err, ErrNoUpdatesToSign)

	addHtlcPair(t, a, b, 42_000_000, [32]byte{0x7b}, 500_000)

	_, err = a.SendCommit()
	require.NoError(t, err)

	// A second signature while the first is unrevoked is refused.
	_, err = a.SendCommit()
	require.ErrorIs(t, err, ErrSigInFlight)

	// A revocation out of nowhere is a violation on B's side.
	_, err = b.ReceiveRevocation(&lnwire.RevokeAndAck{})
	require.IsType(t, &PeerViolationError{}, err)
}

// TestUpdateFeeRules asserts the funder-only rule and the tolerance check.
func TestUpdateFeeRules(t *testing.T) {
	t.Parallel()

	a, b := newTestChannelPair(t, defaultTestParams())

	// The fundee cannot propose fees.
	_, err := b.SendFee(12_000)
	require.ErrorIs(t, err, ErrNonFunderUpdateFee)

	// The funder can, and the fundee accepts within tolerance.
	msg, err := a.SendFee(12_000)
	require.NoError(t, err)
	require.NoError(t, b.ReceiveFee(
		msg, 10_000, DefaultFeerateTolerance(),
	))

	crossSign(t, a, b)
	require.EqualValues(t, 12_000, b.LocalCommit.Spec.FeePerKw)
	require.EqualValues(t, 12_000, a.LocalCommit.Spec.FeePerKw)

	// Out of tolerance is refused.
	msg2, err := a.SendFee(60_000)
	require.NoError(t, err)
	err = b.ReceiveFee(msg2, 10_000, DefaultFeerateTolerance())
	require.IsType(t, &FeerateTooDifferentError{}, err)

	// And an update_fee from the fundee is a violation for the funder.
	err = a.ReceiveFee(
		&lnwire.UpdateFee{ChanID: a.Params.ChanID, FeePerKw: 9000},
		10_000, DefaultFeerateTolerance(),
	)
	require.IsType(t, &PeerViolationError{}, err)
}

// TestAvailabilitySafety is the fuzzed send/receive safety property: an HTLC
// sized exactly at the advertised availability must be accepted.
func TestAvailabilitySafety(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		p := defaultTestParams()
		p.feePerKw = chainfee.SatPerKWeight(
			rapid.Int64Range(253, 30_000).Draw(rt, "feePerKw"),
		)
		p.dustA = btcutil.Amount(
			rapid.Int64Range(354, 2000).Draw(rt, "dustA"),
		)
		p.dustB = btcutil.Amount(
			rapid.Int64Range(354, 2000).Draw(rt, "dustB"),
		)
		p.toLocalA = lnwire.MilliSatoshi(rapid.Int64Range(
			100_000_000, 900_000_000,
		).Draw(rt, "toLocalA"))
		p.toLocalB = lnwire.MilliSatoshi(rapid.Int64Range(
			100_000_000, 900_000_000,
		).Draw(rt, "toLocalB"))

		a, b := newTestChannelPair(rt, p)

		// Load the channel with a few pending HTLCs first.
		numPending := rapid.IntRange(0, 4).Draw(rt, "numPending")
		for i := 0; i < numPending; i++ {
			amt := lnwire.MilliSatoshi(rapid.Int64Range(
				1000, 5_000_000,
			).Draw(rt, "pendingAmt"))
			if a.AvailableBalanceForSend() < amt {
				break
			}
			preimage := [32]byte{byte(i + 1)}
			hash := sha256.Sum256(preimage[:])
			add, err := a.SendAdd(
				amt, hash, 500_000, testOnion(),
				nil,
			)
			require.NoError(rt, err)
			require.NoError(rt, b.ReceiveAdd(add))
		}

		// Send safety.
		if avail := a.AvailableBalanceForSend(); avail >= 1000 {
			hash := sha256.Sum256([]byte{0xaa})
			add, err := a.SendAdd(
				avail, hash, 500_000, testOnion(), nil,
			)
			require.NoError(rt, err, "send of available %v "+
				"failed", avail)
			require.NoError(rt, b.ReceiveAdd(add))
		}

		// Receive safety, from the other direction.
		if avail := b.AvailableBalanceForSend(); avail >= 1000 {
			require.Equal(
				rt, avail, a.AvailableBalanceForReceive(),
			)

			hash := sha256.Sum256([]byte{0xbb})
			add, err := b.SendAdd(
				avail, hash, 500_000, testOnion(), nil,
			)
			require.NoError(rt, err, "send of available %v "+
				"failed", avail)
			require.NoError(rt, a.ReceiveAdd(add))
		}
	})
}

// TestSymmetricRoundTrips is the balance agreement property: random batches
// of adds and settles applied symmetrically leave both ledgers in agreement
// after every complete round trip.
func TestSymmetricRoundTrips(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		p := defaultTestParams()
		a, b := newTestChannelPair(rt, p)

		type pendingHtlc struct {
			id       uint64
			preimage [32]byte
			fromA    bool
		}
		var live []pendingHtlc

		numRounds := rapid.IntRange(1, 5).Draw(rt, "rounds")
		for round := 0; round < numRounds; round++ {
			fromA := rapid.Bool().Draw(rt, "fromA")
			from, to := a, b
			if !fromA {
				from, to = b, a
			}

			didSomething := false

			// Maybe add.
			amt := lnwire.MilliSatoshi(rapid.Int64Range(
				1000, 20_000_000,
			).Draw(rt, "amt"))
			if from.AvailableBalanceForSend() >= amt {
				var preimage [32]byte
				preimage[0] = byte(round + 1)
				preimage[1] = boolAsByte(fromA)
				hash := sha256.Sum256(preimage[:])

				add, err := from.SendAdd(
					amt, hash, 500_000, testOnion(), nil,
				)
				require.NoError(rt, err)
				require.NoError(rt, to.ReceiveAdd(add))
				live = append(live, pendingHtlc{
					id:       add.ID,
					preimage: preimage,
					fromA:    fromA,
				})
				didSomething = true
			}

			// Maybe settle an older cross-signed HTLC.
			if len(live) > 1 &&
				rapid.Bool().Draw(rt, "settle") {

				victim := live[0]
				live = live[1:]

				settler, origin := a, b
				if victim.fromA {
					settler, origin = b, a
				}

				if rapid.Bool().Draw(rt, "fulfill") {
					fulfill, err := settler.SendFulfill(
						victim.id, victim.preimage,
					)
					if err == nil {
						_, err = origin.ReceiveFulfill(
							fulfill,
						)
						require.NoError(rt, err)
						didSomething = true
					}
				} else {
					fail, err := settler.SendFail(
						victim.id,
						lnwire.OpaqueReason{0xff},
					)
					if err == nil {
						require.NoError(
							rt,
							origin.ReceiveFail(fail),
						)
						didSomething = true
					}
				}
			}

			if !didSomething {
				continue
			}

			// The settle may have come from the other side, so
			// pick an initiator that actually has changes.
			initiator, responder := from, to
			if !initiator.LocalHasChanges() {
				initiator, responder = to, from
			}
			if !initiator.LocalHasChanges() {
				continue
			}
			crossSignRapid(rt, initiator, responder)

			// The agreement property.
			require.Equal(
				rt, a.LocalCommit.Spec.ToLocal,
				b.LocalCommit.Spec.ToRemote,
			)
			require.Equal(
				rt, a.LocalCommit.Spec.ToRemote,
				b.LocalCommit.Spec.ToLocal,
			)
			require.Equal(
				rt, len(a.LocalCommit.Spec.Htlcs),
				len(b.LocalCommit.Spec.Htlcs),
			)
		}
	})
}

// crossSignRapid is the crossSign helper usable inside rapid checks.
func crossSignRapid(rt *rapid.T, from, to *Commitments) {
	sig, err := from.SendCommit()
	require.NoError(rt, err)
	rev, err := to.ReceiveCommit(sig)
	require.NoError(rt, err)
	_, err = from.ReceiveRevocation(rev)
	require.NoError(rt, err)

	if to.LocalHasChanges() {
		sig2, err := to.SendCommit()
		require.NoError(rt, err)
		rev2, err := from.ReceiveCommit(sig2)
		require.NoError(rt, err)
		_, err = to.ReceiveRevocation(rev2)
		require.NoError(rt, err)
	}
}

func boolAsByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// TestRevocationLogGrowth asserts the revoked state specs are retained for
// the penalty path, keyed by commitment index.
func TestRevocationLogGrowth(t *testing.T) {
	t.Parallel()

	a, b := newTestChannelPair(t, defaultTestParams())

	for i := 0; i < 3; i++ {
		preimage := [32]byte{byte(0x30 + i)}
		add := addHtlcPair(
			t, a, b, 10_000_000, preimage, 500_000+uint32(i),
		)
		crossSign(t, a, b)

		fulfill, err := b.SendFulfill(add.ID, preimage)
		require.NoError(t, err)
		_, err = a.ReceiveFulfill(fulfill)
		require.NoError(t, err)
		crossSign(t, b, a)
	}

	// Every revoked remote state left a log entry behind, and a secret
	// in the store.
	require.NotEmpty(t, a.RevocationLog)
	for index := range a.RevocationLog {
		require.Less(t, index, a.RemoteCommit.Index)
		_, err := a.RemoteSecrets.LookUp(index)
		require.NoError(t, err)
	}
}
