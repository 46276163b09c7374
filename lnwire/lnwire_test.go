package lnwire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testPubKey(t *testing.T, seed byte) *btcec.PublicKey {
	t.Helper()

	var keyBytes [32]byte
	for i := range keyBytes {
		keyBytes[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes[:])
	return priv.PubKey()
}

// roundTrip encodes a message, decodes it through the generic dispatch, and
// asserts the re-encoding is byte identical.
func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()

	var buf bytes.Buffer
	_, err := WriteMessage(&buf, msg, 0)
	require.NoError(t, err)
	encoded := buf.Bytes()

	decoded, err := ReadMessage(bytes.NewReader(encoded), 0)
	require.NoError(t, err)
	require.Equal(t, msg.MsgType(), decoded.MsgType())

	var buf2 bytes.Buffer
	_, err = WriteMessage(&buf2, decoded, 0)
	require.NoError(t, err)
	require.Equal(t, encoded, buf2.Bytes())

	return decoded
}

// TestMessageRoundTrips covers the messages with non-trivial encodings.
func TestMessageRoundTrips(t *testing.T) {
	t.Parallel()

	chanID := ChannelID{0x01, 0x02}

	var onion [OnionPacketSize]byte
	onion[0] = 0xaa
	onion[OnionPacketSize-1] = 0xbb

	var sig Sig
	sig[0] = 0x30

	t.Run("update_add_htlc", func(t *testing.T) {
		msg := &UpdateAddHTLC{
			ChanID:      chanID,
			ID:          7,
			Amount:      42_000_000,
			PaymentHash: [32]byte{0x11},
			Expiry:      500_000,
			OnionBlob:   onion,
		}
		decoded := roundTrip(t, msg).(*UpdateAddHTLC)
		require.Equal(t, msg, decoded)
	})

	t.Run("commit_sig", func(t *testing.T) {
		msg := &CommitSig{
			ChanID:    chanID,
			CommitSig: sig,
			HtlcSigs:  []Sig{sig, sig},
		}
		decoded := roundTrip(t, msg).(*CommitSig)
		require.Len(t, decoded.HtlcSigs, 2)
	})

	t.Run("commit_sig_no_htlcs", func(t *testing.T) {
		msg := &CommitSig{ChanID: chanID, CommitSig: sig}
		decoded := roundTrip(t, msg).(*CommitSig)
		require.Empty(t, decoded.HtlcSigs)
	})

	t.Run("revoke_and_ack", func(t *testing.T) {
		msg := &RevokeAndAck{
			ChanID:            chanID,
			Revocation:        [32]byte{0x22},
			NextRevocationKey: testPubKey(t, 5),
		}
		decoded := roundTrip(t, msg).(*RevokeAndAck)
		require.True(
			t,
			msg.NextRevocationKey.IsEqual(decoded.NextRevocationKey),
		)
	})

	t.Run("channel_reestablish", func(t *testing.T) {
		msg := &ChannelReestablish{
			ChanID:                 chanID,
			NextLocalCommitHeight:  42,
			RemoteCommitTailHeight: 41,
			LastRemoteCommitSecret: [32]byte{0x33},
			LocalUnrevokedCommitPoint: testPubKey(
				t, 6,
			),
		}
		decoded := roundTrip(t, msg).(*ChannelReestablish)
		require.Equal(
			t, msg.NextLocalCommitHeight,
			decoded.NextLocalCommitHeight,
		)
	})

	t.Run("funding_created", func(t *testing.T) {
		msg := &FundingCreated{
			PendingChannelID: [32]byte{0x44},
			FundingPoint: wire.OutPoint{
				Hash:  chainhash.Hash{0x55},
				Index: 3,
			},
			CommitSig: sig,
		}
		decoded := roundTrip(t, msg).(*FundingCreated)
		require.Equal(t, msg.FundingPoint, decoded.FundingPoint)
	})

	t.Run("open_channel_tlv", func(t *testing.T) {
		chanType := ChannelType(*NewRawFeatureVector(
			StaticRemoteKeyRequired, AnchorsRequired,
		))
		msg := &OpenChannel{
			ChainHash:             chainhash.Hash{0x66},
			PendingChannelID:      [32]byte{0x77},
			FundingAmount:         1_000_000,
			PushAmount:            5_000,
			DustLimit:             573,
			MaxValueInFlight:      100_000_000,
			ChannelReserve:        10_000,
			HtlcMinimum:           1_000,
			FeePerKiloWeight:      12_500,
			CsvDelay:              144,
			MaxAcceptedHTLCs:      483,
			FundingKey:            testPubKey(t, 1),
			RevocationPoint:       testPubKey(t, 2),
			PaymentPoint:          testPubKey(t, 3),
			DelayedPaymentPoint:   testPubKey(t, 4),
			HtlcPoint:             testPubKey(t, 5),
			FirstCommitmentPoint:  testPubKey(t, 6),
			ChannelFlags:          FFAnnounceChannel,
			UpfrontShutdownScript: bytes.Repeat([]byte{0x01}, 22),
			ChannelType:           &chanType,
		}

		decoded := roundTrip(t, msg).(*OpenChannel)
		require.Equal(
			t, msg.UpfrontShutdownScript,
			decoded.UpfrontShutdownScript,
		)
		require.NotNil(t, decoded.ChannelType)
		fv := RawFeatureVector(*decoded.ChannelType)
		require.True(t, fv.IsSet(AnchorsRequired))
	})

	t.Run("shutdown", func(t *testing.T) {
		msg := &Shutdown{
			ChannelID: chanID,
			Address:   bytes.Repeat([]byte{0x02}, 22),
		}
		decoded := roundTrip(t, msg).(*Shutdown)
		require.Equal(t, msg.Address, decoded.Address)
	})

	t.Run("closing_signed", func(t *testing.T) {
		msg := &ClosingSigned{
			ChannelID:   chanID,
			FeeSatoshis: 672,
			Signature:   sig,
		}
		decoded := roundTrip(t, msg).(*ClosingSigned)
		require.Equal(t, msg.FeeSatoshis, decoded.FeeSatoshis)
	})

	t.Run("update_fail_malformed", func(t *testing.T) {
		msg := &UpdateFailMalformedHTLC{
			ChanID:       chanID,
			ID:           9,
			ShaOnionBlob: [32]byte{0x88},
			FailureCode:  CodeInvalidOnionHmac,
		}
		decoded := roundTrip(t, msg).(*UpdateFailMalformedHTLC)
		require.Equal(t, msg.FailureCode, decoded.FailureCode)
	})
}

// TestChannelIDDerivation pins the txid XOR output-index mapping.
func TestChannelIDDerivation(t *testing.T) {
	t.Parallel()

	op := wire.OutPoint{Hash: chainhash.Hash{0xab, 0xcd}, Index: 5}
	cid := NewChanIDFromOutPoint(op)

	// Everything but the low two bytes equals the txid.
	require.Equal(t, op.Hash[:30], cid[:30])
	require.Equal(t, op.Hash[31]^0x05, cid[31])

	require.True(t, cid.IsChanPoint(&op))

	other := op
	other.Index = 6
	require.False(t, cid.IsChanPoint(&other))
}

// TestShortChannelID pins the 8-byte packing.
func TestShortChannelID(t *testing.T) {
	t.Parallel()

	scid := ShortChannelID{
		BlockHeight: 700_000,
		TxIndex:     1234,
		TxPosition:  5,
	}
	require.Equal(t, scid, NewShortChanIDFromInt(scid.ToUint64()))
}

// TestSigConversion converts a DER signature to the fixed wire form and
// back, preserving validity.
func TestSigConversion(t *testing.T) {
	t.Parallel()

	var keyBytes [32]byte
	keyBytes[0] = 9
	priv, _ := btcec.PrivKeyFromBytes(keyBytes[:])

	digest := bytes.Repeat([]byte{0x0f}, 32)
	signature := ecdsa.Sign(priv, digest)

	wireSig, err := NewSigFromSignature(signature)
	require.NoError(t, err)

	recovered, err := wireSig.ToSignature()
	require.NoError(t, err)
	require.True(t, recovered.Verify(digest, priv.PubKey()))
}

// TestFailureMessageRoundTrip covers the onion failure codec.
func TestFailureMessageRoundTrip(t *testing.T) {
	t.Parallel()

	failures := []FailureMessage{
		&FailTemporaryChannelFailure{},
		&FailPermanentChannelFailure{},
		NewFailIncorrectDetails(42_000_000, 500_000),
		&FailAmountBelowMinimum{HtlcMsat: 999},
		&FailFeeInsufficient{HtlcMsat: 1_000_000},
		&FailExpiryTooSoon{},
	}

	for _, failure := range failures {
		encoded, err := EncodeFailureMessage(failure)
		require.NoError(t, err)

		decoded, err := DecodeFailureMessage(bytes.NewReader(encoded))
		require.NoError(t, err)
		require.Equal(t, failure.Code(), decoded.Code())
	}
}

// TestFeatureVectorPairs exercises the odd/even pair semantics.
func TestFeatureVectorPairs(t *testing.T) {
	t.Parallel()

	fv := NewFeatureVector(NewRawFeatureVector(StaticRemoteKeyOptional))

	require.True(t, fv.HasFeature(StaticRemoteKeyOptional))
	require.True(t, fv.HasFeature(StaticRemoteKeyRequired))
	require.False(t, fv.RequiresFeature(StaticRemoteKeyOptional))
	require.False(t, fv.HasFeature(AnchorsOptional))

	raw := NewRawFeatureVector()
	require.NoError(t, raw.SafeSet(WumboChannelsOptional))
	require.ErrorIs(
		t, raw.SafeSet(WumboChannelsRequired), ErrFeaturePairExists,
	)

	// Encoding round trip.
	var buf bytes.Buffer
	require.NoError(t, raw.Encode(&buf))

	decoded := NewRawFeatureVector()
	require.NoError(t, decoded.Decode(&buf))
	require.True(t, decoded.IsSet(WumboChannelsOptional))
}
