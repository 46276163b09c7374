package commitment

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/input"
)

// KeyRing holds all derived keys needed to construct commitment and HTLC
// transactions anchored at a given commitment state. The keys are derived
// from the commitment point and the base points of both channel parties, and
// are expressed from the point of view of the commitment owner: "local" is
// the owner of the commitment transaction the ring belongs to.
type KeyRing struct {
	// CommitPoint is the "per commitment point" used to derive the tweak
	// for each base point.
	CommitPoint *btcec.PublicKey

	// ToLocalKeyTweak is the tweak used to derive the owner's delayed
	// payment key from its delay base point. This may be included in a
	// SignDescriptor when sweeping the to_local output or a second-level
	// output after the CSV delay.
	ToLocalKeyTweak []byte

	// LocalHtlcKeyTweak is the tweak used to derive the owner's HTLC key
	// from its HTLC base point. This value is needed in order to sign the
	// HTLC clauses in the commitment transaction.
	LocalHtlcKeyTweak []byte

	// RemoteHtlcKeyTweak is the tweak for the non-owner's HTLC key. The
	// non-owner includes it in a SignDescriptor when producing second
	// level signatures for the owner's commitment.
	RemoteHtlcKeyTweak []byte

	// LocalHtlcKey is the key used in any HTLC script clause paying to
	// the commitment owner.
	LocalHtlcKey *btcec.PublicKey

	// RemoteHtlcKey is the key used in HTLC script clauses that pay the
	// non-owner.
	RemoteHtlcKey *btcec.PublicKey

	// ToLocalKey is the commitment owner's delayed key, used for the
	// to_local output and the second-level HTLC outputs.
	ToLocalKey *btcec.PublicKey

	// ToRemoteKey is the non-owner's payment key used for the to_remote
	// output. For static remote key channels this is the raw payment base
	// point.
	ToRemoteKey *btcec.PublicKey

	// RevocationKey is the key that can be used by the non-owner to sweep
	// every output of this commitment should it be published after having
	// been revoked.
	RevocationKey *btcec.PublicKey
}

// DeriveCommitmentKeys generates the commitment key ring for a commitment
// owned by the party whose configuration is passed as ownerCfg. To derive the
// ring for our own commitment pass our config as the owner; for the remote
// party's commitment pass theirs.
func DeriveCommitmentKeys(commitPoint *btcec.PublicKey,
	chanType channeldb.ChannelType, ownerCfg,
	otherCfg *channeldb.ChannelConfig) *KeyRing {

	keyRing := &KeyRing{
		CommitPoint: commitPoint,

		ToLocalKeyTweak: input.SingleTweakBytes(
			commitPoint, ownerCfg.DelayBasePoint,
		),
		LocalHtlcKeyTweak: input.SingleTweakBytes(
			commitPoint, ownerCfg.HtlcBasePoint,
		),
		RemoteHtlcKeyTweak: input.SingleTweakBytes(
			commitPoint, otherCfg.HtlcBasePoint,
		),
		LocalHtlcKey: input.TweakPubKey(
			ownerCfg.HtlcBasePoint, commitPoint,
		),
		RemoteHtlcKey: input.TweakPubKey(
			otherCfg.HtlcBasePoint, commitPoint,
		),
		ToLocalKey: input.TweakPubKey(
			ownerCfg.DelayBasePoint, commitPoint,
		),
	}

	// The revocation key is derived from the non-owner's revocation base
	// point: only the non-owner, once handed the matching per-commitment
	// secret, can reconstruct its private half.
	keyRing.RevocationKey = input.DeriveRevocationPubkey(
		otherCfg.RevocationBasePoint, commitPoint,
	)

	// If this channel type omits the tweak for the remote key, the
	// to_remote output pays to the non-owner's raw payment base point,
	// which makes the output recoverable from seed without any channel
	// state.
	if chanType.IsTweakless() {
		keyRing.ToRemoteKey = otherCfg.PaymentBasePoint
	} else {
		keyRing.ToRemoteKey = input.TweakPubKey(
			otherCfg.PaymentBasePoint, commitPoint,
		)
	}

	return keyRing
}
