package commitment

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/input"
)

// ScriptInfo holds a redeem script and its corresponding output script.
type ScriptInfo struct {
	// PkScript is the output's PkScript.
	PkScript []byte

	// WitnessScript is the full script required to properly redeem the
	// output. This field should be set to the full script if a p2wsh
	// output is being signed. For p2wkh it should be set equal to the
	// PkScript.
	WitnessScript []byte
}

// CommitScriptToSelf constructs the public key script for the output on the
// commitment transaction paying to the "owner" of said commitment
// transaction: a CSV delayed spend for the owner, with an immediate
// revocation clause for the other party.
func CommitScriptToSelf(csvTimeout uint32, selfKey,
	revokeKey *btcec.PublicKey) (*ScriptInfo, error) {

	witnessScript, err := input.CommitScriptToSelf(
		csvTimeout, selfKey, revokeKey,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	return &ScriptInfo{
		PkScript:      pkScript,
		WitnessScript: witnessScript,
	}, nil
}

// CommitScriptToRemote creates the script that will pay to the non-owner of
// the commitment transaction, adding a delay to the script based on the
// channel type.
func CommitScriptToRemote(chanType channeldb.ChannelType,
	key *btcec.PublicKey) (*ScriptInfo, error) {

	// If this channel type has anchors, we derive the delayed to_remote,
	// which is locked for one confirmation to preserve the CPFP
	// carve-out.
	if chanType.HasAnchors() {
		witnessScript, err := input.CommitScriptToRemoteConfirmed(key)
		if err != nil {
			return nil, err
		}

		pkScript, err := input.WitnessScriptHash(witnessScript)
		if err != nil {
			return nil, err
		}

		return &ScriptInfo{
			PkScript:      pkScript,
			WitnessScript: witnessScript,
		}, nil
	}

	// Otherwise the to_remote will be a simple p2wkh.
	pkScript, err := input.CommitScriptUnencumbered(key)
	if err != nil {
		return nil, err
	}

	// Since this is a regular P2WKH, the WitnessScript is equal to the
	// PkScript.
	return &ScriptInfo{
		PkScript:      pkScript,
		WitnessScript: pkScript,
	}, nil
}

// CommitScriptAnchors returns the pair of anchor scripts for the given
// channel configs: local anchor first, remote anchor second. The anchors are keyed by
// each party's funding key, as those are the only keys guaranteed to be known
// for all published commitments, including revoked ones.
func CommitScriptAnchors(localChanCfg,
	remoteChanCfg *channeldb.ChannelConfig) (*ScriptInfo, *ScriptInfo,
	error) {

	// Helper to create anchor ScriptInfo with a key.
	anchorScript := func(key *btcec.PublicKey) (*ScriptInfo, error) {
		script, err := input.CommitScriptAnchor(key)
		if err != nil {
			return nil, err
		}

		scriptHash, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, err
		}

		return &ScriptInfo{
			PkScript:      scriptHash,
			WitnessScript: script,
		}, nil
	}

	// Get the script used for the anchor output spendable by the local
	// node.
	localAnchor, err := anchorScript(localChanCfg.MultiSigKey)
	if err != nil {
		return nil, nil, err
	}

	// And the anchor spendable by the remote node.
	remoteAnchor, err := anchorScript(remoteChanCfg.MultiSigKey)
	if err != nil {
		return nil, nil, err
	}

	return localAnchor, remoteAnchor, nil
}

// HtlcScript returns the witness and pk scripts for the given HTLC output on
// a commitment. The incoming flag is from the PoV of the commitment owner.
func HtlcScript(chanType channeldb.ChannelType, incoming bool,
	keyRing *KeyRing, paymentHash [32]byte,
	expiry uint32) (*ScriptInfo, error) {

	confirmedHtlcSpends := chanType.HasAnchors()

	var (
		witnessScript []byte
		err           error
	)
	if incoming {
		witnessScript, err = input.ReceiverHTLCScript(
			expiry, keyRing.RemoteHtlcKey, keyRing.LocalHtlcKey,
			keyRing.RevocationKey, paymentHash[:],
			confirmedHtlcSpends,
		)
	} else {
		witnessScript, err = input.SenderHTLCScript(
			keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
			keyRing.RevocationKey, paymentHash[:],
			confirmedHtlcSpends,
		)
	}
	if err != nil {
		return nil, err
	}

	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	return &ScriptInfo{
		PkScript:      pkScript,
		WitnessScript: witnessScript,
	}, nil
}

// SecondLevelScript returns the output script of the second-level HTLC
// transactions: a CSV delayed spend to the commitment owner's delay key, with
// a revocation escape hatch.
func SecondLevelScript(revocationKey, delayKey *btcec.PublicKey,
	csvDelay uint32) (*ScriptInfo, error) {

	witnessScript, err := input.SecondLevelHtlcScript(
		revocationKey, delayKey, csvDelay,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	return &ScriptInfo{
		PkScript:      pkScript,
		WitnessScript: witnessScript,
	}, nil
}
