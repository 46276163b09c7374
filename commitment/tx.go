package commitment

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
)

// HtlcEntry pairs an HTLC from a spec with its location in a produced
// commitment transaction.
type HtlcEntry struct {
	// Desc is the HTLC as it appears in the commitment spec.
	Desc HtlcDesc

	// OutputIndex is the index of the HTLC's output within the sorted
	// commitment transaction, or -1 if the HTLC was trimmed.
	OutputIndex int32

	// Script holds the witness and pk scripts of the output. Nil for
	// trimmed HTLCs.
	Script *ScriptInfo
}

// Trimmed returns true when the HTLC did not materialize as an output.
func (h *HtlcEntry) Trimmed() bool {
	return h.OutputIndex < 0
}

// CommitmentTx is the result of building a commitment transaction from a
// spec: the sorted transaction itself, the fee it pays, the final main output
// amounts, and the location of each HTLC.
type CommitmentTx struct {
	// Tx is the fully sorted commitment transaction with the obscured
	// state hint applied.
	Tx *wire.MsgTx

	// Fee is the fee paid to miners by this commitment transaction.
	Fee btcutil.Amount

	// ToLocalAmt is the owner's main output value after the fee and
	// anchor deductions. Zero when the output was trimmed.
	ToLocalAmt btcutil.Amount

	// ToRemoteAmt is the non-owner's main output value. Zero when the
	// output was trimmed.
	ToRemoteAmt btcutil.Amount

	// ToLocalScript and ToRemoteScript are the scripts of the two main
	// outputs. They are derived even when the matching output is trimmed,
	// as the closing engine still needs them to recognize spends.
	ToLocalScript  *ScriptInfo
	ToRemoteScript *ScriptInfo

	// LocalAnchorScript and RemoteAnchorScript are set for anchor
	// channels.
	LocalAnchorScript  *ScriptInfo
	RemoteAnchorScript *ScriptInfo

	// Htlcs mirrors the spec's HTLC set, annotated with output indexes
	// and scripts. Trimmed HTLCs carry OutputIndex -1.
	Htlcs []HtlcEntry
}

// CreateCommitmentTx builds the commitment transaction for the given spec,
// from the point of view of the commitment owner. The ourCfg parameter is the
// owner's channel configuration and theirCfg the remote party's; the
// ownerIsInitiator flag states whether the owner funded the channel and thus
// pays the commitment fee and, for anchor channels, the two anchor amounts.
//
// The function is pure: for identical inputs it produces a byte-identical
// transaction, which is what lets both parties sign the same serialization
// independently.
func CreateCommitmentTx(chanType channeldb.ChannelType,
	ourCfg, theirCfg *channeldb.ChannelConfig, ownerIsInitiator bool,
	fundingTxIn wire.TxIn, keyRing *KeyRing, spec *Spec,
	commitHeight uint64,
	obfuscator [StateHintSize]byte) (*CommitmentTx, error) {

	dustLimit := ourCfg.DustLimit

	// First, we'll compute the commitment fee over the untrimmed HTLC
	// set, and subtract it (plus any anchor allocation) from the
	// initiator's balance.
	commitFee := CommitFee(chanType, spec, dustLimit)
	anchorsCost := AnchorsCost(chanType)
	feeAndAnchors := lnwire.NewMSatFromSatoshis(commitFee + anchorsCost)

	ourBalance := spec.ToLocal
	theirBalance := spec.ToRemote
	if ownerIsInitiator {
		if ourBalance < feeAndAnchors {
			return nil, ErrCannotAffordFee
		}
		ourBalance -= feeAndAnchors
	} else {
		if theirBalance < feeAndAnchors {
			return nil, ErrCannotAffordFee
		}
		theirBalance -= feeAndAnchors
	}

	// Derive the scripts of both main outputs up front, as they're
	// needed by callers even when the outputs themselves get trimmed.
	toLocalScript, err := CommitScriptToSelf(
		uint32(ourCfg.CsvDelay), keyRing.ToLocalKey,
		keyRing.RevocationKey,
	)
	if err != nil {
		return nil, err
	}

	toRemoteScript, err := CommitScriptToRemote(
		chanType, keyRing.ToRemoteKey,
	)
	if err != nil {
		return nil, err
	}

	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxIn(&fundingTxIn)

	// The parallel cltvs slice carries the sort tie-breaker for each
	// output; non-HTLC outputs use zero.
	var cltvs []uint32

	// Add an output for each non-dust HTLC.
	htlcEntries := make([]HtlcEntry, len(spec.Htlcs))
	for i, htlc := range spec.Htlcs {
		htlcEntries[i] = HtlcEntry{
			Desc:        htlc,
			OutputIndex: -1,
		}

		if HtlcIsDust(
			chanType, htlc.Incoming, true, spec.FeePerKw,
			htlc.Amount.ToSatoshis(), dustLimit,
		) {
			continue
		}

		script, err := HtlcScript(
			chanType, htlc.Incoming, keyRing, htlc.PaymentHash,
			htlc.Expiry,
		)
		if err != nil {
			return nil, err
		}

		htlcEntries[i].Script = script
		commitTx.AddTxOut(&wire.TxOut{
			PkScript: script.PkScript,
			Value:    int64(htlc.Amount.ToSatoshis()),
		})
		cltvs = append(cltvs, htlc.Expiry)
	}
	numHtlcOutputs := len(commitTx.TxOut)

	// Next the two main outputs, each subject to the owner's dust limit.
	ourBalanceSat := ourBalance.ToSatoshis()
	theirBalanceSat := theirBalance.ToSatoshis()

	localOutput := ourBalanceSat >= dustLimit
	if localOutput {
		commitTx.AddTxOut(&wire.TxOut{
			PkScript: toLocalScript.PkScript,
			Value:    int64(ourBalanceSat),
		})
		cltvs = append(cltvs, 0)
	}

	remoteOutput := theirBalanceSat >= dustLimit
	if remoteOutput {
		commitTx.AddTxOut(&wire.TxOut{
			PkScript: toRemoteScript.PkScript,
			Value:    int64(theirBalanceSat),
		})
		cltvs = append(cltvs, 0)
	}

	// For anchor channels, an anchor is added for a party iff that party
	// has a main output, or there is any untrimmed HTLC (in which case
	// both parties have something to fee-bump).
	result := &CommitmentTx{
		Fee:            commitFee,
		ToLocalScript:  toLocalScript,
		ToRemoteScript: toRemoteScript,
		Htlcs:          htlcEntries,
	}
	if localOutput {
		result.ToLocalAmt = ourBalanceSat
	}
	if remoteOutput {
		result.ToRemoteAmt = theirBalanceSat
	}

	if chanType.HasAnchors() {
		localAnchor, remoteAnchor, err := CommitScriptAnchors(
			ourCfg, theirCfg,
		)
		if err != nil {
			return nil, err
		}

		result.LocalAnchorScript = localAnchor
		result.RemoteAnchorScript = remoteAnchor

		if localOutput || numHtlcOutputs > 0 {
			commitTx.AddTxOut(&wire.TxOut{
				PkScript: localAnchor.PkScript,
				Value:    int64(input.AnchorSize),
			})
			cltvs = append(cltvs, 0)
		}

		if remoteOutput || numHtlcOutputs > 0 {
			commitTx.AddTxOut(&wire.TxOut{
				PkScript: remoteAnchor.PkScript,
				Value:    int64(input.AnchorSize),
			})
			cltvs = append(cltvs, 0)
		}
	}

	// Set the state hint of the commitment transaction to facilitate
	// quickly recovering the necessary penalty state in the case of an
	// uncooperative broadcast.
	err = SetStateNumHint(commitTx, commitHeight, obfuscator)
	if err != nil {
		return nil, err
	}

	// Sort the transaction according to the agreed upon canonical
	// ordering. By sorting we'll ensure that both parties arrive at an
	// identical serialization.
	InPlaceCommitSort(commitTx, cltvs)

	// With the outputs in their final order, locate each untrimmed HTLC.
	// Two offered HTLCs with the same amount and payment hash share a
	// pkScript, so the one with the lower expiry claims the earlier
	// output, matching the sort's CLTV tie break.
	assignHtlcOutputIndexes(commitTx, htlcEntries)
	result.Tx = commitTx

	return result, nil
}

// assignHtlcOutputIndexes walks the sorted outputs and matches each one
// against the unassigned HTLC entries by value and pkScript, preferring the
// lowest expiry among candidates.
func assignHtlcOutputIndexes(tx *wire.MsgTx, entries []HtlcEntry) {
	assigned := make([]bool, len(entries))
	for outputIndex, txOut := range tx.TxOut {
		best := -1
		for i := range entries {
			if assigned[i] || entries[i].Script == nil {
				continue
			}

			if txOut.Value != int64(entries[i].Desc.Amount.ToSatoshis()) {
				continue
			}
			if !bytes.Equal(txOut.PkScript, entries[i].Script.PkScript) {
				continue
			}

			if best == -1 ||
				entries[i].Desc.Expiry < entries[best].Desc.Expiry {

				best = i
			}
		}

		if best != -1 {
			entries[best].OutputIndex = int32(outputIndex)
			assigned[best] = true
		}
	}
}
