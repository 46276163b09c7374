package contractcourt

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/chainntnfs"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/input"
)

// Conservative weight estimates for the single-input single-output sweep
// transactions the engine emits. Overestimating slightly only raises the fee.
const (
	toLocalSweepWeight  int64 = 500
	toRemoteSweepWeight int64 = 440
	htlcSweepWeight     int64 = 580
	penaltySweepWeight  int64 = 600
)

// PublishReq is a transaction the engine wants broadcast.
type PublishReq struct {
	// Desc names the claim for logs.
	Desc string

	// Tx is the transaction to broadcast.
	Tx *wire.MsgTx

	// Strategy selects plain broadcast or anchor CPFP.
	Strategy chainntnfs.PublishStrategy
}

// SpendWatch asks for notification when an outpoint is spent by a third
// party.
type SpendWatch struct {
	OutPoint wire.OutPoint
	PkScript []byte
}

// ConfirmWatch asks for notification when a transaction reaches a depth.
type ConfirmWatch struct {
	TxID     chainhash.Hash
	PkScript []byte
	MinDepth uint32
}

// ResolutionSet is the full reaction to one chain event: transactions to
// publish and watches to arm. Sets are merged as a closing progresses.
type ResolutionSet struct {
	Publish        []PublishReq
	WatchSpent     []SpendWatch
	WatchConfirmed []ConfirmWatch
}

// merge appends the other set into the receiver.
func (r *ResolutionSet) merge(other *ResolutionSet) {
	if other == nil {
		return
	}
	r.Publish = append(r.Publish, other.Publish...)
	r.WatchSpent = append(r.WatchSpent, other.WatchSpent...)
	r.WatchConfirmed = append(r.WatchConfirmed, other.WatchConfirmed...)
}

// sweepTo builds the skeleton of a one-input one-output sweep paying the
// engine's delivery script, deducting a fee for the given weight. Returns
// nil when the output would not pay for itself.
func (e *ClosingEngine) sweepTo(op wire.OutPoint, amt btcutil.Amount,
	weight int64, sequence, locktime uint32) *wire.MsgTx {

	feeRate := e.sweepFeeRate()
	fee := feeRate.FeeForWeight(weight)
	if amt <= fee+btcutil.Amount(546) {
		return nil
	}

	sweep := wire.NewMsgTx(2)
	sweep.LockTime = locktime
	sweep.AddTxIn(&wire.TxIn{
		PreviousOutPoint: op,
		Sequence:         sequence,
	})
	sweep.AddTxOut(&wire.TxOut{
		Value:    int64(amt - fee),
		PkScript: e.cfg.SweepScript,
	})

	return sweep
}

// sortedEntries returns the untrimmed HTLC entries of a rebuilt commitment
// in output order, matching the stored signature order.
func sortedEntries(built *commitment.CommitmentTx) []commitment.HtlcEntry {
	entries := make([]commitment.HtlcEntry, 0, len(built.Htlcs))
	for _, entry := range built.Htlcs {
		if entry.Trimmed() {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].OutputIndex < entries[j].OutputIndex
	})
	return entries
}

// resolveLocalCommit emits the claims for our own published commitment: the
// delayed main sweep, one second-level transaction per claimable HTLC, and
// the anchor CPFP hook.
func (e *ClosingEngine) resolveLocalCommit() (*ResolutionSet, error) {
	c := e.cfg.Commitments
	set := &ResolutionSet{}

	commitPoint, err := c.LocalCommitPoint(c.LocalCommit.Index)
	if err != nil {
		return nil, err
	}
	keyRing := c.LocalKeyRing(commitPoint)

	// Rebuild the commitment to recover output indexes and witness
	// scripts; the construction is deterministic.
	built, err := commitment.CreateCommitmentTx(
		c.Params.ChanType, &c.Params.LocalCfg, &c.Params.RemoteCfg,
		c.Params.LocalIsFunder, c.Params.FundingTxIn(), keyRing,
		c.LocalCommit.Spec, c.LocalCommit.Index, c.Params.Obfuscator,
	)
	if err != nil {
		return nil, err
	}
	commitTxid := built.Tx.TxHash()

	// Main output: spend after our CSV delay.
	csvDelay := uint32(c.Params.LocalCfg.CsvDelay)
	if idx, ok := findOutput(
		built.Tx, built.ToLocalScript.PkScript,
	); ok {
		op := wire.OutPoint{Hash: commitTxid, Index: idx}
		sweep := e.sweepTo(
			op, btcutil.Amount(built.Tx.TxOut[idx].Value),
			toLocalSweepWeight, csvDelay, 0,
		)
		if sweep != nil {
			signDesc := &input.SignDescriptor{
				PubKey:        c.Params.LocalCfg.DelayBasePoint,
				SingleTweak:   keyRing.ToLocalKeyTweak,
				WitnessScript: built.ToLocalScript.WitnessScript,
				Output:        built.Tx.TxOut[idx],
				HashType:      txscript.SigHashAll,
				InputIndex:    0,
			}
			witness, err := input.CommitSpendTimeout(
				e.cfg.Signer, signDesc, sweep,
			)
			if err != nil {
				return nil, err
			}
			sweep.TxIn[0].Witness = witness

			e.addPublish(set, PublishReq{
				Desc:     "claim-main-delayed",
				Tx:       sweep,
				Strategy: chainntnfs.JustPublish,
			})
		}
	}

	// HTLC outputs: timeout transactions for offered HTLCs, success
	// transactions for received ones whose preimage we know. The
	// counterparty's half of each signature pair was stored with the
	// commitment.
	entries := sortedEntries(built)
	if len(entries) != len(c.LocalCommit.HtlcSigs) {
		return nil, fmt.Errorf("commitment rebuild mismatch: %d "+
			"entries, %d sigs", len(entries),
			len(c.LocalCommit.HtlcSigs))
	}

	sigHashType := commitment.HtlcSigHashType(c.Params.ChanType)

	for i, entry := range entries {
		op := wire.OutPoint{
			Hash:  commitTxid,
			Index: uint32(entry.OutputIndex),
		}
		amt := entry.Desc.Amount.ToSatoshis()

		remoteSig, err := c.LocalCommit.HtlcSigs[i].ToSignature()
		if err != nil {
			return nil, err
		}

		signDesc := &input.SignDescriptor{
			PubKey:        c.Params.LocalCfg.HtlcBasePoint,
			SingleTweak:   keyRing.LocalHtlcKeyTweak,
			WitnessScript: entry.Script.WitnessScript,
			Output: &wire.TxOut{
				Value:    int64(amt),
				PkScript: entry.Script.PkScript,
			},
			HashType:   sigHashType,
			InputIndex: 0,
		}

		switch {
		// Offered HTLC: we can reclaim it via the timeout path once
		// its expiry passes; the transaction's locktime enforces the
		// wait.
		case !entry.Desc.Incoming:
			htlcTx, err := commitment.CreateHtlcTimeoutTx(
				c.Params.ChanType, op, amt,
				entry.Desc.Expiry, csvDelay,
				c.LocalCommit.Spec.FeePerKw,
				keyRing.RevocationKey, keyRing.ToLocalKey,
			)
			if err != nil {
				continue
			}

			witness, err := input.SenderHtlcSpendTimeout(
				remoteSig, sigHashType, e.cfg.Signer,
				signDesc, htlcTx,
			)
			if err != nil {
				return nil, err
			}
			htlcTx.TxIn[0].Witness = witness

			e.trackSecondLevel(htlcTx, entry, keyRing, csvDelay)
			e.addPublish(set, PublishReq{
				Desc:     "htlc-timeout",
				Tx:       htlcTx,
				Strategy: chainntnfs.JustPublish,
			})

		// Received HTLC with a known preimage: claim through the
		// success transaction.
		case entry.Desc.Incoming:
			preimage, ok := e.cfg.Preimages(entry.Desc.PaymentHash)
			if !ok {
				// Without the preimage the output either
				// times out back to the peer or gets settled
				// later; watch it either way.
				break
			}

			htlcTx, err := commitment.CreateHtlcSuccessTx(
				c.Params.ChanType, op, amt, csvDelay,
				c.LocalCommit.Spec.FeePerKw,
				keyRing.RevocationKey, keyRing.ToLocalKey,
			)
			if err != nil {
				continue
			}

			witness, err := input.ReceiverHtlcSpendRedeem(
				remoteSig, sigHashType, preimage[:],
				e.cfg.Signer, signDesc, htlcTx,
			)
			if err != nil {
				return nil, err
			}
			htlcTx.TxIn[0].Witness = witness

			e.trackSecondLevel(htlcTx, entry, keyRing, csvDelay)
			e.addPublish(set, PublishReq{
				Desc:     "htlc-success",
				Tx:       htlcTx,
				Strategy: chainntnfs.JustPublish,
			})
		}

		// Watch every HTLC output: the peer may race us with its own
		// claim, which settles the HTLC for the purposes of upstream
		// propagation.
		e.trackHtlcOutput(op, entry)
		set.WatchSpent = append(set.WatchSpent, SpendWatch{
			OutPoint: op,
			PkScript: entry.Script.PkScript,
		})
	}

	return set, nil
}

// resolveRemoteCommit emits the claims for a published remote commitment,
// current or next. The spec is the published commitment's spec, from the
// REMOTE party's point of view.
func (e *ClosingEngine) resolveRemoteCommit(class Classification,
	spec *commitment.Spec) (*ResolutionSet, error) {

	c := e.cfg.Commitments
	set := &ResolutionSet{}

	keyRing := c.RemoteKeyRing(class.CommitPoint)

	built, err := commitment.CreateCommitmentTx(
		c.Params.ChanType, &c.Params.RemoteCfg, &c.Params.LocalCfg,
		!c.Params.LocalIsFunder, c.Params.FundingTxIn(), keyRing,
		spec, class.CommitIndex, c.Params.Obfuscator,
	)
	if err != nil {
		return nil, err
	}
	commitTxid := built.Tx.TxHash()

	// Our main output on their commitment.
	if err := e.claimRemoteMain(
		set, built, keyRing, commitTxid,
	); err != nil {
		return nil, err
	}

	// HTLC outputs. On their commitment, HTLCs we offered appear as
	// incoming from their PoV: we reclaim those via the direct timeout
	// path at expiry. Their offered HTLCs we claim with the preimage.
	for _, entry := range sortedEntries(built) {
		op := wire.OutPoint{
			Hash:  commitTxid,
			Index: uint32(entry.OutputIndex),
		}
		amt := entry.Desc.Amount.ToSatoshis()

		// Flip to our PoV for tracking.
		ourEntry := entry
		ourEntry.Desc.Incoming = !entry.Desc.Incoming
		e.trackHtlcOutput(op, ourEntry)
		set.WatchSpent = append(set.WatchSpent, SpendWatch{
			OutPoint: op,
			PkScript: entry.Script.PkScript,
		})

		if entry.Desc.Incoming {
			// Our offered HTLC: claim-htlc-timeout at expiry.
			sweep := e.sweepTo(
				op, amt, htlcSweepWeight, 0,
				entry.Desc.Expiry,
			)
			if sweep == nil {
				continue
			}

			signDesc := &input.SignDescriptor{
				PubKey: c.Params.LocalCfg.HtlcBasePoint,
				SingleTweak: input.SingleTweakBytes(
					class.CommitPoint,
					c.Params.LocalCfg.HtlcBasePoint,
				),
				WitnessScript: entry.Script.WitnessScript,
				Output: &wire.TxOut{
					Value:    int64(amt),
					PkScript: entry.Script.PkScript,
				},
				HashType:   txscript.SigHashAll,
				InputIndex: 0,
			}
			witness, err := input.ReceiverHtlcSpendTimeout(
				e.cfg.Signer, signDesc, sweep,
				int32(entry.Desc.Expiry),
			)
			if err != nil {
				return nil, err
			}
			sweep.TxIn[0].Witness = witness

			e.addPublish(set, PublishReq{
				Desc:     "claim-htlc-timeout",
				Tx:       sweep,
				Strategy: chainntnfs.JustPublish,
			})

			continue
		}

		// Their offered HTLC: claim with the preimage if we have it.
		preimage, ok := e.cfg.Preimages(entry.Desc.PaymentHash)
		if !ok {
			continue
		}

		sweep := e.sweepTo(op, amt, htlcSweepWeight, 0, 0)
		if sweep == nil {
			continue
		}

		signDesc := &input.SignDescriptor{
			PubKey: c.Params.LocalCfg.HtlcBasePoint,
			SingleTweak: input.SingleTweakBytes(
				class.CommitPoint,
				c.Params.LocalCfg.HtlcBasePoint,
			),
			WitnessScript: entry.Script.WitnessScript,
			Output: &wire.TxOut{
				Value:    int64(amt),
				PkScript: entry.Script.PkScript,
			},
			HashType:   txscript.SigHashAll,
			InputIndex: 0,
		}
		witness, err := input.SenderHtlcSpendRedeem(
			e.cfg.Signer, signDesc, sweep, preimage[:],
		)
		if err != nil {
			return nil, err
		}
		sweep.TxIn[0].Witness = witness

		e.addPublish(set, PublishReq{
			Desc:     "claim-htlc-success",
			Tx:       sweep,
			Strategy: chainntnfs.JustPublish,
		})
	}

	return set, nil
}

// claimRemoteMain sweeps our main output on a remote commitment. For static
// remote key channels the output is wallet-native; claiming it here is an
// optimization we skip.
func (e *ClosingEngine) claimRemoteMain(set *ResolutionSet,
	built *commitment.CommitmentTx, keyRing *commitment.KeyRing,
	commitTxid chainhash.Hash) error {

	c := e.cfg.Commitments

	if c.Params.ChanType.IsTweakless() &&
		!c.Params.ChanType.HasAnchors() {

		return nil
	}

	idx, ok := findOutput(built.Tx, built.ToRemoteScript.PkScript)
	if !ok {
		return nil
	}

	op := wire.OutPoint{Hash: commitTxid, Index: idx}
	amt := btcutil.Amount(built.Tx.TxOut[idx].Value)

	// Anchor channels lock the to_remote spend for one block.
	var sequence uint32
	if c.Params.ChanType.HasAnchors() {
		sequence = 1
	}

	sweep := e.sweepTo(op, amt, toRemoteSweepWeight, sequence, 0)
	if sweep == nil {
		return nil
	}

	signDesc := &input.SignDescriptor{
		PubKey:        c.Params.LocalCfg.PaymentBasePoint,
		WitnessScript: built.ToRemoteScript.WitnessScript,
		Output:        built.Tx.TxOut[idx],
		HashType:      txscript.SigHashAll,
		InputIndex:    0,
	}

	var (
		witness wire.TxWitness
		err     error
	)
	switch {
	case c.Params.ChanType.HasAnchors():
		witness, err = input.CommitSpendToRemoteConfirmed(
			e.cfg.Signer, signDesc, sweep,
		)

	default:
		signDesc.SingleTweak = input.SingleTweakBytes(
			keyRing.CommitPoint, c.Params.LocalCfg.PaymentBasePoint,
		)
		witness, err = input.CommitSpendNoDelay(
			e.cfg.Signer, signDesc, sweep, false,
		)
	}
	if err != nil {
		return err
	}
	sweep.TxIn[0].Witness = witness

	e.addPublish(set, PublishReq{
		Desc:     "claim-remote-main",
		Tx:       sweep,
		Strategy: chainntnfs.JustPublish,
	})

	return nil
}

// resolveRevokedCommit punishes a breach: every output of the revoked
// commitment is swept with the revocation key.
func (e *ClosingEngine) resolveRevokedCommit(
	class Classification) (*ResolutionSet, error) {

	c := e.cfg.Commitments
	set := &ResolutionSet{}

	spec, ok := c.RevocationLog[class.CommitIndex]
	if !ok {
		return nil, fmt.Errorf("no revocation log entry for "+
			"commitment %d", class.CommitIndex)
	}

	keyRing := c.RemoteKeyRing(class.CommitPoint)

	built, err := commitment.CreateCommitmentTx(
		c.Params.ChanType, &c.Params.RemoteCfg, &c.Params.LocalCfg,
		!c.Params.LocalIsFunder, c.Params.FundingTxIn(), keyRing,
		spec, class.CommitIndex, c.Params.Obfuscator,
	)
	if err != nil {
		return nil, err
	}
	commitTxid := built.Tx.TxHash()

	log.Warnf("breach detected on %v at state %d, constructing penalty",
		c.Params.ChanID, class.CommitIndex)

	// Their delayed main output: main-penalty via the revocation key.
	if idx, ok := findOutput(
		built.Tx, built.ToLocalScript.PkScript,
	); ok {
		op := wire.OutPoint{Hash: commitTxid, Index: idx}
		sweep := e.sweepTo(
			op, btcutil.Amount(built.Tx.TxOut[idx].Value),
			penaltySweepWeight, 0, 0,
		)
		if sweep != nil {
			signDesc := &input.SignDescriptor{
				PubKey: c.Params.LocalCfg.RevocationBasePoint,
				DoubleTweak:   class.CommitSecret,
				WitnessScript: built.ToLocalScript.WitnessScript,
				Output:        built.Tx.TxOut[idx],
				HashType:      txscript.SigHashAll,
				InputIndex:    0,
			}
			witness, err := input.CommitSpendRevoke(
				e.cfg.Signer, signDesc, sweep,
			)
			if err != nil {
				return nil, err
			}
			sweep.TxIn[0].Witness = witness

			e.addPublish(set, PublishReq{
				Desc:     "main-penalty",
				Tx:       sweep,
				Strategy: chainntnfs.JustPublish,
			})
		}
	}

	// Our main output on their commitment: an ordinary claim.
	if err := e.claimRemoteMain(
		set, built, keyRing, commitTxid,
	); err != nil {
		return nil, err
	}

	// Every HTLC output gets a penalty claim, and a watch in case the
	// peer races us with a second-stage transaction.
	for _, entry := range sortedEntries(built) {
		op := wire.OutPoint{
			Hash:  commitTxid,
			Index: uint32(entry.OutputIndex),
		}
		amt := entry.Desc.Amount.ToSatoshis()

		// Track from our own point of view for upstream settlement.
		ourEntry := entry
		ourEntry.Desc.Incoming = !entry.Desc.Incoming
		e.trackRevokedHtlcOutput(op, ourEntry, keyRing)
		set.WatchSpent = append(set.WatchSpent, SpendWatch{
			OutPoint: op,
			PkScript: entry.Script.PkScript,
		})

		sweep := e.sweepTo(op, amt, penaltySweepWeight, 0, 0)
		if sweep == nil {
			continue
		}

		signDesc := &input.SignDescriptor{
			PubKey:        c.Params.LocalCfg.RevocationBasePoint,
			DoubleTweak:   class.CommitSecret,
			WitnessScript: entry.Script.WitnessScript,
			Output: &wire.TxOut{
				Value:    int64(amt),
				PkScript: entry.Script.PkScript,
			},
			HashType:   txscript.SigHashAll,
			InputIndex: 0,
		}

		revokeKey := keyRing.RevocationKey.SerializeCompressed()

		var (
			witness wire.TxWitness
			err     error
		)
		if entry.Desc.Incoming {
			// Offered by us, from their PoV it's incoming: the
			// receiver HTLC script's revocation clause.
			witness, err = input.ReceiverHtlcSpendRevokeWithKey(
				e.cfg.Signer, signDesc, revokeKey, sweep,
			)
		} else {
			witness, err = input.SenderHtlcSpendRevokeWithKey(
				e.cfg.Signer, signDesc, revokeKey, sweep,
			)
		}
		if err != nil {
			return nil, err
		}
		sweep.TxIn[0].Witness = witness

		e.addPublish(set, PublishReq{
			Desc:     "htlc-penalty",
			Tx:       sweep,
			Strategy: chainntnfs.JustPublish,
		})
	}

	return set, nil
}

// resolveUnknownCommit claims what little is possible from a commitment we
// have no state for: the main output, when its key can be derived from the
// commit point the peer disclosed during the failed reestablish.
func (e *ClosingEngine) resolveUnknownCommit(
	spendingTx *wire.MsgTx) (*ResolutionSet, error) {

	c := e.cfg.Commitments
	set := &ResolutionSet{}

	// With static remote key, the output pays to our wallet directly.
	if c.Params.ChanType.IsTweakless() &&
		!c.Params.ChanType.HasAnchors() {

		return set, nil
	}

	commitPoint := c.FutureCommitPoint
	if commitPoint == nil {
		log.Warnf("future commitment published on %v but no commit "+
			"point known, nothing to claim", c.Params.ChanID)
		return set, nil
	}

	keyRing := c.RemoteKeyRing(commitPoint)
	toRemoteScript, err := commitment.CommitScriptToRemote(
		c.Params.ChanType, keyRing.ToRemoteKey,
	)
	if err != nil {
		return nil, err
	}

	commitTxid := spendingTx.TxHash()
	idx, ok := findOutput(spendingTx, toRemoteScript.PkScript)
	if !ok {
		return set, nil
	}

	op := wire.OutPoint{Hash: commitTxid, Index: idx}
	amt := btcutil.Amount(spendingTx.TxOut[idx].Value)

	var sequence uint32
	if c.Params.ChanType.HasAnchors() {
		sequence = 1
	}

	sweep := e.sweepTo(op, amt, toRemoteSweepWeight, sequence, 0)
	if sweep == nil {
		return set, nil
	}

	signDesc := &input.SignDescriptor{
		PubKey:        c.Params.LocalCfg.PaymentBasePoint,
		WitnessScript: toRemoteScript.WitnessScript,
		Output:        spendingTx.TxOut[idx],
		HashType:      txscript.SigHashAll,
		InputIndex:    0,
	}

	var witness wire.TxWitness
	if c.Params.ChanType.HasAnchors() {
		witness, err = input.CommitSpendToRemoteConfirmed(
			e.cfg.Signer, signDesc, sweep,
		)
	} else {
		signDesc.SingleTweak = input.SingleTweakBytes(
			commitPoint, c.Params.LocalCfg.PaymentBasePoint,
		)
		witness, err = input.CommitSpendNoDelay(
			e.cfg.Signer, signDesc, sweep, false,
		)
	}
	if err != nil {
		return nil, err
	}
	sweep.TxIn[0].Witness = witness

	e.addPublish(set, PublishReq{
		Desc:     "claim-main",
		Tx:       sweep,
		Strategy: chainntnfs.JustPublish,
	})

	return set, nil
}

// findOutput locates the first output paying to the given script.
func findOutput(tx *wire.MsgTx, pkScript []byte) (uint32, bool) {
	for i, txOut := range tx.TxOut {
		if bytes.Equal(txOut.PkScript, pkScript) {
			return uint32(i), true
		}
	}
	return 0, false
}

// extractPreimages scans a transaction's witnesses for 32-byte elements
// whose sha256 matches one of the pending payment hashes, the way preimages
// are learned from a counterparty's on-chain claims.
func extractPreimages(tx *wire.MsgTx,
	wanted map[[32]byte]uint64) map[uint64][32]byte {

	found := make(map[uint64][32]byte)
	for _, txIn := range tx.TxIn {
		for _, element := range txIn.Witness {
			if len(element) != 32 {
				continue
			}

			var preimage [32]byte
			copy(preimage[:], element)

			hash := sha256Hash(preimage[:])
			if id, ok := wanted[hash]; ok {
				found[id] = preimage
			}
		}
	}
	return found
}
