package contractcourt

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/chainntnfs"
	"github.com/nayutafoundry/chandler/channel"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
)

// EngineConfig carries the closing engine's dependencies.
type EngineConfig struct {
	// Commitments is the channel ledger being resolved.
	Commitments *channel.Commitments

	// Signer produces all sweep signatures.
	Signer input.Signer

	// FeeEstimator prices the sweep transactions.
	FeeEstimator chainfee.Estimator

	// SweepScript is the wallet script all claims pay out to.
	SweepScript []byte

	// MinDepth is the confirmation depth at which published claims are
	// considered final and upstream failures may be propagated.
	MinDepth uint32

	// Preimages looks up a payment preimage by hash.
	Preimages func([32]byte) ([32]byte, bool)
}

// htlcTrack follows one HTLC output of the published commitment until it is
// fully resolved. The Desc direction is from OUR point of view.
type htlcTrack struct {
	op        wire.OutPoint
	entry     commitment.HtlcEntry
	revoked   bool
	keyRing   *commitment.KeyRing
	settledUp bool
	resolved  bool
}

// secondLevelTrack follows one of our own second-level HTLC transactions
// from publication to the delayed sweep of its output.
type secondLevelTrack struct {
	tx       *wire.MsgTx
	entry    commitment.HtlcEntry
	keyRing  *commitment.KeyRing
	csvDelay uint32
	swept    bool
}

// ClosingEngine drives a channel from the moment its funding output is spent
// to full resolution: it classifies the spend, derives every claim we can
// and must publish, follows the watched outpoints, and reports upstream
// settlements. All methods are idempotent with respect to replayed chain
// events, which is what makes restart recovery a plain replay.
type ClosingEngine struct {
	cfg EngineConfig

	class         *Classification
	commitSpendTx *wire.MsgTx

	published    map[chainhash.Hash]PublishReq
	confirmedTxs map[chainhash.Hash]uint32
	secondLevel  map[chainhash.Hash]*secondLevelTrack
	htlcOutputs  map[wire.OutPoint]*htlcTrack
}

// NewClosingEngine creates an engine for one channel.
func NewClosingEngine(cfg EngineConfig) *ClosingEngine {
	return &ClosingEngine{
		cfg:          cfg,
		published:    make(map[chainhash.Hash]PublishReq),
		confirmedTxs: make(map[chainhash.Hash]uint32),
		secondLevel:  make(map[chainhash.Hash]*secondLevelTrack),
		htlcOutputs:  make(map[wire.OutPoint]*htlcTrack),
	}
}

// Class returns the classification of the observed funding spend, nil before
// one was seen.
func (e *ClosingEngine) Class() *Classification {
	return e.class
}

// sweepFeeRate prices sweeps off the estimator, with the relay floor as
// fallback.
func (e *ClosingEngine) sweepFeeRate() chainfee.SatPerKWeight {
	feeRate, err := e.cfg.FeeEstimator.EstimateFeePerKW(6)
	if err != nil || feeRate == 0 {
		return chainfee.FeePerKwFloor
	}
	return feeRate
}

// addPublish records a claim and pairs it with its confirmation watch: every
// transaction we broadcast is watched until final.
func (e *ClosingEngine) addPublish(set *ResolutionSet, req PublishReq) {
	txid := req.Tx.TxHash()
	e.published[txid] = req

	set.Publish = append(set.Publish, req)

	var pkScript []byte
	if len(req.Tx.TxOut) > 0 {
		pkScript = req.Tx.TxOut[0].PkScript
	}
	set.WatchConfirmed = append(set.WatchConfirmed, ConfirmWatch{
		TxID:     txid,
		PkScript: pkScript,
		MinDepth: e.cfg.MinDepth,
	})
}

// trackHtlcOutput registers an HTLC output for spend monitoring.
func (e *ClosingEngine) trackHtlcOutput(op wire.OutPoint,
	entry commitment.HtlcEntry) {

	if _, ok := e.htlcOutputs[op]; ok {
		return
	}
	e.htlcOutputs[op] = &htlcTrack{op: op, entry: entry}
}

// trackRevokedHtlcOutput registers an HTLC output of a revoked commitment,
// retaining the key ring so a racing second-stage transaction can itself be
// punished.
func (e *ClosingEngine) trackRevokedHtlcOutput(op wire.OutPoint,
	entry commitment.HtlcEntry, keyRing *commitment.KeyRing) {

	if _, ok := e.htlcOutputs[op]; ok {
		return
	}
	e.htlcOutputs[op] = &htlcTrack{
		op:      op,
		entry:   entry,
		revoked: true,
		keyRing: keyRing,
	}
}

// trackSecondLevel registers one of our second-level transactions for the
// follow-up delayed sweep.
func (e *ClosingEngine) trackSecondLevel(tx *wire.MsgTx,
	entry commitment.HtlcEntry, keyRing *commitment.KeyRing,
	csvDelay uint32) {

	e.secondLevel[tx.TxHash()] = &secondLevelTrack{
		tx:       tx,
		entry:    entry,
		keyRing:  keyRing,
		csvDelay: csvDelay,
	}
}

// FundingSpent reacts to the funding output being consumed: it classifies
// the spending transaction and derives the complete claim set for the
// branch. Trimmed outgoing HTLCs are failed upstream immediately, as without
// an output they can never reach the chain. Calling it again with the same
// transaction re-derives the same set, which is how restart recovery works:
// re-publishing confirmed transactions is a no-op for the broadcaster.
func (e *ClosingEngine) FundingSpent(spendingTx *wire.MsgTx) (
	*ResolutionSet, []channel.SettledHtlc, error) {

	c := e.cfg.Commitments

	class := Classify(c, spendingTx)
	e.class = &class
	e.commitSpendTx = spendingTx

	log.Infof("%v: funding spent by %v (%v)", c.Params.ChanID,
		spendingTx.TxHash(), class.Class)

	set := &ResolutionSet{}

	// Whatever the branch, the spending transaction's own confirmation
	// terminates the channel once everything else resolves.
	set.WatchConfirmed = append(set.WatchConfirmed, ConfirmWatch{
		TxID:     spendingTx.TxHash(),
		MinDepth: e.cfg.MinDepth,
	})

	var (
		branchSet *ResolutionSet
		spec      *commitment.Spec
		err       error
	)

	switch class.Class {
	case SpendLocalCommit:
		branchSet, err = e.resolveLocalCommit()
		spec = c.LocalCommit.Spec

	case SpendRemoteCommit:
		branchSet, err = e.resolveRemoteCommit(
			class, c.RemoteCommit.Spec,
		)
		spec = c.RemoteCommit.Spec.Mirror()

	case SpendNextRemoteCommit:
		next := c.PendingRemoteCommit.NextRemoteCommit
		branchSet, err = e.resolveRemoteCommit(class, next.Spec)
		spec = next.Spec.Mirror()

	case SpendRevokedCommit:
		branchSet, err = e.resolveRevokedCommit(class)
		if logSpec, ok := c.RevocationLog[class.CommitIndex]; ok {
			spec = logSpec.Mirror()
		}

	case SpendMutualClose:
		// Nothing to claim; wait for the confirmation.
		return set, nil, nil

	case SpendUnknownCommit:
		branchSet, err = e.resolveUnknownCommit(spendingTx)
	}
	if err != nil {
		return nil, nil, err
	}
	set.merge(branchSet)

	log.Tracef("%v: derived resolutions for %v: %v", c.Params.ChanID,
		class.Class, newLogClosure(func() string {
			return spew.Sdump(set)
		}))

	// Trimmed outgoing HTLCs have no on-chain representation: fail them
	// upstream now.
	var settled []channel.SettledHtlc
	if spec != nil {
		settled = e.failTrimmedOutgoing(spec, spendingTx)
	}

	return set, settled, nil
}

// failTrimmedOutgoing fails upstream every outgoing HTLC of the published
// commitment that did not materialize as an output.
func (e *ClosingEngine) failTrimmedOutgoing(spec *commitment.Spec,
	commitTx *wire.MsgTx) []channel.SettledHtlc {

	c := e.cfg.Commitments

	// Collect the outpoints that do exist to tell trimmed from tracked.
	tracked := make(map[uint64]bool)
	for _, track := range e.htlcOutputs {
		if !track.entry.Desc.Incoming {
			tracked[track.entry.Desc.HtlcIndex] = true
		}
	}

	var settled []channel.SettledHtlc
	for _, htlc := range spec.Htlcs {
		if htlc.Incoming || tracked[htlc.HtlcIndex] {
			continue
		}

		origin, ok := c.Origins[htlc.HtlcIndex]
		if !ok {
			continue
		}

		settled = append(settled, channel.SettledHtlc{
			ID:       htlc.HtlcIndex,
			Origin:   origin,
			FailCode: lnwire.CodePermanentChannelFailure,
		})
	}

	return settled
}

// OutputSpent reacts to one of the watched HTLC outputs being consumed. Any
// preimage surfacing in the spending witness settles its HTLC upstream. A
// second-stage transaction published by the counterparty on a revoked
// commitment is itself punished with a claim-htlc-delayed-penalty.
func (e *ClosingEngine) OutputSpent(op wire.OutPoint,
	spendingTx *wire.MsgTx) (*ResolutionSet, []channel.SettledHtlc,
	error) {

	c := e.cfg.Commitments
	set := &ResolutionSet{}

	// Learn every preimage the witness reveals.
	wanted := make(map[[32]byte]uint64)
	for _, track := range e.htlcOutputs {
		if track.entry.Desc.Incoming || track.settledUp {
			continue
		}
		wanted[track.entry.Desc.PaymentHash] = track.entry.Desc.HtlcIndex
	}

	var settled []channel.SettledHtlc
	for id, preimage := range extractPreimages(spendingTx, wanted) {
		origin, ok := c.Origins[id]
		if !ok {
			continue
		}

		settled = append(settled, channel.SettledHtlc{
			ID:        id,
			Origin:    origin,
			Fulfilled: true,
			Preimage:  preimage,
		})
		e.markSettled(id)
	}

	track, ok := e.htlcOutputs[op]
	if !ok {
		return set, settled, nil
	}
	track.resolved = true

	spendTxid := spendingTx.TxHash()
	_, oursOwn := e.published[spendTxid]

	// The peer racing us on a revoked commitment with their own second
	// stage transaction: spend that transaction's output with the
	// revocation key. Its script is the standard second-level script
	// keyed by the revoked state's ring.
	if track.revoked && !oursOwn {
		secondLevelScript, err := commitment.SecondLevelScript(
			track.keyRing.RevocationKey, track.keyRing.ToLocalKey,
			uint32(c.Params.RemoteCfg.CsvDelay),
		)
		if err != nil {
			return nil, nil, err
		}

		idx, found := findOutput(
			spendingTx, secondLevelScript.PkScript,
		)
		if found {
			penaltyOp := wire.OutPoint{
				Hash:  spendTxid,
				Index: idx,
			}
			amt := btcutil.Amount(spendingTx.TxOut[idx].Value)

			sweep := e.sweepTo(
				penaltyOp, amt, penaltySweepWeight, 0, 0,
			)
			if sweep != nil {
				signDesc := &input.SignDescriptor{
					PubKey: c.Params.LocalCfg.
						RevocationBasePoint,
					DoubleTweak: e.class.CommitSecret,
					WitnessScript: secondLevelScript.
						WitnessScript,
					Output: spendingTx.TxOut[idx],
					HashType: txscript.
						SigHashAll,
					InputIndex: 0,
				}
				witness, err := input.HtlcSpendRevoke(
					e.cfg.Signer, signDesc, sweep,
				)
				if err != nil {
					return nil, nil, err
				}
				sweep.TxIn[0].Witness = witness

				e.addPublish(set, PublishReq{
					Desc:     "claim-htlc-delayed-penalty",
					Tx:       sweep,
					Strategy: chainntnfs.JustPublish,
				})
			}
		}
	}

	return set, settled, nil
}

// markSettled flags an outgoing HTLC as settled upstream.
func (e *ClosingEngine) markSettled(id uint64) {
	for _, track := range e.htlcOutputs {
		if !track.entry.Desc.Incoming &&
			track.entry.Desc.HtlcIndex == id {

			track.settledUp = true
		}
	}
}

// TxConfirmed reacts to one of the watched transactions reaching its depth.
// Confirmation of one of our second-level transactions triggers the delayed
// sweep of its output; confirmation of an htlc-timeout finalizes the
// upstream failure of its HTLC. The returned bool reports whether the
// channel is fully resolved.
func (e *ClosingEngine) TxConfirmed(txid chainhash.Hash,
	height uint32) (*ResolutionSet, []channel.SettledHtlc, bool, error) {

	c := e.cfg.Commitments
	set := &ResolutionSet{}
	var settled []channel.SettledHtlc

	e.confirmedTxs[txid] = height

	// A second-level transaction of ours confirming starts its CSV
	// clock; emit the delayed sweep.
	if track, ok := e.secondLevel[txid]; ok && !track.swept {
		track.swept = true

		// The timeout path becoming final is what settles the
		// upstream failure: only now is the HTLC irrevocably
		// returned.
		if !track.entry.Desc.Incoming {
			if origin, ok := c.Origins[track.entry.Desc.HtlcIndex]; ok {
				settled = append(settled, channel.SettledHtlc{
					ID:       track.entry.Desc.HtlcIndex,
					Origin:   origin,
					FailCode: lnwire.CodePermanentChannelFailure,
				})
				e.markSettled(track.entry.Desc.HtlcIndex)
			}
		}

		sweepSet, err := e.sweepSecondLevel(track)
		if err != nil {
			return nil, nil, false, err
		}
		set.merge(sweepSet)
	}

	return set, settled, e.resolvedFully(), nil
}

// sweepSecondLevel emits the claim-htlc-delayed sweep of a confirmed second
// level transaction.
func (e *ClosingEngine) sweepSecondLevel(
	track *secondLevelTrack) (*ResolutionSet, error) {

	set := &ResolutionSet{}

	secondLevelScript, err := commitment.SecondLevelScript(
		track.keyRing.RevocationKey, track.keyRing.ToLocalKey,
		track.csvDelay,
	)
	if err != nil {
		return nil, err
	}

	txid := track.tx.TxHash()
	idx, ok := findOutput(track.tx, secondLevelScript.PkScript)
	if !ok {
		return set, nil
	}

	op := wire.OutPoint{Hash: txid, Index: idx}
	amt := btcutil.Amount(track.tx.TxOut[idx].Value)

	sweep := e.sweepTo(op, amt, htlcSweepWeight, track.csvDelay, 0)
	if sweep == nil {
		return set, nil
	}

	signDesc := &input.SignDescriptor{
		PubKey:        e.cfg.Commitments.Params.LocalCfg.DelayBasePoint,
		SingleTweak:   track.keyRing.ToLocalKeyTweak,
		WitnessScript: secondLevelScript.WitnessScript,
		Output:        track.tx.TxOut[idx],
		HashType:      txscript.SigHashAll,
		InputIndex:    0,
	}
	witness, err := input.HtlcSpendSuccess(
		e.cfg.Signer, signDesc, sweep, track.csvDelay,
	)
	if err != nil {
		return nil, err
	}
	sweep.TxIn[0].Witness = witness

	e.addPublish(set, PublishReq{
		Desc:     "claim-htlc-delayed",
		Tx:       sweep,
		Strategy: chainntnfs.JustPublish,
	})

	return set, nil
}

// resolvedFully reports whether every published claim has confirmed, all
// second-level sweeps are done, and the commitment spend itself is buried.
func (e *ClosingEngine) resolvedFully() bool {
	if e.commitSpendTx == nil {
		return false
	}
	if _, ok := e.confirmedTxs[e.commitSpendTx.TxHash()]; !ok {
		return false
	}

	for txid := range e.published {
		if _, ok := e.confirmedTxs[txid]; !ok {
			return false
		}
	}

	for _, track := range e.secondLevel {
		if !track.swept {
			return false
		}
	}

	return true
}

// Unconfirmed returns the published transactions that have not yet reached
// their depth; used by restart recovery to decide what to re-broadcast.
func (e *ClosingEngine) Unconfirmed() []PublishReq {
	var pending []PublishReq
	for txid, req := range e.published {
		if _, ok := e.confirmedTxs[txid]; !ok {
			pending = append(pending, req)
		}
	}
	return pending
}

// sha256Hash is a tiny convenience wrapper.
func sha256Hash(b []byte) [32]byte {
	return sha256.Sum256(b)
}
