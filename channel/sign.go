package channel

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
)

// SettledHtlc describes an offered HTLC of ours that became irrevocably
// settled, together with the origin whose upstream must now be resolved.
type SettledHtlc struct {
	// ID is the HTLC id we assigned when offering it.
	ID uint64

	// Origin is the upstream source recorded when the HTLC was added.
	Origin channeldb.Origin

	// Fulfilled is true when the HTLC was settled with a preimage,
	// false when it was failed.
	Fulfilled bool

	// Preimage is set when Fulfilled.
	Preimage [32]byte

	// Reason carries the encrypted failure reason for failed HTLCs.
	Reason lnwire.OpaqueReason

	// FailCode is set instead of Reason for malformed-onion failures.
	FailCode lnwire.FailCode
}

// SendCommit signs the remote party's next commitment, covering every update
// we've proposed plus every remote update we've already locked in. The
// returned message carries the commitment signature and one signature per
// untrimmed HTLC, ordered by the HTLCs' position in the sorted commitment
// transaction.
func (c *Commitments) SendCommit() (*lnwire.CommitSig, error) {
	if c.PendingRemoteCommit != nil {
		return nil, ErrSigInFlight
	}
	if !c.LocalHasChanges() {
		return nil, ErrNoUpdatesToSign
	}

	commitPoint := c.RemoteNextCommitPoint

	spec, err := reduceSpec(
		c.RemoteCommit.Spec, c.RemoteChanges.Acked,
		c.LocalChanges.Proposed,
	)
	if err != nil {
		return nil, err
	}

	keyRing := c.RemoteKeyRing(commitPoint)
	built, err := commitment.CreateCommitmentTx(
		c.Params.ChanType, &c.Params.RemoteCfg, &c.Params.LocalCfg,
		!c.Params.LocalIsFunder, c.Params.FundingTxIn(), keyRing,
		spec, c.RemoteCommit.Index+1, c.Params.Obfuscator,
	)
	if err != nil {
		return nil, err
	}

	commitSig, err := c.signFundingSpend(built.Tx)
	if err != nil {
		return nil, err
	}

	htlcSigs, err := c.signRemoteHtlcTxs(built, keyRing, spec.FeePerKw)
	if err != nil {
		return nil, err
	}

	msg := &lnwire.CommitSig{
		ChanID:    c.Params.ChanID,
		CommitSig: commitSig,
		HtlcSigs:  htlcSigs,
	}

	c.PendingRemoteCommit = &WaitingForRevocation{
		NextRemoteCommit: RemoteCommit{
			Index:                    c.RemoteCommit.Index + 1,
			Spec:                     spec,
			TxID:                     built.Tx.TxHash(),
			RemotePerCommitmentPoint: commitPoint,
		},
		Sent: msg,
	}
	c.RemoteNextCommitPoint = nil

	// Everything proposed by us is now signed; every remote update we'd
	// locked in is now also present in their commitment, pending their
	// revocation.
	c.LocalChanges.Signed = append(
		c.LocalChanges.Signed, c.LocalChanges.Proposed...,
	)
	c.LocalChanges.Proposed = nil
	c.RemoteChanges.Signed = append(
		c.RemoteChanges.Signed, c.RemoteChanges.Acked...,
	)
	c.RemoteChanges.Acked = nil

	return msg, nil
}

// ReceiveCommit verifies the peer's signatures over our next commitment and,
// on success, advances the local commitment and produces the revoke_and_ack
// releasing the previous state.
func (c *Commitments) ReceiveCommit(msg *lnwire.CommitSig) (
	*lnwire.RevokeAndAck, error) {

	// A signature may only be sent when it changes the commitment.
	if !c.RemoteHasUnsignedUpdates() && len(c.LocalChanges.Acked) == 0 {
		return nil, &PeerViolationError{
			ChanID:    c.Params.ChanID,
			Violation: "commitment_signed with no changes",
		}
	}

	spec, err := reduceSpec(
		c.LocalCommit.Spec, c.LocalChanges.Acked,
		c.RemoteChanges.Proposed,
	)
	if err != nil {
		return nil, err
	}

	nextIndex := c.LocalCommit.Index + 1
	commitPoint, err := c.LocalCommitPoint(nextIndex)
	if err != nil {
		return nil, err
	}

	keyRing := c.LocalKeyRing(commitPoint)
	built, err := commitment.CreateCommitmentTx(
		c.Params.ChanType, &c.Params.LocalCfg, &c.Params.RemoteCfg,
		c.Params.LocalIsFunder, c.Params.FundingTxIn(), keyRing,
		spec, nextIndex, c.Params.Obfuscator,
	)
	if err != nil {
		return nil, err
	}

	// Verify their signature over the new commitment transaction.
	if err := c.verifyFundingSig(built.Tx, msg.CommitSig); err != nil {
		return nil, err
	}

	// And one signature per untrimmed HTLC, in output order.
	err = c.verifyHtlcSigs(built, keyRing, msg.HtlcSigs, spec.FeePerKw)
	if err != nil {
		return nil, err
	}

	// The state checks out: adopt it, and release the previous one.
	oldIndex := c.LocalCommit.Index
	c.LocalCommit = LocalCommit{
		Index:     nextIndex,
		Spec:      spec,
		CommitTx:  built.Tx,
		CommitSig: msg.CommitSig,
		HtlcSigs:  msg.HtlcSigs,
	}

	c.RemoteChanges.Acked = append(
		c.RemoteChanges.Acked, c.RemoteChanges.Proposed...,
	)
	c.RemoteChanges.Proposed = nil
	c.LocalChanges.Acked = nil

	return c.makeRevocation(oldIndex)
}

// makeRevocation builds the revoke_and_ack for the given (now superseded)
// local commitment index.
func (c *Commitments) makeRevocation(revokedIndex uint64) (
	*lnwire.RevokeAndAck, error) {

	oldSecret, err := c.producer.AtIndex(revokedIndex)
	if err != nil {
		return nil, err
	}

	nextPoint, err := c.LocalCommitPoint(revokedIndex + 2)
	if err != nil {
		return nil, err
	}

	rev := &lnwire.RevokeAndAck{
		ChanID:            c.Params.ChanID,
		NextRevocationKey: nextPoint,
	}
	copy(rev.Revocation[:], oldSecret[:])

	return rev, nil
}

// ReceiveRevocation processes the peer's revoke_and_ack: it validates the
// revealed secret against the commitment being revoked, stores it, promotes
// the pending remote commitment, and returns the set of our offered HTLCs
// whose settlement became irrevocable with this revocation.
func (c *Commitments) ReceiveRevocation(msg *lnwire.RevokeAndAck) (
	[]SettledHtlc, error) {

	if c.PendingRemoteCommit == nil {
		return nil, &PeerViolationError{
			ChanID:    c.Params.ChanID,
			Violation: "revoke_and_ack with no signature in flight",
		}
	}

	// The revealed secret must generate the per-commitment point of the
	// state being revoked.
	revokedPoint := input.ComputeCommitmentPoint(msg.Revocation[:])
	if !revokedPoint.IsEqual(c.RemoteCommit.RemotePerCommitmentPoint) {
		return nil, ErrInvalidRevocation
	}

	secretHash := chainhash.Hash(msg.Revocation)
	if err := c.RemoteSecrets.AddNextEntry(&secretHash); err != nil {
		return nil, ErrInvalidRevocation
	}

	// Settlements of our offered HTLCs in the signed batch are now
	// present in both commitments: resolve their upstream origins.
	var settled []SettledHtlc
	for _, change := range c.RemoteChanges.Signed {
		switch m := change.(type) {
		case *lnwire.UpdateFulfillHTLC:
			settled = append(settled, SettledHtlc{
				ID:        m.ID,
				Origin:    c.Origins[m.ID],
				Fulfilled: true,
				Preimage:  m.PaymentPreimage,
			})
			delete(c.Origins, m.ID)

		case *lnwire.UpdateFailHTLC:
			settled = append(settled, SettledHtlc{
				ID:     m.ID,
				Origin: c.Origins[m.ID],
				Reason: m.Reason,
			})
			delete(c.Origins, m.ID)

		case *lnwire.UpdateFailMalformedHTLC:
			settled = append(settled, SettledHtlc{
				ID:       m.ID,
				Origin:   c.Origins[m.ID],
				FailCode: m.FailureCode,
			})
			delete(c.Origins, m.ID)
		}
	}

	// Keep what's needed to punish a later publication of the state
	// that was just revoked.
	if c.RevocationLog == nil {
		c.RevocationLog = make(map[uint64]*commitment.Spec)
	}
	c.RevocationLog[c.RemoteCommit.Index] = c.RemoteCommit.Spec

	c.RemoteCommit = c.PendingRemoteCommit.NextRemoteCommit
	c.PendingRemoteCommit = nil
	c.RemoteNextCommitPoint = msg.NextRevocationKey

	c.LocalChanges.Acked = append(
		c.LocalChanges.Acked, c.LocalChanges.Signed...,
	)
	c.LocalChanges.Signed = nil
	c.RemoteChanges.Signed = nil

	return settled, nil
}

// signFundingSpend produces our half of the 2-of-2 funding spend signature
// for the given commitment or closing transaction.
func (c *Commitments) signFundingSpend(tx *wire.MsgTx) (lnwire.Sig, error) {
	fundingTxOut, err := c.Params.FundingTxOut()
	if err != nil {
		return lnwire.Sig{}, err
	}

	signDesc := &input.SignDescriptor{
		PubKey:        c.Params.LocalCfg.MultiSigKey,
		WitnessScript: c.Params.FundingWitnessScript,
		Output:        fundingTxOut,
		HashType:      txscript.SigHashAll,
		InputIndex:    0,
	}

	sig, err := c.signer.SignOutputRaw(tx, signDesc)
	if err != nil {
		return lnwire.Sig{}, err
	}

	return lnwire.NewSigFromRawSignature(sig.Serialize())
}

// verifyFundingSig checks the peer's signature over the given transaction
// spending the funding output.
func (c *Commitments) verifyFundingSig(tx *wire.MsgTx,
	sig lnwire.Sig) error {

	fundingTxOut, err := c.Params.FundingTxOut()
	if err != nil {
		return err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(
		fundingTxOut.PkScript, fundingTxOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	digest, err := txscript.CalcWitnessSigHash(
		c.Params.FundingWitnessScript, sigHashes,
		txscript.SigHashAll, tx, 0, fundingTxOut.Value,
	)
	if err != nil {
		return err
	}

	theirSig, err := sig.ToSignature()
	if err != nil {
		return err
	}

	if !theirSig.Verify(digest, c.Params.RemoteCfg.MultiSigKey) {
		return ErrInvalidCommitSig
	}

	return nil
}

// sortedHtlcEntries returns the untrimmed HTLC entries of a built commitment
// ordered by output index, the order in which HTLC signatures travel on the
// wire.
func sortedHtlcEntries(built *commitment.CommitmentTx) []commitment.HtlcEntry {
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

// buildSecondLevelTx constructs the timeout or success transaction for an
// HTLC entry on the commitment owned by the party whose csv delay is given.
// The feerate is the one of the spec the commitment was built from, which
// fixes the second-level fee.
func (c *Commitments) buildSecondLevelTx(commitTxid chainhash.Hash,
	entry commitment.HtlcEntry, keyRing *commitment.KeyRing,
	csvDelay uint16, feePerKw chainfee.SatPerKWeight) (*wire.MsgTx,
	error) {

	op := wire.OutPoint{
		Hash:  commitTxid,
		Index: uint32(entry.OutputIndex),
	}
	amt := entry.Desc.Amount.ToSatoshis()

	// An outgoing HTLC (from the commitment owner's PoV) is swept by
	// the owner via a timeout transaction; an incoming one via a success
	// transaction.
	if !entry.Desc.Incoming {
		return commitment.CreateHtlcTimeoutTx(
			c.Params.ChanType, op, amt, entry.Desc.Expiry,
			uint32(csvDelay), feePerKw, keyRing.RevocationKey,
			keyRing.ToLocalKey,
		)
	}

	return commitment.CreateHtlcSuccessTx(
		c.Params.ChanType, op, amt, uint32(csvDelay), feePerKw,
		keyRing.RevocationKey, keyRing.ToLocalKey,
	)
}

// signRemoteHtlcTxs signs the second-level transaction of each untrimmed
// HTLC on the freshly built remote commitment.
func (c *Commitments) signRemoteHtlcTxs(built *commitment.CommitmentTx,
	keyRing *commitment.KeyRing,
	feePerKw chainfee.SatPerKWeight) ([]lnwire.Sig, error) {

	entries := sortedHtlcEntries(built)
	txid := built.Tx.TxHash()

	sigHashType := commitment.HtlcSigHashType(c.Params.ChanType)

	htlcSigs := make([]lnwire.Sig, 0, len(entries))
	for _, entry := range entries {
		htlcTx, err := c.buildSecondLevelTx(
			txid, entry, keyRing, c.Params.RemoteCfg.CsvDelay,
			feePerKw,
		)
		if err != nil {
			return nil, err
		}

		signDesc := &input.SignDescriptor{
			PubKey:        c.Params.LocalCfg.HtlcBasePoint,
			SingleTweak:   keyRing.RemoteHtlcKeyTweak,
			WitnessScript: entry.Script.WitnessScript,
			Output: &wire.TxOut{
				Value:    int64(entry.Desc.Amount.ToSatoshis()),
				PkScript: entry.Script.PkScript,
			},
			HashType:   sigHashType,
			InputIndex: 0,
		}

		rawSig, err := c.signer.SignOutputRaw(htlcTx, signDesc)
		if err != nil {
			return nil, err
		}

		sig, err := lnwire.NewSigFromRawSignature(rawSig.Serialize())
		if err != nil {
			return nil, err
		}
		htlcSigs = append(htlcSigs, sig)
	}

	return htlcSigs, nil
}

// verifyHtlcSigs checks the peer's second-level signatures over our own
// commitment's HTLC transactions.
func (c *Commitments) verifyHtlcSigs(built *commitment.CommitmentTx,
	keyRing *commitment.KeyRing, sigs []lnwire.Sig,
	feePerKw chainfee.SatPerKWeight) error {

	entries := sortedHtlcEntries(built)
	if len(entries) != len(sigs) {
		return ErrInvalidHtlcSigCount
	}

	txid := built.Tx.TxHash()
	sigHashType := commitment.HtlcSigHashType(c.Params.ChanType)

	for i, entry := range entries {
		htlcTx, err := c.buildSecondLevelTx(
			txid, entry, keyRing, c.Params.LocalCfg.CsvDelay,
			feePerKw,
		)
		if err != nil {
			return err
		}

		fetcher := txscript.NewCannedPrevOutputFetcher(
			entry.Script.PkScript,
			int64(entry.Desc.Amount.ToSatoshis()),
		)
		sigHashes := txscript.NewTxSigHashes(htlcTx, fetcher)
		digest, err := txscript.CalcWitnessSigHash(
			entry.Script.WitnessScript, sigHashes, sigHashType,
			htlcTx, 0, int64(entry.Desc.Amount.ToSatoshis()),
		)
		if err != nil {
			return err
		}

		theirSig, err := sigs[i].ToSignature()
		if err != nil {
			return err
		}

		if !theirSig.Verify(digest, keyRing.RemoteHtlcKey) {
			return ErrInvalidHtlcSig
		}
	}

	return nil
}
