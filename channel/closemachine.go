package channel

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/chainntnfs"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
)

// closingTxWeight approximates the weight of a signed cooperative closing
// transaction with two outputs, used to translate a feerate into an absolute
// fee proposal.
const closingTxWeight = 672

// maxNegotiationRounds bounds the fee dialogue; honest implementations that
// split the difference converge in at most four rounds.
const maxNegotiationRounds = 8

// negotiationState tracks the closing fee dialogue.
type negotiationState struct {
	// lastLocalFee is the fee of our most recent closing_signed.
	lastLocalFee btcutil.Amount

	// lastLocalSig is the signature we sent with it.
	lastLocalSig lnwire.Sig

	// rounds counts our proposals.
	rounds int
}

// idealClosingFee derives our preferred closing fee from the estimator,
// falling back to the current commitment feerate.
func (m *Machine) idealClosingFee() btcutil.Amount {
	feeRate, err := m.cfg.FeeEstimator.EstimateFeePerKW(6)
	if err != nil {
		feeRate = m.commitments.LocalCommit.Spec.FeePerKw
	}

	return feeRate.FeeForWeight(closingTxWeight)
}

// closingBalances returns both parties' payouts for a given total fee,
// deducted from the funder's share.
func (m *Machine) closingBalances(fee btcutil.Amount) (btcutil.Amount,
	btcutil.Amount) {

	spec := m.commitments.LocalCommit.Spec
	ourBalance := spec.ToLocal.ToSatoshis()
	theirBalance := spec.ToRemote.ToSatoshis()

	if m.commitments.Params.LocalIsFunder {
		if fee > ourBalance {
			fee = ourBalance
		}
		ourBalance -= fee
	} else {
		if fee > theirBalance {
			fee = theirBalance
		}
		theirBalance -= fee
	}

	return ourBalance, theirBalance
}

// buildClosingTx constructs the closing transaction for the given fee.
func (m *Machine) buildClosingTx(fee btcutil.Amount) *wire.MsgTx {
	ourBalance, theirBalance := m.closingBalances(fee)

	return commitment.CreateCooperativeCloseTx(
		m.commitments.Params.FundingTxIn(),
		m.commitments.Params.LocalCfg.DustLimit,
		m.commitments.Params.RemoteCfg.DustLimit,
		ourBalance, theirBalance,
		m.localShutdown.Address, m.remoteShutdown.Address,
	)
}

// proposeClosingFee signs and returns a closing_signed. When remoteFee is
// non-nil we split the difference with our previous proposal, accepting the
// remote value once the gap closes.
func (m *Machine) proposeClosingFee(remoteFee *btcutil.Amount) (
	*lnwire.ClosingSigned, error) {

	if m.negotiation == nil {
		m.negotiation = &negotiationState{}
	}

	var fee btcutil.Amount
	switch {
	case m.negotiation.rounds == 0:
		fee = m.idealClosingFee()

	case remoteFee != nil:
		fee = (m.negotiation.lastLocalFee + *remoteFee) / 2

		// Once the midpoint stops moving, concede to their value so
		// the dialogue terminates.
		if fee == m.negotiation.lastLocalFee || fee == *remoteFee {
			fee = *remoteFee
		}

	default:
		fee = m.negotiation.lastLocalFee
	}

	closingTx := m.buildClosingTx(fee)
	sig, err := m.commitments.signFundingSpend(closingTx)
	if err != nil {
		return nil, err
	}

	m.negotiation.lastLocalFee = fee
	m.negotiation.lastLocalSig = sig
	m.negotiation.rounds++

	return &lnwire.ClosingSigned{
		ChannelID:   m.commitments.Params.ChanID,
		FeeSatoshis: fee,
		Signature:   sig,
	}, nil
}

// acceptClosingFee signs the closing transaction at the remote's fee. When
// our last proposal already matches nothing needs to go out and nil is
// returned.
func (m *Machine) acceptClosingFee(fee btcutil.Amount) (
	*lnwire.ClosingSigned, error) {

	if m.negotiation == nil {
		m.negotiation = &negotiationState{}
	}
	if m.negotiation.rounds > 0 && m.negotiation.lastLocalFee == fee {
		return nil, nil
	}

	closingTx := m.buildClosingTx(fee)
	sig, err := m.commitments.signFundingSpend(closingTx)
	if err != nil {
		return nil, err
	}

	m.negotiation.lastLocalFee = fee
	m.negotiation.lastLocalSig = sig
	m.negotiation.rounds++

	return &lnwire.ClosingSigned{
		ChannelID:   m.commitments.Params.ChanID,
		FeeSatoshis: fee,
		Signature:   sig,
	}, nil
}

// processNegotiating handles the NEGOTIATING state.
func (m *Machine) processNegotiating(in Input) []Effect {
	switch in := in.(type) {
	case PeerMsg:
		switch msg := in.Msg.(type) {
		case *lnwire.ClosingSigned:
			return m.handleClosingSigned(msg)

		case *lnwire.Shutdown:
			// Retransmitted shutdown during negotiation: ignore.
			return nil
		}
		return nil

	case CmdForceClose:
		return m.forceClose("local force close requested")

	case ChainEventSpent:
		if in.Tag == WatchTagFundingSpent {
			return m.handleFundingSpent(in)
		}
		return nil

	case InputRestored:
		return m.handleRestoredOperational()
	}

	return m.failCmdIfAny(in, ErrClosingInProgress)
}

// handleClosingSigned advances the fee dialogue.
func (m *Machine) handleClosingSigned(msg *lnwire.ClosingSigned) []Effect {
	// Verify their signature over the closing transaction at their
	// proposed fee before anything else.
	theirTx := m.buildClosingTx(msg.FeeSatoshis)
	err := m.commitments.verifyFundingSig(theirTx, msg.Signature)
	if err != nil {
		return m.violation("invalid closing_signed signature")
	}

	// Agreement: they accepted our last proposal, or their proposal is
	// close enough to ours. An absolute match terminates immediately;
	// otherwise a proposal within half to double of our own ideal fee is
	// accepted rather than haggled over, which keeps honest dialogues to
	// a handful of rounds.
	ideal := m.idealClosingFee()
	acceptable := msg.FeeSatoshis >= ideal/2 && msg.FeeSatoshis <= ideal*2
	if (m.negotiation != nil &&
		msg.FeeSatoshis == m.negotiation.lastLocalFee) || acceptable {

		accept, err := m.acceptClosingFee(msg.FeeSatoshis)
		if err != nil {
			return m.fatal(err)
		}

		var effects []Effect
		if accept != nil {
			effects = append(effects, SendMsg{Msg: accept})
		}

		return append(effects, m.completeMutualClose(
			theirTx, m.negotiation.lastLocalSig, msg.Signature,
		)...)
	}

	if m.negotiation != nil &&
		m.negotiation.rounds >= maxNegotiationRounds {

		return m.violation("closing fee negotiation failed to " +
			"converge")
	}

	remoteFee := msg.FeeSatoshis
	proposal, err := m.proposeClosingFee(&remoteFee)
	if err != nil {
		return m.fatal(err)
	}

	effects := []Effect{SendMsg{Msg: proposal}}

	// If we conceded to their fee, the dialogue is over: their signature
	// and ours are both for the same transaction.
	if proposal.FeeSatoshis == msg.FeeSatoshis {
		return append(effects, m.completeMutualClose(
			theirTx, proposal.Signature, msg.Signature,
		)...)
	}

	return effects
}

// completeMutualClose assembles the fully signed closing transaction,
// publishes it and waits for its confirmation.
func (m *Machine) completeMutualClose(closingTx *wire.MsgTx, ourSig,
	theirSig lnwire.Sig) []Effect {

	ourSignature, err := ourSig.ToSignature()
	if err != nil {
		return m.fatal(err)
	}
	theirSignature, err := theirSig.ToSignature()
	if err != nil {
		return m.fatal(err)
	}

	closingTx.TxIn[0].Witness = input.SpendMultiSig(
		m.commitments.Params.FundingWitnessScript,
		m.commitments.Params.LocalCfg.MultiSigKey.SerializeCompressed(),
		ourSignature,
		m.commitments.Params.RemoteCfg.MultiSigKey.SerializeCompressed(),
		theirSignature,
	)

	m.mutualCloseTx = closingTx

	closingTxid := closingTx.TxHash()
	var pkScript []byte
	if len(closingTx.TxOut) > 0 {
		pkScript = closingTx.TxOut[0].PkScript
	}

	return []Effect{
		StoreChannel{SyncPoint: StoreGeneral},
		PublishTx{Tx: closingTx, Strategy: chainntnfs.JustPublish},
		WatchConfirmed{
			TxID:     closingTxid,
			PkScript: pkScript,
			MinDepth: m.minDepthOrDefault(),
			Tag:      WatchTagClosingConfirmed,
		},
		m.transition(Closing),
	}
}

// minDepthOrDefault falls back to a sane depth when the handshake value was
// never set (restored channels).
func (m *Machine) minDepthOrDefault() uint32 {
	if m.minDepth == 0 {
		return 6
	}
	return m.minDepth
}

// forceClose publishes our current local commitment with its full witness
// and hands the chain interaction over to the closing engine.
func (m *Machine) forceClose(reason string) []Effect {
	if m.commitments == nil || m.commitments.LocalCommit.CommitTx == nil {
		return []Effect{m.transition(Closed)}
	}

	commitTx, err := m.SignedLocalCommitTx()
	if err != nil {
		log.Errorf("ChannelPoint(%v): cannot sign own commitment: %v",
			m.chanIDString(), err)
		return []Effect{m.transition(Closed)}
	}

	strategy := chainntnfs.JustPublish
	if m.commitments.Params.ChanType.HasAnchors() {
		strategy = chainntnfs.CpfpAnchor
	}

	effects := []Effect{
		StoreChannel{SyncPoint: StoreGeneral},
		PublishTx{Tx: commitTx, Strategy: strategy},
		EmitEvent{Event: LocalChannelDownEvent{
			ChanID: m.chanID(),
		}},
	}

	if m.state != Closing {
		effects = append(effects, m.transition(Closing))
	}

	log.Warnf("ChannelPoint(%v): force closing: %s", m.chanIDString(),
		reason)

	return effects
}

// SignedLocalCommitTx returns our current commitment transaction with the
// complete funding witness attached.
func (m *Machine) SignedLocalCommitTx() (*wire.MsgTx, error) {
	c := m.commitments

	commitTx := c.LocalCommit.CommitTx.Copy()

	ourSig, err := c.signFundingSpend(commitTx)
	if err != nil {
		return nil, err
	}
	ourSignature, err := ourSig.ToSignature()
	if err != nil {
		return nil, err
	}
	theirSignature, err := c.LocalCommit.CommitSig.ToSignature()
	if err != nil {
		return nil, err
	}

	commitTx.TxIn[0].Witness = input.SpendMultiSig(
		c.Params.FundingWitnessScript,
		c.Params.LocalCfg.MultiSigKey.SerializeCompressed(),
		ourSignature,
		c.Params.RemoteCfg.MultiSigKey.SerializeCompressed(),
		theirSignature,
	)

	return commitTx, nil
}

// handleFundingSpent reacts to the funding output being consumed. The
// detailed classification and claim construction is the closing engine's
// job; the machine records the phase change.
func (m *Machine) handleFundingSpent(in ChainEventSpent) []Effect {
	spendTxid := in.SpendingTx.TxHash()

	// Our own mutual close confirming its way through: already handled.
	if m.mutualCloseTx != nil &&
		spendTxid == m.mutualCloseTx.TxHash() {

		if m.state != Closing {
			return []Effect{m.transition(Closing)}
		}
		return nil
	}

	log.Infof("ChannelPoint(%v): funding output spent by %v",
		m.chanIDString(), spendTxid)

	effects := []Effect{
		StoreChannel{SyncPoint: StoreGeneral},
		EmitEvent{Event: LocalChannelDownEvent{ChanID: m.chanID()}},
	}

	if m.state != Closing {
		effects = append(effects, m.transition(Closing))
	}

	return effects
}

// processClosing handles the CLOSING state. Claim construction runs in the
// closing engine; here we only track terminal confirmation.
func (m *Machine) processClosing(in Input) []Effect {
	switch in := in.(type) {
	case ChainEventConfirmed:
		switch in.Tag {
		case WatchTagClosingConfirmed:
			return []Effect{
				EmitEvent{Event: ChannelClosedEvent{
					ChanID: m.chanID(),
					Reason: "mutual close confirmed",
				}},
				m.transition(Closed),
			}
		}
		return nil

	case ChainEventSpent:
		// Late or duplicate funding spend notifications are
		// idempotent here.
		return nil

	case InputRestored:
		var effects []Effect

		// Re-publish the mutual close if it was in flight; the
		// unilateral branches are re-driven by the closing engine.
		if m.mutualCloseTx != nil {
			closingTxid := m.mutualCloseTx.TxHash()
			var pkScript []byte
			if len(m.mutualCloseTx.TxOut) > 0 {
				pkScript = m.mutualCloseTx.TxOut[0].PkScript
			}
			effects = append(effects,
				PublishTx{
					Tx:       m.mutualCloseTx,
					Strategy: chainntnfs.JustPublish,
				},
				WatchConfirmed{
					TxID:     closingTxid,
					PkScript: pkScript,
					MinDepth: m.minDepthOrDefault(),
					Tag:      WatchTagClosingConfirmed,
				},
			)
		}

		return append(effects, EmitEvent{
			Event: ChannelRestoredEvent{ChanID: m.chanID()},
		})
	}

	return m.failCmdIfAny(in, ErrClosingInProgress)
}

// processWaitForRemotePublish handles the data-loss state: nothing to do but
// wait for the peer's commitment to appear on-chain.
func (m *Machine) processWaitForRemotePublish(in Input) []Effect {
	switch in := in.(type) {
	case ChainEventSpent:
		if in.Tag != WatchTagFundingSpent {
			return nil
		}

		// Whatever spent the funding output, the closing engine will
		// classify it as unknown and claim only our main output.
		return append(
			[]Effect{StoreChannel{SyncPoint: StoreGeneral}},
			m.transition(Closing),
		)

	case InputRestored:
		fundingPkScript, err := m.fundingPkScript()
		if err != nil {
			return m.fatal(err)
		}
		return []Effect{
			WatchSpent{
				OutPoint: m.commitments.Params.FundingOutpoint,
				PkScript: fundingPkScript,
				Tag:      WatchTagFundingSpent,
			},
		}
	}

	return m.failCmdIfAny(in, ErrChannelUnavailable)
}
