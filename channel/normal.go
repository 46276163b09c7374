package channel

import (
	"bytes"
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/txscript"

	"github.com/nayutafoundry/chandler/lnwire"
)

// processOperational handles the NORMAL and SHUTDOWN states. The two share
// the full update/sign/revoke machinery; SHUTDOWN only refuses new adds and
// watches for the moment the channel drains.
func (m *Machine) processOperational(in Input) []Effect {
	switch in := in.(type) {
	case CmdAddHTLC:
		if m.state == Shutdown {
			return []Effect{FailCmd{Err: ErrClosingInProgress}}
		}
		return m.handleCmdAdd(in)

	case CmdFulfillHTLC:
		return m.handleCmdFulfill(in)

	case CmdFailHTLC:
		return m.handleCmdFail(in)

	case CmdFailMalformedHTLC:
		return m.handleCmdFailMalformed(in)

	case CmdUpdateFee:
		return m.handleCmdUpdateFee(in)

	case CmdSign:
		return m.handleCmdSign()

	case CmdClose:
		return m.handleCmdClose(in)

	case CmdForceClose:
		return m.forceClose("local force close requested")

	case ChainEventSpent:
		if in.Tag == WatchTagFundingSpent {
			return m.handleFundingSpent(in)
		}
		return nil

	case InputRestored:
		return m.handleRestoredOperational()

	case PeerMsg:
		return m.handleOperationalMsg(in.Msg)
	}

	return nil
}

// handleOperationalMsg dispatches peer messages in NORMAL/SHUTDOWN.
func (m *Machine) handleOperationalMsg(msg lnwire.Message) []Effect {
	c := m.commitments

	switch msg := msg.(type) {
	case *lnwire.UpdateAddHTLC:
		if m.state == Shutdown {
			// No new HTLCs once shutdown has been exchanged.
			return m.violation("update_add_htlc after shutdown")
		}
		if err := c.ReceiveAdd(msg); err != nil {
			return m.ledgerViolation(err)
		}
		return nil

	case *lnwire.UpdateFulfillHTLC:
		htlc, err := c.ReceiveFulfill(msg)
		if err != nil {
			return m.ledgerViolation(err)
		}

		// The preimage must be durable before any upstream fulfill
		// referencing it is acknowledged, and the upstream is paid
		// immediately: waiting for the full round trip would only
		// add risk.
		effects := []Effect{
			StorePreimage{
				PaymentHash: htlc.PaymentHash,
				Preimage:    msg.PaymentPreimage,
			},
		}
		if origin, ok := c.Origins[msg.ID]; ok {
			effects = append(effects, SettleUpstream{
				Settled: SettledHtlc{
					ID:        msg.ID,
					Origin:    origin,
					Fulfilled: true,
					Preimage:  msg.PaymentPreimage,
				},
			})
		}
		effects = append(effects, EmitEvent{
			Event: PaymentSettledEvent{
				ChanID:    c.Params.ChanID,
				HtlcID:    msg.ID,
				Fulfilled: true,
			},
		})
		return effects

	case *lnwire.UpdateFailHTLC:
		if err := c.ReceiveFail(msg); err != nil {
			return m.ledgerViolation(err)
		}
		return nil

	case *lnwire.UpdateFailMalformedHTLC:
		if err := c.ReceiveFailMalformed(msg); err != nil {
			return m.ledgerViolation(err)
		}
		return nil

	case *lnwire.UpdateFee:
		localFeeRate, err := m.cfg.FeeEstimator.EstimateFeePerKW(6)
		if err != nil {
			localFeeRate = c.LocalCommit.Spec.FeePerKw
		}
		err = c.ReceiveFee(msg, localFeeRate, m.cfg.FeerateTolerance)
		if err != nil {
			var mismatch *FeerateTooDifferentError
			if errors.As(err, &mismatch) &&
				!m.cfg.CloseOnOfflineMismatch {

				// Tolerated: log and carry on with their
				// rate.
				log.Warnf("ChannelPoint(%v): tolerating "+
					"feerate mismatch: %v",
					m.chanIDString(), err)
				return nil
			}
			return m.ledgerViolation(err)
		}
		return nil

	case *lnwire.CommitSig:
		rev, err := c.ReceiveCommit(msg)
		if err != nil {
			return m.ledgerViolation(err)
		}

		// Durability rule: the advanced local commitment and the
		// revealed secret must be stable before revoke_and_ack is
		// sent.
		effects := []Effect{
			StoreChannel{SyncPoint: StoreBeforeRevocation},
			SendMsg{Msg: rev},
			EmitEvent{Event: SignatureReceivedEvent{
				ChanID:      c.Params.ChanID,
				CommitIndex: c.LocalCommit.Index,
			}},
			m.balanceEvent(),
		}

		// If we have our own updates pending, follow up with our
		// signature, honoring the no-unacked-batch rule implicitly:
		// everything they sent is acked by the revocation above.
		if c.LocalHasChanges() && c.PendingRemoteCommit == nil {
			effects = append(effects, m.signEffects()...)
		}

		return append(effects, m.maybeStartNegotiation()...)

	case *lnwire.RevokeAndAck:
		settled, err := c.ReceiveRevocation(msg)
		if err != nil {
			return m.ledgerViolation(err)
		}

		effects := []Effect{
			StoreChannel{SyncPoint: StoreGeneral},
		}
		for _, s := range settled {
			// Fulfills were propagated when they arrived; only
			// failures wait for irrevocable commitment.
			if s.Fulfilled {
				continue
			}
			effects = append(effects, SettleUpstream{Settled: s})
			effects = append(effects, EmitEvent{
				Event: PaymentSettledEvent{
					ChanID:    c.Params.ChanID,
					HtlcID:    s.ID,
					Fulfilled: false,
				},
			})
		}
		effects = append(effects, m.balanceEvent())

		return append(effects, m.maybeStartNegotiation()...)

	case *lnwire.Shutdown:
		return m.handleRemoteShutdown(msg)

	case *lnwire.FundingLocked:
		// Duplicate after reconnection: ignore.
		return nil

	case *lnwire.ChannelReestablish:
		// Stale reestablish after sync completed: ignore.
		return nil
	}

	return nil
}

// handleCmdAdd serves CMD_ADD_HTLC.
func (m *Machine) handleCmdAdd(cmd CmdAddHTLC) []Effect {
	add, err := m.commitments.SendAdd(
		cmd.Amount, cmd.PaymentHash, cmd.Expiry, cmd.OnionBlob,
		cmd.Origin,
	)
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}

	return []Effect{
		SendMsg{Msg: add},
		m.balanceEvent(),
	}
}

// handleCmdFulfill serves CMD_FULFILL_HTLC.
func (m *Machine) handleCmdFulfill(cmd CmdFulfillHTLC) []Effect {
	fulfill, err := m.commitments.SendFulfill(cmd.ID, cmd.Preimage)
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}

	paymentHash := sha256.Sum256(cmd.Preimage[:])

	// The preimage is money: persist it before the settle leaves us.
	return []Effect{
		StorePreimage{
			PaymentHash: paymentHash,
			Preimage:    cmd.Preimage,
		},
		SendMsg{Msg: fulfill},
	}
}

// handleCmdFail serves CMD_FAIL_HTLC.
func (m *Machine) handleCmdFail(cmd CmdFailHTLC) []Effect {
	fail, err := m.commitments.SendFail(cmd.ID, cmd.Reason)
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}

	return []Effect{SendMsg{Msg: fail}}
}

// handleCmdFailMalformed serves CMD_FAIL_MALFORMED_HTLC.
func (m *Machine) handleCmdFailMalformed(cmd CmdFailMalformedHTLC) []Effect {
	fail, err := m.commitments.SendFailMalformed(
		cmd.ID, cmd.ShaOnionBlob, cmd.FailureCode,
	)
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}

	return []Effect{SendMsg{Msg: fail}}
}

// handleCmdUpdateFee serves CMD_UPDATE_FEE.
func (m *Machine) handleCmdUpdateFee(cmd CmdUpdateFee) []Effect {
	msg, err := m.commitments.SendFee(cmd.FeePerKw)
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}

	return []Effect{SendMsg{Msg: msg}}
}

// handleCmdSign serves CMD_SIGN.
func (m *Machine) handleCmdSign() []Effect {
	if m.commitments.PendingRemoteCommit != nil {
		return []Effect{FailCmd{Err: ErrSigInFlight}}
	}
	if !m.commitments.LocalHasChanges() {
		return []Effect{FailCmd{Err: ErrNoUpdatesToSign}}
	}

	return m.signEffects()
}

// signEffects performs SendCommit and wraps it in the required persistence
// ordering: the signed remote commitment hits the disk before the signature
// hits the wire.
func (m *Machine) signEffects() []Effect {
	sig, err := m.commitments.SendCommit()
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}

	return []Effect{
		StoreChannel{SyncPoint: StoreBeforeCommitSig},
		SendMsg{Msg: sig},
		EmitEvent{Event: SignatureSentEvent{
			ChanID: m.commitments.Params.ChanID,
			CommitIndex: m.commitments.PendingRemoteCommit.
				NextRemoteCommit.Index,
		}},
	}
}

// handleCmdClose serves CMD_CLOSE.
func (m *Machine) handleCmdClose(cmd CmdClose) []Effect {
	if m.localShutdown != nil {
		return []Effect{FailCmd{Err: ErrClosingInProgress}}
	}

	// HTLCs we proposed but never signed would be lost silently; refuse.
	if m.commitments.LocalHasUnsignedOutgoingHtlcs() {
		return []Effect{FailCmd{Err: ErrChannelUnavailable}}
	}

	script := cmd.Script
	upfront := m.commitments.Params.LocalCfg.UpfrontShutdownScript
	switch {
	case len(script) == 0 && len(upfront) > 0:
		script = upfront

	case len(script) == 0:
		script = m.cfg.DeliveryScript

	case len(upfront) > 0 && !bytes.Equal(script, upfront):
		return []Effect{FailCmd{
			Err: ErrClosingInProgress,
		}}
	}

	if !isValidShutdownScript(script) {
		return []Effect{FailCmd{Err: ErrChannelUnavailable}}
	}

	m.localShutdown = &lnwire.Shutdown{
		ChannelID: m.commitments.Params.ChanID,
		Address:   lnwire.DeliveryAddress(script),
	}

	effects := []Effect{
		StoreChannel{SyncPoint: StoreGeneral},
		SendMsg{Msg: m.localShutdown},
	}

	// If the remote already sent its shutdown we may be able to start
	// negotiating right away.
	if m.remoteShutdown != nil {
		return append(effects, m.maybeStartNegotiation()...)
	}

	if m.state == Normal {
		effects = append(effects, m.transition(Shutdown))
	}

	return effects
}

// handleRemoteShutdown processes the peer's shutdown message.
func (m *Machine) handleRemoteShutdown(msg *lnwire.Shutdown) []Effect {
	c := m.commitments

	// If they committed to an upfront script at open time, hold them to
	// it.
	upfront := c.Params.RemoteCfg.UpfrontShutdownScript
	if len(upfront) > 0 && !bytes.Equal(upfront, msg.Address) {
		return m.violation("shutdown script deviates from upfront " +
			"commitment")
	}

	if !isValidShutdownScript(msg.Address) {
		return m.violation("invalid shutdown script")
	}

	// A shutdown while they still have unsigned updates in flight is a
	// violation.
	if c.RemoteHasUnsignedUpdates() {
		return m.violation("shutdown with unsigned remote updates")
	}

	m.remoteShutdown = msg

	var effects []Effect

	// Reply with our own shutdown if we haven't sent one.
	if m.localShutdown == nil {
		script := c.Params.LocalCfg.UpfrontShutdownScript
		if len(script) == 0 {
			script = m.cfg.DeliveryScript
		}
		m.localShutdown = &lnwire.Shutdown{
			ChannelID: c.Params.ChanID,
			Address:   script,
		}
		effects = append(effects,
			StoreChannel{SyncPoint: StoreGeneral},
			SendMsg{Msg: m.localShutdown},
		)
	}

	effects = append(effects, m.maybeStartNegotiation()...)
	if m.state == Normal {
		// maybeStartNegotiation may already have moved us.
		effects = append(effects, m.transition(Shutdown))
	}

	return effects
}

// maybeStartNegotiation transitions from SHUTDOWN to NEGOTIATING once both
// shutdowns are exchanged and the channel is empty, with the funder opening
// the fee dialogue.
func (m *Machine) maybeStartNegotiation() []Effect {
	if m.localShutdown == nil || m.remoteShutdown == nil {
		return nil
	}
	if m.state == Negotiating || m.state == Closing {
		return nil
	}
	if m.commitments.HasPendingHtlcs() {
		return nil
	}
	if m.commitments.PendingRemoteCommit != nil {
		return nil
	}

	effects := []Effect{m.transition(Negotiating)}

	if m.commitments.Params.LocalIsFunder {
		proposal, err := m.proposeClosingFee(nil)
		if err != nil {
			return append(effects, m.fatal(err)...)
		}
		effects = append(effects, SendMsg{Msg: proposal})
	}

	return effects
}

// handleRestoredOperational re-arms the funding spent watch after restart.
func (m *Machine) handleRestoredOperational() []Effect {
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
		EmitEvent{Event: ChannelRestoredEvent{
			ChanID: m.commitments.Params.ChanID,
		}},
	}
}

// balanceEvent emits the availability change notification.
func (m *Machine) balanceEvent() Effect {
	return EmitEvent{Event: AvailableBalanceChangedEvent{
		ChanID:           m.commitments.Params.ChanID,
		AvailableForSend: m.commitments.AvailableBalanceForSend(),
	}}
}

// violation emits a protocol error and force closes.
func (m *Machine) violation(reason string) []Effect {
	log.Errorf("ChannelPoint(%v): %s", m.chanIDString(), reason)

	effects := []Effect{SendMsg{Msg: &lnwire.Error{
		ChanID: m.chanID(),
		Data:   lnwire.ErrorData(reason),
	}}}

	return append(effects, m.forceClose(reason)...)
}

// ledgerViolation converts a ledger error into the appropriate reaction: a
// peer violation force closes, anything else is local and fails softly.
func (m *Machine) ledgerViolation(err error) []Effect {
	var violation *PeerViolationError
	if errors.As(err, &violation) {
		return m.violation(violation.Violation)
	}

	// Signature and revocation failures are fatal too.
	if err == ErrInvalidCommitSig || err == ErrInvalidHtlcSig ||
		err == ErrInvalidHtlcSigCount || err == ErrInvalidRevocation {

		return m.violation(err.Error())
	}

	log.Warnf("ChannelPoint(%v): rejected peer update: %v",
		m.chanIDString(), err)

	return []Effect{SendMsg{Msg: &lnwire.Warning{
		ChanID: m.chanID(),
		Data:   lnwire.ErrorData(err.Error()),
	}}}
}

// isValidShutdownScript enforces the standard shutdown script forms: p2pkh,
// p2sh, p2wpkh, p2wsh.
func isValidShutdownScript(script lnwire.DeliveryAddress) bool {
	switch {
	case len(script) == 25 && script[0] == txscript.OP_DUP &&
		script[1] == txscript.OP_HASH160:

		return true

	case len(script) == 23 && script[0] == txscript.OP_HASH160:
		return true

	case len(script) == 22 && script[0] == txscript.OP_0:
		return true

	case len(script) == 34 && script[0] == txscript.OP_0:
		return true
	}

	return false
}
