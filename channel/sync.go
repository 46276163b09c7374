package channel

import (
	"github.com/davecgh/go-spew/spew"

	"github.com/nayutafoundry/chandler/lnwire"
)

// processOffline parks the channel while the peer is away.
func (m *Machine) processOffline(in Input) []Effect {
	switch in := in.(type) {
	case InputReconnected:
		reestablish, err := m.makeChannelReestablish()
		if err != nil {
			return m.fatal(err)
		}

		effects := []Effect{
			SendMsg{Msg: reestablish},
			m.transition(Syncing),
		}

		// The peer may have finished reconnecting before us, in
		// which case its reestablish is already waiting.
		if m.pendingReestablish != nil {
			pending := m.pendingReestablish
			m.pendingReestablish = nil
			effects = append(
				effects, m.handleChannelReestablish(pending)...,
			)
		}

		return effects

	case PeerMsg:
		// A reestablish can race our own reconnection notification;
		// park it until we've sent ours.
		if reestablish, ok := in.Msg.(*lnwire.ChannelReestablish); ok {
			m.pendingReestablish = reestablish
		}
		return nil

	case ChainEventSpent:
		// The chain doesn't wait for reconnections.
		if in.Tag == WatchTagFundingSpent {
			return m.handleFundingSpent(in)
		}
		return nil

	case ChainEventConfirmed:
		if in.Tag == WatchTagFundingConfirmed {
			m.fundingConfirmed = true
		}
		return nil

	case CmdForceClose:
		return m.forceClose("local force close requested")

	case InputRestored:
		return m.handleRestoredOperational()
	}

	return m.failCmdIfAny(in, ErrChannelUnavailable)
}

// makeChannelReestablish assembles our side of the synchronization
// handshake.
func (m *Machine) makeChannelReestablish() (*lnwire.ChannelReestablish,
	error) {

	c := m.commitments

	msg := &lnwire.ChannelReestablish{
		ChanID:                 c.Params.ChanID,
		NextLocalCommitHeight:  c.LocalCommit.Index + 1,
		RemoteCommitTailHeight: c.RemoteCommit.Index,
	}

	// Prove how much of their revocation chain we've seen: the last
	// secret they revealed, all zeroes before the first revocation.
	if c.RemoteCommit.Index > 0 {
		secret, err := c.RemoteSecrets.LookUp(c.RemoteCommit.Index - 1)
		if err != nil {
			return nil, err
		}
		copy(msg.LastRemoteCommitSecret[:], secret[:])
	}

	point, err := c.LocalCommitPoint(c.LocalCommit.Index)
	if err != nil {
		return nil, err
	}
	msg.LocalUnrevokedCommitPoint = point

	return msg, nil
}

// processSyncing completes channel_reestablish and replays whatever the
// other side lost.
func (m *Machine) processSyncing(in Input) []Effect {
	switch in := in.(type) {
	case PeerMsg:
		switch msg := in.Msg.(type) {
		case *lnwire.ChannelReestablish:
			return m.handleChannelReestablish(msg)

		case *lnwire.FundingLocked:
			// Arrives when the channel was still pre-locked at
			// disconnect time.
			m.theirFundingLocked = msg
			return nil
		}

		// Any other message is processed once back in the
		// operational state; a peer sending updates before finishing
		// the sync is out of order.
		return m.violation("message before channel_reestablish")

	case ChainEventSpent:
		if in.Tag == WatchTagFundingSpent {
			return m.handleFundingSpent(in)
		}
		return nil

	case InputDisconnected:
		return []Effect{m.transition(Offline)}

	case CmdForceClose:
		return m.forceClose("local force close requested")
	}

	return m.failCmdIfAny(in, ErrChannelUnavailable)
}

// handleChannelReestablish runs the synchronization decision table.
func (m *Machine) handleChannelReestablish(
	msg *lnwire.ChannelReestablish) []Effect {

	c := m.commitments

	log.Debugf("ChannelPoint(%v): remote channel_reestablish: %v",
		m.chanIDString(), newLogClosure(func() string {
			return spew.Sdump(msg)
		}))

	// First, the data-loss check. If the peer proves knowledge of a
	// commitment of ours beyond anything we remember, then we are the
	// ones running on stale state and broadcasting anything would hand
	// them a penalty. Verify the proof: the secret they hold for our
	// commitment chain must match our producer.
	if msg.RemoteCommitTailHeight > c.LocalCommit.Index {
		proofValid := false
		if msg.RemoteCommitTailHeight >= 1 {
			ourSecret, err := c.producer.AtIndex(
				msg.RemoteCommitTailHeight - 1,
			)
			if err == nil {
				proofValid = [32]byte(*ourSecret) ==
					msg.LastRemoteCommitSecret
			}
		}

		if !proofValid {
			return m.violation("invalid channel_reestablish " +
				"future state proof")
		}

		log.Errorf("ChannelPoint(%v): peer proved a future state, "+
			"local data loss; waiting for their commitment",
			m.chanIDString())

		// Remember their current point: it's the only way to claim
		// our main output from the commitment they will publish.
		c.FutureCommitPoint = msg.LocalUnrevokedCommitPoint

		return []Effect{
			SendMsg{Msg: &lnwire.Error{
				ChanID: c.Params.ChanID,
				Data: lnwire.ErrorData("local data loss, " +
					"please publish your commitment"),
			}},
			StoreChannel{SyncPoint: StoreGeneral},
			m.transition(WaitForRemotePublishFutureCommitment),
		}
	}

	var effects []Effect

	// If they lost our last revoke_and_ack, they'll report the previous
	// commitment as unrevoked: replay the revocation. Replaying it is
	// safe because the producer is deterministic.
	switch {
	case msg.RemoteCommitTailHeight+1 == c.LocalCommit.Index:
		rev, err := c.makeRevocation(c.LocalCommit.Index - 1)
		if err != nil {
			return m.fatal(err)
		}
		effects = append(effects, SendMsg{Msg: rev})

	case msg.RemoteCommitTailHeight == c.LocalCommit.Index:
		// In sync.

	default:
		return m.violation("irreconcilable revocation state")
	}

	// If they lost our last commitment_signed, the pending remote commit
	// records exactly what to resend.
	switch {
	case c.PendingRemoteCommit != nil &&
		msg.NextLocalCommitHeight ==
			c.PendingRemoteCommit.NextRemoteCommit.Index:

		effects = append(effects, SendMsg{
			Msg: c.PendingRemoteCommit.Sent,
		})

	case c.PendingRemoteCommit != nil &&
		msg.NextLocalCommitHeight ==
			c.PendingRemoteCommit.NextRemoteCommit.Index+1:

		// They received it; their revoke_and_ack will arrive in due
		// course.

	case c.PendingRemoteCommit == nil &&
		msg.NextLocalCommitHeight == c.RemoteCommit.Index+1:

		// In sync.

	default:
		return m.violation("irreconcilable commitment state")
	}

	// Resume the state the disconnection interrupted.
	resumed := m.stateBeforeInterrupt
	if resumed == 0 {
		resumed = Normal
	}

	// For a channel still waiting on funding_locked, retransmit ours:
	// the peer may have never seen it.
	if resumed == WaitForFundingConfirmed ||
		resumed == WaitForFundingLocked {

		if m.fundingLockedSent {
			nextPoint, err := m.localPointAt(1)
			if err != nil {
				return m.fatal(err)
			}
			effects = append(effects, SendMsg{
				Msg: &lnwire.FundingLocked{
					ChanID:                 c.Params.ChanID,
					NextPerCommitmentPoint: nextPoint,
				},
			})
		}

		if m.theirFundingLocked != nil && m.fundingConfirmed {
			effects = append(effects, m.enterNormal(
				m.theirFundingLocked,
			)...)
			return effects
		}
	}

	// Re-open the closing dialogue if we were negotiating: our previous
	// closing_signed may be lost.
	if resumed == Negotiating {
		effects = append(effects, m.transition(Negotiating))
		if m.commitments.Params.LocalIsFunder {
			proposal, err := m.proposeClosingFee(nil)
			if err != nil {
				return append(effects, m.fatal(err)...)
			}
			effects = append(effects, SendMsg{Msg: proposal})
		}
		return effects
	}

	// A retransmitted shutdown is required if we had sent one.
	if m.localShutdown != nil {
		effects = append(effects, SendMsg{Msg: m.localShutdown})
	}

	return append(effects, m.transition(resumed))
}

// verifyRemoteSecretProof checks a secret the peer claims we revealed
// against our own producer.
func (m *Machine) verifyRemoteSecretProof(index uint64,
	secret [32]byte) bool {

	ourSecret, err := m.cfg.Producer.AtIndex(index)
	if err != nil {
		return false
	}

	return [32]byte(*ourSecret) == secret
}
