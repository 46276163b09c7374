package channel

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/nayutafoundry/chandler/lnwire"
)

// Domain events published on the node-wide bus via EmitEvent effects.
// Subscribers are external: the core never waits on them.

// ChannelCreatedEvent is published once the funding transaction is known.
type ChannelCreatedEvent struct {
	ChanID       lnwire.ChannelID
	FundingTxID  chainhash.Hash
	IsFunder     bool
	CapacitySats int64
}

// ChannelRestoredEvent is published when a channel is reloaded from disk.
type ChannelRestoredEvent struct {
	ChanID lnwire.ChannelID
}

// ShortChannelIDAssignedEvent is published when the funding confirmation
// fixes the channel's location in the chain.
type ShortChannelIDAssignedEvent struct {
	ChanID      lnwire.ChannelID
	ShortChanID lnwire.ShortChannelID
}

// StateChangedEvent is published on every state transition.
type StateChangedEvent struct {
	ChanID   lnwire.ChannelID
	Previous State
	Current  State
}

// SignatureReceivedEvent is published when a commitment_signed validates.
type SignatureReceivedEvent struct {
	ChanID      lnwire.ChannelID
	CommitIndex uint64
}

// SignatureSentEvent is published when we emit a commitment_signed.
type SignatureSentEvent struct {
	ChanID      lnwire.ChannelID
	CommitIndex uint64
}

// AvailableBalanceChangedEvent is published whenever the send availability
// moves.
type AvailableBalanceChangedEvent struct {
	ChanID           lnwire.ChannelID
	AvailableForSend lnwire.MilliSatoshi
}

// LocalChannelDownEvent is published when the channel stops being usable for
// relay (offline or closing).
type LocalChannelDownEvent struct {
	ChanID lnwire.ChannelID
}

// LocalCommitConfirmedEvent is published when our own commitment confirms
// on-chain.
type LocalCommitConfirmedEvent struct {
	ChanID      lnwire.ChannelID
	BlockHeight uint32
}

// ChannelClosedEvent is published on transition to CLOSED, with the closing
// branch that produced it.
type ChannelClosedEvent struct {
	ChanID lnwire.ChannelID
	Reason string
}

// PaymentSettledEvent is published when an HTLC resolves in either
// direction.
type PaymentSettledEvent struct {
	ChanID    lnwire.ChannelID
	HtlcID    uint64
	Fulfilled bool
}
