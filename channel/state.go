package channel

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/chainntnfs"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/lnwire"
)

// State names the position of a channel within its life cycle. The OFFLINE
// and SYNCING states are overlays: when entered, the operational state they
// interrupted is remembered and restored once synchronization completes.
type State uint8

const (
	// WaitForInit is the initial state before the opening direction is
	// known.
	WaitForInit State = iota

	// WaitForOpen is the fundee side awaiting open_channel.
	WaitForOpen

	// WaitForAccept is the funder side awaiting accept_channel.
	WaitForAccept

	// WaitForFundingInternal is the funder side awaiting the wallet's
	// funding transaction.
	WaitForFundingInternal

	// WaitForFundingCreated is the fundee side awaiting funding_created.
	WaitForFundingCreated

	// WaitForFundingSigned is the funder side awaiting funding_signed.
	WaitForFundingSigned

	// WaitForFundingConfirmed covers both sides awaiting the funding
	// confirmation at the negotiated depth.
	WaitForFundingConfirmed

	// WaitForFundingLocked covers both sides awaiting the peer's
	// funding_locked.
	WaitForFundingLocked

	// Normal is the fully operational state.
	Normal

	// Shutdown means a shutdown message has been sent or received, and
	// either the other shutdown is still missing or HTLCs are still
	// pending settlement.
	Shutdown

	// Negotiating means the channel is empty and closing_signed fee
	// proposals are being exchanged.
	Negotiating

	// Closing means a closing transaction (mutual or any unilateral
	// branch) is in flight and being resolved on-chain.
	Closing

	// Closed is terminal.
	Closed

	// Offline means the peer connection is down.
	Offline

	// Syncing means the connection is back up and channel_reestablish is
	// being exchanged.
	Syncing

	// WaitForRemotePublishFutureCommitment is the data-loss state: the
	// peer has proven a commitment number ahead of anything we know, so
	// all we can do is wait for them to force close.
	WaitForRemotePublishFutureCommitment
)

// String returns the state name used in logs and persisted snapshots.
func (s State) String() string {
	switch s {
	case WaitForInit:
		return "WAIT_FOR_INIT"
	case WaitForOpen:
		return "WAIT_FOR_OPEN"
	case WaitForAccept:
		return "WAIT_FOR_ACCEPT"
	case WaitForFundingInternal:
		return "WAIT_FOR_FUNDING_INTERNAL"
	case WaitForFundingCreated:
		return "WAIT_FOR_FUNDING_CREATED"
	case WaitForFundingSigned:
		return "WAIT_FOR_FUNDING_SIGNED"
	case WaitForFundingConfirmed:
		return "WAIT_FOR_FUNDING_CONFIRMED"
	case WaitForFundingLocked:
		return "WAIT_FOR_FUNDING_LOCKED"
	case Normal:
		return "NORMAL"
	case Shutdown:
		return "SHUTDOWN"
	case Negotiating:
		return "NEGOTIATING"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	case Offline:
		return "OFFLINE"
	case Syncing:
		return "SYNCING"
	case WaitForRemotePublishFutureCommitment:
		return "WAIT_FOR_REMOTE_PUBLISH_FUTURE_COMMITMENT"
	default:
		return "<unknown>"
	}
}

// Input is the closed set of stimuli a channel state machine consumes: peer
// messages, local commands, and external events.
type Input interface {
	channelInput()
}

// PeerMsg wraps an incoming wire message.
type PeerMsg struct {
	Msg lnwire.Message
}

// CmdInitFunder starts the open handshake as the funding party.
type CmdInitFunder struct {
	// FundingAmount is the channel capacity we'll provide.
	FundingAmount btcutil.Amount

	// PushAmount is an initial payment to the remote party.
	PushAmount lnwire.MilliSatoshi

	// FeePerKw is the initial commitment feerate.
	FeePerKw chainfee.SatPerKWeight

	// ChanType selects the commitment format.
	ChanType channeldb.ChannelType

	// AnnounceChannel sets the announcement bit in the channel flags.
	AnnounceChannel bool
}

// CmdInitFundee arms the machine to accept an incoming open_channel.
type CmdInitFundee struct {
	// ChanType is the commitment format we require.
	ChanType channeldb.ChannelType
}

// CmdAddHTLC offers a new HTLC to the remote party.
type CmdAddHTLC struct {
	Amount      lnwire.MilliSatoshi
	PaymentHash [32]byte
	Expiry      uint32
	OnionBlob   [lnwire.OnionPacketSize]byte
	Origin      channeldb.Origin
}

// CmdFulfillHTLC settles an incoming HTLC with its preimage.
type CmdFulfillHTLC struct {
	ID       uint64
	Preimage [32]byte
}

// CmdFailHTLC fails an incoming HTLC with an encrypted reason.
type CmdFailHTLC struct {
	ID     uint64
	Reason lnwire.OpaqueReason
}

// CmdFailMalformedHTLC fails an incoming HTLC whose onion was unreadable.
type CmdFailMalformedHTLC struct {
	ID           uint64
	ShaOnionBlob [32]byte
	FailureCode  lnwire.FailCode
}

// CmdUpdateFee proposes a new commitment feerate (funder only).
type CmdUpdateFee struct {
	FeePerKw chainfee.SatPerKWeight
}

// CmdSign requests that all pending updates be signed into the remote
// commitment.
type CmdSign struct{}

// CmdClose initiates a cooperative close, optionally to a specific script.
type CmdClose struct {
	Script lnwire.DeliveryAddress
}

// CmdForceClose broadcasts our latest local commitment.
type CmdForceClose struct{}

// FundingTxReady delivers the wallet-built funding transaction to the funder
// side machine.
type FundingTxReady struct {
	// Tx is the complete funding transaction.
	Tx *wire.MsgTx

	// OutputIndex points at the 2-of-2 output.
	OutputIndex uint32
}

// WatchTag distinguishes the chain watches a channel registers.
type WatchTag uint8

const (
	// WatchTagFundingConfirmed fires when the funding tx reaches its
	// negotiated depth.
	WatchTagFundingConfirmed WatchTag = iota

	// WatchTagFundingSpent fires when the funding output is spent.
	WatchTagFundingSpent

	// WatchTagClosingConfirmed fires when a mutual close confirms.
	WatchTagClosingConfirmed
)

// ChainEventConfirmed reports a watched transaction reaching its depth.
type ChainEventConfirmed struct {
	Tag         WatchTag
	Tx          *wire.MsgTx
	BlockHeight uint32
	TxIndex     uint32
}

// ChainEventSpent reports a watched outpoint being spent.
type ChainEventSpent struct {
	Tag        WatchTag
	OutPoint   wire.OutPoint
	SpendingTx *wire.MsgTx
}

// NewBlock reports chain tip growth.
type NewBlock struct {
	Height uint32
}

// InputDisconnected reports the peer connection going down.
type InputDisconnected struct{}

// InputReconnected reports a fresh connection to the peer, after init
// exchange.
type InputReconnected struct{}

// InputRestored is injected exactly once after the channel is reloaded from
// disk.
type InputRestored struct{}

// TickChannelOpenTimeout aborts a stalled open handshake.
type TickChannelOpenTimeout struct{}

func (PeerMsg) channelInput()                {}
func (CmdInitFunder) channelInput()          {}
func (CmdInitFundee) channelInput()          {}
func (CmdAddHTLC) channelInput()             {}
func (CmdFulfillHTLC) channelInput()         {}
func (CmdFailHTLC) channelInput()            {}
func (CmdFailMalformedHTLC) channelInput()   {}
func (CmdUpdateFee) channelInput()           {}
func (CmdSign) channelInput()                {}
func (CmdClose) channelInput()               {}
func (CmdForceClose) channelInput()          {}
func (FundingTxReady) channelInput()         {}
func (ChainEventConfirmed) channelInput()    {}
func (ChainEventSpent) channelInput()        {}
func (NewBlock) channelInput()               {}
func (InputDisconnected) channelInput()      {}
func (InputReconnected) channelInput()       {}
func (InputRestored) channelInput()          {}
func (TickChannelOpenTimeout) channelInput() {}

// Effect is the closed set of actions a transition can request from the
// driver. The machine itself never performs I/O.
type Effect interface {
	channelEffect()
}

// SendMsg queues a wire message for the peer.
type SendMsg struct {
	Msg lnwire.Message
}

// PublishTx asks the driver to broadcast a transaction.
type PublishTx struct {
	Tx       *wire.MsgTx
	Strategy chainntnfs.PublishStrategy
}

// WatchSpent registers a spend watch on an outpoint.
type WatchSpent struct {
	OutPoint wire.OutPoint
	PkScript []byte
	Tag      WatchTag
}

// WatchConfirmed registers a confirmation watch on a txid.
type WatchConfirmed struct {
	TxID     chainhash.Hash
	PkScript []byte
	MinDepth uint32
	Tag      WatchTag
}

// StoreSyncPoint names the durability rule a StoreChannel effect enforces.
type StoreSyncPoint uint8

const (
	// StoreGeneral is an ordinary persisted snapshot.
	StoreGeneral StoreSyncPoint = iota

	// StoreBeforeCommitSig must complete before the accompanying
	// commitment_signed leaves the node.
	StoreBeforeCommitSig

	// StoreBeforeRevocation must complete, atomically with the
	// revocation store insertion, before revoke_and_ack leaves the node.
	StoreBeforeRevocation
)

// StoreChannel requests a durable write of the channel state. Effects are
// ordered: a SendMsg that follows a StoreChannel in the effect list must not
// be performed until the write is stable.
type StoreChannel struct {
	SyncPoint StoreSyncPoint
}

// StorePreimage requests a durable write of a learned preimage, before any
// upstream acknowledgment referencing it is sent.
type StorePreimage struct {
	PaymentHash [32]byte
	Preimage    [32]byte
}

// SettleUpstream reports the settlement of a relayed HTLC to the driver so
// it can replay the fulfill or fail on the upstream channel.
type SettleUpstream struct {
	Settled SettledHtlc
}

// FailCmd reports a command failure back to its issuer.
type FailCmd struct {
	Err error
}

// EmitEvent publishes a domain event on the node-wide bus.
type EmitEvent struct {
	Event interface{}
}

func (SendMsg) channelEffect()        {}
func (PublishTx) channelEffect()      {}
func (WatchSpent) channelEffect()     {}
func (WatchConfirmed) channelEffect() {}
func (StoreChannel) channelEffect()   {}
func (StorePreimage) channelEffect()  {}
func (SettleUpstream) channelEffect() {}
func (FailCmd) channelEffect()        {}
func (EmitEvent) channelEffect()      {}
