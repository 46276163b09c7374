package channel

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/chainntnfs"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
	"github.com/nayutafoundry/chandler/shachain"
)

const (
	// MaxBtcFundingAmount is the largest channel a node without the wumbo
	// feature will open or accept.
	MaxBtcFundingAmount = btcutil.Amount(1<<24 - 1)

	// maxToSelfDelay is the largest to_self_delay we'll accept from a
	// peer, roughly two weeks of blocks.
	maxToSelfDelay = 2016

	// maxAllowedHtlcs is the protocol ceiling for max_accepted_htlcs.
	maxAllowedHtlcs = 483

	// minDustLimit is the smallest dust limit we'll accept, the standard
	// p2wsh dust threshold.
	minDustLimit = btcutil.Amount(354)
)

// Config carries the per-node parameters and capabilities a channel state
// machine needs. Everything here is immutable for the machine's lifetime;
// shared dependencies like the fee estimator are injected, never global.
type Config struct {
	// ChainHash identifies the chain channels must be anchored to.
	ChainHash chainhash.Hash

	// FeeEstimator supplies our view of current feerates.
	FeeEstimator chainfee.Estimator

	// FeerateTolerance bounds acceptable remote feerates.
	FeerateTolerance FeerateTolerance

	// CloseOnOfflineMismatch makes a feerate mismatch discovered while
	// the peer proposed update_fee a force-close offense.
	CloseOnOfflineMismatch bool

	// MinDepth is the confirmation depth we require of funding
	// transactions when accepting a channel.
	MinDepth uint32

	// FundingTimeoutBlocks is the fundee-side grace period: if the
	// funding transaction hasn't confirmed after this many blocks the
	// channel is forgotten.
	FundingTimeoutBlocks uint32

	// MaxFundingAmount is our local cap on accepted channel sizes,
	// applied on top of the wumbo rules.
	MaxFundingAmount btcutil.Amount

	// DustLimit is the dust limit we advertise for our commitment.
	DustLimit btcutil.Amount

	// MaxHtlcValueInFlight is the aggregate limit we impose on HTLCs the
	// peer offers us.
	MaxHtlcValueInFlight lnwire.MilliSatoshi

	// MaxAcceptedHtlcs is the count limit we impose on HTLCs the peer
	// offers us.
	MaxAcceptedHtlcs uint16

	// HtlcMinimum is the smallest HTLC we accept.
	HtlcMinimum lnwire.MilliSatoshi

	// ToSelfDelay is the CSV delay we demand on the peer's to-self
	// outputs.
	ToSelfDelay uint16

	// ReserveFactor expresses the channel reserve we demand as a divisor
	// of capacity (100 = 1%).
	ReserveFactor uint64

	// LocalFeatures and RemoteFeatures are the negotiated init feature
	// vectors, consulted for wumbo, static remote key and anchors.
	LocalFeatures  *lnwire.FeatureVector
	RemoteFeatures *lnwire.FeatureVector

	// Signer produces all our signatures.
	Signer input.Signer

	// Producer generates our per-commitment secrets.
	Producer shachain.Producer

	// MultiSigKey, RevocationBasePoint, PaymentBasePoint, DelayBasePoint
	// and HtlcBasePoint are our channel base points.
	MultiSigKey         *btcec.PublicKey
	RevocationBasePoint *btcec.PublicKey
	PaymentBasePoint    *btcec.PublicKey
	DelayBasePoint      *btcec.PublicKey
	HtlcBasePoint       *btcec.PublicKey

	// UpfrontShutdownScript, when set, is committed to at open time and
	// enforced on cooperative close.
	UpfrontShutdownScript lnwire.DeliveryAddress

	// DeliveryScript is the wallet script cooperative close payouts
	// default to when no upfront commitment or explicit script applies.
	DeliveryScript lnwire.DeliveryAddress
}

// Machine is the per-channel finite state automaton. It consumes inputs and
// emits effects; it never performs I/O itself. A machine is owned by exactly
// one driver goroutine, so no internal locking is needed; transitions are
// deterministic functions of (state, input).
type Machine struct {
	cfg Config

	state State

	// stateBeforeInterrupt remembers the operational state an OFFLINE or
	// SYNCING overlay interrupted.
	stateBeforeInterrupt State

	// commitments is nil until the first commitment signatures are
	// exchanged.
	commitments *Commitments

	// Handshake transients.
	tempChanID    [32]byte
	pendingFunder *CmdInitFunder
	pendingOpen   *lnwire.OpenChannel
	pendingAccept *lnwire.AcceptChannel
	fundingTx     *wire.MsgTx
	minDepth      uint32

	// Funding-locked bookkeeping.
	fundingConfirmed    bool
	fundingLockedSent   bool
	theirFundingLocked  *lnwire.FundingLocked
	shortChanID         lnwire.ShortChannelID
	fundingBroadcastAt  uint32
	currentHeight       uint32

	// Shutdown/negotiation transients.
	localShutdown  *lnwire.Shutdown
	remoteShutdown *lnwire.Shutdown
	negotiation    *negotiationState

	// pendingReestablish parks a channel_reestablish that arrived before
	// our own reconnection notification.
	pendingReestablish *lnwire.ChannelReestablish

	// mutualCloseTx is the fully signed closing transaction once fee
	// negotiation converges.
	mutualCloseTx *wire.MsgTx
}

// NewMachine creates a machine in WAIT_FOR_INIT.
func NewMachine(cfg Config) *Machine {
	return &Machine{
		cfg:   cfg,
		state: WaitForInit,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Commitments exposes the ledger, nil before funding.
func (m *Machine) Commitments() *Commitments {
	return m.commitments
}

// Process consumes one input and returns the effects of the transition. All
// failure modes are expressed as effects too: command failures via FailCmd,
// protocol violations via an outgoing error message plus a force close.
func (m *Machine) Process(in Input) []Effect {
	// Inputs that behave uniformly across states are handled first.
	switch in := in.(type) {
	case PeerMsg:
		switch msg := in.Msg.(type) {
		case *lnwire.Ping:
			return m.handlePing(msg)
		case *lnwire.Pong:
			return nil
		case *lnwire.Warning:
			log.Warnf("ChannelPoint(%v): peer warning: %v",
				m.chanIDString(), msg.Warning())
			return nil
		case *lnwire.Error:
			return m.handlePeerError(msg)
		}

	case InputDisconnected:
		return m.handleDisconnect()

	case NewBlock:
		return m.handleNewBlock(in)
	}

	switch m.state {
	case WaitForInit:
		return m.processWaitForInit(in)
	case WaitForOpen:
		return m.processWaitForOpen(in)
	case WaitForAccept:
		return m.processWaitForAccept(in)
	case WaitForFundingInternal:
		return m.processWaitForFundingInternal(in)
	case WaitForFundingCreated:
		return m.processWaitForFundingCreated(in)
	case WaitForFundingSigned:
		return m.processWaitForFundingSigned(in)
	case WaitForFundingConfirmed, WaitForFundingLocked:
		return m.processFundingDepth(in)
	case Normal, Shutdown:
		return m.processOperational(in)
	case Negotiating:
		return m.processNegotiating(in)
	case Closing:
		return m.processClosing(in)
	case Offline:
		return m.processOffline(in)
	case Syncing:
		return m.processSyncing(in)
	case WaitForRemotePublishFutureCommitment:
		return m.processWaitForRemotePublish(in)
	case Closed:
		return m.failCmdIfAny(in, ErrChannelUnavailable)
	}

	return nil
}

// transition moves the machine to a new state, emitting the state change
// event.
func (m *Machine) transition(next State) Effect {
	prev := m.state
	m.state = next

	log.Debugf("ChannelPoint(%v): %v -> %v", m.chanIDString(), prev, next)

	return EmitEvent{Event: StateChangedEvent{
		ChanID:   m.chanID(),
		Previous: prev,
		Current:  next,
	}}
}

func (m *Machine) chanID() lnwire.ChannelID {
	if m.commitments != nil {
		return m.commitments.Params.ChanID
	}
	return lnwire.ChannelID(m.tempChanID)
}

func (m *Machine) chanIDString() string {
	return m.chanID().String()
}

// handlePing answers a ping, respecting the padding contract.
func (m *Machine) handlePing(msg *lnwire.Ping) []Effect {
	// A ping requesting an oversized pong is a no-op by spec.
	if msg.NumPongBytes > lnwire.MaxPongBytes {
		return nil
	}

	return []Effect{SendMsg{Msg: &lnwire.Pong{
		PongBytes: make([]byte, msg.NumPongBytes),
	}}}
}

// handlePeerError reacts to an error message: anything addressed to this
// channel (or connection-wide) is fatal and triggers a force close.
func (m *Machine) handlePeerError(msg *lnwire.Error) []Effect {
	if msg.ChanID != m.chanID() &&
		msg.ChanID != lnwire.ConnectionWideID {

		return nil
	}

	log.Errorf("ChannelPoint(%v): peer error: %v", m.chanIDString(),
		msg.Error())

	// Before the funding transaction exists there is nothing to claim.
	if m.commitments == nil {
		return []Effect{m.transition(Closed)}
	}

	return m.forceClose("peer error")
}

// handleDisconnect parks the channel in OFFLINE if it is operational, or
// aborts the handshake when the channel has no funding committed yet.
func (m *Machine) handleDisconnect() []Effect {
	switch m.state {
	case WaitForInit, WaitForOpen, WaitForAccept, WaitForFundingInternal,
		WaitForFundingCreated:

		// Nothing at stake yet.
		return []Effect{m.transition(Closed)}

	case Normal, Shutdown, Negotiating, WaitForFundingConfirmed,
		WaitForFundingLocked, WaitForFundingSigned:

		m.stateBeforeInterrupt = m.state
		return []Effect{
			m.transition(Offline),
			EmitEvent{Event: LocalChannelDownEvent{
				ChanID: m.chanID(),
			}},
		}

	case Syncing:
		// Back to OFFLINE; the interrupted state is already recorded.
		return []Effect{m.transition(Offline)}

	default:
		// CLOSING and later states don't care about the connection.
		return nil
	}
}

// handleNewBlock tracks the height for funding timeouts and HTLC expiry.
func (m *Machine) handleNewBlock(in NewBlock) []Effect {
	m.currentHeight = in.Height

	// Fundee-side funding timeout: forget channels whose funding never
	// confirms.
	if m.state == WaitForFundingConfirmed && m.commitments != nil &&
		!m.commitments.Params.LocalIsFunder &&
		m.fundingBroadcastAt != 0 &&
		in.Height > m.fundingBroadcastAt+m.cfg.FundingTimeoutBlocks {

		log.Warnf("ChannelPoint(%v): funding timed out after %d "+
			"blocks", m.chanIDString(), m.cfg.FundingTimeoutBlocks)

		return []Effect{
			m.transition(Closed),
			EmitEvent{Event: ChannelClosedEvent{
				ChanID: m.chanID(),
				Reason: "funding timeout",
			}},
		}
	}

	return nil
}

// failCmdIfAny converts any local command input into a FailCmd effect, used
// by states that cannot serve commands.
func (m *Machine) failCmdIfAny(in Input, err error) []Effect {
	switch in.(type) {
	case CmdAddHTLC, CmdFulfillHTLC, CmdFailHTLC, CmdFailMalformedHTLC,
		CmdUpdateFee, CmdSign, CmdClose, CmdForceClose:

		return []Effect{FailCmd{Err: err}}
	}
	return nil
}

// ===== Funding handshake =====

// processWaitForInit starts the handshake in one of the two directions.
func (m *Machine) processWaitForInit(in Input) []Effect {
	switch in := in.(type) {
	case CmdInitFunder:
		return m.startFunder(in)

	case CmdInitFundee:
		return []Effect{m.transition(WaitForOpen)}

	case TickChannelOpenTimeout:
		return []Effect{m.transition(Closed)}
	}

	return m.failCmdIfAny(in, ErrChannelUnavailable)
}

// channelFeatureVector maps a channel type onto the explicit channel_type
// feature bits.
func channelFeatureVector(chanType channeldb.ChannelType) *lnwire.ChannelType {
	fv := lnwire.NewRawFeatureVector()
	if chanType.IsTweakless() {
		fv.Set(lnwire.StaticRemoteKeyRequired)
	}
	if chanType.HasAnchors() {
		fv.Set(lnwire.StaticRemoteKeyRequired)
		fv.Set(lnwire.AnchorsRequired)
	}

	ct := lnwire.ChannelType(*fv)
	return &ct
}

// chanTypeFromFeatures reverses channelFeatureVector.
func chanTypeFromFeatures(ct *lnwire.ChannelType) channeldb.ChannelType {
	if ct == nil {
		return channeldb.SingleFunderBit
	}

	fv := lnwire.RawFeatureVector(*ct)
	var chanType channeldb.ChannelType
	if fv.IsSet(lnwire.StaticRemoteKeyRequired) {
		chanType |= channeldb.SingleFunderTweaklessBit
	}
	if fv.IsSet(lnwire.AnchorsRequired) {
		chanType |= channeldb.AnchorOutputsBit
	}

	return chanType
}

// startFunder emits open_channel and moves to WAIT_FOR_ACCEPT.
func (m *Machine) startFunder(cmd CmdInitFunder) []Effect {
	if cmd.FundingAmount > MaxBtcFundingAmount &&
		!(m.cfg.LocalFeatures.HasFeature(lnwire.WumboChannelsOptional) &&
			m.cfg.RemoteFeatures.HasFeature(
				lnwire.WumboChannelsOptional,
			)) {

		return []Effect{FailCmd{Err: fmt.Errorf("funding of %v "+
			"requires the wumbo feature", cmd.FundingAmount)}}
	}

	// The temporary id only needs to be unique per peer; deriving it
	// from our payment base point and the funding parameters keeps the
	// machine deterministic.
	h := sha256.New()
	h.Write(m.cfg.PaymentBasePoint.SerializeCompressed())
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], uint64(cmd.FundingAmount))
	h.Write(amt[:])
	copy(m.tempChanID[:], h.Sum(nil))

	firstPoint, err := m.localPointAt(0)
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}

	var flags byte
	if cmd.AnnounceChannel {
		flags |= lnwire.FFAnnounceChannel
	}

	open := &lnwire.OpenChannel{
		ChainHash:             m.cfg.ChainHash,
		PendingChannelID:      m.tempChanID,
		FundingAmount:         cmd.FundingAmount,
		PushAmount:            cmd.PushAmount,
		DustLimit:             m.cfg.DustLimit,
		MaxValueInFlight:      m.cfg.MaxHtlcValueInFlight,
		ChannelReserve:        m.reserveFor(cmd.FundingAmount),
		HtlcMinimum:           m.cfg.HtlcMinimum,
		FeePerKiloWeight:      uint32(cmd.FeePerKw),
		CsvDelay:              m.cfg.ToSelfDelay,
		MaxAcceptedHTLCs:      m.cfg.MaxAcceptedHtlcs,
		FundingKey:            m.cfg.MultiSigKey,
		RevocationPoint:       m.cfg.RevocationBasePoint,
		PaymentPoint:          m.cfg.PaymentBasePoint,
		DelayedPaymentPoint:   m.cfg.DelayBasePoint,
		HtlcPoint:             m.cfg.HtlcBasePoint,
		FirstCommitmentPoint:  firstPoint,
		ChannelFlags:          flags,
		UpfrontShutdownScript: m.cfg.UpfrontShutdownScript,
		ChannelType:           channelFeatureVector(cmd.ChanType),
	}

	m.pendingFunder = &cmd

	return []Effect{
		SendMsg{Msg: open},
		m.transition(WaitForAccept),
	}
}

// reserveFor computes the channel reserve we demand for a given capacity.
func (m *Machine) reserveFor(capacity btcutil.Amount) btcutil.Amount {
	factor := m.cfg.ReserveFactor
	if factor == 0 {
		factor = 100
	}

	reserve := capacity / btcutil.Amount(factor)
	if reserve < m.cfg.DustLimit {
		reserve = m.cfg.DustLimit
	}
	return reserve
}

// processWaitForOpen is the fundee's handling of open_channel.
func (m *Machine) processWaitForOpen(in Input) []Effect {
	switch in := in.(type) {
	case PeerMsg:
		open, ok := in.Msg.(*lnwire.OpenChannel)
		if !ok {
			return nil
		}
		return m.handleOpenChannel(open)

	case TickChannelOpenTimeout:
		return []Effect{m.transition(Closed)}
	}

	return m.failCmdIfAny(in, ErrChannelUnavailable)
}

// handleOpenChannel validates the funder's proposal and answers with
// accept_channel.
func (m *Machine) handleOpenChannel(open *lnwire.OpenChannel) []Effect {
	// Duplicate opens with the same temporary channel id are ignored.
	if m.pendingOpen != nil &&
		m.pendingOpen.PendingChannelID == open.PendingChannelID {

		return nil
	}

	if err := m.validateOpen(open); err != nil {
		return m.openError(open.PendingChannelID, err)
	}

	firstPoint, err := m.localPointAt(0)
	if err != nil {
		return m.openError(open.PendingChannelID, err)
	}

	accept := &lnwire.AcceptChannel{
		PendingChannelID:      open.PendingChannelID,
		DustLimit:             m.cfg.DustLimit,
		MaxValueInFlight:      m.cfg.MaxHtlcValueInFlight,
		ChannelReserve:        m.reserveFor(open.FundingAmount),
		HtlcMinimum:           m.cfg.HtlcMinimum,
		MinAcceptDepth:        m.cfg.MinDepth,
		CsvDelay:              m.cfg.ToSelfDelay,
		MaxAcceptedHTLCs:      m.cfg.MaxAcceptedHtlcs,
		FundingKey:            m.cfg.MultiSigKey,
		RevocationPoint:       m.cfg.RevocationBasePoint,
		PaymentPoint:          m.cfg.PaymentBasePoint,
		DelayedPaymentPoint:   m.cfg.DelayBasePoint,
		HtlcPoint:             m.cfg.HtlcBasePoint,
		FirstCommitmentPoint:  firstPoint,
		UpfrontShutdownScript: m.cfg.UpfrontShutdownScript,
		ChannelType:           open.ChannelType,
	}

	m.tempChanID = open.PendingChannelID
	m.pendingOpen = open
	m.minDepth = m.cfg.MinDepth

	return []Effect{
		SendMsg{Msg: accept},
		m.transition(WaitForFundingCreated),
	}
}

// validateOpen enforces the accepter-side constraints on open_channel.
func (m *Machine) validateOpen(open *lnwire.OpenChannel) error {
	if open.ChainHash != m.cfg.ChainHash {
		return fmt.Errorf("foreign chain %v", open.ChainHash)
	}

	wumbo := m.cfg.LocalFeatures.HasFeature(
		lnwire.WumboChannelsOptional,
	) && m.cfg.RemoteFeatures.HasFeature(lnwire.WumboChannelsOptional)
	if open.FundingAmount > MaxBtcFundingAmount && !wumbo {
		return fmt.Errorf("funding %v over non-wumbo cap",
			open.FundingAmount)
	}

	if m.cfg.MaxFundingAmount != 0 &&
		open.FundingAmount > m.cfg.MaxFundingAmount {

		return fmt.Errorf("funding %v over local cap %v",
			open.FundingAmount, m.cfg.MaxFundingAmount)
	}

	if open.PushAmount >
		lnwire.NewMSatFromSatoshis(open.FundingAmount) {

		return fmt.Errorf("push amount exceeds funding")
	}

	if open.DustLimit < minDustLimit {
		return fmt.Errorf("dust limit %v too small", open.DustLimit)
	}

	if open.ChannelReserve < open.DustLimit {
		return fmt.Errorf("reserve below dust limit")
	}

	if open.CsvDelay > maxToSelfDelay {
		return fmt.Errorf("to_self_delay %d too large", open.CsvDelay)
	}

	if open.MaxAcceptedHTLCs > maxAllowedHtlcs {
		return fmt.Errorf("max_accepted_htlcs %d over protocol limit",
			open.MaxAcceptedHTLCs)
	}

	localFeeRate, err := m.cfg.FeeEstimator.EstimateFeePerKW(6)
	if err != nil {
		return err
	}
	if m.cfg.FeerateTolerance.IsFeeDiffTooHigh(
		localFeeRate, chainfee.SatPerKWeight(open.FeePerKiloWeight),
	) {
		return &FeerateTooDifferentError{
			LocalFeeRate: localFeeRate,
			RemoteFeeRate: chainfee.SatPerKWeight(
				open.FeePerKiloWeight,
			),
		}
	}

	return nil
}

// openError rejects a channel open attempt.
func (m *Machine) openError(pendingID [32]byte, err error) []Effect {
	log.Warnf("rejecting channel open: %v", err)

	return []Effect{
		SendMsg{Msg: &lnwire.Error{
			ChanID: lnwire.ChannelID(pendingID),
			Data:   lnwire.ErrorData(err.Error()),
		}},
		m.transition(Closed),
	}
}

// processWaitForAccept is the funder's handling of accept_channel.
func (m *Machine) processWaitForAccept(in Input) []Effect {
	switch in := in.(type) {
	case PeerMsg:
		accept, ok := in.Msg.(*lnwire.AcceptChannel)
		if !ok {
			return nil
		}
		if accept.PendingChannelID != m.tempChanID {
			return nil
		}

		if err := m.validateAccept(accept); err != nil {
			return m.openError(m.tempChanID, err)
		}

		m.pendingAccept = accept
		m.minDepth = accept.MinAcceptDepth

		// Hand control to the wallet to build the funding
		// transaction; its completion arrives as FundingTxReady.
		return []Effect{m.transition(WaitForFundingInternal)}

	case TickChannelOpenTimeout:
		return []Effect{m.transition(Closed)}
	}

	return m.failCmdIfAny(in, ErrChannelUnavailable)
}

// validateAccept enforces the funder-side constraints on accept_channel.
func (m *Machine) validateAccept(accept *lnwire.AcceptChannel) error {
	if accept.DustLimit < minDustLimit {
		return fmt.Errorf("dust limit %v too small", accept.DustLimit)
	}

	if accept.CsvDelay > maxToSelfDelay {
		return fmt.Errorf("to_self_delay %d too large",
			accept.CsvDelay)
	}

	if accept.MaxAcceptedHTLCs > maxAllowedHtlcs {
		return fmt.Errorf("max_accepted_htlcs %d over protocol limit",
			accept.MaxAcceptedHTLCs)
	}

	if accept.MinAcceptDepth == 0 || accept.MinAcceptDepth > 144 {
		return fmt.Errorf("unreasonable min depth %d",
			accept.MinAcceptDepth)
	}

	return nil
}

// processWaitForFundingInternal waits for the wallet's funding transaction.
func (m *Machine) processWaitForFundingInternal(in Input) []Effect {
	switch in := in.(type) {
	case FundingTxReady:
		return m.handleFundingTxReady(in)

	case TickChannelOpenTimeout:
		return []Effect{m.transition(Closed)}
	}

	return m.failCmdIfAny(in, ErrChannelUnavailable)
}

// handleFundingTxReady (funder) assembles the ledger, signs the fundee's
// first commitment and sends funding_created.
func (m *Machine) handleFundingTxReady(in FundingTxReady) []Effect {
	cmd := m.pendingFunder
	accept := m.pendingAccept

	fundingOutpoint := wire.OutPoint{
		Hash:  in.Tx.TxHash(),
		Index: in.OutputIndex,
	}

	chanType := cmd.ChanType
	if accept.ChannelType != nil {
		chanType = chanTypeFromFeatures(accept.ChannelType)
	}

	toLocal := lnwire.NewMSatFromSatoshis(cmd.FundingAmount) -
		cmd.PushAmount

	commitments, err := m.assembleCommitments(assembleParams{
		chanType:        chanType,
		fundingOutpoint: fundingOutpoint,
		capacity:        cmd.FundingAmount,
		localIsFunder:   true,
		feePerKw:        cmd.FeePerKw,
		toLocal:         toLocal,
		toRemote:        cmd.PushAmount,

		remoteDust:         accept.DustLimit,
		remoteMaxInFlight:  accept.MaxValueInFlight,
		remoteReserve:      m.reserveFor(cmd.FundingAmount),
		localReserve:       accept.ChannelReserve,
		remoteHtlcMin:      accept.HtlcMinimum,
		localCsv:           accept.CsvDelay,
		remoteCsv:          m.cfg.ToSelfDelay,
		remoteMaxHtlcs:     accept.MaxAcceptedHTLCs,
		remoteMultiSig:     accept.FundingKey,
		remoteRevocation:   accept.RevocationPoint,
		remotePayment:      accept.PaymentPoint,
		remoteDelay:        accept.DelayedPaymentPoint,
		remoteHtlc:         accept.HtlcPoint,
		remoteShutdown:     accept.UpfrontShutdownScript,
		remoteFirstPoint:   accept.FirstCommitmentPoint,
		openerPaymentPoint: m.cfg.PaymentBasePoint,
		accepterPayment:    accept.PaymentPoint,
	})
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}

	m.commitments = commitments
	m.fundingTx = in.Tx

	// Sign the fundee's first commitment.
	firstRemoteSpec := commitments.RemoteCommit.Spec
	keyRing := commitments.RemoteKeyRing(
		commitments.RemoteCommit.RemotePerCommitmentPoint,
	)
	built, err := commitment.CreateCommitmentTx(
		chanType, &commitments.Params.RemoteCfg,
		&commitments.Params.LocalCfg, false,
		commitments.Params.FundingTxIn(), keyRing, firstRemoteSpec,
		0, commitments.Params.Obfuscator,
	)
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}
	commitments.RemoteCommit.TxID = built.Tx.TxHash()

	sig, err := commitments.signFundingSpend(built.Tx)
	if err != nil {
		return []Effect{FailCmd{Err: err}}
	}

	return []Effect{
		SendMsg{Msg: &lnwire.FundingCreated{
			PendingChannelID: m.tempChanID,
			FundingPoint:     fundingOutpoint,
			CommitSig:        sig,
		}},
		m.transition(WaitForFundingSigned),
	}
}

// assembleParams collects everything needed to build the initial ledger.
type assembleParams struct {
	chanType        channeldb.ChannelType
	fundingOutpoint wire.OutPoint
	capacity        btcutil.Amount
	localIsFunder   bool
	feePerKw        chainfee.SatPerKWeight
	toLocal         lnwire.MilliSatoshi
	toRemote        lnwire.MilliSatoshi

	remoteDust        btcutil.Amount
	remoteMaxInFlight lnwire.MilliSatoshi
	remoteReserve     btcutil.Amount
	localReserve      btcutil.Amount
	remoteHtlcMin     lnwire.MilliSatoshi
	localCsv          uint16
	remoteCsv         uint16
	remoteMaxHtlcs    uint16

	remoteMultiSig   *btcec.PublicKey
	remoteRevocation *btcec.PublicKey
	remotePayment    *btcec.PublicKey
	remoteDelay      *btcec.PublicKey
	remoteHtlc       *btcec.PublicKey
	remoteShutdown   lnwire.DeliveryAddress
	remoteFirstPoint *btcec.PublicKey

	openerPaymentPoint *btcec.PublicKey
	accepterPayment    *btcec.PublicKey
}

// assembleCommitments builds the initial Commitments ledger at index 0 on
// both sides.
func (m *Machine) assembleCommitments(p assembleParams) (*Commitments,
	error) {

	fundingScript, _, err := input.GenFundingPkScript(
		m.cfg.MultiSigKey.SerializeCompressed(),
		p.remoteMultiSig.SerializeCompressed(), int64(p.capacity),
	)
	if err != nil {
		return nil, err
	}

	localCfg := channeldb.ChannelConfig{
		ChannelConstraints: channeldb.ChannelConstraints{
			DustLimit:        m.cfg.DustLimit,
			ChanReserve:      p.localReserve,
			MaxPendingAmount: p.remoteMaxInFlight,
			MinHTLC:          p.remoteHtlcMin,
			MaxAcceptedHtlcs: p.remoteMaxHtlcs,
			CsvDelay:         p.localCsv,
		},
		MultiSigKey:           m.cfg.MultiSigKey,
		RevocationBasePoint:   m.cfg.RevocationBasePoint,
		PaymentBasePoint:      m.cfg.PaymentBasePoint,
		DelayBasePoint:        m.cfg.DelayBasePoint,
		HtlcBasePoint:         m.cfg.HtlcBasePoint,
		UpfrontShutdownScript: m.cfg.UpfrontShutdownScript,
	}

	remoteCfg := channeldb.ChannelConfig{
		ChannelConstraints: channeldb.ChannelConstraints{
			DustLimit:        p.remoteDust,
			ChanReserve:      p.remoteReserve,
			MaxPendingAmount: m.cfg.MaxHtlcValueInFlight,
			MinHTLC:          m.cfg.HtlcMinimum,
			MaxAcceptedHtlcs: m.cfg.MaxAcceptedHtlcs,
			CsvDelay:         p.remoteCsv,
		},
		MultiSigKey:           p.remoteMultiSig,
		RevocationBasePoint:   p.remoteRevocation,
		PaymentBasePoint:      p.remotePayment,
		DelayBasePoint:        p.remoteDelay,
		HtlcBasePoint:         p.remoteHtlc,
		UpfrontShutdownScript: p.remoteShutdown,
	}

	obfuscator := commitment.DeriveStateHintObfuscator(
		p.openerPaymentPoint, p.accepterPayment,
	)

	params := Params{
		ChanID:               lnwire.NewChanIDFromOutPoint(p.fundingOutpoint),
		ChanType:             p.chanType,
		FundingOutpoint:      p.fundingOutpoint,
		Capacity:             p.capacity,
		LocalIsFunder:        p.localIsFunder,
		LocalCfg:             localCfg,
		RemoteCfg:            remoteCfg,
		FundingWitnessScript: fundingScript,
		Obfuscator:           obfuscator,
	}

	localSpec := &commitment.Spec{
		FeePerKw: p.feePerKw,
		ToLocal:  p.toLocal,
		ToRemote: p.toRemote,
	}
	remoteSpec := localSpec.Mirror()

	c := &Commitments{
		Params: params,
		LocalCommit: LocalCommit{
			Index: 0,
			Spec:  localSpec,
		},
		RemoteCommit: RemoteCommit{
			Index:                    0,
			Spec:                     remoteSpec,
			RemotePerCommitmentPoint: p.remoteFirstPoint,
		},
		Origins:       make(map[uint64]channeldb.Origin),
		RemoteSecrets: shachain.NewRevocationStore(),
	}
	c.BindKeys(m.cfg.Signer, m.cfg.Producer)

	return c, nil
}

// localPointAt derives our per-commitment point for the given index.
func (m *Machine) localPointAt(index uint64) (*btcec.PublicKey, error) {
	secret, err := m.cfg.Producer.AtIndex(index)
	if err != nil {
		return nil, err
	}
	return input.ComputeCommitmentPoint(secret[:]), nil
}

// processWaitForFundingCreated is the fundee's handling of funding_created.
func (m *Machine) processWaitForFundingCreated(in Input) []Effect {
	peerMsg, ok := in.(PeerMsg)
	if !ok {
		if _, timeout := in.(TickChannelOpenTimeout); timeout {
			return []Effect{m.transition(Closed)}
		}
		return m.failCmdIfAny(in, ErrChannelUnavailable)
	}

	created, ok := peerMsg.Msg.(*lnwire.FundingCreated)
	if !ok || created.PendingChannelID != m.tempChanID {
		return nil
	}

	open := m.pendingOpen
	chanType := chanTypeFromFeatures(open.ChannelType)

	toRemote := lnwire.NewMSatFromSatoshis(open.FundingAmount) -
		open.PushAmount

	commitments, err := m.assembleCommitments(assembleParams{
		chanType:        chanType,
		fundingOutpoint: created.FundingPoint,
		capacity:        open.FundingAmount,
		localIsFunder:   false,
		feePerKw: chainfee.SatPerKWeight(
			open.FeePerKiloWeight,
		),
		toLocal:  open.PushAmount,
		toRemote: toRemote,

		remoteDust:         open.DustLimit,
		remoteMaxInFlight:  open.MaxValueInFlight,
		remoteReserve:      m.reserveFor(open.FundingAmount),
		localReserve:       open.ChannelReserve,
		remoteHtlcMin:      open.HtlcMinimum,
		localCsv:           open.CsvDelay,
		remoteCsv:          m.cfg.ToSelfDelay,
		remoteMaxHtlcs:     open.MaxAcceptedHTLCs,
		remoteMultiSig:     open.FundingKey,
		remoteRevocation:   open.RevocationPoint,
		remotePayment:      open.PaymentPoint,
		remoteDelay:        open.DelayedPaymentPoint,
		remoteHtlc:         open.HtlcPoint,
		remoteShutdown:     open.UpfrontShutdownScript,
		remoteFirstPoint:   open.FirstCommitmentPoint,
		openerPaymentPoint: open.PaymentPoint,
		accepterPayment:    m.cfg.PaymentBasePoint,
	})
	if err != nil {
		return m.openError(m.tempChanID, err)
	}

	m.commitments = commitments

	// Build and verify our first commitment against their signature.
	point, err := m.localPointAt(0)
	if err != nil {
		return m.openError(m.tempChanID, err)
	}
	keyRing := commitments.LocalKeyRing(point)
	builtLocal, err := commitment.CreateCommitmentTx(
		chanType, &commitments.Params.LocalCfg,
		&commitments.Params.RemoteCfg, false,
		commitments.Params.FundingTxIn(), keyRing,
		commitments.LocalCommit.Spec, 0,
		commitments.Params.Obfuscator,
	)
	if err != nil {
		return m.openError(m.tempChanID, err)
	}
	err = commitments.verifyFundingSig(builtLocal.Tx, created.CommitSig)
	if err != nil {
		return m.openError(m.tempChanID, err)
	}
	commitments.LocalCommit.CommitTx = builtLocal.Tx
	commitments.LocalCommit.CommitSig = created.CommitSig

	// And sign their first commitment.
	remoteKeyRing := commitments.RemoteKeyRing(
		commitments.RemoteCommit.RemotePerCommitmentPoint,
	)
	builtRemote, err := commitment.CreateCommitmentTx(
		chanType, &commitments.Params.RemoteCfg,
		&commitments.Params.LocalCfg, true,
		commitments.Params.FundingTxIn(), remoteKeyRing,
		commitments.RemoteCommit.Spec, 0,
		commitments.Params.Obfuscator,
	)
	if err != nil {
		return m.openError(m.tempChanID, err)
	}
	commitments.RemoteCommit.TxID = builtRemote.Tx.TxHash()

	ourSig, err := commitments.signFundingSpend(builtRemote.Tx)
	if err != nil {
		return m.openError(m.tempChanID, err)
	}

	fundingPkScript, err := input.WitnessScriptHash(
		commitments.Params.FundingWitnessScript,
	)
	if err != nil {
		return m.openError(m.tempChanID, err)
	}

	m.fundingBroadcastAt = m.currentHeight

	// The channel state, including the signature we're about to hand
	// out, must hit the disk before funding_signed does: after a crash
	// we must be able to prove what we signed.
	return []Effect{
		StoreChannel{SyncPoint: StoreBeforeCommitSig},
		SendMsg{Msg: &lnwire.FundingSigned{
			ChanID:    commitments.Params.ChanID,
			CommitSig: ourSig,
		}},
		WatchConfirmed{
			TxID:     commitments.Params.FundingOutpoint.Hash,
			PkScript: fundingPkScript,
			MinDepth: m.minDepth,
			Tag:      WatchTagFundingConfirmed,
		},
		WatchSpent{
			OutPoint: commitments.Params.FundingOutpoint,
			PkScript: fundingPkScript,
			Tag:      WatchTagFundingSpent,
		},
		EmitEvent{Event: ChannelCreatedEvent{
			ChanID:       commitments.Params.ChanID,
			FundingTxID:  commitments.Params.FundingOutpoint.Hash,
			IsFunder:     false,
			CapacitySats: int64(open.FundingAmount),
		}},
		m.transition(WaitForFundingConfirmed),
	}
}

// processWaitForFundingSigned is the funder's handling of funding_signed.
func (m *Machine) processWaitForFundingSigned(in Input) []Effect {
	peerMsg, ok := in.(PeerMsg)
	if !ok {
		if _, timeout := in.(TickChannelOpenTimeout); timeout {
			return []Effect{m.transition(Closed)}
		}
		return m.failCmdIfAny(in, ErrChannelUnavailable)
	}

	signed, ok := peerMsg.Msg.(*lnwire.FundingSigned)
	if !ok || signed.ChanID != m.commitments.Params.ChanID {
		return nil
	}

	commitments := m.commitments

	// Build our first commitment and verify their signature before any
	// money can leave the wallet.
	point, err := m.localPointAt(0)
	if err != nil {
		return m.openError(m.tempChanID, err)
	}
	keyRing := commitments.LocalKeyRing(point)
	built, err := commitment.CreateCommitmentTx(
		commitments.Params.ChanType, &commitments.Params.LocalCfg,
		&commitments.Params.RemoteCfg, true,
		commitments.Params.FundingTxIn(), keyRing,
		commitments.LocalCommit.Spec, 0,
		commitments.Params.Obfuscator,
	)
	if err != nil {
		return m.openError(m.tempChanID, err)
	}
	if err := commitments.verifyFundingSig(
		built.Tx, signed.CommitSig,
	); err != nil {
		return m.openError(m.tempChanID, err)
	}

	commitments.LocalCommit.CommitTx = built.Tx
	commitments.LocalCommit.CommitSig = signed.CommitSig

	fundingPkScript, err := input.WitnessScriptHash(
		commitments.Params.FundingWitnessScript,
	)
	if err != nil {
		return m.openError(m.tempChanID, err)
	}

	m.fundingBroadcastAt = m.currentHeight

	return []Effect{
		StoreChannel{SyncPoint: StoreGeneral},
		PublishTx{Tx: m.fundingTx, Strategy: chainntnfs.JustPublish},
		WatchConfirmed{
			TxID:     commitments.Params.FundingOutpoint.Hash,
			PkScript: fundingPkScript,
			MinDepth: m.minDepth,
			Tag:      WatchTagFundingConfirmed,
		},
		WatchSpent{
			OutPoint: commitments.Params.FundingOutpoint,
			PkScript: fundingPkScript,
			Tag:      WatchTagFundingSpent,
		},
		EmitEvent{Event: ChannelCreatedEvent{
			ChanID:       commitments.Params.ChanID,
			FundingTxID:  commitments.Params.FundingOutpoint.Hash,
			IsFunder:     true,
			CapacitySats: int64(commitments.Params.Capacity),
		}},
		m.transition(WaitForFundingConfirmed),
	}
}

// processFundingDepth handles WAIT_FOR_FUNDING_CONFIRMED and
// WAIT_FOR_FUNDING_LOCKED.
func (m *Machine) processFundingDepth(in Input) []Effect {
	switch in := in.(type) {
	case ChainEventConfirmed:
		if in.Tag != WatchTagFundingConfirmed {
			return nil
		}
		return m.handleFundingConfirmed(in)

	case ChainEventSpent:
		if in.Tag == WatchTagFundingSpent {
			return m.handleFundingSpent(in)
		}
		return nil

	case PeerMsg:
		if locked, ok := in.Msg.(*lnwire.FundingLocked); ok {
			return m.handleFundingLocked(locked)
		}
		return nil

	case InputRestored:
		return m.rearmFundingWatches()
	}

	return m.failCmdIfAny(in, ErrChannelUnavailable)
}

// handleFundingConfirmed sends funding_locked once the funding output is
// buried deep enough.
func (m *Machine) handleFundingConfirmed(in ChainEventConfirmed) []Effect {
	m.fundingConfirmed = true

	// Record the channel's location in the chain.
	var txIndex uint32
	if in.TxIndex <= 0xFFFFFF {
		txIndex = in.TxIndex
	}
	m.shortChanID = lnwire.ShortChannelID{
		BlockHeight: in.BlockHeight,
		TxIndex:     txIndex,
		TxPosition: uint16(
			m.commitments.Params.FundingOutpoint.Index,
		),
	}

	nextPoint, err := m.localPointAt(1)
	if err != nil {
		return m.fatal(err)
	}

	m.fundingLockedSent = true

	effects := []Effect{
		StoreChannel{SyncPoint: StoreGeneral},
		SendMsg{Msg: &lnwire.FundingLocked{
			ChanID:                 m.commitments.Params.ChanID,
			NextPerCommitmentPoint: nextPoint,
		}},
		EmitEvent{Event: ShortChannelIDAssignedEvent{
			ChanID:      m.commitments.Params.ChanID,
			ShortChanID: m.shortChanID,
		}},
	}

	// If their funding_locked already arrived we can go straight to
	// NORMAL.
	if m.theirFundingLocked != nil {
		return append(effects, m.enterNormal(m.theirFundingLocked)...)
	}

	return append(effects, m.transition(WaitForFundingLocked))
}

// handleFundingLocked stores or consumes the peer's funding_locked.
func (m *Machine) handleFundingLocked(locked *lnwire.FundingLocked) []Effect {
	if locked.ChanID != m.commitments.Params.ChanID {
		return nil
	}

	// Receiving it before our own confirmation notification is fine:
	// stash it.
	if !m.fundingConfirmed {
		m.theirFundingLocked = locked
		return nil
	}

	// A duplicate funding_locked in NORMAL would be handled there; here
	// it moves us forward.
	return m.enterNormal(locked)
}

// enterNormal finalizes the handshake.
func (m *Machine) enterNormal(locked *lnwire.FundingLocked) []Effect {
	m.theirFundingLocked = locked
	m.commitments.RemoteNextCommitPoint = locked.NextPerCommitmentPoint

	return []Effect{
		StoreChannel{SyncPoint: StoreGeneral},
		m.transition(Normal),
	}
}

// rearmFundingWatches re-registers the funding watches after a restart.
func (m *Machine) rearmFundingWatches() []Effect {
	fundingPkScript, err := input.WitnessScriptHash(
		m.commitments.Params.FundingWitnessScript,
	)
	if err != nil {
		return m.fatal(err)
	}

	effects := []Effect{
		WatchConfirmed{
			TxID:     m.commitments.Params.FundingOutpoint.Hash,
			PkScript: fundingPkScript,
			MinDepth: m.minDepth,
			Tag:      WatchTagFundingConfirmed,
		},
		WatchSpent{
			OutPoint: m.commitments.Params.FundingOutpoint,
			PkScript: fundingPkScript,
			Tag:      WatchTagFundingSpent,
		},
		EmitEvent{Event: ChannelRestoredEvent{
			ChanID: m.commitments.Params.ChanID,
		}},
	}

	// The funder re-publishes the funding transaction: publication is
	// idempotent.
	if m.commitments.Params.LocalIsFunder && m.fundingTx != nil {
		effects = append(effects, PublishTx{
			Tx:       m.fundingTx,
			Strategy: chainntnfs.JustPublish,
		})
	}

	return effects
}

// fundingPkScript returns the p2wsh script of the funding output.
func (m *Machine) fundingPkScript() ([]byte, error) {
	return input.WitnessScriptHash(
		m.commitments.Params.FundingWitnessScript,
	)
}

// fatal emits an error to the peer and force closes.
func (m *Machine) fatal(err error) []Effect {
	log.Errorf("ChannelPoint(%v): fatal: %v", m.chanIDString(), err)

	effects := []Effect{SendMsg{Msg: &lnwire.Error{
		ChanID: m.chanID(),
		Data:   lnwire.ErrorData(err.Error()),
	}}}

	return append(effects, m.forceClose(err.Error())...)
}
