package channel

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
	"github.com/nayutafoundry/chandler/shachain"
)

// Changes is one side's view of the update log: updates not yet covered by
// any signature, updates covered by the latest outgoing (for local changes)
// or incoming (for remote changes) signature but not yet present in both
// commitments, and updates present in exactly one commitment awaiting
// inclusion in the other. An update that reaches both commitments leaves the
// log entirely.
type Changes struct {
	// Proposed holds updates sent/received but not yet referenced by any
	// commitment signature.
	Proposed []lnwire.Message

	// Signed holds updates included in the in-flight commitment awaiting
	// its revocation.
	Signed []lnwire.Message

	// Acked holds updates irrevocably committed on one side and awaiting
	// inclusion in the other side's next commitment.
	Acked []lnwire.Message
}

// LocalCommit is our own commitment: the latest state the remote party has
// given us a valid signature for, and that we may broadcast at any time.
type LocalCommit struct {
	// Index is the commitment number.
	Index uint64

	// Spec describes the commitment from our PoV.
	Spec *commitment.Spec

	// CommitTx is the unsigned commitment transaction.
	CommitTx *wire.MsgTx

	// CommitSig is the remote party's signature for CommitTx.
	CommitSig lnwire.Sig

	// HtlcSigs are the remote party's signatures for our second-level
	// HTLC transactions, ordered by the HTLC outputs' position in
	// CommitTx.
	HtlcSigs []lnwire.Sig
}

// RemoteCommit is the latest commitment transaction we have signed for the
// remote party. We track only what's needed to recognize it on-chain and to
// react to its publication; the remote holds the transaction itself.
type RemoteCommit struct {
	// Index is the commitment number.
	Index uint64

	// Spec describes the commitment from the REMOTE party's PoV: its
	// ToLocal is their balance.
	Spec *commitment.Spec

	// TxID identifies the commitment transaction we signed.
	TxID chainhash.Hash

	// RemotePerCommitmentPoint is the per-commitment point the remote
	// used for this commitment. Required to derive penalty and sweep keys
	// should this commitment hit the chain.
	RemotePerCommitmentPoint *btcec.PublicKey
}

// WaitingForRevocation is the transient "next remote commitment" held
// between sending commitment_signed and receiving the matching
// revoke_and_ack.
type WaitingForRevocation struct {
	// NextRemoteCommit is the newly signed remote commitment.
	NextRemoteCommit RemoteCommit

	// Sent is the exact commitment_signed message we sent, kept for
	// retransmission on reconnect.
	Sent *lnwire.CommitSig

	// ReAckRequested is set when, during reestablish, we detect the peer
	// also lost our last revoke_and_ack, in which case it must be
	// retransmitted before the signature.
	ReAckRequested bool
}

// Params holds the static parameters of a channel, fixed at funding time.
type Params struct {
	// ChanID is the channel id derived from the funding outpoint.
	ChanID lnwire.ChannelID

	// ChanType is the commitment format negotiated for this channel.
	ChanType channeldb.ChannelType

	// FundingOutpoint is the 2-of-2 output this channel spends.
	FundingOutpoint wire.OutPoint

	// Capacity is the total channel capacity.
	Capacity btcutil.Amount

	// LocalIsFunder is true when we funded the channel and therefore pay
	// commit fees and anchor amounts.
	LocalIsFunder bool

	// LocalCfg and RemoteCfg are the per-party channel configurations.
	LocalCfg  channeldb.ChannelConfig
	RemoteCfg channeldb.ChannelConfig

	// FundingWitnessScript is the 2-of-2 multisig script of the funding
	// output.
	FundingWitnessScript []byte

	// Obfuscator masks the commitment number hint encoded in each
	// commitment transaction.
	Obfuscator [commitment.StateHintSize]byte
}

// FundingTxIn returns the sole input of every commitment transaction.
func (p *Params) FundingTxIn() wire.TxIn {
	return *wire.NewTxIn(&p.FundingOutpoint, nil, nil)
}

// FundingTxOut reconstructs the funding output being spent.
func (p *Params) FundingTxOut() (*wire.TxOut, error) {
	pkScript, err := input.WitnessScriptHash(p.FundingWitnessScript)
	if err != nil {
		return nil, err
	}

	return &wire.TxOut{
		Value:    int64(p.Capacity),
		PkScript: pkScript,
	}, nil
}

// Commitments is the commitment ledger of one channel: the dual commitment
// pair, the update logs of both parties, origin tracking for relayed HTLCs,
// and the revocation state. Every mutating operation either updates the
// receiver in place or returns an error and never leaves the receiver
// half-updated on failure.
type Commitments struct {
	// Params are the static channel parameters.
	Params Params

	// LocalCommit and RemoteCommit are the two current commitments.
	LocalCommit  LocalCommit
	RemoteCommit RemoteCommit

	// PendingRemoteCommit is non-nil while a newly signed remote
	// commitment awaits its revoke_and_ack.
	PendingRemoteCommit *WaitingForRevocation

	// RemoteNextCommitPoint is the per-commitment point to use for the
	// next remote commitment we sign. Nil exactly when
	// PendingRemoteCommit is set.
	RemoteNextCommitPoint *btcec.PublicKey

	// LocalChanges and RemoteChanges are the two update logs.
	LocalChanges  Changes
	RemoteChanges Changes

	// LocalNextHtlcID and RemoteNextHtlcID are the next HTLC ids for
	// each direction.
	LocalNextHtlcID  uint64
	RemoteNextHtlcID uint64

	// Origins maps our offered HTLC ids to their upstream origins.
	Origins map[uint64]channeldb.Origin

	// RemoteSecrets holds every per-commitment secret the remote party
	// has revealed, in O(log n) space.
	RemoteSecrets *shachain.RevocationStore

	// RevocationLog records, for every revoked remote commitment, the
	// spec it was built from. The secrets live in RemoteSecrets; this log
	// carries the HTLC set needed to reconstruct the exact transaction
	// and its scripts should the revoked state ever hit the chain.
	RevocationLog map[uint64]*commitment.Spec

	// FutureCommitPoint is the remote per-commitment point learned from
	// a channel_reestablish that proved us out of date. It is the only
	// handle we have on the future commitment the peer will publish.
	FutureCommitPoint *btcec.PublicKey

	// producer generates our own per-commitment secrets.
	producer shachain.Producer

	// signer produces all our signatures.
	signer input.Signer
}

// BindKeys attaches the signer and per-commitment secret producer. Must be
// called before any signing operation, including after restoring a ledger
// from disk.
func (c *Commitments) BindKeys(signer input.Signer,
	producer shachain.Producer) {

	c.signer = signer
	c.producer = producer
}

// LocalCommitPoint returns our per-commitment point for the given commitment
// index.
func (c *Commitments) LocalCommitPoint(index uint64) (*btcec.PublicKey,
	error) {

	secret, err := c.producer.AtIndex(index)
	if err != nil {
		return nil, err
	}

	return input.ComputeCommitmentPoint(secret[:]), nil
}

// LocalKeyRing derives the key ring for our own commitment at the given
// point.
func (c *Commitments) LocalKeyRing(
	commitPoint *btcec.PublicKey) *commitment.KeyRing {

	return commitment.DeriveCommitmentKeys(
		commitPoint, c.Params.ChanType, &c.Params.LocalCfg,
		&c.Params.RemoteCfg,
	)
}

// RemoteKeyRing derives the key ring for the remote party's commitment at
// the given point.
func (c *Commitments) RemoteKeyRing(
	commitPoint *btcec.PublicKey) *commitment.KeyRing {

	return commitment.DeriveCommitmentKeys(
		commitPoint, c.Params.ChanType, &c.Params.RemoteCfg,
		&c.Params.LocalCfg,
	)
}

// LocalHasChanges reports whether the remote commitment has changes to sign:
// updates we proposed, or remote updates we acked that are not yet in it.
func (c *Commitments) LocalHasChanges() bool {
	return len(c.LocalChanges.Proposed) > 0 ||
		len(c.RemoteChanges.Acked) > 0
}

// RemoteHasUnsignedUpdates reports whether the remote party has proposed
// updates we have not yet signed into their commitment.
func (c *Commitments) RemoteHasUnsignedUpdates() bool {
	return len(c.RemoteChanges.Proposed) > 0
}

// LocalHasUnsignedOutgoingHtlcs reports whether we have offered HTLCs that
// are not yet covered by any signature. Relevant when initiating shutdown:
// such HTLCs must first be flushed or rejected.
func (c *Commitments) LocalHasUnsignedOutgoingHtlcs() bool {
	for _, msg := range c.LocalChanges.Proposed {
		if _, ok := msg.(*lnwire.UpdateAddHTLC); ok {
			return true
		}
	}
	return false
}

// HasPendingHtlcs reports whether any HTLC is present on the local, the
// remote or the pending remote commitment. Adds still only in the update logs
// are not counted.
func (c *Commitments) HasPendingHtlcs() bool {
	if len(c.LocalCommit.Spec.Htlcs) > 0 {
		return true
	}
	if len(c.RemoteCommit.Spec.Htlcs) > 0 {
		return true
	}
	if c.PendingRemoteCommit != nil &&
		len(c.PendingRemoteCommit.NextRemoteCommit.Spec.Htlcs) > 0 {

		return true
	}

	return false
}

// commitTxTotalCost is the full amount the initiator must carve out of its
// balance for a commitment built on the given spec: the miner fee plus, for
// anchor channels, the two anchor outputs.
func (c *Commitments) commitTxTotalCost(dustLimit btcutil.Amount,
	spec *commitment.Spec) lnwire.MilliSatoshi {

	fee := commitment.CommitFee(c.Params.ChanType, spec, dustLimit)
	fee += commitment.AnchorsCost(c.Params.ChanType)

	return lnwire.NewMSatFromSatoshis(fee)
}

// AvailableBalanceForSend returns the maximum HTLC amount we can currently
// add. The computation simulates the remote commitment (the more restrictive
// one for a sender) with all pending changes applied, subtracts the remote
// party's reserve requirement and, when we're the funder, the commitment
// fee at current and doubled feerates plus room for the new HTLC output.
func (c *Commitments) AvailableBalanceForSend() lnwire.MilliSatoshi {
	remoteSpec, err := reduceSpec(
		c.RemoteCommit.Spec, c.RemoteChanges.Acked,
		c.LocalChanges.Proposed,
	)
	if err != nil {
		return 0
	}

	// In the remote commitment spec, ToRemote is our balance.
	reserve := lnwire.NewMSatFromSatoshis(c.Params.LocalCfg.ChanReserve)
	balance := remoteSpec.ToRemote
	if balance < reserve {
		return 0
	}
	balance -= reserve

	if !c.Params.LocalIsFunder {
		return balance
	}

	// The funder always pays the on-chain fees, so we must subtract them
	// from the amount we can send, keeping a buffer against a 2x feerate
	// increase.
	dustLimit := c.Params.RemoteCfg.DustLimit
	spikeSpec := *remoteSpec
	spikeSpec.FeePerKw *= 2

	commitCost := c.commitTxTotalCost(dustLimit, remoteSpec)
	feeBuffer := c.commitTxTotalCost(dustLimit, &spikeSpec) +
		commitment.HtlcOutputFee(spikeSpec.FeePerKw)

	reserveForFees := commitCost
	if feeBuffer > reserveForFees {
		reserveForFees = feeBuffer
	}
	if balance < reserveForFees {
		return 0
	}
	balanceNoFees := balance - reserveForFees

	// If the candidate HTLC would be trimmed it adds no output, and no
	// additional fee beyond what we already reserved.
	trimThreshold := lnwire.NewMSatFromSatoshis(
		dustLimit + commitment.HtlcTimeoutFee(
			c.Params.ChanType, remoteSpec.FeePerKw,
		),
	)
	if balanceNoFees < trimThreshold {
		return balanceNoFees
	}

	// Otherwise the HTLC will materialize as an output: account for its
	// weight at the current rate, and at the doubled rate within the
	// buffer.
	commitCost += commitment.HtlcOutputFee(remoteSpec.FeePerKw)
	feeBuffer += commitment.HtlcOutputFee(spikeSpec.FeePerKw)

	reserveForFees = commitCost
	if feeBuffer > reserveForFees {
		reserveForFees = feeBuffer
	}
	if balance < reserveForFees {
		return 0
	}

	return balance - reserveForFees
}

// AvailableBalanceForReceive returns the maximum HTLC amount the remote
// party can currently add, mirroring AvailableBalanceForSend from their
// point of view.
func (c *Commitments) AvailableBalanceForReceive() lnwire.MilliSatoshi {
	localSpec, err := reduceSpec(
		c.LocalCommit.Spec, c.LocalChanges.Acked,
		c.RemoteChanges.Proposed,
	)
	if err != nil {
		return 0
	}

	reserve := lnwire.NewMSatFromSatoshis(c.Params.RemoteCfg.ChanReserve)
	balance := localSpec.ToRemote
	if balance < reserve {
		return 0
	}
	balance -= reserve

	// If the remote party is the fundee they pay no fees.
	if c.Params.LocalIsFunder {
		return balance
	}

	dustLimit := c.Params.LocalCfg.DustLimit
	spikeSpec := *localSpec
	spikeSpec.FeePerKw *= 2

	commitCost := c.commitTxTotalCost(dustLimit, localSpec)
	feeBuffer := c.commitTxTotalCost(dustLimit, &spikeSpec) +
		commitment.HtlcOutputFee(spikeSpec.FeePerKw)

	reserveForFees := commitCost
	if feeBuffer > reserveForFees {
		reserveForFees = feeBuffer
	}
	if balance < reserveForFees {
		return 0
	}
	balanceNoFees := balance - reserveForFees

	// An HTLC the remote offers appears as a success-path HTLC on our
	// commitment.
	trimThreshold := lnwire.NewMSatFromSatoshis(
		dustLimit + commitment.HtlcSuccessFee(
			c.Params.ChanType, localSpec.FeePerKw,
		),
	)
	if balanceNoFees < trimThreshold {
		return balanceNoFees
	}

	commitCost += commitment.HtlcOutputFee(localSpec.FeePerKw)
	feeBuffer += commitment.HtlcOutputFee(spikeSpec.FeePerKw)

	reserveForFees = commitCost
	if feeBuffer > reserveForFees {
		reserveForFees = feeBuffer
	}
	if balance < reserveForFees {
		return 0
	}

	return balance - reserveForFees
}

// SendAdd validates and applies an outgoing HTLC, assigning it the next
// local id. The returned message is ready to be put on the wire.
func (c *Commitments) SendAdd(amount lnwire.MilliSatoshi,
	paymentHash [32]byte, expiry uint32, onionBlob [lnwire.OnionPacketSize]byte,
	origin channeldb.Origin) (*lnwire.UpdateAddHTLC, error) {

	if amount < c.Params.LocalCfg.MinHTLC {
		return nil, &HtlcValueTooSmallError{
			Minimum: c.Params.LocalCfg.MinHTLC,
			Actual:  amount,
		}
	}

	add := &lnwire.UpdateAddHTLC{
		ChanID:      c.Params.ChanID,
		ID:          c.LocalNextHtlcID,
		Amount:      amount,
		PaymentHash: paymentHash,
		Expiry:      expiry,
		OnionBlob:   onionBlob,
	}

	// Simulate the remote commitment with the candidate HTLC included and
	// enforce every constraint the remote party imposes on us.
	candidate := append(
		append([]lnwire.Message(nil), c.LocalChanges.Proposed...), add,
	)
	remoteSpec, err := reduceSpec(
		c.RemoteCommit.Spec, c.RemoteChanges.Acked, candidate,
	)
	if err != nil {
		return nil, err
	}

	if err := c.validateOutgoingSpec(remoteSpec, amount); err != nil {
		return nil, err
	}

	c.LocalChanges.Proposed = candidate
	c.LocalNextHtlcID++
	if c.Origins == nil {
		c.Origins = make(map[uint64]channeldb.Origin)
	}
	c.Origins[add.ID] = origin

	return add, nil
}

// validateOutgoingSpec enforces the remote party's constraints over a
// simulated remote commitment spec that includes a new outgoing HTLC.
func (c *Commitments) validateOutgoingSpec(remoteSpec *commitment.Spec,
	amount lnwire.MilliSatoshi) error {

	// The sender's remaining balance, after the reserve and (for the
	// funder) commit fees, must be non-negative.
	reserve := lnwire.NewMSatFromSatoshis(c.Params.LocalCfg.ChanReserve)
	fees := lnwire.MilliSatoshi(0)
	if c.Params.LocalIsFunder {
		// Require headroom for a doubled feerate, preventing the
		// well-known stuck-channel hazard where a feerate spike makes
		// the funder unable to afford its own commitment.
		dustLimit := c.Params.RemoteCfg.DustLimit
		spikeSpec := *remoteSpec
		spikeSpec.FeePerKw *= 2

		fees = c.commitTxTotalCost(dustLimit, remoteSpec)
		if buffered := c.commitTxTotalCost(
			dustLimit, &spikeSpec,
		) + commitment.HtlcOutputFee(spikeSpec.FeePerKw); buffered > fees {
			fees = buffered
		}
	}

	if remoteSpec.ToRemote < reserve+fees {
		return &InsufficientFundsError{
			Amount:  amount,
			Missing: reserve + fees - remoteSpec.ToRemote,
		}
	}

	// When we're the fundee, verify the funder can still afford the fee
	// on its own commitment with the new HTLC present.
	if !c.Params.LocalIsFunder {
		funderBalance := remoteSpec.ToLocal
		funderReserve := lnwire.NewMSatFromSatoshis(
			c.Params.RemoteCfg.ChanReserve,
		)
		fee := c.commitTxTotalCost(
			c.Params.RemoteCfg.DustLimit, remoteSpec,
		)
		if funderBalance < funderReserve+fee {
			return &InsufficientFundsError{
				Amount:  amount,
				Missing: funderReserve + fee - funderBalance,
			}
		}
	}

	// The aggregate in-flight value of HTLCs we offer is limited by the
	// remote's max_htlc_value_in_flight.
	var outgoingInFlight lnwire.MilliSatoshi
	var outgoingCount uint16
	for _, htlc := range remoteSpec.Htlcs {
		// In the remote spec, HTLCs we offered appear as incoming.
		if !htlc.Incoming {
			continue
		}
		outgoingInFlight += htlc.Amount
		outgoingCount++
	}

	if outgoingInFlight > c.Params.LocalCfg.MaxPendingAmount {
		return &HtlcValueTooHighInFlightError{
			Limit:  c.Params.LocalCfg.MaxPendingAmount,
			Actual: outgoingInFlight,
		}
	}

	if outgoingCount > c.Params.LocalCfg.MaxAcceptedHtlcs {
		return &TooManyAcceptedHtlcsError{
			Limit: c.Params.LocalCfg.MaxAcceptedHtlcs,
		}
	}

	return nil
}

// ReceiveAdd validates and applies an HTLC offered by the remote party.
func (c *Commitments) ReceiveAdd(add *lnwire.UpdateAddHTLC) error {
	if add.ID != c.RemoteNextHtlcID {
		return &PeerViolationError{
			ChanID: c.Params.ChanID,
			Violation: fmt.Sprintf("unexpected htlc id %d, "+
				"expected %d", add.ID, c.RemoteNextHtlcID),
		}
	}

	if add.Amount < c.Params.LocalCfg.MinHTLC {
		return &HtlcValueTooSmallError{
			Minimum: c.Params.LocalCfg.MinHTLC,
			Actual:  add.Amount,
		}
	}

	candidate := append(
		append([]lnwire.Message(nil), c.RemoteChanges.Proposed...),
		add,
	)
	localSpec, err := reduceSpec(
		c.LocalCommit.Spec, c.LocalChanges.Acked, candidate,
	)
	if err != nil {
		return err
	}

	if err := c.validateIncomingSpec(localSpec, add.Amount); err != nil {
		return err
	}

	c.RemoteChanges.Proposed = candidate
	c.RemoteNextHtlcID++

	return nil
}

// validateIncomingSpec enforces our constraints over a simulated local
// commitment spec that includes a new incoming HTLC.
func (c *Commitments) validateIncomingSpec(localSpec *commitment.Spec,
	amount lnwire.MilliSatoshi) error {

	reserve := lnwire.NewMSatFromSatoshis(c.Params.RemoteCfg.ChanReserve)
	fees := lnwire.MilliSatoshi(0)
	if !c.Params.LocalIsFunder {
		fees = c.commitTxTotalCost(
			c.Params.LocalCfg.DustLimit, localSpec,
		)
	}

	// The remote sender must remain above its reserve, and if it's the
	// funder, still afford the commitment fee.
	if localSpec.ToRemote < reserve+fees {
		return &InsufficientFundsError{
			Amount:  amount,
			Missing: reserve + fees - localSpec.ToRemote,
		}
	}

	var incomingInFlight lnwire.MilliSatoshi
	var incomingCount uint16
	for _, htlc := range localSpec.Htlcs {
		if !htlc.Incoming {
			continue
		}
		incomingInFlight += htlc.Amount
		incomingCount++
	}

	if incomingInFlight > c.Params.RemoteCfg.MaxPendingAmount {
		return &HtlcValueTooHighInFlightError{
			Limit:  c.Params.RemoteCfg.MaxPendingAmount,
			Actual: incomingInFlight,
		}
	}

	if incomingCount > c.Params.RemoteCfg.MaxAcceptedHtlcs {
		return &TooManyAcceptedHtlcsError{
			Limit: c.Params.RemoteCfg.MaxAcceptedHtlcs,
		}
	}

	return nil
}

// findIncomingHtlc looks for an HTLC the remote offered under the given id
// that is cross-signed: present in our local commitment AND in the remote
// commitment (the pending one when a signature is in flight). Settling an
// HTLC that is not yet locked in on both sides would reveal the preimage
// without the guarantee of getting paid.
func (c *Commitments) findIncomingHtlc(id uint64) (commitment.HtlcDesc, bool) {
	htlc, ok := c.LocalCommit.Spec.FindHtlc(true, id)
	if !ok {
		return commitment.HtlcDesc{}, false
	}

	// In the remote spec, an HTLC they offered is outgoing.
	remoteSpec := c.RemoteCommit.Spec
	if c.PendingRemoteCommit != nil {
		remoteSpec = c.PendingRemoteCommit.NextRemoteCommit.Spec
	}
	if _, ok := remoteSpec.FindHtlc(false, id); !ok {
		return commitment.HtlcDesc{}, false
	}

	// Reject if one of our proposed updates already settles it.
	if settlesHtlc(c.LocalChanges.Proposed, id) {
		return commitment.HtlcDesc{}, false
	}

	return htlc, true
}

// settlesHtlc reports whether the given batch contains a fulfill or fail of
// the HTLC id.
func settlesHtlc(msgs []lnwire.Message, id uint64) bool {
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *lnwire.UpdateFulfillHTLC:
			if m.ID == id {
				return true
			}
		case *lnwire.UpdateFailHTLC:
			if m.ID == id {
				return true
			}
		case *lnwire.UpdateFailMalformedHTLC:
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

// SendFulfill settles an incoming HTLC with its preimage.
func (c *Commitments) SendFulfill(id uint64,
	preimage [32]byte) (*lnwire.UpdateFulfillHTLC, error) {

	htlc, ok := c.findIncomingHtlc(id)
	if !ok {
		return nil, &UnknownHtlcIDError{ID: id}
	}

	if sha256.Sum256(preimage[:]) != htlc.PaymentHash {
		return nil, &UnknownHtlcIDError{ID: id}
	}

	fulfill := &lnwire.UpdateFulfillHTLC{
		ChanID:          c.Params.ChanID,
		ID:              id,
		PaymentPreimage: preimage,
	}
	c.LocalChanges.Proposed = append(c.LocalChanges.Proposed, fulfill)

	return fulfill, nil
}

// SendFail fails an incoming HTLC with an opaque reason.
func (c *Commitments) SendFail(id uint64,
	reason lnwire.OpaqueReason) (*lnwire.UpdateFailHTLC, error) {

	if _, ok := c.findIncomingHtlc(id); !ok {
		return nil, &UnknownHtlcIDError{ID: id}
	}

	fail := &lnwire.UpdateFailHTLC{
		ChanID: c.Params.ChanID,
		ID:     id,
		Reason: reason,
	}
	c.LocalChanges.Proposed = append(c.LocalChanges.Proposed, fail)

	return fail, nil
}

// SendFailMalformed fails an incoming HTLC whose onion could not be parsed.
func (c *Commitments) SendFailMalformed(id uint64, shaOnionBlob [32]byte,
	code lnwire.FailCode) (*lnwire.UpdateFailMalformedHTLC, error) {

	if _, ok := c.findIncomingHtlc(id); !ok {
		return nil, &UnknownHtlcIDError{ID: id}
	}

	fail := &lnwire.UpdateFailMalformedHTLC{
		ChanID:       c.Params.ChanID,
		ID:           id,
		ShaOnionBlob: shaOnionBlob,
		FailureCode:  code,
	}
	c.LocalChanges.Proposed = append(c.LocalChanges.Proposed, fail)

	return fail, nil
}

// findOutgoingHtlc looks for a cross-signed HTLC we offered under the given
// id: present in the remote commitment (where it appears as incoming) and in
// our local commitment.
func (c *Commitments) findOutgoingHtlc(id uint64) (commitment.HtlcDesc, bool) {
	htlc, ok := c.LocalCommit.Spec.FindHtlc(false, id)
	if !ok {
		return commitment.HtlcDesc{}, false
	}

	remoteSpec := c.RemoteCommit.Spec
	if c.PendingRemoteCommit != nil {
		remoteSpec = c.PendingRemoteCommit.NextRemoteCommit.Spec
	}
	if _, ok := remoteSpec.FindHtlc(true, id); !ok {
		return commitment.HtlcDesc{}, false
	}

	if settlesHtlc(c.RemoteChanges.Proposed, id) {
		return commitment.HtlcDesc{}, false
	}

	return htlc, true
}

// ReceiveFulfill validates a fulfill of one of our offered HTLCs, returning
// the settled HTLC so its preimage can be propagated upstream.
func (c *Commitments) ReceiveFulfill(
	msg *lnwire.UpdateFulfillHTLC) (commitment.HtlcDesc, error) {

	htlc, ok := c.findOutgoingHtlc(msg.ID)
	if !ok {
		return commitment.HtlcDesc{}, &PeerViolationError{
			ChanID:    c.Params.ChanID,
			Violation: "fulfill of unknown htlc",
		}
	}

	if sha256.Sum256(msg.PaymentPreimage[:]) != htlc.PaymentHash {
		return commitment.HtlcDesc{}, &PeerViolationError{
			ChanID:    c.Params.ChanID,
			Violation: "fulfill preimage does not match htlc hash",
		}
	}

	c.RemoteChanges.Proposed = append(c.RemoteChanges.Proposed, msg)

	return htlc, nil
}

// ReceiveFail validates a failure of one of our offered HTLCs.
func (c *Commitments) ReceiveFail(msg *lnwire.UpdateFailHTLC) error {
	if _, ok := c.findOutgoingHtlc(msg.ID); !ok {
		return &PeerViolationError{
			ChanID:    c.Params.ChanID,
			Violation: "fail of unknown htlc",
		}
	}

	c.RemoteChanges.Proposed = append(c.RemoteChanges.Proposed, msg)

	return nil
}

// ReceiveFailMalformed validates a malformed-onion failure of one of our
// offered HTLCs.
func (c *Commitments) ReceiveFailMalformed(
	msg *lnwire.UpdateFailMalformedHTLC) error {

	// A node must set the BADONION flag in update_fail_malformed.
	if msg.FailureCode&lnwire.FlagBadOnion == 0 {
		return &PeerViolationError{
			ChanID:    c.Params.ChanID,
			Violation: "fail_malformed without BADONION flag",
		}
	}

	if _, ok := c.findOutgoingHtlc(msg.ID); !ok {
		return &PeerViolationError{
			ChanID:    c.Params.ChanID,
			Violation: "fail_malformed of unknown htlc",
		}
	}

	c.RemoteChanges.Proposed = append(c.RemoteChanges.Proposed, msg)

	return nil
}

// SendFee proposes a feerate change. Only valid when we're the funder.
func (c *Commitments) SendFee(
	feePerKw chainfee.SatPerKWeight) (*lnwire.UpdateFee, error) {

	if !c.Params.LocalIsFunder {
		return nil, ErrNonFunderUpdateFee
	}

	msg := &lnwire.UpdateFee{
		ChanID:   c.Params.ChanID,
		FeePerKw: uint32(feePerKw),
	}

	// The update replaces any pending unsigned update_fee of ours.
	filtered := make([]lnwire.Message, 0, len(c.LocalChanges.Proposed)+1)
	for _, m := range c.LocalChanges.Proposed {
		if _, ok := m.(*lnwire.UpdateFee); !ok {
			filtered = append(filtered, m)
		}
	}
	candidate := append(filtered, lnwire.Message(msg))

	// The funder must be able to afford the new feerate on the remote
	// commitment, with the spike buffer.
	remoteSpec, err := reduceSpec(
		c.RemoteCommit.Spec, c.RemoteChanges.Acked, candidate,
	)
	if err != nil {
		return nil, err
	}
	if err := c.validateOutgoingSpec(remoteSpec, 0); err != nil {
		return nil, err
	}

	c.LocalChanges.Proposed = candidate

	return msg, nil
}

// ReceiveFee validates a feerate change from the funder. The localFeeRate is
// our own current estimate; tolerance expresses the tolerated ratio
// in either direction.
func (c *Commitments) ReceiveFee(msg *lnwire.UpdateFee,
	localFeeRate chainfee.SatPerKWeight,
	tolerance FeerateTolerance) error {

	if c.Params.LocalIsFunder {
		return &PeerViolationError{
			ChanID:    c.Params.ChanID,
			Violation: "update_fee from fundee",
		}
	}

	remoteFeeRate := chainfee.SatPerKWeight(msg.FeePerKw)
	if tolerance.IsFeeDiffTooHigh(localFeeRate, remoteFeeRate) {
		return &FeerateTooDifferentError{
			LocalFeeRate:  localFeeRate,
			RemoteFeeRate: remoteFeeRate,
		}
	}

	// The funder must still afford its own commitment at the new rate.
	filtered := make([]lnwire.Message, 0, len(c.RemoteChanges.Proposed)+1)
	for _, m := range c.RemoteChanges.Proposed {
		if _, ok := m.(*lnwire.UpdateFee); !ok {
			filtered = append(filtered, m)
		}
	}
	candidate := append(filtered, lnwire.Message(msg))

	localSpec, err := reduceSpec(
		c.LocalCommit.Spec, c.LocalChanges.Acked, candidate,
	)
	if err != nil {
		return err
	}
	if err := c.validateIncomingSpec(localSpec, 0); err != nil {
		return err
	}

	c.RemoteChanges.Proposed = candidate

	return nil
}

// FeerateTolerance is the multiplicative band within which a proposed remote
// feerate is considered acceptable.
type FeerateTolerance struct {
	// RatioLow is the minimum acceptable ratio remote/local.
	RatioLow float64

	// RatioHigh is the maximum acceptable ratio remote/local.
	RatioHigh float64
}

// DefaultFeerateTolerance accepts feerates between half and double of our
// own estimate. Deployments routinely widen this band; it is configuration,
// not protocol.
func DefaultFeerateTolerance() FeerateTolerance {
	return FeerateTolerance{
		RatioLow:  0.5,
		RatioHigh: 2.0,
	}
}

// IsFeeDiffTooHigh returns true when the proposed remote feerate falls
// outside the tolerance band around our local estimate.
func (t FeerateTolerance) IsFeeDiffTooHigh(localFeeRate,
	remoteFeeRate chainfee.SatPerKWeight) bool {

	if localFeeRate == 0 {
		return false
	}

	ratio := float64(remoteFeeRate) / float64(localFeeRate)

	return ratio < t.RatioLow || ratio > t.RatioHigh
}
