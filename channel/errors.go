package channel

import (
	"errors"
	"fmt"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/lnwire"
)

var (
	// ErrChannelUnavailable is returned when a command arrives while the
	// channel is in a state that cannot serve it, for instance adding an
	// HTLC while offline or shutting down.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrClosingInProgress is returned on a close command when a
	// shutdown has already been initiated.
	ErrClosingInProgress = errors.New("closing already in progress")

	// ErrNoUpdatesToSign is returned on a sign command when no updates
	// are pending on the remote commitment.
	ErrNoUpdatesToSign = errors.New("no updates to sign")

	// ErrSigInFlight is returned when a new commitment signature is
	// requested while the previous one still awaits its revocation.
	ErrSigInFlight = errors.New("previous commitment still unrevoked")

	// ErrNonFunderUpdateFee is returned when the fundee attempts to send
	// an update_fee.
	ErrNonFunderUpdateFee = errors.New("only the funder may update the " +
		"fee")

	// ErrInvalidRevocation is returned when a revocation secret does not
	// match the per-commitment point it claims to reveal.
	ErrInvalidRevocation = errors.New("revocation secret does not match " +
		"commitment point")

	// ErrInvalidCommitSig is returned when the peer's signature on our
	// next commitment fails verification.
	ErrInvalidCommitSig = errors.New("invalid commitment signature")

	// ErrInvalidHtlcSigCount is returned when a commit_sig does not carry
	// exactly one signature per untrimmed HTLC.
	ErrInvalidHtlcSigCount = errors.New("wrong number of htlc signatures")

	// ErrInvalidHtlcSig is returned when one of the peer's second-level
	// HTLC signatures fails verification.
	ErrInvalidHtlcSig = errors.New("invalid htlc signature")
)

// InsufficientFundsError is returned when an HTLC cannot be added because
// the sending party's balance, after fees and reserve, does not cover it.
type InsufficientFundsError struct {
	// Amount is the HTLC amount that was attempted.
	Amount lnwire.MilliSatoshi

	// Missing is how much the balance falls short.
	Missing lnwire.MilliSatoshi
}

// Error returns a human readable string describing the error.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: cannot add htlc of %v, "+
		"missing %v", e.Amount, e.Missing)
}

// HtlcValueTooSmallError is returned when an HTLC is below the counterparty's
// advertised minimum.
type HtlcValueTooSmallError struct {
	// Minimum is the counterparty's htlc_minimum_msat.
	Minimum lnwire.MilliSatoshi

	// Actual is the amount that was attempted.
	Actual lnwire.MilliSatoshi
}

// Error returns a human readable string describing the error.
func (e *HtlcValueTooSmallError) Error() string {
	return fmt.Sprintf("htlc value %v below minimum %v", e.Actual,
		e.Minimum)
}

// HtlcValueTooHighInFlightError is returned when adding an HTLC would push
// the aggregate in-flight value over the counterparty's limit.
type HtlcValueTooHighInFlightError struct {
	// Limit is the max_htlc_value_in_flight_msat constraint.
	Limit lnwire.MilliSatoshi

	// Actual is the in-flight value the update would have produced.
	Actual lnwire.MilliSatoshi
}

// Error returns a human readable string describing the error.
func (e *HtlcValueTooHighInFlightError) Error() string {
	return fmt.Sprintf("in-flight value %v exceeds limit %v", e.Actual,
		e.Limit)
}

// TooManyAcceptedHtlcsError is returned when adding an HTLC would exceed the
// counterparty's max_accepted_htlcs.
type TooManyAcceptedHtlcsError struct {
	// Limit is the maximum number of accepted HTLCs.
	Limit uint16
}

// Error returns a human readable string describing the error.
func (e *TooManyAcceptedHtlcsError) Error() string {
	return fmt.Sprintf("too many accepted htlcs, limit %d", e.Limit)
}

// FeerateTooDifferentError is returned when the funder proposes a feerate
// outside the fundee's tolerance band.
type FeerateTooDifferentError struct {
	// LocalFeeRate is our own current estimate.
	LocalFeeRate chainfee.SatPerKWeight

	// RemoteFeeRate is the rate the funder proposed.
	RemoteFeeRate chainfee.SatPerKWeight
}

// Error returns a human readable string describing the error.
func (e *FeerateTooDifferentError) Error() string {
	return fmt.Sprintf("proposed feerate %v too far from local %v",
		e.RemoteFeeRate, e.LocalFeeRate)
}

// UnknownHtlcIDError is returned when a fulfill or fail references an HTLC id
// that is not present in the commitment. The command is rejected without
// closing the channel, as retransmissions after reconnect can legitimately
// reference already-settled ids.
type UnknownHtlcIDError struct {
	// ID is the unknown HTLC id.
	ID uint64
}

// Error returns a human readable string describing the error.
func (e *UnknownHtlcIDError) Error() string {
	return fmt.Sprintf("unknown htlc id %d", e.ID)
}

// PeerViolationError signals that the remote party broke a protocol rule.
// Receiving one is fatal to the channel: an error message is emitted and the
// channel force closes.
type PeerViolationError struct {
	// ChanID is the channel the violation occurred on.
	ChanID lnwire.ChannelID

	// Violation describes the broken rule.
	Violation string
}

// Error returns a human readable string describing the error.
func (e *PeerViolationError) Error() string {
	return fmt.Sprintf("peer violation on %v: %s", e.ChanID, e.Violation)
}
