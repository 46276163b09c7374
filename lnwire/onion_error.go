package lnwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FailCode specifies the precise reason that an upstream HTLC was cancelled.
// Each UpdateFailHTLC message carries a FailCode which is to be passed
// backwards, encrypted at each step back to the source of the HTLC within
// the route.
type FailCode uint16

// The currently defined onion failure types within this current version of
// the Lightning protocol.
const (
	CodeInvalidRealm                      = FlagBadOnion | 1
	CodeTemporaryNodeFailure              = FlagNode | 2
	CodePermanentNodeFailure              = FlagPerm | FlagNode | 2
	CodeInvalidOnionVersion               = FlagBadOnion | FlagPerm | 4
	CodeInvalidOnionHmac                  = FlagBadOnion | FlagPerm | 5
	CodeInvalidOnionKey                   = FlagBadOnion | FlagPerm | 6
	CodeTemporaryChannelFailure           = FlagUpdate | 7
	CodePermanentChannelFailure           = FlagPerm | 8
	CodeUnknownNextPeer                   = FlagPerm | 10
	CodeAmountBelowMinimum                = FlagUpdate | 11
	CodeFeeInsufficient                   = FlagUpdate | 12
	CodeIncorrectCltvExpiry               = FlagUpdate | 13
	CodeExpiryTooSoon                     = FlagUpdate | 14
	CodeIncorrectOrUnknownPaymentDetails  = FlagPerm | 15
	CodeFinalIncorrectCltvExpiry FailCode = 18
	CodeFinalIncorrectHtlcAmount FailCode = 19
	CodeExpiryTooFar             FailCode = 21
)

// The farthest upstream bits of the FailCode are used to signal the
// properties of the failure.
const (
	// FlagBadOnion error flag describes an unparsable, encrypted by
	// previous node.
	FlagBadOnion FailCode = 0x8000

	// FlagPerm error flag indicates a permanent failure.
	FlagPerm FailCode = 0x4000

	// FlagNode error flag indicates a node failure.
	FlagNode FailCode = 0x2000

	// FlagUpdate error flag indicates a new channel update is enclosed.
	FlagUpdate FailCode = 0x1000
)

// String returns the string representation of the failure code.
func (c FailCode) String() string {
	switch c {
	case CodeInvalidRealm:
		return "InvalidRealm"
	case CodeTemporaryNodeFailure:
		return "TemporaryNodeFailure"
	case CodePermanentNodeFailure:
		return "PermanentNodeFailure"
	case CodeInvalidOnionVersion:
		return "InvalidOnionVersion"
	case CodeInvalidOnionHmac:
		return "InvalidOnionHmac"
	case CodeInvalidOnionKey:
		return "InvalidOnionKey"
	case CodeTemporaryChannelFailure:
		return "TemporaryChannelFailure"
	case CodePermanentChannelFailure:
		return "PermanentChannelFailure"
	case CodeUnknownNextPeer:
		return "UnknownNextPeer"
	case CodeAmountBelowMinimum:
		return "AmountBelowMinimum"
	case CodeFeeInsufficient:
		return "FeeInsufficient"
	case CodeIncorrectCltvExpiry:
		return "IncorrectCltvExpiry"
	case CodeExpiryTooSoon:
		return "ExpiryTooSoon"
	case CodeIncorrectOrUnknownPaymentDetails:
		return "IncorrectOrUnknownPaymentDetails"
	case CodeFinalIncorrectCltvExpiry:
		return "FinalIncorrectCltvExpiry"
	case CodeFinalIncorrectHtlcAmount:
		return "FinalIncorrectHtlcAmount"
	case CodeExpiryTooFar:
		return "ExpiryTooFar"
	default:
		return "<unknown>"
	}
}

// FailureMessage represents the onion failure object identified by its unique
// failure code.
type FailureMessage interface {
	// Code returns the failure unique code.
	Code() FailCode

	// Error returns a human readable string describing the error.
	Error() string
}

// FailTemporaryChannelFailure is if an otherwise unspecified transient error
// occurs for the outgoing channel (eg. channel capacity reached, too many
// in-flight htlc)
type FailTemporaryChannelFailure struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailTemporaryChannelFailure) Code() FailCode {
	return CodeTemporaryChannelFailure
}

// Error returns a human readable string describing the error.
//
// NOTE: Implements the error interface.
func (f *FailTemporaryChannelFailure) Error() string {
	return f.Code().String()
}

// FailPermanentChannelFailure is a failure used if an otherwise unspecified
// permanent error occurs for the outgoing channel (eg. channel recently
// closed).
type FailPermanentChannelFailure struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailPermanentChannelFailure) Code() FailCode {
	return CodePermanentChannelFailure
}

// Error returns a human readable string describing the error.
//
// NOTE: Implements the error interface.
func (f *FailPermanentChannelFailure) Error() string {
	return f.Code().String()
}

// FailIncorrectDetails is sent if the payment details are incorrect or
// unknown to the final node. The amount and height observed by the failing
// node are included so the origin can detect probing attempts.
type FailIncorrectDetails struct {
	// amount is the value of the extended HTLC.
	amount MilliSatoshi

	// height is the block height when the htlc was received.
	height uint32
}

// NewFailIncorrectDetails makes a new instance of the FailIncorrectDetails
// error bound to the specified HTLC amount and acceptance height.
func NewFailIncorrectDetails(amt MilliSatoshi,
	height uint32) *FailIncorrectDetails {

	return &FailIncorrectDetails{
		amount: amt,
		height: height,
	}
}

// Amount is the value of the extended HTLC.
func (f *FailIncorrectDetails) Amount() MilliSatoshi {
	return f.amount
}

// Height is the block height when the htlc was received.
func (f *FailIncorrectDetails) Height() uint32 {
	return f.height
}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailIncorrectDetails) Code() FailCode {
	return CodeIncorrectOrUnknownPaymentDetails
}

// Error returns a human readable string describing the error.
//
// NOTE: Implements the error interface.
func (f *FailIncorrectDetails) Error() string {
	return fmt.Sprintf(
		"%v(amt=%v, height=%v)", CodeIncorrectOrUnknownPaymentDetails,
		f.amount, f.height,
	)
}

// FailAmountBelowMinimum is returned if the HTLC does not reach the current
// minimum amount of the failing channel.
type FailAmountBelowMinimum struct {
	// HtlcMsat is the wrong amount of the incoming HTLC.
	HtlcMsat MilliSatoshi
}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailAmountBelowMinimum) Code() FailCode {
	return CodeAmountBelowMinimum
}

// Error returns a human readable string describing the error.
//
// NOTE: Implements the error interface.
func (f *FailAmountBelowMinimum) Error() string {
	return fmt.Sprintf("AmountBelowMinimum(amt=%v)", f.HtlcMsat)
}

// FailExpiryTooSoon is returned if the ctlv-expiry is too near the present,
// leaving the failing node with insufficient time to claim an on-chain HTLC.
type FailExpiryTooSoon struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailExpiryTooSoon) Code() FailCode {
	return CodeExpiryTooSoon
}

// Error returns a human readable string describing the error.
//
// NOTE: Implements the error interface.
func (f *FailExpiryTooSoon) Error() string {
	return f.Code().String()
}

// FailFeeInsufficient is returned if the HTLC does not pay a fee meeting the
// failing node's advertised fee schedule.
type FailFeeInsufficient struct {
	// HtlcMsat is the wrong amount of the incoming HTLC.
	HtlcMsat MilliSatoshi
}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailFeeInsufficient) Code() FailCode {
	return CodeFeeInsufficient
}

// Error returns a human readable string describing the error.
//
// NOTE: Implements the error interface.
func (f *FailFeeInsufficient) Error() string {
	return fmt.Sprintf("FeeInsufficient(htlc_amt=%v)", f.HtlcMsat)
}

// EncodeFailureMessage encodes the failure message to a raw byte
// representation: a two byte failure code, followed by failure-specific
// payload fields in big-endian order.
func EncodeFailureMessage(failure FailureMessage) ([]byte, error) {
	var b bytes.Buffer

	var code [2]byte
	binary.BigEndian.PutUint16(code[:], uint16(failure.Code()))
	if _, err := b.Write(code[:]); err != nil {
		return nil, err
	}

	switch f := failure.(type) {
	case *FailIncorrectDetails:
		if err := writeElements(&b, f.amount, f.height); err != nil {
			return nil, err
		}

	case *FailAmountBelowMinimum:
		if err := writeElement(&b, f.HtlcMsat); err != nil {
			return nil, err
		}

	case *FailFeeInsufficient:
		if err := writeElement(&b, f.HtlcMsat); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// DecodeFailureMessage decodes a raw failure message encoded with
// EncodeFailureMessage back into its structured form.
func DecodeFailureMessage(r io.Reader) (FailureMessage, error) {
	var code [2]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return nil, err
	}

	switch FailCode(binary.BigEndian.Uint16(code[:])) {
	case CodeTemporaryChannelFailure:
		return &FailTemporaryChannelFailure{}, nil

	case CodePermanentChannelFailure:
		return &FailPermanentChannelFailure{}, nil

	case CodeIncorrectOrUnknownPaymentDetails:
		f := &FailIncorrectDetails{}
		err := readElements(r, &f.amount, &f.height)
		if err != nil {
			return nil, err
		}
		return f, nil

	case CodeAmountBelowMinimum:
		f := &FailAmountBelowMinimum{}
		if err := readElement(r, &f.HtlcMsat); err != nil {
			return nil, err
		}
		return f, nil

	case CodeFeeInsufficient:
		f := &FailFeeInsufficient{}
		if err := readElement(r, &f.HtlcMsat); err != nil {
			return nil, err
		}
		return f, nil

	case CodeExpiryTooSoon:
		return &FailExpiryTooSoon{}, nil

	default:
		return nil, fmt.Errorf("unknown failure code: %v",
			binary.BigEndian.Uint16(code[:]))
	}
}
