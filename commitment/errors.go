package commitment

import "errors"

var (
	// ErrStateNumTooLarge is returned when a commitment number beyond the
	// 48-bit obscured range is to be encoded into a commitment
	// transaction.
	ErrStateNumTooLarge = errors.New("commitment state number exceeds " +
		"48 bits")

	// ErrBelowDust is returned when a second-stage transaction cannot be
	// built because the HTLC value does not cover its own fee.
	ErrBelowDust = errors.New("htlc amount does not cover second-level " +
		"fee")

	// ErrCannotAffordFee is returned when the initiator's balance is
	// insufficient to pay the commitment fee and anchor amounts.
	ErrCannotAffordFee = errors.New("initiator cannot afford commitment " +
		"fee")
)
