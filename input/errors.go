package input

import "errors"

var (
	// ErrPubKeyNotCompressed is returned when one of the public keys
	// handed to a script constructor is not in the 33-byte compressed
	// serialization.
	ErrPubKeyNotCompressed = errors.New("pubkey not compressed")

	// ErrAmountMustBePositive is returned when a zero or negative output
	// amount is given to a script constructor.
	ErrAmountMustBePositive = errors.New("amount must be positive")
)
