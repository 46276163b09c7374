package lnwire

import "io"

// UpdateFailMalformedHTLC is sent by either the payment forwarder or the
// payment receiver to the payment sender in order to notify it that the onion
// blob was unparsable. Since the receiver could not parse the onion it cannot
// use the encrypted failure reason of the update fail message, so instead it
// reports the cryptographic hash of the onion together with a failure code.
type UpdateFailMalformedHTLC struct {
	// ChanID is the particular active channel that this
	// UpdateFailMalformedHTLC is bound to.
	ChanID ChannelID

	// ID references which HTLC on the remote node's commitment transaction
	// has timed out.
	ID uint64

	// ShaOnionBlob is the SHA256 hash of the onion blob.
	ShaOnionBlob [32]byte

	// FailureCode the exact reason why onion blob haven't been parsed.
	FailureCode FailCode
}

// A compile time check to ensure UpdateFailMalformedHTLC implements the
// lnwire.Message interface.
var _ Message = (*UpdateFailMalformedHTLC)(nil)

// Decode deserializes a serialized UpdateFailMalformedHTLC message stored in
// the passed io.Reader observing the specified protocol version.
//
// This is part of the lnwire.Message interface.
func (c *UpdateFailMalformedHTLC) Decode(r io.Reader, pver uint32) error {
	var failureCode uint16
	err := readElements(r,
		&c.ChanID,
		&c.ID,
		c.ShaOnionBlob[:],
		&failureCode,
	)
	if err != nil {
		return err
	}

	c.FailureCode = FailCode(failureCode)

	return nil
}

// Encode serializes the target UpdateFailMalformedHTLC into the passed
// io.Writer observing the protocol version specified.
//
// This is part of the lnwire.Message interface.
func (c *UpdateFailMalformedHTLC) Encode(w io.Writer, pver uint32) error {
	return writeElements(w,
		c.ChanID,
		c.ID,
		c.ShaOnionBlob[:],
		uint16(c.FailureCode),
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (c *UpdateFailMalformedHTLC) MsgType() MessageType {
	return MsgUpdateFailMalformedHTLC
}

// MaxPayloadLength returns the maximum allowed payload size for an
// UpdateFailMalformedHTLC complete message observing the specified protocol
// version.
//
// This is part of the lnwire.Message interface.
func (c *UpdateFailMalformedHTLC) MaxPayloadLength(uint32) uint32 {
	// 32 + 8 + 32 + 2
	return 74
}
