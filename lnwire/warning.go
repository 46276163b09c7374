package lnwire

import (
	"fmt"
	"io"
)

// Warning is used to express non-critical errors in the protocol, providing
// a "soft" way for nodes to communicate failures. Receiving a warning must
// never cause a channel to be closed.
type Warning struct {
	// ChanID references the active channel in which the warning occurred
	// within. If the ChanID is all zeros, then this warning applies to the
	// entire established connection.
	ChanID ChannelID

	// Data is the attached warning data that describes the exact failure
	// which caused the warning message to be sent.
	Data ErrorData
}

// A compile time check to ensure Warning implements the lnwire.Message
// interface.
var _ Message = (*Warning)(nil)

// Warning returns the string representation to Warning.
func (c *Warning) Warning() string {
	errMsg := "non-ascii data"
	if isASCII(c.Data) {
		errMsg = string(c.Data)
	}

	return fmt.Sprintf("chan_id=%v, warn=%v", c.ChanID, errMsg)
}

// Decode deserializes a serialized Warning message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the lnwire.Message interface.
func (c *Warning) Decode(r io.Reader, pver uint32) error {
	return readElements(r,
		&c.ChanID,
		&c.Data,
	)
}

// Encode serializes the target Warning into the passed io.Writer observing
// the protocol version specified.
//
// This is part of the lnwire.Message interface.
func (c *Warning) Encode(w io.Writer, pver uint32) error {
	return writeElements(w,
		c.ChanID,
		c.Data,
	)
}

// MsgType returns the integer uniquely identifying a Warning message on the
// wire.
//
// This is part of the lnwire.Message interface.
func (c *Warning) MsgType() MessageType {
	return MsgWarning
}

// MaxPayloadLength returns the maximum allowed payload size for a Warning
// complete message observing the specified protocol version.
//
// This is part of the lnwire.Message interface.
func (c *Warning) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}
