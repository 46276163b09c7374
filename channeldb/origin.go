package channeldb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nayutafoundry/chandler/lnwire"
)

// Origin describes where an HTLC we offered on a channel came from. On
// settlement of the offered HTLC the origin determines where the fulfill or
// fail must be replayed: nowhere for a locally initiated payment, or on the
// upstream channel for a relayed one.
type Origin interface {
	// originType returns the type marker used on disk.
	originType() uint8
}

// LocalOrigin marks an HTLC that was initiated by a local payment. There is
// no upstream to settle.
type LocalOrigin struct{}

func (LocalOrigin) originType() uint8 { return originTypeLocal }

// RelayedOrigin marks an HTLC that was added as the downstream half of a
// relay. ChanID and HtlcID identify the upstream HTLC whose settlement is
// pending on ours.
type RelayedOrigin struct {
	// ChanID is the channel on which the upstream HTLC was received.
	ChanID lnwire.ChannelID

	// HtlcID is the upstream HTLC's id on that channel.
	HtlcID uint64

	// AmountIn is the amount of the upstream HTLC. The difference with
	// the downstream amount is the relay fee we collect on fulfill.
	AmountIn lnwire.MilliSatoshi
}

func (RelayedOrigin) originType() uint8 { return originTypeRelayed }

const (
	originTypeLocal   uint8 = 0
	originTypeRelayed uint8 = 1
)

// SerializeOrigin writes the binary representation of an origin to w.
func SerializeOrigin(w io.Writer, o Origin) error {
	if _, err := w.Write([]byte{o.originType()}); err != nil {
		return err
	}

	switch o := o.(type) {
	case LocalOrigin:
		return nil

	case RelayedOrigin:
		if _, err := w.Write(o.ChanID[:]); err != nil {
			return err
		}

		var scratch [8]byte
		binary.BigEndian.PutUint64(scratch[:], o.HtlcID)
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

		binary.BigEndian.PutUint64(scratch[:], uint64(o.AmountIn))
		_, err := w.Write(scratch[:])
		return err

	default:
		return fmt.Errorf("unknown origin type %T", o)
	}
}

// DeserializeOrigin reads an origin in the format written by SerializeOrigin.
func DeserializeOrigin(r io.Reader) (Origin, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return nil, err
	}

	switch typ[0] {
	case originTypeLocal:
		return LocalOrigin{}, nil

	case originTypeRelayed:
		var o RelayedOrigin
		if _, err := io.ReadFull(r, o.ChanID[:]); err != nil {
			return nil, err
		}

		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		o.HtlcID = binary.BigEndian.Uint64(scratch[:])

		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		o.AmountIn = lnwire.MilliSatoshi(
			binary.BigEndian.Uint64(scratch[:]),
		)

		return o, nil

	default:
		return nil, fmt.Errorf("unknown origin type %d", typ[0])
	}
}
