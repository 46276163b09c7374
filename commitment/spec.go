package commitment

import (
	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/lnwire"
)

// HtlcDesc describes a single active HTLC from the point of view of the owner
// of the commitment it sits on.
type HtlcDesc struct {
	// Incoming is true if the HTLC was offered by the remote party.
	Incoming bool

	// Amount is the HTLC value in milli-satoshi.
	Amount lnwire.MilliSatoshi

	// PaymentHash is the sha256 hash whose preimage settles the HTLC.
	PaymentHash [32]byte

	// Expiry is the absolute block height after which the HTLC can be
	// timed out.
	Expiry uint32

	// HtlcIndex is the id the adding party assigned to this HTLC.
	HtlcIndex uint64

	// OnionBlob is the routing packet to forward on acceptance. It does
	// not influence the commitment transaction; it rides along so a full
	// view of the channel state can be rebuilt from a spec.
	OnionBlob []byte
}

// Spec is the full description of a commitment transaction from the PoV of
// its owner: both settled balances, the feerate, and the set of active HTLCs.
// A spec plus a key ring and the static channel parameters is sufficient to
// deterministically reproduce the commitment transaction.
type Spec struct {
	// Htlcs is the set of HTLCs active at this commitment state.
	Htlcs []HtlcDesc

	// FeePerKw is the fee rate that applies to this commitment.
	FeePerKw chainfee.SatPerKWeight

	// ToLocal is the owner's settled balance, before the commit fee is
	// subtracted from the initiator's output.
	ToLocal lnwire.MilliSatoshi

	// ToRemote is the non-owner's settled balance, before the commit fee
	// is subtracted from the initiator's output.
	ToRemote lnwire.MilliSatoshi
}

// TotalInFlight returns the sum of all active HTLC amounts.
func (s *Spec) TotalInFlight() lnwire.MilliSatoshi {
	var sum lnwire.MilliSatoshi
	for _, htlc := range s.Htlcs {
		sum += htlc.Amount
	}
	return sum
}

// OutgoingCount returns the number of HTLCs offered by the owner of the spec.
func (s *Spec) OutgoingCount() int {
	var n int
	for _, htlc := range s.Htlcs {
		if !htlc.Incoming {
			n++
		}
	}
	return n
}

// IncomingCount returns the number of HTLCs offered by the remote party.
func (s *Spec) IncomingCount() int {
	return len(s.Htlcs) - s.OutgoingCount()
}

// FindHtlc locates the HTLC added by the given party under the given id.
func (s *Spec) FindHtlc(incoming bool, htlcIndex uint64) (HtlcDesc, bool) {
	for _, htlc := range s.Htlcs {
		if htlc.Incoming == incoming && htlc.HtlcIndex == htlcIndex {
			return htlc, true
		}
	}
	return HtlcDesc{}, false
}

// Mirror returns the same commitment state as seen by the other party:
// balances swapped and HTLC directions flipped.
func (s *Spec) Mirror() *Spec {
	mirrored := &Spec{
		FeePerKw: s.FeePerKw,
		ToLocal:  s.ToRemote,
		ToRemote: s.ToLocal,
		Htlcs:    make([]HtlcDesc, len(s.Htlcs)),
	}
	for i, htlc := range s.Htlcs {
		htlc.Incoming = !htlc.Incoming
		mirrored.Htlcs[i] = htlc
	}
	return mirrored
}
