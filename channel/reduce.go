package channel

import (
	"fmt"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/lnwire"
)

// reduceSpec evolves a commitment spec by applying two batches of update
// messages: ours (outgoing from the spec owner's PoV) and theirs (incoming).
// All adds are applied first, then fulfills, fails and fee updates, so that a
// remove in the same batch as its add resolves correctly.
func reduceSpec(spec *commitment.Spec, localChanges,
	remoteChanges []lnwire.Message) (*commitment.Spec, error) {

	next := &commitment.Spec{
		FeePerKw: spec.FeePerKw,
		ToLocal:  spec.ToLocal,
		ToRemote: spec.ToRemote,
		Htlcs:    append([]commitment.HtlcDesc(nil), spec.Htlcs...),
	}

	for _, msg := range localChanges {
		if add, ok := msg.(*lnwire.UpdateAddHTLC); ok {
			if err := addHtlc(next, false, add); err != nil {
				return nil, err
			}
		}
	}
	for _, msg := range remoteChanges {
		if add, ok := msg.(*lnwire.UpdateAddHTLC); ok {
			if err := addHtlc(next, true, add); err != nil {
				return nil, err
			}
		}
	}

	for _, msg := range localChanges {
		if err := applyNonAdd(next, false, msg); err != nil {
			return nil, err
		}
	}
	for _, msg := range remoteChanges {
		if err := applyNonAdd(next, true, msg); err != nil {
			return nil, err
		}
	}

	return next, nil
}

// addHtlc adds the HTLC to the spec and deducts its amount from the adding
// side's balance. The incoming flag is from the spec owner's PoV.
func addHtlc(spec *commitment.Spec, incoming bool,
	add *lnwire.UpdateAddHTLC) error {

	if incoming {
		if spec.ToRemote < add.Amount {
			return fmt.Errorf("remote balance %v cannot cover "+
				"htlc %v", spec.ToRemote, add.Amount)
		}
		spec.ToRemote -= add.Amount
	} else {
		if spec.ToLocal < add.Amount {
			return fmt.Errorf("local balance %v cannot cover "+
				"htlc %v", spec.ToLocal, add.Amount)
		}
		spec.ToLocal -= add.Amount
	}

	spec.Htlcs = append(spec.Htlcs, commitment.HtlcDesc{
		Incoming:    incoming,
		Amount:      add.Amount,
		PaymentHash: add.PaymentHash,
		Expiry:      add.Expiry,
		HtlcIndex:   add.ID,
		OnionBlob:   append([]byte(nil), add.OnionBlob[:]...),
	})

	return nil
}

// applyNonAdd applies a single non-add update to the spec. The sender flag
// semantics: a fulfill/fail sent by us (fromRemote=false) settles an HTLC
// that the REMOTE party added, so we look the HTLC up on the opposite
// direction of the message's origin.
func applyNonAdd(spec *commitment.Spec, fromRemote bool,
	msg lnwire.Message) error {

	switch m := msg.(type) {
	case *lnwire.UpdateAddHTLC:
		// Handled in the first pass.
		return nil

	case *lnwire.UpdateFulfillHTLC:
		return settleHtlc(spec, fromRemote, m.ID, true)

	case *lnwire.UpdateFailHTLC:
		return settleHtlc(spec, fromRemote, m.ID, false)

	case *lnwire.UpdateFailMalformedHTLC:
		return settleHtlc(spec, fromRemote, m.ID, false)

	case *lnwire.UpdateFee:
		spec.FeePerKw = chainfee.SatPerKWeight(m.FeePerKw)
		return nil

	default:
		return fmt.Errorf("unexpected update message %T", msg)
	}
}

// settleHtlc removes the referenced HTLC from the spec and credits its value:
// to the settling party on fulfill, back to the adder on fail.
func settleHtlc(spec *commitment.Spec, fromRemote bool, id uint64,
	fulfill bool) error {

	// A settle sent by the remote references an HTLC we added (outgoing),
	// and vice versa.
	htlcIncoming := !fromRemote

	for i, htlc := range spec.Htlcs {
		if htlc.Incoming != htlcIncoming || htlc.HtlcIndex != id {
			continue
		}

		switch {
		// Their fulfill of our outgoing HTLC pays the remote side.
		case fulfill && fromRemote:
			spec.ToRemote += htlc.Amount

		// Our fulfill of their incoming HTLC pays us.
		case fulfill && !fromRemote:
			spec.ToLocal += htlc.Amount

		// Their fail of our outgoing HTLC refunds us.
		case !fulfill && fromRemote:
			spec.ToLocal += htlc.Amount

		// Our fail of their incoming HTLC refunds them.
		case !fulfill && !fromRemote:
			spec.ToRemote += htlc.Amount
		}

		spec.Htlcs = append(spec.Htlcs[:i], spec.Htlcs[i+1:]...)
		return nil
	}

	return &UnknownHtlcIDError{ID: id}
}
