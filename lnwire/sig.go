package lnwire

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Sig is a fixed-sized ECDSA signature. Unlike Bitcoin, we use fixed sized
// signatures on the wire, instead of DER encoded signatures. This type
// provides several methods to convert to/from the regular Bitcoin DER
// encoding.
type Sig [64]byte

// NewSigFromSignature creates a new Sig from a DER-encodable signature by
// serializing it in the fixed R || S format.
func NewSigFromSignature(e *ecdsa.Signature) (Sig, error) {
	var sig Sig

	if e == nil {
		return sig, errors.New("cannot decode empty signature")
	}

	// Serialize the signature with all the checks that entails.
	return NewSigFromRawSignature(e.Serialize())
}

// NewSigFromRawSignature returns a Sig from a Bitcoin raw signature encoded in
// the canonical DER encoding.
func NewSigFromRawSignature(sig []byte) (Sig, error) {
	var b Sig

	if len(sig) == 0 {
		return b, errors.New("cannot decode empty signature")
	}

	// Extract lengths of R and S. The DER representation is laid out as:
	//   0x30 <length> 0x02 <length r> r 0x02 <length s> s
	// which means the length of R is the 4th byte and the length of S is
	// the second byte after R ends. 0x02 signifies a length-prefixed,
	// zero-padded, big-endian bignum.
	if len(sig) < 6 {
		return b, errors.New("signature too short")
	}
	rLen := sig[3]
	if len(sig) <= int(5+rLen) {
		return b, errors.New("malformed signature")
	}
	sLen := sig[5+rLen]
	if len(sig) < int(6+rLen+sLen) {
		return b, errors.New("malformed signature")
	}

	// Grab R and S without the DER framing.
	r := sig[4 : 4+rLen]
	s := sig[6+rLen : 6+rLen+sLen]

	// Strip leading zero-bytes that only exist to make the bignum
	// positive in the DER encoding.
	for len(r) > 0 && r[0] == 0x00 {
		r = r[1:]
	}
	for len(s) > 0 && s[0] == 0x00 {
		s = s[1:]
	}

	if len(r) > 32 {
		return b, fmt.Errorf("R is over 32 bytes long without padding")
	}
	if len(s) > 32 {
		return b, fmt.Errorf("S is over 32 bytes long without padding")
	}

	// Copy the truncated R and S into their fixed position within the
	// 64-byte signature, right-aligned.
	copy(b[32-len(r):], r)
	copy(b[64-len(s):], s)

	return b, nil
}

// ToSignature converts the fixed-sized signature to a ecdsa.Signature which
// can be used for signature validation checks.
func (b *Sig) ToSignature() (*ecdsa.Signature, error) {
	var r, s [32]byte
	copy(r[:], b[:32])
	copy(s[:], b[32:])

	var (
		modR btcec.ModNScalar
		modS btcec.ModNScalar
	)
	if overflow := modR.SetBytes(&r); overflow != 0 {
		return nil, errors.New("r value overflows curve order")
	}
	if overflow := modS.SetBytes(&s); overflow != 0 {
		return nil, errors.New("s value overflows curve order")
	}

	return ecdsa.NewSignature(&modR, &modS), nil
}
