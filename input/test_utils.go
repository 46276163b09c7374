package input

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MockSigner is a simple implementation of the Signer interface. Each one has
// a set of private keys in a slice and can sign messages using the appropriate
// one.
type MockSigner struct {
	Privkeys []*btcec.PrivateKey
}

// A compile time check to ensure MockSigner implements the Signer interface.
var _ Signer = (*MockSigner)(nil)

// SignOutputRaw generates a signature for the passed transaction according to
// the data within the passed SignDescriptor.
//
// NOTE: This method is part of the Signer interface.
func (m *MockSigner) SignOutputRaw(tx *wire.MsgTx,
	signDesc *SignDescriptor) (Signature, error) {

	pubkey := signDesc.PubKey
	switch {
	case signDesc.SingleTweak != nil:
		pubkey = TweakPubKeyWithTweak(pubkey, signDesc.SingleTweak)
	case signDesc.DoubleTweak != nil:
		pubkey = DeriveRevocationPubkey(
			pubkey, signDesc.DoubleTweak.PubKey(),
		)
	}

	hash160 := btcutil.Hash160(pubkey.SerializeCompressed())
	privKey := m.findKey(hash160, signDesc.SingleTweak, signDesc.DoubleTweak)
	if privKey == nil {
		return nil, fmt.Errorf("mock signer does not have key")
	}

	sigHashes := signDesc.SigHashes
	if sigHashes == nil {
		sigHashes = txscript.NewTxSigHashes(
			tx, signDesc.NewPrevOutFetcher(),
		)
	}

	sig, err := txscript.RawTxInWitnessSignature(
		tx, sigHashes, signDesc.InputIndex, signDesc.Output.Value,
		signDesc.WitnessScript, signDesc.HashType, privKey,
	)
	if err != nil {
		return nil, err
	}

	return ecdsa.ParseDERSignature(sig[:len(sig)-1])
}

// findKey searches through all stored private keys, applying the given tweaks
// to each of them, and returns the one whose tweaked public key hashes to the
// passed hash160 value. nil is returned when no key matches.
func (m *MockSigner) findKey(needleHash160 []byte, singleTweak []byte,
	doubleTweak *btcec.PrivateKey) *btcec.PrivateKey {

	for _, privkey := range m.Privkeys {
		// First check whether tweaked or untweaked hash160 matches.
		if singleTweak != nil {
			privkey = TweakPrivKey(privkey, singleTweak)
		} else if doubleTweak != nil {
			privkey = DeriveRevocationPrivKey(privkey, doubleTweak)
		}

		hash160 := btcutil.Hash160(
			privkey.PubKey().SerializeCompressed(),
		)
		if bytes.Equal(hash160, needleHash160) {
			return privkey
		}
	}
	return nil
}
