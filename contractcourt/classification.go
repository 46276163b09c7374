package contractcourt

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/channel"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/input"
)

// SpendClass enumerates the possible identities of a transaction spending
// the funding output.
type SpendClass uint8

const (
	// SpendLocalCommit is our own current commitment.
	SpendLocalCommit SpendClass = iota

	// SpendRemoteCommit is the remote party's current commitment.
	SpendRemoteCommit

	// SpendNextRemoteCommit is the signed-but-unrevoked next remote
	// commitment.
	SpendNextRemoteCommit

	// SpendRevokedCommit is a prior remote commitment whose revocation
	// secret we hold. Publishing it is a contract breach.
	SpendRevokedCommit

	// SpendMutualClose is a cooperative closing transaction.
	SpendMutualClose

	// SpendUnknownCommit is a commitment we cannot reconstruct, implying
	// we have lost state and the remote published a future commitment.
	SpendUnknownCommit
)

// String returns the class name.
func (s SpendClass) String() string {
	switch s {
	case SpendLocalCommit:
		return "LocalCommit"
	case SpendRemoteCommit:
		return "RemoteCommit"
	case SpendNextRemoteCommit:
		return "NextRemoteCommit"
	case SpendRevokedCommit:
		return "RevokedCommit"
	case SpendMutualClose:
		return "MutualClose"
	case SpendUnknownCommit:
		return "UnknownCommit"
	default:
		return "<unknown>"
	}
}

// Classification identifies the branch a funding spend belongs to, with
// whatever extra data the branch's resolution needs.
type Classification struct {
	// Class is the identified branch.
	Class SpendClass

	// CommitIndex is the commitment number, when recoverable.
	CommitIndex uint64

	// CommitPoint is the remote per-commitment point of the published
	// commitment: for revoked commitments it is recomputed from the
	// revealed secret, for the current/next remote commitments it is the
	// point we tracked.
	CommitPoint *btcec.PublicKey

	// CommitSecret is the revocation secret, set only for revoked
	// commitments.
	CommitSecret *btcec.PrivateKey
}

// Classify determines which of the channel's commitments, if any, the given
// funding spend corresponds to.
func Classify(c *channel.Commitments,
	spendingTx *wire.MsgTx) Classification {

	txid := spendingTx.TxHash()

	if c.LocalCommit.CommitTx != nil &&
		txid == c.LocalCommit.CommitTx.TxHash() {

		return Classification{
			Class:       SpendLocalCommit,
			CommitIndex: c.LocalCommit.Index,
		}
	}

	if txid == c.RemoteCommit.TxID {
		return Classification{
			Class:       SpendRemoteCommit,
			CommitIndex: c.RemoteCommit.Index,
			CommitPoint: c.RemoteCommit.RemotePerCommitmentPoint,
		}
	}

	if c.PendingRemoteCommit != nil &&
		txid == c.PendingRemoteCommit.NextRemoteCommit.TxID {

		next := c.PendingRemoteCommit.NextRemoteCommit
		return Classification{
			Class:       SpendNextRemoteCommit,
			CommitIndex: next.Index,
			CommitPoint: next.RemotePerCommitmentPoint,
		}
	}

	// A transaction without the obscured state hint encoding cannot be a
	// commitment: commitments carry 0x80 in the sequence's top byte and
	// 0x20 in the locktime's. The only other transaction both parties
	// can sign is a cooperative close.
	isCommitShape := len(spendingTx.TxIn) == 1 &&
		spendingTx.TxIn[0].Sequence&0xFF000000 == wire.SequenceLockTimeDisabled &&
		spendingTx.LockTime&0xFF000000 == 0x20000000
	if !isCommitShape {
		return Classification{Class: SpendMutualClose}
	}

	// Decode the obscured commitment number. If it's a state we hold the
	// revocation secret for, this is a breach.
	commitIndex := commitment.GetStateNumHint(
		spendingTx, c.Params.Obfuscator,
	)

	if commitIndex < c.RemoteCommit.Index {
		secret, err := c.RemoteSecrets.LookUp(commitIndex)
		if err == nil {
			commitSecret, _ := btcec.PrivKeyFromBytes(secret[:])

			return Classification{
				Class:       SpendRevokedCommit,
				CommitIndex: commitIndex,
				CommitPoint: input.ComputeCommitmentPoint(
					secret[:],
				),
				CommitSecret: commitSecret,
			}
		}
	}

	// The hint decodes to a number we never signed: either a future
	// state after local data loss, or garbage from a corrupted peer.
	// Both are handled identically: claim what we can.
	return Classification{
		Class:       SpendUnknownCommit,
		CommitIndex: commitIndex,
	}
}
