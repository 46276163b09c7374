package chainntnfs

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxConfirmation carries some additional block-level details of the exact
// block that specified transactions was confirmed within.
type TxConfirmation struct {
	// Tx is the transaction for which the notification was requested for.
	Tx *wire.MsgTx

	// BlockHash is the hash of the block that confirmed the original
	// transition.
	BlockHash *chainhash.Hash

	// BlockHeight is the height of the block in which the transaction was
	// confirmed within.
	BlockHeight uint32

	// TxIndex is the index within the block of the ultimate confirmed
	// transaction.
	TxIndex uint32
}

// ConfirmationEvent encapsulates a confirmation notification. With this struct,
// callers can be notified of: the instance the target txid reaches the
// targeted number of confirmations.
type ConfirmationEvent struct {
	// Confirmed is a channel that will be sent upon once the transaction
	// has been fully confirmed. The struct sent will contain all the
	// details of the channel's confirmation.
	Confirmed chan *TxConfirmation

	// Cancel cancels the notification and frees its resources.
	Cancel func()
}

// SpendDetail contains details pertaining to a spent output. This struct
// itself is the spentness notification.
type SpendDetail struct {
	// SpentOutPoint is the outpoint that was spent.
	SpentOutPoint *wire.OutPoint

	// SpenderTxHash is the txid of the spending transaction.
	SpenderTxHash *chainhash.Hash

	// SpendingTx is the spending transaction itself.
	SpendingTx *wire.MsgTx

	// SpenderInputIndex is the input of the spending transaction that
	// consumed the outpoint.
	SpenderInputIndex uint32

	// SpendingHeight is the height of the block the spend was included
	// in.
	SpendingHeight int32
}

// SpendEvent encapsulates a spentness notification. Its only field 'Spend'
// will be sent upon once the target output passed into RegisterSpendNtfn has
// been spent on the blockchain.
type SpendEvent struct {
	// Spend is a receive only channel which will be sent upon once the
	// target outpoint has been spent.
	Spend chan *SpendDetail

	// Cancel cancels the notification and frees its resources.
	Cancel func()
}

// BlockEpoch represents metadata concerning each new block connected to the
// main chain.
type BlockEpoch struct {
	// Hash is the block hash of the latest block to be added to the tip
	// of the main chain.
	Hash *chainhash.Hash

	// Height is the height of the latest block to be added to the tip of
	// the main chain.
	Height int32
}

// BlockEpochEvent encapsulates an on-going stream of block epoch
// notifications. Its only field 'Epochs' will be sent upon for each new block
// connected to the main-chain.
type BlockEpochEvent struct {
	// Epochs is a receive only channel that will be sent upon each time a
	// new block is connected to the end of the main chain.
	Epochs <-chan *BlockEpoch

	// Cancel cancels the notification and frees its resources.
	Cancel func()
}

// ChainNotifier represents a trusted source to receive notifications
// concerning targeted events on the Bitcoin blockchain. The interface
// specification is intentionally general in order to support a wide array of
// chain notification implementations.
type ChainNotifier interface {
	// RegisterConfirmationsNtfn registers an intent to be notified once
	// txid reaches numConfs confirmations. The pkScript is the script of
	// the outpoint to watch, required by light-client backends.
	RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte,
		numConfs, heightHint uint32) (*ConfirmationEvent, error)

	// RegisterSpendNtfn registers an intent to be notified once the
	// target outpoint is successfully spent within a transaction.
	RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte,
		heightHint uint32) (*SpendEvent, error)

	// RegisterBlockEpochNtfn registers an intent to be notified of each
	// new block connected to the tip of the main chain.
	RegisterBlockEpochNtfn(*BlockEpoch) (*BlockEpochEvent, error)

	// Start the ChainNotifier. Once started, events will be dispatched.
	Start() error

	// Stop stops the notifier and cleans up its resources.
	Stop() error
}

// PublishStrategy expresses how urgently a transaction needs to confirm, and
// with which mechanism the broadcaster may bump its fee.
type PublishStrategy uint8

const (
	// JustPublish broadcasts the transaction as-is.
	JustPublish PublishStrategy = iota

	// CpfpAnchor instructs the broadcaster to attach a wallet input to
	// the transaction's anchor output and broadcast the resulting child
	// alongside, pushing the parent into a block.
	CpfpAnchor
)

// String returns a human readable strategy name.
func (s PublishStrategy) String() string {
	switch s {
	case JustPublish:
		return "JustPublish"
	case CpfpAnchor:
		return "CpfpAnchor"
	default:
		return "<unknown>"
	}
}

// TxPublisher abstracts the broadcast half of the chain interface.
type TxPublisher interface {
	// PublishTransaction broadcasts the transaction using the given
	// strategy. Publishing an already confirmed transaction must be
	// treated as success.
	PublishTransaction(tx *wire.MsgTx, strategy PublishStrategy) error
}

// TxWithMeta couples a raw transaction with the best-effort knowledge about
// its confirmation.
type TxWithMeta struct {
	// Tx is the raw transaction.
	Tx *wire.MsgTx

	// Confirmed reports whether the transaction is included in the chain.
	Confirmed bool

	// BlockHeight is the inclusion height when Confirmed is true.
	BlockHeight uint32
}

// TxFetcher can look up arbitrary transactions by txid.
type TxFetcher interface {
	// GetTxWithMeta fetches the transaction along with its confirmation
	// state.
	GetTxWithMeta(txid *chainhash.Hash) (*TxWithMeta, error)
}
