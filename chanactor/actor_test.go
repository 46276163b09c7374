package chanactor

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/chainntnfs"
	"github.com/nayutafoundry/chandler/channel"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/channelnotifier"
	"github.com/nayutafoundry/chandler/contractcourt"
	"github.com/nayutafoundry/chandler/input"
	"github.com/nayutafoundry/chandler/lnwire"
	"github.com/nayutafoundry/chandler/shachain"
)

// mockNotifier hands out never-firing watch events.
type mockNotifier struct {
	mtx       sync.Mutex
	spendRegs int
	confRegs  int
}

func (m *mockNotifier) RegisterConfirmationsNtfn(*chainhash.Hash, []byte,
	uint32, uint32) (*chainntnfs.ConfirmationEvent, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.confRegs++

	return &chainntnfs.ConfirmationEvent{
		Confirmed: make(chan *chainntnfs.TxConfirmation),
		Cancel:    func() {},
	}, nil
}

func (m *mockNotifier) RegisterSpendNtfn(*wire.OutPoint, []byte,
	uint32) (*chainntnfs.SpendEvent, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.spendRegs++

	return &chainntnfs.SpendEvent{
		Spend:  make(chan *chainntnfs.SpendDetail),
		Cancel: func() {},
	}, nil
}

func (m *mockNotifier) RegisterBlockEpochNtfn(
	*chainntnfs.BlockEpoch) (*chainntnfs.BlockEpochEvent, error) {

	return &chainntnfs.BlockEpochEvent{
		Epochs: make(chan *chainntnfs.BlockEpoch),
		Cancel: func() {},
	}, nil
}

func (m *mockNotifier) Start() error { return nil }
func (m *mockNotifier) Stop() error  { return nil }

// mockPublisher records broadcasts.
type mockPublisher struct {
	mtx sync.Mutex
	txs []*wire.MsgTx
}

func (m *mockPublisher) PublishTransaction(tx *wire.MsgTx,
	_ chainntnfs.PublishStrategy) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.txs = append(m.txs, tx)
	return nil
}

// mockConn records sent messages.
type mockConn struct {
	mtx  sync.Mutex
	msgs []lnwire.Message
}

func (m *mockConn) SendMessage(msg lnwire.Message) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *mockConn) Close() error { return nil }

func (m *mockConn) sent() []lnwire.Message {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]lnwire.Message(nil), m.msgs...)
}

func testActorMachine(t *testing.T) *channel.Machine {
	t.Helper()

	var seed [32]byte
	seed[0] = 42
	priv, _ := btcec.PrivKeyFromBytes(seed[:])

	features := lnwire.NewFeatureVector(lnwire.NewRawFeatureVector(
		lnwire.DataLossProtectOptional,
	))

	return channel.NewMachine(channel.Config{
		ChainHash:            *chaincfg.RegressionNetParams.GenesisHash,
		FeeEstimator:         chainfee.NewStaticEstimator(10_000, 253),
		FeerateTolerance:     channel.DefaultFeerateTolerance(),
		MinDepth:             3,
		FundingTimeoutBlocks: 2016,
		DustLimit:            1100,
		MaxHtlcValueInFlight: lnwire.MilliSatoshi(1e15),
		MaxAcceptedHtlcs:     483,
		HtlcMinimum:          1000,
		ToSelfDelay:          144,
		ReserveFactor:        100,
		LocalFeatures:        features,
		RemoteFeatures:       features,
		Signer:               &input.MockSigner{Privkeys: []*btcec.PrivateKey{priv}},
		Producer: shachain.NewRevocationProducer(
			chainhash.Hash(seed),
		),
		MultiSigKey:         priv.PubKey(),
		RevocationBasePoint: priv.PubKey(),
		PaymentBasePoint:    priv.PubKey(),
		DelayBasePoint:      priv.PubKey(),
		HtlcBasePoint:       priv.PubKey(),
	})
}

func newTestActor(t *testing.T) (*ChannelActor, *mockConn, *mockPublisher) {
	t.Helper()

	machine := testActorMachine(t)

	db, err := channeldb.Open(filepath.Join(t.TempDir(), "channel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	events := channelnotifier.New()
	require.NoError(t, events.Start())
	t.Cleanup(func() { events.Stop() })

	publisher := &mockPublisher{}

	actor := New(Config{
		Machine:           machine,
		Engine:            contractcourt.NewClosingEngine(contractcourt.EngineConfig{}),
		Notifier:          &mockNotifier{},
		Publisher:         publisher,
		DB:                db,
		Events:            events,
		Clock:             clock.NewDefaultClock(),
		OpenTimeoutTicker: ticker.NewForce(time.Hour),
		Kill: func(err error) {
			t.Fatalf("kill invoked: %v", err)
		},
	})
	require.NoError(t, actor.Start())
	t.Cleanup(func() { actor.Stop() })

	conn := &mockConn{}
	actor.ConnectionReady(conn)

	return actor, conn, publisher
}

// TestActorCommandReplies asserts the command round trip through the
// mailbox, including typed failures.
func TestActorCommandReplies(t *testing.T) {
	t.Parallel()

	actor, _, _ := newTestActor(t)

	// A command in a state that cannot serve it fails synchronously with
	// the machine's typed error.
	err := actor.Command(channel.CmdAddHTLC{Amount: 1000})
	require.ErrorIs(t, err, channel.ErrChannelUnavailable)

	// Arming the fundee role succeeds with no error.
	require.NoError(t, actor.Command(channel.CmdInitFundee{}))
	require.Equal(t, channel.WaitForOpen, actor.cfg.Machine.State())
}

// TestActorSendsMessages asserts SendMsg effects reach the connection.
func TestActorSendsMessages(t *testing.T) {
	t.Parallel()

	actor, conn, _ := newTestActor(t)

	require.NoError(t, actor.Command(channel.CmdInitFunder{
		FundingAmount: 1_000_000,
		FeePerKw:      10_000,
	}))

	msgs := conn.sent()
	require.Len(t, msgs, 1)
	require.IsType(t, &lnwire.OpenChannel{}, msgs[0])
}

// TestSwitchboardRouting asserts upstream settlements reach the right
// actor.
func TestSwitchboardRouting(t *testing.T) {
	t.Parallel()

	actor, _, _ := newTestActor(t)

	sb := NewSwitchboard()
	upstreamID := lnwire.ChannelID{0x31}
	sb.Register(upstreamID, actor)

	require.True(t, sb.Lookup(upstreamID).IsSome())

	// The routed command lands on the actor's machine; in WAIT_FOR_INIT
	// it fails with the machine's typed error, proving delivery.
	err := sb.SettleUpstream(
		channeldb.RelayedOrigin{ChanID: upstreamID, HtlcID: 3},
		channel.SettledHtlc{Fulfilled: true},
	)
	require.ErrorIs(t, err, channel.ErrChannelUnavailable)

	// Unknown channels are reported.
	err = sb.SettleUpstream(
		channeldb.RelayedOrigin{ChanID: lnwire.ChannelID{0xff}},
		channel.SettledHtlc{},
	)
	require.Error(t, err)

	sb.Unregister(upstreamID)
	require.True(t, sb.Lookup(upstreamID).IsNone())
}
