package chanactor

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/nayutafoundry/chandler/chainntnfs"
	"github.com/nayutafoundry/chandler/channel"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/channelnotifier"
	"github.com/nayutafoundry/chandler/contractcourt"
	"github.com/nayutafoundry/chandler/lnwire"
)

// ErrActorShutdown is returned for commands submitted after Stop.
var ErrActorShutdown = errors.New("channel actor shutting down")

// PeerConn is the transport handle for one connection to the channel peer.
// A new connection replaces the old one wholesale.
type PeerConn interface {
	// SendMessage writes a message to the peer.
	SendMessage(msg lnwire.Message) error

	// Close tears the connection down.
	Close() error
}

// UpstreamSettler replays HTLC settlements on the upstream channel of a
// relay. It is implemented by the switchboard owning all channel actors.
type UpstreamSettler interface {
	// SettleUpstream delivers the settlement of a relayed HTLC to its
	// upstream channel.
	SettleUpstream(upstream channeldb.RelayedOrigin,
		settled channel.SettledHtlc) error
}

// Config wires one channel actor to the node's shared subsystems. Actors
// share nothing else: each owns its machine, its mailbox and its watches.
type Config struct {
	// Machine is the channel state machine this actor drives.
	Machine *channel.Machine

	// Engine is the closing engine for the channel.
	Engine *contractcourt.ClosingEngine

	// Notifier delivers chain events.
	Notifier chainntnfs.ChainNotifier

	// Publisher broadcasts transactions.
	Publisher chainntnfs.TxPublisher

	// DB is the durable channel store.
	DB *channeldb.DB

	// Events is the node-wide event bus.
	Events *channelnotifier.ChannelNotifier

	// Settler replays relayed settlements upstream.
	Settler UpstreamSettler

	// Clock is the time source, mockable in tests.
	Clock clock.Clock

	// OpenTimeoutTicker aborts a stalled open handshake on its first
	// tick.
	OpenTimeoutTicker ticker.Ticker

	// Kill is invoked on a persistence failure. Storage errors are fatal
	// to the process, not just the channel: a healthy replica must take
	// over the store lease.
	Kill func(error)
}

// envelope pairs an input with the reply channel of the command that caused
// it, if any.
type envelope struct {
	input channel.Input
	reply chan error
}

// ChannelActor owns a single channel: exactly one input is in flight at any
// instant, processed on the actor's own goroutine. Between channels there is
// no shared mutable state.
type ChannelActor struct {
	cfg Config

	mailbox *queue.ConcurrentQueue

	connMtx sync.Mutex
	conn    PeerConn

	watcherWg sync.WaitGroup
	wg        sync.WaitGroup

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
}

// New creates a channel actor.
func New(cfg Config) *ChannelActor {
	return &ChannelActor{
		cfg:     cfg,
		mailbox: queue.NewConcurrentQueue(16),
		quit:    make(chan struct{}),
	}
}

// Start launches the actor's processing goroutine.
func (a *ChannelActor) Start() error {
	a.started.Do(func() {
		a.mailbox.Start()
		a.cfg.OpenTimeoutTicker.Resume()

		a.wg.Add(1)
		go a.run()
	})
	return nil
}

// Stop halts the actor and waits for its goroutines.
func (a *ChannelActor) Stop() error {
	a.stopped.Do(func() {
		close(a.quit)
		a.cfg.OpenTimeoutTicker.Stop()
		a.mailbox.Stop()
		a.wg.Wait()
		a.watcherWg.Wait()
	})
	return nil
}

// ConnectionReady installs a fresh peer connection, replacing and closing
// any prior one, then lets the machine resynchronize.
func (a *ChannelActor) ConnectionReady(conn PeerConn) {
	a.connMtx.Lock()
	old := a.conn
	a.conn = conn
	a.connMtx.Unlock()

	if old != nil {
		_ = old.Close()
	}

	a.enqueue(envelope{input: channel.InputReconnected{}})
}

// ConnectionLost reports the peer connection going down.
func (a *ChannelActor) ConnectionLost() {
	a.connMtx.Lock()
	a.conn = nil
	a.connMtx.Unlock()

	a.enqueue(envelope{input: channel.InputDisconnected{}})
}

// ReceiveMessage feeds a peer wire message into the actor's queue, in
// connection order.
func (a *ChannelActor) ReceiveMessage(msg lnwire.Message) {
	a.enqueue(envelope{input: channel.PeerMsg{Msg: msg}})
}

// Command submits a local command and blocks until the machine accepted or
// rejected it.
func (a *ChannelActor) Command(in channel.Input) error {
	reply := make(chan error, 1)
	a.enqueue(envelope{input: in, reply: reply})

	select {
	case err := <-reply:
		return err
	case <-a.quit:
		return ErrActorShutdown
	}
}

// Restore injects the post-restart input.
func (a *ChannelActor) Restore() {
	a.enqueue(envelope{input: channel.InputRestored{}})
}

// enqueue adds an envelope to the mailbox unless the actor is stopping.
func (a *ChannelActor) enqueue(env envelope) {
	select {
	case a.mailbox.ChanIn() <- env:
	case <-a.quit:
		if env.reply != nil {
			env.reply <- ErrActorShutdown
		}
	}
}

// run is the actor loop: one input at a time, in arrival order.
func (a *ChannelActor) run() {
	defer a.wg.Done()

	for {
		select {
		case item := <-a.mailbox.ChanOut():
			env := item.(envelope)
			a.process(env)

		case <-a.cfg.OpenTimeoutTicker.Ticks():
			a.process(envelope{
				input: channel.TickChannelOpenTimeout{},
			})

		case <-a.quit:
			return
		}
	}
}

// process runs one input through the machine and performs its effects in
// order.
func (a *ChannelActor) process(env envelope) {
	effects := a.cfg.Machine.Process(env.input)

	// Once the handshake is done the open timeout is disarmed.
	if a.cfg.Machine.State() >= channel.Normal {
		a.cfg.OpenTimeoutTicker.Pause()
	}

	var cmdErr error

	for _, effect := range effects {
		switch effect := effect.(type) {
		case channel.StoreChannel:
			if err := a.storeChannel(); err != nil {
				a.cfg.Kill(fmt.Errorf("channel store "+
					"failed: %w", err))
				return
			}

		case channel.StorePreimage:
			err := a.cfg.DB.StorePreimage(
				effect.PaymentHash, effect.Preimage,
			)
			if err != nil {
				a.cfg.Kill(fmt.Errorf("preimage store "+
					"failed: %w", err))
				return
			}

		case channel.SendMsg:
			a.sendMessage(effect.Msg)

		case channel.PublishTx:
			err := a.cfg.Publisher.PublishTransaction(
				effect.Tx, effect.Strategy,
			)
			if err != nil {
				log.Warnf("publish of %v failed: %v",
					effect.Tx.TxHash(), err)
			}

		case channel.WatchSpent:
			a.watchSpent(
				effect.OutPoint, effect.PkScript, effect.Tag,
			)

		case channel.WatchConfirmed:
			a.watchConfirmed(
				effect.TxID, effect.PkScript,
				effect.MinDepth, effect.Tag,
			)

		case channel.SettleUpstream:
			a.settleUpstream(effect.Settled)

		case channel.FailCmd:
			cmdErr = effect.Err

		case channel.EmitEvent:
			a.cfg.Events.Notify(effect.Event)
		}
	}

	// In the CLOSING state, chain events additionally drive the closing
	// engine.
	if a.cfg.Machine.State() == channel.Closing {
		a.driveEngine(env.input)
	}

	if env.reply != nil {
		env.reply <- cmdErr
	}
}

// driveEngine routes chain events into the closing engine and executes its
// resolutions.
func (a *ChannelActor) driveEngine(in channel.Input) {
	var (
		set     *contractcourt.ResolutionSet
		settled []channel.SettledHtlc
		err     error
	)

	switch in := in.(type) {
	case channel.ChainEventSpent:
		if in.Tag == channel.WatchTagFundingSpent {
			set, settled, err = a.cfg.Engine.FundingSpent(
				in.SpendingTx,
			)
		} else {
			set, settled, err = a.cfg.Engine.OutputSpent(
				in.OutPoint, in.SpendingTx,
			)
		}

	case channel.ChainEventConfirmed:
		var done bool
		set, settled, done, err = a.cfg.Engine.TxConfirmed(
			in.Tx.TxHash(), in.BlockHeight,
		)
		if done {
			a.cfg.Events.Notify(channel.ChannelClosedEvent{
				ChanID: a.cfg.Machine.Commitments().
					Params.ChanID,
				Reason: a.cfg.Engine.Class().Class.String(),
			})
		}

	case channel.InputRestored:
		// Replay: the machine re-armed the funding watch; an already
		// spent funding output will re-fire and re-derive every
		// claim. Publishing confirmed transactions is a no-op.
		return

	default:
		return
	}
	if err != nil {
		log.Errorf("closing engine: %v", err)
		return
	}

	a.executeResolutions(set)
	for _, s := range settled {
		a.settleUpstream(s)
	}
}

// executeResolutions performs a resolution set.
func (a *ChannelActor) executeResolutions(set *contractcourt.ResolutionSet) {
	if set == nil {
		return
	}

	log.Tracef("executing resolution set: %v", newLogClosure(func() string {
		return spew.Sdump(set)
	}))

	for _, req := range set.Publish {
		log.Infof("publishing %s: %v", req.Desc, req.Tx.TxHash())
		err := a.cfg.Publisher.PublishTransaction(req.Tx, req.Strategy)
		if err != nil {
			log.Warnf("publish of %s failed: %v", req.Desc, err)
		}
	}

	for _, watch := range set.WatchSpent {
		a.watchSpent(
			watch.OutPoint, watch.PkScript,
			channel.WatchTag(0xff),
		)
	}

	for _, watch := range set.WatchConfirmed {
		a.watchConfirmed(
			watch.TxID, watch.PkScript, watch.MinDepth,
			channel.WatchTag(0xfe),
		)
	}
}

// storeChannel persists the machine snapshot.
func (a *ChannelActor) storeChannel() error {
	var buf bytes.Buffer
	if err := a.cfg.Machine.Serialize(&buf); err != nil {
		return err
	}

	c := a.cfg.Machine.Commitments()
	var id lnwire.ChannelID
	if c != nil {
		id = c.Params.ChanID
	}

	return a.cfg.DB.PutChannel(id, buf.Bytes())
}

// sendMessage writes to the current connection, if any. A send on a dead
// connection is dropped: the reestablish protocol recovers anything that
// matters.
func (a *ChannelActor) sendMessage(msg lnwire.Message) {
	a.connMtx.Lock()
	conn := a.conn
	a.connMtx.Unlock()

	if conn == nil {
		log.Debugf("dropping %v: no connection", msg.MsgType())
		return
	}

	if err := conn.SendMessage(msg); err != nil {
		log.Warnf("send of %v failed: %v", msg.MsgType(), err)
	}
}

// settleUpstream records the relay durably and replays it upstream.
func (a *ChannelActor) settleUpstream(settled channel.SettledHtlc) {
	upstream, ok := settled.Origin.(channeldb.RelayedOrigin)
	if !ok {
		// A locally initiated payment: the settlement surfaces via
		// the event bus only.
		a.cfg.Events.Notify(channel.PaymentSettledEvent{
			HtlcID:    settled.ID,
			Fulfilled: settled.Fulfilled,
		})
		return
	}

	// The pending relay record makes the replay survive a crash between
	// settlement and upstream acknowledgment.
	c := a.cfg.Machine.Commitments()
	var buf bytes.Buffer
	if err := channeldb.SerializeOrigin(
		&buf, settled.Origin,
	); err == nil {
		err := a.cfg.DB.AddPendingRelay(
			c.Params.ChanID, settled.ID, buf.Bytes(),
		)
		if err != nil {
			a.cfg.Kill(fmt.Errorf("pending relay store "+
				"failed: %w", err))
			return
		}
	}

	if a.cfg.Settler != nil {
		if err := a.cfg.Settler.SettleUpstream(
			upstream, settled,
		); err != nil {
			log.Warnf("upstream settle of htlc %d failed: %v",
				settled.ID, err)
			return
		}
	}

	_ = a.cfg.DB.RemovePendingRelay(c.Params.ChanID, settled.ID)
}

// watchSpent registers a spend watch and forwards its event into the
// mailbox.
func (a *ChannelActor) watchSpent(op wire.OutPoint, pkScript []byte,
	tag channel.WatchTag) {

	event, err := a.cfg.Notifier.RegisterSpendNtfn(&op, pkScript, 0)
	if err != nil {
		log.Errorf("spend watch on %v failed: %v", op, err)
		return
	}

	a.watcherWg.Add(1)
	go func() {
		defer a.watcherWg.Done()
		defer event.Cancel()

		select {
		case detail, ok := <-event.Spend:
			if !ok {
				return
			}
			a.enqueue(envelope{input: channel.ChainEventSpent{
				Tag:        tag,
				OutPoint:   *detail.SpentOutPoint,
				SpendingTx: detail.SpendingTx,
			}})

		case <-a.quit:
		}
	}()
}

// watchConfirmed registers a confirmation watch and forwards its event into
// the mailbox.
func (a *ChannelActor) watchConfirmed(txid chainhash.Hash, pkScript []byte,
	minDepth uint32, tag channel.WatchTag) {

	if minDepth == 0 {
		minDepth = 1
	}

	event, err := a.cfg.Notifier.RegisterConfirmationsNtfn(
		&txid, pkScript, minDepth, 0,
	)
	if err != nil {
		log.Errorf("conf watch on %v failed: %v", txid, err)
		return
	}

	a.watcherWg.Add(1)
	go func() {
		defer a.watcherWg.Done()
		defer event.Cancel()

		select {
		case conf, ok := <-event.Confirmed:
			if !ok {
				return
			}
			a.enqueue(envelope{input: channel.ChainEventConfirmed{
				Tag:         tag,
				Tx:          conf.Tx,
				BlockHeight: conf.BlockHeight,
				TxIndex:     conf.TxIndex,
			}})

		case <-a.quit:
		}
	}()
}

// WaitForShutdown blocks until the actor fully stops or the timeout
// elapses; used by the daemon's ordered teardown.
func (a *ChannelActor) WaitForShutdown(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		a.watcherWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-a.cfg.Clock.TickAfter(timeout):
		return false
	}
}
