package chanactor

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nayutafoundry/chandler/channel"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/lnwire"
)

// Switchboard owns all channel actors of the node and the two-way lookup
// tables between channel ids and actors. It implements UpstreamSettler by
// translating a downstream settlement into the matching command on the
// upstream channel's actor.
type Switchboard struct {
	mtx    sync.RWMutex
	actors map[lnwire.ChannelID]*ChannelActor
}

// NewSwitchboard creates an empty switchboard.
func NewSwitchboard() *Switchboard {
	return &Switchboard{
		actors: make(map[lnwire.ChannelID]*ChannelActor),
	}
}

// Register adds an actor under its channel id.
func (s *Switchboard) Register(id lnwire.ChannelID, actor *ChannelActor) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.actors[id] = actor
}

// Unregister removes a closed channel's actor.
func (s *Switchboard) Unregister(id lnwire.ChannelID) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.actors, id)
}

// Lookup fetches the actor for a channel id.
func (s *Switchboard) Lookup(id lnwire.ChannelID) fn.Option[*ChannelActor] {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if actor, ok := s.actors[id]; ok {
		return fn.Some(actor)
	}
	return fn.None[*ChannelActor]()
}

// SettleUpstream replays the settlement of a relayed HTLC on its upstream
// channel.
//
// NOTE: Part of the UpstreamSettler interface.
func (s *Switchboard) SettleUpstream(upstream channeldb.RelayedOrigin,
	settled channel.SettledHtlc) error {

	actorOpt := s.Lookup(upstream.ChanID)
	if actorOpt.IsNone() {
		return fmt.Errorf("no actor for upstream channel %v",
			upstream.ChanID)
	}
	actor := actorOpt.UnwrapOr(nil)

	switch {
	case settled.Fulfilled:
		return actor.Command(channel.CmdFulfillHTLC{
			ID:       upstream.HtlcID,
			Preimage: settled.Preimage,
		})

	case len(settled.Reason) > 0:
		return actor.Command(channel.CmdFailHTLC{
			ID:     upstream.HtlcID,
			Reason: settled.Reason,
		})

	default:
		// A local failure decision propagates as an encoded failure
		// message; the onion wrapping happens at the relay layer.
		reason, err := lnwire.EncodeFailureMessage(
			&lnwire.FailTemporaryChannelFailure{},
		)
		if err != nil {
			return err
		}
		return actor.Command(channel.CmdFailHTLC{
			ID:     upstream.HtlcID,
			Reason: reason,
		})
	}
}

// Stop stops every actor concurrently and returns the first error.
func (s *Switchboard) Stop() error {
	s.mtx.Lock()
	actors := make([]*ChannelActor, 0, len(s.actors))
	for _, actor := range s.actors {
		actors = append(actors, actor)
	}
	s.mtx.Unlock()

	var eg errgroup.Group
	for _, actor := range actors {
		actor := actor
		eg.Go(actor.Stop)
	}
	return eg.Wait()
}
