package channelnotifier

import (
	"github.com/nayutafoundry/chandler/subscribe"
)

// ChannelNotifier is the node-wide bus for channel domain events: channel
// creation and restoration, state changes, signature exchange, balance
// moves, closes and payment settlements. Subscribers are external; the
// channel cores publish and never wait.
type ChannelNotifier struct {
	ntfnServer *subscribe.Server
}

// New creates a new channel notifier.
func New() *ChannelNotifier {
	return &ChannelNotifier{
		ntfnServer: subscribe.NewServer(),
	}
}

// Start starts the underlying subscription server.
func (c *ChannelNotifier) Start() error {
	return c.ntfnServer.Start()
}

// Stop signals the notifier for a graceful shutdown.
func (c *ChannelNotifier) Stop() error {
	return c.ntfnServer.Stop()
}

// SubscribeChannelEvents returns a subscribe.Client that will receive
// updates for every published channel event.
func (c *ChannelNotifier) SubscribeChannelEvents() (*subscribe.Client,
	error) {

	return c.ntfnServer.Subscribe()
}

// Notify publishes a domain event to all subscribers. Events are the typed
// structs defined by the channel package.
func (c *ChannelNotifier) Notify(event interface{}) {
	// Errors here mean the server is shutting down; dropping the event
	// is then correct.
	_ = c.ntfnServer.SendUpdate(event)
}
