package subscribe

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrServerShuttingDown is an error returned in case the server is in the
// process of shutting down.
var ErrServerShuttingDown = errors.New("subscription server shutting down")

// Client is used to get notified about updates the caller has subscribed to.
type Client struct {
	// Cancel should be called in case the client no longer wants to
	// subscribe for updates from the server.
	Cancel func()

	updates *queue.ConcurrentQueue
	quit    chan struct{}
}

// Updates returns a read-only channel where the updates the client has
// subscribed to will be delivered.
func (c *Client) Updates() <-chan interface{} {
	return c.updates.ChanOut()
}

// Quit is a channel that will be closed in case the server decides to no
// longer deliver updates to this client.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Server is a struct that manages a set of subscriptions and their
// corresponding clients. Any update will be delivered to all active clients.
type Server struct {
	clientCounter uint64 // To be used atomically.

	clients map[uint64]*Client

	clientUpdates *queue.ConcurrentQueue

	sync.Mutex

	quit    chan struct{}
	started sync.Once
	stopped sync.Once
}

// clientUpdate is an internal message delivered to the server in case a
// client wants to subscribe or unsubscribe.
type clientUpdate struct {
	cancel   bool
	clientID uint64
	client   *Client
}

// NewServer returns a new subscription server.
func NewServer() *Server {
	return &Server{
		clients:       make(map[uint64]*Client),
		clientUpdates: queue.NewConcurrentQueue(20),
		quit:          make(chan struct{}),
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.started.Do(func() {
		s.clientUpdates.Start()
	})
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	s.stopped.Do(func() {
		close(s.quit)
		s.clientUpdates.Stop()

		s.Lock()
		defer s.Unlock()
		for _, client := range s.clients {
			client.updates.Stop()
			close(client.quit)
		}
		s.clients = make(map[uint64]*Client)
	})
	return nil
}

// Subscribe returns a Client that will receive updates the server is
// sending.
func (s *Server) Subscribe() (*Client, error) {
	select {
	case <-s.quit:
		return nil, ErrServerShuttingDown
	default:
	}

	// We'll first assign a client ID, and create the client.
	clientID := atomic.AddUint64(&s.clientCounter, 1)
	client := &Client{
		updates: queue.NewConcurrentQueue(20),
		quit:    make(chan struct{}),
	}
	client.updates.Start()

	client.Cancel = func() {
		s.Lock()
		defer s.Unlock()

		existing, ok := s.clients[clientID]
		if !ok {
			return
		}
		delete(s.clients, clientID)
		existing.updates.Stop()
		close(existing.quit)
	}

	s.Lock()
	s.clients[clientID] = client
	s.Unlock()

	return client, nil
}

// SendUpdate delivers the update to all currently active clients.
func (s *Server) SendUpdate(update interface{}) error {
	select {
	case <-s.quit:
		return ErrServerShuttingDown
	default:
	}

	s.Lock()
	defer s.Unlock()

	for _, client := range s.clients {
		select {
		case client.updates.ChanIn() <- update:
		case <-s.quit:
			return ErrServerShuttingDown
		}
	}
	return nil
}
