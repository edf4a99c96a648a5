package remote

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/cradle/pkg/logging"
)

// Broadcaster fans a local liveness signal out to every known peer.
// Peer failures are logged and counted but never block or fail the
// local feed: a partitioned peer simply stops hearing from us.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client // keyed by peer name
	log     *logging.Logger
	onError func(peer string, err error)
	timeout time.Duration
	nonce   uint64
	nonceMu sync.Mutex
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(log *logging.Logger, onError func(peer string, err error)) *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
		log:     log,
		onError: onError,
		timeout: 10 * time.Second,
	}
}

// SetPeers replaces the peer set. Called from discovery watch events.
func (b *Broadcaster) SetPeers(peers map[string]*Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients = peers
}

// AddPeer registers or replaces a single peer client
func (b *Broadcaster) AddPeer(name string, client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[name] = client
}

// RemovePeer drops a peer
func (b *Broadcaster) RemovePeer(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, name)
}

// Peers returns the current peer names
func (b *Broadcaster) Peers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.clients))
	for name := range b.clients {
		names = append(names, name)
	}
	return names
}

func (b *Broadcaster) nextNonce() uint64 {
	b.nonceMu.Lock()
	defer b.nonceMu.Unlock()
	b.nonce++
	return b.nonce
}

// Broadcast sends a signal for sourceID to all peers concurrently and
// returns once every attempt has finished. Individual failures are
// reported via the error callback, not returned.
func (b *Broadcaster) Broadcast(ctx context.Context, sourceID string) {
	b.mu.RLock()
	clients := make(map[string]*Client, len(b.clients))
	for addr, c := range b.clients {
		clients[addr] = c
	}
	b.mu.RUnlock()

	nonce := b.nextNonce()

	var wg sync.WaitGroup
	for addr, client := range clients {
		wg.Add(1)
		go func(addr string, client *Client) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()
			if err := client.SendSignal(sendCtx, sourceID, nonce); err != nil {
				b.log.Warn("Peer signal failed", map[string]interface{}{
					"peer":   addr,
					"source": sourceID,
					"error":  err.Error(),
				})
				if b.onError != nil {
					b.onError(addr, err)
				}
			}
		}(addr, client)
	}
	wg.Wait()
}
