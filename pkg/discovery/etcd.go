package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/psantana5/cradle/pkg/logging"
)

const peerPrefix = "/cradle/peers/"

// Peer is a daemon advertised in etcd
type Peer struct {
	Name    string
	Address string
}

// PeerEvent reports a peer joining or leaving the cluster
type PeerEvent struct {
	Peer    Peer
	Removed bool
}

// Registry announces this daemon in etcd under a lease and watches the
// peer prefix. A daemon that dies stops renewing its lease and drops out
// of every other daemon's peer set within the TTL.
type Registry struct {
	cli     *clientv3.Client
	name    string
	address string
	ttl     int64
	leaseID clientv3.LeaseID
	log     *logging.Logger
}

// NewRegistry connects to etcd. ttlSeconds bounds how long a dead daemon
// stays visible to peers.
func NewRegistry(endpoints []string, name, address string, ttlSeconds int64, log *logging.Logger) (*Registry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &Registry{
		cli:     cli,
		name:    name,
		address: address,
		ttl:     ttlSeconds,
		log:     log,
	}, nil
}

// Register announces this daemon under a lease and keeps it alive until
// ctx is canceled.
func (r *Registry) Register(ctx context.Context) error {
	lease, err := r.cli.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = lease.ID

	key := peerPrefix + r.name
	if _, err := r.cli.Put(ctx, key, r.address, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register peer key: %w", err)
	}

	keepAlive, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to start lease keepalive: %w", err)
	}

	go func() {
		for range keepAlive {
			// drain renewal acks; channel closes when ctx is canceled
		}
		r.log.Warn("Peer lease keepalive stopped", map[string]interface{}{"peer": r.name})
	}()

	r.log.Info("Registered in peer discovery", map[string]interface{}{
		"peer":    r.name,
		"address": r.address,
		"ttl_s":   r.ttl,
	})
	return nil
}

// GetPeers lists currently advertised peers, excluding this daemon
func (r *Registry) GetPeers(ctx context.Context) ([]Peer, error) {
	resp, err := r.cli.Get(ctx, peerPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	peers := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), peerPrefix)
		if name == r.name {
			continue
		}
		peers = append(peers, Peer{Name: name, Address: string(kv.Value)})
	}
	return peers, nil
}

// WatchPeers streams peer membership changes until ctx is canceled.
// The returned channel is closed when the watch ends.
func (r *Registry) WatchPeers(ctx context.Context) <-chan PeerEvent {
	events := make(chan PeerEvent)

	go func() {
		defer close(events)
		watchCh := r.cli.Watch(ctx, peerPrefix, clientv3.WithPrefix())
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				r.log.Error("Peer watch error", map[string]interface{}{"error": err.Error()})
				return
			}
			for _, ev := range resp.Events {
				name := strings.TrimPrefix(string(ev.Kv.Key), peerPrefix)
				if name == r.name {
					continue
				}
				switch ev.Type {
				case clientv3.EventTypePut:
					events <- PeerEvent{Peer: Peer{Name: name, Address: string(ev.Kv.Value)}}
				case clientv3.EventTypeDelete:
					events <- PeerEvent{Peer: Peer{Name: name}, Removed: true}
				}
			}
		}
	}()

	return events
}

// Deregister revokes the lease so peers drop us immediately
func (r *Registry) Deregister(ctx context.Context) error {
	if r.leaseID != 0 {
		if _, err := r.cli.Revoke(ctx, r.leaseID); err != nil {
			return fmt.Errorf("failed to revoke lease: %w", err)
		}
	}
	return nil
}

// Close shuts down the etcd client
func (r *Registry) Close() error {
	return r.cli.Close()
}
