// Package discovery announces running nodes in etcd so that clients such as
// the bench tool can find them.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Prefix is where nodes announce themselves: Prefix+id -> address.
const Prefix = "/zephyr/nodes/"

// Registration is a live announcement held by a lease.
type Registration struct {
	cli    *clientv3.Client
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// RegisterNode puts Prefix+id -> addr under a lease of ttl seconds and keeps
// the lease alive until Close.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64) (*Registration, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Prefix+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("register %s: %w", id, err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return &Registration{cli: cli, lease: lease.ID, cancel: cancel}, nil
}

// Close stops the keepalive and revokes the lease, removing the entry.
func (r *Registration) Close() error {
	r.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.cli.Revoke(ctx, r.lease)
	return err
}

// Peers returns the announced nodes as id -> address.
func Peers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), Prefix)] = string(kv.Value)
	}
	return peers, nil
}
