package main

import (
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/zephyrttl/internal/config"
	"github.com/ryandielhenn/zephyrttl/pkg/kv"
	"github.com/ryandielhenn/zephyrttl/pkg/kv/etcdkv"
	"github.com/ryandielhenn/zephyrttl/pkg/kv/leveldb"
)

// backend holds the stores selected by the configuration. The data store
// is handed to the ttl DB, which closes it; close releases the rest.
type backend struct {
	data  kv.Store
	index kv.Store // nil unless the index has a store of its own
	etcd  *clientv3.Client
}

func openBackend(cfg config.Config) (*backend, error) {
	b := &backend{}
	switch cfg.Backend {
	case config.BackendMemory:
		b.data = kv.NewMemStore()

	case config.BackendLevelDB:
		data, err := leveldb.Open(cfg.DataDir, nil)
		if err != nil {
			return nil, err
		}
		b.data = data
		if cfg.IndexDir != "" {
			index, err := leveldb.Open(cfg.IndexDir, nil)
			if err != nil {
				data.Close()
				return nil, err
			}
			b.index = index
		}

	case config.BackendEtcd:
		cli, err := etcdkv.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return nil, fmt.Errorf("etcd client: %w", err)
		}
		b.etcd = cli
		opts := []etcdkv.Option{
			etcdkv.WithTimeout(5 * time.Second),
			etcdkv.WithMaxTxnOps(cfg.EtcdMaxTxnOps),
		}
		b.data = etcdkv.New(cli, cfg.EtcdPrefix, opts...)
		if cfg.EtcdIndexPrefix != "" {
			b.index = etcdkv.New(cli, cfg.EtcdIndexPrefix, opts...)
		}

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return b, nil
}

func (b *backend) close() error {
	var errs []error
	if b.index != nil {
		errs = append(errs, b.index.Close())
	}
	if b.etcd != nil {
		errs = append(errs, b.etcd.Close())
	}
	return errors.Join(errs...)
}
