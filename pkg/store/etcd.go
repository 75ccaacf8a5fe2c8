package store

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd adapts an etcd client to the Store contract. Keys are used as-is;
// callers already namespace them by application key.
type Etcd struct {
	cli *clientv3.Client
}

// NewEtcd wraps cli. The client is owned by the caller and not closed here.
func NewEtcd(cli *clientv3.Client) *Etcd {
	return &Etcd{cli: cli}
}

func (e *Etcd) Set(ctx context.Context, key, value string) error {
	if _, err := e.cli.Put(ctx, key, value); err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (e *Etcd) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.cli.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("store: get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := e.cli.Delete(ctx, key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}
