package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewClient connects to etcd and checks that at least one endpoint answers
// within timeout, so a wrong endpoint fails the start instead of every job save.
func NewClient(ctx context.Context, endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	statusCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var lastErr error
	for _, ep := range endpoints {
		if _, lastErr = cli.Status(statusCtx, ep); lastErr == nil {
			return cli, nil
		}
	}
	cli.Close()
	return nil, fmt.Errorf("no etcd endpoint reachable %v: %w", endpoints, lastErr)
}
