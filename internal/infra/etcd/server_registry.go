// internal/infra/etcd/server_registry.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"

	"pds/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// ServerRegistryPrefix 定义了服务实例注册的根路径
	ServerRegistryPrefix = "/pds/servers/"
	// ServerRegistrationTTL 定义了注册租约的 TTL
	ServerRegistrationTTL = 10 // seconds
)

// ServerRegistry registers this instance in etcd under a lease so that
// servers sharing the repository can see each other.
type ServerRegistry struct {
	client *clientv3.Client
	logger *slog.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	key     string
	stop    context.CancelFunc
	done    chan struct{}
}

// NewServerRegistry creates a new server registry.
func NewServerRegistry(client *clientv3.Client, logger *slog.Logger) *ServerRegistry {
	return &ServerRegistry{
		client: client,
		logger: logger.With("component", "server-registry"),
	}
}

func memberKey(m domain.ServerMember) string {
	return path.Join(ServerRegistryPrefix, m.ServerID, m.InstanceID)
}

// Register puts the member with a lease and keeps the lease alive until
// Deregister is called.
func (r *ServerRegistry) Register(ctx context.Context, member domain.ServerMember) error {
	value, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal server member: %w", err)
	}

	// 1. Create a new lease with a TTL.
	leaseResp, err := r.client.Grant(ctx, ServerRegistrationTTL)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	// 2. Put the member with the lease.
	key := memberKey(member)
	if _, err := r.client.Put(ctx, key, string(value), clientv3.WithLease(leaseResp.ID)); err != nil {
		return fmt.Errorf("failed to put server registration key: %w", err)
	}

	// 3. Keep the lease alive until deregistration.
	kaCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	keepAliveCh, err := r.client.KeepAlive(kaCtx, leaseResp.ID)
	if err != nil {
		stop()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		if kaCtx.Err() == nil {
			r.logger.Warn("keep-alive channel closed, server registration may have expired")
		}
	}()

	r.mu.Lock()
	r.leaseID, r.key, r.stop, r.done = leaseResp.ID, key, stop, done
	r.mu.Unlock()

	r.logger.Info("server registered", "key", key, "listen_addr", member.ListenAddr)
	return nil
}

// Deregister stops the keep-alive and revokes the lease, which deletes the key.
func (r *ServerRegistry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	stop, done, leaseID, key := r.stop, r.done, r.leaseID, r.key
	r.stop = nil
	r.mu.Unlock()
	if stop == nil {
		return nil
	}

	r.logger.Info("deregistering server", "key", key)
	stop()
	<-done
	if _, err := r.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// Members returns all registered instances ordered by server and instance id.
func (r *ServerRegistry) Members(ctx context.Context) ([]domain.ServerMember, error) {
	resp, err := r.client.Get(ctx, ServerRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list servers from etcd: %w", err)
	}

	members := make([]domain.ServerMember, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m domain.ServerMember
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			r.logger.Warn("failed to unmarshal server member", "key", string(kv.Key), "error", err)
			continue
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].ServerID != members[j].ServerID {
			return members[i].ServerID < members[j].ServerID
		}
		return members[i].InstanceID < members[j].InstanceID
	})
	return members, nil
}
