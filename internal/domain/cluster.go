package domain

import (
	"context"
	"time"
)

// ServerMember is one running server instance.
type ServerMember struct {
	ServerID   string    `json:"serverId"`
	InstanceID string    `json:"instanceId"`
	ListenAddr string    `json:"listenAddr"`
	Version    string    `json:"version"`
	Started    time.Time `json:"started"`
}

// Cluster lists the server instances that are currently alive.
type Cluster interface {
	Members(ctx context.Context) ([]ServerMember, error)
}
