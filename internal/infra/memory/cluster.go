package memory

import (
	"context"

	"pds/internal/domain"
)

// Cluster is a domain.Cluster with this instance as its only member.
type Cluster struct {
	self domain.ServerMember
}

func NewCluster(self domain.ServerMember) *Cluster {
	return &Cluster{self: self}
}

func (c *Cluster) Members(ctx context.Context) ([]domain.ServerMember, error) {
	return []domain.ServerMember{c.self}, nil
}
