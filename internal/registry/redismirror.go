package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror implements Mirror by writing each node's status to a Redis
// hash, so a standby pgproxy host or an operator dashboard can read this
// host's view from Redis instead of the admin API. Nothing in this package
// reads the hash back into a Registry.
//
// Grounded on redis/go-redis/v9, the client the pack's own backend-for-
// frontend services use for cross-instance shared state.
type RedisMirror struct {
	client *redis.Client
	key    string
	log    *slog.Logger
}

// NewRedisMirror builds a mirror writing to a single Redis hash named
// keyPrefix+":node_status", one field per node id.
func NewRedisMirror(client *redis.Client, keyPrefix string, log *slog.Logger) *RedisMirror {
	if log == nil {
		log = slog.Default()
	}
	return &RedisMirror{client: client, key: keyPrefix + ":node_status", log: log}
}

// PublishStatus writes nodeID's status with a short timeout; Redis
// unavailability degrades to "this host's view isn't mirrored", never to a
// blocked registry write.
func (m *RedisMirror) PublishStatus(nodeID int, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	field := fmt.Sprintf("%d", nodeID)
	if err := m.client.HSet(ctx, m.key, field, status).Err(); err != nil {
		m.log.Warn("registry: redis mirror publish failed", slog.Int("node_id", nodeID), slog.Any("error", err))
	}
}
