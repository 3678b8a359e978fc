package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/fuelops/support-signaling/config"
	"github.com/redis/go-redis/v9"
)

const peersTTL = 24 * time.Hour

// Presence mirrors room membership into Redis sets so that membership of a
// room can be observed from outside this relay process.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect initializes the Redis client and verifies the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*Presence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewPresence(client), nil
}

// NewPresence wraps an existing client.
func NewPresence(client *redis.Client) *Presence {
	return &Presence{
		client: client,
		ttl:    peersTTL,
	}
}

func peersKey(roomID string) string {
	return "room:" + roomID + ":peers"
}

// Joined records connID as a member of roomID.
func (p *Presence) Joined(ctx context.Context, roomID, connID string) error {
	key := peersKey(roomID)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, connID)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", connID, key, err)
	}
	return nil
}

// Left removes connID from roomID.
func (p *Presence) Left(ctx context.Context, roomID, connID string) error {
	key := peersKey(roomID)
	if err := p.client.SRem(ctx, key, connID).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", connID, key, err)
	}
	return nil
}

// Count returns the number of members of roomID across all relays.
func (p *Presence) Count(ctx context.Context, roomID string) (int64, error) {
	n, err := p.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count members of %s: %w", roomID, err)
	}
	return n, nil
}

// Ping checks that Redis is reachable
func (p *Presence) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (p *Presence) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
