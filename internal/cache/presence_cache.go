package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
	"github.com/redis/go-redis/v9"
)

// PresenceCache mirrors room membership in Redis so that any instance can
// answer who is present in a consultation.
type PresenceCache interface {
	Join(ctx context.Context, sessionID uuid.UUID, p models.Participant) error
	Leave(ctx context.Context, sessionID uuid.UUID, connectionID string) error
	List(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
	Clear(ctx context.Context, sessionID uuid.UUID) error
}

type presenceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPresenceCache creates a presence cache whose entries expire after ttl
// without activity.
func NewPresenceCache(client *redis.Client, ttl time.Duration) PresenceCache {
	return &presenceCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *presenceCache) key(sessionID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", sessionID)
}

func (c *presenceCache) Join(ctx context.Context, sessionID uuid.UUID, p models.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	key := c.key(sessionID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, p.ConnectionID, data)
	pipe.Expire(ctx, key, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *presenceCache) Leave(ctx context.Context, sessionID uuid.UUID, connectionID string) error {
	return c.client.HDel(ctx, c.key(sessionID), connectionID).Err()
}

func (c *presenceCache) List(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	entries, err := c.client.HGetAll(ctx, c.key(sessionID)).Result()
	if err == redis.Nil {
		return []models.Participant{}, nil
	}
	if err != nil {
		return nil, err
	}

	participants := make([]models.Participant, 0, len(entries))
	for _, data := range entries {
		var p models.Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, nil
}

func (c *presenceCache) Clear(ctx context.Context, sessionID uuid.UUID) error {
	return c.client.Del(ctx, c.key(sessionID)).Err()
}
