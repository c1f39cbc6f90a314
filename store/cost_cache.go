package store

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/types"
)

// CostCache fronts a CostSource with Redis. command_costs is consulted on
// every debit, so a short TTL keeps the hot path off Postgres while still
// picking up admin edits quickly.
type CostCache struct {
	client *RedisClient
	source CostSource
	ttl    time.Duration
}

func NewCostCache(client *RedisClient, source CostSource, ttl time.Duration) *CostCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CostCache{client: client, source: source, ttl: ttl}
}

func (c *CostCache) GetCommandCost(ctx context.Context, command string) (*types.CommandCost, error) {
	key := c.client.generateKey("command_cost", command)

	var cached types.CommandCost
	if err := c.client.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	cost, err := c.source.GetCommandCost(ctx, command)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, cost, c.ttl); err != nil {
		log.WithError(err).WithField("command", command).Warn("Failed to cache command cost")
	}
	return cost, nil
}

// Invalidate drops the cached cost after an admin edit.
func (c *CostCache) Invalidate(ctx context.Context, command string) {
	if err := c.client.Del(ctx, c.client.generateKey("command_cost", command)); err != nil {
		log.WithError(err).WithField("command", command).Warn("Failed to invalidate command cost")
	}
}

// UpdateDedup remembers Telegram update IDs briefly so that a redelivered
// update is processed once. Redelivery happens whenever the previous poll
// died before acking.
type UpdateDedup struct {
	client *RedisClient
	ttl    time.Duration
}

func NewUpdateDedup(client *RedisClient, ttl time.Duration) *UpdateDedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &UpdateDedup{client: client, ttl: ttl}
}

// Seen marks the update as handled and reports whether it had been handled
// before. A Redis error counts as not-seen.
func (d *UpdateDedup) Seen(ctx context.Context, updateID int64) bool {
	key := d.client.generateKey("update_seen", fmt.Sprintf("%d", updateID))
	created, err := d.client.SetNX(ctx, key, "1", d.ttl)
	if err != nil {
		log.WithError(err).WithField("update_id", updateID).Warn("Update dedup check failed")
		return false
	}
	return !created
}

var _ CostSource = (*CostCache)(nil)
