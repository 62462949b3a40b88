package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "hub:msg:"

// RedisBus stores live relay messages in redis so multiple backend
// instances share one message set. Live messages carry no TTL; Remove is
// the only way out.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus wraps an already-connected redis client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func redisKey(transferID common.Hash) string {
	return redisKeyPrefix + transferID.Hex()
}

// Publish stores the message JSON under its content digest.
func (b *RedisBus) Publish(ctx context.Context, msg *RelayMessage) (common.Hash, error) {
	id, err := msg.ComputeID()
	if err != nil {
		return common.Hash{}, err
	}

	stored := msg.Clone()
	stored.TransferID = id

	body, err := json.Marshal(stored)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal relay message: %w", err)
	}

	if err := b.rdb.Set(ctx, redisKey(id), body, 0).Err(); err != nil {
		return common.Hash{}, fmt.Errorf("failed to store relay message: %w", err)
	}
	return id, nil
}

// Get loads and decodes the message, mapping redis.Nil to
// ErrMessageNotFound.
func (b *RedisBus) Get(ctx context.Context, transferID common.Hash) (*RelayMessage, error) {
	body, err := b.rdb.Get(ctx, redisKey(transferID)).Result()
	if err == redis.Nil {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load relay message: %w", err)
	}

	var msg RelayMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode relay message: %w", err)
	}
	return &msg, nil
}

// Verify recomputes the digest of the supplied message against the key.
func (b *RedisBus) Verify(ctx context.Context, transferID common.Hash, msg *RelayMessage) bool {
	return VerifyMessage(transferID, msg)
}

// Remove deletes the message from the live set.
func (b *RedisBus) Remove(ctx context.Context, transferID common.Hash) error {
	if err := b.rdb.Del(ctx, redisKey(transferID)).Err(); err != nil {
		return fmt.Errorf("failed to remove relay message: %w", err)
	}
	return nil
}
