package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"sideline-chat/internal/policy"
)

// Block list key pattern:
// - blocks:{user_id} - set of user ids that user_id has blocked, maintained by
//   the relationship service

// BlockListPolicy denies direct conversations when either user blocked the other.
type BlockListPolicy struct {
	client *goredis.Client
}

func NewBlockListPolicy(client *goredis.Client) *BlockListPolicy {
	return &BlockListPolicy{client: client}
}

func blocksKey(userID uuid.UUID) string {
	return fmt.Sprintf("blocks:%s", userID.String())
}

func (p *BlockListPolicy) CanMessage(ctx context.Context, a, b uuid.UUID) (bool, error) {
	pipe := p.client.Pipeline()
	ab := pipe.SIsMember(ctx, blocksKey(a), b.String())
	ba := pipe.SIsMember(ctx, blocksKey(b), a.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("block list lookup failed: %w", err)
	}
	return !ab.Val() && !ba.Val(), nil
}

var _ policy.RelationshipPolicy = (*BlockListPolicy)(nil)
