package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"sideline-chat/internal/policy"
)

// Cache key pattern:
// - profile:{user_id} - TTL, display profile

// ProfileCache is a read-through cache in front of a ProfileDirectory.
type ProfileCache struct {
	client *goredis.Client
	next   policy.ProfileDirectory
	ttl    time.Duration
}

func NewProfileCache(client *goredis.Client, next policy.ProfileDirectory, ttl time.Duration) *ProfileCache {
	return &ProfileCache{client: client, next: next, ttl: ttl}
}

func profileKey(userID uuid.UUID) string {
	return fmt.Sprintf("profile:%s", userID.String())
}

func (c *ProfileCache) Profiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]policy.Profile, error) {
	result := make(map[uuid.UUID]policy.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	pipe := c.client.Pipeline()
	cmds := make(map[uuid.UUID]*goredis.StringCmd, len(userIDs))
	for _, id := range userIDs {
		cmds[id] = pipe.Get(ctx, profileKey(id))
	}
	// Per-key misses surface on the individual commands.
	_, _ = pipe.Exec(ctx)

	var misses []uuid.UUID
	for id, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			misses = append(misses, id)
			continue
		}
		var p policy.Profile
		if err := json.Unmarshal(data, &p); err != nil {
			misses = append(misses, id)
			continue
		}
		result[id] = p
	}
	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := c.next.Profiles(ctx, misses)
	if err != nil {
		return nil, err
	}
	pipe = c.client.Pipeline()
	for id, p := range fetched {
		result[id] = p
		if data, err := json.Marshal(p); err == nil {
			pipe.Set(ctx, profileKey(id), data, c.ttl)
		}
	}
	if len(fetched) > 0 {
		// best effort
		_, _ = pipe.Exec(ctx)
	}
	return result, nil
}

var _ policy.ProfileDirectory = (*ProfileCache)(nil)
