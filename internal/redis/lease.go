package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var renewScript = goredis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = goredis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Lease is a single-holder lock with expiry. Only the holder that acquired
// the key can renew or release it.
type Lease struct {
	client *goredis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewLease(client *goredis.Client, key, owner string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, owner: owner, ttl: ttl}
}

// Acquire takes the lease or renews it when already held by this owner.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return renewed == 1, nil
}

func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}
