package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/tripsaga/config"
	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript sets every unit key in KEYS[2..] to the token only if none
// of them is held by a different token, and writes the token index at
// KEYS[1] in the same step.
var acquireScript = redis.NewScript(`
for i = 2, #KEYS do
	local owner = redis.call('GET', KEYS[i])
	if owner and owner ~= ARGV[1] then
		return 0
	end
end
for i = 2, #KEYS do
	redis.call('SET', KEYS[i], ARGV[1], 'PX', ARGV[2])
end
redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local released = 0
for i = 2, #KEYS do
	if redis.call('GET', KEYS[i]) == ARGV[1] then
		redis.call('DEL', KEYS[i])
		released = released + 1
	end
end
redis.call('DEL', KEYS[1])
return released
`)

var persistScript = redis.NewScript(`
for i = 2, #KEYS do
	if redis.call('GET', KEYS[i]) == ARGV[1] then
		redis.call('PERSIST', KEYS[i])
	end
end
redis.call('PERSIST', KEYS[1])
return 1
`)

// RedisInventory holds inventory units as Redis keys with a TTL. The key
// expiry doubles as the inventory's own hold timeout. Production uses it for
// hotel room-nights; memory-mode runs use it for flight seats as well.
type RedisInventory struct {
	client redis.UniversalClient
	kind   domain.InventoryKind
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

func NewHotelInventory(client redis.UniversalClient) *RedisInventory {
	return NewRedisInventory(client, domain.InventoryHotel)
}

func NewRedisInventory(client redis.UniversalClient, kind domain.InventoryKind) *RedisInventory {
	return &RedisInventory{client: client, kind: kind}
}

func (c *RedisInventory) Hold(ctx context.Context, bookingID uuid.UUID, token string, ref domain.ProductRef, ttl time.Duration) error {
	if ref.Kind != c.kind {
		return fmt.Errorf("%s inventory cannot hold %s", c.kind, ref.Kind)
	}
	keys := make([]string, 0, len(ref.Units))
	for _, unit := range ref.Units {
		keys = append(keys, unitKey(c.kind, ref.ResourceID, unit))
	}
	payload, err := json.Marshal(keys)
	if err != nil {
		return err
	}

	ok, err := acquireScript.Run(ctx, c.client, append([]string{tokenKey(token)}, keys...), token, ttl.Milliseconds(), payload).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("%s %d: %w", c.kind, ref.ResourceID, domain.ErrInventoryUnavailable)
	}
	return nil
}

// Release is idempotent: an unknown or expired token releases nothing.
func (c *RedisInventory) Release(ctx context.Context, token string) error {
	keys, err := c.keysFor(ctx, token)
	if err != nil || keys == nil {
		return err
	}
	return releaseScript.Run(ctx, c.client, append([]string{tokenKey(token)}, keys...), token).Err()
}

func (c *RedisInventory) Confirm(ctx context.Context, token string) error {
	keys, err := c.keysFor(ctx, token)
	if err != nil {
		return err
	}
	if keys == nil {
		return fmt.Errorf("hold %s: %w", token, domain.ErrNotFound)
	}
	return persistScript.Run(ctx, c.client, append([]string{tokenKey(token)}, keys...), token).Err()
}

func (c *RedisInventory) keysFor(ctx context.Context, token string) ([]string, error) {
	data, err := c.client.Get(ctx, tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func unitKey(kind domain.InventoryKind, resourceID int64, unit string) string {
	return fmt.Sprintf("hold:%s:%d:%s", kind, resourceID, unit)
}

func tokenKey(token string) string {
	return "hold:token:" + token
}
