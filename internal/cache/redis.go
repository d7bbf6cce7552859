package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"example.com/backstage/services/search/config"
)

const ledgerKeyPrefix = "search:delivery:"

// DeliveryLedger records acknowledged message ids in Redis
type DeliveryLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLedger connects to Redis. It returns nil, nil when the ledger is
// disabled.
func NewRedisLedger(cfg config.RedisConfig) (*DeliveryLedger, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewDeliveryLedger(client, cfg.LedgerTTL), nil
}

// NewDeliveryLedger wraps an existing client
func NewDeliveryLedger(client *redis.Client, ttl time.Duration) *DeliveryLedger {
	return &DeliveryLedger{client: client, ttl: ttl}
}

// Seen reports whether messageID was already recorded
func (l *DeliveryLedger) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := l.client.Exists(ctx, ledgerKey(messageID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check delivery ledger")
	}
	return n > 0, nil
}

// Record stores messageID until the ledger TTL expires
func (l *DeliveryLedger) Record(ctx context.Context, messageID string) error {
	err := l.client.Set(ctx, ledgerKey(messageID), time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
	return errors.Wrap(err, "failed to record delivery")
}

// Close closes the Redis connection
func (l *DeliveryLedger) Close() error {
	return l.client.Close()
}

func ledgerKey(messageID string) string {
	return ledgerKeyPrefix + messageID
}
