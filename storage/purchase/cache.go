// Package purchase keeps the short-TTL purchase fingerprints that suppress
// duplicate intent submissions while the hub is still propagating
// settlement, plus the process-wide purchase pause flag.
package purchase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/everclear/mark/core"
)

const (
	recordPrefix = "mark:purchases:"
	keyPaused    = "mark:purchases-paused"
)

// ErrNotFound is returned when no purchase is cached for an invoice.
var ErrNotFound = errors.New("purchase: not found")

// Cache is the redis-backed fingerprint store.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache builds a Cache with the given record TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

// Add caches a purchase record under its invoice id.
func (c *Cache) Add(ctx context.Context, rec *core.PurchaseRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal purchase record")
	}
	return c.client.WithContext(ctx).Set(recordPrefix+rec.InvoiceID, payload, c.ttl).Err()
}

// Get fetches the cached purchase for the invoice, ErrNotFound when absent.
func (c *Cache) Get(ctx context.Context, invoiceID string) (*core.PurchaseRecord, error) {
	payload, err := c.client.WithContext(ctx).Get(recordPrefix + invoiceID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec core.PurchaseRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal purchase record")
	}
	return &rec, nil
}

// Remove deletes the cached purchase; removing an absent record is not an
// error.
func (c *Cache) Remove(ctx context.Context, invoiceID string) error {
	return c.client.WithContext(ctx).Del(recordPrefix + invoiceID).Err()
}

// All scans every cached purchase. Used by the backfill poller to detect
// settlements the webhook stream missed.
func (c *Cache) All(ctx context.Context) ([]*core.PurchaseRecord, error) {
	cl := c.client.WithContext(ctx)
	var out []*core.PurchaseRecord
	var cursor uint64
	for {
		keys, next, err := cl.Scan(cursor, recordPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if key == keyPaused {
				continue
			}
			payload, err := cl.Get(key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			var rec core.PurchaseRecord
			if err := json.Unmarshal([]byte(payload), &rec); err != nil {
				continue
			}
			out = append(out, &rec)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// SetPaused flips the purchase-loop pause flag.
func (c *Cache) SetPaused(ctx context.Context, paused bool) error {
	cl := c.client.WithContext(ctx)
	if paused {
		return cl.Set(keyPaused, "1", 0).Err()
	}
	return cl.Del(keyPaused).Err()
}

// IsPaused re-reads the pause flag; it is never cached in-process.
func (c *Cache) IsPaused(ctx context.Context) (bool, error) {
	_, err := c.client.WithContext(ctx).Get(keyPaused).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
