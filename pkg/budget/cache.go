package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envelopeTTL   = 5 * time.Minute
	stateCacheTTL = 10 * time.Second

	// envelopeProcessing marks an idempotency envelope whose decision has not
	// been computed yet.
	envelopeProcessing = "processing"
)

// Cache holds the Redis-backed fast path: idempotency envelopes, reservation
// entries, and the short-lived ledger state cache. Keys are strictly
// namespaced per scope; there are no global scans.
type Cache struct {
	redis *redis.Client
}

// NewCache creates a budget cache on the given Redis client.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{redis: rdb}
}

func envelopeKey(tenant, task, requestID string) string {
	return fmt.Sprintf("budget:req:%s:%s:%s", tenant, task, requestID)
}

func reservationKey(tenant, project, id string) string {
	return fmt.Sprintf("reservation:%s:%s:%s", tenant, project, id)
}

func reservationSetKey(tenant, project string) string {
	return fmt.Sprintf("reservations:%s:%s", tenant, project)
}

func stateKey(tenant, project string) string {
	return fmt.Sprintf("budget:state:%s:%s", tenant, project)
}

// ClaimEnvelope attempts the absent → processing transition on the
// idempotency envelope. Exactly one caller per (tenant, task, request-id)
// wins within the TTL.
func (c *Cache) ClaimEnvelope(ctx context.Context, tenant, task, requestID string) (won bool, err error) {
	won, err = c.redis.SetNX(ctx, envelopeKey(tenant, task, requestID), envelopeProcessing, envelopeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claiming idempotency envelope: %w", err)
	}
	return won, nil
}

// ReleaseEnvelope deletes the envelope so the caller may retry after an
// internal failure.
func (c *Cache) ReleaseEnvelope(ctx context.Context, tenant, task, requestID string) error {
	return c.redis.Del(ctx, envelopeKey(tenant, task, requestID)).Err()
}

// StoreDecision caches the computed decision for idempotent replay.
func (c *Cache) StoreDecision(ctx context.Context, tenant, task, requestID string, d *Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	key := envelopeKey(tenant, task, requestID) + ":result"
	if err := c.redis.Set(ctx, key, data, envelopeTTL).Err(); err != nil {
		return fmt.Errorf("caching decision: %w", err)
	}
	return nil
}

// CachedDecision returns the previously computed decision, or nil when the
// winning caller has not finished yet.
func (c *Cache) CachedDecision(ctx context.Context, tenant, task, requestID string) (*Decision, error) {
	key := envelopeKey(tenant, task, requestID) + ":result"
	data, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached decision: %w", err)
	}

	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding cached decision: %w", err)
	}
	return &d, nil
}

// PutReservation records a held reservation and adds it to the per-scope set,
// refreshing the set's TTL.
func (c *Cache) PutReservation(ctx context.Context, tenant, project, id, taskID string, amount int64) error {
	value := fmt.Sprintf("%d:%s", amount, taskID)
	setKey := reservationSetKey(tenant, project)

	pipe := c.redis.Pipeline()
	pipe.Set(ctx, reservationKey(tenant, project, id), value, ReservationTTL)
	pipe.SAdd(ctx, setKey, id)
	pipe.Expire(ctx, setKey, ReservationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording reservation: %w", err)
	}
	return nil
}

// GetReservation returns the held amount and task for a reservation, or
// ok=false when the entry is gone (committed, released, or expired).
func (c *Cache) GetReservation(ctx context.Context, tenant, project, id string) (amount int64, taskID string, ok bool, err error) {
	value, err := c.redis.Get(ctx, reservationKey(tenant, project, id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("reading reservation: %w", err)
	}

	amount, taskID, err = parseReservation(value)
	if err != nil {
		return 0, "", false, err
	}
	return amount, taskID, true, nil
}

// DeleteReservation removes the entry and its set membership.
func (c *Cache) DeleteReservation(ctx context.Context, tenant, project, id string) error {
	pipe := c.redis.Pipeline()
	pipe.Del(ctx, reservationKey(tenant, project, id))
	pipe.SRem(ctx, reservationSetKey(tenant, project), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting reservation: %w", err)
	}
	return nil
}

// ReservedTotal sums the held amounts for a scope by enumerating its
// reservation set. Members whose entries have expired are pruned as a side
// effect.
func (c *Cache) ReservedTotal(ctx context.Context, tenant, project string) (int64, error) {
	setKey := reservationSetKey(tenant, project)
	ids, err := c.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("listing reservations: %w", err)
	}

	var total int64
	for _, id := range ids {
		value, err := c.redis.Get(ctx, reservationKey(tenant, project, id)).Result()
		if errors.Is(err, redis.Nil) {
			c.redis.SRem(ctx, setKey, id)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("reading reservation %s: %w", id, err)
		}
		amount, _, err := parseReservation(value)
		if err != nil {
			return 0, err
		}
		total += amount
	}
	return total, nil
}

// cachedState is the ledger snapshot kept for 10 seconds: total and usage
// only; reserved always comes from the reservation set.
type cachedState struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
}

// GetState returns the cached (total, used) pair, or ok=false on a miss.
func (c *Cache) GetState(ctx context.Context, tenant, project string) (total, used int64, ok bool, err error) {
	data, err := c.redis.Get(ctx, stateKey(tenant, project)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("reading state cache: %w", err)
	}

	var s cachedState
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, 0, false, fmt.Errorf("decoding state cache: %w", err)
	}
	return s.Total, s.Used, true, nil
}

// SetState caches the (total, used) pair for the state cache TTL.
func (c *Cache) SetState(ctx context.Context, tenant, project string, total, used int64) error {
	data, err := json.Marshal(cachedState{Total: total, Used: used})
	if err != nil {
		return fmt.Errorf("encoding state cache: %w", err)
	}
	return c.redis.Set(ctx, stateKey(tenant, project), data, stateCacheTTL).Err()
}

// InvalidateState drops the cached snapshot after any ledger mutation.
func (c *Cache) InvalidateState(ctx context.Context, tenant, project string) error {
	return c.redis.Del(ctx, stateKey(tenant, project)).Err()
}

func parseReservation(value string) (int64, string, error) {
	parts := strings.SplitN(value, ":", 2)
	amount, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed reservation entry %q", value)
	}
	taskID := ""
	if len(parts) == 2 {
		taskID = parts[1]
	}
	return amount, taskID, nil
}
