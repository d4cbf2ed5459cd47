// Package dedup implements the exactly-once message registry backed by Redis.
// Every WhatsApp message ID gets a hash keyed by the ID; webhook retries from
// Meta land on the same key and are counted instead of reprocessed. All
// multi-step operations run as Lua scripts so concurrent webhooks and workers
// never race.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zerodha/logf"
)

// Message lifecycle statuses
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	// ErrNotClaimable is returned when a claim loses the race or the record
	// is not in the received state.
	ErrNotClaimable = errors.New("message not claimable")
	// ErrNotOwner is returned when a status update comes from a processor
	// that does not own the claim.
	ErrNotOwner = errors.New("processor does not own message")
)

// CreateResult reports the outcome of CreateIfAbsent
type CreateResult struct {
	Created      bool
	Status       string
	ProcessingID string
	WebhookCount int64
}

// Registry is the exactly-once message ID store
type Registry interface {
	CreateIfAbsent(ctx context.Context, messageID, processingID string) (*CreateResult, error)
	Claim(ctx context.Context, messageID, processorID string) error
	UpdateStatus(ctx context.Context, messageID, status, processorID, errMsg string) error
	Exists(ctx context.Context, messageID string) (bool, error)
	Remove(ctx context.Context, messageID string) error
}

const keyPrefix = "dedup:msg:"

// createScript creates the record if absent; otherwise increments the
// webhook counter and returns the existing record.
// Returns {created, processing_id, status, webhook_count}.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    local n = redis.call('HINCRBY', KEYS[1], 'webhook_count', 1)
    redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
    local s = redis.call('HGET', KEYS[1], 'status')
    local pid = redis.call('HGET', KEYS[1], 'processing_id')
    return {0, pid, s, n}
end
redis.call('HSET', KEYS[1],
    'status', ARGV[1],
    'processing_id', ARGV[2],
    'webhook_count', 1,
    'created_at', ARGV[3],
    'updated_at', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {1, ARGV[2], ARGV[1], 1}
`)

// claimScript transitions received -> processing for exactly one caller.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local s = redis.call('HGET', KEYS[1], 'status')
if s ~= 'received' then
    return 0
end
local pid = redis.call('HGET', KEYS[1], 'processor_id')
if pid and pid ~= '' then
    return 0
end
redis.call('HSET', KEYS[1],
    'status', 'processing',
    'processor_id', ARGV[1],
    'claimed_at', ARGV[2],
    'updated_at', ARGV[2])
return 1
`)

// updateScript sets a terminal status, refusing writers that do not hold
// the claim.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
local pid = redis.call('HGET', KEYS[1], 'processor_id')
if pid ~= ARGV[2] then
    return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[3])
if ARGV[4] ~= '' then
    redis.call('HSET', KEYS[1], 'error', ARGV[4])
end
return 1
`)

// RedisRegistry is the Redis-backed Registry implementation
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	log    logf.Logger
}

// New creates a RedisRegistry. Records expire after ttl.
func New(client *redis.Client, ttl time.Duration, log logf.Logger) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl, log: log}
}

var _ Registry = (*RedisRegistry)(nil)

func key(messageID string) string {
	return keyPrefix + messageID
}

// CreateIfAbsent registers a message ID seen for the first time, or counts
// the duplicate webhook delivery when the ID already exists.
func (r *RedisRegistry) CreateIfAbsent(ctx context.Context, messageID, processingID string) (*CreateResult, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := createScript.Run(ctx, r.client,
		[]string{key(messageID)},
		StatusReceived, processingID, now, int(r.ttl.Seconds()),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("dedup create failed: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("dedup create: unexpected reply of %d elements", len(res))
	}

	created, _ := res[0].(int64)
	pid, _ := res[1].(string)
	status, _ := res[2].(string)
	count, _ := res[3].(int64)

	return &CreateResult{
		Created:      created == 1,
		Status:       status,
		ProcessingID: pid,
		WebhookCount: count,
	}, nil
}

// Claim attempts to take ownership of a received message. Exactly one
// concurrent caller succeeds; all others get ErrNotClaimable.
func (r *RedisRegistry) Claim(ctx context.Context, messageID, processorID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	ok, err := claimScript.Run(ctx, r.client, []string{key(messageID)}, processorID, now).Int64()
	if err != nil {
		return fmt.Errorf("dedup claim failed: %w", err)
	}
	if ok != 1 {
		return ErrNotClaimable
	}
	return nil
}

// UpdateStatus records a terminal status. Only the claiming processor may
// write; anyone else gets ErrNotOwner.
func (r *RedisRegistry) UpdateStatus(ctx context.Context, messageID, status, processorID, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := updateScript.Run(ctx, r.client, []string{key(messageID)}, status, processorID, now, errMsg).Int64()
	if err != nil {
		return fmt.Errorf("dedup status update failed: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrNotOwner
	default:
		// Record expired under us. The TTL is a week, so this only happens
		// for pathologically delayed work. Log and move on.
		r.log.Warn("dedup record missing on status update", "message_id", messageID, "status", status)
		return nil
	}
}

// Exists reports whether a message ID is registered
func (r *RedisRegistry) Exists(ctx context.Context, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists failed: %w", err)
	}
	return n > 0, nil
}

// Remove deletes a record. Used to roll back a registration whose enqueue
// failed, so a webhook retry can ingest the message again.
func (r *RedisRegistry) Remove(ctx context.Context, messageID string) error {
	if err := r.client.Del(ctx, key(messageID)).Err(); err != nil {
		return fmt.Errorf("dedup remove failed: %w", err)
	}
	return nil
}
