// Package queue implements the Redis-backed delivery substrate. Each lane is
// a ready list plus an in-flight sorted set scored by visibility deadline.
// Messages that expire in flight are redriven to the ready list; messages
// received more than the configured maximum land in the lane's dead letter
// list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zerodha/logf"
)

// Lane identifies one of the three message lanes
type Lane string

const (
	LaneIncoming  Lane = "incoming"
	LaneOutgoing  Lane = "outgoing"
	LaneAnalytics Lane = "analytics"
)

// Lanes lists every lane, in redrive order
var Lanes = []Lane{LaneIncoming, LaneOutgoing, LaneAnalytics}

// EnvelopeVersion is the wire format version stamped on every message
const EnvelopeVersion = "1.0"

// Metadata travels with every queued message
type Metadata struct {
	SentAt      time.Time `json:"sent_at"`
	QueueType   string    `json:"queue_type"`
	MessageUUID string    `json:"message_uuid"`
	Version     string    `json:"version"`
}

// envelope is the wire format stored in Redis
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// Delivery is one received message
type Delivery struct {
	ID            string
	ReceiptHandle string
	Data          json.RawMessage
	Metadata      Metadata
	Attributes    map[string]string
	ReceiveCount  int
}

// Decode unmarshals the message payload into v
func (d *Delivery) Decode(v interface{}) error {
	return json.Unmarshal(d.Data, v)
}

// LaneStats reports queue depths for a lane
type LaneStats struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// DeadLetter is a message parked in the DLQ
type DeadLetter struct {
	ID           string            `json:"id"`
	Body         json.RawMessage   `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	ReceiveCount int               `json:"receive_count"`
	Reason       string            `json:"reason"`
	DeadAt       time.Time         `json:"dead_at"`
}

// Queue is the lane-based message substrate
type Queue interface {
	Send(ctx context.Context, lane Lane, payload interface{}, attrs map[string]string) (string, error)
	Receive(ctx context.Context, lane Lane, max int, wait, visibility time.Duration) ([]Delivery, error)
	Delete(ctx context.Context, lane Lane, receiptHandle string) error
	ExtendVisibility(ctx context.Context, lane Lane, receiptHandle string, d time.Duration) error
	Attributes(ctx context.Context, lane Lane) (*LaneStats, error)
}

// RedisQueue is the Redis implementation of Queue
type RedisQueue struct {
	client     *redis.Client
	log        logf.Logger
	maxReceive int
}

var _ Queue = (*RedisQueue)(nil)

// New creates a RedisQueue. maxReceive bounds deliveries per message before
// it is routed to the lane DLQ.
func New(client *redis.Client, maxReceive int, log logf.Logger) *RedisQueue {
	return &RedisQueue{client: client, log: log, maxReceive: maxReceive}
}

func readyKey(lane Lane) string    { return fmt.Sprintf("q:%s:ready", lane) }
func inflightKey(lane Lane) string { return fmt.Sprintf("q:%s:inflight", lane) }
func msgKey(lane Lane, id string) string {
	return fmt.Sprintf("q:%s:msg:%s", lane, id)
}
func deadKey(lane Lane) string { return fmt.Sprintf("q:%s:dead", lane) }

// Send enqueues a payload on the lane and returns the message ID
func (q *RedisQueue) Send(ctx context.Context, lane Lane, payload interface{}, attrs map[string]string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue send: marshal payload: %w", err)
	}

	id := uuid.NewString()
	env := envelope{
		Data: data,
		Metadata: Metadata{
			SentAt:      time.Now().UTC(),
			QueueType:   string(lane),
			MessageUUID: id,
			Version:     EnvelopeVersion,
		},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("queue send: marshal envelope: %w", err)
	}

	fields := map[string]interface{}{
		"body":          body,
		"receive_count": 0,
	}
	if len(attrs) > 0 {
		attrsJSON, err := json.Marshal(attrs)
		if err != nil {
			return "", fmt.Errorf("queue send: marshal attributes: %w", err)
		}
		fields["attrs"] = attrsJSON
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, msgKey(lane, id), fields)
	pipe.LPush(ctx, readyKey(lane), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue send: %w", err)
	}
	return id, nil
}

// Receive long-polls the lane for up to wait and returns at most max
// deliveries, each invisible to other consumers for the visibility duration.
func (q *RedisQueue) Receive(ctx context.Context, lane Lane, max int, wait, visibility time.Duration) ([]Delivery, error) {
	if max < 1 {
		max = 1
	}

	if err := q.redrive(ctx, lane); err != nil {
		q.log.Warn("queue redrive failed", "lane", lane, "error", err)
	}

	var ids []string

	// Block for the first message, then drain non-blocking up to max.
	res, err := q.client.BRPop(ctx, wait, readyKey(lane)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue receive: %w", err)
	}
	ids = append(ids, res[1])

	for len(ids) < max {
		id, err := q.client.RPop(ctx, readyKey(lane)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return nil, fmt.Errorf("queue receive: %w", err)
		}
		ids = append(ids, id)
	}

	deadline := time.Now().Add(visibility)
	deliveries := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		d, err := q.deliver(ctx, lane, id, deadline)
		if err != nil {
			q.log.Error("queue delivery failed", "lane", lane, "id", id, "error", err)
			continue
		}
		if d != nil {
			deliveries = append(deliveries, *d)
		}
	}
	return deliveries, nil
}

// deliver builds a Delivery for a popped ID, or routes it to the DLQ when
// its receive count is exhausted. Returns (nil, nil) for DLQ'd or vanished
// messages.
func (q *RedisQueue) deliver(ctx context.Context, lane Lane, id string, deadline time.Time) (*Delivery, error) {
	count, err := q.client.HIncrBy(ctx, msgKey(lane, id), "receive_count", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("increment receive count: %w", err)
	}

	fields, err := q.client.HGetAll(ctx, msgKey(lane, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	body, ok := fields["body"]
	if !ok {
		// Deleted between pop and load. Drop the stray counter key.
		q.client.Del(ctx, msgKey(lane, id))
		return nil, nil
	}

	var attrs map[string]string
	if raw, ok := fields["attrs"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}

	if int(count) > q.maxReceive {
		if err := q.moveToDead(ctx, lane, id, body, attrs, int(count), "max receive count exceeded"); err != nil {
			return nil, err
		}
		q.log.Warn("message moved to dead letter queue", "lane", lane, "id", id, "receive_count", count)
		return nil, nil
	}

	if err := q.client.ZAdd(ctx, inflightKey(lane), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: id,
	}).Err(); err != nil {
		return nil, fmt.Errorf("track in-flight: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	return &Delivery{
		ID:            id,
		ReceiptHandle: id,
		Data:          env.Data,
		Metadata:      env.Metadata,
		Attributes:    attrs,
		ReceiveCount:  int(count),
	}, nil
}

func (q *RedisQueue) moveToDead(ctx context.Context, lane Lane, id, body string, attrs map[string]string, count int, reason string) error {
	dl := DeadLetter{
		ID:           id,
		Body:         json.RawMessage(body),
		Attributes:   attrs,
		ReceiveCount: count,
		Reason:       reason,
		DeadAt:       time.Now().UTC(),
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, deadKey(lane), payload)
	pipe.ZRem(ctx, inflightKey(lane), id)
	pipe.Del(ctx, msgKey(lane, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move to dead letter queue: %w", err)
	}
	return nil
}

// Delete acknowledges a message. Unknown receipt handles are a no-op so a
// late delete after visibility expiry never errors.
func (q *RedisQueue) Delete(ctx context.Context, lane Lane, receiptHandle string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(lane), receiptHandle)
	pipe.LRem(ctx, readyKey(lane), 0, receiptHandle)
	pipe.Del(ctx, msgKey(lane, receiptHandle))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue delete: %w", err)
	}
	return nil
}

// ExtendVisibility pushes a message's visibility deadline further out. The
// extension is monotonic: it never shortens an existing deadline, and
// extending a message no longer in flight is a no-op.
func (q *RedisQueue) ExtendVisibility(ctx context.Context, lane Lane, receiptHandle string, d time.Duration) error {
	deadline := time.Now().Add(d)
	err := q.client.ZAddArgs(ctx, inflightKey(lane), redis.ZAddArgs{
		XX: true,
		GT: true,
		Members: []redis.Z{{
			Score:  float64(deadline.Unix()),
			Member: receiptHandle,
		}},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue extend visibility: %w", err)
	}
	return nil
}

// Attributes reports lane depths
func (q *RedisQueue) Attributes(ctx context.Context, lane Lane) (*LaneStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, readyKey(lane))
	inflight := pipe.ZCard(ctx, inflightKey(lane))
	dead := pipe.LLen(ctx, deadKey(lane))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue attributes: %w", err)
	}
	return &LaneStats{
		Ready:    ready.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
	}, nil
}

// redrive returns expired in-flight messages to the ready list. Redriven
// messages go to the tail so they are redelivered ahead of fresh sends.
func (q *RedisQueue) redrive(ctx context.Context, lane Lane) error {
	now := time.Now().Unix()
	ids, err := q.client.ZRangeByScore(ctx, inflightKey(lane), &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, inflightKey(lane), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another consumer redrove or deleted it first.
			continue
		}
		exists, err := q.client.Exists(ctx, msgKey(lane, id)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			continue
		}
		if err := q.client.RPush(ctx, readyKey(lane), id).Err(); err != nil {
			return err
		}
		q.log.Debug("redrove expired message", "lane", lane, "id", id)
	}
	return nil
}

// StartRedrive runs a background loop that sweeps all lanes for expired
// in-flight messages until the context is cancelled. Receive also redrives
// lazily; this covers lanes nobody is polling.
func (q *RedisQueue) StartRedrive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, lane := range Lanes {
				if err := q.redrive(ctx, lane); err != nil {
					q.log.Warn("background redrive failed", "lane", lane, "error", err)
				}
			}
		}
	}
}
