// Package queue implements the durable event queue on redis: per-type
// pending and processing sorted sets, a shared dead-letter set, and a
// payload hash keyed by event id. Every multi-step keyspace mutation runs as
// a Lua script so that concurrent consumers see each event at most once and
// no event is lost before acknowledgement.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/log"
)

var logger = log.NewModuleLogger("queue")

const (
	keyPrefix     = "mark:"
	keyDeadLetter = keyPrefix + "dead-letter"
	keyData       = keyPrefix + "events"
	keySeq        = keyPrefix + "seq"
	keyPaused     = keyPrefix + "queue-paused"
	keyCursor     = keyPrefix + "backfill-cursor"

	invalidMarkerPrefix = keyPrefix + "invalid:"
	settledMarkerPrefix = keyPrefix + "settled:"

	// scoreScale packs an insertion-order sequence into the score below the
	// millisecond: score = scheduledAtMs*1000 + seq%1000. Ties on
	// scheduledAt break by insertion order while scores stay inside
	// float64's exact-integer range.
	scoreScale = 1000

	maxDequeue = 1000
)

var (
	ErrEmptyID         = errors.New("queue: empty event id")
	ErrUnknownType     = errors.New("queue: unknown event type")
	ErrUnknownPriority = errors.New("queue: unknown priority")
	ErrBadSchedule     = errors.New("queue: scheduledAt must be non-negative")
)

// Queue is the redis-backed event queue.
type Queue struct {
	client        *redis.Client
	deadLetterTTL time.Duration
	markerTTL     time.Duration
}

// New builds a Queue over the given redis client.
func New(client *redis.Client, deadLetterTTL, markerTTL time.Duration) *Queue {
	if deadLetterTTL <= 0 {
		deadLetterTTL = 7 * 24 * time.Hour
	}
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &Queue{client: client, deadLetterTTL: deadLetterTTL, markerTTL: markerTTL}
}

func pendingKey(t core.EventType) string    { return keyPrefix + "pending:" + string(t) }
func processingKey(t core.EventType) string { return keyPrefix + "processing:" + string(t) }

// dataField namespaces the payload hash by type: the same invoice id may
// carry both an invoice event and a settlement event at once.
func dataField(t core.EventType, id string) string { return string(t) + ":" + id }

// dlField namespaces a dead-letter payload away from the live one, so an id
// re-admitted to pending never shares a hash field with its parked copy.
func dlField(member string) string { return "dl:" + member }

var enqueueScript = redis.NewScript(`
local pending = redis.call('ZSCORE', KEYS[1], ARGV[1])
local processing = redis.call('ZSCORE', KEYS[2], ARGV[1])
if (pending or processing) and ARGV[5] == '0' then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[2])
redis.call('HDEL', KEYS[3], 'dl:' .. ARGV[2])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
local seq = redis.call('INCR', KEYS[4]) % 1000
redis.call('ZADD', KEYS[1], tonumber(ARGV[4]) * 1000 + seq, ARGV[1])
return 1
`)

// Enqueue adds the event to its pending queue. When the id is already
// pending or processing and forceUpdate is false the existing payload is
// kept and (false, nil) is returned. forceUpdate re-writes the payload and
// moves the id back to pending, which is the retry path. A dead-letter
// entry for the same id is evicted, keeping the id in exactly one queue.
func (q *Queue) Enqueue(ctx context.Context, event *core.QueuedEvent, forceUpdate bool) (bool, error) {
	if event == nil || event.ID == "" {
		return false, ErrEmptyID
	}
	if core.ConvertStringToEventType(string(event.Type)) == core.UnknownEvent {
		return false, ErrUnknownType
	}
	if !event.Priority.Known() {
		return false, ErrUnknownPriority
	}
	if event.ScheduledAt < 0 {
		return false, ErrBadSchedule
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return false, errors.Wrap(err, "marshal event")
	}
	force := "0"
	if forceUpdate {
		force = "1"
	}
	added, err := enqueueScript.Run(q.client.WithContext(ctx),
		[]string{pendingKey(event.Type), processingKey(event.Type), keyData, keySeq, keyDeadLetter},
		event.ID, dataField(event.Type, event.ID), string(payload), event.ScheduledAt, force,
	).Int64()
	if err != nil {
		return false, errors.Wrap(err, "enqueue")
	}
	return added == 1, nil
}

var dequeueScript = redis.NewScript(`
local maxScore = tonumber(ARGV[2]) * 1000 + 999
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', maxScore, 'LIMIT', 0, tonumber(ARGV[1]))
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local payload = redis.call('HGET', KEYS[3], ARGV[3] .. id)
	if payload then
		redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), id)
		table.insert(out, payload)
	else
		redis.call('HDEL', KEYS[3], ARGV[3] .. id)
	end
end
return out
`)

// Dequeue atomically moves up to count due events from pending to
// processing and returns them. Events scheduled in the future stay put.
// Orphaned ids without a payload are dropped from both keyspaces. count is
// clamped to [1, 1000].
func (q *Queue) Dequeue(ctx context.Context, t core.EventType, count int) ([]*core.QueuedEvent, error) {
	if count < 1 {
		count = 1
	}
	if count > maxDequeue {
		count = maxDequeue
	}
	now := nowMillis()
	raw, err := dequeueScript.Run(q.client.WithContext(ctx),
		[]string{pendingKey(t), processingKey(t), keyData},
		count, now, string(t)+":",
	).Result()
	if err != nil {
		return nil, errors.Wrap(err, "dequeue")
	}

	items, _ := raw.([]interface{})
	events := make([]*core.QueuedEvent, 0, len(items))
	for _, item := range items {
		s, _ := item.(string)
		var ev core.QueuedEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			// Left in processing; the startup reclaim deletes corrupted
			// payloads.
			logger.Errorw("skipping corrupted event payload", "type", t, "err", err)
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[2])
return 1
`)

// Acknowledge removes a handled event from processing and deletes its
// payload.
func (q *Queue) Acknowledge(ctx context.Context, event *core.QueuedEvent) error {
	_, err := ackScript.Run(q.client.WithContext(ctx),
		[]string{processingKey(event.Type), keyData},
		event.ID, dataField(event.Type, event.ID),
	).Result()
	return errors.Wrap(err, "acknowledge")
}

var deadLetterScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[4]), ARGV[2])
redis.call('HSET', KEYS[3], 'dl:' .. ARGV[2], ARGV[3])
return 1
`)

type deadLetterEnvelope struct {
	core.QueuedEvent
	Error   string    `json:"error"`
	MovedAt time.Time `json:"movedAt"`
}

// MoveToDeadLetter removes the event from processing and parks it in the
// shared dead-letter queue, payload annotated with the failure.
func (q *Queue) MoveToDeadLetter(ctx context.Context, event *core.QueuedEvent, cause string) error {
	payload, err := json.Marshal(deadLetterEnvelope{QueuedEvent: *event, Error: cause, MovedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "marshal dead-letter payload")
	}
	_, err = deadLetterScript.Run(q.client.WithContext(ctx),
		[]string{processingKey(event.Type), keyDeadLetter, keyData},
		event.ID, dataField(event.Type, event.ID), string(payload), nowMillis(),
	).Result()
	return errors.Wrap(err, "move to dead-letter")
}

var restoreScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) * 1000, ARGV[1])
return 1
`)

var dropScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[2])
return 1
`)

// MoveProcessingToPending restores every in-flight event back to its
// pending queue with its original scheduledAt. Called once at startup so a
// crash between dequeue and acknowledge never loses work. Corrupted
// payloads are deleted.
func (q *Queue) MoveProcessingToPending(ctx context.Context) (int, error) {
	c := q.client.WithContext(ctx)
	restored := 0
	for _, t := range core.EventTypes {
		ids, err := c.ZRange(processingKey(t), 0, -1).Result()
		if err != nil {
			return restored, errors.Wrapf(err, "scan processing:%s", t)
		}
		for _, id := range ids {
			field := dataField(t, id)
			payload, err := c.HGet(keyData, field).Result()
			if err == redis.Nil {
				dropScript.Run(c, []string{processingKey(t), keyData}, id, field)
				continue
			}
			if err != nil {
				return restored, errors.Wrap(err, "read processing payload")
			}
			var ev core.QueuedEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				logger.Errorw("deleting corrupted processing payload", "type", t, "id", id, "err", err)
				dropScript.Run(c, []string{processingKey(t), keyData}, id, field)
				continue
			}
			if _, err := restoreScript.Run(c, []string{processingKey(t), pendingKey(t)}, id, ev.ScheduledAt).Result(); err != nil {
				return restored, errors.Wrap(err, "restore processing event")
			}
			restored++
		}
	}
	return restored, nil
}

var cleanupScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', tonumber(ARGV[1]))
for _, m in ipairs(members) do
	redis.call('HDEL', KEYS[2], 'dl:' .. m)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', tonumber(ARGV[1]))
return #members
`)

// CleanupExpiredDeadLetter drops dead-letter entries older than the TTL.
func (q *Queue) CleanupExpiredDeadLetter(ctx context.Context) (int, error) {
	cutoff := nowMillis() - q.deadLetterTTL.Nanoseconds()/int64(time.Millisecond)
	n, err := cleanupScript.Run(q.client.WithContext(ctx), []string{keyDeadLetter, keyData}, cutoff).Int64()
	return int(n), errors.Wrap(err, "cleanup dead-letter")
}

// HasEvent reports whether the id is present in the pending or processing
// queue of the type.
func (q *Queue) HasEvent(ctx context.Context, t core.EventType, id string) (bool, error) {
	c := q.client.WithContext(ctx)
	if _, err := c.ZScore(pendingKey(t), id).Result(); err == nil {
		return true, nil
	} else if err != redis.Nil {
		return false, err
	}
	if _, err := c.ZScore(processingKey(t), id).Result(); err == nil {
		return true, nil
	} else if err != redis.Nil {
		return false, err
	}
	return false, nil
}

// PeekNextScheduledTime returns the scheduled time of the head of the
// pending queue, or the zero time when the queue is empty.
func (q *Queue) PeekNextScheduledTime(ctx context.Context, t core.EventType) (time.Time, error) {
	zs, err := q.client.WithContext(ctx).ZRangeWithScores(pendingKey(t), 0, 0).Result()
	if err != nil {
		return time.Time{}, err
	}
	if len(zs) == 0 {
		return time.Time{}, nil
	}
	ms := int64(zs[0].Score) / scoreScale
	return time.Unix(0, ms*int64(time.Millisecond)), nil
}

// Depths reports pending, processing, and dead-letter sizes.
type Depths struct {
	Pending    map[core.EventType]int64 `json:"pending"`
	Processing map[core.EventType]int64 `json:"processing"`
	DeadLetter int64                    `json:"deadLetter"`
}

// GetQueueDepths reads the current queue sizes.
func (q *Queue) GetQueueDepths(ctx context.Context) (*Depths, error) {
	c := q.client.WithContext(ctx)
	d := &Depths{
		Pending:    make(map[core.EventType]int64, len(core.EventTypes)),
		Processing: make(map[core.EventType]int64, len(core.EventTypes)),
	}
	for _, t := range core.EventTypes {
		p, err := c.ZCard(pendingKey(t)).Result()
		if err != nil {
			return nil, err
		}
		pr, err := c.ZCard(processingKey(t)).Result()
		if err != nil {
			return nil, err
		}
		d.Pending[t] = p
		d.Processing[t] = pr
	}
	dl, err := c.ZCard(keyDeadLetter).Result()
	if err != nil {
		return nil, err
	}
	d.DeadLetter = dl
	return d, nil
}

// SetPaused flips the consumer-pool pause flag.
func (q *Queue) SetPaused(ctx context.Context, paused bool) error {
	c := q.client.WithContext(ctx)
	if paused {
		return c.Set(keyPaused, "1", 0).Err()
	}
	return c.Del(keyPaused).Err()
}

// IsPaused reads the pause flag. Never cached by callers.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	_, err := q.client.WithContext(ctx).Get(keyPaused).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetBackfillCursor reads the persisted tx-nonce cursor; zero when unset.
func (q *Queue) GetBackfillCursor(ctx context.Context) (uint64, error) {
	v, err := q.client.WithContext(ctx).Get(keyCursor).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// SetBackfillCursor persists the tx-nonce cursor.
func (q *Queue) SetBackfillCursor(ctx context.Context, cursor uint64) error {
	return q.client.WithContext(ctx).Set(keyCursor, strconv.FormatUint(cursor, 10), 0).Err()
}

// AddInvalidInvoice marks an invoice permanently invalid for the marker TTL
// so the backfill poller stops re-enqueueing it.
func (q *Queue) AddInvalidInvoice(ctx context.Context, id string) error {
	return q.client.WithContext(ctx).Set(invalidMarkerPrefix+id, "1", q.markerTTL).Err()
}

func (q *Queue) IsInvalidInvoice(ctx context.Context, id string) (bool, error) {
	n, err := q.client.WithContext(ctx).Exists(invalidMarkerPrefix + id).Result()
	return n > 0, err
}

// AddSettledInvoice marks an invoice as settled for the marker TTL.
func (q *Queue) AddSettledInvoice(ctx context.Context, id string) error {
	return q.client.WithContext(ctx).Set(settledMarkerPrefix+id, "1", q.markerTTL).Err()
}

func (q *Queue) IsSettledInvoice(ctx context.Context, id string) (bool, error) {
	n, err := q.client.WithContext(ctx).Exists(settledMarkerPrefix + id).Result()
	return n > 0, err
}

// ListDeadLetter returns up to limit dead-letter payloads, oldest first.
func (q *Queue) ListDeadLetter(ctx context.Context, limit int64) ([]json.RawMessage, error) {
	c := q.client.WithContext(ctx)
	members, err := c.ZRange(keyDeadLetter, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(members))
	for _, m := range members {
		payload, err := c.HGet(keyData, dlField(m)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(payload))
	}
	return out, nil
}

var requeueDeadLetterScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], 'dl:' .. ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
local seq = redis.call('INCR', KEYS[4]) % 1000
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]) * 1000 + seq, ARGV[4])
return 1
`)

// RequeueDeadLetter moves every dead-letter event back to its pending queue
// with retryCount reset, scheduled now. Admin recovery path.
func (q *Queue) RequeueDeadLetter(ctx context.Context) (int, error) {
	c := q.client.WithContext(ctx)
	members, err := c.ZRange(keyDeadLetter, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, m := range members {
		payload, err := c.HGet(keyData, dlField(m)).Result()
		if err == redis.Nil {
			c.ZRem(keyDeadLetter, m)
			continue
		}
		if err != nil {
			return requeued, err
		}
		var env deadLetterEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			logger.Errorw("deleting corrupted dead-letter payload", "member", m, "err", err)
			dropScript.Run(c, []string{keyDeadLetter, keyData}, m, dlField(m))
			continue
		}
		ev := env.QueuedEvent
		ev.RetryCount = 0
		ev.ScheduledAt = nowMillis()
		fresh, err := json.Marshal(&ev)
		if err != nil {
			return requeued, err
		}
		if _, err := requeueDeadLetterScript.Run(c,
			[]string{keyDeadLetter, pendingKey(ev.Type), keyData, keySeq},
			m, string(fresh), ev.ScheduledAt, ev.ID,
		).Result(); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
