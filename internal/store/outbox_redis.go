package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/util"
)

// Compile-time checks that RedisStore implements OutboxRepo and DedupRepo.
var (
	_ OutboxRepo = (*RedisStore)(nil)
	_ DedupRepo  = (*RedisStore)(nil)
)

// KEYS: dedupe, message, queue.
// ARGV: dedupe key, id, user, kind, destination, payload, now, queue score.
var redisOutboxEnqueueLua = redis.NewScript(`
if ARGV[1] ~= '' then
	local existing = redis.call('GET', KEYS[1])
	if existing then
		return {0, existing}
	end
	redis.call('SET', KEYS[1], ARGV[2])
end
redis.call('HSET', KEYS[2],
	'id', ARGV[2], 'user_id', ARGV[3], 'kind', ARGV[4], 'destination', ARGV[5],
	'payload_json', ARGV[6], 'status', 'queued', 'attempts', 0, 'dedupe_key', ARGV[1],
	'next_attempt_at', '', 'locked_at', '', 'last_error', '',
	'created_at', ARGV[7], 'updated_at', ARGV[7])
redis.call('ZADD', KEYS[3], ARGV[8], ARGV[2])
return {1, ARGV[2]}
`)

// KEYS: queue, sending. ARGV: now score, limit, now, message key prefix.
// Message hashes are addressed through the ARGV prefix, which only works on a
// single instance (see RedisStore).
var redisOutboxClaimLua = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
	redis.call('HSET', ARGV[4] .. id, 'status', 'sending', 'locked_at', ARGV[3], 'updated_at', ARGV[3])
end
return ids
`)

// KEYS: message, queue, sending.
// ARGV: id, max attempts, next score, next attempt, error, now.
var redisOutboxFailLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'last_error', ARGV[5], 'locked_at', '', 'updated_at', ARGV[6])
if attempts >= tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], 'status', 'failed', 'next_attempt_at', '')
	return attempts
end
redis.call('HSET', KEYS[1], 'status', 'queued', 'next_attempt_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return attempts
`)

// KEYS: sending, queue. ARGV: stale score, now score, now, message key prefix.
// Same single-instance addressing as the claim script.
var redisOutboxRequeueLua = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[2], id)
	redis.call('HSET', ARGV[4] .. id, 'status', 'queued', 'locked_at', '', 'updated_at', ARGV[3])
end
return #ids
`)

func formatRedisTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseRedisTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func (r *RedisStore) EnqueueOutboxMessage(ctx context.Context, task models.OutboundMessageTask) (string, bool, error) {
	id := util.GenerateOutboxID()
	now := time.Now().UTC()
	keys := []string{r.keyOutboxDedupe(task.IdempotencyKey), r.keyOutboxMsgPrefix() + id, r.keyOutboxQueue()}
	res, err := redisOutboxEnqueueLua.Run(ctx, r.client, keys,
		task.IdempotencyKey, id, task.UserID, string(task.MessageType), task.Destination, task.Payload,
		formatRedisTime(now), scoreArg(now),
	).Slice()
	if err != nil {
		return "", false, fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("enqueue outbox message: unexpected reply %v", res)
	}
	created, _ := res[0].(int64)
	gotID, _ := res[1].(string)
	if created == 0 {
		slog.Debug("RedisStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", task.IdempotencyKey, "existingID", gotID)
		return gotID, false, nil
	}
	slog.Debug("RedisStore.EnqueueOutboxMessage", "id", gotID, "userID", task.UserID, "kind", task.MessageType)
	return gotID, true, nil
}

func (r *RedisStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	ids, err := redisOutboxClaimLua.Run(ctx, r.client, []string{r.keyOutboxQueue(), r.keyOutboxSending()},
		scoreArg(now), limit, formatRedisTime(now), r.keyOutboxMsgPrefix(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	var msgs []OutboxMessage
	for _, id := range ids {
		m, err := r.GetOutboxMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			msgs = append(msgs, *m)
		}
	}
	return msgs, nil
}

func (r *RedisStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.keyOutboxSending(), id)
	pipe.ZRem(ctx, r.keyOutboxQueue(), id)
	pipe.HSet(ctx, r.keyOutboxMsgPrefix()+id, "status", string(OutboxStatusSent), "locked_at", "", "updated_at", formatRedisTime(time.Now()))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (r *RedisStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	keys := []string{r.keyOutboxMsgPrefix() + id, r.keyOutboxQueue(), r.keyOutboxSending()}
	n, err := redisOutboxFailLua.Run(ctx, r.client, keys,
		id, MaxOutboxAttempts, scoreArg(nextAttemptAt), formatRedisTime(nextAttemptAt), errMsg, formatRedisTime(time.Now()),
	).Int64()
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("outbox message %s not found", id)
	}
	return nil
}

func (r *RedisStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now()
	n, err := redisOutboxRequeueLua.Run(ctx, r.client, []string{r.keyOutboxSending(), r.keyOutboxQueue()},
		scoreArg(staleBefore), scoreArg(now), formatRedisTime(now), r.keyOutboxMsgPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	if n > 0 {
		slog.Info("RedisStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return n, nil
}

func (r *RedisStore) GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	fields, err := r.client.HGetAll(ctx, r.keyOutboxMsgPrefix()+id).Result()
	if err != nil {
		return nil, fmt.Errorf("get outbox message failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	m, err := decodeRedisOutbox(fields)
	if err != nil {
		return nil, fmt.Errorf("decode outbox message %s: %w", id, err)
	}
	return &m, nil
}

func decodeRedisOutbox(f map[string]string) (OutboxMessage, error) {
	m := OutboxMessage{
		ID:          f["id"],
		UserID:      f["user_id"],
		Kind:        f["kind"],
		Destination: f["destination"],
		PayloadJSON: f["payload_json"],
		Status:      OutboxStatus(f["status"]),
		DedupeKey:   f["dedupe_key"],
		LastError:   f["last_error"],
	}
	var err error
	if m.Attempts, err = strconv.Atoi(f["attempts"]); err != nil {
		return m, err
	}
	if m.NextAttemptAt, err = parseRedisTime(f["next_attempt_at"]); err != nil {
		return m, err
	}
	if m.LockedAt, err = parseRedisTime(f["locked_at"]); err != nil {
		return m, err
	}
	created, err := parseRedisTime(f["created_at"])
	if err != nil || created == nil {
		return m, fmt.Errorf("bad created_at %q", f["created_at"])
	}
	m.CreatedAt = *created
	if updated, err := parseRedisTime(f["updated_at"]); err == nil && updated != nil {
		m.UpdatedAt = *updated
	}
	return m, nil
}

func (r *RedisStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.keyInbound(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	key := r.keyInbound(messageID)
	created, err := r.client.HSetNX(ctx, key, "user_id", userID).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	if !created {
		return false, nil
	}
	if err := r.client.HSet(ctx, key, "received_at", formatRedisTime(time.Now())).Err(); err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return true, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	key := r.keyInbound(messageID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, key, "processed_at", formatRedisTime(time.Now())).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
