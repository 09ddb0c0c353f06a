package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/EngagePipe/internal/models"
)

// DefaultRedisKeyPrefix namespaces every key the Redis backend writes.
const DefaultRedisKeyPrefix = "engagepipe:"

// RedisStore is a Store backed by Redis. Key layout:
//
//	<prefix>state:<user>              => HASH {version, data}: data is the JSON record
//	<prefix>idx:active                => ZSET user -> last_activity_at (unix micros)
//	<prefix>idx:goodbye_sent          => ZSET user -> goodbye_expires_at
//	<prefix>idx:remind_later          => ZSET user -> remind_at
//	<prefix>transitions:seq           => INCR counter ordering appends
//	<prefix>user:<user>:transitions   => ZSET "<seq>|<json>" -> timestamp
//	<prefix>transitions               => ZSET "<seq>|<json>" -> timestamp
//	<prefix>outbox:msg:<id>           => HASH outbox message fields
//	<prefix>outbox:dedupe:<key>       => STRING message id
//	<prefix>outbox:queue              => ZSET id -> due time
//	<prefix>outbox:sending            => ZSET id -> locked_at
//	<prefix>inbound:<message id>      => HASH {user_id, received_at, processed_at}
//
// Every engagement write runs as one Lua script, so the version check, record
// write, due-index maintenance and log append are atomic. Scores have
// microsecond resolution.
//
// The store assumes a single Redis instance (or a primary with replicas).
// Redis Cluster is not supported: the outbox claim and requeue scripts build
// message hash keys from <prefix>outbox:msg: passed in ARGV rather than
// declaring them in KEYS, and the scripts span keys that hash to different
// slots.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the redis:// URL given via WithRedisURL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	ropts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		slog.Error("RedisStore ping failed", "error", err)
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Debug("RedisStore.NewRedisStore: connected", "addr", ropts.Addr)
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client. prefix defaults to DefaultRedisKeyPrefix.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyState(userID string) string { return r.prefix + "state:" + userID }
func (r *RedisStore) keyIndex(state models.State) string {
	return r.prefix + "idx:" + string(state)
}
func (r *RedisStore) keySeq() string                     { return r.prefix + "transitions:seq" }
func (r *RedisStore) keyUserTransitions(u string) string { return r.prefix + "user:" + u + ":transitions" }
func (r *RedisStore) keyTransitions() string             { return r.prefix + "transitions" }
func (r *RedisStore) keyOutboxMsgPrefix() string         { return r.prefix + "outbox:msg:" }
func (r *RedisStore) keyOutboxDedupe(k string) string    { return r.prefix + "outbox:dedupe:" + k }
func (r *RedisStore) keyOutboxQueue() string             { return r.prefix + "outbox:queue" }
func (r *RedisStore) keyOutboxSending() string           { return r.prefix + "outbox:sending" }
func (r *RedisStore) keyInbound(id string) string        { return r.prefix + "inbound:" + id }

func scoreArg(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

// Script for the engagement write. Returns the new version, or 0 on conflict.
//
// KEYS: state, idx:active, idx:goodbye_sent, idx:remind_later, seq, user transitions, transitions
// ARGV: expected version, user id, record JSON, state,
// index score, transition JSON ("" for none), transition score
var redisEngagementCASLua = redis.NewScript(`
local expected = tonumber(ARGV[1])
local cur = redis.call('HGET', KEYS[1], 'version')
if expected == 0 then
	if cur then
		return 0
	end
else
	if (not cur) or tonumber(cur) ~= expected then
		return 0
	end
end
local newv = expected + 1
redis.call('HSET', KEYS[1], 'version', newv, 'data', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('ZREM', KEYS[4], ARGV[2])
if ARGV[4] == 'active' then
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[2])
elseif ARGV[4] == 'goodbye_sent' then
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[2])
elseif ARGV[4] == 'remind_later' then
	redis.call('ZADD', KEYS[4], ARGV[5], ARGV[2])
end
if ARGV[6] ~= '' then
	local seq = redis.call('INCR', KEYS[5])
	local member = string.format('%020d', seq) .. '|' .. ARGV[6]
	redis.call('ZADD', KEYS[6], ARGV[7], member)
	redis.call('ZADD', KEYS[7], ARGV[7], member)
end
return newv
`)

// KEYS: seq, user transitions, transitions. ARGV: transition JSON, score.
var redisAppendTransitionLua = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local member = string.format('%020d', seq) .. '|' .. ARGV[1]
redis.call('ZADD', KEYS[2], ARGV[2], member)
redis.call('ZADD', KEYS[3], ARGV[2], member)
return seq
`)

func (r *RedisStore) GetEngagementState(ctx context.Context, userID string) (*models.EngagementState, error) {
	vals, err := r.client.HMGet(ctx, r.keyState(userID), "version", "data").Result()
	if err != nil {
		slog.Error("RedisStore.GetEngagementState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("get engagement state for %s: %w", userID, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, nil
	}
	var e models.EngagementState
	if err := json.Unmarshal([]byte(vals[1].(string)), &e); err != nil {
		return nil, fmt.Errorf("decode engagement state for %s: %w", userID, err)
	}
	v, err := strconv.ParseInt(vals[0].(string), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode engagement version for %s: %w", userID, err)
	}
	e.Version = v
	return &e, nil
}

func (r *RedisStore) InitializeEngagementState(ctx context.Context, userID string, now time.Time) (*models.EngagementState, error) {
	e := newEngagementState(userID, now)
	if _, err := r.writeState(ctx, 0, e, nil); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", userID, err)
	}
	slog.Debug("RedisStore.InitializeEngagementState", "userID", userID)
	return &e, nil
}

func (r *RedisStore) CompareAndSwapEngagementState(ctx context.Context, expectedVersion int64, next models.EngagementState, rec *models.TransitionRecord) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid engagement state: %w", err)
	}
	if expectedVersion <= 0 {
		return fmt.Errorf("compare-and-swap %s at version %d: %w", next.UserID, expectedVersion, ErrConcurrencyConflict)
	}
	if _, err := r.writeState(ctx, expectedVersion, next, rec); err != nil {
		return fmt.Errorf("compare-and-swap %s at version %d: %w", next.UserID, expectedVersion, err)
	}
	return nil
}

// writeState runs the CAS script. expectedVersion 0 creates the record.
func (r *RedisStore) writeState(ctx context.Context, expectedVersion int64, next models.EngagementState, rec *models.TransitionRecord) (int64, error) {
	next = next.Clone()
	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("encode engagement state: %w", err)
	}

	var indexAt time.Time
	switch next.State {
	case models.StateActive:
		indexAt = next.LastActivityAt
	case models.StateGoodbyeSent:
		indexAt = *next.GoodbyeExpiresAt
	case models.StateRemindLater:
		indexAt = *next.RemindAt
	}

	recJSON, recScore := "", "0"
	if rec != nil {
		b, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("encode transition: %w", err)
		}
		recJSON, recScore = string(b), scoreArg(rec.Timestamp)
	}

	keys := []string{
		r.keyState(next.UserID),
		r.keyIndex(models.StateActive),
		r.keyIndex(models.StateGoodbyeSent),
		r.keyIndex(models.StateRemindLater),
		r.keySeq(),
		r.keyUserTransitions(next.UserID),
		r.keyTransitions(),
	}
	res, err := redisEngagementCASLua.Run(ctx, r.client, keys,
		expectedVersion, next.UserID, string(data), string(next.State), scoreArg(indexAt), recJSON, recScore,
	).Int64()
	if err != nil {
		slog.Error("RedisStore.writeState script failed", "error", err, "userID", next.UserID)
		return 0, err
	}
	if res == 0 {
		return 0, ErrConcurrencyConflict
	}
	return res, nil
}

func (r *RedisStore) ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]string, error) {
	return r.dueMembers(ctx, r.keyIndex(models.StateActive), cutoff)
}

func (r *RedisStore) ListExpiredGoodbyes(ctx context.Context, now time.Time) ([]string, error) {
	return r.dueMembers(ctx, r.keyIndex(models.StateGoodbyeSent), now)
}

func (r *RedisStore) ListDueReminders(ctx context.Context, now time.Time) ([]string, error) {
	return r.dueMembers(ctx, r.keyIndex(models.StateRemindLater), now)
}

func (r *RedisStore) dueMembers(ctx context.Context, key string, bound time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: scoreArg(bound)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisStore) AppendTransition(ctx context.Context, rec models.TransitionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	keys := []string{r.keySeq(), r.keyUserTransitions(rec.UserID), r.keyTransitions()}
	if err := redisAppendTransitionLua.Run(ctx, r.client, keys, string(b), scoreArg(rec.Timestamp)).Err(); err != nil {
		slog.Error("RedisStore.AppendTransition failed", "error", err, "userID", rec.UserID)
		return fmt.Errorf("append transition for %s: %w", rec.UserID, err)
	}
	return nil
}

func (r *RedisStore) GetUserTransitionHistory(ctx context.Context, userID string, limit int) ([]models.TransitionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := r.client.ZRevRange(ctx, r.keyUserTransitions(userID), 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("transition history for %s: %w", userID, err)
	}
	return decodeTransitionMembers(members, nil)
}

func (r *RedisStore) ListTransitions(ctx context.Context, start, end time.Time) ([]models.TransitionRecord, error) {
	members, err := r.client.ZRangeByScore(ctx, r.keyTransitions(), &redis.ZRangeBy{
		Min: scoreArg(start),
		Max: scoreArg(end),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return decodeTransitionMembers(members, func(rec models.TransitionRecord) bool {
		return !rec.Timestamp.Before(start) && rec.Timestamp.Before(end)
	})
}

func decodeTransitionMembers(members []string, keep func(models.TransitionRecord) bool) ([]models.TransitionRecord, error) {
	out := []models.TransitionRecord{}
	for _, m := range members {
		_, payload, ok := strings.Cut(m, "|")
		if !ok {
			return nil, fmt.Errorf("malformed transition member %q", m)
		}
		var rec models.TransitionRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode transition: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
