// Package redis provides a Redis implementation of planmeter.Storage and
// billing.DeadLetterStore. Writes that must be atomic run as Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// Storage implements planmeter.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "planmeter:")
	KeyPrefix string

	// DeadLetterTTL expires unresolved events (0 = no expiration)
	DeadLetterTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "planmeter:",
		DeadLetterTTL: 30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "planmeter:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Upsert a record unless the stored one carries a newer event time.
	// The customer index is moved along with the record.
	s.scripts["upsert"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local customerKey = KEYS[2]
		local data = ARGV[1]
		local lastEventAt = tonumber(ARGV[2])
		local createdAt = ARGV[3]
		local customerID = ARGV[4]
		local userID = ARGV[5]
		local prefix = ARGV[6]

		local current = redis.call('HGET', recordKey, 'last_event_at')
		if current and tonumber(current) > lastEventAt then
			return 'stale'
		end

		local storedCreated = redis.call('HGET', recordKey, 'created_at')
		if storedCreated then
			createdAt = storedCreated
		end

		local previousCustomer = redis.call('HGET', recordKey, 'customer_id')
		if previousCustomer and previousCustomer ~= '' and previousCustomer ~= customerID then
			local previousKey = prefix .. previousCustomer
			if redis.call('GET', previousKey) == userID then
				redis.call('DEL', previousKey)
			end
		end

		redis.call('HSET', recordKey,
			'data', data,
			'last_event_at', ARGV[2],
			'created_at', createdAt,
			'customer_id', customerID)

		if customerID ~= '' then
			redis.call('SET', customerKey, userID)
		end
		return 'ok'
	`)

	// Count entries across the counted sets and add the new one only when
	// the total is below the limit.
	// KEYS[1] is the set receiving the entry, KEYS[2..] are the counted sets.
	s.scripts["reserve"] = redis.NewScript(`
		local minScore = ARGV[1]
		local maxScore = ARGV[2]
		local limit = tonumber(ARGV[3])
		local score = ARGV[4]
		local member = ARGV[5]

		local used = 0
		for i = 2, #KEYS do
			used = used + redis.call('ZCOUNT', KEYS[i], minScore, maxScore)
		end

		if used >= limit then
			return {used, 0}
		end

		redis.call('ZADD', KEYS[1], score, member)
		return {used + 1, 1}
	`)
}

// GetRecord implements planmeter.RecordStore
func (s *Storage) GetRecord(ctx context.Context, userID string) (*planmeter.SubscriptionRecord, error) {
	fields, err := s.client.HMGet(ctx, s.recordKey(userID), "data", "created_at").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	data, ok := fields[0].(string)
	if !ok {
		return nil, planmeter.ErrRecordNotFound
	}

	var rec planmeter.SubscriptionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if created, ok := fields[1].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = t
		}
	}

	return &rec, nil
}

// GetRecordByCustomerID implements planmeter.RecordStore
func (s *Storage) GetRecordByCustomerID(ctx context.Context, customerID string) (*planmeter.SubscriptionRecord, error) {
	if customerID == "" {
		return nil, planmeter.ErrRecordNotFound
	}

	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, planmeter.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer index: %w", err)
	}

	return s.GetRecord(ctx, userID)
}

// UpsertRecord implements planmeter.RecordStore
func (s *Storage) UpsertRecord(ctx context.Context, rec *planmeter.SubscriptionRecord) error {
	if rec == nil || rec.UserID == "" {
		return planmeter.ErrInvalidRecord
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = rec.UpdatedAt
	}

	result, err := s.scripts["upsert"].Run(ctx, s.client,
		[]string{s.recordKey(rec.UserID), s.customerKey(rec.ProcessorCustomerID)},
		string(data),
		rec.LastEventAt.UnixMilli(),
		createdAt.UTC().Format(time.RFC3339Nano),
		rec.ProcessorCustomerID,
		rec.UserID,
		s.config.KeyPrefix+"customer:",
	).Text()
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	if result == "stale" {
		return planmeter.ErrStaleEvent
	}
	return nil
}

// AppendUsage implements planmeter.Ledger. Each action has a sorted set per
// user scored by occurrence time in milliseconds.
func (s *Storage) AppendUsage(ctx context.Context, entry *planmeter.UsageEntry) error {
	if entry == nil || entry.UserID == "" {
		return planmeter.ErrInvalidUserID
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	err := s.client.ZAdd(ctx, s.usageKey(entry.UserID, entry.Action), redis.Z{
		Score:  float64(entry.OccurredAt.UnixMilli()),
		Member: entry.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// CountUsage implements planmeter.Ledger
func (s *Storage) CountUsage(
	ctx context.Context, userID string, actions []planmeter.ActionType, start, end time.Time,
) (int, error) {
	minScore, maxScore := windowScores(start, end)

	pipe := s.client.Pipeline()
	counts := make([]*redis.IntCmd, len(actions))
	for i, action := range actions {
		counts[i] = pipe.ZCount(ctx, s.usageKey(userID, action), minScore, maxScore)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}

	total := 0
	for _, c := range counts {
		total += int(c.Val())
	}
	return total, nil
}

// ReserveUsage implements planmeter.Ledger with a single Lua script
func (s *Storage) ReserveUsage(
	ctx context.Context, entry *planmeter.UsageEntry, actions []planmeter.ActionType, start, end time.Time, limit int,
) (int, error) {
	if entry == nil || entry.UserID == "" {
		return 0, planmeter.ErrInvalidUserID
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	keys := make([]string, 0, len(actions)+1)
	keys = append(keys, s.usageKey(entry.UserID, entry.Action))
	for _, action := range actions {
		keys = append(keys, s.usageKey(entry.UserID, action))
	}
	minScore, maxScore := windowScores(start, end)

	result, err := s.scripts["reserve"].Run(ctx, s.client, keys,
		minScore, maxScore, limit, entry.OccurredAt.UnixMilli(), entry.ID,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve usage: %w", err)
	}
	if len(result) != 2 {
		return 0, fmt.Errorf("unexpected reserve result: %v", result)
	}
	if result[1] == 0 {
		return int(result[0]), planmeter.ErrQuotaExceeded
	}
	return int(result[0]), nil
}

// windowScores converts [start, end) into ZCOUNT bounds
func windowScores(start, end time.Time) (minScore, maxScore string) {
	return strconv.FormatInt(start.UnixMilli(), 10), "(" + strconv.FormatInt(end.UnixMilli(), 10)
}

// Now implements planmeter.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read redis time: %w", err)
	}
	return t.UTC(), nil
}

// SaveUnresolved implements billing.DeadLetterStore
func (s *Storage) SaveUnresolved(ctx context.Context, event *billing.UnresolvedEvent) error {
	if event == nil || event.ID == "" {
		return billing.ErrInvalidWebhookPayload
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal unresolved event: %w", err)
	}

	// One entry per provider event
	created, err := s.client.SetNX(ctx, s.deadLetterEventKey(event.Provider, event.EventID), event.ID,
		s.config.DeadLetterTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to save unresolved event: %w", err)
	}
	if !created {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.deadLetterKey(event.ID), data, s.config.DeadLetterTTL)
		pipe.ZAdd(ctx, s.deadLetterIndexKey(), redis.Z{
			Score:  float64(event.ReceivedAt.UnixMilli()),
			Member: event.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save unresolved event: %w", err)
	}
	return nil
}

// ListUnresolved implements billing.DeadLetterStore. Index entries whose
// payload has expired are dropped on the way.
func (s *Storage) ListUnresolved(ctx context.Context, limit int) ([]billing.UnresolvedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.client.ZRange(ctx, s.deadLetterIndexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved events: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.deadLetterKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load unresolved events: %w", err)
	}

	events := make([]billing.UnresolvedEvent, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var event billing.UnresolvedEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal unresolved event: %w", err)
		}
		events = append(events, event)
	}
	if len(expired) > 0 {
		s.client.ZRem(ctx, s.deadLetterIndexKey(), expired...)
	}
	return events, nil
}

// DeleteUnresolved implements billing.DeadLetterStore
func (s *Storage) DeleteUnresolved(ctx context.Context, id string) error {
	data, err := s.client.Get(ctx, s.deadLetterKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to load unresolved event: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.deadLetterKey(id))
		pipe.ZRem(ctx, s.deadLetterIndexKey(), id)
		var event billing.UnresolvedEvent
		if data != "" && json.Unmarshal([]byte(data), &event) == nil {
			pipe.Del(ctx, s.deadLetterEventKey(event.Provider, event.EventID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete unresolved event: %w", err)
	}
	return nil
}

func (s *Storage) recordKey(userID string) string {
	return fmt.Sprintf("%srecord:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

// usageKey hash-tags the user id so all of a user's sets share a cluster slot
func (s *Storage) usageKey(userID string, action planmeter.ActionType) string {
	return fmt.Sprintf("%susage:{%s}:%s", s.config.KeyPrefix, userID, action)
}

func (s *Storage) deadLetterKey(id string) string {
	return fmt.Sprintf("%sdeadletter:%s", s.config.KeyPrefix, id)
}

func (s *Storage) deadLetterEventKey(provider, eventID string) string {
	return fmt.Sprintf("%sdeadletter:event:%s:%s", s.config.KeyPrefix, provider, eventID)
}

func (s *Storage) deadLetterIndexKey() string {
	return s.config.KeyPrefix + "deadletters"
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var (
	_ planmeter.Storage       = (*Storage)(nil)
	_ planmeter.TimeSource    = (*Storage)(nil)
	_ billing.DeadLetterStore = (*Storage)(nil)
)
