// Package redis provides a Redis implementation of the gocycle.Store interface.
// Cycle records are appended by a Lua script that re-checks continuity, so the
// overlap check and the write are atomic on the server.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Storage implements gocycle.Store, gocycle.ClientLocker and gocycle.TimeSource using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocycle:")
	KeyPrefix string

	// ScheduleTTL is the TTL for schedule keys (0 = no expiration)
	ScheduleTTL time.Duration

	// LockTTL bounds how long a client lock survives a crashed holder (default: 30s)
	LockTTL time.Duration

	// LockRetryInterval is the wait between lock attempts (default: 25ms)
	LockRetryInterval time.Duration

	// MaxRetries is the maximum number of optimistic transaction retries (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "gocycle:",
		ScheduleTTL:       0, // Schedules don't expire
		LockTTL:           30 * time.Second,
		LockRetryInterval: 25 * time.Millisecond,
		MaxRetries:        3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	def := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.LockTTL == 0 {
		config.LockTTL = def.LockTTL
	}
	if config.LockRetryInterval == 0 {
		config.LockRetryInterval = def.LockRetryInterval
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Append a cycle record unless it starts before the latest period end.
	// The index is a sorted set scored by period end (unix seconds).
	s.scripts["append"] = redis.NewScript(`
		local indexKey = KEYS[1]
		local dataKey = KEYS[2]
		local id = ARGV[1]
		local startTs = tonumber(ARGV[2])
		local endTs = tonumber(ARGV[3])
		local data = ARGV[4]

		local top = redis.call('ZREVRANGE', indexKey, 0, 0, 'WITHSCORES')
		if #top > 0 then
			local lastEnd = tonumber(top[2])
			if lastEnd > startTs then
				return {'overlap', top[1], lastEnd}
			end
		end

		redis.call('ZADD', indexKey, endTs, id)
		redis.call('HSET', dataKey, id, data)
		return {'ok', id, endTs}
	`)

	// Release a lock only if we still own it
	s.scripts["unlock"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
}

// GetSchedule implements gocycle.Store
func (s *Storage) GetSchedule(ctx context.Context, clientID string) (*gocycle.Schedule, error) {
	data, err := s.client.Get(ctx, s.scheduleKey(clientID)).Bytes()
	if err == redis.Nil {
		return nil, gocycle.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	var schedule gocycle.Schedule
	if err := json.Unmarshal(data, &schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	return &schedule, nil
}

// WriteSchedule implements gocycle.Store
func (s *Storage) WriteSchedule(ctx context.Context, schedule *gocycle.Schedule) error {
	if schedule == nil || schedule.ClientID == "" {
		return fmt.Errorf("invalid schedule")
	}

	data, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	if err := s.client.Set(ctx, s.scheduleKey(schedule.ClientID), data, s.config.ScheduleTTL).Err(); err != nil {
		return fmt.Errorf("failed to set schedule: %w", err)
	}
	return nil
}

// EvictSchedule implements gocycle.ScheduleEvicter
func (s *Storage) EvictSchedule(ctx context.Context, clientID string) error {
	if err := s.client.Del(ctx, s.scheduleKey(clientID)).Err(); err != nil {
		return fmt.Errorf("failed to evict schedule: %w", err)
	}
	return nil
}

// GetMostRecentCycleRecord implements gocycle.Store
func (s *Storage) GetMostRecentCycleRecord(ctx context.Context, clientID string) (*gocycle.CycleRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(clientID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil // No records yet
	}

	data, err := s.client.HGet(ctx, s.dataKey(clientID), ids[0]).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("cycle record %s is indexed but missing", ids[0])
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle record: %w", err)
	}
	return decodeRecord(data)
}

// WriteCycleRecord implements gocycle.Store
func (s *Storage) WriteCycleRecord(ctx context.Context, record *gocycle.CycleRecord) error {
	if record == nil || record.ClientID == "" || record.ID == "" {
		return fmt.Errorf("invalid cycle record")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle record: %w", err)
	}

	keys := []string{s.indexKey(record.ClientID), s.dataKey(record.ClientID)}
	result, err := s.scripts["append"].Run(ctx, s.client, keys,
		record.ID, record.PeriodStart.Unix(), record.PeriodEnd.Unix(), string(data)).Slice()
	if err != nil {
		return fmt.Errorf("failed to append cycle record: %w", err)
	}

	status, lastEnd, err := parseAppendResult(result)
	if err != nil {
		return err
	}
	if status == "overlap" {
		return &gocycle.OverlapError{
			ClientID: record.ClientID,
			LastEnd:  time.Unix(lastEnd, 0).UTC(),
			NewStart: record.PeriodStart,
		}
	}
	return nil
}

func parseAppendResult(result []interface{}) (status string, lastEnd int64, err error) {
	if len(result) != 3 {
		return "", 0, fmt.Errorf("unexpected script result length %d", len(result))
	}
	status, ok := result[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("unexpected script status %T", result[0])
	}
	lastEnd, ok = result[2].(int64)
	if !ok {
		return "", 0, fmt.Errorf("unexpected script period end %T", result[2])
	}
	return status, lastEnd, nil
}

// ListCycleRecords implements gocycle.Store
func (s *Storage) ListCycleRecords(ctx context.Context, clientID string) ([]*gocycle.CycleRecord, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(clientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle index: %w", err)
	}
	if len(ids) == 0 {
		return []*gocycle.CycleRecord{}, nil
	}

	values, err := s.client.HMGet(ctx, s.dataKey(clientID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle records: %w", err)
	}

	records := make([]*gocycle.CycleRecord, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cycle record %s is indexed but missing", ids[i])
		}
		record, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// MarkCycleInvoiced implements gocycle.Store using an optimistic WATCH transaction
func (s *Storage) MarkCycleInvoiced(ctx context.Context, clientID, recordID string) error {
	key := s.dataKey(clientID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, recordID).Bytes()
		if err == redis.Nil {
			return gocycle.ErrCycleRecordNotFound
		}
		if err != nil {
			return err
		}
		record, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if record.Invoiced {
			return nil
		}
		record.Invoiced = true
		updated, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal cycle record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, recordID, updated)
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // optimistic lock lost, retry
		}
		if errors.Is(err, gocycle.ErrCycleRecordNotFound) {
			return err
		}
		return fmt.Errorf("failed to mark cycle invoiced: %w", err)
	}
	return fmt.Errorf("failed to mark cycle invoiced: too many concurrent updates")
}

// LockClient implements gocycle.ClientLocker with SET NX and a compare-and-delete release
func (s *Storage) LockClient(ctx context.Context, clientID string) (func(), error) {
	key := s.lockKey(clientID)
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(s.config.LockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, key, token, s.config.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire client lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context so a cancelled caller still frees the lock.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.scripts["unlock"].Run(releaseCtx, s.client, []string{key}, token).Err()
		})
	}, nil
}

// Now implements gocycle.TimeSource using the Redis TIME command
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

func decodeRecord(data []byte) (*gocycle.CycleRecord, error) {
	var record gocycle.CycleRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cycle record: %w", err)
	}
	return &record, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Storage) scheduleKey(clientID string) string {
	return fmt.Sprintf("%sschedule:%s", s.config.KeyPrefix, clientID)
}

// indexKey and dataKey share a hash tag so the append script stays on one cluster slot.
func (s *Storage) indexKey(clientID string) string {
	return fmt.Sprintf("%scycles:{%s}:index", s.config.KeyPrefix, clientID)
}

func (s *Storage) dataKey(clientID string) string {
	return fmt.Sprintf("%scycles:{%s}:data", s.config.KeyPrefix, clientID)
}

func (s *Storage) lockKey(clientID string) string {
	return fmt.Sprintf("%slock:%s", s.config.KeyPrefix, clientID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
