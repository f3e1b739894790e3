package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/metrics"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the canonical Store backend from spec.md §4.5: Redis
// hashes for instances/allocations/static config, one plain counter key
// per model, dimension and window, and Redis pub-sub for the allocation-update channel. Every
// state-mutating operation runs as a single Lua script so it executes as
// one atomic step, per spec.md's "per-script atomicity (e.g., Lua on
// Redis)". Grounded on the teacher's database.RedisClient
// (internal/database/redis.go) for connection setup/options; the
// Lua-scripted compound operations have no teacher analogue (the
// teacher's Redis usage is plain GET/SET/INCR) and are written fresh
// against go-redis's Eval API.
type RedisStore struct {
	rdb    *redis.Client
	prefix string

	models   map[string]ModelCapacity
	jobTypes map[string]JobTypeResource

	pubsub *redis.PubSub
}

// NewRedisStore connects to Redis and seeds the static model/job-type
// configuration that RECOMPUTE needs. The client itself is expected to
// already be configured (TLS, pool size, timeouts) the way
// database.NewRedisClient configures the teacher's client.
func NewRedisStore(ctx context.Context, rdb *redis.Client, prefix string, models []ratelimit.ModelConfig, jobTypes []ratelimit.JobTypeConfig) (*RedisStore, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &RedisStore{
		rdb:      rdb,
		prefix:   prefix,
		models:   make(map[string]ModelCapacity, len(models)),
		jobTypes: make(map[string]JobTypeResource, len(jobTypes)),
	}

	pipe := rdb.Pipeline()
	for _, m := range models {
		s.models[m.ID] = ModelCapacity{m}
		raw, _ := json.Marshal(m)
		pipe.HSet(ctx, s.key("model-capacities"), m.ID, raw)
	}
	for _, jt := range jobTypes {
		jr := JobTypeResource{EstimatedTokens: jt.EstimatedTokens, EstimatedRequests: jt.EstimatedRequests, Ratio: jt.Ratio}
		s.jobTypes[jt.ID] = jr
		raw, _ := json.Marshal(jr)
		pipe.HSet(ctx, s.key("job-type-resources"), jt.ID, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return s, nil
}

func (s *RedisStore) key(suffix string) string { return s.prefix + suffix }

func (s *RedisStore) channel() string { return s.prefix + "alloc-updates" }

// instancesKey/allocationsKey/usageKey are the remaining key families
// from spec.md §6's coordination store layout.
func (s *RedisStore) instancesKey() string   { return s.key("instances") }
func (s *RedisStore) allocationsKey() string { return s.key("allocations") }

func (s *RedisStore) usageKey(modelID string, dim ratelimit.Dimension, windowStart int64) string {
	return fmt.Sprintf("%susage:%s:%s:%d", s.prefix, modelID, dim, windowStart)
}

// recomputeScript re-derives every registered instance's Allocation from
// the live instance count, static model/job-type config, and the current
// window's usage counters, writes the result back to the allocations
// hash, and publishes one update per instance. It is invoked as the tail
// of every script below that can change instance count or usage.
const recomputeScript = `
local instances_key = KEYS[1]
local allocations_key = KEYS[2]
local models_key = KEYS[3]
local jobtypes_key = KEYS[4]
local channel = KEYS[5]
local usage_prefix = ARGV[1]
local minute_window = tonumber(ARGV[2])
local day_window = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local instanceIds = redis.call('HKEYS', instances_key)
local n = #instanceIds
if n < 1 then n = 1 end

local modelRaw = redis.call('HGETALL', models_key)
local models = {}
for i = 1, #modelRaw, 2 do
  models[modelRaw[i]] = cjson.decode(modelRaw[i+1])
end

local jtRaw = redis.call('HGETALL', jobtypes_key)
local sumTokens, sumRequests, jtCount = 0, 0, 0
for i = 1, #jtRaw, 2 do
  local jt = cjson.decode(jtRaw[i+1])
  sumTokens = sumTokens + (jt.EstimatedTokens or 0)
  sumRequests = sumRequests + (jt.EstimatedRequests or 0)
  jtCount = jtCount + 1
end
local avgTokens = 1
local avgRequests = 1
if jtCount > 0 then
  avgTokens = sumTokens / jtCount
  avgRequests = sumRequests / jtCount
end
if avgTokens < 1 then avgTokens = 1 end
if avgRequests < 1 then avgRequests = 1 end

local minuteStart = now_ms - (now_ms % minute_window)
local dayStart = now_ms - (now_ms % day_window)

local pools = {}
for modelId, m in pairs(models) do
  local function actual(dim, start)
    local v = redis.call('GET', usage_prefix .. modelId .. ':' .. dim .. ':' .. start)
    if v then return tonumber(v) else return 0 end
  end

  local candidates = {}
  local perTPM, perRPM, perTPD, perRPD = 0, 0, 0, 0
  local configured = false

  if m.TPM then
    local remaining = math.max(0, m.TPM - actual('tpm', minuteStart))
    perTPM = math.floor(remaining / n)
    table.insert(candidates, math.floor(perTPM / avgTokens))
    configured = true
  end
  if m.RPM then
    local remaining = math.max(0, m.RPM - actual('rpm', minuteStart))
    perRPM = math.floor(remaining / n)
    table.insert(candidates, math.floor(perRPM / avgRequests))
    configured = true
  end
  if m.TPD then
    local remaining = math.max(0, m.TPD - actual('tpd', dayStart))
    perTPD = math.floor(remaining / n)
    table.insert(candidates, math.floor(perTPD / avgTokens))
    configured = true
  end
  if m.RPD then
    local remaining = math.max(0, m.RPD - actual('rpd', dayStart))
    perRPD = math.floor(remaining / n)
    table.insert(candidates, math.floor(perRPD / avgRequests))
    configured = true
  end
  if m.MaxConcurrent then
    table.insert(candidates, math.floor(m.MaxConcurrent / n))
    configured = true
  end

  local totalSlots = 100
  if configured then
    totalSlots = candidates[1]
    for i = 2, #candidates do
      if candidates[i] < totalSlots then totalSlots = candidates[i] end
    end
    if totalSlots < 0 then totalSlots = 0 end
  end

  pools[modelId] = {
    TotalSlots = totalSlots,
    TokensPerMinute = perTPM,
    RequestsPerMinute = perRPM,
    TokensPerDay = perTPD,
    RequestsPerDay = perRPD,
  }
end

for _, instanceId in ipairs(instanceIds) do
  local alloc = { InstanceCount = n, Pools = pools }
  local encoded = cjson.encode(alloc)
  redis.call('HSET', allocations_key, instanceId, encoded)
  redis.call('PUBLISH', channel, cjson.encode({InstanceID = instanceId, Allocation = alloc}))
end

return 1
`

const acquireScript = `
local allocRaw = redis.call('HGET', KEYS[1], ARGV[1])
if not allocRaw then return 0 end
local alloc = cjson.decode(allocRaw)
local pool = alloc.Pools[ARGV[2]]
if not pool or pool.TotalSlots <= 0 then return 0 end
pool.TotalSlots = pool.TotalSlots - 1
alloc.Pools[ARGV[2]] = pool
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(alloc))

local instRaw = redis.call('HGET', KEYS[2], ARGV[1])
if instRaw then
  local inst = cjson.decode(instRaw)
  inst.InFlightByModel[ARGV[2]] = (inst.InFlightByModel[ARGV[2]] or 0) + 1
  redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(inst))
end
return 1
`

func (s *RedisStore) runRecompute(ctx context.Context, now time.Time) error {
	err := s.rdb.Eval(ctx, recomputeScript,
		[]string{s.instancesKey(), s.allocationsKey(), s.key("model-capacities"), s.key("job-type-resources"), s.channel()},
		s.key("usage:"), ratelimit.DimensionTPM.WindowMs(), ratelimit.DimensionTPD.WindowMs(), now.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.GetMetrics().RecordRecompute()
	logging.Debug("RECOMPUTE ran", map[string]interface{}{"backend": "redis"})
	return nil
}

func (s *RedisStore) Register(ctx context.Context, instanceID string, now time.Time) (ratelimit.Allocation, error) {
	inst := ratelimit.InstanceRegistration{InstanceID: instanceID, LastHeartbeat: now, InFlightByModel: map[string]int{}}
	raw, _ := json.Marshal(inst)
	if err := s.rdb.HSet(ctx, s.instancesKey(), instanceID, raw).Err(); err != nil {
		return ratelimit.Allocation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.runRecompute(ctx, now); err != nil {
		return ratelimit.Allocation{}, err
	}
	return s.Snapshot(ctx, instanceID)
}

func (s *RedisStore) Unregister(ctx context.Context, instanceID string) error {
	if err := s.rdb.HDel(ctx, s.instancesKey(), instanceID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.rdb.HDel(ctx, s.allocationsKey(), instanceID)
	return s.runRecompute(ctx, time.Now())
}

func (s *RedisStore) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	res, err := s.rdb.Eval(ctx, acquireScript, []string{s.allocationsKey(), s.instancesKey()}, instanceID, modelID).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, instanceID, modelID string, usage ratelimit.UsageEntry, now time.Time) error {
	instRaw, err := s.rdb.HGet(ctx, s.instancesKey(), instanceID).Result()
	if err == nil {
		var inst ratelimit.InstanceRegistration
		if json.Unmarshal([]byte(instRaw), &inst) == nil {
			if inst.InFlightByModel[modelID] > 0 {
				inst.InFlightByModel[modelID]--
			}
			raw, _ := json.Marshal(inst)
			s.rdb.HSet(ctx, s.instancesKey(), instanceID, raw)
		}
	}

	tokens := int64(usage.TotalTokens())
	minuteStart := windowStart(now, ratelimit.DimensionTPM.WindowMs())
	dayStart := windowStart(now, ratelimit.DimensionTPD.WindowMs())

	pipe := s.rdb.Pipeline()
	pipe.IncrBy(ctx, s.usageKey(modelID, ratelimit.DimensionTPM, minuteStart), tokens)
	pipe.Expire(ctx, s.usageKey(modelID, ratelimit.DimensionTPM, minuteStart), 120*time.Second)
	pipe.IncrBy(ctx, s.usageKey(modelID, ratelimit.DimensionRPM, minuteStart), int64(usage.Requests))
	pipe.Expire(ctx, s.usageKey(modelID, ratelimit.DimensionRPM, minuteStart), 120*time.Second)
	pipe.IncrBy(ctx, s.usageKey(modelID, ratelimit.DimensionTPD, dayStart), tokens)
	pipe.Expire(ctx, s.usageKey(modelID, ratelimit.DimensionTPD, dayStart), 25*time.Hour)
	pipe.IncrBy(ctx, s.usageKey(modelID, ratelimit.DimensionRPD, dayStart), int64(usage.Requests))
	pipe.Expire(ctx, s.usageKey(modelID, ratelimit.DimensionRPD, dayStart), 25*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return s.runRecompute(ctx, now)
}

func (s *RedisStore) Heartbeat(ctx context.Context, instanceID string, now time.Time) error {
	instRaw, err := s.rdb.HGet(ctx, s.instancesKey(), instanceID).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var inst ratelimit.InstanceRegistration
	if err := json.Unmarshal([]byte(instRaw), &inst); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	inst.LastHeartbeat = now
	raw, _ := json.Marshal(inst)
	if err := s.rdb.HSet(ctx, s.instancesKey(), instanceID, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Cleanup(ctx context.Context, cutoff time.Time) error {
	all, err := s.rdb.HGetAll(ctx, s.instancesKey()).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	evicted := false
	for id, raw := range all {
		var inst ratelimit.InstanceRegistration
		if json.Unmarshal([]byte(raw), &inst) != nil {
			continue
		}
		if inst.LastHeartbeat.Before(cutoff) {
			s.rdb.HDel(ctx, s.instancesKey(), id)
			s.rdb.HDel(ctx, s.allocationsKey(), id)
			evicted = true
		}
	}
	if evicted {
		return s.runRecompute(ctx, time.Now())
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, instanceID string) (<-chan Update, error) {
	s.pubsub = s.rdb.Subscribe(ctx, s.channel())
	raw := s.pubsub.Channel()

	out := make(chan Update, 16)
	go func() {
		defer close(out)
		for msg := range raw {
			var up Update
			if json.Unmarshal([]byte(msg.Payload), &up) != nil {
				continue
			}
			if up.InstanceID != instanceID {
				continue
			}
			select {
			case out <- up:
			default:
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Snapshot(ctx context.Context, instanceID string) (ratelimit.Allocation, error) {
	raw, err := s.rdb.HGet(ctx, s.allocationsKey(), instanceID).Result()
	if err == redis.Nil {
		return ratelimit.Allocation{}, nil
	}
	if err != nil {
		return ratelimit.Allocation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var alloc ratelimit.Allocation
	if err := json.Unmarshal([]byte(raw), &alloc); err != nil {
		return ratelimit.Allocation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return alloc, nil
}

func (s *RedisStore) Close() error {
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}
