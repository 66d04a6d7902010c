package hotspot

import "github.com/redis/go-redis/v9"

// activateSuppressionScript implements spec.md §4.M's activate_suppression
// steps 2-4 (the atomic read-modify-write core). Step 1 -- checking the
// device is present/enabled/connected -- is done by the caller against
// internal/devices and the session status key before invoking this
// script: those live in a JSON-blob device record and a separately-TTLed
// status key respectively, not the plain hash spec.md's abstract layout
// describes, so folding that check into the script would require the
// script to understand two unrelated encodings for no atomicity benefit
// (the invariant that actually needs script-level atomicity is mutual
// exclusion between concurrent suppression activations on one device,
// not the liveness check).
//
// KEYS[1] = suppression hash, KEYS[2] = counters hash, KEYS[3] = history list.
// ARGV: zone, type, intensity, now_ms, ceiling_seconds, history_max.
//
// No .lua reference existed in FireSuppressionService.java's resource
// bundle (only the Java caller survived into original_source); the
// script body below is authored directly from spec.md's algorithm
// rather than ported line-for-line.
var activateSuppressionScript = redis.NewScript(`
local suppression_key = KEYS[1]
local counters_key = KEYS[2]
local history_key = KEYS[3]

local zone = ARGV[1]
local stype = ARGV[2]
local intensity = ARGV[3]
local now = ARGV[4]
local ceiling = tonumber(ARGV[5])
local history_max = tonumber(ARGV[6])

local existing_type = redis.call('HGET', suppression_key, 'type')
if existing_type and existing_type ~= false and existing_type ~= '' then
  if existing_type ~= stype then
    return {'Conflict', existing_type}
  end
  redis.call('HSET', suppression_key, 'intensity', intensity, 'last_updated', now)
  redis.call('EXPIRE', suppression_key, ceiling)
  return {'Updated', stype}
end

redis.call('HSET', suppression_key, 'zone_id', zone, 'type', stype, 'intensity', intensity,
  'activated_at', now, 'last_updated', now)
redis.call('EXPIRE', suppression_key, ceiling)

redis.call('HINCRBY', counters_key, 'total_activations', 1)
redis.call('HINCRBY', counters_key, stype .. '_activations', 1)
redis.call('HSET', counters_key, 'last_activation', now)

redis.call('LPUSH', history_key, cjson.encode({event = 'suppression_activated', zone_id = zone,
  type = stype, intensity = intensity, timestamp = now}))
redis.call('LTRIM', history_key, 0, history_max - 1)

return {'Activated', stype}
`)

// incrementSuppressionCounterScript bumps per-type and total counters
// atomically. KEYS[1] = counters hash. ARGV: type, now_ms.
var incrementSuppressionCounterScript = redis.NewScript(`
local counters_key = KEYS[1]
local stype = ARGV[1]
local now = ARGV[2]

local total = redis.call('HINCRBY', counters_key, 'total_activations', 1)
redis.call('HINCRBY', counters_key, stype .. '_activations', 1)
redis.call('HSET', counters_key, 'last_activation', now)

return total
`)

// getDeviceStatusScript reads a device's live suppression/counters state
// in one round trip. KEYS[1] = suppression hash, KEYS[2] = counters hash.
var getDeviceStatusScript = redis.NewScript(`
local suppression_key = KEYS[1]
local counters_key = KEYS[2]

local suppression = redis.call('HGETALL', suppression_key)
local counters = redis.call('HGETALL', counters_key)

return {suppression, counters}
`)
