// Package prefilter drops malformed or trivially-changed readings before
// they enter the pipeline, grounded on PreProcessingHandler.java's range
// and trivial-change checks.
package prefilter

import (
	"sync"
	"time"

	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/internal/protocol"
	"github.com/firecore/platform/pkg/config"
)

// accumulationSensors are sensors for which a reading is only trivial if
// BOTH the prior and current values sit below an absolute alarm floor;
// smoke/CO never "settle" to a meaningfully-unchanged baseline the way a
// slowly drifting temperature does, so a plain delta threshold would let
// a real rise from just-under-floor to just-over-floor slip through were
// it applied the same way as temperature/humidity.
var accumulationSensors = map[string]bool{
	"smoke": true,
	"co":    true,
}

// ranges are the declared physical bounds per sensor type; a reading
// outside its range is invalid regardless of trivial-change status.
type valueRange struct{ min, max float64 }

var ranges = map[string]valueRange{
	"temperature": {-50, 100},
	"humidity":    {0, 100},
	"smoke":       {0, maxFloat},
	"co":          {0, maxFloat},
}

const maxFloat = 1 << 62

// lastValue is one entry in the per-(device,sensor) last-value cache.
type lastValue struct {
	value float64
	set   bool
}

// shard count for the striped last-value cache; spec.md §5 calls for
// per-device striped locks or a lock-free map, this implements the
// former with a fixed number of independently-locked buckets.
const shardCount = 64

type shard struct {
	mu     sync.Mutex
	values map[string]lastValue
}

// Filter is the pre-filter stage. It is stateless w.r.t. any single
// message and holds only the last-value cache across calls.
type Filter struct {
	cfg    config.PrefilterConfig
	shards [shardCount]*shard

	totalPackets    int64
	filteredPackets int64
	countsMu        sync.Mutex
}

// New builds a Filter with the configured thresholds.
func New(cfg config.PrefilterConfig) *Filter {
	f := &Filter{cfg: cfg}
	for i := range f.shards {
		f.shards[i] = &shard{values: make(map[string]lastValue)}
	}
	return f
}

func (f *Filter) shardFor(deviceID string) *shard {
	h := fnv32(deviceID)
	return f.shards[h%shardCount]
}

// Process validates and trivial-change-filters every reading in msg,
// returning only the ones worth forwarding, each enriched with a
// preprocessing timestamp. A message with zero survivors was dropped
// entirely; the caller need not treat that specially.
func (f *Filter) Process(deviceID string, msg *protocol.DataMessage) []model.Reading {
	f.countsMu.Lock()
	f.totalPackets++
	f.countsMu.Unlock()

	preprocessedAt := time.Now()
	timestamp := time.UnixMilli(msg.Timestamp)

	var forwarded []model.Reading
	for _, r := range msg.Readings {
		if !inRange(r.Type, r.Value) {
			continue
		}
		if f.isTrivial(deviceID, r.Type, r.Value) {
			continue
		}
		forwarded = append(forwarded, model.Reading{
			DeviceID:   deviceID,
			SensorType: r.Type,
			Value:      r.Value,
			Unit:       r.Unit,
			Timestamp:  timestamp,
			Metadata:   map[string]string{"preprocessed_at": preprocessedAt.Format(time.RFC3339Nano)},
		})
	}

	if len(forwarded) == 0 {
		f.countsMu.Lock()
		f.filteredPackets++
		f.countsMu.Unlock()
	}

	return forwarded
}

func inRange(sensorType string, value float64) bool {
	r, ok := ranges[sensorType]
	if !ok {
		return false
	}
	return value >= r.min && value <= r.max
}

func (f *Filter) isTrivial(deviceID, sensorType string, value float64) bool {
	sh := f.shardFor(deviceID)
	key := deviceID + ":" + sensorType

	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, seen := sh.values[key]
	sh.values[key] = lastValue{value: value, set: true}

	if !seen {
		return false
	}

	if accumulationSensors[sensorType] {
		floor := f.cfg.AccumulationFloor
		return prev.value < floor && value < floor
	}

	threshold := f.thresholdFor(sensorType)
	delta := value - prev.value
	if delta < 0 {
		delta = -delta
	}
	return delta < threshold
}

func (f *Filter) thresholdFor(sensorType string) float64 {
	switch sensorType {
	case "temperature":
		return f.cfg.TemperatureThreshold
	case "humidity":
		return f.cfg.HumidityThreshold
	default:
		return 0
	}
}

// Stats reports pre-filter throughput counters.
type Stats struct {
	TotalPackets    int64
	FilteredPackets int64
}

// Stats returns a Stats snapshot.
func (f *Filter) Stats() Stats {
	f.countsMu.Lock()
	defer f.countsMu.Unlock()
	return Stats{TotalPackets: f.totalPackets, FilteredPackets: f.filteredPackets}
}

func fnv32(s string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
