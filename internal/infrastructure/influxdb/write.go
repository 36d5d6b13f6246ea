package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

// Measurement names.
const (
	MeasurementLoad  = "rebus_load"
	MeasurementFlush = "rebus_flush"
	MeasurementQueue = "rebus_queue"
	MeasurementCache = "rebus_cache"
)

// CacheSample is one reading of the entity cache counters.
type CacheSample struct {
	Entries     int
	Pinned      int
	Dirty       int
	Loading     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// ObserveLoad records a store load.
func (c *Client) ObserveLoad(key entity.Key, took time.Duration, err error) {
	c.writePoint(MeasurementLoad, c.opTags(key, err), map[string]any{
		"took_ms": durationMillis(took),
	})
}

// ObserveFlush records one flush of a key's queued writes.
func (c *Client) ObserveFlush(key entity.Key, writes int, took time.Duration, err error) {
	c.writePoint(MeasurementFlush, c.opTags(key, err), map[string]any{
		"writes":  writes,
		"took_ms": durationMillis(took),
	})
}

// ObserveQueue samples the engine's queue depth.
func (c *Client) ObserveQueue(pendingWrites, inFlight, failed int) {
	c.writePoint(MeasurementQueue, map[string]string{"server": c.server}, map[string]any{
		"pending_writes": pendingWrites,
		"in_flight":      inFlight,
		"failed":         failed,
	})
}

// WriteCacheSample records cache occupancy and counters.
func (c *Client) WriteCacheSample(s CacheSample) {
	c.writePoint(MeasurementCache, map[string]string{"server": c.server}, map[string]any{
		"entries":     s.Entries,
		"pinned":      s.Pinned,
		"dirty":       s.Dirty,
		"loading":     s.Loading,
		"hits":        s.Hits,
		"misses":      s.Misses,
		"evictions":   s.Evictions,
		"expirations": s.Expirations,
	})
}

// WritePoint writes a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writePoint(measurement, tags, fields)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// opTags tags a store operation with its result class; success is "ok".
func (c *Client) opTags(key entity.Key, err error) map[string]string {
	result := "ok"
	if err != nil {
		result = entity.ClassOf(err).String()
	}
	return map[string]string{
		"server":      c.server,
		"record_type": string(key.Type),
		"result":      result,
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
