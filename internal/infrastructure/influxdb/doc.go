// Package influxdb writes Rebus Core persistence telemetry to InfluxDB v2.
//
// The Client implements the synchronisation engine's metrics hook: every
// load and flush becomes a point tagged with the server, record type and
// result class, and queue depth is sampled on each flush round. Writes are
// non-blocking and batched by the official client; failures surface through
// SetOnError.
//
// # Measurements
//
//	rebus_load   tags: server, record_type, result   fields: took_ms
//	rebus_flush  tags: server, record_type, result   fields: writes, took_ms
//	rebus_queue  tags: server                        fields: pending_writes, in_flight, failed
//	rebus_cache  tags: server                        fields: entries, pinned, dirty, hits, ...
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Server.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	engine.SetMetrics(client)
package influxdb
