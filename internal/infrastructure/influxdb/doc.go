// Package influxdb writes Siegenia device telemetry to InfluxDB v2.
//
// Each successful poll produces one siegenia_snapshot point tagged with
// device_id whose fields are the numeric and boolean values of the
// flattened snapshot (e.g. airbase.temperature.indoor). Bridge commands
// are recorded as siegenia_command points.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteSnapshot("living-room", snap.Flatten(), snap.UpdatedAt)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Batch errors are delivered to the SetOnError callback.
package influxdb
