// Package bridge connects the Siegenia devices to the gray-logic MQTT bus.
//
// Outbound, every poller snapshot is published retained on
// graylogic/state/siegenia/{device_id}, changed snapshots are recorded to
// history and numeric fields are written to InfluxDB. Device pushes are
// republished on graylogic/event/siegenia/{device_id}.
//
// Inbound, commands arrive on graylogic/command/siegenia/{device_id}:
//
//	{"id": "c-1", "command": "set_params", "parameters": {"fanlevel": 2}}
//
// Each command is answered on graylogic/ack/siegenia/{device_id} with an
// "accepted" ack and then a "completed", "failed" or "timeout" ack.
// Commands without an id are assigned a UUID.
//
// A HealthReporter publishes bridge health on graylogic/health/siegenia;
// the MQTT client registers the offline LWT on the same topic.
package bridge
