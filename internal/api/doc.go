// Package api implements the HTTP REST API and WebSocket feed for the
// Siegenia bridge.
//
// This package provides:
//   - Read endpoints for device status, snapshots and snapshot history
//   - Control endpoints for parameter writes and device actions
//   - A WebSocket feed of device.snapshot and device.push events, filterable by device id
//   - The Prometheus scrape endpoint at /metrics
//
// # Graceful Degradation
//
// The server runs without MQTT, history or metrics. Endpoints backed by a
// missing dependency answer 503 (history) or are not mounted (/metrics).
package api
