// Package siegenia implements the WebSocket control protocol spoken by
// Siegenia ventilation and window controllers (AEROPAC, AEROMAT, MHS family).
//
// The device exposes a JSON request/response protocol on
// wss://<host>:<port>/WebSocket. Every request carries a numeric "id" that
// the device echoes in its reply; frames without a matching id are
// unsolicited push notifications.
//
// # Architecture
//
// A Client owns exactly one device connection:
//
//	caller ──Send──▶ correlator ──WriteFrame──▶ Session ──▶ device
//	                     ▲                          │
//	                     └──── receive loop ◀───────┘
//	                                │
//	                                └──▶ push queue ──▶ push worker ──▶ OnPush
//
// Connect dials the device, logs in and starts a heartbeat goroutine that
// sends keepAlive every HeartbeatInterval. Concurrent Connect calls share a
// single handshake. When a write fails the client reconnects once and resends
// the request; when the read side ends, every outstanding request fails with
// ErrConnectionLost and the next command reconnects.
//
// # Security
//
// Devices ship self-signed certificates, so the default dialer disables
// certificate chain and hostname verification when TLS is enabled. The
// session is encrypted but the peer is not authenticated. Only use it on a
// trusted network segment.
//
// # Thread Safety
//
// All exported Client methods are safe for concurrent use. Push callbacks run
// on a single worker goroutine in arrival order and never block the receive
// loop; when the queue is full the notification is dropped and counted.
package siegenia
