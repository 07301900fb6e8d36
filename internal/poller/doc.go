// Package poller keeps an up-to-date snapshot of one Siegenia device.
//
// A Coordinator fetches state, params and device info on a fixed interval
// and whenever Trigger is called (typically from a push notification). The
// merged result is published atomically: readers always see a complete
// snapshot from a single refresh, never a mix.
//
// When a refresh fails the coordinator reconnects the device once and
// retries the whole refresh. If the retry also fails, the previous data is
// kept and the snapshot is marked stale.
package poller
