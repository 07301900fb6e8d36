// Package device keeps the set of configured Siegenia devices and routes
// actions to them.
//
// A Unit pairs one device's protocol client with its polling coordinator.
// The MQTT bridge and the HTTP API both resolve devices through the
// Registry and run commands with Registry.Execute, so an action behaves
// the same whichever surface issued it.
package device
