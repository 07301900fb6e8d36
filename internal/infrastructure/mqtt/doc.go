// Package mqtt connects the Siegenia bridge to the gray-logic MQTT bus.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and backoff
//   - Publishing with bounded acknowledgement waits
//   - Subscriptions that are restored after a reconnect
//   - Last Will and Testament on the bridge health topic
//
// Topics follow graylogic/{category}/siegenia/{device_id}; see Topics.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1, handleCommand)
package mqtt
