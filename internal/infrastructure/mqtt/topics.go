package mqtt

import "fmt"

// Topic layout shared with the other gray-logic bridges:
// graylogic/{category}/{protocol}/{device_id}
const (
	// TopicPrefix is the root of every bridge topic.
	TopicPrefix = "graylogic"

	// Protocol is the protocol segment used by this bridge.
	Protocol = "siegenia"
)

// Topics builds the bridge's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("living-room") // graylogic/state/siegenia/living-room
type Topics struct{}

// State returns the retained snapshot topic for a device.
func (Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Command returns the command topic for a device.
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Ack returns the command acknowledgement topic for a device.
func (Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Event returns the topic carrying raw device push notifications.
func (Topics) Event(deviceID string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Health returns the bridge health topic. It also carries the LWT.
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// AllCommands returns the subscription pattern for every device's commands.
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// AllStates returns the subscription pattern for every device's snapshot.
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, Protocol)
}
