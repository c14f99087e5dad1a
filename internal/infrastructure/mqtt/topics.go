package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefixThing is the base for all DJI device topics.
// Device topics follow the scheme: thing/product/{device_sn}/{channel}
const TopicPrefixThing = "thing/product"

// Topics provides builders for the DJI Cloud API MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	req := mqtt.Topics.Services("SN001")
//	// Returns: "thing/product/SN001/services"
var Topics topicScheme

type topicScheme struct{}

// Services returns the service request topic for a device.
//
// Example: thing/product/SN001/services
func (topicScheme) Services(deviceID string) string {
	return fmt.Sprintf("%s/%s/services", TopicPrefixThing, deviceID)
}

// ServicesReply returns the service reply topic for a device.
//
// Example: thing/product/SN001/services_reply
func (topicScheme) ServicesReply(deviceID string) string {
	return fmt.Sprintf("%s/%s/services_reply", TopicPrefixThing, deviceID)
}

// Events returns the event topic for a device.
//
// Example: thing/product/SN001/events
func (topicScheme) Events(deviceID string) string {
	return fmt.Sprintf("%s/%s/events", TopicPrefixThing, deviceID)
}

// OSD returns the high-rate telemetry (on-screen display) topic for a device.
//
// Example: thing/product/SN001/osd
func (topicScheme) OSD(deviceID string) string {
	return fmt.Sprintf("%s/%s/osd", TopicPrefixThing, deviceID)
}

// DeviceState returns the low-rate state topic for a device.
//
// Example: thing/product/SN001/state
func (topicScheme) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixThing, deviceID)
}

// Status returns the online/offline status topic for a device.
//
// Example: thing/product/SN001/status
func (topicScheme) Status(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixThing, deviceID)
}

// DRCDown returns the downstream DRC command topic (station → aircraft).
// Heartbeat frames are published here.
//
// Example: thing/product/SN001/drc/down
func (topicScheme) DRCDown(deviceID string) string {
	return fmt.Sprintf("%s/%s/drc/down", TopicPrefixThing, deviceID)
}

// DRCUp returns the upstream DRC command-channel topic (aircraft → station).
//
// Example: thing/product/SN001/drc/up
func (topicScheme) DRCUp(deviceID string) string {
	return fmt.Sprintf("%s/%s/drc/up", TopicPrefixThing, deviceID)
}

// AllForDevice returns a pattern matching every topic for one device.
// Use with caution - this receives ALL of the device's traffic.
//
// Pattern: thing/product/SN001/#
func (topicScheme) AllForDevice(deviceID string) string {
	return fmt.Sprintf("%s/%s/#", TopicPrefixThing, deviceID)
}

// AllStatus returns a pattern matching status topics for every device.
//
// Pattern: thing/product/+/status
func (topicScheme) AllStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixThing)
}

// DeviceFromTopic extracts the device serial from a thing topic.
//
// Returns an empty string when the topic does not follow the
// thing/product/{device_sn}/... scheme.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != "thing" || parts[1] != "product" {
		return ""
	}
	return parts[2]
}

// ClientID derives the deterministic broker client identity for a
// device connection. Reconnects reuse the same identity so the broker
// resumes the session instead of creating a parallel one. Two live
// clients must never share an identity: the broker evicts the older
// one, which is why the pool keeps at most one client per (device,
// class) pair.
func ClientID(class Class, deviceID string) string {
	return fmt.Sprintf("gcs-%s-%s", class, deviceID)
}
