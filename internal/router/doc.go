// Package router dispatches inbound MQTT traffic from aircraft to the
// subsystems that consume it.
//
// Every frame arriving on a device connection is handed to Route, which
// classifies it by topic shape (service reply, DRC command, telemetry,
// status), parses the shared DJI envelope once, and fans the validated
// message out to every matching rule. Rules pair a Matcher (exact
// topic, prefix, regex pattern, or service-reply method) with one or
// more callbacks.
//
// Callbacks are isolated: a panic in one is counted and logged without
// affecting sibling callbacks or the MQTT receive goroutine. Malformed
// payloads are counted and dropped before any callback sees them.
//
// Typical wiring:
//
//	r := router.New()
//	r.RegisterServiceRoute("*", caller.HandleReply)
//	r.Register("telemetry:"+sn, router.TopicPrefix("thing/product/"+sn), snapshots.Ingest)
package router
