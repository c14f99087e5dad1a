// Package mqtt provides the per-device MQTT transport client for GCS Core.
//
// This package manages:
//   - One physical broker connection per (device, class) pair
//   - Idempotent connect with auto-reconnect and explicit retry policy
//   - Message publishing with QoS guarantees
//   - Topic subscriptions restored automatically after reconnect
//   - Connection state notifications with retry-churn suppression
//
// # Architecture
//
// The DJI Cloud API models each aircraft as an MQTT endpoint publishing
// and subscribing under thing/product/{device_sn}/... topics. GCS Core
// keeps one persistent primary connection per aircraft for business
// calls and telemetry, plus an independent heartbeat connection so DRC
// liveness frames never queue behind slow business traffic.
//
//	GCS Core ↔ MQTT Broker ↔ Aircraft / Dock
//
// Client identities are deterministic (gcs-{class}-{device_sn}); the
// connection pool owns Client instances and guarantees at most one live
// client per identity, because a second client with the same identity
// causes the broker to evict the first.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT, "SN001", mqtt.ClassPrimary)
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err := client.Subscribe(mqtt.Topics.ServicesReply("SN001"), 1,
//	    func(topic string, payload []byte) error {
//	        router.Route(topic, payload)
//	        return nil
//	    })
package mqtt
