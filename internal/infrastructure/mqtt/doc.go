// Package mqtt provides MQTT client connectivity for the Decora bridge.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for crash detection
//   - Connection health monitoring
//
// # Architecture
//
// The bridge uses MQTT as its northbound interface. Home-automation
// controllers (Home Assistant, Node-RED, or anything speaking MQTT)
// publish commands and consume state without knowing anything about BLE.
//
//	Controller ↔ MQTT Broker ↔ Decora Bridge ↔ BLE Devices
//
// Topic construction lives with the bridge message definitions; this
// package stays scheme-agnostic and only moves bytes. The one piece of
// topic-adjacent behaviour here is the Last Will registration, which the
// caller supplies at Connect time.
//
// # Security Considerations
//
//   - TLS is recommended for brokers outside the local segment (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff per config (initial_delay to max_delay)
//   - Message throughput: Broker-limited (far beyond what BLE devices produce)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.WillMessage{
//	    Topic:    "decora/health/decora",
//	    Payload:  lwtPayload,
//	    QoS:      1,
//	    Retained: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all device commands
//	err = client.Subscribe("decora/command/+", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish retained state
//	client.Publish("decora/state/C4:0D:96:11:22:33", []byte(`{"power":"ON"}`), 1, true)
package mqtt
