// Package mqtt provides MQTT client connectivity for the tilelink daemon.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The MQTT tunnel adapter uses the broker as a transport to remote agents
// that front real tiles. The broker decouples the daemon from agent-specific
// network topology.
//
//	tilelink daemon ↔ MQTT Broker ↔ Remote Agents ↔ Tiles
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to every tile advert
//	err = client.Subscribe(mqtt.Topics{}.AllAdverts(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Send a request to one tile's agent
//	topic := mqtt.Topics{}.Request("tile-0042")
//	client.Publish(topic, payload, 1, false)
package mqtt
