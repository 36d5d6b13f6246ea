// Package mqtt connects Rebus Core to the MQTT broker shared with the game
// servers.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing raw and JSON payloads with QoS guarantees
//   - Topic subscriptions, restored after every reconnect
//   - A retained status topic with Last Will and Testament for offline detection
//
// # Topic layout
//
// Every topic lives under rebus/<context>, where context is the storage
// context the server persists into:
//
//	rebus/<context>/status              retained online/offline
//	rebus/<context>/alerts              persistence failures
//	rebus/<context>/events/<kind>       game events (player/join, economy/deposit, ...)
//	rebus/<context>/economy/result      outcome of economy events
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.NewTopics(cfg.Storage.Context))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllEvents(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
