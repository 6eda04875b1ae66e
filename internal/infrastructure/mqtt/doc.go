// Package mqtt connects the hub to an MQTT broker.
//
// The hub's own modules talk over the in-process bus; MQTT is how the hub
// talks to the outside: crash reports are published on
// <prefix>/system/crash, bus events are mirrored to <prefix>/events/<name>,
// and messages on <prefix>/inject/<name> come back in as bus broadcasts.
//
// This package manages:
//   - Connection with auto-reconnect and restored subscriptions
//   - Publishing with QoS validation and a payload size limit
//   - Last Will and Testament on <prefix>/system/status
//   - Handler panics contained and sent to a crash.Reporter
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT,
//	    mqtt.WithLogger(log.Component("mqtt")),
//	    mqtt.WithMetrics(mqtt.NewMetrics(reg)),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllInjects(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Info("inject", "event", mqtt.LastSegment(topic))
//	        return nil
//	    })
//
// TLS (mqtt.broker.tls) should be enabled whenever the broker is not on the
// same host.
package mqtt
