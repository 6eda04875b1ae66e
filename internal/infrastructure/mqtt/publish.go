package mqtt

import "fmt"

// maxPayloadSize caps a single message at 1 MB.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker acknowledgement
// the QoS calls for.
//
//	err := client.Publish(client.Topics().Event("doorbell"), []byte(`{}`), 1, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	case !c.IsConnected():
		return ErrNotConnected
	}

	err := waitToken(c.client.Publish(topic, qos, retained, payload), defaultOperationTimeout, ErrPublishFailed)
	c.metrics.published(err == nil)
	return err
}
