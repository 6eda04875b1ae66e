package mqtt

import "fmt"

// Subscribe registers handler for topic, which may contain + and #
// wildcards. Subscribing the same pattern again replaces its handler. The
// subscription is restored after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	case !c.IsConnected():
		return ErrNotConnected
	}

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if err := waitToken(token, defaultOperationTimeout, ErrSubscribeFailed); err != nil {
		return err
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()
	return nil
}

// Unsubscribe drops the subscription for the exact topic pattern. Messages
// already in flight may still be delivered.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	return waitToken(c.client.Unsubscribe(topic), defaultOperationTimeout, ErrUnsubscribeFailed)
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether the exact topic pattern is subscribed.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}
