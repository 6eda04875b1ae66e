package mqtt

import "github.com/nerrad567/gray-logic-hub/internal/fault"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors, or for their fault category.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = fault.New(fault.ErrState, "mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = fault.New(fault.ErrInternal, "mqtt: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = fault.New(fault.ErrInternal, "mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = fault.New(fault.ErrInternal, "mqtt: subscribe failed")

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = fault.New(fault.ErrInternal, "mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for QoS levels other than 0, 1 or 2.
	ErrInvalidQoS = fault.New(fault.ErrValidation, "mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty topic is provided.
	ErrInvalidTopic = fault.New(fault.ErrValidation, "mqtt: topic cannot be empty")
)
