package mqtt

import "strings"

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "graylogic"

// Topics builds the hub's MQTT topics under a common prefix.
//
//	topics := mqtt.NewTopics("home")
//	topics.Event("doorbell") // "home/events/doorbell"
type Topics struct {
	Prefix string
}

// NewTopics returns a builder for prefix, trimming surrounding slashes.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) join(parts ...string) string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "/" + strings.Join(parts, "/")
}

// SystemStatus returns the retained online/offline status topic.
func (t Topics) SystemStatus() string {
	return t.join("system", "status")
}

// SystemCrash returns the topic crash reports are published on.
func (t Topics) SystemCrash() string {
	return t.join("system", "crash")
}

// Event returns the topic a bus event is mirrored to.
func (t Topics) Event(name string) string {
	return t.join("events", name)
}

// AllEvents matches every mirrored bus event.
func (t Topics) AllEvents() string {
	return t.join("events", "+")
}

// Inject returns the topic that injects name as a bus event.
func (t Topics) Inject(name string) string {
	return t.join("inject", name)
}

// AllInjects matches every injection topic.
func (t Topics) AllInjects() string {
	return t.join("inject", "+")
}

// LastSegment returns the final level of topic.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
