// Package eventmirror bridges bus events and MQTT.
//
// Every event broadcast on the bus is published as JSON to
// <prefix>/events/<event>. Messages arriving on <prefix>/inject/<event> are
// re-broadcast on the bus as events sent by the "eventmirror" module, so
// devices outside the hub can raise events that modules react to.
//
// Inject payloads are optional JSON:
//
//	{"params": {"zone": "hall"}, "device_id": "door-1"}
//
// The module answers one command, "stats", returning its counters.
package eventmirror
