// Package system provides the hub's built-in "system" module.
//
// It answers introspection commands over the bus:
//
//	ping       returns "pong"
//	modules    lists the subscribed modules
//	resources  returns the arbitrator state
//	echo       returns the message (optionally upper-cased) and its sender
//	notice     replies with an informational response
package system
