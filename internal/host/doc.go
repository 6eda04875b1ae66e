// Package host owns the bus, the arbiter and the registered modules of a
// running hub, and drives one dispatch loop per module.
//
// Modules are registered before Run. Registration subscribes each module's
// mailbox so that messages sent during start-up are not lost, and hands
// modules that implement Attacher a Services value with the shared bus and
// arbiter. Run starts every loop and any extra services (such as the HTTP
// gateway), ends the bus priming phase, and tears everything down when its
// context is cancelled.
package host
