// Package module provides the dispatch loop that turns bus envelopes into
// calls on a hub module.
//
// A module declares its commands up front in a CommandTable: for each
// command the handler, the parameters it requires, the optional parameters
// with their defaults, and whether it wants to know who sent it. The Runner
// pulls the module's mailbox, validates each command against the table,
// invokes the handler and writes the result back into the envelope.
// Events are passed to the module's HandleEvent hook when it has one.
//
// Failures inside a handler never stop the loop: they become error
// responses, or log lines for events. Only a failure of the bus itself ends
// the loop, after which the module is unsubscribed.
package module
