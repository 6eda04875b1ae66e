// Package gateway exposes the hub over HTTP and WebSocket.
//
// Routes:
//
//	GET  /api/v1/health
//	GET  /api/v1/bus                                  bus statistics
//	GET  /api/v1/resources                            arbitrator state
//	POST /api/v1/modules/{module}/commands/{command}  push a command and wait
//	POST /api/v1/events                               broadcast an event
//	GET  /api/v1/ws                                   event stream
//	GET  /metrics                                     Prometheus metrics
//
// Commands and events are sent on the bus from the "rpc" sender. Each
// WebSocket connection owns an "rpc-<uuid>" mailbox, so it receives every
// broadcast and every request forwarded to the rpc group.
//
// The server follows the same lifecycle as the other components:
//
//	srv, err := gateway.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
//
// or, under a host, Run(ctx) as a service.
package gateway
