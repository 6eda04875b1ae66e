// Package logging builds the hub's log/slog logger from the logging section
// of the configuration.
//
// Entries are JSON unless format is "text", and always carry the service
// name and build version. Packages accept a small Debug/Info/Warn/Error
// interface, which *Logger satisfies; main hands each one a child from
// Component so entries can be filtered per subsystem:
//
//	log := logging.New(cfg.Logging, version)
//	b := bus.New(busCfg, bus.WithLogger(log.Component("bus")))
//
// MQTT credentials must never be passed as log attributes.
package logging
