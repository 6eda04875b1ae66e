// Package config loads the hub configuration.
//
// Values come from built-in defaults, then a YAML file, then GRAYLOGIC_*
// environment variables (see the env tags on each struct). Validate reports
// every problem in a single error so a bad file can be fixed in one pass.
// configs/config.yaml documents every key.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
//
// Keep MQTT credentials in GRAYLOGIC_MQTT_USERNAME and
// GRAYLOGIC_MQTT_PASSWORD rather than in the file.
package config
