// Gray Logic Hub - in-process message bus and resource arbitrator
//
// The hub runs a set of modules on one message bus. Modules exchange
// commands and events through bounded mailboxes and share critical
// resources (microphone, speaker) through the arbitrator. The gateway
// exposes the bus over HTTP and WebSocket; MQTT is optional and carries
// crash reports and mirrored events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/gray-logic-hub/internal/arbiter"
	"github.com/nerrad567/gray-logic-hub/internal/bus"
	"github.com/nerrad567/gray-logic-hub/internal/crash"
	"github.com/nerrad567/gray-logic-hub/internal/gateway"
	"github.com/nerrad567/gray-logic-hub/internal/host"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/tracing"
	"github.com/nerrad567/gray-logic-hub/internal/modules/eventmirror"
	"github.com/nerrad567/gray-logic-hub/internal/modules/system"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// tracingShutdownTimeout bounds the final span flush on exit.
const tracingShutdownTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Hub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("error flushing traces", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		log.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}

	// MQTT handler panics are logged, never published back to the broker.
	logReporter := crash.NewLogReporter(log.Component("crash"))
	reporters := []crash.Reporter{logReporter}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT,
			mqtt.WithLogger(log.Component("mqtt")),
			mqtt.WithReporter(logReporter),
			mqtt.WithMetrics(mqtt.NewMetrics(reg)),
			mqtt.WithOnDisconnect(func(err error) {
				log.Warn("MQTT disconnected", "error", err)
			}),
		)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		reporters = append(reporters, crash.NewMQTTReporter(mqttClient, mqttClient.Topics().Prefix, mqttClient.QoS()))
	} else {
		log.Info("MQTT disabled")
	}
	reporter := crash.Multi(reporters...)

	b := bus.New(busConfig(cfg.Bus),
		bus.WithLogger(log.Component("bus")),
		bus.WithReporter(reporter),
		bus.WithMetrics(bus.NewMetrics(reg)),
	)
	arb := arbiter.New(descriptors(cfg.Resources),
		arbiter.WithLogger(log.Component("arbiter")),
		arbiter.WithReporter(reporter),
		arbiter.WithMetrics(arbiter.NewMetrics(reg)),
	)
	log.Info("bus and arbitrator initialised", "resources", len(cfg.Resources))

	h := host.New(b, arb,
		host.WithLogger(log.Component("host")),
		host.WithReporter(reporter),
		host.WithPollTimeout(cfg.Bus.PullTimeout),
	)

	if cfg.Modules.System.Enabled {
		if err := h.Register(system.New()); err != nil {
			return fmt.Errorf("registering system module: %w", err)
		}
	}
	if cfg.Modules.EventMirror.Enabled && mqttClient != nil {
		mirror := eventmirror.New(mqttClient, mqttClient.Topics(), mqttClient.QoS())
		if err := h.Register(mirror); err != nil {
			return fmt.Errorf("registering event mirror: %w", err)
		}
		defer func() {
			if closeErr := mirror.Close(); closeErr != nil {
				log.Warn("error closing event mirror", "error", closeErr)
			}
		}()
	}

	deps := gateway.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("gateway"),
		Bus:      b,
		Arbiter:  arb,
		Reporter: reporter,
		Metrics:  gateway.NewMetrics(reg),
		Gatherer: reg,
		Version:  version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	gw, err := gateway.New(deps)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	if err := h.AddService("gateway", gw.Run); err != nil {
		return fmt.Errorf("adding gateway: %w", err)
	}

	log.Info("Gray Logic Hub started", "modules", h.Modules())

	runErr := h.Run(ctx)
	log.Info("shutting down Gray Logic Hub")
	if runErr != nil {
		return fmt.Errorf("running host: %w", runErr)
	}
	return nil
}

// getConfigPath returns the configuration file path.
// GRAYLOGIC_CONFIG overrides the default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// busConfig maps the bus section of the configuration onto bus settings.
func busConfig(c config.BusConfig) bus.Config {
	return bus.Config{
		MailboxCapacity:      c.MailboxCapacity,
		DefaultPushTimeout:   c.PushTimeout,
		DefaultPullTimeout:   c.PullTimeout,
		StartupTimeout:       c.StartupTimeout,
		PrimingTimeoutFactor: c.PrimingTimeoutFactor,
		PurgeInterval:        c.PurgeInterval,
		SubscriptionLifetime: c.SubscriptionLifetime,
	}
}

// descriptors builds the arbitrator resource set from names.
func descriptors(names []string) []arbiter.Descriptor {
	out := make([]arbiter.Descriptor, 0, len(names))
	for _, name := range names {
		out = append(out, arbiter.Descriptor{Name: name})
	}
	return out
}
