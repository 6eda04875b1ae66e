// Package crash provides the crash reporting collaborator used by the hub core.
//
// The bus, the resource arbiter and module dispatch loops call Report from
// their recovery paths. Reporting is best-effort: Safe wraps every call so a
// broken reporter can never take down the component that is reporting.
//
// Reporters can be combined:
//
//	reporter := crash.Multi(
//	    crash.NewLogReporter(log),
//	    crash.NewMQTTReporter(mqttClient, "graylogic", 1),
//	)
//	crash.Safe(reporter, crash.Context{"component": "bus", "error": err.Error()})
package crash

import (
	"encoding/json"
	"fmt"
	"time"
)

// Context carries the details of a failure.
type Context map[string]any

// Reporter receives crash reports.
type Reporter interface {
	Report(ctx Context)
}

// Logger defines the logging interface used by LogReporter.
type Logger interface {
	Error(msg string, args ...any)
}

// Nop is a Reporter that discards every report.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(Context) {}

// Safe calls r.Report and swallows any panic it raises. A nil reporter is ignored.
func Safe(r Reporter, ctx Context) {
	if r == nil {
		return
	}
	defer func() {
		_ = recover() //nolint:errcheck // reporting must never propagate failure
	}()
	r.Report(ctx)
}

// FromPanic builds a report context from a recovered panic value.
func FromPanic(component string, r any) Context {
	return Context{
		"component": component,
		"panic":     fmt.Sprint(r),
	}
}

// FromError builds a report context from an error.
func FromError(component string, err error) Context {
	ctx := Context{"component": component}
	if err != nil {
		ctx["error"] = err.Error()
	}
	return ctx
}

// LogReporter writes reports to a structured logger.
type LogReporter struct {
	logger Logger
}

// NewLogReporter creates a reporter that logs each report at error level.
func NewLogReporter(logger Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (l *LogReporter) Report(ctx Context) {
	args := make([]any, 0, len(ctx)*2)
	for k, v := range ctx {
		args = append(args, k, v)
	}
	l.logger.Error("crash report", args...)
}

// Publisher is the subset of the MQTT client used by MQTTReporter.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTReporter publishes reports as JSON to {prefix}/system/crash.
type MQTTReporter struct {
	publisher Publisher
	topic     string
	qos       byte
	now       func() time.Time
}

// NewMQTTReporter creates a reporter publishing to {prefix}/system/crash.
func NewMQTTReporter(publisher Publisher, prefix string, qos byte) *MQTTReporter {
	return &MQTTReporter{
		publisher: publisher,
		topic:     prefix + "/system/crash",
		qos:       qos,
		now:       time.Now,
	}
}

// Topic returns the topic reports are published to.
func (m *MQTTReporter) Topic() string {
	return m.topic
}

// Report implements Reporter. Marshal and publish failures are dropped.
func (m *MQTTReporter) Report(ctx Context) {
	payload, err := json.Marshal(struct {
		Timestamp string  `json:"timestamp"`
		Context   Context `json:"context"`
	}{
		Timestamp: m.now().UTC().Format(time.RFC3339),
		Context:   ctx,
	})
	if err != nil {
		return
	}
	//nolint:errcheck // best-effort publish
	m.publisher.Publish(m.topic, payload, m.qos, false)
}

// multi fans a report out to several reporters.
type multi []Reporter

// Multi returns a Reporter that forwards each report to every non-nil reporter.
// A panic in one reporter does not prevent delivery to the others.
func Multi(reporters ...Reporter) Reporter {
	out := make(multi, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Report implements Reporter.
func (m multi) Report(ctx Context) {
	for _, r := range m {
		Safe(r, ctx)
	}
}
