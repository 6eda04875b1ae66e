package eventmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/bus"
	"github.com/nerrad567/gray-logic-hub/internal/host"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/module"
)

// Name is the bus name of the event mirror.
const Name = "eventmirror"

// Client is the part of the MQTT client the mirror uses.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Stats holds the mirror counters.
type Stats struct {
	Published     uint64 `json:"published"`
	PublishFailed uint64 `json:"publish_failed"`
	Injected      uint64 `json:"injected"`
	Rejected      uint64 `json:"rejected"`
}

// Module mirrors bus events to MQTT and injects MQTT events into the bus.
type Module struct {
	client   Client
	topics   mqtt.Topics
	qos      byte
	commands module.CommandTable

	svc host.Services
	now func() time.Time

	published     atomic.Uint64
	publishFailed atomic.Uint64
	injected      atomic.Uint64
	rejected      atomic.Uint64
}

// New creates an event mirror publishing through client under topics.
func New(client Client, topics mqtt.Topics, qos byte) *Module {
	m := &Module{
		client: client,
		topics: topics,
		qos:    qos,
		now:    time.Now,
	}
	m.commands = module.MustCommandTable(module.Command{
		Name: "stats",
		Handler: func(context.Context, module.Call) (any, error) {
			return m.Stats(), nil
		},
	})
	return m
}

// Name implements module.Module.
func (m *Module) Name() string { return Name }

// Commands implements module.Module.
func (m *Module) Commands() module.CommandTable { return m.commands }

// Attach implements host.Attacher. It subscribes to the inject topics.
func (m *Module) Attach(svc host.Services) error {
	if m.client == nil {
		return ErrNoClient
	}
	m.svc = svc
	if err := m.client.Subscribe(m.topics.AllInjects(), m.qos, m.handleInject); err != nil {
		return fmt.Errorf("subscribing to inject topics: %w", err)
	}
	return nil
}

// Close unsubscribes from the inject topics.
func (m *Module) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Unsubscribe(m.topics.AllInjects())
}

// HandleEvent implements module.EventHandler.
func (m *Module) HandleEvent(_ context.Context, req bus.Request) error {
	payload, err := json.Marshal(EventMessage{
		Event:     req.Event,
		From:      req.From,
		Params:    req.Params,
		DeviceID:  req.DeviceID,
		PeerInfo:  req.PeerInfo,
		Timestamp: m.now().UTC(),
	})
	if err != nil {
		m.publishFailed.Add(1)
		return fmt.Errorf("encoding event %s: %w", req.Event, err)
	}

	if err := m.client.Publish(m.topics.Event(req.Event), payload, m.qos, false); err != nil {
		m.publishFailed.Add(1)
		return fmt.Errorf("publishing event %s: %w", req.Event, err)
	}
	m.published.Add(1)
	return nil
}

// handleInject re-broadcasts an inject message as a bus event.
func (m *Module) handleInject(topic string, payload []byte) error {
	event := mqtt.LastSegment(topic)
	if event == "" {
		m.rejected.Add(1)
		return fmt.Errorf("%w: no event name in topic %s", ErrInvalidPayload, topic)
	}

	var msg InjectMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.rejected.Add(1)
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	req := bus.NewEvent(Name, event, msg.Params)
	req.DeviceID = msg.DeviceID

	// Events never wait for a response.
	if _, err := m.svc.Bus.Push(context.Background(), req, 0); err != nil {
		m.rejected.Add(1)
		return fmt.Errorf("injecting event %s: %w", event, err)
	}
	m.injected.Add(1)
	if m.svc.Logger != nil {
		m.svc.Logger.Debug("event injected", "event", event, "device_id", msg.DeviceID)
	}
	return nil
}

// Stats returns the current counters.
func (m *Module) Stats() Stats {
	return Stats{
		Published:     m.published.Load(),
		PublishFailed: m.publishFailed.Load(),
		Injected:      m.injected.Load(),
		Rejected:      m.rejected.Load(),
	}
}
