package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
)

const (
	// defaultConnectTimeout bounds the initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout bounds publish, subscribe and unsubscribe acknowledgements.
	defaultOperationTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time given to pending work on disconnect, in milliseconds.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// Status values and reasons carried on <prefix>/system/status.
const (
	statusOnline  = "online"
	statusOffline = "offline"

	reasonGraceful   = "graceful_shutdown"
	reasonUnexpected = "unexpected_disconnect"
)

// Status is the retained document on the system status topic.
type Status struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// statusPayload encodes a Status stamped with the current UTC time.
func statusPayload(status, clientID, reason string) []byte {
	payload, err := json.Marshal(Status{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// Status has only string fields.
		panic(err)
	}
	return payload
}

// buildClientOptions maps the hub configuration onto paho options: broker
// URL (ssl:// with TLS), client ID, optional credentials, clean session and
// auto-reconnect with the configured backoff bounds.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// configureLWT registers the retained offline status the broker publishes
// if the hub drops off without closing.
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics, clientID string) {
	opts.SetBinaryWill(topics.SystemStatus(), statusPayload(statusOffline, clientID, reasonUnexpected), 1, true)
}

// waitToken waits for a paho token and wraps any failure in base.
func waitToken(token pahomqtt.Token, timeout time.Duration, base error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", base, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", base, err)
	}
	return nil
}
