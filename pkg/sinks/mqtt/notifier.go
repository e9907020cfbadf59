// Package mqtt publishes secrets change events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secrets-hub/pkg/secrets"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	// Snapshot keys holding optional broker credentials.
	KeyUsername = "mqtt:username"
	KeyPassword = "mqtt:password"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Options configures the broker connection.
type Options struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	// Path is reported in every event so subscribers can tell secrets apart.
	Path string
}

// Event is the JSON payload. It never carries secret values.
type Event struct {
	Path       string    `json:"path"`
	Generation uint64    `json:"generation"`
	FetchedAt  time.Time `json:"fetched_at"`
	Keys       int       `json:"keys"`
	Added      []string  `json:"added"`
	Removed    []string  `json:"removed"`
	Updated    []string  `json:"updated"`
}

// publisher is the slice of paho.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Notifier publishes one Event per changed snapshot.
type Notifier struct {
	client publisher
	opts   Options
	logger *slog.Logger
}

// Connect dials the broker. Credentials are read from lookup under
// KeyUsername and KeyPassword when present.
func Connect(ctx context.Context, opts Options, lookup secrets.Lookup, logger *slog.Logger) (*Notifier, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker must not be empty")
	}
	if opts.Topic == "" {
		return nil, errors.New("mqtt topic must not be empty")
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	if user := lookup.Lookup(KeyUsername, ""); user != "" {
		co.SetUsername(user)
		co.SetPassword(lookup.Lookup(KeyPassword, ""))
	}

	client := paho.NewClient(co)
	if err := wait(ctx, client.Connect(), connectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt_connect_failed: %w", err)
	}

	return newNotifier(client, opts, logger), nil
}

func newNotifier(client publisher, opts Options, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client: client,
		opts:   opts,
		logger: logger.With("component", "sinks.mqtt", "topic", opts.Topic),
	}
}

// Notify publishes change. Unchanged snapshots are skipped.
func (n *Notifier) Notify(ctx context.Context, change secrets.Change) error {
	if !change.Changed() {
		return nil
	}

	payload, err := json.Marshal(Event{
		Path:       n.opts.Path,
		Generation: change.Generation,
		FetchedAt:  change.FetchedAt.UTC(),
		Keys:       change.Snapshot.Len(),
		Added:      nonNil(change.Added),
		Removed:    nonNil(change.Removed),
		Updated:    nonNil(change.Updated),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := wait(ctx, n.client.Publish(n.opts.Topic, n.opts.QoS, false, payload), publishTimeout); err != nil {
		return fmt.Errorf("mqtt_publish_failed: %w", err)
	}
	n.logger.Debug("change_published", "generation", change.Generation)
	return nil
}

// Listener adapts Notify for Provider.OnChange. Failures are logged.
func (n *Notifier) Listener(ctx context.Context) secrets.Listener {
	return func(change secrets.Change) {
		if err := n.Notify(ctx, change); err != nil {
			n.logger.Warn("change_publish_failed", "generation", change.Generation, "error", err)
		}
	}
}

// Close disconnects from the broker.
func (n *Notifier) Close() {
	n.client.Disconnect(250)
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
