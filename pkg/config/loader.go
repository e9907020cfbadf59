package config

import (
	"fmt"
	"os"
	"time"

	"secrets-hub/pkg/secrets"

	"gopkg.in/yaml.v3"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Secrets: SecretsConfig{
			Mount:     secrets.DefaultMount,
			Timeout:   secrets.DefaultTimeout,
			LoadRetry: time.Minute,
		},
		Server: ServerConfig{Addr: ":8086"},
		MQTT: MQTTConfig{
			Topic:    "secrets-hub/changes",
			ClientID: "secrets-agent",
			QoS:      1,
		},
		Kubernetes: KubernetesConfig{Namespace: "default"},
	}
}

// Load reads the agent YAML file at path, applies environment overrides and
// validates the result. An empty path uses Default plus the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables on cfg. The secrets section uses
// the same variables as secrets.Options.OverlayEnv, so BAO_* wins over VAULT_*.
func (c *Config) ApplyEnv() error {
	o, err := c.SecretsOptions().OverlayEnv()
	if err != nil {
		return err
	}
	c.Secrets.Address = o.Address
	c.Secrets.Credential = o.Credential
	c.Secrets.CACert = o.CACert
	c.Secrets.Path = o.Path
	c.Secrets.Mount = o.Mount
	c.Secrets.RefreshInterval = o.RefreshInterval
	c.Secrets.Timeout = o.Timeout

	setString(&c.Server.Addr, "SECRETS_AGENT_ADDR")
	setString(&c.MQTT.Broker, "MQTT_BROKER")
	setString(&c.Kubernetes.Namespace, "K8S_NAMESPACE")
	return nil
}

// Validate checks that a Config has all required fields and valid values.
// The secrets section itself is validated by secrets.NewOptions.
func Validate(cfg *Config) error {
	if _, err := secrets.NewOptions(cfg.SecretsOptions()); err != nil {
		return err
	}
	if cfg.Secrets.LoadRetry < 0 {
		return fmt.Errorf("secrets.load_retry must not be negative")
	}
	if cfg.Server.Addr == "" {
		return fmt.Errorf("missing required field: server.addr")
	}
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topic == "" {
			return fmt.Errorf("mqtt: missing required field: topic")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
		}
	}
	if cfg.Kubernetes.Enabled {
		if cfg.Kubernetes.SecretName == "" {
			return fmt.Errorf("kubernetes: missing required field: secret_name")
		}
		if cfg.Kubernetes.Namespace == "" {
			return fmt.Errorf("kubernetes: missing required field: namespace")
		}
	}
	return nil
}

// SecretsOptions converts the secrets section to provider options.
func (c *Config) SecretsOptions() secrets.Options {
	return secrets.Options{
		Address:         c.Secrets.Address,
		Credential:      c.Secrets.Credential,
		Path:            c.Secrets.Path,
		Mount:           c.Secrets.Mount,
		CACert:          c.Secrets.CACert,
		RefreshInterval: c.Secrets.RefreshInterval,
		Timeout:         c.Secrets.Timeout,
	}
}

func setString(dst *string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}
