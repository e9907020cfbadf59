package config

import "time"

// Config is the top-level secrets-agent.yaml structure.
type Config struct {
	Secrets    SecretsConfig    `yaml:"secrets"`
	Server     ServerConfig     `yaml:"server"`
	History    HistoryConfig    `yaml:"history"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// SecretsConfig locates the KV v2 secret. The token is never read from the
// file, only from BAO_TOKEN or VAULT_TOKEN.
type SecretsConfig struct {
	Address         string        `yaml:"address"`
	Path            string        `yaml:"path"`
	Mount           string        `yaml:"mount,omitempty"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	LoadRetry       time.Duration `yaml:"load_retry,omitempty"`
	CACert          string        `yaml:"ca_cert,omitempty"`
	Credential      string        `yaml:"-"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// HistoryConfig enables recording published snapshots to Postgres.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig enables change notifications. An empty broker disables them.
type MQTTConfig struct {
	Broker   string `yaml:"broker,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
}

// KubernetesConfig enables mirroring the snapshot into a Secret.
type KubernetesConfig struct {
	Enabled    bool              `yaml:"enabled"`
	Namespace  string            `yaml:"namespace,omitempty"`
	SecretName string            `yaml:"secret_name,omitempty"`
	Kubeconfig string            `yaml:"kubeconfig,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty"`
}
