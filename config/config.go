// Package config loads an irisd node's runtime configuration: its bind
// address, coordinator endpoints, registry/event backend selection, and
// retry budgets. Grounded on cmd/cmd/root.go + cmd/cmd/serve.go's viper
// wiring: a config file path read via a cobra persistent flag, merged
// with environment overrides, then unmarshalled into a typed struct.
package config

import (
	"fmt"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// CoordinatorConfig configures the etcd client patterns/leader,
// patterns/partition, and registry/etcd.go dial against.
type CoordinatorConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RegistryConfig selects and configures a registry.Registry backend.
type RegistryConfig struct {
	Backend   string `mapstructure:"backend"` // "etcd" or "k8s"
	Prefix    string `mapstructure:"prefix"`   // etcd key prefix
	Namespace string `mapstructure:"namespace"`
	InCluster bool   `mapstructure:"in_cluster"`
}

// EventsConfig selects and configures an events.System backend.
type EventsConfig struct {
	Backend string `mapstructure:"backend"` // "inproc", "pubsub", "kafka", "sqs", "redis"

	PubSub struct {
		ProjectID        string `mapstructure:"project_id"`
		Topic            string `mapstructure:"topic"`
		SubscriptionName string `mapstructure:"subscription_name"`
	} `mapstructure:"pubsub"`

	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		GroupID string   `mapstructure:"group_id"`
	} `mapstructure:"kafka"`

	SQS struct {
		Region   string `mapstructure:"region"`
		QueueURL string `mapstructure:"queue_url"`
	} `mapstructure:"sqs"`

	Redis struct {
		Address string `mapstructure:"address"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`
}

// StatsConfig optionally enables a container/monitor.go storage sink.
type StatsConfig struct {
	Backend   string `mapstructure:"backend"` // "", "cassandra"
	Cassandra struct {
		Hosts    []string `mapstructure:"hosts"`
		Keyspace string   `mapstructure:"keyspace"`
		Table    string   `mapstructure:"table"`
	} `mapstructure:"cassandra"`
}

// Config is an irisd node's full runtime configuration.
type Config struct {
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`

	BindMaxRetries int           `mapstructure:"bind_max_retries"`
	BindRetryDelay time.Duration `mapstructure:"bind_retry_delay"`

	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Events      EventsConfig      `mapstructure:"events"`
	Stats       StatsConfig       `mapstructure:"stats"`

	ManifestPath string `mapstructure:"manifest_path"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("ip", "0.0.0.0")
	v.SetDefault("bind_max_retries", 2)
	v.SetDefault("bind_retry_delay", time.Second)
	v.SetDefault("registry.backend", "etcd")
	v.SetDefault("registry.prefix", "/iris/services")
	v.SetDefault("events.backend", "inproc")
	v.SetDefault("coordinator.dial_timeout", 5*time.Second)
}

// Load reads cfgFile (or $HOME/.irisd.yaml if empty), applies IRIS_*
// environment overrides via viper.AutomaticEnv, and decodes into Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	defaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigName(".irisd")
	}

	v.SetEnvPrefix("IRIS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
