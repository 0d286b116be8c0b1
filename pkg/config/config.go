package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/slidebolt/plugin-shinobi/pkg/logging"
	"github.com/slidebolt/plugin-shinobi/pkg/logic"
)

const ConfigPathEnvVar = "SHINOBI_CONFIG"

var DefaultConfigPaths = []string{
	"shinobi.yaml",
	"shinobi.yml",
	"/etc/slidebolt/shinobi.yaml",
}

type Config struct {
	Host      string   `koanf:"host" validate:"required"`
	APIKey    string   `koanf:"api_key" validate:"required"`
	GroupKey  string   `koanf:"group_key" validate:"required"`
	SSL       bool     `koanf:"ssl"`
	Whitelist []string `koanf:"whitelist"`
	Blacklist []string `koanf:"blacklist"`

	PollInterval      time.Duration `koanf:"poll_interval" validate:"min=1s"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"min=100ms"`
	DiscoveryInterval time.Duration `koanf:"discovery_interval" validate:"min=0"`

	Platform PlatformConfig `koanf:"platform"`
	MQTT     MQTTConfig     `koanf:"mqtt"`
	HTTP     HTTPConfig     `koanf:"http"`
	Log      logging.Config `koanf:"log"`
}

// PlatformConfig selects how the plugin reaches the SlideBolt messenger.
// Under the manager the connection details arrive as a dependency message,
// otherwise NATSURL is dialed. With neither set the platform is not used.
type PlatformConfig struct {
	Managed           bool          `koanf:"managed"`
	NATSURL           string        `koanf:"nats_url" validate:"omitempty,url"`
	DependencyTimeout time.Duration `koanf:"dependency_timeout" validate:"min=1s"`
}

// Enabled reports whether cameras are published to the platform.
func (c PlatformConfig) Enabled() bool {
	return c.Managed || c.NATSURL != ""
}

// MQTTConfig configures the optional MQTT transport. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string        `koanf:"broker" validate:"omitempty,url"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	ClientID    string        `koanf:"client_id"`
	TopicPrefix string        `koanf:"topic_prefix" validate:"required"`
	QoS         byte          `koanf:"qos" validate:"max=2"`
	Timeout     time.Duration `koanf:"timeout" validate:"min=100ms"`
}

type HTTPConfig struct {
	// Listen is the address of the health and metrics server. Empty disables it.
	Listen string `koanf:"listen"`
}

func Default() *Config {
	return &Config{
		SSL:               false,
		Whitelist:         []string{},
		Blacklist:         []string{},
		PollInterval:      30 * time.Second,
		RequestTimeout:    logic.DefaultTimeout,
		DiscoveryInterval: 5 * time.Minute,
		Platform: PlatformConfig{
			DependencyTimeout: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "plugin-shinobi",
			TopicPrefix: "slidebolt/shinobi",
			QoS:         1,
			Timeout:     5 * time.Second,
		},
		HTTP: HTTPConfig{Listen: ":9468"},
		Log:  logging.DefaultConfig(),
	}
}

// Load layers defaults, the YAML file at path (or the first default path
// found) and SHINOBI_* / MQTT_* / LOG_* environment variables, then validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "load config file %s", path)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, errors.Wrap(err, "load environment")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var envMappings = map[string]string{
	"shinobi_host":               "host",
	"shinobi_api_key":            "api_key",
	"shinobi_group_key":          "group_key",
	"shinobi_ssl":                "ssl",
	"shinobi_whitelist":          "whitelist",
	"shinobi_blacklist":          "blacklist",
	"shinobi_poll_interval":      "poll_interval",
	"shinobi_request_timeout":    "request_timeout",
	"shinobi_discovery_interval": "discovery_interval",
	"shinobi_http_listen":        "http.listen",
	"shinobi_managed":            "platform.managed",
	"shinobi_nats_url":           "platform.nats_url",
	"mqtt_broker":                "mqtt.broker",
	"mqtt_username":              "mqtt.username",
	"mqtt_password":              "mqtt.password",
	"mqtt_client_id":             "mqtt.client_id",
	"mqtt_topic_prefix":          "mqtt.topic_prefix",
	"log_level":                  "log.level",
	"log_format":                 "log.format",
}

var listKeys = map[string]bool{"whitelist": true, "blacklist": true}

// envTransform maps known variables to config keys and drops the rest.
// Lists are comma separated.
func envTransform(key, value string) (string, interface{}) {
	k := envMappings[strings.ToLower(key)]
	if k == "" || !listKeys[k] {
		return k, value
	}
	items := []string{}
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return k, items
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return errors.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// ServerOrigin is the scheme and host of the Shinobi server.
func (c *Config) ServerOrigin() string {
	scheme := "http"
	if c.SSL {
		scheme = "https"
	}
	return scheme + "://" + c.Host
}

func (c *Config) ClientConfig() logic.ClientConfig {
	return logic.ClientConfig{
		ServerOrigin: c.ServerOrigin(),
		APIKey:       c.APIKey,
		GroupKey:     c.GroupKey,
		Timeout:      c.RequestTimeout,
	}
}

func (c *Config) FilterRule() logic.FilterRule {
	return logic.FilterRule{Allowlist: c.Whitelist, Denylist: c.Blacklist}
}
