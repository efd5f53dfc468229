package bridge

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	kjson "github.com/knadh/koanf/parsers/json"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kfn "github.com/knadh/koanf/v2"
)

// EnvConfigPath names the environment variable that supplies the bridge
// config path when no explicit path is given.
const EnvConfigPath = "BRIDGE_CONFIG"

// BrokerConfig describes one broker endpoint, keyed by instance name.
type BrokerConfig struct {
	URL string `koanf:"url" validate:"required"`
}

// BridgeConfig wires named broker instances into one fabric. The
// connection settings live here, not per broker: every endpoint of a
// bridge is the same logical client replicated, so client-id,
// credentials and will are shared across its endpoints.
type BridgeConfig struct {
	Name           string   `koanf:"name" validate:"required"`
	Endpoints      []string `koanf:"endpoints" validate:"required,min=2"`
	Topics         []string `koanf:"topics"`
	QoS            uint8    `koanf:"qos" validate:"max=2"`
	LoopPrevention bool     `koanf:"loop_prevention"`
	ClientID       string   `koanf:"client_id"`
	Username       string   `koanf:"username"`
	Password       string   `koanf:"password"`
	KeepAlive      uint16   `koanf:"keep_alive"`
	WillTopic      string   `koanf:"will_topic"`
	WillMessage    string   `koanf:"will_message"`
	WillQoS        uint8    `koanf:"will_qos" validate:"max=2"`
	WillRetain     bool     `koanf:"will_retain"`
}

// Config is the bridge definition file.
type Config struct {
	Brokers map[string]BrokerConfig `koanf:"brokers" validate:"required,min=1"`
	Bridges []BridgeConfig          `koanf:"bridges" validate:"required,min=1,dive"`
}

// LoadConfig reads the JSON bridge definition from path, falling back
// to $BRIDGE_CONFIG when path is empty. Environment variables with the
// BRIDGE_ prefix override file keys (double underscore nests).
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, fmt.Errorf("bridge: no config path given and %s is unset", EnvConfigPath)
	}

	k := kfn.New(".")
	if err := k.Load(kfile.Provider(path), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("bridge: load config: %w", err)
	}
	const prefix = "BRIDGE_"
	_ = k.Load(kenv.Provider(prefix, ".", func(s string) string {
		if s == EnvConfigPath {
			return "" // the path variable is not a config key
		}
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "__", ".")
	}), nil)

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("bridge: unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("bridge: invalid config: %w", err)
	}
	for _, bc := range cfg.Bridges {
		for _, name := range bc.Endpoints {
			if _, ok := cfg.Brokers[name]; !ok {
				return nil, fmt.Errorf("bridge: %q references unknown broker instance %q", bc.Name, name)
			}
		}
	}
	return cfg, nil
}
