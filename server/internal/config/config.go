package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kvhub/kvhub/pkg/types"
	"github.com/kvhub/kvhub/server/internal/render"
	"github.com/kvhub/kvhub/server/internal/session"
)

// Default values for the server configuration.
const (
	DefaultAddress        = "0.0.0.0"
	DefaultMask           = "*"
	DefaultMaxQueue       = session.DefaultMaxQueue
	DefaultEventQueue     = 1024
	DefaultRPCTimeout     = 5 * time.Second
	DefaultRPCMaxTimeout  = 60 * time.Second
	DefaultHTTPAddress    = "0.0.0.0:7780"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultLineEnding     = "lf"
	DefaultEncoding       = session.EncodingUTF8
	DefaultTimestampStyle = "none"
)

// Config is the whole kvhub configuration file.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	ClientOptions ClientOptionsConfig `yaml:"client_options"`
	HTTP          HTTPConfig          `yaml:"http"`
	Health        HealthConfig        `yaml:"health"`
	Preload       PreloadConfig       `yaml:"preload"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig holds the settings of the primary hub and its mirrors.
type ServerConfig struct {
	Binding Binding `yaml:"binding"`

	// NotificationMask is the mask every new connection starts with.
	NotificationMask string `yaml:"notification_mask"`

	// AutoCreateOnRetrieve stores the default value of "key?=value" when the
	// key does not exist yet.
	AutoCreateOnRetrieve bool `yaml:"auto_create_on_retrieve"`

	// DisabledFeatures names session command groups whose commands are
	// dropped without an answer.
	DisabledFeatures []string `yaml:"disabled_features"`

	MaxQueue   int `yaml:"max_queue"`
	EventQueue int `yaml:"event_queue"`

	RPC     RPCConfig      `yaml:"rpc"`
	Mirrors []MirrorConfig `yaml:"mirrors"`
}

// Binding is a listen address split the way the file spells it.
type Binding struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// String returns the binding in host:port form.
func (b Binding) String() string {
	return net.JoinHostPort(b.Address, strconv.Itoa(b.Port))
}

// RPCConfig bounds how long a caller waits for a provider.
type RPCConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// MirrorConfig is an extra listener sharing the primary hub's state.
type MirrorConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Binding          Binding `yaml:"binding"`
	NotificationMask string  `yaml:"notification_mask"`
}

// ClientOptionsConfig holds the options a fresh connection starts with.
type ClientOptionsConfig struct {
	RetrieveNonExisting bool   `yaml:"retrieve_non_existing"`
	LineEnding          string `yaml:"line_ending"`
	RegexMode           bool   `yaml:"regex_mode"`
	Encoding            string `yaml:"encoding"`
	Timestamp           string `yaml:"timestamp"`
}

// Session converts the section into session options.
func (c ClientOptionsConfig) Session() session.Options {
	return session.Options{
		RetrieveNonExisting: c.RetrieveNonExisting,
		LineEnding:          c.LineEnding,
		RegexMode:           c.RegexMode,
		Encoding:            c.Encoding,
	}
}

// TimestampFormat returns the parsed timestamp style.
func (c ClientOptionsConfig) TimestampFormat() render.Format {
	f, _ := render.ParseFormat(c.Timestamp)
	return f
}

// HTTPConfig controls the REST API and WebSocket bridge.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// HealthConfig controls the gRPC health endpoint. An empty address disables it.
type HealthConfig struct {
	GRPCAddress string `yaml:"grpc_address"`
}

// PreloadConfig names a file imported into the dictionary at startup.
type PreloadConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// SlogLevel returns the configured level. Unknown names map to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Load reads and parses the config file at path. An empty path yields the
// defaults. Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Binding:          Binding{Address: DefaultAddress, Port: types.DefaultPort},
			NotificationMask: DefaultMask,
			MaxQueue:         DefaultMaxQueue,
			EventQueue:       DefaultEventQueue,
			RPC: RPCConfig{
				DefaultTimeout: DefaultRPCTimeout,
				MaxTimeout:     DefaultRPCMaxTimeout,
			},
		},
		ClientOptions: ClientOptionsConfig{
			LineEnding: DefaultLineEnding,
			Encoding:   DefaultEncoding,
			Timestamp:  DefaultTimestampStyle,
		},
		HTTP: HTTPConfig{Address: DefaultHTTPAddress},
		Log:  LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Validate checks structural constraints, for configs assembled in code.
func (c *Config) Validate() error {
	return validate(c)
}

func validate(cfg *Config) error {
	if err := validateBinding("server.binding", cfg.Server.Binding); err != nil {
		return err
	}
	for i, m := range cfg.Server.Mirrors {
		if !m.Enabled {
			continue
		}
		if err := validateBinding(fmt.Sprintf("server.mirrors[%d].binding", i), m.Binding); err != nil {
			return err
		}
	}
	for _, f := range cfg.Server.DisabledFeatures {
		if !slices.Contains(session.Features, f) {
			return fmt.Errorf("server.disabled_features: unknown feature %q: want one of %s",
				f, strings.Join(session.Features, "|"))
		}
	}
	if cfg.Server.MaxQueue <= 0 {
		return fmt.Errorf("server.max_queue must be positive")
	}
	if cfg.Server.EventQueue <= 0 {
		return fmt.Errorf("server.event_queue must be positive")
	}
	if cfg.Server.RPC.DefaultTimeout <= 0 {
		return fmt.Errorf("server.rpc.default_timeout must be positive")
	}
	if cfg.Server.RPC.MaxTimeout < 0 {
		return fmt.Errorf("server.rpc.max_timeout must not be negative")
	}
	if m := cfg.Server.RPC.MaxTimeout; m > 0 && m < cfg.Server.RPC.DefaultTimeout {
		return fmt.Errorf("server.rpc.max_timeout %v is below default_timeout %v", m, cfg.Server.RPC.DefaultTimeout)
	}

	if err := cfg.ClientOptions.Session().Validate(); err != nil {
		return fmt.Errorf("client_options: %w", err)
	}
	if _, ok := render.ParseFormat(cfg.ClientOptions.Timestamp); !ok {
		return fmt.Errorf("client_options.timestamp %q unknown: want none|abs|rel", cfg.ClientOptions.Timestamp)
	}

	if cfg.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(cfg.HTTP.Address); err != nil {
			return fmt.Errorf("http.address %q: %w", cfg.HTTP.Address, err)
		}
	}
	if a := cfg.Health.GRPCAddress; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("health.grpc_address %q: %w", a, err)
		}
	}

	switch cfg.Log.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format %q unknown: want json|text", cfg.Log.Format)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	return nil
}

func validateBinding(field string, b Binding) error {
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("%s.port %d is out of range [1, 65535]", field, b.Port)
	}
	return nil
}
