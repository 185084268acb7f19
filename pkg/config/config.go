package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/chorus/pkg/client"
	"github.com/go-go-golems/chorus/pkg/generation"
	"github.com/go-go-golems/chorus/pkg/registry"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "chorus"
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 5 * time.Minute
)

type Hydration struct {
	Attempts uint          `mapstructure:"attempts" yaml:"attempts"`
	Delay    time.Duration `mapstructure:"delay" yaml:"delay"`
}

// Settings are the client-side knobs shared by all chorus commands.
type Settings struct {
	BaseURL      string        `mapstructure:"base-url" yaml:"base-url"`
	APIKey       string        `mapstructure:"api-key" yaml:"api-key"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Hydration    Hydration     `mapstructure:"hydration" yaml:"hydration"`
	RegistryFile string        `mapstructure:"registry-file" yaml:"registry-file"`
	MetricsAddr  string        `mapstructure:"metrics-addr" yaml:"metrics-addr"`
}

func Defaults() *Settings {
	return &Settings{
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
		Hydration: Hydration{
			Attempts: generation.DefaultHydrationAttempts,
			Delay:    generation.DefaultHydrationDelay,
		},
	}
}

// AddFlags declares the settings as persistent flags.
func AddFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("base-url", d.BaseURL, "Base URL of the chat server")
	fs.String("api-key", "", "Bearer token sent with every request")
	fs.Duration("timeout", d.Timeout, "Timeout for a whole request, streams included")
	fs.Uint("hydration-attempts", d.Hydration.Attempts, "Fetch attempts when reconciling a confirmed user message")
	fs.Duration("hydration-delay", d.Hydration.Delay, "Delay between hydration attempts")
	fs.String("registry-file", "", "YAML file with assistant and model presentation metadata")
	fs.String("metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
}

// BindFlags maps the flags declared by AddFlags onto v, nesting the hydration keys.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	keys := map[string]string{
		"base-url":           "base-url",
		"api-key":            "api-key",
		"timeout":            "timeout",
		"hydration-attempts": "hydration.attempts",
		"hydration-delay":    "hydration.delay",
		"registry-file":      "registry-file",
		"metrics-addr":       "metrics-addr",
	}
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "could not bind flag %s", flag)
		}
	}
	return nil
}

// InitViper sets up env lookups and reads the first config file found.
// configFile overrides the search path.
func InitViper(v *viper.Viper, configFile string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.chorus")
		if xdg, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(xdg + "/chorus")
		}
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	}
	return err
}

// LoadDotEnv loads .env files into the process environment, keeping
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "could not load %s", f)
		}
	}
	return nil
}

func FromViper(v *viper.Viper) (*Settings, error) {
	s := Defaults()
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return errors.Wrapf(err, "invalid base-url %q", s.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("base-url %q must be http or https", s.BaseURL)
	}
	if s.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if s.Hydration.Attempts == 0 {
		return errors.New("hydration.attempts must be at least 1")
	}
	if s.Hydration.Delay < 0 {
		return errors.New("hydration.delay must not be negative")
	}
	return nil
}

func (s *Settings) ClientOptions() []client.Option {
	ret := []client.Option{client.WithTimeout(s.Timeout)}
	if s.APIKey != "" {
		ret = append(ret, client.WithAPIKey(s.APIKey))
	}
	return ret
}

func (s *Settings) NewClient() (*client.Client, error) {
	return client.New(s.BaseURL, s.ClientOptions()...)
}

func (s *Settings) HydratorOptions() []generation.HydratorOption {
	return []generation.HydratorOption{
		generation.WithHydrationAttempts(s.Hydration.Attempts),
		generation.WithHydrationDelay(s.Hydration.Delay),
	}
}

// Registry loads RegistryFile, or returns an empty registry when unset.
func (s *Settings) Registry() (*registry.InMemoryRegistry, error) {
	if s.RegistryFile == "" {
		return registry.NewInMemoryRegistry()
	}
	return registry.LoadFile(s.RegistryFile)
}

func (s *Settings) MarshalZerologObject(e *zerolog.Event) {
	e.Str("base_url", s.BaseURL)
	e.Bool("api_key_set", s.APIKey != "")
	e.Dur("timeout", s.Timeout)
	e.Uint("hydration_attempts", s.Hydration.Attempts)
	e.Dur("hydration_delay", s.Hydration.Delay)
	e.Str("registry_file", s.RegistryFile)
	e.Str("metrics_addr", s.MetricsAddr)
}
