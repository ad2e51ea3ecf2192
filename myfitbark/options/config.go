package options

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/scheduler"
)

const (
	CONFIG_NAME = "myfitbark"
	ENV_PREFIX  = "MYFITBARK"
)

// Configuration keys.
const (
	KeyBaseURL        = "fitbark.base_url"
	KeyCallbackURL    = "fitbark.callback_url"
	KeyRateLimit      = "fitbark.rate_limit"
	KeyTimeout        = "fitbark.timeout"
	KeyPollInterval   = "poll.interval"
	KeyGoalRefreshAt  = "poll.goal_refresh_at"
	KeyStatsRefreshAt = "poll.stats_refresh_at"
	KeyOwnedOnly      = "discovery.owned_only"
	KeyStoragePath    = "storage.path"
	KeyMqttBroker     = "mqtt.broker"
	KeyMqttTopic      = "mqtt.topic"
	KeyHttpPort       = "http.port"
	KeyMdnsPublish    = "mdns.publish"
)

const DefaultHttpPort = 8890

// ViperConfig is the process-wide configuration, shared by the command line and the daemon.
var ViperConfig = NewViper()

type Config struct {
	BaseURL        string                 `json:"base_url" yaml:"base_url"`
	CallbackURL    string                 `json:"callback_url" yaml:"callback_url"`
	RateLimit      int                    `json:"rate_limit" yaml:"rate_limit"`
	Timeout        time.Duration          `json:"timeout" yaml:"timeout"`
	PollInterval   myfitbark.PollInterval `json:"-" yaml:"-"`
	GoalRefreshAt  scheduler.TimeOfDay    `json:"-" yaml:"-"`
	StatsRefreshAt scheduler.TimeOfDay    `json:"-" yaml:"-"`
	OwnedOnly      bool                   `json:"owned_only" yaml:"owned_only"`
	StoragePath    string                 `json:"storage_path" yaml:"storage_path"`
	MqttBroker     string                 `json:"mqtt_broker,omitempty" yaml:"mqtt_broker,omitempty"`
	MqttTopic      string                 `json:"mqtt_topic" yaml:"mqtt_topic"`
	HttpPort       int                    `json:"http_port" yaml:"http_port"`
	MdnsPublish    bool                   `json:"mdns_publish" yaml:"mdns_publish"`
}

// NewViper returns a configuration with every default set, reading MYFITBARK_*
// environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyBaseURL, "https://app.fitbark.com")
	v.SetDefault(KeyCallbackURL, "")
	v.SetDefault(KeyRateLimit, 5)
	v.SetDefault(KeyTimeout, 30*time.Second)
	v.SetDefault(KeyPollInterval, myfitbark.DefaultPollInterval.Short())
	v.SetDefault(KeyGoalRefreshAt, "00:05")
	v.SetDefault(KeyStatsRefreshAt, "03:00")
	v.SetDefault(KeyOwnedOnly, false)
	v.SetDefault(KeyStoragePath, "myfitbark.db")
	v.SetDefault(KeyMqttBroker, "")
	v.SetDefault(KeyMqttTopic, "myfitbark")
	v.SetDefault(KeyHttpPort, DefaultHttpPort)
	v.SetDefault(KeyMdnsPublish, true)

	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags maps command line flags to configuration keys, e.g. "db" to "storage.path".
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := flags.Lookup(flag)
		if f == nil {
			return fmt.Errorf("no such flag: %s", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// ReadConfig reads the configuration file: the given one, or myfitbark.yaml searched in
// the working directory, $HOME/.config/myfitbark and /etc/myfitbark. A missing file
// is not an error unless it was given explicitly.
func ReadConfig(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: reading %s: %v", myfitbark.ErrUserInput, file, err)
		}
		return nil
	}
	v.SetConfigName(CONFIG_NAME)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", CONFIG_NAME))
	}
	v.AddConfigPath(filepath.Join("/etc", CONFIG_NAME))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", myfitbark.ErrUserInput, err)
	}
	return nil
}

// Load decodes and validates the configuration.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		BaseURL:     strings.TrimRight(v.GetString(KeyBaseURL), "/"),
		CallbackURL: v.GetString(KeyCallbackURL),
		RateLimit:   v.GetInt(KeyRateLimit),
		Timeout:     v.GetDuration(KeyTimeout),
		OwnedOnly:   v.GetBool(KeyOwnedOnly),
		StoragePath: v.GetString(KeyStoragePath),
		MqttBroker:  v.GetString(KeyMqttBroker),
		MqttTopic:   v.GetString(KeyMqttTopic),
		HttpPort:    v.GetInt(KeyHttpPort),
		MdnsPublish: v.GetBool(KeyMdnsPublish),
	}

	var err error
	if cfg.PollInterval, err = myfitbark.ParsePollInterval(v.GetString(KeyPollInterval)); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyPollInterval, err)
	}
	if cfg.GoalRefreshAt, err = scheduler.ParseTimeOfDay(v.GetString(KeyGoalRefreshAt)); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyGoalRefreshAt, err)
	}
	if cfg.StatsRefreshAt, err = scheduler.ParseTimeOfDay(v.GetString(KeyStatsRefreshAt)); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyStatsRefreshAt, err)
	}
	if cfg.HttpPort <= 0 || cfg.HttpPort > 65535 {
		return nil, fmt.Errorf("%w: %s: invalid port %d", myfitbark.ErrUserInput, KeyHttpPort, cfg.HttpPort)
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("%w: %s must not be negative", myfitbark.ErrUserInput, KeyRateLimit)
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = DefaultCallbackURL(cfg.HttpPort)
	}
	if u, err := url.Parse(cfg.CallbackURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %s: %q is not an absolute URL", myfitbark.ErrUserInput, KeyCallbackURL, cfg.CallbackURL)
	}
	return cfg, nil
}

// DefaultCallbackURL is the callback served by this host's daemon.
func DefaultCallbackURL(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d/oauth/callback", host, port)
}
