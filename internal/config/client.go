package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig configures the chat client SDK and CLI.
type ClientConfig struct {
	Server struct {
		WSURL  string `mapstructure:"ws_url"`
		APIURL string `mapstructure:"api_url"`
	} `mapstructure:"server"`

	Reconnect struct {
		MaxAttempts      int           `mapstructure:"max_attempts"`
		InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff       time.Duration `mapstructure:"max_backoff"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	} `mapstructure:"reconnect"`

	Chat struct {
		TypingIdle time.Duration `mapstructure:"typing_idle"`
		PageSize   int           `mapstructure:"page_size"`
	} `mapstructure:"chat"`
}

// LoadClientConfig reads configs/client.yaml (or path, when set) and
// TUTORCHAT_* environment overrides. A missing file is not an error.
func LoadClientConfig(path string) (*ClientConfig, error) {
	v := viper.New()
	v.SetDefault("server.ws_url", "ws://localhost:8082/ws")
	v.SetDefault("server.api_url", "http://localhost:8082/api")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.initial_backoff", time.Second)
	v.SetDefault("reconnect.max_backoff", 5*time.Second)
	v.SetDefault("reconnect.handshake_timeout", 20*time.Second)
	v.SetDefault("chat.typing_idle", time.Second)
	v.SetDefault("chat.page_size", 20)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./configs")
		v.SetConfigName("client")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TUTORCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read client config: %w", err)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode client config: %w", err)
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		return nil, fmt.Errorf("reconnect.max_attempts must be positive")
	}
	return &cfg, nil
}
