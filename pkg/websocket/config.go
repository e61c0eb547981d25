package websocket

import (
	"fmt"
	"strings"
	"time"

	"WalkGuard/pkg/util"
)

type Config struct {
	MaxConnections      int64
	HeartbeatInterval   time.Duration
	ConnectionTimeout   time.Duration
	MessageBufferSize   int
	MessageQueueSize    int
	ReadBufferSize      int
	WriteBufferSize     int
	MaxMessageSize      int
	EnableCompression   bool
	CloseOnBackpressure bool
	// empty allows any origin
	AllowedOrigins []string
}

func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    10000,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 60 * time.Second,
		MessageBufferSize: 256,
		MessageQueueSize:  1000,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		MaxMessageSize:    512,
		EnableCompression: false,
	}
}

func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	if v := util.GetIntEnv(EnvWebSocketMaxConnections); v > 0 {
		config.MaxConnections = v
	}
	config.HeartbeatInterval = util.GetDurationEnv(EnvWebSocketHeartbeatInterval, config.HeartbeatInterval)
	config.ConnectionTimeout = util.GetDurationEnv(EnvWebSocketConnectionTimeout, config.ConnectionTimeout)
	if v := util.GetIntEnv(EnvWebSocketMessageBufferSize); v > 0 {
		config.MessageBufferSize = int(v)
	}
	if v := util.GetIntEnv(EnvWebSocketMessageQueueSize); v > 0 {
		config.MessageQueueSize = int(v)
	}
	if v := util.GetIntEnv(EnvWebSocketMaxMessageSize); v > 0 {
		config.MaxMessageSize = int(v)
	}
	config.EnableCompression = util.GetBoolEnv(EnvWebSocketEnableCompression)
	config.CloseOnBackpressure = util.GetBoolEnv(EnvWebSocketCloseOnBackpressure)
	if v := util.GetEnv(EnvWebSocketAllowedOrigins); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, o)
			}
		}
	}
	return config
}

func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("websocket config is nil")
	}
	if config.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if config.HeartbeatInterval <= 0 || config.ConnectionTimeout <= 0 {
		return fmt.Errorf("heartbeat interval and connection timeout must be positive")
	}
	if config.HeartbeatInterval >= config.ConnectionTimeout {
		return fmt.Errorf("heartbeat interval must be shorter than connection timeout")
	}
	if config.MessageBufferSize <= 0 || config.MessageQueueSize <= 0 {
		return fmt.Errorf("buffer sizes must be positive")
	}
	if config.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}
	return nil
}
