package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSTUN       = "stun:stun.l.google.com:19302"
	DefaultSignalURL  = "ws://localhost:8080"
	DefaultSocketPath = "/socket.io"
	// ProductionSocketPath is where the relay sits behind the production proxy.
	ProductionSocketPath = "/chat/socket.io"
)

// Config is the relay server configuration.
type Config struct {
	Port        string
	Environment string
	// Instance identifies this relay process in Redis. Restarting under the
	// same name drops the members the previous run admitted.
	Instance       string
	AllowedOrigins []string
	SocketPath     string
	MaxRoomMembers int
	RoomTTL        time.Duration
	Redis          RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))
	environment := getEnv("ENVIRONMENT", "development")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    environment,
		Instance:       getEnv("RELAY_INSTANCE", hostname()),
		AllowedOrigins: origins,
		SocketPath:     getEnv("SOCKET_PATH", socketPathFor(environment)),
		MaxRoomMembers: getEnvInt("ROOM_MAX_MEMBERS", 2),
		RoomTTL:        getEnvDuration("ROOM_TTL", 24*time.Hour),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
	}
}

// ClientConfig is everything a participant needs to reach the relay and its peer.
type ClientConfig struct {
	SignalURL    string
	SocketPath   string
	Subprotocols []string

	Reconnect         bool
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	Width  int
	Height int
}

// ClientOptions carries CLI flag overrides. Zero values fall through to the
// environment, then to defaults.
type ClientOptions struct {
	SignalURL    string
	SocketPath   string
	Subprotocols []string
	Reconnect    bool
	STUNServer   string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	Width        int
	Height       int
}

// LoadClient resolves client configuration with the priority
// flag > environment > default.
func LoadClient(opts ClientOptions) *ClientConfig {
	subprotocols := opts.Subprotocols
	if len(subprotocols) == 0 {
		subprotocols = splitList(os.Getenv("SIGNAL_SUBPROTOCOLS"))
	}

	return &ClientConfig{
		SignalURL:         pick(opts.SignalURL, "SIGNAL_URL", DefaultSignalURL),
		SocketPath:        pick(opts.SocketPath, "SOCKET_PATH", socketPathFor(os.Getenv("ENVIRONMENT"))),
		Subprotocols:      subprotocols,
		Reconnect:         opts.Reconnect || getEnvBool("SIGNAL_RECONNECT", false),
		ReconnectAttempts: getEnvInt("SIGNAL_RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getEnvDuration("SIGNAL_RECONNECT_DELAY", time.Second),
		STUNServer:        pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:        pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:          pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:          pick(opts.TURNPass, "TURN_PASSWORD", ""),
		Width:             pickInt(opts.Width, "VIDEO_WIDTH", 500),
		Height:            pickInt(opts.Height, "VIDEO_HEIGHT", 500),
	}
}

// GetSTUNServers returns STUN server URLs.
func (c *ClientConfig) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured.
func (c *ClientConfig) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		c.TURNServer + ":3478?transport=udp",
		c.TURNServer + ":3478?transport=tcp",
	}
}

func socketPathFor(environment string) string {
	if environment == "production" {
		return ProductionSocketPath
	}
	return DefaultSocketPath
}

func pick(flag, key, defaultValue string) string {
	if flag != "" {
		return flag
	}
	return getEnv(key, defaultValue)
}

func pickInt(flag int, key string, defaultValue int) int {
	if flag > 0 {
		return flag
	}
	return getEnvInt(key, defaultValue)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "relay"
	}
	return name
}
