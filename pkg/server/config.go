package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig is the on-disk configuration file layout.
type TOMLConfig struct {
	Server TOMLServerSection `toml:"server"`
	Limits TOMLLimitsSection `toml:"limits"`
	Redis  TOMLRedisSection  `toml:"redis"`
	Store  TOMLStoreSection  `toml:"store"`
	Queues TOMLQueuesSection `toml:"queues"`
	Auth   TOMLAuthSection   `toml:"auth"`
}

type TOMLServerSection struct {
	TCPPort     int `toml:"tcp_port"`
	WSPort      int `toml:"ws_port"`      // 0 disables the WebSocket listener
	MetricsPort int `toml:"metrics_port"` // 0 disables the metrics listener
}

type TOMLLimitsSection struct {
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
}

type TOMLRedisSection struct {
	Addrs      []string `toml:"addrs"`
	MasterName string   `toml:"master_name"`
	Username   string   `toml:"username"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
}

type TOMLStoreSection struct {
	// Backend selects the history store driver: "sqlite", "dynamo" or
	// "memory".
	Backend      string `toml:"backend"`
	SQLitePath   string `toml:"sqlite_path"`
	DynamoRegion string `toml:"dynamo_region"`
	DynamoPrefix string `toml:"dynamo_prefix"`
	// PersistMessages writes published envelopes to the history store
	// from this process. Disable when a queue consumer owns persistence.
	PersistMessages bool `toml:"persist_messages"`
}

type TOMLQueuesSection struct {
	Region            string `toml:"region"`
	NotificationQueue string `toml:"notification_queue"`
	AuditQueue        string `toml:"audit_queue"`
}

type TOMLAuthSection struct {
	// Mode is "token" (bcrypt token table) or "insecure" (trust the
	// declared user_id; dev only).
	Mode string `toml:"mode"`
	// Tokens maps user id to a bcrypt hash of that user's token.
	Tokens map[string]string `toml:"tokens"`
}

// DefaultTOMLConfig returns the configuration written on first run.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: TOMLServerSection{
			TCPPort:     6464,
			WSPort:      0,
			MetricsPort: 9464,
		},
		Limits: TOMLLimitsSection{
			IdleTimeoutSeconds: 300,
		},
		Redis: TOMLRedisSection{
			Addrs: []string{"localhost:6379"},
		},
		Store: TOMLStoreSection{
			Backend:         "sqlite",
			SQLitePath:      "~/.chatrelay/history.db",
			DynamoRegion:    "ap-northeast-1",
			DynamoPrefix:    "Chatrelay",
			PersistMessages: true,
		},
		Queues: TOMLQueuesSection{
			Region:            "ap-northeast-1",
			NotificationQueue: "chatrelay-notifications",
			AuditQueue:        "chatrelay-audit",
		},
		Auth: TOMLAuthSection{
			Mode: "insecure",
		},
	}
}

// LoadConfig loads the TOML file at path, writing defaults if it does not
// exist yet.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(expanded, config); err != nil {
			// Unable to persist defaults (read-only dir); still run.
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config %s: %w", expanded, err)
	}
	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(config)
}

// ExpandPath resolves a leading ~/ against the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

// Config is the runtime configuration consumed by the Server.
type Config struct {
	TCPPort           int
	WSPort            int
	IdleTimeout       time.Duration
	NotificationQueue string
	AuditQueue        string
	PersistMessages   bool
}

// ToServerConfig converts the file layout into runtime settings.
func (c TOMLConfig) ToServerConfig() Config {
	return Config{
		TCPPort:           c.Server.TCPPort,
		WSPort:            c.Server.WSPort,
		IdleTimeout:       time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second,
		NotificationQueue: c.Queues.NotificationQueue,
		AuditQueue:        c.Queues.AuditQueue,
		PersistMessages:   c.Store.PersistMessages,
	}
}
