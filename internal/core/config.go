package core

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the server
// and its tools.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Port for the game protocol.
	Port int `mapstructure:"port"`
	// Maximum number of concurrent connections the server will allow.
	MaxConnections int `mapstructure:"max_connections"`
	// How long a player may take to move before the turn passes to the opponent.
	MoveTimeout time.Duration `mapstructure:"move_timeout"`
	// How often games are checked for expired moves.
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	// Deadline for each write to a client socket.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Bytes of an incomplete message held per connection before it is discarded.
	MaxBufferSize int `mapstructure:"max_buffer_size"`
	// How long the result of a finished game is kept in memory for spectators.
	RecentResultsTTL time.Duration `mapstructure:"recent_results_ttl"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Database struct {
		// One of sqlite, postgres or none.
		Engine string `mapstructure:"engine"`
		// SQLite database file, relative to the config directory.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to the database.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	WebSocket struct {
		// Port for browser clients. 0 disables the gateway.
		Port int `mapstructure:"port"`
		// HTTP path that upgrades to a WebSocket.
		Path string `mapstructure:"path"`
	} `mapstructure:"websocket"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		Enabled bool `mapstructure:"enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Dump every decoded client message to the log.
		MessageLoggingEnabled bool `mapstructure:"message_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`

	configDir string
}

const envVarPrefix = "CHESSD"

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("port", 5555)
	v.SetDefault("max_connections", 256)
	v.SetDefault("move_timeout", "60s")
	v.SetDefault("watchdog_interval", "1s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("max_buffer_size", 1000)
	v.SetDefault("recent_results_ttl", "10m")
	v.SetDefault("log_file_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("database.engine", "sqlite")
	v.SetDefault("database.filename", "chessd.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "chessd")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("websocket.port", 0)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("debugging.enabled", false)
	v.SetDefault("debugging.pprof_port", 4000)
	v.SetDefault("debugging.message_logging_enabled", false)
	v.SetDefault("debugging.database_logging_enabled", false)
}

// LoadConfig initializes Viper with the contents of the config file under
// configPath. A missing config file is not an error; the defaults and any
// CHESSD_* environment variables (including those in configPath/.env) apply.
func LoadConfig(configPath string) (*Config, error) {
	return loadConfig(viper.GetViper(), configPath)
}

func loadConfig(v *viper.Viper, configPath string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(configPath, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	if configPath == "" {
		configPath = "."
	}
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{configDir: configPath}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// ListenAddress is the address of the game protocol listener.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// WebSocketAddress is the address of the WebSocket gateway, or "" if the
// gateway is disabled.
func (c *Config) WebSocketAddress() string {
	if c.WebSocket.Port <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Hostname, c.WebSocket.Port)
}

// QualifiedPath resolves file relative to the directory the config was loaded
// from. Absolute paths are returned unchanged.
func (c *Config) QualifiedPath(file string) string {
	if filepath.IsAbs(file) || c.configDir == "" {
		return file
	}
	return filepath.Join(c.configDir, file)
}
