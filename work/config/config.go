package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/regexp"
	"gopkg.in/yaml.v3"

	"mixreplace/work/types"
)

// DefaultConfigPath is read when no path is given on the command line.
const DefaultConfigPath = "/settings/config.json"

// boundaryPattern accepts the characters RFC 2046 allows in a multipart boundary,
// excluding spaces so the value never needs quoting in the Content-Type header.
var boundaryPattern = regexp.MustCompile(`^[0-9A-Za-z'()+_,\-./:=?]{1,70}$`)

// Config holds all application configuration values for the media streaming daemon.
// It covers the raw-socket media server, the admin HTTP surface, history storage,
// and the frame sources that feed the server.
type Config struct {
	Port             int           // Media server port, 0 probes 9000-9999
	Boundary         string        // Multipart boundary token, empty generates one
	ContentType      string        // Content-Type announced for each frame
	ServerName       string        // Value of the Server response header
	FPS              int           // Frames per second sent to each client
	MaxClients       int           // Sessions allowed to stream at once
	RejectSlots      int           // Extra workers reserved for answering rejected clients
	HandshakeTimeout time.Duration // Time a client has to send its request
	WriteTimeout     time.Duration // Time a single frame write may block
	Debug            bool          // Enable debug logging
	LogLevel         string        // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls    bool          // Obfuscate stream tokens in logs
	SnapshotTTL      time.Duration // How long the latest frame stays available for snapshots
	Admin            AdminConfig
	History          HistoryConfig
	Access           AccessConfig
	Watchdog         WatchdogConfig
	Sources          []SourceConfig
}

// AdminConfig configures the HTTP admin, ingest and metrics endpoints.
type AdminConfig struct {
	Listen       string // Listen address, empty disables the admin server
	Username     string // Basic auth user for /api routes
	PasswordHash string // bcrypt hash of the basic auth password, empty disables auth
}

// HistoryConfig configures the SQLite session history store.
type HistoryConfig struct {
	Enabled   bool
	Path      string
	Retention time.Duration // Records older than this are pruned, 0 keeps everything
}

// AccessConfig filters clients of the media server by remote address.
type AccessConfig struct {
	Allow string // Regex a client address must match, empty allows all
	Deny  string // Regex that rejects a matching client address
}

// WatchdogConfig configures the media server watchdog.
type WatchdogConfig struct {
	Enabled     bool
	Interval    time.Duration // Time between health checks
	MaxFailures int           // Failed restarts before the watchdog gives up
}

// SourceConfig describes one producer feeding frames into the server.
type SourceConfig struct {
	Name    string        // Descriptive name, used in logs and metrics
	Type    string        // "directory" or "relay"
	Channel types.Channel // Channel the frames are offered on
	Path    string        // Directory of encoded frames (directory sources)
	URL     string        // Upstream mixed-replace stream (relay sources)
	FPS     int           // Production rate for directory sources
	Loop    bool          // Restart from the first frame after the last one
	Retry   time.Duration // Delay before a failed relay reconnects
}

// ConfigFile represents the on-disk structure. The same struct is decoded from
// JSON or YAML; durations are strings such as "10s" parsed later.
type ConfigFile struct {
	Port             int                `json:"port" yaml:"port"`
	Boundary         string             `json:"boundary" yaml:"boundary"`
	ContentType      string             `json:"contentType" yaml:"contentType"`
	ServerName       string             `json:"serverName" yaml:"serverName"`
	FPS              int                `json:"fps" yaml:"fps"`
	MaxClients       int                `json:"maxClients" yaml:"maxClients"`
	RejectSlots      int                `json:"rejectSlots" yaml:"rejectSlots"`
	HandshakeTimeout string             `json:"handshakeTimeout" yaml:"handshakeTimeout"`
	WriteTimeout     string             `json:"writeTimeout" yaml:"writeTimeout"`
	Debug            bool               `json:"debug" yaml:"debug"`
	LogLevel         string             `json:"logLevel" yaml:"logLevel"`
	ObfuscateUrls    bool               `json:"obfuscateUrls" yaml:"obfuscateUrls"`
	SnapshotTTL      string             `json:"snapshotTTL" yaml:"snapshotTTL"`
	Admin            AdminConfigFile    `json:"admin" yaml:"admin"`
	History          HistoryConfigFile  `json:"history" yaml:"history"`
	Access           AccessConfigFile   `json:"access" yaml:"access"`
	Watchdog         WatchdogConfigFile `json:"watchdog" yaml:"watchdog"`
	Sources          []SourceConfigFile `json:"sources" yaml:"sources"`
}

// AdminConfigFile is the serialized form of AdminConfig.
type AdminConfigFile struct {
	Listen       string `json:"listen" yaml:"listen"`
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"passwordHash" yaml:"passwordHash"`
}

// HistoryConfigFile is the serialized form of HistoryConfig.
type HistoryConfigFile struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Path      string `json:"path" yaml:"path"`
	Retention string `json:"retention" yaml:"retention"`
}

// AccessConfigFile is the serialized form of AccessConfig.
type AccessConfigFile struct {
	Allow string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// WatchdogConfigFile is the serialized form of WatchdogConfig.
type WatchdogConfigFile struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Interval    string `json:"interval,omitempty" yaml:"interval,omitempty"`
	MaxFailures int    `json:"maxFailures,omitempty" yaml:"maxFailures,omitempty"`
}

// SourceConfigFile is the serialized form of SourceConfig.
type SourceConfigFile struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Channel string `json:"channel" yaml:"channel"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	FPS     int    `json:"fps,omitempty" yaml:"fps,omitempty"`
	Loop    bool   `json:"loop" yaml:"loop"`
	Retry   string `json:"retry,omitempty" yaml:"retry,omitempty"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from path or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Decodes YAML for .yaml/.yml files and JSON otherwise.
//   - Falls back to the default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	if path == "" {
		path = DefaultConfigPath
	}

	config, err := LoadFile(path)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", path, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
		validateAndSetDefaults(config)
	}

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Port: %d (0 = auto)", config.Port)
		log.Printf("  FPS: %d, Max Clients: %d", config.FPS, config.MaxClients)
		log.Printf("  Admin: %q", config.Admin.Listen)
		log.Printf("  History: %v (%s)", config.History.Enabled, config.History.Path)
		log.Printf("  Sources: %d configured", len(config.Sources))
		for i := range config.Sources {
			src := &config.Sources[i]
			log.Printf("    Source %d (%s): %s on %s channel", i+1, src.Name, src.Type, src.Channel)
		}
	}

	return config
}

// LoadFile reads, converts and validates a configuration file without touching
// the cache.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(config)
	return config, nil
}

// parseDuration treats an empty string as zero so that validation can fill in a default.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings and channel names.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		Port:          cf.Port,
		Boundary:      cf.Boundary,
		ContentType:   cf.ContentType,
		ServerName:    cf.ServerName,
		FPS:           cf.FPS,
		MaxClients:    cf.MaxClients,
		RejectSlots:   cf.RejectSlots,
		Debug:         cf.Debug,
		LogLevel:      cf.LogLevel,
		ObfuscateUrls: cf.ObfuscateUrls,
		Admin: AdminConfig{
			Listen:       cf.Admin.Listen,
			Username:     cf.Admin.Username,
			PasswordHash: cf.Admin.PasswordHash,
		},
		History: HistoryConfig{
			Enabled: cf.History.Enabled,
			Path:    cf.History.Path,
		},
		Access: AccessConfig{
			Allow: cf.Access.Allow,
			Deny:  cf.Access.Deny,
		},
		Watchdog: WatchdogConfig{
			Enabled:     cf.Watchdog.Enabled,
			MaxFailures: cf.Watchdog.MaxFailures,
		},
	}

	if config.Port != 0 && config.Port < 1000 {
		return nil, fmt.Errorf("invalid port %d: must be 0 or at least 1000", config.Port)
	}

	var err error
	if config.HandshakeTimeout, err = parseDuration("handshakeTimeout", cf.HandshakeTimeout); err != nil {
		return nil, err
	}
	if config.WriteTimeout, err = parseDuration("writeTimeout", cf.WriteTimeout); err != nil {
		return nil, err
	}
	if config.SnapshotTTL, err = parseDuration("snapshotTTL", cf.SnapshotTTL); err != nil {
		return nil, err
	}
	if config.History.Retention, err = parseDuration("history.retention", cf.History.Retention); err != nil {
		return nil, err
	}
	if config.Watchdog.Interval, err = parseDuration("watchdog.interval", cf.Watchdog.Interval); err != nil {
		return nil, err
	}
	for name, pattern := range map[string]string{"access.allow": cf.Access.Allow, "access.deny": cf.Access.Deny} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid %s pattern: %w", name, err)
		}
	}

	config.Sources = make([]SourceConfig, len(cf.Sources))
	for i, srcFile := range cf.Sources {
		src := &config.Sources[i]
		src.Name = srcFile.Name
		src.Type = strings.ToLower(srcFile.Type)
		src.Path = srcFile.Path
		src.URL = srcFile.URL
		src.FPS = srcFile.FPS
		src.Loop = srcFile.Loop

		if src.Channel, err = types.ParseChannel(srcFile.Channel); err != nil {
			return nil, fmt.Errorf("invalid channel for source %s: %w", srcFile.Name, err)
		}
		if src.Retry, err = parseDuration("retry for source "+srcFile.Name, srcFile.Retry); err != nil {
			return nil, err
		}
		switch src.Type {
		case "directory":
			if src.Path == "" {
				return nil, fmt.Errorf("source %s: directory sources need a path", srcFile.Name)
			}
		case "relay":
			if src.URL == "" {
				return nil, fmt.Errorf("source %s: relay sources need a url", srcFile.Name)
			}
		default:
			return nil, fmt.Errorf("source %s: unknown type %q", srcFile.Name, srcFile.Type)
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		Port:             0,                     // Probe 9000-9999
		ContentType:      "image/jpeg",          // JPEG frames
		ServerName:       "DevicePlugin Server", // Server header
		FPS:              30,                    // 30 frames per second
		MaxClients:       types.MaxClientSize,   // 8 concurrent streams
		RejectSlots:      types.MaxClientSize,   // Room to answer 8 rejected clients
		HandshakeTimeout: 10 * time.Second,      // Request must arrive within 10s
		WriteTimeout:     30 * time.Second,      // A frame write may block 30s
		LogLevel:         "INFO",
		SnapshotTTL:      5 * time.Second,
		Admin: AdminConfig{
			Listen:   ":8080",
			Username: "admin",
		},
		History: HistoryConfig{
			Enabled:   false,
			Path:      "/settings/history.db",
			Retention: 7 * 24 * time.Hour,
		},
		Watchdog: WatchdogConfig{
			Enabled:     true,
			Interval:    10 * time.Second,
			MaxFailures: 5,
		},
		Sources: []SourceConfig{},
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	def := getDefaultConfig()

	if config.Boundary == "" {
		config.Boundary = uuid.NewString()
	} else if !ValidBoundary(config.Boundary) {
		log.Printf("Boundary %q is not a valid multipart boundary, generating one", config.Boundary)
		config.Boundary = uuid.NewString()
	}
	if config.ContentType == "" {
		config.ContentType = def.ContentType
	}
	if config.ServerName == "" {
		config.ServerName = def.ServerName
	}
	if config.FPS <= 0 {
		config.FPS = def.FPS
	}
	if config.MaxClients <= 0 {
		config.MaxClients = def.MaxClients
	}
	if config.RejectSlots < 0 {
		config.RejectSlots = def.RejectSlots
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.LogLevel == "" {
		config.LogLevel = def.LogLevel
	}
	if config.SnapshotTTL <= 0 {
		config.SnapshotTTL = def.SnapshotTTL
	}
	if config.Admin.Username == "" {
		config.Admin.Username = def.Admin.Username
	}
	if config.History.Path == "" {
		config.History.Path = def.History.Path
	}
	if config.Watchdog.Interval <= 0 {
		config.Watchdog.Interval = def.Watchdog.Interval
	}
	if config.Watchdog.MaxFailures <= 0 {
		config.Watchdog.MaxFailures = def.Watchdog.MaxFailures
	}

	for i := range config.Sources {
		src := &config.Sources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("Source_%d", i+1)
		}
		if src.FPS <= 0 {
			src.FPS = config.FPS
		}
		if src.Retry <= 0 {
			src.Retry = 5 * time.Second
		}
	}
}

// ValidBoundary reports whether b may be used as a multipart boundary.
func ValidBoundary(b string) bool {
	return boundaryPattern.MatchString(b)
}

// CreateExampleConfig writes an example config file, as YAML when path ends in
// .yaml or .yml and as JSON otherwise.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		Port:             0,
		ContentType:      "image/jpeg",
		ServerName:       "DevicePlugin Server",
		FPS:              30,
		MaxClients:       types.MaxClientSize,
		RejectSlots:      types.MaxClientSize,
		HandshakeTimeout: "10s",
		WriteTimeout:     "30s",
		LogLevel:         "INFO",
		ObfuscateUrls:    true,
		SnapshotTTL:      "5s",
		Admin: AdminConfigFile{
			Listen:   ":8080",
			Username: "admin",
		},
		History: HistoryConfigFile{
			Enabled:   true,
			Path:      "/settings/history.db",
			Retention: "168h",
		},
		Access: AccessConfigFile{
			Allow: `^(127\.0\.0\.1|\[::1\]|192\.168\.)`,
		},
		Watchdog: WatchdogConfigFile{
			Enabled:     true,
			Interval:    "10s",
			MaxFailures: 5,
		},
		Sources: []SourceConfigFile{
			{
				Name:    "Local Frames",
				Type:    "directory",
				Channel: "local",
				Path:    "/settings/frames",
				FPS:     15,
				Loop:    true,
			},
			{
				Name:    "Remote Camera",
				Type:    "relay",
				Channel: "remote",
				URL:     "http://camera.example.com:9000/local/video/token",
				Retry:   "5s",
			},
		},
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(example)
	default:
		data, err = json.MarshalIndent(example, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
