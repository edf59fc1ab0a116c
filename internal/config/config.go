package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rehmatworks/fastcp-engine/internal/models"
)

var (
	cfg     *models.Config
	cfgOnce sync.Once
	cfgMu   sync.RWMutex
	loadErr error
)

// Environment variable names
const (
	EnvDevMode        = "FASTCP_DEV"             // Set to "1" for development mode
	EnvDataDir        = "FASTCP_DATA_DIR"        // Override data directory
	EnvConfigDir      = "FASTCP_CONFIG_DIR"      // Override config directory
	EnvLogDir         = "FASTCP_LOG_DIR"         // Override log directory
	EnvUsersDir       = "FASTCP_USERS_DIR"       // Override tenant home root
	EnvFileRoot       = "FASTCP_FM_ROOT"         // Override file manager root
	EnvPHPPath        = "FASTCP_PHP_PATH"        // Override PHP install path
	EnvNginxDir       = "FASTCP_NGINX_DIR"       // Override vhost directory
	EnvSocket         = "FASTCP_AGENT_SOCKET"    // Override agent socket
	EnvACMEDirectory  = "FASTCP_ACME_DIRECTORY"  // Override ACME directory URL
	EnvDisableNetwork = "FASTCP_DISABLE_NETWORK" // "1" blocks every outbound call
)

// IsDevMode returns true if running in development mode
func IsDevMode() bool {
	return os.Getenv(EnvDevMode) == "1"
}

// NetworkDisabled reports whether the outbound network kill switch is set
func NetworkDisabled() bool {
	return os.Getenv(EnvDisableNetwork) == "1"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// baseDir is the root every default path hangs off. Dev mode keeps
// everything below ./.fastcp so nothing touches the real system.
func baseDir() string {
	if IsDevMode() {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".fastcp")
	}
	return ""
}

func sysPath(devRel, prod string) string {
	if base := baseDir(); base != "" {
		return filepath.Join(base, devRel)
	}
	return prod
}

// DefaultConfigPath returns the default config path based on mode
func DefaultConfigPath() string {
	return filepath.Join(getEnvOrDefault(EnvConfigDir, sysPath("etc", "/etc/fastcp")), "config.json")
}

// DefaultConfig returns the default configuration
func DefaultConfig() *models.Config {
	usersDir := getEnvOrDefault(EnvUsersDir, sysPath("home", "/home"))
	configDir := getEnvOrDefault(EnvConfigDir, sysPath("etc", "/etc/fastcp"))

	return &models.Config{
		DataDir:         getEnvOrDefault(EnvDataDir, sysPath("data", "/var/lib/fastcp")),
		ConfigDir:       configDir,
		LogDir:          getEnvOrDefault(EnvLogDir, sysPath("logs", "/var/log/fastcp")),
		UsersDir:        usersDir,
		FileManagerRoot: getEnvOrDefault(EnvFileRoot, usersDir),
		PHPInstallPath:  getEnvOrDefault(EnvPHPPath, sysPath("php", "/etc/php")),
		NginxVhostsDir:  getEnvOrDefault(EnvNginxDir, sysPath("nginx", "/etc/nginx/vhosts.d")),
		SSLDir:          sysPath("ssl", "/etc/nginx/ssl"),
		WellKnownDir:    sysPath("well-known", "/var/fastcp/well-known"),
		TemplatesDir:    filepath.Join(configDir, "templates"),
		AgentSocket:     getEnvOrDefault(EnvSocket, sysPath("run/agent.sock", "/opt/fastcp/run/agent.sock")),
		SharedGroup:     "fcp-users",
		WebServerGroup:  "www-data",
		DefaultPHP:      "8.3",

		MySQLSocket: "/var/run/mysqld/mysqld.sock",
		MySQLUser:   "root",

		ACMEDirectoryURL: getEnvOrDefault(EnvACMEDirectory, ""),
		ACMETimeoutSec:   getEnvIntOrDefault("FASTCP_ACME_TIMEOUT", 120),
		SSLScanMinutes:   getEnvIntOrDefault("FASTCP_SSL_SCAN_MINUTES", 10),
		HTTPTimeoutSec:   10,
		DNSServer:        "1.1.1.1:53",

		DisableNetwork: NetworkDisabled(),
	}
}

// Validate checks values the engine cannot run with
func Validate(c *models.Config) error {
	if c.SSLScanMinutes < 5 || c.SSLScanMinutes > 60 {
		return fmt.Errorf("ssl_scan_minutes must be between 5 and 60, got %d", c.SSLScanMinutes)
	}
	if c.HTTPTimeoutSec < 10 {
		return fmt.Errorf("http_timeout_sec must be at least 10, got %d", c.HTTPTimeoutSec)
	}
	if c.UsersDir == "" || c.FileManagerRoot == "" {
		return fmt.Errorf("users_dir and file_manager_root are required")
	}
	return nil
}

// Load loads configuration from file or creates default
func Load(configPath string) (*models.Config, error) {
	cfgOnce.Do(func() {
		cfg = DefaultConfig()

		if configPath == "" {
			configPath = DefaultConfigPath()
		}

		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				// Create default config file
				_ = Save(configPath)
				return
			}
			loadErr = fmt.Errorf("failed to read config: %w", err)
			return
		}

		if err := json.Unmarshal(data, cfg); err != nil {
			loadErr = fmt.Errorf("failed to parse config: %w", err)
			return
		}
		// The kill switch is environment-only
		cfg.DisableNetwork = NetworkDisabled()
		loadErr = Validate(cfg)
	})

	return cfg, loadErr
}

// Get returns the current configuration
func Get() *models.Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Save saves configuration to file
func Save(configPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	if configPath == "" {
		configPath = DefaultConfigPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Update updates the configuration
func Update(newCfg *models.Config) {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	cfg = newCfg
}
