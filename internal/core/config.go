package core

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// ResourcePathEnv names the required variable pointing at the companion
	// bootstrap resources.
	ResourcePathEnv = "STAGEHAND_RESOURCE_PATH"
	// ConfigPathEnv optionally points at a config.hcl file.
	ConfigPathEnv = "STAGEHAND_CONFIG"

	// Environment handed to the spawned companion.
	ChannelSocketEnv = "STAGEHAND_CHANNEL_SOCKET"
	CompanionNameEnv = "STAGEHAND_COMPANION_NAME"

	BootstrapScript = "companion_init"
	DatabaseName    = "stagehand.db"
	SessionLockName = "session.lock"
	ChannelSockName = "channel.sock"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete stagehand configuration
type Configuration struct {
	ConfigPath  string // config.hcl that produced this configuration, if any
	Verbose     int
	ProductName string // Host product name, used for the work root
	ProjectPath string // Host project directory, disambiguates equal product names
	AssetRoot   string // Host project asset root; imports must land under it
	TempDir     string // Parent of the work root, defaults to os.TempDir()
	Companion   CompanionConfig
}

// CompanionConfig holds companion supervision settings
type CompanionConfig struct {
	Name           string        // Logical channel name the companion registers under
	MaxAttempts    int           // Spawn budget per handshake
	AttemptTimeout time.Duration // Wall-clock deadline for one handshake attempt
	PollInterval   time.Duration // Delay between cooperative polls
	StopTimeout    time.Duration // Grace period before SIGKILL on restart
	HistorySize    int           // Lines of companion output retained for diagnostics
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		ProductName: "stagehand",
		TempDir:     os.TempDir(),
		Companion: CompanionConfig{
			Name:           "stagehand",
			MaxAttempts:    3,
			AttemptTimeout: 10 * time.Second,
			PollInterval:   100 * time.Millisecond,
			StopTimeout:    6 * time.Second,
			HistorySize:    200,
		},
	}
}

// ResourcePath returns the companion resource directory from the environment.
// An empty result means the variable is absent.
func ResourcePath() (string, bool) {
	path, ok := os.LookupEnv(ResourcePathEnv)
	if !ok || path == "" {
		return "", false
	}
	return path, true
}

// BootstrapScriptPath returns the companion bootstrap script under the resource path
func BootstrapScriptPath(resourcePath string) string {
	return filepath.Join(resourcePath, "scripts", BootstrapScript)
}

var unsafeSlugChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ProjectTag returns a short stable hash of the project path. Two projects
// sharing a product name still get distinct work roots.
func (c *Configuration) ProjectTag() string {
	hash := sha256.Sum256([]byte(c.ProjectPath))
	return fmt.Sprintf("%x", hash[:4])
}

// WorkRoot returns the deterministic per-project temporary directory that
// holds capture output, recording markers and the session lock.
func (c *Configuration) WorkRoot() string {
	slug := strings.Trim(unsafeSlugChars.ReplaceAllString(c.ProductName, "_"), "_")
	if slug == "" {
		slug = "stagehand"
	}
	tmp := c.TempDir
	if tmp == "" {
		tmp = os.TempDir()
	}
	return filepath.Join(tmp, fmt.Sprintf("%s-%s", slug, c.ProjectTag()))
}

// CaptureDir is where recorders write while a capture is running
func (c *Configuration) CaptureDir() string {
	return filepath.Join(c.WorkRoot(), "capture")
}

// DatabasePath returns the SQLite database path
func (c *Configuration) DatabasePath() string {
	return filepath.Join(c.WorkRoot(), DatabaseName)
}

// SessionLockPath returns the host session lock file path
func (c *Configuration) SessionLockPath() string {
	return filepath.Join(c.WorkRoot(), SessionLockName)
}

// ChannelSocketPath returns the unix socket the companion dials
func (c *Configuration) ChannelSocketPath() string {
	return filepath.Join(c.WorkRoot(), ChannelSockName)
}

// HostTempDir returns the host-side temporary area removed on quit
func (c *Configuration) HostTempDir() string {
	return filepath.Join(c.AssetRoot, "stagehand", "Temp")
}
