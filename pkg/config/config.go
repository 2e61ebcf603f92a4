package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ExecutionEndpoint holds the Execution Endpoint's listener and
// admission-control tunables. MetricsPort, when non-zero, additionally
// serves Prometheus metrics over HTTP on that port.
type ExecutionEndpoint struct {
	Port                int
	BacklogSize         int
	MaxOpenConnCount    int
	BufferPoolSize      int64
	InactivityInterval  int
	InactivityTimeout   int
	MaxQueuedChunkCount int
	MetricsPort         int
}

// Database mirrors the Database configuration block.
type Database struct {
	SystemDatabasePath string
}

// SSLConfiguration mirrors the SSLConfiguration block.
type SSLConfiguration struct {
	Enabled              bool
	CACertificatePath    string
	CertificateKeyPath   string
	CertificateStorePath string
	Password             string
}

// Logging mirrors the Logging block.
type Logging struct {
	Path      string
	Level     string
	UserLevel string
}

// StandbyEntry mirrors one entry of the Replication block's standby
// list. Address is this process's own addition (see DESIGN.md): the
// dialable host:port a Primary connects to in order to ship that
// standby its log batches.
type StandbyEntry struct {
	NodeName string
	Address  string
	Sync     string
}

// Replication mirrors the Replication configuration block. A Standby's
// config carries PrimaryAddress, the dialable address of the node it
// replicates from; a Primary's roster names each standby's Address the
// same way. JoinToken, when set, is the shared credential every node
// of the cluster presents in its replication handshake.
type Replication struct {
	ThisNodeName                   string
	ClusterConfigFile              string
	Port                           int
	PrimaryAddress                 string
	JoinToken                      string
	PrimaryWorkerCount             int
	StandbyWorkerCount             int
	UseSeparateConnectionPerWorker bool
	Standbys                       []StandbyEntry
}

// Config is the full JSON configuration document.
type Config struct {
	Version           string
	ExecutionEndpoint ExecutionEndpoint
	Database          Database
	SSLConfiguration  SSLConfiguration
	Logging           Logging
	Replication       Replication
}

// Default returns a Config with conservative single-node defaults,
// the base that merged files are layered onto.
func Default() *Config {
	return &Config{
		Version: "1",
		ExecutionEndpoint: ExecutionEndpoint{
			Port:                7568,
			BacklogSize:         128,
			MaxOpenConnCount:    1024,
			BufferPoolSize:      64 << 20,
			InactivityInterval:  30,
			InactivityTimeout:   300,
			MaxQueuedChunkCount: 256,
		},
		Database: Database{
			SystemDatabasePath: "${ApplicationData}/veloxdb",
		},
		Logging: Logging{
			Level:     "Info",
			UserLevel: "Info",
		},
		Replication: Replication{
			Port:               7569,
			PrimaryWorkerCount: 4,
			StandbyWorkerCount: 4,
		},
	}
}

// InstallPaths returns the default install-dir → system-dir → user-dir
// search order for veloxdb.json, in the order Load should merge them.
func InstallPaths() []string {
	var paths []string
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "veloxdb.json"))
	}
	paths = append(paths, filepath.Join(systemConfigDir(), "veloxdb", "veloxdb.json"))
	paths = append(paths, filepath.Join(userConfigDir(), "veloxdb", "veloxdb.json"))
	return paths
}

func systemConfigDir() string {
	if runtime.GOOS == "windows" {
		if v := os.Getenv("ProgramData"); v != "" {
			return v
		}
		return `C:\ProgramData`
	}
	return "/etc"
}

func userConfigDir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return d
	}
	return "."
}

// Load reads and merges the JSON documents named by paths, in order,
// over Default(). A path that does not exist is skipped; a path that
// exists but fails to parse is an error. Every string field that looks
// like a filesystem path has its ${...} templates expanded after the
// merge completes.
func Load(paths []string) (*Config, error) {
	cfg := Default()

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", p, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", p, err)
		}
	}

	cfg.Database.SystemDatabasePath = ExpandTemplate(cfg.Database.SystemDatabasePath)
	cfg.SSLConfiguration.CACertificatePath = ExpandTemplate(cfg.SSLConfiguration.CACertificatePath)
	cfg.SSLConfiguration.CertificateKeyPath = ExpandTemplate(cfg.SSLConfiguration.CertificateKeyPath)
	cfg.SSLConfiguration.CertificateStorePath = ExpandTemplate(cfg.SSLConfiguration.CertificateStorePath)
	cfg.Logging.Path = ExpandTemplate(cfg.Logging.Path)
	cfg.Replication.ClusterConfigFile = ExpandTemplate(cfg.Replication.ClusterConfigFile)

	if cfg.Replication.ClusterConfigFile != "" {
		if err := loadClusterConfigFile(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// clusterConfigFile is the shape of the document Replication.ClusterConfigFile
// names: a standalone standby list, kept separate from the main config
// document so an operator can roll cluster topology changes without
// touching the rest of the configuration.
type clusterConfigFile struct {
	Standbys []StandbyEntry
}

// loadClusterConfigFile reads cfg.Replication.ClusterConfigFile, if it
// exists, and replaces cfg.Replication.Standbys with its contents. A
// missing file is not an error: a node may be configured with its
// standby list inline instead.
func loadClusterConfigFile(cfg *Config) error {
	data, err := os.ReadFile(cfg.Replication.ClusterConfigFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read cluster config %s: %w", cfg.Replication.ClusterConfigFile, err)
	}

	var doc clusterConfigFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse cluster config %s: %w", cfg.Replication.ClusterConfigFile, err)
	}
	cfg.Replication.Standbys = doc.Standbys
	return nil
}

// templateDirs resolves the five supported path templates.
// ${Base} and ${Temp} are process-relative; the others follow the OS's
// conventional per-user data directories.
func templateDirs() map[string]string {
	home, _ := os.UserHomeDir()
	appData := os.Getenv("ApplicationData")
	if appData == "" {
		if d, err := os.UserConfigDir(); err == nil {
			appData = d
		} else {
			appData = filepath.Join(home, ".config")
		}
	}
	localAppData := os.Getenv("LocalApplicationData")
	if localAppData == "" {
		if d, err := os.UserCacheDir(); err == nil {
			localAppData = d
		} else {
			localAppData = filepath.Join(home, ".cache")
		}
	}
	base := "."
	if exe, err := os.Executable(); err == nil {
		base = filepath.Dir(exe)
	}

	return map[string]string{
		"${ApplicationData}":      appData,
		"${LocalApplicationData}": localAppData,
		"${UserProfile}":          home,
		"${Base}":                 base,
		"${Temp}":                 os.TempDir(),
	}
}

// ExpandTemplate substitutes every ${...} template in s with its
// resolved directory. Unknown templates are left verbatim.
func ExpandTemplate(s string) string {
	if s == "" || !strings.Contains(s, "${") {
		return s
	}
	for tmpl, dir := range templateDirs() {
		s = strings.ReplaceAll(s, tmpl, dir)
	}
	return s
}
