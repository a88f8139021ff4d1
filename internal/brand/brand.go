// Package brand provides centralized naming constants for warden.
//
// The identity is loaded from brand.json at compile time via go:embed so that
// scripts and packaging can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Vendor           string `json:"vendor"`
	Website          string `json:"website"`
	Repository       string `json:"repository"`
	Description      string `json:"description"`
	Tagline          string `json:"tagline"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultLogDir    string `json:"defaultLogDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	SocketDirName    string `json:"socketDirName"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
	DatabaseFileName string `json:"databaseFileName"`
	Copyright        string `json:"copyright"`
	License          string `json:"license"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultLogDir = b.DefaultLogDir
	DefaultRunDir = b.DefaultRunDir
	SocketDirName = b.SocketDirName
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
	DatabaseFileName = b.DatabaseFileName
}

var (
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultLogDir    string
	DefaultRunDir    string
	SocketDirName    string
	BinaryName       string
	ConfigFileName   string
	DatabaseFileName string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// UserAgent returns a User-Agent string for HTTP requests
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return Name + "/" + version
}

// lookupDir resolves a directory with the priority
// WARDEN_<KIND>_DIR > WARDEN_PREFIX/<sub> > fallback.
func lookupDir(kind, sub, fallback string) string {
	if dir := os.Getenv(ConfigEnvPrefix + "_" + kind + "_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return fallback
}

// GetStateDir returns the state directory, checking env vars first.
func GetStateDir() string {
	return lookupDir("STATE", "state", DefaultStateDir)
}

// GetLogDir returns the log directory, checking env vars first.
func GetLogDir() string {
	return lookupDir("LOG", "log", DefaultLogDir)
}

// GetConfigDir returns the config directory, checking env vars first.
func GetConfigDir() string {
	return lookupDir("CONFIG", "config", DefaultConfigDir)
}

// GetRunDir returns the runtime directory for sockets.
func GetRunDir() string {
	return lookupDir("RUN", "run", DefaultRunDir)
}

// GetSocketDir returns the directory holding per-instance IPC sockets.
func GetSocketDir() string {
	return filepath.Join(GetRunDir(), SocketDirName)
}

// GetDatabasePath returns the default location of the SQLite state database.
func GetDatabasePath() string {
	return filepath.Join(GetStateDir(), DatabaseFileName)
}

// GetConfigPath returns the default configuration file path.
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}
