package ipfs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Config holds the [IPFS] section of <gitdir>/ipfs/config. Unknown keys are
// ignored so older helpers keep working against newer config files.
type Config struct {
	URL           string
	Port          int
	VersionPrefix string
	Timeout       time.Duration
	UnpinOld      bool
	Republish     bool
	IPNSTTL       string
	CIDVersion    int
	Chunker       string
	UserName      string
	UserPassword  string
}

// DefaultConfig returns the settings used when a key is absent from the
// config file.
func DefaultConfig() *Config {
	return &Config{
		URL:           "http://127.0.0.1",
		Port:          5001,
		VersionPrefix: "api/v0",
		Timeout:       30 * time.Second,
		UnpinOld:      false,
		Republish:     false,
		IPNSTTL:       "2h",
		CIDVersion:    0,
		Chunker:       "size-262144",
	}
}

// BasicAuth reports whether HTTP basic authentication is enabled. Both the
// user name and password must be set.
func (cfg *Config) BasicAuth() bool {
	return cfg.UserName != "" && cfg.UserPassword != ""
}

// ConfigPath returns the expected location of the helper configuration
// inside a git directory.
func ConfigPath(gitDir string) string {
	return filepath.Join(gitDir, "ipfs", "config")
}

// LoadConfig reads <gitDir>/ipfs/config. A missing file is an error carrying
// a remediation hint, since the helper cannot reach any daemon without it.
func LoadConfig(gitDir string) (*Config, error) {
	path := ConfigPath(gitDir)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no helper configuration at %s; run 'git-ipfs-rehost' in this repository to create one", path)
	}

	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: false}, path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse %s", path)
	}

	cfg := DefaultConfig()
	sec := f.Section("IPFS")

	cfg.URL = sec.Key("URL").MustString(cfg.URL)
	cfg.Port = sec.Key("Port").MustInt(cfg.Port)
	cfg.VersionPrefix = sec.Key("VersionPrefix").MustString(cfg.VersionPrefix)
	cfg.Timeout = time.Duration(sec.Key("Timeout").MustFloat64(cfg.Timeout.Seconds()) * float64(time.Second))
	cfg.UnpinOld = sec.Key("UnpinOld").MustBool(cfg.UnpinOld)
	cfg.Republish = sec.Key("Republish").MustBool(cfg.Republish)
	cfg.IPNSTTL = sec.Key("IPNSTTLString").MustString(cfg.IPNSTTL)
	cfg.CIDVersion = sec.Key("CIDVersion").MustInt(cfg.CIDVersion)
	cfg.Chunker = sec.Key("IPFSChunker").MustString(cfg.Chunker)
	cfg.UserName = sec.Key("UserName").MustString("")
	cfg.UserPassword = sec.Key("UserPassword").MustString("")

	return cfg, nil
}
