// Package config loads codetreed's runtime configuration from the
// environment, with a .env fallback for local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds codetreed's runtime configuration.
type Config struct {
	// ProjectRoot is the filesystem root the parser/persist pipeline
	// resolves relative paths against.
	ProjectRoot string

	// StoreDSN is passed to store.Connect: a sqlite file path or a
	// postgres:// URL.
	StoreDSN string

	// SocketPath is the Unix domain socket the RPC gateway listens on.
	SocketPath string

	// BackupDir holds timestamped file backups taken by the persistence
	// pipeline and the integrity gate.
	BackupDir string

	// LockTimeoutSeconds bounds how long a write waits for another
	// writer to release a file lock.
	LockTimeoutSeconds int

	// MaxNodesPerTree caps how many nodes a single CST index may hold
	// before Build refuses to index the file further.
	MaxNodesPerTree int

	// Debug switches the logger to logrus's text formatter at debug level.
	Debug bool
}

// Load reads configuration from the environment, trying to populate it
// from a .env file in the working directory first (missing is fine).
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		ProjectRoot:        getenv("CODETREE_PROJECT_ROOT", "."),
		StoreDSN:           getenv("CODETREE_STORE_DSN", "codetree.db"),
		SocketPath:         getenv("CODETREE_SOCKET", "/tmp/codetreed.sock"),
		BackupDir:          getenv("CODETREE_BACKUP_DIR", ".codetree/backups"),
		LockTimeoutSeconds: 5,
		MaxNodesPerTree:    200000,
		Debug:              os.Getenv("CODETREE_DEBUG") == "1",
	}

	if v := os.Getenv("CODETREE_LOCK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LockTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CODETREE_MAX_NODES_PER_TREE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxNodesPerTree = n
		}
	}

	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate reports the first configuration problem that would prevent
// codetreed from starting.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return fmt.Errorf("config: CODETREE_PROJECT_ROOT must not be empty")
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("config: CODETREE_STORE_DSN must not be empty")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("config: CODETREE_SOCKET must not be empty")
	}
	return nil
}
