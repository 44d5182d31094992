package config

import (
	"os"
	"path/filepath"

	"github.com/lab-validation-server/internal/domain"
)

// DataDirEnv overrides the default standalone data directory.
const DataDirEnv = "LAB_VALIDATION_DATA_DIR"

// Standalone runs the server on a single workstation: drafts in SQLite under
// DataDir, audit entries in memory, reports uploaded through the lab API and
// no Redis or Postgres.
type Standalone struct {
	DataDir string
}

// DefaultStandalone returns the standalone layout for this user.
func DefaultStandalone() Standalone {
	if v := os.Getenv(DataDirEnv); v != "" {
		return Standalone{DataDir: v}
	}
	homeDir, _ := os.UserHomeDir()
	return Standalone{DataDir: filepath.Join(homeDir, ".lab-validation")}
}

// DraftsPath returns the path of the SQLite draft database.
func (s Standalone) DraftsPath() string {
	return filepath.Join(s.DataDir, "drafts.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (s Standalone) EnsureDataDir() error {
	return os.MkdirAll(s.DataDir, 0755)
}

// Apply rewrites cfg for standalone operation. Lab API, server, report and
// logging settings are kept.
func (s Standalone) Apply(cfg *domain.Config) {
	cfg.Drafts.Backend = "sqlite"
	cfg.Drafts.SQLitePath = s.DraftsPath()
	cfg.Audit.Backend = "memory"
	cfg.Artifacts.Backend = "api"
	cfg.Cache.RedisURL = ""
}
