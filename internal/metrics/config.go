package metrics

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

const (
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/thermalctl/metrics.db"

	backupDirName = "backups"
)

type Config struct {
	DBPath       string
	Enabled      bool
	BatchSize    int
	BatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		Enabled:      false,
		BatchSize:    10,
		BatchTimeout: time.Minute,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate storage settings if recording is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, "negative batch setting")
	}
	return nil
}

func (c Config) backupDir() string {
	return filepath.Join(filepath.Dir(c.DBPath), backupDirName)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
