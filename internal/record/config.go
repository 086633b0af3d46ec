package record

import (
	"path/filepath"

	"codeberg.org/mutker/sweepctl/internal/errors"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
	backupDirName   = "backups"
)

// StoreConfig configures the SQLite record store.
type StoreConfig struct {
	Path string
	// BackupDir receives copies of databases with an outdated schema.
	// Defaults to a backups directory next to Path.
	BackupDir string
}

func (c StoreConfig) Validate() error {
	if c.Path == "" {
		return errors.New().New(ErrInvalidDBPath)
	}
	return nil
}

func (c StoreConfig) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.Path), backupDirName)
}

// Labels name the measured and derived columns.
type Labels struct {
	A       string
	B       string
	Derived string
}

func DefaultLabels() Labels {
	return Labels{
		A:       "Voltage",
		B:       "Current",
		Derived: "Resistance",
	}
}

func (l Labels) withDefaults() Labels {
	d := DefaultLabels()
	if l.A == "" {
		l.A = d.A
	}
	if l.B == "" {
		l.B = d.B
	}
	if l.Derived == "" {
		l.Derived = d.Derived
	}
	return l
}
