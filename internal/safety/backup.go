// File: internal/safety/backup.go
package safety

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// createBackup copies an existing file to a timestamped sibling before a
// dangerous modification. Missing files need no snapshot and return an
// empty ref. Any other failure is reported so the gate can deny the step.
func createBackup(path, backupDir string, now time.Time) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", nil
	}

	stamp := now.Format("20060102_150405")
	backupPath := fmt.Sprintf("%s.backup_%s", path, stamp)
	if backupDir != "" {
		backupPath = filepath.Join(backupDir, fmt.Sprintf("%s.backup_%s", filepath.Base(path), stamp))
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("create backup %s: %w", backupPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(backupPath)
		return "", fmt.Errorf("copy to backup %s: %w", backupPath, err)
	}
	return backupPath, nil
}

// RestoreBackup copies a snapshot back over its original path. Used by the
// execution runner when a write faults midway.
func RestoreBackup(backupPath, originalPath string) error {
	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("open backup %s: %w", backupPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(originalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("restore %s: %w", originalPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("restore copy %s: %w", originalPath, err)
	}
	return nil
}
