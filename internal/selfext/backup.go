package selfext

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupDirName = ".backup"

// BackupManager snapshots and restores files under one bundle directory,
// per spec §4.9 step 2 / §4.9's retention policy.
type BackupManager struct {
	bundleDir string
}

// NewBackupManager builds a BackupManager rooted at bundleDir.
func NewBackupManager(bundleDir string) *BackupManager {
	return &BackupManager{bundleDir: bundleDir}
}

func (b *BackupManager) backupDir() string {
	return filepath.Join(b.bundleDir, backupDirName)
}

// CreateBackup snapshots filePath with a timestamp suffix. Returns "" (no
// error) if the file doesn't exist yet — there is nothing to back up for a
// newly created file.
func (b *BackupManager) CreateBackup(filePath string) (string, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	if err := os.MkdirAll(b.backupDir(), 0o755); err != nil {
		return "", fmt.Errorf("selfext: create backup dir: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102_150405")
	backupPath := filepath.Join(b.backupDir(), fmt.Sprintf("%s.%s", filepath.Base(filePath), timestamp))
	if err := copyFile(filePath, backupPath); err != nil {
		return "", fmt.Errorf("selfext: backup %s: %w", filePath, err)
	}
	return backupPath, nil
}

// CreateBackups backs up every path, returning a map of original path to
// backup path (empty string means the file was newly created).
func (b *BackupManager) CreateBackups(paths []string) (map[string]string, error) {
	backups := make(map[string]string, len(paths))
	for _, p := range paths {
		backupPath, err := b.CreateBackup(p)
		if err != nil {
			return backups, err
		}
		backups[p] = backupPath
	}
	return backups, nil
}

// RestoreBackups rolls every entry back: files with a backup are restored
// from it, files without one (newly created) are deleted.
func (b *BackupManager) RestoreBackups(backups map[string]string) error {
	for original, backupPath := range backups {
		if backupPath == "" {
			if _, err := os.Stat(original); err == nil {
				if err := os.Remove(original); err != nil {
					return fmt.Errorf("selfext: remove new file %s: %w", original, err)
				}
			}
			continue
		}
		if err := copyFile(backupPath, original); err != nil {
			return fmt.Errorf("selfext: restore %s: %w", original, err)
		}
	}
	return nil
}

// CleanupOldBackups keeps only the keepCount most recent backups per
// original filename, removing the rest.
func (b *BackupManager) CleanupOldBackups(keepCount int) (int, error) {
	entries, err := os.ReadDir(b.backupDir())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	byFile := make(map[string][]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		idx := strings.LastIndex(name, ".")
		if idx == -1 {
			continue
		}
		original := name[:idx]
		byFile[original] = append(byFile[original], name)
	}

	removed := 0
	for _, names := range byFile {
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		for _, stale := range names[min(keepCount, len(names)):] {
			if err := os.Remove(filepath.Join(b.backupDir(), stale)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
