package dao

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// backupsKept is the number of backup copies left on disk
const backupsKept = 3

// Backup copies the database into dir as <name>_<unix time>, then removes the
// oldest copies. The copy runs under the writer lock so it never contains a
// half applied write.
func (d *database) Backup(dir string, unixTime int64) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create backup folder: %w", err)
	}
	base := filepath.Base(d.path)
	target := filepath.Join(dir, fmt.Sprintf("%s_%d", base, unixTime))

	d.lock.Lock()
	_, err := d.writer.Exec("VACUUM INTO ?", target)
	d.lock.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to back up %s: %w", base, err)
	}

	if err := pruneBackups(dir, base+"_"); err != nil {
		d.logger.WithError(err).Warn("Cannot remove old backups")
	}
	d.logger.Debugf("Backed up database to %s", target)
	return target, nil
}

func pruneBackups(dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, entry.Name())
		}
	}
	if len(backups) <= backupsKept {
		return nil
	}
	// unix times share their digit count, lexical order is chronological
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-backupsKept] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
