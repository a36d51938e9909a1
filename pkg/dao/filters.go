package dao

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// cleanFilterPath gives path the trailing slash filters and scan entries are
// stored with, so "/a/b" never matches "/a/bc".
func cleanFilterPath(path string) string {
	if !strings.HasSuffix(path, "/") {
		return path + "/"
	}
	return path
}

func (d *EngineDAO) loadFilters() error {
	rows, err := d.reader.Query("SELECT path FROM Filters")
	if err != nil {
		return fmt.Errorf("failed to load filters: %w", err)
	}
	defer rows.Close()

	var filters []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return fmt.Errorf("failed to read filter: %w", err)
		}
		filters = append(filters, path)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load filters: %w", err)
	}
	sort.Strings(filters)

	d.filtersMu.Lock()
	d.filters = filters
	d.filtersMu.Unlock()
	return nil
}

// GetFilters returns the active filters, sorted
func (d *EngineDAO) GetFilters() []string {
	d.filtersMu.RLock()
	defer d.filtersMu.RUnlock()
	out := make([]string, len(d.filters))
	copy(out, d.filters)
	return out
}

// IsFiltered reports whether the remote path or one of its ancestors is filtered
func (d *EngineDAO) IsFiltered(path string) bool {
	path = cleanFilterPath(path)
	d.filtersMu.RLock()
	defer d.filtersMu.RUnlock()
	for _, filter := range d.filters {
		if strings.HasPrefix(path, filter) {
			return true
		}
	}
	return false
}

// AddFilter excludes the remote path from synchronization. Sub filters and
// pending scans below it are dropped, the rows below it are deleted and the
// pair at the path itself is marked remotely deleted so the processor removes
// the local copy.
func (d *EngineDAO) AddFilter(path string) error {
	if d.IsFiltered(path) {
		return nil
	}
	filter := cleanFilterPath(path)
	remotePath := strings.TrimSuffix(filter, "/")

	err := d.write(func(tx *sql.Tx) error {
		like := escapeLike(filter) + "%"
		if _, err := tx.Exec(`DELETE FROM Filters WHERE path LIKE ? ESCAPE '\'`, like); err != nil {
			return fmt.Errorf("failed to remove sub filters of %s: %w", filter, err)
		}
		if _, err := tx.Exec(`DELETE FROM ToRemoteScan WHERE path LIKE ? ESCAPE '\'`, like); err != nil {
			return fmt.Errorf("failed to remove scans below %s: %w", filter, err)
		}
		if _, err := tx.Exec("INSERT INTO Filters(path) VALUES(?)", filter); err != nil {
			return fmt.Errorf("failed to add filter %s: %w", filter, err)
		}
		_, err := tx.Exec(`DELETE FROM States WHERE remote_parent_path = ? OR remote_parent_path LIKE ? ESCAPE '\'`,
			remotePath, escapeLike(remotePath)+"/%")
		if err != nil {
			return fmt.Errorf("failed to remove pairs below %s: %w", filter, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := d.loadFilters(); err != nil {
		return err
	}

	ref := baseName(remotePath)
	parentPath := strings.TrimSuffix(remotePath, "/"+ref)
	pair, err := d.GetStateFromRemoteWithPath(ref, parentPath)
	if err != nil || pair == nil {
		return err
	}
	return d.DeleteRemoteState(pair)
}

// RemoveFilter drops the filter and schedules a remote scan of the path so
// its content comes back
func (d *EngineDAO) RemoveFilter(path string) error {
	filter := cleanFilterPath(path)
	if _, err := d.exec("DELETE FROM Filters WHERE path=?", filter); err != nil {
		return fmt.Errorf("failed to remove filter %s: %w", filter, err)
	}
	if err := d.loadFilters(); err != nil {
		return err
	}
	return d.AddPathToScan(filter)
}

// AddPathToScan schedules a remote scan of path. Entries below it are
// replaced, an entry above it already covers it.
func (d *EngineDAO) AddPathToScan(path string) error {
	path = cleanFilterPath(path)
	return d.write(func(tx *sql.Tx) error {
		var covered int
		err := tx.QueryRow("SELECT COUNT(*) FROM ToRemoteScan WHERE substr(?, 1, length(path)) = path", path).Scan(&covered)
		if err != nil {
			return fmt.Errorf("failed to check scan of %s: %w", path, err)
		}
		if covered > 0 {
			return nil
		}
		if _, err := tx.Exec(`DELETE FROM ToRemoteScan WHERE path LIKE ? ESCAPE '\'`, escapeLike(path)+"%"); err != nil {
			return fmt.Errorf("failed to replace scans below %s: %w", path, err)
		}
		if _, err := tx.Exec("INSERT INTO ToRemoteScan(path) VALUES(?)", path); err != nil {
			return fmt.Errorf("failed to schedule scan of %s: %w", path, err)
		}
		return nil
	})
}

// DeletePathToScan removes a scheduled scan
func (d *EngineDAO) DeletePathToScan(path string) error {
	if _, err := d.exec("DELETE FROM ToRemoteScan WHERE path=?", cleanFilterPath(path)); err != nil {
		return fmt.Errorf("failed to delete scan of %s: %w", path, err)
	}
	return nil
}

// GetPathsToScan returns the scheduled remote scans, without their trailing slash
func (d *EngineDAO) GetPathsToScan() ([]string, error) {
	return d.paths("SELECT path FROM ToRemoteScan ORDER BY path")
}

// AddPathScanned records that a remote folder was visited by the current full scan
func (d *EngineDAO) AddPathScanned(path string) error {
	_, err := d.exec("INSERT INTO RemoteScan(path) VALUES(?) ON CONFLICT(path) DO NOTHING", cleanFilterPath(path))
	if err != nil {
		return fmt.Errorf("failed to record scan of %s: %w", path, err)
	}
	return nil
}

// IsPathScanned reports whether the current full scan already visited path
func (d *EngineDAO) IsPathScanned(path string) (bool, error) {
	var n int
	err := d.reader.QueryRow("SELECT COUNT(*) FROM RemoteScan WHERE path=?", cleanFilterPath(path)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check scan of %s: %w", path, err)
	}
	return n > 0, nil
}

// CleanScanned forgets the visited folders, called when a full scan ends
func (d *EngineDAO) CleanScanned() error {
	if _, err := d.exec("DELETE FROM RemoteScan"); err != nil {
		return fmt.Errorf("failed to clean scanned paths: %w", err)
	}
	return nil
}

func (d *EngineDAO) paths(query string, args ...interface{}) ([]string, error) {
	rows, err := d.reader.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		if trimmed := strings.TrimSuffix(path, "/"); trimmed != "" {
			path = trimmed
		}
		out = append(out, path)
	}
	return out, rows.Err()
}
