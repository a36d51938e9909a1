package dao

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

func transferTable(nature string) (string, error) {
	switch nature {
	case model.NatureDownload:
		return "Downloads", nil
	case model.NatureUpload:
		return "Uploads", nil
	}
	return "", fmt.Errorf("unknown transfer nature %q", nature)
}

// SaveDownload inserts a download row and sets its UID
func (d *EngineDAO) SaveDownload(dl *model.Download) error {
	return d.write(func(tx *sql.Tx) error {
		res, err := tx.Exec("INSERT INTO Downloads(path, status, engine, progress, filesize, doc_pair, tmpname, url) "+
			"VALUES(?, ?, ?, ?, ?, ?, ?, ?)",
			dl.Path, string(dl.Status), dl.Engine, dl.Progress, dl.Filesize, dl.DocPair, dl.TmpName, dl.URL)
		if err != nil {
			return fmt.Errorf("failed to save download of %s: %w", dl.Path, err)
		}
		dl.UID, err = res.LastInsertId()
		return err
	})
}

// SaveUpload inserts an upload row and sets its UID
func (d *EngineDAO) SaveUpload(up *model.Upload) error {
	chunks, err := json.Marshal(up.UploadedChunks)
	if err != nil {
		return err
	}
	return d.write(func(tx *sql.Tx) error {
		res, err := tx.Exec("INSERT INTO Uploads(path, status, engine, progress, filesize, doc_pair, batch, chunk_size, "+
			"uploaded_chunks, remote_parent_ref, remote_parent_path) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			up.Path, string(up.Status), up.Engine, up.Progress, up.Filesize, up.DocPair, up.Batch, up.ChunkSize,
			string(chunks), nullString(up.RemoteParentRef), nullString(up.RemoteParentPath))
		if err != nil {
			return fmt.Errorf("failed to save upload of %s: %w", up.Path, err)
		}
		up.UID, err = res.LastInsertId()
		return err
	})
}

const (
	downloadColumns = "uid, COALESCE(path, ''), COALESCE(status, ''), COALESCE(engine, ''), COALESCE(progress, 0), " +
		"COALESCE(filesize, 0), COALESCE(doc_pair, 0), COALESCE(tmpname, ''), COALESCE(url, '')"
	uploadColumns = "uid, COALESCE(path, ''), COALESCE(status, ''), COALESCE(engine, ''), COALESCE(progress, 0), " +
		"COALESCE(filesize, 0), COALESCE(doc_pair, 0), COALESCE(batch, ''), COALESCE(chunk_size, 0), " +
		"COALESCE(uploaded_chunks, ''), COALESCE(remote_parent_ref, ''), COALESCE(remote_parent_path, '')"
)

func scanDownload(row rowScanner) (*model.Download, error) {
	var (
		dl     model.Download
		status string
	)
	err := row.Scan(&dl.UID, &dl.Path, &status, &dl.Engine, &dl.Progress, &dl.Filesize, &dl.DocPair, &dl.TmpName, &dl.URL)
	if err != nil {
		return nil, err
	}
	dl.Status = model.TransferStatus(status)
	return &dl, nil
}

func scanUpload(row rowScanner) (*model.Upload, error) {
	var (
		up             model.Upload
		status, chunks string
	)
	err := row.Scan(&up.UID, &up.Path, &status, &up.Engine, &up.Progress, &up.Filesize, &up.DocPair, &up.Batch,
		&up.ChunkSize, &chunks, &up.RemoteParentRef, &up.RemoteParentPath)
	if err != nil {
		return nil, err
	}
	up.Status = model.TransferStatus(status)
	if chunks != "" && chunks != "null" {
		if err := json.Unmarshal([]byte(chunks), &up.UploadedChunks); err != nil {
			return nil, fmt.Errorf("invalid uploaded chunks of %s: %w", up.Path, err)
		}
	}
	return &up, nil
}

// GetDownload returns the download of the given pair, nil when there is none
func (d *EngineDAO) GetDownload(docPair int64) (*model.Download, error) {
	dl, err := scanDownload(d.reader.QueryRow("SELECT "+downloadColumns+" FROM Downloads WHERE doc_pair=?", docPair))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read download of pair %d: %w", docPair, err)
	}
	return dl, nil
}

// GetDownloadByPath returns the download targeting path, nil when there is none
func (d *EngineDAO) GetDownloadByPath(path string) (*model.Download, error) {
	dl, err := scanDownload(d.reader.QueryRow("SELECT "+downloadColumns+" FROM Downloads WHERE path=?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read download of %s: %w", path, err)
	}
	return dl, nil
}

// GetDownloads returns every download, optionally restricted to one status
func (d *EngineDAO) GetDownloads(status model.TransferStatus) ([]*model.Download, error) {
	query, args := "SELECT "+downloadColumns+" FROM Downloads", []interface{}{}
	if status != "" {
		query += " WHERE status=?"
		args = append(args, string(status))
	}
	rows, err := d.reader.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var out []*model.Download
	for rows.Next() {
		dl, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// GetUpload returns the upload of the given pair, nil when there is none
func (d *EngineDAO) GetUpload(docPair int64) (*model.Upload, error) {
	up, err := scanUpload(d.reader.QueryRow("SELECT "+uploadColumns+" FROM Uploads WHERE doc_pair=?", docPair))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read upload of pair %d: %w", docPair, err)
	}
	return up, nil
}

// GetUploadByPath returns the upload reading path, nil when there is none
func (d *EngineDAO) GetUploadByPath(path string) (*model.Upload, error) {
	up, err := scanUpload(d.reader.QueryRow("SELECT "+uploadColumns+" FROM Uploads WHERE path=?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read upload of %s: %w", path, err)
	}
	return up, nil
}

// GetUploads returns every upload, optionally restricted to one status
func (d *EngineDAO) GetUploads(status model.TransferStatus) ([]*model.Upload, error) {
	query, args := "SELECT "+uploadColumns+" FROM Uploads", []interface{}{}
	if status != "" {
		query += " WHERE status=?"
		args = append(args, string(status))
	}
	rows, err := d.reader.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	var out []*model.Upload
	for rows.Next() {
		up, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, rows.Err()
}

// SetTransferStatus changes the status of a transfer row
func (d *EngineDAO) SetTransferStatus(nature string, uid int64, status model.TransferStatus) error {
	table, err := transferTable(nature)
	if err != nil {
		return err
	}
	if _, err := d.exec("UPDATE "+table+" SET status=? WHERE uid=?", string(status), uid); err != nil {
		return fmt.Errorf("failed to set status of %s %d: %w", nature, uid, err)
	}
	return nil
}

// SetTransferProgress stores the progress percentage of a transfer row
func (d *EngineDAO) SetTransferProgress(nature string, uid int64, progress float64) error {
	table, err := transferTable(nature)
	if err != nil {
		return err
	}
	if _, err := d.exec("UPDATE "+table+" SET progress=? WHERE uid=?", progress, uid); err != nil {
		return fmt.Errorf("failed to set progress of %s %d: %w", nature, uid, err)
	}
	return nil
}

// SetTransferDoc points a transfer row at another pair
func (d *EngineDAO) SetTransferDoc(nature string, uid, docPair int64) error {
	table, err := transferTable(nature)
	if err != nil {
		return err
	}
	if _, err := d.exec("UPDATE "+table+" SET doc_pair=? WHERE uid=?", docPair, uid); err != nil {
		return fmt.Errorf("failed to set pair of %s %d: %w", nature, uid, err)
	}
	return nil
}

// UpdateUpload stores the batch handle and the chunks sent so far
func (d *EngineDAO) UpdateUpload(up *model.Upload) error {
	chunks, err := json.Marshal(up.UploadedChunks)
	if err != nil {
		return err
	}
	_, err = d.exec("UPDATE Uploads SET batch=?, chunk_size=?, uploaded_chunks=?, progress=?, status=? WHERE uid=?",
		up.Batch, up.ChunkSize, string(chunks), up.Progress, string(up.Status), up.UID)
	if err != nil {
		return fmt.Errorf("failed to update upload %d: %w", up.UID, err)
	}
	return nil
}

// RemoveTransfer deletes the transfer row of path
func (d *EngineDAO) RemoveTransfer(nature, path string) error {
	table, err := transferTable(nature)
	if err != nil {
		return err
	}
	if _, err := d.exec("DELETE FROM "+table+" WHERE path=?", path); err != nil {
		return fmt.Errorf("failed to remove %s of %s: %w", nature, path, err)
	}
	return nil
}

// SuspendOngoingTransfers marks every running transfer as suspended so it is
// resumed at the next start
func (d *EngineDAO) SuspendOngoingTransfers() error {
	return d.write(func(tx *sql.Tx) error {
		for _, table := range []string{"Downloads", "Uploads"} {
			_, err := tx.Exec("UPDATE "+table+" SET status=? WHERE status=?",
				string(model.TransferSuspended), string(model.TransferOngoing))
			if err != nil {
				return fmt.Errorf("failed to suspend %s: %w", table, err)
			}
		}
		return nil
	})
}

// DeleteOngoingTransfers drops the transfers left running by a clean shutdown
func (d *EngineDAO) DeleteOngoingTransfers() error {
	return d.write(func(tx *sql.Tx) error {
		for _, table := range []string{"Downloads", "Uploads"} {
			if _, err := tx.Exec("DELETE FROM "+table+" WHERE status=?", string(model.TransferOngoing)); err != nil {
				return fmt.Errorf("failed to clean %s: %w", table, err)
			}
		}
		return nil
	})
}

// PauseTransfers moves every running or queued transfer to PAUSED
func (d *EngineDAO) PauseTransfers() error {
	return d.write(func(tx *sql.Tx) error {
		for _, table := range []string{"Downloads", "Uploads"} {
			_, err := tx.Exec("UPDATE "+table+" SET status=? WHERE status IN (?, ?)",
				string(model.TransferPaused), string(model.TransferOngoing), string(model.TransferTodo))
			if err != nil {
				return fmt.Errorf("failed to pause %s: %w", table, err)
			}
		}
		return nil
	})
}

// ResumeTransfers moves paused and suspended transfers back to ONGOING and
// returns the pairs they belong to
func (d *EngineDAO) ResumeTransfers() ([]int64, error) {
	var pairs []int64
	err := d.write(func(tx *sql.Tx) error {
		for _, table := range []string{"Downloads", "Uploads"} {
			rows, err := tx.Query("SELECT doc_pair FROM "+table+" WHERE status IN (?, ?)",
				string(model.TransferPaused), string(model.TransferSuspended))
			if err != nil {
				return fmt.Errorf("failed to list %s: %w", table, err)
			}
			for rows.Next() {
				var id sql.NullInt64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				if id.Valid {
					pairs = append(pairs, id.Int64)
				}
			}
			rows.Close()
			_, err = tx.Exec("UPDATE "+table+" SET status=? WHERE status IN (?, ?)",
				string(model.TransferOngoing), string(model.TransferPaused), string(model.TransferSuspended))
			if err != nil {
				return fmt.Errorf("failed to resume %s: %w", table, err)
			}
		}
		return nil
	})
	return pairs, err
}

// CreateSession records a direct transfer session and returns its UID
func (d *EngineDAO) CreateSession(remotePath, remoteRef string, total int, engineUID, description string) (int64, error) {
	var uid int64
	err := d.write(func(tx *sql.Tx) error {
		res, err := tx.Exec("INSERT INTO Sessions(remote_path, remote_ref, status, total, engine, created_on, "+
			"description, planned_items) VALUES(?, ?, 'ongoing', ?, ?, ?, ?, ?)",
			remotePath, remoteRef, total, engineUID, formatTime(d.clock.Now()), description, total)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		uid, err = res.LastInsertId()
		return err
	})
	return uid, err
}

// GetSession returns a direct transfer session, nil when there is none
func (d *EngineDAO) GetSession(uid int64) (*model.Session, error) {
	var (
		s                  model.Session
		created, completed string
	)
	err := d.reader.QueryRow("SELECT uid, COALESCE(remote_ref, ''), COALESCE(remote_path, ''), COALESCE(status, ''), "+
		"COALESCE(uploaded, 0), COALESCE(total, 0), COALESCE(engine, ''), COALESCE(created_on, ''), "+
		"COALESCE(completed_on, ''), COALESCE(description, ''), COALESCE(planned_items, 0) FROM Sessions WHERE uid=?", uid).
		Scan(&s.UID, &s.RemoteRef, &s.RemotePath, &s.Status, &s.Uploaded, &s.Total, &s.Engine, &created, &completed,
			&s.Description, &s.PlannedItems)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %d: %w", uid, err)
	}
	s.CreatedOn = parseTime(created)
	s.CompletedOn = parseTime(completed)
	return &s, nil
}

// PlanManyDirectTransferItems stores the items of a direct transfer session
// in batches of batchSize rows per statement
func (d *EngineDAO) PlanManyDirectTransferItems(items []model.DirectTransferItem, session int64, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = len(items)
	}
	err := d.write(func(tx *sql.Tx) error {
		for start := 0; start < len(items); start += batchSize {
			end := start + batchSize
			if end > len(items) {
				end = len(items)
			}
			query := "INSERT INTO DirectTransferItems(session, local_path, local_parent_path, local_name, folderish, " +
				"size, remote_parent_path, remote_parent_ref, duplicate_behavior) VALUES"
			args := make([]interface{}, 0, (end-start)*9)
			for i, item := range items[start:end] {
				if i > 0 {
					query += ","
				}
				query += " (?, ?, ?, ?, ?, ?, ?, ?, ?)"
				behavior := item.DuplicateBehavior
				if behavior == "" {
					behavior = "create"
				}
				args = append(args, session, item.LocalPath, item.LocalParentPath, item.LocalName, item.Folderish,
					item.Size, item.RemoteParentPath, item.RemoteParentRef, behavior)
			}
			if _, err := tx.Exec(query, args...); err != nil {
				return fmt.Errorf("failed to plan direct transfer items: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// GetDirectTransferItems returns the planned items of a session
func (d *EngineDAO) GetDirectTransferItems(session int64) ([]model.DirectTransferItem, error) {
	rows, err := d.reader.Query("SELECT local_path, COALESCE(local_parent_path, ''), COALESCE(local_name, ''), "+
		"COALESCE(folderish, 0), COALESCE(size, 0), COALESCE(remote_parent_path, ''), COALESCE(remote_parent_ref, ''), "+
		"COALESCE(duplicate_behavior, 'create') FROM DirectTransferItems WHERE session=? ORDER BY id", session)
	if err != nil {
		return nil, fmt.Errorf("failed to read items of session %d: %w", session, err)
	}
	defer rows.Close()

	var out []model.DirectTransferItem
	for rows.Next() {
		var item model.DirectTransferItem
		err := rows.Scan(&item.LocalPath, &item.LocalParentPath, &item.LocalName, &item.Folderish, &item.Size,
			&item.RemoteParentPath, &item.RemoteParentRef, &item.DuplicateBehavior)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
