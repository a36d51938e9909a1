package dao

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/TheEntropyCollective/docsync/pkg/logging"
)

// EngineDef is one bound engine as recorded by the manager
type EngineDef struct {
	UID         string `json:"uid"`
	Engine      string `json:"engine"`
	Name        string `json:"name"`
	LocalFolder string `json:"local_folder"`
}

// ManagerDAO is the installation wide store listing the bound engines
type ManagerDAO struct {
	*database
}

// NewManagerDAO opens the manager database at path and makes sure a device
// id exists
func NewManagerDAO(path string, logger *logging.Logger) (*ManagerDAO, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	db, err := openDatabase(path, "manager", logger.WithComponent("manager-dao"))
	if err != nil {
		return nil, err
	}
	m := &ManagerDAO{database: db}
	if m.GetConfig(ConfigDeviceID, "") == "" {
		if err := m.UpdateConfig(ConfigDeviceID, uuid.NewString()); err != nil {
			db.Close()
			return nil, err
		}
	}
	return m, nil
}

// DeviceID returns the identifier of this installation
func (m *ManagerDAO) DeviceID() string {
	return m.GetConfig(ConfigDeviceID, "")
}

// AddEngine records a new engine bound to localFolder and returns its UID
func (m *ManagerDAO) AddEngine(engineType, name, localFolder string) (*EngineDef, error) {
	def := &EngineDef{
		UID:         uuid.NewString(),
		Engine:      engineType,
		Name:        name,
		LocalFolder: localFolder,
	}
	_, err := m.exec("INSERT INTO Engines(uid, engine, name, local_folder) VALUES(?, ?, ?, ?)",
		def.UID, def.Engine, def.Name, def.LocalFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to add engine for %s: %w", localFolder, err)
	}
	return def, nil
}

// GetEngines returns every bound engine
func (m *ManagerDAO) GetEngines() ([]EngineDef, error) {
	rows, err := m.reader.Query("SELECT uid, engine, COALESCE(name, ''), local_folder FROM Engines ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list engines: %w", err)
	}
	defer rows.Close()

	var engines []EngineDef
	for rows.Next() {
		var def EngineDef
		if err := rows.Scan(&def.UID, &def.Engine, &def.Name, &def.LocalFolder); err != nil {
			return nil, err
		}
		engines = append(engines, def)
	}
	return engines, rows.Err()
}

// GetEngine returns the engine with the given uid or name, nil when unknown
func (m *ManagerDAO) GetEngine(uidOrName string) (*EngineDef, error) {
	var def EngineDef
	err := m.reader.QueryRow("SELECT uid, engine, COALESCE(name, ''), local_folder FROM Engines WHERE uid=? OR name=? LIMIT 1",
		uidOrName, uidOrName).Scan(&def.UID, &def.Engine, &def.Name, &def.LocalFolder)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read engine %s: %w", uidOrName, err)
	}
	return &def, nil
}

// UpdateEnginePath records that the local folder of an engine moved
func (m *ManagerDAO) UpdateEnginePath(uid, localFolder string) error {
	if _, err := m.exec("UPDATE Engines SET local_folder=? WHERE uid=?", localFolder, uid); err != nil {
		return fmt.Errorf("failed to move engine %s: %w", uid, err)
	}
	return nil
}

// DeleteEngine forgets an engine
func (m *ManagerDAO) DeleteEngine(uid string) error {
	if _, err := m.exec("DELETE FROM Engines WHERE uid=?", uid); err != nil {
		return fmt.Errorf("failed to delete engine %s: %w", uid, err)
	}
	return nil
}
