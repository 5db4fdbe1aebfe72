// SQLite access to the Antigravity IDE state database. modernc.org/sqlite is
// a pure-Go driver, so this works without CGO on every platform.
package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"

	_ "modernc.org/sqlite"
)

// AuthStatusData is the auth payload stored by the IDE.
type AuthStatusData struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// GetAuthStatus reads the IDE's auth status from its state database.
func GetAuthStatus(dbPath string) (*AuthStatusData, error) {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s; make sure Antigravity is installed and you are logged in", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no auth status found in database")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query database: %w", err)
	}

	var authData AuthStatusData
	if err := json.Unmarshal([]byte(value), &authData); err != nil {
		return nil, fmt.Errorf("failed to parse auth data: %w", err)
	}
	if authData.APIKey == "" {
		return nil, fmt.Errorf("auth data missing apiKey field")
	}
	return &authData, nil
}

// ExtractTokenFromDatabase returns the IDE's current access token.
func ExtractTokenFromDatabase(dbPath string) (string, error) {
	data, err := GetAuthStatus(dbPath)
	if err != nil {
		return "", err
	}
	return data.APIKey, nil
}

// IsDatabaseAccessible reports whether the state database can be opened.
func IsDatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		utils.Debug("[Database] Failed to open: %v", err)
		return false
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		utils.Debug("[Database] Failed to ping: %v", err)
		return false
	}
	return true
}
