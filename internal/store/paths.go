package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvDataDir overrides the default data directory when set.
const EnvDataDir = "ENGRAM_DATA_DIR"

// DefaultDataDir returns the directory the engine stores its data in when
// none is configured: $ENGRAM_DATA_DIR if set, otherwise ~/.engram.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: resolve user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".engram"), nil
}

// SnapshotDir returns the directory index snapshots are written to.
func SnapshotDir(dataDir string) string {
	return filepath.Join(dataDir, "snapshots")
}

// dataGitignore keeps database and snapshot files out of version control
// when the data directory lives inside a repository.
const dataGitignore = `# SQLite database files
engram.db
engram.db-shm
engram.db-wal

# Index snapshots (rebuilt from the vectors table)
snapshots/
`

// EnsureGitignore creates a .gitignore in the data directory if one does not
// already exist.
func EnsureGitignore(dataDir string) error {
	gitignorePath := filepath.Join(dataDir, ".gitignore")
	if _, err := os.Stat(gitignorePath); err == nil {
		return nil // already exists, respect user customizations
	}
	if err := os.WriteFile(gitignorePath, []byte(dataGitignore), 0600); err != nil {
		return fmt.Errorf("store: create .gitignore: %w", err)
	}
	return nil
}
