// Package state provides persistent state management for the virtual filesystem.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"genomevm/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("state")
)

// Manager handles loading and saving filesystem state
type Manager struct {
	statePath   string
	backupDir   string
	backupCount int
	mu          sync.RWMutex
}

// NewManager creates a new state manager for the given state file path.
// It ensures the state directory exists and is writable.
func NewManager(statePath string) (*Manager, error) {
	logger.Debug("Creating new state manager with path: %s", statePath)

	absPath, err := filepath.Abs(statePath)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't resolve state path %s", statePath)
	}
	logger.Debug("Resolved state path: %s", absPath)

	// Create parent directory if it doesn't exist
	stateDir := filepath.Dir(absPath)
	logger.Debug("Ensuring state directory exists: %s", stateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "couldn't create state directory %s", stateDir)
	}

	// Try to open the file to verify we have write permissions
	f, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't create state file %s", absPath)
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrapf(err, "couldn't close state file %s", absPath)
	}

	backupDir := filepath.Join(stateDir, ".genomevm-backups")
	logger.Debug("Creating backup directory: %s", backupDir)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "couldn't create backup directory %s", backupDir)
	}

	logger.Info("State manager initialization complete")
	return &Manager{
		statePath:   absPath,
		backupDir:   backupDir,
		backupCount: 5,
	}, nil
}

// Path returns the absolute path of the state file
func (sm *Manager) Path() string {
	return sm.statePath
}

// LoadState loads the filesystem state from disk.
// If the state file is empty, it writes and returns a new empty state.
func (sm *Manager) LoadState() (*FSState, error) {
	logger.Debug("Loading state from: %s", sm.statePath)
	sm.mu.Lock()
	defer sm.mu.Unlock()

	data, err := os.ReadFile(sm.statePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "couldn't read state file")
	}

	if len(data) == 0 {
		logger.Info("No valid state file, creating new state")
		state := NewFSState()
		if err := sm.writeLocked(state); err != nil {
			return nil, errors.Wrap(err, "couldn't write initial state")
		}
		return state, nil
	}

	logger.Debug("Parsing existing state file (%d bytes)", len(data))
	var state FSState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(err, "couldn't parse state file")
	}
	if state.Version > CurrentVersion {
		return nil, errors.Errorf(
			"state file version %d is newer than supported version %d", state.Version, CurrentVersion,
		)
	}

	// Ensure required fields are initialized
	if state.Files == nil {
		state.Files = make(map[string]FileRecord)
	}

	logger.Info("State loaded successfully (%d files, %d directories)",
		len(state.Files), len(state.Directories))
	return &state, nil
}

// SaveState saves the current filesystem state to disk.
// It automatically creates a backup before saving.
func (sm *Manager) SaveState(state *FSState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	logger.Debug("Saving state to: %s", sm.statePath)

	// Create backup before saving
	if backupErr := sm.createBackup(); backupErr != nil {
		logger.Warn("Failed to create backup: %v", backupErr)
		// Continue with save even if backup fails
	}

	if err := sm.writeLocked(state); err != nil {
		return err
	}

	// Verify the write
	written, verifyErr := os.ReadFile(sm.statePath)
	if verifyErr != nil {
		return errors.Wrap(verifyErr, "couldn't verify written state")
	}
	if len(written) == 0 {
		return errors.New("state file is empty after write")
	}

	logger.Debug("State saved and verified successfully")
	return nil
}

func (sm *Manager) writeLocked(state *FSState) error {
	sort.Strings(state.Directories)

	// Marshal with indentation for readability
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "couldn't marshal state")
	}

	logger.Trace("Writing %d bytes of state data", len(data))
	if err := os.WriteFile(sm.statePath, data, 0o600); err != nil {
		return errors.Wrap(err, "couldn't write state file")
	}
	return nil
}

// createBackup creates a timestamped backup of the current state file
func (sm *Manager) createBackup() error {
	data, err := os.ReadFile(sm.statePath)
	if os.IsNotExist(err) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return err
	}

	timestamp := time.Now().Format("20060102-150405.000000000")
	backupPath := filepath.Join(sm.backupDir, fmt.Sprintf("state-%s.json", timestamp))

	logger.Debug("Creating backup: %s", backupPath)
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	return sm.cleanupOldBackups()
}

// cleanupOldBackups removes old backup files, keeping only the most recent ones
func (sm *Manager) cleanupOldBackups() error {
	entries, err := os.ReadDir(sm.backupDir)
	if err != nil {
		return err
	}

	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			backups = append(backups, entry.Name())
		}
	}

	// Timestamped names sort chronologically; newest first
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	// Remove old backups
	for i := sm.backupCount; i < len(backups); i++ {
		path := filepath.Join(sm.backupDir, backups[i])
		logger.Debug("Removing old backup: %s", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", path, err)
		}
	}

	return nil
}
