// Package state provides persistent state management for the virtual filesystem.
package state

// CurrentVersion is written into every new state file
const CurrentVersion = 1

// FSState represents a persisted virtual file tree
type FSState struct {
	// Every directory path except the root
	Directories []string `json:"directories"`

	// Map of file paths to their contents and rights
	Files map[string]FileRecord `json:"files"`

	// Version for future compatibility
	Version int `json:"version"`
}

// FileRecord is one persisted file
type FileRecord struct {
	Data          string `json:"data"`
	Native        bool   `json:"native,omitempty"`
	RootOnlyWrite bool   `json:"root_only_write,omitempty"`
}

// NewFSState returns an empty state
func NewFSState() *FSState {
	return &FSState{
		Files:   make(map[string]FileRecord),
		Version: CurrentVersion,
	}
}
