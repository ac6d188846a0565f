package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// File is a Memory store persisted as JSON after every write.
type File struct {
	*Memory
	path string
}

// NewFile creates a store backed by path. Call Load to restore saved state.
func NewFile(path string) *File {
	f := &File{Memory: NewMemory(), path: path}
	f.Memory.persist = f.write
	return f
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

// write must be called with the Memory lock held.
func (f *File) write(s state) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings temp file: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		return fmt.Errorf("failed to rename settings file: %w", err)
	}
	return nil
}

// Load restores state from disk. A missing file is not an error.
func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read settings: %w", err)
	}

	s := newState()
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if s.Devices == nil {
		s.Devices = newState().Devices
	}
	f.state = s
	return nil
}
