package clip

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// DirRecorder writes clip manifests as JSON files under a directory.
// Filenames are <session>-<seq>.clip.json.
type DirRecorder struct {
	dir      string
	validate func([]byte) error
	seq      atomic.Uint64
}

// NewDirRecorder creates the directory if needed. validate, when non-nil,
// runs against the encoded manifest before it is written; a manifest that
// fails validation is not written.
func NewDirRecorder(dir string, validate func([]byte) error) (*DirRecorder, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create clip directory: %w", err)
	}
	return &DirRecorder{dir: dir, validate: validate}, nil
}

// Record implements Recorder.
func (r *DirRecorder) Record(m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if r.validate != nil {
		if err := r.validate(data); err != nil {
			return fmt.Errorf("manifest failed validation: %w", err)
		}
	}

	name := fmt.Sprintf("%s-%06d.clip.json", m.SessionID, r.seq.Add(1))
	path := filepath.Join(r.dir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}

// NullRecorder discards manifests. Used when clips are disabled.
type NullRecorder struct{}

// Record implements Recorder.
func (NullRecorder) Record(*Manifest) error { return nil }
