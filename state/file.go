package state

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DefaultFile is where the mapping is written when nothing else is configured.
const DefaultFile = "narrative_elements/perspective_grid_locations.json"

// FileStore writes the mapping as an indented JSON document. Each save goes to a
// temporary file that is renamed over the target, so readers never observe a
// partially written document.
type FileStore struct {
	path string
}

// NewFileStore prepares the directory holding path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "unable to create directory for %s", path)
	}
	return &FileStore{path: path}, nil
}

// Path returns the file being written.
func (f *FileStore) Path() string {
	return f.path
}

// Save implements Store.
func (f *FileStore) Save(ctx context.Context, m Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := m.Encode()
	if err != nil {
		return errors.Wrap(err, "unable to encode grid locations")
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return errors.Wrapf(err, "unable to write %s", f.path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "unable to write %s", f.path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "unable to write %s", f.path)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "unable to write %s", f.path)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "unable to replace %s", f.path)
	}
	return nil
}

// Close implements Store.
func (f *FileStore) Close() error {
	return nil
}

// ReadFile loads a mapping written by FileStore.
func ReadFile(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", path)
	}
	return Decode(data)
}
