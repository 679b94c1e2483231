package voices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// FileStore keeps preferences in a JSON object keyed by participant id.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the file. A missing file is an empty mapping.
func (f *FileStore) Load(_ context.Context) (map[uint64]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[uint64]string{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStore, f.path, err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStore, f.path, err)
	}
	prefs := make(map[uint64]string, len(raw))
	for key, voice := range raw {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: participant id %q: %v", ErrStore, key, err)
		}
		prefs[id] = voice
	}
	return prefs, nil
}

// Save writes a temp file next to the target, syncs it and renames it into
// place so readers never see a partial file.
func (f *FileStore) Save(_ context.Context, prefs map[uint64]string) (err error) {
	raw := make(map[string]string, len(prefs))
	for id, voice := range prefs {
		raw[strconv.FormatUint(id, 10)] = voice
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStore, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %v", ErrStore, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrStore, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrStore, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrStore, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStore, err)
	}
	if err = os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStore, err)
	}
	return nil
}
