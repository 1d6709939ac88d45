package filestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

const infoExtension = ".info"

type fileInfoStore struct {
	path string
}

// NewFileInfoStore creates a new information store which keeps one `[id].info`
// JSON file per upload in the provided directory.
func NewFileInfoStore(path string) InfoStore {
	return &fileInfoStore{path}
}

// StoreFileInfo writes the record to a temporary file first and renames it
// over the previous one, so a crash never leaves a truncated .info behind.
func (f *fileInfoStore) StoreFileInfo(info handler.FileInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.path, "."+info.ID+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, defaultFilePerm); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, f.infoPath(info.ID)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (f *fileInfoStore) RetrieveFileInfo(id string) (handler.FileInfo, error) {
	info := handler.FileInfo{}
	data, err := os.ReadFile(f.infoPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Interpret os.ErrNotExist as 404 Not Found
			err = handler.ErrNotFound
		}
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, err
	}
	return info, nil
}

func (f *fileInfoStore) DeleteFileInfo(id string) error {
	err := os.Remove(f.infoPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *fileInfoStore) ListFileInfoIDs() ([]string, error) {
	entries, err := os.ReadDir(f.path)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		// Temporary files from StoreFileInfo start with a dot.
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, infoExtension) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, infoExtension))
	}
	return ids, nil
}

// infoPath returns the path to the .info file storing the file's info.
func (f *fileInfoStore) infoPath(id string) string {
	return filepath.Join(f.path, id+infoExtension)
}
