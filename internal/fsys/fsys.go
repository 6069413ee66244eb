// Package fsys implements the agent's filesystem primitives: atomic
// write-to-temp-then-rename, JSON read/write, filename sanitization, and
// directory enumeration. These are treated as external collaborators
// elsewhere in the agent; this package is the one concrete implementation
// every higher-level component depends on.
package fsys

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/miru-agent/internal/agenterrors"
)

// WriteJSONAtomic marshals v and writes it to path via a temp file in the
// same directory followed by rename, so concurrent readers never observe a
// partial write.
func WriteJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &agenterrors.SerdeErr{Source: err, Site: agenterrors.Trace()}
	}
	return WriteFileAtomic(path, data, perm)
}

// WriteFileAtomic writes data to path via temp-then-rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &agenterrors.FileSysErr{Path: path, Source: err, Site: agenterrors.Trace()}
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &agenterrors.FileSysErr{Path: path, Source: err, Site: agenterrors.Trace()}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &agenterrors.FileSysErr{Path: path, Source: err, Site: agenterrors.Trace()}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &agenterrors.FileSysErr{Path: path, Source: err, Site: agenterrors.Trace()}
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return &agenterrors.FileSysErr{Path: path, Source: err, Site: agenterrors.Trace()}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &agenterrors.FileSysErr{Path: path, Source: err, Site: agenterrors.Trace()}
	}
	return nil
}

// ReadJSON reads path and unmarshals it into v. Returns a *NotFoundErr if
// the file does not exist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &agenterrors.NotFoundErr{Key: path, Site: agenterrors.Trace()}
		}
		return &agenterrors.FileSysErr{Path: path, Source: err, Site: agenterrors.Trace()}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &agenterrors.SerdeErr{Source: err, Site: agenterrors.Trace()}
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Delete removes path; a missing file is not an error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &agenterrors.FileSysErr{Path: path, Source: err, Site: agenterrors.Trace()}
	}
	return nil
}

// ListFiles returns the basenames of regular files directly inside dir. A
// missing directory yields an empty list, not an error.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &agenterrors.FileSysErr{Path: dir, Source: err, Site: agenterrors.Trace()}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// SanitizeFilename strips path separators and leading dots so a cache key
// can never escape its directory.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "_"
	}
	return name
}
