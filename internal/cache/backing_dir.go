package cache

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/fsys"
)

// DirBacking stores one JSON document per key in a directory; the filename
// is a sanitized form of key.String() + ".json". Ported from the reference
// agent's cache/dir.rs.
type DirBacking[K comparable, V any] struct {
	Dir       string
	KeyString func(K) string
}

// NewDirBacking constructs a DirBacking rooted at dir.
func NewDirBacking[K comparable, V any](dir string, keyString func(K) string) *DirBacking[K, V] {
	return &DirBacking[K, V]{Dir: dir, KeyString: keyString}
}

func (d *DirBacking[K, V]) entryPath(key K) string {
	filename := fsys.SanitizeFilename(d.KeyString(key)) + ".json"
	return filepath.Join(d.Dir, filename)
}

func (d *DirBacking[K, V]) ReadEntry(key K) (*Entry[K, V], error) {
	path := d.entryPath(key)
	if !fsys.Exists(path) {
		return nil, nil
	}
	var entry Entry[K, V]
	if err := fsys.ReadJSON(path, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *DirBacking[K, V]) WriteEntry(entry Entry[K, V], overwrite bool) error {
	path := d.entryPath(entry.Key)
	if !overwrite && fsys.Exists(path) {
		return &agenterrors.CannotOverwriteErr{Key: fmt.Sprint(entry.Key), Site: agenterrors.Trace()}
	}
	return fsys.WriteJSONAtomic(path, entry, 0o644)
}

func (d *DirBacking[K, V]) DeleteEntry(key K) error {
	return fsys.Delete(d.entryPath(key))
}

func (d *DirBacking[K, V]) Size() (int, error) {
	names, err := fsys.ListFiles(d.Dir)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// PruneInvalidEntries deletes any per-key file that fails to parse as an
// Entry[K,V].
func (d *DirBacking[K, V]) PruneInvalidEntries() (int, error) {
	names, err := fsys.ListFiles(d.Dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		path := filepath.Join(d.Dir, name)
		var entry Entry[K, V]
		if err := fsys.ReadJSON(path, &entry); err != nil {
			if delErr := fsys.Delete(path); delErr != nil {
				return removed, delErr
			}
			removed++
		}
	}
	return removed, nil
}

// Entries reads every entry file in the directory, silently dropping any
// that fail to parse (mirrors cache/dir.rs's entries()).
func (d *DirBacking[K, V]) Entries() ([]Entry[K, V], error) {
	names, err := fsys.ListFiles(d.Dir)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry[K, V], 0, len(names))
	for _, name := range names {
		path := filepath.Join(d.Dir, name)
		var entry Entry[K, V]
		if err := fsys.ReadJSON(path, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
