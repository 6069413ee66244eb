package cache

import (
	"fmt"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/fsys"
)

// FileBacking stores every key's entry in a single aggregate JSON document:
// a map from key to Entry. Ported from the reference agent's cache/file.rs.
// Every operation is read-modify-write over the whole document.
type FileBacking[K comparable, V any] struct {
	Path      string
	KeyString func(K) string
	ParseKey  func(string) (K, error)
}

// NewFileBacking constructs a FileBacking rooted at path, creating an empty
// document if absent.
func NewFileBacking[K comparable, V any](path string, keyString func(K) string, parseKey func(string) (K, error)) (*FileBacking[K, V], error) {
	fb := &FileBacking[K, V]{Path: path, KeyString: keyString, ParseKey: parseKey}
	if !fsys.Exists(path) {
		if err := fb.writeDoc(map[string]Entry[K, V]{}); err != nil {
			return nil, err
		}
	}
	return fb, nil
}

func (f *FileBacking[K, V]) readDoc() (map[string]Entry[K, V], error) {
	doc := map[string]Entry[K, V]{}
	if !fsys.Exists(f.Path) {
		return doc, nil
	}
	if err := fsys.ReadJSON(f.Path, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (f *FileBacking[K, V]) writeDoc(doc map[string]Entry[K, V]) error {
	return fsys.WriteJSONAtomic(f.Path, doc, 0o644)
}

func (f *FileBacking[K, V]) ReadEntry(key K) (*Entry[K, V], error) {
	doc, err := f.readDoc()
	if err != nil {
		return nil, err
	}
	if e, ok := doc[f.KeyString(key)]; ok {
		return &e, nil
	}
	return nil, nil
}

func (f *FileBacking[K, V]) WriteEntry(entry Entry[K, V], overwrite bool) error {
	doc, err := f.readDoc()
	if err != nil {
		return err
	}
	k := f.KeyString(entry.Key)
	if _, exists := doc[k]; exists && !overwrite {
		return &agenterrors.CannotOverwriteErr{Key: fmt.Sprint(entry.Key), Site: agenterrors.Trace()}
	}
	doc[k] = entry
	return f.writeDoc(doc)
}

func (f *FileBacking[K, V]) DeleteEntry(key K) error {
	doc, err := f.readDoc()
	if err != nil {
		return err
	}
	delete(doc, f.KeyString(key))
	return f.writeDoc(doc)
}

func (f *FileBacking[K, V]) Size() (int, error) {
	doc, err := f.readDoc()
	if err != nil {
		return 0, err
	}
	return len(doc), nil
}

// PruneInvalidEntries is a no-op: the aggregate document either parses in
// full or it doesn't (mirrors cache/file.rs).
func (f *FileBacking[K, V]) PruneInvalidEntries() (int, error) {
	return 0, nil
}

func (f *FileBacking[K, V]) Entries() ([]Entry[K, V], error) {
	doc, err := f.readDoc()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry[K, V], 0, len(doc))
	for _, e := range doc {
		entries = append(entries, e)
	}
	return entries, nil
}
