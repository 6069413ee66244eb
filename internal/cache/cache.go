// Package cache implements the generic, single-writer actor-backed cache
// substrate: one actor task owns storage; every mutation arrives on a
// bounded command channel and is applied in arrival order. Two backings
// share this actor verbatim (see backing_dir.go, backing_file.go); this
// file is written once, as the design notes require.
package cache

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
)

// Entry is the generic cache entry.
type Entry[K comparable, V any] struct {
	Key          K         `json:"key"`
	Value        V         `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	IsDirty      bool      `json:"is_dirty"`
}

// DirtyPredicate computes the dirty bit for a write, given the previous
// entry (nil if the key is new) and the incoming value.
type DirtyPredicate[K comparable, V any] func(old *Entry[K, V], newVal V) bool

// Backing is the strategy interface a storage representation must
// implement; the actor wrapper (Cache[K,V]) is identical for every Backing.
type Backing[K comparable, V any] interface {
	ReadEntry(key K) (*Entry[K, V], error)
	WriteEntry(entry Entry[K, V], overwrite bool) error
	DeleteEntry(key K) error
	Size() (int, error)
	// PruneInvalidEntries removes on-disk entries that fail to parse and
	// returns how many were removed. No-op for backings where the whole
	// store either parses or doesn't (aggregate-file backing).
	PruneInvalidEntries() (int, error)
	Entries() ([]Entry[K, V], error)
}

type command[K comparable, V any] struct {
	op       string
	key      K
	value    V
	pred     DirtyPredicate[K, V]
	overwrite bool
	updateLastAccessed bool
	filter   func(Entry[K, V]) bool
	filterName string
	maxSize  int

	respEntry  chan<- entryResult[K, V]
	respEntries chan<- entriesResult[K, V]
	respSize   chan<- sizeResult
	respErr    chan<- error
}

type entryResult[K comparable, V any] struct {
	entry *Entry[K, V]
	err   error
}

type entriesResult[K comparable, V any] struct {
	entries []Entry[K, V]
	err     error
}

type sizeResult struct {
	size int
	err  error
}

// Cache is the single-writer actor wrapper, generic over any Backing.
type Cache[K comparable, V any] struct {
	cmds    chan command[K, V]
	closed  chan struct{}
	done    chan struct{}
}

// Spawn starts the actor goroutine over backing and returns a handle.
// bufferSize follows the design note's recommendation of 32-64.
func Spawn[K comparable, V any](backing Backing[K, V], bufferSize int) *Cache[K, V] {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	c := &Cache[K, V]{
		cmds:   make(chan command[K, V], bufferSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.run(backing)
	return c
}

func (c *Cache[K, V]) run(b Backing[K, V]) {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.cmds:
			c.handle(b, cmd)
		case <-c.closed:
			return
		}
	}
}

func (c *Cache[K, V]) handle(b Backing[K, V], cmd command[K, V]) {
	switch cmd.op {
	case "read_optional":
		entry, err := b.ReadEntry(cmd.key)
		if err == nil && entry != nil && cmd.updateLastAccessed {
			updated := *entry
			updated.LastAccessed = time.Now()
			if werr := b.WriteEntry(updated, true); werr == nil {
				entry = &updated
			}
		}
		cmd.respEntry <- entryResult[K, V]{entry: entry, err: err}

	case "write":
		var existing *Entry[K, V]
		if e, err := b.ReadEntry(cmd.key); err == nil {
			existing = e
		}
		now := time.Now()
		entry := Entry[K, V]{
			Key:          cmd.key,
			Value:        cmd.value,
			LastAccessed: now,
		}
		if existing != nil {
			entry.CreatedAt = existing.CreatedAt
		} else {
			entry.CreatedAt = now
		}
		if cmd.pred != nil {
			entry.IsDirty = cmd.pred(existing, cmd.value)
		}
		err := b.WriteEntry(entry, cmd.overwrite)
		cmd.respErr <- err

	case "delete":
		cmd.respErr <- b.DeleteEntry(cmd.key)

	case "entries":
		entries, err := b.Entries()
		cmd.respEntries <- entriesResult[K, V]{entries: entries, err: err}

	case "size":
		sz, err := b.Size()
		cmd.respSize <- sizeResult{size: sz, err: err}

	case "prune":
		err := c.prune(b, cmd.maxSize)
		cmd.respErr <- err

	case "find_entries":
		entries, err := b.Entries()
		if err != nil {
			cmd.respEntries <- entriesResult[K, V]{err: err}
			return
		}
		var matched []Entry[K, V]
		for _, e := range entries {
			if cmd.filter(e) {
				matched = append(matched, e)
			}
		}
		cmd.respEntries <- entriesResult[K, V]{entries: matched}

	case "find_one":
		entries, err := b.Entries()
		if err != nil {
			cmd.respEntries <- entriesResult[K, V]{err: err}
			return
		}
		var matched []Entry[K, V]
		for _, e := range entries {
			if cmd.filter(e) {
				matched = append(matched, e)
			}
		}
		if len(matched) > 1 {
			cmd.respEntries <- entriesResult[K, V]{err: &agenterrors.TooManyMatchesErr{
				FilterName: cmd.filterName,
				Expected:   1,
				Actual:     len(matched),
				Site:       agenterrors.Trace(),
			}}
			return
		}
		cmd.respEntries <- entriesResult[K, V]{entries: matched}
	}
}

func (c *Cache[K, V]) prune(b Backing[K, V], maxSize int) error {
	sz, err := b.Size()
	if err != nil {
		return err
	}
	if sz <= maxSize {
		return nil
	}
	if _, err := b.PruneInvalidEntries(); err != nil {
		return err
	}
	entries, err := b.Entries()
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})
	toDelete := len(entries) - maxSize
	if toDelete <= 0 {
		return nil
	}
	for i := 0; i < toDelete; i++ {
		if err := b.DeleteEntry(entries[i].Key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache[K, V]) send(cmd command[K, V]) error {
	select {
	case <-c.closed:
		return &agenterrors.ActorClosedErr{Actor: "cache", Site: agenterrors.Trace()}
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.closed:
		return &agenterrors.ActorClosedErr{Actor: "cache", Site: agenterrors.Trace()}
	}
}

// ReadOptional reads key, optionally bumping last_accessed.
func (c *Cache[K, V]) ReadOptional(key K, updateLastAccessed bool) (*Entry[K, V], error) {
	resp := make(chan entryResult[K, V], 1)
	if err := c.send(command[K, V]{op: "read_optional", key: key, updateLastAccessed: updateLastAccessed, respEntry: resp}); err != nil {
		return nil, err
	}
	r := <-resp
	return r.entry, r.err
}

// Read reads key, failing with NotFoundErr if absent.
func (c *Cache[K, V]) Read(key K) (Entry[K, V], error) {
	entry, err := c.ReadOptional(key, true)
	if err != nil {
		return Entry[K, V]{}, err
	}
	if entry == nil {
		return Entry[K, V]{}, &agenterrors.NotFoundErr{Key: fmt.Sprint(key), Site: agenterrors.Trace()}
	}
	return *entry, nil
}

// Write writes value under key; pred computes the dirty bit.
func (c *Cache[K, V]) Write(key K, value V, pred DirtyPredicate[K, V], overwrite bool) error {
	resp := make(chan error, 1)
	if err := c.send(command[K, V]{op: "write", key: key, value: value, pred: pred, overwrite: overwrite, respErr: resp}); err != nil {
		return err
	}
	return <-resp
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) error {
	resp := make(chan error, 1)
	if err := c.send(command[K, V]{op: "delete", key: key, respErr: resp}); err != nil {
		return err
	}
	return <-resp
}

// Entries returns the full enumeration; order unspecified.
func (c *Cache[K, V]) Entries() ([]Entry[K, V], error) {
	resp := make(chan entriesResult[K, V], 1)
	if err := c.send(command[K, V]{op: "entries", respEntries: resp}); err != nil {
		return nil, err
	}
	r := <-resp
	return r.entries, r.err
}

// Values returns just the values of Entries().
func (c *Cache[K, V]) Values() ([]V, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	values := make([]V, len(entries))
	for i, e := range entries {
		values[i] = e.Value
	}
	return values, nil
}

// EntryMap returns Entries() as a map keyed by Key.
func (c *Cache[K, V]) EntryMap() (map[K]Entry[K, V], error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	m := make(map[K]Entry[K, V], len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return m, nil
}

// ValueMap returns Entries() as a map of Key to Value.
func (c *Cache[K, V]) ValueMap() (map[K]V, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	m := make(map[K]V, len(entries))
	for _, e := range entries {
		m[e.Key] = e.Value
	}
	return m, nil
}

// Size returns the number of entries.
func (c *Cache[K, V]) Size() (int, error) {
	resp := make(chan sizeResult, 1)
	if err := c.send(command[K, V]{op: "size", respSize: resp}); err != nil {
		return 0, err
	}
	r := <-resp
	return r.size, r.err
}

// Prune implements the prune(max_size) algorithm.
func (c *Cache[K, V]) Prune(maxSize int) error {
	resp := make(chan error, 1)
	if err := c.send(command[K, V]{op: "prune", maxSize: maxSize, respErr: resp}); err != nil {
		return err
	}
	return <-resp
}

// FindEntriesWhere returns every entry matching pred.
func (c *Cache[K, V]) FindEntriesWhere(pred func(Entry[K, V]) bool) ([]Entry[K, V], error) {
	resp := make(chan entriesResult[K, V], 1)
	if err := c.send(command[K, V]{op: "find_entries", filter: pred, respEntries: resp}); err != nil {
		return nil, err
	}
	r := <-resp
	return r.entries, r.err
}

// FindOneEntry returns the single entry matching pred, failing with
// NotFoundErr if none match or TooManyMatchesErr if more than one does.
func (c *Cache[K, V]) FindOneEntry(filterName string, pred func(Entry[K, V]) bool) (Entry[K, V], error) {
	entry, err := c.FindOneEntryOptional(filterName, pred)
	if err != nil {
		return Entry[K, V]{}, err
	}
	if entry == nil {
		return Entry[K, V]{}, &agenterrors.NotFoundErr{Key: filterName, Site: agenterrors.Trace()}
	}
	return *entry, nil
}

// FindOneEntryOptional is like FindOneEntry but returns nil instead of
// NotFoundErr when nothing matches.
func (c *Cache[K, V]) FindOneEntryOptional(filterName string, pred func(Entry[K, V]) bool) (*Entry[K, V], error) {
	resp := make(chan entriesResult[K, V], 1)
	if err := c.send(command[K, V]{op: "find_one", filter: pred, filterName: filterName, respEntries: resp}); err != nil {
		return nil, err
	}
	r := <-resp
	if r.err != nil {
		return nil, r.err
	}
	if len(r.entries) == 0 {
		return nil, nil
	}
	return &r.entries[0], nil
}

// GetDirtyEntries returns every entry whose IsDirty is true.
func (c *Cache[K, V]) GetDirtyEntries() ([]Entry[K, V], error) {
	return c.FindEntriesWhere(func(e Entry[K, V]) bool { return e.IsDirty })
}

// Shutdown stops the actor; subsequent operations fail with ActorClosedErr.
func (c *Cache[K, V]) Shutdown() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	<-c.done
}
