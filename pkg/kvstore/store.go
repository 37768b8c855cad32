// Package kvstore is an embeddable, persistent, typed key-value engine.
//
// Keys are binary-safe byte strings up to 1 MiB. Values are a tagged
// union over null, string, int64, double, bool, and binary. Key bytes
// and string/binary payloads live in an arena allocator that reclaims
// memory only in bulk, which keeps updates and deletes cheap at the
// cost of garbage accumulating until Clear or Compact. Snapshots are whole-file, versioned, big-endian images
// written atomically.
//
// A Store serializes all access behind one mutex: there is at most one
// reader or writer inside the table at any instant. Save and Load hold
// the lock for the duration of the file I/O, stalling concurrent
// commands for the length of the snapshot.
package kvstore

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Options configures a Store.
type Options struct {
	// Path is the snapshot file. Empty disables persistence entirely.
	Path string

	// Capacity hints the initial bucket count (rounded up to a power
	// of two, minimum 16). Zero means DefaultCapacity.
	Capacity int

	// AutoSave makes Close write a snapshot before releasing the
	// table. Ignored when Path is empty.
	AutoSave bool
}

// Store is the thread-safe engine facade: hash table, snapshot
// filename, and the single writer lock.
type Store struct {
	mu       sync.Mutex
	t        *table
	path     string
	autoSave bool
	closed   bool
}

// Stats is an observability snapshot of the engine.
type Stats struct {
	Keys             int
	Capacity         int
	LoadFactor       float64
	ArenaAllocated   int
	ArenaUsed        int
	ArenaUtilization float64
}

// Open creates a Store and, when Options.Path names an existing file,
// pre-loads it. A missing snapshot file is not an error: the store
// simply starts empty.
func Open(opts Options) (*Store, error) {
	s := &Store{
		t:        newTable(opts.Capacity),
		path:     opts.Path,
		autoSave: opts.AutoSave && opts.Path != "",
	}

	if s.path != "" {
		if err := loadSnapshot(s.t, s.path); err != nil && !fileMissing(err) {
			return nil, err
		}
	}

	return s, nil
}

// Close saves the snapshot when auto-save is enabled, then releases the
// table. Close is idempotent; the save error (if any) is returned on
// the first call.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var err error
	if s.autoSave {
		err = saveSnapshot(s.t, s.path)
	}

	s.t.arena.release()
	s.t = newTable(minBuckets)

	return err
}

// Set stores value under key, overwriting any existing entry whatever
// its type. The payload is copied; the caller keeps ownership of its
// buffer.
func (s *Store) Set(key []byte, value Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.t.put(key, value)
}

func (s *Store) SetString(key []byte, value string) error {
	return s.Set(key, StringValue(value))
}

func (s *Store) SetInt64(key []byte, value int64) error {
	return s.Set(key, Int64Value(value))
}

func (s *Store) SetDouble(key []byte, value float64) error {
	return s.Set(key, DoubleValue(value))
}

func (s *Store) SetBool(key []byte, value bool) error {
	return s.Set(key, BoolValue(value))
}

func (s *Store) SetBinary(key, value []byte) error {
	return s.Set(key, BinaryValue(value))
}

func (s *Store) SetNull(key []byte) error {
	return s.Set(key, NullValue())
}

// Get returns a deep copy of the stored value, safe to hold after the
// call returns.
func (s *Store) Get(key []byte) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.t.get(key)
	if err != nil {
		return Value{}, err
	}

	return v.Copy(), nil
}

// typedGet fetches and checks the variant tag.
func (s *Store) typedGet(key []byte, want Type) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.t.get(key)
	if err != nil {
		return Value{}, err
	}

	if v.typ != want {
		return Value{}, fmt.Errorf("%w: have %s, want %s", ErrTypeMismatch, v.typ, want)
	}

	return v.Copy(), nil
}

func (s *Store) GetString(key []byte) (string, error) {
	v, err := s.typedGet(key, TypeString)
	if err != nil {
		return "", err
	}

	return string(v.bytes), nil
}

func (s *Store) GetInt64(key []byte) (int64, error) {
	v, err := s.typedGet(key, TypeInt64)
	if err != nil {
		return 0, err
	}

	return v.intVal, nil
}

func (s *Store) GetDouble(key []byte) (float64, error) {
	v, err := s.typedGet(key, TypeDouble)
	if err != nil {
		return 0, err
	}

	return v.dblVal, nil
}

func (s *Store) GetBool(key []byte) (bool, error) {
	v, err := s.typedGet(key, TypeBool)
	if err != nil {
		return false, err
	}

	return v.boolVal, nil
}

func (s *Store) GetBinary(key []byte) ([]byte, error) {
	v, err := s.typedGet(key, TypeBinary)
	if err != nil {
		return nil, err
	}

	return v.bytes, nil
}

// GetType peeks the variant tag without copying the payload.
func (s *Store) GetType(key []byte) (Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.t.get(key)
	if err != nil {
		return TypeNull, err
	}

	return v.typ, nil
}

// Delete removes key and reports whether it existed. Absent keys are
// not an error.
func (s *Store) Delete(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.t.delete(key)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}

	return false, err
}

// Exists reports key membership.
func (s *Store) Exists(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.t.exists(key)
}

// Clear removes every entry and resets the arena.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.t.clear()
}

// Keys returns a copy of every key. Order is unspecified.
func (s *Store) Keys() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([][]byte, 0, s.t.size())

	for it := s.t.iter(); it.valid(); it.next() {
		key := make([]byte, len(it.entry().key))
		copy(key, it.entry().key)
		keys = append(keys, key)
	}

	return keys
}

// Range calls fn for every entry with borrowed key/value views, under
// the lock. fn must not retain its arguments or call back into the
// store; returning false stops the walk.
func (s *Store) Range(fn func(key []byte, value Value) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for it := s.t.iter(); it.valid(); it.next() {
		if !fn(it.entry().key, it.entry().value) {
			return
		}
	}
}

// Save snapshots to path, or to the configured file when path is
// empty.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.snapshotPath(path)
	if err != nil {
		return err
	}

	return saveSnapshot(s.t, target)
}

// Load replaces the keyspace from the snapshot at path (or the
// configured file). Unlike Open, an unreadable file is an error here:
// an explicit load of something missing should not silently succeed.
// The engine is left empty when decoding fails partway.
func (s *Store) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.snapshotPath(path)
	if err != nil {
		return err
	}

	return loadSnapshot(s.t, target)
}

// Backup saves to path, defaulting to the configured file plus a
// local-time ".backup.YYYYMMDD-hhmmss" suffix.
func (s *Store) Backup(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path == "" {
		base, err := s.snapshotPath("")
		if err != nil {
			return err
		}

		path = base + time.Now().Format(".backup.20060102-150405")
	}

	return saveSnapshot(s.t, path)
}

func (s *Store) snapshotPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}

	if s.path == "" {
		return "", fmt.Errorf("%w: no snapshot file configured", ErrIO)
	}

	return s.path, nil
}

// Compact rebuilds the table into a fresh arena, reclaiming the
// garbage left behind by deletes and overwrites. The bucket count is
// preserved; entries are deep-copied, so borrowed references from
// earlier calls stay untouched but stale.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := newTable(s.t.capacity())

	for it := s.t.iter(); it.valid(); it.next() {
		if err := fresh.put(it.entry().key, it.entry().value); err != nil {
			return err
		}
	}

	s.t.arena.release()
	s.t = fresh

	return nil
}

// Size returns the number of live entries.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.t.size()
}

// Stats returns engine counters for INFO/STATS style reporting.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Keys:             s.t.size(),
		Capacity:         s.t.capacity(),
		LoadFactor:       s.t.loadFactor(),
		ArenaAllocated:   s.t.arena.totalAllocated,
		ArenaUsed:        s.t.arena.totalUsed,
		ArenaUtilization: s.t.arena.utilization(),
	}
}
