package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()

	s, err := Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestStore_TypedSetGet(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{})

	require.NoError(t, s.SetString([]byte("s"), "hello"))
	require.NoError(t, s.SetInt64([]byte("i"), 30))
	require.NoError(t, s.SetDouble([]byte("d"), 0.5))
	require.NoError(t, s.SetBool([]byte("b"), true))
	require.NoError(t, s.SetBinary([]byte("bin"), []byte{1, 0, 2}))
	require.NoError(t, s.SetNull([]byte("n")))

	str, err := s.GetString([]byte("s"))
	require.NoError(t, err)
	require.Equal(t, "hello", str)

	i, err := s.GetInt64([]byte("i"))
	require.NoError(t, err)
	require.Equal(t, int64(30), i)

	d, err := s.GetDouble([]byte("d"))
	require.NoError(t, err)
	require.Equal(t, 0.5, d)

	b, err := s.GetBool([]byte("b"))
	require.NoError(t, err)
	require.True(t, b)

	bin, err := s.GetBinary([]byte("bin"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 0, 2}, bin)

	typ, err := s.GetType([]byte("n"))
	require.NoError(t, err)
	require.Equal(t, TypeNull, typ)
}

func TestStore_TypeMismatch(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{})

	require.NoError(t, s.SetInt64([]byte("age"), 30))

	got, err := s.GetInt64([]byte("age"))
	require.NoError(t, err)
	require.Equal(t, int64(30), got)

	_, err = s.GetDouble([]byte("age"))
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestStore_DeleteExists(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{})

	deleted, err := s.Delete([]byte("ghost"))
	require.NoError(t, err)
	require.False(t, deleted)
	require.False(t, s.Exists([]byte("ghost")))

	require.NoError(t, s.SetString([]byte("k"), "v"))
	require.True(t, s.Exists([]byte("k")))

	deleted, err = s.Delete([]byte("k"))
	require.NoError(t, err)
	require.True(t, deleted)
	require.False(t, s.Exists([]byte("k")))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{})

	require.NoError(t, s.SetString([]byte("k"), "original"))

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)

	v.Bytes()[0] = 'X'

	unchanged, err := s.GetString([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "original", unchanged)
}

func TestStore_OpenLoadsExistingSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kv.db")

	first := openStore(t, Options{Path: path})
	require.NoError(t, first.SetString([]byte("persist"), "me"))
	require.NoError(t, first.Save(""))

	second := openStore(t, Options{Path: path})
	got, err := second.GetString([]byte("persist"))
	require.NoError(t, err)
	require.Equal(t, "me", got)
}

func TestStore_OpenMissingSnapshotIsEmpty(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{Path: filepath.Join(t.TempDir(), "absent.db")})
	require.Equal(t, 0, s.Size())
}

func TestStore_AutoSaveOnClose(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := Open(Options{Path: path, AutoSave: true})
	require.NoError(t, err)
	require.NoError(t, s.SetInt64([]byte("k"), 42))
	require.NoError(t, s.Close())

	// Close is idempotent.
	require.NoError(t, s.Close())

	reopened := openStore(t, Options{Path: path})
	got, err := reopened.GetInt64([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, int64(42), got)
}

func TestStore_SaveClearLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kv.db")
	s := openStore(t, Options{Path: path})

	want := map[string]Value{}

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)

		var v Value
		switch i % 5 {
		case 0:
			v = StringValue(fmt.Sprintf("value-%d", i))
		case 1:
			v = Int64Value(int64(i))
		case 2:
			v = DoubleValue(float64(i) / 3)
		case 3:
			v = BoolValue(i%2 == 0)
		default:
			v = BinaryValue([]byte{byte(i), 0, byte(i >> 8)})
		}

		want[key] = v
		require.NoError(t, s.Set([]byte(key), v))
	}

	require.NoError(t, s.Save(""))
	s.Clear()
	require.Equal(t, 0, s.Size())

	require.NoError(t, s.Load(""))
	require.Equal(t, len(want), s.Size())

	for key, wantVal := range want {
		got, err := s.Get([]byte(key))
		require.NoError(t, err)
		require.True(t, wantVal.Equal(got), "key %s", key)
	}
}

func TestStore_BackupAutoName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "kv.db")
	s := openStore(t, Options{Path: path})

	require.NoError(t, s.SetString([]byte("k"), "v"))
	require.NoError(t, s.Backup(""))

	matches, err := filepath.Glob(path + ".backup.*")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	// The backup is a loadable snapshot.
	restored := openStore(t, Options{Path: matches[0]})
	got, err := restored.GetString([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestStore_SaveWithoutPath(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{})

	require.ErrorIs(t, s.Save(""), ErrIO)
	require.ErrorIs(t, s.Load(""), ErrIO)
	require.ErrorIs(t, s.Backup(""), ErrIO)
}

func TestStore_LoadFailureLeavesEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.db")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot at all"), 0o644))

	s := openStore(t, Options{})
	require.NoError(t, s.SetString([]byte("k"), "v"))

	require.ErrorIs(t, s.Load(path), ErrInvalidFormat)
	require.Equal(t, 0, s.Size())
}

func TestStore_Keys(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{})

	require.NoError(t, s.SetString([]byte("a"), "1"))
	require.NoError(t, s.SetString([]byte("b"), "2"))

	keys := s.Keys()
	require.Len(t, keys, 2)

	got := map[string]bool{}
	for _, k := range keys {
		got[string(k)] = true
	}

	if diff := cmp.Diff(map[string]bool{"a": true, "b": true}, got); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_Stats(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{Capacity: 16})

	for i := 0; i < 100; i++ {
		require.NoError(t, s.SetInt64([]byte(fmt.Sprintf("k%d", i)), int64(i)))
	}

	stats := s.Stats()
	require.Equal(t, 100, stats.Keys)
	require.LessOrEqual(t, stats.LoadFactor, maxLoadFactor)
	require.Greater(t, stats.ArenaAllocated, 0)
	require.Greater(t, stats.ArenaUsed, 0)
	require.Greater(t, stats.ArenaUtilization, 0.0)
}

func TestStore_CompactReclaimsArenaGarbage(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{})

	// Churn: repeated overwrites leave dead payloads in the arena.
	payload := strings.Repeat("x", 1024)
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.SetString([]byte("churn"), payload))
	}

	require.NoError(t, s.SetString([]byte("keep"), "kept"))

	before := s.Stats()
	require.NoError(t, s.Compact())
	after := s.Stats()

	require.Less(t, after.ArenaUsed, before.ArenaUsed)
	require.Equal(t, before.Keys, after.Keys)

	got, err := s.GetString([]byte("keep"))
	require.NoError(t, err)
	require.Equal(t, "kept", got)

	got, err = s.GetString([]byte("churn"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestStore_ConcurrentMixedOps(t *testing.T) {
	t.Parallel()

	s := openStore(t, Options{})

	const (
		workers = 50
		ops     = 1000
	)

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()

			for i := 0; i < ops; i++ {
				key := []byte(fmt.Sprintf("key-%d", i%64))

				switch i % 3 {
				case 0:
					_ = s.SetInt64(key, int64(w*ops+i))
				case 1:
					if v, err := s.Get(key); err == nil && v.Type() != TypeInt64 {
						// A read either misses or sees a complete
						// int64; anything else is a torn value.
						t.Errorf("torn read: got type %s", v.Type())
					}
				default:
					_, _ = s.Delete(key)
				}
			}
		}(w)
	}

	wg.Wait()

	// The table is still coherent after the storm.
	require.LessOrEqual(t, s.Size(), 64)

	stats := s.Stats()
	require.LessOrEqual(t, stats.LoadFactor, maxLoadFactor)
}
