package kvstore

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func populatedTable(t *testing.T) *table {
	t.Helper()

	tbl := newTable(16)

	require.NoError(t, tbl.put([]byte("s"), StringValue("hello")))
	require.NoError(t, tbl.put([]byte("empty"), StringValue("")))
	require.NoError(t, tbl.put([]byte("i"), Int64Value(-123456789)))
	require.NoError(t, tbl.put([]byte("d"), DoubleValue(2.718281828459045)))
	require.NoError(t, tbl.put([]byte("b"), BoolValue(true)))
	require.NoError(t, tbl.put([]byte("bin"), BinaryValue([]byte{0, 255, 0, 1})))
	require.NoError(t, tbl.put([]byte("n"), NullValue()))

	return tbl
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kv.db")
	tbl := populatedTable(t)

	require.NoError(t, saveSnapshot(tbl, path))

	restored := newTable(16)
	require.NoError(t, loadSnapshot(restored, path))
	require.Equal(t, tbl.size(), restored.size())

	for it := tbl.iter(); it.valid(); it.next() {
		v, err := restored.get(it.entry().key)
		require.NoError(t, err)
		require.True(t, it.entry().value.Equal(*v), "key %q", it.entry().key)
	}
}

func TestSnapshot_HeaderLayout(t *testing.T) {
	t.Parallel()

	tbl := newTable(16)
	require.NoError(t, tbl.put([]byte("k"), NullValue()))

	data, err := encodeSnapshot(tbl)
	require.NoError(t, err)

	require.Equal(t, uint32(0x4B56DB02), binary.BigEndian.Uint32(data[0:4]))
	require.Equal(t, byte(versionMajor), data[4])
	require.Equal(t, byte(versionMinor), data[5])
	require.Equal(t, byte(versionPatch), data[6])
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(data[7:11]))

	// Single entry: key_len=1, 'k', tag null, nothing else.
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(data[11:15]))
	require.Equal(t, byte('k'), data[15])
	require.Equal(t, byte(TypeNull), data[16])
	require.Len(t, data, 17)
}

func TestSnapshot_DoublesAreBigEndian(t *testing.T) {
	t.Parallel()

	tbl := newTable(16)
	require.NoError(t, tbl.put([]byte("d"), DoubleValue(1.0)))

	data, err := encodeSnapshot(tbl)
	require.NoError(t, err)

	// entry: len u32 | 'd' | tag | 8 payload bytes
	payload := data[len(data)-8:]
	require.Equal(t, math.Float64bits(1.0), binary.BigEndian.Uint64(payload))
}

func TestSnapshot_IdempotentSave(t *testing.T) {
	t.Parallel()

	tbl := populatedTable(t)

	first, err := encodeSnapshot(tbl)
	require.NoError(t, err)

	second, err := encodeSnapshot(tbl)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestSnapshot_WrongMagic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.db")
	tbl := populatedTable(t)

	data, err := encodeSnapshot(tbl)
	require.NoError(t, err)

	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	restored := newTable(16)
	require.NoError(t, restored.put([]byte("pre"), NullValue()))

	err = loadSnapshot(restored, path)
	require.ErrorIs(t, err, ErrInvalidFormat)
	require.Equal(t, 0, restored.size()) // engine left empty
}

func TestSnapshot_Truncated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "short.db")
	tbl := populatedTable(t)

	data, err := encodeSnapshot(tbl)
	require.NoError(t, err)

	// Declares all entries but the file ends mid-stream.
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0o644))

	restored := newTable(16)
	err = loadSnapshot(restored, path)
	require.ErrorIs(t, err, ErrIO)
	require.Equal(t, 0, restored.size()) // left empty, not half-populated
}

func TestSnapshot_UnknownTag(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tag.db")
	tbl := newTable(16)
	require.NoError(t, tbl.put([]byte("k"), BoolValue(true)))

	data, err := encodeSnapshot(tbl)
	require.NoError(t, err)

	// Corrupt the value tag (second-to-last byte).
	data[len(data)-2] = 99
	require.NoError(t, os.WriteFile(path, data, 0o644))

	restored := newTable(16)
	err = loadSnapshot(restored, path)
	require.ErrorIs(t, err, ErrInvalidFormat)
	require.Equal(t, 0, restored.size())
}

func TestSnapshot_MissingFile(t *testing.T) {
	t.Parallel()

	tbl := newTable(16)
	err := loadSnapshot(tbl, filepath.Join(t.TempDir(), "nope.db"))

	require.ErrorIs(t, err, ErrIO)
	require.True(t, fileMissing(err))
}

func TestSnapshot_ClearLoadRestores(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kv.db")
	tbl := populatedTable(t)

	require.NoError(t, saveSnapshot(tbl, path))

	tbl.clear()
	require.Equal(t, 0, tbl.size())

	require.NoError(t, loadSnapshot(tbl, path))
	require.Equal(t, 7, tbl.size())

	v, err := tbl.get([]byte("s"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(v.Bytes()))
}
