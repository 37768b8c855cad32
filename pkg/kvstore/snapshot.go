package kvstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/natefinch/atomic"
)

// Snapshot file format: big-endian throughout.
//
//	magic    u32 = 0x4B56DB02
//	version  u8 u8 u8 (major minor patch; read but not enforced)
//	count    u32
//	entries  count * (key_len u32 | key | tag u8 | payload)
//
// Payloads: string/binary are len u32 + bytes, int64 is 8 bytes
// two's-complement, double is 8 bytes IEEE 754, bool is 1 byte.
const (
	snapshotMagic = 0x4B56DB02

	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

func encodeValue(buf *bytes.Buffer, v Value) error {
	buf.WriteByte(byte(v.typ))

	switch v.typ {
	case TypeNull:
		return nil
	case TypeString, TypeBinary:
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v.bytes)))
		buf.Write(lenBuf[:])
		buf.Write(v.bytes)

		return nil
	case TypeInt64:
		var intBuf [8]byte
		binary.BigEndian.PutUint64(intBuf[:], uint64(v.intVal))
		buf.Write(intBuf[:])

		return nil
	case TypeDouble:
		var dblBuf [8]byte
		binary.BigEndian.PutUint64(dblBuf[:], math.Float64bits(v.dblVal))
		buf.Write(dblBuf[:])

		return nil
	case TypeBool:
		if v.boolVal {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

		return nil
	default:
		return fmt.Errorf("%w: tag %d", ErrInvalidType, v.typ)
	}
}

// encodeSnapshot serializes the whole table in iteration order.
func encodeSnapshot(t *table) ([]byte, error) {
	var buf bytes.Buffer

	var header [11]byte
	binary.BigEndian.PutUint32(header[0:4], snapshotMagic)
	header[4] = versionMajor
	header[5] = versionMinor
	header[6] = versionPatch
	binary.BigEndian.PutUint32(header[7:11], uint32(t.size()))
	buf.Write(header[:])

	for it := t.iter(); it.valid(); it.next() {
		e := it.entry()

		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.key)))
		buf.Write(lenBuf[:])
		buf.Write(e.key)

		if err := encodeValue(&buf, e.value); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// saveSnapshot writes the table to path. The image is built in memory
// and moved into place atomically, so readers never observe a torn
// file.
func saveSnapshot(t *table, path string) error {
	data, err := encodeSnapshot(t)
	if err != nil {
		return err
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	// The rename-based write leaves fresh files with the temp file's
	// restrictive mode.
	if err := os.Chmod(path, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

func decodeValue(r *bufio.Reader) (Value, error) {
	var tagBuf [1]byte
	if err := readFull(r, tagBuf[:]); err != nil {
		return Value{}, err
	}

	tag := Type(tagBuf[0])
	if !tag.valid() {
		return Value{}, fmt.Errorf("%w: unknown value tag %d", ErrInvalidFormat, tagBuf[0])
	}

	switch tag {
	case TypeNull:
		return NullValue(), nil
	case TypeString, TypeBinary:
		var lenBuf [4]byte
		if err := readFull(r, lenBuf[:]); err != nil {
			return Value{}, err
		}

		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > MaxStringSize {
			return Value{}, fmt.Errorf("%w: value length %d", ErrStringTooLarge, length)
		}

		payload := make([]byte, length)
		if err := readFull(r, payload); err != nil {
			return Value{}, err
		}

		if tag == TypeString {
			return StringBytesValue(payload), nil
		}

		return BinaryValue(payload), nil
	case TypeInt64:
		var intBuf [8]byte
		if err := readFull(r, intBuf[:]); err != nil {
			return Value{}, err
		}

		return Int64Value(int64(binary.BigEndian.Uint64(intBuf[:]))), nil
	case TypeDouble:
		var dblBuf [8]byte
		if err := readFull(r, dblBuf[:]); err != nil {
			return Value{}, err
		}

		return DoubleValue(math.Float64frombits(binary.BigEndian.Uint64(dblBuf[:]))), nil
	default: // TypeBool
		var boolBuf [1]byte
		if err := readFull(r, boolBuf[:]); err != nil {
			return Value{}, err
		}

		return BoolValue(boolBuf[0] != 0), nil
	}
}

// loadSnapshot replaces the table contents with the file at path. The
// table is cleared before decoding; a decode failure clears it again so
// a half-read file never leaves a partial keyspace behind.
func loadSnapshot(t *table, path string) error {
	f, err := os.Open(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	defer func() { _ = f.Close() }()

	if err := decodeSnapshot(t, bufio.NewReader(f)); err != nil {
		t.clear()

		return err
	}

	return nil
}

func decodeSnapshot(t *table, r *bufio.Reader) error {
	var header [11]byte
	if err := readFull(r, header[:]); err != nil {
		return err
	}

	if magic := binary.BigEndian.Uint32(header[0:4]); magic != snapshotMagic {
		return fmt.Errorf("%w: bad magic 0x%08X", ErrInvalidFormat, magic)
	}

	// header[4:7] carries the writer's version; accepted as-is.

	count := binary.BigEndian.Uint32(header[7:11])

	t.clear()

	for i := uint32(0); i < count; i++ {
		var lenBuf [4]byte
		if err := readFull(r, lenBuf[:]); err != nil {
			return err
		}

		keyLen := binary.BigEndian.Uint32(lenBuf[:])
		if keyLen == 0 || keyLen > MaxStringSize {
			return fmt.Errorf("%w: key length %d", ErrStringTooLarge, keyLen)
		}

		key := make([]byte, keyLen)
		if err := readFull(r, key); err != nil {
			return err
		}

		value, err := decodeValue(r)
		if err != nil {
			return err
		}

		if err := t.put(key, value); err != nil {
			return err
		}
	}

	return nil
}

// fileMissing reports whether err means the snapshot file does not
// exist, which loads treat as an empty keyspace.
func fileMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
