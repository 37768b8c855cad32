package server

import (
	"sync/atomic"
	"time"
)

// Per-connection buffer size. A request line or a queued reply must fit
// or the command fails; a line that cannot fit at all closes the
// connection.
const connBufferSize = 64 * 1024

// connState tracks the connection lifecycle.
type connState int32

const (
	stateReading connState = iota
	stateProcessing
	stateWriting
	stateClosing
)

// conn is one client connection: fd, state, scratch buffers, and the
// parsed args of the command being dispatched. Buffers are owned by
// the event loop; state, lastActivity, and expired are atomics because
// the idle reaper inspects them from the maintenance pool.
type conn struct {
	fd   int
	peer string

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos
	expired      atomic.Bool  // set by the reaper, swept by the loop

	readBuf []byte // partial lines accumulate here
	readLen int

	writeBuf []byte // pending replies; len grows up to cap

	args [][]byte

	wantWrite bool // EPOLLOUT currently registered
}

func newConn(fd int, peer string, now time.Time) *conn {
	c := &conn{
		fd:       fd,
		peer:     peer,
		readBuf:  make([]byte, connBufferSize),
		writeBuf: make([]byte, 0, connBufferSize),
	}
	c.touch(now)

	return c
}

func (c *conn) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *conn) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

func (c *conn) getState() connState {
	return connState(c.state.Load())
}

func (c *conn) setState(st connState) {
	c.state.Store(int32(st))
}

// queue helpers append a reply to the write buffer. A false return
// means the reply did not fit; the caller reports backpressure.

func (c *conn) queueSimple(text string) bool {
	var ok bool
	c.writeBuf, ok = appendSimple(c.writeBuf, text)

	return ok
}

func (c *conn) queueError(reason string) bool {
	var ok bool
	c.writeBuf, ok = appendError(c.writeBuf, reason)

	return ok
}

func (c *conn) queueInteger(v int64) bool {
	var ok bool
	c.writeBuf, ok = appendInteger(c.writeBuf, v)

	return ok
}

func (c *conn) queueNull() bool {
	var ok bool
	c.writeBuf, ok = appendNull(c.writeBuf)

	return ok
}

func (c *conn) queueBulk(payload []byte) bool {
	var ok bool
	c.writeBuf, ok = appendBulk(c.writeBuf, payload)

	return ok
}

func (c *conn) queueBulkString(payload string) bool {
	var ok bool
	c.writeBuf, ok = appendBulkString(c.writeBuf, payload)

	return ok
}

func (c *conn) queueArrayHeader(count int) bool {
	var ok bool
	c.writeBuf, ok = appendArrayHeader(c.writeBuf, count)

	return ok
}

// consumeWritten drops n flushed bytes from the front of the write
// buffer.
func (c *conn) consumeWritten(n int) {
	if n <= 0 {
		return
	}

	remaining := copy(c.writeBuf, c.writeBuf[n:])
	c.writeBuf = c.writeBuf[:remaining]
}

// splitArgs tokenizes one request line on ASCII space and tab. The
// returned slices alias line; dispatch copies what it keeps.
func splitArgs(line []byte, args [][]byte) [][]byte {
	args = args[:0]
	start := -1

	for i, b := range line {
		if b == ' ' || b == '\t' {
			if start >= 0 {
				args = append(args, line[start:i])
				start = -1
			}

			continue
		}

		if start < 0 {
			start = i
		}
	}

	if start >= 0 {
		args = append(args, line[start:])
	}

	return args
}
