package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiiranathan/kvgo/pkg/kvstore"
)

// Error reply texts shared with the historical wire protocol.
const (
	errUnknownCommand = "Unknown command"
	errWrongArgs      = "Wrong number of arguments"
	errInvalidKeyFmt  = "Invalid key format"
	errValueTooLarge  = "Value too large"
	errCommandTooLong = "Command too long"
	errReplyTooLarge  = "Reply too large"
)

const protocolVersion = "1.0"

// command describes one dispatch-table entry. minArgs/maxArgs count
// arguments after the command name; maxArgs < 0 means unbounded.
type command struct {
	name    string
	minArgs int
	maxArgs int
	handler func(s *Server, c *conn, args [][]byte)
}

// commandTable is consulted case-insensitively. Handlers run on the
// event loop with the engine lock taken inside each Store call; they
// must never block on the socket.
var commandTable = map[string]command{
	"PING":   {name: "PING", minArgs: 0, maxArgs: 1, handler: cmdPing},
	"INFO":   {name: "INFO", minArgs: 0, maxArgs: 1, handler: cmdInfo},
	"SET":    {name: "SET", minArgs: 2, maxArgs: -1, handler: cmdSet},
	"GET":    {name: "GET", minArgs: 1, maxArgs: 1, handler: cmdGet},
	"DEL":    {name: "DEL", minArgs: 1, maxArgs: 1, handler: cmdDel},
	"EXISTS": {name: "EXISTS", minArgs: 1, maxArgs: 1, handler: cmdExists},
	"KEYS":   {name: "KEYS", minArgs: 0, maxArgs: 0, handler: cmdKeys},
	"CLEAR":  {name: "CLEAR", minArgs: 0, maxArgs: 0, handler: cmdClear},
	"STATS":  {name: "STATS", minArgs: 0, maxArgs: 0, handler: cmdStats},
	"SAVE":   {name: "SAVE", minArgs: 0, maxArgs: 1, handler: cmdSave},
	"LOAD":   {name: "LOAD", minArgs: 0, maxArgs: 1, handler: cmdLoad},
	"BACKUP": {name: "BACKUP", minArgs: 0, maxArgs: 1, handler: cmdBackup},
	"QUIT":   {name: "QUIT", minArgs: 0, maxArgs: 0, handler: cmdQuit},
}

// dispatch runs one tokenized request line against the command table.
func (s *Server) dispatch(c *conn, args [][]byte) {
	if len(args) == 0 {
		return
	}

	s.totalRequests.Add(1)

	name := strings.ToUpper(string(args[0]))

	cmd, ok := commandTable[name]
	if !ok {
		s.replyError(c, errUnknownCommand)

		return
	}

	s.metrics.commandsTotal.WithLabelValues(cmd.name).Inc()

	argc := len(args) - 1
	if argc < cmd.minArgs || (cmd.maxArgs >= 0 && argc > cmd.maxArgs) {
		s.replyError(c, errWrongArgs)

		return
	}

	cmd.handler(s, c, args[1:])
}

// replyError queues -ERR and bumps the error counters. Backpressure on
// an error reply closes the connection.
func (s *Server) replyError(c *conn, reason string) {
	s.totalErrors.Add(1)
	s.metrics.errorsTotal.Inc()

	if !c.queueError(reason) {
		c.setState(stateClosing)
	}
}

// checkReply handles write-buffer backpressure for all-or-nothing
// replies: nothing was appended, so an error reply keeps the stream in
// sync. If even that does not fit, the connection closes.
func (s *Server) checkReply(c *conn, ok bool) {
	if ok {
		return
	}

	s.replyError(c, errReplyTooLarge)
}

func validKey(key []byte) bool {
	return len(key) > 0 && len(key) <= kvstore.MaxStringSize
}

func cmdPing(s *Server, c *conn, args [][]byte) {
	if len(args) == 0 {
		s.checkReply(c, c.queueSimple("PONG"))

		return
	}

	s.checkReply(c, c.queueBulk(args[0]))
}

func cmdInfo(s *Server, c *conn, _ [][]byte) {
	stats := s.store.Stats()
	uptime := time.Since(s.startTime).Seconds()

	var b strings.Builder
	fmt.Fprintf(&b, "# Server\r\n")
	fmt.Fprintf(&b, "kv_version:%s\r\n", Version)
	fmt.Fprintf(&b, "protocol_version:%s\r\n", protocolVersion)
	fmt.Fprintf(&b, "uptime_in_seconds:%.0f\r\n", uptime)
	fmt.Fprintf(&b, "connected_clients:%d\r\n", s.activeConns.Load())
	fmt.Fprintf(&b, "total_commands_processed:%d\r\n", s.totalRequests.Load())
	fmt.Fprintf(&b, "total_errors:%d\r\n", s.totalErrors.Load())
	fmt.Fprintf(&b, "\r\n# Keyspace\r\n")
	fmt.Fprintf(&b, "keys:%d\r\n", stats.Keys)
	fmt.Fprintf(&b, "\r\n# Memory\r\n")
	fmt.Fprintf(&b, "used_memory_bytes:%d\r\n", residentMemory())

	s.checkReply(c, c.queueBulkString(b.String()))
}

// cmdSet joins multi-token values with single spaces, so that
// "SET k a b c" stores "a b c".
func cmdSet(s *Server, c *conn, args [][]byte) {
	key := args[0]
	if !validKey(key) {
		s.replyError(c, errInvalidKeyFmt)

		return
	}

	var value []byte
	if len(args) == 2 {
		value = args[1]
	} else {
		value = make([]byte, 0, 64)

		for i, part := range args[1:] {
			if i > 0 {
				value = append(value, ' ')
			}

			value = append(value, part...)
		}
	}

	if len(value) > kvstore.MaxStringSize {
		s.replyError(c, errValueTooLarge)

		return
	}

	if err := s.store.Set(key, kvstore.StringBytesValue(value)); err != nil {
		s.replyError(c, err.Error())

		return
	}

	s.checkReply(c, c.queueSimple("OK"))
}

func cmdGet(s *Server, c *conn, args [][]byte) {
	key := args[0]
	if !validKey(key) {
		s.replyError(c, errInvalidKeyFmt)

		return
	}

	v, err := s.store.Get(key)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			s.checkReply(c, c.queueNull())

			return
		}

		s.replyError(c, err.Error())

		return
	}

	// A stored null renders as the null bulk, same as an absent key.
	if v.Type() == kvstore.TypeNull {
		s.checkReply(c, c.queueNull())

		return
	}

	s.checkReply(c, c.queueBulk(formatValue(v)))
}

// formatValue renders a typed value for the wire: int64 as decimal,
// double as shortest round-trip decimal, bool as true/false, binary
// and string as raw bytes, null as an empty payload (GET handles the
// $-1 case before calling this).
func formatValue(v kvstore.Value) []byte {
	switch v.Type() {
	case kvstore.TypeString, kvstore.TypeBinary:
		return v.Bytes()
	case kvstore.TypeInt64:
		return strconv.AppendInt(nil, v.Int64(), 10)
	case kvstore.TypeDouble:
		return strconv.AppendFloat(nil, v.Double(), 'g', -1, 64)
	case kvstore.TypeBool:
		if v.Bool() {
			return []byte("true")
		}

		return []byte("false")
	default:
		return nil
	}
}

func cmdDel(s *Server, c *conn, args [][]byte) {
	key := args[0]
	if !validKey(key) {
		s.replyError(c, errInvalidKeyFmt)

		return
	}

	deleted, err := s.store.Delete(key)
	if err != nil {
		s.replyError(c, err.Error())

		return
	}

	if deleted {
		s.checkReply(c, c.queueInteger(1))
	} else {
		s.checkReply(c, c.queueInteger(0))
	}
}

func cmdExists(s *Server, c *conn, args [][]byte) {
	key := args[0]
	if !validKey(key) {
		s.replyError(c, errInvalidKeyFmt)

		return
	}

	if s.store.Exists(key) {
		s.checkReply(c, c.queueInteger(1))
	} else {
		s.checkReply(c, c.queueInteger(0))
	}
}

func cmdKeys(s *Server, c *conn, _ [][]byte) {
	keys := s.store.Keys()

	ok := c.queueArrayHeader(len(keys))
	for _, key := range keys {
		if !ok {
			break
		}

		ok = c.queueBulk(key)
	}

	if !ok {
		// The array is already torn mid-stream; an error reply would
		// not resynchronize the client. Close instead.
		s.totalErrors.Add(1)
		s.metrics.errorsTotal.Inc()
		c.setState(stateClosing)
	}
}

func cmdClear(s *Server, c *conn, _ [][]byte) {
	s.store.Clear()
	s.checkReply(c, c.queueSimple("OK"))
}

func cmdStats(s *Server, c *conn, _ [][]byte) {
	stats := s.store.Stats()
	s.metrics.keysGauge.Set(float64(stats.Keys))

	var b strings.Builder
	fmt.Fprintf(&b, "keys:%d\r\n", stats.Keys)
	fmt.Fprintf(&b, "capacity:%d\r\n", stats.Capacity)
	fmt.Fprintf(&b, "load_factor:%.2f\r\n", stats.LoadFactor)
	fmt.Fprintf(&b, "arena_allocated:%d\r\n", stats.ArenaAllocated)
	fmt.Fprintf(&b, "arena_used:%d\r\n", stats.ArenaUsed)
	fmt.Fprintf(&b, "arena_utilization:%.2f\r\n", stats.ArenaUtilization)

	s.checkReply(c, c.queueBulkString(b.String()))
}

func cmdSave(s *Server, c *conn, args [][]byte) {
	path := ""
	if len(args) == 1 {
		path = string(args[0])
	}

	start := time.Now()

	if err := s.store.Save(path); err != nil {
		s.replyError(c, err.Error())

		return
	}

	s.metrics.observeSnapshot(start)
	s.checkReply(c, c.queueSimple("OK"))
}

func cmdLoad(s *Server, c *conn, args [][]byte) {
	path := ""
	if len(args) == 1 {
		path = string(args[0])
	}

	start := time.Now()

	if err := s.store.Load(path); err != nil {
		s.replyError(c, err.Error())

		return
	}

	s.metrics.observeSnapshot(start)
	s.checkReply(c, c.queueSimple("OK"))
}

func cmdBackup(s *Server, c *conn, args [][]byte) {
	path := ""
	if len(args) == 1 {
		path = string(args[0])
	}

	start := time.Now()

	if err := s.store.Backup(path); err != nil {
		s.replyError(c, err.Error())

		return
	}

	s.metrics.observeSnapshot(start)
	s.checkReply(c, c.queueSimple("OK"))
}

func cmdQuit(s *Server, c *conn, _ [][]byte) {
	s.checkReply(c, c.queueSimple("OK"))
	c.setState(stateClosing)
}
