// Package server implements the kvgo network server: a non-blocking
// TCP listener multiplexed with edge-triggered epoll, line-framed text
// commands in, RESP replies out, and a single shared engine guarded by
// its own lock. The event loop is single-threaded; a small maintenance
// pool runs the idle reaper and metrics sampling.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/abiiranathan/kvgo/internal/logging"
	"github.com/abiiranathan/kvgo/pkg/kvstore"
)

// Version is reported by INFO.
const Version = "1.0.0"

// Server limits and cadence, matching the historical daemon.
const (
	maxClients     = 10_000
	maxEvents      = 1024
	clientTimeout  = 300 * time.Second
	reapInterval   = 10 * time.Second
	epollTimeoutMs = 1000

	keepaliveIdle     = 60
	keepaliveInterval = 10
	keepaliveProbes   = 3
)

// Server owns the listener, the epoll instance, the connection list,
// and the engine handle. Create with New, start with ListenAndServe.
type Server struct {
	cfg     Config
	store   *kvstore.Store
	log     *logging.Logger
	metrics *Metrics

	epfd     int
	listenFd int
	addr     string

	connMu sync.Mutex
	conns  map[int]*conn

	running       atomic.Bool
	activeConns   atomic.Int64
	totalRequests atomic.Uint64
	totalErrors   atomic.Uint64
	startTime     time.Time

	jobs        chan func()
	workerWG    sync.WaitGroup
	tickerWG    sync.WaitGroup
	metricsSrv  *http.Server
	maintCancel chan struct{}
}

// New wires a server around an opened store. The caller keeps
// ownership of the store; Shutdown does not close it.
func New(cfg Config, store *kvstore.Store, log *logging.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		log:      log,
		metrics:  NewMetrics(),
		epfd:     -1,
		listenFd: -1,
		conns:    make(map[int]*conn),
	}
}

// Addr returns the bound listen address, useful when Port was 0.
func (s *Server) Addr() string {
	return s.addr
}

// Listen creates the non-blocking listener and the epoll instance.
func (s *Server) Listen() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}

	s.listenFd = fd

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.closeListener()

		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}

	// Best effort; some kernels restrict it.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	ip := net.ParseIP(s.cfg.Bind).To4()
	if ip == nil {
		s.closeListener()

		return fmt.Errorf("%w: %q", errInvalidBind, s.cfg.Bind)
	}

	sa := &unix.SockaddrInet4{Port: s.cfg.Port}
	copy(sa.Addr[:], ip)

	if err := unix.Bind(fd, sa); err != nil {
		s.closeListener()

		return fmt.Errorf("bind %s:%d: %w", s.cfg.Bind, s.cfg.Port, err)
	}

	if err := unix.Listen(fd, s.cfg.Backlog); err != nil {
		s.closeListener()

		return fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err == nil {
		if in4, ok := bound.(*unix.SockaddrInet4); ok {
			s.addr = fmt.Sprintf("%s:%d", net.IP(in4.Addr[:]), in4.Port)
		}
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		s.closeListener()

		return fmt.Errorf("epoll_create1: %w", err)
	}

	s.epfd = epfd

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		s.closeListener()

		return fmt.Errorf("epoll_ctl add listener: %w", err)
	}

	return nil
}

func (s *Server) closeListener() {
	if s.listenFd >= 0 {
		_ = unix.Close(s.listenFd)
		s.listenFd = -1
	}

	if s.epfd >= 0 {
		_ = unix.Close(s.epfd)
		s.epfd = -1
	}
}

// ListenAndServe binds and runs until Shutdown. It owns the calling
// goroutine.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}

	return s.Serve()
}

// Serve runs the readiness loop until the running flag drops. Listen
// must have succeeded first.
func (s *Server) Serve() error {
	s.running.Store(true)
	s.startTime = time.Now()
	s.startMaintenance()

	s.log.Infof("server listening on %s", s.addr)

	defer s.teardown()

	events := make([]unix.EpollEvent, maxEvents)

	for s.running.Load() {
		n, err := unix.EpollWait(s.epfd, events, epollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			if fd == s.listenFd {
				s.acceptPending()

				continue
			}

			c := s.lookupConn(fd)
			if c == nil {
				continue
			}

			if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				s.destroyConn(c)

				continue
			}

			if events[i].Events&unix.EPOLLIN != 0 {
				s.handleRead(c)
			}

			if events[i].Events&unix.EPOLLOUT != 0 {
				s.handleWrite(c)
			}
		}

		s.sweepExpired()
	}

	return nil
}

// Shutdown flips the running flag; the loop notices within one epoll
// timeout. Safe to call from signal handlers' goroutine.
func (s *Server) Shutdown() {
	s.running.Store(false)
}

func (s *Server) teardown() {
	s.log.Infof("shutting down server")

	s.stopMaintenance()

	s.connMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		s.destroyConn(c)
	}

	s.closeListener()
}

// acceptPending drains the listener. Edge-triggered: stop only at
// EAGAIN.
func (s *Server) acceptPending() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}

			if errors.Is(err, unix.EINTR) {
				continue
			}

			s.log.Errorf("accept: %v", err)

			return
		}

		if s.activeConns.Load() >= maxClients {
			s.log.Warnf("connection limit reached, rejecting fd=%d", fd)
			_ = unix.Close(fd)

			continue
		}

		s.configureConnSocket(fd)

		peer := ""
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			peer = fmt.Sprintf("%s:%d", net.IP(in4.Addr[:]), in4.Port)
		}

		c := newConn(fd, peer, time.Now())

		s.connMu.Lock()
		s.conns[fd] = c
		s.connMu.Unlock()

		s.activeConns.Add(1)
		s.metrics.connectionsTotal.Inc()
		s.metrics.connectionsActive.Inc()

		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
		if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			s.log.Errorf("epoll_ctl add client: %v", err)
			s.destroyConn(c)

			continue
		}

		s.log.Debugf("accepted connection from %s (fd=%d)", peer, fd)
	}
}

// configureConnSocket applies NODELAY and keepalive probing so that
// dead peers are detected even when the reaper has not fired yet.
func (s *Server) configureConnSocket(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, keepaliveIdle)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepaliveInterval)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepaliveProbes)
}

func (s *Server) lookupConn(fd int) *conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	return s.conns[fd]
}

// destroyConn removes the connection from the list, the epoll set, and
// the kernel. Idempotent: a second call on the same conn is a no-op.
func (s *Server) destroyConn(c *conn) {
	s.connMu.Lock()

	if _, ok := s.conns[c.fd]; !ok {
		s.connMu.Unlock()

		return
	}

	delete(s.conns, c.fd)
	s.connMu.Unlock()

	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	_ = unix.Close(c.fd)

	s.activeConns.Add(-1)
	s.metrics.connectionsActive.Dec()

	s.log.Debugf("closed connection %s (fd=%d)", c.peer, c.fd)
}

// handleRead drains the socket (edge-triggered readiness demands it)
// and processes every complete line in the buffer.
func (s *Server) handleRead(c *conn) {
	c.touch(time.Now())

	for c.getState() != stateClosing {
		if c.readLen >= connBufferSize-1 {
			// Full buffer: dispatch pending lines to make room, or
			// fail the connection when there is no terminator at all.
			s.processInput(c)

			if c.readLen >= connBufferSize-1 {
				break
			}

			continue
		}

		n, err := unix.Read(c.fd, c.readBuf[c.readLen:connBufferSize-1])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				break
			}

			if errors.Is(err, unix.EINTR) {
				continue
			}

			s.destroyConn(c)

			return
		}

		if n == 0 { // peer closed
			s.destroyConn(c)

			return
		}

		c.readLen += n
	}

	s.processInput(c)

	if len(c.writeBuf) > 0 {
		s.handleWrite(c)
	} else if c.getState() == stateClosing {
		s.destroyConn(c)
	}
}

// processInput splits the read buffer into lines and dispatches each
// one. A full buffer with no terminator is a protocol violation: the
// client gets one error reply and the connection closes.
func (s *Server) processInput(c *conn) {
	if c.getState() == stateClosing {
		return
	}

	buf := c.readBuf[:c.readLen]
	start := 0

	for c.getState() != stateClosing {
		idx := bytes.IndexByte(buf[start:], '\n')
		if idx < 0 {
			break
		}

		line := buf[start : start+idx]
		start += idx + 1

		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}

		c.args = splitArgs(line, c.args)
		if len(c.args) == 0 {
			continue
		}

		c.setState(stateProcessing)
		s.dispatch(c, c.args)
		c.args = c.args[:0]

		if c.getState() == stateProcessing {
			c.setState(stateReading)
		}
	}

	if start == 0 && c.readLen >= connBufferSize-1 {
		s.replyError(c, errCommandTooLong)
		c.setState(stateClosing)
		c.readLen = 0

		return
	}

	// Compact the trailing partial command to the front.
	if start > 0 {
		c.readLen = copy(c.readBuf, buf[start:])
	}
}

// handleWrite flushes the write buffer until EAGAIN or empty. The
// first unflushed byte arms EPOLLOUT; a drained buffer disarms it.
func (s *Server) handleWrite(c *conn) {
	c.touch(time.Now())

	for len(c.writeBuf) > 0 {
		n, err := unix.Write(c.fd, c.writeBuf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				s.armWrite(c)

				return
			}

			if errors.Is(err, unix.EINTR) {
				continue
			}

			s.destroyConn(c)

			return
		}

		c.consumeWritten(n)
	}

	s.disarmWrite(c)

	if c.getState() == stateClosing {
		s.destroyConn(c)
	}
}

func (s *Server) armWrite(c *conn) {
	if c.wantWrite {
		return
	}

	c.wantWrite = true
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET, Fd: int32(c.fd)}
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev)
}

func (s *Server) disarmWrite(c *conn) {
	if !c.wantWrite {
		return
	}

	c.wantWrite = false
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(c.fd)}
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev)
}

// sweepExpired destroys connections the reaper flagged. Runs on the
// event loop so fd teardown never races the read/write paths.
func (s *Server) sweepExpired() {
	s.connMu.Lock()

	var doomed []*conn

	for _, c := range s.conns {
		if c.expired.Load() {
			doomed = append(doomed, c)
		}
	}

	s.connMu.Unlock()

	for _, c := range doomed {
		s.log.Debugf("reaping idle connection %s (fd=%d)", c.peer, c.fd)
		s.destroyConn(c)
	}
}

// startMaintenance launches the worker pool and its tickers: the idle
// reaper and the system-metrics sampler.
func (s *Server) startMaintenance() {
	s.maintCancel = make(chan struct{})
	s.jobs = make(chan func(), 16)

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)

		go func() {
			defer s.workerWG.Done()

			for job := range s.jobs {
				job()
			}
		}()
	}

	s.tickerWG.Add(1)

	go func() {
		defer s.tickerWG.Done()

		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.maintCancel:
				return
			case <-ticker.C:
				s.enqueueJob(s.reapIdle)
				s.enqueueJob(s.metrics.sampleSystem)
			}
		}
	}()

	if s.cfg.MetricsAddr != "" {
		s.startMetricsServer()
	}
}

func (s *Server) enqueueJob(job func()) {
	select {
	case s.jobs <- job:
	default: // pool backed up; skip this tick
	}
}

func (s *Server) stopMaintenance() {
	close(s.maintCancel)
	s.tickerWG.Wait() // no enqueues after this point
	close(s.jobs)
	s.workerWG.Wait()

	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
	}
}

// reapIdle flags connections that have been silent past the timeout,
// or that are already closing. The event loop sweeps them on its next
// iteration.
func (s *Server) reapIdle() {
	now := time.Now()

	s.connMu.Lock()
	defer s.connMu.Unlock()

	for _, c := range s.conns {
		if c.idleSince(now) > clientTimeout || c.getState() == stateClosing {
			c.expired.Store(true)
		}
	}
}

func (s *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	s.metricsSrv = &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warnf("metrics server: %v", err)
		}
	}()
}
