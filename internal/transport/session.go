package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/gvretd/internal/logging"
	"github.com/kstaniek/gvretd/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrContext   = errors.New("context_cancelled")
)

// Session pumps bytes between one Stream and a byte sink / output buffer
// pair. feed is called once per inbound byte; out is drained on a timer and
// once more when the context is cancelled. onDisconnect (if set) runs once the session's goroutines exit,
// e.g. to reset the sink's parser state.
type Session struct {
	Stream        Stream
	feed          func(byte)
	out           BufferSource
	flushInterval time.Duration
	readDeadline  time.Duration
	onDisconnect  []func()
	readErrLabel  string
	writeErrLabel string
	logger        *slog.Logger

	wg sync.WaitGroup
}

// NewSession constructs a Session. readErrLabel/writeErrLabel are metrics
// error labels (see internal/metrics).
func NewSession(s Stream, feed func(byte), out BufferSource, flushInterval, readDeadline time.Duration, readErrLabel, writeErrLabel string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.L()
	}
	return &Session{
		Stream:        s,
		feed:          feed,
		out:           out,
		flushInterval: flushInterval,
		readDeadline:  readDeadline,
		readErrLabel:  readErrLabel,
		writeErrLabel: writeErrLabel,
		logger:        logger,
	}
}

// Start launches the reader and writer goroutines; it returns immediately.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
}

// Wait blocks until both goroutines have exited.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 512)
	for {
		if tc, ok := s.Stream.(interface{ SetReadDeadline(time.Time) error }); ok && s.readDeadline > 0 {
			_ = tc.SetReadDeadline(time.Now().Add(s.readDeadline))
		}
		n, err := s.Stream.Read(buf)
		for i := 0; i < n; i++ {
			s.feed(buf[i])
		}
		if s.readErrLabel == metrics.ErrGvretRead {
			metrics.AddGvretRxBytes(n)
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) || err.Error() == "EOF" {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			metrics.IncError(s.readErrLabel)
			s.logger.Debug("session_read_error", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		_ = s.Stream.Close()
		for _, fn := range s.onDisconnect {
			fn()
		}
		s.wg.Done()
	}()
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	flush := func() bool {
		if s.out.AvailableBytes() == 0 {
			return true
		}
		payload := s.out.TakeAll()
		if _, err := s.Stream.Write(payload); err != nil {
			metrics.IncError(s.writeErrLabel)
			return false
		}
		return true
	}
	for {
		select {
		case <-t.C:
			if !flush() {
				return
			}
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// OnDisconnect registers a callback invoked once the session's goroutines exit.
// Callbacks accumulate; all are invoked, in registration order.
func (s *Session) OnDisconnect(fn func()) { s.onDisconnect = append(s.onDisconnect, fn) }

// Listener accepts TCP clients up to MaxClients and hands each accepted
// connection to NewSession, which constructs (but does not start) a
// *Session for it; Serve then registers its own disconnect callback and
// starts the session.
type Listener struct {
	Addr       string
	MaxClients int
	Logger     *slog.Logger
	NewSession func(conn net.Conn) *Session
	OnConnect  func(conn net.Conn)
	connected  atomic.Int64
	listener   net.Listener
	listenerMu sync.Mutex
}

// Serve accepts connections until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = logging.L()
	}
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		return wrap
	}
	l.listenerMu.Lock()
	l.listener = ln
	l.listenerMu.Unlock()
	logger.Info("tcp_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("%w: %v", ErrAccept, err)
		}
		if l.MaxClients > 0 && l.connected.Load() >= int64(l.MaxClients) {
			_ = conn.Close()
			continue
		}
		l.connected.Add(1)
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		if l.OnConnect != nil {
			l.OnConnect(conn)
		}
		sess := l.NewSession(conn)
		sess.OnDisconnect(func() { l.connected.Add(-1) })
		sess.Start(ctx)
	}
}

// Shutdown closes the listener.
func (l *Listener) Shutdown() {
	l.listenerMu.Lock()
	ln := l.listener
	l.listenerMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}
