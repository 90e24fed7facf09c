// Package telnet implements the Telnet protocol engine and multiplexed
// client I/O manager: per-connection IAC parsing, option negotiation with
// auto-sensing, line/character input assembly, buffered output with
// backpressure, and the server loop that coordinates all of it.
package telnet

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ckode/sonzotelnet/internal/config"
)

// Windows caps select-style processing at 512 sockets; elsewhere the
// practical ceiling is the default 1024 descriptor limit.
const (
	maxConnectionsWindows = 512
	maxConnectionsDefault = 1000
)

// Handler receives application callbacks from the server loop. All methods
// run on the loop goroutine, so per-connection state is never touched
// concurrently. A panicking callback is logged and the loop continues.
type Handler interface {
	// OnConnect fires exactly once per connection, after auto-sensing
	// promotes it to the connected set.
	OnConnect(*Conn)
	// OnDisconnect fires exactly once per promoted connection on teardown.
	// Connections that die while still negotiating never see it.
	OnDisconnect(*Conn)
	// ProcessClients runs every poll tick after I/O; the application drains
	// each connection's command queue here.
	ProcessClients()
}

// ConnFactory builds the connection object for an accepted socket. Override
// Server.Factory before ListenAndServe to wrap or replace NewConn.
type ConnFactory func(sock net.Conn, logger *zap.Logger, terms *TerminalRegistry, writeTimeout time.Duration) *Conn

// Server owns the listening socket, the negotiating and connected sets, and
// the timers. One loop goroutine owns all connection state; the only other
// goroutines are the acceptor and one socket reader per connection.
type Server struct {
	cfg     config.TelnetConfig
	handler Handler
	logger  *zap.Logger
	terms   *TerminalRegistry
	timers  *Timers

	// Factory builds connections for accepted sockets. Defaults to NewConn.
	// Must be set before ListenAndServe.
	Factory ConnFactory

	listener net.Listener
	accepts  chan net.Conn
	quit     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	negotiating map[string]*Conn
	connected   map[string]*Conn

	// clientCount shadows len(connected) for race-free reads off the loop.
	clientCount atomic.Int32
}

// NewServer creates a Telnet server with the given configuration.
//
// Precondition: cfg must be valid; handler and logger must be non-nil.
// Postcondition: Returns a server ready for ListenAndServe, or an error if
// the terminal registry cannot be loaded.
func NewServer(cfg config.TelnetConfig, handler Handler, logger *zap.Logger) (*Server, error) {
	terms := NewTerminalRegistry()
	if cfg.TerminalRegistry != "" {
		loaded, err := LoadTerminalRegistry(cfg.TerminalRegistry)
		if err != nil {
			return nil, fmt.Errorf("loading terminal registry: %w", err)
		}
		terms = loaded
	}

	return &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		terms:       terms,
		timers:      NewTimers(logger),
		Factory:     NewConn,
		accepts:     make(chan net.Conn, 16),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		negotiating: make(map[string]*Conn),
		connected:   make(map[string]*Conn),
	}, nil
}

// Timers returns the server's timer set. Registrations are safe before
// ListenAndServe and from loop callbacks.
func (s *Server) Timers() *Timers { return s.timers }

// Clients returns a snapshot of the promoted connections. Safe only from the
// loop goroutine (handler callbacks and timer fires).
func (s *Server) Clients() []*Conn {
	out := make([]*Conn, 0, len(s.connected))
	for _, c := range s.connected {
		out = append(out, c)
	}
	return out
}

// ClientCount returns the number of promoted connections.
func (s *Server) ClientCount() int { return int(s.clientCount.Load()) }

// maxConnections resolves the configured ceiling, falling back to the
// platform default when unset.
func (s *Server) maxConnections() int {
	if s.cfg.MaxConnections > 0 {
		return s.cfg.MaxConnections
	}
	if runtime.GOOS == "windows" {
		return maxConnectionsWindows
	}
	return maxConnectionsDefault
}

// ListenAndServe binds the listener and runs the poll loop until Stop.
// This method blocks; it returns nil after a clean shutdown.
//
// Precondition: The server must not already be running.
// Postcondition: All sockets are closed and goroutines joined on return.
func (s *Server) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("telnet server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("autosense_timeout", s.cfg.AutosenseTimeout),
		zap.Int("max_connections", s.maxConnections()),
		zap.Duration("startup", time.Since(start)),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	s.run()

	// Loop has exited; tear down every remaining connection.
	for id, c := range s.connected {
		s.fireDisconnect(c)
		c.closeSocket()
		delete(s.connected, id)
	}
	s.clientCount.Store(0)
	for id, c := range s.negotiating {
		c.closeSocket()
		delete(s.negotiating, id)
	}
	s.wg.Wait()
	close(s.done)

	s.logger.Info("telnet server stopped")
	return nil
}

// Stop shuts the server down and blocks until the loop, acceptor, and all
// connection readers have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	<-s.done
}

// IsRunning reports whether the server is currently serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listen address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// acceptLoop hands accepted sockets to the poll loop. Accept errors are
// per-attempt: logged, the socket discarded, and accepting continues.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}
		select {
		case s.accepts <- sock:
		case <-s.quit:
			sock.Close()
			return
		}
	}
}

// run is the poll loop. Each tick: admit accepted sockets, advance
// auto-sensing, drain inbound bytes, flush outbound buffers, give the
// application its turn, fire timers, and purge the dead.
func (s *Server) run() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Server) tick(now time.Time) {
	s.drainAccepts()

	// Promote connections whose auto-sensing has concluded.
	for id, c := range s.negotiating {
		if !c.IsConnected() {
			delete(s.negotiating, id)
			c.closeSocket()
			continue
		}
		if c.checkAutoSense(now) {
			delete(s.negotiating, id)
			s.connected[id] = c
			s.clientCount.Store(int32(len(s.connected)))
			s.fireConnect(c)
		}
	}

	for _, c := range s.connected {
		s.drainInbound(c)
	}
	for _, c := range s.negotiating {
		s.drainInbound(c)
	}

	for _, c := range s.connected {
		if c.IsConnected() && (len(c.sendBuf) > 0 || len(c.echoBuf) > 0) {
			c.flush(now)
		}
	}
	for _, c := range s.negotiating {
		if c.IsConnected() && len(c.sendBuf) > 0 {
			c.flush(now)
		}
	}

	s.runCallback("process_clients", s.handler.ProcessClients)
	s.timers.Advance(now)

	// Purge. Negotiating deaths are silent; promoted ones get the callback
	// and a best-effort flush of any farewell text.
	for id, c := range s.connected {
		if c.IsConnected() {
			continue
		}
		if !c.kicked && len(c.sendBuf) > 0 {
			c.flush(now)
		}
		s.fireDisconnect(c)
		c.closeSocket()
		delete(s.connected, id)
		s.clientCount.Store(int32(len(s.connected)))
	}
}

// drainAccepts admits sockets queued by the acceptor, enforcing the
// connection ceiling with a short rejection banner.
func (s *Server) drainAccepts() {
	for {
		select {
		case sock := <-s.accepts:
			s.admit(sock)
		default:
			return
		}
	}
}

func (s *Server) admit(sock net.Conn) {
	if len(s.connected) >= s.maxConnections() {
		s.logger.Warn("new connection rejected, maximum connection count reached",
			zap.String("remote_addr", sock.RemoteAddr().String()),
			zap.Int("max_connections", s.maxConnections()),
		)
		_ = sock.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = sock.Write(EncodeCP1252(s.cfg.RejectMessage))
		sock.Close()
		return
	}

	c := s.Factory(sock, s.logger, s.terms, s.cfg.WriteTimeout)
	c.StartAutoSense(s.cfg.AutosenseTimeout)
	s.negotiating[c.ID()] = c

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.readLoop()
	}()

	s.logger.Info("client connected",
		zap.String("remote_addr", c.Addrport()),
		zap.String("session_id", c.ID()),
	)
}

// drainInbound feeds every queued chunk through the connection's engine. A
// closed channel means the reader saw EOF or a socket error.
func (s *Server) drainInbound(c *Conn) {
	for {
		select {
		case chunk, ok := <-c.inbound:
			if !ok {
				// Reader saw EOF or a socket error.
				if c.connected {
					c.markLost(nil)
					s.logger.Debug("connection lost",
						zap.String("remote_addr", c.Addrport()),
						zap.Error(c.LostError()),
					)
				}
				return
			}
			c.receive(chunk)
		default:
			return
		}
	}
}

func (s *Server) fireConnect(c *Conn) {
	s.logger.Info("client ready",
		zap.String("remote_addr", c.Addrport()),
		zap.String("session_id", c.ID()),
		zap.String("terminal_type", c.TerminalType()),
		zap.Bool("ansi", c.ANSI()),
	)
	s.runCallback("on_connect", func() { s.handler.OnConnect(c) })
}

func (s *Server) fireDisconnect(c *Conn) {
	fields := []zap.Field{
		zap.String("remote_addr", c.Addrport()),
		zap.String("session_id", c.ID()),
		zap.Duration("session", time.Since(c.ConnectTime())),
	}
	if err := c.LostError(); err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Info("client disconnected", fields...)
	s.runCallback("on_disconnect", func() { s.handler.OnDisconnect(c) })
}

// runCallback shields the loop from application panics.
func (s *Server) runCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("application callback panicked",
				zap.String("callback", name),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}
