package telnet

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrConnectionLost marks a connection torn down by EOF or a socket error,
// as opposed to a cooperative Disconnect or a backpressure kick.
var ErrConnectionLost = errors.New("connection lost")

const (
	// readChunkSize bounds a single socket read.
	readChunkSize = 2048

	// sendBufferLimit is the pending-output ceiling while the peer is
	// mid-line. Crossing it marks the connection kicked.
	sendBufferLimit = 8 * 1024 * 1024

	// inboundQueueDepth is the reader-to-loop handoff channel capacity.
	inboundQueueDepth = 32

	// terminalTypeMegaMUD is the terminal reported by MegaMUD clients, which
	// answer TTYPE and TSPEED but leave the NAWS reply pending.
	terminalTypeMegaMUD = "IBM-3179-2"
)

// autoSenseBanner is sent immediately after accept. The SOH bytes provoke a
// visible artifact on terminals that cannot render ANSI, which some classic
// clients use to self-identify.
const autoSenseBanner = "Auto-Sensing...\n\r\x01\x01\x01\x01\x01\x01\n\r"

// Conn is one Telnet client connection. It owns the parser state, the option
// table, and all inbound/outbound buffers. Every field except the inbound
// channel is touched only by the server loop goroutine; the per-connection
// reader goroutine is limited to copying raw socket bytes into that channel.
type Conn struct {
	id     string
	sock   net.Conn
	host   string
	port   string
	logger *zap.Logger
	terms  *TerminalRegistry

	// inbound carries raw byte chunks from the reader goroutine to the loop.
	// The reader closes it when the socket reports EOF or an error.
	inbound chan []byte
	// closed is signalled by closeSocket so a reader blocked on the inbound
	// channel can exit once the connection is disposed.
	closed    chan struct{}
	closeOnce sync.Once

	connected       bool
	kicked          bool
	newMessages     bool
	characterMode   bool
	ansi            bool
	negotiationDone bool
	echo            bool
	echoPassword    bool

	termType  string
	termSpeed string
	columns   int
	rows      int

	parser parserState
	opts   optionTable

	cmds     []string
	cmdReady bool
	recvBuf  []byte
	sendBuf  []byte
	echoBuf  []byte

	connectTime       time.Time
	lastActivity      time.Time
	autosenseDeadline time.Time

	// lostErr wraps ErrConnectionLost once the socket fails; nil for
	// cooperative teardown. Touched only by the loop goroutine.
	lostErr error

	writeTimeout time.Duration
}

// NewConn wraps an accepted socket in a connection with default NVT state:
// line mode, 80x24, terminal type unknown.
//
// Precondition: sock, logger, and terms must be non-nil.
// Postcondition: Returns a connection ready for StartAutoSense; the reader
// goroutine is not yet running.
func NewConn(sock net.Conn, logger *zap.Logger, terms *TerminalRegistry, writeTimeout time.Duration) *Conn {
	host, port, err := net.SplitHostPort(sock.RemoteAddr().String())
	if err != nil {
		host = sock.RemoteAddr().String()
		port = "0"
	}

	now := time.Now()
	return &Conn{
		id:           uuid.NewString(),
		sock:         sock,
		host:         host,
		port:         port,
		logger:       logger,
		terms:        terms,
		inbound:      make(chan []byte, inboundQueueDepth),
		closed:       make(chan struct{}),
		connected:    true,
		newMessages:  true,
		termType:     "UNKNOWN",
		termSpeed:    "UNKNOWN",
		columns:      80,
		rows:         24,
		opts:         make(optionTable),
		connectTime:  now,
		lastActivity: now,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's session identifier, used for log correlation.
func (c *Conn) ID() string { return c.id }

// Addrport returns the peer endpoint as "host:port".
func (c *Conn) Addrport() string { return c.host + ":" + c.port }

// TerminalType returns the negotiated terminal type, or "UNKNOWN".
func (c *Conn) TerminalType() string { return c.termType }

// TerminalSpeed returns the negotiated terminal speed, or "UNKNOWN".
func (c *Conn) TerminalSpeed() string { return c.termSpeed }

// WindowSize returns the negotiated window dimensions.
func (c *Conn) WindowSize() (columns, rows int) { return c.columns, c.rows }

// ConnectTime returns when the socket was accepted.
func (c *Conn) ConnectTime() time.Time { return c.connectTime }

// LastActivity returns when the peer last sent bytes.
func (c *Conn) LastActivity() time.Time { return c.lastActivity }

// ANSI reports whether the peer is treated as ANSI-capable.
func (c *Conn) ANSI() bool { return c.ansi }

// SetANSIMode toggles the ANSI capability flag.
func (c *Conn) SetANSIMode() { c.ansi = !c.ansi }

// InCharacterMode reports whether input is delivered per keystroke.
func (c *Conn) InCharacterMode() bool { return c.characterMode }

// SetCharacterMode toggles between character and line delivery.
func (c *Conn) SetCharacterMode() { c.characterMode = !c.characterMode }

// SetLineMode forces line delivery.
func (c *Conn) SetLineMode() { c.characterMode = false }

// PasswordMode controls the echo substitution used while the peer types a
// secret: enabled, every echoed printable byte is replaced with '*'.
func (c *Conn) PasswordMode(on bool) { c.echoPassword = on }

// NegotiationComplete reports whether auto-sensing has finished.
func (c *Conn) NegotiationComplete() bool { return c.negotiationDone }

// IsConnected reports whether the connection is still live. A kicked
// connection reports false even before its socket closes.
func (c *Conn) IsConnected() bool { return c.connected && !c.kicked }

// LostError returns the ErrConnectionLost-wrapped cause of an involuntary
// teardown, or nil while the connection is live or was closed cooperatively.
func (c *Conn) LostError() error { return c.lostErr }

// markLost records an involuntary teardown. cause may be nil (EOF observed
// by the reader).
func (c *Conn) markLost(cause error) {
	if c.lostErr == nil {
		if cause != nil {
			c.lostErr = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		} else {
			c.lostErr = ErrConnectionLost
		}
	}
	c.connected = false
}

// SendPending reports whether outbound bytes are queued.
func (c *Conn) SendPending() bool { return len(c.sendBuf) > 0 }

// CommandReady reports whether at least one inbound event is queued.
func (c *Conn) CommandReady() bool { return c.cmdReady }

// NextCommand pops the oldest inbound event. ok is false when the queue is
// empty.
func (c *Conn) NextCommand() (cmd string, ok bool) {
	if len(c.cmds) == 0 {
		c.cmdReady = false
		return "", false
	}
	cmd = c.cmds[0]
	c.cmds = c.cmds[1:]
	if len(c.cmds) == 0 {
		c.cmdReady = false
	}
	return cmd, true
}

// Send queues application text for delivery. Text is transcoded to CP1252 at
// the boundary; the buffers beyond this point carry opaque bytes. Messages
// queued after Disconnect are dropped.
func (c *Conn) Send(text string) {
	if !c.newMessages {
		return
	}
	c.sendBuf = append(c.sendBuf, EncodeCP1252(text)...)
}

// Disconnect begins cooperative teardown: no further messages are accepted
// and the server loop disposes of the connection at the end of the current
// tick, after a best-effort flush of already-queued output.
func (c *Conn) Disconnect() {
	c.newMessages = false
	c.connected = false
}

// StartAutoSense queues the initial probes — WILL ECHO, the sensing banner,
// and the TTYPE/TSPEED/NAWS queries — and arms the auto-sense deadline.
func (c *Conn) StartAutoSense(timeout time.Duration) {
	c.requestWillEcho()
	c.Send(autoSenseBanner)
	c.requestTerminalType()
	c.requestTerminalSpeed()
	c.requestWindowSize()
	c.autosenseDeadline = time.Now().Add(timeout)
}

// checkAutoSense decides whether capability probing has concluded. It
// promotes when every probe has been answered, when a MegaMUD client has
// answered everything except NAWS, or when the deadline passes with replies
// still outstanding.
//
// Postcondition: Returns true exactly when the connection may be promoted;
// once true, the decision is latched.
func (c *Conn) checkAutoSense(now time.Time) bool {
	if c.negotiationDone {
		return true
	}

	ttypePending := c.opts.get(OptTType).ReplyPending
	tspeedPending := c.opts.get(OptTSpeed).ReplyPending
	nawsPending := c.opts.get(OptNAWS).ReplyPending

	switch {
	case !ttypePending && !tspeedPending && !nawsPending:
		c.ansi = c.terms.Recognized(c.termType)
		c.negotiationDone = true
	case !ttypePending && !tspeedPending && nawsPending && c.termType == terminalTypeMegaMUD:
		c.ansi = true
		c.negotiationDone = true
	case now.After(c.autosenseDeadline):
		c.ansi = false
		c.negotiationDone = true
	}

	if c.negotiationDone {
		c.logger.Debug("auto-sense complete",
			zap.String("terminal_type", c.termType),
			zap.Bool("ansi", c.ansi),
			zap.String("remote_addr", c.Addrport()),
		)
	}
	return c.negotiationDone
}

// readLoop copies socket bytes into the inbound channel until the socket
// reports EOF or an error, then closes the channel. It runs on its own
// goroutine and touches no other connection state.
func (c *Conn) readLoop() {
	defer close(c.inbound)
	for {
		buf := make([]byte, readChunkSize)
		n, err := c.sock.Read(buf)
		if n > 0 {
			select {
			case c.inbound <- buf[:n]:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// receive runs one raw chunk through the parser and the input assembler.
// Called only from the server loop.
func (c *Conn) receive(data []byte) {
	c.lastActivity = time.Now()

	// Some clients transmit CR as CR NUL.
	data = bytes.ReplaceAll(data, []byte{'\r', 0}, []byte{'\n'})

	for _, b := range data {
		c.feed(b)
	}

	if c.characterMode {
		if len(c.recvBuf) > 0 {
			c.cmds = append(c.cmds, DecodeCP1252(c.recvBuf))
			c.recvBuf = c.recvBuf[:0]
			c.cmdReady = true
		}
		return
	}

	for {
		mark := bytes.IndexByte(c.recvBuf, '\n')
		if mark < 0 {
			break
		}
		cmd := strings.TrimRight(DecodeCP1252(c.recvBuf[:mark]), " \t\r\n")
		c.cmds = append(c.cmds, cmd+"\n\r")
		c.cmdReady = true
		c.recvBuf = c.recvBuf[mark+1:]
	}
}

// recvByte accepts one data byte from the parser. Backspace and DEL edit the
// partial line in place and are never stored.
func (c *Conn) recvByte(b byte) {
	if c.echo {
		c.echoByte(b)
	}
	if b == 0x08 || b == 0x7F {
		if len(c.recvBuf) > 0 {
			c.recvBuf = c.recvBuf[:len(c.recvBuf)-1]
		}
		return
	}
	c.recvBuf = append(c.recvBuf, b)
}

// echoByte mirrors a received byte into the echo buffer. LF gains a leading
// CR, backspace and DEL erase the peer's on-screen character, and password
// mode substitutes '*'.
func (c *Conn) echoByte(b byte) {
	if b == '\n' {
		c.echoBuf = append(c.echoBuf, '\r')
	}
	switch {
	case b == 0x08 || b == 0x7F:
		c.echoBuf = append(c.echoBuf, 0x08, 0x1B, '[', '0', 'K')
	case c.echoPassword && b != '\n':
		c.echoBuf = append(c.echoBuf, '*')
	default:
		c.echoBuf = append(c.echoBuf, b)
	}
}

// flush drains pending output. The echo buffer goes first whenever local
// echo is active. In line mode the send buffer is held back while the peer
// has a partial line typed; if the held-back buffer outgrows the limit the
// connection is kicked. Partial socket writes leave the remainder queued.
func (c *Conn) flush(now time.Time) {
	if c.echo && len(c.echoBuf) > 0 {
		c.echoBuf = c.write(c.echoBuf, now)
	}
	if len(c.sendBuf) == 0 {
		return
	}

	if !c.characterMode && len(c.recvBuf) > 0 {
		// The peer is mid-line; interleaving output would corrupt their view.
		if len(c.sendBuf) > sendBufferLimit {
			c.logger.Warn("send buffer overflow while peer typing, kicking",
				zap.Int("pending", len(c.sendBuf)),
				zap.String("remote_addr", c.Addrport()),
			)
			c.kicked = true
		}
		return
	}

	c.sendBuf = c.write(c.sendBuf, now)
}

// write pushes buf to the socket under a short deadline and returns the
// unsent remainder. A timeout is backpressure, not failure; any other error
// marks the connection lost.
func (c *Conn) write(buf []byte, now time.Time) []byte {
	_ = c.sock.SetWriteDeadline(now.Add(c.writeTimeout))
	n, err := c.sock.Write(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
			c.markLost(err)
		}
	}
	return buf[n:]
}

// closeSocket releases the underlying socket. The reader goroutine unblocks
// and exits as a side effect, whether it is parked in Read or on a full
// inbound channel.
func (c *Conn) closeSocket() {
	c.closeOnce.Do(func() {
		_ = c.sock.Close()
		close(c.closed)
	})
}
