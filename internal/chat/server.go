// Package chat implements the chat room on top of the telnet engine: the
// welcome banner, join/leave announcements, the built-in slash commands, and
// dispatch of script-defined commands.
package chat

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ckode/sonzotelnet/internal/scripting"
	"github.com/ckode/sonzotelnet/internal/telnet"
)

const (
	colorLightMagenta = "\x1b[1;35m"
	colorWhite        = "\x1b[37m"
)

// welcomeBanner is formatted with (title color, reset color); both are empty
// strings for peers that failed ANSI auto-sensing.
const welcomeBanner = "\n\r\n\r\n\r                             %sWelcome to Sonzo Chat!%s\n\r\n\r"

// Server is the application façade the telnet engine calls back into. All
// methods run on the engine's loop goroutine.
type Server struct {
	logger  *zap.Logger
	scripts *scripting.Registry // nil when scripting is disabled
	ts      *telnet.Server

	censusInterval time.Duration
	census         *telnet.LoopingCall
}

// New creates the chat façade. scripts may be nil.
//
// Precondition: logger must be non-nil; censusInterval > 0.
func New(logger *zap.Logger, scripts *scripting.Registry, censusInterval time.Duration) *Server {
	return &Server{
		logger:         logger,
		scripts:        scripts,
		censusInterval: censusInterval,
	}
}

// Bind attaches the façade to its telnet server and starts the periodic
// room-census log. Must be called before the engine starts ticking.
//
// Precondition: ts must be non-nil and not yet serving.
func (s *Server) Bind(ts *telnet.Server) {
	s.ts = ts
	s.census = ts.Timers().NewLoopingCall(s.logCensus)
	s.census.Start(s.censusInterval)
}

// OnConnect announces the newcomer to the room and greets them.
func (s *Server) OnConnect(c *telnet.Conn) {
	s.logger.Info("chat user joined",
		zap.String("user", c.Addrport()),
		zap.String("terminal_type", c.TerminalType()),
		zap.Bool("ansi", c.ANSI()),
	)

	for _, other := range s.ts.Clients() {
		if other != c {
			other.Send(fmt.Sprintf("%s has joined the chat!\n\r", c.Addrport()))
		}
	}

	if c.ANSI() {
		c.Send(fmt.Sprintf(welcomeBanner, colorLightMagenta, colorWhite))
	} else {
		c.Send(fmt.Sprintf(welcomeBanner, "", ""))
	}
}

// OnDisconnect announces the departure to everyone left in the room.
func (s *Server) OnDisconnect(c *telnet.Conn) {
	s.logger.Info("chat user left", zap.String("user", c.Addrport()))

	for _, other := range s.ts.Clients() {
		if other != c {
			other.Send(fmt.Sprintf("%s logged off.\n\r", c.Addrport()))
		}
	}
}

// ProcessClients drains every connection's inbound queue.
func (s *Server) ProcessClients() {
	for _, c := range s.ts.Clients() {
		for {
			msg, ok := c.NextCommand()
			if !ok {
				break
			}
			s.dispatch(c, msg)
		}
	}
}

// dispatch interprets one inbound event: a built-in command, a scripted
// command, or chat to broadcast.
func (s *Server) dispatch(c *telnet.Conn, msg string) {
	trimmed := strings.TrimRight(msg, "\n\r")

	switch {
	case strings.HasPrefix(trimmed, "/quit"):
		c.Send("Goodbye!\n\r")
		c.Disconnect()
		return

	case strings.HasPrefix(trimmed, "~"):
		c.SetCharacterMode()
		s.logger.Info("character mode changed",
			zap.String("user", c.Addrport()),
			zap.Bool("character_mode", c.InCharacterMode()),
		)
		c.Send(fmt.Sprintf("Character Mode is now: %v\n\r", c.InCharacterMode()))
		return

	case strings.HasPrefix(trimmed, "=a"):
		c.SetANSIMode()
		s.logger.Info("ansi mode changed",
			zap.String("user", c.Addrport()),
			zap.Bool("ansi", c.ANSI()),
		)
		c.Send(fmt.Sprintf("ANSI: %v\n\r", c.ANSI()))
		return

	case strings.HasPrefix(trimmed, "/runlater"):
		s.ts.Timers().CallLater(2*time.Second, func() {
			if c.IsConnected() {
				c.Send("Ran 2 seconds later.\n\r")
			}
		})
		return

	case strings.HasPrefix(trimmed, "/install"):
		user := c.Addrport()
		s.ts.Timers().Install(func() {
			s.logger.Debug("installed function tick", zap.String("installed_by", user))
		})
		c.Send("Installed function registered.\n\r")
		return

	case strings.HasPrefix(trimmed, "/"):
		if s.dispatchScripted(c, trimmed) {
			return
		}
	}

	s.broadcast(c, msg)
}

// dispatchScripted routes "/name args" to a script-registered handler.
// Returns false when no handler owns the name, letting the line fall through
// to the room.
func (s *Server) dispatchScripted(c *telnet.Conn, trimmed string) bool {
	if s.scripts == nil {
		return false
	}

	name, args, _ := strings.Cut(strings.TrimPrefix(trimmed, "/"), " ")
	reply, handled := s.scripts.Dispatch(name, c.Addrport(), strings.TrimSpace(args))
	if !handled {
		return false
	}
	if reply != "" {
		if !strings.HasSuffix(reply, "\n\r") {
			reply += "\n\r"
		}
		c.Send(reply)
	}
	return true
}

// broadcast relays a chat line to the whole room, sender included.
func (s *Server) broadcast(from *telnet.Conn, msg string) {
	line := fmt.Sprintf("%s says, %s", from.Addrport(), msg)
	for _, c := range s.ts.Clients() {
		c.Send(line)
	}
}

// logCensus emits the periodic room occupancy line, including how long the
// quietest client has been idle.
func (s *Server) logCensus() {
	clients := s.ts.Clients()

	var longestIdle time.Duration
	for _, c := range clients {
		if idle := time.Since(c.LastActivity()); idle > longestIdle {
			longestIdle = idle
		}
	}

	s.logger.Debug("room census",
		zap.Int("clients", len(clients)),
		zap.Duration("longest_idle", longestIdle),
	)
}
