package telnet

import (
	"strings"

	"go.uber.org/zap"
)

// threeByteCmd applies the option negotiation policy to an incoming
// IAC <cmd> <opt> sequence. Incoming DO/DONT refer to options on our side;
// WILL/WONT refer to the peer's side. A request that is already pending is
// treated as the peer's acknowledgment and never re-emitted, so a well-formed
// exchange converges in at most two messages per side.
func (c *Conn) threeByteCmd(cmd, opt byte) {
	c.logger.Debug("telnet negotiation",
		zap.Uint8("command", cmd),
		zap.String("option", optionName(opt)),
		zap.String("remote_addr", c.Addrport()),
	)

	switch cmd {
	case DO:
		c.handleDo(opt)
	case DONT:
		c.handleDont(opt)
	case WILL:
		c.handleWill(opt)
	case WONT:
		c.handleWont(opt)
	default:
		c.logger.Warn("invalid three-byte telnet command",
			zap.Uint8("command", cmd),
			zap.String("remote_addr", c.Addrport()),
		)
	}
}

func (c *Conn) handleDo(opt byte) {
	entry := c.opts.get(opt)

	if localPolicy(opt) == policySymmetric {
		switch {
		case entry.ReplyPending:
			entry.ReplyPending = false
			entry.Local = StateEnabled
		case entry.Local != StateEnabled:
			entry.Local = StateEnabled
			c.queueCommand(IAC, WILL, opt)
			if opt == OptEcho {
				c.echo = true
			}
		}
		return
	}

	// Everything else: refuse once, then ignore repeats.
	if entry.Local == StateUnknown {
		entry.Local = StateDisabled
		c.queueCommand(IAC, WONT, opt)
	}
}

func (c *Conn) handleDont(opt byte) {
	entry := c.opts.get(opt)

	if localPolicy(opt) != policySymmetric {
		return
	}
	switch {
	case entry.ReplyPending:
		entry.ReplyPending = false
		entry.Local = StateDisabled
	case entry.Local != StateDisabled:
		entry.Local = StateDisabled
		c.queueCommand(IAC, WONT, opt)
		if opt == OptEcho {
			c.echo = false
		}
	}
}

func (c *Conn) handleWill(opt byte) {
	entry := c.opts.get(opt)

	switch remotePolicy(opt) {
	case policyRemote:
		switch {
		case entry.ReplyPending:
			entry.ReplyPending = false
			entry.Remote = StateEnabled
		case entry.Remote != StateEnabled:
			entry.Remote = StateEnabled
			c.queueCommand(IAC, DO, opt)
			// For NAWS the peer follows up with an SB carrying the size.
		}

	case policyTType:
		if entry.ReplyPending {
			// Pending stays set until the TTYPE IS subnegotiation arrives.
			entry.Remote = StateEnabled
			c.queueCommand(IAC, SB, OptTType, ParamSEND, IAC, SE)
		} else if entry.Remote != StateEnabled {
			entry.Remote = StateEnabled
			c.queueCommand(IAC, DO, OptTType)
		}

	case policyTSpeed:
		if entry.ReplyPending {
			entry.ReplyPending = false
			entry.Remote = StateEnabled
			c.queueCommand(IAC, SB, OptTSpeed, ParamSEND, IAC, SE)
		} else if entry.Remote != StateEnabled {
			entry.Remote = StateEnabled
			c.queueCommand(IAC, DO, OptTSpeed)
		}

	default:
		// Covers ECHO too: a client offering to echo the server is refused.
		if entry.Remote == StateUnknown {
			entry.Remote = StateDisabled
			c.queueCommand(IAC, DONT, opt)
		}
	}
}

func (c *Conn) handleWont(opt byte) {
	entry := c.opts.get(opt)

	switch opt {
	case OptEcho:
		if entry.Remote == StateUnknown {
			entry.Remote = StateDisabled
			c.queueCommand(IAC, DONT, OptEcho)
		}
	case OptTSpeed:
		switch {
		case entry.ReplyPending:
			entry.ReplyPending = false
			entry.Remote = StateDisabled
		case entry.Remote != StateDisabled:
			entry.Remote = StateDisabled
			c.queueCommand(IAC, DONT, opt)
		}
		c.termSpeed = "Not Supported"
	case OptSGA, OptTType, OptNAWS:
		switch {
		case entry.ReplyPending:
			entry.ReplyPending = false
			entry.Remote = StateDisabled
		case entry.Remote != StateDisabled:
			entry.Remote = StateDisabled
			c.queueCommand(IAC, DONT, opt)
		}
	default:
		// Ignored; we never asked for it.
	}
}

// decodeSB interprets a completed subnegotiation payload. Escaped IAC bytes
// have already been de-doubled by the parser.
func (c *Conn) decodeSB(payload []byte) {
	if len(payload) <= 2 {
		return
	}

	switch payload[0] {
	case OptTType:
		if payload[1] == ParamIS {
			c.termType = DecodeCP1252(payload[2:])
			c.opts.get(OptTType).ReplyPending = false
			c.logger.Debug("terminal type received",
				zap.String("terminal_type", c.termType),
				zap.String("remote_addr", c.Addrport()),
			)
		}
	case OptTSpeed:
		if payload[1] == ParamIS {
			speed := DecodeCP1252(payload[2:])
			if i := strings.IndexByte(speed, ','); i >= 0 {
				speed = speed[:i]
			}
			c.termSpeed = speed
		}
	case OptNAWS:
		if len(payload) != 5 {
			c.logger.Warn("bad length on NAWS subnegotiation",
				zap.Int("length", len(payload)),
				zap.String("remote_addr", c.Addrport()),
			)
			return
		}
		c.columns = 256*int(payload[1]) + int(payload[2])
		c.rows = 256*int(payload[3]) + int(payload[4])
		c.logger.Debug("window size received",
			zap.Int("columns", c.columns),
			zap.Int("rows", c.rows),
			zap.String("remote_addr", c.Addrport()),
		)
	}
}

// queueCommand appends raw protocol bytes to the outbound buffer. Commands
// share the buffer with application data so everything leaves the socket in
// queue order.
func (c *Conn) queueCommand(bytes ...byte) {
	c.sendBuf = append(c.sendBuf, bytes...)
}

// requestWillEcho announces that the server will echo the peer's input.
func (c *Conn) requestWillEcho() {
	c.queueCommand(IAC, WILL, OptEcho)
	c.opts.get(OptEcho).ReplyPending = true
	c.echo = true
}

// requestWontEcho announces that the server stops echoing the peer's input.
func (c *Conn) requestWontEcho() {
	c.queueCommand(IAC, WONT, OptEcho)
	c.opts.get(OptEcho).ReplyPending = true
	c.echo = false
}

// requestTerminalType begins the TTYPE exchange (RFC 1091).
func (c *Conn) requestTerminalType() {
	c.queueCommand(IAC, DO, OptTType)
	c.opts.get(OptTType).ReplyPending = true
}

// requestTerminalSpeed begins the TSPEED exchange (RFC 1079).
func (c *Conn) requestTerminalSpeed() {
	c.queueCommand(IAC, DO, OptTSpeed)
	c.opts.get(OptTSpeed).ReplyPending = true
}

// requestWindowSize begins the NAWS exchange (RFC 1073).
func (c *Conn) requestWindowSize() {
	c.queueCommand(IAC, DO, OptNAWS)
	c.opts.get(OptNAWS).ReplyPending = true
}
