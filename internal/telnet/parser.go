package telnet

import "go.uber.org/zap"

// sbBufferCap bounds the subnegotiation buffer. A well-formed peer never
// comes close; overflow indicates a malformed or hostile client and resets
// the capture.
const sbBufferCap = 64

// parserState tracks where the connection is inside the Telnet command
// grammar. Data bytes and IAC sequences share one stream, so every inbound
// byte is classified against this state before anything else sees it.
type parserState struct {
	gotIAC bool
	gotCmd byte // DO, DONT, WILL, or WONT; 0 when no command is latched
	gotSB  bool
	sbBuf  []byte
}

// feed classifies a single inbound byte. Plain data bytes are handed to the
// input assembler via recvByte; command sequences are routed to the
// negotiation engine. Any unexpected byte in an IAC state resets the parser
// to idle, so it never loses synchronization with the stream.
func (c *Conn) feed(b byte) {
	p := &c.parser

	if !p.gotIAC {
		switch {
		case b == IAC:
			p.gotIAC = true
		case p.gotSB:
			if len(p.sbBuf) < sbBufferCap {
				p.sbBuf = append(p.sbBuf, b)
			} else {
				c.logger.Warn("subnegotiation buffer overflow, discarding",
					zap.String("remote_addr", c.Addrport()),
				)
				p.gotSB = false
				p.sbBuf = p.sbBuf[:0]
			}
		default:
			c.recvByte(b)
		}
		return
	}

	// Inside an IAC sequence.
	switch {
	case b == IAC && p.gotSB:
		// Escaped 255 (IAC IAC): a literal data byte in the subnegotiation.
		if len(p.sbBuf) < sbBufferCap {
			p.sbBuf = append(p.sbBuf, b)
		}
		p.gotIAC = false
	case p.gotCmd != 0:
		c.threeByteCmd(p.gotCmd, b)
		p.gotIAC = false
		p.gotCmd = 0
	case b == DO || b == DONT || b == WILL || b == WONT:
		p.gotCmd = b
	default:
		c.twoByteCmd(b)
		p.gotIAC = false
	}
}

// twoByteCmd handles IAC <cmd> sequences that carry no option byte.
func (c *Conn) twoByteCmd(cmd byte) {
	p := &c.parser
	switch cmd {
	case SB:
		p.gotSB = true
		p.sbBuf = p.sbBuf[:0]
	case SE:
		if p.gotSB {
			p.gotSB = false
			c.decodeSB(p.sbBuf)
			p.sbBuf = p.sbBuf[:0]
		}
	case NOP, DATMK, IP, AO, AYT, EC, EL, GA:
		// Accepted, no action required.
	default:
		c.logger.Warn("unknown two-byte telnet command",
			zap.Uint8("command", cmd),
			zap.String("remote_addr", c.Addrport()),
		)
	}
}
