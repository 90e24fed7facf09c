package telnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateEchoHandshake(t *testing.T) {
	c, _ := newTestConn(t)

	c.requestWillEcho()
	assert.Equal(t, []byte{IAC, WILL, OptEcho}, c.sendBuf)
	assert.True(t, c.opts.get(OptEcho).ReplyPending)
	c.sendBuf = nil

	// Peer acknowledges with DO ECHO: state settles with no further emission.
	feedBytes(c, []byte{IAC, DO, OptEcho})
	assert.Equal(t, StateEnabled, c.opts.get(OptEcho).Local)
	assert.False(t, c.opts.get(OptEcho).ReplyPending)
	assert.Empty(t, c.sendBuf)
	assert.True(t, c.echo)
}

func TestNegotiateUnsolicitedDoEnablesAndAcks(t *testing.T) {
	c, _ := newTestConn(t)

	feedBytes(c, []byte{IAC, DO, OptSGA})
	assert.Equal(t, StateEnabled, c.opts.get(OptSGA).Local)
	assert.Equal(t, []byte{IAC, WILL, OptSGA}, c.sendBuf)

	// A duplicate DO must not re-acknowledge.
	c.sendBuf = nil
	feedBytes(c, []byte{IAC, DO, OptSGA})
	assert.Empty(t, c.sendBuf)
}

func TestNegotiateRefusesUnknownOptions(t *testing.T) {
	c, _ := newTestConn(t)

	feedBytes(c, []byte{IAC, DO, OptStatus})
	assert.Equal(t, StateDisabled, c.opts.get(OptStatus).Local)
	assert.Equal(t, []byte{IAC, WONT, OptStatus}, c.sendBuf)

	// Refused once; repeats are ignored.
	c.sendBuf = nil
	feedBytes(c, []byte{IAC, DO, OptStatus})
	assert.Empty(t, c.sendBuf)
}

func TestNegotiateDontDisablesEcho(t *testing.T) {
	c, _ := newTestConn(t)

	feedBytes(c, []byte{IAC, DO, OptEcho})
	require.True(t, c.echo)
	c.sendBuf = nil

	feedBytes(c, []byte{IAC, DONT, OptEcho})
	assert.Equal(t, StateDisabled, c.opts.get(OptEcho).Local)
	assert.Equal(t, []byte{IAC, WONT, OptEcho}, c.sendBuf)
	assert.False(t, c.echo)
}

func TestNegotiateRejectsPeerEchoOffer(t *testing.T) {
	c, _ := newTestConn(t)

	feedBytes(c, []byte{IAC, WILL, OptEcho})
	assert.Equal(t, StateDisabled, c.opts.get(OptEcho).Remote)
	assert.Equal(t, []byte{IAC, DONT, OptEcho}, c.sendBuf)
}

func TestNegotiateNAWS(t *testing.T) {
	c, _ := newTestConn(t)

	c.requestWindowSize()
	c.sendBuf = nil

	feedBytes(c, []byte{IAC, WILL, OptNAWS})
	assert.False(t, c.opts.get(OptNAWS).ReplyPending)
	assert.Equal(t, StateEnabled, c.opts.get(OptNAWS).Remote)
	assert.Empty(t, c.sendBuf)

	feedBytes(c, []byte{IAC, SB, OptNAWS, 0, 80, 0, 24, IAC, SE})
	cols, rows := c.WindowSize()
	assert.Equal(t, 80, cols)
	assert.Equal(t, 24, rows)
}

func TestNegotiateMalformedNAWSKeepsWindow(t *testing.T) {
	c, _ := newTestConn(t)
	c.columns, c.rows = 132, 50

	// Three payload bytes instead of four after the option code.
	feedBytes(c, []byte{IAC, SB, OptNAWS, 0, 80, 0, IAC, SE})
	cols, rows := c.WindowSize()
	assert.Equal(t, 132, cols)
	assert.Equal(t, 50, rows)
	assert.True(t, c.IsConnected())
}

func TestNegotiateTerminalType(t *testing.T) {
	c, _ := newTestConn(t)

	c.requestTerminalType()
	c.sendBuf = nil

	// WILL TTYPE while pending: ask for the string, keep pending until IS.
	feedBytes(c, []byte{IAC, WILL, OptTType})
	assert.Equal(t, []byte{IAC, SB, OptTType, ParamSEND, IAC, SE}, c.sendBuf)
	assert.True(t, c.opts.get(OptTType).ReplyPending)

	feedBytes(c, append(append([]byte{IAC, SB, OptTType, ParamIS}, []byte("XTERM")...), IAC, SE))
	assert.Equal(t, "XTERM", c.TerminalType())
	assert.False(t, c.opts.get(OptTType).ReplyPending)
}

func TestNegotiateTerminalSpeed(t *testing.T) {
	c, _ := newTestConn(t)

	c.requestTerminalSpeed()
	c.sendBuf = nil

	feedBytes(c, []byte{IAC, WILL, OptTSpeed})
	assert.Equal(t, []byte{IAC, SB, OptTSpeed, ParamSEND, IAC, SE}, c.sendBuf)
	assert.False(t, c.opts.get(OptTSpeed).ReplyPending)

	feedBytes(c, append(append([]byte{IAC, SB, OptTSpeed, ParamIS}, []byte("38400,19200")...), IAC, SE))
	assert.Equal(t, "38400", c.TerminalSpeed())
}

func TestNegotiateWontTerminalSpeed(t *testing.T) {
	c, _ := newTestConn(t)

	c.requestTerminalSpeed()
	c.sendBuf = nil

	feedBytes(c, []byte{IAC, WONT, OptTSpeed})
	assert.False(t, c.opts.get(OptTSpeed).ReplyPending)
	assert.Equal(t, StateDisabled, c.opts.get(OptTSpeed).Remote)
	assert.Equal(t, "Not Supported", c.TerminalSpeed())
	assert.Empty(t, c.sendBuf)
}

// For each negotiated option, a polite peer's acknowledgment must settle the
// exchange with nothing further queued: at most two messages per side.
func TestNegotiateHandshakeTerminates(t *testing.T) {
	cases := []struct {
		name    string
		request func(c *Conn)
		ack     []byte
	}{
		{"echo", func(c *Conn) { c.requestWillEcho() }, []byte{IAC, DO, OptEcho}},
		{"ttype refused", func(c *Conn) { c.requestTerminalType() }, []byte{IAC, WONT, OptTType}},
		{"tspeed refused", func(c *Conn) { c.requestTerminalSpeed() }, []byte{IAC, WONT, OptTSpeed}},
		{"naws", func(c *Conn) { c.requestWindowSize() }, []byte{IAC, WILL, OptNAWS}},
		{"naws refused", func(c *Conn) { c.requestWindowSize() }, []byte{IAC, WONT, OptNAWS}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestConn(t)
			tc.request(c)
			c.sendBuf = nil

			feedBytes(c, tc.ack)
			assert.Empty(t, c.sendBuf, "acknowledgment must not trigger another request")

			// Replaying the same acknowledgment must not oscillate.
			feedBytes(c, tc.ack)
			assert.Empty(t, c.sendBuf)
		})
	}
}
