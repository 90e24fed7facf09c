// Package scripting provides a sandboxed GopherLua execution environment for
// chat command scripts. It has no dependency on the telnet engine; command
// dispatch passes plain strings in and out.
package scripting

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the maximum number of Lua opcodes allowed per
// command dispatch when no override is configured.
const DefaultInstructionLimit = 100_000

// countingContext is a context.Context that cancels itself after Done() has
// been called budget times. GopherLua's mainLoopWithContext calls Done() once
// per opcode, making this an exact instruction-count limit. The budget is
// re-armed before each dispatch so one expensive command cannot starve the
// next.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

// Done returns the underlying cancellation channel. Each call decrements the
// remaining counter; when it reaches zero the cancel function fires,
// terminating the Lua VM on the next opcode boundary.
func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

// newCountingContext returns a counting context with an unarmed budget and
// the shared counter callers use to re-arm it.
func newCountingContext() (*countingContext, *atomic.Int64) {
	base, cancel := context.WithCancel(context.Background())
	rem := &atomic.Int64{}
	return &countingContext{
		Context:   base,
		cancel:    cancel,
		remaining: rem,
	}, rem
}

// NewSandboxedState creates a GopherLua LState with:
//   - Only safe stdlib loaded: base, table, string, math
//   - Dangerous globals removed: dofile, loadfile, load, loadstring,
//     collectgarbage, require, module, newproxy, setfenv, getfenv, _printregs
//   - Execution limited per dispatch via the returned budget counter
//
// Postcondition: Returns a non-nil LState, the opcode budget to re-arm before
// each protected call, and a CancelFunc the caller must invoke on Close.
// The caller owns the LState and must call L.Close() when done.
func NewSandboxedState() (*lua.LState, *atomic.Int64, context.CancelFunc) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{
		"dofile", "loadfile", "load", "loadstring",
		"collectgarbage", "require",
		"module", "newproxy",
		"setfenv", "getfenv",
		"_printregs",
	} {
		L.SetGlobal(name, lua.LNil)
	}

	ctx, budget := newCountingContext()
	L.SetContext(ctx)
	return L, budget, ctx.cancel
}
