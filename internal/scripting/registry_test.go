package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap/zaptest"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newLoadedRegistry(t *testing.T, scripts map[string]string) *Registry {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		writeScript(t, dir, name, body)
	}

	r := NewRegistry(zaptest.NewLogger(t), 0)
	t.Cleanup(r.Close)
	require.NoError(t, r.LoadDir(dir))
	return r
}

func TestRegistryRegisterAndDispatch(t *testing.T) {
	r := newLoadedRegistry(t, map[string]string{
		"greet.lua": `chat.register("greet", function(sender, args)
			return "Hello, " .. sender
		end)`,
	})

	require.True(t, r.Has("greet"))
	reply, handled := r.Dispatch("greet", "10.0.0.1:4000", "")
	assert.True(t, handled)
	assert.Equal(t, "Hello, 10.0.0.1:4000", reply)
}

func TestRegistryDispatchPassesArgs(t *testing.T) {
	r := newLoadedRegistry(t, map[string]string{
		"echo.lua": `chat.register("echo", function(sender, args)
			return "you said: " .. args
		end)`,
	})

	reply, handled := r.Dispatch("echo", "peer", "one two")
	assert.True(t, handled)
	assert.Equal(t, "you said: one two", reply)
}

func TestRegistryUnknownCommandNotHandled(t *testing.T) {
	r := newLoadedRegistry(t, nil)

	reply, handled := r.Dispatch("nope", "peer", "")
	assert.False(t, handled)
	assert.Empty(t, reply)
}

func TestRegistryRuntimeErrorIsContained(t *testing.T) {
	r := newLoadedRegistry(t, map[string]string{
		"bad.lua": `chat.register("bad", function(sender, args)
			error("kaboom")
		end)
		chat.register("good", function(sender, args)
			return "fine"
		end)`,
	})

	reply, handled := r.Dispatch("bad", "peer", "")
	assert.True(t, handled)
	assert.Empty(t, reply)

	// The VM stays usable for the next command.
	reply, handled = r.Dispatch("good", "peer", "")
	assert.True(t, handled)
	assert.Equal(t, "fine", reply)
}

func TestRegistryInstructionLimitStopsRunawayHandler(t *testing.T) {
	r := newLoadedRegistry(t, map[string]string{
		"spin.lua": `chat.register("spin", function(sender, args)
			while true do end
		end)
		chat.register("ok", function(sender, args)
			return "still here"
		end)`,
	})

	reply, handled := r.Dispatch("spin", "peer", "")
	assert.True(t, handled)
	assert.Empty(t, reply)

	reply, handled = r.Dispatch("ok", "peer", "")
	assert.True(t, handled)
	assert.Equal(t, "still here", reply)
}

func TestRegistryLoadDirSorted(t *testing.T) {
	// b.lua overrides a.lua's registration; lexicographic order makes the
	// outcome deterministic.
	r := newLoadedRegistry(t, map[string]string{
		"a.lua": `chat.register("cmd", function() return "from a" end)`,
		"b.lua": `chat.register("cmd", function() return "from b" end)`,
	})

	reply, handled := r.Dispatch("cmd", "peer", "")
	assert.True(t, handled)
	assert.Equal(t, "from b", reply)
}

func TestRegistryLoadDirMissing(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), 0)
	t.Cleanup(r.Close)
	assert.Error(t, r.LoadDir(filepath.Join(t.TempDir(), "absent")))
}

func TestRegistryCommandsSorted(t *testing.T) {
	r := newLoadedRegistry(t, map[string]string{
		"cmds.lua": `chat.register("zeta", function() end)
		chat.register("alpha", function() end)`,
	})
	assert.Equal(t, []string{"alpha", "zeta"}, r.Commands())
}

func TestSandboxStripsDangerousGlobals(t *testing.T) {
	L, _, cancel := NewSandboxedState()
	defer cancel()
	defer L.Close()

	for _, name := range []string{"dofile", "loadfile", "load", "require"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "global %q must be removed", name)
	}
}
