package telnet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalRegistryDefaults(t *testing.T) {
	r := NewTerminalRegistry()

	assert.True(t, r.Recognized("ANSI"))
	assert.True(t, r.Recognized("XTERM"))
	assert.True(t, r.Recognized("zmud"))
	assert.True(t, r.Recognized("IBM-3179-2"))
	assert.False(t, r.Recognized("dumb"))
	assert.False(t, r.Recognized("UNKNOWN"))
}

func TestTerminalRegistryMatchIsCaseInsensitive(t *testing.T) {
	r := NewTerminalRegistry()
	assert.True(t, r.Recognized("ansi"))
	assert.True(t, r.Recognized("xTeRm"))
}

func TestLoadTerminalRegistryExtendsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terminals.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terminal_types:\n  - xterm-256color\n"), 0o644))

	r, err := LoadTerminalRegistry(path)
	require.NoError(t, err)
	assert.True(t, r.Recognized("xterm-256color"))
	assert.True(t, r.Recognized("ANSI"), "built-ins are retained by default")
}

func TestLoadTerminalRegistryReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terminals.yaml")
	require.NoError(t, os.WriteFile(path, []byte("replace: true\nterminal_types:\n  - vt220\n"), 0o644))

	r, err := LoadTerminalRegistry(path)
	require.NoError(t, err)
	assert.True(t, r.Recognized("VT220"))
	assert.False(t, r.Recognized("ANSI"))
	assert.Equal(t, 1, r.Len())
}

func TestLoadTerminalRegistryMissingFile(t *testing.T) {
	_, err := LoadTerminalRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadTerminalRegistryBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terminals.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terminal_types: {"), 0o644))

	_, err := LoadTerminalRegistry(path)
	assert.Error(t, err)
}
