package telnet

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultTerminalTypes are the terminal identifiers treated as ANSI-capable
// when the peer reports one during auto-sensing.
var defaultTerminalTypes = []string{
	"ANSI",
	"XTERM",
	"TINYFUGUE",
	"zmud",
	"VT100",
	"IBM-3179-2",
}

// TerminalRegistry answers whether a reported terminal type is known to
// render ANSI escape sequences. Matching is case-insensitive.
type TerminalRegistry struct {
	types map[string]struct{}
}

// NewTerminalRegistry returns a registry seeded with the built-in terminal
// type list.
func NewTerminalRegistry() *TerminalRegistry {
	r := &TerminalRegistry{types: make(map[string]struct{})}
	for _, t := range defaultTerminalTypes {
		r.types[strings.ToUpper(t)] = struct{}{}
	}
	return r
}

// terminalRegistryFile is the on-disk registry shape.
type terminalRegistryFile struct {
	// TerminalTypes extends the built-in list.
	TerminalTypes []string `yaml:"terminal_types"`
	// Replace drops the built-in list before applying TerminalTypes.
	Replace bool `yaml:"replace"`
}

// LoadTerminalRegistry builds a registry from a YAML file. The file extends
// the built-in list unless it sets replace: true.
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns a non-nil registry or a non-nil error.
func LoadTerminalRegistry(path string) (*TerminalRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading terminal registry %s: %w", path, err)
	}

	var file terminalRegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing terminal registry %s: %w", path, err)
	}

	var r *TerminalRegistry
	if file.Replace {
		r = &TerminalRegistry{types: make(map[string]struct{})}
	} else {
		r = NewTerminalRegistry()
	}
	for _, t := range file.TerminalTypes {
		if t = strings.TrimSpace(t); t != "" {
			r.types[strings.ToUpper(t)] = struct{}{}
		}
	}
	return r, nil
}

// Recognized reports whether term is a known ANSI-capable terminal type.
func (r *TerminalRegistry) Recognized(term string) bool {
	_, ok := r.types[strings.ToUpper(term)]
	return ok
}

// Len returns the number of registered terminal types.
func (r *TerminalRegistry) Len() int {
	return len(r.types)
}
