package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Registry owns one sandboxed LState holding user-defined chat command
// handlers. Scripts call chat.register("name", handler) at load time; the
// server dispatches "/name <args>" lines to the matching handler.
//
// Registry is not safe for concurrent use; the server loop is its only
// caller after LoadDir completes.
type Registry struct {
	L        *lua.LState
	cancel   context.CancelFunc
	budget   *atomic.Int64
	limit    int64
	handlers map[string]*lua.LFunction
	logger   *zap.Logger
}

// NewRegistry creates an empty command registry with a fresh sandboxed VM.
//
// Precondition: logger must be non-nil. instLimit <= 0 selects
// DefaultInstructionLimit.
func NewRegistry(logger *zap.Logger, instLimit int) *Registry {
	limit := int64(instLimit)
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}

	L, budget, cancel := NewSandboxedState()
	r := &Registry{
		L:        L,
		cancel:   cancel,
		budget:   budget,
		limit:    limit,
		handlers: make(map[string]*lua.LFunction),
		logger:   logger,
	}
	r.registerChatModule()
	return r
}

// registerChatModule defines the chat.* table scripts use to hook into the
// server: chat.register plus leveled log functions.
func (r *Registry) registerChatModule() {
	chat := r.L.NewTable()
	r.L.SetGlobal("chat", chat)

	r.L.SetField(chat, "register", r.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		if name == "" {
			L.ArgError(1, "command name must be non-empty")
			return 0
		}
		r.handlers[name] = fn
		return 0
	}))

	log := r.L.NewTable()
	r.L.SetField(chat, "log", log)
	r.L.SetField(log, "debug", r.L.NewFunction(func(L *lua.LState) int {
		r.logger.Debug(L.CheckString(1))
		return 0
	}))
	r.L.SetField(log, "info", r.L.NewFunction(func(L *lua.LState) int {
		r.logger.Info(L.CheckString(1))
		return 0
	}))
	r.L.SetField(log, "warn", r.L.NewFunction(func(L *lua.LState) int {
		r.logger.Warn(L.CheckString(1))
		return 0
	}))
}

// LoadDir executes every *.lua file in dir in lexicographic order, letting
// each register its commands.
//
// Precondition: dir must be a readable directory.
// Postcondition: All scripts ran, or an error names the first that failed.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, path := range files {
		r.budget.Store(r.limit)
		if err := r.L.DoFile(path); err != nil {
			r.resetContext()
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	r.logger.Info("chat command scripts loaded",
		zap.Int("scripts", len(files)),
		zap.Int("commands", len(r.handlers)),
	)
	return nil
}

// Has reports whether a handler named name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Commands returns the registered command names in sorted order.
func (r *Registry) Commands() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch invokes the handler for name with (sender, args) and returns its
// string result. handled is false when no such command is registered. A Lua
// runtime error is logged at Warn and yields an empty reply; the command
// still counts as handled.
func (r *Registry) Dispatch(name, sender, args string) (reply string, handled bool) {
	fn, ok := r.handlers[name]
	if !ok {
		return "", false
	}

	r.budget.Store(r.limit)
	if err := r.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, lua.LString(sender), lua.LString(args)); err != nil {
		r.logger.Warn("scripting: Lua runtime error",
			zap.String("command", name),
			zap.Error(err),
		)
		// The opcode budget may have cancelled the VM context; install a
		// fresh one so later dispatches are unaffected.
		r.resetContext()
		return "", true
	}

	ret := r.L.Get(-1)
	r.L.Pop(1)
	if s, ok := ret.(lua.LString); ok {
		return string(s), true
	}
	return "", true
}

// resetContext replaces the VM's counting context after a cancellation.
func (r *Registry) resetContext() {
	r.cancel()
	ctx, budget := newCountingContext()
	r.budget = budget
	r.cancel = ctx.cancel
	r.L.SetContext(ctx)
}

// Close releases the VM. The registry must not be used afterwards.
func (r *Registry) Close() {
	r.cancel()
	r.L.Close()
}
