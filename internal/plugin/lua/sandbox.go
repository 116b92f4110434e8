package lua

import (
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/procctl/internal/plugin/security"
)

// Modules require may load without any capability.
var safeModules = map[string]bool{
	"string":    true,
	"table":     true,
	"math":      true,
	"coroutine": true,
}

// Functions of the os library available to every script.
var safeOSFuncs = []string{"clock", "date", "difftime", "getenv", "time"}

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L *lua.LState

	mu           sync.RWMutex
	capabilities map[security.Capability]bool
	unsafeOpen   bool
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{
		L:            L,
		capabilities: make(map[security.Capability]bool),
	}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	// Each of these loads code from disk or from strings outside require.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeOS()
	s.installSafeRequire()
}

// installSafeOS exposes the read-only time and environment functions of
// the os library. execute, exit, remove and friends need the unsafe
// capability.
func (s *Sandbox) installSafeOS() {
	openLib(s.L, lua.OsLibName, lua.OpenOs)
	full, ok := s.L.GetGlobal(lua.OsLibName).(*lua.LTable)
	if !ok {
		return
	}

	safe := s.L.NewTable()
	for _, name := range safeOSFuncs {
		safe.RawSetString(name, full.RawGetString(name))
	}
	s.L.SetGlobal(lua.OsLibName, safe)
}

// installSafeRequire replaces require with a whitelist-based version.
// package.path and package.cpath are cleared so nothing is loaded from
// disk; only safe built-ins, preloaded "ks" modules and, with the unsafe
// capability, io, os and debug resolve.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))

		if loaded, ok := s.L.GetField(pkg, "loaded").(*lua.LTable); ok {
			var remove []string
			loaded.ForEach(func(k, _ lua.LValue) {
				name, ok := k.(lua.LString)
				if !ok {
					return
				}
				if !safeModules[string(name)] && name != "_G" && name != "package" {
					remove = append(remove, string(name))
				}
			})
			for _, name := range remove {
				loaded.RawSetString(name, lua.LNil)
			}
		}
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		switch {
		case safeModules[modName], modName == "ks", strings.HasPrefix(modName, "ks."):
		case modName == "io", modName == "os", modName == "debug":
			if !s.HasCapability(security.CapabilityUnsafe) {
				L.RaiseError("module %q requires the %s capability", modName, security.CapabilityUnsafe)
			}
		default:
			L.RaiseError("module %q is not available", modName)
		}

		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// Grant enables a capability. Granting unsafe opens the full io, os and
// debug libraries; revoking it later does not close them.
func (s *Sandbox) Grant(cap security.Capability) {
	s.mu.Lock()
	s.capabilities[cap] = true
	openUnsafe := security.ImpliesCapability(cap, security.CapabilityUnsafe) && !s.unsafeOpen
	if openUnsafe {
		s.unsafeOpen = true
	}
	s.mu.Unlock()

	if openUnsafe {
		s.injectUnsafeLibraries()
	}
}

// Revoke disables a capability. Libraries already opened stay open.
func (s *Sandbox) Revoke(cap security.Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.capabilities, cap)
}

// HasCapability returns true if the capability is granted directly or by
// a parent.
func (s *Sandbox) HasCapability(cap security.Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for granted := range s.capabilities {
		if security.ImpliesCapability(granted, cap) {
			return true
		}
	}
	return false
}

// Capabilities returns all granted capabilities, sorted.
func (s *Sandbox) Capabilities() []security.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := make([]security.Capability, 0, len(s.capabilities))
	for cap := range s.capabilities {
		caps = append(caps, cap)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// CheckCapability returns a *security.CapabilityError if the capability
// is not granted.
func (s *Sandbox) CheckCapability(cap security.Capability) error {
	if !s.HasCapability(cap) {
		return security.NewCapabilityError(cap, "", "not granted")
	}
	return nil
}

// injectUnsafeLibraries opens the full io, os and debug libraries.
// This should only be used for trusted scripts.
func (s *Sandbox) injectUnsafeLibraries() {
	openLib(s.L, lua.IoLibName, lua.OpenIo)
	openLib(s.L, lua.OsLibName, lua.OpenOs)
	openLib(s.L, lua.DebugLibName, lua.OpenDebug)
}
