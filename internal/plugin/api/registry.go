package api

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/procctl/internal/plugin/security"
	"github.com/dshills/procctl/internal/process"
)

// Module represents a Lua API module that can be registered with a Registry.
type Module interface {
	// Name returns the module name (e.g., "process", "util").
	Name() string

	// RequiredCapability returns the capability required to use this module.
	// Returns empty string if no capability is required.
	RequiredCapability() security.Capability

	// Register registers the module functions into the Lua state.
	// The module should register itself under the _ks_<name> global.
	Register(L *lua.LState) error
}

// Registry manages API modules and their registration. A host builds one
// per script scope and closes it when the scope ends; nothing is
// registered globally.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	order   []string
}

// NewRegistry creates a new API registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]Module),
	}
}

// Register adds a module to the registry.
func (r *Registry) Register(mod Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[mod.Name()]; exists {
		return fmt.Errorf("module %q already registered", mod.Name())
	}

	r.modules[mod.Name()] = mod
	r.order = append(r.order, mod.Name())
	return nil
}

// Get returns a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mod, ok := r.modules[name]
	return mod, ok
}

// List returns all registered module names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InjectAll registers every module the checker permits into the Lua state
// and installs the "ks" loader. If checker is nil, only modules with no
// required capability are injected.
func (r *Registry) InjectAll(L *lua.LState, checker *security.PermissionChecker) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var injected []string
	for _, name := range r.order {
		mod := r.modules[name]
		if reqCap := mod.RequiredCapability(); reqCap != "" {
			if checker == nil || !checker.HasCapability(reqCap) {
				continue
			}
		}

		if err := mod.Register(L); err != nil {
			return fmt.Errorf("failed to register module %q: %w", name, err)
		}
		injected = append(injected, name)
	}

	installKSLoader(L, injected)
	return nil
}

// Inject registers specific modules into the Lua state.
// Unlike InjectAll, this returns an error if a module requires a capability
// that the checker doesn't have (or if checker is nil and capability is required).
func (r *Registry) Inject(L *lua.LState, checker *security.PermissionChecker, moduleNames ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range moduleNames {
		mod, ok := r.modules[name]
		if !ok {
			return fmt.Errorf("module %q not found", name)
		}

		if reqCap := mod.RequiredCapability(); reqCap != "" {
			if checker == nil {
				return fmt.Errorf("script lacks capability %q for module %q (no permission checker)", reqCap, name)
			}
			if !checker.HasCapability(reqCap) {
				return fmt.Errorf("script lacks capability %q for module %q", reqCap, name)
			}
		}

		if err := mod.Register(L); err != nil {
			return fmt.Errorf("failed to register module %q: %w", name, err)
		}
	}

	return nil
}

// Close closes every module that holds resources, in reverse registration
// order. It is safe to call more than once if the modules' Close is.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		closer, ok := r.modules[name].(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close module %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// installKSLoader installs the ks module that aggregates the injected
// modules. Scripts use: local ks = require("ks")
func installKSLoader(L *lua.LState, names []string) {
	ksModule := L.NewTable()

	for _, name := range names {
		globalName := "_ks_" + name
		if val := L.GetGlobal(globalName); val != lua.LNil {
			L.SetField(ksModule, name, val)
		}
	}

	L.SetField(ksModule, "version", lua.LString(Version))
	L.SetField(ksModule, "api_version", lua.LNumber(APIVersion))

	L.PreloadModule("ks", func(L *lua.LState) int {
		L.Push(ksModule)
		return 1
	})
}

// Version information published as ks.version and ks.api_version.
const (
	Version    = "1.0.0"
	APIVersion = 1
)

// DefaultRegistry creates a registry with the standard modules. Processes
// started by scripts are tracked by supervisor and checked against checker.
func DefaultRegistry(supervisor *process.Supervisor, checker *security.PermissionChecker) (*Registry, error) {
	r := NewRegistry()

	modules := []Module{
		NewUtilModule(),
		NewProcessModule(supervisor, checker),
	}

	for _, mod := range modules {
		if err := r.Register(mod); err != nil {
			return nil, fmt.Errorf("failed to register module %q: %w", mod.Name(), err)
		}
	}

	return r, nil
}
