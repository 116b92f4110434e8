package security

import (
	"path/filepath"
	"strings"
	"sync"
)

// PermissionChecker validates permissions for script operations.
type PermissionChecker struct {
	mu sync.RWMutex

	// Granted capabilities
	capabilities map[Capability]bool

	// Executable restrictions: base names, absolute paths or glob patterns
	allowedExecutables []string
	blockedExecutables []string

	// Working directory restrictions (normalized absolute paths)
	allowedDirs []string

	// Script identity
	scriptName string
}

// NewPermissionChecker creates a new permission checker.
func NewPermissionChecker(scriptName string) *PermissionChecker {
	return &PermissionChecker{
		capabilities: make(map[Capability]bool),
		scriptName:   scriptName,
	}
}

// Name returns the script name the checker was created for.
func (pc *PermissionChecker) Name() string {
	return pc.scriptName
}

// Grant grants a capability.
func (pc *PermissionChecker) Grant(cap Capability) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.capabilities[cap] = true
}

// Revoke revokes a capability.
func (pc *PermissionChecker) Revoke(cap Capability) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.capabilities, cap)
}

// GrantAll grants multiple capabilities.
func (pc *PermissionChecker) GrantAll(caps []Capability) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, cap := range caps {
		pc.capabilities[cap] = true
	}
}

// HasCapability returns true if the capability is granted directly or by
// a parent.
func (pc *PermissionChecker) HasCapability(cap Capability) bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.capabilities[cap] {
		return true
	}
	for granted := range pc.capabilities {
		if ImpliesCapability(granted, cap) {
			return true
		}
	}
	return false
}

// CheckCapability returns an error if the capability is not granted.
func (pc *PermissionChecker) CheckCapability(cap Capability) error {
	if !pc.HasCapability(cap) {
		return NewCapabilityError(cap, "", "not granted")
	}
	return nil
}

// Capabilities returns all granted capabilities.
func (pc *PermissionChecker) Capabilities() []Capability {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	caps := make([]Capability, 0, len(pc.capabilities))
	for cap := range pc.capabilities {
		caps = append(caps, cap)
	}
	return caps
}

// AllowExecutable adds an executable to the allowed list. Once the list is
// non-empty only matching executables may be spawned.
func (pc *PermissionChecker) AllowExecutable(pattern string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.allowedExecutables = append(pc.allowedExecutables, pattern)
}

// BlockExecutable adds an executable to the blocked list.
// The blocklist takes precedence over the allowlist.
func (pc *PermissionChecker) BlockExecutable(pattern string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.blockedExecutables = append(pc.blockedExecutables, pattern)
}

// AllowDir restricts working directories to dir and its descendants.
// It may be called more than once.
func (pc *PermissionChecker) AllowDir(dir string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.allowedDirs = append(pc.allowedDirs, normalizePath(dir))
}

// CheckProcess checks if spawning executable in dir is permitted.
// An empty dir means the caller's working directory.
func (pc *PermissionChecker) CheckProcess(executable, dir string) error {
	if !pc.HasCapability(CapabilitySpawn) {
		return NewCapabilityError(CapabilitySpawn, "spawn process", "not granted")
	}

	pc.mu.RLock()
	defer pc.mu.RUnlock()

	for _, blocked := range pc.blockedExecutables {
		if matchExecutable(executable, blocked) {
			return NewCapabilityError(CapabilitySpawn, "spawn "+executable, "executable is blocked")
		}
	}

	if len(pc.allowedExecutables) > 0 {
		allowed := false
		for _, pattern := range pc.allowedExecutables {
			if matchExecutable(executable, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewCapabilityError(CapabilitySpawn, "spawn "+executable, "executable not in allowed list")
		}
	}

	if len(pc.allowedDirs) > 0 {
		target := normalizePath(dir)
		allowed := false
		for _, base := range pc.allowedDirs {
			if isWithinPath(target, base) {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewCapabilityError(CapabilitySpawn, "spawn in "+target, "directory not allowed")
		}
	}

	return nil
}

// CheckSignal checks if terminating or killing a process is permitted.
func (pc *PermissionChecker) CheckSignal(operation string) error {
	if !pc.HasCapability(CapabilitySignal) {
		return NewCapabilityError(CapabilitySignal, operation, "not granted")
	}
	return nil
}

// matchExecutable matches an argv[0] against a pattern. Patterns with a
// path separator match the cleaned path; others match the base name.
// Both accept filepath.Match globs.
func matchExecutable(executable, pattern string) bool {
	subject := filepath.Base(executable)
	if strings.ContainsRune(pattern, filepath.Separator) {
		subject = filepath.Clean(executable)
		pattern = filepath.Clean(pattern)
	}
	if subject == pattern {
		return true
	}
	ok, err := filepath.Match(pattern, subject)
	return err == nil && ok
}

// normalizePath returns an absolute, clean path.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// isWithinPath checks if target is within or equal to base.
func isWithinPath(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// PermissionSet represents a collection of permissions for a script.
type PermissionSet struct {
	Capabilities       []Capability
	AllowedExecutables []string
	BlockedExecutables []string
	AllowedDirs        []string
}

// ApplyPermissionSet applies a permission set to a checker.
func (pc *PermissionChecker) ApplyPermissionSet(set *PermissionSet) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	for _, cap := range set.Capabilities {
		pc.capabilities[cap] = true
	}
	pc.allowedExecutables = append(pc.allowedExecutables, set.AllowedExecutables...)
	pc.blockedExecutables = append(pc.blockedExecutables, set.BlockedExecutables...)
	for _, dir := range set.AllowedDirs {
		pc.allowedDirs = append(pc.allowedDirs, normalizePath(dir))
	}
}

// Reset clears all permissions.
func (pc *PermissionChecker) Reset() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.capabilities = make(map[Capability]bool)
	pc.allowedExecutables = nil
	pc.blockedExecutables = nil
	pc.allowedDirs = nil
}
