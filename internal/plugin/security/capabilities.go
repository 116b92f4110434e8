package security

import (
	"fmt"
	"sort"
	"strings"
)

// Capability represents a permission that a script can be granted.
// Capabilities are hierarchical - granting a parent capability
// implicitly grants all child capabilities.
type Capability string

// Known capabilities.
const (
	// CapabilityProcess grants every process capability.
	CapabilityProcess Capability = "process"

	// CapabilitySpawn allows spawning child processes.
	CapabilitySpawn Capability = "process.spawn"

	// CapabilitySignal allows terminating and killing spawned processes.
	CapabilitySignal Capability = "process.signal"

	// CapabilityUnsafe grants full Lua stdlib access (debug, io, os).
	// This is a dangerous capability and should be granted sparingly.
	CapabilityUnsafe Capability = "unsafe"
)

// CapabilityInfo provides metadata about a capability.
type CapabilityInfo struct {
	// Name is the capability identifier.
	Name Capability

	// DisplayName is a human-readable name.
	DisplayName string

	// Description explains what the capability allows.
	Description string

	// Parent is the parent capability (for hierarchical capabilities).
	Parent Capability

	// RiskLevel indicates how dangerous this capability is.
	RiskLevel RiskLevel
}

// RiskLevel indicates the security risk of a capability.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh

	// RiskCritical indicates maximum security risk.
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

var capabilityRegistry = map[Capability]CapabilityInfo{
	CapabilityProcess: {
		Name:        CapabilityProcess,
		DisplayName: "Process Control",
		Description: "Spawn and signal child processes",
		RiskLevel:   RiskCritical,
	},
	CapabilitySpawn: {
		Name:        CapabilitySpawn,
		DisplayName: "Process Spawn",
		Description: "Spawn child processes",
		Parent:      CapabilityProcess,
		RiskLevel:   RiskCritical,
	},
	CapabilitySignal: {
		Name:        CapabilitySignal,
		DisplayName: "Process Signal",
		Description: "Terminate and kill spawned processes",
		Parent:      CapabilityProcess,
		RiskLevel:   RiskMedium,
	},
	CapabilityUnsafe: {
		Name:        CapabilityUnsafe,
		DisplayName: "Unsafe Mode",
		Description: "Full Lua stdlib access (dangerous)",
		RiskLevel:   RiskCritical,
	},
}

// GetCapabilityInfo returns information about a capability.
func GetCapabilityInfo(cap Capability) (CapabilityInfo, bool) {
	info, ok := capabilityRegistry[cap]
	return info, ok
}

// IsValidCapability returns true if the capability is known.
func IsValidCapability(cap Capability) bool {
	_, ok := capabilityRegistry[cap]
	return ok
}

// ParseCapability parses a capability name, rejecting unknown ones.
func ParseCapability(s string) (Capability, error) {
	cap := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !IsValidCapability(cap) {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return cap, nil
}

// AllCapabilities returns all known capabilities, sorted.
func AllCapabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityRegistry))
	for cap := range capabilityRegistry {
		caps = append(caps, cap)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// IsChildOf returns true if child is a child of parent.
func IsChildOf(child, parent Capability) bool {
	return strings.HasPrefix(string(child), string(parent)+".")
}

// ImpliesCapability returns true if having 'granted' implies having 'required'.
func ImpliesCapability(granted, required Capability) bool {
	if granted == required {
		return true
	}
	return IsChildOf(required, granted)
}

// CapabilityError represents a capability-related error.
type CapabilityError struct {
	Capability Capability
	Operation  string
	Message    string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("capability %q required for %s: %s", e.Capability, e.Operation, e.Message)
	}
	return fmt.Sprintf("capability %q: %s", e.Capability, e.Message)
}

// NewCapabilityError creates a new capability error.
func NewCapabilityError(cap Capability, operation, message string) *CapabilityError {
	return &CapabilityError{
		Capability: cap,
		Operation:  operation,
		Message:    message,
	}
}
