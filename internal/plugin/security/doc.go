// Package security gates what Lua scripts may do.
//
// # Capabilities
//
// Capabilities are hierarchical: granting a parent ("process") implicitly
// grants every child ("process.spawn", "process.signal").
//
//   - process.spawn: create child processes
//   - process.signal: terminate and kill processes the script created
//   - unsafe: full Lua stdlib access (io, os, debug)
//
// # Permissions
//
// A PermissionChecker combines granted capabilities with restrictions on
// what may be spawned:
//
//   - Executable allowlists and blocklists (base names, absolute paths or
//     glob patterns)
//   - Working directory boundaries
//
// # Usage
//
//	pc := security.NewPermissionChecker("build.lua")
//	pc.Grant(security.CapabilityProcess)
//	pc.AllowExecutable("git")
//
//	if err := pc.CheckProcess("git", ""); err != nil {
//	    return err
//	}
package security
