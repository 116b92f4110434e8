// Package lua provides the sandboxed Lua runtime that scripts run in.
//
// This package wraps the gopher-lua library to provide:
//   - Sandboxed Lua state management
//   - Go-Lua type conversion
//   - Capability-gated access to the io, os and debug libraries
//   - Execution timeouts and cancellation
//
// # State
//
//	state, err := lua.NewState(
//	    lua.WithExecutionTimeout(30 * time.Second),
//	    lua.WithContext(ctx),
//	)
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
//
//	state.SetArgs("build.lua", args)
//	if err := state.DoFile("build.lua"); err != nil {
//	    return err
//	}
//
// # Sandbox
//
// The Sandbox removes dofile, loadfile, load and loadstring, limits os to
// clock, date, difftime, getenv and time, and replaces require with a
// version that only resolves the safe standard libraries and preloaded
// "ks" modules. Granting security.CapabilityUnsafe opens the full io, os
// and debug libraries.
package lua
