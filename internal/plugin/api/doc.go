// Package api provides the Lua API modules exposed to procctl scripts.
//
// Scripts reach the modules through the "ks" namespace:
//
//   - ks.process: spawn and control child processes (needs process.spawn)
//   - ks.util: string helpers and sleep
//
// # Architecture
//
// Each API module implements the Module interface:
//
//	type Module interface {
//	    Name() string
//	    RequiredCapability() security.Capability
//	    Register(L *lua.LState) error
//	}
//
// A host builds a Registry per script, injects it into the script's Lua
// state and closes it when the script ends. Nothing is registered globally:
// the handle metatable lives in the state's own registry. Modules that hold
// resources implement io.Closer; ProcessModule's Close stops and releases
// every process the script left running.
//
// # Usage
//
//	sup := process.NewSupervisor(process.WithMaxProcesses(32))
//	registry, err := api.DefaultRegistry(sup, checker)
//	if err != nil {
//	    return err
//	}
//	defer registry.Close()
//
//	err = registry.InjectAll(state.LuaState(), checker)
//
// From Lua:
//
//	local process = require("ks").process
//
//	local proc, msg, code = process.Process({"git", "status"}, {
//	    cwd = "/src/project",
//	    stderr = process.REDIRECT_STDOUT,
//	    env = {GIT_PAGER = "cat"},
//	})
//	if not proc then error(msg) end
//
//	local out = proc:read_stdout()
//	local status = proc:wait(process.WAIT_INFINITE)
//
// Failures that a script may handle return nil followed by a message and,
// for process errors, the negative error code. Configuration mistakes
// return nil and a message. Permission violations raise a Lua error.
package api
