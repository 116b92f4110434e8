// Package plugin runs procctl Lua scripts.
//
// A Host owns everything one script run needs: a sandboxed Lua state, the
// script's permission checker, a process supervisor and the API registry
// that exposes the "ks" modules. Hosts are single use.
//
//	host, err := plugin.NewHost("deploy.lua",
//	    plugin.WithPermissions(&security.PermissionSet{
//	        Capabilities:       []security.Capability{security.CapabilityProcess},
//	        AllowedExecutables: []string{"git", "make"},
//	    }),
//	    plugin.WithExecutionTimeout(time.Minute),
//	    plugin.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer host.Close()
//
//	code, err := host.Run(ctx, os.Args[2:])
//
// The script sees its arguments in the global arg table and reports an exit
// code through its return value. Close stops and reaps every process the
// script left behind.
//
// # Lifecycle
//
//	idle -> running -> finished | error
//	any  -> closed
//
// Cancelling the context passed to Run aborts the script at the next Lua
// instruction.
package plugin
