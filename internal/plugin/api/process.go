package api

import (
	"errors"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/procctl/internal/plugin/lua"
	"github.com/dshills/procctl/internal/plugin/security"
	"github.com/dshills/procctl/internal/process"
)

// processTypeName is the registry key of the handle metatable.
const processTypeName = "ks.process.Process"

// Lua values of the special wait timeouts.
const (
	luaWaitInfinite = -1
	luaWaitDeadline = -2
)

// ProcessModule implements the ks.process API module.
//
// Every process a script starts is tracked by the module's supervisor.
// Close shuts the supervisor down, which stops and releases the processes
// the script left behind.
type ProcessModule struct {
	supervisor *process.Supervisor
	checker    *security.PermissionChecker
}

// NewProcessModule creates a new process module. A nil supervisor gets a
// private one; a nil checker permits everything the module's capability
// allows.
func NewProcessModule(supervisor *process.Supervisor, checker *security.PermissionChecker) *ProcessModule {
	if supervisor == nil {
		supervisor = process.NewSupervisor()
	}
	return &ProcessModule{
		supervisor: supervisor,
		checker:    checker,
	}
}

// Name returns the module name.
func (m *ProcessModule) Name() string {
	return "process"
}

// RequiredCapability returns the capability required for this module.
func (m *ProcessModule) RequiredCapability() security.Capability {
	return security.CapabilitySpawn
}

// Supervisor returns the supervisor tracking the script's processes.
func (m *ProcessModule) Supervisor() *process.Supervisor {
	return m.supervisor
}

// Close stops and releases every process the script started.
func (m *ProcessModule) Close() error {
	return m.supervisor.Shutdown()
}

// Register registers the module into the Lua state.
func (m *ProcessModule) Register(L *lua.LState) error {
	mt := L.NewTypeMetatable(processTypeName)
	methods := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"pid":          m.pid,
		"returncode":   m.returncode,
		"read":         m.read,
		"read_stdout":  m.readStdout,
		"read_stderr":  m.readStderr,
		"write":        m.write,
		"close_stream": m.closeStream,
		"wait":         m.wait,
		"terminate":    m.terminate,
		"kill":         m.kill,
		"running":      m.running,
		"close":        m.close,
	})
	L.SetField(mt, "__index", methods)
	L.SetField(mt, "__tostring", L.NewFunction(m.toString))

	// Process(argv, options) constructs a handle.
	ctor := L.NewTable()
	ctorMeta := L.NewTable()
	L.SetField(ctorMeta, "__call", L.NewFunction(func(L *lua.LState) int {
		L.Remove(1)
		return m.start(L)
	}))
	L.SetMetatable(ctor, ctorMeta)

	mod := L.NewTable()
	L.SetField(mod, "Process", ctor)
	L.SetField(mod, "start", L.NewFunction(m.start))
	L.SetField(mod, "strerror", L.NewFunction(m.strerror))

	for name, value := range map[string]int{
		"ERROR_INVAL":      int(process.ErrInvalid),
		"ERROR_TIMEDOUT":   int(process.ErrTimedOut),
		"ERROR_PIPE":       int(process.ErrPipe),
		"ERROR_NOMEM":      int(process.ErrNoMem),
		"ERROR_WOULDBLOCK": int(process.ErrWouldBlock),

		"WAIT_INFINITE": luaWaitInfinite,
		"WAIT_DEADLINE": luaWaitDeadline,

		"STREAM_STDIN":  int(process.StreamIn),
		"STREAM_STDOUT": int(process.StreamOut),
		"STREAM_STDERR": int(process.StreamErr),

		"REDIRECT_DEFAULT": int(process.RedirectDefault),
		"REDIRECT_PIPE":    int(process.RedirectPipe),
		"REDIRECT_PARENT":  int(process.RedirectParent),
		"REDIRECT_DISCARD": int(process.RedirectDiscard),
		"REDIRECT_STDOUT":  int(process.RedirectStdout),
	} {
		L.SetField(mod, name, lua.LNumber(value))
	}

	L.SetGlobal("_ks_process", mod)
	return nil
}

// start(argv, options?) -> handle | nil, message[, code]
// Configuration errors return (nil, message); start failures also carry
// the error code.
func (m *ProcessModule) start(L *lua.LState) int {
	bridge := plua.NewBridge(L)

	argv, err := bridge.StringList(L.CheckTable(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}

	var opts process.Options
	if tbl := L.OptTable(2, nil); tbl != nil {
		opts = m.parseOptions(L, bridge, tbl)
	}

	cfg, err := process.Build(argv, opts)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	if m.checker != nil {
		if err := m.checker.CheckProcess(argv[0], opts.Dir); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
	}

	tracked, err := m.supervisor.Start(argv[0], cfg)
	if err != nil {
		return pushError(L, err)
	}

	ud := L.NewUserData()
	ud.Value = tracked
	L.SetMetatable(ud, L.GetTypeMetatable(processTypeName))
	L.Push(ud)
	return 1
}

// parseOptions reads the options table. Wrong field types raise an
// argument error; values are validated by process.Build.
func (m *ProcessModule) parseOptions(L *lua.LState, bridge *plua.Bridge, tbl *lua.LTable) process.Options {
	var opts process.Options

	if v, ok := optNumberField(L, tbl, "timeout"); ok {
		opts.Timeout = time.Duration(v) * time.Millisecond
	}
	if v := tbl.RawGetString("cwd"); v != lua.LNil {
		s, ok := v.(lua.LString)
		if !ok {
			L.ArgError(2, fmt.Sprintf("cwd: expected string, got %s", v.Type()))
		}
		opts.Dir = string(s)
	}
	for _, field := range []struct {
		key string
		dst *process.Redirect
	}{
		{"stdin", &opts.Stdin},
		{"stdout", &opts.Stdout},
		{"stderr", &opts.Stderr},
	} {
		if v, ok := optNumberField(L, tbl, field.key); ok {
			*field.dst = process.Redirect(v)
		}
	}
	if v := tbl.RawGetString("env"); v != lua.LNil {
		envTbl, ok := v.(*lua.LTable)
		if !ok {
			L.ArgError(2, fmt.Sprintf("env: expected table, got %s", v.Type()))
		}
		env, err := bridge.StringMap(envTbl)
		if err != nil {
			L.ArgError(2, "env: "+err.Error())
		}
		opts.Env = env
	}

	return opts
}

// optNumberField returns an integer option, raising an argument error if
// the field is present but not a number.
func optNumberField(L *lua.LState, tbl *lua.LTable, key string) (int64, bool) {
	v := tbl.RawGetString(key)
	if v == lua.LNil {
		return 0, false
	}
	n, ok := v.(lua.LNumber)
	if !ok {
		L.ArgError(2, fmt.Sprintf("%s: expected number, got %s", key, v.Type()))
		return 0, false
	}
	return int64(n), true
}

// strerror(code) -> string | nil
func (m *ProcessModule) strerror(L *lua.LState) int {
	code := L.CheckInt(1)
	if code >= 0 {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(process.Strerror(code)))
	return 1
}

// checkProcess returns the handle at index 1, raising an error otherwise.
func checkProcess(L *lua.LState) *process.Tracked {
	ud := L.CheckUserData(1)
	if t, ok := ud.Value.(*process.Tracked); ok {
		return t
	}
	L.ArgError(1, "process expected")
	return nil
}

// checkStream returns the stream argument at index n.
func checkStream(L *lua.LState, n int) process.Stream {
	s := process.Stream(L.CheckInt(n))
	if s < process.StreamIn || s > process.StreamErr {
		L.ArgError(n, fmt.Sprintf("invalid stream %d", int(s)))
	}
	return s
}

// pushError pushes (nil, message, code). Errors without a code report
// ERROR_INVAL.
func pushError(L *lua.LState, err error) int {
	code := process.CodeOf(err)
	msg := err.Error()

	var perr *process.Error
	switch {
	case errors.As(err, &perr):
		msg = perr.Message()
	case code == 0:
		code = process.ErrInvalid
	}

	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	L.Push(lua.LNumber(code))
	return 3
}

// pid() -> number
func (m *ProcessModule) pid(L *lua.LState) int {
	t := checkProcess(L)
	L.Push(lua.LNumber(t.Pid()))
	return 1
}

// returncode() -> number | nil
// Never blocks.
func (m *ProcessModule) returncode(L *lua.LState) int {
	t := checkProcess(L)
	code, ok := t.ReturnCode()
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(code))
	return 1
}

// read(stream, size?) -> string | nil, message, code
func (m *ProcessModule) read(L *lua.LState) int {
	return m.readStream(L, checkStream(L, 2), 3)
}

// read_stdout(size?) -> string | nil, message, code
func (m *ProcessModule) readStdout(L *lua.LState) int {
	return m.readStream(L, process.StreamOut, 2)
}

// read_stderr(size?) -> string | nil, message, code
func (m *ProcessModule) readStderr(L *lua.LState) int {
	return m.readStream(L, process.StreamErr, 2)
}

// readStream performs one non-blocking read. An empty string means no data
// is available yet; end of stream is ERROR_PIPE.
func (m *ProcessModule) readStream(L *lua.LState, s process.Stream, sizeArg int) int {
	t := checkProcess(L)
	size := L.OptInt(sizeArg, 0)
	if size < 0 {
		L.ArgError(sizeArg, "size must not be negative")
	}

	data, err := t.Read(s, size)
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LString(data))
	return 1
}

// write(data) -> number | nil, message, code
func (m *ProcessModule) write(L *lua.LState) int {
	t := checkProcess(L)
	data := L.CheckString(2)

	n, err := t.Write([]byte(data))
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LNumber(n))
	return 1
}

// close_stream(stream) -> true | nil, message, code
func (m *ProcessModule) closeStream(L *lua.LState) int {
	t := checkProcess(L)
	s := checkStream(L, 2)

	if err := t.CloseStream(s); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// wait(timeout_ms?) -> code | nil, message, code
// A timeout of 0 (the default) checks without blocking. WAIT_INFINITE
// blocks until exit; WAIT_DEADLINE until the start timeout.
func (m *ProcessModule) wait(L *lua.LState) int {
	t := checkProcess(L)

	code, err := t.Wait(luaTimeout(L.OptInt64(2, 0)))
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LNumber(code))
	return 1
}

// luaTimeout converts a millisecond timeout from Lua.
func luaTimeout(ms int64) time.Duration {
	switch ms {
	case luaWaitInfinite:
		return process.WaitInfinite
	case luaWaitDeadline:
		return process.WaitDeadline
	default:
		return time.Duration(ms) * time.Millisecond
	}
}

// terminate() -> true | nil, message, code
func (m *ProcessModule) terminate(L *lua.LState) int {
	return m.signal(L, "terminate", (*process.Tracked).Terminate)
}

// kill() -> true | nil, message, code
func (m *ProcessModule) kill(L *lua.LState) int {
	return m.signal(L, "kill", (*process.Tracked).Kill)
}

func (m *ProcessModule) signal(L *lua.LState, op string, fn func(*process.Tracked) error) int {
	t := checkProcess(L)
	if m.checker != nil {
		if err := m.checker.CheckSignal(op); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
	}

	if err := fn(t); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// running() -> bool
func (m *ProcessModule) running(L *lua.LState) int {
	t := checkProcess(L)
	L.Push(lua.LBool(t.Running()))
	return 1
}

// close() releases the process now instead of at the end of the script,
// stopping it first if it still runs.
func (m *ProcessModule) close(L *lua.LState) int {
	t := checkProcess(L)
	if err := m.supervisor.Release(t.ID); err != nil && !errors.Is(err, process.ErrProcessNotFound) {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (m *ProcessModule) toString(L *lua.LState) int {
	t := checkProcess(L)
	L.Push(lua.LString(fmt.Sprintf("process(%d)", t.Pid())))
	return 1
}
