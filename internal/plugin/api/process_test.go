//go:build unix

package api

import (
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/procctl/internal/plugin/security"
	"github.com/dshills/procctl/internal/process"
)

func setupProcessTest(t *testing.T, checker *security.PermissionChecker) (*lua.LState, *ProcessModule) {
	t.Helper()

	mod := NewProcessModule(process.NewSupervisor(), checker)

	L := lua.NewState()
	t.Cleanup(func() {
		mod.Close()
		L.Close()
	})

	if err := mod.Register(L); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	L.SetGlobal("process", L.GetGlobal("_ks_process"))

	return L, mod
}

// readAllLua is a Lua helper that drains a stream until end of file.
const readAllLua = `
function read_all(proc, stream)
	local out = {}
	for _ = 1, 5000 do
		local chunk, msg, code = proc:read(stream)
		if chunk == nil then
			assert(code == process.ERROR_PIPE, msg)
			return table.concat(out)
		end
		out[#out + 1] = chunk
		if chunk == "" then proc:wait(2) end
	end
	error("stream did not close")
end
`

func runLua(t *testing.T, L *lua.LState, code string) {
	t.Helper()
	if err := L.DoString(readAllLua + code); err != nil {
		t.Fatalf("DoString error = %v", err)
	}
}

func TestProcessModuleName(t *testing.T) {
	mod := NewProcessModule(nil, nil)
	defer mod.Close()

	if mod.Name() != "process" {
		t.Errorf("Name() = %q, want %q", mod.Name(), "process")
	}
	if mod.RequiredCapability() != security.CapabilitySpawn {
		t.Errorf("RequiredCapability() = %q, want %q", mod.RequiredCapability(), security.CapabilitySpawn)
	}
	if mod.Supervisor() == nil {
		t.Error("Supervisor() is nil")
	}
}

func TestProcessConstants(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	tests := map[string]int{
		"ERROR_INVAL":      int(process.ErrInvalid),
		"ERROR_TIMEDOUT":   int(process.ErrTimedOut),
		"ERROR_PIPE":       int(process.ErrPipe),
		"ERROR_NOMEM":      int(process.ErrNoMem),
		"ERROR_WOULDBLOCK": int(process.ErrWouldBlock),
		"WAIT_INFINITE":    -1,
		"WAIT_DEADLINE":    -2,
		"STREAM_STDIN":     0,
		"STREAM_STDOUT":    1,
		"STREAM_STDERR":    2,
		"REDIRECT_DEFAULT": 0,
		"REDIRECT_PIPE":    1,
		"REDIRECT_PARENT":  2,
		"REDIRECT_DISCARD": 3,
		"REDIRECT_STDOUT":  4,
	}

	mod := L.GetGlobal("process").(*lua.LTable)
	for name, want := range tests {
		got, ok := mod.RawGetString(name).(lua.LNumber)
		if !ok || int(got) != want {
			t.Errorf("%s = %v, want %d", name, mod.RawGetString(name), want)
		}
	}
}

func TestProcessStrerror(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	runLua(t, L, `
		assert(process.strerror(0) == nil)
		assert(process.strerror(5) == nil)
		local msg = process.strerror(process.ERROR_PIPE)
		assert(type(msg) == "string" and #msg > 0)
	`)
}

func TestProcessStartAndWait(t *testing.T) {
	L, mod := setupProcessTest(t, nil)

	runLua(t, L, `
		local proc = process.Process({"sh", "-c", "printf hello; exit 3"})
		assert(proc, "start failed")
		assert(proc:pid() > 0)
		assert(read_all(proc, process.STREAM_STDOUT) == "hello")
		assert(proc:wait(process.WAIT_INFINITE) == 3)
		assert(proc:returncode() == 3)
		assert(proc:running() == false)
		assert(proc:wait() == 3)
		assert(tostring(proc):find("^process%(") ~= nil)
	`)

	if got := mod.Supervisor().Count(); got != 1 {
		t.Errorf("supervisor tracks %d processes, want 1", got)
	}
}

func TestProcessStartAlias(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	runLua(t, L, `
		local proc = process.start({"true"})
		assert(proc:wait(process.WAIT_INFINITE) == 0)
	`)
}

func TestProcessStartErrors(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	tests := []struct {
		name    string
		code    string
		wantMsg string
		nvals   int
	}{
		{"empty argv", `return process.start({})`, "empty", 2},
		{"unsupported redirect", `return process.start({"true"}, {stdout = 7})`, "not supported", 2},
		{"stdout merge on stdout", `return process.start({"true"}, {stdout = process.REDIRECT_STDOUT})`, "not supported", 2},
		{"negative timeout", `return process.start({"true"}, {timeout = -5})`, "timeout", 2},
		{"not found", `return process.start({"/nonexistent/procctl-test"})`, "", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top := L.GetTop()
			if err := L.DoString(tt.code); err != nil {
				t.Fatalf("DoString error = %v", err)
			}
			results := L.GetTop() - top
			defer L.SetTop(top)

			if results != tt.nvals {
				t.Fatalf("returned %d values, want %d", results, tt.nvals)
			}
			if v := L.Get(top + 1); v != lua.LNil {
				t.Errorf("first value = %v, want nil", v)
			}
			msg := L.Get(top + 2).String()
			if !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("message = %q, want containing %q", msg, tt.wantMsg)
			}
			if tt.nvals == 3 {
				if code, ok := L.Get(top + 3).(lua.LNumber); !ok || code >= 0 {
					t.Errorf("code = %v, want negative number", L.Get(top+3))
				}
			}
		})
	}
}

func TestProcessStartBadArguments(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	for _, code := range []string{
		`process.start("true")`,
		`process.start({true})`,
		`process.start({"true"}, {cwd = 5})`,
		`process.start({"true"}, {env = "X=1"})`,
		`process.start({"true"}, {env = {X = true}})`,
		`process.start({"true"}, {timeout = "soon"})`,
	} {
		if err := L.DoString(code); err == nil {
			t.Errorf("%s should raise an error", code)
		}
	}
}

func TestProcessOptions(t *testing.T) {
	L, _ := setupProcessTest(t, nil)
	L.SetGlobal("dir", lua.LString(t.TempDir()))

	runLua(t, L, `
		local proc = process.Process({"sh", "-c", "printf '%s|%s' \"$PROCCTL_TEST\" \"$(pwd)\""}, {
			cwd = dir,
			env = {PROCCTL_TEST = "bar"},
			stderr = process.REDIRECT_DISCARD,
		})
		assert(proc, "start failed")
		local out = read_all(proc, process.STREAM_STDOUT)
		local value, cwd = out:match("^(.-)|(.*)$")
		assert(value == "bar", "env: " .. out)
		assert(cwd:sub(-#dir) == dir, "cwd: " .. out)
		assert(proc:wait(process.WAIT_INFINITE) == 0)
	`)
}

func TestProcessStderrMerge(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	runLua(t, L, `
		local proc = process.Process({"sh", "-c", "printf out; printf err >&2"}, {
			stderr = process.REDIRECT_STDOUT,
		})
		local out = read_all(proc, process.STREAM_STDOUT)
		assert(out:find("out") and out:find("err"), out)
	`)
}

func TestProcessWriteAndClose(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	runLua(t, L, `
		local proc = process.Process({"cat"})
		assert(proc:write("ping") == 4)
		assert(proc:close_stream(process.STREAM_STDIN) == true)
		assert(read_all(proc, process.STREAM_STDOUT) == "ping")
		assert(proc:wait(process.WAIT_INFINITE) == 0)

		local n, msg, code = proc:write("late")
		assert(n == nil and code == process.ERROR_PIPE, tostring(msg))
	`)
}

func TestProcessReadWouldBlock(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	runLua(t, L, `
		local proc = process.Process({"sleep", "5"})
		assert(proc:read_stdout() == "")
		assert(proc:read_stderr(16) == "")
		assert(proc:read(process.STREAM_STDOUT, 8) == "")
	`)
}

func TestProcessWaitTimeout(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	runLua(t, L, `
		local proc = process.Process({"sleep", "5"})
		local code, msg, err = proc:wait(20)
		assert(code == nil, "expected timeout")
		assert(err == process.ERROR_TIMEDOUT, tostring(err))
		assert(type(msg) == "string")
		assert(proc:running() == true)
		assert(proc:returncode() == nil)
	`)
}

func TestProcessKillAndTerminate(t *testing.T) {
	L, _ := setupProcessTest(t, nil)

	runLua(t, L, `
		local a = process.Process({"sleep", "5"})
		assert(a:kill() == true)
		assert(a:wait(process.WAIT_INFINITE) == -9)

		local b = process.Process({"sleep", "5"})
		assert(b:terminate() == true)
		assert(b:wait(process.WAIT_INFINITE) == -15)
		assert(b:terminate() == true)
	`)
}

func TestProcessCloseReleases(t *testing.T) {
	L, mod := setupProcessTest(t, nil)

	runLua(t, L, `
		local proc = process.Process({"sleep", "5"})
		assert(proc:close() == true)
		assert(proc:close() == true)
		assert(proc:returncode() ~= nil)
		local n, _, code = proc:write("x")
		assert(n == nil and code == process.ERROR_INVAL)
	`)

	if got := mod.Supervisor().Count(); got != 0 {
		t.Errorf("supervisor tracks %d processes after close, want 0", got)
	}
}

func TestProcessModuleCloseStopsProcesses(t *testing.T) {
	L, mod := setupProcessTest(t, nil)

	runLua(t, L, `
		procs = {}
		for i = 1, 3 do
			procs[i] = process.Process({"sleep", "5"})
		end
	`)

	if err := mod.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, tr := range mod.Supervisor().List() {
		t.Errorf("process %s still tracked", tr.ID)
	}

	runLua(t, L, `
		for i = 1, 3 do
			assert(procs[i]:running() == false)
		end
		local p, msg = process.Process({"true"})
		assert(p == nil and msg ~= nil)
	`)
}

func TestProcessPermissions(t *testing.T) {
	checker := security.NewPermissionChecker("test.lua")
	checker.Grant(security.CapabilitySpawn)
	checker.AllowExecutable("sleep")

	L, _ := setupProcessTest(t, checker)

	if err := L.DoString(`process.start({"sh", "-c", "true"})`); err == nil ||
		!strings.Contains(err.Error(), "not in allowed list") {
		t.Errorf("spawning sh error = %v, want allowlist rejection", err)
	}

	if err := L.DoString(`
		local proc = process.start({"sleep", "5"})
		proc:kill()
	`); err == nil || !strings.Contains(err.Error(), string(security.CapabilitySignal)) {
		t.Errorf("kill error = %v, want %s rejection", err, security.CapabilitySignal)
	}

	checker.Grant(security.CapabilitySignal)
	if err := L.DoString(`
		local proc = process.start({"sleep", "5"})
		assert(proc:kill() == true)
	`); err != nil {
		t.Errorf("kill with process.signal error = %v", err)
	}
}

func TestProcessRequireKS(t *testing.T) {
	checker := security.NewPermissionChecker("test.lua")
	checker.Grant(security.CapabilityProcess)

	sup := process.NewSupervisor()
	r, err := DefaultRegistry(sup, checker)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	L := lua.NewState()
	defer L.Close()
	if err := r.InjectAll(L, checker); err != nil {
		t.Fatalf("InjectAll error = %v", err)
	}

	if err := L.DoString(`
		local ks = require("ks")
		local proc = ks.process.Process({"sh", "-c", "exit 7"})
		assert(proc:wait(ks.process.WAIT_INFINITE) == 7)
		assert(#ks.util.lines("a\nb\n") == 2)
	`); err != nil {
		t.Errorf("DoString error = %v", err)
	}
}
