package lua

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	glua "github.com/yuin/gopher-lua"
)

func newTestState(t *testing.T, opts ...StateOption) *State {
	t.Helper()
	state, err := NewState(opts...)
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func TestNewState(t *testing.T) {
	state := newTestState(t)

	if state.IsClosed() {
		t.Error("NewState() returned closed state")
	}
	if state.LuaState() == nil {
		t.Error("NewState() LuaState() is nil")
	}
	if state.Sandbox() == nil {
		t.Error("NewState() Sandbox() is nil")
	}
}

func TestNewState_NegativeTimeout(t *testing.T) {
	if _, err := NewState(WithExecutionTimeout(-time.Second)); err == nil {
		t.Error("NewState() with negative timeout should fail")
	}
}

func TestStateDoString(t *testing.T) {
	state := newTestState(t)

	if err := state.DoString(`x = 1 + 1`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}

	num, ok := state.GetGlobal("x").(glua.LNumber)
	if !ok {
		t.Fatalf("x is not a number, got %T", state.GetGlobal("x"))
	}
	if float64(num) != 2 {
		t.Errorf("x = %v, want 2", num)
	}
}

func TestStateDoStringSyntaxError(t *testing.T) {
	state := newTestState(t)

	if err := state.DoString(`invalid lua code !!!`); err == nil {
		t.Error("DoString() with syntax error should return error")
	}
}

func TestStateDoFile(t *testing.T) {
	state := newTestState(t)

	path := filepath.Join(t.TempDir(), "script.lua")
	if err := os.WriteFile(path, []byte(`result = "from file"`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := state.DoFile(path); err != nil {
		t.Fatalf("DoFile() error = %v", err)
	}
	if got := state.GetGlobal("result").String(); got != "from file" {
		t.Errorf("result = %q, want %q", got, "from file")
	}
}

func TestStateExecutionTimeout(t *testing.T) {
	state := newTestState(t, WithExecutionTimeout(50*time.Millisecond))

	start := time.Now()
	err := state.DoString(`while true do end`)
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("DoString() error = %v, want ErrExecutionTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	// The state stays usable after a timeout.
	if err := state.DoString(`y = 3`); err != nil {
		t.Errorf("DoString() after timeout error = %v", err)
	}
}

func TestStateContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	state := newTestState(t, WithContext(ctx))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := state.DoString(`while true do end`)
	if !errors.Is(err, ErrExecutionCanceled) {
		t.Fatalf("DoString() error = %v, want ErrExecutionCanceled", err)
	}
}

func TestStateCall(t *testing.T) {
	state := newTestState(t)

	if err := state.DoString(`
		function add(a, b) return a + b end
		function pair() return 1, "two" end
		function nothing() end
	`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}

	results, err := state.Call("add", glua.LNumber(2), glua.LNumber(3))
	if err != nil {
		t.Fatalf("Call(add) error = %v", err)
	}
	if len(results) != 1 || results[0] != glua.LNumber(5) {
		t.Errorf("Call(add) = %v, want [5]", results)
	}

	results, err = state.Call("pair")
	if err != nil {
		t.Fatalf("Call(pair) error = %v", err)
	}
	if len(results) != 2 || results[1].String() != "two" {
		t.Errorf("Call(pair) = %v", results)
	}

	results, err = state.Call("nothing")
	if err != nil {
		t.Fatalf("Call(nothing) error = %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("Call(nothing) = %#v, want empty non-nil slice", results)
	}
}

func TestStateCallErrors(t *testing.T) {
	state := newTestState(t)
	state.SetGlobal("notfn", glua.LNumber(1))
	if err := state.DoString(`function boom() error("boom") end`); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"missing", "notfn", "boom"} {
		if _, err := state.Call(name); err == nil {
			t.Errorf("Call(%q) should fail", name)
		}
	}
	if top := state.LuaState().GetTop(); top != 0 {
		t.Errorf("stack top after failed calls = %d, want 0", top)
	}
}

func TestStateSetArgs(t *testing.T) {
	state := newTestState(t)
	state.SetArgs("script.lua", []string{"one", "two"})

	if err := state.DoString(`n = #arg; first = arg[1]; script = arg[0]`); err != nil {
		t.Fatal(err)
	}
	if got := state.GetGlobal("n"); got != glua.LNumber(2) {
		t.Errorf("#arg = %v, want 2", got)
	}
	if got := state.GetGlobal("first").String(); got != "one" {
		t.Errorf("arg[1] = %q", got)
	}
	if got := state.GetGlobal("script").String(); got != "script.lua" {
		t.Errorf("arg[0] = %q", got)
	}
}

func TestStateRegisterFunc(t *testing.T) {
	state := newTestState(t)

	called := false
	state.RegisterFunc("hello", func(L *glua.LState) int {
		called = true
		L.Push(glua.LString("hi " + L.CheckString(1)))
		return 1
	})

	if err := state.DoString(`greeting = hello("there")`); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("registered function not called")
	}
	if got := state.GetGlobal("greeting").String(); got != "hi there" {
		t.Errorf("greeting = %q", got)
	}
}

func TestStateClose(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatal(err)
	}

	if err := state.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := state.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if !state.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}

	if err := state.DoString(`x = 1`); !errors.Is(err, ErrStateClosed) {
		t.Errorf("DoString() after Close = %v, want ErrStateClosed", err)
	}
	if _, err := state.Call("f"); !errors.Is(err, ErrStateClosed) {
		t.Errorf("Call() after Close = %v, want ErrStateClosed", err)
	}
	if v := state.GetGlobal("x"); v != glua.LNil {
		t.Errorf("GetGlobal() after Close = %v, want nil", v)
	}
}

func TestStateSafeLibraries(t *testing.T) {
	state := newTestState(t)

	if err := state.DoString(`
		assert(string.upper("a") == "A")
		assert(table.concat({"a", "b"}, ",") == "a,b")
		assert(math.floor(1.5) == 1)
		assert(type(coroutine.create) == "function")
		assert(type(os.time()) == "number")
		assert(os.execute == nil)
		assert(os.exit == nil)
		assert(io == nil)
		assert(debug == nil)
	`); err != nil {
		t.Errorf("safe library check failed: %v", err)
	}
}

func TestStateRunFile(t *testing.T) {
	state := newTestState(t)

	path := filepath.Join(t.TempDir(), "script.lua")
	if err := os.WriteFile(path, []byte(`return 3, "done"`), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := state.RunFile(path)
	if err != nil {
		t.Fatalf("RunFile() error = %v", err)
	}
	if len(results) != 2 || results[0] != glua.LNumber(3) || results[1].String() != "done" {
		t.Errorf("RunFile() = %v", results)
	}

	if _, err := state.RunFile(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("RunFile() of a missing file should fail")
	}
}
