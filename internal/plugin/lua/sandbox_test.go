package lua

import (
	"errors"
	"strings"
	"testing"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/procctl/internal/plugin/security"
)

func TestSandboxInstall(t *testing.T) {
	state := newTestState(t)

	for _, fn := range []string{"dofile", "loadfile", "load", "loadstring"} {
		if v := state.GetGlobal(fn); v != glua.LNil {
			t.Errorf("%s should be removed, got %T", fn, v)
		}
	}
}

func TestSandboxGrantRevoke(t *testing.T) {
	state := newTestState(t)
	sb := state.Sandbox()

	if sb.HasCapability(security.CapabilitySpawn) {
		t.Error("should not have process.spawn initially")
	}

	sb.Grant(security.CapabilitySpawn)
	if !sb.HasCapability(security.CapabilitySpawn) {
		t.Error("should have process.spawn after Grant")
	}

	sb.Revoke(security.CapabilitySpawn)
	if sb.HasCapability(security.CapabilitySpawn) {
		t.Error("should not have process.spawn after Revoke")
	}
}

func TestSandboxHierarchy(t *testing.T) {
	state := newTestState(t)
	sb := state.Sandbox()
	sb.Grant(security.CapabilityProcess)

	if !sb.HasCapability(security.CapabilitySignal) {
		t.Error("process should imply process.signal")
	}
	if sb.HasCapability(security.CapabilityUnsafe) {
		t.Error("process should not imply unsafe")
	}

	caps := sb.Capabilities()
	if len(caps) != 1 || caps[0] != security.CapabilityProcess {
		t.Errorf("Capabilities() = %v", caps)
	}
}

func TestSandboxCheckCapability(t *testing.T) {
	state := newTestState(t)
	sb := state.Sandbox()

	err := sb.CheckCapability(security.CapabilityUnsafe)
	var capErr *security.CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("CheckCapability() = %v, want *security.CapabilityError", err)
	}
	if capErr.Capability != security.CapabilityUnsafe {
		t.Errorf("Capability = %q", capErr.Capability)
	}

	sb.Grant(security.CapabilityUnsafe)
	if err := sb.CheckCapability(security.CapabilityUnsafe); err != nil {
		t.Errorf("CheckCapability() after Grant = %v", err)
	}
}

func TestSandboxSafeRequire(t *testing.T) {
	state := newTestState(t)
	state.LuaState().PreloadModule("ks", func(L *glua.LState) int {
		mod := L.NewTable()
		mod.RawSetString("name", glua.LString("ks"))
		L.Push(mod)
		return 1
	})

	tests := []struct {
		name    string
		code    string
		wantErr string
	}{
		{"string", `local s = require("string"); assert(s.upper("a") == "A")`, ""},
		{"table", `require("table")`, ""},
		{"ks", `local ks = require("ks"); assert(ks.name == "ks")`, ""},
		{"os without unsafe", `require("os")`, "unsafe"},
		{"io without unsafe", `require("io")`, "unsafe"},
		{"debug without unsafe", `require("debug")`, "unsafe"},
		{"unknown module", `require("socket")`, "not available"},
		{"file module", `require("./evil")`, "not available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := state.DoString(tt.code)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("DoString() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("DoString() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSandboxUnsafeOpensLibraries(t *testing.T) {
	state := newTestState(t)
	state.Sandbox().Grant(security.CapabilityUnsafe)

	if err := state.DoString(`
		assert(type(io.open) == "function")
		assert(type(os.execute) == "function")
		assert(type(debug.traceback) == "function")
		local os2 = require("os")
		assert(type(os2.remove) == "function")
	`); err != nil {
		t.Errorf("unsafe libraries not available: %v", err)
	}
}
